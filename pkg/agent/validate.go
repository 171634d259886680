package agent

import "fmt"

// ValidateMessages checks a conversation before it is sent to a model. Every
// tool message must answer a tool call emitted by an earlier assistant
// message, and each call may be answered once.
func ValidateMessages(msgs []Message) error {
	if len(msgs) == 0 {
		return fmt.Errorf("%w: conversation is empty", ErrInvariantViolation)
	}

	pending := make(map[string]bool)
	for i, msg := range msgs {
		switch msg.Role {
		case RoleSystem, RoleUser:
		case RoleAssistant:
			for _, tc := range msg.ToolCalls {
				if tc.ID == "" {
					return fmt.Errorf("%w: message %d has a tool call without an id", ErrInvariantViolation, i)
				}
				pending[tc.ID] = true
			}
		case RoleTool:
			if !pending[msg.ToolCallID] {
				return fmt.Errorf("%w: message %d answers unknown tool call %q", ErrOrphanToolResult, i, msg.ToolCallID)
			}
			delete(pending, msg.ToolCallID)
		default:
			return fmt.Errorf("%w: message %d has unknown role %q", ErrInvariantViolation, i, msg.Role)
		}
	}
	return nil
}
