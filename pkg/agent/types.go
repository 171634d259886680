package agent

import (
	"time"

	"github.com/harun/recall/pkg/toolexecutor"
)

// Role tags a message in the conversation.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// ToolCall is a tool invocation requested by the model. Arguments is the raw
// JSON object the model produced.
type ToolCall struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

// Message represents a message in the conversation. Assistant messages may
// carry ToolCalls; tool messages answer one of them through ToolCallID.
type Message struct {
	Role       Role       `json:"role"`
	Content    string     `json:"content"`
	ToolCalls  []ToolCall `json:"tool_calls,omitempty"`
	ToolCallID string     `json:"tool_call_id,omitempty"`
	// IsError marks a tool message whose tool did not succeed.
	IsError bool `json:"is_error,omitempty"`
}

// TokenUsage tracks token consumption
type TokenUsage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

func (u *TokenUsage) add(o TokenUsage) {
	u.InputTokens += o.InputTokens
	u.OutputTokens += o.OutputTokens
}

// TurnStatus is the terminal state of a turn.
type TurnStatus string

const (
	StatusSuccess         TurnStatus = "success"
	StatusDegraded        TurnStatus = "degraded"
	StatusModelCallFailed TurnStatus = "model_call_failed"
	StatusCancelled       TurnStatus = "cancelled"
)

// ToolInvocation records one dispatched tool call.
type ToolInvocation struct {
	Iteration int                        `json:"iteration"`
	CallID    string                     `json:"call_id"`
	Tool      string                     `json:"tool"`
	Arguments string                     `json:"arguments"`
	Status    toolexecutor.OutcomeStatus `json:"status"`
	// Content is the text handed back to the model.
	Content   string        `json:"content"`
	Truncated bool          `json:"truncated,omitempty"`
	Duration  time.Duration `json:"duration"`
}

// TurnResult is the outcome of Loop.RunTurn. Messages holds the full
// transcript including the caller's input; Trace lists every tool the turn
// dispatched, also when the turn did not succeed.
type TurnResult struct {
	TurnID       string           `json:"turn_id"`
	ParentTurnID string           `json:"parent_turn_id,omitempty"`
	Status       TurnStatus       `json:"status"`
	Content      string           `json:"content"`
	Messages     []Message        `json:"messages"`
	Trace        []ToolInvocation `json:"trace"`
	Iterations   int              `json:"iterations"`
	Usage        TokenUsage       `json:"usage"`
	Duration     time.Duration    `json:"duration"`
}

// EventType identifies a TurnEvent.
type EventType string

const (
	EventModelResponse  EventType = "model_response"
	EventToolDispatched EventType = "tool_dispatched"
	EventToolResult     EventType = "tool_result"
	EventTurnFinished   EventType = "turn_finished"
)

// TurnEvent is delivered to Config.Sink as the turn progresses. Only the
// fields relevant to Type are set.
type TurnEvent struct {
	Type       EventType       `json:"type"`
	TurnID     string          `json:"turn_id"`
	Iteration  int             `json:"iteration"`
	Content    string          `json:"content,omitempty"`
	ToolCalls  []ToolCall      `json:"tool_calls,omitempty"`
	ToolCall   *ToolCall       `json:"tool_call,omitempty"`
	Invocation *ToolInvocation `json:"invocation,omitempty"`
	Status     TurnStatus      `json:"status,omitempty"`
}
