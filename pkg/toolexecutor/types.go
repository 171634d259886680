package toolexecutor

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

// ToolParameter defines a parameter for a tool
type ToolParameter struct {
	Name        string      `json:"name"`
	Type        string      `json:"type"`
	Description string      `json:"description"`
	Required    bool        `json:"required"`
	Default     interface{} `json:"default,omitempty"`
	Enum        []string    `json:"enum,omitempty"`
}

// ToolHandler is the function signature for tool execution
type ToolHandler func(ctx context.Context, params map[string]interface{}) (interface{}, error)

// ToolDefinition defines a tool's metadata and handler. It is immutable once
// registered.
type ToolDefinition struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Parameters  []ToolParameter `json:"parameters"`
	Approval    ApprovalPolicy  `json:"approval,omitempty"`
	Handler     ToolHandler     `json:"-"`
}

// ToolSpec is what a model sees of a tool: its name, description and the
// JSON schema of its arguments.
type ToolSpec struct {
	Name        string                 `json:"name"`
	Description string                 `json:"description"`
	Parameters  map[string]interface{} `json:"parameters"`
}

// OutcomeStatus classifies the result of a dispatch.
type OutcomeStatus string

const (
	OutcomeSuccess          OutcomeStatus = "success"
	OutcomeUnknownTool      OutcomeStatus = "unknown_tool"
	OutcomeDenied           OutcomeStatus = "denied"
	OutcomeUserDenied       OutcomeStatus = "user_denied"
	OutcomeInvalidArguments OutcomeStatus = "invalid_arguments"
	OutcomeExecutionError   OutcomeStatus = "execution_error"
)

// Outcome is the result of Registry.Dispatch. Failures are data: the agent
// loop hands them back to the model instead of aborting the turn.
type Outcome struct {
	Tool     string        `json:"tool"`
	Status   OutcomeStatus `json:"status"`
	Output   string        `json:"output,omitempty"`
	Error    string        `json:"error,omitempty"`
	Duration time.Duration `json:"duration"`
}

// OK reports whether the tool ran and succeeded.
func (o Outcome) OK() bool {
	return o.Status == OutcomeSuccess
}

// Content renders the outcome as the text of a tool-result message.
func (o Outcome) Content() string {
	if o.OK() {
		return o.Output
	}
	if o.Error == "" {
		return fmt.Sprintf("error (%s)", o.Status)
	}
	return fmt.Sprintf("error (%s): %s", o.Status, o.Error)
}

// formatOutput turns a handler result into text. Strings pass through;
// anything else is JSON encoded.
func formatOutput(v interface{}) (string, error) {
	switch out := v.(type) {
	case nil:
		return "", nil
	case string:
		return out, nil
	case []byte:
		return string(out), nil
	case fmt.Stringer:
		return out.String(), nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("encode tool output: %w", err)
	}
	return string(data), nil
}
