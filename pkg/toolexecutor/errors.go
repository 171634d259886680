package toolexecutor

import "errors"

var (
	// ErrDuplicateTool is returned when a tool name is registered twice.
	ErrDuplicateTool = errors.New("duplicate tool")
	// ErrInvalidTool is returned for malformed tool definitions.
	ErrInvalidTool = errors.New("invalid tool definition")
	// ErrInvalidDenyRule is returned when a deny-list rule does not compile.
	ErrInvalidDenyRule = errors.New("invalid deny rule")
)
