// Package toolexecutor registers structured tools and gates their execution.
//
// Dispatch order: unknown tool, deny list, Deny policy, schema validation,
// Ask approval, execution. Every step reports through an Outcome; Dispatch
// itself never fails.
//
// Invariants:
// - Tool names are unique and definitions are immutable after Register.
// - Arguments are schema-validated before any approval prompt.
// - Anything short of an explicit approval denies an Ask tool.
//
// Usage:
//
//	reg := toolexecutor.New(toolexecutor.Options{Logger: logger})
//	_ = reg.Register(toolexecutor.ToolDefinition{
//		Name:        "echo",
//		Description: "Echo input",
//		Parameters:  []toolexecutor.ToolParameter{{Name: "text", Type: "string", Description: "text", Required: true}},
//		Handler: func(ctx context.Context, params map[string]interface{}) (interface{}, error) {
//			return params["text"], nil
//		},
//	})
//	out := reg.Dispatch(ctx, "echo", map[string]interface{}{"text": "hi"})
package toolexecutor
