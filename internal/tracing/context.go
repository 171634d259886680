package tracing

import (
	"context"

	"github.com/google/uuid"
)

// ContextKey is the type for context keys
type ContextKey string

const (
	// TraceIDKey is the context key for trace ID
	TraceIDKey ContextKey = "trace_id"
	// TurnIDKey is the context key for the current agent turn
	TurnIDKey ContextKey = "turn_id"
	// ParentTurnIDKey links a child turn to the turn that spawned it
	ParentTurnIDKey ContextKey = "parent_turn_id"
	// ToolCallIDKey is the context key for the tool call being dispatched
	ToolCallIDKey ContextKey = "tool_call_id"
)

// TraceContext holds tracing information
type TraceContext struct {
	TraceID      string
	TurnID       string
	ParentTurnID string
	ToolCallID   string
}

// NewTraceID generates a new trace ID
func NewTraceID() string {
	return uuid.New().String()
}

// NewTurnID generates a new turn ID
func NewTurnID() string {
	return uuid.New().String()
}

// WithTraceID adds a trace ID to the context
func WithTraceID(ctx context.Context, traceID string) context.Context {
	return context.WithValue(ctx, TraceIDKey, traceID)
}

// WithTurnID adds a turn ID to the context
func WithTurnID(ctx context.Context, turnID string) context.Context {
	return context.WithValue(ctx, TurnIDKey, turnID)
}

// WithParentTurnID adds the parent turn ID to the context
func WithParentTurnID(ctx context.Context, parentTurnID string) context.Context {
	return context.WithValue(ctx, ParentTurnIDKey, parentTurnID)
}

// WithToolCallID adds a tool call ID to the context
func WithToolCallID(ctx context.Context, callID string) context.Context {
	return context.WithValue(ctx, ToolCallIDKey, callID)
}

func stringValue(ctx context.Context, key ContextKey) string {
	if ctx == nil {
		return ""
	}
	if v, ok := ctx.Value(key).(string); ok {
		return v
	}
	return ""
}

// GetTraceID retrieves the trace ID from the context
func GetTraceID(ctx context.Context) string {
	return stringValue(ctx, TraceIDKey)
}

// GetTurnID retrieves the turn ID from the context
func GetTurnID(ctx context.Context) string {
	return stringValue(ctx, TurnIDKey)
}

// GetParentTurnID retrieves the parent turn ID from the context
func GetParentTurnID(ctx context.Context) string {
	return stringValue(ctx, ParentTurnIDKey)
}

// GetToolCallID retrieves the tool call ID from the context
func GetToolCallID(ctx context.Context) string {
	return stringValue(ctx, ToolCallIDKey)
}

// FromContext extracts all tracing information from the context
func FromContext(ctx context.Context) *TraceContext {
	return &TraceContext{
		TraceID:      GetTraceID(ctx),
		TurnID:       GetTurnID(ctx),
		ParentTurnID: GetParentTurnID(ctx),
		ToolCallID:   GetToolCallID(ctx),
	}
}

// NewTurnContext returns a context carrying a fresh turn ID. A trace ID is
// created when the caller has not supplied one.
func NewTurnContext(ctx context.Context) (context.Context, string) {
	if GetTraceID(ctx) == "" {
		ctx = WithTraceID(ctx, NewTraceID())
	}
	turnID := NewTurnID()
	return WithTurnID(ctx, turnID), turnID
}
