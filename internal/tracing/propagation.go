package tracing

import (
	"context"

	"github.com/rs/zerolog"
)

// PropagateToChildTurn keeps the trace ID and records the current turn as the
// parent of a new child turn. Turns are linked by ID only.
func PropagateToChildTurn(ctx context.Context) (context.Context, string) {
	traceID := GetTraceID(ctx)
	if traceID == "" {
		traceID = NewTraceID()
	}

	parent := GetTurnID(ctx)
	childID := NewTurnID()

	newCtx := WithTraceID(ctx, traceID)
	newCtx = WithTurnID(newCtx, childID)
	if parent != "" {
		newCtx = WithParentTurnID(newCtx, parent)
	}
	return newCtx, childID
}

// PropagateToLogger adds tracing context to a zerolog logger
func PropagateToLogger(ctx context.Context, logger zerolog.Logger) zerolog.Logger {
	tc := FromContext(ctx)

	if tc.TraceID != "" {
		logger = logger.With().Str("trace_id", tc.TraceID).Logger()
	}
	if tc.TurnID != "" {
		logger = logger.With().Str("turn_id", tc.TurnID).Logger()
	}
	if tc.ParentTurnID != "" {
		logger = logger.With().Str("parent_turn_id", tc.ParentTurnID).Logger()
	}
	if tc.ToolCallID != "" {
		logger = logger.With().Str("tool_call_id", tc.ToolCallID).Logger()
	}

	return logger
}

// LoggerFromContext creates a logger with tracing context from the given context
func LoggerFromContext(ctx context.Context, baseLogger zerolog.Logger) zerolog.Logger {
	return PropagateToLogger(ctx, baseLogger)
}
