package tracing

import (
	"bytes"
	"context"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewTurnContext(t *testing.T) {
	ctx, turnID := NewTurnContext(context.Background())

	assert.NotEmpty(t, turnID)
	assert.Equal(t, turnID, GetTurnID(ctx))
	assert.NotEmpty(t, GetTraceID(ctx))
}

func TestNewTurnContext_KeepsTraceID(t *testing.T) {
	ctx := WithTraceID(context.Background(), "trace-1")
	ctx, _ = NewTurnContext(ctx)

	assert.Equal(t, "trace-1", GetTraceID(ctx))
}

func TestPropagateToChildTurn(t *testing.T) {
	ctx := WithTraceID(context.Background(), "trace-1")
	ctx = WithTurnID(ctx, "turn-parent")

	child, childID := PropagateToChildTurn(ctx)

	assert.Equal(t, "trace-1", GetTraceID(child))
	assert.Equal(t, childID, GetTurnID(child))
	assert.Equal(t, "turn-parent", GetParentTurnID(child))
	assert.NotEqual(t, "turn-parent", childID)
}

func TestGetters_Empty(t *testing.T) {
	assert.Empty(t, GetTraceID(context.Background()))
	assert.Empty(t, GetTurnID(context.Background()))
	assert.Empty(t, GetToolCallID(context.Background()))
}

func TestLoggerFromContext(t *testing.T) {
	var buf bytes.Buffer
	base := zerolog.New(&buf)

	ctx := WithToolCallID(WithTurnID(WithTraceID(context.Background(), "t1"), "turn1"), "call1")
	logger := LoggerFromContext(ctx, base)
	logger.Info().Msg("hello")

	out := buf.String()
	assert.Contains(t, out, `"trace_id":"t1"`)
	assert.Contains(t, out, `"turn_id":"turn1"`)
	assert.Contains(t, out, `"tool_call_id":"call1"`)
}

func TestStartSpan_SetsTraceID(t *testing.T) {
	require.NoError(t, InitOpenTelemetry("recall-test"))

	ctx, span := StartSpan(context.Background(), "recall.test", "test.span")
	defer span.End()

	assert.NotEmpty(t, GetTraceID(ctx))
}
