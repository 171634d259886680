package agent

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/harun/recall/internal/tracing"
	"github.com/harun/recall/pkg/toolexecutor"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// scriptedProvider replays responses in order and records every request.
type scriptedProvider struct {
	mu        sync.Mutex
	responses []*LLMResponse
	errs      []error
	requests  []LLMRequest
	// loop repeats the last response forever.
	loop bool
	// onCall runs before a response is returned.
	onCall func(ctx context.Context, n int)
}

func (p *scriptedProvider) Provider() string { return "scripted" }

func (p *scriptedProvider) Call(ctx context.Context, req LLMRequest) (*LLMResponse, error) {
	p.mu.Lock()
	n := len(p.requests)
	msgs := make([]Message, len(req.Messages))
	copy(msgs, req.Messages)
	req.Messages = msgs
	p.requests = append(p.requests, req)
	p.mu.Unlock()

	if p.onCall != nil {
		p.onCall(ctx, n)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if n < len(p.errs) && p.errs[n] != nil {
		return nil, p.errs[n]
	}
	if n >= len(p.responses) {
		if p.loop && len(p.responses) > 0 {
			return p.responses[len(p.responses)-1], nil
		}
		return nil, errors.New("script exhausted")
	}
	return p.responses[n], nil
}

func (p *scriptedProvider) calls() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.requests)
}

func toolCallResponse(calls ...ToolCall) *LLMResponse {
	return &LLMResponse{ToolCalls: calls, StopReason: "tool_use", Usage: TokenUsage{InputTokens: 10, OutputTokens: 5}}
}

func textResponse(text string) *LLMResponse {
	return &LLMResponse{Content: text, StopReason: "end_turn", Usage: TokenUsage{InputTokens: 20, OutputTokens: 7}}
}

func newTestRegistry(t *testing.T) *toolexecutor.Registry {
	t.Helper()
	reg := toolexecutor.New(toolexecutor.Options{Logger: zerolog.Nop()})
	require.NoError(t, reg.Register(toolexecutor.ToolDefinition{
		Name:        "echo",
		Description: "Echo text back",
		Parameters: []toolexecutor.ToolParameter{
			{Name: "text", Type: "string", Description: "Text to echo", Required: true},
		},
		Handler: func(_ context.Context, params map[string]interface{}) (interface{}, error) {
			text, _ := toolexecutor.StringArg(params, "text")
			return text, nil
		},
	}))
	require.NoError(t, reg.Register(toolexecutor.ToolDefinition{
		Name:        "fail",
		Description: "Always fails",
		Handler: func(context.Context, map[string]interface{}) (interface{}, error) {
			return nil, errors.New("disk on fire")
		},
	}))
	require.NoError(t, reg.Register(toolexecutor.ToolDefinition{
		Name:        "big",
		Description: "Returns a large multibyte payload",
		Handler: func(context.Context, map[string]interface{}) (interface{}, error) {
			return strings.Repeat("é", 100), nil
		},
	}))
	return reg
}

func newTestLoop(t *testing.T, provider LLMProvider, mutate func(*Config)) *Loop {
	t.Helper()
	cfg := Config{
		Provider: provider,
		Tools:    newTestRegistry(t),
		Model:    "test-model",
		Logger:   zerolog.Nop(),
	}
	if mutate != nil {
		mutate(&cfg)
	}
	loop, err := NewLoop(cfg)
	require.NoError(t, err)
	return loop
}

func userMessage(text string) []Message {
	return []Message{{Role: RoleUser, Content: text}}
}

func TestNewLoop_Config(t *testing.T) {
	reg := newTestRegistry(t)

	t.Run("should require a provider", func(t *testing.T) {
		_, err := NewLoop(Config{Tools: reg})
		assert.ErrorIs(t, err, ErrInvalidConfig)
	})

	t.Run("should require a tool dispatcher", func(t *testing.T) {
		_, err := NewLoop(Config{Provider: &scriptedProvider{}})
		assert.ErrorIs(t, err, ErrInvalidConfig)
	})

	t.Run("should reject negative limits", func(t *testing.T) {
		_, err := NewLoop(Config{Provider: &scriptedProvider{}, Tools: reg, MaxIterations: -1})
		assert.ErrorIs(t, err, ErrInvalidConfig)
	})

	t.Run("should apply defaults", func(t *testing.T) {
		loop, err := NewLoop(Config{Provider: &scriptedProvider{}, Tools: reg})
		require.NoError(t, err)
		assert.Equal(t, DefaultMaxIterations, loop.cfg.MaxIterations)
		assert.Equal(t, DefaultMaxToolResultBytes, loop.cfg.MaxToolResultBytes)
	})
}

func TestRunTurn_DirectAnswer(t *testing.T) {
	provider := &scriptedProvider{responses: []*LLMResponse{textResponse("hello there")}}
	loop := newTestLoop(t, provider, func(c *Config) { c.SystemPrompt = "be brief" })

	input := []Message{
		{Role: RoleSystem, Content: "answer in english"},
		{Role: RoleUser, Content: "hi"},
	}
	result, err := loop.RunTurn(context.Background(), input)
	require.NoError(t, err)

	assert.Equal(t, StatusSuccess, result.Status)
	assert.Equal(t, "hello there", result.Content)
	assert.Equal(t, 1, result.Iterations)
	assert.Empty(t, result.Trace)
	assert.NotEmpty(t, result.TurnID)
	assert.Equal(t, TokenUsage{InputTokens: 20, OutputTokens: 7}, result.Usage)

	require.Len(t, result.Messages, 3)
	assert.Equal(t, RoleAssistant, result.Messages[2].Role)
	assert.Equal(t, "hello there", result.Messages[2].Content)

	require.Len(t, provider.requests, 1)
	req := provider.requests[0]
	assert.Equal(t, "test-model", req.Model)
	assert.Equal(t, "be brief\n\nanswer in english", req.SystemPrompt)
	names := make([]string, len(req.Tools))
	for i, s := range req.Tools {
		names[i] = s.Name
	}
	assert.Equal(t, []string{"big", "echo", "fail"}, names)

	// The caller's slice is not modified.
	assert.Len(t, input, 2)
}

func TestRunTurn_ToolRoundTrip(t *testing.T) {
	provider := &scriptedProvider{responses: []*LLMResponse{
		toolCallResponse(
			ToolCall{ID: "call_1", Name: "echo", Arguments: `{"text":"ping"}`},
			ToolCall{ID: "call_2", Name: "echo", Arguments: `{"text":"pong"}`},
		),
		textResponse("done"),
	}}
	loop := newTestLoop(t, provider, nil)

	result, err := loop.RunTurn(context.Background(), userMessage("echo twice"))
	require.NoError(t, err)
	assert.Equal(t, StatusSuccess, result.Status)
	assert.Equal(t, "done", result.Content)
	assert.Equal(t, 2, result.Iterations)
	assert.Equal(t, TokenUsage{InputTokens: 30, OutputTokens: 12}, result.Usage)

	require.Len(t, result.Trace, 2)
	assert.Equal(t, "call_1", result.Trace[0].CallID)
	assert.Equal(t, "ping", result.Trace[0].Content)
	assert.Equal(t, toolexecutor.OutcomeSuccess, result.Trace[0].Status)
	assert.Equal(t, 1, result.Trace[0].Iteration)
	assert.Equal(t, "pong", result.Trace[1].Content)

	// user, assistant(tool calls), tool, tool, assistant
	require.Len(t, result.Messages, 5)
	assert.Equal(t, RoleTool, result.Messages[2].Role)
	assert.Equal(t, "call_1", result.Messages[2].ToolCallID)
	assert.Equal(t, "call_2", result.Messages[3].ToolCallID)
	assert.NoError(t, ValidateMessages(result.Messages))

	// The second request carries the tool results.
	require.Len(t, provider.requests, 2)
	assert.Len(t, provider.requests[1].Messages, 4)
}

func TestRunTurn_ToolFailureIsNotFatal(t *testing.T) {
	provider := &scriptedProvider{responses: []*LLMResponse{
		toolCallResponse(
			ToolCall{ID: "a", Name: "fail", Arguments: `{}`},
			ToolCall{ID: "b", Name: "missing", Arguments: `{}`},
			ToolCall{ID: "c", Name: "echo", Arguments: `not json`},
			ToolCall{ID: "d", Name: "echo", Arguments: `{"text":42}`},
		),
		textResponse("recovered"),
	}}
	loop := newTestLoop(t, provider, nil)

	result, err := loop.RunTurn(context.Background(), userMessage("break things"))
	require.NoError(t, err)
	assert.Equal(t, StatusSuccess, result.Status)
	assert.Equal(t, "recovered", result.Content)

	require.Len(t, result.Trace, 4)
	assert.Equal(t, toolexecutor.OutcomeExecutionError, result.Trace[0].Status)
	assert.Contains(t, result.Trace[0].Content, "disk on fire")
	assert.Equal(t, toolexecutor.OutcomeUnknownTool, result.Trace[1].Status)
	assert.Equal(t, toolexecutor.OutcomeInvalidArguments, result.Trace[2].Status)
	assert.Equal(t, toolexecutor.OutcomeInvalidArguments, result.Trace[3].Status)

	for _, msg := range result.Messages[2:6] {
		assert.Equal(t, RoleTool, msg.Role)
		assert.True(t, msg.IsError)
	}
}

func TestRunTurn_BoundedIterations(t *testing.T) {
	t.Run("should stop after MaxIterations model calls", func(t *testing.T) {
		provider := &scriptedProvider{
			responses: []*LLMResponse{toolCallResponse(ToolCall{ID: "x", Name: "echo", Arguments: `{"text":"again"}`})},
			loop:      true,
		}
		loop := newTestLoop(t, provider, func(c *Config) { c.MaxIterations = 3 })

		// Duplicate ids across iterations would make the transcript invalid,
		// so each repeated response gets fresh ids.
		provider.responses[0].ToolCalls[0].ID = ""

		result, err := loop.RunTurn(context.Background(), userMessage("loop forever"))
		require.NoError(t, err)
		assert.Equal(t, StatusDegraded, result.Status)
		assert.Equal(t, 3, result.Iterations)
		assert.Equal(t, 3, provider.calls())
		assert.Len(t, result.Trace, 3)
		assert.Empty(t, result.Content)
		assert.NoError(t, ValidateMessages(result.Messages))
	})

	t.Run("should allow a final answer on the last iteration", func(t *testing.T) {
		provider := &scriptedProvider{responses: []*LLMResponse{
			toolCallResponse(ToolCall{ID: "1", Name: "echo", Arguments: `{"text":"a"}`}),
			textResponse("just in time"),
		}}
		loop := newTestLoop(t, provider, func(c *Config) { c.MaxIterations = 2 })

		result, err := loop.RunTurn(context.Background(), userMessage("hi"))
		require.NoError(t, err)
		assert.Equal(t, StatusSuccess, result.Status)
		assert.Equal(t, "just in time", result.Content)
	})
}

func TestRunTurn_AssignsMissingCallIDs(t *testing.T) {
	provider := &scriptedProvider{responses: []*LLMResponse{
		toolCallResponse(ToolCall{Name: "echo", Arguments: `{"text":"a"}`}, ToolCall{Name: "echo", Arguments: `{"text":"b"}`}),
		textResponse("ok"),
	}}
	loop := newTestLoop(t, provider, nil)

	result, err := loop.RunTurn(context.Background(), userMessage("hi"))
	require.NoError(t, err)
	require.Len(t, result.Trace, 2)

	first, second := result.Trace[0].CallID, result.Trace[1].CallID
	assert.True(t, strings.HasPrefix(first, "call_"))
	assert.True(t, strings.HasPrefix(second, "call_"))
	assert.NotEqual(t, first, second)
	assert.Equal(t, first, result.Messages[1].ToolCalls[0].ID)
	assert.Equal(t, first, result.Messages[2].ToolCallID)
}

func TestRunTurn_RejectsMalformedConversation(t *testing.T) {
	provider := &scriptedProvider{responses: []*LLMResponse{textResponse("never")}}
	loop := newTestLoop(t, provider, nil)

	result, err := loop.RunTurn(context.Background(), []Message{
		{Role: RoleUser, Content: "hi"},
		{Role: RoleTool, Content: "stray", ToolCallID: "ghost"},
	})
	assert.Nil(t, result)
	assert.ErrorIs(t, err, ErrOrphanToolResult)
	assert.ErrorIs(t, err, ErrInvariantViolation)
	assert.Zero(t, provider.calls())

	_, err = loop.RunTurn(context.Background(), nil)
	assert.ErrorIs(t, err, ErrInvariantViolation)
}

func TestRunTurn_ModelCallFailed(t *testing.T) {
	t.Run("should fail on the first call", func(t *testing.T) {
		provider := &scriptedProvider{errs: []error{fmt.Errorf("%w: overloaded", ErrRateLimited)}}
		loop := newTestLoop(t, provider, nil)

		result, err := loop.RunTurn(context.Background(), userMessage("hi"))
		require.Error(t, err)
		assert.ErrorIs(t, err, ErrModelCallFailed)
		assert.ErrorIs(t, err, ErrRateLimited)
		require.NotNil(t, result)
		assert.Equal(t, StatusModelCallFailed, result.Status)
		assert.Equal(t, 1, result.Iterations)
	})

	t.Run("should keep the partial trace", func(t *testing.T) {
		provider := &scriptedProvider{
			responses: []*LLMResponse{toolCallResponse(ToolCall{ID: "1", Name: "echo", Arguments: `{"text":"a"}`})},
			errs:      []error{nil, errors.New("connection reset")},
		}
		loop := newTestLoop(t, provider, nil)

		result, err := loop.RunTurn(context.Background(), userMessage("hi"))
		assert.ErrorIs(t, err, ErrModelCallFailed)
		assert.ErrorIs(t, err, ErrModelUnavailable)
		require.NotNil(t, result)
		assert.Equal(t, StatusModelCallFailed, result.Status)
		assert.Len(t, result.Trace, 1)
		assert.Len(t, result.Messages, 3)
	})

	t.Run("should treat a model timeout as a failed call", func(t *testing.T) {
		provider := &scriptedProvider{
			responses: []*LLMResponse{textResponse("late")},
			onCall: func(ctx context.Context, _ int) {
				<-ctx.Done()
			},
		}
		loop := newTestLoop(t, provider, func(c *Config) { c.ModelTimeout = 20 * time.Millisecond })

		result, err := loop.RunTurn(context.Background(), userMessage("hi"))
		assert.ErrorIs(t, err, ErrModelCallFailed)
		assert.ErrorIs(t, err, context.DeadlineExceeded)
		assert.Equal(t, StatusModelCallFailed, result.Status)
	})
}

func TestRunTurn_Cancellation(t *testing.T) {
	t.Run("should not call the model when already cancelled", func(t *testing.T) {
		provider := &scriptedProvider{responses: []*LLMResponse{textResponse("never")}}
		loop := newTestLoop(t, provider, nil)

		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		result, err := loop.RunTurn(ctx, userMessage("hi"))
		assert.ErrorIs(t, err, context.Canceled)
		require.NotNil(t, result)
		assert.Equal(t, StatusCancelled, result.Status)
		assert.Zero(t, provider.calls())
	})

	t.Run("should report cancellation during a model call", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()
		provider := &scriptedProvider{
			responses: []*LLMResponse{textResponse("never")},
			onCall:    func(context.Context, int) { cancel() },
		}
		loop := newTestLoop(t, provider, nil)

		result, err := loop.RunTurn(ctx, userMessage("hi"))
		assert.ErrorIs(t, err, context.Canceled)
		assert.NotErrorIs(t, err, ErrModelCallFailed)
		assert.Equal(t, StatusCancelled, result.Status)
	})

	t.Run("should discard the result of a tool running at cancellation", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		reg := toolexecutor.New(toolexecutor.Options{Logger: zerolog.Nop()})
		require.NoError(t, reg.Register(toolexecutor.ToolDefinition{
			Name:        "slow",
			Description: "Cancels the turn while running",
			Handler: func(context.Context, map[string]interface{}) (interface{}, error) {
				cancel()
				return "finished anyway", nil
			},
		}))

		provider := &scriptedProvider{responses: []*LLMResponse{
			toolCallResponse(ToolCall{ID: "1", Name: "slow", Arguments: `{}`}, ToolCall{ID: "2", Name: "slow", Arguments: `{}`}),
			textResponse("never"),
		}}
		loop := newTestLoop(t, provider, func(c *Config) { c.Tools = reg })

		result, err := loop.RunTurn(ctx, userMessage("hi"))
		assert.ErrorIs(t, err, context.Canceled)
		assert.Equal(t, StatusCancelled, result.Status)
		assert.Empty(t, result.Trace)
		assert.Equal(t, 1, provider.calls())
		// The unanswered assistant message is dropped entirely.
		require.Len(t, result.Messages, 1)
		assert.Equal(t, RoleUser, result.Messages[0].Role)
	})

	t.Run("should keep only answered calls when cancelled mid batch", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		runs := 0
		reg := toolexecutor.New(toolexecutor.Options{Logger: zerolog.Nop()})
		require.NoError(t, reg.Register(toolexecutor.ToolDefinition{
			Name:        "step",
			Description: "Cancels the turn on its second run",
			Handler: func(context.Context, map[string]interface{}) (interface{}, error) {
				runs++
				if runs == 2 {
					cancel()
				}
				return fmt.Sprintf("step %d", runs), nil
			},
		}))

		provider := &scriptedProvider{responses: []*LLMResponse{
			{
				Content:   "working on it",
				ToolCalls: []ToolCall{{ID: "1", Name: "step", Arguments: `{}`}, {ID: "2", Name: "step", Arguments: `{}`}, {ID: "3", Name: "step", Arguments: `{}`}},
			},
		}}
		loop := newTestLoop(t, provider, func(c *Config) { c.Tools = reg })

		result, err := loop.RunTurn(ctx, userMessage("hi"))
		assert.ErrorIs(t, err, context.Canceled)
		assert.Equal(t, StatusCancelled, result.Status)
		require.Len(t, result.Trace, 1)
		assert.Equal(t, 2, runs)

		require.Len(t, result.Messages, 3)
		assistant := result.Messages[1]
		assert.Equal(t, "working on it", assistant.Content)
		assert.Equal(t, []ToolCall{{ID: "1", Name: "step", Arguments: `{}`}}, assistant.ToolCalls)
		assert.Equal(t, "1", result.Messages[2].ToolCallID)

		// Replaying the transcript must not leave any call unanswered.
		require.NoError(t, ValidateMessages(result.Messages))
		answered := map[string]bool{}
		for _, msg := range result.Messages {
			if msg.Role == RoleTool {
				answered[msg.ToolCallID] = true
			}
		}
		for _, msg := range result.Messages {
			for _, tc := range msg.ToolCalls {
				assert.True(t, answered[tc.ID], "call %s has no result", tc.ID)
			}
		}
	})
}

func TestRunTurn_TruncatesToolResults(t *testing.T) {
	provider := &scriptedProvider{responses: []*LLMResponse{
		toolCallResponse(ToolCall{ID: "1", Name: "big", Arguments: `{}`}),
		textResponse("ok"),
	}}
	// "é" is two bytes; 15 falls inside a rune.
	loop := newTestLoop(t, provider, func(c *Config) { c.MaxToolResultBytes = 15 })

	result, err := loop.RunTurn(context.Background(), userMessage("hi"))
	require.NoError(t, err)
	require.Len(t, result.Trace, 1)

	inv := result.Trace[0]
	assert.True(t, inv.Truncated)
	assert.Equal(t, strings.Repeat("é", 7)+"\n[truncated 186 bytes]", inv.Content)
	assert.True(t, utf8.ValidString(inv.Content))
	assert.Equal(t, inv.Content, result.Messages[2].Content)
}

func TestTruncateUTF8(t *testing.T) {
	tests := []struct {
		name      string
		in        string
		max       int
		want      string
		truncated bool
	}{
		{name: "short", in: "abc", max: 10, want: "abc"},
		{name: "exact", in: "abcd", max: 4, want: "abcd"},
		{name: "ascii", in: "abcdef", max: 4, want: "abcd\n[truncated 2 bytes]", truncated: true},
		{name: "rune boundary", in: "日本語", max: 4, want: "日\n[truncated 6 bytes]", truncated: true},
		{name: "disabled", in: "abcdef", max: 0, want: "abcdef"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, truncated := truncateUTF8(tt.in, tt.max)
			assert.Equal(t, tt.want, got)
			assert.Equal(t, tt.truncated, truncated)
		})
	}
}

func TestRunTurn_Events(t *testing.T) {
	provider := &scriptedProvider{responses: []*LLMResponse{
		toolCallResponse(ToolCall{ID: "1", Name: "echo", Arguments: `{"text":"a"}`}),
		textResponse("final"),
	}}
	var events []TurnEvent
	loop := newTestLoop(t, provider, func(c *Config) {
		c.Sink = func(ev TurnEvent) { events = append(events, ev) }
	})

	result, err := loop.RunTurn(context.Background(), userMessage("hi"))
	require.NoError(t, err)

	types := make([]EventType, len(events))
	for i, ev := range events {
		types[i] = ev.Type
		assert.Equal(t, result.TurnID, ev.TurnID)
	}
	assert.Equal(t, []EventType{
		EventModelResponse,
		EventToolDispatched,
		EventToolResult,
		EventModelResponse,
		EventTurnFinished,
	}, types)

	require.NotNil(t, events[1].ToolCall)
	assert.Equal(t, "echo", events[1].ToolCall.Name)
	require.NotNil(t, events[2].Invocation)
	assert.Equal(t, "a", events[2].Invocation.Content)
	assert.Equal(t, StatusSuccess, events[4].Status)
	assert.Equal(t, "final", events[4].Content)
}

func TestRunTurn_TurnLinkage(t *testing.T) {
	provider := &scriptedProvider{responses: []*LLMResponse{textResponse("a"), textResponse("b")}}
	loop := newTestLoop(t, provider, nil)

	t.Run("should start a root turn", func(t *testing.T) {
		result, err := loop.RunTurn(context.Background(), userMessage("hi"))
		require.NoError(t, err)
		assert.NotEmpty(t, result.TurnID)
		assert.Empty(t, result.ParentTurnID)
	})

	t.Run("should link a child turn to its parent", func(t *testing.T) {
		ctx, parentID := tracing.NewTurnContext(context.Background())
		result, err := loop.RunTurn(ctx, userMessage("hi"))
		require.NoError(t, err)
		assert.Equal(t, parentID, result.ParentTurnID)
		assert.NotEqual(t, parentID, result.TurnID)
	})
}

func TestRunTurn_ConcurrentTurns(t *testing.T) {
	provider := &scriptedProvider{responses: []*LLMResponse{textResponse("same")}, loop: true}
	loop := newTestLoop(t, provider, nil)

	var wg sync.WaitGroup
	ids := make([]string, 8)
	for i := range ids {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			result, err := loop.RunTurn(context.Background(), userMessage("hi"))
			if assert.NoError(t, err) {
				ids[i] = result.TurnID
			}
		}(i)
	}
	wg.Wait()

	seen := map[string]bool{}
	for _, id := range ids {
		assert.False(t, seen[id])
		seen[id] = true
	}
	assert.Equal(t, 8, provider.calls())
}
