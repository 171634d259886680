package agent

import (
	"context"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/harun/recall/internal/observability"
	"github.com/harun/recall/internal/tracing"
	"github.com/harun/recall/pkg/toolexecutor"
	gonanoid "github.com/matoous/go-nanoid/v2"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
)

const (
	// DefaultMaxIterations caps model calls per turn.
	DefaultMaxIterations = 10
	// DefaultMaxToolResultBytes caps the tool output handed back to the model.
	DefaultMaxToolResultBytes = 16 * 1024
)

// ToolDispatcher is the part of the tool registry the loop needs.
type ToolDispatcher interface {
	Specs() []toolexecutor.ToolSpec
	DispatchJSON(ctx context.Context, name, rawArgs string) toolexecutor.Outcome
}

// Config holds loop configuration
type Config struct {
	Provider LLMProvider
	Tools    ToolDispatcher

	Model        string
	SystemPrompt string
	Temperature  float64
	MaxTokens    int

	MaxIterations      int
	MaxToolResultBytes int
	// ModelTimeout bounds a single model call. Zero means no limit beyond ctx.
	ModelTimeout time.Duration

	Logger zerolog.Logger
	// Sink, if set, receives events synchronously as the turn progresses.
	Sink func(TurnEvent)
}

// Loop runs agent turns: model inference alternating with tool execution.
// A Loop holds no per-turn state and may run turns concurrently.
type Loop struct {
	cfg Config
}

// NewLoop validates cfg and creates a Loop.
func NewLoop(cfg Config) (*Loop, error) {
	observability.EnsureRegistered()

	if cfg.Provider == nil {
		return nil, fmt.Errorf("%w: provider is required", ErrInvalidConfig)
	}
	if cfg.Tools == nil {
		return nil, fmt.Errorf("%w: tool dispatcher is required", ErrInvalidConfig)
	}
	if cfg.MaxIterations < 0 || cfg.MaxToolResultBytes < 0 || cfg.MaxTokens < 0 {
		return nil, fmt.Errorf("%w: limits cannot be negative", ErrInvalidConfig)
	}
	if cfg.MaxIterations == 0 {
		cfg.MaxIterations = DefaultMaxIterations
	}
	if cfg.MaxToolResultBytes == 0 {
		cfg.MaxToolResultBytes = DefaultMaxToolResultBytes
	}
	return &Loop{cfg: cfg}, nil
}

// turnState is owned by one RunTurn call.
type turnState struct {
	result    *TurnResult
	messages  []Message
	iteration int
	start     time.Time
}

// trimUnanswered keeps only the first answered tool calls of the assistant
// message at idx, so a cancelled transcript can be replayed to a provider.
// An assistant message left with neither calls nor text is dropped.
func (s *turnState) trimUnanswered(idx, answered int) {
	msg := s.messages[idx]
	if answered == len(msg.ToolCalls) {
		return
	}
	if answered == 0 && msg.Content == "" {
		s.messages = s.messages[:idx]
		return
	}
	calls := make([]ToolCall, answered)
	copy(calls, msg.ToolCalls[:answered])
	msg.ToolCalls = calls
	s.messages[idx] = msg
}

// RunTurn drives one turn from the given conversation to a final answer.
//
// The returned error is nil for StatusSuccess and StatusDegraded, wraps
// ErrModelCallFailed for StatusModelCallFailed and is ctx.Err() for
// StatusCancelled. In all of those cases the partial result is returned. A
// malformed input conversation yields a nil result and an error wrapping
// ErrInvariantViolation.
func (l *Loop) RunTurn(ctx context.Context, messages []Message) (*TurnResult, error) {
	if err := ValidateMessages(messages); err != nil {
		return nil, err
	}

	ctx, turnID := tracing.PropagateToChildTurn(ctx)
	parentID := tracing.GetParentTurnID(ctx)
	ctx, span := tracing.StartSpan(ctx, "recall.agent", "agent.turn",
		attribute.String("turn_id", turnID),
		attribute.String("parent_turn_id", parentID),
		attribute.String("provider", l.cfg.Provider.Provider()),
	)
	defer span.End()
	logger := tracing.LoggerFromContext(ctx, l.cfg.Logger)

	state := &turnState{
		result: &TurnResult{
			TurnID:       turnID,
			ParentTurnID: parentID,
			Trace:        []ToolInvocation{},
		},
		messages: append(make([]Message, 0, len(messages)+8), messages...),
		start:    time.Now(),
	}
	finish := func(status TurnStatus, err error) (*TurnResult, error) {
		r := state.result
		r.Status = status
		r.Messages = state.messages
		r.Iterations = state.iteration
		r.Duration = time.Since(state.start)

		span.SetAttributes(
			attribute.String("turn.status", string(status)),
			attribute.Int("turn.iterations", r.Iterations),
			attribute.Int("turn.tool_calls", len(r.Trace)),
		)
		if err != nil {
			tracing.FailSpan(span, err, string(status))
		}
		observability.RecordAgentTurn(string(status), r.Iterations, r.Duration)

		event := logger.Info()
		if status != StatusSuccess {
			event = logger.Warn().AnErr("error", err)
		}
		event.Str("status", string(status)).
			Int("iterations", r.Iterations).
			Int("tool_calls", len(r.Trace)).
			Dur("took", r.Duration).
			Msg("Agent turn finished")

		l.emit(TurnEvent{Type: EventTurnFinished, TurnID: turnID, Iteration: r.Iterations, Content: r.Content, Status: status})
		return r, err
	}

	systemPrompt := l.systemPrompt(messages)
	specs := l.cfg.Tools.Specs()

	for state.iteration < l.cfg.MaxIterations {
		if err := ctx.Err(); err != nil {
			return finish(StatusCancelled, err)
		}
		state.iteration++

		resp, err := l.callModel(ctx, LLMRequest{
			Model:        l.cfg.Model,
			SystemPrompt: systemPrompt,
			Messages:     state.messages,
			Tools:        specs,
			Temperature:  l.cfg.Temperature,
			MaxTokens:    l.cfg.MaxTokens,
		}, state.iteration)
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return finish(StatusCancelled, ctxErr)
			}
			return finish(StatusModelCallFailed, fmt.Errorf("%w: %w", ErrModelCallFailed, err))
		}
		state.result.Usage.add(resp.Usage)

		calls := assignCallIDs(resp.ToolCalls)
		l.emit(TurnEvent{
			Type:      EventModelResponse,
			TurnID:    turnID,
			Iteration: state.iteration,
			Content:   resp.Content,
			ToolCalls: calls,
		})

		assistantAt := len(state.messages)
		state.messages = append(state.messages, Message{
			Role:      RoleAssistant,
			Content:   resp.Content,
			ToolCalls: calls,
		})
		if len(calls) == 0 {
			state.result.Content = resp.Content
			return finish(StatusSuccess, nil)
		}

		for i := range calls {
			if err := ctx.Err(); err != nil {
				state.trimUnanswered(assistantAt, i)
				return finish(StatusCancelled, err)
			}
			call := calls[i]
			l.emit(TurnEvent{Type: EventToolDispatched, TurnID: turnID, Iteration: state.iteration, ToolCall: &call})

			inv := l.dispatch(ctx, state.iteration, call)
			if err := ctx.Err(); err != nil {
				logger.Debug().Str("tool", call.Name).Msg("Discarding tool result of cancelled turn")
				state.trimUnanswered(assistantAt, i)
				return finish(StatusCancelled, err)
			}

			state.result.Trace = append(state.result.Trace, inv)
			state.messages = append(state.messages, Message{
				Role:       RoleTool,
				Content:    inv.Content,
				ToolCallID: call.ID,
				IsError:    inv.Status != toolexecutor.OutcomeSuccess,
			})
			l.emit(TurnEvent{Type: EventToolResult, TurnID: turnID, Iteration: state.iteration, Invocation: &inv})
		}
	}

	logger.Warn().Int("max_iterations", l.cfg.MaxIterations).Msg("Turn hit the iteration limit")
	return finish(StatusDegraded, nil)
}

// callModel makes one model call under its own span and optional timeout.
func (l *Loop) callModel(ctx context.Context, req LLMRequest, iteration int) (*LLMResponse, error) {
	provider := l.cfg.Provider.Provider()
	ctx, span := tracing.StartSpan(ctx, "recall.agent", "agent.model_call",
		attribute.String("provider", provider),
		attribute.Int("iteration", iteration),
		attribute.Int("messages", len(req.Messages)),
	)
	defer span.End()

	if l.cfg.ModelTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, l.cfg.ModelTimeout)
		defer cancel()
	}

	start := time.Now()
	resp, err := l.cfg.Provider.Call(ctx, req)
	if err == nil && resp == nil {
		err = fmt.Errorf("%w: %s returned no response", ErrModelUnavailable, provider)
	}
	observability.RecordModelCall(provider, time.Since(start), err == nil)
	if err != nil {
		err = classifyError(provider, err)
		tracing.FailSpan(span, err, "model call failed")
		return nil, err
	}

	span.SetAttributes(
		attribute.Int("tool_calls", len(resp.ToolCalls)),
		attribute.String("stop_reason", resp.StopReason),
	)
	return resp, nil
}

// dispatch runs one tool call through the registry.
func (l *Loop) dispatch(ctx context.Context, iteration int, call ToolCall) ToolInvocation {
	ctx = tracing.WithToolCallID(ctx, call.ID)
	out := l.cfg.Tools.DispatchJSON(ctx, call.Name, call.Arguments)

	content, truncated := truncateUTF8(out.Content(), l.cfg.MaxToolResultBytes)
	return ToolInvocation{
		Iteration: iteration,
		CallID:    call.ID,
		Tool:      call.Name,
		Arguments: call.Arguments,
		Status:    out.Status,
		Content:   content,
		Truncated: truncated,
		Duration:  out.Duration,
	}
}

func (l *Loop) emit(ev TurnEvent) {
	if l.cfg.Sink != nil {
		l.cfg.Sink(ev)
	}
}

// systemPrompt joins the configured prompt with any system messages of the
// conversation.
func (l *Loop) systemPrompt(msgs []Message) string {
	var parts []string
	if l.cfg.SystemPrompt != "" {
		parts = append(parts, l.cfg.SystemPrompt)
	}
	for _, m := range msgs {
		if m.Role == RoleSystem && m.Content != "" {
			parts = append(parts, m.Content)
		}
	}
	return strings.Join(parts, "\n\n")
}

// assignCallIDs fills in ids the provider left empty.
func assignCallIDs(calls []ToolCall) []ToolCall {
	if len(calls) == 0 {
		return nil
	}
	out := make([]ToolCall, len(calls))
	for i, c := range calls {
		if c.ID == "" {
			id, err := gonanoid.New()
			if err != nil {
				id = fmt.Sprintf("%d-%d", time.Now().UnixNano(), i)
			}
			c.ID = "call_" + id
		}
		out[i] = c
	}
	return out
}

// truncateUTF8 cuts s to at most max bytes on a rune boundary and appends a
// marker naming how much was dropped.
func truncateUTF8(s string, max int) (string, bool) {
	if max <= 0 || len(s) <= max {
		return s, false
	}
	cut := max
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return fmt.Sprintf("%s\n[truncated %d bytes]", s[:cut], len(s)-cut), true
}
