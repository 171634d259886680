package agent

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidConfig reports a Loop or provider configuration that cannot work.
	ErrInvalidConfig = errors.New("agent: invalid configuration")

	// ErrInvariantViolation reports a malformed conversation.
	ErrInvariantViolation = errors.New("agent: conversation invariant violated")

	// ErrOrphanToolResult reports a tool message that answers no preceding
	// tool call.
	ErrOrphanToolResult = fmt.Errorf("orphan tool result: %w", ErrInvariantViolation)

	// ErrModelCallFailed is returned by RunTurn when the model could not be
	// reached. It wraps the provider cause.
	ErrModelCallFailed = errors.New("agent: model call failed")

	// ErrModelUnavailable classifies provider outages, timeouts and
	// malformed responses.
	ErrModelUnavailable = errors.New("agent: model unavailable")

	// ErrRateLimited classifies provider throttling.
	ErrRateLimited = errors.New("agent: rate limited")
)
