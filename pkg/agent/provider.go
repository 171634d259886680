package agent

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/harun/recall/pkg/toolexecutor"
	"github.com/rs/zerolog"
)

// LLMProvider is an interface for LLM API providers
type LLMProvider interface {
	// Call makes one LLM API call. Failures wrap ErrModelUnavailable or
	// ErrRateLimited.
	Call(ctx context.Context, request LLMRequest) (*LLMResponse, error)

	// Provider returns the provider name
	Provider() string
}

// LLMRequest contains the request parameters for LLM call
type LLMRequest struct {
	Model        string
	SystemPrompt string
	Messages     []Message
	Tools        []toolexecutor.ToolSpec
	Temperature  float64
	MaxTokens    int
}

// LLMResponse contains the response from LLM
type LLMResponse struct {
	Content    string
	ToolCalls  []ToolCall
	Usage      TokenUsage
	StopReason string
}

// AuthProfile represents authentication credentials for LLM providers
type AuthProfile struct {
	ID       string `json:"id"`
	Provider string `json:"provider"` // "anthropic", "openai"
	APIKey   string `json:"api_key"`
	BaseURL  string `json:"base_url,omitempty"`
	// Model overrides the request model for this profile.
	Model    string `json:"model,omitempty"`
	Priority int    `json:"priority"`
}

// NewProvider creates a new LLM provider based on auth profile
func NewProvider(profile AuthProfile) (LLMProvider, error) {
	switch profile.Provider {
	case "anthropic":
		return NewAnthropicProvider(profile), nil
	case "openai":
		return NewOpenAIProvider(profile), nil
	default:
		return nil, fmt.Errorf("%w: unsupported provider: %s", ErrInvalidConfig, profile.Provider)
	}
}

// classifyStatus maps an HTTP status from a provider API to ErrRateLimited or
// ErrModelUnavailable, keeping cause in the chain.
func classifyStatus(provider string, status int, cause error) error {
	if status == http.StatusTooManyRequests {
		return fmt.Errorf("%w: %s: %w", ErrRateLimited, provider, cause)
	}
	return fmt.Errorf("%w: %s: %w", ErrModelUnavailable, provider, cause)
}

// classifyError wraps errors a provider did not classify itself. Context
// errors pass through untouched so callers can tell cancellation apart.
func classifyError(provider string, err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, ErrRateLimited), errors.Is(err, ErrModelUnavailable):
		return err
	case errors.Is(err, context.Canceled):
		return err
	}
	return fmt.Errorf("%w: %s: %w", ErrModelUnavailable, provider, err)
}

// ProviderAttempt is one failed try within a ProviderChain call.
type ProviderAttempt struct {
	Provider string
	Err      error
}

// ChainError is returned when every provider of a chain failed. It unwraps
// to each attempt's error, so errors.Is finds ErrRateLimited when any
// provider was throttled.
type ChainError struct {
	Attempts []ProviderAttempt
}

func (e *ChainError) Error() string {
	parts := make([]string, len(e.Attempts))
	for i, a := range e.Attempts {
		parts[i] = fmt.Sprintf("%s: %v", a.Provider, a.Err)
	}
	return "all providers failed: " + strings.Join(parts, "; ")
}

func (e *ChainError) Unwrap() []error {
	errs := make([]error, len(e.Attempts))
	for i, a := range e.Attempts {
		errs[i] = a.Err
	}
	return errs
}

// ProviderChain tries providers in order and returns the first success.
type ProviderChain struct {
	providers []LLMProvider
	logger    zerolog.Logger
}

var _ LLMProvider = (*ProviderChain)(nil)

// NewProviderChain creates a chain over providers, tried in the given order.
func NewProviderChain(logger zerolog.Logger, providers ...LLMProvider) (*ProviderChain, error) {
	if len(providers) == 0 {
		return nil, fmt.Errorf("%w: provider chain needs at least one provider", ErrInvalidConfig)
	}
	return &ProviderChain{providers: providers, logger: logger}, nil
}

// NewProviderChainFromProfiles builds providers from auth profiles ordered by
// priority (lower first). Profiles that cannot be built are skipped.
func NewProviderChainFromProfiles(logger zerolog.Logger, profiles []AuthProfile) (*ProviderChain, error) {
	sorted := make([]AuthProfile, len(profiles))
	copy(sorted, profiles)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Priority < sorted[j].Priority })

	var providers []LLMProvider
	for _, profile := range sorted {
		p, err := NewProvider(profile)
		if err != nil {
			logger.Warn().Str("profile_id", profile.ID).Err(err).Msg("Skipping auth profile")
			continue
		}
		providers = append(providers, p)
	}
	return NewProviderChain(logger, providers...)
}

// Provider returns the chained provider names joined by ">".
func (c *ProviderChain) Provider() string {
	names := make([]string, len(c.providers))
	for i, p := range c.providers {
		names[i] = p.Provider()
	}
	return strings.Join(names, ">")
}

// Call tries each provider once. Cancellation stops the chain immediately.
func (c *ProviderChain) Call(ctx context.Context, request LLMRequest) (*LLMResponse, error) {
	var attempts []ProviderAttempt
	for _, p := range c.providers {
		start := time.Now()
		resp, err := p.Call(ctx, request)
		if err == nil {
			if len(attempts) > 0 {
				c.logger.Info().
					Str("provider", p.Provider()).
					Int("failed_attempts", len(attempts)).
					Msg("Fallback provider succeeded")
			}
			return resp, nil
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}

		err = classifyError(p.Provider(), err)
		attempts = append(attempts, ProviderAttempt{Provider: p.Provider(), Err: err})
		c.logger.Warn().
			Str("provider", p.Provider()).
			Dur("took", time.Since(start)).
			Err(err).
			Msg("Provider failed")
	}
	return nil, &ChainError{Attempts: attempts}
}
