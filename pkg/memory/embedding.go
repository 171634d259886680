package memory

import (
	"context"
	"errors"
	"fmt"
	"math"
	"net/http"
	"time"

	"github.com/harun/recall/internal/observability"
	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"golang.org/x/time/rate"
)

// EmbeddingProvider generates vector embeddings from text
type EmbeddingProvider interface {
	GenerateEmbedding(ctx context.Context, text string) ([]float32, error)
	GenerateEmbeddings(ctx context.Context, texts []string) ([][]float32, error)
	Dimension() int
}

// OpenAIEmbedderConfig configures an OpenAIEmbedder. BaseURL points the client
// at any OpenAI-compatible endpoint, such as a local Ollama server.
type OpenAIEmbedderConfig struct {
	APIKey    string
	BaseURL   string
	Model     string
	Dimension int
	Timeout   time.Duration
}

// OpenAIEmbedder implements EmbeddingProvider with the OpenAI embeddings API.
type OpenAIEmbedder struct {
	client       openai.Client
	model        string
	dimension    int
	sendDims     bool
	providerName string
}

// NewOpenAIEmbedder creates a new OpenAI embedding provider
func NewOpenAIEmbedder(cfg OpenAIEmbedderConfig) *OpenAIEmbedder {
	model := cfg.Model
	if model == "" {
		model = openai.EmbeddingModelTextEmbedding3Small
	}

	dimension := cfg.Dimension
	sendDims := dimension > 0
	if dimension <= 0 {
		switch model {
		case openai.EmbeddingModelTextEmbedding3Large:
			dimension = 3072
		default:
			dimension = 1536
		}
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	opts := []option.RequestOption{
		option.WithHTTPClient(&http.Client{Timeout: timeout}),
		option.WithMaxRetries(0),
	}
	name := "openai"
	if cfg.APIKey != "" {
		opts = append(opts, option.WithAPIKey(cfg.APIKey))
	}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
		name = "openai-compatible"
	}

	return &OpenAIEmbedder{
		client:       openai.NewClient(opts...),
		model:        model,
		dimension:    dimension,
		sendDims:     sendDims && model != openai.EmbeddingModelTextEmbeddingAda002,
		providerName: name,
	}
}

func (p *OpenAIEmbedder) Dimension() int {
	return p.dimension
}

func (p *OpenAIEmbedder) GenerateEmbedding(ctx context.Context, text string) ([]float32, error) {
	embeddings, err := p.GenerateEmbeddings(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return embeddings[0], nil
}

func (p *OpenAIEmbedder) GenerateEmbeddings(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}

	params := openai.EmbeddingNewParams{
		Input: openai.EmbeddingNewParamsInputUnion{OfArrayOfStrings: texts},
		Model: p.model,
	}
	if p.sendDims {
		params.Dimensions = openai.Int(int64(p.dimension))
	}

	resp, err := p.client.Embeddings.New(ctx, params)
	if err != nil {
		observability.RecordEmbeddingRequest(p.providerName, false)
		return nil, fmt.Errorf("%w: %s: %w", ErrEmbeddingProviderUnavailable, p.providerName, err)
	}
	if len(resp.Data) != len(texts) {
		observability.RecordEmbeddingRequest(p.providerName, false)
		return nil, fmt.Errorf("%w: expected %d embeddings, got %d", ErrEmbeddingProviderUnavailable, len(texts), len(resp.Data))
	}

	out := make([][]float32, len(texts))
	for _, item := range resp.Data {
		idx := int(item.Index)
		if idx < 0 || idx >= len(out) {
			return nil, fmt.Errorf("%w: embedding index %d out of range", ErrEmbeddingProviderUnavailable, idx)
		}
		vec := make([]float32, len(item.Embedding))
		for i, v := range item.Embedding {
			vec[i] = float32(v)
		}
		if len(vec) != p.dimension {
			return nil, fmt.Errorf("%w: provider returned %d values, expected %d", ErrDimensionMismatch, len(vec), p.dimension)
		}
		out[idx] = vec
	}

	observability.RecordEmbeddingRequest(p.providerName, true)
	return out, nil
}

// RateLimitedEmbedder bounds the request rate of another provider. Each
// text in a batch consumes one token.
type RateLimitedEmbedder struct {
	next    EmbeddingProvider
	limiter *rate.Limiter
}

// NewRateLimitedEmbedder wraps next with a token bucket of rps and burst.
// A non-positive rps disables limiting.
func NewRateLimitedEmbedder(next EmbeddingProvider, rps float64, burst int) *RateLimitedEmbedder {
	limit := rate.Limit(rps)
	if rps <= 0 {
		limit = rate.Inf
	}
	if burst <= 0 {
		burst = 1
	}
	return &RateLimitedEmbedder{next: next, limiter: rate.NewLimiter(limit, burst)}
}

func (r *RateLimitedEmbedder) Dimension() int {
	return r.next.Dimension()
}

func (r *RateLimitedEmbedder) GenerateEmbedding(ctx context.Context, text string) ([]float32, error) {
	if err := r.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("%w: rate limiter: %w", ErrEmbeddingProviderUnavailable, err)
	}
	return r.next.GenerateEmbedding(ctx, text)
}

func (r *RateLimitedEmbedder) GenerateEmbeddings(ctx context.Context, texts []string) ([][]float32, error) {
	// WaitN fails outright when n exceeds the burst, so take tokens in
	// burst-sized steps.
	remaining := len(texts)
	for remaining > 0 {
		n := min(remaining, r.limiter.Burst())
		if err := r.limiter.WaitN(ctx, n); err != nil {
			return nil, fmt.Errorf("%w: rate limiter: %w", ErrEmbeddingProviderUnavailable, err)
		}
		remaining -= n
	}
	return r.next.GenerateEmbeddings(ctx, texts)
}

// FallbackEmbedder tries each provider in order and returns the first
// success. All providers must share one dimension.
type FallbackEmbedder struct {
	providers []EmbeddingProvider
}

// NewFallbackEmbedder builds an ordered chain of providers.
func NewFallbackEmbedder(providers ...EmbeddingProvider) (*FallbackEmbedder, error) {
	if len(providers) == 0 {
		return nil, fmt.Errorf("%w: at least one embedding provider is required", ErrInvalidConfig)
	}
	dim := providers[0].Dimension()
	for i, p := range providers[1:] {
		if p.Dimension() != dim {
			return nil, fmt.Errorf("%w: provider %d has dimension %d, expected %d", ErrDimensionMismatch, i+1, p.Dimension(), dim)
		}
	}
	return &FallbackEmbedder{providers: providers}, nil
}

func (f *FallbackEmbedder) Dimension() int {
	return f.providers[0].Dimension()
}

func (f *FallbackEmbedder) GenerateEmbedding(ctx context.Context, text string) ([]float32, error) {
	var errs []error
	for i, p := range f.providers {
		vec, err := p.GenerateEmbedding(ctx, text)
		if err == nil {
			return vec, nil
		}
		errs = append(errs, fmt.Errorf("provider %d: %w", i, err))
		if ctx.Err() != nil {
			break
		}
	}
	return nil, fmt.Errorf("%w: all providers failed: %w", ErrEmbeddingProviderUnavailable, errors.Join(errs...))
}

func (f *FallbackEmbedder) GenerateEmbeddings(ctx context.Context, texts []string) ([][]float32, error) {
	var errs []error
	for i, p := range f.providers {
		vecs, err := p.GenerateEmbeddings(ctx, texts)
		if err == nil {
			return vecs, nil
		}
		errs = append(errs, fmt.Errorf("provider %d: %w", i, err))
		if ctx.Err() != nil {
			break
		}
	}
	return nil, fmt.Errorf("%w: all providers failed: %w", ErrEmbeddingProviderUnavailable, errors.Join(errs...))
}

// cosineSimilarity returns the cosine of the angle between a and b, or 0
// when either is empty, zero or of a different length.
func cosineSimilarity(a, b []float32) float64 {
	if len(a) == 0 || len(a) != len(b) {
		return 0
	}
	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}
