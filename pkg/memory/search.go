package memory

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/harun/recall/internal/observability"
	"github.com/harun/recall/internal/tracing"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/errgroup"
)

// candidateMultiplier widens each backend's fetch so merging and MMR have
// enough to choose from.
const candidateMultiplier = 3

// SearchOptions configures one hybrid search. Start from
// DefaultSearchOptions: zero values are taken literally.
type SearchOptions struct {
	Limit             int     `json:"limit"`
	VectorWeight      float64 `json:"vector_weight"`
	KeywordWeight     float64 `json:"keyword_weight"`
	DecayHalfLifeDays float64 `json:"decay_half_life_days"`
	MMRLambda         float64 `json:"mmr_lambda"`
	ApplyDecay        bool    `json:"apply_decay"`
}

// DefaultSearchOptions returns limit 10, weights 0.7/0.3, a 30 day half-life
// and lambda 0.7, with decay on.
func DefaultSearchOptions() SearchOptions {
	return SearchOptions{
		Limit:             10,
		VectorWeight:      0.7,
		KeywordWeight:     0.3,
		DecayHalfLifeDays: 30,
		MMRLambda:         0.7,
		ApplyDecay:        true,
	}
}

// Validate reports ErrInvalidQuery for options outside their domain.
func (o SearchOptions) Validate() error {
	switch {
	case o.Limit < 0:
		return fmt.Errorf("%w: limit must not be negative, got %d", ErrInvalidQuery, o.Limit)
	case o.VectorWeight < 0 || o.KeywordWeight < 0:
		return fmt.Errorf("%w: weights must not be negative", ErrInvalidQuery)
	case o.MMRLambda < 0 || o.MMRLambda > 1:
		return fmt.Errorf("%w: mmr lambda must be within [0, 1], got %g", ErrInvalidQuery, o.MMRLambda)
	case o.ApplyDecay && o.DecayHalfLifeDays <= 0:
		return fmt.Errorf("%w: decay half-life must be positive, got %g", ErrInvalidQuery, o.DecayHalfLifeDays)
	}
	return nil
}

// RankedResult is one final search hit.
type RankedResult struct {
	ChunkID      string    `json:"chunk_id"`
	SourcePath   string    `json:"source_path"`
	ChunkIndex   int       `json:"chunk_index"`
	Content      string    `json:"content"`
	Score        float64   `json:"score"`
	DecayFactor  float64   `json:"decay_factor"`
	VectorScore  float64   `json:"vector_score"`
	KeywordScore float64   `json:"keyword_score"`
	CreatedAt    time.Time `json:"created_at"`
	Permanent    bool      `json:"permanent"`
}

// EngineConfig configures an Engine.
type EngineConfig struct {
	Store    Store
	Embedder EmbeddingProvider
	Logger   zerolog.Logger
	// Now is the clock used for decay. Defaults to time.Now.
	Now func() time.Time
}

// Engine runs hybrid keyword and vector search over a Store.
type Engine struct {
	store    Store
	embedder EmbeddingProvider
	logger   zerolog.Logger
	now      func() time.Time
}

// NewEngine creates a search engine.
func NewEngine(cfg EngineConfig) (*Engine, error) {
	observability.EnsureRegistered()

	if cfg.Store == nil {
		return nil, fmt.Errorf("%w: store is required", ErrInvalidConfig)
	}
	if cfg.Embedder == nil {
		return nil, fmt.Errorf("%w: embedding provider is required", ErrInvalidConfig)
	}
	if cfg.Embedder.Dimension() != cfg.Store.Dimension() {
		return nil, fmt.Errorf("%w: embedder produces %d values, store expects %d",
			ErrDimensionMismatch, cfg.Embedder.Dimension(), cfg.Store.Dimension())
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	return &Engine{store: cfg.Store, embedder: cfg.Embedder, logger: cfg.Logger, now: now}, nil
}

// Search runs keyword and vector retrieval concurrently, merges the
// max-normalized scores, applies temporal decay and returns up to opts.Limit
// results in MMR selection order.
func (e *Engine) Search(ctx context.Context, query string, opts SearchOptions) (results []RankedResult, err error) {
	ctx, span := tracing.StartSpan(ctx, "recall.memory", "memory.search",
		attribute.String("query", query),
		attribute.Int("limit", opts.Limit),
	)
	defer span.End()

	logger := tracing.LoggerFromContext(ctx, e.logger)
	start := time.Now()
	defer func() {
		observability.RecordMemorySearch(time.Since(start), len(results), err == nil)
		if err != nil {
			tracing.FailSpan(span, err, "search failed")
		}
	}()

	if strings.TrimSpace(query) == "" {
		return nil, fmt.Errorf("%w: query is empty", ErrInvalidQuery)
	}
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	if opts.Limit == 0 {
		return []RankedResult{}, nil
	}

	fetch := opts.Limit * candidateMultiplier
	var (
		queryVec    []float32
		vectorHits  []SearchCandidate
		keywordHits []SearchCandidate
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		vec, err := e.embedder.GenerateEmbedding(gctx, query)
		if err != nil {
			if !errors.Is(err, ErrEmbeddingProviderUnavailable) {
				err = fmt.Errorf("%w: %w", ErrEmbeddingProviderUnavailable, err)
			}
			return err
		}
		queryVec = vec
		vectorHits, err = e.store.VectorSearch(gctx, vec, fetch)
		return err
	})
	g.Go(func() error {
		var err error
		keywordHits, err = e.store.KeywordSearch(gctx, query, fetch)
		return err
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}

	merged := mergeCandidates(vectorHits, keywordHits, opts.VectorWeight, opts.KeywordWeight)
	if len(merged) == 0 {
		logger.Debug().Str("query", query).Msg("Search found no candidates")
		return []RankedResult{}, nil
	}

	ids := make([]string, 0, len(merged))
	for id := range merged {
		ids = append(ids, id)
	}
	chunks, err := e.store.GetChunks(ctx, ids)
	if err != nil {
		return nil, err
	}

	ranked := make([]RankedResult, 0, len(chunks))
	for id, m := range merged {
		c, ok := chunks[id]
		if !ok {
			// Removed by a concurrent reindex since the backend query.
			continue
		}
		ranked = append(ranked, RankedResult{
			ChunkID:      id,
			SourcePath:   c.SourcePath,
			ChunkIndex:   c.ChunkIndex,
			Content:      c.Content,
			Score:        m.combined,
			DecayFactor:  1,
			VectorScore:  m.vector,
			KeywordScore: m.keyword,
			CreatedAt:    c.CreatedAt,
			Permanent:    c.Permanent,
		})
	}

	if opts.ApplyDecay {
		applyDecay(ranked, e.now(), opts.DecayHalfLifeDays)
	}
	sortRanked(ranked)

	embeddings := e.candidateEmbeddings(ctx, ranked, logger)
	results = selectMMR(ranked, embeddings, opts.Limit, opts.MMRLambda)

	logger.Debug().
		Str("query", query).
		Int("vector_hits", len(vectorHits)).
		Int("keyword_hits", len(keywordHits)).
		Int("results", len(results)).
		Bool("query_embedded", queryVec != nil).
		Msg("Search completed")
	return results, nil
}

// candidateEmbeddings loads stored embeddings for MMR. Chunks without one
// are left out and count as dissimilar to everything.
func (e *Engine) candidateEmbeddings(ctx context.Context, ranked []RankedResult, logger zerolog.Logger) map[string][]float32 {
	out := make(map[string][]float32, len(ranked))
	for _, r := range ranked {
		vec, err := e.store.GetEmbedding(ctx, r.ChunkID)
		if err != nil {
			if !errors.Is(err, ErrChunkNotFound) {
				logger.Warn().Err(err).Str("chunk_id", r.ChunkID).Msg("Failed to load embedding for diversification")
			}
			continue
		}
		out[r.ChunkID] = vec
	}
	return out
}

type mergedScore struct {
	vector   float64
	keyword  float64
	combined float64
}

// normalizeByMax divides each raw score by the list maximum. Negative
// scores clamp to zero; a list whose maximum is not positive contributes
// nothing.
func normalizeByMax(candidates []SearchCandidate) map[string]float64 {
	out := make(map[string]float64, len(candidates))
	var maxScore float64
	for _, c := range candidates {
		if c.RawScore > maxScore {
			maxScore = c.RawScore
		}
	}
	for _, c := range candidates {
		score := 0.0
		if maxScore > 0 && c.RawScore > 0 {
			score = c.RawScore / maxScore
		}
		if prev, ok := out[c.ChunkID]; !ok || score > prev {
			out[c.ChunkID] = score
		}
	}
	return out
}

// mergeCandidates combines both lists additively:
// combined = vw*normVector + kw*normKeyword over the union of chunk IDs.
func mergeCandidates(vector, keyword []SearchCandidate, vectorWeight, keywordWeight float64) map[string]mergedScore {
	nv := normalizeByMax(vector)
	nk := normalizeByMax(keyword)

	merged := make(map[string]mergedScore, len(nv)+len(nk))
	for id, v := range nv {
		m := merged[id]
		m.vector = v
		merged[id] = m
	}
	for id, k := range nk {
		m := merged[id]
		m.keyword = k
		merged[id] = m
	}
	for id, m := range merged {
		m.combined = vectorWeight*m.vector + keywordWeight*m.keyword
		merged[id] = m
	}
	return merged
}

// decayFactor is 0.5^(age/halfLife) with age in fractional days. Future
// timestamps count as age zero.
func decayFactor(createdAt, now time.Time, halfLifeDays float64) float64 {
	ageDays := now.Sub(createdAt).Hours() / 24
	if ageDays <= 0 {
		return 1
	}
	return math.Pow(0.5, ageDays/halfLifeDays)
}

// applyDecay scales every non-permanent result by its decay factor.
func applyDecay(results []RankedResult, now time.Time, halfLifeDays float64) {
	for i := range results {
		if results[i].Permanent {
			results[i].DecayFactor = 1
			continue
		}
		f := decayFactor(results[i].CreatedAt, now, halfLifeDays)
		results[i].DecayFactor = f
		results[i].Score *= f
	}
}

// sortRanked orders by score descending, then newer first, then chunk ID.
func sortRanked(results []RankedResult) {
	sort.SliceStable(results, func(i, j int) bool {
		a, b := results[i], results[j]
		if a.Score != b.Score {
			return a.Score > b.Score
		}
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.After(b.CreatedAt)
		}
		return a.ChunkID < b.ChunkID
	})
}

// selectMMR greedily picks up to limit results from sorted candidates. The
// first pick is the top candidate; each later pick maximizes
// lambda*score - (1-lambda)*max cosine to anything already picked. Ties go
// to the candidate that sorts first.
func selectMMR(sorted []RankedResult, embeddings map[string][]float32, limit int, lambda float64) []RankedResult {
	if limit <= 0 || len(sorted) == 0 {
		return []RankedResult{}
	}
	if limit > len(sorted) {
		limit = len(sorted)
	}

	selected := make([]RankedResult, 0, limit)
	used := make([]bool, len(sorted))
	// maxSim[i] tracks candidate i's highest similarity to the picks so far.
	// It stays -Inf until a pair with both embeddings is seen; such a
	// candidate counts as dissimilar (0). Negative similarities are kept.
	maxSim := make([]float64, len(sorted))
	for i := range maxSim {
		maxSim[i] = math.Inf(-1)
	}

	selected = append(selected, sorted[0])
	used[0] = true
	lastVec := embeddings[sorted[0].ChunkID]

	for len(selected) < limit {
		best := -1
		bestScore := math.Inf(-1)
		for i, cand := range sorted {
			if used[i] {
				continue
			}
			if vec, ok := embeddings[cand.ChunkID]; ok && lastVec != nil {
				if sim := cosineSimilarity(vec, lastVec); sim > maxSim[i] {
					maxSim[i] = sim
				}
			}
			sim := maxSim[i]
			if math.IsInf(sim, -1) {
				sim = 0
			}
			mmr := lambda*cand.Score - (1-lambda)*sim
			if mmr > bestScore {
				bestScore = mmr
				best = i
			}
		}
		if best < 0 {
			break
		}
		used[best] = true
		selected = append(selected, sorted[best])
		lastVec = embeddings[sorted[best].ChunkID]
	}

	return selected
}
