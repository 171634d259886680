package memory

import (
	"context"
	"time"
)

// CandidateSource identifies which backend produced a SearchCandidate.
type CandidateSource string

const (
	SourceKeyword CandidateSource = "keyword"
	SourceVector  CandidateSource = "vector"
)

// SearchCandidate is a raw hit from one backend before normalization.
type SearchCandidate struct {
	ChunkID  string
	RawScore float64
	Source   CandidateSource
}

// StoreStats summarizes the store contents.
type StoreStats struct {
	Sources      int `json:"sources"`
	Chunks       int `json:"chunks"`
	Embedded     int `json:"embedded"`
	CachedVector int `json:"cached_vectors"`
	Dimension    int `json:"dimension"`
}

// SourceInfo describes one indexed source.
type SourceInfo struct {
	Path        string    `json:"path"`
	ContentHash string    `json:"content_hash"`
	Chunks      int       `json:"chunks"`
	IndexedAt   time.Time `json:"indexed_at"`
}

// Store persists chunks with their embeddings and serves both search
// backends. UpsertChunks and DeleteSource are atomic per source: concurrent
// readers observe either the previous chunk set or the new one.
type Store interface {
	// UpsertChunks replaces every chunk of sourcePath. sourceHash is recorded
	// so unchanged sources can be skipped on the next pass.
	UpsertChunks(ctx context.Context, sourcePath, sourceHash string, chunks []Chunk) error
	DeleteSource(ctx context.Context, sourcePath string) error

	KeywordSearch(ctx context.Context, query string, limit int) ([]SearchCandidate, error)
	VectorSearch(ctx context.Context, embedding []float32, limit int) ([]SearchCandidate, error)

	GetEmbedding(ctx context.Context, chunkID string) ([]float32, error)
	// GetChunks returns the chunks that still exist, keyed by ID. Embeddings
	// are not populated.
	GetChunks(ctx context.Context, ids []string) (map[string]Chunk, error)
	SourceChunks(ctx context.Context, sourcePath string) ([]Chunk, error)
	SourceHash(ctx context.Context, sourcePath string) (string, bool, error)
	ListSources(ctx context.Context) ([]SourceInfo, error)
	// CachedEmbeddings looks up previously computed embeddings by chunk
	// content hash.
	CachedEmbeddings(ctx context.Context, contentHashes []string) (map[string][]float32, error)

	Stats(ctx context.Context) (StoreStats, error)
	Dimension() int
	Close() error
}
