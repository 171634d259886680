package memory

import "errors"

var (
	// ErrInvalidConfig reports chunker or engine parameters that can never work.
	ErrInvalidConfig = errors.New("memory: invalid configuration")

	// ErrInvalidQuery reports an empty query or out-of-range search options.
	ErrInvalidQuery = errors.New("memory: invalid query")

	// ErrStoreUnavailable wraps failures to open, lock or query the chunk store.
	ErrStoreUnavailable = errors.New("memory: chunk store unavailable")

	// ErrDimensionMismatch reports an embedding whose length differs from the
	// store's fixed dimension.
	ErrDimensionMismatch = errors.New("memory: embedding dimension mismatch")

	// ErrEmbeddingProviderUnavailable wraps failures of the embedding provider.
	ErrEmbeddingProviderUnavailable = errors.New("memory: embedding provider unavailable")

	// ErrChunkNotFound is returned by point lookups for unknown chunk IDs.
	ErrChunkNotFound = errors.New("memory: chunk not found")
)
