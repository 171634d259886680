// Package memory indexes workspace text into overlapping chunks and serves
// hybrid retrieval over them.
//
// Invariants:
//   - A source is replaced atomically: readers see its old chunk set or its
//     new one, never a mix.
//   - Keyword and vector scores are max-normalized before the weighted merge.
//   - Permanent chunks are exempt from temporal decay.
//   - Results come back in MMR selection order.
//
// Usage:
//
//	store, _ := memory.NewSQLiteStore(memory.SQLiteConfig{Path: "/data/memory.db", Dimension: 1536, Logger: logger})
//	defer store.Close()
//	indexer, _ := memory.NewIndexer(memory.IndexerConfig{Store: store, Embedder: embedder, Root: "/workspace", Logger: logger})
//	_, _ = indexer.Sync(ctx)
//	engine, _ := memory.NewEngine(memory.EngineConfig{Store: store, Embedder: embedder, Logger: logger})
//	results, _ := engine.Search(ctx, "query", memory.DefaultSearchOptions())
//	_ = results
package memory
