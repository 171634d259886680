package memory

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/harun/recall/internal/observability"
	"github.com/harun/recall/internal/tracing"
	"github.com/oklog/ulid/v2"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/errgroup"
)

// VirtualSourcePrefix marks sources written through WriteMemory rather than
// read from the workspace. Sync never prunes them.
const VirtualSourcePrefix = "memory://"

const (
	embedBatchSize     = 64
	defaultSyncWorkers = 4
)

// IndexerConfig configures an Indexer.
type IndexerConfig struct {
	Store    Store
	Embedder EmbeddingProvider // nil stores chunks without vectors
	Root     string
	Chunking ChunkOptions
	// Extensions lists indexed file suffixes, e.g. ".md".
	Extensions []string
	// PermanentPatterns are slash-separated globs relative to Root. A trailing
	// "/**" matches a whole subtree.
	PermanentPatterns []string
	SyncWorkers       int
	Logger            zerolog.Logger
	Now               func() time.Time
}

// SyncReport summarizes one Sync pass.
type SyncReport struct {
	Indexed int           `json:"indexed"`
	Skipped int           `json:"skipped"`
	Removed int           `json:"removed"`
	Failed  int           `json:"failed"`
	Took    time.Duration `json:"took"`
}

// Indexer turns workspace files and written memories into stored chunks.
type Indexer struct {
	store       Store
	embedder    EmbeddingProvider
	root        string
	chunking    ChunkOptions
	extensions  map[string]bool
	permanent   []string
	syncWorkers int
	logger      zerolog.Logger
	now         func() time.Time

	mu       sync.Mutex
	cron     *cron.Cron
	lastSync *SyncReport
	syncing  bool
}

// NewIndexer validates cfg and creates an Indexer.
func NewIndexer(cfg IndexerConfig) (*Indexer, error) {
	if cfg.Store == nil {
		return nil, fmt.Errorf("%w: store is required", ErrInvalidConfig)
	}
	if cfg.Chunking.TargetTokens == 0 && cfg.Chunking.OverlapTokens == 0 {
		cfg.Chunking = DefaultChunkOptions()
	}
	if err := cfg.Chunking.Validate(); err != nil {
		return nil, err
	}
	if cfg.Embedder != nil && cfg.Embedder.Dimension() != cfg.Store.Dimension() {
		return nil, fmt.Errorf("%w: embedder produces %d values, store expects %d",
			ErrDimensionMismatch, cfg.Embedder.Dimension(), cfg.Store.Dimension())
	}

	root := cfg.Root
	if root != "" {
		abs, err := filepath.Abs(root)
		if err != nil {
			return nil, fmt.Errorf("resolve workspace root: %w", err)
		}
		root = abs
	}

	exts := make(map[string]bool)
	for _, ext := range cfg.Extensions {
		exts[strings.ToLower(ext)] = true
	}
	if len(exts) == 0 {
		exts[".md"] = true
		exts[".txt"] = true
	}

	workers := cfg.SyncWorkers
	if workers <= 0 {
		workers = defaultSyncWorkers
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}

	return &Indexer{
		store:       cfg.Store,
		embedder:    cfg.Embedder,
		root:        root,
		chunking:    cfg.Chunking,
		extensions:  exts,
		permanent:   cfg.PermanentPatterns,
		syncWorkers: workers,
		logger:      cfg.Logger,
		now:         now,
	}, nil
}

// Root returns the absolute workspace root.
func (ix *Indexer) Root() string {
	return ix.root
}

// Indexable reports whether path has one of the indexed extensions.
func (ix *Indexer) Indexable(path string) bool {
	return ix.extensions[strings.ToLower(filepath.Ext(path))]
}

// SourcePath maps a file path to its source key: the slash-separated path
// relative to the workspace root.
func (ix *Indexer) SourcePath(path string) (string, error) {
	if ix.root == "" {
		return "", fmt.Errorf("%w: indexer has no workspace root", ErrInvalidConfig)
	}
	if !filepath.IsAbs(path) {
		path = filepath.Join(ix.root, path)
	}
	rel, err := filepath.Rel(ix.root, filepath.Clean(path))
	if err != nil {
		return "", fmt.Errorf("resolve %s: %w", path, err)
	}
	if err := ValidateSourcePath(rel); err != nil {
		return "", err
	}
	return filepath.ToSlash(rel), nil
}

// IsPermanent reports whether a source is exempt from temporal decay.
func (ix *Indexer) IsPermanent(source string) bool {
	for _, pattern := range ix.permanent {
		if prefix, ok := strings.CutSuffix(pattern, "/**"); ok {
			if strings.HasPrefix(source, prefix+"/") {
				return true
			}
			continue
		}
		if ok, _ := filepath.Match(pattern, source); ok {
			return true
		}
		if !strings.Contains(pattern, "/") {
			if ok, _ := filepath.Match(pattern, filepath.Base(source)); ok {
				return true
			}
		}
	}
	return false
}

// Reindex brings the store in line with one file. A missing file removes
// its chunks; an unchanged file is skipped.
func (ix *Indexer) Reindex(ctx context.Context, path string) error {
	source, err := ix.SourcePath(path)
	if err != nil {
		return err
	}
	_, err = ix.reindexSource(ctx, source)
	return err
}

type indexAction string

const (
	actionUpsert indexAction = "upsert"
	actionSkip   indexAction = "skip"
	actionDelete indexAction = "delete"
)

func (ix *Indexer) reindexSource(ctx context.Context, source string) (indexAction, error) {
	ctx, span := tracing.StartSpan(ctx, "recall.memory", "memory.index", attribute.String("source", source))
	defer span.End()

	start := time.Now()
	logger := tracing.LoggerFromContext(ctx, ix.logger)
	full := filepath.Join(ix.root, filepath.FromSlash(source))

	info, err := os.Stat(full)
	if errors.Is(err, fs.ErrNotExist) {
		if err := ix.store.DeleteSource(ctx, source); err != nil {
			tracing.FailSpan(span, err, "delete failed")
			return "", err
		}
		observability.RecordMemoryIndex(string(actionDelete), time.Since(start))
		logger.Debug().Str("source", source).Msg("Removed chunks for deleted file")
		return actionDelete, nil
	}
	if err != nil {
		tracing.FailSpan(span, err, "stat failed")
		return "", fmt.Errorf("stat %s: %w", source, err)
	}
	if info.IsDir() {
		return actionSkip, nil
	}

	data, err := os.ReadFile(full)
	if err != nil {
		tracing.FailSpan(span, err, "read failed")
		return "", fmt.Errorf("read %s: %w", source, err)
	}
	text := string(data)
	hash := HashContent(text)

	if prev, ok, err := ix.store.SourceHash(ctx, source); err != nil {
		return "", err
	} else if ok && prev == hash {
		observability.RecordMemoryIndex(string(actionSkip), time.Since(start))
		return actionSkip, nil
	}

	opts := ix.chunking
	opts.CreatedAt = info.ModTime()
	opts.Permanent = ix.IsPermanent(source)

	if _, err := ix.indexText(ctx, source, hash, text, opts); err != nil {
		tracing.FailSpan(span, err, "index failed")
		return "", err
	}

	observability.RecordMemoryIndex(string(actionUpsert), time.Since(start))
	logger.Debug().
		Str("source", source).
		Bool("permanent", opts.Permanent).
		Dur("took", time.Since(start)).
		Msg("Indexed source")
	return actionUpsert, nil
}

func (ix *Indexer) indexText(ctx context.Context, source, hash, text string, opts ChunkOptions) (int, error) {
	chunks, err := ChunkText(text, source, opts)
	if err != nil {
		return 0, err
	}
	if err := ix.embedChunks(ctx, chunks); err != nil {
		return 0, err
	}
	if err := ix.store.UpsertChunks(ctx, source, hash, chunks); err != nil {
		return 0, err
	}
	return len(chunks), nil
}

// embedChunks fills Embedding for each chunk, reusing cached vectors for
// content the store has already embedded.
func (ix *Indexer) embedChunks(ctx context.Context, chunks []Chunk) error {
	if ix.embedder == nil || len(chunks) == 0 {
		return nil
	}

	hashes := make([]string, len(chunks))
	for i, c := range chunks {
		hashes[i] = c.ContentHash
	}
	cached, err := ix.store.CachedEmbeddings(ctx, hashes)
	if err != nil {
		return err
	}

	var missing []int
	for i := range chunks {
		if vec, ok := cached[chunks[i].ContentHash]; ok {
			chunks[i].Embedding = vec
			continue
		}
		missing = append(missing, i)
	}

	for start := 0; start < len(missing); start += embedBatchSize {
		end := min(start+embedBatchSize, len(missing))
		batch := missing[start:end]

		texts := make([]string, len(batch))
		for j, idx := range batch {
			texts[j] = chunks[idx].Content
		}
		vecs, err := ix.embedder.GenerateEmbeddings(ctx, texts)
		if err != nil {
			return err
		}
		if len(vecs) != len(batch) {
			return fmt.Errorf("%w: requested %d embeddings, got %d", ErrEmbeddingProviderUnavailable, len(batch), len(vecs))
		}
		for j, idx := range batch {
			chunks[idx].Embedding = vecs[j]
		}
	}

	ix.logger.Debug().
		Int("chunks", len(chunks)).
		Int("cache_hits", len(chunks)-len(missing)).
		Msg("Embedded chunks")
	return nil
}

// Remove deletes the chunks of one file.
func (ix *Indexer) Remove(ctx context.Context, path string) error {
	source, err := ix.SourcePath(path)
	if err != nil {
		return err
	}
	return ix.store.DeleteSource(ctx, source)
}

// Sync reindexes every indexable file under the root and drops sources whose
// files no longer exist. Files are processed concurrently; one failing file
// does not stop the pass.
func (ix *Indexer) Sync(ctx context.Context) (SyncReport, error) {
	ix.mu.Lock()
	if ix.syncing {
		ix.mu.Unlock()
		return SyncReport{}, errors.New("sync already in progress")
	}
	ix.syncing = true
	ix.mu.Unlock()

	defer func() {
		ix.mu.Lock()
		ix.syncing = false
		ix.mu.Unlock()
	}()

	ctx, span := tracing.StartSpan(ctx, "recall.memory", "memory.sync", attribute.String("root", ix.root))
	defer span.End()

	start := time.Now()
	var report SyncReport

	files, err := ix.walk()
	if err != nil {
		tracing.FailSpan(span, err, "walk failed")
		return report, err
	}

	present := make(map[string]bool, len(files))
	for _, f := range files {
		present[f] = true
	}

	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(ix.syncWorkers)
	for _, source := range files {
		g.Go(func() error {
			action, err := ix.reindexSource(gctx, source)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err != nil:
				report.Failed++
				ix.logger.Warn().Err(err).Str("source", source).Msg("Failed to index source")
				// Only give up when the store itself is gone.
				if errors.Is(err, ErrStoreUnavailable) {
					return err
				}
			case action == actionSkip:
				report.Skipped++
			default:
				report.Indexed++
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		tracing.FailSpan(span, err, "sync failed")
		return report, err
	}

	sources, err := ix.store.ListSources(ctx)
	if err != nil {
		return report, err
	}
	for _, src := range sources {
		if strings.HasPrefix(src.Path, VirtualSourcePrefix) || present[src.Path] {
			continue
		}
		if err := ix.store.DeleteSource(ctx, src.Path); err != nil {
			return report, err
		}
		report.Removed++
	}

	report.Took = time.Since(start)
	observability.RecordMemoryIndex("sync", report.Took)
	if stats, err := ix.store.Stats(ctx); err == nil {
		observability.SetMemoryChunks(stats.Chunks)
	}

	ix.mu.Lock()
	r := report
	ix.lastSync = &r
	ix.mu.Unlock()

	ix.logger.Info().
		Int("indexed", report.Indexed).
		Int("skipped", report.Skipped).
		Int("removed", report.Removed).
		Int("failed", report.Failed).
		Dur("took", report.Took).
		Msg("Workspace sync completed")
	return report, nil
}

// LastSync returns the report of the most recent completed Sync, if any.
func (ix *Indexer) LastSync() (SyncReport, bool) {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	if ix.lastSync == nil {
		return SyncReport{}, false
	}
	return *ix.lastSync, true
}

func (ix *Indexer) walk() ([]string, error) {
	if ix.root == "" {
		return nil, fmt.Errorf("%w: indexer has no workspace root", ErrInvalidConfig)
	}
	if _, err := os.Stat(ix.root); errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}

	var files []string
	err := filepath.WalkDir(ix.root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			if path != ix.root && strings.HasPrefix(d.Name(), ".") {
				return filepath.SkipDir
			}
			return nil
		}
		if !ix.Indexable(path) {
			return nil
		}
		rel, err := filepath.Rel(ix.root, path)
		if err != nil {
			return err
		}
		files = append(files, filepath.ToSlash(rel))
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("walk workspace: %w", err)
	}
	return files, nil
}

// WriteMemory stores text as a new virtual source and returns its path.
func (ix *Indexer) WriteMemory(ctx context.Context, text string, permanent bool) (string, int, error) {
	if strings.TrimSpace(text) == "" {
		return "", 0, fmt.Errorf("%w: memory text is empty", ErrInvalidQuery)
	}
	now := ix.now()
	source := VirtualSourcePrefix + ulid.MustNew(ulid.Timestamp(now), ulid.DefaultEntropy()).String()

	opts := ix.chunking
	opts.CreatedAt = now
	opts.Permanent = permanent

	start := time.Now()
	count, err := ix.indexText(ctx, source, HashContent(text), text, opts)
	if err != nil {
		return "", 0, err
	}
	observability.RecordMemoryIndex(string(actionUpsert), time.Since(start))
	observability.RecordMemoryAudit(ctx, "write", source)
	return source, count, nil
}

// Forget deletes a source, virtual or file-backed, from the store. The file
// itself is left alone; a later Sync re-adds it if it still exists.
func (ix *Indexer) Forget(ctx context.Context, source string) error {
	if !strings.HasPrefix(source, VirtualSourcePrefix) {
		if err := ValidateSourcePath(source); err != nil {
			return err
		}
	}
	if _, ok, err := ix.store.SourceHash(ctx, source); err != nil {
		return err
	} else if !ok {
		return fmt.Errorf("%w: no source %q", ErrChunkNotFound, source)
	}
	if err := ix.store.DeleteSource(ctx, source); err != nil {
		return err
	}
	observability.RecordMemoryAudit(ctx, "forget", source)
	return nil
}

// StartSchedule runs Sync on a cron schedule such as "@every 30m".
func (ix *Indexer) StartSchedule(spec string) error {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	if ix.cron != nil {
		return errors.New("resync schedule already running")
	}

	c := cron.New()
	if _, err := c.AddFunc(spec, func() {
		if _, err := ix.Sync(context.Background()); err != nil {
			ix.logger.Warn().Err(err).Msg("Scheduled sync failed")
		}
	}); err != nil {
		return fmt.Errorf("%w: resync schedule %q: %w", ErrInvalidConfig, spec, err)
	}
	c.Start()
	ix.cron = c

	ix.logger.Info().Str("schedule", spec).Msg("Resync schedule started")
	return nil
}

// StopSchedule stops the cron schedule and waits for a running sync.
func (ix *Indexer) StopSchedule() {
	ix.mu.Lock()
	c := ix.cron
	ix.cron = nil
	ix.mu.Unlock()
	if c != nil {
		<-c.Stop().Done()
	}
}
