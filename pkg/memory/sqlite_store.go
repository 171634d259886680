package memory

import (
	"context"
	"database/sql"
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	sqlite_vec "github.com/asg017/sqlite-vec-go-bindings/cgo"
	"github.com/harun/recall/internal/observability"
	"github.com/harun/recall/internal/tracing"
	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
)

func init() {
	// Register sqlite-vec with every new connection.
	sqlite_vec.Auto()
}

const (
	// sqlite-vec rejects KNN queries with k above this.
	maxVectorK = 4096
	// Keeps IN (...) lists under SQLite's variable limit.
	lookupBatchSize = 500
)

// SQLiteConfig configures a SQLiteStore.
type SQLiteConfig struct {
	Path      string
	Dimension int
	Logger    zerolog.Logger
}

// SQLiteStore is the Store backed by SQLite in WAL mode: FTS4 for keyword
// search and a sqlite-vec vec0 table for cosine KNN.
type SQLiteStore struct {
	db        *sql.DB
	dimension int
	logger    zerolog.Logger
	locks     *keyedMutex
	closed    atomic.Bool
}

var _ Store = (*SQLiteStore)(nil)

// NewSQLiteStore opens (or creates) the store at cfg.Path. Reopening a store
// with a different dimension fails with ErrDimensionMismatch.
func NewSQLiteStore(cfg SQLiteConfig) (*SQLiteStore, error) {
	observability.EnsureRegistered()

	if cfg.Path == "" {
		return nil, fmt.Errorf("%w: database path is required", ErrInvalidConfig)
	}
	if cfg.Dimension <= 0 {
		return nil, fmt.Errorf("%w: embedding dimension must be positive, got %d", ErrInvalidConfig, cfg.Dimension)
	}

	if dir := filepath.Dir(cfg.Path); dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, unavailable("create data directory", err)
		}
	}

	dsn := fmt.Sprintf("file:%s?_journal_mode=WAL&_busy_timeout=5000&_txlock=immediate&_synchronous=NORMAL", cfg.Path)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, unavailable("open database", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, unavailable("open database", err)
	}

	s := &SQLiteStore{
		db:        db,
		dimension: cfg.Dimension,
		logger:    cfg.Logger,
		locks:     newKeyedMutex(),
	}

	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, err
	}

	s.logger.Info().
		Str("path", cfg.Path).
		Int("dimension", cfg.Dimension).
		Msg("Chunk store opened")
	return s, nil
}

func (s *SQLiteStore) initSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS meta (
			key TEXT PRIMARY KEY,
			value TEXT NOT NULL
		);

		CREATE TABLE IF NOT EXISTS sources (
			path TEXT PRIMARY KEY,
			content_hash TEXT NOT NULL,
			indexed_at INTEGER NOT NULL
		);

		CREATE TABLE IF NOT EXISTS chunks (
			seq INTEGER PRIMARY KEY AUTOINCREMENT,
			id TEXT NOT NULL UNIQUE,
			source_path TEXT NOT NULL,
			chunk_index INTEGER NOT NULL,
			content TEXT NOT NULL,
			content_hash TEXT NOT NULL,
			token_count INTEGER NOT NULL,
			created_at INTEGER NOT NULL,
			permanent INTEGER NOT NULL DEFAULT 0
		);
		CREATE INDEX IF NOT EXISTS idx_chunks_source ON chunks(source_path, chunk_index);

		CREATE VIRTUAL TABLE IF NOT EXISTS chunks_fts USING fts4(content, tokenize=porter);

		CREATE TABLE IF NOT EXISTS embedding_cache (
			content_hash TEXT PRIMARY KEY,
			embedding BLOB NOT NULL,
			dimension INTEGER NOT NULL,
			created_at INTEGER NOT NULL
		);
	`
	if _, err := s.db.Exec(schema); err != nil {
		return unavailable("initialize schema", err)
	}

	var stored string
	err := s.db.QueryRow(`SELECT value FROM meta WHERE key = 'dimension'`).Scan(&stored)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		if _, err := s.db.Exec(`INSERT INTO meta(key, value) VALUES ('dimension', ?)`, strconv.Itoa(s.dimension)); err != nil {
			return unavailable("record dimension", err)
		}
	case err != nil:
		return unavailable("read dimension", err)
	default:
		if stored != strconv.Itoa(s.dimension) {
			return fmt.Errorf("%w: store was created with dimension %s, opened with %d", ErrDimensionMismatch, stored, s.dimension)
		}
	}

	vectorSchema := fmt.Sprintf(`
		CREATE VIRTUAL TABLE IF NOT EXISTS chunk_vectors USING vec0(
			chunk_id TEXT PRIMARY KEY,
			embedding float[%d] distance_metric=cosine
		);
	`, s.dimension)
	if _, err := s.db.Exec(vectorSchema); err != nil {
		return unavailable("create vector table", err)
	}
	return nil
}

// Dimension returns the fixed embedding dimension of the store.
func (s *SQLiteStore) Dimension() int {
	return s.dimension
}

// Close closes the database. Later calls fail with ErrStoreUnavailable.
func (s *SQLiteStore) Close() error {
	if s.closed.Swap(true) {
		return nil
	}
	return s.db.Close()
}

func (s *SQLiteStore) checkOpen() error {
	if s.closed.Load() {
		return fmt.Errorf("%w: store is closed", ErrStoreUnavailable)
	}
	return nil
}

// UpsertChunks replaces every chunk of sourcePath in one transaction.
func (s *SQLiteStore) UpsertChunks(ctx context.Context, sourcePath, sourceHash string, chunks []Chunk) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	for _, c := range chunks {
		if c.SourcePath != sourcePath {
			return fmt.Errorf("%w: chunk %s belongs to %q, not %q", ErrInvalidConfig, c.ID, c.SourcePath, sourcePath)
		}
		if c.Embedding != nil && len(c.Embedding) != s.dimension {
			return fmt.Errorf("%w: chunk %s has %d values, store expects %d", ErrDimensionMismatch, c.ID, len(c.Embedding), s.dimension)
		}
	}

	ctx, span := tracing.StartSpan(ctx, "recall.memory", "memory.store.upsert",
		attribute.String("source", sourcePath),
		attribute.Int("chunks", len(chunks)),
	)
	defer span.End()

	unlock := s.locks.Lock(sourcePath)
	defer unlock()

	err := s.withTx(ctx, func(tx *sql.Tx) error {
		if err := deleteSourceRows(ctx, tx, sourcePath); err != nil {
			return err
		}

		now := time.Now().UnixNano()
		for _, c := range chunks {
			// Unstamped chunks take the write time.
			createdAt := now
			if !c.CreatedAt.IsZero() {
				createdAt = c.CreatedAt.UnixNano()
			}
			res, err := tx.ExecContext(ctx, `
				INSERT INTO chunks (id, source_path, chunk_index, content, content_hash, token_count, created_at, permanent)
				VALUES (?, ?, ?, ?, ?, ?, ?, ?)
			`, c.ID, sourcePath, c.ChunkIndex, c.Content, c.ContentHash, c.TokenCount, createdAt, boolToInt(c.Permanent))
			if err != nil {
				return fmt.Errorf("insert chunk %s: %w", c.ID, err)
			}
			seq, err := res.LastInsertId()
			if err != nil {
				return fmt.Errorf("chunk rowid %s: %w", c.ID, err)
			}
			if _, err := tx.ExecContext(ctx, `INSERT INTO chunks_fts(docid, content) VALUES (?, ?)`, seq, c.Content); err != nil {
				return fmt.Errorf("index chunk %s: %w", c.ID, err)
			}

			if c.Embedding == nil {
				continue
			}
			blob, err := sqlite_vec.SerializeFloat32(c.Embedding)
			if err != nil {
				return fmt.Errorf("serialize embedding %s: %w", c.ID, err)
			}
			if _, err := tx.ExecContext(ctx, `INSERT INTO chunk_vectors(chunk_id, embedding) VALUES (?, ?)`, c.ID, blob); err != nil {
				return fmt.Errorf("insert vector %s: %w", c.ID, err)
			}
			if c.ContentHash != "" {
				if _, err := tx.ExecContext(ctx, `
					INSERT OR REPLACE INTO embedding_cache (content_hash, embedding, dimension, created_at)
					VALUES (?, ?, ?, ?)
				`, c.ContentHash, blob, s.dimension, now); err != nil {
					return fmt.Errorf("cache embedding %s: %w", c.ID, err)
				}
			}
		}

		_, err := tx.ExecContext(ctx, `
			INSERT INTO sources (path, content_hash, indexed_at) VALUES (?, ?, ?)
			ON CONFLICT(path) DO UPDATE SET content_hash = excluded.content_hash, indexed_at = excluded.indexed_at
		`, sourcePath, sourceHash, now)
		return err
	})
	if err != nil {
		tracing.FailSpan(span, err, "upsert failed")
		return unavailable("upsert "+sourcePath, err)
	}
	return nil
}

// DeleteSource removes every chunk of sourcePath in one transaction.
func (s *SQLiteStore) DeleteSource(ctx context.Context, sourcePath string) error {
	if err := s.checkOpen(); err != nil {
		return err
	}

	unlock := s.locks.Lock(sourcePath)
	defer unlock()

	err := s.withTx(ctx, func(tx *sql.Tx) error {
		if err := deleteSourceRows(ctx, tx, sourcePath); err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx, `DELETE FROM sources WHERE path = ?`, sourcePath)
		return err
	})
	if err != nil {
		return unavailable("delete "+sourcePath, err)
	}
	return nil
}

func deleteSourceRows(ctx context.Context, tx *sql.Tx, sourcePath string) error {
	rows, err := tx.QueryContext(ctx, `SELECT seq, id FROM chunks WHERE source_path = ?`, sourcePath)
	if err != nil {
		return fmt.Errorf("list chunks: %w", err)
	}
	type existing struct {
		seq int64
		id  string
	}
	var old []existing
	for rows.Next() {
		var e existing
		if err := rows.Scan(&e.seq, &e.id); err != nil {
			rows.Close()
			return err
		}
		old = append(old, e)
	}
	if err := rows.Close(); err != nil {
		return err
	}

	for _, e := range old {
		if _, err := tx.ExecContext(ctx, `DELETE FROM chunks_fts WHERE docid = ?`, e.seq); err != nil {
			return fmt.Errorf("delete fts row %s: %w", e.id, err)
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM chunk_vectors WHERE chunk_id = ?`, e.id); err != nil {
			return fmt.Errorf("delete vector %s: %w", e.id, err)
		}
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM chunks WHERE source_path = ?`, sourcePath); err != nil {
		return fmt.Errorf("delete chunks: %w", err)
	}
	return nil
}

func (s *SQLiteStore) withTx(ctx context.Context, fn func(*sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			s.logger.Warn().Err(rbErr).Msg("Rollback failed")
		}
		return err
	}
	return tx.Commit()
}

// KeywordSearch ranks chunks matching any query term by BM25.
func (s *SQLiteStore) KeywordSearch(ctx context.Context, query string, limit int) ([]SearchCandidate, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	if limit <= 0 {
		return nil, nil
	}
	match := buildMatchQuery(query)
	if match == "" {
		return nil, nil
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT c.id, matchinfo(chunks_fts, 'pcnalx')
		FROM chunks_fts
		JOIN chunks c ON c.seq = chunks_fts.docid
		WHERE chunks_fts MATCH ?
	`, match)
	if err != nil {
		return nil, unavailable("keyword search", err)
	}
	defer rows.Close()

	var candidates []SearchCandidate
	for rows.Next() {
		var id string
		var blob []byte
		if err := rows.Scan(&id, &blob); err != nil {
			return nil, unavailable("keyword search", err)
		}
		mi, err := decodeMatchInfo(blob)
		if err != nil {
			return nil, unavailable("keyword search", err)
		}
		candidates = append(candidates, SearchCandidate{
			ChunkID:  id,
			RawScore: mi.bm25(),
			Source:   SourceKeyword,
		})
	}
	if err := rows.Err(); err != nil {
		return nil, unavailable("keyword search", err)
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		if candidates[i].RawScore != candidates[j].RawScore {
			return candidates[i].RawScore > candidates[j].RawScore
		}
		return candidates[i].ChunkID < candidates[j].ChunkID
	})
	if len(candidates) > limit {
		candidates = candidates[:limit]
	}
	return candidates, nil
}

// VectorSearch returns the nearest chunks by cosine similarity.
func (s *SQLiteStore) VectorSearch(ctx context.Context, embedding []float32, limit int) ([]SearchCandidate, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	if len(embedding) != s.dimension {
		return nil, fmt.Errorf("%w: query has %d values, store expects %d", ErrDimensionMismatch, len(embedding), s.dimension)
	}
	if limit <= 0 {
		return nil, nil
	}
	if limit > maxVectorK {
		limit = maxVectorK
	}

	blob, err := sqlite_vec.SerializeFloat32(embedding)
	if err != nil {
		return nil, fmt.Errorf("serialize query embedding: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT chunk_id, distance
		FROM chunk_vectors
		WHERE embedding MATCH ? AND k = ?
		ORDER BY distance
	`, blob, limit)
	if err != nil {
		return nil, unavailable("vector search", err)
	}
	defer rows.Close()

	var candidates []SearchCandidate
	for rows.Next() {
		var id string
		var distance float64
		if err := rows.Scan(&id, &distance); err != nil {
			return nil, unavailable("vector search", err)
		}
		candidates = append(candidates, SearchCandidate{
			ChunkID:  id,
			RawScore: 1 - distance,
			Source:   SourceVector,
		})
	}
	if err := rows.Err(); err != nil {
		return nil, unavailable("vector search", err)
	}
	return candidates, nil
}

// GetEmbedding returns the stored embedding of a chunk.
func (s *SQLiteStore) GetEmbedding(ctx context.Context, chunkID string) ([]float32, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	var blob []byte
	err := s.db.QueryRowContext(ctx, `SELECT embedding FROM chunk_vectors WHERE chunk_id = ?`, chunkID).Scan(&blob)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrChunkNotFound, chunkID)
	}
	if err != nil {
		return nil, unavailable("get embedding", err)
	}
	return decodeFloat32(blob)
}

const chunkColumns = `id, source_path, chunk_index, content, content_hash, token_count, created_at, permanent`

func scanChunk(rows *sql.Rows) (Chunk, error) {
	var c Chunk
	var createdAt int64
	var permanent int
	if err := rows.Scan(&c.ID, &c.SourcePath, &c.ChunkIndex, &c.Content, &c.ContentHash, &c.TokenCount, &createdAt, &permanent); err != nil {
		return Chunk{}, err
	}
	c.CreatedAt = time.Unix(0, createdAt).UTC()
	c.Permanent = permanent != 0
	return c, nil
}

// GetChunks loads the chunks that still exist among ids.
func (s *SQLiteStore) GetChunks(ctx context.Context, ids []string) (map[string]Chunk, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	out := make(map[string]Chunk, len(ids))
	for start := 0; start < len(ids); start += lookupBatchSize {
		end := min(start+lookupBatchSize, len(ids))
		batch := ids[start:end]

		args := make([]interface{}, len(batch))
		for i, id := range batch {
			args[i] = id
		}
		query := `SELECT ` + chunkColumns + ` FROM chunks WHERE id IN (` + placeholders(len(batch)) + `)`

		if err := s.collectChunks(ctx, query, args, func(c Chunk) { out[c.ID] = c }); err != nil {
			return nil, unavailable("get chunks", err)
		}
	}
	return out, nil
}

// SourceChunks returns the chunks of one source ordered by index. A single
// statement reads them, so the result is always one consistent version.
func (s *SQLiteStore) SourceChunks(ctx context.Context, sourcePath string) ([]Chunk, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	var out []Chunk
	query := `SELECT ` + chunkColumns + ` FROM chunks WHERE source_path = ? ORDER BY chunk_index`
	if err := s.collectChunks(ctx, query, []interface{}{sourcePath}, func(c Chunk) { out = append(out, c) }); err != nil {
		return nil, unavailable("source chunks", err)
	}
	return out, nil
}

func (s *SQLiteStore) collectChunks(ctx context.Context, query string, args []interface{}, fn func(Chunk)) error {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return err
	}
	defer rows.Close()
	for rows.Next() {
		c, err := scanChunk(rows)
		if err != nil {
			return err
		}
		fn(c)
	}
	return rows.Err()
}

// SourceHash returns the content hash recorded for sourcePath.
func (s *SQLiteStore) SourceHash(ctx context.Context, sourcePath string) (string, bool, error) {
	if err := s.checkOpen(); err != nil {
		return "", false, err
	}
	var hash string
	err := s.db.QueryRowContext(ctx, `SELECT content_hash FROM sources WHERE path = ?`, sourcePath).Scan(&hash)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, unavailable("source hash", err)
	}
	return hash, true, nil
}

// ListSources returns every indexed source ordered by path.
func (s *SQLiteStore) ListSources(ctx context.Context) ([]SourceInfo, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT s.path, s.content_hash, s.indexed_at, COUNT(c.id)
		FROM sources s
		LEFT JOIN chunks c ON c.source_path = s.path
		GROUP BY s.path
		ORDER BY s.path
	`)
	if err != nil {
		return nil, unavailable("list sources", err)
	}
	defer rows.Close()

	var out []SourceInfo
	for rows.Next() {
		var info SourceInfo
		var indexedAt int64
		if err := rows.Scan(&info.Path, &info.ContentHash, &indexedAt, &info.Chunks); err != nil {
			return nil, unavailable("list sources", err)
		}
		info.IndexedAt = time.Unix(0, indexedAt).UTC()
		out = append(out, info)
	}
	if err := rows.Err(); err != nil {
		return nil, unavailable("list sources", err)
	}
	return out, nil
}

// CachedEmbeddings returns cached embeddings for the given content hashes.
func (s *SQLiteStore) CachedEmbeddings(ctx context.Context, contentHashes []string) (map[string][]float32, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	out := make(map[string][]float32, len(contentHashes))
	for start := 0; start < len(contentHashes); start += lookupBatchSize {
		end := min(start+lookupBatchSize, len(contentHashes))
		batch := contentHashes[start:end]

		args := make([]interface{}, 0, len(batch)+1)
		args = append(args, s.dimension)
		for _, h := range batch {
			args = append(args, h)
		}

		rows, err := s.db.QueryContext(ctx, `
			SELECT content_hash, embedding FROM embedding_cache
			WHERE dimension = ? AND content_hash IN (`+placeholders(len(batch))+`)
		`, args...)
		if err != nil {
			return nil, unavailable("embedding cache", err)
		}
		for rows.Next() {
			var hash string
			var blob []byte
			if err := rows.Scan(&hash, &blob); err != nil {
				rows.Close()
				return nil, unavailable("embedding cache", err)
			}
			vec, err := decodeFloat32(blob)
			if err != nil {
				s.logger.Warn().Err(err).Str("hash", hash).Msg("Skipping corrupt cached embedding")
				continue
			}
			out[hash] = vec
		}
		err = rows.Err()
		rows.Close()
		if err != nil {
			return nil, unavailable("embedding cache", err)
		}
	}
	return out, nil
}

// Stats counts sources, chunks and vectors.
func (s *SQLiteStore) Stats(ctx context.Context) (StoreStats, error) {
	if err := s.checkOpen(); err != nil {
		return StoreStats{}, err
	}
	stats := StoreStats{Dimension: s.dimension}
	err := s.db.QueryRowContext(ctx, `
		SELECT
			(SELECT COUNT(*) FROM sources),
			(SELECT COUNT(*) FROM chunks),
			(SELECT COUNT(*) FROM chunk_vectors),
			(SELECT COUNT(*) FROM embedding_cache)
	`).Scan(&stats.Sources, &stats.Chunks, &stats.Embedded, &stats.CachedVector)
	if err != nil {
		return StoreStats{}, unavailable("stats", err)
	}
	return stats, nil
}

func unavailable(op string, err error) error {
	if errors.Is(err, ErrStoreUnavailable) {
		return err
	}
	return fmt.Errorf("%w: %s: %w", ErrStoreUnavailable, op, err)
}

func decodeFloat32(blob []byte) ([]float32, error) {
	if len(blob)%4 != 0 {
		return nil, fmt.Errorf("embedding blob length %d is not a multiple of 4", len(blob))
	}
	vec := make([]float32, len(blob)/4)
	for i := range vec {
		vec[i] = math.Float32frombits(binary.LittleEndian.Uint32(blob[i*4:]))
	}
	return vec, nil
}

func placeholders(n int) string {
	if n <= 0 {
		return ""
	}
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// keyedMutex serializes writers per source while letting different sources
// proceed independently.
type keyedMutex struct {
	mu    sync.Mutex
	locks map[string]*keyedLock
}

type keyedLock struct {
	mu   sync.Mutex
	refs int
}

func newKeyedMutex() *keyedMutex {
	return &keyedMutex{locks: make(map[string]*keyedLock)}
}

// Lock acquires the lock for key and returns its release function.
func (k *keyedMutex) Lock(key string) func() {
	k.mu.Lock()
	l, ok := k.locks[key]
	if !ok {
		l = &keyedLock{}
		k.locks[key] = l
	}
	l.refs++
	k.mu.Unlock()

	l.mu.Lock()
	return func() {
		l.mu.Unlock()
		k.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(k.locks, key)
		}
		k.mu.Unlock()
	}
}
