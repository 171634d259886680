package daemon

import (
	"context"
	"hash/fnv"
	"io"
	"math"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/harun/recall/internal/config"
	"github.com/harun/recall/internal/logger"
	"github.com/harun/recall/pkg/agent"
	"github.com/harun/recall/pkg/memory"
	"github.com/harun/recall/pkg/toolexecutor"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// hashEmbedder buckets lowercase words by hash. Texts sharing words point
// the same way.
type hashEmbedder struct{ dim int }

var _ memory.EmbeddingProvider = hashEmbedder{}

func (h hashEmbedder) Dimension() int { return h.dim }

func (h hashEmbedder) GenerateEmbedding(_ context.Context, text string) ([]float32, error) {
	vec := make([]float32, h.dim)
	for _, w := range strings.Fields(strings.ToLower(text)) {
		f := fnv.New32a()
		_, _ = f.Write([]byte(strings.Trim(w, ".,!?")))
		vec[int(f.Sum32())%h.dim]++
	}
	var norm float64
	for _, v := range vec {
		norm += float64(v * v)
	}
	if norm == 0 {
		vec[0] = 1
		return vec, nil
	}
	n := float32(math.Sqrt(norm))
	for i := range vec {
		vec[i] /= n
	}
	return vec, nil
}

func (h hashEmbedder) GenerateEmbeddings(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, t := range texts {
		out[i], _ = h.GenerateEmbedding(ctx, t)
	}
	return out, nil
}

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	dir := t.TempDir()
	cfg := config.DefaultConfig()
	cfg.DataDir = dir
	cfg.WorkspacePath = filepath.Join(dir, "workspace")
	cfg.Memory.DBPath = filepath.Join(dir, "memory.db")
	cfg.Memory.ChunkTokens = 40
	cfg.Memory.ChunkOverlap = 5
	cfg.Memory.WatchDebounce = 50 * time.Millisecond
	cfg.Memory.ResyncSchedule = ""
	cfg.Embedding.APIKey = "test-key"
	cfg.Embedding.Dimension = 64
	return cfg
}

func testLogger(t *testing.T) *logger.Logger {
	t.Helper()
	log, err := logger.New(logger.Config{Level: "error", Output: io.Discard})
	require.NoError(t, err)
	return log
}

func newTestDaemon(t *testing.T, cfg *config.Config, opts Options) *Daemon {
	t.Helper()
	if opts.Embedder == nil {
		opts.Embedder = hashEmbedder{dim: 64}
	}
	d, err := New(cfg, testLogger(t), opts)
	require.NoError(t, err)
	t.Cleanup(func() { _ = d.Close() })
	return d
}

func writeFile(t *testing.T, root, rel, content string) {
	t.Helper()
	path := filepath.Join(root, filepath.FromSlash(rel))
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
}

type cannedProvider struct {
	responses []*agent.LLMResponse
	n         int
}

func (c *cannedProvider) Provider() string { return "canned" }

func (c *cannedProvider) Call(context.Context, agent.LLMRequest) (*agent.LLMResponse, error) {
	resp := c.responses[c.n]
	c.n++
	return resp, nil
}

func TestNew(t *testing.T) {
	t.Run("should reject an invalid config", func(t *testing.T) {
		cfg := testConfig(t)
		cfg.Memory.ChunkOverlap = cfg.Memory.ChunkTokens
		_, err := New(cfg, testLogger(t), Options{Embedder: hashEmbedder{dim: 64}})
		assert.Error(t, err)
	})

	t.Run("should create the workspace and register memory tools", func(t *testing.T) {
		cfg := testConfig(t)
		d := newTestDaemon(t, cfg, Options{})

		info, err := os.Stat(cfg.WorkspacePath)
		require.NoError(t, err)
		assert.True(t, info.IsDir())
		assert.Equal(t, []string{"memory_forget", "memory_search", "memory_status", "memory_write"}, d.Registry().Names())
	})

	t.Run("should build the configured embedder", func(t *testing.T) {
		emb, err := BuildEmbedder(config.EmbeddingConfig{Provider: "ollama", Model: "nomic-embed-text", Dimension: 768})
		require.NoError(t, err)
		assert.Equal(t, 768, emb.Dimension())

		emb, err = BuildEmbedder(config.EmbeddingConfig{
			Provider:         "openai",
			APIKey:           "k",
			Model:            "text-embedding-3-small",
			Dimension:        256,
			FallbackBaseURLs: []string{"http://localhost:9999/v1/"},
		})
		require.NoError(t, err)
		assert.Equal(t, 256, emb.Dimension())
	})
}

func TestDaemon_SyncAndSearch(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig(t)
	writeFile(t, cfg.WorkspacePath, "notes/deploy.md", "Deploys go out every tuesday from the release branch.")
	writeFile(t, cfg.WorkspacePath, "notes/food.md", "The office kitchen stocks oat milk and espresso beans.")
	d := newTestDaemon(t, cfg, Options{})

	report, err := d.Sync(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, report.Indexed)

	results, err := d.Search(ctx, "release branch deploys", d.SearchDefaults())
	require.NoError(t, err)
	require.NotEmpty(t, results)
	assert.Equal(t, "notes/deploy.md", results[0].SourcePath)

	st, err := d.Status(ctx, true)
	require.NoError(t, err)
	assert.False(t, st.Running)
	assert.Equal(t, 2, st.Store.Sources)
	require.NotNil(t, st.LastSync)
	assert.Len(t, st.Sources, 2)
}

func TestDaemon_StartStop(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig(t)
	writeFile(t, cfg.WorkspacePath, "a.md", "alpha bravo charlie")
	d := newTestDaemon(t, cfg, Options{})

	require.NoError(t, d.Start(ctx, ""))
	assert.Error(t, d.Start(ctx, ""))

	pid, err := ReadPID(d.PIDFile())
	require.NoError(t, err)
	assert.Equal(t, os.Getpid(), pid)

	st, err := d.Status(ctx, false)
	require.NoError(t, err)
	assert.True(t, st.Running)
	assert.Equal(t, 1, st.Store.Sources)

	writeFile(t, cfg.WorkspacePath, "b.md", "zulu yankee xray whiskey")
	assert.Eventually(t, func() bool {
		results, err := d.Search(ctx, "zulu yankee", d.SearchDefaults())
		return err == nil && len(results) > 0 && results[0].SourcePath == "b.md"
	}, 5*time.Second, 50*time.Millisecond)

	require.NoError(t, d.Stop())
	assert.Error(t, d.Stop())
	_, err = os.Stat(d.PIDFile())
	assert.True(t, os.IsNotExist(err))
}

func TestDaemon_NewLoop(t *testing.T) {
	t.Run("should require AI profiles", func(t *testing.T) {
		d := newTestDaemon(t, testConfig(t), Options{})
		_, err := d.NewLoop(LoopOptions{})
		assert.ErrorIs(t, err, agent.ErrInvalidConfig)
	})

	t.Run("should build a chain from profiles", func(t *testing.T) {
		cfg := testConfig(t)
		cfg.AI.Profiles = []config.AIProfile{{ID: "main", Provider: "anthropic", APIKey: "k"}}
		d := newTestDaemon(t, cfg, Options{})
		loop, err := d.NewLoop(LoopOptions{})
		require.NoError(t, err)
		assert.NotNil(t, loop)
	})

	t.Run("should answer from memory", func(t *testing.T) {
		ctx := context.Background()
		cfg := testConfig(t)
		writeFile(t, cfg.WorkspacePath, "MEMORY.md", "The wifi password is stored in the team vault.")
		provider := &cannedProvider{responses: []*agent.LLMResponse{
			{ToolCalls: []agent.ToolCall{{ID: "c1", Name: "memory_search", Arguments: `{"query":"wifi password"}`}}},
			{Content: "Check the team vault."},
		}}
		d := newTestDaemon(t, cfg, Options{Provider: provider, Approver: toolexecutor.AutoApprover{Approve: false}})
		_, err := d.Sync(ctx)
		require.NoError(t, err)

		loop, err := d.NewLoop(LoopOptions{})
		require.NoError(t, err)
		result, err := loop.RunTurn(ctx, []agent.Message{{Role: agent.RoleUser, Content: "where is the wifi password?"}})
		require.NoError(t, err)
		assert.Equal(t, agent.StatusSuccess, result.Status)
		require.Len(t, result.Trace, 1)
		assert.Equal(t, toolexecutor.OutcomeSuccess, result.Trace[0].Status)
		assert.Contains(t, result.Trace[0].Content, "MEMORY.md")
	})

	t.Run("should deny ask tools without approval", func(t *testing.T) {
		ctx := context.Background()
		provider := &cannedProvider{responses: []*agent.LLMResponse{
			{ToolCalls: []agent.ToolCall{{ID: "c1", Name: "memory_write", Arguments: `{"text":"remember this"}`}}},
			{Content: "I could not save that."},
		}}
		d := newTestDaemon(t, testConfig(t), Options{Provider: provider, Approver: toolexecutor.AutoApprover{Approve: false}})

		loop, err := d.NewLoop(LoopOptions{})
		require.NoError(t, err)
		result, err := loop.RunTurn(ctx, []agent.Message{{Role: agent.RoleUser, Content: "remember this"}})
		require.NoError(t, err)
		require.Len(t, result.Trace, 1)
		assert.Equal(t, toolexecutor.OutcomeUserDenied, result.Trace[0].Status)
	})
}

func TestLifecycleManager(t *testing.T) {
	dir := t.TempDir()
	l := NewLifecycleManager(dir, testLogger(t).Logger)

	t.Run("should replace a stale PID file", func(t *testing.T) {
		require.NoError(t, os.WriteFile(l.PIDFile(), []byte("999999999"), 0644))
		require.NoError(t, l.Start())
		pid, err := ReadPID(l.PIDFile())
		require.NoError(t, err)
		assert.Equal(t, os.Getpid(), pid)
		require.NoError(t, l.Stop())
		require.NoError(t, l.Stop())
	})

	t.Run("should reject garbage PID files", func(t *testing.T) {
		require.NoError(t, os.WriteFile(l.PIDFile(), []byte("nope"), 0644))
		_, err := ReadPID(l.PIDFile())
		assert.Error(t, err)
	})

	t.Run("should probe processes", func(t *testing.T) {
		assert.True(t, ProcessAlive(os.Getpid()))
		assert.False(t, ProcessAlive(0))
	})
}
