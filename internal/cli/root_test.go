package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"hash/fnv"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/harun/recall/internal/config"
	"github.com/harun/recall/internal/daemon"
	"github.com/harun/recall/internal/logger"
	"github.com/harun/recall/pkg/agent"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// wordEmbedder hashes words into buckets; no network involved.
type wordEmbedder struct{}

func (wordEmbedder) Dimension() int { return 32 }

func (e wordEmbedder) GenerateEmbedding(_ context.Context, text string) ([]float32, error) {
	vec := make([]float32, 32)
	vec[0] = 0.01
	for _, w := range strings.Fields(strings.ToLower(text)) {
		h := fnv.New32a()
		_, _ = h.Write([]byte(w))
		vec[h.Sum32()%32]++
	}
	return vec, nil
}

func (e wordEmbedder) GenerateEmbeddings(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, t := range texts {
		out[i], _ = e.GenerateEmbedding(ctx, t)
	}
	return out, nil
}

type replyProvider struct {
	replies []*agent.LLMResponse
}

func (p *replyProvider) Provider() string { return "reply" }

func (p *replyProvider) Call(context.Context, agent.LLMRequest) (*agent.LLMResponse, error) {
	resp := p.replies[0]
	if len(p.replies) > 1 {
		p.replies = p.replies[1:]
	}
	return resp, nil
}

type cliEnv struct {
	dir        string
	workspace  string
	configPath string
}

// setupCLI writes a config into a temp dir and routes daemon construction
// through fakes. provider may be nil.
func setupCLI(t *testing.T, provider agent.LLMProvider) *cliEnv {
	t.Helper()
	dir := t.TempDir()
	env := &cliEnv{
		dir:        dir,
		workspace:  filepath.Join(dir, "workspace"),
		configPath: filepath.Join(dir, "recall.json"),
	}

	cfg := config.DefaultConfig()
	cfg.DataDir = dir
	cfg.WorkspacePath = env.workspace
	cfg.Logging.Level = "error"
	cfg.Logging.Pretty = false
	cfg.Memory.ChunkTokens = 50
	cfg.Memory.ChunkOverlap = 5
	cfg.Memory.ResyncSchedule = ""
	cfg.Embedding.APIKey = "test-key"
	cfg.Embedding.Dimension = 32
	require.NoError(t, config.NewLoader(env.configPath).Save(cfg))
	require.NoError(t, os.MkdirAll(env.workspace, 0755))

	original := newDaemon
	newDaemon = func(cfg *config.Config, log *logger.Logger, opts daemon.Options) (*daemon.Daemon, error) {
		opts.Embedder = wordEmbedder{}
		if provider != nil {
			opts.Provider = provider
		}
		return daemon.New(cfg, log, opts)
	}
	t.Cleanup(func() { newDaemon = original })
	return env
}

func (e *cliEnv) write(t *testing.T, rel, content string) {
	t.Helper()
	path := filepath.Join(e.workspace, filepath.FromSlash(rel))
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
}

// resetFlags restores every flag to its default so package-level flag
// variables do not leak between Execute calls.
func resetFlags(cmd *cobra.Command) {
	reset := func(f *pflag.Flag) {
		_ = f.Value.Set(f.DefValue)
		f.Changed = false
	}
	cmd.Flags().VisitAll(reset)
	cmd.PersistentFlags().VisitAll(reset)
	for _, c := range cmd.Commands() {
		resetFlags(c)
	}
}

// run executes the root command with args and returns stdout and stderr.
func run(t *testing.T, args ...string) (string, string, error) {
	t.Helper()
	cmd := GetRootCmd()
	resetFlags(cmd)
	t.Cleanup(func() { resetFlags(cmd) })

	stdout, stderr := &bytes.Buffer{}, &bytes.Buffer{}
	cmd.SetOut(stdout)
	cmd.SetErr(stderr)
	cmd.SetIn(strings.NewReader(""))
	cmd.SetArgs(args)
	// ExecuteContext replaces any context left on the root by an earlier run.
	err := cmd.ExecuteContext(context.Background())
	return stdout.String(), stderr.String(), err
}

func TestRootCommand(t *testing.T) {
	t.Run("version flag", func(t *testing.T) {
		out, _, err := run(t, "--version")
		require.NoError(t, err)

		assert.Contains(t, out, "recall version")
		assert.Contains(t, out, GetVersion())
	})

	t.Run("help flag", func(t *testing.T) {
		out, _, err := run(t, "--help")
		require.NoError(t, err)

		assert.Contains(t, out, "Recall")
		assert.Contains(t, out, "hybrid")
		for _, name := range []string{"ask", "configure", "index", "search", "status", "stop", "watch"} {
			assert.Contains(t, out, name)
		}
	})

	t.Run("global flags", func(t *testing.T) {
		cmd := GetRootCmd()

		configFlag := cmd.PersistentFlags().Lookup("config")
		require.NotNil(t, configFlag)
		assert.Equal(t, "", configFlag.DefValue)

		logLevelFlag := cmd.PersistentFlags().Lookup("log-level")
		require.NotNil(t, logLevelFlag)
		assert.Equal(t, "", logLevelFlag.DefValue)
	})

	t.Run("invalid log level", func(t *testing.T) {
		env := setupCLI(t, nil)
		_, _, err := run(t, "--config", env.configPath, "--log-level", "loud", "index")
		assert.Error(t, err)
	})
}

func TestIndexAndSearchCommands(t *testing.T) {
	env := setupCLI(t, nil)
	env.write(t, "ops/oncall.md", "The oncall rotation changes every monday at noon.")
	env.write(t, "recipes/bread.md", "Sourdough needs a long cold proof overnight.")

	out, _, err := run(t, "--config", env.configPath, "index")
	require.NoError(t, err)
	assert.Contains(t, out, "Indexed: 2")

	out, _, err = run(t, "--config", env.configPath, "index")
	require.NoError(t, err)
	assert.Contains(t, out, "Skipped: 2")

	out, _, err = run(t, "--config", env.configPath, "search", "--json", "--limit", "1", "oncall", "rotation")
	require.NoError(t, err)
	var results []map[string]interface{}
	require.NoError(t, json.Unmarshal([]byte(out), &results))
	require.Len(t, results, 1)
	assert.Equal(t, "ops/oncall.md", results[0]["source_path"])

	out, _, err = run(t, "--config", env.configPath, "search", "sourdough proof")
	require.NoError(t, err)
	assert.Contains(t, out, "1. recipes/bread.md#0")

	_, _, err = run(t, "--config", env.configPath, "search", "--lambda", "2", "anything")
	assert.Error(t, err)
}

func TestAskCommand(t *testing.T) {
	provider := &replyProvider{replies: []*agent.LLMResponse{
		{ToolCalls: []agent.ToolCall{{ID: "t1", Name: "memory_search", Arguments: `{"query":"oncall rotation"}`}}},
		{Content: "It changes on monday."},
	}}
	env := setupCLI(t, provider)
	env.write(t, "ops/oncall.md", "The oncall rotation changes every monday at noon.")

	out, errOut, err := run(t, "--config", env.configPath, "ask", "--yes", "--verbose", "when", "does", "oncall", "change?")
	require.NoError(t, err)
	assert.Equal(t, "It changes on monday.\n", out)
	assert.Contains(t, errOut, "-> memory_search")
	assert.Contains(t, errOut, "<- memory_search [success]")
	assert.Contains(t, errOut, "== turn success")
}

func TestAskCommand_JSON(t *testing.T) {
	provider := &replyProvider{replies: []*agent.LLMResponse{
		{ToolCalls: []agent.ToolCall{{ID: "w1", Name: "memory_write", Arguments: `{"text":"prefers tea"}`}}},
	}}
	env := setupCLI(t, provider)

	out, _, err := run(t, "--config", env.configPath, "ask", "--json", "--max-iterations", "2", "remember I prefer tea")
	require.NoError(t, err)

	var result agent.TurnResult
	require.NoError(t, json.Unmarshal([]byte(out), &result))
	assert.Equal(t, agent.StatusDegraded, result.Status)
	assert.Equal(t, 2, result.Iterations)
	require.Len(t, result.Trace, 2)
	// Empty stdin answers the approval prompt with nothing, which denies.
	assert.Equal(t, "user_denied", string(result.Trace[0].Status))
}

func TestGetVersion(t *testing.T) {
	version := GetVersion()
	assert.NotEmpty(t, version)
	assert.True(t, strings.HasPrefix(version, "0."))
}
