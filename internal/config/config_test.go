package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validConfig() *Config {
	cfg := DefaultConfig()
	cfg.WorkspacePath = "/tmp/workspace"
	cfg.Embedding.APIKey = "sk-test"
	return cfg
}

func TestDefaultConfig_IsValid(t *testing.T) {
	require.NoError(t, validConfig().Validate())
}

func TestValidate_FieldRules(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		field  string
	}{
		{"overlap not below chunk size", func(c *Config) { c.Memory.ChunkOverlap = 400 }, "Config.Memory.ChunkOverlap"},
		{"zero chunk size", func(c *Config) { c.Memory.ChunkTokens = 0 }, "Config.Memory.ChunkTokens"},
		{"lambda above one", func(c *Config) { c.Memory.MMRLambda = 1.5 }, "Config.Memory.MMRLambda"},
		{"negative weight", func(c *Config) { c.Memory.KeywordWeight = -0.1 }, "Config.Memory.KeywordWeight"},
		{"bad extension", func(c *Config) { c.Memory.Extensions = []string{"md"} }, "Config.Memory.Extensions[0]"},
		{"bad policy", func(c *Config) { c.Tools.Policies["shell"] = "maybe" }, "Config.Tools.Policies[shell]"},
		{"bad provider", func(c *Config) {
			c.AI.Profiles = []AIProfile{{ID: "x", Provider: "gemini", APIKey: "k"}}
		}, "Config.AI.Profiles[0].Provider"},
		{"missing workspace", func(c *Config) { c.WorkspacePath = "" }, "Config.WorkspacePath"},
		{"zero iterations", func(c *Config) { c.Agent.MaxIterations = 0 }, "Config.Agent.MaxIterations"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(cfg)

			err := cfg.Validate()
			require.Error(t, err)

			var details ValidationErrors
			require.True(t, errors.As(err, &details))
			fields := make([]string, 0, len(details))
			for _, d := range details {
				fields = append(fields, d.Field)
			}
			assert.Contains(t, fields, tt.field)
		})
	}
}

func TestValidate_CrossFieldRules(t *testing.T) {
	cfg := validConfig()
	cfg.Memory.VectorWeight = 0
	cfg.Memory.KeywordWeight = 0
	cfg.Memory.ResyncSchedule = "not a schedule"
	cfg.Tools.DenyPatterns = []string{"("}
	cfg.AI.Profiles = []AIProfile{
		{ID: "a", Provider: "anthropic", APIKey: "k"},
		{ID: "a", Provider: "openai", APIKey: "k"},
	}

	err := cfg.Validate()
	require.Error(t, err)

	var details ValidationErrors
	require.True(t, errors.As(err, &details))
	assert.Len(t, details, 4)
	assert.Contains(t, err.Error(), "configuration validation failed")
}

func TestValidate_OpenAIWithoutKeyNeedsBaseURL(t *testing.T) {
	cfg := validConfig()
	cfg.Embedding.APIKey = ""
	assert.Error(t, cfg.Validate())

	cfg.Embedding.BaseURL = "http://localhost:11434/v1"
	assert.NoError(t, cfg.Validate())
}

func TestLoader_MissingFileUsesDefaults(t *testing.T) {
	dir := t.TempDir()
	loader := NewLoader(filepath.Join(dir, "absent.json"))
	loader.lookupEnv = func(string) (string, bool) { return "", false }

	cfg, err := loader.Load()
	require.NoError(t, err)

	assert.Equal(t, 400, cfg.Memory.ChunkTokens)
	assert.Equal(t, 80, cfg.Memory.ChunkOverlap)
	assert.Equal(t, 10, cfg.Agent.MaxIterations)
	assert.Equal(t, 60*time.Second, cfg.Tools.ApprovalTimeout)
	assert.Equal(t, "allow", cfg.Tools.Policies["memory_search"])
	assert.NotEmpty(t, cfg.DataDir)
	assert.Equal(t, filepath.Join(cfg.DataDir, "memory.db"), cfg.Memory.DBPath)
}

func TestLoader_FileOverridesDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "recall.json")
	content := `{
		"data_dir": "` + dir + `",
		"workspace_path": "/notes",
		"memory": {"chunk_tokens": 200, "chunk_overlap": 40, "resync_schedule": "@hourly"},
		"tools": {"approval_timeout": "5s", "policies": {"shell": "deny"}},
		"ai": {"profiles": [{"id": "main", "provider": "anthropic", "api_key": "sk-ant-x"}]}
	}`
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))

	loader := NewLoader(path)
	loader.lookupEnv = func(string) (string, bool) { return "", false }

	cfg, err := loader.Load()
	require.NoError(t, err)

	assert.Equal(t, "/notes", cfg.WorkspacePath)
	assert.Equal(t, 200, cfg.Memory.ChunkTokens)
	assert.Equal(t, 40, cfg.Memory.ChunkOverlap)
	assert.Equal(t, "@hourly", cfg.Memory.ResyncSchedule)
	assert.Equal(t, 5*time.Second, cfg.Tools.ApprovalTimeout)
	assert.Equal(t, "deny", cfg.Tools.Policies["shell"])
	assert.Equal(t, 0.7, cfg.Memory.VectorWeight)
	require.Len(t, cfg.AI.Profiles, 1)
	assert.Equal(t, "main", cfg.AI.Profiles[0].ID)
}

func TestLoader_EnvOverrides(t *testing.T) {
	t.Setenv("RECALL_MEMORY_CHUNK_TOKENS", "256")
	t.Setenv("RECALL_AGENT_MODEL", "gpt-4o")

	loader := NewLoader(filepath.Join(t.TempDir(), "absent.json"))
	loader.lookupEnv = func(string) (string, bool) { return "", false }

	cfg, err := loader.Load()
	require.NoError(t, err)

	assert.Equal(t, 256, cfg.Memory.ChunkTokens)
	assert.Equal(t, "gpt-4o", cfg.Agent.Model)
}

func TestLoader_ProviderEnvProfiles(t *testing.T) {
	env := map[string]string{
		"ANTHROPIC_API_KEY": "sk-ant-env",
		"OPENAI_API_KEY":    "sk-openai-env",
	}
	loader := NewLoader(filepath.Join(t.TempDir(), "absent.json"))
	loader.lookupEnv = func(k string) (string, bool) {
		v, ok := env[k]
		return v, ok
	}

	cfg, err := loader.Load()
	require.NoError(t, err)

	require.Len(t, cfg.AI.Profiles, 2)
	assert.Equal(t, "anthropic", cfg.AI.Profiles[0].Provider)
	assert.Equal(t, "openai", cfg.AI.Profiles[1].Provider)
	assert.Equal(t, "sk-openai-env", cfg.Embedding.APIKey)
}

func TestLoader_SaveRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "recall.json")
	loader := NewLoader(path)
	loader.lookupEnv = func(string) (string, bool) { return "", false }

	cfg := validConfig()
	cfg.Memory.ChunkTokens = 123
	require.NoError(t, loader.Save(cfg))

	loaded, err := loader.Load()
	require.NoError(t, err)
	assert.Equal(t, 123, loaded.Memory.ChunkTokens)
	assert.Equal(t, path, loader.GetConfigPath())
}
