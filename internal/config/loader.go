package config

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"
)

const (
	envPrefix      = "RECALL"
	configDirName  = ".recall"
	configFileName = "recall.json"
)

// Loader handles configuration loading
type Loader struct {
	configPath string
	lookupEnv  func(string) (string, bool)
}

// NewLoader creates a new config loader
func NewLoader(configPath string) *Loader {
	return &Loader{
		configPath: configPath,
		lookupEnv:  os.LookupEnv,
	}
}

// Load layers defaults, the JSON config file (when present) and RECALL_*
// environment variables, then fills derived paths. RECALL_MEMORY_CHUNK_TOKENS
// overrides memory.chunk_tokens, and so on.
func (l *Loader) Load() (*Config, error) {
	configPath, err := l.resolvePath()
	if err != nil {
		return nil, err
	}

	defaults, err := json.Marshal(DefaultConfig())
	if err != nil {
		return nil, fmt.Errorf("failed to encode defaults: %w", err)
	}

	v := viper.New()
	v.SetConfigType("json")
	if err := v.ReadConfig(bytes.NewReader(defaults)); err != nil {
		return nil, fmt.Errorf("failed to load defaults: %w", err)
	}

	if _, statErr := os.Stat(configPath); statErr == nil {
		v.SetConfigFile(configPath)
		if err := v.MergeInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	} else if !os.IsNotExist(statErr) {
		return nil, fmt.Errorf("failed to stat config file: %w", statErr)
	}

	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := l.fillDerived(cfg); err != nil {
		return nil, err
	}
	l.applyProviderEnv(cfg)

	return cfg, nil
}

func (l *Loader) fillDerived(cfg *Config) error {
	if cfg.DataDir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return fmt.Errorf("failed to get home directory: %w", err)
		}
		cfg.DataDir = filepath.Join(home, configDirName)
	}
	if cfg.WorkspacePath == "" {
		cfg.WorkspacePath = filepath.Join(cfg.DataDir, "workspace")
	}
	if cfg.Memory.DBPath == "" {
		cfg.Memory.DBPath = filepath.Join(cfg.DataDir, "memory.db")
	}
	return nil
}

// applyProviderEnv adds profiles from the conventional provider variables
// when the config file declares none.
func (l *Loader) applyProviderEnv(cfg *Config) {
	if cfg.Embedding.APIKey == "" {
		if key, ok := l.lookupEnv("OPENAI_API_KEY"); ok && key != "" {
			cfg.Embedding.APIKey = key
		}
	}

	if len(cfg.AI.Profiles) > 0 {
		return
	}
	if key, ok := l.lookupEnv("ANTHROPIC_API_KEY"); ok && key != "" {
		cfg.AI.Profiles = append(cfg.AI.Profiles, AIProfile{ID: "anthropic-env", Provider: "anthropic", APIKey: key, Priority: 0})
	}
	if key, ok := l.lookupEnv("OPENAI_API_KEY"); ok && key != "" {
		cfg.AI.Profiles = append(cfg.AI.Profiles, AIProfile{ID: "openai-env", Provider: "openai", APIKey: key, Priority: 1})
	}
}

// Save writes cfg as JSON to the loader's path.
func (l *Loader) Save(cfg *Config) error {
	configPath, err := l.resolvePath()
	if err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(configPath), 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}
	if err := os.WriteFile(configPath, data, 0600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}

// GetConfigPath returns the config file path
func (l *Loader) GetConfigPath() string {
	path, err := l.resolvePath()
	if err != nil {
		return ""
	}
	return path
}

func (l *Loader) resolvePath() (string, error) {
	if l.configPath != "" {
		return l.configPath, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get home directory: %w", err)
	}
	return filepath.Join(home, configDirName, configFileName), nil
}

// Load is a convenience function that creates a loader and loads the config
func Load(configPath string) (*Config, error) {
	return NewLoader(configPath).Load()
}
