package config

import (
	"encoding/json"
	"time"
)

// Config represents the main recall configuration
type Config struct {
	// Data directory for the chunk store and logs
	DataDir string `json:"data_dir" mapstructure:"data_dir"`

	// Workspace path indexed by the memory pipeline
	WorkspacePath string `json:"workspace_path" mapstructure:"workspace_path" validate:"required"`

	Logging   LoggingConfig   `json:"logging" mapstructure:"logging"`
	Memory    MemoryConfig    `json:"memory" mapstructure:"memory"`
	Embedding EmbeddingConfig `json:"embedding" mapstructure:"embedding"`
	Agent     AgentConfig     `json:"agent" mapstructure:"agent"`
	AI        AIConfig        `json:"ai" mapstructure:"ai"`
	Tools     ToolsConfig     `json:"tools" mapstructure:"tools"`
	Metrics   MetricsConfig   `json:"metrics" mapstructure:"metrics"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level          string   `json:"level" mapstructure:"level" validate:"omitempty,oneof=debug info warn error"`
	File           string   `json:"file" mapstructure:"file"`
	Pretty         bool     `json:"pretty" mapstructure:"pretty"`
	Redaction      bool     `json:"redaction" mapstructure:"redaction"`
	RedactPatterns []string `json:"redact_patterns" mapstructure:"redact_patterns"`
	AuditFile      string   `json:"audit_file" mapstructure:"audit_file"`
}

// MemoryConfig covers chunking, storage and ranking.
type MemoryConfig struct {
	DBPath            string        `json:"db_path" mapstructure:"db_path"`
	ChunkTokens       int           `json:"chunk_tokens" mapstructure:"chunk_tokens" validate:"gt=0"`
	ChunkOverlap      int           `json:"chunk_overlap" mapstructure:"chunk_overlap" validate:"gte=0,ltfield=ChunkTokens"`
	Extensions        []string      `json:"extensions" mapstructure:"extensions" validate:"min=1,dive,startswith=."`
	PermanentPatterns []string      `json:"permanent_patterns" mapstructure:"permanent_patterns"`
	ResyncSchedule    string        `json:"resync_schedule" mapstructure:"resync_schedule"`
	WatchDebounce     time.Duration `json:"watch_debounce" mapstructure:"watch_debounce"`

	SearchLimit       int     `json:"search_limit" mapstructure:"search_limit" validate:"gte=0"`
	VectorWeight      float64 `json:"vector_weight" mapstructure:"vector_weight" validate:"gte=0"`
	KeywordWeight     float64 `json:"keyword_weight" mapstructure:"keyword_weight" validate:"gte=0"`
	DecayHalfLifeDays float64 `json:"decay_half_life_days" mapstructure:"decay_half_life_days" validate:"gt=0"`
	MMRLambda         float64 `json:"mmr_lambda" mapstructure:"mmr_lambda" validate:"gte=0,lte=1"`
	ApplyDecay        bool    `json:"apply_decay" mapstructure:"apply_decay"`
}

// EmbeddingConfig selects the embedding provider chain.
type EmbeddingConfig struct {
	Provider          string   `json:"provider" mapstructure:"provider" validate:"oneof=openai ollama"`
	Model             string   `json:"model" mapstructure:"model" validate:"required"`
	APIKey            string   `json:"api_key" mapstructure:"api_key"`
	BaseURL           string   `json:"base_url" mapstructure:"base_url" validate:"omitempty,url"`
	Dimension         int      `json:"dimension" mapstructure:"dimension" validate:"gt=0"`
	RequestsPerSecond float64  `json:"requests_per_second" mapstructure:"requests_per_second" validate:"gte=0"`
	Burst             int      `json:"burst" mapstructure:"burst" validate:"gte=0"`
	FallbackBaseURLs  []string `json:"fallback_base_urls" mapstructure:"fallback_base_urls" validate:"dive,url"`
}

// AgentConfig configures the agent loop.
type AgentConfig struct {
	Model              string        `json:"model" mapstructure:"model" validate:"required"`
	SystemPrompt       string        `json:"system_prompt" mapstructure:"system_prompt"`
	Temperature        float64       `json:"temperature" mapstructure:"temperature" validate:"gte=0,lte=2"`
	MaxTokens          int           `json:"max_tokens" mapstructure:"max_tokens" validate:"gt=0"`
	MaxIterations      int           `json:"max_iterations" mapstructure:"max_iterations" validate:"gt=0"`
	MaxToolResultBytes int           `json:"max_tool_result_bytes" mapstructure:"max_tool_result_bytes" validate:"gt=0"`
	ModelTimeout       time.Duration `json:"model_timeout" mapstructure:"model_timeout"`
}

// AIConfig holds AI provider configuration
type AIConfig struct {
	Profiles []AIProfile `json:"profiles" mapstructure:"profiles" validate:"dive"`
}

// AIProfile represents an AI provider profile. Profiles are tried in
// ascending priority order.
type AIProfile struct {
	ID       string `json:"id" mapstructure:"id" validate:"required"`
	Provider string `json:"provider" mapstructure:"provider" validate:"oneof=anthropic openai"`
	APIKey   string `json:"api_key" mapstructure:"api_key" validate:"required"`
	BaseURL  string `json:"base_url" mapstructure:"base_url" validate:"omitempty,url"`
	Model    string `json:"model" mapstructure:"model"`
	Priority int    `json:"priority" mapstructure:"priority"`
}

// ToolsConfig holds tool gating configuration.
type ToolsConfig struct {
	// Policies maps a tool name to allow, ask or deny.
	Policies        map[string]string `json:"policies" mapstructure:"policies" validate:"dive,oneof=allow ask deny"`
	DenyPatterns    []string          `json:"deny_patterns" mapstructure:"deny_patterns"`
	DefaultDenyList bool              `json:"default_deny_list" mapstructure:"default_deny_list"`
	ApprovalTimeout time.Duration     `json:"approval_timeout" mapstructure:"approval_timeout"`
	ExecTimeout     time.Duration     `json:"exec_timeout" mapstructure:"exec_timeout"`
}

// MetricsConfig holds the prometheus endpoint settings.
type MetricsConfig struct {
	Addr string `json:"addr" mapstructure:"addr"`
}

// DefaultConfig returns a config with default values
func DefaultConfig() *Config {
	return &Config{
		Logging: LoggingConfig{
			Level:     "info",
			Pretty:    true,
			Redaction: true,
		},
		Memory: MemoryConfig{
			ChunkTokens:       400,
			ChunkOverlap:      80,
			Extensions:        []string{".md", ".txt"},
			PermanentPatterns: []string{"MEMORY.md", "memory/permanent/*"},
			ResyncSchedule:    "@every 30m",
			WatchDebounce:     500 * time.Millisecond,
			SearchLimit:       10,
			VectorWeight:      0.7,
			KeywordWeight:     0.3,
			DecayHalfLifeDays: 30,
			MMRLambda:         0.7,
			ApplyDecay:        true,
		},
		Embedding: EmbeddingConfig{
			Provider:          "openai",
			Model:             "text-embedding-3-small",
			Dimension:         1536,
			RequestsPerSecond: 5,
			Burst:             5,
		},
		Agent: AgentConfig{
			Model:              "claude-sonnet-4-5",
			Temperature:        0.7,
			MaxTokens:          4096,
			MaxIterations:      10,
			MaxToolResultBytes: 16 * 1024,
			ModelTimeout:       2 * time.Minute,
		},
		AI: AIConfig{
			Profiles: []AIProfile{},
		},
		Tools: ToolsConfig{
			Policies: map[string]string{
				"memory_search": "allow",
				"memory_status": "allow",
				"memory_write":  "ask",
				"memory_forget": "ask",
			},
			DefaultDenyList: true,
			ApprovalTimeout: 60 * time.Second,
			ExecTimeout:     30 * time.Second,
		},
	}
}

// String returns a JSON representation of the config
func (c *Config) String() string {
	data, _ := json.MarshalIndent(c, "", "  ")
	return string(data)
}

// Validate checks struct tags and cross-field rules.
func (c *Config) Validate() error {
	return ValidateWithDetails(c)
}
