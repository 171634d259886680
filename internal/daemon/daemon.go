package daemon

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"path/filepath"
	"sync"
	"time"

	"github.com/harun/recall/internal/config"
	"github.com/harun/recall/internal/logger"
	"github.com/harun/recall/internal/observability"
	"github.com/harun/recall/internal/tracing"
	"github.com/harun/recall/pkg/agent"
	"github.com/harun/recall/pkg/memory"
	"github.com/harun/recall/pkg/toolexecutor"
	"github.com/rs/zerolog"
)

const ollamaBaseURL = "http://localhost:11434/v1/"

// Options carries the pieces the CLI decides at runtime rather than through
// configuration.
type Options struct {
	// Approver answers Ask-policy tool calls. nil denies them.
	Approver toolexecutor.Approver
	// Embedder replaces the configured embedding provider chain.
	Embedder memory.EmbeddingProvider
	// Provider replaces the provider chain built from the AI profiles.
	Provider agent.LLMProvider
	// ServiceName labels traces. Defaults to "recall".
	ServiceName string
}

// Daemon owns the memory pipeline and tool registry for one process. The
// short-lived commands (index, search, ask) use it without Start; watch runs
// Start until signalled.
type Daemon struct {
	config *config.Config
	logger *logger.Logger
	opts   Options

	store    *memory.SQLiteStore
	embedder memory.EmbeddingProvider
	indexer  *memory.Indexer
	engine   *memory.Engine
	tools    *memory.Tools
	registry *toolexecutor.Registry

	lifecycle *LifecycleManager

	mu             sync.Mutex
	running        bool
	startedAt      time.Time
	watcher        *memory.FileWatcher
	metricsServer  *http.Server
	tracingEnabled bool
	closed         bool
}

// Status is a point-in-time view of the daemon.
type Status struct {
	Running   bool                `json:"running"`
	Uptime    time.Duration       `json:"uptime"`
	Store     memory.StoreStats   `json:"store"`
	LastSync  *memory.SyncReport  `json:"last_sync,omitempty"`
	Sources   []memory.SourceInfo `json:"sources,omitempty"`
	Workspace string              `json:"workspace"`
}

// New builds every component in dependency order. Nothing is started.
func New(cfg *config.Config, log *logger.Logger, opts Options) (*Daemon, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	observability.EnsureRegistered()

	if opts.ServiceName == "" {
		opts.ServiceName = tracing.ServiceName
	}
	d := &Daemon{config: cfg, logger: log, opts: opts}

	if err := tracing.InitOpenTelemetry(opts.ServiceName); err != nil {
		log.Warn().Err(err).Msg("Failed to initialize tracing, continuing without it")
	} else {
		d.tracingEnabled = true
	}

	if err := d.initializeCoreModules(); err != nil {
		d.shutdownTracing()
		return nil, fmt.Errorf("failed to initialize core modules: %w", err)
	}
	d.lifecycle = NewLifecycleManager(cfg.DataDir, log.Component("lifecycle"))
	return d, nil
}

func (d *Daemon) initializeCoreModules() error {
	cfg := d.config

	auditToLog := cfg.Logging.AuditFile == ""
	if !auditToLog {
		if err := observability.InitAuditLogger(cfg.Logging.AuditFile); err != nil {
			d.logger.Warn().Err(err).Msg("Failed to initialize audit logger, using the process log")
			auditToLog = true
		}
	}
	if auditToLog {
		observability.UseAuditLogger(d.logger.Component("audit"))
	}

	if err := memory.EnsureWorkspace(cfg.WorkspacePath); err != nil {
		return err
	}

	embedder := d.opts.Embedder
	if embedder == nil {
		var err error
		embedder, err = BuildEmbedder(cfg.Embedding)
		if err != nil {
			return err
		}
	}
	d.embedder = embedder

	store, err := memory.NewSQLiteStore(memory.SQLiteConfig{
		Path:      cfg.Memory.DBPath,
		Dimension: embedder.Dimension(),
		Logger:    d.logger.Component("store"),
	})
	if err != nil {
		return fmt.Errorf("failed to open chunk store: %w", err)
	}
	d.store = store

	indexer, err := memory.NewIndexer(memory.IndexerConfig{
		Store:    store,
		Embedder: embedder,
		Root:     cfg.WorkspacePath,
		Chunking: memory.ChunkOptions{
			TargetTokens:  cfg.Memory.ChunkTokens,
			OverlapTokens: cfg.Memory.ChunkOverlap,
		},
		Extensions:        cfg.Memory.Extensions,
		PermanentPatterns: cfg.Memory.PermanentPatterns,
		Logger:            d.logger.Component("indexer"),
	})
	if err != nil {
		store.Close()
		return fmt.Errorf("failed to create indexer: %w", err)
	}
	d.indexer = indexer

	engine, err := memory.NewEngine(memory.EngineConfig{
		Store:    store,
		Embedder: embedder,
		Logger:   d.logger.Component("search"),
	})
	if err != nil {
		store.Close()
		return fmt.Errorf("failed to create search engine: %w", err)
	}
	d.engine = engine

	registry, err := d.buildRegistry()
	if err != nil {
		store.Close()
		return err
	}
	d.registry = registry

	d.tools = &memory.Tools{Engine: engine, Indexer: indexer, Store: store, Defaults: d.SearchDefaults()}
	if err := d.tools.Register(registry); err != nil {
		store.Close()
		return fmt.Errorf("failed to register memory tools: %w", err)
	}

	d.logger.Info().
		Str("workspace", cfg.WorkspacePath).
		Str("db", cfg.Memory.DBPath).
		Int("dimension", embedder.Dimension()).
		Msg("Memory pipeline initialized")
	return nil
}

func (d *Daemon) buildRegistry() (*toolexecutor.Registry, error) {
	toolsCfg := d.config.Tools

	policies, err := toolexecutor.ParsePolicies(toolsCfg.Policies)
	if err != nil {
		return nil, fmt.Errorf("invalid tool policies: %w", err)
	}

	var rules []toolexecutor.DenyRule
	if toolsCfg.DefaultDenyList {
		rules = toolexecutor.DefaultDenyRules()
	}
	for _, p := range toolsCfg.DenyPatterns {
		rules = append(rules, toolexecutor.DenyRule{Pattern: p, Reason: "configured deny pattern"})
	}
	denyList, err := toolexecutor.NewDenyList(rules)
	if err != nil {
		return nil, fmt.Errorf("invalid deny list: %w", err)
	}

	var approvals *toolexecutor.ApprovalManager
	if d.opts.Approver != nil {
		approvals = toolexecutor.NewApprovalManager(d.opts.Approver, toolsCfg.ApprovalTimeout, d.logger.Component("approval"))
	}

	return toolexecutor.New(toolexecutor.Options{
		Logger:      d.logger.Component("tools"),
		Approvals:   approvals,
		DenyList:    denyList,
		Policies:    policies,
		ExecTimeout: toolsCfg.ExecTimeout,
	}), nil
}

// BuildEmbedder assembles the embedding chain: the primary endpoint, then
// any fallback endpoints, behind one rate limiter.
func BuildEmbedder(cfg config.EmbeddingConfig) (memory.EmbeddingProvider, error) {
	baseURL := cfg.BaseURL
	if baseURL == "" && cfg.Provider == "ollama" {
		baseURL = ollamaBaseURL
	}

	providers := []memory.EmbeddingProvider{memory.NewOpenAIEmbedder(memory.OpenAIEmbedderConfig{
		APIKey:    cfg.APIKey,
		BaseURL:   baseURL,
		Model:     cfg.Model,
		Dimension: cfg.Dimension,
	})}
	for _, url := range cfg.FallbackBaseURLs {
		providers = append(providers, memory.NewOpenAIEmbedder(memory.OpenAIEmbedderConfig{
			APIKey:    cfg.APIKey,
			BaseURL:   url,
			Model:     cfg.Model,
			Dimension: cfg.Dimension,
		}))
	}

	var chain memory.EmbeddingProvider = providers[0]
	if len(providers) > 1 {
		fallback, err := memory.NewFallbackEmbedder(providers...)
		if err != nil {
			return nil, err
		}
		chain = fallback
	}
	return memory.NewRateLimitedEmbedder(chain, cfg.RequestsPerSecond, cfg.Burst), nil
}

// SearchDefaults returns the configured ranking parameters.
func (d *Daemon) SearchDefaults() memory.SearchOptions {
	m := d.config.Memory
	return memory.SearchOptions{
		Limit:             m.SearchLimit,
		VectorWeight:      m.VectorWeight,
		KeywordWeight:     m.KeywordWeight,
		DecayHalfLifeDays: m.DecayHalfLifeDays,
		MMRLambda:         m.MMRLambda,
		ApplyDecay:        m.ApplyDecay,
	}
}

// LoopOptions adjusts one agent loop without touching the configuration.
type LoopOptions struct {
	Sink func(agent.TurnEvent)
	// MaxIterations overrides agent.max_iterations when positive.
	MaxIterations int
}

// NewLoop builds an agent loop over the memory tools.
func (d *Daemon) NewLoop(opts LoopOptions) (*agent.Loop, error) {
	provider := d.opts.Provider
	if provider == nil {
		profiles := convertAuthProfiles(d.config.AI.Profiles)
		if len(profiles) == 0 {
			return nil, fmt.Errorf("%w: no AI profiles configured", agent.ErrInvalidConfig)
		}
		chain, err := agent.NewProviderChainFromProfiles(d.logger.Component("provider"), profiles)
		if err != nil {
			return nil, err
		}
		provider = chain
	}

	a := d.config.Agent
	if opts.MaxIterations > 0 {
		a.MaxIterations = opts.MaxIterations
	}
	return agent.NewLoop(agent.Config{
		Provider:           provider,
		Tools:              d.registry,
		Model:              a.Model,
		SystemPrompt:       a.SystemPrompt,
		Temperature:        a.Temperature,
		MaxTokens:          a.MaxTokens,
		MaxIterations:      a.MaxIterations,
		MaxToolResultBytes: a.MaxToolResultBytes,
		ModelTimeout:       a.ModelTimeout,
		Logger:             d.logger.Component("agent"),
		Sink:               opts.Sink,
	})
}

func convertAuthProfiles(profiles []config.AIProfile) []agent.AuthProfile {
	out := make([]agent.AuthProfile, 0, len(profiles))
	for _, p := range profiles {
		out = append(out, agent.AuthProfile{
			ID:       p.ID,
			Provider: p.Provider,
			APIKey:   p.APIKey,
			BaseURL:  p.BaseURL,
			Model:    p.Model,
			Priority: p.Priority,
		})
	}
	return out
}

// Start runs an initial sync, then keeps the index fresh with the file
// watcher and the resync schedule, and serves metrics when configured.
func (d *Daemon) Start(ctx context.Context, metricsAddr string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return errors.New("daemon is closed")
	}
	if d.running {
		return errors.New("daemon is already running")
	}

	ctx, _ = tracing.NewTurnContext(ctx)
	log := tracing.LoggerFromContext(ctx, d.logger.Logger)
	log.Info().Str("workspace", d.indexer.Root()).Msg("Starting recall daemon")

	if err := d.lifecycle.Start(); err != nil {
		return err
	}

	report, err := d.indexer.Sync(ctx)
	if err != nil {
		_ = d.lifecycle.Stop()
		return fmt.Errorf("initial sync failed: %w", err)
	}
	log.Info().
		Int("indexed", report.Indexed).
		Int("skipped", report.Skipped).
		Int("removed", report.Removed).
		Int("failed", report.Failed).
		Msg("Initial sync complete")

	watcher, err := memory.NewFileWatcher(d.indexer, d.config.Memory.WatchDebounce, d.logger.Component("watcher"))
	if err != nil {
		_ = d.lifecycle.Stop()
		return fmt.Errorf("failed to start file watcher: %w", err)
	}
	d.watcher = watcher

	if spec := d.config.Memory.ResyncSchedule; spec != "" {
		if err := d.indexer.StartSchedule(spec); err != nil {
			_ = watcher.Stop()
			_ = d.lifecycle.Stop()
			return fmt.Errorf("failed to start resync schedule: %w", err)
		}
	}

	if metricsAddr == "" {
		metricsAddr = d.config.Metrics.Addr
	}
	if metricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", observability.MetricsHandler())
		d.metricsServer = &http.Server{Addr: metricsAddr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
		srv := d.metricsServer
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				d.logger.Error().Err(err).Str("addr", srv.Addr).Msg("Metrics server failed")
			}
		}()
		log.Info().Str("addr", metricsAddr).Msg("Serving metrics")
	}

	d.running = true
	d.startedAt = time.Now()
	log.Info().Msg("Recall daemon started")
	return nil
}

// Stop halts the watcher, schedule and metrics server. Components built by
// New stay usable until Close.
func (d *Daemon) Stop() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.running {
		return errors.New("daemon is not running")
	}
	d.running = false

	d.indexer.StopSchedule()
	if d.watcher != nil {
		if err := d.watcher.Stop(); err != nil {
			d.logger.Error().Err(err).Msg("Failed to stop file watcher")
		}
		d.watcher = nil
	}
	if d.metricsServer != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := d.metricsServer.Shutdown(shutdownCtx); err != nil {
			d.logger.Error().Err(err).Msg("Failed to stop metrics server")
		}
		cancel()
		d.metricsServer = nil
	}
	if err := d.lifecycle.Stop(); err != nil {
		d.logger.Error().Err(err).Msg("Failed to stop lifecycle manager")
	}

	d.logger.Info().Msg("Recall daemon stopped")
	return nil
}

// Close stops the daemon if needed and releases the store.
func (d *Daemon) Close() error {
	d.mu.Lock()
	running := d.running
	d.mu.Unlock()
	if running {
		_ = d.Stop()
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return nil
	}
	d.closed = true

	err := d.store.Close()
	d.shutdownTracing()
	if auditErr := observability.GetAuditLogger().Close(); auditErr != nil {
		d.logger.Error().Err(auditErr).Msg("Failed to close audit logger")
	}
	return err
}

func (d *Daemon) shutdownTracing() {
	if !d.tracingEnabled {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := tracing.ShutdownOpenTelemetry(ctx); err != nil {
		d.logger.Error().Err(err).Msg("Failed to shutdown tracing")
	}
	d.tracingEnabled = false
}

// Status reports store contents and, when listSources is set, every source.
func (d *Daemon) Status(ctx context.Context, listSources bool) (Status, error) {
	res, err := d.tools.Status(ctx, listSources)
	if err != nil {
		return Status{}, err
	}

	d.mu.Lock()
	st := Status{
		Running:   d.running,
		Store:     res.Stats,
		LastSync:  res.LastSync,
		Sources:   res.Sources,
		Workspace: d.indexer.Root(),
	}
	if d.running {
		st.Uptime = time.Since(d.startedAt)
	}
	d.mu.Unlock()
	return st, nil
}

// Sync runs one full workspace sync.
func (d *Daemon) Sync(ctx context.Context) (memory.SyncReport, error) {
	return d.indexer.Sync(ctx)
}

// Search runs a hybrid search with opts.
func (d *Daemon) Search(ctx context.Context, query string, opts memory.SearchOptions) ([]memory.RankedResult, error) {
	return d.engine.Search(ctx, query, opts)
}

// PIDFile returns the path of the watch daemon's PID file.
func (d *Daemon) PIDFile() string {
	return d.lifecycle.PIDFile()
}

// PIDFilePath returns the PID file location for a data directory.
func PIDFilePath(dataDir string) string {
	return filepath.Join(dataDir, pidFileName)
}

// Logger returns the daemon's base logger.
func (d *Daemon) Logger() zerolog.Logger {
	return d.logger.Logger
}

// Registry returns the tool registry.
func (d *Daemon) Registry() *toolexecutor.Registry {
	return d.registry
}

// Indexer returns the workspace indexer.
func (d *Daemon) Indexer() *memory.Indexer {
	return d.indexer
}
