package cli

import (
	"fmt"

	"github.com/harun/recall/internal/config"
	"github.com/harun/recall/internal/daemon"
	"github.com/harun/recall/internal/logger"
	"github.com/spf13/cobra"
)

const version = "0.1.0"

var (
	cfgFile  string
	logLevel string
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "recall",
	Short: "Recall - hybrid memory retrieval for agents",
	Long: `Recall indexes a workspace of notes into a local hybrid memory store
(keyword and vector search with temporal decay and MMR diversification) and
runs tool-calling agent turns that can search and write that memory.`,
	Version:      version,
	SilenceUsage: true,
}

// newDaemon is swapped in tests to inject fakes.
var newDaemon = func(cfg *config.Config, log *logger.Logger, opts daemon.Options) (*daemon.Daemon, error) {
	return daemon.New(cfg, log, opts)
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the rootCmd.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	// Global flags
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $HOME/.recall/recall.json)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "log level (debug, info, warn, error); overrides the config file")

	// Version template
	rootCmd.SetVersionTemplate(`{{with .Name}}{{printf "%s " .}}{{end}}{{printf "version %s" .Version}}
`)
}

// loadConfig loads and validates the configuration, applying --log-level.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	if logLevel != "" {
		cfg.Logging.Level = logLevel
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func newLogger(cfg *config.Config) (*logger.Logger, error) {
	return logger.New(logger.Config{
		Level:          cfg.Logging.Level,
		File:           cfg.Logging.File,
		Pretty:         cfg.Logging.Pretty,
		Redaction:      cfg.Logging.Redaction,
		RedactPatterns: cfg.Logging.RedactPatterns,
	})
}

// openDaemon loads config, builds the logger and the daemon. The returned
// cleanup closes both.
func openDaemon(opts daemon.Options) (*daemon.Daemon, func(), error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, nil, err
	}
	log, err := newLogger(cfg)
	if err != nil {
		return nil, nil, err
	}
	d, err := newDaemon(cfg, log, opts)
	if err != nil {
		log.Close()
		return nil, nil, err
	}
	cleanup := func() {
		if err := d.Close(); err != nil {
			log.Error().Err(err).Msg("Failed to close daemon")
		}
		log.Close()
	}
	return d, cleanup, nil
}

// GetRootCmd returns the root command for testing
func GetRootCmd() *cobra.Command {
	return rootCmd
}

// GetVersion returns the current version
func GetVersion() string {
	return version
}
