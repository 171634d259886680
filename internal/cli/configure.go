package cli

import (
	"fmt"
	"os"

	"github.com/harun/recall/internal/config"
	"github.com/spf13/cobra"
)

var (
	configureForce     bool
	configureWorkspace string
	configureEmbedding string
)

var configureCmd = &cobra.Command{
	Use:   "configure",
	Short: "Write a starter configuration file",
	Long: `Write a configuration file with default settings to the --config path
(default $HOME/.recall/recall.json). API keys are read from ANTHROPIC_API_KEY
and OPENAI_API_KEY at load time and are not written unless already configured.`,
	Args: cobra.NoArgs,
	RunE: runConfigure,
}

func init() {
	configureCmd.Flags().BoolVar(&configureForce, "force", false, "overwrite an existing config file")
	configureCmd.Flags().StringVar(&configureWorkspace, "workspace", "", "workspace directory to index")
	configureCmd.Flags().StringVar(&configureEmbedding, "embedding-provider", "", "embedding provider (openai or ollama)")
	rootCmd.AddCommand(configureCmd)
}

func runConfigure(cmd *cobra.Command, args []string) error {
	loader := config.NewLoader(cfgFile)
	configPath := loader.GetConfigPath()
	if configPath == "" {
		return fmt.Errorf("cannot resolve config path")
	}
	if _, err := os.Stat(configPath); err == nil && !configureForce {
		return fmt.Errorf("config file already exists: %s (use --force to overwrite)", configPath)
	}

	cfg := config.DefaultConfig()
	if configureWorkspace != "" {
		cfg.WorkspacePath = configureWorkspace
	}
	if configureEmbedding != "" {
		cfg.Embedding.Provider = configureEmbedding
		if configureEmbedding == "ollama" {
			cfg.Embedding.Model = "nomic-embed-text"
			cfg.Embedding.Dimension = 768
		}
	}

	// Validate what will be loaded back, derived paths and env keys included.
	check := *cfg
	if check.WorkspacePath == "" {
		check.WorkspacePath = "workspace"
	}
	if check.Embedding.APIKey == "" {
		check.Embedding.APIKey = os.Getenv("OPENAI_API_KEY")
	}
	if err := check.Validate(); err != nil {
		fmt.Fprintf(cmd.ErrOrStderr(), "Warning: %v\n", err)
	}

	if err := loader.Save(cfg); err != nil {
		return fmt.Errorf("failed to save configuration: %w", err)
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Configuration saved to: %s\n", configPath)
	fmt.Fprintln(out, "Index your workspace with: recall index")
	return nil
}
