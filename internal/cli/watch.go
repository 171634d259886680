package cli

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/harun/recall/internal/daemon"
	"github.com/spf13/cobra"
)

var watchMetricsAddr string

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Keep the memory index in sync with the workspace",
	Long: `Run in the foreground: sync once, then reindex files as they change,
resync on the configured schedule and optionally serve Prometheus metrics.
Stops on SIGINT or SIGTERM (see "recall stop").`,
	Args: cobra.NoArgs,
	RunE: runWatch,
}

func init() {
	watchCmd.Flags().StringVar(&watchMetricsAddr, "metrics-addr", "", "serve /metrics on this address, e.g. :9090 (default from config)")
	rootCmd.AddCommand(watchCmd)
}

func runWatch(cmd *cobra.Command, args []string) error {
	d, cleanup, err := openDaemon(daemon.Options{})
	if err != nil {
		return err
	}
	defer cleanup()

	ctx, stop := signal.NotifyContext(contextOrBackground(cmd), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := d.Start(ctx, watchMetricsAddr); err != nil {
		return err
	}
	fmt.Fprintf(cmd.ErrOrStderr(), "Watching %s (pid file %s)\n", d.Indexer().Root(), d.PIDFile())

	<-ctx.Done()
	return d.Stop()
}

func contextOrBackground(cmd *cobra.Command) context.Context {
	if ctx := cmd.Context(); ctx != nil {
		return ctx
	}
	return context.Background()
}

func getPIDFilePath() string {
	cfg, err := loadConfig()
	if err != nil {
		return ""
	}
	return daemon.PIDFilePath(cfg.DataDir)
}

func isRunning(pidFile string) bool {
	pid, err := daemon.ReadPID(pidFile)
	if err != nil {
		return false
	}
	return daemon.ProcessAlive(pid)
}
