package cli

import (
	"encoding/json"
	"fmt"

	"github.com/harun/recall/internal/daemon"
	"github.com/spf13/cobra"
)

var indexJSON bool

var indexCmd = &cobra.Command{
	Use:   "index",
	Short: "Index the workspace into the memory store",
	Long: `Walk the workspace, chunk and embed every new or changed file and
remove sources whose files are gone. Unchanged files are skipped by content hash.`,
	Args: cobra.NoArgs,
	RunE: runIndex,
}

func init() {
	indexCmd.Flags().BoolVar(&indexJSON, "json", false, "print the sync report as JSON")
	rootCmd.AddCommand(indexCmd)
}

func runIndex(cmd *cobra.Command, args []string) error {
	d, cleanup, err := openDaemon(daemon.Options{})
	if err != nil {
		return err
	}
	defer cleanup()

	report, err := d.Sync(cmd.Context())
	if err != nil {
		return fmt.Errorf("index failed: %w", err)
	}

	out := cmd.OutOrStdout()
	if indexJSON {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(report)
	}
	fmt.Fprintf(out, "Indexed: %d\nSkipped: %d\nRemoved: %d\nFailed:  %d\nTook:    %s\n",
		report.Indexed, report.Skipped, report.Removed, report.Failed, formatDuration(report.Took))
	if report.Failed > 0 {
		return fmt.Errorf("%d sources failed to index", report.Failed)
	}
	return nil
}
