package cli

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/harun/recall/internal/daemon"
	"github.com/harun/recall/pkg/memory"
	"github.com/spf13/cobra"
)

var (
	statusSources bool
	statusJSON    bool
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show memory store and watch daemon status",
	Long:  `Show chunk store statistics and whether a recall watch daemon is running.`,
	Args:  cobra.NoArgs,
	RunE:  runStatus,
}

func init() {
	statusCmd.Flags().BoolVar(&statusSources, "sources", false, "list every indexed source")
	statusCmd.Flags().BoolVar(&statusJSON, "json", false, "print status as JSON")
	rootCmd.AddCommand(statusCmd)
}

type statusReport struct {
	Daemon  string              `json:"daemon"`
	PID     int                 `json:"pid,omitempty"`
	Uptime  time.Duration       `json:"uptime,omitempty"`
	Store   memory.StoreStats   `json:"store"`
	Sources []memory.SourceInfo `json:"sources,omitempty"`
}

func runStatus(cmd *cobra.Command, args []string) error {
	d, cleanup, err := openDaemon(daemon.Options{})
	if err != nil {
		return err
	}
	defer cleanup()

	st, err := d.Status(cmd.Context(), statusSources)
	if err != nil {
		return err
	}

	report := statusReport{Daemon: "stopped", Store: st.Store, Sources: st.Sources}
	if pid, err := daemon.ReadPID(d.PIDFile()); err == nil && daemon.ProcessAlive(pid) {
		report.Daemon = "running"
		report.PID = pid
		if info, err := os.Stat(d.PIDFile()); err == nil {
			report.Uptime = time.Since(info.ModTime())
		}
	}

	out := cmd.OutOrStdout()
	if statusJSON {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(report)
	}

	fmt.Fprintf(out, "Daemon: %s\n", report.Daemon)
	if report.PID != 0 {
		fmt.Fprintf(out, "PID: %d\n", report.PID)
		fmt.Fprintf(out, "Uptime: %s\n", formatDuration(report.Uptime))
	}
	fmt.Fprintf(out, "Workspace: %s\n", st.Workspace)
	fmt.Fprintf(out, "Sources: %d\nChunks: %d (embedded %d)\nCached vectors: %d\nDimension: %d\n",
		st.Store.Sources, st.Store.Chunks, st.Store.Embedded, st.Store.CachedVector, st.Store.Dimension)
	now := time.Now()
	for _, src := range st.Sources {
		fmt.Fprintf(out, "  %s  %d chunks  indexed %s\n", src.Path, src.Chunks, memory.FormatAge(src.IndexedAt, now))
	}
	return nil
}

func formatDuration(d time.Duration) string {
	d = d.Round(time.Second)
	h := d / time.Hour
	d -= h * time.Hour
	m := d / time.Minute
	d -= m * time.Minute
	s := d / time.Second

	if h > 0 {
		return fmt.Sprintf("%dh%dm%ds", h, m, s)
	}
	if m > 0 {
		return fmt.Sprintf("%dm%ds", m, s)
	}
	return fmt.Sprintf("%ds", s)
}
