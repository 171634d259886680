package cli

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/harun/recall/internal/daemon"
	"github.com/harun/recall/pkg/memory"
	"github.com/spf13/cobra"
)

var (
	searchLimit         int
	searchVectorWeight  float64
	searchKeywordWeight float64
	searchLambda        float64
	searchNoDecay       bool
	searchJSON          bool
)

var searchCmd = &cobra.Command{
	Use:   "search <query>",
	Short: "Search the memory store",
	Long: `Run a hybrid keyword and vector search. Scores are max-normalized per
backend, blended by weight, decayed by age (permanent sources excepted) and
diversified with maximal marginal relevance.`,
	Args: cobra.MinimumNArgs(1),
	RunE: runSearch,
}

func init() {
	searchCmd.Flags().IntVarP(&searchLimit, "limit", "n", 0, "maximum results (default from config)")
	searchCmd.Flags().Float64Var(&searchVectorWeight, "vector-weight", -1, "vector score weight (default from config)")
	searchCmd.Flags().Float64Var(&searchKeywordWeight, "keyword-weight", -1, "keyword score weight (default from config)")
	searchCmd.Flags().Float64Var(&searchLambda, "lambda", -1, "MMR relevance/diversity trade-off in [0, 1] (default from config)")
	searchCmd.Flags().BoolVar(&searchNoDecay, "no-decay", false, "disable temporal decay")
	searchCmd.Flags().BoolVar(&searchJSON, "json", false, "print results as JSON")
	rootCmd.AddCommand(searchCmd)
}

func runSearch(cmd *cobra.Command, args []string) error {
	d, cleanup, err := openDaemon(daemon.Options{})
	if err != nil {
		return err
	}
	defer cleanup()

	query := strings.Join(args, " ")
	opts := searchOptions(d.SearchDefaults())
	results, err := d.Search(cmd.Context(), query, opts)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if searchJSON {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(results)
	}
	printResults(cmd, results, time.Now())
	return nil
}

// searchOptions overlays the command flags on the configured defaults.
func searchOptions(opts memory.SearchOptions) memory.SearchOptions {
	if searchLimit > 0 {
		opts.Limit = searchLimit
	}
	if searchVectorWeight >= 0 {
		opts.VectorWeight = searchVectorWeight
	}
	if searchKeywordWeight >= 0 {
		opts.KeywordWeight = searchKeywordWeight
	}
	if searchLambda >= 0 {
		opts.MMRLambda = searchLambda
	}
	if searchNoDecay {
		opts.ApplyDecay = false
	}
	return opts
}

func printResults(cmd *cobra.Command, results []memory.RankedResult, now time.Time) {
	out := cmd.OutOrStdout()
	if len(results) == 0 {
		fmt.Fprintln(out, "No results.")
		return
	}
	for i, r := range results {
		age := memory.FormatAge(r.CreatedAt, now)
		if r.Permanent {
			age = "permanent"
		}
		fmt.Fprintf(out, "%d. %s#%d  score=%.3f (vector %.3f, keyword %.3f, decay %.2f, %s)\n",
			i+1, r.SourcePath, r.ChunkIndex, r.Score, r.VectorScore, r.KeywordScore, r.DecayFactor, age)
		fmt.Fprintf(out, "   %s\n", snippet(r.Content, 200))
	}
}

// snippet flattens whitespace and cuts s to at most max runes.
func snippet(s string, max int) string {
	s = strings.Join(strings.Fields(s), " ")
	runes := []rune(s)
	if len(runes) <= max {
		return s
	}
	return string(runes[:max]) + "..."
}
