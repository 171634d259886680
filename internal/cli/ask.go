package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/harun/recall/internal/daemon"
	"github.com/harun/recall/pkg/agent"
	"github.com/harun/recall/pkg/toolexecutor"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
)

var (
	askJSON     bool
	askVerbose  bool
	askYes      bool
	askNoSync   bool
	askSystem   string
	askMaxIters int
)

var askCmd = &cobra.Command{
	Use:   "ask <prompt>",
	Short: "Run one agent turn with the memory tools",
	Long: `Run one bounded agent turn. The model may call memory_search,
memory_status, memory_write and memory_forget; tools under the ask policy
prompt for approval on the terminal unless --yes is given.`,
	Args: cobra.MinimumNArgs(1),
	RunE: runAsk,
}

func init() {
	askCmd.Flags().BoolVar(&askJSON, "json", false, "print the full turn result as JSON")
	askCmd.Flags().BoolVarP(&askVerbose, "verbose", "v", false, "print tool calls as they happen")
	askCmd.Flags().BoolVarP(&askYes, "yes", "y", false, "approve every ask-policy tool call")
	askCmd.Flags().BoolVar(&askNoSync, "no-sync", false, "skip syncing the workspace before the turn")
	askCmd.Flags().StringVar(&askSystem, "system", "", "extra system prompt for this turn")
	askCmd.Flags().IntVar(&askMaxIters, "max-iterations", 0, "override the configured iteration limit")
	rootCmd.AddCommand(askCmd)
}

func runAsk(cmd *cobra.Command, args []string) error {
	var approver toolexecutor.Approver = toolexecutor.AutoApprover{Approve: true}
	if !askYes {
		approver = toolexecutor.NewCLIApprover(cmd.InOrStdin(), cmd.ErrOrStderr(), zerolog.Nop())
	}

	d, cleanup, err := openDaemon(daemon.Options{Approver: approver})
	if err != nil {
		return err
	}
	defer cleanup()

	ctx := cmd.Context()
	if !askNoSync {
		if _, err := d.Sync(ctx); err != nil {
			return fmt.Errorf("sync before turn failed: %w", err)
		}
	}

	loopOpts := daemon.LoopOptions{MaxIterations: askMaxIters}
	if askVerbose {
		loopOpts.Sink = eventPrinter(cmd.ErrOrStderr())
	}
	loop, err := d.NewLoop(loopOpts)
	if err != nil {
		return err
	}

	messages := []agent.Message{}
	if askSystem != "" {
		messages = append(messages, agent.Message{Role: agent.RoleSystem, Content: askSystem})
	}
	messages = append(messages, agent.Message{Role: agent.RoleUser, Content: strings.Join(args, " ")})

	result, err := loop.RunTurn(ctx, messages)
	if result == nil {
		return err
	}

	out := cmd.OutOrStdout()
	if askJSON {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		if encErr := enc.Encode(result); encErr != nil {
			return encErr
		}
		return err
	}

	if result.Content != "" {
		fmt.Fprintln(out, result.Content)
	}
	if result.Status == agent.StatusDegraded {
		fmt.Fprintf(cmd.ErrOrStderr(), "Turn stopped after %d iterations without a final answer.\n", result.Iterations)
	}
	return err
}

// eventPrinter renders turn events as one line each.
func eventPrinter(w io.Writer) func(agent.TurnEvent) {
	return func(ev agent.TurnEvent) {
		switch ev.Type {
		case agent.EventToolDispatched:
			fmt.Fprintf(w, "-> %s %s\n", ev.ToolCall.Name, ev.ToolCall.Arguments)
		case agent.EventToolResult:
			inv := ev.Invocation
			fmt.Fprintf(w, "<- %s [%s] %s\n", inv.Tool, inv.Status, snippet(inv.Content, 120))
		case agent.EventTurnFinished:
			fmt.Fprintf(w, "== turn %s (%d iterations)\n", ev.Status, ev.Iteration)
		}
	}
}
