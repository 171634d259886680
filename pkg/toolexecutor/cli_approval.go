package toolexecutor

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"

	"github.com/rs/zerolog"
)

// CLIApprover prompts on a terminal. Input is read by a single background
// goroutine so an abandoned prompt never races the next one for a line.
type CLIApprover struct {
	reader io.Reader
	writer io.Writer
	logger zerolog.Logger

	mu       sync.Mutex
	once     sync.Once
	lines    chan string
	readErr  error
	readDone chan struct{}
}

// NewCLIApprover creates a new CLI approver
func NewCLIApprover(reader io.Reader, writer io.Writer, logger zerolog.Logger) *CLIApprover {
	return &CLIApprover{
		reader:   reader,
		writer:   writer,
		logger:   logger,
		lines:    make(chan string),
		readDone: make(chan struct{}),
	}
}

func (c *CLIApprover) startReader() {
	c.once.Do(func() {
		go func() {
			defer close(c.readDone)
			scanner := bufio.NewScanner(c.reader)
			for scanner.Scan() {
				c.lines <- scanner.Text()
			}
			c.mu.Lock()
			c.readErr = scanner.Err()
			c.mu.Unlock()
		}()
	})
}

// RequestApproval prompts the user for approval via CLI
func (c *CLIApprover) RequestApproval(ctx context.Context, req ApprovalRequest) (ApprovalResponse, error) {
	c.startReader()
	c.displayApprovalRequest(req)

	select {
	case line := <-c.lines:
		return c.parseInput(req, line), nil

	case <-c.readDone:
		c.mu.Lock()
		err := c.readErr
		c.mu.Unlock()
		if err != nil {
			return ApprovalResponse{}, fmt.Errorf("failed to read input: %w", err)
		}
		c.displayDenied()
		return ApprovalResponse{Approved: false, Reason: "no input provided"}, nil

	case <-ctx.Done():
		c.displayTimeout()
		return ApprovalResponse{Approved: false, Reason: "timeout"}, ctx.Err()
	}
}

// displayApprovalRequest displays the approval request to the user
func (c *CLIApprover) displayApprovalRequest(req ApprovalRequest) {
	fmt.Fprintln(c.writer, "")
	fmt.Fprintln(c.writer, "╔════════════════════════════════════════════════════════════════╗")
	fmt.Fprintln(c.writer, "║              🔐 TOOL APPROVAL REQUIRED                         ║")
	fmt.Fprintln(c.writer, "╚════════════════════════════════════════════════════════════════╝")
	fmt.Fprintln(c.writer, "")
	fmt.Fprintf(c.writer, "  Tool:       %s\n", req.Tool)

	if req.Description != "" {
		fmt.Fprintf(c.writer, "  About:      %s\n", req.Description)
	}

	if req.TurnID != "" {
		fmt.Fprintf(c.writer, "  Turn:       %s\n", req.TurnID)
	}

	if req.Timeout > 0 {
		fmt.Fprintf(c.writer, "  Timeout:    %v\n", req.Timeout)
	}

	if len(req.Arguments) > 0 {
		fmt.Fprintln(c.writer, "  Arguments:")
		keys := make([]string, 0, len(req.Arguments))
		for k := range req.Arguments {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			fmt.Fprintf(c.writer, "    %s: %s\n", k, renderArg(req.Arguments[k]))
		}
	}

	fmt.Fprintln(c.writer, "")
	fmt.Fprint(c.writer, "  Run this tool? [y/N]: ")
}

func renderArg(v interface{}) string {
	if s, ok := v.(string); ok {
		return s
	}
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprintf("%v", v)
	}
	return string(data)
}

// parseInput maps a reply to a decision; anything but yes denies.
func (c *CLIApprover) parseInput(req ApprovalRequest, line string) ApprovalResponse {
	input := strings.TrimSpace(strings.ToLower(line))

	switch input {
	case "y", "yes":
		c.displayApproved()
		c.logger.Info().Str("tool", req.Tool).Msg("Tool approved via CLI")
		return ApprovalResponse{Approved: true, Reason: "approved by user"}

	case "n", "no", "":
		c.displayDenied()
		c.logger.Info().Str("tool", req.Tool).Msg("Tool denied via CLI")
		return ApprovalResponse{Approved: false, Reason: "denied by user"}

	default:
		c.displayInvalidInput(input)
		c.logger.Warn().
			Str("tool", req.Tool).
			Str("input", input).
			Msg("Invalid input for approval")
		return ApprovalResponse{Approved: false, Reason: fmt.Sprintf("invalid input: %s", input)}
	}
}

func (c *CLIApprover) displayApproved() {
	fmt.Fprintln(c.writer, "")
	fmt.Fprintln(c.writer, "  ✅ Tool APPROVED")
	fmt.Fprintln(c.writer, "")
}

func (c *CLIApprover) displayDenied() {
	fmt.Fprintln(c.writer, "")
	fmt.Fprintln(c.writer, "  ❌ Tool DENIED")
	fmt.Fprintln(c.writer, "")
}

func (c *CLIApprover) displayInvalidInput(input string) {
	fmt.Fprintln(c.writer, "")
	fmt.Fprintf(c.writer, "  ⚠️  Invalid input: %s (defaulting to DENY)\n", input)
	fmt.Fprintln(c.writer, "")
}

func (c *CLIApprover) displayTimeout() {
	fmt.Fprintln(c.writer, "")
	fmt.Fprintln(c.writer, "  ⏱️  Approval request TIMED OUT")
	fmt.Fprintln(c.writer, "")
}
