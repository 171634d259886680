package toolexecutor

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/harun/recall/internal/observability"
	"github.com/rs/zerolog"
)

// DefaultApprovalTimeout bounds how long an Ask tool waits for a decision.
const DefaultApprovalTimeout = 60 * time.Second

// ApprovalRequest represents a request for tool execution approval
type ApprovalRequest struct {
	Tool        string                 `json:"tool"`
	Description string                 `json:"description"`
	Arguments   map[string]interface{} `json:"arguments"`
	TurnID      string                 `json:"turn_id,omitempty"`
	Timeout     time.Duration          `json:"timeout"`
}

// ApprovalResponse represents the response to an approval request
type ApprovalResponse struct {
	Approved bool   `json:"approved"`
	Reason   string `json:"reason"`
}

// Approver decides Ask requests, typically by asking a human.
type Approver interface {
	RequestApproval(ctx context.Context, req ApprovalRequest) (ApprovalResponse, error)
}

// ApproverFunc adapts a function to the Approver interface.
type ApproverFunc func(ctx context.Context, req ApprovalRequest) (ApprovalResponse, error)

// RequestApproval implements Approver.
func (f ApproverFunc) RequestApproval(ctx context.Context, req ApprovalRequest) (ApprovalResponse, error) {
	return f(ctx, req)
}

var errNoApprover = errors.New("no approver configured")

// ApprovalManager runs the approval workflow. Every path that does not end
// in an explicit approval is a denial.
type ApprovalManager struct {
	approver       Approver
	defaultTimeout time.Duration
	logger         zerolog.Logger
}

// NewApprovalManager creates a new approval manager
func NewApprovalManager(approver Approver, timeout time.Duration, logger zerolog.Logger) *ApprovalManager {
	if timeout <= 0 {
		timeout = DefaultApprovalTimeout
	}
	return &ApprovalManager{
		approver:       approver,
		defaultTimeout: timeout,
		logger:         logger,
	}
}

// DefaultTimeout returns the default timeout
func (am *ApprovalManager) DefaultTimeout() time.Duration {
	return am.defaultTimeout
}

// RequestApproval asks the approver and waits at most the request timeout
// (or the default). It returns false with an error on timeout, cancellation,
// approver failure, or when no approver is set.
func (am *ApprovalManager) RequestApproval(ctx context.Context, req ApprovalRequest) (bool, error) {
	if am == nil || am.approver == nil {
		observability.RecordApprovalAudit(ctx, req.Tool, false, errNoApprover.Error())
		return false, errNoApprover
	}

	timeout := req.Timeout
	if timeout <= 0 {
		timeout = am.defaultTimeout
	}
	req.Timeout = timeout

	timeoutCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	am.logger.Info().
		Str("tool", req.Tool).
		Dur("timeout", timeout).
		Msg("Requesting approval")

	responseChan := make(chan ApprovalResponse, 1)
	errorChan := make(chan error, 1)

	go func() {
		response, err := am.approver.RequestApproval(timeoutCtx, req)
		if err != nil {
			errorChan <- err
		} else {
			responseChan <- response
		}
	}()

	select {
	case response := <-responseChan:
		if response.Approved {
			am.logger.Info().
				Str("tool", req.Tool).
				Str("reason", response.Reason).
				Msg("Approval granted")
		} else {
			am.logger.Warn().
				Str("tool", req.Tool).
				Str("reason", response.Reason).
				Msg("Approval denied")
		}
		observability.RecordApprovalAudit(ctx, req.Tool, response.Approved, response.Reason)
		return response.Approved, nil

	case err := <-errorChan:
		if timeoutCtx.Err() != nil {
			return false, am.expired(ctx, timeoutCtx, req, timeout)
		}
		am.logger.Error().
			Err(err).
			Str("tool", req.Tool).
			Msg("Approval request failed")
		observability.RecordApprovalAudit(ctx, req.Tool, false, err.Error())
		return false, fmt.Errorf("approval request failed: %w", err)

	case <-timeoutCtx.Done():
		return false, am.expired(ctx, timeoutCtx, req, timeout)
	}
}

// expired records a request that ran out of time or whose caller went away.
func (am *ApprovalManager) expired(ctx, timeoutCtx context.Context, req ApprovalRequest, timeout time.Duration) error {
	err := timeoutCtx.Err()
	if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
		err = fmt.Errorf("approval request timed out after %v", timeout)
	}
	am.logger.Warn().
		Str("tool", req.Tool).
		Dur("timeout", timeout).
		Err(err).
		Msg("Approval request not answered")
	observability.RecordApprovalAudit(ctx, req.Tool, false, err.Error())
	return err
}
