package toolexecutor

import "context"

// AutoApprover answers every request the same way without user interaction.
type AutoApprover struct {
	Approve bool
}

// RequestApproval implements Approver.
func (a AutoApprover) RequestApproval(_ context.Context, _ ApprovalRequest) (ApprovalResponse, error) {
	if a.Approve {
		return ApprovalResponse{Approved: true, Reason: "auto-approved"}, nil
	}
	return ApprovalResponse{Approved: false, Reason: "auto-denied"}, nil
}
