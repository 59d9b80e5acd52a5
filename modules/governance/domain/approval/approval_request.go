package approval

import (
	"time"

	"github.com/google/uuid"
)

const (
	StatusPending   = "pending"
	StatusApproved  = "approved"
	StatusRejected  = "rejected"
	StatusCancelled = "cancelled"
)

const (
	DecisionApprove = "approve"
	DecisionReject  = "reject"
)

// Gate is a named authorization checkpoint that must independently sign
// off on a claim.
type Gate string

const (
	GateLineManager Gate = "line_manager"
	GateSysAdmin    Gate = "sys_admin"
)

func (g Gate) Valid() bool {
	switch g {
	case GateLineManager, GateSysAdmin:
		return true
	}
	return false
}

func ValidDecision(decision string) bool {
	return decision == DecisionApprove || decision == DecisionReject
}

// ApprovalRequest is a claim on an orphan service. Status transitions are
// monotonic: pending is the only non-terminal state, and a resolved
// request is never mutated or deleted.
type ApprovalRequest struct {
	ID              uuid.UUID `json:"id"`
	ServiceID       uuid.UUID `json:"service_id"`
	TargetTeamID    uuid.UUID `json:"target_team_id"`
	RequesterUserID uuid.UUID `json:"requester_user_id"`
	Status          string    `json:"status"`
	RequiredGates   []Gate    `json:"required_gates"`
	Version         int64     `json:"version"`
	CreatedAt       time.Time `json:"created_at"`
	UpdatedAt       time.Time `json:"updated_at"`
}

func (r *ApprovalRequest) Terminal() bool {
	return r.Status != StatusPending
}

func (r *ApprovalRequest) RequiresGate(g Gate) bool {
	for _, gate := range r.RequiredGates {
		if gate == g {
			return true
		}
	}
	return false
}

// ApprovalDecision is a single gate vote. At most one exists per
// (request, gate, approver); decisions are insert-only and retained for
// audit even when the owning request is cancelled.
type ApprovalDecision struct {
	ID             uuid.UUID `json:"id"`
	RequestID      uuid.UUID `json:"request_id"`
	Gate           Gate      `json:"gate"`
	ApproverUserID uuid.UUID `json:"approver_user_id"`
	Decision       string    `json:"decision"`
	DecidedAt      time.Time `json:"decided_at"`
}
