package approval

import (
	"context"
	"errors"

	"github.com/google/uuid"
)

var (
	ErrNotFound = errors.New("approval: request not found")
	// ErrDuplicateDecision is raised by the store-enforced uniqueness
	// constraint on (request, gate, approver), which keeps duplicate-vote
	// rejection race-free.
	ErrDuplicateDecision = errors.New("approval: duplicate decision")
)

type RequestRepository interface {
	Insert(ctx context.Context, req *ApprovalRequest) (*ApprovalRequest, error)
	GetByID(ctx context.Context, id uuid.UUID) (*ApprovalRequest, error)
	ListPendingByGate(ctx context.Context, gate Gate) ([]*ApprovalRequest, error)
	ListByRequester(ctx context.Context, requesterUserID uuid.UUID) ([]*ApprovalRequest, error)
	ListPendingByService(ctx context.Context, serviceID uuid.UUID) ([]*ApprovalRequest, error)
	// UpdateStatusIfVersion performs the compare-and-swap transition: it
	// sets (status, updated_at, version+1) only when the stored version
	// still equals expectedVersion, and reports whether a row was updated.
	UpdateStatusIfVersion(ctx context.Context, id uuid.UUID, expectedVersion int64, status string) (bool, error)
}

type DecisionRepository interface {
	Insert(ctx context.Context, decision *ApprovalDecision) (*ApprovalDecision, error)
	ListByRequest(ctx context.Context, requestID uuid.UUID) ([]*ApprovalDecision, error)
}
