package share

import (
	"context"
	"errors"

	"github.com/google/uuid"
)

var ErrNotFound = errors.New("share: not found")

type Repository interface {
	Insert(ctx context.Context, s *ServiceShare) (*ServiceShare, error)
	// UpdatePermissions replaces the permission set of an existing share
	// (merge-mode grants).
	UpdatePermissions(ctx context.Context, id uuid.UUID, permissions []Permission) (*ServiceShare, error)
	Delete(ctx context.Context, id uuid.UUID) error
	ListByService(ctx context.Context, serviceID uuid.UUID) ([]*ServiceShare, error)
	// ListForGrantee narrows by identity only; environment and expiry
	// filtering stays in the pure domain predicate.
	ListForGrantee(ctx context.Context, serviceID, userID uuid.UUID, teamIDs []uuid.UUID) ([]*ServiceShare, error)
}
