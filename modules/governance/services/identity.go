package services

import (
	"context"

	"github.com/google/uuid"
)

// RoleSysAdmin is the identity-provider role that satisfies the sys_admin
// gate.
const RoleSysAdmin = "sys_admin"

// IdentityProjection is the read-only view of the periodically-synced
// identity cache: users, team memberships, manager relationships, roles.
type IdentityProjection interface {
	Manager(ctx context.Context, userID uuid.UUID) (uuid.UUID, bool, error)
	HasRole(ctx context.Context, userID uuid.UUID, role string) (bool, error)
	TeamsOf(ctx context.Context, userID uuid.UUID) ([]uuid.UUID, error)
}

// ServiceDirectory is the registry's ownership surface. AssignOwner is
// invoked only after a request reaches approved and is idempotently
// retryable by the registry.
type ServiceDirectory interface {
	IsOrphan(ctx context.Context, serviceID uuid.UUID) (bool, error)
	AssignOwner(ctx context.Context, serviceID, teamID uuid.UUID) error
}

// AuthorizationContext carries the caller attributes every authorization
// rule needs, resolved once per call chain instead of re-derived per
// query.
type AuthorizationContext struct {
	UserID  uuid.UUID
	TeamIDs []uuid.UUID
	Roles   []string
}

func (a AuthorizationContext) HasRole(role string) bool {
	for _, r := range a.Roles {
		if r == role {
			return true
		}
	}
	return false
}

// ResolveAuthorizationContext materializes the caller's attributes from
// the identity projection.
func ResolveAuthorizationContext(ctx context.Context, identity IdentityProjection, userID uuid.UUID) (AuthorizationContext, error) {
	teamIDs, err := identity.TeamsOf(ctx, userID)
	if err != nil {
		return AuthorizationContext{}, err
	}
	ac := AuthorizationContext{UserID: userID, TeamIDs: teamIDs}
	isAdmin, err := identity.HasRole(ctx, userID, RoleSysAdmin)
	if err != nil {
		return AuthorizationContext{}, err
	}
	if isAdmin {
		ac.Roles = append(ac.Roles, RoleSysAdmin)
	}
	return ac, nil
}
