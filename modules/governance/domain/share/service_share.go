package share

import (
	"time"

	"github.com/google/uuid"
)

type Permission string

const (
	PermissionView    Permission = "view"
	PermissionEdit    Permission = "edit"
	PermissionOperate Permission = "operate"
)

func (p Permission) Valid() bool {
	switch p {
	case PermissionView, PermissionEdit, PermissionOperate:
		return true
	}
	return false
}

const (
	ResourceLevelService  = "service"
	ResourceLevelInstance = "instance"
)

const (
	GrantToUser = "user"
	GrantToTeam = "team"
)

// ServiceShare is an ACL grant on a service or a single instance of it.
// Environments nil means unrestricted; a share past its expiry still
// exists in storage but is excluded from resolution.
type ServiceShare struct {
	ID            uuid.UUID    `json:"id"`
	ResourceLevel string       `json:"resource_level"`
	ServiceID     uuid.UUID    `json:"service_id"`
	InstanceID    *uuid.UUID   `json:"instance_id,omitempty"`
	GrantToType   string       `json:"grant_to_type"`
	GrantToID     uuid.UUID    `json:"grant_to_id"`
	Permissions   []Permission `json:"permissions"`
	Environments  []string     `json:"environments,omitempty"`
	GrantedBy     uuid.UUID    `json:"granted_by"`
	CreatedAt     time.Time    `json:"created_at"`
	ExpiresAt     *time.Time   `json:"expires_at,omitempty"`
}

// Grantee is the caller identity a share is resolved against.
type Grantee struct {
	UserID  uuid.UUID
	TeamIDs []uuid.UUID
}

func (s *ServiceShare) Active(asOf time.Time) bool {
	return s.ExpiresAt == nil || s.ExpiresAt.After(asOf)
}

func (s *ServiceShare) AppliesTo(grantee Grantee) bool {
	switch s.GrantToType {
	case GrantToUser:
		return s.GrantToID == grantee.UserID
	case GrantToTeam:
		for _, teamID := range grantee.TeamIDs {
			if s.GrantToID == teamID {
				return true
			}
		}
	}
	return false
}

func (s *ServiceShare) InEnvironment(environment string) bool {
	if s.Environments == nil {
		return true
	}
	for _, env := range s.Environments {
		if env == environment {
			return true
		}
	}
	return false
}

func (s *ServiceShare) coversInstance(instanceID *uuid.UUID) bool {
	if s.ResourceLevel != ResourceLevelInstance {
		return true
	}
	return instanceID != nil && s.InstanceID != nil && *s.InstanceID == *instanceID
}

// Matches is the full resolution predicate: grantee identity, instance
// scope, environment scope and expiry, evaluated at an explicit point in
// time so resolution stays deterministic.
func (s *ServiceShare) Matches(grantee Grantee, environment string, instanceID *uuid.UUID, asOf time.Time) bool {
	return s.AppliesTo(grantee) &&
		s.coversInstance(instanceID) &&
		s.InEnvironment(environment) &&
		s.Active(asOf)
}

// EnvironmentsOverlap reports whether two environment scopes intersect.
// Nil means unrestricted and overlaps everything.
func EnvironmentsOverlap(a, b []string) bool {
	if a == nil || b == nil {
		return true
	}
	for _, x := range a {
		for _, y := range b {
			if x == y {
				return true
			}
		}
	}
	return false
}
