package services

import (
	"context"
	"errors"
	"net/http"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/svcreg/governance/modules/governance/domain/share"
)

type GrantMode string

const (
	// GrantModeReject refuses a grant that overlaps an existing share for
	// the same grantee.
	GrantModeReject GrantMode = "reject"
	// GrantModeMerge folds the new permissions into the overlapping
	// share instead.
	GrantModeMerge GrantMode = "merge"
)

// ShareService owns the sharing ACL: grants, revocations and
// effective-permission resolution.
type ShareService struct {
	repo share.Repository
	mode GrantMode
	log  *logrus.Logger
}

func NewShareService(repo share.Repository, mode GrantMode, log *logrus.Logger) *ShareService {
	if mode == "" {
		mode = GrantModeReject
	}
	return &ShareService{repo: repo, mode: mode, log: log}
}

type GrantParams struct {
	ServiceID     uuid.UUID
	ResourceLevel string
	InstanceID    *uuid.UUID
	GrantToType   string
	GrantToID     uuid.UUID
	Permissions   []share.Permission
	Environments  []string
	ExpiresAt     *time.Time
	GrantedBy     uuid.UUID
}

// Grant creates a new share or, in merge mode, widens an overlapping one.
func (s *ShareService) Grant(ctx context.Context, params GrantParams) (*share.ServiceShare, error) {
	if err := validateGrant(params); err != nil {
		return nil, err
	}

	existing, err := s.repo.ListByService(ctx, params.ServiceID)
	if err != nil {
		return nil, err
	}
	now := time.Now().UTC()
	for _, current := range existing {
		// Lapsed shares no longer confer access and never block or absorb
		// a new grant; they stay in storage for audit only.
		if !current.Active(now) {
			continue
		}
		if !overlapping(current, params) {
			continue
		}
		if s.mode == GrantModeMerge {
			return s.repo.UpdatePermissions(ctx, current.ID, unionPermissions(current.Permissions, params.Permissions))
		}
		return nil, newServiceError(http.StatusConflict, CodeDuplicateShare, "an overlapping share already exists for this grantee", nil)
	}

	var instanceID *uuid.UUID
	if params.ResourceLevel == share.ResourceLevelInstance {
		instanceID = params.InstanceID
	}
	return s.repo.Insert(ctx, &share.ServiceShare{
		ID:            uuid.New(),
		ResourceLevel: params.ResourceLevel,
		ServiceID:     params.ServiceID,
		InstanceID:    instanceID,
		GrantToType:   params.GrantToType,
		GrantToID:     params.GrantToID,
		Permissions:   unionPermissions(nil, params.Permissions),
		Environments:  normalizeEnvironments(params.Environments),
		GrantedBy:     params.GrantedBy,
		CreatedAt:     now,
		ExpiresAt:     params.ExpiresAt,
	})
}

func (s *ShareService) Revoke(ctx context.Context, shareID uuid.UUID) error {
	if shareID == uuid.Nil {
		return newServiceError(http.StatusBadRequest, CodeInvalidBody, "share_id is required", nil)
	}
	if err := s.repo.Delete(ctx, shareID); err != nil {
		if errors.Is(err, share.ErrNotFound) {
			return newServiceError(http.StatusNotFound, CodeNotFound, "share not found", err)
		}
		return err
	}
	return nil
}

type ResolveQuery struct {
	Caller      AuthorizationContext
	ServiceID   uuid.UUID
	InstanceID  *uuid.UUID
	Environment string
	// AsOf makes expiry evaluation deterministic; zero means now.
	AsOf time.Time
}

// Resolve computes the caller's effective permissions on a resource: the
// union across every matching user- and team-targeted share. An empty
// result is a normal outcome, not an error.
func (s *ShareService) Resolve(ctx context.Context, q ResolveQuery) ([]share.Permission, error) {
	if q.ServiceID == uuid.Nil {
		return nil, newServiceError(http.StatusBadRequest, CodeInvalidBody, "service_id is required", nil)
	}
	if q.Caller.UserID == uuid.Nil {
		return nil, newServiceError(http.StatusBadRequest, CodeInvalidBody, "caller user_id is required", nil)
	}
	asOf := q.AsOf
	if asOf.IsZero() {
		asOf = time.Now().UTC()
	}

	candidates, err := s.repo.ListForGrantee(ctx, q.ServiceID, q.Caller.UserID, q.Caller.TeamIDs)
	if err != nil {
		return nil, err
	}

	grantee := share.Grantee{UserID: q.Caller.UserID, TeamIDs: q.Caller.TeamIDs}
	var granted []share.Permission
	for _, candidate := range candidates {
		if candidate.Matches(grantee, q.Environment, q.InstanceID, asOf) {
			granted = unionPermissions(granted, candidate.Permissions)
		}
	}
	return granted, nil
}

func (s *ShareService) ListForService(ctx context.Context, serviceID uuid.UUID) ([]*share.ServiceShare, error) {
	if serviceID == uuid.Nil {
		return nil, newServiceError(http.StatusBadRequest, CodeInvalidBody, "service_id is required", nil)
	}
	return s.repo.ListByService(ctx, serviceID)
}

func validateGrant(params GrantParams) error {
	if params.ServiceID == uuid.Nil {
		return newServiceError(http.StatusBadRequest, CodeInvalidBody, "service_id is required", nil)
	}
	if params.GrantToID == uuid.Nil {
		return newServiceError(http.StatusBadRequest, CodeInvalidBody, "grant_to_id is required", nil)
	}
	if params.GrantedBy == uuid.Nil {
		return newServiceError(http.StatusBadRequest, CodeInvalidBody, "granted_by is required", nil)
	}
	switch params.GrantToType {
	case share.GrantToUser, share.GrantToTeam:
	default:
		return newServiceError(http.StatusBadRequest, CodeInvalidBody, "grant_to_type must be user or team", nil)
	}
	switch params.ResourceLevel {
	case share.ResourceLevelService:
	case share.ResourceLevelInstance:
		if params.InstanceID == nil || *params.InstanceID == uuid.Nil {
			return newServiceError(http.StatusBadRequest, CodeInvalidBody, "instance_id is required for instance-level shares", nil)
		}
	default:
		return newServiceError(http.StatusBadRequest, CodeInvalidBody, "resource_level must be service or instance", nil)
	}
	if len(params.Permissions) == 0 {
		return newServiceError(http.StatusBadRequest, CodeInvalidBody, "permissions must not be empty", nil)
	}
	for _, p := range params.Permissions {
		if !p.Valid() {
			return newServiceError(http.StatusBadRequest, CodeInvalidBody, "unknown permission "+string(p), nil)
		}
	}
	return nil
}

// overlapping reports whether an existing share covers the same grantee,
// resource and an intersecting environment scope as the new grant.
func overlapping(current *share.ServiceShare, params GrantParams) bool {
	if current.GrantToType != params.GrantToType || current.GrantToID != params.GrantToID {
		return false
	}
	if current.ResourceLevel != params.ResourceLevel {
		return false
	}
	if current.ResourceLevel == share.ResourceLevelInstance {
		if current.InstanceID == nil || params.InstanceID == nil || *current.InstanceID != *params.InstanceID {
			return false
		}
	}
	return share.EnvironmentsOverlap(current.Environments, normalizeEnvironments(params.Environments))
}

func unionPermissions(base, extra []share.Permission) []share.Permission {
	seen := make(map[share.Permission]bool, len(base)+len(extra))
	for _, p := range base {
		seen[p] = true
	}
	for _, p := range extra {
		seen[p] = true
	}
	out := make([]share.Permission, 0, len(seen))
	for p := range seen {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// normalizeEnvironments maps an empty list to nil: the filter semantics
// are "nil means unrestricted", never "empty means none".
func normalizeEnvironments(envs []string) []string {
	if len(envs) == 0 {
		return nil
	}
	seen := make(map[string]bool, len(envs))
	out := make([]string, 0, len(envs))
	for _, env := range envs {
		if env == "" || seen[env] {
			continue
		}
		seen[env] = true
		out = append(out, env)
	}
	if len(out) == 0 {
		return nil
	}
	sort.Strings(out)
	return out
}
