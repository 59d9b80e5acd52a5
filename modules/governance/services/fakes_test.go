package services

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/svcreg/governance/modules/governance/domain/approval"
	"github.com/svcreg/governance/modules/governance/domain/share"
)

// In-memory stores mirroring the persistence contracts, including the
// version-keyed CAS and the decision uniqueness constraint.

type fakeRequestRepo struct {
	mu       sync.Mutex
	requests map[uuid.UUID]*approval.ApprovalRequest
	// casAlwaysFails simulates a store where a concurrent writer wins
	// every round.
	casAlwaysFails bool
}

func newFakeRequestRepo() *fakeRequestRepo {
	return &fakeRequestRepo{requests: make(map[uuid.UUID]*approval.ApprovalRequest)}
}

func cloneRequest(req *approval.ApprovalRequest) *approval.ApprovalRequest {
	out := *req
	out.RequiredGates = append([]approval.Gate(nil), req.RequiredGates...)
	return &out
}

func (f *fakeRequestRepo) Insert(_ context.Context, req *approval.ApprovalRequest) (*approval.ApprovalRequest, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.requests[req.ID] = cloneRequest(req)
	return cloneRequest(req), nil
}

func (f *fakeRequestRepo) GetByID(_ context.Context, id uuid.UUID) (*approval.ApprovalRequest, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	req, ok := f.requests[id]
	if !ok {
		return nil, approval.ErrNotFound
	}
	return cloneRequest(req), nil
}

func (f *fakeRequestRepo) ListPendingByGate(_ context.Context, gate approval.Gate) ([]*approval.ApprovalRequest, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*approval.ApprovalRequest
	for _, req := range f.requests {
		if req.Status == approval.StatusPending && req.RequiresGate(gate) {
			out = append(out, cloneRequest(req))
		}
	}
	return out, nil
}

func (f *fakeRequestRepo) ListByRequester(_ context.Context, requesterUserID uuid.UUID) ([]*approval.ApprovalRequest, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*approval.ApprovalRequest
	for _, req := range f.requests {
		if req.RequesterUserID == requesterUserID {
			out = append(out, cloneRequest(req))
		}
	}
	return out, nil
}

func (f *fakeRequestRepo) ListPendingByService(_ context.Context, serviceID uuid.UUID) ([]*approval.ApprovalRequest, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*approval.ApprovalRequest
	for _, req := range f.requests {
		if req.ServiceID == serviceID && req.Status == approval.StatusPending {
			out = append(out, cloneRequest(req))
		}
	}
	return out, nil
}

func (f *fakeRequestRepo) UpdateStatusIfVersion(_ context.Context, id uuid.UUID, expectedVersion int64, status string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.casAlwaysFails {
		return false, nil
	}
	req, ok := f.requests[id]
	if !ok || req.Version != expectedVersion {
		return false, nil
	}
	req.Status = status
	req.Version++
	req.UpdatedAt = time.Now().UTC()
	return true, nil
}

type fakeDecisionRepo struct {
	mu        sync.Mutex
	decisions []*approval.ApprovalDecision
	keys      map[string]bool
}

func newFakeDecisionRepo() *fakeDecisionRepo {
	return &fakeDecisionRepo{keys: make(map[string]bool)}
}

func (f *fakeDecisionRepo) Insert(_ context.Context, decision *approval.ApprovalDecision) (*approval.ApprovalDecision, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := fmt.Sprintf("%s|%s|%s", decision.RequestID, decision.Gate, decision.ApproverUserID)
	if f.keys[key] {
		return nil, approval.ErrDuplicateDecision
	}
	f.keys[key] = true
	stored := *decision
	f.decisions = append(f.decisions, &stored)
	out := stored
	return &out, nil
}

func (f *fakeDecisionRepo) ListByRequest(_ context.Context, requestID uuid.UUID) ([]*approval.ApprovalDecision, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*approval.ApprovalDecision
	for _, d := range f.decisions {
		if d.RequestID == requestID {
			copied := *d
			out = append(out, &copied)
		}
	}
	return out, nil
}

func (f *fakeDecisionRepo) count(requestID uuid.UUID) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, d := range f.decisions {
		if d.RequestID == requestID {
			n++
		}
	}
	return n
}

type fakeIdentity struct {
	managers map[uuid.UUID]uuid.UUID
	admins   map[uuid.UUID]bool
	teams    map[uuid.UUID][]uuid.UUID
}

func newFakeIdentity() *fakeIdentity {
	return &fakeIdentity{
		managers: make(map[uuid.UUID]uuid.UUID),
		admins:   make(map[uuid.UUID]bool),
		teams:    make(map[uuid.UUID][]uuid.UUID),
	}
}

func (f *fakeIdentity) Manager(_ context.Context, userID uuid.UUID) (uuid.UUID, bool, error) {
	manager, ok := f.managers[userID]
	return manager, ok, nil
}

func (f *fakeIdentity) HasRole(_ context.Context, userID uuid.UUID, role string) (bool, error) {
	return role == RoleSysAdmin && f.admins[userID], nil
}

func (f *fakeIdentity) TeamsOf(_ context.Context, userID uuid.UUID) ([]uuid.UUID, error) {
	return f.teams[userID], nil
}

type fakeDirectory struct {
	mu        sync.Mutex
	owners    map[uuid.UUID]*uuid.UUID
	assignErr error
	assigned  int
}

func newFakeDirectory() *fakeDirectory {
	return &fakeDirectory{owners: make(map[uuid.UUID]*uuid.UUID)}
}

func (f *fakeDirectory) register(serviceID uuid.UUID) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.owners[serviceID] = nil
}

func (f *fakeDirectory) IsOrphan(_ context.Context, serviceID uuid.UUID) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	owner, ok := f.owners[serviceID]
	if !ok {
		return false, fmt.Errorf("service %s not registered", serviceID)
	}
	return owner == nil, nil
}

func (f *fakeDirectory) AssignOwner(_ context.Context, serviceID, teamID uuid.UUID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.assignErr != nil {
		return f.assignErr
	}
	if _, ok := f.owners[serviceID]; !ok {
		return fmt.Errorf("service %s not registered", serviceID)
	}
	owner := teamID
	f.owners[serviceID] = &owner
	f.assigned++
	return nil
}

func (f *fakeDirectory) ownerOf(serviceID uuid.UUID) *uuid.UUID {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.owners[serviceID]
}

type fakeShareRepo struct {
	mu     sync.Mutex
	shares map[uuid.UUID]*share.ServiceShare
}

func newFakeShareRepo() *fakeShareRepo {
	return &fakeShareRepo{shares: make(map[uuid.UUID]*share.ServiceShare)}
}

func cloneShare(s *share.ServiceShare) *share.ServiceShare {
	out := *s
	out.Permissions = append([]share.Permission(nil), s.Permissions...)
	if s.Environments != nil {
		out.Environments = append([]string(nil), s.Environments...)
	}
	return &out
}

func (f *fakeShareRepo) Insert(_ context.Context, s *share.ServiceShare) (*share.ServiceShare, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.shares[s.ID] = cloneShare(s)
	return cloneShare(s), nil
}

func (f *fakeShareRepo) UpdatePermissions(_ context.Context, id uuid.UUID, permissions []share.Permission) (*share.ServiceShare, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.shares[id]
	if !ok {
		return nil, share.ErrNotFound
	}
	s.Permissions = append([]share.Permission(nil), permissions...)
	return cloneShare(s), nil
}

func (f *fakeShareRepo) Delete(_ context.Context, id uuid.UUID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.shares[id]; !ok {
		return share.ErrNotFound
	}
	delete(f.shares, id)
	return nil
}

func (f *fakeShareRepo) ListByService(_ context.Context, serviceID uuid.UUID) ([]*share.ServiceShare, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*share.ServiceShare
	for _, s := range f.shares {
		if s.ServiceID == serviceID {
			out = append(out, cloneShare(s))
		}
	}
	return out, nil
}

func (f *fakeShareRepo) ListForGrantee(_ context.Context, serviceID, userID uuid.UUID, teamIDs []uuid.UUID) ([]*share.ServiceShare, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	teamSet := make(map[uuid.UUID]bool, len(teamIDs))
	for _, id := range teamIDs {
		teamSet[id] = true
	}
	var out []*share.ServiceShare
	for _, s := range f.shares {
		if s.ServiceID != serviceID {
			continue
		}
		if (s.GrantToType == share.GrantToUser && s.GrantToID == userID) ||
			(s.GrantToType == share.GrantToTeam && teamSet[s.GrantToID]) {
			out = append(out, cloneShare(s))
		}
	}
	return out, nil
}
