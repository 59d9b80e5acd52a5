package controllers

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"

	"github.com/svcreg/governance/modules/governance/domain/approval"
	"github.com/svcreg/governance/modules/governance/domain/share"
	"github.com/svcreg/governance/modules/governance/services"
	"github.com/svcreg/governance/pkg/application"
	"github.com/svcreg/governance/pkg/httpapi"
)

type memRequestRepo struct {
	requests map[uuid.UUID]*approval.ApprovalRequest
}

func (m *memRequestRepo) Insert(_ context.Context, req *approval.ApprovalRequest) (*approval.ApprovalRequest, error) {
	stored := *req
	m.requests[req.ID] = &stored
	return req, nil
}

func (m *memRequestRepo) GetByID(_ context.Context, id uuid.UUID) (*approval.ApprovalRequest, error) {
	req, ok := m.requests[id]
	if !ok {
		return nil, approval.ErrNotFound
	}
	out := *req
	return &out, nil
}

func (m *memRequestRepo) ListPendingByGate(_ context.Context, gate approval.Gate) ([]*approval.ApprovalRequest, error) {
	var out []*approval.ApprovalRequest
	for _, req := range m.requests {
		if req.Status == approval.StatusPending && req.RequiresGate(gate) {
			copied := *req
			out = append(out, &copied)
		}
	}
	return out, nil
}

func (m *memRequestRepo) ListByRequester(_ context.Context, requesterUserID uuid.UUID) ([]*approval.ApprovalRequest, error) {
	var out []*approval.ApprovalRequest
	for _, req := range m.requests {
		if req.RequesterUserID == requesterUserID {
			copied := *req
			out = append(out, &copied)
		}
	}
	return out, nil
}

func (m *memRequestRepo) ListPendingByService(_ context.Context, serviceID uuid.UUID) ([]*approval.ApprovalRequest, error) {
	return nil, nil
}

func (m *memRequestRepo) UpdateStatusIfVersion(_ context.Context, id uuid.UUID, expectedVersion int64, status string) (bool, error) {
	req, ok := m.requests[id]
	if !ok || req.Version != expectedVersion {
		return false, nil
	}
	req.Status = status
	req.Version++
	return true, nil
}

type memDecisionRepo struct {
	decisions []*approval.ApprovalDecision
}

func (m *memDecisionRepo) Insert(_ context.Context, d *approval.ApprovalDecision) (*approval.ApprovalDecision, error) {
	stored := *d
	m.decisions = append(m.decisions, &stored)
	return d, nil
}

func (m *memDecisionRepo) ListByRequest(_ context.Context, requestID uuid.UUID) ([]*approval.ApprovalDecision, error) {
	var out []*approval.ApprovalDecision
	for _, d := range m.decisions {
		if d.RequestID == requestID {
			copied := *d
			out = append(out, &copied)
		}
	}
	return out, nil
}

type memIdentity struct {
	admins map[uuid.UUID]bool
	teams  map[uuid.UUID][]uuid.UUID
}

func (m *memIdentity) Manager(_ context.Context, _ uuid.UUID) (uuid.UUID, bool, error) {
	return uuid.Nil, false, nil
}

func (m *memIdentity) HasRole(_ context.Context, userID uuid.UUID, role string) (bool, error) {
	return role == services.RoleSysAdmin && m.admins[userID], nil
}

func (m *memIdentity) TeamsOf(_ context.Context, userID uuid.UUID) ([]uuid.UUID, error) {
	return m.teams[userID], nil
}

type memDirectory struct {
	orphans map[uuid.UUID]bool
}

func (m *memDirectory) IsOrphan(_ context.Context, serviceID uuid.UUID) (bool, error) {
	return m.orphans[serviceID], nil
}

func (m *memDirectory) AssignOwner(_ context.Context, serviceID, _ uuid.UUID) error {
	m.orphans[serviceID] = false
	return nil
}

type memShareRepo struct {
	shares map[uuid.UUID]*share.ServiceShare
}

func (m *memShareRepo) Insert(_ context.Context, s *share.ServiceShare) (*share.ServiceShare, error) {
	stored := *s
	m.shares[s.ID] = &stored
	return s, nil
}

func (m *memShareRepo) UpdatePermissions(_ context.Context, id uuid.UUID, permissions []share.Permission) (*share.ServiceShare, error) {
	s, ok := m.shares[id]
	if !ok {
		return nil, share.ErrNotFound
	}
	s.Permissions = permissions
	out := *s
	return &out, nil
}

func (m *memShareRepo) Delete(_ context.Context, id uuid.UUID) error {
	if _, ok := m.shares[id]; !ok {
		return share.ErrNotFound
	}
	delete(m.shares, id)
	return nil
}

func (m *memShareRepo) ListByService(_ context.Context, serviceID uuid.UUID) ([]*share.ServiceShare, error) {
	var out []*share.ServiceShare
	for _, s := range m.shares {
		if s.ServiceID == serviceID {
			copied := *s
			out = append(out, &copied)
		}
	}
	return out, nil
}

func (m *memShareRepo) ListForGrantee(_ context.Context, serviceID, userID uuid.UUID, teamIDs []uuid.UUID) ([]*share.ServiceShare, error) {
	teamSet := make(map[uuid.UUID]bool, len(teamIDs))
	for _, id := range teamIDs {
		teamSet[id] = true
	}
	var out []*share.ServiceShare
	for _, s := range m.shares {
		if s.ServiceID != serviceID {
			continue
		}
		if (s.GrantToType == share.GrantToUser && s.GrantToID == userID) ||
			(s.GrantToType == share.GrantToTeam && teamSet[s.GrantToID]) {
			copied := *s
			out = append(out, &copied)
		}
	}
	return out, nil
}

type apiFixture struct {
	router    *mux.Router
	identity  *memIdentity
	directory *memDirectory
}

func newAPIFixture(t *testing.T) *apiFixture {
	t.Helper()
	log := logrus.New()
	log.SetOutput(io.Discard)

	identity := &memIdentity{
		admins: make(map[uuid.UUID]bool),
		teams:  make(map[uuid.UUID][]uuid.UUID),
	}
	directory := &memDirectory{orphans: make(map[uuid.UUID]bool)}

	app := application.New(&application.ApplicationOptions{})
	app.RegisterServices(
		services.NewWorkflowService(services.WorkflowServiceOptions{
			Requests:  &memRequestRepo{requests: make(map[uuid.UUID]*approval.ApprovalRequest)},
			Decisions: &memDecisionRepo{},
			Identity:  identity,
			Directory: directory,
			Logger:    log,
		}),
		services.NewShareService(&memShareRepo{shares: make(map[uuid.UUID]*share.ServiceShare)}, services.GrantModeReject, log),
	)

	router := mux.NewRouter()
	NewGovernanceAPIController(app, identity).Register(router)
	return &apiFixture{router: router, identity: identity, directory: directory}
}

func (f *apiFixture) do(t *testing.T, method, path string, caller uuid.UUID, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(encoded)
	}
	req := httptest.NewRequest(method, path, reader)
	if caller != uuid.Nil {
		req.Header.Set("X-User-Id", caller.String())
	}
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)
	return rec
}

func TestAPI_RequiresCallerHeader(t *testing.T) {
	f := newAPIFixture(t)
	rec := f.do(t, http.MethodPost, "/governance/api/requests", uuid.Nil, map[string]string{})
	require.Equal(t, http.StatusUnauthorized, rec.Code)

	var envelope httpapi.ErrorEnvelope
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &envelope))
	require.Equal(t, services.CodeInvalidBody, envelope.Code)
}

func TestAPI_ClaimLifecycle(t *testing.T) {
	f := newAPIFixture(t)
	requester := uuid.New()
	admin := uuid.New()
	f.identity.admins[admin] = true
	serviceID := uuid.New()
	f.directory.orphans[serviceID] = true

	rec := f.do(t, http.MethodPost, "/governance/api/requests", requester, map[string]string{
		"service_id":     serviceID.String(),
		"target_team_id": uuid.New().String(),
	})
	require.Equal(t, http.StatusCreated, rec.Code)

	var created approval.ApprovalRequest
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &created))
	require.Equal(t, approval.StatusPending, created.Status)

	// The request shows up in the sys_admin inbox.
	rec = f.do(t, http.MethodGet, "/governance/api/requests?gate=sys_admin", uuid.Nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var inbox []approval.ApprovalRequest
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &inbox))
	require.Len(t, inbox, 1)

	rec = f.do(t, http.MethodPost, "/governance/api/requests/"+created.ID.String()+"/decisions", admin, map[string]string{
		"gate":     "sys_admin",
		"decision": "approve",
	})
	require.Equal(t, http.StatusOK, rec.Code)

	var resolved decisionResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resolved))
	require.Equal(t, approval.StatusApproved, resolved.Request.Status)
	require.Empty(t, resolved.Warning)

	// A second claim on the now-owned service is refused.
	rec = f.do(t, http.MethodPost, "/governance/api/requests", requester, map[string]string{
		"service_id":     serviceID.String(),
		"target_team_id": uuid.New().String(),
	})
	require.Equal(t, http.StatusConflict, rec.Code)
}

func TestAPI_ShareLifecycle(t *testing.T) {
	f := newAPIFixture(t)
	owner := uuid.New()
	grantee := uuid.New()
	serviceID := uuid.New()

	rec := f.do(t, http.MethodPost, "/governance/api/shares", owner, map[string]any{
		"service_id":     serviceID.String(),
		"resource_level": "service",
		"grant_to_type":  "user",
		"grant_to_id":    grantee.String(),
		"permissions":    []string{"view", "edit"},
	})
	require.Equal(t, http.StatusCreated, rec.Code)

	var granted share.ServiceShare
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &granted))

	rec = f.do(t, http.MethodGet, "/governance/api/permissions?service_id="+serviceID.String(), grantee, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var resolved resolveResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resolved))
	require.Equal(t, []share.Permission{share.PermissionEdit, share.PermissionView}, resolved.Permissions)

	// Someone without a share resolves to nothing, not an error.
	rec = f.do(t, http.MethodGet, "/governance/api/permissions?service_id="+serviceID.String(), uuid.New(), nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resolved))
	require.Empty(t, resolved.Permissions)

	rec = f.do(t, http.MethodDelete, "/governance/api/shares/"+granted.ID.String(), owner, nil)
	require.Equal(t, http.StatusNoContent, rec.Code)

	rec = f.do(t, http.MethodDelete, "/governance/api/shares/"+granted.ID.String(), owner, nil)
	require.Equal(t, http.StatusNotFound, rec.Code)
}
