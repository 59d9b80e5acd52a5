package controllers

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"

	"github.com/svcreg/governance/modules/governance/domain/approval"
	"github.com/svcreg/governance/modules/governance/domain/share"
	"github.com/svcreg/governance/modules/governance/services"
	"github.com/svcreg/governance/pkg/application"
	"github.com/svcreg/governance/pkg/httpapi"
)

// The acting user is injected by the fronting gateway after
// authentication; the control plane never sees credentials.
const userIDHeader = "X-User-Id"

type GovernanceAPIController struct {
	app       application.Application
	workflow  *services.WorkflowService
	shares    *services.ShareService
	identity  services.IdentityProjection
	apiPrefix string
}

func NewGovernanceAPIController(app application.Application, identity services.IdentityProjection) application.Controller {
	return &GovernanceAPIController{
		app:       app,
		workflow:  app.Service(services.WorkflowService{}).(*services.WorkflowService),
		shares:    app.Service(services.ShareService{}).(*services.ShareService),
		identity:  identity,
		apiPrefix: "/governance/api",
	}
}

func (c *GovernanceAPIController) Key() string {
	return c.apiPrefix
}

func (c *GovernanceAPIController) Register(r *mux.Router) {
	api := r.PathPrefix(c.apiPrefix).Subrouter()

	api.HandleFunc("/requests", c.SubmitClaim).Methods(http.MethodPost)
	api.HandleFunc("/requests", c.ListRequests).Methods(http.MethodGet)
	api.HandleFunc("/requests/{id}", c.GetRequest).Methods(http.MethodGet)
	api.HandleFunc("/requests/{id}/decisions", c.RecordDecision).Methods(http.MethodPost)
	api.HandleFunc("/requests/{id}/decisions", c.ListDecisions).Methods(http.MethodGet)
	api.HandleFunc("/requests/{id}:cancel", c.CancelRequest).Methods(http.MethodPost)

	api.HandleFunc("/shares", c.Grant).Methods(http.MethodPost)
	api.HandleFunc("/shares", c.ListShares).Methods(http.MethodGet)
	api.HandleFunc("/shares/{id}", c.Revoke).Methods(http.MethodDelete)
	api.HandleFunc("/permissions", c.ResolvePermissions).Methods(http.MethodGet)
}

func callerID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(r.Header.Get(userIDHeader))
	if err != nil || id == uuid.Nil {
		_ = httpapi.WriteError(w, http.StatusUnauthorized, services.CodeInvalidBody, "missing or invalid "+userIDHeader+" header", nil)
		return uuid.Nil, false
	}
	return id, true
}

func pathID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(mux.Vars(r)["id"])
	if err != nil {
		_ = httpapi.WriteError(w, http.StatusBadRequest, services.CodeInvalidBody, "invalid id in path", nil)
		return uuid.Nil, false
	}
	return id, true
}

func decodeBody(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		_ = httpapi.WriteError(w, http.StatusBadRequest, services.CodeInvalidBody, "malformed request body", nil)
		return false
	}
	return true
}

// writeServiceError translates service failures into the error envelope.
// A request snapshot may accompany a side-effect failure, so callers that
// have one should not use this helper.
func writeServiceError(w http.ResponseWriter, err error) {
	var svcErr *services.ServiceError
	if errors.As(err, &svcErr) {
		_ = httpapi.WriteError(w, svcErr.Status, svcErr.Code, svcErr.Message, nil)
		return
	}
	_ = httpapi.WriteError(w, http.StatusInternalServerError, "GOV_INTERNAL", "internal error", nil)
}

type submitClaimRequest struct {
	ServiceID    uuid.UUID `json:"service_id"`
	TargetTeamID uuid.UUID `json:"target_team_id"`
}

func (c *GovernanceAPIController) SubmitClaim(w http.ResponseWriter, r *http.Request) {
	caller, ok := callerID(w, r)
	if !ok {
		return
	}
	var body submitClaimRequest
	if !decodeBody(w, r, &body) {
		return
	}

	req, err := c.workflow.SubmitClaim(r.Context(), body.ServiceID, body.TargetTeamID, caller)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	_ = httpapi.WriteJSON(w, http.StatusCreated, req)
}

func (c *GovernanceAPIController) GetRequest(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	req, err := c.workflow.GetByID(r.Context(), id)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	_ = httpapi.WriteJSON(w, http.StatusOK, req)
}

// ListRequests serves two inbox views: pending requests awaiting a gate
// (?gate=) and the caller's own claims (?mine=true).
func (c *GovernanceAPIController) ListRequests(w http.ResponseWriter, r *http.Request) {
	if gate := r.URL.Query().Get("gate"); gate != "" {
		reqs, err := c.workflow.ListPendingByGate(r.Context(), approval.Gate(gate))
		if err != nil {
			writeServiceError(w, err)
			return
		}
		_ = httpapi.WriteJSON(w, http.StatusOK, reqs)
		return
	}

	caller, ok := callerID(w, r)
	if !ok {
		return
	}
	reqs, err := c.workflow.ListByRequester(r.Context(), caller)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	_ = httpapi.WriteJSON(w, http.StatusOK, reqs)
}

type recordDecisionRequest struct {
	Gate     string `json:"gate"`
	Decision string `json:"decision"`
}

type decisionResponse struct {
	Request *approval.ApprovalRequest `json:"request"`
	Warning string                    `json:"warning,omitempty"`
}

func (c *GovernanceAPIController) RecordDecision(w http.ResponseWriter, r *http.Request) {
	caller, ok := callerID(w, r)
	if !ok {
		return
	}
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	var body recordDecisionRequest
	if !decodeBody(w, r, &body) {
		return
	}

	req, err := c.workflow.RecordDecision(r.Context(), id, approval.Gate(body.Gate), caller, body.Decision)
	if err != nil {
		var svcErr *services.ServiceError
		// An approval with a failed ownership assignment still resolved;
		// surface the snapshot with a warning instead of a bare error.
		if errors.As(err, &svcErr) && svcErr.Code == services.CodeSideEffect && req != nil {
			_ = httpapi.WriteJSON(w, http.StatusOK, decisionResponse{Request: req, Warning: svcErr.Message})
			return
		}
		writeServiceError(w, err)
		return
	}
	_ = httpapi.WriteJSON(w, http.StatusOK, decisionResponse{Request: req})
}

func (c *GovernanceAPIController) ListDecisions(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	decisions, err := c.workflow.ListDecisions(r.Context(), id)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	_ = httpapi.WriteJSON(w, http.StatusOK, decisions)
}

func (c *GovernanceAPIController) CancelRequest(w http.ResponseWriter, r *http.Request) {
	caller, ok := callerID(w, r)
	if !ok {
		return
	}
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	req, err := c.workflow.Cancel(r.Context(), id, caller)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	_ = httpapi.WriteJSON(w, http.StatusOK, req)
}

type grantRequest struct {
	ServiceID     uuid.UUID          `json:"service_id"`
	ResourceLevel string             `json:"resource_level"`
	InstanceID    *uuid.UUID         `json:"instance_id"`
	GrantToType   string             `json:"grant_to_type"`
	GrantToID     uuid.UUID          `json:"grant_to_id"`
	Permissions   []share.Permission `json:"permissions"`
	Environments  []string           `json:"environments"`
	ExpiresAt     *time.Time         `json:"expires_at"`
}

func (c *GovernanceAPIController) Grant(w http.ResponseWriter, r *http.Request) {
	caller, ok := callerID(w, r)
	if !ok {
		return
	}
	var body grantRequest
	if !decodeBody(w, r, &body) {
		return
	}

	granted, err := c.shares.Grant(r.Context(), services.GrantParams{
		ServiceID:     body.ServiceID,
		ResourceLevel: body.ResourceLevel,
		InstanceID:    body.InstanceID,
		GrantToType:   body.GrantToType,
		GrantToID:     body.GrantToID,
		Permissions:   body.Permissions,
		Environments:  body.Environments,
		ExpiresAt:     body.ExpiresAt,
		GrantedBy:     caller,
	})
	if err != nil {
		writeServiceError(w, err)
		return
	}
	_ = httpapi.WriteJSON(w, http.StatusCreated, granted)
}

func (c *GovernanceAPIController) ListShares(w http.ResponseWriter, r *http.Request) {
	serviceID, err := uuid.Parse(r.URL.Query().Get("service_id"))
	if err != nil {
		_ = httpapi.WriteError(w, http.StatusBadRequest, services.CodeInvalidBody, "service_id query parameter is required", nil)
		return
	}
	shares, err := c.shares.ListForService(r.Context(), serviceID)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	_ = httpapi.WriteJSON(w, http.StatusOK, shares)
}

func (c *GovernanceAPIController) Revoke(w http.ResponseWriter, r *http.Request) {
	if _, ok := callerID(w, r); !ok {
		return
	}
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	if err := c.shares.Revoke(r.Context(), id); err != nil {
		writeServiceError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type resolveResponse struct {
	ServiceID   uuid.UUID          `json:"service_id"`
	InstanceID  *uuid.UUID         `json:"instance_id,omitempty"`
	Environment string             `json:"environment,omitempty"`
	AsOf        time.Time          `json:"as_of"`
	Permissions []share.Permission `json:"permissions"`
}

func (c *GovernanceAPIController) ResolvePermissions(w http.ResponseWriter, r *http.Request) {
	caller, ok := callerID(w, r)
	if !ok {
		return
	}
	serviceID, err := uuid.Parse(r.URL.Query().Get("service_id"))
	if err != nil {
		_ = httpapi.WriteError(w, http.StatusBadRequest, services.CodeInvalidBody, "service_id query parameter is required", nil)
		return
	}

	var instanceID *uuid.UUID
	if raw := r.URL.Query().Get("instance_id"); raw != "" {
		id, err := uuid.Parse(raw)
		if err != nil {
			_ = httpapi.WriteError(w, http.StatusBadRequest, services.CodeInvalidBody, "instance_id is invalid", nil)
			return
		}
		instanceID = &id
	}

	asOf := time.Now().UTC()
	if raw := r.URL.Query().Get("as_of"); raw != "" {
		parsed, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			_ = httpapi.WriteError(w, http.StatusBadRequest, services.CodeInvalidBody, "as_of must be RFC 3339", nil)
			return
		}
		asOf = parsed.UTC()
	}

	authz, err := services.ResolveAuthorizationContext(r.Context(), c.identity, caller)
	if err != nil {
		writeServiceError(w, err)
		return
	}

	environment := r.URL.Query().Get("environment")
	permissions, err := c.shares.Resolve(r.Context(), services.ResolveQuery{
		Caller:      authz,
		ServiceID:   serviceID,
		InstanceID:  instanceID,
		Environment: environment,
		AsOf:        asOf,
	})
	if err != nil {
		writeServiceError(w, err)
		return
	}
	if permissions == nil {
		permissions = []share.Permission{}
	}
	_ = httpapi.WriteJSON(w, http.StatusOK, resolveResponse{
		ServiceID:   serviceID,
		InstanceID:  instanceID,
		Environment: environment,
		AsOf:        asOf,
		Permissions: permissions,
	})
}
