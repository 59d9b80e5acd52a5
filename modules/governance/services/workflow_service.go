package services

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/svcreg/governance/modules/governance/domain/approval"
	"github.com/svcreg/governance/modules/governance/domain/events"
	"github.com/svcreg/governance/pkg/eventbus"
)

const defaultCASRetries = 4

// How many times a single sibling cancellation is attempted before the
// failure is logged and skipped. The winning approval is never rolled
// back on a partial cancellation.
const siblingCancelAttempts = 2

type WorkflowServiceOptions struct {
	Requests  approval.RequestRepository
	Decisions approval.DecisionRepository
	Identity  IdentityProjection
	Directory ServiceDirectory
	Bus       eventbus.EventBus
	Logger    *logrus.Logger
	// CASRetries bounds the optimistic transition loop; zero means the
	// default budget.
	CASRetries int
	// SysAdminGateDisabled drops the sys_admin gate from new claims,
	// leaving only the line-manager gate.
	SysAdminGateDisabled bool
}

// WorkflowService orchestrates claim submission, vote recording,
// gate-satisfaction evaluation and the compare-and-swap status
// transition. The version-keyed CAS in the request store is the only
// synchronization mechanism; there is no process-local lock.
type WorkflowService struct {
	requests             approval.RequestRepository
	decisions            approval.DecisionRepository
	identity             IdentityProjection
	directory            ServiceDirectory
	bus                  eventbus.EventBus
	log                  *logrus.Logger
	casRetries           int
	sysAdminGateDisabled bool
}

func NewWorkflowService(opts WorkflowServiceOptions) *WorkflowService {
	retries := opts.CASRetries
	if retries <= 0 {
		retries = defaultCASRetries
	}
	return &WorkflowService{
		requests:             opts.Requests,
		decisions:            opts.Decisions,
		identity:             opts.Identity,
		directory:            opts.Directory,
		bus:                  opts.Bus,
		log:                  opts.Logger,
		casRetries:           retries,
		sysAdminGateDisabled: opts.SysAdminGateDisabled,
	}
}

// SubmitClaim opens an ownership claim on an orphan service. The orphan
// check runs against the directory's current state, never a cached view.
func (s *WorkflowService) SubmitClaim(ctx context.Context, serviceID, targetTeamID, requesterUserID uuid.UUID) (*approval.ApprovalRequest, error) {
	if serviceID == uuid.Nil {
		return nil, newServiceError(http.StatusBadRequest, CodeInvalidBody, "service_id is required", nil)
	}
	if targetTeamID == uuid.Nil {
		return nil, newServiceError(http.StatusBadRequest, CodeInvalidBody, "target_team_id is required", nil)
	}
	if requesterUserID == uuid.Nil {
		return nil, newServiceError(http.StatusBadRequest, CodeInvalidBody, "requester_user_id is required", nil)
	}

	orphan, err := s.directory.IsOrphan(ctx, serviceID)
	if err != nil {
		return nil, err
	}
	if !orphan {
		return nil, newServiceError(http.StatusConflict, CodeInvalidTarget, "service already has an owning team", nil)
	}

	gates, err := s.requiredGates(ctx, requesterUserID)
	if err != nil {
		return nil, err
	}
	if len(gates) == 0 {
		return nil, newServiceError(http.StatusUnprocessableEntity, CodeInvalidTarget, "no approval gates applicable for requester", nil)
	}

	now := time.Now().UTC()
	return s.requests.Insert(ctx, &approval.ApprovalRequest{
		ID:              uuid.New(),
		ServiceID:       serviceID,
		TargetTeamID:    targetTeamID,
		RequesterUserID: requesterUserID,
		Status:          approval.StatusPending,
		RequiredGates:   gates,
		Version:         1,
		CreatedAt:       now,
		UpdatedAt:       now,
	})
}

func (s *WorkflowService) requiredGates(ctx context.Context, requesterUserID uuid.UUID) ([]approval.Gate, error) {
	var gates []approval.Gate
	if _, hasManager, err := s.identity.Manager(ctx, requesterUserID); err != nil {
		return nil, err
	} else if hasManager {
		gates = append(gates, approval.GateLineManager)
	}
	if !s.sysAdminGateDisabled {
		gates = append(gates, approval.GateSysAdmin)
	}
	return gates, nil
}

// RecordDecision persists a gate vote and re-evaluates the request. When
// the vote resolves the request to approved, the returned snapshot is
// valid even if the error is a GOV_SIDE_EFFECT: the approval itself is
// authoritative and the ownership assignment is retryable externally.
func (s *WorkflowService) RecordDecision(ctx context.Context, requestID uuid.UUID, gate approval.Gate, approverUserID uuid.UUID, decision string) (*approval.ApprovalRequest, error) {
	if requestID == uuid.Nil || approverUserID == uuid.Nil {
		return nil, newServiceError(http.StatusBadRequest, CodeInvalidBody, "request_id and approver_user_id are required", nil)
	}
	if !gate.Valid() {
		return nil, newServiceError(http.StatusBadRequest, CodeInvalidBody, "unknown gate type", nil)
	}
	if !approval.ValidDecision(decision) {
		return nil, newServiceError(http.StatusBadRequest, CodeInvalidBody, "decision must be approve or reject", nil)
	}

	req, err := s.requests.GetByID(ctx, requestID)
	if err != nil {
		return nil, mapNotFound(err)
	}
	if req.Terminal() {
		return nil, newServiceError(http.StatusConflict, CodeNotPending, "request is already resolved", nil)
	}
	if !req.RequiresGate(gate) {
		return nil, newServiceError(http.StatusForbidden, CodeNotEligible, "gate is not required for this request", nil)
	}
	if err := s.checkEligibility(ctx, req, gate, approverUserID); err != nil {
		return nil, err
	}

	if _, err := s.decisions.Insert(ctx, &approval.ApprovalDecision{
		ID:             uuid.New(),
		RequestID:      requestID,
		Gate:           gate,
		ApproverUserID: approverUserID,
		Decision:       decision,
		DecidedAt:      time.Now().UTC(),
	}); err != nil {
		if errors.Is(err, approval.ErrDuplicateDecision) {
			return nil, newServiceError(http.StatusConflict, CodeDuplicateVote, "approver already voted on this gate", err)
		}
		return nil, err
	}

	return s.resolve(ctx, requestID)
}

func (s *WorkflowService) checkEligibility(ctx context.Context, req *approval.ApprovalRequest, gate approval.Gate, approverUserID uuid.UUID) error {
	switch gate {
	case approval.GateLineManager:
		manager, ok, err := s.identity.Manager(ctx, req.RequesterUserID)
		if err != nil {
			return err
		}
		if !ok || manager != approverUserID {
			return newServiceError(http.StatusForbidden, CodeNotEligible, "approver is not the requester's manager", nil)
		}
	case approval.GateSysAdmin:
		isAdmin, err := s.identity.HasRole(ctx, approverUserID, RoleSysAdmin)
		if err != nil {
			return err
		}
		if !isAdmin {
			return newServiceError(http.StatusForbidden, CodeNotEligible, "approver does not hold the sys_admin role", nil)
		}
	default:
		return newServiceError(http.StatusBadRequest, CodeInvalidBody, "unknown gate type", nil)
	}
	return nil
}

// resolve re-reads the request, evaluates the decision history and
// attempts the version-keyed status transition. A version mismatch means
// a concurrent decision already advanced the request, so the whole
// evaluation is retried within the bounded budget.
func (s *WorkflowService) resolve(ctx context.Context, requestID uuid.UUID) (*approval.ApprovalRequest, error) {
	for attempt := 0; attempt < s.casRetries; attempt++ {
		req, err := s.requests.GetByID(ctx, requestID)
		if err != nil {
			return nil, mapNotFound(err)
		}
		if req.Terminal() {
			// A concurrent caller already resolved the request; the vote
			// just recorded stays in the audit trail.
			return req, nil
		}

		decisions, err := s.decisions.ListByRequest(ctx, requestID)
		if err != nil {
			return nil, err
		}
		next := approval.Evaluate(req.RequiredGates, decisions)
		if next == approval.StatusPending {
			return req, nil
		}

		ok, err := s.requests.UpdateStatusIfVersion(ctx, req.ID, req.Version, next)
		if err != nil {
			return nil, err
		}
		if !ok {
			recordCASConflict()
			continue
		}
		recordResolution(next)

		resolved, err := s.requests.GetByID(ctx, req.ID)
		if err != nil {
			return nil, mapNotFound(err)
		}
		return resolved, s.afterResolution(ctx, resolved)
	}
	return nil, newServiceError(http.StatusConflict, CodeConcurrentModification, "concurrent decisions exhausted the retry budget", nil)
}

func (s *WorkflowService) afterResolution(ctx context.Context, req *approval.ApprovalRequest) error {
	var approvedTeamID *uuid.UUID
	var assignErr error
	if req.Status == approval.StatusApproved {
		approvedTeamID = &req.TargetTeamID
		s.cancelSiblings(ctx, req)
		assignErr = s.directory.AssignOwner(ctx, req.ServiceID, req.TargetTeamID)
	}

	s.publishResolved(req, approvedTeamID)

	if assignErr != nil {
		if s.log != nil {
			s.log.WithError(assignErr).WithField("request_id", req.ID).Error("governance: ownership assignment failed after approval")
		}
		return newServiceError(http.StatusBadGateway, CodeSideEffect, "ownership assignment failed; approval stands", assignErr)
	}
	return nil
}

// cancelSiblings enforces first-approved-wins: every other pending
// request on the same service is cancelled, best-effort per sibling.
// Decisions already recorded on cancelled siblings are kept for audit.
func (s *WorkflowService) cancelSiblings(ctx context.Context, winner *approval.ApprovalRequest) {
	siblings, err := s.requests.ListPendingByService(ctx, winner.ServiceID)
	if err != nil {
		recordSiblingCancelFailure()
		if s.log != nil {
			s.log.WithError(err).WithField("service_id", winner.ServiceID).Error("governance: listing competing requests failed")
		}
		return
	}

	for _, sibling := range siblings {
		if sibling.ID == winner.ID {
			continue
		}
		if s.cancelOne(ctx, sibling) {
			continue
		}
		recordSiblingCancelFailure()
		if s.log != nil {
			s.log.WithField("request_id", sibling.ID).Warn("governance: competing request could not be cancelled")
		}
	}
}

func (s *WorkflowService) cancelOne(ctx context.Context, req *approval.ApprovalRequest) bool {
	for attempt := 0; attempt < siblingCancelAttempts; attempt++ {
		ok, err := s.requests.UpdateStatusIfVersion(ctx, req.ID, req.Version, approval.StatusCancelled)
		if err != nil {
			return false
		}
		if ok {
			recordResolution(approval.StatusCancelled)
			cancelled, err := s.requests.GetByID(ctx, req.ID)
			if err != nil {
				// The cancellation committed; only the notification is lost.
				if s.log != nil {
					s.log.WithError(err).WithField("request_id", req.ID).Warn("governance: cancelled request could not be re-read for publication")
				}
				return true
			}
			s.publishResolved(cancelled, nil)
			return true
		}
		recordCASConflict()
		fresh, err := s.requests.GetByID(ctx, req.ID)
		if err != nil {
			return false
		}
		if fresh.Terminal() {
			return true
		}
		req = fresh
	}
	return false
}

// Cancel withdraws a pending request. Requesters may cancel their own
// claims; sys_admins may cancel any.
func (s *WorkflowService) Cancel(ctx context.Context, requestID, byUserID uuid.UUID) (*approval.ApprovalRequest, error) {
	if requestID == uuid.Nil || byUserID == uuid.Nil {
		return nil, newServiceError(http.StatusBadRequest, CodeInvalidBody, "request_id and user_id are required", nil)
	}

	req, err := s.requests.GetByID(ctx, requestID)
	if err != nil {
		return nil, mapNotFound(err)
	}
	if req.Terminal() {
		return nil, newServiceError(http.StatusConflict, CodeNotPending, "request is already resolved", nil)
	}
	if byUserID != req.RequesterUserID {
		isAdmin, err := s.identity.HasRole(ctx, byUserID, RoleSysAdmin)
		if err != nil {
			return nil, err
		}
		if !isAdmin {
			return nil, newServiceError(http.StatusForbidden, CodeNotEligible, "only the requester or a sys_admin may cancel", nil)
		}
	}

	for attempt := 0; attempt < s.casRetries; attempt++ {
		ok, err := s.requests.UpdateStatusIfVersion(ctx, req.ID, req.Version, approval.StatusCancelled)
		if err != nil {
			return nil, err
		}
		if ok {
			recordResolution(approval.StatusCancelled)
			cancelled, err := s.requests.GetByID(ctx, req.ID)
			if err != nil {
				return nil, mapNotFound(err)
			}
			s.publishResolved(cancelled, nil)
			return cancelled, nil
		}
		recordCASConflict()
		req, err = s.requests.GetByID(ctx, requestID)
		if err != nil {
			return nil, mapNotFound(err)
		}
		if req.Terminal() {
			return nil, newServiceError(http.StatusConflict, CodeNotPending, "request is already resolved", nil)
		}
	}
	return nil, newServiceError(http.StatusConflict, CodeConcurrentModification, "concurrent decisions exhausted the retry budget", nil)
}

func (s *WorkflowService) GetByID(ctx context.Context, requestID uuid.UUID) (*approval.ApprovalRequest, error) {
	if requestID == uuid.Nil {
		return nil, newServiceError(http.StatusBadRequest, CodeInvalidBody, "request_id is required", nil)
	}
	req, err := s.requests.GetByID(ctx, requestID)
	if err != nil {
		return nil, mapNotFound(err)
	}
	return req, nil
}

// ListPendingByGate feeds approver inboxes.
func (s *WorkflowService) ListPendingByGate(ctx context.Context, gate approval.Gate) ([]*approval.ApprovalRequest, error) {
	if !gate.Valid() {
		return nil, newServiceError(http.StatusBadRequest, CodeInvalidBody, "unknown gate type", nil)
	}
	return s.requests.ListPendingByGate(ctx, gate)
}

func (s *WorkflowService) ListByRequester(ctx context.Context, requesterUserID uuid.UUID) ([]*approval.ApprovalRequest, error) {
	if requesterUserID == uuid.Nil {
		return nil, newServiceError(http.StatusBadRequest, CodeInvalidBody, "requester_user_id is required", nil)
	}
	return s.requests.ListByRequester(ctx, requesterUserID)
}

func (s *WorkflowService) ListDecisions(ctx context.Context, requestID uuid.UUID) ([]*approval.ApprovalDecision, error) {
	if requestID == uuid.Nil {
		return nil, newServiceError(http.StatusBadRequest, CodeInvalidBody, "request_id is required", nil)
	}
	if _, err := s.requests.GetByID(ctx, requestID); err != nil {
		return nil, mapNotFound(err)
	}
	return s.decisions.ListByRequest(ctx, requestID)
}

func (s *WorkflowService) publishResolved(req *approval.ApprovalRequest, approvedTeamID *uuid.UUID) {
	if s.bus == nil {
		return
	}
	s.bus.Publish(&events.RequestResolvedV1{
		EventID:        uuid.New(),
		EventVersion:   events.EventVersionV1,
		RequestID:      req.ID,
		ServiceID:      req.ServiceID,
		TargetTeamID:   req.TargetTeamID,
		Status:         req.Status,
		ApprovedTeamID: approvedTeamID,
		ResolvedAt:     req.UpdatedAt,
	})
}

func mapNotFound(err error) error {
	if errors.Is(err, approval.ErrNotFound) {
		return newServiceError(http.StatusNotFound, CodeNotFound, "request not found", err)
	}
	return err
}
