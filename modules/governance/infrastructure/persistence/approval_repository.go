package persistence

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/svcreg/governance/modules/governance/domain/approval"
	"github.com/svcreg/governance/pkg/composables"
)

const decisionUniqueConstraint = "approval_decisions_request_gate_approver_key"

type ApprovalRequestRepository struct{}

func NewApprovalRequestRepository() approval.RequestRepository {
	return &ApprovalRequestRepository{}
}

const requestColumns = `id, service_id, target_team_id, requester_user_id, status, required_gates, version, created_at, updated_at`

func scanRequest(row pgx.Row) (*approval.ApprovalRequest, error) {
	var req approval.ApprovalRequest
	var gates []string
	if err := row.Scan(
		&req.ID,
		&req.ServiceID,
		&req.TargetTeamID,
		&req.RequesterUserID,
		&req.Status,
		&gates,
		&req.Version,
		&req.CreatedAt,
		&req.UpdatedAt,
	); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, approval.ErrNotFound
		}
		return nil, err
	}
	req.RequiredGates = make([]approval.Gate, 0, len(gates))
	for _, g := range gates {
		req.RequiredGates = append(req.RequiredGates, approval.Gate(g))
	}
	return &req, nil
}

func gateStrings(gates []approval.Gate) []string {
	out := make([]string, 0, len(gates))
	for _, g := range gates {
		out = append(out, string(g))
	}
	return out
}

func (r *ApprovalRequestRepository) Insert(ctx context.Context, req *approval.ApprovalRequest) (*approval.ApprovalRequest, error) {
	tx, err := composables.UseTx(ctx)
	if err != nil {
		return nil, err
	}

	row := tx.QueryRow(ctx, `
INSERT INTO approval_requests (id, service_id, target_team_id, requester_user_id, status, required_gates, version)
VALUES ($1, $2, $3, $4, $5, $6, $7)
RETURNING `+requestColumns,
		req.ID, req.ServiceID, req.TargetTeamID, req.RequesterUserID, req.Status, gateStrings(req.RequiredGates), req.Version)
	return scanRequest(row)
}

func (r *ApprovalRequestRepository) GetByID(ctx context.Context, id uuid.UUID) (*approval.ApprovalRequest, error) {
	tx, err := composables.UseTx(ctx)
	if err != nil {
		return nil, err
	}

	row := tx.QueryRow(ctx, `SELECT `+requestColumns+` FROM approval_requests WHERE id = $1`, id)
	return scanRequest(row)
}

func (r *ApprovalRequestRepository) ListPendingByGate(ctx context.Context, gate approval.Gate) ([]*approval.ApprovalRequest, error) {
	// required_gates is a structured array with a GIN index; the
	// containment query keeps approver-inbox reads off full scans.
	return r.list(ctx, `
SELECT `+requestColumns+`
FROM approval_requests
WHERE status = 'pending' AND required_gates @> ARRAY[$1::text]
ORDER BY created_at ASC`, string(gate))
}

func (r *ApprovalRequestRepository) ListByRequester(ctx context.Context, requesterUserID uuid.UUID) ([]*approval.ApprovalRequest, error) {
	return r.list(ctx, `
SELECT `+requestColumns+`
FROM approval_requests
WHERE requester_user_id = $1
ORDER BY created_at DESC`, requesterUserID)
}

func (r *ApprovalRequestRepository) ListPendingByService(ctx context.Context, serviceID uuid.UUID) ([]*approval.ApprovalRequest, error) {
	return r.list(ctx, `
SELECT `+requestColumns+`
FROM approval_requests
WHERE service_id = $1 AND status = 'pending'
ORDER BY created_at ASC`, serviceID)
}

func (r *ApprovalRequestRepository) list(ctx context.Context, query string, args ...any) ([]*approval.ApprovalRequest, error) {
	tx, err := composables.UseTx(ctx)
	if err != nil {
		return nil, err
	}

	rows, err := tx.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]*approval.ApprovalRequest, 0, 8)
	for rows.Next() {
		req, err := scanRequest(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, req)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return out, nil
}

func (r *ApprovalRequestRepository) UpdateStatusIfVersion(ctx context.Context, id uuid.UUID, expectedVersion int64, status string) (bool, error) {
	tx, err := composables.UseTx(ctx)
	if err != nil {
		return false, err
	}

	tag, err := tx.Exec(ctx, `
UPDATE approval_requests
SET status = $3, updated_at = now(), version = version + 1
WHERE id = $1 AND version = $2`, id, expectedVersion, status)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

type ApprovalDecisionRepository struct{}

func NewApprovalDecisionRepository() approval.DecisionRepository {
	return &ApprovalDecisionRepository{}
}

const decisionColumns = `id, request_id, gate, approver_user_id, decision, decided_at`

func (r *ApprovalDecisionRepository) Insert(ctx context.Context, decision *approval.ApprovalDecision) (*approval.ApprovalDecision, error) {
	tx, err := composables.UseTx(ctx)
	if err != nil {
		return nil, err
	}

	row := tx.QueryRow(ctx, `
INSERT INTO approval_decisions (id, request_id, gate, approver_user_id, decision, decided_at)
VALUES ($1, $2, $3, $4, $5, $6)
RETURNING `+decisionColumns,
		decision.ID, decision.RequestID, string(decision.Gate), decision.ApproverUserID, decision.Decision, decision.DecidedAt)

	var out approval.ApprovalDecision
	var gate string
	if err := row.Scan(&out.ID, &out.RequestID, &gate, &out.ApproverUserID, &out.Decision, &out.DecidedAt); err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" && pgErr.ConstraintName == decisionUniqueConstraint {
			return nil, approval.ErrDuplicateDecision
		}
		return nil, err
	}
	out.Gate = approval.Gate(gate)
	return &out, nil
}

func (r *ApprovalDecisionRepository) ListByRequest(ctx context.Context, requestID uuid.UUID) ([]*approval.ApprovalDecision, error) {
	tx, err := composables.UseTx(ctx)
	if err != nil {
		return nil, err
	}

	rows, err := tx.Query(ctx, `
SELECT `+decisionColumns+`
FROM approval_decisions
WHERE request_id = $1
ORDER BY decided_at ASC`, requestID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]*approval.ApprovalDecision, 0, 4)
	for rows.Next() {
		var d approval.ApprovalDecision
		var gate string
		if err := rows.Scan(&d.ID, &d.RequestID, &gate, &d.ApproverUserID, &d.Decision, &d.DecidedAt); err != nil {
			return nil, err
		}
		d.Gate = approval.Gate(gate)
		out = append(out, &d)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return out, nil
}
