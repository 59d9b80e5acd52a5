package persistence

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"

	"github.com/svcreg/governance/modules/governance/domain/share"
	"github.com/svcreg/governance/pkg/composables"
)

type ServiceShareRepository struct{}

func NewServiceShareRepository() share.Repository {
	return &ServiceShareRepository{}
}

const shareColumns = `id, resource_level, service_id, instance_id, grant_to_type, grant_to_id, permissions, environments, granted_by, created_at, expires_at`

func scanShare(row pgx.Row) (*share.ServiceShare, error) {
	var s share.ServiceShare
	var instanceID pgtype.UUID
	var permissions []string
	var environments []string
	var expiresAt pgtype.Timestamptz
	if err := row.Scan(
		&s.ID,
		&s.ResourceLevel,
		&s.ServiceID,
		&instanceID,
		&s.GrantToType,
		&s.GrantToID,
		&permissions,
		&environments,
		&s.GrantedBy,
		&s.CreatedAt,
		&expiresAt,
	); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, share.ErrNotFound
		}
		return nil, err
	}
	s.InstanceID = asUUIDPtr(instanceID)
	s.Permissions = make([]share.Permission, 0, len(permissions))
	for _, p := range permissions {
		s.Permissions = append(s.Permissions, share.Permission(p))
	}
	s.Environments = environments
	s.ExpiresAt = asTimePtr(expiresAt)
	return &s, nil
}

func permissionStrings(permissions []share.Permission) []string {
	out := make([]string, 0, len(permissions))
	for _, p := range permissions {
		out = append(out, string(p))
	}
	return out
}

func (r *ServiceShareRepository) Insert(ctx context.Context, s *share.ServiceShare) (*share.ServiceShare, error) {
	tx, err := composables.UseTx(ctx)
	if err != nil {
		return nil, err
	}

	row := tx.QueryRow(ctx, `
INSERT INTO service_shares (id, resource_level, service_id, instance_id, grant_to_type, grant_to_id, permissions, environments, granted_by, expires_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
RETURNING `+shareColumns,
		s.ID, s.ResourceLevel, s.ServiceID, pgUUIDPtr(s.InstanceID), s.GrantToType, s.GrantToID,
		permissionStrings(s.Permissions), s.Environments, s.GrantedBy, pgTimePtr(s.ExpiresAt))
	return scanShare(row)
}

func (r *ServiceShareRepository) UpdatePermissions(ctx context.Context, id uuid.UUID, permissions []share.Permission) (*share.ServiceShare, error) {
	tx, err := composables.UseTx(ctx)
	if err != nil {
		return nil, err
	}

	row := tx.QueryRow(ctx, `
UPDATE service_shares
SET permissions = $2
WHERE id = $1
RETURNING `+shareColumns, id, permissionStrings(permissions))
	return scanShare(row)
}

func (r *ServiceShareRepository) Delete(ctx context.Context, id uuid.UUID) error {
	tx, err := composables.UseTx(ctx)
	if err != nil {
		return err
	}

	tag, err := tx.Exec(ctx, `DELETE FROM service_shares WHERE id = $1`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return share.ErrNotFound
	}
	return nil
}

func (r *ServiceShareRepository) ListByService(ctx context.Context, serviceID uuid.UUID) ([]*share.ServiceShare, error) {
	return r.list(ctx, `
SELECT `+shareColumns+`
FROM service_shares
WHERE service_id = $1
ORDER BY created_at ASC`, serviceID)
}

func (r *ServiceShareRepository) ListForGrantee(ctx context.Context, serviceID, userID uuid.UUID, teamIDs []uuid.UUID) ([]*share.ServiceShare, error) {
	return r.list(ctx, `
SELECT `+shareColumns+`
FROM service_shares
WHERE service_id = $1
  AND ((grant_to_type = 'user' AND grant_to_id = $2)
    OR (grant_to_type = 'team' AND grant_to_id = ANY($3)))
ORDER BY created_at ASC`, serviceID, userID, pgUUIDArray(teamIDs))
}

func (r *ServiceShareRepository) list(ctx context.Context, query string, args ...any) ([]*share.ServiceShare, error) {
	tx, err := composables.UseTx(ctx)
	if err != nil {
		return nil, err
	}

	rows, err := tx.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]*share.ServiceShare, 0, 8)
	for rows.Next() {
		s, err := scanShare(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return out, nil
}
