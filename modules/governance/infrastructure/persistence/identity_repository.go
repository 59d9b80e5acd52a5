package persistence

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	pkgerrors "github.com/pkg/errors"

	"github.com/svcreg/governance/modules/governance/services"
	"github.com/svcreg/governance/pkg/composables"
)

// IdentityProjectionRepository reads the locally-synced identity tables.
// The sync itself is owned by an external process; this adapter never
// writes.
type IdentityProjectionRepository struct{}

func NewIdentityProjectionRepository() services.IdentityProjection {
	return &IdentityProjectionRepository{}
}

func (r *IdentityProjectionRepository) Manager(ctx context.Context, userID uuid.UUID) (uuid.UUID, bool, error) {
	tx, err := composables.UseTx(ctx)
	if err != nil {
		return uuid.Nil, false, err
	}

	var managerID pgtype.UUID
	err = tx.QueryRow(ctx, `SELECT manager_user_id FROM iam_users WHERE id = $1`, userID).Scan(&managerID)
	if errors.Is(err, pgx.ErrNoRows) {
		// Unknown users simply have no manager on record.
		return uuid.Nil, false, nil
	}
	if err != nil {
		return uuid.Nil, false, err
	}
	if !managerID.Valid {
		return uuid.Nil, false, nil
	}
	return uuid.UUID(managerID.Bytes), true, nil
}

func (r *IdentityProjectionRepository) HasRole(ctx context.Context, userID uuid.UUID, role string) (bool, error) {
	tx, err := composables.UseTx(ctx)
	if err != nil {
		return false, err
	}

	var has bool
	err = tx.QueryRow(ctx, `
SELECT EXISTS (
	SELECT 1 FROM iam_user_roles WHERE user_id = $1 AND role = $2
)`, userID, role).Scan(&has)
	if err != nil {
		return false, err
	}
	return has, nil
}

func (r *IdentityProjectionRepository) TeamsOf(ctx context.Context, userID uuid.UUID) ([]uuid.UUID, error) {
	tx, err := composables.UseTx(ctx)
	if err != nil {
		return nil, err
	}

	rows, err := tx.Query(ctx, `SELECT team_id FROM iam_team_memberships WHERE user_id = $1`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]uuid.UUID, 0, 4)
	for rows.Next() {
		var teamID uuid.UUID
		if err := rows.Scan(&teamID); err != nil {
			return nil, err
		}
		out = append(out, teamID)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return out, nil
}

// ServiceDirectoryRepository backs the registry's ownership surface with
// the app_services table.
type ServiceDirectoryRepository struct{}

func NewServiceDirectoryRepository() services.ServiceDirectory {
	return &ServiceDirectoryRepository{}
}

func (r *ServiceDirectoryRepository) IsOrphan(ctx context.Context, serviceID uuid.UUID) (bool, error) {
	tx, err := composables.UseTx(ctx)
	if err != nil {
		return false, err
	}

	var orphan bool
	err = tx.QueryRow(ctx, `SELECT owner_team_id IS NULL FROM app_services WHERE id = $1`, serviceID).Scan(&orphan)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, pkgerrors.Wrapf(err, "service %s not registered", serviceID)
	}
	if err != nil {
		return false, err
	}
	return orphan, nil
}

// AssignOwner is unconditional so the registry can retry it idempotently
// after an approval.
func (r *ServiceDirectoryRepository) AssignOwner(ctx context.Context, serviceID, teamID uuid.UUID) error {
	tx, err := composables.UseTx(ctx)
	if err != nil {
		return err
	}

	tag, err := tx.Exec(ctx, `
UPDATE app_services
SET owner_team_id = $2, updated_at = now()
WHERE id = $1`, serviceID, teamID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return pkgerrors.Errorf("service %s not registered", serviceID)
	}
	return nil
}
