package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/simaogato/convertflow-backend/internal/domain"
)

// rollbackRepository implements domain.RollbackRepository
type rollbackRepository struct {
	db *DB
}

// NewRollbackRepository creates a new PostgreSQL rollback marker repository
func NewRollbackRepository(db *DB) domain.RollbackRepository {
	return &rollbackRepository{db: db}
}

// Create stores a new PENDING marker
func (r *rollbackRepository) Create(ctx context.Context, marker *domain.PendingRollback) error {
	if err := marker.Validate(); err != nil {
		return err
	}

	query := `
		INSERT INTO pending_rollbacks (id, owner_id, attempt_id, asset_symbol, asset_kind, amount,
			expected_balance, reason, status, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`

	_, err := r.db.ExecContext(ctx, query,
		marker.ID,
		marker.OwnerID,
		marker.AttemptID,
		marker.Asset.Symbol,
		string(marker.Asset.Kind),
		marker.Amount.String(),
		marker.ExpectedBalance.String(),
		marker.Reason,
		string(marker.Status),
		marker.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create rollback marker: %w", err)
	}
	return nil
}

// UpdateStatus moves a marker to a new status
func (r *rollbackRepository) UpdateStatus(ctx context.Context, id uuid.UUID, status domain.RollbackStatus, resolvedAt *time.Time) error {
	var resolved sql.NullTime
	if resolvedAt != nil {
		resolved = sql.NullTime{Time: *resolvedAt, Valid: true}
	}

	query := `UPDATE pending_rollbacks SET status = $1, resolved_at = $2 WHERE id = $3`

	result, err := r.db.ExecContext(ctx, query, string(status), resolved, id)
	if err != nil {
		return fmt.Errorf("failed to update rollback marker: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if affected == 0 {
		return fmt.Errorf("rollback marker %s not found: %w", id, domain.ErrNotFound)
	}
	return nil
}

// ListPending retrieves PENDING markers, oldest first
func (r *rollbackRepository) ListPending(ctx context.Context, limit int) ([]*domain.PendingRollback, error) {
	query := `
		SELECT id, owner_id, attempt_id, asset_symbol, asset_kind, amount, expected_balance, reason, status, created_at, resolved_at
		FROM pending_rollbacks
		WHERE status = $1
		ORDER BY created_at ASC
		LIMIT $2
	`

	rows, err := r.db.QueryContext(ctx, query, string(domain.RollbackStatusPending), limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query rollback markers: %w", err)
	}
	defer rows.Close()

	var markers []*domain.PendingRollback
	for rows.Next() {
		var m domain.PendingRollback
		var kind, status, amountStr, expectedStr string
		var resolvedAt sql.NullTime

		if err := rows.Scan(&m.ID, &m.OwnerID, &m.AttemptID, &m.Asset.Symbol, &kind, &amountStr,
			&expectedStr, &m.Reason, &status, &m.CreatedAt, &resolvedAt); err != nil {
			return nil, fmt.Errorf("failed to scan rollback marker: %w", err)
		}

		m.Asset.Kind = domain.AssetKind(kind)
		m.Status = domain.RollbackStatus(status)
		if m.Amount, err = parseDecimal(amountStr, "amount"); err != nil {
			return nil, err
		}
		if m.ExpectedBalance, err = parseDecimal(expectedStr, "expected_balance"); err != nil {
			return nil, err
		}
		if resolvedAt.Valid {
			t := resolvedAt.Time
			m.ResolvedAt = &t
		}
		markers = append(markers, &m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating rollback markers: %w", err)
	}
	return markers, nil
}
