package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/simaogato/convertflow-backend/internal/domain"
)

// holdingRepository implements domain.HoldingRepository
type holdingRepository struct {
	db *DB
}

// NewHoldingRepository creates a new PostgreSQL holding repository
func NewHoldingRepository(db *DB) domain.HoldingRepository {
	return &holdingRepository{db: db}
}

func scanHolding(row rowScanner) (*domain.Holding, error) {
	var h domain.Holding
	var amountStr, valueStr string
	if err := row.Scan(&h.OwnerID, &h.Symbol, &h.CoinID, &h.Name, &amountStr, &valueStr, &h.UpdatedAt); err != nil {
		return nil, err
	}

	var err error
	if h.Amount, err = parseDecimal(amountStr, "amount"); err != nil {
		return nil, err
	}
	if h.ValueUSD, err = parseDecimal(valueStr, "value_usd"); err != nil {
		return nil, err
	}
	return &h, nil
}

// Get retrieves the holding of an owner for a symbol
func (r *holdingRepository) Get(ctx context.Context, ownerID, symbol string) (*domain.Holding, error) {
	query := `
		SELECT owner_id, symbol, coin_id, name, amount, value_usd, updated_at
		FROM holdings
		WHERE owner_id = $1 AND symbol = $2
	`

	h, err := scanHolding(r.db.QueryRowContext(ctx, query, ownerID, symbol))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("holding %s not found: %w", symbol, domain.ErrNotFound)
		}
		return nil, fmt.Errorf("failed to get holding: %w", err)
	}
	return h, nil
}

// Upsert creates or replaces the holding record
func (r *holdingRepository) Upsert(ctx context.Context, holding *domain.Holding) error {
	if err := holding.Validate(); err != nil {
		return err
	}
	if holding.UpdatedAt.IsZero() {
		holding.UpdatedAt = time.Now()
	}

	query := `
		INSERT INTO holdings (owner_id, symbol, coin_id, name, amount, value_usd, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (owner_id, symbol) DO UPDATE
		SET coin_id = EXCLUDED.coin_id,
			name = EXCLUDED.name,
			amount = EXCLUDED.amount,
			value_usd = EXCLUDED.value_usd,
			updated_at = EXCLUDED.updated_at
	`

	_, err := r.db.ExecContext(ctx, query,
		holding.OwnerID,
		holding.Symbol,
		holding.CoinID,
		holding.Name,
		holding.Amount.String(),
		holding.ValueUSD.String(),
		holding.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to upsert holding: %w", err)
	}
	return nil
}

// Delete removes the holding record. Deleting a missing record is not an error.
func (r *holdingRepository) Delete(ctx context.Context, ownerID, symbol string) error {
	query := `DELETE FROM holdings WHERE owner_id = $1 AND symbol = $2`

	if _, err := r.db.ExecContext(ctx, query, ownerID, symbol); err != nil {
		return fmt.Errorf("failed to delete holding: %w", err)
	}
	return nil
}

// List retrieves all holdings of an owner ordered by symbol
func (r *holdingRepository) List(ctx context.Context, ownerID string) ([]*domain.Holding, error) {
	query := `
		SELECT owner_id, symbol, coin_id, name, amount, value_usd, updated_at
		FROM holdings
		WHERE owner_id = $1
		ORDER BY symbol ASC
	`

	rows, err := r.db.QueryContext(ctx, query, ownerID)
	if err != nil {
		return nil, fmt.Errorf("failed to query holdings: %w", err)
	}
	defer rows.Close()

	var holdings []*domain.Holding
	for rows.Next() {
		h, err := scanHolding(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan holding: %w", err)
		}
		holdings = append(holdings, h)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating holdings: %w", err)
	}
	return holdings, nil
}

// UpdateValuation rewrites only the USD value of a holding
func (r *holdingRepository) UpdateValuation(ctx context.Context, ownerID, symbol string, valueUSD decimal.Decimal) error {
	query := `
		UPDATE holdings
		SET value_usd = $1, updated_at = $2
		WHERE owner_id = $3 AND symbol = $4
	`

	result, err := r.db.ExecContext(ctx, query, valueUSD.String(), time.Now(), ownerID, symbol)
	if err != nil {
		return fmt.Errorf("failed to update holding valuation: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if affected == 0 {
		return fmt.Errorf("holding %s not found: %w", symbol, domain.ErrNotFound)
	}
	return nil
}

// fiatBalanceRepository implements domain.FiatBalanceRepository
type fiatBalanceRepository struct {
	db *DB
}

// NewFiatBalanceRepository creates a new PostgreSQL fiat balance repository
func NewFiatBalanceRepository(db *DB) domain.FiatBalanceRepository {
	return &fiatBalanceRepository{db: db}
}

func scanFiatBalance(row rowScanner) (*domain.FiatBalance, error) {
	var b domain.FiatBalance
	var balanceStr string
	if err := row.Scan(&b.OwnerID, &b.Currency, &balanceStr, &b.UpdatedAt); err != nil {
		return nil, err
	}

	var err error
	if b.Balance, err = parseDecimal(balanceStr, "balance"); err != nil {
		return nil, err
	}
	return &b, nil
}

func (r *fiatBalanceRepository) Get(ctx context.Context, ownerID, currency string) (*domain.FiatBalance, error) {
	query := `
		SELECT owner_id, currency, balance, updated_at
		FROM fiat_balances
		WHERE owner_id = $1 AND currency = $2
	`

	b, err := scanFiatBalance(r.db.QueryRowContext(ctx, query, ownerID, currency))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("fiat balance %s not found: %w", currency, domain.ErrNotFound)
		}
		return nil, fmt.Errorf("failed to get fiat balance: %w", err)
	}
	return b, nil
}

func (r *fiatBalanceRepository) Upsert(ctx context.Context, balance *domain.FiatBalance) error {
	if err := balance.Validate(); err != nil {
		return err
	}
	if balance.UpdatedAt.IsZero() {
		balance.UpdatedAt = time.Now()
	}

	query := `
		INSERT INTO fiat_balances (owner_id, currency, balance, updated_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (owner_id, currency) DO UPDATE
		SET balance = EXCLUDED.balance,
			updated_at = EXCLUDED.updated_at
	`

	_, err := r.db.ExecContext(ctx, query,
		balance.OwnerID,
		balance.Currency,
		balance.Balance.String(),
		balance.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to upsert fiat balance: %w", err)
	}
	return nil
}

func (r *fiatBalanceRepository) List(ctx context.Context, ownerID string) ([]*domain.FiatBalance, error) {
	query := `
		SELECT owner_id, currency, balance, updated_at
		FROM fiat_balances
		WHERE owner_id = $1
		ORDER BY currency ASC
	`

	rows, err := r.db.QueryContext(ctx, query, ownerID)
	if err != nil {
		return nil, fmt.Errorf("failed to query fiat balances: %w", err)
	}
	defer rows.Close()

	var balances []*domain.FiatBalance
	for rows.Next() {
		b, err := scanFiatBalance(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan fiat balance: %w", err)
		}
		balances = append(balances, b)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating fiat balances: %w", err)
	}
	return balances, nil
}
