package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/simaogato/convertflow-backend/internal/domain"
)

// fiatTransactionRepository implements domain.FiatTransactionRepository
type fiatTransactionRepository struct {
	db *DB
}

// NewFiatTransactionRepository creates a new PostgreSQL fiat ledger repository
func NewFiatTransactionRepository(db *DB) domain.FiatTransactionRepository {
	return &fiatTransactionRepository{db: db}
}

func (r *fiatTransactionRepository) Create(ctx context.Context, tx *domain.FiatTransaction) error {
	if err := tx.Validate(); err != nil {
		return err
	}
	if tx.ID == uuid.Nil {
		tx.ID = uuid.New()
	}
	if tx.CreatedAt.IsZero() {
		tx.CreatedAt = time.Now()
	}

	var conversionID uuid.NullUUID
	if tx.ConversionID != nil {
		conversionID = uuid.NullUUID{UUID: *tx.ConversionID, Valid: true}
	}

	query := `
		INSERT INTO fiat_transactions (id, owner_id, currency, type, amount, balance_before, balance_after, description, conversion_id, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`

	_, err := r.db.ExecContext(ctx, query,
		tx.ID,
		tx.OwnerID,
		tx.Currency,
		string(tx.Type),
		tx.Amount.String(),
		tx.BalanceBefore.String(),
		tx.BalanceAfter.String(),
		tx.Description,
		conversionID,
		tx.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create fiat transaction: %w", err)
	}
	return nil
}

func (r *fiatTransactionRepository) ListByOwner(ctx context.Context, ownerID string, limit int) ([]*domain.FiatTransaction, error) {
	query := `
		SELECT id, owner_id, currency, type, amount, balance_before, balance_after, description, conversion_id, created_at
		FROM fiat_transactions
		WHERE owner_id = $1
		ORDER BY created_at DESC
		LIMIT $2
	`

	rows, err := r.db.QueryContext(ctx, query, ownerID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query fiat transactions: %w", err)
	}
	defer rows.Close()

	var txs []*domain.FiatTransaction
	for rows.Next() {
		var tx domain.FiatTransaction
		var txType, amountStr, beforeStr, afterStr string
		var conversionID uuid.NullUUID

		if err := rows.Scan(&tx.ID, &tx.OwnerID, &tx.Currency, &txType, &amountStr, &beforeStr, &afterStr,
			&tx.Description, &conversionID, &tx.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan fiat transaction: %w", err)
		}

		tx.Type = domain.FiatTransactionType(txType)
		if tx.Amount, err = parseDecimal(amountStr, "amount"); err != nil {
			return nil, err
		}
		if tx.BalanceBefore, err = parseDecimal(beforeStr, "balance_before"); err != nil {
			return nil, err
		}
		if tx.BalanceAfter, err = parseDecimal(afterStr, "balance_after"); err != nil {
			return nil, err
		}
		if conversionID.Valid {
			id := conversionID.UUID
			tx.ConversionID = &id
		}
		txs = append(txs, &tx)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating fiat transactions: %w", err)
	}
	return txs, nil
}

// conversionRepository implements domain.ConversionRepository
type conversionRepository struct {
	db *DB
}

// NewConversionRepository creates a new PostgreSQL conversion history repository
func NewConversionRepository(db *DB) domain.ConversionRepository {
	return &conversionRepository{db: db}
}

const conversionColumns = `id, owner_id, source_asset, destination_asset, source_amount, destination_amount,
		exchange_rate, mode, source_coin_id, destination_coin_id, source_name, destination_name,
		fee, fee_percentage, status, created_at, completed_at`

func scanConversion(row rowScanner) (*domain.ConversionRecord, error) {
	var c domain.ConversionRecord
	var srcAmt, dstAmt, rateStr, feeStr, feePctStr, mode, status string
	var completedAt sql.NullTime

	if err := row.Scan(&c.ID, &c.OwnerID, &c.SourceAsset, &c.DestinationAsset, &srcAmt, &dstAmt,
		&rateStr, &mode, &c.SourceCoinID, &c.DestinationCoinID, &c.SourceName, &c.DestinationName,
		&feeStr, &feePctStr, &status, &c.CreatedAt, &completedAt); err != nil {
		return nil, err
	}

	var err error
	if c.SourceAmount, err = parseDecimal(srcAmt, "source_amount"); err != nil {
		return nil, err
	}
	if c.DestinationAmount, err = parseDecimal(dstAmt, "destination_amount"); err != nil {
		return nil, err
	}
	if c.ExchangeRate, err = parseDecimal(rateStr, "exchange_rate"); err != nil {
		return nil, err
	}
	if c.Fee, err = parseDecimal(feeStr, "fee"); err != nil {
		return nil, err
	}
	if c.FeePercentage, err = parseDecimal(feePctStr, "fee_percentage"); err != nil {
		return nil, err
	}
	c.Mode = domain.ConversionMode(mode)
	c.Status = domain.ConversionStatus(status)
	if completedAt.Valid {
		t := completedAt.Time
		c.CompletedAt = &t
	}
	return &c, nil
}

// Create persists a conversion record
func (r *conversionRepository) Create(ctx context.Context, record *domain.ConversionRecord) error {
	if err := record.Validate(); err != nil {
		return err
	}

	var completedAt sql.NullTime
	if record.CompletedAt != nil {
		completedAt = sql.NullTime{Time: *record.CompletedAt, Valid: true}
	}

	query := `
		INSERT INTO conversions (` + conversionColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17)
	`

	_, err := r.db.ExecContext(ctx, query,
		record.ID,
		record.OwnerID,
		record.SourceAsset,
		record.DestinationAsset,
		record.SourceAmount.String(),
		record.DestinationAmount.String(),
		record.ExchangeRate.String(),
		string(record.Mode),
		record.SourceCoinID,
		record.DestinationCoinID,
		record.SourceName,
		record.DestinationName,
		record.Fee.String(),
		record.FeePercentage.String(),
		string(record.Status),
		record.CreatedAt,
		completedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create conversion: %w", err)
	}
	return nil
}

// GetByID retrieves one conversion of an owner
func (r *conversionRepository) GetByID(ctx context.Context, ownerID string, id uuid.UUID) (*domain.ConversionRecord, error) {
	query := `SELECT ` + conversionColumns + ` FROM conversions WHERE id = $1 AND owner_id = $2`

	c, err := scanConversion(r.db.QueryRowContext(ctx, query, id, ownerID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("conversion %s not found: %w", id, domain.ErrNotFound)
		}
		return nil, fmt.Errorf("failed to get conversion: %w", err)
	}
	return c, nil
}

// ListByOwner retrieves the newest conversions of an owner first
func (r *conversionRepository) ListByOwner(ctx context.Context, ownerID string, limit int) ([]*domain.ConversionRecord, error) {
	query := `SELECT ` + conversionColumns + ` FROM conversions WHERE owner_id = $1 ORDER BY created_at DESC LIMIT $2`

	rows, err := r.db.QueryContext(ctx, query, ownerID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query conversions: %w", err)
	}
	defer rows.Close()

	var records []*domain.ConversionRecord
	for rows.Next() {
		c, err := scanConversion(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan conversion: %w", err)
		}
		records = append(records, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating conversions: %w", err)
	}
	return records, nil
}

// auditRepository implements domain.AuditRepository
type auditRepository struct {
	db *DB
}

// NewAuditRepository creates a new PostgreSQL audit trail repository
func NewAuditRepository(db *DB) domain.AuditRepository {
	return &auditRepository{db: db}
}

// jsonColumn encodes v for a JSONB column, NULL when v is nil
func jsonColumn(v any, isNil bool) (any, error) {
	if isNil {
		return nil, nil
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return string(raw), nil
}

// Append stores a new audit event
func (r *auditRepository) Append(ctx context.Context, event *domain.AuditEvent) error {
	before, err := jsonColumn(event.BalancesBefore, event.BalancesBefore == nil)
	if err != nil {
		return fmt.Errorf("failed to encode balances_before: %w", err)
	}
	after, err := jsonColumn(event.BalancesAfter, event.BalancesAfter == nil)
	if err != nil {
		return fmt.Errorf("failed to encode balances_after: %w", err)
	}
	metadata := event.Metadata
	if metadata == nil {
		metadata = map[string]any{}
	}
	meta, err := json.Marshal(metadata)
	if err != nil {
		return fmt.Errorf("failed to encode metadata: %w", err)
	}

	query := `
		INSERT INTO audit_events (id, owner_id, operation, conversion_id, source_asset, destination_asset,
			source_amount, destination_amount, mode, balances_before, balances_after, error_message,
			critical, metadata, client_ip, user_agent, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17)
	`

	_, err = r.db.ExecContext(ctx, query,
		event.ID,
		event.OwnerID,
		string(event.Operation),
		event.ConversionID,
		event.SourceAsset,
		event.DestinationAsset,
		event.SourceAmount.String(),
		event.DestinationAmount.String(),
		string(event.Mode),
		before,
		after,
		event.ErrorMessage,
		event.Critical,
		string(meta),
		event.ClientIP,
		event.UserAgent,
		event.Timestamp,
	)
	if err != nil {
		return fmt.Errorf("failed to append audit event: %w", err)
	}
	return nil
}

// ListByOwner retrieves the newest audit events of an owner first.
// ULID ids break ties between events written in the same instant.
func (r *auditRepository) ListByOwner(ctx context.Context, ownerID string, limit int) ([]*domain.AuditEvent, error) {
	query := `
		SELECT id, owner_id, operation, conversion_id, source_asset, destination_asset,
			source_amount, destination_amount, mode, balances_before, balances_after, error_message,
			critical, metadata, client_ip, user_agent, created_at
		FROM audit_events
		WHERE owner_id = $1
		ORDER BY created_at DESC, id DESC
		LIMIT $2
	`

	rows, err := r.db.QueryContext(ctx, query, ownerID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query audit events: %w", err)
	}
	defer rows.Close()

	var events []*domain.AuditEvent
	for rows.Next() {
		var e domain.AuditEvent
		var operation, mode, srcAmt, dstAmt string
		var before, after, meta []byte

		if err := rows.Scan(&e.ID, &e.OwnerID, &operation, &e.ConversionID, &e.SourceAsset, &e.DestinationAsset,
			&srcAmt, &dstAmt, &mode, &before, &after, &e.ErrorMessage,
			&e.Critical, &meta, &e.ClientIP, &e.UserAgent, &e.Timestamp); err != nil {
			return nil, fmt.Errorf("failed to scan audit event: %w", err)
		}

		e.Operation = domain.AuditOperation(operation)
		e.Mode = domain.ConversionMode(mode)
		if e.SourceAmount, err = parseDecimal(srcAmt, "source_amount"); err != nil {
			return nil, err
		}
		if e.DestinationAmount, err = parseDecimal(dstAmt, "destination_amount"); err != nil {
			return nil, err
		}
		if len(before) > 0 {
			e.BalancesBefore = new(domain.BalanceSnapshot)
			if err := json.Unmarshal(before, e.BalancesBefore); err != nil {
				return nil, fmt.Errorf("failed to decode balances_before: %w", err)
			}
		}
		if len(after) > 0 {
			e.BalancesAfter = new(domain.BalanceSnapshot)
			if err := json.Unmarshal(after, e.BalancesAfter); err != nil {
				return nil, fmt.Errorf("failed to decode balances_after: %w", err)
			}
		}
		if len(meta) > 0 {
			if err := json.Unmarshal(meta, &e.Metadata); err != nil {
				return nil, fmt.Errorf("failed to decode metadata: %w", err)
			}
		}
		events = append(events, &e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating audit events: %w", err)
	}
	return events, nil
}
