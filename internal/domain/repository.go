package domain

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// HoldingRepository defines the interface for crypto holding persistence operations
type HoldingRepository interface {
	// Get retrieves the holding of an owner for a symbol.
	// Returns an error wrapping ErrNotFound when no record exists.
	Get(ctx context.Context, ownerID, symbol string) (*Holding, error)

	// Upsert creates or replaces the holding record
	Upsert(ctx context.Context, holding *Holding) error

	// Delete removes the holding record. Deleting a missing record is not an error.
	Delete(ctx context.Context, ownerID, symbol string) error

	// List retrieves all holdings of an owner ordered by symbol
	List(ctx context.Context, ownerID string) ([]*Holding, error)

	// UpdateValuation rewrites only the denormalized USD value of a holding
	UpdateValuation(ctx context.Context, ownerID, symbol string, valueUSD decimal.Decimal) error
}

// FiatBalanceRepository defines the interface for fiat balance persistence operations
type FiatBalanceRepository interface {
	// Get retrieves the fiat balance of an owner for a currency.
	// Returns an error wrapping ErrNotFound when no record exists.
	Get(ctx context.Context, ownerID, currency string) (*FiatBalance, error)

	// Upsert creates or replaces the fiat balance record
	Upsert(ctx context.Context, balance *FiatBalance) error

	// List retrieves all fiat balances of an owner ordered by currency
	List(ctx context.Context, ownerID string) ([]*FiatBalance, error)
}

// FiatTransactionRepository defines the interface for the fiat ledger
type FiatTransactionRepository interface {
	// Create appends a ledger line
	Create(ctx context.Context, tx *FiatTransaction) error

	// ListByOwner retrieves the newest ledger lines of an owner first
	ListByOwner(ctx context.Context, ownerID string, limit int) ([]*FiatTransaction, error)
}

// ConversionRepository defines the interface for conversion history persistence operations
type ConversionRepository interface {
	// Create persists a conversion record. Records are immutable once written.
	Create(ctx context.Context, record *ConversionRecord) error

	// GetByID retrieves one conversion of an owner
	GetByID(ctx context.Context, ownerID string, id uuid.UUID) (*ConversionRecord, error)

	// ListByOwner retrieves the newest conversions of an owner first
	ListByOwner(ctx context.Context, ownerID string, limit int) ([]*ConversionRecord, error)
}

// AuditRepository defines the interface for the append-only audit trail
type AuditRepository interface {
	// Append stores a new audit event
	Append(ctx context.Context, event *AuditEvent) error

	// ListByOwner retrieves the newest audit events of an owner first
	ListByOwner(ctx context.Context, ownerID string, limit int) ([]*AuditEvent, error)
}

// RollbackRepository defines the interface for durable compensation markers
type RollbackRepository interface {
	// Create stores a new PENDING marker
	Create(ctx context.Context, marker *PendingRollback) error

	// UpdateStatus moves a marker to a new status
	UpdateStatus(ctx context.Context, id uuid.UUID, status RollbackStatus, resolvedAt *time.Time) error

	// ListPending retrieves PENDING markers, oldest first
	ListPending(ctx context.Context, limit int) ([]*PendingRollback, error)
}

// AssetRepository defines the interface for the asset catalog
type AssetRepository interface {
	// GetBySymbol retrieves an asset by its symbol
	GetBySymbol(ctx context.Context, symbol string) (*Asset, error)

	// Create creates a new catalog entry
	Create(ctx context.Context, asset *Asset) error

	// List retrieves the whole catalog
	List(ctx context.Context) ([]*Asset, error)
}

// ConversionLock is a per-owner mutual exclusion primitive.
// Acquire never blocks: it reports false when the owner already holds a live lock.
// The returned token scopes Release to that one lease, so a holder whose lease expired
// cannot free a newer holder's lock. Release is idempotent.
type ConversionLock interface {
	Acquire(ctx context.Context, ownerID, label string) (token string, ok bool, err error)
	Release(ctx context.Context, ownerID, token string) error
}

// BalanceStore reads balances and mutates them through signed deltas only
type BalanceStore interface {
	// GetBalance returns the current amount, zero when no record exists
	GetBalance(ctx context.Context, ownerID string, asset AssetRef) (decimal.Decimal, error)

	// ApplyDelta adds delta to the balance (credit > 0, debit < 0)
	ApplyDelta(ctx context.Context, ownerID string, asset AssetRef, delta decimal.Decimal, meta AssetMetadata) error
}
