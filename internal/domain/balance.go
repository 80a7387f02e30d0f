package domain

import (
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// ErrInvalidRecord matches every balance validation failure. Retrying the write cannot fix it.
var ErrInvalidRecord = errors.New("invalid balance record")

type recordError struct{ msg string }

func invalidRecord(msg string) error { return &recordError{msg: msg} }

func (e *recordError) Error() string { return e.msg }

func (e *recordError) Is(target error) bool { return target == ErrInvalidRecord }

// Holding is a crypto balance of an owner.
// A holding with a non-positive amount is never stored; it is deleted instead.
type Holding struct {
	OwnerID   string
	Symbol    string
	CoinID    string
	Name      string
	Amount    decimal.Decimal
	ValueUSD  decimal.Decimal // Denormalized valuation (Amount x price at write time)
	UpdatedAt time.Time
}

// Validate ensures the holding can be persisted
func (h *Holding) Validate() error {
	if h.OwnerID == "" {
		return invalidRecord("holding owner cannot be empty")
	}
	if h.Symbol == "" {
		return invalidRecord("holding symbol cannot be empty")
	}
	if h.Amount.LessThanOrEqual(decimal.Zero) {
		return invalidRecord("holding amount must be positive")
	}
	return nil
}

// FiatBalance is a fiat balance of an owner. It is clamped at zero and never deleted.
type FiatBalance struct {
	OwnerID   string
	Currency  string
	Balance   decimal.Decimal
	UpdatedAt time.Time
}

// Validate ensures the fiat balance can be persisted
func (f *FiatBalance) Validate() error {
	if f.OwnerID == "" {
		return invalidRecord("fiat balance owner cannot be empty")
	}
	if f.Currency == "" {
		return invalidRecord("fiat balance currency cannot be empty")
	}
	if f.Balance.IsNegative() {
		return invalidRecord("fiat balance cannot be negative")
	}
	return nil
}

// FiatTransactionType is the direction of a fiat ledger line
type FiatTransactionType string

const (
	FiatTransactionCredit FiatTransactionType = "CREDIT"
	FiatTransactionDebit  FiatTransactionType = "DEBIT"
)

// FiatTransaction is a ledger line written for every applied fiat delta
type FiatTransaction struct {
	ID            uuid.UUID
	OwnerID       string
	Currency      string
	Type          FiatTransactionType
	Amount        decimal.Decimal // Always positive, direction is carried by Type
	BalanceBefore decimal.Decimal
	BalanceAfter  decimal.Decimal
	Description   string
	ConversionID  *uuid.UUID
	CreatedAt     time.Time
}

// Validate ensures the ledger line is consistent
func (t *FiatTransaction) Validate() error {
	if t.OwnerID == "" || t.Currency == "" {
		return errors.New("fiat transaction must have an owner and a currency")
	}
	if t.Type != FiatTransactionCredit && t.Type != FiatTransactionDebit {
		return errors.New("fiat transaction type must be CREDIT or DEBIT")
	}
	if t.Amount.IsNegative() {
		return errors.New("fiat transaction amount cannot be negative")
	}
	return nil
}
