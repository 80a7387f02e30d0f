package domain

import (
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// RollbackStatus is the state of a pending compensation marker
type RollbackStatus string

const (
	RollbackStatusPending      RollbackStatus = "PENDING"
	RollbackStatusResolved     RollbackStatus = "RESOLVED"
	RollbackStatusManualReview RollbackStatus = "MANUAL_REVIEW"
)

// PendingRollback is written before a compensating credit is attempted and resolved after it lands.
// A marker left PENDING means the process stopped between debit and compensation.
type PendingRollback struct {
	ID        uuid.UUID
	OwnerID   string
	AttemptID uuid.UUID // conversion id of the failed attempt
	Asset     AssetRef
	Amount    decimal.Decimal
	// ExpectedBalance is the source balance right after the debit. The compensation
	// is only replayed while the balance still equals this value.
	ExpectedBalance decimal.Decimal
	Reason          string
	Status          RollbackStatus
	CreatedAt       time.Time
	ResolvedAt      *time.Time
}

// Validate ensures the marker carries everything needed to replay the compensation
func (p *PendingRollback) Validate() error {
	if p.ID == uuid.Nil || p.AttemptID == uuid.Nil {
		return errors.New("rollback marker must have an ID and an attempt ID")
	}
	if p.OwnerID == "" {
		return errors.New("rollback marker must have an owner")
	}
	if p.Asset.Symbol == "" {
		return errors.New("rollback marker must reference an asset")
	}
	if p.Amount.LessThanOrEqual(decimal.Zero) {
		return errors.New("rollback amount must be positive")
	}
	return nil
}

// IsPending reports whether the compensation still has to be applied
func (p *PendingRollback) IsPending() bool {
	return p.Status == RollbackStatusPending
}
