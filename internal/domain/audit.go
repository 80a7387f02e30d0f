package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// AuditOperation tags one lifecycle transition of a conversion attempt
type AuditOperation string

const (
	AuditConversionStart    AuditOperation = "conversion_start"
	AuditConversionSuccess  AuditOperation = "conversion_success"
	AuditConversionRollback AuditOperation = "conversion_rollback"
	AuditConversionFailed   AuditOperation = "conversion_failed"
)

// snapshotPlaces is the precision balances are rounded to in audit snapshots
const snapshotPlaces = 8

// BalanceSnapshot captures source and destination balances at one instant
type BalanceSnapshot struct {
	Source      decimal.Decimal `json:"source"`
	Destination decimal.Decimal `json:"destination"`
}

// NewBalanceSnapshot rounds both balances to eight decimal places
func NewBalanceSnapshot(source, destination decimal.Decimal) BalanceSnapshot {
	return BalanceSnapshot{
		Source:      source.Round(snapshotPlaces),
		Destination: destination.Round(snapshotPlaces),
	}
}

// LegSnapshot is the before/after pair of one side of a conversion
type LegSnapshot struct {
	Before decimal.Decimal  `json:"before"`
	After  *decimal.Decimal `json:"after,omitempty"`
}

// SnapshotPair groups before/after balances per leg
type SnapshotPair struct {
	Source      LegSnapshot `json:"source"`
	Destination LegSnapshot `json:"destination"`
}

// AuditEvent is an append-only lifecycle record of a conversion attempt
type AuditEvent struct {
	ID                string // ULID, sortable by creation time
	OwnerID           string
	Operation         AuditOperation
	ConversionID      string
	SourceAsset       string
	DestinationAsset  string
	SourceAmount      decimal.Decimal
	DestinationAmount decimal.Decimal
	Mode              ConversionMode
	BalancesBefore    *BalanceSnapshot
	BalancesAfter     *BalanceSnapshot
	ErrorMessage      string
	Critical          bool
	Metadata          map[string]any
	ClientIP          string
	UserAgent         string
	Timestamp         time.Time
}

// NewSnapshotPair builds the before/after view of one conversion's balances.
// A nil after leaves both After fields unset.
func NewSnapshotPair(before BalanceSnapshot, after *BalanceSnapshot) SnapshotPair {
	pair := SnapshotPair{
		Source:      LegSnapshot{Before: before.Source},
		Destination: LegSnapshot{Before: before.Destination},
	}
	if after != nil {
		src, dst := after.Source, after.Destination
		pair.Source.After = &src
		pair.Destination.After = &dst
	}
	return pair
}

// Snapshots returns the before/after pair view of the event balances
func (e *AuditEvent) Snapshots() SnapshotPair {
	var before BalanceSnapshot
	if e.BalancesBefore != nil {
		before = *e.BalancesBefore
	}
	return NewSnapshotPair(before, e.BalancesAfter)
}
