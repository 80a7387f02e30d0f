package conversion

import (
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/simaogato/convertflow-backend/internal/domain"
	"github.com/simaogato/convertflow-backend/internal/usecase/fee"
)

// State is a step of the conversion state machine
type State int

const (
	StateIdle State = iota
	StateLockAcquired
	StateValidated
	StateDebited
	StateCredited
	StatePersisted
	StateCompleted
	StateRollingBack
	StateFailed
	StateLockReleased
)

var stateNames = map[State]string{
	StateIdle:         "idle",
	StateLockAcquired: "lock_acquired",
	StateValidated:    "validated",
	StateDebited:      "debited",
	StateCredited:     "credited",
	StatePersisted:    "persisted",
	StateCompleted:    "completed",
	StateRollingBack:  "rolling_back",
	StateFailed:       "failed",
	StateLockReleased: "lock_released",
}

func (s State) String() string {
	if name, ok := stateNames[s]; ok {
		return name
	}
	return "unknown"
}

// attempt carries the mutable state of one Execute call
type attempt struct {
	id       uuid.UUID
	req      domain.ConversionRequest
	src, dst domain.AssetRef
	fee      fee.Breakdown

	before  domain.BalanceSnapshot
	checked decimal.Decimal // source balance seen by the re-check

	lockToken string

	debited   bool
	credited  bool
	persisted bool

	state State
	trace []State
	log   *zap.Logger
}

func (a *attempt) transition(to State) {
	a.log.Debug("conversion state changed",
		zap.Stringer("from", a.state),
		zap.Stringer("to", to),
	)
	a.state = to
	a.trace = append(a.trace, to)
}

// sourceMeta annotates the source leg for the ledger
func (a *attempt) sourceMeta(memo string) domain.AssetMetadata {
	id := a.id
	meta := a.req.SourceMeta
	meta.Memo = memo
	meta.ConversionID = &id
	return meta
}

// destinationMeta annotates the destination leg for the ledger
func (a *attempt) destinationMeta(memo string) domain.AssetMetadata {
	id := a.id
	meta := a.req.DestinationMeta
	meta.Memo = memo
	meta.ConversionID = &id
	return meta
}

// expectedAfterDebit is the source balance right after the debit landed.
// Both stores floor at zero: crypto evicts, fiat clamps.
func (a *attempt) expectedAfterDebit() decimal.Decimal {
	after := a.checked.Sub(a.fee.TotalDebit)
	if after.IsNegative() {
		return decimal.Zero
	}
	return after
}
