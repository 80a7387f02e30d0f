package conversion

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/go-multierror"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/simaogato/convertflow-backend/internal/domain"
	"github.com/simaogato/convertflow-backend/internal/retry"
	"github.com/simaogato/convertflow-backend/internal/usecase/fee"
)

// User-facing messages
const (
	msgNotAuthenticated   = "sign in to convert"
	msgLockBusy           = "previous conversion still in progress"
	msgBalanceChanged     = "balance changed during conversion, try again"
	msgBalanceUnavailable = "could not read balances, try again"
	msgRollbackFailed     = "conversion failed, support has been notified"
	msgSuccess            = "conversion completed successfully"
)

// DefaultPersistRetry retries the history write four times, 200ms apart and growing
var DefaultPersistRetry = retry.Policy{MaxRetries: 4, BaseDelay: 200 * time.Millisecond}

// AuditLogger records conversion lifecycle events
type AuditLogger interface {
	Record(ctx context.Context, ownerID string, event *domain.AuditEvent) error
	RecordCritical(ctx context.Context, ownerID string, event *domain.AuditEvent)
}

// Metrics receives conversion outcomes
type Metrics interface {
	ObserveConversion(mode domain.ConversionMode, outcome string, elapsed time.Duration)
	IncLockBusy()
	IncRollback(result string)
	IncHistoryPersistFailure()
}

// Result is returned by Execute for every outcome
type Result struct {
	Success      bool
	Message      string
	ConversionID string
	Fee          decimal.Decimal
	TotalDebited decimal.Decimal
	States       []State
}

// ConversionService executes conversions between two balances of one owner
type ConversionService struct {
	Balances    domain.BalanceStore
	Lock        domain.ConversionLock
	Audit       AuditLogger
	Conversions domain.ConversionRepository
	Rollbacks   domain.RollbackRepository
	Classifier  domain.AssetClassifier
	Publisher   domain.EventPublisher // optional
	Metrics     Metrics               // optional

	PersistRetry retry.Policy

	logger *zap.Logger
	now    func() time.Time
}

// NewConversionService creates a new ConversionService instance
func NewConversionService(
	balances domain.BalanceStore,
	lock domain.ConversionLock,
	audit AuditLogger,
	conversions domain.ConversionRepository,
	rollbacks domain.RollbackRepository,
	classifier domain.AssetClassifier,
	logger *zap.Logger,
) *ConversionService {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ConversionService{
		Balances:     balances,
		Lock:         lock,
		Audit:        audit,
		Conversions:  conversions,
		Rollbacks:    rollbacks,
		Classifier:   classifier,
		PersistRetry: DefaultPersistRetry,
		logger:       logger,
		now:          time.Now,
	}
}

// Execute runs one conversion attempt
// Logic:
//  1. Acquire the owner's lock (fail fast when busy)
//  2. Resolve direction and fee (0.5% on crypto-crypto only)
//  3. Check the source balance covers amount + fee
//  4. Audit conversion_start with the before snapshot
//  5. Re-check the source balance, then debit amount + fee
//  6. Credit the destination amount
//  7. Persist the ConversionRecord and audit conversion_success,
//     or compensate the debit when anything failed between debit and credit
//  8. Release the lock, always
//
// The returned Result is never nil. The error is nil on success and a
// *domain.ConversionError otherwise.
func (s *ConversionService) Execute(ctx context.Context, req domain.ConversionRequest) (res *Result, err error) {
	started := s.now()

	if req.OwnerID == "" {
		return s.fail(req, nil, started, domain.NewConversionError(domain.ErrNotAuthenticated, msgNotAuthenticated, nil))
	}
	if verr := req.Validate(); verr != nil {
		return s.fail(req, nil, started, domain.NewConversionError(domain.ErrInvalidRequest, verr.Error(), verr))
	}
	mode, _ := domain.ParseConversionMode(string(req.Mode))
	req.Mode = mode.Normalize()

	a := &attempt{
		id:  uuid.New(),
		req: req,
		log: s.logger.With(
			zap.String("owner_id", req.OwnerID),
			zap.String("pair", req.Label()),
			zap.String("mode", string(req.Mode)),
		),
	}

	// 1. Acquire lock
	token, acquired, lerr := s.Lock.Acquire(ctx, req.OwnerID, req.Label())
	if lerr != nil || !acquired {
		s.metrics().IncLockBusy()
		if lerr != nil {
			a.log.Warn("conversion lock unavailable", zap.Error(lerr))
		}
		return s.fail(req, a, started, domain.NewConversionError(domain.ErrLockBusy, msgLockBusy, lerr))
	}
	a.lockToken = token
	a.transition(StateLockAcquired)

	// 8. Cleanup runs last, after the panic guard below
	defer func() {
		s.releaseLock(ctx, a)
		if res != nil {
			res.States = append([]State(nil), a.trace...)
		}
	}()
	defer func() {
		if r := recover(); r != nil {
			cause := fmt.Errorf("conversion panicked: %v", r)
			a.log.Error("conversion panicked", zap.Any("panic", r), zap.Stringer("state", a.state))
			if a.debited && !a.credited {
				res, err = s.compensate(context.WithoutCancel(ctx), a, started, cause)
				return
			}
			if a.credited {
				// balances already moved correctly
				res, err = s.recoverCompleted(context.WithoutCancel(ctx), a, started, cause)
				return
			}
			res, err = s.fail(req, a, started, domain.NewConversionError(domain.ErrDebitFailed, cause.Error(), cause))
		}
	}()

	return s.run(ctx, a, started)
}

func (s *ConversionService) run(ctx context.Context, a *attempt, started time.Time) (*Result, error) {
	req := a.req

	// 2. Resolve direction and fee
	src, dst, err := s.resolveLegs(req)
	if err != nil {
		return s.fail(req, a, started, domain.NewConversionError(domain.ErrInvalidRequest, err.Error(), err))
	}
	a.src, a.dst = src, dst

	breakdown, err := fee.Calculate(req.Mode, req.SourceAmount)
	if err != nil {
		return s.fail(req, a, started, domain.NewConversionError(domain.ErrInvalidRequest, err.Error(), err))
	}
	a.fee = breakdown

	// 3. First balance check
	srcBefore, err := s.Balances.GetBalance(ctx, req.OwnerID, src)
	if err != nil {
		a.log.Error("failed to read source balance", zap.Error(err))
		return s.fail(req, a, started, domain.NewConversionError(domain.ErrBalanceUnavailable, msgBalanceUnavailable, err))
	}
	if !fee.HasEnoughBalance(srcBefore, breakdown) {
		msg := insufficientMessage(src.Symbol, srcBefore, breakdown)
		return s.fail(req, a, started, domain.NewConversionError(domain.ErrInsufficientBalance, msg, nil))
	}
	dstBefore, err := s.Balances.GetBalance(ctx, req.OwnerID, dst)
	if err != nil {
		a.log.Error("failed to read destination balance", zap.Error(err))
		return s.fail(req, a, started, domain.NewConversionError(domain.ErrBalanceUnavailable, msgBalanceUnavailable, err))
	}
	a.before = domain.NewBalanceSnapshot(srcBefore, dstBefore)
	a.transition(StateValidated)

	// 4. Audit conversion_start
	_ = s.Audit.Record(ctx, req.OwnerID, s.event(domain.AuditConversionStart, a))

	// Money moves from here on: caller cancellation must not interrupt the saga
	mctx := context.WithoutCancel(ctx)

	// 5. Re-check then debit
	current, err := s.Balances.GetBalance(mctx, req.OwnerID, src)
	if err != nil {
		a.log.Error("failed to re-read source balance", zap.Error(err))
		return s.failAfterStart(mctx, a, started, domain.NewConversionError(domain.ErrBalanceUnavailable, msgBalanceUnavailable, err))
	}
	if !fee.HasEnoughBalance(current, breakdown) {
		a.log.Warn("source balance changed before debit",
			zap.String("before", srcBefore.String()),
			zap.String("current", current.String()),
		)
		return s.failAfterStart(mctx, a, started, domain.NewConversionError(domain.ErrBalanceChanged, msgBalanceChanged, nil))
	}
	a.checked = current

	memo := fmt.Sprintf("Conversion %s", req.Label())
	if err := s.Balances.ApplyDelta(mctx, req.OwnerID, src, breakdown.TotalDebit.Neg(), a.sourceMeta(memo)); err != nil {
		a.log.Error("debit failed", zap.Error(err))
		return s.failAfterStart(mctx, a, started, domain.NewConversionError(domain.ErrDebitFailed, err.Error(), err))
	}
	a.debited = true
	a.transition(StateDebited)

	// 6. Credit destination
	if err := s.Balances.ApplyDelta(mctx, req.OwnerID, dst, req.DestinationAmount, a.destinationMeta(memo)); err != nil {
		a.log.Error("credit failed, rolling back debit", zap.Error(err))
		return s.compensate(mctx, a, started, err)
	}
	a.credited = true
	a.transition(StateCredited)

	// 7. Persist and report success
	return s.complete(mctx, a, started)
}

// resolveLegs classifies both assets and checks they fit the conversion mode
func (s *ConversionService) resolveLegs(req domain.ConversionRequest) (domain.AssetRef, domain.AssetRef, error) {
	src := domain.Ref(s.Classifier, req.SourceAsset)
	dst := domain.Ref(s.Classifier, req.DestinationAsset)

	switch req.Mode {
	case domain.ModeCryptoCrypto:
		if !src.IsCrypto() || !dst.IsCrypto() {
			return src, dst, errors.New("crypto-crypto conversion requires two crypto assets")
		}
	case domain.ModeCryptoFiat:
		if src.IsCrypto() == dst.IsCrypto() {
			return src, dst, errors.New("crypto-fiat conversion requires one crypto and one fiat asset")
		}
	case domain.ModeFiatFiat:
		if src.IsCrypto() || dst.IsCrypto() {
			return src, dst, errors.New("fiat-fiat conversion requires two fiat assets")
		}
	}
	return src, dst, nil
}

func (s *ConversionService) complete(ctx context.Context, a *attempt, started time.Time) (*Result, error) {
	req := a.req

	persisted := s.persist(ctx, a, s.record(a, started))
	if persisted {
		a.persisted = true
		a.transition(StatePersisted)
	}

	after := s.snapshotAfter(ctx, a)
	event := s.event(domain.AuditConversionSuccess, a)
	event.BalancesAfter = &after
	event.Metadata["historyPersisted"] = persisted
	_ = s.Audit.Record(ctx, req.OwnerID, event)

	s.publish(ctx, a, domain.EventConversionCompleted, "")
	a.transition(StateCompleted)
	s.metrics().ObserveConversion(req.Mode, "completed", s.now().Sub(started))

	a.log.Info("conversion completed",
		zap.String("conversion_id", a.id.String()),
		zap.String("fee", a.fee.Fee.String()),
		zap.String("total_debited", a.fee.TotalDebit.String()),
		zap.Bool("history_persisted", persisted),
	)

	res := s.result(a, msgSuccess)
	res.Success = true
	return res, nil
}

// recoverCompleted finishes an attempt that panicked after the credit landed.
// The history record is written if it was not yet, and a critical conversion_success
// event records the crash. Neither step may panic again.
func (s *ConversionService) recoverCompleted(ctx context.Context, a *attempt, started time.Time, cause error) (*Result, error) {
	persisted := a.persisted
	if !persisted {
		s.safely(a, "persist conversion history", func() {
			persisted = s.persist(ctx, a, s.record(a, started))
		})
		a.persisted = persisted
	}

	s.safely(a, "audit recovered conversion", func() {
		after := s.snapshotAfter(ctx, a)
		event := s.event(domain.AuditConversionSuccess, a)
		event.BalancesAfter = &after
		event.Critical = true
		event.ErrorMessage = cause.Error()
		event.Metadata["historyPersisted"] = persisted
		event.Metadata["recoveredFromPanic"] = true
		s.Audit.RecordCritical(ctx, a.req.OwnerID, event)
	})

	a.transition(StateCompleted)
	s.metrics().ObserveConversion(a.req.Mode, "completed", s.now().Sub(started))

	res := s.result(a, msgSuccess)
	res.Success = true
	return res, nil
}

// safely runs fn and logs a panic instead of propagating it
func (s *ConversionService) safely(a *attempt, step string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			a.log.Error("step panicked during recovery", zap.String("step", step), zap.Any("panic", r))
		}
	}()
	fn()
}

// record builds the history row of a completed attempt
func (s *ConversionService) record(a *attempt, started time.Time) *domain.ConversionRecord {
	req := a.req
	completedAt := s.now()

	return &domain.ConversionRecord{
		ID:                a.id,
		OwnerID:           req.OwnerID,
		SourceAsset:       a.src.Symbol,
		DestinationAsset:  a.dst.Symbol,
		SourceAmount:      req.SourceAmount,
		DestinationAmount: req.DestinationAmount,
		ExchangeRate:      req.ExchangeRate,
		Mode:              req.Mode,
		SourceCoinID:      req.SourceMeta.CoinID,
		DestinationCoinID: req.DestinationMeta.CoinID,
		SourceName:        req.SourceMeta.Name,
		DestinationName:   req.DestinationMeta.Name,
		Fee:               a.fee.Fee,
		FeePercentage:     a.fee.FeePercentage,
		Status:            domain.ConversionStatusCompleted,
		CreatedAt:         started,
		CompletedAt:       &completedAt,
	}
}

// persist writes the history record with retries. A failure does not undo the conversion.
func (s *ConversionService) persist(ctx context.Context, a *attempt, record *domain.ConversionRecord) bool {
	if err := record.Validate(); err != nil {
		a.log.Error("invalid conversion record", zap.Error(err))
		s.metrics().IncHistoryPersistFailure()
		return false
	}

	err := retry.Do(ctx, s.PersistRetry, func() error {
		return s.Conversions.Create(ctx, record)
	}, func(err error, attempt int, wait time.Duration) {
		a.log.Warn("conversion history write failed, retrying",
			zap.Int("attempt", attempt),
			zap.Duration("wait", wait),
			zap.Error(err),
		)
	})
	if err != nil {
		a.log.Error("conversion history lost, balances already moved",
			zap.String("conversion_id", record.ID.String()),
			zap.Error(fmt.Errorf("%w: %v", domain.ErrPersistenceFailed, err)),
		)
		s.metrics().IncHistoryPersistFailure()
		return false
	}
	return true
}

// compensate re-credits the full debited amount after a failure between debit and credit
// Logic:
//  1. Write a PENDING rollback marker (expected balance = source balance after the debit)
//  2. Credit amount + fee back to the source
//  3. Resolve the marker and audit conversion_rollback
//  4. If the credit fails, leave the marker PENDING and audit a critical conversion_failed
func (s *ConversionService) compensate(ctx context.Context, a *attempt, started time.Time, cause error) (*Result, error) {
	a.transition(StateRollingBack)
	req := a.req

	marker := &domain.PendingRollback{
		ID:              uuid.New(),
		OwnerID:         req.OwnerID,
		AttemptID:       a.id,
		Asset:           a.src,
		Amount:          a.fee.TotalDebit,
		ExpectedBalance: a.expectedAfterDebit(),
		Reason:          cause.Error(),
		Status:          domain.RollbackStatusPending,
		CreatedAt:       s.now(),
	}
	markerWritten := false
	if s.Rollbacks != nil {
		if err := s.Rollbacks.Create(ctx, marker); err != nil {
			a.log.Error("failed to write rollback marker", zap.Error(err))
		} else {
			markerWritten = true
		}
	}

	rbErr := s.Balances.ApplyDelta(ctx, req.OwnerID, a.src, a.fee.TotalDebit, a.sourceMeta(fmt.Sprintf("Conversion rollback %s", req.Label())))
	if rbErr == nil {
		if markerWritten {
			resolvedAt := s.now()
			if err := s.Rollbacks.UpdateStatus(ctx, marker.ID, domain.RollbackStatusResolved, &resolvedAt); err != nil {
				a.log.Warn("failed to resolve rollback marker", zap.String("marker_id", marker.ID.String()), zap.Error(err))
			}
		}

		restored := a.before
		event := s.event(domain.AuditConversionRollback, a)
		event.BalancesAfter = &restored
		event.ErrorMessage = cause.Error()
		event.Metadata["rollbackAmount"] = a.fee.TotalDebit.String()
		event.Metadata["rollbackCompleted"] = true
		s.Audit.RecordCritical(ctx, req.OwnerID, event)

		s.metrics().IncRollback("succeeded")
		s.publish(ctx, a, domain.EventConversionRolledBack, cause.Error())
		a.transition(StateFailed)
		s.metrics().ObserveConversion(req.Mode, "rolled_back", s.now().Sub(started))

		a.log.Warn("conversion rolled back", zap.String("conversion_id", a.id.String()), zap.Error(cause))
		cerr := domain.NewConversionError(domain.ErrCreditFailed, cause.Error(), cause)
		return s.result(a, cerr.Message), cerr
	}

	combined := multierror.Append(cause, rbErr)
	event := s.event(domain.AuditConversionFailed, a)
	event.Critical = true
	event.ErrorMessage = combined.Error()
	event.Metadata["rollbackFailed"] = true
	event.Metadata["originalError"] = cause.Error()
	event.Metadata["rollbackError"] = rbErr.Error()
	event.Metadata["rollbackAmount"] = a.fee.TotalDebit.String()
	if markerWritten {
		event.Metadata["pendingRollbackId"] = marker.ID.String()
	}
	s.Audit.RecordCritical(ctx, req.OwnerID, event)

	s.metrics().IncRollback("failed")
	s.publish(ctx, a, domain.EventConversionRollbackFailed, combined.Error())
	a.transition(StateFailed)
	s.metrics().ObserveConversion(req.Mode, "rollback_failed", s.now().Sub(started))

	a.log.Error("rollback failed, manual reconciliation required",
		zap.String("conversion_id", a.id.String()),
		zap.String("amount", a.fee.TotalDebit.String()),
		zap.String("asset", a.src.Symbol),
		zap.Bool("marker_written", markerWritten),
		zap.NamedError("original_error", cause),
		zap.NamedError("rollback_error", rbErr),
	)
	return s.result(a, msgRollbackFailed), domain.NewConversionError(domain.ErrRollbackFailed, msgRollbackFailed, combined.ErrorOrNil())
}

// failAfterStart audits conversion_failed for failures that happened before any money moved
func (s *ConversionService) failAfterStart(ctx context.Context, a *attempt, started time.Time, cerr *domain.ConversionError) (*Result, error) {
	event := s.event(domain.AuditConversionFailed, a)
	event.ErrorMessage = cerr.Error()
	s.Audit.RecordCritical(ctx, a.req.OwnerID, event)
	return s.fail(a.req, a, started, cerr)
}

func (s *ConversionService) fail(req domain.ConversionRequest, a *attempt, started time.Time, cerr *domain.ConversionError) (*Result, error) {
	if a != nil && a.state != StateIdle {
		a.transition(StateFailed)
	}
	s.metrics().ObserveConversion(req.Mode, outcome(cerr), s.now().Sub(started))

	res := &Result{Message: cerr.Message}
	if a != nil {
		res.Fee = a.fee.Fee
		res.TotalDebited = a.fee.TotalDebit
	}
	return res, cerr
}

func (s *ConversionService) result(a *attempt, message string) *Result {
	return &Result{
		Message:      message,
		ConversionID: a.id.String(),
		Fee:          a.fee.Fee,
		TotalDebited: a.fee.TotalDebit,
	}
}

func (s *ConversionService) releaseLock(ctx context.Context, a *attempt) {
	if err := s.Lock.Release(context.WithoutCancel(ctx), a.req.OwnerID, a.lockToken); err != nil {
		a.log.Warn("failed to release conversion lock", zap.Error(err))
	}
	a.transition(StateLockReleased)
}

// snapshotAfter reads both balances after the credit. Read failures fall back to the expected values.
func (s *ConversionService) snapshotAfter(ctx context.Context, a *attempt) domain.BalanceSnapshot {
	src, err := s.Balances.GetBalance(ctx, a.req.OwnerID, a.src)
	if err != nil {
		a.log.Warn("failed to read source balance after conversion", zap.Error(err))
		src = a.expectedAfterDebit()
	}
	dst, err := s.Balances.GetBalance(ctx, a.req.OwnerID, a.dst)
	if err != nil {
		a.log.Warn("failed to read destination balance after conversion", zap.Error(err))
		dst = a.before.Destination.Add(a.req.DestinationAmount)
	}
	return domain.NewBalanceSnapshot(src, dst)
}

func (s *ConversionService) event(op domain.AuditOperation, a *attempt) *domain.AuditEvent {
	before := a.before
	return &domain.AuditEvent{
		Operation:         op,
		ConversionID:      a.id.String(),
		SourceAsset:       a.req.SourceAsset,
		DestinationAsset:  a.req.DestinationAsset,
		SourceAmount:      a.req.SourceAmount,
		DestinationAmount: a.req.DestinationAmount,
		Mode:              a.req.Mode,
		BalancesBefore:    &before,
		Metadata: map[string]any{
			"fee":           a.fee.Fee.String(),
			"feePercentage": a.fee.FeePercentage.String(),
			"totalDeducted": a.fee.TotalDebit.String(),
			"exchangeRate":  a.req.ExchangeRate.String(),
		},
	}
}

func (s *ConversionService) publish(ctx context.Context, a *attempt, eventType domain.ConversionEventType, errMsg string) {
	if s.Publisher == nil {
		return
	}
	event := &domain.ConversionEvent{
		Type:              eventType,
		ConversionID:      a.id.String(),
		OwnerID:           a.req.OwnerID,
		SourceAsset:       a.src.Symbol,
		DestinationAsset:  a.dst.Symbol,
		SourceAmount:      a.req.SourceAmount.String(),
		DestinationAmount: a.req.DestinationAmount.String(),
		Fee:               a.fee.Fee.String(),
		Mode:              a.req.Mode,
		ErrorMessage:      errMsg,
		Timestamp:         s.now().UTC(),
	}
	if err := s.Publisher.Publish(ctx, event); err != nil {
		a.log.Warn("failed to publish conversion event", zap.String("event_type", string(eventType)), zap.Error(err))
	}
}

func (s *ConversionService) metrics() Metrics {
	if s.Metrics == nil {
		return nopMetrics{}
	}
	return s.Metrics
}

func insufficientMessage(symbol string, balance decimal.Decimal, b fee.Breakdown) string {
	return fmt.Sprintf("insufficient balance: need %s %s, available %s %s (short %s %s)",
		b.TotalDebit.String(), symbol,
		balance.String(), symbol,
		fee.Shortfall(balance, b).String(), symbol,
	)
}

func outcome(err error) string {
	switch {
	case errors.Is(err, domain.ErrNotAuthenticated):
		return "not_authenticated"
	case errors.Is(err, domain.ErrInvalidRequest):
		return "invalid"
	case errors.Is(err, domain.ErrLockBusy):
		return "lock_busy"
	case errors.Is(err, domain.ErrBalanceChanged):
		return "balance_changed"
	case errors.Is(err, domain.ErrInsufficientBalance):
		return "insufficient_balance"
	case errors.Is(err, domain.ErrDebitFailed):
		return "debit_failed"
	default:
		return "failed"
	}
}

type nopMetrics struct{}

func (nopMetrics) ObserveConversion(domain.ConversionMode, string, time.Duration) {}
func (nopMetrics) IncLockBusy()                                                   {}
func (nopMetrics) IncRollback(string)                                             {}
func (nopMetrics) IncHistoryPersistFailure()                                      {}
