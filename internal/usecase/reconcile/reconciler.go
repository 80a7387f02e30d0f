package reconcile

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/simaogato/convertflow-backend/internal/domain"
)

// DefaultBatchSize is the number of markers handled per pass
const DefaultBatchSize = 100

// AuditLogger records reconciliation outcomes
type AuditLogger interface {
	Record(ctx context.Context, ownerID string, event *domain.AuditEvent) error
	RecordCritical(ctx context.Context, ownerID string, event *domain.AuditEvent)
}

// Report summarizes one reconciliation pass
type Report struct {
	Scanned      int
	Resolved     int
	ManualReview int
	Skipped      int // owner busy, retried next pass
	Failed       int // storage errors, marker stays PENDING
}

// Reconciler replays compensations that were interrupted between debit and refund
type Reconciler struct {
	Rollbacks domain.RollbackRepository
	Balances  domain.BalanceStore
	Lock      domain.ConversionLock
	Audit     AuditLogger
	BatchSize int

	logger *zap.Logger
	now    func() time.Time
}

// NewReconciler creates a new Reconciler instance
func NewReconciler(
	rollbacks domain.RollbackRepository,
	balances domain.BalanceStore,
	lock domain.ConversionLock,
	audit AuditLogger,
	logger *zap.Logger,
) *Reconciler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Reconciler{
		Rollbacks: rollbacks,
		Balances:  balances,
		Lock:      lock,
		Audit:     audit,
		BatchSize: DefaultBatchSize,
		logger:    logger,
		now:       time.Now,
	}
}

// ProcessPending handles every PENDING marker, oldest first
// Logic:
//  1. Take the owner's conversion lock (busy owners are skipped until the next pass)
//  2. Source balance == ExpectedBalance: the refund never landed, apply it and mark RESOLVED
//  3. Source balance == ExpectedBalance + Amount: the refund landed, only mark RESOLVED
//  4. Anything else: mark MANUAL_REVIEW and audit a critical failure
func (r *Reconciler) ProcessPending(ctx context.Context) (Report, error) {
	var report Report

	markers, err := r.Rollbacks.ListPending(ctx, r.BatchSize)
	if err != nil {
		return report, fmt.Errorf("failed to list pending rollbacks: %w", err)
	}

	for _, marker := range markers {
		report.Scanned++
		switch r.process(ctx, marker) {
		case outcomeResolved:
			report.Resolved++
		case outcomeManualReview:
			report.ManualReview++
		case outcomeSkipped:
			report.Skipped++
		default:
			report.Failed++
		}
	}

	if report.Scanned > 0 {
		r.logger.Info("reconciliation pass finished",
			zap.Int("scanned", report.Scanned),
			zap.Int("resolved", report.Resolved),
			zap.Int("manual_review", report.ManualReview),
			zap.Int("skipped", report.Skipped),
			zap.Int("failed", report.Failed),
		)
	}
	return report, nil
}

type outcome int

const (
	outcomeFailed outcome = iota
	outcomeResolved
	outcomeManualReview
	outcomeSkipped
)

func (r *Reconciler) process(ctx context.Context, marker *domain.PendingRollback) outcome {
	log := r.logger.With(
		zap.String("marker_id", marker.ID.String()),
		zap.String("owner_id", marker.OwnerID),
		zap.String("asset", marker.Asset.Symbol),
	)

	token, acquired, err := r.Lock.Acquire(ctx, marker.OwnerID, "reconcile "+marker.AttemptID.String())
	if err != nil || !acquired {
		log.Debug("owner busy, deferring rollback", zap.Error(err))
		return outcomeSkipped
	}
	defer func() {
		if err := r.Lock.Release(context.WithoutCancel(ctx), marker.OwnerID, token); err != nil {
			log.Warn("failed to release conversion lock", zap.Error(err))
		}
	}()

	current, err := r.Balances.GetBalance(ctx, marker.OwnerID, marker.Asset)
	if err != nil {
		log.Error("failed to read balance for rollback", zap.Error(err))
		return outcomeFailed
	}

	switch {
	case current.Equal(marker.ExpectedBalance):
		attemptID := marker.AttemptID
		meta := domain.AssetMetadata{
			Memo:         fmt.Sprintf("Conversion rollback recovery %s", marker.Asset.Symbol),
			ConversionID: &attemptID,
		}
		if err := r.Balances.ApplyDelta(ctx, marker.OwnerID, marker.Asset, marker.Amount, meta); err != nil {
			log.Error("failed to replay rollback", zap.Error(err))
			return outcomeFailed
		}
		return r.resolve(ctx, log, marker, current, current.Add(marker.Amount), true)

	case current.Equal(marker.ExpectedBalance.Add(marker.Amount)):
		return r.resolve(ctx, log, marker, marker.ExpectedBalance, current, false)

	default:
		return r.escalate(ctx, log, marker, current)
	}
}

func (r *Reconciler) resolve(
	ctx context.Context,
	log *zap.Logger,
	marker *domain.PendingRollback,
	before, after decimal.Decimal,
	replayed bool,
) outcome {
	resolvedAt := r.now()
	if err := r.Rollbacks.UpdateStatus(ctx, marker.ID, domain.RollbackStatusResolved, &resolvedAt); err != nil {
		// a replayed refund is detected as already applied on the next pass
		log.Error("failed to resolve rollback marker", zap.Error(err))
		return outcomeFailed
	}

	beforeSnap := domain.NewBalanceSnapshot(before, decimal.Zero)
	afterSnap := domain.NewBalanceSnapshot(after, decimal.Zero)
	r.Audit.RecordCritical(ctx, marker.OwnerID, &domain.AuditEvent{
		Operation:      domain.AuditConversionRollback,
		ConversionID:   marker.AttemptID.String(),
		SourceAsset:    marker.Asset.Symbol,
		SourceAmount:   marker.Amount,
		BalancesBefore: &beforeSnap,
		BalancesAfter:  &afterSnap,
		ErrorMessage:   marker.Reason,
		Metadata: map[string]any{
			"recovered":         true,
			"replayed":          replayed,
			"rollbackAmount":    marker.Amount.String(),
			"rollbackCompleted": true,
			"pendingRollbackId": marker.ID.String(),
		},
	})

	log.Info("pending rollback resolved", zap.Bool("replayed", replayed), zap.String("amount", marker.Amount.String()))
	return outcomeResolved
}

func (r *Reconciler) escalate(ctx context.Context, log *zap.Logger, marker *domain.PendingRollback, current decimal.Decimal) outcome {
	if err := r.Rollbacks.UpdateStatus(ctx, marker.ID, domain.RollbackStatusManualReview, nil); err != nil {
		log.Error("failed to flag rollback marker for manual review", zap.Error(err))
		return outcomeFailed
	}

	snap := domain.NewBalanceSnapshot(current, decimal.Zero)
	r.Audit.RecordCritical(ctx, marker.OwnerID, &domain.AuditEvent{
		Operation:      domain.AuditConversionFailed,
		ConversionID:   marker.AttemptID.String(),
		SourceAsset:    marker.Asset.Symbol,
		SourceAmount:   marker.Amount,
		BalancesBefore: &snap,
		ErrorMessage:   "balance moved since the failed conversion, rollback needs manual review",
		Critical:       true,
		Metadata: map[string]any{
			"manualReview":      true,
			"expectedBalance":   marker.ExpectedBalance.String(),
			"actualBalance":     current.String(),
			"rollbackAmount":    marker.Amount.String(),
			"pendingRollbackId": marker.ID.String(),
		},
	})

	log.Error("rollback needs manual review",
		zap.String("expected_balance", marker.ExpectedBalance.String()),
		zap.String("actual_balance", current.String()),
		zap.String("amount", marker.Amount.String()),
	)
	return outcomeManualReview
}
