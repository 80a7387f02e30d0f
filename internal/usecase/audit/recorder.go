package audit

import (
	"context"
	"time"

	"github.com/oklog/ulid/v2"
	"go.uber.org/zap"

	"github.com/simaogato/convertflow-backend/internal/domain"
)

// Recorder appends conversion lifecycle events to the audit trail
type Recorder struct {
	Repo domain.AuditRepository

	logger *zap.Logger
	now    func() time.Time
}

// NewRecorder creates a new Recorder instance
func NewRecorder(repo domain.AuditRepository, logger *zap.Logger) *Recorder {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Recorder{
		Repo:   repo,
		logger: logger,
		now:    time.Now,
	}
}

// Record appends an event. The error is returned for callers that care;
// success-path callers ignore it since it is already logged.
func (r *Recorder) Record(ctx context.Context, ownerID string, event *domain.AuditEvent) error {
	if ownerID == "" {
		r.logger.Warn("skipping audit event without owner", zap.String("operation", string(event.Operation)))
		return domain.ErrNotAuthenticated
	}

	event.OwnerID = ownerID
	if event.ID == "" {
		event.ID = ulid.Make().String()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = r.now().UTC()
	}
	if client, ok := ClientFromContext(ctx); ok {
		event.ClientIP = client.IP
		event.UserAgent = client.UserAgent
	}

	if err := r.Repo.Append(ctx, event); err != nil {
		r.logger.Error("failed to save audit event",
			zap.String("owner_id", ownerID),
			zap.String("operation", string(event.Operation)),
			zap.String("conversion_id", event.ConversionID),
			zap.Error(err),
		)
		return err
	}

	r.logger.Debug("audit event saved",
		zap.String("owner_id", ownerID),
		zap.String("operation", string(event.Operation)),
		zap.String("event_id", event.ID),
	)
	return nil
}

// RecordCritical appends an event that must not be lost. If the write fails, a secondary
// critical conversion_failed event describing the lost one is attempted.
func (r *Recorder) RecordCritical(ctx context.Context, ownerID string, event *domain.AuditEvent) {
	err := r.Record(ctx, ownerID, event)
	if err == nil {
		return
	}

	secondary := &domain.AuditEvent{
		Operation:         domain.AuditConversionFailed,
		ConversionID:      event.ConversionID,
		SourceAsset:       event.SourceAsset,
		DestinationAsset:  event.DestinationAsset,
		SourceAmount:      event.SourceAmount,
		DestinationAmount: event.DestinationAmount,
		Mode:              event.Mode,
		BalancesBefore:    event.BalancesBefore,
		BalancesAfter:     event.BalancesAfter,
		ErrorMessage:      event.ErrorMessage,
		Critical:          true,
		Metadata: map[string]any{
			"auditWriteError":   err.Error(),
			"originalOperation": string(event.Operation),
			"originalEventId":   event.ID,
		},
	}
	if secErr := r.Record(ctx, ownerID, secondary); secErr != nil {
		r.logger.Error("audit trail lost for conversion event",
			zap.String("owner_id", ownerID),
			zap.String("operation", string(event.Operation)),
			zap.String("conversion_id", event.ConversionID),
			zap.String("error_message", event.ErrorMessage),
			zap.NamedError("audit_error", secErr),
		)
	}
}
