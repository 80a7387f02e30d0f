package history

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/simaogato/convertflow-backend/internal/domain"
)

// DefaultLimit caps every history listing
const DefaultLimit = 50

// HistoryService serves the read side of conversions: records, audit trail and fiat ledger
type HistoryService struct {
	ConversionRepo domain.ConversionRepository
	AuditRepo      domain.AuditRepository
	FiatLedgerRepo domain.FiatTransactionRepository
}

// NewHistoryService creates a new HistoryService instance
func NewHistoryService(
	conversionRepo domain.ConversionRepository,
	auditRepo domain.AuditRepository,
	fiatLedgerRepo domain.FiatTransactionRepository,
) *HistoryService {
	return &HistoryService{
		ConversionRepo: conversionRepo,
		AuditRepo:      auditRepo,
		FiatLedgerRepo: fiatLedgerRepo,
	}
}

// ListConversions returns the owner's conversion records, newest first
func (s *HistoryService) ListConversions(ctx context.Context, ownerID string, limit int) ([]*domain.ConversionRecord, error) {
	if ownerID == "" {
		return nil, domain.ErrNotAuthenticated
	}
	records, err := s.ConversionRepo.ListByOwner(ctx, ownerID, clamp(limit))
	if err != nil {
		return nil, fmt.Errorf("failed to list conversions: %w", err)
	}
	return records, nil
}

// GetConversion returns one conversion of the owner
func (s *HistoryService) GetConversion(ctx context.Context, ownerID string, id uuid.UUID) (*domain.ConversionRecord, error) {
	if ownerID == "" {
		return nil, domain.ErrNotAuthenticated
	}
	return s.ConversionRepo.GetByID(ctx, ownerID, id)
}

// ListAuditEvents returns the owner's audit trail, newest first
func (s *HistoryService) ListAuditEvents(ctx context.Context, ownerID string, limit int) ([]*domain.AuditEvent, error) {
	if ownerID == "" {
		return nil, domain.ErrNotAuthenticated
	}
	events, err := s.AuditRepo.ListByOwner(ctx, ownerID, clamp(limit))
	if err != nil {
		return nil, fmt.Errorf("failed to list audit events: %w", err)
	}
	return events, nil
}

// ListFiatTransactions returns the owner's fiat ledger, newest first
func (s *HistoryService) ListFiatTransactions(ctx context.Context, ownerID string, limit int) ([]*domain.FiatTransaction, error) {
	if ownerID == "" {
		return nil, domain.ErrNotAuthenticated
	}
	txs, err := s.FiatLedgerRepo.ListByOwner(ctx, ownerID, clamp(limit))
	if err != nil {
		return nil, fmt.Errorf("failed to list fiat transactions: %w", err)
	}
	return txs, nil
}

func clamp(limit int) int {
	if limit <= 0 || limit > DefaultLimit {
		return DefaultLimit
	}
	return limit
}
