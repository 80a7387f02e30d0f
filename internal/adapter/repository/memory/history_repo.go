package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/simaogato/convertflow-backend/internal/domain"
)

// newestFirst returns at most limit items, newest first. A non-positive limit returns everything.
func newestFirst[T any](items []T, createdAt func(T) time.Time, limit int) []T {
	out := make([]T, len(items))
	copy(out, items)
	sort.SliceStable(out, func(i, j int) bool {
		return createdAt(out[i]).After(createdAt(out[j]))
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

// conversionRepository implements domain.ConversionRepository in memory
type conversionRepository struct {
	mu      sync.RWMutex
	records []domain.ConversionRecord
}

// NewConversionRepository creates a new in-memory conversion repository
func NewConversionRepository() domain.ConversionRepository {
	return &conversionRepository{}
}

func (r *conversionRepository) Create(ctx context.Context, record *domain.ConversionRecord) error {
	if err := record.Validate(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, existing := range r.records {
		if existing.ID == record.ID {
			return fmt.Errorf("conversion %s already exists", record.ID)
		}
	}
	r.records = append(r.records, *record)
	return nil
}

func (r *conversionRepository) GetByID(ctx context.Context, ownerID string, id uuid.UUID) (*domain.ConversionRecord, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, rec := range r.records {
		if rec.ID == id && rec.OwnerID == ownerID {
			rec := rec
			return &rec, nil
		}
	}
	return nil, fmt.Errorf("conversion %s not found: %w", id, domain.ErrNotFound)
}

func (r *conversionRepository) ListByOwner(ctx context.Context, ownerID string, limit int) ([]*domain.ConversionRecord, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	owned := make([]*domain.ConversionRecord, 0)
	for _, rec := range r.records {
		if rec.OwnerID == ownerID {
			rec := rec
			owned = append(owned, &rec)
		}
	}
	return newestFirst(owned, func(c *domain.ConversionRecord) time.Time { return c.CreatedAt }, limit), nil
}

// auditRepository implements domain.AuditRepository in memory
type auditRepository struct {
	mu     sync.RWMutex
	events []domain.AuditEvent
}

// NewAuditRepository creates a new in-memory audit repository
func NewAuditRepository() domain.AuditRepository {
	return &auditRepository{}
}

func (r *auditRepository) Append(ctx context.Context, event *domain.AuditEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.events = append(r.events, *event)
	return nil
}

// ListByOwner returns events newest first. Events written in the same instant keep
// reverse insertion order.
func (r *auditRepository) ListByOwner(ctx context.Context, ownerID string, limit int) ([]*domain.AuditEvent, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	owned := make([]*domain.AuditEvent, 0)
	for i := len(r.events) - 1; i >= 0; i-- {
		if r.events[i].OwnerID == ownerID {
			e := r.events[i]
			owned = append(owned, &e)
		}
	}
	return newestFirst(owned, func(e *domain.AuditEvent) time.Time { return e.Timestamp }, limit), nil
}

// fiatTransactionRepository implements domain.FiatTransactionRepository in memory
type fiatTransactionRepository struct {
	mu  sync.RWMutex
	txs []domain.FiatTransaction
}

// NewFiatTransactionRepository creates a new in-memory fiat ledger
func NewFiatTransactionRepository() domain.FiatTransactionRepository {
	return &fiatTransactionRepository{}
}

func (r *fiatTransactionRepository) Create(ctx context.Context, tx *domain.FiatTransaction) error {
	if err := tx.Validate(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	r.txs = append(r.txs, *tx)
	return nil
}

func (r *fiatTransactionRepository) ListByOwner(ctx context.Context, ownerID string, limit int) ([]*domain.FiatTransaction, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	owned := make([]*domain.FiatTransaction, 0)
	for i := len(r.txs) - 1; i >= 0; i-- {
		if r.txs[i].OwnerID == ownerID {
			tx := r.txs[i]
			owned = append(owned, &tx)
		}
	}
	return newestFirst(owned, func(t *domain.FiatTransaction) time.Time { return t.CreatedAt }, limit), nil
}

// rollbackRepository implements domain.RollbackRepository in memory
type rollbackRepository struct {
	mu      sync.RWMutex
	markers map[uuid.UUID]domain.PendingRollback
}

// NewRollbackRepository creates a new in-memory rollback marker store
func NewRollbackRepository() domain.RollbackRepository {
	return &rollbackRepository{markers: make(map[uuid.UUID]domain.PendingRollback)}
}

func (r *rollbackRepository) Create(ctx context.Context, marker *domain.PendingRollback) error {
	if err := marker.Validate(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	r.markers[marker.ID] = *marker
	return nil
}

func (r *rollbackRepository) UpdateStatus(ctx context.Context, id uuid.UUID, status domain.RollbackStatus, resolvedAt *time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	m, ok := r.markers[id]
	if !ok {
		return fmt.Errorf("rollback marker %s not found: %w", id, domain.ErrNotFound)
	}
	m.Status = status
	m.ResolvedAt = resolvedAt
	r.markers[id] = m
	return nil
}

func (r *rollbackRepository) ListPending(ctx context.Context, limit int) ([]*domain.PendingRollback, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*domain.PendingRollback, 0)
	for _, m := range r.markers {
		if m.IsPending() {
			m := m
			out = append(out, &m)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// assetRepository implements domain.AssetRepository in memory
type assetRepository struct {
	mu     sync.RWMutex
	assets map[string]domain.Asset
}

// NewAssetRepository creates a new in-memory asset catalog
func NewAssetRepository() domain.AssetRepository {
	return &assetRepository{assets: make(map[string]domain.Asset)}
}

func (r *assetRepository) GetBySymbol(ctx context.Context, symbol string) (*domain.Asset, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	a, ok := r.assets[symbol]
	if !ok {
		return nil, fmt.Errorf("asset %s not found: %w", symbol, domain.ErrNotFound)
	}
	return &a, nil
}

func (r *assetRepository) Create(ctx context.Context, asset *domain.Asset) error {
	if err := asset.Validate(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.assets[asset.Symbol]; ok {
		return fmt.Errorf("asset %s already exists", asset.Symbol)
	}
	r.assets[asset.Symbol] = *asset
	return nil
}

func (r *assetRepository) List(ctx context.Context) ([]*domain.Asset, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*domain.Asset, 0, len(r.assets))
	for _, a := range r.assets {
		a := a
		out = append(out, &a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Symbol < out[j].Symbol })
	return out, nil
}
