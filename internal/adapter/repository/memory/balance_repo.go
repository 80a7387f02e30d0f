package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/shopspring/decimal"
	"github.com/simaogato/convertflow-backend/internal/domain"
)

type ownerKey struct {
	owner string
	asset string
}

// holdingRepository implements domain.HoldingRepository in memory
type holdingRepository struct {
	mu       sync.RWMutex
	holdings map[ownerKey]domain.Holding
}

// NewHoldingRepository creates a new in-memory holding repository
func NewHoldingRepository() domain.HoldingRepository {
	return &holdingRepository{holdings: make(map[ownerKey]domain.Holding)}
}

func (r *holdingRepository) Get(ctx context.Context, ownerID, symbol string) (*domain.Holding, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	h, ok := r.holdings[ownerKey{ownerID, symbol}]
	if !ok {
		return nil, fmt.Errorf("holding %s not found: %w", symbol, domain.ErrNotFound)
	}
	return &h, nil
}

func (r *holdingRepository) Upsert(ctx context.Context, holding *domain.Holding) error {
	if err := holding.Validate(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	r.holdings[ownerKey{holding.OwnerID, holding.Symbol}] = *holding
	return nil
}

func (r *holdingRepository) Delete(ctx context.Context, ownerID, symbol string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	delete(r.holdings, ownerKey{ownerID, symbol})
	return nil
}

func (r *holdingRepository) List(ctx context.Context, ownerID string) ([]*domain.Holding, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*domain.Holding, 0)
	for k, h := range r.holdings {
		if k.owner == ownerID {
			h := h
			out = append(out, &h)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Symbol < out[j].Symbol })
	return out, nil
}

func (r *holdingRepository) UpdateValuation(ctx context.Context, ownerID, symbol string, valueUSD decimal.Decimal) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	k := ownerKey{ownerID, symbol}
	h, ok := r.holdings[k]
	if !ok {
		return fmt.Errorf("holding %s not found: %w", symbol, domain.ErrNotFound)
	}
	h.ValueUSD = valueUSD
	r.holdings[k] = h
	return nil
}

// fiatBalanceRepository implements domain.FiatBalanceRepository in memory
type fiatBalanceRepository struct {
	mu       sync.RWMutex
	balances map[ownerKey]domain.FiatBalance
}

// NewFiatBalanceRepository creates a new in-memory fiat balance repository
func NewFiatBalanceRepository() domain.FiatBalanceRepository {
	return &fiatBalanceRepository{balances: make(map[ownerKey]domain.FiatBalance)}
}

func (r *fiatBalanceRepository) Get(ctx context.Context, ownerID, currency string) (*domain.FiatBalance, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	b, ok := r.balances[ownerKey{ownerID, currency}]
	if !ok {
		return nil, fmt.Errorf("fiat balance %s not found: %w", currency, domain.ErrNotFound)
	}
	return &b, nil
}

func (r *fiatBalanceRepository) Upsert(ctx context.Context, balance *domain.FiatBalance) error {
	if err := balance.Validate(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	r.balances[ownerKey{balance.OwnerID, balance.Currency}] = *balance
	return nil
}

func (r *fiatBalanceRepository) List(ctx context.Context, ownerID string) ([]*domain.FiatBalance, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*domain.FiatBalance, 0)
	for k, b := range r.balances {
		if k.owner == ownerID {
			b := b
			out = append(out, &b)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Currency < out[j].Currency })
	return out, nil
}
