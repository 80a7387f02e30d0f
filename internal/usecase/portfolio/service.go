package portfolio

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/simaogato/convertflow-backend/internal/domain"
)

// HoldingValue is a crypto holding priced in USD
type HoldingValue struct {
	Symbol   string
	CoinID   string
	Name     string
	Amount   decimal.Decimal
	PriceUSD decimal.Decimal
	ValueUSD decimal.Decimal
	Priced   bool // false when no live price was available and the stored valuation was used
}

// FiatValue is a fiat balance converted to USD
type FiatValue struct {
	Currency  string
	Balance   decimal.Decimal
	RateToUSD decimal.Decimal // units per USD
	ValueUSD  decimal.Decimal
}

// Valuation represents the owner's total worth in USD
type Valuation struct {
	Holdings  []HoldingValue
	Fiat      []FiatValue
	CryptoUSD decimal.Decimal
	FiatUSD   decimal.Decimal
	TotalUSD  decimal.Decimal
}

// PortfolioService values an owner's balances
type PortfolioService struct {
	HoldingRepo domain.HoldingRepository
	FiatRepo    domain.FiatBalanceRepository
	PriceOracle domain.PriceOracle

	logger *zap.Logger
}

// NewPortfolioService creates a new PortfolioService instance
func NewPortfolioService(
	holdingRepo domain.HoldingRepository,
	fiatRepo domain.FiatBalanceRepository,
	priceOracle domain.PriceOracle,
	logger *zap.Logger,
) *PortfolioService {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &PortfolioService{
		HoldingRepo: holdingRepo,
		FiatRepo:    fiatRepo,
		PriceOracle: priceOracle,
		logger:      logger,
	}
}

// GetValuation calculates the owner's worth
// Logic:
//   - Crypto: amount x live USD price (stored ValueUSD when the price is unavailable)
//   - Fiat: balance / rate (rates are units per USD)
//   - Total: Crypto + Fiat
func (s *PortfolioService) GetValuation(ctx context.Context, ownerID string) (*Valuation, error) {
	if ownerID == "" {
		return nil, domain.ErrNotAuthenticated
	}

	// 1. Crypto holdings
	holdings, err := s.HoldingRepo.List(ctx, ownerID)
	if err != nil {
		return nil, fmt.Errorf("failed to list holdings: %w", err)
	}

	v := &Valuation{
		Holdings:  make([]HoldingValue, 0, len(holdings)),
		Fiat:      make([]FiatValue, 0),
		CryptoUSD: decimal.Zero,
		FiatUSD:   decimal.Zero,
	}
	for _, h := range holdings {
		hv := HoldingValue{
			Symbol:   h.Symbol,
			CoinID:   h.CoinID,
			Name:     h.Name,
			Amount:   h.Amount,
			ValueUSD: h.ValueUSD,
		}
		if price, ok := s.price(ctx, h); ok {
			hv.PriceUSD = price
			hv.ValueUSD = h.Amount.Mul(price)
			hv.Priced = true
		}
		v.Holdings = append(v.Holdings, hv)
		v.CryptoUSD = v.CryptoUSD.Add(hv.ValueUSD)
	}

	// 2. Fiat balances
	balances, err := s.FiatRepo.List(ctx, ownerID)
	if err != nil {
		return nil, fmt.Errorf("failed to list fiat balances: %w", err)
	}
	for _, b := range balances {
		fv := FiatValue{Currency: b.Currency, Balance: b.Balance, ValueUSD: decimal.Zero}
		r, err := s.PriceOracle.FiatRate(ctx, b.Currency)
		if err != nil || !r.IsPositive() {
			// unknown currencies are listed but not counted
			s.logger.Warn("no rate for fiat currency", zap.String("currency", b.Currency), zap.Error(err))
		} else {
			fv.RateToUSD = r
			fv.ValueUSD = b.Balance.Div(r).Round(2)
		}
		v.Fiat = append(v.Fiat, fv)
		v.FiatUSD = v.FiatUSD.Add(fv.ValueUSD)
	}

	// 3. Total
	v.TotalUSD = v.CryptoUSD.Add(v.FiatUSD)
	return v, nil
}

// SyncValues refreshes the stored USD valuation of every holding and returns how many changed.
// Amounts are never touched.
func (s *PortfolioService) SyncValues(ctx context.Context, ownerID string) (int, error) {
	if ownerID == "" {
		return 0, domain.ErrNotAuthenticated
	}

	holdings, err := s.HoldingRepo.List(ctx, ownerID)
	if err != nil {
		return 0, fmt.Errorf("failed to list holdings: %w", err)
	}

	updated := 0
	for _, h := range holdings {
		price, ok := s.price(ctx, h)
		if !ok {
			continue
		}
		value := h.Amount.Mul(price)
		if value.Equal(h.ValueUSD) {
			continue
		}
		if err := s.HoldingRepo.UpdateValuation(ctx, ownerID, h.Symbol, value); err != nil {
			return updated, fmt.Errorf("failed to update %s valuation: %w", h.Symbol, err)
		}
		updated++
	}
	return updated, nil
}

func (s *PortfolioService) price(ctx context.Context, h *domain.Holding) (decimal.Decimal, bool) {
	if h.CoinID == "" || s.PriceOracle == nil {
		return decimal.Zero, false
	}
	price, err := s.PriceOracle.CryptoUSDPrice(ctx, h.CoinID)
	if err != nil {
		s.logger.Warn("no price for holding", zap.String("symbol", h.Symbol), zap.Error(err))
		return decimal.Zero, false
	}
	return price, true
}
