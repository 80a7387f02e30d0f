package domain

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// PriceQuote is the latest market data point for a crypto asset
type PriceQuote struct {
	CoinID    string
	USD       decimal.Decimal
	Change24h decimal.Decimal
	MarketCap decimal.Decimal
	FetchedAt time.Time
}

// PriceOracle supplies USD prices for crypto assets and exchange rates for fiat currencies.
// FiatRate returns units of the currency per one USD.
type PriceOracle interface {
	CryptoUSDPrice(ctx context.Context, coinID string) (decimal.Decimal, error)
	FiatRate(ctx context.Context, currency string) (decimal.Decimal, error)
}
