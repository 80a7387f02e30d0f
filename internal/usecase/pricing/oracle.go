package pricing

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/patrickmn/go-cache"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/simaogato/convertflow-backend/internal/domain"
)

// DefaultCacheTTL keeps quotes for one minute
const DefaultCacheTTL = 60 * time.Second

// PriceSource fetches fresh quotes, e.g. the CoinGecko client
type PriceSource interface {
	Quotes(ctx context.Context, coinIDs []string) (map[string]domain.PriceQuote, error)
}

// CachedOracle implements domain.PriceOracle with a TTL cache in front of a PriceSource
type CachedOracle struct {
	Source    PriceSource
	FiatRates map[string]decimal.Decimal

	cache  *cache.Cache
	logger *zap.Logger
}

// NewCachedOracle creates a new CachedOracle instance.
// fiatRates are units of each currency per USD, as loaded from the assets file.
func NewCachedOracle(source PriceSource, fiatRates map[string]decimal.Decimal, ttl time.Duration, logger *zap.Logger) *CachedOracle {
	if ttl <= 0 {
		ttl = DefaultCacheTTL
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	rates := make(map[string]decimal.Decimal, len(fiatRates))
	for currency, r := range fiatRates {
		rates[strings.ToUpper(currency)] = r
	}
	return &CachedOracle{
		Source:    source,
		FiatRates: rates,
		cache:     cache.New(ttl, 2*ttl),
		logger:    logger,
	}
}

// CryptoUSDPrice returns the USD price of a coin
func (o *CachedOracle) CryptoUSDPrice(ctx context.Context, coinID string) (decimal.Decimal, error) {
	quotes, err := o.Quotes(ctx, []string{coinID})
	if err != nil {
		return decimal.Zero, err
	}
	quote, ok := quotes[strings.ToLower(coinID)]
	if !ok {
		return decimal.Zero, fmt.Errorf("no price for %s: %w", coinID, domain.ErrNotFound)
	}
	return quote.USD, nil
}

// FiatRate returns units of currency per USD
func (o *CachedOracle) FiatRate(ctx context.Context, currency string) (decimal.Decimal, error) {
	r, ok := o.FiatRates[strings.ToUpper(currency)]
	if !ok {
		return decimal.Zero, fmt.Errorf("unsupported currency %s: %w", currency, domain.ErrNotFound)
	}
	return r, nil
}

// Quotes returns cached quotes and fetches the missing ones in a single call
// Logic:
//  1. Serve every id found in the cache
//  2. Ask the source for the rest and cache what comes back
//  3. A source failure is returned only when nothing could be served
func (o *CachedOracle) Quotes(ctx context.Context, coinIDs []string) (map[string]domain.PriceQuote, error) {
	out := make(map[string]domain.PriceQuote, len(coinIDs))
	missing := make([]string, 0)

	for _, id := range coinIDs {
		id = strings.ToLower(strings.TrimSpace(id))
		if id == "" {
			continue
		}
		if cached, ok := o.cache.Get(cacheKey(id)); ok {
			out[id] = cached.(domain.PriceQuote)
			continue
		}
		missing = append(missing, id)
	}

	if len(missing) == 0 || o.Source == nil {
		return out, nil
	}

	fresh, err := o.Source.Quotes(ctx, missing)
	if err != nil {
		if len(out) == 0 {
			return nil, fmt.Errorf("failed to fetch prices: %w", err)
		}
		o.logger.Warn("price refresh failed, serving cached quotes", zap.Strings("missing", missing), zap.Error(err))
		return out, nil
	}

	for id, quote := range fresh {
		o.cache.SetDefault(cacheKey(id), quote)
		out[id] = quote
	}
	return out, nil
}

func cacheKey(coinID string) string {
	return "price:" + coinID
}
