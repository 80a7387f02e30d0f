package coingecko

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/simaogato/convertflow-backend/internal/domain"
)

// DefaultBaseURL is the public CoinGecko API
const DefaultBaseURL = "https://api.coingecko.com"

// Client fetches USD quotes from the CoinGecko simple price endpoint
type Client struct {
	baseURL    string
	httpClient *http.Client
	limiter    *rate.Limiter
	logger     *zap.Logger
	now        func() time.Time
}

// simplePrice is one entry of the /simple/price response, keyed by coin id
type simplePrice struct {
	USD          *float64 `json:"usd"`
	USDChange24h *float64 `json:"usd_24h_change"`
	USDMarketCap *float64 `json:"usd_market_cap"`
}

// NewClient creates a CoinGecko client limited to requestsPerSecond calls
func NewClient(baseURL string, timeout time.Duration, requestsPerSecond float64, logger *zap.Logger) *Client {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	if requestsPerSecond <= 0 {
		requestsPerSecond = 1
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: timeout},
		limiter:    rate.NewLimiter(rate.Limit(requestsPerSecond), 1),
		logger:     logger,
		now:        time.Now,
	}
}

// Quotes returns the latest quote of every known coin id. Unknown ids are absent from the map.
func (c *Client) Quotes(ctx context.Context, coinIDs []string) (map[string]domain.PriceQuote, error) {
	ids := uniqueIDs(coinIDs)
	if len(ids) == 0 {
		return map[string]domain.PriceQuote{}, nil
	}

	if err := c.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("rate limiter: %w", err)
	}

	q := url.Values{}
	q.Set("ids", strings.Join(ids, ","))
	q.Set("vs_currencies", "usd")
	q.Set("include_24hr_change", "true")
	q.Set("include_market_cap", "true")
	endpoint := fmt.Sprintf("%s/api/v3/simple/price?%s", c.baseURL, q.Encode())

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch prices: %w", err)
	}
	defer resp.Body.Close() //nolint:errcheck

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("coingecko returned status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var payload map[string]simplePrice
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}

	fetchedAt := c.now()
	quotes := make(map[string]domain.PriceQuote, len(payload))
	for id, p := range payload {
		if p.USD == nil {
			continue
		}
		quote := domain.PriceQuote{
			CoinID:    id,
			USD:       decimal.NewFromFloat(*p.USD),
			FetchedAt: fetchedAt,
		}
		if p.USDChange24h != nil {
			quote.Change24h = decimal.NewFromFloat(*p.USDChange24h)
		}
		if p.USDMarketCap != nil {
			quote.MarketCap = decimal.NewFromFloat(*p.USDMarketCap)
		}
		quotes[id] = quote
	}

	c.logger.Debug("fetched coingecko quotes", zap.Int("requested", len(ids)), zap.Int("received", len(quotes)))
	return quotes, nil
}

func uniqueIDs(coinIDs []string) []string {
	seen := make(map[string]struct{}, len(coinIDs))
	out := make([]string, 0, len(coinIDs))
	for _, id := range coinIDs {
		id = strings.ToLower(strings.TrimSpace(id))
		if id == "" {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}
