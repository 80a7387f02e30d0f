package pricing

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/simaogato/convertflow-backend/internal/config"
	"github.com/simaogato/convertflow-backend/internal/domain"
)

// MockPriceSource is a mock implementation of PriceSource
type MockPriceSource struct {
	mock.Mock
}

func (m *MockPriceSource) Quotes(ctx context.Context, coinIDs []string) (map[string]domain.PriceQuote, error) {
	args := m.Called(ctx, coinIDs)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(map[string]domain.PriceQuote), args.Error(1)
}

func quote(id, usd string) domain.PriceQuote {
	return domain.PriceQuote{CoinID: id, USD: decimal.RequireFromString(usd), FetchedAt: time.Now()}
}

func TestCryptoUSDPrice_CachesQuotes(t *testing.T) {
	source := new(MockPriceSource)
	source.On("Quotes", mock.Anything, []string{"bitcoin"}).
		Return(map[string]domain.PriceQuote{"bitcoin": quote("bitcoin", "64000")}, nil).Once()
	oracle := NewCachedOracle(source, nil, time.Minute, nil)

	for i := 0; i < 3; i++ {
		price, err := oracle.CryptoUSDPrice(context.Background(), "Bitcoin")
		require.NoError(t, err)
		assert.True(t, decimal.NewFromInt(64000).Equal(price))
	}
	source.AssertNumberOfCalls(t, "Quotes", 1)
}

func TestCryptoUSDPrice_UnknownCoin(t *testing.T) {
	source := new(MockPriceSource)
	source.On("Quotes", mock.Anything, []string{"nope"}).Return(map[string]domain.PriceQuote{}, nil)
	oracle := NewCachedOracle(source, nil, time.Minute, nil)

	_, err := oracle.CryptoUSDPrice(context.Background(), "nope")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestQuotes_FetchesOnlyMissing(t *testing.T) {
	source := new(MockPriceSource)
	source.On("Quotes", mock.Anything, []string{"bitcoin"}).
		Return(map[string]domain.PriceQuote{"bitcoin": quote("bitcoin", "64000")}, nil).Once()
	source.On("Quotes", mock.Anything, []string{"ethereum"}).
		Return(map[string]domain.PriceQuote{"ethereum": quote("ethereum", "3100")}, nil).Once()
	oracle := NewCachedOracle(source, nil, time.Minute, nil)

	_, err := oracle.Quotes(context.Background(), []string{"bitcoin"})
	require.NoError(t, err)

	quotes, err := oracle.Quotes(context.Background(), []string{"bitcoin", "ethereum"})
	require.NoError(t, err)
	assert.Len(t, quotes, 2)
	source.AssertExpectations(t)
}

func TestQuotes_SourceFailure(t *testing.T) {
	source := new(MockPriceSource)
	source.On("Quotes", mock.Anything, []string{"bitcoin"}).
		Return(map[string]domain.PriceQuote{"bitcoin": quote("bitcoin", "64000")}, nil).Once()
	source.On("Quotes", mock.Anything, mock.Anything).Return(nil, errors.New("status 429"))
	oracle := NewCachedOracle(source, nil, time.Minute, nil)

	_, err := oracle.Quotes(context.Background(), []string{"solana"})
	require.Error(t, err)

	_, err = oracle.Quotes(context.Background(), []string{"bitcoin"})
	require.NoError(t, err)

	// partial results are served from cache
	quotes, err := oracle.Quotes(context.Background(), []string{"bitcoin", "solana"})
	require.NoError(t, err)
	assert.Len(t, quotes, 1)
}

func TestFiatRate(t *testing.T) {
	assets, err := config.LoadAssets("")
	require.NoError(t, err)
	rates, err := assets.Rates()
	require.NoError(t, err)
	oracle := NewCachedOracle(nil, rates, 0, nil)

	tests := []struct {
		currency string
		want     string
		wantErr  bool
	}{
		{currency: "USD", want: "1"},
		{currency: "brl", want: "5.2"},
		{currency: "EUR", want: "0.92"},
		{currency: "GBP", want: "0.79"},
		{currency: "JPY", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.currency, func(t *testing.T) {
			r, err := oracle.FiatRate(context.Background(), tt.currency)
			if tt.wantErr {
				assert.ErrorIs(t, err, domain.ErrNotFound)
				return
			}
			require.NoError(t, err)
			assert.True(t, decimal.RequireFromString(tt.want).Equal(r))
		})
	}
}

func TestFiatRate_WithoutRates(t *testing.T) {
	oracle := NewCachedOracle(nil, nil, 0, nil)

	_, err := oracle.FiatRate(context.Background(), "USD")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}
