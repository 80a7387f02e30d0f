package domain

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validRequest() ConversionRequest {
	return ConversionRequest{
		OwnerID:           "user-1",
		SourceAsset:       "BTC",
		DestinationAsset:  "USDT",
		SourceAmount:      decimal.NewFromInt(1),
		DestinationAmount: decimal.NewFromInt(50000),
		ExchangeRate:      decimal.NewFromInt(50000),
		Mode:              ModeCryptoCrypto,
	}
}

func TestConversionRequest_Validate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(r *ConversionRequest)
		wantErr bool
		errMsg  string
	}{
		{
			name:    "Valid crypto-crypto request should pass",
			mutate:  func(r *ConversionRequest) {},
			wantErr: false,
		},
		{
			name: "Zero source amount should fail",
			mutate: func(r *ConversionRequest) {
				r.SourceAmount = decimal.Zero
			},
			wantErr: true,
			errMsg:  "source amount must be positive",
		},
		{
			name: "Negative source amount should fail",
			mutate: func(r *ConversionRequest) {
				r.SourceAmount = decimal.NewFromInt(-1)
			},
			wantErr: true,
			errMsg:  "source amount must be positive",
		},
		{
			name: "Zero destination amount should fail",
			mutate: func(r *ConversionRequest) {
				r.DestinationAmount = decimal.Zero
			},
			wantErr: true,
			errMsg:  "destination amount must be positive",
		},
		{
			name: "Same asset on both sides should fail",
			mutate: func(r *ConversionRequest) {
				r.DestinationAsset = "btc"
			},
			wantErr: true,
			errMsg:  "must differ",
		},
		{
			name: "Missing destination should fail",
			mutate: func(r *ConversionRequest) {
				r.DestinationAsset = " "
			},
			wantErr: true,
			errMsg:  "are required",
		},
		{
			name: "Unknown mode should fail",
			mutate: func(r *ConversionRequest) {
				r.Mode = "crypto-stock"
			},
			wantErr: true,
			errMsg:  "invalid conversion mode",
		},
		{
			name: "Fiat-crypto mode is accepted",
			mutate: func(r *ConversionRequest) {
				r.SourceAsset = "BRL"
				r.DestinationAsset = "BTC"
				r.Mode = ModeFiatCrypto
			},
			wantErr: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := validRequest()
			tt.mutate(&req)

			err := req.Validate()
			if tt.wantErr {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.errMsg)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestConversionRequest_Label(t *testing.T) {
	req := validRequest()
	assert.Equal(t, "BTC->USDT", req.Label())
}

func TestParseConversionMode(t *testing.T) {
	m, err := ParseConversionMode(" Crypto-Fiat ")
	require.NoError(t, err)
	assert.Equal(t, ModeCryptoFiat, m)

	_, err = ParseConversionMode("")
	assert.Error(t, err)
}

func TestConversionMode_Normalize(t *testing.T) {
	assert.Equal(t, ModeCryptoFiat, ModeFiatCrypto.Normalize())
	assert.Equal(t, ModeCryptoFiat, ModeCryptoFiat.Normalize())
	assert.Equal(t, ModeCryptoCrypto, ModeCryptoCrypto.Normalize())
	assert.Equal(t, ModeFiatFiat, ModeFiatFiat.Normalize())
}

func TestConversionRecord_Validate(t *testing.T) {
	now := time.Now()
	record := ConversionRecord{
		ID:           uuid.New(),
		OwnerID:      "user-1",
		SourceAmount: decimal.NewFromInt(1),
		Fee:          decimal.RequireFromString("0.005"),
		Status:       ConversionStatusCompleted,
		CompletedAt:  &now,
	}
	assert.NoError(t, record.Validate())
	assert.True(t, decimal.RequireFromString("1.005").Equal(record.TotalDebited()))

	record.CompletedAt = nil
	assert.EqualError(t, record.Validate(), "completed conversion must have a completion time")

	record.CompletedAt = &now
	record.ID = uuid.Nil
	assert.EqualError(t, record.Validate(), "conversion record must have an ID")
}
