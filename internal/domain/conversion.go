package domain

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// ConversionMode describes which pair of balance stores a conversion moves between
type ConversionMode string

const (
	ModeCryptoCrypto ConversionMode = "crypto-crypto"
	ModeCryptoFiat   ConversionMode = "crypto-fiat"
	ModeFiatCrypto   ConversionMode = "fiat-crypto"
	ModeFiatFiat     ConversionMode = "fiat-fiat"
)

// ParseConversionMode parses a mode tag, accepting any letter case
func ParseConversionMode(s string) (ConversionMode, error) {
	m := ConversionMode(strings.ToLower(strings.TrimSpace(s)))
	switch m {
	case ModeCryptoCrypto, ModeCryptoFiat, ModeFiatCrypto, ModeFiatFiat:
		return m, nil
	default:
		return "", fmt.Errorf("invalid conversion mode %q", s)
	}
}

// Normalize folds fiat-crypto into crypto-fiat. The direction of a crypto-fiat
// conversion is resolved from the source asset, not from the tag.
func (m ConversionMode) Normalize() ConversionMode {
	if m == ModeFiatCrypto {
		return ModeCryptoFiat
	}
	return m
}

// ConversionStatus is the lifecycle status of a persisted conversion
type ConversionStatus string

const (
	ConversionStatusPending   ConversionStatus = "pending"
	ConversionStatusCompleted ConversionStatus = "completed"
	ConversionStatusFailed    ConversionStatus = "failed"
)

// ConversionRequest is the input of a single conversion attempt.
// DestinationAmount is computed by the caller from SourceAmount and ExchangeRate
// and is trusted as given.
type ConversionRequest struct {
	OwnerID           string
	SourceAsset       string
	DestinationAsset  string
	SourceAmount      decimal.Decimal
	DestinationAmount decimal.Decimal
	ExchangeRate      decimal.Decimal
	Mode              ConversionMode
	SourceMeta        AssetMetadata
	DestinationMeta   AssetMetadata
}

// Validate checks the request preconditions. It does not check authentication.
func (r *ConversionRequest) Validate() error {
	if strings.TrimSpace(r.SourceAsset) == "" || strings.TrimSpace(r.DestinationAsset) == "" {
		return errors.New("source and destination assets are required")
	}
	if strings.EqualFold(strings.TrimSpace(r.SourceAsset), strings.TrimSpace(r.DestinationAsset)) {
		return errors.New("source and destination assets must differ")
	}
	if r.SourceAmount.LessThanOrEqual(decimal.Zero) {
		return errors.New("source amount must be positive")
	}
	if r.DestinationAmount.LessThanOrEqual(decimal.Zero) {
		return errors.New("destination amount must be positive")
	}
	if r.ExchangeRate.IsNegative() {
		return errors.New("exchange rate cannot be negative")
	}
	if _, err := ParseConversionMode(string(r.Mode)); err != nil {
		return err
	}
	return nil
}

// Label is the operation label recorded with the conversion lock
func (r *ConversionRequest) Label() string {
	return r.SourceAsset + "->" + r.DestinationAsset
}

// ConversionRecord is the immutable history entry of a completed conversion
type ConversionRecord struct {
	ID                uuid.UUID
	OwnerID           string
	SourceAsset       string
	DestinationAsset  string
	SourceAmount      decimal.Decimal
	DestinationAmount decimal.Decimal
	ExchangeRate      decimal.Decimal
	Mode              ConversionMode
	SourceCoinID      string
	DestinationCoinID string
	SourceName        string
	DestinationName   string
	Fee               decimal.Decimal
	FeePercentage     decimal.Decimal
	Status            ConversionStatus
	CreatedAt         time.Time
	CompletedAt       *time.Time
}

// Validate ensures the record is consistent before persisting
func (c *ConversionRecord) Validate() error {
	if c.ID == uuid.Nil {
		return errors.New("conversion record must have an ID")
	}
	if c.OwnerID == "" {
		return errors.New("conversion record must have an owner")
	}
	if c.SourceAmount.LessThanOrEqual(decimal.Zero) {
		return errors.New("conversion source amount must be positive")
	}
	if c.Fee.IsNegative() {
		return errors.New("conversion fee cannot be negative")
	}
	if c.Status == ConversionStatusCompleted && c.CompletedAt == nil {
		return errors.New("completed conversion must have a completion time")
	}
	return nil
}

// TotalDebited is the amount removed from the source balance
func (c *ConversionRecord) TotalDebited() decimal.Decimal {
	return c.SourceAmount.Add(c.Fee)
}
