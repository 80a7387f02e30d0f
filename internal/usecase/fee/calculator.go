package fee

import (
	"errors"

	"github.com/shopspring/decimal"
	"github.com/simaogato/convertflow-backend/internal/domain"
)

// CryptoCryptoPercentage is the fee charged on crypto-to-crypto conversions, in percent
var CryptoCryptoPercentage = decimal.RequireFromString("0.5")

// cryptoCryptoRate is CryptoCryptoPercentage as a multiplier
var cryptoCryptoRate = decimal.RequireFromString("0.005")

// Breakdown describes what a conversion removes from the source balance
type Breakdown struct {
	Fee           decimal.Decimal
	FeePercentage decimal.Decimal
	TotalDebit    decimal.Decimal
}

// Calculate computes the fee of a conversion
// Logic:
//  1. crypto-crypto: fee = amount x 0.005, no rounding
//  2. any other mode (crypto-fiat, fiat-crypto, fiat-fiat): fee = 0
//  3. TotalDebit = amount + fee
func Calculate(mode domain.ConversionMode, sourceAmount decimal.Decimal) (Breakdown, error) {
	if sourceAmount.LessThanOrEqual(decimal.Zero) {
		return Breakdown{}, errors.New("source amount must be positive")
	}

	if mode.Normalize() != domain.ModeCryptoCrypto {
		return Breakdown{
			Fee:           decimal.Zero,
			FeePercentage: decimal.Zero,
			TotalDebit:    sourceAmount,
		}, nil
	}

	fee := sourceAmount.Mul(cryptoCryptoRate)
	return Breakdown{
		Fee:           fee,
		FeePercentage: CryptoCryptoPercentage,
		TotalDebit:    sourceAmount.Add(fee),
	}, nil
}

// HasEnoughBalance reports whether balance covers amount plus fee
func HasEnoughBalance(balance decimal.Decimal, b Breakdown) bool {
	return balance.GreaterThanOrEqual(b.TotalDebit)
}

// Shortfall returns how much is missing to cover the breakdown, zero if nothing is missing
func Shortfall(balance decimal.Decimal, b Breakdown) decimal.Decimal {
	if HasEnoughBalance(balance, b) {
		return decimal.Zero
	}
	return b.TotalDebit.Sub(balance)
}
