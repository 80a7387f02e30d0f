package balance

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/simaogato/convertflow-backend/internal/domain"
	"github.com/simaogato/convertflow-backend/internal/retry"
)

// DefaultRetryPolicy retries a delta three times, waiting 500ms, 1s and 1.5s
var DefaultRetryPolicy = retry.Policy{MaxRetries: 3, BaseDelay: 500 * time.Millisecond}

// DefaultPriceTimeout bounds the valuation lookup made before a crypto write
const DefaultPriceTimeout = 2 * time.Second

// BalanceService implements domain.BalanceStore over the holding and fiat repositories
type BalanceService struct {
	HoldingRepo    domain.HoldingRepository
	FiatRepo       domain.FiatBalanceRepository
	FiatLedgerRepo domain.FiatTransactionRepository
	PriceOracle    domain.PriceOracle // optional, used for the USD valuation only
	PriceTimeout   time.Duration
	Retry          retry.Policy

	logger *zap.Logger
	now    func() time.Time
}

// NewBalanceService creates a new BalanceService instance
func NewBalanceService(
	holdingRepo domain.HoldingRepository,
	fiatRepo domain.FiatBalanceRepository,
	fiatLedgerRepo domain.FiatTransactionRepository,
	priceOracle domain.PriceOracle,
	logger *zap.Logger,
) *BalanceService {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &BalanceService{
		HoldingRepo:    holdingRepo,
		FiatRepo:       fiatRepo,
		FiatLedgerRepo: fiatLedgerRepo,
		PriceOracle:    priceOracle,
		PriceTimeout:   DefaultPriceTimeout,
		Retry:          DefaultRetryPolicy,
		logger:         logger,
		now:            time.Now,
	}
}

// GetBalance returns the current amount of an asset, zero if no record exists
func (s *BalanceService) GetBalance(ctx context.Context, ownerID string, asset domain.AssetRef) (decimal.Decimal, error) {
	if asset.IsCrypto() {
		holding, err := s.HoldingRepo.Get(ctx, ownerID, asset.Symbol)
		if err != nil {
			if errors.Is(err, domain.ErrNotFound) {
				return decimal.Zero, nil
			}
			return decimal.Zero, fmt.Errorf("failed to read %s holding: %w", asset.Symbol, err)
		}
		return holding.Amount, nil
	}

	fiat, err := s.FiatRepo.Get(ctx, ownerID, asset.Symbol)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return decimal.Zero, nil
		}
		return decimal.Zero, fmt.Errorf("failed to read %s balance: %w", asset.Symbol, err)
	}
	return fiat.Balance, nil
}

// ApplyDelta adds a signed delta to a balance
// Logic:
//  1. Read the current amount (re-read on every retry)
//  2. Crypto: new <= 0 deletes the holding; a missing holding is only created by a positive delta
//  3. Fiat: new is clamped at zero and the record is never deleted
//  4. Retry transient storage errors with linear backoff; invalid records fail at once
//  5. Fiat only: append a ledger line (best-effort, outside the retry loop)
func (s *BalanceService) ApplyDelta(ctx context.Context, ownerID string, asset domain.AssetRef, delta decimal.Decimal, meta domain.AssetMetadata) error {
	if ownerID == "" {
		return domain.ErrNotAuthenticated
	}
	if asset.Symbol == "" {
		return errors.New("asset symbol cannot be empty")
	}
	if delta.IsZero() {
		return nil
	}

	log := s.logger.With(
		zap.String("owner_id", ownerID),
		zap.String("asset", asset.Symbol),
		zap.String("delta", delta.String()),
	)

	if asset.IsCrypto() {
		price := s.lookupPrice(ctx, log, meta.CoinID)
		return retry.Do(ctx, s.Retry, func() error {
			return s.applyCrypto(ctx, log, ownerID, asset.Symbol, delta, meta, price)
		}, s.notify(log))
	}

	var before, after decimal.Decimal
	var written bool
	err := retry.Do(ctx, s.Retry, func() error {
		var err error
		before, after, written, err = s.applyFiat(ctx, log, ownerID, asset.Symbol, delta)
		return err
	}, s.notify(log))
	if err != nil {
		return err
	}

	if written {
		s.recordFiatTransaction(ctx, log, ownerID, asset.Symbol, before, after, meta)
	}
	return nil
}

func (s *BalanceService) applyCrypto(
	ctx context.Context,
	log *zap.Logger,
	ownerID, symbol string,
	delta decimal.Decimal,
	meta domain.AssetMetadata,
	price *decimal.Decimal,
) error {
	current, err := s.HoldingRepo.Get(ctx, ownerID, symbol)
	exists := err == nil
	if err != nil && !errors.Is(err, domain.ErrNotFound) {
		return err
	}

	amount := decimal.Zero
	if exists {
		amount = current.Amount
	}
	newAmount := amount.Add(delta)

	if newAmount.LessThanOrEqual(decimal.Zero) {
		if !exists {
			return retry.Permanent(fmt.Errorf("no %s holding to debit: %w", symbol, domain.ErrInsufficientBalance))
		}
		if newAmount.IsNegative() {
			log.Warn("debit exceeds holding, evicting record", zap.String("amount", amount.String()))
		}
		return s.HoldingRepo.Delete(ctx, ownerID, symbol)
	}

	holding := &domain.Holding{
		OwnerID:   ownerID,
		Symbol:    symbol,
		CoinID:    meta.CoinID,
		Name:      meta.Name,
		Amount:    newAmount,
		UpdatedAt: s.now(),
	}
	if exists {
		if holding.CoinID == "" {
			holding.CoinID = current.CoinID
		}
		if holding.Name == "" {
			holding.Name = current.Name
		}
		holding.ValueUSD = current.ValueUSD
	}
	if price != nil {
		holding.ValueUSD = newAmount.Mul(*price)
	}

	return permanentIfInvalid(s.HoldingRepo.Upsert(ctx, holding))
}

func (s *BalanceService) applyFiat(
	ctx context.Context,
	log *zap.Logger,
	ownerID, currency string,
	delta decimal.Decimal,
) (before, after decimal.Decimal, written bool, err error) {
	current, err := s.FiatRepo.Get(ctx, ownerID, currency)
	exists := err == nil
	if err != nil && !errors.Is(err, domain.ErrNotFound) {
		return decimal.Zero, decimal.Zero, false, err
	}

	if exists {
		before = current.Balance
	}
	after = before.Add(delta)
	if after.IsNegative() {
		log.Warn("fiat balance would go negative, clamping at zero", zap.String("balance", before.String()))
		after = decimal.Zero
	}

	if !exists && !delta.IsPositive() {
		// nothing to clamp and no record to create
		return before, after, false, nil
	}

	balance := &domain.FiatBalance{
		OwnerID:   ownerID,
		Currency:  currency,
		Balance:   after,
		UpdatedAt: s.now(),
	}
	if err := s.FiatRepo.Upsert(ctx, balance); err != nil {
		return decimal.Zero, decimal.Zero, false, permanentIfInvalid(err)
	}
	return before, after, true, nil
}

// recordFiatTransaction appends the fiat ledger line. Failures are logged only.
func (s *BalanceService) recordFiatTransaction(
	ctx context.Context,
	log *zap.Logger,
	ownerID, currency string,
	before, after decimal.Decimal,
	meta domain.AssetMetadata,
) {
	if s.FiatLedgerRepo == nil {
		return
	}

	moved := after.Sub(before)
	if moved.IsZero() {
		return
	}

	txType := domain.FiatTransactionCredit
	if moved.IsNegative() {
		txType = domain.FiatTransactionDebit
	}

	description := meta.Memo
	if description == "" {
		description = fmt.Sprintf("%s %s", txType, currency)
	}

	tx := &domain.FiatTransaction{
		ID:            uuid.New(),
		OwnerID:       ownerID,
		Currency:      currency,
		Type:          txType,
		Amount:        moved.Abs(),
		BalanceBefore: before,
		BalanceAfter:  after,
		Description:   description,
		ConversionID:  meta.ConversionID,
		CreatedAt:     s.now(),
	}
	if err := s.FiatLedgerRepo.Create(ctx, tx); err != nil {
		log.Warn("failed to record fiat transaction", zap.Error(err))
	}
}

// lookupPrice resolves the USD price used for the holding valuation.
// It runs while the caller may hold the owner's conversion lock, so it never waits
// longer than PriceTimeout. A nil result keeps the previous valuation.
func (s *BalanceService) lookupPrice(ctx context.Context, log *zap.Logger, coinID string) *decimal.Decimal {
	if s.PriceOracle == nil || coinID == "" {
		return nil
	}
	timeout := s.PriceTimeout
	if timeout <= 0 {
		timeout = DefaultPriceTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	price, err := s.PriceOracle.CryptoUSDPrice(ctx, coinID)
	if err != nil {
		log.Warn("price unavailable, keeping previous valuation", zap.String("coin_id", coinID), zap.Error(err))
		return nil
	}
	return &price
}

// permanentIfInvalid stops the retry loop for records the repository rejected
func permanentIfInvalid(err error) error {
	if err != nil && errors.Is(err, domain.ErrInvalidRecord) {
		return retry.Permanent(err)
	}
	return err
}

func (s *BalanceService) notify(log *zap.Logger) func(error, int, time.Duration) {
	return func(err error, attempt int, wait time.Duration) {
		log.Warn("balance update failed, retrying",
			zap.Int("attempt", attempt),
			zap.Int("max_retries", s.Retry.MaxRetries),
			zap.Duration("wait", wait),
			zap.Error(err),
		)
	}
}
