package conversion

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/simaogato/convertflow-backend/internal/adapter/lock"
	"github.com/simaogato/convertflow-backend/internal/adapter/repository/memory"
	"github.com/simaogato/convertflow-backend/internal/domain"
	"github.com/simaogato/convertflow-backend/internal/retry"
	"github.com/simaogato/convertflow-backend/internal/usecase/audit"
	"github.com/simaogato/convertflow-backend/internal/usecase/balance"
)

const owner = "user-1"

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

var catalog = domain.NewAssetCatalog([]domain.Asset{
	{Symbol: "BTC", Kind: domain.AssetKindCrypto, CoinID: "bitcoin", Name: "Bitcoin"},
	{Symbol: "ETH", Kind: domain.AssetKindCrypto, CoinID: "ethereum", Name: "Ethereum"},
	{Symbol: "USD", Kind: domain.AssetKindFiat},
	{Symbol: "BRL", Kind: domain.AssetKindFiat},
})

// fakeLock is a per-owner mutual exclusion without TTL
type fakeLock struct {
	mu         sync.Mutex
	held       map[string]string // owner -> token
	acquireErr error
	acquires   int
	releases   int
	issued     int
}

func newFakeLock() *fakeLock {
	return &fakeLock{held: make(map[string]string)}
}

func (l *fakeLock) Acquire(ctx context.Context, ownerID, label string) (string, bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.acquires++
	if l.acquireErr != nil {
		return "", false, l.acquireErr
	}
	if _, ok := l.held[ownerID]; ok {
		return "", false, nil
	}
	l.issued++
	token := fmt.Sprintf("%s-%d", label, l.issued)
	l.held[ownerID] = token
	return token, true, nil
}

func (l *fakeLock) Release(ctx context.Context, ownerID, token string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.releases++
	if l.held[ownerID] == token {
		delete(l.held, ownerID)
	}
	return nil
}

func (l *fakeLock) isHeld(ownerID string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, ok := l.held[ownerID]
	return ok
}

// faultyStore wraps a real BalanceStore and injects failures per leg
type faultyStore struct {
	domain.BalanceStore

	mu         sync.Mutex
	failCredit map[string]error // positive deltas
	failDebit  map[string]error // negative deltas
	panicOn    string
	onGet      func(asset domain.AssetRef, call int)
	gets       map[string]int
}

func (f *faultyStore) GetBalance(ctx context.Context, ownerID string, asset domain.AssetRef) (decimal.Decimal, error) {
	f.mu.Lock()
	if f.gets == nil {
		f.gets = make(map[string]int)
	}
	f.gets[asset.Symbol]++
	call := f.gets[asset.Symbol]
	hook := f.onGet
	f.mu.Unlock()

	if hook != nil {
		hook(asset, call)
	}
	return f.BalanceStore.GetBalance(ctx, ownerID, asset)
}

func (f *faultyStore) ApplyDelta(ctx context.Context, ownerID string, asset domain.AssetRef, delta decimal.Decimal, meta domain.AssetMetadata) error {
	if f.panicOn != "" && asset.Symbol == f.panicOn {
		panic("storage driver crashed")
	}
	f.mu.Lock()
	var err error
	if delta.IsPositive() {
		err = f.failCredit[asset.Symbol]
	} else {
		err = f.failDebit[asset.Symbol]
	}
	f.mu.Unlock()
	if err != nil {
		return err
	}
	return f.BalanceStore.ApplyDelta(ctx, ownerID, asset, delta, meta)
}

// recordingMetrics counts metric calls
type recordingMetrics struct {
	mu              sync.Mutex
	outcomes        []string
	lockBusy        int
	rollbacks       []string
	persistFailures int
}

func (m *recordingMetrics) ObserveConversion(mode domain.ConversionMode, outcome string, elapsed time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.outcomes = append(m.outcomes, outcome)
}

func (m *recordingMetrics) IncLockBusy() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lockBusy++
}

func (m *recordingMetrics) IncRollback(result string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rollbacks = append(m.rollbacks, result)
}

func (m *recordingMetrics) IncHistoryPersistFailure() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.persistFailures++
}

// MockConversionRepository is a mock implementation of domain.ConversionRepository
type MockConversionRepository struct {
	mock.Mock
}

func (m *MockConversionRepository) Create(ctx context.Context, record *domain.ConversionRecord) error {
	args := m.Called(ctx, record)
	return args.Error(0)
}

func (m *MockConversionRepository) GetByID(ctx context.Context, ownerID string, id uuid.UUID) (*domain.ConversionRecord, error) {
	args := m.Called(ctx, ownerID, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*domain.ConversionRecord), args.Error(1)
}

func (m *MockConversionRepository) ListByOwner(ctx context.Context, ownerID string, limit int) ([]*domain.ConversionRecord, error) {
	args := m.Called(ctx, ownerID, limit)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]*domain.ConversionRecord), args.Error(1)
}

// MockEventPublisher is a mock implementation of domain.EventPublisher
type MockEventPublisher struct {
	mock.Mock
}

func (m *MockEventPublisher) Publish(ctx context.Context, event *domain.ConversionEvent) error {
	args := m.Called(ctx, event)
	return args.Error(0)
}

type fixture struct {
	svc         *ConversionService
	store       *faultyStore
	lock        *fakeLock
	metrics     *recordingMetrics
	holdings    domain.HoldingRepository
	fiat        domain.FiatBalanceRepository
	ledger      domain.FiatTransactionRepository
	audits      domain.AuditRepository
	conversions domain.ConversionRepository
	rollbacks   domain.RollbackRepository
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	f := &fixture{
		lock:        newFakeLock(),
		metrics:     &recordingMetrics{},
		holdings:    memory.NewHoldingRepository(),
		fiat:        memory.NewFiatBalanceRepository(),
		ledger:      memory.NewFiatTransactionRepository(),
		audits:      memory.NewAuditRepository(),
		conversions: memory.NewConversionRepository(),
		rollbacks:   memory.NewRollbackRepository(),
	}

	balances := balance.NewBalanceService(f.holdings, f.fiat, f.ledger, nil, nil)
	balances.Retry = retry.Policy{MaxRetries: 1, BaseDelay: time.Millisecond}
	f.store = &faultyStore{
		BalanceStore: balances,
		failCredit:   map[string]error{},
		failDebit:    map[string]error{},
	}

	f.svc = NewConversionService(
		f.store,
		f.lock,
		audit.NewRecorder(f.audits, nil),
		f.conversions,
		f.rollbacks,
		catalog,
		nil,
	)
	f.svc.Metrics = f.metrics
	f.svc.PersistRetry = retry.Policy{MaxRetries: 2, BaseDelay: time.Millisecond}
	return f
}

func (f *fixture) seedCrypto(t *testing.T, symbol, coinID, amount string) {
	t.Helper()
	require.NoError(t, f.holdings.Upsert(context.Background(), &domain.Holding{
		OwnerID: owner, Symbol: symbol, CoinID: coinID, Amount: dec(amount), UpdatedAt: time.Now(),
	}))
}

func (f *fixture) seedFiat(t *testing.T, currency, amount string) {
	t.Helper()
	require.NoError(t, f.fiat.Upsert(context.Background(), &domain.FiatBalance{
		OwnerID: owner, Currency: currency, Balance: dec(amount), UpdatedAt: time.Now(),
	}))
}

func (f *fixture) balanceOf(t *testing.T, symbol string) decimal.Decimal {
	t.Helper()
	amount, err := f.store.BalanceStore.GetBalance(context.Background(), owner, domain.Ref(catalog, symbol))
	require.NoError(t, err)
	return amount
}

func (f *fixture) auditOps(t *testing.T) []domain.AuditOperation {
	t.Helper()
	events, err := f.audits.ListByOwner(context.Background(), owner, 0)
	require.NoError(t, err)
	ops := make([]domain.AuditOperation, 0, len(events))
	// oldest first
	for i := len(events) - 1; i >= 0; i-- {
		ops = append(ops, events[i].Operation)
	}
	return ops
}

func btcToEth(amount, dest string) domain.ConversionRequest {
	return domain.ConversionRequest{
		OwnerID:           owner,
		SourceAsset:       "BTC",
		DestinationAsset:  "ETH",
		SourceAmount:      dec(amount),
		DestinationAmount: dec(dest),
		ExchangeRate:      dec("15"),
		Mode:              domain.ModeCryptoCrypto,
		SourceMeta:        domain.AssetMetadata{CoinID: "bitcoin", Name: "Bitcoin"},
		DestinationMeta:   domain.AssetMetadata{CoinID: "ethereum", Name: "Ethereum"},
	}
}

func TestExecute_CryptoToCryptoChargesFee(t *testing.T) {
	f := newFixture(t)
	f.seedCrypto(t, "BTC", "bitcoin", "10")

	res, err := f.svc.Execute(context.Background(), btcToEth("1", "15"))

	require.NoError(t, err)
	require.NotNil(t, res)
	assert.True(t, res.Success)
	assert.Equal(t, msgSuccess, res.Message)
	assert.True(t, dec("0.005").Equal(res.Fee))
	assert.True(t, dec("1.005").Equal(res.TotalDebited))

	assert.True(t, dec("8.995").Equal(f.balanceOf(t, "BTC")), "got %s", f.balanceOf(t, "BTC"))
	assert.True(t, dec("15").Equal(f.balanceOf(t, "ETH")))

	records, err := f.conversions.ListByOwner(context.Background(), owner, 10)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, res.ConversionID, records[0].ID.String())
	assert.Equal(t, domain.ConversionStatusCompleted, records[0].Status)
	assert.True(t, dec("0.005").Equal(records[0].Fee))
	assert.True(t, dec("0.5").Equal(records[0].FeePercentage))
	assert.Equal(t, "bitcoin", records[0].SourceCoinID)
	assert.NotNil(t, records[0].CompletedAt)

	assert.Equal(t, []domain.AuditOperation{domain.AuditConversionStart, domain.AuditConversionSuccess}, f.auditOps(t))

	assert.Equal(t, []State{
		StateLockAcquired, StateValidated, StateDebited, StateCredited,
		StatePersisted, StateCompleted, StateLockReleased,
	}, res.States)
	assert.False(t, f.lock.isHeld(owner))
	assert.Equal(t, []string{"completed"}, f.metrics.outcomes)
}

func TestExecute_SuccessAuditCarriesSnapshots(t *testing.T) {
	f := newFixture(t)
	f.seedCrypto(t, "BTC", "bitcoin", "10")
	f.seedCrypto(t, "ETH", "ethereum", "2")

	_, err := f.svc.Execute(context.Background(), btcToEth("1", "15"))
	require.NoError(t, err)

	events, err := f.audits.ListByOwner(context.Background(), owner, 1)
	require.NoError(t, err)
	require.Len(t, events, 1)
	success := events[0]
	require.Equal(t, domain.AuditConversionSuccess, success.Operation)

	pair := success.Snapshots()
	assert.True(t, dec("10").Equal(pair.Source.Before))
	assert.True(t, dec("8.995").Equal(*pair.Source.After))
	assert.True(t, dec("2").Equal(pair.Destination.Before))
	assert.True(t, dec("17").Equal(*pair.Destination.After))
	assert.Equal(t, true, success.Metadata["historyPersisted"])
	assert.Equal(t, "0.005", success.Metadata["fee"])
}

func TestExecute_NoFeeModes(t *testing.T) {
	tests := []struct {
		name      string
		seed      func(t *testing.T, f *fixture)
		req       domain.ConversionRequest
		wantSrc   string
		wantDst   string
		srcSymbol string
		dstSymbol string
	}{
		{
			name: "crypto to fiat",
			seed: func(t *testing.T, f *fixture) { f.seedCrypto(t, "BTC", "bitcoin", "2") },
			req: domain.ConversionRequest{
				OwnerID: owner, SourceAsset: "BTC", DestinationAsset: "USD",
				SourceAmount: dec("1"), DestinationAmount: dec("60000"), ExchangeRate: dec("60000"),
				Mode: domain.ModeCryptoFiat, SourceMeta: domain.AssetMetadata{CoinID: "bitcoin"},
			},
			srcSymbol: "BTC", dstSymbol: "USD", wantSrc: "1", wantDst: "60000",
		},
		{
			name: "fiat to crypto",
			seed: func(t *testing.T, f *fixture) { f.seedFiat(t, "USD", "1000") },
			req: domain.ConversionRequest{
				OwnerID: owner, SourceAsset: "USD", DestinationAsset: "BTC",
				SourceAmount: dec("600"), DestinationAmount: dec("0.01"), ExchangeRate: dec("0.0000166"),
				Mode: domain.ModeFiatCrypto, DestinationMeta: domain.AssetMetadata{CoinID: "bitcoin"},
			},
			srcSymbol: "USD", dstSymbol: "BTC", wantSrc: "400", wantDst: "0.01",
		},
		{
			name: "fiat to fiat drains source",
			seed: func(t *testing.T, f *fixture) { f.seedFiat(t, "BRL", "100") },
			req: domain.ConversionRequest{
				OwnerID: owner, SourceAsset: "BRL", DestinationAsset: "USD",
				SourceAmount: dec("100"), DestinationAmount: dec("18.5"), ExchangeRate: dec("0.185"),
				Mode: domain.ModeFiatFiat,
			},
			srcSymbol: "BRL", dstSymbol: "USD", wantSrc: "0", wantDst: "18.5",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			tt.seed(t, f)

			res, err := f.svc.Execute(context.Background(), tt.req)

			require.NoError(t, err)
			assert.True(t, res.Success)
			assert.True(t, res.Fee.IsZero())
			assert.True(t, tt.req.SourceAmount.Equal(res.TotalDebited))
			assert.True(t, dec(tt.wantSrc).Equal(f.balanceOf(t, tt.srcSymbol)), "source %s", f.balanceOf(t, tt.srcSymbol))
			assert.True(t, dec(tt.wantDst).Equal(f.balanceOf(t, tt.dstSymbol)), "destination %s", f.balanceOf(t, tt.dstSymbol))

			records, err := f.conversions.ListByOwner(context.Background(), owner, 10)
			require.NoError(t, err)
			require.Len(t, records, 1)
			assert.True(t, records[0].FeePercentage.IsZero())
			assert.Equal(t, tt.req.Mode.Normalize(), records[0].Mode)
		})
	}
}

func TestExecute_FiatLegsWriteLedgerLines(t *testing.T) {
	f := newFixture(t)
	f.seedFiat(t, "BRL", "100")

	res, err := f.svc.Execute(context.Background(), domain.ConversionRequest{
		OwnerID: owner, SourceAsset: "BRL", DestinationAsset: "USD",
		SourceAmount: dec("100"), DestinationAmount: dec("18.5"), ExchangeRate: dec("0.185"),
		Mode: domain.ModeFiatFiat,
	})
	require.NoError(t, err)

	lines, err := f.ledger.ListByOwner(context.Background(), owner, 10)
	require.NoError(t, err)
	require.Len(t, lines, 2)
	for _, line := range lines {
		require.NotNil(t, line.ConversionID)
		assert.Equal(t, res.ConversionID, line.ConversionID.String())
		assert.Equal(t, "Conversion BRL->USD", line.Description)
	}
}

func TestExecute_InsufficientBalance(t *testing.T) {
	f := newFixture(t)
	f.seedCrypto(t, "BTC", "bitcoin", "0.001")

	res, err := f.svc.Execute(context.Background(), btcToEth("0.001", "0.015"))

	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrInsufficientBalance)
	assert.NotErrorIs(t, err, domain.ErrBalanceChanged)
	assert.False(t, res.Success)
	assert.Contains(t, res.Message, "need 0.001005 BTC")
	assert.Contains(t, res.Message, "short 0.000005 BTC")

	assert.True(t, dec("0.001").Equal(f.balanceOf(t, "BTC")))
	assert.True(t, f.balanceOf(t, "ETH").IsZero())
	assert.Empty(t, f.auditOps(t))
	assert.False(t, f.lock.isHeld(owner))
	assert.Equal(t, 1, f.lock.releases)
}

func TestExecute_Validation(t *testing.T) {
	tests := []struct {
		name     string
		req      domain.ConversionRequest
		wantKind error
		lockUsed bool
	}{
		{
			name:     "missing owner",
			req:      func() domain.ConversionRequest { r := btcToEth("1", "15"); r.OwnerID = ""; return r }(),
			wantKind: domain.ErrNotAuthenticated,
		},
		{
			name:     "same asset",
			req:      func() domain.ConversionRequest { r := btcToEth("1", "15"); r.DestinationAsset = "btc"; return r }(),
			wantKind: domain.ErrInvalidRequest,
		},
		{
			name:     "zero amount",
			req:      btcToEth("0", "15"),
			wantKind: domain.ErrInvalidRequest,
		},
		{
			name: "crypto-crypto with fiat destination",
			req: func() domain.ConversionRequest {
				r := btcToEth("1", "15")
				r.DestinationAsset = "USD"
				return r
			}(),
			wantKind: domain.ErrInvalidRequest,
			lockUsed: true,
		},
		{
			name: "fiat-fiat with crypto source",
			req: domain.ConversionRequest{
				OwnerID: owner, SourceAsset: "BTC", DestinationAsset: "USD",
				SourceAmount: dec("1"), DestinationAmount: dec("1"), Mode: domain.ModeFiatFiat,
			},
			wantKind: domain.ErrInvalidRequest,
			lockUsed: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			f.seedCrypto(t, "BTC", "bitcoin", "10")

			res, err := f.svc.Execute(context.Background(), tt.req)

			require.Error(t, err)
			assert.ErrorIs(t, err, tt.wantKind)
			require.NotNil(t, res)
			assert.False(t, res.Success)
			assert.NotEmpty(t, res.Message)
			assert.True(t, dec("10").Equal(f.balanceOf(t, "BTC")))
			assert.False(t, f.lock.isHeld(owner))
			if tt.lockUsed {
				assert.Equal(t, 1, f.lock.releases)
			} else {
				assert.Equal(t, 0, f.lock.acquires)
			}
		})
	}
}

func TestExecute_LockBusyWhileAnotherConversionRuns(t *testing.T) {
	f := newFixture(t)
	f.seedCrypto(t, "BTC", "bitcoin", "10")

	entered := make(chan struct{})
	proceed := make(chan struct{})
	var once sync.Once
	f.store.onGet = func(asset domain.AssetRef, call int) {
		if asset.Symbol == "BTC" && call == 1 {
			once.Do(func() {
				close(entered)
				<-proceed
			})
		}
	}

	type outcome struct {
		res *Result
		err error
	}
	first := make(chan outcome, 1)
	go func() {
		res, err := f.svc.Execute(context.Background(), btcToEth("1", "15"))
		first <- outcome{res, err}
	}()

	<-entered
	res, err := f.svc.Execute(context.Background(), btcToEth("1", "15"))
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrLockBusy)
	assert.True(t, domain.Retryable(err))
	assert.Equal(t, msgLockBusy, res.Message)
	assert.True(t, f.lock.isHeld(owner), "losing attempt must not release the winner's lock")

	close(proceed)
	got := <-first
	require.NoError(t, got.err)
	assert.True(t, got.res.Success)

	assert.True(t, dec("8.995").Equal(f.balanceOf(t, "BTC")))
	assert.Equal(t, 1, f.metrics.lockBusy)
	assert.False(t, f.lock.isHeld(owner))
}

func TestExecute_ConcurrentSubmissionsConserveBalance(t *testing.T) {
	f := newFixture(t)
	f.seedCrypto(t, "BTC", "bitcoin", "10")

	const workers = 8
	var wg sync.WaitGroup
	var mu sync.Mutex
	succeeded, busy := 0, 0
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.svc.Execute(context.Background(), btcToEth("1", "15"))
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				succeeded++
			case errors.Is(err, domain.ErrLockBusy):
				busy++
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, workers, succeeded+busy)
	assert.GreaterOrEqual(t, succeeded, 1)

	n := decimal.NewFromInt(int64(succeeded))
	assert.True(t, dec("10").Sub(dec("1.005").Mul(n)).Equal(f.balanceOf(t, "BTC")))
	assert.True(t, dec("15").Mul(n).Equal(f.balanceOf(t, "ETH")))
}

func TestExecute_LockErrorIsReportedAsBusy(t *testing.T) {
	f := newFixture(t)
	f.lock.acquireErr = errors.New("redis: connection refused")

	res, err := f.svc.Execute(context.Background(), btcToEth("1", "15"))

	assert.ErrorIs(t, err, domain.ErrLockBusy)
	assert.Equal(t, msgLockBusy, res.Message)
	assert.Equal(t, 0, f.lock.releases)
}

func TestExecute_CreditFailureRollsBack(t *testing.T) {
	tests := []struct {
		name      string
		seed      func(t *testing.T, f *fixture)
		req       domain.ConversionRequest
		srcSymbol string
		dstSymbol string
		srcBefore string
	}{
		{
			name:      "crypto to crypto",
			seed:      func(t *testing.T, f *fixture) { f.seedCrypto(t, "BTC", "bitcoin", "10") },
			req:       btcToEth("1", "15"),
			srcSymbol: "BTC", dstSymbol: "ETH", srcBefore: "10",
		},
		{
			name: "crypto to crypto draining the holding",
			seed: func(t *testing.T, f *fixture) { f.seedCrypto(t, "BTC", "bitcoin", "1.005") },
			req:  btcToEth("1", "15"),
			// the debit deletes the holding, the refund recreates it
			srcSymbol: "BTC", dstSymbol: "ETH", srcBefore: "1.005",
		},
		{
			name: "crypto to fiat",
			seed: func(t *testing.T, f *fixture) { f.seedCrypto(t, "BTC", "bitcoin", "2") },
			req: domain.ConversionRequest{
				OwnerID: owner, SourceAsset: "BTC", DestinationAsset: "USD",
				SourceAmount: dec("1"), DestinationAmount: dec("60000"), Mode: domain.ModeCryptoFiat,
				SourceMeta: domain.AssetMetadata{CoinID: "bitcoin"},
			},
			srcSymbol: "BTC", dstSymbol: "USD", srcBefore: "2",
		},
		{
			name: "fiat to crypto",
			seed: func(t *testing.T, f *fixture) { f.seedFiat(t, "USD", "1000") },
			req: domain.ConversionRequest{
				OwnerID: owner, SourceAsset: "USD", DestinationAsset: "BTC",
				SourceAmount: dec("600"), DestinationAmount: dec("0.01"), Mode: domain.ModeCryptoFiat,
			},
			srcSymbol: "USD", dstSymbol: "BTC", srcBefore: "1000",
		},
		{
			name: "fiat to fiat",
			seed: func(t *testing.T, f *fixture) { f.seedFiat(t, "BRL", "100") },
			req: domain.ConversionRequest{
				OwnerID: owner, SourceAsset: "BRL", DestinationAsset: "USD",
				SourceAmount: dec("100"), DestinationAmount: dec("18.5"), Mode: domain.ModeFiatFiat,
			},
			srcSymbol: "BRL", dstSymbol: "USD", srcBefore: "100",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			tt.seed(t, f)
			f.store.failCredit[tt.dstSymbol] = errors.New("destination write timed out")

			res, err := f.svc.Execute(context.Background(), tt.req)

			require.Error(t, err)
			assert.ErrorIs(t, err, domain.ErrCreditFailed)
			assert.True(t, domain.Retryable(err))
			assert.False(t, domain.IsCritical(err))
			assert.False(t, res.Success)
			assert.Contains(t, res.Message, "destination write timed out")
			assert.NotEmpty(t, res.ConversionID)

			assert.True(t, dec(tt.srcBefore).Equal(f.balanceOf(t, tt.srcSymbol)), "source %s", f.balanceOf(t, tt.srcSymbol))
			assert.True(t, f.balanceOf(t, tt.dstSymbol).IsZero())

			assert.Equal(t, []domain.AuditOperation{domain.AuditConversionStart, domain.AuditConversionRollback}, f.auditOps(t))
			pending, err := f.rollbacks.ListPending(context.Background(), 10)
			require.NoError(t, err)
			assert.Empty(t, pending)

			records, err := f.conversions.ListByOwner(context.Background(), owner, 10)
			require.NoError(t, err)
			assert.Empty(t, records)

			assert.Equal(t, []string{"succeeded"}, f.metrics.rollbacks)
			assert.Contains(t, res.States, StateRollingBack)
			assert.False(t, f.lock.isHeld(owner))
		})
	}
}

func TestExecute_RollbackFailureIsCritical(t *testing.T) {
	f := newFixture(t)
	f.seedCrypto(t, "BTC", "bitcoin", "10")
	f.store.failCredit["ETH"] = errors.New("destination write timed out")
	f.store.failCredit["BTC"] = errors.New("source write timed out")

	res, err := f.svc.Execute(context.Background(), btcToEth("1", "15"))

	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrRollbackFailed)
	assert.True(t, domain.IsCritical(err))
	assert.False(t, domain.Retryable(err))
	assert.Equal(t, msgRollbackFailed, res.Message)
	assert.Contains(t, err.Error(), "destination write timed out")
	assert.Contains(t, err.Error(), "source write timed out")

	// debit stays applied until reconciliation
	assert.True(t, dec("8.995").Equal(f.balanceOf(t, "BTC")))

	pending, err := f.rollbacks.ListPending(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.True(t, dec("1.005").Equal(pending[0].Amount))
	assert.True(t, dec("8.995").Equal(pending[0].ExpectedBalance))
	assert.Equal(t, "BTC", pending[0].Asset.Symbol)

	events, err := f.audits.ListByOwner(context.Background(), owner, 1)
	require.NoError(t, err)
	require.Len(t, events, 1)
	failed := events[0]
	assert.Equal(t, domain.AuditConversionFailed, failed.Operation)
	assert.True(t, failed.Critical)
	assert.Equal(t, true, failed.Metadata["rollbackFailed"])
	assert.Equal(t, pending[0].ID.String(), failed.Metadata["pendingRollbackId"])

	assert.Equal(t, []string{"failed"}, f.metrics.rollbacks)
	assert.False(t, f.lock.isHeld(owner))
}

func TestExecute_PanicDuringCreditIsCompensated(t *testing.T) {
	f := newFixture(t)
	f.seedCrypto(t, "BTC", "bitcoin", "10")
	f.store.panicOn = "ETH"

	res, err := f.svc.Execute(context.Background(), btcToEth("1", "15"))

	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrCreditFailed)
	assert.False(t, res.Success)
	assert.True(t, dec("10").Equal(f.balanceOf(t, "BTC")))
	assert.False(t, f.lock.isHeld(owner))
	assert.Equal(t, StateLockReleased, res.States[len(res.States)-1])
}

// panicOnceRepository panics on the first Create and delegates afterwards
type panicOnceRepository struct {
	domain.ConversionRepository
	once sync.Once
}

func (r *panicOnceRepository) Create(ctx context.Context, record *domain.ConversionRecord) error {
	r.once.Do(func() { panic("history driver crashed") })
	return r.ConversionRepository.Create(ctx, record)
}

func TestExecute_PanicAfterCreditIsRecorded(t *testing.T) {
	f := newFixture(t)
	f.seedCrypto(t, "BTC", "bitcoin", "10")
	f.svc.Conversions = &panicOnceRepository{ConversionRepository: f.conversions}

	res, err := f.svc.Execute(context.Background(), btcToEth("1", "15"))

	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.True(t, dec("8.995").Equal(f.balanceOf(t, "BTC")))
	assert.True(t, dec("15").Equal(f.balanceOf(t, "ETH")))

	records, err := f.conversions.ListByOwner(context.Background(), owner, 10)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, res.ConversionID, records[0].ID.String())

	events, err := f.audits.ListByOwner(context.Background(), owner, 1)
	require.NoError(t, err)
	require.Len(t, events, 1)
	success := events[0]
	assert.Equal(t, domain.AuditConversionSuccess, success.Operation)
	assert.True(t, success.Critical)
	assert.Equal(t, true, success.Metadata["recoveredFromPanic"])
	assert.Equal(t, true, success.Metadata["historyPersisted"])
	assert.Contains(t, success.ErrorMessage, "history driver crashed")

	assert.Empty(t, f.metrics.rollbacks)
	assert.False(t, f.lock.isHeld(owner))
}

// slowOracle blocks every price lookup until its context ends
type slowOracle struct {
	once    sync.Once
	entered chan struct{}
}

func (o *slowOracle) CryptoUSDPrice(ctx context.Context, coinID string) (decimal.Decimal, error) {
	o.once.Do(func() { close(o.entered) })
	<-ctx.Done()
	return decimal.Zero, ctx.Err()
}

func (o *slowOracle) FiatRate(ctx context.Context, currency string) (decimal.Decimal, error) {
	return decimal.NewFromInt(1), nil
}

func TestExecute_SlowPriceLookupStaysWithinLease(t *testing.T) {
	f := newFixture(t)
	f.seedCrypto(t, "BTC", "bitcoin", "10")

	oracle := &slowOracle{entered: make(chan struct{})}
	balances := f.store.BalanceStore.(*balance.BalanceService)
	balances.PriceOracle = oracle
	balances.PriceTimeout = 50 * time.Millisecond
	lease := lock.NewMemoryLock(2 * time.Second)
	f.svc.Lock = lease

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	type outcome struct {
		res *Result
		err error
	}
	done := make(chan outcome, 1)
	started := time.Now()
	go func() {
		res, err := f.svc.Execute(ctx, btcToEth("1", "15"))
		done <- outcome{res: res, err: err}
	}()

	<-oracle.entered
	// a second submit while the first is waiting on prices is rejected
	_, err := f.svc.Execute(context.Background(), btcToEth("1", "15"))
	assert.ErrorIs(t, err, domain.ErrLockBusy)

	first := <-done
	require.NoError(t, first.err)
	assert.True(t, first.res.Success)
	assert.Less(t, time.Since(started), time.Second, "both lookups are bounded well under the lease")

	assert.True(t, dec("8.995").Equal(f.balanceOf(t, "BTC")))
	assert.True(t, dec("15").Equal(f.balanceOf(t, "ETH")))
	_, held := lease.Holder(owner)
	assert.False(t, held)
}

func TestExecute_DebitFailureMovesNothing(t *testing.T) {
	f := newFixture(t)
	f.seedCrypto(t, "BTC", "bitcoin", "10")
	f.store.failDebit["BTC"] = errors.New("source write timed out")

	res, err := f.svc.Execute(context.Background(), btcToEth("1", "15"))

	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrDebitFailed)
	assert.False(t, res.Success)
	assert.True(t, dec("10").Equal(f.balanceOf(t, "BTC")))
	assert.True(t, f.balanceOf(t, "ETH").IsZero())
	assert.Equal(t, []domain.AuditOperation{domain.AuditConversionStart, domain.AuditConversionFailed}, f.auditOps(t))
	assert.Empty(t, f.metrics.rollbacks)
}

func TestExecute_BalanceChangedBeforeDebit(t *testing.T) {
	f := newFixture(t)
	f.seedCrypto(t, "BTC", "bitcoin", "1.005")

	// a withdrawal lands between the first check and the re-check
	f.store.onGet = func(asset domain.AssetRef, call int) {
		if asset.Symbol == "BTC" && call == 2 {
			f.seedCrypto(t, "BTC", "bitcoin", "0.5")
		}
	}

	res, err := f.svc.Execute(context.Background(), btcToEth("1", "15"))

	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrBalanceChanged)
	assert.ErrorIs(t, err, domain.ErrInsufficientBalance)
	assert.True(t, domain.Retryable(err))
	assert.Equal(t, msgBalanceChanged, res.Message)

	assert.True(t, dec("0.5").Equal(f.balanceOf(t, "BTC")))
	assert.True(t, f.balanceOf(t, "ETH").IsZero())
	assert.Equal(t, []domain.AuditOperation{domain.AuditConversionStart, domain.AuditConversionFailed}, f.auditOps(t))
	assert.False(t, f.lock.isHeld(owner))
}

func TestExecute_HistoryFailureStillSucceeds(t *testing.T) {
	f := newFixture(t)
	f.seedCrypto(t, "BTC", "bitcoin", "10")

	repo := new(MockConversionRepository)
	repo.On("Create", mock.Anything, mock.Anything).Return(errors.New("conversions table locked"))
	f.svc.Conversions = repo

	res, err := f.svc.Execute(context.Background(), btcToEth("1", "15"))

	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.True(t, dec("8.995").Equal(f.balanceOf(t, "BTC")))
	assert.True(t, dec("15").Equal(f.balanceOf(t, "ETH")))
	assert.NotContains(t, res.States, StatePersisted)
	assert.Equal(t, 1, f.metrics.persistFailures)
	repo.AssertNumberOfCalls(t, "Create", 3)

	events, err := f.audits.ListByOwner(context.Background(), owner, 1)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, domain.AuditConversionSuccess, events[0].Operation)
	assert.Equal(t, false, events[0].Metadata["historyPersisted"])
}

func TestExecute_PublishesEvents(t *testing.T) {
	t.Run("completed", func(t *testing.T) {
		f := newFixture(t)
		f.seedCrypto(t, "BTC", "bitcoin", "10")
		pub := new(MockEventPublisher)
		pub.On("Publish", mock.Anything, mock.MatchedBy(func(e *domain.ConversionEvent) bool {
			return e.Type == domain.EventConversionCompleted && e.Fee == "0.005" && e.OwnerID == owner
		})).Return(nil).Once()
		f.svc.Publisher = pub

		_, err := f.svc.Execute(context.Background(), btcToEth("1", "15"))

		require.NoError(t, err)
		pub.AssertExpectations(t)
	})

	t.Run("publish failure does not fail the conversion", func(t *testing.T) {
		f := newFixture(t)
		f.seedCrypto(t, "BTC", "bitcoin", "10")
		pub := new(MockEventPublisher)
		pub.On("Publish", mock.Anything, mock.Anything).Return(errors.New("broker down"))
		f.svc.Publisher = pub

		res, err := f.svc.Execute(context.Background(), btcToEth("1", "15"))

		require.NoError(t, err)
		assert.True(t, res.Success)
	})

	t.Run("rolled back", func(t *testing.T) {
		f := newFixture(t)
		f.seedCrypto(t, "BTC", "bitcoin", "10")
		f.store.failCredit["ETH"] = errors.New("destination write timed out")
		pub := new(MockEventPublisher)
		pub.On("Publish", mock.Anything, mock.MatchedBy(func(e *domain.ConversionEvent) bool {
			return e.Type == domain.EventConversionRolledBack && e.ErrorMessage == "destination write timed out"
		})).Return(nil).Once()
		f.svc.Publisher = pub

		_, err := f.svc.Execute(context.Background(), btcToEth("1", "15"))

		require.Error(t, err)
		pub.AssertExpectations(t)
	})
}

func TestExecute_CancelledCallerDoesNotInterruptRollback(t *testing.T) {
	f := newFixture(t)
	f.seedCrypto(t, "BTC", "bitcoin", "10")

	ctx, cancel := context.WithCancel(context.Background())
	f.store.failCredit["ETH"] = errors.New("destination write timed out")
	f.store.onGet = func(asset domain.AssetRef, call int) {
		// cancel once the saga has started
		if asset.Symbol == "BTC" && call == 2 {
			cancel()
		}
	}

	_, err := f.svc.Execute(ctx, btcToEth("1", "15"))

	assert.ErrorIs(t, err, domain.ErrCreditFailed)
	assert.True(t, dec("10").Equal(f.balanceOf(t, "BTC")))
}

func TestState_String(t *testing.T) {
	assert.Equal(t, "lock_acquired", StateLockAcquired.String())
	assert.Equal(t, "rolling_back", StateRollingBack.String())
	assert.Equal(t, "unknown", State(99).String())
}
