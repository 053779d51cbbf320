package execution

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/atra-trading/execution-engine/internal/config"
	"github.com/atra-trading/execution-engine/internal/models"
	"github.com/atra-trading/execution-engine/internal/position"
	"github.com/atra-trading/execution-engine/internal/slippage"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

type tpCall struct {
	qty   decimal.Decimal
	price decimal.Decimal
}

type fakeGateway struct {
	mu sync.Mutex

	ticker     Ticker
	fillQty    decimal.Decimal
	waitStatus string

	limitErr  error
	marketErr error
	slErr     error
	tpErr     error

	positions []ExchangePosition

	limitOrders     int
	marketOrders    int
	marketQtys      []decimal.Decimal
	cancels         int
	slCalls         int
	tpCalls         []tpCall
	leverageSet     int
	positionFetches int
}

func (f *fakeGateway) FetchTicker(ctx context.Context, symbol string) (*Ticker, error) {
	return &f.ticker, nil
}

func (f *fakeGateway) SetLeverage(ctx context.Context, symbol string, leverage int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.leverageSet = leverage
	return nil
}

func (f *fakeGateway) CreateLimitOrder(ctx context.Context, symbol string, side models.OrderSide, quantity, price decimal.Decimal) (*OrderResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.limitErr != nil {
		return nil, f.limitErr
	}
	f.limitOrders++
	return &OrderResult{OrderID: "L1", Status: "open", Price: price}, nil
}

func (f *fakeGateway) CreateMarketOrder(ctx context.Context, symbol string, side models.OrderSide, quantity decimal.Decimal) (*OrderResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.marketErr != nil {
		return nil, f.marketErr
	}
	f.marketOrders++
	f.marketQtys = append(f.marketQtys, quantity)
	return &OrderResult{OrderID: "M1", Status: "closed", AvgFillPrice: f.ticker.Last, FilledQty: f.fillQty}, nil
}

func (f *fakeGateway) CancelOrder(ctx context.Context, symbol, orderID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cancels++
	return nil
}

func (f *fakeGateway) WaitForFill(ctx context.Context, symbol, orderID string, timeout time.Duration) (*OrderResult, error) {
	return &OrderResult{OrderID: orderID, Status: f.waitStatus, AvgFillPrice: f.ticker.Last, FilledQty: f.fillQty}, nil
}

func (f *fakeGateway) PlaceStopLoss(ctx context.Context, symbol string, side models.OrderSide, quantity, stopPrice decimal.Decimal) (*OrderResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.slCalls++
	if f.slErr != nil {
		return nil, f.slErr
	}
	return &OrderResult{OrderID: "SL1", Status: "open"}, nil
}

func (f *fakeGateway) PlaceTakeProfit(ctx context.Context, symbol string, side models.OrderSide, quantity, price decimal.Decimal) (*OrderResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.tpErr != nil {
		return nil, f.tpErr
	}
	f.tpCalls = append(f.tpCalls, tpCall{qty: quantity, price: price})
	return &OrderResult{OrderID: "TP1", Status: "open"}, nil
}

func (f *fakeGateway) FetchPositions(ctx context.Context, symbol string) ([]ExchangePosition, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.positionFetches++
	return f.positions, nil
}

type fakeProvider struct {
	gw  ExchangeGateway
	err error
}

func (f *fakeProvider) Acquire(ctx context.Context, userID, exchange string) (ExchangeGateway, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.gw, nil
}

type fakeRisk struct {
	approved decimal.Decimal
	err      error
}

func (f *fakeRisk) Validate(ctx context.Context, sig *models.Signal) (decimal.Decimal, error) {
	return f.approved, f.err
}

type blockingTrend struct {
	started sync.Once
	begun   chan struct{}
	release chan struct{}
}

func (b *blockingTrend) Check(ctx context.Context, symbol, direction string) (bool, error) {
	b.started.Do(func() { close(b.begun) })
	<-b.release
	return true, nil
}

func testConfig(env string) *config.Config {
	return &config.Config{
		Execution: config.ExecutionConfig{
			Env:                env,
			Exchange:           "bitget",
			LimitTimeoutSec:    1,
			LimitTimeoutFloor:  1,
			MaxLeverage:        125,
			ProtectiveAttempts: 3,
		},
	}
}

func newLiveGateway() *fakeGateway {
	return &fakeGateway{
		ticker:     Ticker{Symbol: "BTCUSDT", Bid: dec("49990"), Ask: dec("50010"), Last: dec("50000")},
		fillQty:    dec("0.002"),
		waitStatus: "closed",
	}
}

func newTestCoordinator(cfg *config.Config, gw ExchangeGateway, risk RiskValidator, trend TrendFilter) (*Coordinator, *position.Ledger) {
	ledger := position.NewLedger(position.Config{}, nil, nil, nil, nil, nil)
	var provider GatewayProvider
	if gw != nil {
		provider = &fakeProvider{gw: gw}
	}
	c := NewCoordinator(cfg, ledger, slippage.NewEstimator(nil), provider, risk, trend, nil, nil)
	return c, ledger
}

func baseSignal() models.Signal {
	return models.Signal{
		Symbol:       "BTCUSDT",
		Direction:    "LONG",
		EntryPrice:   dec("50000"),
		UserID:       "u1",
		SignalKey:    "k1",
		QuantityUSDT: dec("100"),
		Leverage:     1,
	}
}

func TestNormalizeDirection(t *testing.T) {
	tests := []struct {
		in      string
		want    models.Direction
		wantErr bool
	}{
		{"LONG", models.DirectionBuy, false},
		{"buy", models.DirectionBuy, false},
		{" Short ", models.DirectionSell, false},
		{"SELL", models.DirectionSell, false},
		{"HOLD", "", true},
		{"", "", true},
	}
	for _, tt := range tests {
		got, err := NormalizeDirection(tt.in)
		if tt.wantErr {
			require.ErrorIs(t, err, ErrInvalidDirection, "input %q", tt.in)
			continue
		}
		require.NoError(t, err, "input %q", tt.in)
		assert.Equal(t, tt.want, got)
	}
}

func TestSpotShortRejected(t *testing.T) {
	gw := newLiveGateway()
	c, _ := newTestCoordinator(testConfig("prod"), gw, nil, nil)

	sig := baseSignal()
	sig.Direction = "SHORT"
	sig.TradeMode = models.TradeModeSpot

	res, err := c.Execute(context.Background(), sig)
	require.ErrorIs(t, err, ErrSpotShort)
	assert.Equal(t, StatusRejected, res.Status)
	assert.Zero(t, gw.limitOrders)
	assert.Zero(t, gw.marketOrders)
}

func TestSimulatedEnvironmentPlacesNoOrders(t *testing.T) {
	gw := newLiveGateway()
	c, ledger := newTestCoordinator(testConfig("dev"), gw, nil, nil)

	res, err := c.Execute(context.Background(), baseSignal())
	require.NoError(t, err)
	assert.Equal(t, StatusSimulated, res.Status)
	assert.Zero(t, gw.limitOrders)
	assert.Zero(t, gw.marketOrders)

	pos, err := ledger.Get("u1", "BTCUSDT")
	require.NoError(t, err)
	assert.Equal(t, models.DirectionBuy, pos.Direction)
	// 100 USDT at 50000: 0.002 base units.
	assert.True(t, res.Quantity.Equal(dec("0.002")), "got %s", res.Quantity)
}

func TestLimitFillHappyPath(t *testing.T) {
	gw := newLiveGateway()
	c, ledger := newTestCoordinator(testConfig("prod"), gw, nil, nil)

	res, err := c.Execute(context.Background(), baseSignal())
	require.NoError(t, err)
	assert.Equal(t, StatusExecuted, res.Status)
	assert.Equal(t, 1, gw.limitOrders)
	assert.Zero(t, gw.marketOrders)
	assert.Zero(t, gw.cancels)
	assert.True(t, res.Protected)

	// Stop loss plus two take profits.
	assert.Equal(t, 1, gw.slCalls)
	require.Len(t, gw.tpCalls, 2)

	_, err = ledger.Get("u1", "BTCUSDT")
	require.NoError(t, err)
}

func TestLimitTimeoutFallsBackToMarketExactlyOnce(t *testing.T) {
	gw := newLiveGateway()
	gw.waitStatus = "open"
	c, _ := newTestCoordinator(testConfig("prod"), gw, nil, nil)

	res, err := c.Execute(context.Background(), baseSignal())
	require.NoError(t, err)
	assert.Equal(t, StatusExecuted, res.Status)
	assert.Equal(t, 1, gw.limitOrders)
	assert.Equal(t, 1, gw.cancels)
	assert.Equal(t, 1, gw.marketOrders)
	assert.Equal(t, "M1", res.OrderID)

	// Outcome feeds the guidance store.
	assert.Equal(t, 1, c.guidance.Count("BTCUSDT", OutcomeLimitTimeout))
}

func TestMarketFallbackFailureAborts(t *testing.T) {
	gw := newLiveGateway()
	gw.waitStatus = "open"
	gw.marketErr = errors.New("insufficient margin")
	c, ledger := newTestCoordinator(testConfig("prod"), gw, nil, nil)

	res, err := c.Execute(context.Background(), baseSignal())
	require.ErrorIs(t, err, ErrEntryFailed)
	assert.Equal(t, StatusFailed, res.Status)
	assert.Zero(t, gw.slCalls)

	_, err = ledger.Get("u1", "BTCUSDT")
	require.Error(t, err)
}

func TestTakeProfitSplitIsExact(t *testing.T) {
	gw := newLiveGateway()
	gw.fillQty = dec("0.00030001")
	c, _ := newTestCoordinator(testConfig("prod"), gw, nil, nil)

	res, err := c.Execute(context.Background(), baseSignal())
	require.NoError(t, err)
	require.Len(t, gw.tpCalls, 2)

	tp1, tp2 := gw.tpCalls[0].qty, gw.tpCalls[1].qty
	assert.True(t, tp1.Equal(dec("0.00015000")), "got %s", tp1)
	assert.True(t, tp2.Equal(dec("0.00015001")), "got %s", tp2)
	assert.True(t, tp1.Add(tp2).Equal(res.Quantity))
}

func TestProtectionFailureFlaggedNotRolledBack(t *testing.T) {
	gw := newLiveGateway()
	gw.slErr = errors.New("exchange rejected stop")
	c, ledger := newTestCoordinator(testConfig("prod"), gw, nil, nil)

	res, err := c.Execute(context.Background(), baseSignal())
	require.NoError(t, err)
	assert.Equal(t, StatusExecuted, res.Status)
	assert.False(t, res.Protected)
	assert.Equal(t, 3, gw.slCalls)
	assert.NotEmpty(t, res.ProtectionErrors)

	// The position still exists: no rollback.
	_, err = ledger.Get("u1", "BTCUSDT")
	require.NoError(t, err)
}

func TestDuplicateSignalKeyRejectedWhileInFlight(t *testing.T) {
	trend := &blockingTrend{begun: make(chan struct{}), release: make(chan struct{})}
	c, _ := newTestCoordinator(testConfig("dev"), nil, nil, trend)

	done := make(chan error, 1)
	go func() {
		_, err := c.Execute(context.Background(), baseSignal())
		done <- err
	}()
	<-trend.begun

	// Same key while the first execution is still running.
	_, err := c.Execute(context.Background(), baseSignal())
	require.ErrorIs(t, err, ErrDuplicateSignal)

	close(trend.release)
	require.NoError(t, <-done)

	// Key released after completion; the retry now trips the open-position
	// check instead.
	_, err = c.Execute(context.Background(), baseSignal())
	require.ErrorIs(t, err, ErrDuplicatePosition)
}

func TestOppositeDirectionAutoCloses(t *testing.T) {
	c, ledger := newTestCoordinator(testConfig("dev"), nil, nil, nil)

	_, err := c.Execute(context.Background(), baseSignal())
	require.NoError(t, err)

	sig := baseSignal()
	sig.Direction = "SHORT"
	sig.SignalKey = "k2"

	res, err := c.Execute(context.Background(), sig)
	require.NoError(t, err)
	assert.Equal(t, StatusSimulated, res.Status)

	pos, err := ledger.Get("u1", "BTCUSDT")
	require.NoError(t, err)
	assert.Equal(t, models.DirectionSell, pos.Direction)
}

func TestOppositeDirectionClosesOnExchange(t *testing.T) {
	gw := newLiveGateway()
	gw.positions = []ExchangePosition{{
		Symbol:     "BTCUSDT",
		Side:       models.OrderSideSell,
		Quantity:   dec("0.004"),
		EntryPrice: dec("51000"),
	}}
	c, ledger := newTestCoordinator(testConfig("prod"), gw, nil, nil)

	_, err := ledger.Open(position.OpenRequest{
		Symbol:     "BTCUSDT",
		Direction:  models.DirectionSell,
		EntryPrice: dec("51000"),
		UserID:     "u1",
		SignalKey:  "k0",
		Quantity:   dec("0.004"),
	})
	require.NoError(t, err)

	res, err := c.Execute(context.Background(), baseSignal())
	require.NoError(t, err)
	assert.Equal(t, StatusExecuted, res.Status)

	// The old short was flattened on the exchange before the new entry.
	assert.Equal(t, 1, gw.positionFetches)
	require.Equal(t, 1, gw.marketOrders)
	assert.True(t, gw.marketQtys[0].Equal(dec("0.004")), "got %s", gw.marketQtys[0])
	assert.Equal(t, 1, gw.limitOrders)

	pos, err := ledger.Get("u1", "BTCUSDT")
	require.NoError(t, err)
	assert.Equal(t, models.DirectionBuy, pos.Direction)
}

func TestGatewayFailureLeavesOppositeUntouched(t *testing.T) {
	ledger := position.NewLedger(position.Config{}, nil, nil, nil, nil, nil)
	c := NewCoordinator(testConfig("prod"), ledger, slippage.NewEstimator(nil),
		&fakeProvider{err: errors.New("no credentials")}, nil, nil, nil, nil)

	_, err := ledger.Open(position.OpenRequest{
		Symbol:     "BTCUSDT",
		Direction:  models.DirectionSell,
		EntryPrice: dec("51000"),
		UserID:     "u1",
		SignalKey:  "k0",
	})
	require.NoError(t, err)

	_, err = c.Execute(context.Background(), baseSignal())
	require.ErrorIs(t, err, ErrGatewayUnavailable)

	// No gateway, no reconciliation: the tracked short is still open.
	pos, err := ledger.Get("u1", "BTCUSDT")
	require.NoError(t, err)
	assert.Equal(t, models.DirectionSell, pos.Direction)
}

func TestRiskValidationShrinkOnly(t *testing.T) {
	// The validator approving more than requested must not grow the size.
	c, _ := newTestCoordinator(testConfig("dev"), nil, &fakeRisk{approved: dec("500")}, nil)
	res, err := c.Execute(context.Background(), baseSignal())
	require.NoError(t, err)
	assert.True(t, res.NotionalUSD.Equal(dec("100")), "got %s", res.NotionalUSD)

	// Approving less shrinks it.
	c2, _ := newTestCoordinator(testConfig("dev"), nil, &fakeRisk{approved: dec("40")}, nil)
	res, err = c2.Execute(context.Background(), baseSignal())
	require.NoError(t, err)
	assert.True(t, res.NotionalUSD.Equal(dec("40")))

	// A validator error rejects outright.
	c3, _ := newTestCoordinator(testConfig("dev"), nil, &fakeRisk{err: errors.New("exposure cap")}, nil)
	res, err = c3.Execute(context.Background(), baseSignal())
	require.ErrorIs(t, err, ErrRiskRejected)
	assert.Equal(t, StatusRejected, res.Status)
}

func TestGatewayAcquisitionFailureAbortsClean(t *testing.T) {
	ledger := position.NewLedger(position.Config{}, nil, nil, nil, nil, nil)
	c := NewCoordinator(testConfig("prod"), ledger, slippage.NewEstimator(nil),
		&fakeProvider{err: errors.New("no credentials")}, nil, nil, nil, nil)

	res, err := c.Execute(context.Background(), baseSignal())
	require.ErrorIs(t, err, ErrGatewayUnavailable)
	assert.Equal(t, StatusFailed, res.Status)

	_, err = ledger.Get("u1", "BTCUSDT")
	require.Error(t, err)

	// The in-flight key was released: a retry gets past the guard.
	_, err = c.Execute(context.Background(), baseSignal())
	require.ErrorIs(t, err, ErrGatewayUnavailable)
}

func TestLeverageClamped(t *testing.T) {
	gw := newLiveGateway()
	c, _ := newTestCoordinator(testConfig("prod"), gw, nil, nil)

	sig := baseSignal()
	sig.Leverage = 500

	_, err := c.Execute(context.Background(), sig)
	require.NoError(t, err)
	assert.Equal(t, 125, gw.leverageSet)
}

func TestQuantityFloor(t *testing.T) {
	c, _ := newTestCoordinator(testConfig("dev"), nil, nil, nil)

	sig := baseSignal()
	sig.QuantityUSDT = dec("1")
	sig.EntryPrice = dec("50000000")

	_, err := c.Execute(context.Background(), sig)
	require.ErrorIs(t, err, ErrQuantityTooSmall)
}
