package order

import (
	"fmt"
	"testing"
	"time"

	"github.com/atra-trading/execution-engine/internal/models"
	"github.com/atra-trading/execution-engine/internal/slippage"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRouter(autoOptimize bool) *Router {
	return NewRouter(Config{AutoOptimize: autoOptimize}, slippage.NewEstimator(nil))
}

func dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func TestMarketOrderRequiresPrice(t *testing.T) {
	r := newTestRouter(false)

	_, err := r.CreateMarketOrder("BTCUSDT", models.OrderSideBuy, dec("0.5"), MarketContext{})
	require.ErrorIs(t, err, ErrNoMarketPrice)
}

func TestMarketOrderAdverseAdjustmentAndFill(t *testing.T) {
	r := newTestRouter(false)
	r.Process(Tick{Symbol: "BTCUSDT", Price: dec("50000")})

	o, err := r.CreateMarketOrder("BTCUSDT", models.OrderSideBuy, dec("0.5"), MarketContext{UserID: "u1"})
	require.NoError(t, err)

	// Flat 0.1% tolerance in the adverse (up, for a buy) direction.
	assert.True(t, o.Price.Equal(dec("50050")), "got %s", o.Price)
	assert.Equal(t, models.OrderStatusPending, o.Status)

	r.Process(Tick{Symbol: "BTCUSDT", Price: dec("50010")})

	filled, err := r.Get(o.ID)
	require.NoError(t, err)
	assert.Equal(t, models.OrderStatusFilled, filled.Status)
	assert.True(t, filled.FilledPrice.Equal(dec("50010")))
	assert.True(t, filled.FilledQty.Equal(dec("0.5")))
	// commission = 0.5 * 50010 * 0.001
	assert.True(t, filled.Commission.Equal(dec("25.005")), "got %s", filled.Commission)
}

func TestMarketOrderAutoOptimizeRoutesLimit(t *testing.T) {
	r := newTestRouter(true)
	r.Process(Tick{Symbol: "ALTUSDT", Price: dec("2")})

	// Thin market, huge order: the estimator recommends a limit order
	// below the current price for a buy.
	o, err := r.CreateMarketOrder("ALTUSDT", models.OrderSideBuy, dec("1000000"), MarketContext{
		Volume24h:    1_000_000,
		OrderSizeUSD: 5_000_000,
		Volatility:   0.03,
	})
	require.NoError(t, err)
	assert.Equal(t, models.OrderTypeLimit, o.Type)
	assert.True(t, o.Price.LessThan(dec("2")))
}

func TestLimitOrderFillDirections(t *testing.T) {
	r := newTestRouter(false)
	r.Process(Tick{Symbol: "ETHUSDT", Price: dec("3000")})

	buy, err := r.CreateLimitOrder("ETHUSDT", models.OrderSideBuy, dec("1"), dec("2950"), "u1", "")
	require.NoError(t, err)
	sell, err := r.CreateLimitOrder("ETHUSDT", models.OrderSideSell, dec("1"), dec("3050"), "u1", "")
	require.NoError(t, err)

	// Price between the two: neither fills.
	r.Process(Tick{Symbol: "ETHUSDT", Price: dec("3000")})
	b, _ := r.Get(buy.ID)
	s, _ := r.Get(sell.ID)
	assert.True(t, b.IsPending())
	assert.True(t, s.IsPending())

	// Crossing down fills the buy.
	r.Process(Tick{Symbol: "ETHUSDT", Price: dec("2949")})
	b, _ = r.Get(buy.ID)
	assert.Equal(t, models.OrderStatusFilled, b.Status)

	// Crossing up fills the sell.
	r.Process(Tick{Symbol: "ETHUSDT", Price: dec("3051")})
	s, _ = r.Get(sell.ID)
	assert.Equal(t, models.OrderStatusFilled, s.Status)
}

func TestLimitOrderPriceReasonableness(t *testing.T) {
	r := newTestRouter(false)
	r.Process(Tick{Symbol: "ETHUSDT", Price: dec("3000")})

	_, err := r.CreateLimitOrder("ETHUSDT", models.OrderSideBuy, dec("1"), dec("2000"), "u1", "")
	require.ErrorIs(t, err, ErrUnreasonablePrice)
}

func TestStopOrderTriggersAdversely(t *testing.T) {
	r := newTestRouter(false)

	// Protective sell stop under the market.
	o, err := r.CreateStopOrder("BTCUSDT", models.OrderSideSell, dec("0.1"), dec("49000"), decimal.Zero, "u1", "")
	require.NoError(t, err)

	r.Process(Tick{Symbol: "BTCUSDT", Price: dec("49500")})
	got, _ := r.Get(o.ID)
	assert.True(t, got.IsPending())

	r.Process(Tick{Symbol: "BTCUSDT", Price: dec("48900")})
	got, _ = r.Get(o.ID)
	assert.Equal(t, models.OrderStatusFilled, got.Status)
}

func TestTrailingStopRatchetsMonotonically(t *testing.T) {
	r := newTestRouter(false)
	r.Process(Tick{Symbol: "BTCUSDT", Price: dec("50000")})

	// 2% trailing sell stop protecting a long.
	o, err := r.CreateTrailingStopOrder("BTCUSDT", models.OrderSideSell, dec("0.1"), dec("0.02"), "u1", "")
	require.NoError(t, err)
	assert.True(t, o.StopPrice.Equal(dec("49000")))

	prevStop := o.StopPrice
	for _, p := range []string{"50500", "51000", "50800", "52000", "51500"} {
		r.Process(Tick{Symbol: "BTCUSDT", Price: dec(p)})
		got, err := r.Get(o.ID)
		require.NoError(t, err)
		if got.Status != models.OrderStatusPending {
			break
		}
		assert.True(t, got.StopPrice.GreaterThanOrEqual(prevStop),
			"stop loosened at tick %s: %s < %s", p, got.StopPrice, prevStop)
		prevStop = got.StopPrice
	}

	// Peak was 52000 -> stop 50960; dropping through it fills.
	r.Process(Tick{Symbol: "BTCUSDT", Price: dec("50900")})
	got, _ := r.Get(o.ID)
	assert.Equal(t, models.OrderStatusFilled, got.Status)
}

func TestOrderCaps(t *testing.T) {
	r := NewRouter(Config{MaxOrdersPerSymbol: 2, MaxOrdersPerUser: 3}, slippage.NewEstimator(nil))
	r.Process(Tick{Symbol: "AUSDT", Price: dec("1")})
	r.Process(Tick{Symbol: "BUSDT", Price: dec("1")})

	_, err := r.CreateLimitOrder("AUSDT", models.OrderSideBuy, dec("1"), dec("0.99"), "u1", "")
	require.NoError(t, err)
	_, err = r.CreateLimitOrder("AUSDT", models.OrderSideBuy, dec("1"), dec("0.98"), "u1", "")
	require.NoError(t, err)

	// Third on the same symbol is over the per-symbol cap.
	_, err = r.CreateLimitOrder("AUSDT", models.OrderSideBuy, dec("1"), dec("0.97"), "u2", "")
	require.ErrorIs(t, err, ErrOrderLimitExceeded)

	// Per-user cap across symbols.
	_, err = r.CreateLimitOrder("BUSDT", models.OrderSideBuy, dec("1"), dec("0.99"), "u1", "")
	require.NoError(t, err)
	_, err = r.CreateLimitOrder("BUSDT", models.OrderSideBuy, dec("1"), dec("0.98"), "u1", "")
	require.ErrorIs(t, err, ErrOrderLimitExceeded)
}

func TestCancelAndModifyOnlyPending(t *testing.T) {
	r := newTestRouter(false)
	r.Process(Tick{Symbol: "ETHUSDT", Price: dec("3000")})

	o, err := r.CreateLimitOrder("ETHUSDT", models.OrderSideBuy, dec("1"), dec("2950"), "u1", "")
	require.NoError(t, err)

	newPrice := dec("2960")
	require.NoError(t, r.Modify(o.ID, &newPrice, nil))

	// Fill it, then cancel/modify must fail.
	r.Process(Tick{Symbol: "ETHUSDT", Price: dec("2940")})
	require.ErrorIs(t, r.Cancel(o.ID), ErrOrderNotPending)
	require.ErrorIs(t, r.Modify(o.ID, &newPrice, nil), ErrOrderNotPending)

	require.ErrorIs(t, r.Cancel("ORD-missing"), ErrOrderNotFound)
}

func TestFillRecordsRealizedSlippage(t *testing.T) {
	est := slippage.NewEstimator(nil)
	r := NewRouter(Config{}, est)
	r.Process(Tick{Symbol: "ETHUSDT", Price: dec("3000")})

	o, err := r.CreateLimitOrder("ETHUSDT", models.OrderSideBuy, dec("1"), dec("2950"), "u1", "")
	require.NoError(t, err)
	r.Process(Tick{Symbol: "ETHUSDT", Price: dec("2940")})

	got, _ := r.Get(o.ID)
	require.Equal(t, models.OrderStatusFilled, got.Status)

	// Buy filled below the expected price: favorable, negative slippage.
	assert.Less(t, est.RollingAverage("ETHUSDT"), 0.0)
}

func TestCleanupStaleOrders(t *testing.T) {
	r := newTestRouter(false)
	r.Process(Tick{Symbol: "ETHUSDT", Price: dec("3000")})

	o, err := r.CreateLimitOrder("ETHUSDT", models.OrderSideBuy, dec("1"), dec("2950"), "u1", "")
	require.NoError(t, err)

	assert.Zero(t, r.CleanupStale(time.Hour))
	assert.Equal(t, 1, r.CleanupStale(-time.Minute))

	got, _ := r.Get(o.ID)
	assert.Equal(t, models.OrderStatusCancelled, got.Status)
}

func TestStatistics(t *testing.T) {
	r := newTestRouter(false)
	r.Process(Tick{Symbol: "ETHUSDT", Price: dec("3000")})

	for i := 0; i < 4; i++ {
		_, err := r.CreateLimitOrder("ETHUSDT", models.OrderSideBuy, dec("1"),
			dec(fmt.Sprintf("29%d0", i)), "u1", "")
		require.NoError(t, err)
	}
	r.Process(Tick{Symbol: "ETHUSDT", Price: dec("2800")})

	stats := r.Statistics()
	assert.EqualValues(t, 4, stats.TotalOrders)
	assert.EqualValues(t, 4, stats.FilledOrders)
	assert.Zero(t, stats.PendingOrders)
	assert.InDelta(t, 100, stats.FillRate, 1e-9)
}
