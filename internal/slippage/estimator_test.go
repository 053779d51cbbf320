package slippage

import (
	"testing"

	"github.com/atra-trading/execution-engine/internal/models"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEstimateLiquidityTiers(t *testing.T) {
	e := NewEstimator(nil)

	tests := []struct {
		name      string
		volume24h float64
		want      float64
	}{
		{"high liquidity", 200_000_000, 0.0005},
		{"medium liquidity", 50_000_000, 0.001},
		{"low liquidity", 5_000_000, 0.002},
		{"very low liquidity", 500_000, 0.005},
		{"missing volume defaults to medium", 0, 0.001},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := e.Estimate("BTCUSDT", tt.volume24h, 0, 0)
			assert.InDelta(t, tt.want, got, 1e-12)
		})
	}
}

func TestEstimateMonotonicInVolatility(t *testing.T) {
	e := NewEstimator(nil)

	prev := 0.0
	for _, vol := range []float64{0, 0.01, 0.02, 0.021, 0.03, 0.05, 0.1} {
		got := e.Estimate("ETHUSDT", 50_000_000, 10_000, vol)
		assert.GreaterOrEqual(t, got, prev, "volatility %v", vol)
		prev = got
	}
}

func TestEstimateMonotonicInSizeRatio(t *testing.T) {
	e := NewEstimator(nil)

	const volume = 10_000_000
	prev := 0.0
	for _, size := range []float64{0, 1_000, 10_000, 20_000, 50_000, 100_000, 1_000_000} {
		got := e.Estimate("ETHUSDT", volume, size, 0)
		assert.GreaterOrEqual(t, got, prev, "order size %v", size)
		prev = got
	}
}

func TestEstimateSizeFactorCapped(t *testing.T) {
	e := NewEstimator(nil)

	// Both sizes push the linear factor past the cap of 5.
	a := e.Estimate("XRPUSDT", 1_000_000, 100_000, 0)
	b := e.Estimate("XRPUSDT", 1_000_000, 10_000_000, 0)
	assert.Equal(t, a, b)
}

func TestRecommendOrderTypeHighRatioRoutesLimit(t *testing.T) {
	e := NewEstimator(nil)

	// Order 5x the daily volume with 3% volatility: well past the
	// limit-order threshold.
	price := decimal.RequireFromString("50000")
	rec := e.RecommendOrderType("BTCUSDT", models.OrderSideBuy, price, 1_000_000, 5_000_000, 0.03)

	require.True(t, rec.UseLimit)
	assert.True(t, rec.LimitPrice.LessThan(price), "buy limit sits below current price")

	recSell := e.RecommendOrderType("BTCUSDT", models.OrderSideSell, price, 1_000_000, 5_000_000, 0.03)
	require.True(t, recSell.UseLimit)
	assert.True(t, recSell.LimitPrice.GreaterThan(price), "sell limit sits above current price")
}

func TestRecommendOrderTypeQuietMarket(t *testing.T) {
	e := NewEstimator(nil)

	price := decimal.RequireFromString("50000")
	rec := e.RecommendOrderType("BTCUSDT", models.OrderSideBuy, price, 200_000_000, 1_000, 0.01)

	assert.False(t, rec.UseLimit)
	assert.True(t, rec.LimitPrice.Equal(price))
}

func TestRollingAverage(t *testing.T) {
	e := NewEstimator(nil)

	assert.Zero(t, e.RollingAverage("BTCUSDT"))

	// Seven buy samples; the window keeps the newest five.
	expected := decimal.RequireFromString("100")
	for _, actual := range []string{"101", "102", "103", "101", "101", "101", "101"} {
		e.Record(Sample{
			Symbol:        "BTCUSDT",
			Side:          models.OrderSideBuy,
			ExpectedPrice: expected,
			ActualPrice:   decimal.RequireFromString(actual),
		})
	}

	// Last five samples: 3%, 1%, 1%, 1%, 1% -> 1.4%.
	assert.InDelta(t, 0.014, e.RollingAverage("BTCUSDT"), 1e-9)
}

func TestRecordSignBySide(t *testing.T) {
	e := NewEstimator(nil)

	// Sell filled below the expected price is adverse: positive slippage.
	e.Record(Sample{
		Symbol:        "SOLUSDT",
		Side:          models.OrderSideSell,
		ExpectedPrice: decimal.RequireFromString("100"),
		ActualPrice:   decimal.RequireFromString("99"),
	})
	assert.InDelta(t, 0.01, e.RollingAverage("SOLUSDT"), 1e-9)

	// Non-positive expected price is dropped.
	e.Record(Sample{
		Symbol:        "SOLUSDT",
		Side:          models.OrderSideSell,
		ExpectedPrice: decimal.Zero,
		ActualPrice:   decimal.RequireFromString("99"),
	})
	stats := e.SymbolStatistics("SOLUSDT")
	assert.EqualValues(t, 1, stats.Count)
}

func TestAdjustedPositionSizeShrinkOnly(t *testing.T) {
	e := NewEstimator(nil)
	base := decimal.RequireFromString("100")

	// Clean history: unchanged.
	assert.True(t, e.AdjustedPositionSize("ADAUSDT", base).Equal(base))

	// 5% realized slippage: past the compensation threshold, the size
	// shrinks by the same fraction.
	e.Record(Sample{
		Symbol:        "ADAUSDT",
		Side:          models.OrderSideBuy,
		ExpectedPrice: decimal.RequireFromString("100"),
		ActualPrice:   decimal.RequireFromString("105"),
	})
	adjusted := e.AdjustedPositionSize("ADAUSDT", base)
	assert.True(t, adjusted.Equal(decimal.RequireFromString("95")), "got %s", adjusted)

	// 25% realized slippage: the reduction caps at 10%.
	e.Record(Sample{
		Symbol:        "PEPEUSDT",
		Side:          models.OrderSideBuy,
		ExpectedPrice: decimal.RequireFromString("100"),
		ActualPrice:   decimal.RequireFromString("125"),
	})
	capped := e.AdjustedPositionSize("PEPEUSDT", base)
	assert.True(t, capped.Equal(decimal.RequireFromString("90")), "got %s", capped)
}
