package slippage

import (
	"log"
	"sync"
	"time"

	"github.com/atra-trading/execution-engine/internal/models"
	"github.com/atra-trading/execution-engine/internal/repository"
	"github.com/shopspring/decimal"
)

// Liquidity thresholds (24h volume, USD) and the base slippage per tier.
const (
	highLiquidityThreshold   = 100_000_000
	mediumLiquidityThreshold = 10_000_000
	lowLiquidityThreshold    = 1_000_000

	highLiquiditySlippage    = 0.0005 // 0.05%
	mediumLiquiditySlippage  = 0.001  // 0.1%
	lowLiquiditySlippage     = 0.002  // 0.2%
	veryLowLiquiditySlippage = 0.005  // 0.5%

	// Order-type optimization.
	limitOrderThreshold = 0.0015 // 0.15% risk -> prefer limit
	limitPriceOffset    = 0.0005 // 0.05% passive-side offset

	// Position-size compensation.
	compensationThreshold = 0.0015
	maxCompensationPct    = 0.1

	rollingWindow  = 5
	historyKeepMax = 50
)

// Sample is one realized-slippage observation.
type Sample struct {
	Symbol        string
	Side          models.OrderSide
	ExpectedPrice decimal.Decimal
	ActualPrice   decimal.Decimal
	Volume24h     float64
	OrderSizeUSD  float64
	Volatility    float64
	OrderID       string
}

// Recommendation is the limit-vs-market decision for an order.
type Recommendation struct {
	UseLimit         bool
	LimitPrice       decimal.Decimal
	ExpectedSlippage float64
	RiskScore        float64
	Reason           string
}

// Estimator estimates expected execution slippage per symbol and keeps an
// append-only history of realized slippage. The history is owned by the
// estimator and mutated only under its lock.
type Estimator struct {
	mu      sync.RWMutex
	history map[string][]float64

	repo *repository.SlippageRepository
}

// NewEstimator creates an estimator. The repository is optional; when set,
// samples are mirrored to it best-effort.
func NewEstimator(repo *repository.SlippageRepository) *Estimator {
	return &Estimator{
		history: make(map[string][]float64),
		repo:    repo,
	}
}

// Estimate returns the expected slippage fraction for an order. It is
// monotonically non-decreasing in volatility and in the order-size to
// volume ratio.
func (e *Estimator) Estimate(symbol string, volume24h, orderSizeUSD, volatility float64) float64 {
	// Base slippage from the liquidity tier. Unknown volume is treated
	// as medium liquidity.
	var slip float64
	switch {
	case volume24h <= 0:
		slip = mediumLiquiditySlippage
	case volume24h >= highLiquidityThreshold:
		slip = highLiquiditySlippage
	case volume24h >= mediumLiquidityThreshold:
		slip = mediumLiquiditySlippage
	case volume24h >= lowLiquidityThreshold:
		slip = lowLiquiditySlippage
	default:
		slip = veryLowLiquiditySlippage
	}

	// Scale up when the order is large relative to daily volume.
	if orderSizeUSD > 0 && volume24h > 0 {
		sizeFactor := (orderSizeUSD / volume24h) * 1000
		if sizeFactor > 1 {
			if sizeFactor > 5 {
				sizeFactor = 5
			}
			slip *= 1 + sizeFactor
		}
	}

	// Scale up under elevated volatility.
	if volatility > 0.02 {
		slip *= 1 + volatility*10
	}

	return slip
}

// RecommendOrderType decides between a limit and a market order. The risk
// score is the worse of the model estimate and the realized rolling
// average; above the threshold a limit order offset to the passive side of
// the current price is recommended.
func (e *Estimator) RecommendOrderType(symbol string, side models.OrderSide, currentPrice decimal.Decimal, volume24h, orderSizeUSD, volatility float64) Recommendation {
	expected := e.Estimate(symbol, volume24h, orderSizeUSD, volatility)
	avg := e.RollingAverage(symbol)

	risk := expected
	if avg > risk {
		risk = avg
	}

	rec := Recommendation{
		ExpectedSlippage: expected,
		RiskScore:        risk,
		LimitPrice:       currentPrice,
		Reason:           "normal liquidity",
	}

	if risk > limitOrderThreshold {
		rec.UseLimit = true
		rec.Reason = "high expected slippage"
		offset := decimal.NewFromFloat(limitPriceOffset)
		if side == models.OrderSideBuy {
			rec.LimitPrice = currentPrice.Mul(decimal.NewFromInt(1).Sub(offset))
		} else {
			rec.LimitPrice = currentPrice.Mul(decimal.NewFromInt(1).Add(offset))
		}
	}

	return rec
}

// Record appends a realized-slippage sample. Samples with a non-positive
// expected price are dropped. Persistence failures do not fail the caller.
func (e *Estimator) Record(sample Sample) {
	if sample.ExpectedPrice.LessThanOrEqual(decimal.Zero) {
		return
	}

	diff := sample.ActualPrice.Sub(sample.ExpectedPrice)
	if sample.Side == models.OrderSideSell {
		diff = sample.ExpectedPrice.Sub(sample.ActualPrice)
	}
	pct, _ := diff.Div(sample.ExpectedPrice).Float64()

	e.mu.Lock()
	hist := append(e.history[sample.Symbol], pct)
	if len(hist) > historyKeepMax {
		hist = hist[len(hist)-historyKeepMax:]
	}
	e.history[sample.Symbol] = hist
	e.mu.Unlock()

	if e.repo != nil {
		record := &models.SlippageRecord{
			Symbol:        sample.Symbol,
			Side:          sample.Side,
			ExpectedPrice: sample.ExpectedPrice,
			ActualPrice:   sample.ActualPrice,
			SlippagePct:   pct,
			Volume24h:     sample.Volume24h,
			OrderSizeUSD:  sample.OrderSizeUSD,
			Volatility:    sample.Volatility,
			OrderID:       sample.OrderID,
			CreatedAt:     time.Now().UTC(),
		}
		if err := e.repo.Create(record); err != nil {
			log.Printf("[SLIPPAGE] warning: failed to persist sample for %s: %v", sample.Symbol, err)
		}
	}
}

// RollingAverage returns the arithmetic mean of the newest samples for the
// symbol (window of 5). An empty history yields 0.
func (e *Estimator) RollingAverage(symbol string) float64 {
	e.mu.RLock()
	defer e.mu.RUnlock()

	hist := e.history[symbol]
	if len(hist) == 0 {
		return 0
	}

	start := 0
	if len(hist) > rollingWindow {
		start = len(hist) - rollingWindow
	}
	window := hist[start:]

	var sum float64
	for _, v := range window {
		sum += v
	}
	return sum / float64(len(window))
}

// AdjustedPositionSize shrinks a requested position size when the realized
// rolling slippage for the symbol is high. It never grows the size.
func (e *Estimator) AdjustedPositionSize(symbol string, baseSize decimal.Decimal) decimal.Decimal {
	avg := e.RollingAverage(symbol)
	if avg <= compensationThreshold {
		return baseSize
	}

	reduction := avg
	if reduction > maxCompensationPct {
		reduction = maxCompensationPct
	}
	adjusted := baseSize.Mul(decimal.NewFromInt(1).Sub(decimal.NewFromFloat(reduction)))
	log.Printf("[SLIPPAGE] reduced size for %s: %s -> %s (avg slippage %.4f%%)",
		symbol, baseSize.String(), adjusted.String(), avg*100)
	return adjusted
}

// Stats aggregates the persisted history for a symbol.
type Stats struct {
	Count          int64   `json:"count"`
	AvgSlippagePct float64 `json:"avg_slippage_pct"`
	MaxSlippagePct float64 `json:"max_slippage_pct"`
}

// SymbolStatistics returns aggregate slippage statistics for a symbol.
// Without a repository it falls back to the in-memory window.
func (e *Estimator) SymbolStatistics(symbol string) Stats {
	if e.repo != nil {
		if s, err := e.repo.GetSymbolStats(symbol); err == nil {
			return Stats{Count: s.Count, AvgSlippagePct: s.Avg * 100, MaxSlippagePct: s.Max * 100}
		}
	}

	e.mu.RLock()
	defer e.mu.RUnlock()

	hist := e.history[symbol]
	if len(hist) == 0 {
		return Stats{}
	}
	var sum, max float64
	for i, v := range hist {
		sum += v
		if i == 0 || v > max {
			max = v
		}
	}
	return Stats{
		Count:          int64(len(hist)),
		AvgSlippagePct: sum / float64(len(hist)) * 100,
		MaxSlippagePct: max * 100,
	}
}
