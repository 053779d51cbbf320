package execution

import (
	"context"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/atra-trading/execution-engine/internal/audit"
	"github.com/atra-trading/execution-engine/internal/config"
	"github.com/atra-trading/execution-engine/internal/models"
	"github.com/atra-trading/execution-engine/internal/position"
	"github.com/atra-trading/execution-engine/internal/slippage"
	"github.com/atra-trading/execution-engine/pkg/keygen"
	"github.com/shopspring/decimal"
)

// Quantity and price floors. Anything below is unplaceable on the exchange.
var (
	minOrderQty = decimal.RequireFromString("0.0001")
	minPrice    = decimal.RequireFromString("0.000000001")

	limitNudgeBuy  = decimal.RequireFromString("1.001")
	limitNudgeSell = decimal.RequireFromString("0.999")
)

// Result statuses.
const (
	StatusExecuted  = "executed"
	StatusSimulated = "simulated"
	StatusRejected  = "rejected"
	StatusFailed    = "failed"
)

// Result is the outcome of one signal execution.
type Result struct {
	Status           string           `json:"status"`
	Symbol           string           `json:"symbol"`
	Direction        models.Direction `json:"direction"`
	SignalKey        string           `json:"signal_key"`
	OrderID          string           `json:"order_id,omitempty"`
	EntryPrice       decimal.Decimal  `json:"entry_price"`
	Quantity         decimal.Decimal  `json:"quantity"`
	NotionalUSD      decimal.Decimal  `json:"notional_usd"`
	Protected        bool             `json:"protected"`
	ProtectionErrors []string         `json:"protection_errors,omitempty"`
	Trace            *Trace           `json:"trace,omitempty"`
}

// Coordinator drives a signal through validation, entry, protection and
// registration. One signal key executes at most once at a time; everything
// after the entry fill is best-effort and never rolls the entry back.
type Coordinator struct {
	cfg       *config.Config
	ledger    *position.Ledger
	estimator *slippage.Estimator
	policy    position.ProtectiveLevelPolicy
	provider  GatewayProvider
	risk      RiskValidator
	trend     TrendFilter
	auditLog  *audit.Log
	guidance  *GuidanceStore

	mu       sync.Mutex
	inflight map[string]struct{}
}

// NewCoordinator creates a coordinator. Risk validator, trend filter and
// audit log are optional; the gateway provider is only required for live
// execution.
func NewCoordinator(cfg *config.Config, ledger *position.Ledger, estimator *slippage.Estimator, provider GatewayProvider, risk RiskValidator, trend TrendFilter, auditLog *audit.Log, guidance *GuidanceStore) *Coordinator {
	if guidance == nil {
		guidance = NewGuidanceStore()
	}
	return &Coordinator{
		cfg:       cfg,
		ledger:    ledger,
		estimator: estimator,
		policy:    position.DefaultPolicy(),
		provider:  provider,
		risk:      risk,
		trend:     trend,
		auditLog:  auditLog,
		guidance:  guidance,
		inflight:  make(map[string]struct{}),
	}
}

// NormalizeDirection maps the accepted direction aliases onto BUY/SELL.
func NormalizeDirection(direction string) (models.Direction, error) {
	switch strings.ToUpper(strings.TrimSpace(direction)) {
	case "LONG", "BUY":
		return models.DirectionBuy, nil
	case "SHORT", "SELL":
		return models.DirectionSell, nil
	}
	return "", fmt.Errorf("%w: %q", ErrInvalidDirection, direction)
}

// Execute runs one signal through the full pipeline. Rejections and
// failures return both a result (with the trace) and the error.
func (c *Coordinator) Execute(ctx context.Context, sig models.Signal) (*Result, error) {
	if sig.Symbol == "" || sig.UserID == "" {
		return nil, fmt.Errorf("%w: symbol and user_id are required", ErrInvalidSignal)
	}
	if sig.QuantityUSDT.LessThanOrEqual(decimal.Zero) {
		return nil, fmt.Errorf("%w: non-positive quantity", ErrInvalidSignal)
	}
	if sig.SignalKey == "" {
		sig.SignalKey = keygen.SignalKey(sig.Symbol, time.Now().UTC())
	}

	if !c.acquire(sig.SignalKey) {
		return nil, fmt.Errorf("%w: %s", ErrDuplicateSignal, sig.SignalKey)
	}
	defer c.release(sig.SignalKey)

	trace := newTrace(sig.SignalKey, sig.Symbol)
	res := &Result{
		Status:    StatusRejected,
		Symbol:    sig.Symbol,
		SignalKey: sig.SignalKey,
		Trace:     trace,
	}
	defer c.guidance.Verdict(trace)

	direction, err := NormalizeDirection(sig.Direction)
	if err != nil {
		trace.add("normalize_direction", StepFailed, sig.Direction)
		return res, err
	}
	res.Direction = direction
	trace.add("normalize_direction", StepOK, string(direction))

	if sig.TradeMode == models.TradeModeSpot && direction == models.DirectionSell {
		trace.add("mode_check", StepFailed, "spot short")
		return res, fmt.Errorf("%w: %s", ErrSpotShort, sig.Symbol)
	}

	if err := c.checkTrend(ctx, &sig, direction, trace); err != nil {
		return res, err
	}

	notional, err := c.validateRisk(ctx, &sig, trace)
	if err != nil {
		return res, err
	}
	res.NotionalUSD = notional

	opposite, err := c.checkExisting(&sig, direction, trace)
	if err != nil {
		return res, err
	}

	if !c.cfg.IsLive() {
		if opposite != nil {
			c.closeOppositeLedger(&sig, opposite, decimal.Zero, trace)
		}
		return c.simulate(&sig, direction, notional, res, trace)
	}
	return c.executeLive(ctx, &sig, direction, notional, opposite, res, trace)
}

func (c *Coordinator) acquire(signalKey string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, busy := c.inflight[signalKey]; busy {
		return false
	}
	c.inflight[signalKey] = struct{}{}
	return true
}

func (c *Coordinator) release(signalKey string) {
	c.mu.Lock()
	delete(c.inflight, signalKey)
	c.mu.Unlock()
}

// checkTrend consults the trend filter. A filter error is advisory and the
// signal proceeds; an explicit veto rejects it.
func (c *Coordinator) checkTrend(ctx context.Context, sig *models.Signal, direction models.Direction, trace *Trace) error {
	if c.trend == nil {
		return nil
	}
	ok, err := c.trend.Check(ctx, sig.Symbol, string(direction))
	if err != nil {
		trace.add("trend_check", StepSkipped, err.Error())
		log.Printf("[EXEC] trend check failed for %s, proceeding: %v", sig.Symbol, err)
		return nil
	}
	if !ok {
		trace.add("trend_check", StepFailed, "vetoed")
		return fmt.Errorf("%w: %s %s", ErrTrendRejected, sig.Symbol, direction)
	}
	trace.add("trend_check", StepOK, "")
	return nil
}

// validateRisk returns the approved notional: the risk validator and the
// slippage compensator may both shrink it, never grow it.
func (c *Coordinator) validateRisk(ctx context.Context, sig *models.Signal, trace *Trace) (decimal.Decimal, error) {
	notional := sig.QuantityUSDT

	if c.risk != nil {
		approved, err := c.risk.Validate(ctx, sig)
		if err != nil {
			trace.add("risk_check", StepFailed, err.Error())
			return decimal.Zero, fmt.Errorf("%w: %v", ErrRiskRejected, err)
		}
		if approved.LessThanOrEqual(decimal.Zero) {
			trace.add("risk_check", StepFailed, "zero notional approved")
			return decimal.Zero, fmt.Errorf("%w: zero notional approved for %s", ErrRiskRejected, sig.Symbol)
		}
		if approved.LessThan(notional) {
			notional = approved
		}
	}

	if c.estimator != nil {
		notional = c.estimator.AdjustedPositionSize(sig.Symbol, notional)
	}

	trace.add("risk_check", StepOK, notional.String())
	return notional, nil
}

// checkExisting rejects a second entry in the same direction. An open
// opposite-direction position is returned for the caller to close before
// entering; in live mode that close must go through the exchange, so it
// cannot happen before the gateway is acquired.
func (c *Coordinator) checkExisting(sig *models.Signal, direction models.Direction, trace *Trace) (*models.Position, error) {
	existing, err := c.ledger.Get(sig.UserID, sig.Symbol)
	if err != nil {
		return nil, nil
	}

	if existing.Direction == direction {
		trace.add("position_check", StepFailed, "same direction open")
		return nil, fmt.Errorf("%w: %s %s %s", ErrDuplicatePosition, sig.UserID, sig.Symbol, direction)
	}

	trace.add("position_check", StepOK, fmt.Sprintf("opposite %s open", existing.Direction))
	return existing, nil
}

// closeOppositeLedger closes the tracked opposite position in the ledger
// only. Best-effort: a failure is logged and the new entry proceeds.
func (c *Coordinator) closeOppositeLedger(sig *models.Signal, existing *models.Position, exitPrice decimal.Decimal, trace *Trace) {
	if exitPrice.LessThanOrEqual(decimal.Zero) {
		exitPrice = existing.CurrentPrice
	}
	report, err := c.ledger.Close(sig.UserID, sig.Symbol, exitPrice, models.CloseReasonManual)
	if err != nil {
		trace.add("close_opposite", StepSkipped, fmt.Sprintf("ledger close failed: %v", err))
		log.Printf("[EXEC] failed to close opposite %s position on %s: %v", existing.Direction, sig.Symbol, err)
		return
	}
	trace.add("close_opposite", StepOK, fmt.Sprintf("closed opposite %s (pnl %s%%)",
		existing.Direction, report.Position.PnLPercent.StringFixed(4)))
}

// closeOpposite flattens the opposite position on the exchange with a market
// order, then mirrors the close in the ledger. Every step is best-effort:
// a failure here never blocks the new entry, it is logged and traced.
func (c *Coordinator) closeOpposite(ctx context.Context, gw ExchangeGateway, sig *models.Signal, existing *models.Position, trace *Trace) {
	closeSide := models.OrderSideSell
	if existing.Direction == models.DirectionSell {
		closeSide = models.OrderSideBuy
	}

	exitPrice := decimal.Zero
	positions, err := gw.FetchPositions(ctx, sig.Symbol)
	if err != nil {
		log.Printf("[EXEC] fetch positions for %s failed, closing ledger side only: %v", sig.Symbol, err)
		trace.add("close_opposite", StepSkipped, fmt.Sprintf("fetch positions: %v", err))
	} else {
		for _, p := range positions {
			if p.Symbol != sig.Symbol || p.Side == closeSide {
				continue
			}
			fill, err := gw.CreateMarketOrder(ctx, sig.Symbol, closeSide, p.Quantity)
			if err != nil {
				log.Printf("[EXEC] market close of opposite %s %s failed: %v", existing.Direction, sig.Symbol, err)
				trace.add("close_opposite", StepSkipped, fmt.Sprintf("market close: %v", err))
				continue
			}
			if fill.AvgFillPrice.GreaterThan(decimal.Zero) {
				exitPrice = fill.AvgFillPrice
			}
			log.Printf("[EXEC] closed opposite %s %s on exchange: qty=%s order=%s",
				existing.Direction, sig.Symbol, p.Quantity.String(), fill.OrderID)
		}
	}

	c.closeOppositeLedger(sig, existing, exitPrice, trace)
}

// quantity converts the approved notional into a base-asset quantity.
// Futures signals apply leverage, clamped to the configured maximum.
func (c *Coordinator) quantity(sig *models.Signal, notional, price decimal.Decimal) (decimal.Decimal, int, error) {
	if price.LessThan(minPrice) {
		return decimal.Zero, 0, fmt.Errorf("%w: price %s below floor", ErrInvalidSignal, price.String())
	}

	leverage := 1
	qty := notional.Div(price)
	if sig.TradeMode != models.TradeModeSpot {
		leverage = int(sig.Leverage)
		if leverage < 1 {
			leverage = 1
		}
		if leverage > c.cfg.Execution.MaxLeverage {
			leverage = c.cfg.Execution.MaxLeverage
		}
		qty = notional.Mul(decimal.NewFromInt(int64(leverage))).Div(price)
	}
	qty = qty.Truncate(8)

	if qty.LessThan(minOrderQty) {
		return decimal.Zero, 0, fmt.Errorf("%w: %s %s", ErrQuantityTooSmall, qty.String(), sig.Symbol)
	}
	return qty, leverage, nil
}

// levels derives the protective levels, letting explicit signal prices win
// over the policy.
func (c *Coordinator) levels(direction models.Direction, entryPrice decimal.Decimal, sig *models.Signal) position.Levels {
	levels := c.policy.Levels(direction, entryPrice)
	if !sig.StopLoss.IsZero() {
		levels.StopLoss = sig.StopLoss
	}
	if !sig.TakeProfit1.IsZero() {
		levels.TakeProfit = sig.TakeProfit1
	}
	if !sig.TakeProfit2.IsZero() {
		levels.TakeProfit2 = sig.TakeProfit2
	}
	return levels
}

// simulate registers the position without touching any exchange. Used in
// every environment except prod.
func (c *Coordinator) simulate(sig *models.Signal, direction models.Direction, notional decimal.Decimal, res *Result, trace *Trace) (*Result, error) {
	price := sig.EntryPrice
	if price.LessThanOrEqual(decimal.Zero) {
		trace.add("entry", StepFailed, "no entry price on signal")
		res.Status = StatusFailed
		return res, fmt.Errorf("%w: simulated execution needs an entry price", ErrInvalidSignal)
	}

	qty, _, err := c.quantity(sig, notional, price)
	if err != nil {
		trace.add("quantity", StepFailed, err.Error())
		return res, err
	}
	trace.add("quantity", StepOK, qty.String())

	if err := c.openLedger(sig, direction, price, qty, notional, trace); err != nil {
		res.Status = StatusFailed
		return res, err
	}

	trace.add("entry", StepOK, "simulated")
	res.Status = StatusSimulated
	res.EntryPrice = price
	res.Quantity = qty
	res.Protected = true
	return res, nil
}

func (c *Coordinator) executeLive(ctx context.Context, sig *models.Signal, direction models.Direction, notional decimal.Decimal, opposite *models.Position, res *Result, trace *Trace) (*Result, error) {
	if c.provider == nil {
		trace.add("gateway", StepFailed, "no provider")
		res.Status = StatusFailed
		return res, ErrGatewayUnavailable
	}

	gw, err := c.provider.Acquire(ctx, sig.UserID, c.cfg.Execution.Exchange)
	if err != nil {
		trace.add("gateway", StepFailed, err.Error())
		res.Status = StatusFailed
		return res, fmt.Errorf("%w: %v", ErrGatewayUnavailable, err)
	}
	trace.add("gateway", StepOK, c.cfg.Execution.Exchange)

	if opposite != nil {
		c.closeOpposite(ctx, gw, sig, opposite, trace)
	}

	ticker, err := gw.FetchTicker(ctx, sig.Symbol)
	if err != nil {
		trace.add("ticker", StepFailed, err.Error())
		res.Status = StatusFailed
		return res, fmt.Errorf("fetch ticker %s: %w", sig.Symbol, err)
	}
	refPrice := ticker.Ask
	if direction == models.DirectionSell {
		refPrice = ticker.Bid
	}
	if refPrice.LessThanOrEqual(decimal.Zero) {
		refPrice = ticker.Last
	}
	trace.add("ticker", StepOK, refPrice.String())

	qty, leverage, err := c.quantity(sig, notional, refPrice)
	if err != nil {
		trace.add("quantity", StepFailed, err.Error())
		return res, err
	}
	trace.add("quantity", StepOK, qty.String())

	if sig.TradeMode != models.TradeModeSpot && leverage > 0 {
		if err := gw.SetLeverage(ctx, sig.Symbol, leverage); err != nil {
			log.Printf("[EXEC] set leverage %dx failed for %s, continuing: %v", leverage, sig.Symbol, err)
			trace.add("set_leverage", StepSkipped, err.Error())
		} else {
			trace.add("set_leverage", StepOK, fmt.Sprintf("%dx", leverage))
		}
	}

	side := models.OrderSideBuy
	if direction == models.DirectionSell {
		side = models.OrderSideSell
	}

	fill, err := c.enter(ctx, gw, sig.Symbol, side, qty, ticker, trace)
	if err != nil {
		res.Status = StatusFailed
		return res, err
	}
	entryPrice := fill.AvgFillPrice
	if entryPrice.LessThanOrEqual(decimal.Zero) {
		entryPrice = refPrice
	}
	filledQty := fill.FilledQty
	if filledQty.LessThanOrEqual(decimal.Zero) {
		filledQty = qty
	}
	res.OrderID = fill.OrderID
	res.EntryPrice = entryPrice
	res.Quantity = filledQty

	// The position exists on the exchange now. Everything below is
	// best-effort: protection failures are flagged, never rolled back.
	levels := c.levels(direction, entryPrice, sig)
	res.Protected, res.ProtectionErrors = c.protect(ctx, gw, sig.Symbol, side, filledQty, levels, trace)
	if !res.Protected {
		log.Printf("[EXEC] UNPROTECTED POSITION: %s %s %s qty=%s, protective orders failed: %v",
			sig.UserID, sig.Symbol, direction, filledQty.String(), res.ProtectionErrors)
	}

	sig.StopLoss = levels.StopLoss
	sig.TakeProfit1 = levels.TakeProfit
	sig.TakeProfit2 = levels.TakeProfit2
	if err := c.openLedger(sig, direction, entryPrice, filledQty, notional, trace); err != nil {
		log.Printf("[EXEC] warning: ledger registration failed for %s: %v", sig.Symbol, err)
	}

	if c.auditLog != nil {
		qtyF, _ := filledQty.Float64()
		priceF, _ := entryPrice.Float64()
		c.auditLog.LogOrder(sig.UserID, sig.Symbol, string(side), "ENTRY",
			qtyF, priceF, fill.OrderID, "FILLED", c.cfg.Execution.Exchange, sig.SignalKey)
	}

	res.Status = StatusExecuted
	return res, nil
}

// enter places the entry: a nudged limit order first, then exactly one
// market fallback if the limit does not fill inside the adaptive window.
func (c *Coordinator) enter(ctx context.Context, gw ExchangeGateway, symbol string, side models.OrderSide, qty decimal.Decimal, ticker *Ticker, trace *Trace) (*OrderResult, error) {
	limitPrice := ticker.Bid.Mul(limitNudgeBuy)
	if side == models.OrderSideSell {
		limitPrice = ticker.Ask.Mul(limitNudgeSell)
	}

	placed, err := gw.CreateLimitOrder(ctx, symbol, side, qty, limitPrice)
	if err != nil {
		trace.add("limit_order", StepFailed, err.Error())
		return c.marketFallback(ctx, gw, symbol, side, qty, trace)
	}

	timeout := c.guidance.Timeout(symbol,
		time.Duration(c.cfg.Execution.LimitTimeoutSec)*time.Second,
		time.Duration(c.cfg.Execution.LimitTimeoutFloor)*time.Second)

	fill, err := gw.WaitForFill(ctx, symbol, placed.OrderID, timeout)
	if err == nil && fill.Filled() {
		trace.add("limit_order", StepOK, fill.AvgFillPrice.String())
		return fill, nil
	}
	if err != nil {
		trace.add("limit_order", StepFailed, err.Error())
	} else {
		trace.add("limit_order", StepFailed, "timeout")
	}

	if cancelErr := gw.CancelOrder(ctx, symbol, placed.OrderID); cancelErr != nil {
		log.Printf("[EXEC] cancel of unfilled limit %s failed: %v", placed.OrderID, cancelErr)
	}
	return c.marketFallback(ctx, gw, symbol, side, qty, trace)
}

func (c *Coordinator) marketFallback(ctx context.Context, gw ExchangeGateway, symbol string, side models.OrderSide, qty decimal.Decimal, trace *Trace) (*OrderResult, error) {
	fill, err := gw.CreateMarketOrder(ctx, symbol, side, qty)
	if err != nil {
		trace.add("market_fallback", StepFailed, err.Error())
		return nil, fmt.Errorf("%w: %v", ErrEntryFailed, err)
	}
	trace.add("market_fallback", StepOK, fill.AvgFillPrice.String())
	return fill, nil
}

// protect places the stop loss (full quantity, with retries) and the two
// take profits (half and remainder). Returns whether the stop loss is in
// place plus every error encountered.
func (c *Coordinator) protect(ctx context.Context, gw ExchangeGateway, symbol string, entrySide models.OrderSide, qty decimal.Decimal, levels position.Levels, trace *Trace) (bool, []string) {
	exitSide := models.OrderSideSell
	if entrySide == models.OrderSideSell {
		exitSide = models.OrderSideBuy
	}

	var failures []string

	protected := false
	for attempt := 1; attempt <= c.cfg.Execution.ProtectiveAttempts; attempt++ {
		if _, err := gw.PlaceStopLoss(ctx, symbol, exitSide, qty, levels.StopLoss); err != nil {
			failures = append(failures, fmt.Sprintf("stop loss attempt %d: %v", attempt, err))
			continue
		}
		protected = true
		break
	}
	if protected {
		trace.add("stop_loss", StepOK, levels.StopLoss.String())
	} else {
		trace.add("stop_loss", StepFailed, "all attempts failed")
	}

	tp1Qty := qty.Div(decimal.NewFromInt(2)).Truncate(8)
	tp2Qty := qty.Sub(tp1Qty)

	if _, err := gw.PlaceTakeProfit(ctx, symbol, exitSide, tp1Qty, levels.TakeProfit); err != nil {
		failures = append(failures, fmt.Sprintf("take profit 1: %v", err))
		trace.add("take_profit_1", StepFailed, err.Error())
	} else {
		trace.add("take_profit_1", StepOK, levels.TakeProfit.String())
	}

	if _, err := gw.PlaceTakeProfit(ctx, symbol, exitSide, tp2Qty, levels.TakeProfit2); err != nil {
		failures = append(failures, fmt.Sprintf("take profit 2: %v", err))
		trace.add("take_profit_2", StepFailed, err.Error())
	} else {
		trace.add("take_profit_2", StepOK, levels.TakeProfit2.String())
	}

	return protected, failures
}

func (c *Coordinator) openLedger(sig *models.Signal, direction models.Direction, entryPrice, qty, notional decimal.Decimal, trace *Trace) error {
	_, err := c.ledger.Open(position.OpenRequest{
		Symbol:      sig.Symbol,
		Direction:   direction,
		EntryPrice:  entryPrice,
		UserID:      sig.UserID,
		SignalKey:   sig.SignalKey,
		Quantity:    qty,
		NotionalUSD: notional,
		StopLoss:    sig.StopLoss,
		TakeProfit:  sig.TakeProfit1,
		TakeProfit2: sig.TakeProfit2,
	})
	if err != nil {
		trace.add("register", StepFailed, err.Error())
		return err
	}
	trace.add("register", StepOK, "")
	return nil
}
