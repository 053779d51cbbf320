package order

import (
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/atra-trading/execution-engine/internal/models"
	"github.com/atra-trading/execution-engine/internal/slippage"
	"github.com/atra-trading/execution-engine/pkg/keygen"
	"github.com/shopspring/decimal"
)

var (
	ErrOrderNotFound      = errors.New("order not found")
	ErrOrderNotPending    = errors.New("order is not pending")
	ErrOrderLimitExceeded = errors.New("order limit exceeded")
	ErrNoMarketPrice      = errors.New("no market price available")
	ErrUnreasonablePrice  = errors.New("order price too far from market")
)

// Exponential smoothing factor for the fill-time statistic.
const fillTimeAlpha = 0.1

// Price reasonableness bound for limit orders vs. the last known price.
var maxPriceDeviation = decimal.RequireFromString("0.1")

// Tick is one market-data update fanned into the router.
type Tick struct {
	Symbol     string
	Price      decimal.Decimal
	Volume24h  float64
	Volatility float64
}

// Config tunes the router. Zero values fall back to the defaults the
// engine ships with.
type Config struct {
	MaxOrdersPerSymbol int
	MaxOrdersPerUser   int
	CommissionRate     decimal.Decimal
	SlippageTolerance  decimal.Decimal
	AutoOptimize       bool
}

func (c *Config) applyDefaults() {
	if c.MaxOrdersPerSymbol <= 0 {
		c.MaxOrdersPerSymbol = 10
	}
	if c.MaxOrdersPerUser <= 0 {
		c.MaxOrdersPerUser = 50
	}
	if c.CommissionRate.IsZero() {
		c.CommissionRate = decimal.RequireFromString("0.001")
	}
	if c.SlippageTolerance.IsZero() {
		c.SlippageTolerance = decimal.RequireFromString("0.001")
	}
}

// Statistics is a point-in-time snapshot of router activity.
type Statistics struct {
	TotalOrders     int64            `json:"total_orders"`
	FilledOrders    int64            `json:"filled_orders"`
	CancelledOrders int64            `json:"cancelled_orders"`
	RejectedOrders  int64            `json:"rejected_orders"`
	PendingOrders   int              `json:"pending_orders"`
	FillRate        float64          `json:"fill_rate"`
	AvgFillTimeSec  float64          `json:"avg_fill_time_sec"`
	OrdersBySymbol  map[string]int64 `json:"orders_by_symbol"`
}

// Router creates and tracks orders, matches fills against price ticks and
// records commission and realized slippage. The order map is owned by the
// router and mutated only under its mutex.
type Router struct {
	mu        sync.Mutex
	cfg       Config
	estimator *slippage.Estimator

	orders    map[string]*models.Order
	lastPrice map[string]decimal.Decimal

	totalOrders     int64
	filledOrders    int64
	cancelledOrders int64
	rejectedOrders  int64
	avgFillTimeSec  float64
}

// NewRouter creates a router backed by the given slippage estimator.
func NewRouter(cfg Config, estimator *slippage.Estimator) *Router {
	cfg.applyDefaults()
	return &Router{
		cfg:       cfg,
		estimator: estimator,
		orders:    make(map[string]*models.Order),
		lastPrice: make(map[string]decimal.Decimal),
	}
}

// MarketContext carries the optional liquidity context for market orders.
type MarketContext struct {
	Volume24h    float64
	OrderSizeUSD float64
	Volatility   float64
	UserID       string
	PositionID   string
}

// CreateMarketOrder creates a market order. With auto-optimization on, the
// slippage estimator may turn it into a limit order; otherwise the price is
// adjusted in the adverse direction by the expected (or flat configured)
// slippage so fills are priced conservatively.
func (r *Router) CreateMarketOrder(symbol string, side models.OrderSide, quantity decimal.Decimal, mctx MarketContext) (*models.Order, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	current, ok := r.lastPrice[symbol]
	if !ok || current.LessThanOrEqual(decimal.Zero) {
		return nil, fmt.Errorf("%w: %s", ErrNoMarketPrice, symbol)
	}

	orderType := models.OrderTypeMarket
	price := current

	if r.cfg.AutoOptimize {
		sizeUSD := mctx.OrderSizeUSD
		if sizeUSD == 0 {
			sizeUSD, _ = quantity.Mul(current).Float64()
		}
		rec := r.estimator.RecommendOrderType(symbol, side, current, mctx.Volume24h, sizeUSD, mctx.Volatility)
		if rec.UseLimit {
			orderType = models.OrderTypeLimit
			price = rec.LimitPrice
			log.Printf("[ROUTER] %s %s: routing as LIMIT @ %s (risk %.4f%%)",
				symbol, side, price.String(), rec.RiskScore*100)
		} else {
			price = adversePrice(current, side, decimal.NewFromFloat(rec.ExpectedSlippage))
		}
	} else {
		price = adversePrice(current, side, r.cfg.SlippageTolerance)
	}

	o := &models.Order{
		ID:            keygen.OrderID(),
		Symbol:        symbol,
		Side:          side,
		Type:          orderType,
		Quantity:      quantity,
		Price:         price,
		ExpectedPrice: price,
		Status:        models.OrderStatusPending,
		CreatedAt:     time.Now().UTC(),
		UserID:        mctx.UserID,
		PositionID:    mctx.PositionID,
	}

	if err := r.checkLimitsLocked(o); err != nil {
		return nil, err
	}
	r.addLocked(o)
	return o, nil
}

// CreateLimitOrder creates a limit order at the given price.
func (r *Router) CreateLimitOrder(symbol string, side models.OrderSide, quantity, price decimal.Decimal, userID, positionID string) (*models.Order, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if current, ok := r.lastPrice[symbol]; ok && current.GreaterThan(decimal.Zero) {
		deviation := price.Sub(current).Abs().Div(current)
		if deviation.GreaterThan(maxPriceDeviation) {
			return nil, fmt.Errorf("%w: %s @ %s vs market %s",
				ErrUnreasonablePrice, symbol, price.String(), current.String())
		}
	}

	o := &models.Order{
		ID:            keygen.OrderID(),
		Symbol:        symbol,
		Side:          side,
		Type:          models.OrderTypeLimit,
		Quantity:      quantity,
		Price:         price,
		ExpectedPrice: price,
		Status:        models.OrderStatusPending,
		CreatedAt:     time.Now().UTC(),
		UserID:        userID,
		PositionID:    positionID,
	}

	if err := r.checkLimitsLocked(o); err != nil {
		return nil, err
	}
	r.addLocked(o)
	return o, nil
}

// CreateStopOrder creates a stop (or stop-limit, when limitPrice is set)
// order triggered when price crosses the stop adversely.
func (r *Router) CreateStopOrder(symbol string, side models.OrderSide, quantity, stopPrice, limitPrice decimal.Decimal, userID, positionID string) (*models.Order, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	orderType := models.OrderTypeStop
	price := stopPrice
	if !limitPrice.IsZero() {
		orderType = models.OrderTypeStopLimit
		price = limitPrice
	}

	o := &models.Order{
		ID:            keygen.OrderID(),
		Symbol:        symbol,
		Side:          side,
		Type:          orderType,
		Quantity:      quantity,
		Price:         price,
		StopPrice:     stopPrice,
		ExpectedPrice: stopPrice,
		Status:        models.OrderStatusPending,
		CreatedAt:     time.Now().UTC(),
		UserID:        userID,
		PositionID:    positionID,
	}

	if err := r.checkLimitsLocked(o); err != nil {
		return nil, err
	}
	r.addLocked(o)
	return o, nil
}

// CreateTrailingStopOrder creates a stop order whose trigger ratchets with
// the price extreme seen since creation, by the given fractional distance.
func (r *Router) CreateTrailingStopOrder(symbol string, side models.OrderSide, quantity, trailingDistance decimal.Decimal, userID, positionID string) (*models.Order, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	current, ok := r.lastPrice[symbol]
	if !ok || current.LessThanOrEqual(decimal.Zero) {
		return nil, fmt.Errorf("%w: %s", ErrNoMarketPrice, symbol)
	}

	one := decimal.NewFromInt(1)
	var stopPrice decimal.Decimal
	if side == models.OrderSideSell {
		stopPrice = current.Mul(one.Sub(trailingDistance))
	} else {
		stopPrice = current.Mul(one.Add(trailingDistance))
	}

	o := &models.Order{
		ID:               keygen.OrderID(),
		Symbol:           symbol,
		Side:             side,
		Type:             models.OrderTypeTrailingStop,
		Quantity:         quantity,
		Price:            stopPrice,
		StopPrice:        stopPrice,
		ExpectedPrice:    stopPrice,
		Status:           models.OrderStatusPending,
		CreatedAt:        time.Now().UTC(),
		UserID:           userID,
		PositionID:       positionID,
		TrailingStop:     true,
		TrailingDistance: trailingDistance,
	}

	if err := r.checkLimitsLocked(o); err != nil {
		return nil, err
	}
	r.addLocked(o)
	return o, nil
}

// Cancel cancels a pending order. Terminal orders cannot be cancelled.
func (r *Router) Cancel(orderID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	o, ok := r.orders[orderID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrOrderNotFound, orderID)
	}
	if !o.IsPending() {
		return fmt.Errorf("%w: %s (status %s)", ErrOrderNotPending, orderID, o.Status)
	}

	o.Status = models.OrderStatusCancelled
	r.cancelledOrders++
	log.Printf("[ROUTER] order cancelled: %s", orderID)
	return nil
}

// Modify updates price and/or quantity of a pending order. Nil arguments
// leave the field unchanged.
func (r *Router) Modify(orderID string, newPrice, newQuantity *decimal.Decimal) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	o, ok := r.orders[orderID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrOrderNotFound, orderID)
	}
	if !o.IsPending() {
		return fmt.Errorf("%w: %s (status %s)", ErrOrderNotPending, orderID, o.Status)
	}

	if newPrice != nil {
		o.Price = *newPrice
		if !o.StopPrice.IsZero() {
			o.StopPrice = *newPrice
		}
	}
	if newQuantity != nil {
		o.Quantity = *newQuantity
	}
	return nil
}

// Process applies one price tick: trailing stops ratchet first, then fill
// conditions are evaluated for every pending order on the symbol.
func (r *Router) Process(tick Tick) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if tick.Price.LessThanOrEqual(decimal.Zero) {
		return
	}
	r.lastPrice[tick.Symbol] = tick.Price

	for _, o := range r.orders {
		if o.Symbol != tick.Symbol || !o.IsPending() {
			continue
		}

		if o.TrailingStop {
			r.ratchetTrailingLocked(o, tick.Price)
		}
		if shouldFill(o, tick.Price) {
			r.fillLocked(o, tick)
		}
	}
}

// ratchetTrailingLocked moves the stop price of a trailing order strictly
// toward profit protection; it never loosens.
func (r *Router) ratchetTrailingLocked(o *models.Order, price decimal.Decimal) {
	one := decimal.NewFromInt(1)

	if o.Side == models.OrderSideSell {
		if o.MaxSeenPrice.IsZero() || price.GreaterThan(o.MaxSeenPrice) {
			o.MaxSeenPrice = price
			newStop := price.Mul(one.Sub(o.TrailingDistance))
			if o.StopPrice.IsZero() || newStop.GreaterThan(o.StopPrice) {
				o.StopPrice = newStop
				o.Price = newStop
			}
		}
		return
	}

	if o.MinSeenPrice.IsZero() || price.LessThan(o.MinSeenPrice) {
		o.MinSeenPrice = price
		newStop := price.Mul(one.Add(o.TrailingDistance))
		if o.StopPrice.IsZero() || newStop.LessThan(o.StopPrice) {
			o.StopPrice = newStop
			o.Price = newStop
		}
	}
}

func shouldFill(o *models.Order, price decimal.Decimal) bool {
	switch o.Type {
	case models.OrderTypeMarket:
		return true
	case models.OrderTypeLimit:
		if o.Side == models.OrderSideBuy {
			return price.LessThanOrEqual(o.Price)
		}
		return price.GreaterThanOrEqual(o.Price)
	case models.OrderTypeStop, models.OrderTypeStopLimit, models.OrderTypeTrailingStop:
		if o.StopPrice.IsZero() {
			return false
		}
		if o.Side == models.OrderSideBuy {
			return price.GreaterThanOrEqual(o.StopPrice)
		}
		return price.LessThanOrEqual(o.StopPrice)
	}
	return false
}

func (r *Router) fillLocked(o *models.Order, tick Tick) {
	now := time.Now().UTC()
	o.Status = models.OrderStatusFilled
	o.FilledAt = &now
	o.FilledPrice = tick.Price
	o.FilledQty = o.Quantity
	o.Commission = o.FilledQty.Mul(o.FilledPrice).Mul(r.cfg.CommissionRate)

	sizeUSD, _ := o.FilledQty.Mul(o.FilledPrice).Float64()
	r.estimator.Record(slippage.Sample{
		Symbol:        o.Symbol,
		Side:          o.Side,
		ExpectedPrice: o.ExpectedPrice,
		ActualPrice:   o.FilledPrice,
		Volume24h:     tick.Volume24h,
		OrderSizeUSD:  sizeUSD,
		Volatility:    tick.Volatility,
		OrderID:       o.ID,
	})

	r.filledOrders++
	fillTime := now.Sub(o.CreatedAt).Seconds()
	if r.filledOrders == 1 {
		r.avgFillTimeSec = fillTime
	} else {
		r.avgFillTimeSec = fillTimeAlpha*fillTime + (1-fillTimeAlpha)*r.avgFillTimeSec
	}

	log.Printf("[ROUTER] order filled: %s %s %s %s @ %s",
		o.ID, o.Symbol, o.Side, o.FilledQty.String(), o.FilledPrice.String())
}

func (r *Router) checkLimitsLocked(o *models.Order) error {
	var symbolCount, userCount int
	for _, existing := range r.orders {
		if !existing.IsPending() {
			continue
		}
		if existing.Symbol == o.Symbol {
			symbolCount++
		}
		if o.UserID != "" && existing.UserID == o.UserID {
			userCount++
		}
	}

	if symbolCount >= r.cfg.MaxOrdersPerSymbol {
		r.rejectedOrders++
		return fmt.Errorf("%w: too many pending orders for %s", ErrOrderLimitExceeded, o.Symbol)
	}
	if o.UserID != "" && userCount >= r.cfg.MaxOrdersPerUser {
		r.rejectedOrders++
		return fmt.Errorf("%w: too many pending orders for user %s", ErrOrderLimitExceeded, o.UserID)
	}
	return nil
}

func (r *Router) addLocked(o *models.Order) {
	r.orders[o.ID] = o
	r.totalOrders++
	log.Printf("[ROUTER] %s order created: %s %s %s @ %s",
		o.Type, o.Symbol, o.Side, o.Quantity.String(), o.Price.String())
}

// Get returns an order by id.
func (r *Router) Get(orderID string) (*models.Order, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	o, ok := r.orders[orderID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrOrderNotFound, orderID)
	}
	cp := *o
	return &cp, nil
}

// BySymbol returns all orders for a symbol.
func (r *Router) BySymbol(symbol string) []models.Order {
	r.mu.Lock()
	defer r.mu.Unlock()

	var out []models.Order
	for _, o := range r.orders {
		if o.Symbol == symbol {
			out = append(out, *o)
		}
	}
	return out
}

// ByUser returns all orders for a user.
func (r *Router) ByUser(userID string) []models.Order {
	r.mu.Lock()
	defer r.mu.Unlock()

	var out []models.Order
	for _, o := range r.orders {
		if o.UserID == userID {
			out = append(out, *o)
		}
	}
	return out
}

// CleanupStale cancels pending orders older than maxAge.
func (r *Router) CleanupStale(maxAge time.Duration) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	cutoff := time.Now().UTC().Add(-maxAge)
	var n int
	for _, o := range r.orders {
		if o.IsPending() && o.CreatedAt.Before(cutoff) {
			o.Status = models.OrderStatusCancelled
			r.cancelledOrders++
			n++
		}
	}
	if n > 0 {
		log.Printf("[ROUTER] cleaned up %d stale orders", n)
	}
	return n
}

// Statistics returns a snapshot of router activity.
func (r *Router) Statistics() Statistics {
	r.mu.Lock()
	defer r.mu.Unlock()

	stats := Statistics{
		TotalOrders:     r.totalOrders,
		FilledOrders:    r.filledOrders,
		CancelledOrders: r.cancelledOrders,
		RejectedOrders:  r.rejectedOrders,
		AvgFillTimeSec:  r.avgFillTimeSec,
		OrdersBySymbol:  make(map[string]int64),
	}
	for _, o := range r.orders {
		if o.IsPending() {
			stats.PendingOrders++
		}
		stats.OrdersBySymbol[o.Symbol]++
	}
	if r.totalOrders > 0 {
		stats.FillRate = float64(r.filledOrders) / float64(r.totalOrders) * 100
	}
	return stats
}

func adversePrice(current decimal.Decimal, side models.OrderSide, slip decimal.Decimal) decimal.Decimal {
	one := decimal.NewFromInt(1)
	if side == models.OrderSideBuy {
		return current.Mul(one.Add(slip))
	}
	return current.Mul(one.Sub(slip))
}
