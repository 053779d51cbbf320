package execution

import (
	"context"
	"time"

	"github.com/atra-trading/execution-engine/internal/models"
	"github.com/shopspring/decimal"
)

// Ticker is a point-in-time quote from the exchange.
type Ticker struct {
	Symbol string
	Bid    decimal.Decimal
	Ask    decimal.Decimal
	Last   decimal.Decimal
}

// OrderResult is the exchange's view of an order after placement or a fill
// wait. Status values follow the exchange convention: "open", "closed",
// "canceled".
type OrderResult struct {
	OrderID      string
	Status       string
	Price        decimal.Decimal
	FilledQty    decimal.Decimal
	AvgFillPrice decimal.Decimal
}

// Filled reports whether the order is completely filled.
func (r *OrderResult) Filled() bool {
	return r != nil && r.Status == "closed"
}

// ExchangePosition is one open position as reported by the exchange.
type ExchangePosition struct {
	Symbol     string
	Side       models.OrderSide
	Quantity   decimal.Decimal
	EntryPrice decimal.Decimal
	MarkPrice  decimal.Decimal
	Leverage   int
}

// ExchangeGateway is the authenticated per-user exchange session the
// coordinator places orders through. All calls honor the context deadline.
type ExchangeGateway interface {
	FetchTicker(ctx context.Context, symbol string) (*Ticker, error)
	SetLeverage(ctx context.Context, symbol string, leverage int) error
	CreateLimitOrder(ctx context.Context, symbol string, side models.OrderSide, quantity, price decimal.Decimal) (*OrderResult, error)
	CreateMarketOrder(ctx context.Context, symbol string, side models.OrderSide, quantity decimal.Decimal) (*OrderResult, error)
	CancelOrder(ctx context.Context, symbol, orderID string) error
	// WaitForFill polls the order until it fills, the timeout lapses or the
	// context is cancelled. A timeout is not an error: the returned result
	// carries the last observed status.
	WaitForFill(ctx context.Context, symbol, orderID string, timeout time.Duration) (*OrderResult, error)
	PlaceStopLoss(ctx context.Context, symbol string, side models.OrderSide, quantity, stopPrice decimal.Decimal) (*OrderResult, error)
	PlaceTakeProfit(ctx context.Context, symbol string, side models.OrderSide, quantity, price decimal.Decimal) (*OrderResult, error)
	// FetchPositions returns the open positions on the exchange, optionally
	// filtered by symbol (empty symbol means all).
	FetchPositions(ctx context.Context, symbol string) ([]ExchangePosition, error)
}

// GatewayProvider resolves a user's stored credentials into an
// authenticated gateway session.
type GatewayProvider interface {
	Acquire(ctx context.Context, userID, exchange string) (ExchangeGateway, error)
}

// RiskValidator approves or shrinks the notional of a signal before
// execution. The approved notional is never larger than the requested one.
type RiskValidator interface {
	Validate(ctx context.Context, sig *models.Signal) (decimal.Decimal, error)
}

// TrendFilter vetoes entries against the prevailing trend. Check errors are
// advisory: the coordinator proceeds when the filter itself fails.
type TrendFilter interface {
	Check(ctx context.Context, symbol, direction string) (bool, error)
}
