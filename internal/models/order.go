package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// OrderType represents the order type
type OrderType string

const (
	OrderTypeMarket       OrderType = "MARKET"
	OrderTypeLimit        OrderType = "LIMIT"
	OrderTypeStop         OrderType = "STOP"
	OrderTypeStopLimit    OrderType = "STOP_LIMIT"
	OrderTypeTrailingStop OrderType = "TRAILING_STOP"
)

// OrderSide represents the order side
type OrderSide string

const (
	OrderSideBuy  OrderSide = "BUY"
	OrderSideSell OrderSide = "SELL"
)

// OrderStatus represents the order status. Filled, cancelled and rejected
// are terminal; an order never leaves a terminal status.
type OrderStatus string

const (
	OrderStatusPending   OrderStatus = "PENDING"
	OrderStatusFilled    OrderStatus = "FILLED"
	OrderStatusCancelled OrderStatus = "CANCELLED"
	OrderStatusRejected  OrderStatus = "REJECTED"
)

// Order is a tracked order. Prices and quantities are exact decimals;
// zero-valued decimals mean "not set" for optional fields.
type Order struct {
	ID          string          `json:"id"`
	Symbol      string          `json:"symbol"`
	Side        OrderSide       `json:"side"`
	Type        OrderType       `json:"type"`
	Quantity    decimal.Decimal `json:"quantity"`
	Price       decimal.Decimal `json:"price"`
	StopPrice   decimal.Decimal `json:"stop_price"`
	Status      OrderStatus     `json:"status"`
	CreatedAt   time.Time       `json:"created_at"`
	FilledAt    *time.Time      `json:"filled_at,omitempty"`
	FilledPrice decimal.Decimal `json:"filled_price"`
	FilledQty   decimal.Decimal `json:"filled_qty"`
	Commission  decimal.Decimal `json:"commission"`
	UserID      string          `json:"user_id,omitempty"`
	PositionID  string          `json:"position_id,omitempty"`

	// Trailing-stop state. MaxSeenPrice/MinSeenPrice are the ratchet
	// anchors; they only ever move toward profit.
	TrailingStop     bool            `json:"trailing_stop"`
	TrailingDistance decimal.Decimal `json:"trailing_distance"`
	MaxSeenPrice     decimal.Decimal `json:"max_seen_price"`
	MinSeenPrice     decimal.Decimal `json:"min_seen_price"`

	// ExpectedPrice is the price the order was priced at when created,
	// used to derive realized slippage on fill.
	ExpectedPrice decimal.Decimal `json:"expected_price"`
}

// IsPending returns true while the order can still fill, cancel or modify.
func (o *Order) IsPending() bool {
	return o.Status == OrderStatusPending
}

// IsTerminal returns true once the order reached a final status.
func (o *Order) IsTerminal() bool {
	return o.Status == OrderStatusFilled ||
		o.Status == OrderStatusCancelled ||
		o.Status == OrderStatusRejected
}
