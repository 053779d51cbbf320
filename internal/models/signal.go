package models

import (
	"github.com/shopspring/decimal"
)

// Trade modes accepted by the execution coordinator.
const (
	TradeModeFutures = "futures"
	TradeModeSpot    = "spot"
)

// Signal is an externally-decided trade recommendation entering the engine
// for execution. Direction arrives unnormalized (LONG/SHORT/BUY/SELL).
// Zero-valued decimal overrides mean "use the protective-level policy".
type Signal struct {
	Symbol       string          `json:"symbol"`
	Direction    string          `json:"direction"`
	EntryPrice   decimal.Decimal `json:"entry_price"`
	UserID       string          `json:"user_id"`
	SignalKey    string          `json:"signal_key"`
	QuantityUSDT decimal.Decimal `json:"quantity_usdt"`
	Leverage     float64         `json:"leverage"`
	TradeMode    string          `json:"trade_mode"`
	StopLoss     decimal.Decimal `json:"sl_price"`
	TakeProfit1  decimal.Decimal `json:"tp1_price"`
	TakeProfit2  decimal.Decimal `json:"tp2_price"`
	UserBalance  decimal.Decimal `json:"user_balance"`
	Exposure     decimal.Decimal `json:"current_exposure"`
	Volume24h    float64         `json:"volume_24h"`
	Volatility   float64         `json:"volatility"`
}
