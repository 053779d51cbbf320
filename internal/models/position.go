package models

import (
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// Direction is the normalized trade direction. LONG/BUY map to BUY and
// SHORT/SELL map to SELL before a position is ever created.
type Direction string

const (
	DirectionBuy  Direction = "BUY"
	DirectionSell Direction = "SELL"
)

// IsLong returns true for BUY positions.
func (d Direction) IsLong() bool {
	return d == DirectionBuy
}

// PositionStatus represents the position lifecycle. Closed is terminal.
type PositionStatus string

const (
	PositionStatusOpen   PositionStatus = "open"
	PositionStatusClosed PositionStatus = "closed"
)

// Close reasons recorded on trade records.
const (
	CloseReasonTakeProfit = "TAKE_PROFIT"
	CloseReasonStopLoss   = "STOP_LOSS"
	CloseReasonTimeout    = "TIMEOUT"
	CloseReasonManual     = "MANUAL"
)

// Position is the authoritative in-memory position state owned by the
// position ledger. Persistence mirrors it best-effort.
type Position struct {
	Symbol       string          `json:"symbol"`
	Direction    Direction       `json:"direction"`
	EntryPrice   decimal.Decimal `json:"entry_price"`
	EntryTime    time.Time       `json:"entry_time"`
	CurrentPrice decimal.Decimal `json:"current_price"`
	PnLPercent   decimal.Decimal `json:"pnl_percent"`
	PnLUSD       decimal.Decimal `json:"pnl_usd"`
	Status       PositionStatus  `json:"status"`
	UserID       string          `json:"user_id"`
	ExpiresAt    time.Time       `json:"expires_at"`
	StopLoss     decimal.Decimal `json:"stop_loss"`
	TakeProfit   decimal.Decimal `json:"take_profit"`
	TakeProfit2  decimal.Decimal `json:"take_profit_2"`
	SignalKey    string          `json:"signal_key"`
}

// ActivePosition is the persisted mirror of an open position. It is the
// recovery-after-restart source of truth; in-memory state stays correct
// even when writes to it fail.
type ActivePosition struct {
	ID          uint            `gorm:"primaryKey" json:"id"`
	UserID      string          `gorm:"size:50;index;not null" json:"user_id"`
	Symbol      string          `gorm:"size:20;not null;index" json:"symbol"`
	Direction   Direction       `gorm:"size:10;not null" json:"direction"`
	EntryPrice  decimal.Decimal `gorm:"type:decimal(20,8);not null" json:"entry_price"`
	Quantity    decimal.Decimal `gorm:"type:decimal(20,8)" json:"quantity"`
	NotionalUSD decimal.Decimal `gorm:"type:decimal(20,8)" json:"notional_usd"`
	SignalKey   string          `gorm:"size:80;index" json:"signal_key"`
	Status      PositionStatus  `gorm:"size:10;not null;default:'open'" json:"status"`
	CreatedAt   time.Time       `json:"created_at"`
	UpdatedAt   time.Time       `json:"updated_at"`
	ClosedAt    *time.Time      `json:"closed_at,omitempty"`
	DeletedAt   gorm.DeletedAt  `gorm:"index" json:"-"`
}

// TableName specifies the table name for ActivePosition
func (ActivePosition) TableName() string {
	return "active_positions"
}
