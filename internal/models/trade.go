package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// TradeRecord is the immutable outcome of a closed position.
type TradeRecord struct {
	ID          uint            `gorm:"primaryKey" json:"id"`
	UserID      string          `gorm:"size:50;index" json:"user_id"`
	Symbol      string          `gorm:"size:20;not null;index" json:"symbol"`
	Direction   Direction       `gorm:"size:10;not null" json:"direction"`
	EntryPrice  decimal.Decimal `gorm:"type:decimal(20,8);not null" json:"entry_price"`
	ExitPrice   decimal.Decimal `gorm:"type:decimal(20,8);not null" json:"exit_price"`
	Quantity    decimal.Decimal `gorm:"type:decimal(20,8)" json:"quantity"`
	NotionalUSD decimal.Decimal `gorm:"type:decimal(20,8)" json:"notional_usd"`
	PnLPercent  decimal.Decimal `gorm:"type:decimal(20,8)" json:"pnl_percent"`
	PnLUSD      decimal.Decimal `gorm:"type:decimal(20,8)" json:"pnl_usd"`
	ExitReason  string          `gorm:"size:20" json:"exit_reason"`
	SignalKey   string          `gorm:"size:80;index" json:"signal_key"`
	EntryTime   time.Time       `json:"entry_time"`
	ExitTime    time.Time       `gorm:"index" json:"exit_time"`
}

// TableName specifies the table name for TradeRecord
func (TradeRecord) TableName() string {
	return "trades"
}
