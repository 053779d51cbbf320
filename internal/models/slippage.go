package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// SlippageRecord is one realized-slippage sample. The table is append-only.
type SlippageRecord struct {
	ID            uint            `gorm:"primaryKey" json:"id"`
	Symbol        string          `gorm:"size:20;not null;index" json:"symbol"`
	Side          OrderSide       `gorm:"size:10;not null" json:"side"`
	ExpectedPrice decimal.Decimal `gorm:"type:decimal(20,8);not null" json:"expected_price"`
	ActualPrice   decimal.Decimal `gorm:"type:decimal(20,8);not null" json:"actual_price"`
	SlippagePct   float64         `gorm:"not null" json:"slippage_pct"`
	Volume24h     float64         `json:"volume_24h"`
	OrderSizeUSD  float64         `json:"order_size_usd"`
	Volatility    float64         `json:"volatility"`
	OrderID       string          `gorm:"size:50" json:"order_id"`
	CreatedAt     time.Time       `gorm:"index" json:"created_at"`
}

// TableName specifies the table name for SlippageRecord
func (SlippageRecord) TableName() string {
	return "slippage_records"
}
