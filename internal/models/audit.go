package models

import (
	"time"
)

// AuditEntry is one append-only audit row for an order or position event.
type AuditEntry struct {
	ID        uint      `gorm:"primaryKey" json:"id"`
	UserID    string    `gorm:"size:50;index" json:"user_id"`
	Symbol    string    `gorm:"size:20;index" json:"symbol"`
	Side      string    `gorm:"size:10" json:"side"`
	OrderType string    `gorm:"size:20" json:"order_type"`
	Amount    float64   `json:"amount"`
	Price     float64   `json:"price"`
	OrderID   string    `gorm:"size:80" json:"order_id"`
	Status    string    `gorm:"size:20;index" json:"status"`
	Exchange  string    `gorm:"size:20" json:"exchange"`
	Detail    string    `gorm:"size:255" json:"detail"`
	CreatedAt time.Time `gorm:"index" json:"created_at"`
}

// TableName specifies the table name for AuditEntry
func (AuditEntry) TableName() string {
	return "audit_log"
}
