package models

import (
	"time"

	"gorm.io/gorm"
)

// ExchangeCredential stores per-user exchange API keys, AES-GCM encrypted
// at rest. Execution aborts cleanly when no active credential exists.
type ExchangeCredential struct {
	ID                  uint           `gorm:"primaryKey" json:"id"`
	UserID              string         `gorm:"size:50;index;not null" json:"user_id"`
	Exchange            string         `gorm:"size:20;not null" json:"exchange"`
	APIKeyEncrypted     string         `gorm:"size:512;not null" json:"-"`
	APISecretEncrypted  string         `gorm:"size:512;not null" json:"-"`
	PassphraseEncrypted string         `gorm:"size:512" json:"-"`
	Active              bool           `gorm:"default:true;index" json:"active"`
	CreatedAt           time.Time      `json:"created_at"`
	UpdatedAt           time.Time      `json:"updated_at"`
	DeletedAt           gorm.DeletedAt `gorm:"index" json:"-"`
}

// TableName specifies the table name for ExchangeCredential
func (ExchangeCredential) TableName() string {
	return "exchange_credentials"
}
