package models

import (
	"time"

	"gorm.io/gorm"
)

// OpsUser is an operator account for the engine's HTTP API.
type OpsUser struct {
	ID           uint           `gorm:"primaryKey" json:"id"`
	Username     string         `gorm:"size:50;uniqueIndex;not null" json:"username"`
	PasswordHash string         `gorm:"size:255;not null" json:"-"`
	CreatedAt    time.Time      `json:"created_at"`
	UpdatedAt    time.Time      `json:"updated_at"`
	DeletedAt    gorm.DeletedAt `gorm:"index" json:"-"`
}

// TableName specifies the table name for OpsUser
func (OpsUser) TableName() string {
	return "ops_users"
}
