package repository

import (
	"github.com/atra-trading/execution-engine/internal/models"
	"gorm.io/gorm"
)

// AuditRepository appends audit entries. Read paths exist only for the
// ops API; the write path is wrapped by internal/audit so it never fails
// callers.
type AuditRepository struct {
	db *gorm.DB
}

// NewAuditRepository creates a new AuditRepository
func NewAuditRepository(db *gorm.DB) *AuditRepository {
	return &AuditRepository{db: db}
}

// Create appends an audit entry
func (r *AuditRepository) Create(entry *models.AuditEntry) error {
	return r.db.Create(entry).Error
}

// GetRecent returns the newest entries, newest first.
func (r *AuditRepository) GetRecent(limit int) ([]models.AuditEntry, error) {
	var entries []models.AuditEntry
	result := r.db.Order("created_at DESC").Limit(limit).Find(&entries)
	return entries, result.Error
}

// GetByUser returns the newest entries for a user.
func (r *AuditRepository) GetByUser(userID string, limit int) ([]models.AuditEntry, error) {
	var entries []models.AuditEntry
	result := r.db.Where("user_id = ?", userID).
		Order("created_at DESC").
		Limit(limit).
		Find(&entries)
	return entries, result.Error
}
