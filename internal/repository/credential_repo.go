package repository

import (
	"errors"

	"github.com/atra-trading/execution-engine/internal/models"
	"gorm.io/gorm"
)

var (
	ErrCredentialNotFound = errors.New("credential not found")
)

// CredentialRepository handles encrypted exchange credentials
type CredentialRepository struct {
	db *gorm.DB
}

// NewCredentialRepository creates a new CredentialRepository
func NewCredentialRepository(db *gorm.DB) *CredentialRepository {
	return &CredentialRepository{db: db}
}

// Create stores a credential
func (r *CredentialRepository) Create(cred *models.ExchangeCredential) error {
	return r.db.Create(cred).Error
}

// GetActive returns the active credential for (user, exchange).
func (r *CredentialRepository) GetActive(userID, exchange string) (*models.ExchangeCredential, error) {
	var cred models.ExchangeCredential
	result := r.db.Where("user_id = ? AND exchange = ? AND active = ?", userID, exchange, true).
		Order("created_at DESC").First(&cred)
	if result.Error != nil {
		if errors.Is(result.Error, gorm.ErrRecordNotFound) {
			return nil, ErrCredentialNotFound
		}
		return nil, result.Error
	}
	return &cred, nil
}

// Deactivate disables a credential
func (r *CredentialRepository) Deactivate(id uint) error {
	return r.db.Model(&models.ExchangeCredential{}).
		Where("id = ?", id).
		Update("active", false).Error
}
