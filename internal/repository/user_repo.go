package repository

import (
	"errors"

	"github.com/atra-trading/execution-engine/internal/models"
	"gorm.io/gorm"
)

var (
	ErrUserNotFound = errors.New("user not found")
)

// UserRepository handles operator accounts for the HTTP API
type UserRepository struct {
	db *gorm.DB
}

// NewUserRepository creates a new UserRepository
func NewUserRepository(db *gorm.DB) *UserRepository {
	return &UserRepository{db: db}
}

// Create creates a new operator account
func (r *UserRepository) Create(user *models.OpsUser) error {
	return r.db.Create(user).Error
}

// GetByUsername retrieves a user by username
func (r *UserRepository) GetByUsername(username string) (*models.OpsUser, error) {
	var user models.OpsUser
	result := r.db.Where("username = ?", username).First(&user)
	if result.Error != nil {
		if errors.Is(result.Error, gorm.ErrRecordNotFound) {
			return nil, ErrUserNotFound
		}
		return nil, result.Error
	}
	return &user, nil
}

// GetByID retrieves a user by ID
func (r *UserRepository) GetByID(id uint) (*models.OpsUser, error) {
	var user models.OpsUser
	result := r.db.First(&user, id)
	if result.Error != nil {
		if errors.Is(result.Error, gorm.ErrRecordNotFound) {
			return nil, ErrUserNotFound
		}
		return nil, result.Error
	}
	return &user, nil
}

// ExistsByUsername checks if a username is taken
func (r *UserRepository) ExistsByUsername(username string) (bool, error) {
	var count int64
	err := r.db.Model(&models.OpsUser{}).Where("username = ?", username).Count(&count).Error
	return count > 0, err
}
