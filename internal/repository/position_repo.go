package repository

import (
	"errors"
	"time"

	"github.com/atra-trading/execution-engine/internal/models"
	"gorm.io/gorm"
)

var (
	ErrPositionNotFound = errors.New("position not found")
)

// PositionRepository handles the persisted mirror of open positions. It is
// the Ledger collaborator of the execution coordinator and position ledger;
// callers tolerate failures here without losing in-memory correctness.
type PositionRepository struct {
	db *gorm.DB
}

// NewPositionRepository creates a new PositionRepository
func NewPositionRepository(db *gorm.DB) *PositionRepository {
	return &PositionRepository{db: db}
}

// CreateActivePosition persists a newly opened position.
func (r *PositionRepository) CreateActivePosition(pos *models.ActivePosition) error {
	return r.db.Create(pos).Error
}

// CloseActivePositionBySymbol marks every open row for (user, symbol) closed.
func (r *PositionRepository) CloseActivePositionBySymbol(userID, symbol string) error {
	now := time.Now().UTC()
	result := r.db.Model(&models.ActivePosition{}).
		Where("user_id = ? AND symbol = ? AND status = ?", userID, symbol, models.PositionStatusOpen).
		Updates(map[string]interface{}{
			"status":    models.PositionStatusClosed,
			"closed_at": now,
		})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ErrPositionNotFound
	}
	return nil
}

// GetActivePositionsByUser returns all open rows for a user.
func (r *PositionRepository) GetActivePositionsByUser(userID string) ([]models.ActivePosition, error) {
	var positions []models.ActivePosition
	result := r.db.Where("user_id = ? AND status = ?", userID, models.PositionStatusOpen).
		Order("created_at DESC").
		Find(&positions)
	return positions, result.Error
}

// GetBySignalKey returns the open row for a signal key, if any.
func (r *PositionRepository) GetBySignalKey(userID, signalKey string) (*models.ActivePosition, error) {
	var pos models.ActivePosition
	result := r.db.Where("user_id = ? AND signal_key = ? AND status = ?",
		userID, signalKey, models.PositionStatusOpen).First(&pos)
	if result.Error != nil {
		if errors.Is(result.Error, gorm.ErrRecordNotFound) {
			return nil, ErrPositionNotFound
		}
		return nil, result.Error
	}
	return &pos, nil
}

// GetOpenBySymbol returns the most recent open row for (user, symbol).
func (r *PositionRepository) GetOpenBySymbol(userID, symbol string) (*models.ActivePosition, error) {
	var pos models.ActivePosition
	result := r.db.Where("user_id = ? AND symbol = ? AND status = ?",
		userID, symbol, models.PositionStatusOpen).
		Order("created_at DESC").First(&pos)
	if result.Error != nil {
		if errors.Is(result.Error, gorm.ErrRecordNotFound) {
			return nil, ErrPositionNotFound
		}
		return nil, result.Error
	}
	return &pos, nil
}

// GetAllOpen returns every open row, used for recovery after restart.
func (r *PositionRepository) GetAllOpen() ([]models.ActivePosition, error) {
	var positions []models.ActivePosition
	result := r.db.Where("status = ?", models.PositionStatusOpen).Find(&positions)
	return positions, result.Error
}
