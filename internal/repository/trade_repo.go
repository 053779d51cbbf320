package repository

import (
	"errors"

	"github.com/atra-trading/execution-engine/internal/models"
	"gorm.io/gorm"
)

var (
	ErrTradeNotFound = errors.New("trade not found")
)

// TradeRepository handles closed-trade records
type TradeRepository struct {
	db *gorm.DB
}

// NewTradeRepository creates a new TradeRepository
func NewTradeRepository(db *gorm.DB) *TradeRepository {
	return &TradeRepository{db: db}
}

// Create appends a trade record
func (r *TradeRepository) Create(trade *models.TradeRecord) error {
	return r.db.Create(trade).Error
}

// GetByUserPaginated retrieves trade records with pagination
func (r *TradeRepository) GetByUserPaginated(userID string, page, pageSize int) ([]models.TradeRecord, int64, error) {
	var trades []models.TradeRecord
	var total int64

	if err := r.db.Model(&models.TradeRecord{}).Where("user_id = ?", userID).Count(&total).Error; err != nil {
		return nil, 0, err
	}

	offset := (page - 1) * pageSize
	result := r.db.Where("user_id = ?", userID).
		Order("exit_time DESC").
		Offset(offset).
		Limit(pageSize).
		Find(&trades)

	return trades, total, result.Error
}

// GetBySymbol retrieves trade records for a symbol
func (r *TradeRepository) GetBySymbol(symbol string, limit int) ([]models.TradeRecord, error) {
	var trades []models.TradeRecord
	result := r.db.Where("symbol = ?", symbol).
		Order("exit_time DESC").
		Limit(limit).
		Find(&trades)
	return trades, result.Error
}
