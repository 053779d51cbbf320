package repository

import (
	"github.com/atra-trading/execution-engine/internal/models"
	"gorm.io/gorm"
)

// SlippageRepository persists realized-slippage samples. Append-only.
type SlippageRepository struct {
	db *gorm.DB
}

// NewSlippageRepository creates a new SlippageRepository
func NewSlippageRepository(db *gorm.DB) *SlippageRepository {
	return &SlippageRepository{db: db}
}

// Create appends a slippage record
func (r *SlippageRepository) Create(record *models.SlippageRecord) error {
	return r.db.Create(record).Error
}

// GetRecentBySymbol returns the newest samples for a symbol, newest first.
func (r *SlippageRepository) GetRecentBySymbol(symbol string, limit int) ([]models.SlippageRecord, error) {
	var records []models.SlippageRecord
	result := r.db.Where("symbol = ?", symbol).
		Order("created_at DESC").
		Limit(limit).
		Find(&records)
	return records, result.Error
}

// SymbolStats aggregates per-symbol slippage history.
type SymbolStats struct {
	Count int64   `json:"count"`
	Avg   float64 `json:"avg_slippage_pct"`
	Max   float64 `json:"max_slippage_pct"`
}

// GetSymbolStats returns count, average and max slippage for a symbol.
func (r *SlippageRepository) GetSymbolStats(symbol string) (*SymbolStats, error) {
	var stats SymbolStats
	err := r.db.Model(&models.SlippageRecord{}).
		Select("COUNT(*) as count, COALESCE(AVG(slippage_pct), 0) as avg, COALESCE(MAX(slippage_pct), 0) as max").
		Where("symbol = ?", symbol).
		Scan(&stats).Error
	return &stats, err
}
