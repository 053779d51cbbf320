package audit

import (
	"log"
	"time"

	"github.com/atra-trading/execution-engine/internal/models"
	"github.com/atra-trading/execution-engine/internal/repository"
)

// Log is the append-only order/trade audit trail. It must never fail the
// caller: persistence errors are logged with a warning and swallowed.
type Log struct {
	repo *repository.AuditRepository
}

// New creates an audit log. A nil repository degrades to log-only mode.
func New(repo *repository.AuditRepository) *Log {
	return &Log{repo: repo}
}

// LogOrder appends one order event.
func (l *Log) LogOrder(userID, symbol, side, orderType string, amount, price float64, orderID, status, exchange, detail string) {
	entry := &models.AuditEntry{
		UserID:    userID,
		Symbol:    symbol,
		Side:      side,
		OrderType: orderType,
		Amount:    amount,
		Price:     price,
		OrderID:   orderID,
		Status:    status,
		Exchange:  exchange,
		Detail:    detail,
		CreatedAt: time.Now().UTC(),
	}

	if l.repo == nil {
		log.Printf("[AUDIT] %s %s %s %s amount=%.8f price=%.8f order=%s status=%s",
			userID, symbol, side, orderType, amount, price, orderID, status)
		return
	}

	if err := l.repo.Create(entry); err != nil {
		log.Printf("[AUDIT] warning: failed to persist entry for %s (%s): %v", symbol, status, err)
	}
}
