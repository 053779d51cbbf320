package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/atra-trading/execution-engine/internal/models"
	"github.com/redis/go-redis/v9"
)

// Channel is the Redis pub/sub channel downstream consumers listen on.
const Channel = "engine_events"

// Event types.
const (
	TypePositionOpened = "POSITION_OPENED"
	TypePositionClosed = "POSITION_CLOSED"
)

// Event is one position lifecycle notification.
type Event struct {
	Type       string    `json:"type"`
	UserID     string    `json:"user_id"`
	Symbol     string    `json:"symbol"`
	Direction  string    `json:"direction"`
	EntryPrice string    `json:"entry_price"`
	ExitPrice  string    `json:"exit_price,omitempty"`
	PnLPercent string    `json:"pnl_percent,omitempty"`
	Reason     string    `json:"reason,omitempty"`
	SignalKey  string    `json:"signal_key,omitempty"`
	At         time.Time `json:"at"`
}

// Publisher pushes position lifecycle events onto Redis pub/sub. It is the
// ledger's notifier; a publish failure is reported to the caller but the
// position change has already happened.
type Publisher struct {
	redis *redis.Client
}

// NewPublisher creates a publisher.
func NewPublisher(redisClient *redis.Client) *Publisher {
	return &Publisher{redis: redisClient}
}

// PositionOpened publishes an open event.
func (p *Publisher) PositionOpened(pos models.Position) error {
	return p.publish(Event{
		Type:       TypePositionOpened,
		UserID:     pos.UserID,
		Symbol:     pos.Symbol,
		Direction:  string(pos.Direction),
		EntryPrice: pos.EntryPrice.String(),
		SignalKey:  pos.SignalKey,
		At:         time.Now().UTC(),
	})
}

// PositionClosed publishes a close event.
func (p *Publisher) PositionClosed(pos models.Position, reason string) error {
	return p.publish(Event{
		Type:       TypePositionClosed,
		UserID:     pos.UserID,
		Symbol:     pos.Symbol,
		Direction:  string(pos.Direction),
		EntryPrice: pos.EntryPrice.String(),
		ExitPrice:  pos.CurrentPrice.String(),
		PnLPercent: pos.PnLPercent.String(),
		Reason:     reason,
		SignalKey:  pos.SignalKey,
		At:         time.Now().UTC(),
	})
}

func (p *Publisher) publish(ev Event) error {
	if p.redis == nil {
		return nil
	}

	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	if err := p.redis.Publish(ctx, Channel, payload).Err(); err != nil {
		return fmt.Errorf("publish %s for %s: %w", ev.Type, ev.Symbol, err)
	}
	return nil
}
