package pricefeed

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

const staleAfter = 5 * time.Second

// Service keeps the latest tick per symbol, mirrors it to Redis for other
// processes and fans it out to a local subscriber (the monitor worker).
type Service struct {
	redis *redis.Client
	feed  *Feed

	prices    map[string]Update
	pricesMux sync.RWMutex

	sink   Subscriber
	sinkMu sync.RWMutex

	ctx    context.Context
	cancel context.CancelFunc
}

// NewService creates a price service on top of the feed. The Redis client
// is optional; without it prices live in memory only.
func NewService(feed *Feed, redisClient *redis.Client) *Service {
	s := &Service{
		redis:  redisClient,
		feed:   feed,
		prices: make(map[string]Update),
	}
	feed.SetSubscriber(s)
	return s
}

// Start connects the underlying feed.
func (s *Service) Start(ctx context.Context) error {
	s.ctx, s.cancel = context.WithCancel(ctx)
	return s.feed.Connect(s.ctx)
}

// SetSink registers a local subscriber that receives every tick after the
// service has recorded it.
func (s *Service) SetSink(sink Subscriber) {
	s.sinkMu.Lock()
	s.sink = sink
	s.sinkMu.Unlock()
}

// OnTick implements Subscriber for the feed.
func (s *Service) OnTick(update Update) {
	s.pricesMux.Lock()
	s.prices[update.Symbol] = update
	s.pricesMux.Unlock()

	if s.redis != nil {
		key := fmt.Sprintf("price:%s", update.Symbol)
		s.redis.HSet(s.ctx, key, map[string]interface{}{
			"last":      update.Last.String(),
			"bid":       update.Bid.String(),
			"ask":       update.Ask.String(),
			"volume":    update.Volume24h,
			"timestamp": update.Timestamp,
		})
		s.redis.Expire(s.ctx, key, staleAfter)
	}

	s.sinkMu.RLock()
	sink := s.sink
	s.sinkMu.RUnlock()
	if sink != nil {
		sink.OnTick(update)
	}
}

// Latest returns the latest tick for a symbol if it is fresh enough.
func (s *Service) Latest(symbol string) (*Update, error) {
	s.pricesMux.RLock()
	update, ok := s.prices[symbol]
	s.pricesMux.RUnlock()

	if !ok {
		return nil, fmt.Errorf("no price for %s", symbol)
	}
	if time.Now().UnixMilli()-update.Timestamp > staleAfter.Milliseconds() {
		return nil, fmt.Errorf("stale price for %s", symbol)
	}
	return &update, nil
}

// Snapshot returns the latest tick per symbol, fresh or not.
func (s *Service) Snapshot() map[string]Update {
	s.pricesMux.RLock()
	defer s.pricesMux.RUnlock()

	out := make(map[string]Update, len(s.prices))
	for symbol, update := range s.prices {
		out[symbol] = update
	}
	return out
}

// Subscribe ensures the feed streams the given symbols.
func (s *Service) Subscribe(symbols []string) error {
	return s.feed.Subscribe(symbols)
}

// Unsubscribe stops streaming the given symbols.
func (s *Service) Unsubscribe(symbols []string) error {
	return s.feed.Unsubscribe(symbols)
}

// Stop shuts the feed down.
func (s *Service) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	if err := s.feed.Close(); err != nil {
		log.Printf("[FEED] close error: %v", err)
	}
}
