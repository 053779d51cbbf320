package pricefeed

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"
)

const (
	binanceWSURL         = "wss://fstream.binance.com/ws"
	pingInterval         = 30 * time.Second
	reconnectDelay       = 5 * time.Second
	maxReconnectAttempts = 10
)

// Update is one market-data tick from the feed.
type Update struct {
	Symbol    string
	Last      decimal.Decimal
	Bid       decimal.Decimal
	Ask       decimal.Decimal
	Volume24h float64
	Timestamp int64
}

// Subscriber receives ticks from the feed.
type Subscriber interface {
	OnTick(update Update)
}

// Feed is a Binance Futures WebSocket market-data client streaming 24h
// ticker updates: last price, best bid/ask and rolling quote volume.
type Feed struct {
	wsURL       string
	conn        *websocket.Conn
	connMux     sync.RWMutex
	isConnected bool

	subscriber Subscriber
	subMux     sync.RWMutex

	subscribed    map[string]bool
	subscribedMux sync.RWMutex

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	reconnectAttempts int
}

// NewFeed creates a new market-data feed.
func NewFeed() *Feed {
	return &Feed{
		wsURL:      binanceWSURL,
		subscribed: make(map[string]bool),
	}
}

// IsConnected returns whether the WebSocket is connected
func (f *Feed) IsConnected() bool {
	f.connMux.RLock()
	defer f.connMux.RUnlock()
	return f.isConnected
}

// SetSubscriber sets the tick subscriber.
func (f *Feed) SetSubscriber(subscriber Subscriber) {
	f.subMux.Lock()
	defer f.subMux.Unlock()
	f.subscriber = subscriber
}

// Connect establishes the WebSocket connection and starts the read and
// ping loops.
func (f *Feed) Connect(ctx context.Context) error {
	f.ctx, f.cancel = context.WithCancel(ctx)

	if err := f.connect(); err != nil {
		return err
	}

	f.wg.Add(1)
	go f.messageLoop()

	f.wg.Add(1)
	go f.pingLoop()

	return nil
}

func (f *Feed) connect() error {
	f.connMux.Lock()
	defer f.connMux.Unlock()

	dialer := websocket.Dialer{
		HandshakeTimeout: 10 * time.Second,
	}

	conn, _, err := dialer.Dial(f.wsURL, nil)
	if err != nil {
		return fmt.Errorf("failed to connect to market data feed: %w", err)
	}

	f.conn = conn
	f.isConnected = true
	f.reconnectAttempts = 0

	log.Printf("[FEED] WebSocket connected")

	// Resubscribe to previous symbols
	f.subscribedMux.RLock()
	symbols := make([]string, 0, len(f.subscribed))
	for symbol := range f.subscribed {
		symbols = append(symbols, symbol)
	}
	f.subscribedMux.RUnlock()

	if len(symbols) > 0 {
		go f.subscribe(symbols)
	}

	return nil
}

// Subscribe subscribes to ticks for the given symbols.
func (f *Feed) Subscribe(symbols []string) error {
	f.subscribedMux.Lock()
	for _, symbol := range symbols {
		f.subscribed[strings.ToUpper(symbol)] = true
	}
	f.subscribedMux.Unlock()

	return f.subscribe(symbols)
}

func (f *Feed) subscribe(symbols []string) error {
	if !f.IsConnected() {
		return fmt.Errorf("not connected")
	}

	streams := make([]string, len(symbols))
	for i, symbol := range symbols {
		streams[i] = strings.ToLower(symbol) + "@ticker"
	}

	msg := map[string]interface{}{
		"method": "SUBSCRIBE",
		"params": streams,
		"id":     time.Now().UnixNano(),
	}

	f.connMux.RLock()
	err := f.conn.WriteJSON(msg)
	f.connMux.RUnlock()

	if err != nil {
		return fmt.Errorf("failed to subscribe: %w", err)
	}

	log.Printf("[FEED] Subscribed to %d symbols", len(symbols))
	return nil
}

// Unsubscribe stops ticks for the given symbols.
func (f *Feed) Unsubscribe(symbols []string) error {
	f.subscribedMux.Lock()
	for _, symbol := range symbols {
		delete(f.subscribed, strings.ToUpper(symbol))
	}
	f.subscribedMux.Unlock()

	if !f.IsConnected() {
		return nil
	}

	streams := make([]string, len(symbols))
	for i, symbol := range symbols {
		streams[i] = strings.ToLower(symbol) + "@ticker"
	}

	msg := map[string]interface{}{
		"method": "UNSUBSCRIBE",
		"params": streams,
		"id":     time.Now().UnixNano(),
	}

	f.connMux.RLock()
	err := f.conn.WriteJSON(msg)
	f.connMux.RUnlock()

	return err
}

func (f *Feed) messageLoop() {
	defer f.wg.Done()

	for {
		select {
		case <-f.ctx.Done():
			return
		default:
		}

		f.connMux.RLock()
		conn := f.conn
		f.connMux.RUnlock()

		if conn == nil {
			time.Sleep(100 * time.Millisecond)
			continue
		}

		_, message, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				log.Printf("[FEED] WebSocket error: %v", err)
			}
			f.handleDisconnect()
			continue
		}

		f.handleMessage(message)
	}
}

func (f *Feed) handleMessage(message []byte) {
	var data struct {
		EventType string `json:"e"`
		EventTime int64  `json:"E"`
		Symbol    string `json:"s"`
		LastPrice string `json:"c"`
		BidPrice  string `json:"b"`
		AskPrice  string `json:"a"`
		QuoteVol  string `json:"q"`
	}
	if err := json.Unmarshal(message, &data); err != nil {
		return
	}
	if data.EventType != "24hrTicker" {
		return
	}

	last, err := decimal.NewFromString(data.LastPrice)
	if err != nil || last.LessThanOrEqual(decimal.Zero) {
		return
	}
	bid, _ := decimal.NewFromString(data.BidPrice)
	ask, _ := decimal.NewFromString(data.AskPrice)
	volume, _ := strconv.ParseFloat(data.QuoteVol, 64)

	update := Update{
		Symbol:    data.Symbol,
		Last:      last,
		Bid:       bid,
		Ask:       ask,
		Volume24h: volume,
		Timestamp: data.EventTime,
	}

	f.subMux.RLock()
	subscriber := f.subscriber
	f.subMux.RUnlock()

	if subscriber != nil {
		subscriber.OnTick(update)
	}
}

func (f *Feed) handleDisconnect() {
	f.connMux.Lock()
	f.isConnected = false
	if f.conn != nil {
		f.conn.Close()
		f.conn = nil
	}
	f.connMux.Unlock()

	for f.reconnectAttempts < maxReconnectAttempts {
		select {
		case <-f.ctx.Done():
			return
		case <-time.After(reconnectDelay):
		}

		f.reconnectAttempts++
		log.Printf("[FEED] Attempting reconnect %d/%d", f.reconnectAttempts, maxReconnectAttempts)

		if err := f.connect(); err != nil {
			log.Printf("[FEED] Reconnect failed: %v", err)
			continue
		}

		return
	}

	log.Printf("[FEED] Max reconnect attempts reached")
}

func (f *Feed) pingLoop() {
	defer f.wg.Done()

	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-f.ctx.Done():
			return
		case <-ticker.C:
			f.connMux.RLock()
			conn := f.conn
			isConnected := f.isConnected
			f.connMux.RUnlock()

			if !isConnected || conn == nil {
				continue
			}

			if err := conn.WriteMessage(websocket.PongMessage, nil); err != nil {
				log.Printf("[FEED] Ping failed: %v", err)
			}
		}
	}
}

// Close closes the WebSocket connection.
func (f *Feed) Close() error {
	if f.cancel != nil {
		f.cancel()
	}

	f.connMux.Lock()
	if f.conn != nil {
		f.conn.Close()
		f.conn = nil
	}
	f.isConnected = false
	f.connMux.Unlock()

	f.wg.Wait()

	log.Printf("[FEED] WebSocket closed")
	return nil
}
