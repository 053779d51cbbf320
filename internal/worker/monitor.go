package worker

import (
	"log"
	"sync"
	"time"

	"github.com/atra-trading/execution-engine/internal/order"
	"github.com/atra-trading/execution-engine/internal/position"
	"github.com/atra-trading/execution-engine/internal/pricefeed"
)

const staleOrderAge = 24 * time.Hour

// Monitor drives the order router and position ledger from market data.
// Ticks are pushed from the price service as they arrive; a slower periodic
// loop reconciles feed subscriptions and sweeps expired state.
type Monitor struct {
	router   *order.Router
	ledger   *position.Ledger
	prices   *pricefeed.Service
	interval time.Duration
	stopChan chan struct{}

	subscribedMux sync.Mutex
	subscribed    map[string]bool
}

// NewMonitor creates a monitor worker.
func NewMonitor(router *order.Router, ledger *position.Ledger, prices *pricefeed.Service, interval time.Duration) *Monitor {
	if interval <= 0 {
		interval = 60 * time.Second
	}
	m := &Monitor{
		router:     router,
		ledger:     ledger,
		prices:     prices,
		interval:   interval,
		stopChan:   make(chan struct{}),
		subscribed: make(map[string]bool),
	}
	if prices != nil {
		prices.SetSink(m)
	}
	return m
}

// OnTick feeds one market-data update into the router and the ledger.
func (m *Monitor) OnTick(update pricefeed.Update) {
	m.router.Process(order.Tick{
		Symbol:    update.Symbol,
		Price:     update.Last,
		Volume24h: update.Volume24h,
	})

	for _, report := range m.ledger.OnPrice(update.Symbol, update.Last) {
		log.Printf("Monitor: position closed %s %s (%s, pnl=%s%%)",
			report.Position.UserID, report.Position.Symbol, report.Reason,
			report.Position.PnLPercent.StringFixed(4))
		if len(report.Failures) > 0 {
			log.Printf("Monitor: close side effects failed for %s: %v",
				report.Position.Symbol, report.Failures)
		}
	}
}

// Start begins the reconciliation loop.
func (m *Monitor) Start() {
	log.Printf("Monitor started with interval: %v", m.interval)
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	m.sweep()
	for {
		select {
		case <-ticker.C:
			m.sweep()
		case <-m.stopChan:
			log.Println("Monitor stopped")
			return
		}
	}
}

// Stop stops the reconciliation loop.
func (m *Monitor) Stop() {
	close(m.stopChan)
}

// sweep subscribes to symbols with open positions, expires stale positions
// and cancels stale orders. Every open symbol is refreshed concurrently;
// one symbol failing never blocks the rest.
func (m *Monitor) sweep() {
	symbols := m.ledger.Symbols()

	if m.prices != nil && len(symbols) > 0 {
		var missing []string
		m.subscribedMux.Lock()
		for _, symbol := range symbols {
			if !m.subscribed[symbol] {
				m.subscribed[symbol] = true
				missing = append(missing, symbol)
			}
		}
		m.subscribedMux.Unlock()

		if len(missing) > 0 {
			if err := m.prices.Subscribe(missing); err != nil {
				log.Printf("Monitor: subscribe failed for %v: %v", missing, err)
			}
		}
	}

	// Push the freshest known price through every open symbol in parallel,
	// covering symbols whose stream went quiet between ticks.
	if m.prices != nil {
		var wg sync.WaitGroup
		for _, symbol := range symbols {
			wg.Add(1)
			go func(symbol string) {
				defer wg.Done()
				update, err := m.prices.Latest(symbol)
				if err != nil {
					log.Printf("Monitor: no fresh price for %s: %v", symbol, err)
					return
				}
				m.OnTick(*update)
			}(symbol)
		}
		wg.Wait()
	}

	for _, report := range m.ledger.ExpireStale() {
		log.Printf("Monitor: expired position %s %s (pnl=%s%%)",
			report.Position.UserID, report.Position.Symbol,
			report.Position.PnLPercent.StringFixed(4))
	}

	if n := m.router.CleanupStale(staleOrderAge); n > 0 {
		log.Printf("Monitor: cancelled %d stale orders", n)
	}
}
