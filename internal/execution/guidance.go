package execution

import (
	"log"
	"sync"
	"time"
)

// Execution outcomes fed back into the guidance store.
const (
	OutcomeLimitFilled  = "limit_filled"
	OutcomeLimitTimeout = "limit_timeout"
	OutcomeMarketFilled = "market_filled"
	OutcomeMarketFailed = "market_failed"
)

// Thresholds for adapting the limit-order wait. Once a symbol accumulates
// enough timeouts and failures, waiting the full window is wasted time.
const (
	guidanceFailureThreshold = 20
	guidanceShortTimeout     = 60 * time.Second
)

// GuidanceStore accumulates per-symbol execution outcomes and adapts the
// limit-order fill timeout from them.
type GuidanceStore struct {
	mu       sync.Mutex
	outcomes map[string]map[string]int
}

// NewGuidanceStore creates an empty guidance store.
func NewGuidanceStore() *GuidanceStore {
	return &GuidanceStore{outcomes: make(map[string]map[string]int)}
}

// Record registers one execution outcome for a symbol.
func (g *GuidanceStore) Record(symbol, outcome string) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.outcomes[symbol] == nil {
		g.outcomes[symbol] = make(map[string]int)
	}
	g.outcomes[symbol][outcome]++
}

// Count returns how many times an outcome was recorded for a symbol.
func (g *GuidanceStore) Count(symbol, outcome string) int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.outcomes[symbol][outcome]
}

// Timeout returns the limit-order fill timeout for a symbol. Symbols with a
// history of timeouts and failed fallbacks get a shorter window, never below
// the floor.
func (g *GuidanceStore) Timeout(symbol string, def, floor time.Duration) time.Duration {
	g.mu.Lock()
	failures := g.outcomes[symbol][OutcomeLimitTimeout] + g.outcomes[symbol][OutcomeMarketFailed]
	g.mu.Unlock()

	timeout := def
	if failures >= guidanceFailureThreshold {
		timeout = guidanceShortTimeout
		log.Printf("[GUIDANCE] %s: %d past failures, shortening limit wait to %s", symbol, failures, timeout)
	}
	if timeout < floor {
		timeout = floor
	}
	return timeout
}

// Verdict classifies a finished execution trace into an outcome, records it
// and logs a pass/fail judgement. It never blocks or alters the result;
// executions that never reached order placement record nothing.
func (g *GuidanceStore) Verdict(t *Trace) {
	if t == nil {
		return
	}

	var outcome string
	switch {
	case t.Has("limit_order", StepOK) && !t.Has("market_fallback", StepOK) && !t.Has("market_fallback", StepFailed):
		outcome = OutcomeLimitFilled
	case t.Has("market_fallback", StepOK):
		outcome = OutcomeLimitTimeout
	case t.Has("market_fallback", StepFailed):
		outcome = OutcomeMarketFailed
	case t.Has("market_order", StepOK):
		outcome = OutcomeMarketFilled
	case t.Has("market_order", StepFailed):
		outcome = OutcomeMarketFailed
	default:
		return
	}
	g.Record(t.Symbol, outcome)

	verdict := "pass"
	if outcome == OutcomeMarketFailed {
		verdict = "fail"
	}
	log.Printf("[GUIDANCE] %s %s: verdict %s (%s, %d steps in %s)",
		t.Symbol, t.SignalKey, verdict, outcome, len(t.Steps), time.Since(t.StartedAt).Round(time.Millisecond))
}
