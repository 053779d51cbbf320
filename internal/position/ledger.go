package position

import (
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/atra-trading/execution-engine/internal/audit"
	"github.com/atra-trading/execution-engine/internal/models"
	"github.com/atra-trading/execution-engine/internal/repository"
	"github.com/shopspring/decimal"
)

var (
	ErrPositionExists   = errors.New("position already open")
	ErrPositionNotFound = errors.New("position not open")
)

// Trailing-stop tuning. The stop only ever tightens: once profit clears the
// activation threshold the stop moves to just above breakeven, and past the
// trail threshold it follows price at a fixed distance.
var (
	trailingActivatePct  = decimal.RequireFromString("0.005")
	trailStartPct        = decimal.RequireFromString("0.01")
	breakevenLongFactor  = decimal.RequireFromString("1.002")
	breakevenShortFactor = decimal.RequireFromString("0.998")
	trailLongFactor      = decimal.RequireFromString("0.992")
	trailShortFactor     = decimal.RequireFromString("1.008")
)

// Notifier receives position lifecycle events. Implementations must not
// block for long; failures are reported but never roll anything back.
type Notifier interface {
	PositionOpened(pos models.Position) error
	PositionClosed(pos models.Position, reason string) error
}

// Config tunes the ledger.
type Config struct {
	// TTL is how long a position may stay open before it is closed with
	// reason TIMEOUT. Zero means 24 hours.
	TTL time.Duration
	// PnLBasisUSD is the fixed notional used for the USD PnL figure.
	// Zero means 100.
	PnLBasisUSD decimal.Decimal
}

func (c *Config) applyDefaults() {
	if c.TTL <= 0 {
		c.TTL = 24 * time.Hour
	}
	if c.PnLBasisUSD.IsZero() {
		c.PnLBasisUSD = decimal.NewFromInt(100)
	}
}

// OpenRequest describes a position to open. Zero protective levels are
// filled from the policy.
type OpenRequest struct {
	Symbol      string
	Direction   models.Direction
	EntryPrice  decimal.Decimal
	UserID      string
	SignalKey   string
	Quantity    decimal.Decimal
	NotionalUSD decimal.Decimal
	StopLoss    decimal.Decimal
	TakeProfit  decimal.Decimal
	TakeProfit2 decimal.Decimal
}

// CloseReport is the outcome of closing a position. The close itself always
// succeeds; each side effect is attempted independently and a failure of one
// never prevents the others.
type CloseReport struct {
	Position  models.Position `json:"position"`
	Reason    string          `json:"reason"`
	Persisted bool            `json:"persisted"`
	Recorded  bool            `json:"recorded"`
	Audited   bool            `json:"audited"`
	Notified  bool            `json:"notified"`
	Failures  []string        `json:"failures,omitempty"`
}

type entry struct {
	pos      models.Position
	qty      decimal.Decimal
	notional decimal.Decimal
}

// Ledger owns the authoritative in-memory position state. The database is a
// best-effort mirror used for recovery; a failed write never corrupts or
// loses in-memory state.
type Ledger struct {
	mu        sync.Mutex
	cfg       Config
	policy    ProtectiveLevelPolicy
	positions map[string]*entry

	repo     *repository.PositionRepository
	trades   *repository.TradeRepository
	auditLog *audit.Log
	notifier Notifier

	closedTotal  int64
	closedWins   int64
	closedPnLSum decimal.Decimal
}

// NewLedger creates a ledger. Repositories, audit log and notifier are all
// optional; a nil collaborator is simply skipped.
func NewLedger(cfg Config, policy ProtectiveLevelPolicy, repo *repository.PositionRepository, trades *repository.TradeRepository, auditLog *audit.Log, notifier Notifier) *Ledger {
	cfg.applyDefaults()
	if policy == nil {
		policy = DefaultPolicy()
	}
	return &Ledger{
		cfg:       cfg,
		policy:    policy,
		positions: make(map[string]*entry),
		repo:      repo,
		trades:    trades,
		auditLog:  auditLog,
		notifier:  notifier,
	}
}

func key(userID, symbol string) string {
	return userID + "|" + symbol
}

// Open registers a new position. A second open for the same (user, symbol)
// while the first is still open is rejected.
func (l *Ledger) Open(req OpenRequest) (*models.Position, error) {
	if req.EntryPrice.LessThanOrEqual(decimal.Zero) {
		return nil, fmt.Errorf("invalid entry price %s for %s", req.EntryPrice.String(), req.Symbol)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	k := key(req.UserID, req.Symbol)
	if existing, ok := l.positions[k]; ok && existing.pos.Status == models.PositionStatusOpen {
		return nil, fmt.Errorf("%w: %s %s", ErrPositionExists, req.UserID, req.Symbol)
	}

	levels := l.policy.Levels(req.Direction, req.EntryPrice)
	if !req.StopLoss.IsZero() {
		levels.StopLoss = req.StopLoss
	}
	if !req.TakeProfit.IsZero() {
		levels.TakeProfit = req.TakeProfit
	}
	if !req.TakeProfit2.IsZero() {
		levels.TakeProfit2 = req.TakeProfit2
	}

	now := time.Now().UTC()
	e := &entry{
		pos: models.Position{
			Symbol:       req.Symbol,
			Direction:    req.Direction,
			EntryPrice:   req.EntryPrice,
			EntryTime:    now,
			CurrentPrice: req.EntryPrice,
			Status:       models.PositionStatusOpen,
			UserID:       req.UserID,
			ExpiresAt:    now.Add(l.cfg.TTL),
			StopLoss:     levels.StopLoss,
			TakeProfit:   levels.TakeProfit,
			TakeProfit2:  levels.TakeProfit2,
			SignalKey:    req.SignalKey,
		},
		qty:      req.Quantity,
		notional: req.NotionalUSD,
	}
	l.positions[k] = e

	if l.repo != nil {
		row := &models.ActivePosition{
			UserID:      req.UserID,
			Symbol:      req.Symbol,
			Direction:   req.Direction,
			EntryPrice:  req.EntryPrice,
			Quantity:    req.Quantity,
			NotionalUSD: req.NotionalUSD,
			SignalKey:   req.SignalKey,
			Status:      models.PositionStatusOpen,
		}
		if err := l.repo.CreateActivePosition(row); err != nil {
			log.Printf("[LEDGER] warning: failed to persist open %s %s: %v", req.UserID, req.Symbol, err)
		}
	}

	if l.notifier != nil {
		if err := l.notifier.PositionOpened(e.pos); err != nil {
			log.Printf("[LEDGER] warning: open notification failed for %s: %v", req.Symbol, err)
		}
	}

	log.Printf("[LEDGER] opened %s %s @ %s (SL %s, TP %s/%s)",
		req.Direction, req.Symbol, req.EntryPrice.String(),
		levels.StopLoss.String(), levels.TakeProfit.String(), levels.TakeProfit2.String())

	cp := e.pos
	return &cp, nil
}

// OnPrice applies a price update to every open position on the symbol.
// Exits are checked in priority order: take profit, stop loss, expiry.
// Positions that stay open get their trailing stop ratcheted.
func (l *Ledger) OnPrice(symbol string, price decimal.Decimal) []CloseReport {
	if price.LessThanOrEqual(decimal.Zero) {
		return nil
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	now := time.Now().UTC()
	var reports []CloseReport
	for _, e := range l.positions {
		if e.pos.Symbol != symbol || e.pos.Status != models.PositionStatusOpen {
			continue
		}

		e.pos.CurrentPrice = price
		frac := pnlFraction(&e.pos, price)
		e.pos.PnLPercent = frac.Mul(decimal.NewFromInt(100))
		e.pos.PnLUSD = frac.Mul(l.cfg.PnLBasisUSD)

		if reason := exitReason(&e.pos, price, now); reason != "" {
			reports = append(reports, l.closeLocked(e, price, reason))
			continue
		}

		l.ratchetTrailing(e, price, frac)
	}
	return reports
}

// Close closes a position at the given price with an explicit reason.
func (l *Ledger) Close(userID, symbol string, exitPrice decimal.Decimal, reason string) (*CloseReport, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	e, ok := l.positions[key(userID, symbol)]
	if !ok || e.pos.Status != models.PositionStatusOpen {
		return nil, fmt.Errorf("%w: %s %s", ErrPositionNotFound, userID, symbol)
	}
	if exitPrice.LessThanOrEqual(decimal.Zero) {
		exitPrice = e.pos.CurrentPrice
	}
	if reason == "" {
		reason = models.CloseReasonManual
	}

	report := l.closeLocked(e, exitPrice, reason)
	return &report, nil
}

// closeLocked finalizes the in-memory state and then runs the four side
// effects independently: persisted mirror, trade record, audit entry,
// notification. Failures are collected in the report, never propagated.
func (l *Ledger) closeLocked(e *entry, exitPrice decimal.Decimal, reason string) CloseReport {
	frac := pnlFraction(&e.pos, exitPrice)
	e.pos.CurrentPrice = exitPrice
	e.pos.PnLPercent = frac.Mul(decimal.NewFromInt(100))
	e.pos.PnLUSD = frac.Mul(l.cfg.PnLBasisUSD)
	e.pos.Status = models.PositionStatusClosed

	l.closedTotal++
	if frac.GreaterThan(decimal.Zero) {
		l.closedWins++
	}
	l.closedPnLSum = l.closedPnLSum.Add(e.pos.PnLPercent)

	report := CloseReport{Position: e.pos, Reason: reason}
	delete(l.positions, key(e.pos.UserID, e.pos.Symbol))

	if l.repo != nil {
		if err := l.repo.CloseActivePositionBySymbol(e.pos.UserID, e.pos.Symbol); err != nil {
			report.Failures = append(report.Failures, fmt.Sprintf("persist close: %v", err))
		} else {
			report.Persisted = true
		}
	}

	if l.trades != nil {
		qty, notional := e.qty, e.notional
		if qty.IsZero() {
			qty = decimal.NewFromInt(1)
		}
		if notional.IsZero() {
			notional = e.pos.EntryPrice
		}
		trade := &models.TradeRecord{
			UserID:      e.pos.UserID,
			Symbol:      e.pos.Symbol,
			Direction:   e.pos.Direction,
			EntryPrice:  e.pos.EntryPrice,
			ExitPrice:   exitPrice,
			Quantity:    qty,
			NotionalUSD: notional,
			PnLPercent:  e.pos.PnLPercent,
			PnLUSD:      e.pos.PnLUSD,
			ExitReason:  reason,
			SignalKey:   e.pos.SignalKey,
			EntryTime:   e.pos.EntryTime,
			ExitTime:    time.Now().UTC(),
		}
		if err := l.trades.Create(trade); err != nil {
			report.Failures = append(report.Failures, fmt.Sprintf("record trade: %v", err))
		} else {
			report.Recorded = true
		}
	}

	if l.auditLog != nil {
		qtyF, _ := e.qty.Float64()
		priceF, _ := exitPrice.Float64()
		l.auditLog.LogOrder(e.pos.UserID, e.pos.Symbol, string(e.pos.Direction),
			"POSITION", qtyF, priceF, "", "CLOSED", "", reason)
		report.Audited = true
	}

	if l.notifier != nil {
		if err := l.notifier.PositionClosed(e.pos, reason); err != nil {
			report.Failures = append(report.Failures, fmt.Sprintf("notify: %v", err))
		} else {
			report.Notified = true
		}
	}

	log.Printf("[LEDGER] closed %s %s @ %s (%s, pnl %s%%)",
		e.pos.Direction, e.pos.Symbol, exitPrice.String(), reason, e.pos.PnLPercent.StringFixed(4))
	return report
}

// ratchetTrailing tightens the stop once the position is in profit. Below
// the activation threshold nothing moves; past it the stop floors at just
// above breakeven, and past the trail threshold it follows the price.
func (l *Ledger) ratchetTrailing(e *entry, price decimal.Decimal, frac decimal.Decimal) {
	if frac.LessThan(trailingActivatePct) {
		return
	}

	if e.pos.Direction.IsLong() {
		candidate := e.pos.EntryPrice.Mul(breakevenLongFactor)
		if frac.GreaterThanOrEqual(trailStartPct) {
			trailed := price.Mul(trailLongFactor)
			if trailed.GreaterThan(candidate) {
				candidate = trailed
			}
		}
		if candidate.GreaterThan(e.pos.StopLoss) {
			e.pos.StopLoss = candidate
		}
		return
	}

	candidate := e.pos.EntryPrice.Mul(breakevenShortFactor)
	if frac.GreaterThanOrEqual(trailStartPct) {
		trailed := price.Mul(trailShortFactor)
		if trailed.LessThan(candidate) {
			candidate = trailed
		}
	}
	if candidate.LessThan(e.pos.StopLoss) {
		e.pos.StopLoss = candidate
	}
}

func pnlFraction(pos *models.Position, price decimal.Decimal) decimal.Decimal {
	if pos.EntryPrice.LessThanOrEqual(decimal.Zero) {
		return decimal.Zero
	}
	if pos.Direction.IsLong() {
		return price.Sub(pos.EntryPrice).Div(pos.EntryPrice)
	}
	return pos.EntryPrice.Sub(price).Div(pos.EntryPrice)
}

func exitReason(pos *models.Position, price decimal.Decimal, now time.Time) string {
	if pos.Direction.IsLong() {
		if !pos.TakeProfit.IsZero() && price.GreaterThanOrEqual(pos.TakeProfit) {
			return models.CloseReasonTakeProfit
		}
		if !pos.StopLoss.IsZero() && price.LessThanOrEqual(pos.StopLoss) {
			return models.CloseReasonStopLoss
		}
	} else {
		if !pos.TakeProfit.IsZero() && price.LessThanOrEqual(pos.TakeProfit) {
			return models.CloseReasonTakeProfit
		}
		if !pos.StopLoss.IsZero() && price.GreaterThanOrEqual(pos.StopLoss) {
			return models.CloseReasonStopLoss
		}
	}
	if now.After(pos.ExpiresAt) {
		return models.CloseReasonTimeout
	}
	return ""
}

// Get returns a snapshot of an open position.
func (l *Ledger) Get(userID, symbol string) (*models.Position, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	e, ok := l.positions[key(userID, symbol)]
	if !ok || e.pos.Status != models.PositionStatusOpen {
		return nil, fmt.Errorf("%w: %s %s", ErrPositionNotFound, userID, symbol)
	}
	cp := e.pos
	return &cp, nil
}

// ByUser returns snapshots of a user's open positions.
func (l *Ledger) ByUser(userID string) []models.Position {
	l.mu.Lock()
	defer l.mu.Unlock()

	var out []models.Position
	for _, e := range l.positions {
		if e.pos.UserID == userID && e.pos.Status == models.PositionStatusOpen {
			out = append(out, e.pos)
		}
	}
	return out
}

// Symbols returns the distinct symbols with at least one open position,
// for the price-monitor fan-out.
func (l *Ledger) Symbols() []string {
	l.mu.Lock()
	defer l.mu.Unlock()

	seen := make(map[string]bool)
	var out []string
	for _, e := range l.positions {
		if e.pos.Status != models.PositionStatusOpen || seen[e.pos.Symbol] {
			continue
		}
		seen[e.pos.Symbol] = true
		out = append(out, e.pos.Symbol)
	}
	return out
}

// ExpireStale closes every open position past its expiry at its last known
// price. Used as a sweep for symbols that stopped ticking.
func (l *Ledger) ExpireStale() []CloseReport {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := time.Now().UTC()
	var reports []CloseReport
	for _, e := range l.positions {
		if e.pos.Status != models.PositionStatusOpen || !now.After(e.pos.ExpiresAt) {
			continue
		}
		reports = append(reports, l.closeLocked(e, e.pos.CurrentPrice, models.CloseReasonTimeout))
	}
	return reports
}

// Restore reloads open positions from the persisted mirror, re-deriving
// protective levels from the policy. Returns how many were restored.
func (l *Ledger) Restore() (int, error) {
	if l.repo == nil {
		return 0, nil
	}
	rows, err := l.repo.GetAllOpen()
	if err != nil {
		return 0, fmt.Errorf("load open positions: %w", err)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	var n int
	for _, row := range rows {
		k := key(row.UserID, row.Symbol)
		if existing, ok := l.positions[k]; ok && existing.pos.Status == models.PositionStatusOpen {
			continue
		}
		levels := l.policy.Levels(row.Direction, row.EntryPrice)
		l.positions[k] = &entry{
			pos: models.Position{
				Symbol:       row.Symbol,
				Direction:    row.Direction,
				EntryPrice:   row.EntryPrice,
				EntryTime:    row.CreatedAt,
				CurrentPrice: row.EntryPrice,
				Status:       models.PositionStatusOpen,
				UserID:       row.UserID,
				ExpiresAt:    row.CreatedAt.Add(l.cfg.TTL),
				StopLoss:     levels.StopLoss,
				TakeProfit:   levels.TakeProfit,
				TakeProfit2:  levels.TakeProfit2,
				SignalKey:    row.SignalKey,
			},
			qty:      row.Quantity,
			notional: row.NotionalUSD,
		}
		n++
	}
	if n > 0 {
		log.Printf("[LEDGER] restored %d open positions", n)
	}
	return n, nil
}

// Statistics is a point-in-time snapshot of ledger activity. All money and
// rate figures are exact decimals.
type Statistics struct {
	OpenPositions   int             `json:"open_positions"`
	ClosedPositions int64           `json:"closed_positions"`
	Wins            int64           `json:"wins"`
	WinRate         decimal.Decimal `json:"win_rate"`
	TotalPnLPercent decimal.Decimal `json:"total_pnl_percent"`
	AvgPnLPercent   decimal.Decimal `json:"avg_pnl_percent"`
	BySymbol        map[string]int  `json:"by_symbol"`
}

// Stats returns a snapshot of ledger activity.
func (l *Ledger) Stats() Statistics {
	l.mu.Lock()
	defer l.mu.Unlock()

	stats := Statistics{
		ClosedPositions: l.closedTotal,
		Wins:            l.closedWins,
		TotalPnLPercent: l.closedPnLSum,
		BySymbol:        make(map[string]int),
	}
	for _, e := range l.positions {
		if e.pos.Status != models.PositionStatusOpen {
			continue
		}
		stats.OpenPositions++
		stats.BySymbol[e.pos.Symbol]++
	}
	if l.closedTotal > 0 {
		total := decimal.NewFromInt(l.closedTotal)
		stats.WinRate = decimal.NewFromInt(l.closedWins).Div(total).Mul(decimal.NewFromInt(100))
		stats.AvgPnLPercent = l.closedPnLSum.Div(total)
	}
	return stats
}
