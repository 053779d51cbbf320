package position

import (
	"errors"
	"testing"
	"time"

	"github.com/atra-trading/execution-engine/internal/models"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

type fakeNotifier struct {
	opened []models.Position
	closed []string
	err    error
}

func (f *fakeNotifier) PositionOpened(pos models.Position) error {
	f.opened = append(f.opened, pos)
	return f.err
}

func (f *fakeNotifier) PositionClosed(pos models.Position, reason string) error {
	f.closed = append(f.closed, reason)
	return f.err
}

func newTestLedger(cfg Config, n Notifier) *Ledger {
	return NewLedger(cfg, nil, nil, nil, nil, n)
}

func TestDefaultPolicyLevels(t *testing.T) {
	p := DefaultPolicy()

	long := p.Levels(models.DirectionBuy, dec("50000"))
	assert.True(t, long.StopLoss.Equal(dec("49250")), "got %s", long.StopLoss)
	assert.True(t, long.TakeProfit.Equal(dec("51500")), "got %s", long.TakeProfit)
	assert.True(t, long.TakeProfit2.Equal(dec("52250")), "got %s", long.TakeProfit2)

	short := p.Levels(models.DirectionSell, dec("50000"))
	assert.True(t, short.StopLoss.Equal(dec("50750")))
	assert.True(t, short.TakeProfit.Equal(dec("48500")))
	assert.True(t, short.TakeProfit2.Equal(dec("47750")))
}

func TestOpenAppliesPolicyAndOverrides(t *testing.T) {
	l := newTestLedger(Config{}, nil)

	pos, err := l.Open(OpenRequest{
		Symbol:     "BTCUSDT",
		Direction:  models.DirectionBuy,
		EntryPrice: dec("50000"),
		UserID:     "u1",
		StopLoss:   dec("48000"),
	})
	require.NoError(t, err)

	// Explicit stop loss wins; take profits come from the policy.
	assert.True(t, pos.StopLoss.Equal(dec("48000")))
	assert.True(t, pos.TakeProfit.Equal(dec("51500")))
	assert.Equal(t, models.PositionStatusOpen, pos.Status)
}

func TestOpenRejectsDuplicate(t *testing.T) {
	l := newTestLedger(Config{}, nil)

	req := OpenRequest{Symbol: "BTCUSDT", Direction: models.DirectionBuy, EntryPrice: dec("50000"), UserID: "u1"}
	_, err := l.Open(req)
	require.NoError(t, err)

	_, err = l.Open(req)
	require.ErrorIs(t, err, ErrPositionExists)

	// A different user on the same symbol is fine.
	req.UserID = "u2"
	_, err = l.Open(req)
	require.NoError(t, err)
}

func TestTakeProfitClose(t *testing.T) {
	n := &fakeNotifier{}
	l := newTestLedger(Config{}, n)

	_, err := l.Open(OpenRequest{
		Symbol: "BTCUSDT", Direction: models.DirectionBuy, EntryPrice: dec("50000"), UserID: "u1",
	})
	require.NoError(t, err)

	// Below the 51500 take profit: still open.
	require.Empty(t, l.OnPrice("BTCUSDT", dec("51400")))

	reports := l.OnPrice("BTCUSDT", dec("51600"))
	require.Len(t, reports, 1)

	r := reports[0]
	assert.Equal(t, models.CloseReasonTakeProfit, r.Reason)
	assert.Equal(t, models.PositionStatusClosed, r.Position.Status)
	// +1600 on 50000 is +3.2%, +3.20 USD on the fixed 100 basis.
	assert.True(t, r.Position.PnLPercent.Equal(dec("3.2")), "got %s", r.Position.PnLPercent)
	assert.True(t, r.Position.PnLUSD.Equal(dec("3.2")), "got %s", r.Position.PnLUSD)
	assert.True(t, r.Notified)
	assert.Equal(t, []string{models.CloseReasonTakeProfit}, n.closed)

	_, err = l.Get("u1", "BTCUSDT")
	require.ErrorIs(t, err, ErrPositionNotFound)
}

func TestStopLossCloseShort(t *testing.T) {
	l := newTestLedger(Config{}, nil)

	_, err := l.Open(OpenRequest{
		Symbol: "ETHUSDT", Direction: models.DirectionSell, EntryPrice: dec("3000"), UserID: "u1",
	})
	require.NoError(t, err)

	// Short stop loss sits at 3045; an adverse rally through it closes.
	reports := l.OnPrice("ETHUSDT", dec("3050"))
	require.Len(t, reports, 1)
	assert.Equal(t, models.CloseReasonStopLoss, reports[0].Reason)
	assert.True(t, reports[0].Position.PnLPercent.LessThan(decimal.Zero))
}

func TestTrailingStopRatchet(t *testing.T) {
	l := newTestLedger(Config{}, nil)

	_, err := l.Open(OpenRequest{
		Symbol: "SOLUSDT", Direction: models.DirectionBuy, EntryPrice: dec("100"), UserID: "u1",
	})
	require.NoError(t, err)

	// +0.4%: below the activation threshold, stop unchanged.
	require.Empty(t, l.OnPrice("SOLUSDT", dec("100.4")))
	pos, _ := l.Get("u1", "SOLUSDT")
	assert.True(t, pos.StopLoss.Equal(dec("98.5")), "got %s", pos.StopLoss)

	// +0.6%: stop floors at breakeven plus a margin.
	require.Empty(t, l.OnPrice("SOLUSDT", dec("100.6")))
	pos, _ = l.Get("u1", "SOLUSDT")
	assert.True(t, pos.StopLoss.Equal(dec("100.2")), "got %s", pos.StopLoss)

	// +2%: stop trails the price.
	require.Empty(t, l.OnPrice("SOLUSDT", dec("102")))
	pos, _ = l.Get("u1", "SOLUSDT")
	assert.True(t, pos.StopLoss.Equal(dec("101.184")), "got %s", pos.StopLoss)

	// Pullback: the stop never loosens.
	require.Empty(t, l.OnPrice("SOLUSDT", dec("101.5")))
	pos, _ = l.Get("u1", "SOLUSDT")
	assert.True(t, pos.StopLoss.Equal(dec("101.184")), "got %s", pos.StopLoss)

	// Falling through the ratcheted stop closes, locking in a profit.
	reports := l.OnPrice("SOLUSDT", dec("101.1"))
	require.Len(t, reports, 1)
	assert.Equal(t, models.CloseReasonStopLoss, reports[0].Reason)
	assert.True(t, reports[0].Position.PnLPercent.GreaterThan(decimal.Zero))
}

func TestExpiryClose(t *testing.T) {
	l := newTestLedger(Config{TTL: time.Millisecond}, nil)

	_, err := l.Open(OpenRequest{
		Symbol: "BTCUSDT", Direction: models.DirectionBuy, EntryPrice: dec("50000"), UserID: "u1",
	})
	require.NoError(t, err)

	time.Sleep(5 * time.Millisecond)

	// Price between stop and take profit, but past expiry.
	reports := l.OnPrice("BTCUSDT", dec("50100"))
	require.Len(t, reports, 1)
	assert.Equal(t, models.CloseReasonTimeout, reports[0].Reason)
}

func TestExpireStaleSweep(t *testing.T) {
	l := newTestLedger(Config{TTL: time.Millisecond}, nil)

	_, err := l.Open(OpenRequest{
		Symbol: "BTCUSDT", Direction: models.DirectionBuy, EntryPrice: dec("50000"), UserID: "u1",
	})
	require.NoError(t, err)

	time.Sleep(5 * time.Millisecond)

	reports := l.ExpireStale()
	require.Len(t, reports, 1)
	assert.Equal(t, models.CloseReasonTimeout, reports[0].Reason)
	assert.Empty(t, l.ExpireStale())
}

func TestManualClose(t *testing.T) {
	l := newTestLedger(Config{}, nil)

	_, err := l.Open(OpenRequest{
		Symbol: "BTCUSDT", Direction: models.DirectionBuy, EntryPrice: dec("50000"), UserID: "u1",
	})
	require.NoError(t, err)

	report, err := l.Close("u1", "BTCUSDT", dec("50500"), "")
	require.NoError(t, err)
	assert.Equal(t, models.CloseReasonManual, report.Reason)
	assert.True(t, report.Position.PnLPercent.Equal(dec("1")))

	_, err = l.Close("u1", "BTCUSDT", dec("50500"), "")
	require.ErrorIs(t, err, ErrPositionNotFound)

	// Closed positions leave the active map entirely.
	assert.Empty(t, l.positions)
}

func TestCloseSideEffectFailureDoesNotBlockClose(t *testing.T) {
	n := &fakeNotifier{err: errors.New("broker down")}
	l := newTestLedger(Config{}, n)

	_, err := l.Open(OpenRequest{
		Symbol: "BTCUSDT", Direction: models.DirectionBuy, EntryPrice: dec("50000"), UserID: "u1",
	})
	require.NoError(t, err)

	report, err := l.Close("u1", "BTCUSDT", dec("49000"), models.CloseReasonManual)
	require.NoError(t, err)

	// The close itself succeeded; the failed notification is reported.
	assert.Equal(t, models.PositionStatusClosed, report.Position.Status)
	assert.False(t, report.Notified)
	require.Len(t, report.Failures, 1)
	assert.Contains(t, report.Failures[0], "notify")

	_, err = l.Get("u1", "BTCUSDT")
	require.ErrorIs(t, err, ErrPositionNotFound)
}

func TestSymbolsAndStats(t *testing.T) {
	l := newTestLedger(Config{}, nil)

	for _, sym := range []string{"BTCUSDT", "ETHUSDT"} {
		_, err := l.Open(OpenRequest{
			Symbol: sym, Direction: models.DirectionBuy, EntryPrice: dec("100"), UserID: "u1",
		})
		require.NoError(t, err)
	}
	_, err := l.Open(OpenRequest{
		Symbol: "BTCUSDT", Direction: models.DirectionSell, EntryPrice: dec("100"), UserID: "u2",
	})
	require.NoError(t, err)

	assert.ElementsMatch(t, []string{"BTCUSDT", "ETHUSDT"}, l.Symbols())

	// Winning close for u1, losing close for u2 at the same price.
	l.OnPrice("BTCUSDT", dec("103"))

	stats := l.Stats()
	assert.Equal(t, 1, stats.OpenPositions)
	assert.EqualValues(t, 2, stats.ClosedPositions)
	assert.EqualValues(t, 1, stats.Wins)
	assert.True(t, stats.WinRate.Equal(dec("50")), "got %s", stats.WinRate)

	// +3% and -3% cancel out exactly.
	assert.True(t, stats.TotalPnLPercent.Equal(dec("0")), "got %s", stats.TotalPnLPercent)
	assert.True(t, stats.AvgPnLPercent.Equal(dec("0")), "got %s", stats.AvgPnLPercent)

	// A third close breaks the symmetry: decimal figures stay exact.
	_, err = l.Open(OpenRequest{
		Symbol: "SOLUSDT", Direction: models.DirectionBuy, EntryPrice: dec("100"), UserID: "u3",
	})
	require.NoError(t, err)
	_, err = l.Close("u3", "SOLUSDT", dec("102"), models.CloseReasonManual)
	require.NoError(t, err)

	stats = l.Stats()
	assert.EqualValues(t, 3, stats.ClosedPositions)
	assert.True(t, stats.TotalPnLPercent.Equal(dec("2")), "got %s", stats.TotalPnLPercent)
}
