package position

import (
	"github.com/atra-trading/execution-engine/internal/models"
	"github.com/shopspring/decimal"
)

// Levels are the protective price levels derived for a new position.
type Levels struct {
	StopLoss    decimal.Decimal
	TakeProfit  decimal.Decimal
	TakeProfit2 decimal.Decimal
}

// ProtectiveLevelPolicy derives stop-loss and take-profit levels from the
// entry price. Signals may still override individual levels; the policy only
// fills the gaps.
type ProtectiveLevelPolicy interface {
	Levels(direction models.Direction, entryPrice decimal.Decimal) Levels
}

// FixedLevelPolicy derives levels from fixed percentage distances.
type FixedLevelPolicy struct {
	StopLossPct    decimal.Decimal
	TakeProfitPct  decimal.Decimal
	TakeProfit2Pct decimal.Decimal
}

// DefaultPolicy returns the engine defaults: 1.5% stop loss, 3% first take
// profit, 4.5% second take profit.
func DefaultPolicy() FixedLevelPolicy {
	return FixedLevelPolicy{
		StopLossPct:    decimal.RequireFromString("0.015"),
		TakeProfitPct:  decimal.RequireFromString("0.03"),
		TakeProfit2Pct: decimal.RequireFromString("0.045"),
	}
}

// Levels places the stop on the losing side of the entry and the take
// profits on the winning side, mirrored for shorts.
func (p FixedLevelPolicy) Levels(direction models.Direction, entryPrice decimal.Decimal) Levels {
	one := decimal.NewFromInt(1)
	if direction.IsLong() {
		return Levels{
			StopLoss:    entryPrice.Mul(one.Sub(p.StopLossPct)),
			TakeProfit:  entryPrice.Mul(one.Add(p.TakeProfitPct)),
			TakeProfit2: entryPrice.Mul(one.Add(p.TakeProfit2Pct)),
		}
	}
	return Levels{
		StopLoss:    entryPrice.Mul(one.Add(p.StopLossPct)),
		TakeProfit:  entryPrice.Mul(one.Sub(p.TakeProfitPct)),
		TakeProfit2: entryPrice.Mul(one.Sub(p.TakeProfit2Pct)),
	}
}
