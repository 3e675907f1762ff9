// Package order executes entries and exits for strategy evaluators, owns
// position state, and emits order.* and position.* events. Money is decimal
// end to end.
package order

import (
	"github.com/shopspring/decimal"

	"github.com/LKrysik/quantra/internal/schema"
)

var (
	one     = decimal.NewFromInt(1)
	hundred = decimal.NewFromInt(100)
)

// LiquidationPrice returns the price at which a position's margin is
// exhausted: entry*(1 - 1/L) long, entry*(1 + 1/L) short, rounded to cents.
// A 1x short has no liquidation level; ok is false. A 1x long liquidates
// only at zero.
func LiquidationPrice(entry decimal.Decimal, leverage float64, direction schema.Direction) (decimal.Decimal, bool) {
	if leverage < 1 {
		leverage = 1
	}
	lev := decimal.NewFromFloat(leverage)
	inv := one.Div(lev)
	if direction == schema.DirectionShort {
		if leverage == 1 {
			return decimal.Zero, false
		}
		return entry.Mul(one.Add(inv)).Round(2), true
	}
	return entry.Mul(one.Sub(inv)).Round(2), true
}

// UnrealizedPnl is the mark-to-market profit of a position in quote
// currency.
func UnrealizedPnl(entry, mark, quantity decimal.Decimal, direction schema.Direction) decimal.Decimal {
	diff := mark.Sub(entry)
	if direction == schema.DirectionShort {
		diff = entry.Sub(mark)
	}
	return diff.Mul(quantity)
}

// Margin is the capital backing a position: notional divided by leverage.
func Margin(entry, quantity decimal.Decimal, leverage float64) decimal.Decimal {
	if leverage < 1 {
		leverage = 1
	}
	return entry.Mul(quantity).Div(decimal.NewFromFloat(leverage))
}

// PnlPct is the leveraged return on margin in percent. Zero margin yields
// zero rather than a division blowup.
func PnlPct(pnl, margin decimal.Decimal) float64 {
	if margin.IsZero() {
		return 0
	}
	pct, _ := pnl.Div(margin).Mul(hundred).Float64()
	return pct
}

// BracketPrices derives stop-loss and take-profit trigger prices from the
// entry fill. Disabled triggers return zero decimals.
func BracketPrices(entry decimal.Decimal, direction schema.Direction, stopLoss, takeProfit schema.OffsetTrigger) (sl, tp decimal.Decimal) {
	if stopLoss.Enabled {
		offset := entry.Mul(decimal.NewFromFloat(stopLoss.OffsetPercent)).Div(hundred)
		if direction == schema.DirectionShort {
			sl = entry.Add(offset)
		} else {
			sl = entry.Sub(offset)
		}
	}
	if takeProfit.Enabled {
		offset := entry.Mul(decimal.NewFromFloat(takeProfit.OffsetPercent)).Div(hundred)
		if direction == schema.DirectionShort {
			tp = entry.Sub(offset)
		} else {
			tp = entry.Add(offset)
		}
	}
	return sl, tp
}

// bracketHit reports whether the mark price crossed a bracket trigger.
func bracketHit(mark, trigger decimal.Decimal, direction schema.Direction, isStopLoss bool) bool {
	if trigger.IsZero() {
		return false
	}
	long := direction == schema.DirectionLong
	// Long stop loss and short take profit trigger from above; the other two
	// from below.
	if long == isStopLoss {
		return mark.LessThanOrEqual(trigger)
	}
	return mark.GreaterThanOrEqual(trigger)
}

// liquidationHit reports whether the mark reached the liquidation level.
func liquidationHit(position schema.Position, mark decimal.Decimal) bool {
	if !position.HasLiquidation {
		return false
	}
	if position.Direction == schema.DirectionShort {
		return mark.GreaterThanOrEqual(position.LiquidationPrice)
	}
	if position.LiquidationPrice.IsZero() {
		// 1x long: only an actual zero print liquidates.
		return mark.LessThanOrEqual(decimal.Zero)
	}
	return mark.LessThanOrEqual(position.LiquidationPrice)
}
