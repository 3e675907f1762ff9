package evaluator

import (
	"sync"
	"time"

	"github.com/LKrysik/quantra/internal/schema"
)

// Entry block reasons carried on entry.conditions_failed events.
const (
	ReasonMaxDailyTrades         = "max_daily_trades"
	ReasonDailyLossLimit         = "daily_loss_limit"
	ReasonMaxConcurrentPositions = "max_concurrent_positions"
)

// LimitsGuard tracks per-strategy daily activity against global limits.
// Counters roll over at UTC midnight. The limits are per strategy, not per
// symbol, so one guard is shared by every per-symbol evaluator of a strategy
// and all methods lock.
type LimitsGuard struct {
	limits    schema.GlobalLimits
	budgetUSD float64

	mu            sync.Mutex
	day           string
	dailyTrades   int
	dailyPnlUSD   float64
	openPositions int
}

// NewLimitsGuard builds a guard for one strategy's global limits.
func NewLimitsGuard(limits schema.GlobalLimits, budgetUSD float64) *LimitsGuard {
	return &LimitsGuard{limits: limits, budgetUSD: budgetUSD}
}

// rollLocked resets daily counters on a UTC day change. Caller holds g.mu.
func (g *LimitsGuard) rollLocked(now schema.Nanos) {
	day := now.Time().UTC().Format(time.DateOnly)
	if day != g.day {
		g.day = day
		g.dailyTrades = 0
		g.dailyPnlUSD = 0
	}
}

// CheckEntry returns a block reason when opening a position now would
// violate a limit. Zero-valued limits are unlimited.
func (g *LimitsGuard) CheckEntry(now schema.Nanos) (string, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.rollLocked(now)
	if g.limits.MaxDailyTrades > 0 && g.dailyTrades >= g.limits.MaxDailyTrades {
		return ReasonMaxDailyTrades, false
	}
	if g.limits.DailyLossLimitPct > 0 && g.budgetUSD > 0 {
		lossLimit := g.budgetUSD * g.limits.DailyLossLimitPct / 100
		if -g.dailyPnlUSD >= lossLimit {
			return ReasonDailyLossLimit, false
		}
	}
	if g.limits.MaxConcurrentPositions > 0 && g.openPositions >= g.limits.MaxConcurrentPositions {
		return ReasonMaxConcurrentPositions, false
	}
	return "", true
}

// RecordOpened counts an opened position against the daily trade cap.
func (g *LimitsGuard) RecordOpened(now schema.Nanos) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.rollLocked(now)
	g.dailyTrades++
	g.openPositions++
}

// RecordClosed folds realized PnL into the daily loss tracker.
func (g *LimitsGuard) RecordClosed(now schema.Nanos, realizedPnlUSD float64) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.rollLocked(now)
	if g.openPositions > 0 {
		g.openPositions--
	}
	g.dailyPnlUSD += realizedPnlUSD
}
