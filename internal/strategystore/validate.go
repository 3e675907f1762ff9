package strategystore

import (
	"fmt"
	"strings"

	"github.com/LKrysik/quantra/errs"
	"github.com/LKrysik/quantra/internal/indicator"
	"github.com/LKrysik/quantra/internal/schema"
)

// Leverage bounds. Definitions above the hard cap are rejected; above the
// advisory cap they load with a warning.
const (
	MaxLeverage      = 10.0
	AdvisoryLeverage = 3.0
)

// Validator checks strategy definitions against structural rules and the
// indicator catalog.
type Validator struct {
	Catalog *indicator.Catalog
}

// NewValidator builds a validator over the given catalog, defaulting to the
// built-in catalog when nil.
func NewValidator(catalog *indicator.Catalog) *Validator {
	if catalog == nil {
		catalog = indicator.DefaultCatalog()
	}
	return &Validator{Catalog: catalog}
}

func invalid(msg string, fields map[string]any) error {
	return errs.New("strategystore/validate", errs.CodeValidation,
		errs.WithMessage(msg), errs.WithFields(fields))
}

// Validate checks a definition. It returns advisory warnings alongside a nil
// error for definitions that load but deserve operator attention.
func (v *Validator) Validate(def schema.Strategy) ([]string, error) {
	if strings.TrimSpace(def.Name) == "" {
		return nil, invalid("strategy_name required", nil)
	}
	switch def.Direction {
	case schema.DirectionLong, schema.DirectionShort:
	default:
		return nil, invalid("direction must be LONG or SHORT",
			map[string]any{"direction": string(def.Direction)})
	}

	if len(def.Signal.Conditions) == 0 {
		return nil, invalid("s1_signal requires at least one condition", nil)
	}
	// A position must always have a way out.
	if len(def.Close.Conditions) == 0 && len(def.EmergencyExit.Conditions) == 0 {
		return nil, invalid("ze1_close or emergency_exit must define at least one condition", nil)
	}

	for section, conditions := range def.Sections() {
		for i, cond := range conditions {
			if err := cond.Validate(); err != nil {
				return nil, errs.New("strategystore/validate", errs.CodeValidation,
					errs.WithMessage(fmt.Sprintf("%s condition %d invalid", section, i)),
					errs.WithCause(err))
			}
			if !v.Catalog.Knows(cond.VariantID) {
				return nil, invalid("unknown indicator variant", map[string]any{
					"section":    section,
					"variant_id": cond.VariantID,
				})
			}
		}
	}

	if def.Cancel.TimeoutSeconds < 0 {
		return nil, invalid("o1_cancel.timeoutSeconds must be non-negative",
			map[string]any{"timeout_seconds": def.Cancel.TimeoutSeconds})
	}
	if def.Cancel.CooldownMinutes < 0 || def.EmergencyExit.CooldownMinutes < 0 ||
		def.GlobalLimits.CooldownMinutes < 0 {
		return nil, invalid("cooldown minutes must be non-negative", nil)
	}

	entry := def.Entry
	switch entry.PositionSize.Type {
	case schema.SizeFixed:
		if entry.PositionSize.Value <= 0 {
			return nil, invalid("fixed position size must be positive",
				map[string]any{"value": entry.PositionSize.Value})
		}
	case schema.SizePercentage:
		if entry.PositionSize.Value <= 0 || entry.PositionSize.Value > 100 {
			return nil, invalid("percentage position size must be in (0, 100]",
				map[string]any{"value": entry.PositionSize.Value})
		}
	default:
		return nil, invalid("position size type must be fixed or percentage",
			map[string]any{"type": string(entry.PositionSize.Type)})
	}

	if entry.Leverage < 1 || entry.Leverage > MaxLeverage {
		return nil, invalid("leverage out of range [1, 10]",
			map[string]any{"leverage": entry.Leverage})
	}
	maxLev := def.GlobalLimits.MaxLeverage
	if maxLev > 0 && entry.Leverage > maxLev {
		return nil, invalid("leverage exceeds global_limits.max_leverage",
			map[string]any{"leverage": entry.Leverage, "max_leverage": maxLev})
	}

	if entry.StopLoss.Enabled && (entry.StopLoss.OffsetPercent <= 0 || entry.StopLoss.OffsetPercent >= 100) {
		return nil, invalid("stop loss offset must be in (0, 100)",
			map[string]any{"offset_percent": entry.StopLoss.OffsetPercent})
	}
	if entry.TakeProfit.Enabled && entry.TakeProfit.OffsetPercent <= 0 {
		return nil, invalid("take profit offset must be positive",
			map[string]any{"offset_percent": entry.TakeProfit.OffsetPercent})
	}

	limits := def.GlobalLimits
	if limits.MaxDailyTrades < 0 || limits.MaxConcurrentPositions < 0 {
		return nil, invalid("global limits must be non-negative", nil)
	}
	if limits.DailyLossLimitPct < 0 || limits.DailyLossLimitPct > 100 {
		return nil, invalid("daily_loss_limit_pct must be in [0, 100]",
			map[string]any{"daily_loss_limit_pct": limits.DailyLossLimitPct})
	}

	var warnings []string
	if entry.Leverage > AdvisoryLeverage {
		warnings = append(warnings,
			fmt.Sprintf("leverage %.1f exceeds advisory cap %.1f", entry.Leverage, AdvisoryLeverage))
	}
	if !entry.StopLoss.Enabled && len(def.EmergencyExit.Conditions) == 0 {
		warnings = append(warnings, "no stop loss and no emergency exit conditions")
	}
	return warnings, nil
}
