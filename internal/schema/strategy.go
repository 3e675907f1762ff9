package schema

import (
	json "github.com/goccy/go-json"
)

// Direction is the trade direction a strategy takes on entry.
type Direction string

const (
	DirectionLong  Direction = "LONG"
	DirectionShort Direction = "SHORT"
)

// PositionSizeType selects how z1_entry sizes the position.
type PositionSizeType string

const (
	// SizeFixed interprets Value as a quote-currency notional.
	SizeFixed PositionSizeType = "fixed"
	// SizePercentage interprets Value as a percentage of the session budget cap.
	SizePercentage PositionSizeType = "percentage"
)

// PositionSize configures entry sizing.
type PositionSize struct {
	Type  PositionSizeType `json:"type"`
	Value float64          `json:"value"`
}

// OffsetTrigger configures a stop-loss or take-profit offset from entry.
type OffsetTrigger struct {
	Enabled       bool    `json:"enabled"`
	OffsetPercent float64 `json:"offsetPercent"`
}

// SignalSection is S1: all conditions must hold (AND) to emit a signal.
type SignalSection struct {
	Conditions []Condition `json:"conditions"`
}

// CancelSection is O1: a timeout plus OR-conditions that abandon a signal.
// TimeoutSeconds == 0 disables the timer; only conditions can cancel.
type CancelSection struct {
	TimeoutSeconds  int         `json:"timeoutSeconds"`
	Conditions      []Condition `json:"conditions"`
	CooldownMinutes int         `json:"cooldownMinutes"`
}

// EntrySection is Z1: AND-conditions gating entry, plus sizing and brackets.
type EntrySection struct {
	Conditions   []Condition   `json:"conditions"`
	PositionSize PositionSize  `json:"positionSize"`
	Leverage     float64       `json:"leverage"`
	StopLoss     OffsetTrigger `json:"stopLoss"`
	TakeProfit   OffsetTrigger `json:"takeProfit"`
}

// CloseSection is ZE1: OR-conditions triggering a normal close.
type CloseSection struct {
	Conditions []Condition `json:"conditions"`
}

// EmergencySection is E1: OR-conditions that preempt everything while a
// position is active, with its own (long) cooldown.
type EmergencySection struct {
	Conditions      []Condition       `json:"conditions"`
	CooldownMinutes int               `json:"cooldownMinutes"`
	Actions         map[string]string `json:"actions,omitempty"`
}

// GlobalLimits caps strategy activity across a trading day.
type GlobalLimits struct {
	MaxDailyTrades         int     `json:"max_daily_trades"`
	DailyLossLimitPct      float64 `json:"daily_loss_limit_pct"`
	MaxConcurrentPositions int     `json:"max_concurrent_positions"`
	CooldownMinutes        int     `json:"cooldown_minutes"`
	MaxLeverage            float64 `json:"max_leverage"`
}

// Strategy is the five-section declarative strategy definition, persisted as
// JSON in the form of the external schema.
type Strategy struct {
	Name          string           `json:"strategy_name"`
	Direction     Direction        `json:"direction"`
	Signal        SignalSection    `json:"s1_signal"`
	Cancel        CancelSection    `json:"o1_cancel"`
	Entry         EntrySection     `json:"z1_entry"`
	Close         CloseSection     `json:"ze1_close"`
	EmergencyExit EmergencySection `json:"emergency_exit"`
	GlobalLimits  GlobalLimits     `json:"global_limits"`
	Enabled       bool             `json:"enabled"`
}

// DecodeStrategy parses the persisted JSON form.
func DecodeStrategy(data []byte) (Strategy, error) {
	var def Strategy
	if err := json.Unmarshal(data, &def); err != nil {
		return Strategy{}, err
	}
	return def, nil
}

// EncodeStrategy renders the persisted JSON form.
func EncodeStrategy(def Strategy) ([]byte, error) {
	return json.Marshal(def)
}

// Sections returns the condition lists of all five sections in a stable order.
func (s Strategy) Sections() map[string][]Condition {
	return map[string][]Condition{
		"s1_signal":      s.Signal.Conditions,
		"o1_cancel":      s.Cancel.Conditions,
		"z1_entry":       s.Entry.Conditions,
		"ze1_close":      s.Close.Conditions,
		"emergency_exit": s.EmergencyExit.Conditions,
	}
}

// VariantIDs collects every indicator variant referenced by any section.
func (s Strategy) VariantIDs() []string {
	seen := make(map[string]struct{})
	var ids []string
	for _, conditions := range s.Sections() {
		for _, c := range conditions {
			if _, ok := seen[c.VariantID]; ok {
				continue
			}
			seen[c.VariantID] = struct{}{}
			ids = append(ids, c.VariantID)
		}
	}
	return ids
}
