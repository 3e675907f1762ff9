package evaluator

import (
	"time"

	"github.com/LKrysik/quantra/internal/schema"
)

// conditionState carries the runtime evaluation state of one condition:
// the latest observed value, how long the raw predicate has held
// (duration_ms), and recent firing timestamps (window_ms).
type conditionState struct {
	cond      schema.Condition
	latest    float64
	seen      bool
	trueSince schema.Nanos
	firings   []schema.Nanos
}

func newConditionState(cond schema.Condition) *conditionState {
	return &conditionState{cond: cond}
}

// Observe folds one indicator value into the state.
func (s *conditionState) Observe(value float64, ts schema.Nanos) {
	s.latest = value
	s.seen = true
	raw := s.cond.Eval(value)
	if raw {
		if s.trueSince == 0 {
			s.trueSince = ts
		}
		if s.cond.WindowMS > 0 {
			s.firings = append(s.firings, ts)
			s.pruneFirings(ts)
		}
	} else {
		s.trueSince = 0
	}
}

func (s *conditionState) pruneFirings(now schema.Nanos) {
	cutoff := now.Add(-time.Duration(s.cond.WindowMS) * time.Millisecond)
	drop := 0
	for drop < len(s.firings) && s.firings[drop] < cutoff {
		drop++
	}
	if drop > 0 {
		s.firings = append(s.firings[:0], s.firings[drop:]...)
	}
}

// Satisfied evaluates the condition at time now. duration_ms requires the
// raw predicate to have held continuously; window_ms counts any firing
// within the trailing window, even if the raw predicate has since lapsed.
func (s *conditionState) Satisfied(now schema.Nanos) bool {
	if !s.seen {
		return false
	}
	if s.cond.WindowMS > 0 {
		s.pruneFirings(now)
		return len(s.firings) > 0
	}
	if s.trueSince == 0 {
		return false
	}
	if s.cond.DurationMS <= 0 {
		return true
	}
	held := now.Sub(s.trueSince)
	return held >= time.Duration(s.cond.DurationMS)*time.Millisecond
}

// ReadyAt returns when a pending duration_ms requirement will be met,
// assuming the predicate keeps holding. ok is false when no wake is needed.
func (s *conditionState) ReadyAt(now schema.Nanos) (schema.Nanos, bool) {
	if s.cond.DurationMS <= 0 || s.trueSince == 0 {
		return 0, false
	}
	ready := s.trueSince.Add(time.Duration(s.cond.DurationMS) * time.Millisecond)
	if ready <= now {
		return 0, false
	}
	return ready, true
}

// Reset clears runtime state for a fresh evaluation cycle.
func (s *conditionState) Reset() {
	s.seen = false
	s.trueSince = 0
	s.firings = s.firings[:0]
}

// conditionSet groups the states of one strategy section.
type conditionSet struct {
	states []*conditionState
}

func newConditionSet(conditions []schema.Condition) *conditionSet {
	set := &conditionSet{states: make([]*conditionState, 0, len(conditions))}
	for _, cond := range conditions {
		set.states = append(set.states, newConditionState(cond))
	}
	return set
}

// Observe routes one indicator value to every condition on that variant.
func (c *conditionSet) Observe(variantID string, value float64, ts schema.Nanos) {
	for _, state := range c.states {
		if state.cond.VariantID == variantID {
			state.Observe(value, ts)
		}
	}
}

// AllSatisfied is the AND combinator (S1, Z1). Empty sets are satisfied.
func (c *conditionSet) AllSatisfied(now schema.Nanos) bool {
	for _, state := range c.states {
		if !state.Satisfied(now) {
			return false
		}
	}
	return true
}

// AnySatisfied is the OR combinator (O1, ZE1, E1). Empty sets never fire.
func (c *conditionSet) AnySatisfied(now schema.Nanos) (schema.Condition, bool) {
	for _, state := range c.states {
		if state.Satisfied(now) {
			return state.cond, true
		}
	}
	return schema.Condition{}, false
}

// Values snapshots the latest observed value per variant.
func (c *conditionSet) Values() map[string]float64 {
	out := make(map[string]float64, len(c.states))
	for _, state := range c.states {
		if state.seen {
			out[state.cond.VariantID] = state.latest
		}
	}
	return out
}

// NextReady returns the earliest pending duration wake across the set.
func (c *conditionSet) NextReady(now schema.Nanos) (schema.Nanos, bool) {
	var best schema.Nanos
	found := false
	for _, state := range c.states {
		if ready, ok := state.ReadyAt(now); ok && (!found || ready < best) {
			best = ready
			found = true
		}
	}
	return best, found
}

// Reset clears every condition in the set.
func (c *conditionSet) Reset() {
	for _, state := range c.states {
		state.Reset()
	}
}
