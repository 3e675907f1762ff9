// Package evaluator runs the per-strategy five-phase state machine:
// signal detection, cancellation, entry evaluation, position management and
// emergency exit, with cooldowns between cycles.
package evaluator

// State is the strategy instance lifecycle state.
type State string

const (
	StateMonitoring      State = "MONITORING"
	StateSignalDetected  State = "SIGNAL_DETECTED"
	StateEntryEvaluation State = "ENTRY_EVALUATION"
	StatePositionActive  State = "POSITION_ACTIVE"
	StateExited          State = "EXITED"
	StateEmergencyExit   State = "EMERGENCY_EXIT"
	StateCooldown        State = "COOLDOWN"
)

// validTransitions is the closed set of permitted moves. Anything else is a
// programming error surfaced loudly in transition().
var validTransitions = map[State][]State{
	StateMonitoring:      {StateSignalDetected},
	StateSignalDetected:  {StateEntryEvaluation, StateCooldown, StateMonitoring},
	StateEntryEvaluation: {StatePositionActive, StateEmergencyExit, StateCooldown},
	StatePositionActive:  {StateExited, StateEmergencyExit},
	StateExited:          {StateCooldown},
	StateEmergencyExit:   {StateCooldown},
	StateCooldown:        {StateMonitoring},
}

func canTransition(from, to State) bool {
	for _, next := range validTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}
