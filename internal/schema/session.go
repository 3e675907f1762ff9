package schema

// SessionStatus is the lifecycle state of a trading session.
type SessionStatus string

const (
	SessionCreated  SessionStatus = "CREATED"
	SessionStarting SessionStatus = "STARTING"
	SessionRunning  SessionStatus = "RUNNING"
	SessionStopping SessionStatus = "STOPPING"
	SessionStopped  SessionStatus = "STOPPED"
	SessionFailed   SessionStatus = "FAILED"
)

// Terminal reports whether the session can never run again.
func (s SessionStatus) Terminal() bool {
	return s == SessionStopped || s == SessionFailed
}

// Session describes one trading session. Mode is "paper", "live" or
// "backtest"; the controller owns the lifecycle and the budget cap is
// enforced by the order layer bound to this session.
type Session struct {
	SessionID  string        `json:"session_id"`
	Mode       string        `json:"mode"`
	Symbols    []string      `json:"symbols"`
	Strategies []string      `json:"strategies,omitempty"`
	BudgetUSD  float64       `json:"budget_usd"`
	Status     SessionStatus `json:"status"`
	StartedAt  Nanos         `json:"started_at,omitempty"`
	StoppedAt  Nanos         `json:"stopped_at,omitempty"`
	Error      string        `json:"error,omitempty"`
}
