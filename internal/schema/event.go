// Package schema defines canonical event, tick and strategy types shared by
// every engine component.
package schema

import (
	"strings"

	"github.com/LKrysik/quantra/errs"
)

// Topic names follow "domain.action". The bus matches subscription patterns
// against these with an optional trailing wildcard segment ("market.*").
const (
	TopicMarketPrice     = "market.price_update"
	TopicMarketTrade     = "market.trade"
	TopicMarketOrderbook = "market.orderbook"

	TopicIndicatorUpdated = "indicator.updated"

	TopicSignalDetected  = "signal.detected"
	TopicSignalCancelled = "signal.cancelled"

	TopicEntrySubmitted = "entry.submitted"
	TopicEntryBlocked   = "entry.conditions_failed"
	TopicExitSubmitted  = "exit.submitted"

	TopicOrderCreated   = "order.created"
	TopicOrderPartial   = "order.partial"
	TopicOrderFilled    = "order.filled"
	TopicOrderCancelled = "order.cancelled"
	TopicOrderRejected  = "order.rejected"
	TopicOrderFailed    = "order.failed"

	TopicPositionOpened  = "position.opened"
	TopicPositionUpdated = "position.updated"
	TopicPositionClosed  = "position.closed"

	TopicRiskLimitBreached = "risk.limit_breached"

	TopicStateTransition = "state_machine.transition"

	TopicSessionStarted = "session.started"
	TopicSessionStopped = "session.stopped"

	TopicExchangeReconnected = "exchange.reconnected"

	TopicSystemGap   = "system.gap"
	TopicSystemError = "system.error"
)

// ValidateTopic ensures a topic is non-empty lowercase dotted segments.
func ValidateTopic(topic string) error {
	trimmed := strings.TrimSpace(topic)
	if trimmed == "" {
		return errs.New("schema/topic", errs.CodeValidation, errs.WithMessage("topic required"))
	}
	for _, segment := range strings.Split(trimmed, ".") {
		if segment == "" {
			return errs.New("schema/topic", errs.CodeValidation, errs.WithMessage("empty topic segment"))
		}
		for _, ch := range segment {
			if ch >= 'a' && ch <= 'z' || ch >= '0' && ch <= '9' || ch == '_' {
				continue
			}
			return errs.New("schema/topic", errs.CodeValidation,
				errs.WithMessage("topic segments must be lowercase alphanumeric"),
				errs.WithField("topic", trimmed))
		}
	}
	return nil
}

// Event is the canonical envelope carried on the bus.
// TS and Seq are assigned by the bus at publish time; Seq is monotonic per
// (topic, source) which gives subscribers FIFO detection.
type Event struct {
	Topic     string `json:"topic"`
	TS        Nanos  `json:"ts"`
	Seq       uint64 `json:"seq"`
	Source    string `json:"source"`
	SessionID string `json:"session_id,omitempty"`
	Symbol    string `json:"symbol,omitempty"`
	Payload   any    `json:"payload,omitempty"`
}

// Tick is a normalized per-symbol market data sample.
// TS is monotonic per symbol; the gateway enforces this.
type Tick struct {
	Symbol      string  `json:"symbol"`
	TS          Nanos   `json:"ts"`
	Open        float64 `json:"open"`
	High        float64 `json:"high"`
	Low         float64 `json:"low"`
	Close       float64 `json:"close"`
	Volume      float64 `json:"volume"`
	TradesCount int64   `json:"trades_count"`
	VWAP        float64 `json:"vwap,omitempty"`
}

// Trade is a single normalized execution on the venue tape.
type Trade struct {
	Symbol   string  `json:"symbol"`
	TS       Nanos   `json:"ts"`
	Price    float64 `json:"price"`
	Quantity float64 `json:"quantity"`
	IsBuyer  bool    `json:"is_buyer"`
}

// BookLevel is one price level of an orderbook snapshot.
type BookLevel struct {
	Price    float64 `json:"price"`
	Quantity float64 `json:"quantity"`
}

// OrderbookSnapshot is a normalized top-of-book snapshot.
type OrderbookSnapshot struct {
	Symbol string      `json:"symbol"`
	TS     Nanos       `json:"ts"`
	Bids   []BookLevel `json:"bids"`
	Asks   []BookLevel `json:"asks"`
}

// IndicatorValue is one emission of a variant for a symbol.
// Value carries the primary scalar; composite variants additionally populate
// Fields (e.g. Bollinger upper/mid/lower) with Value set to the primary field.
type IndicatorValue struct {
	VariantID string             `json:"variant_id"`
	Symbol    string             `json:"symbol"`
	TS        Nanos              `json:"ts"`
	Value     float64            `json:"value"`
	Fields    map[string]float64 `json:"fields,omitempty"`
	Metadata  map[string]string  `json:"metadata,omitempty"`
}

// Signal records an S1 section firing.
type Signal struct {
	SignalID         string             `json:"signal_id"`
	StrategyID       string             `json:"strategy_id"`
	Symbol           string             `json:"symbol"`
	TS               Nanos              `json:"ts"`
	TriggeringValues map[string]float64 `json:"triggering_values"`
}

// SignalCancelled records an O1 cancellation (timer or condition).
type SignalCancelled struct {
	SignalID   string `json:"signal_id"`
	StrategyID string `json:"strategy_id"`
	Symbol     string `json:"symbol"`
	TS         Nanos  `json:"ts"`
	Reason     string `json:"reason"`
}

// EntryBlocked reports a global-limits guard rejection before order submission.
type EntryBlocked struct {
	StrategyID string `json:"strategy_id"`
	Symbol     string `json:"symbol"`
	TS         Nanos  `json:"ts"`
	Reason     string `json:"reason"`
}

// StateTransition records one strategy instance state machine move.
type StateTransition struct {
	StrategyID string `json:"strategy_id"`
	Symbol     string `json:"symbol"`
	From       string `json:"from"`
	To         string `json:"to"`
	TS         Nanos  `json:"ts"`
	Reason     string `json:"reason,omitempty"`
}

// Gap marks lost events on a subscription or a feed interruption.
// Dropped is a cumulative, monotonically increasing counter.
type Gap struct {
	Source  string `json:"source"`
	Dropped uint64 `json:"dropped"`
	FromTS  Nanos  `json:"from_ts,omitempty"`
	ToTS    Nanos  `json:"to_ts,omitempty"`
}

// Reconnected announces a venue feed reconnect after backoff.
type Reconnected struct {
	Venue    string `json:"venue"`
	Attempts int    `json:"attempts"`
	DownFor  int64  `json:"down_for_ms"`
}

// SystemError is emitted on fatal evaluator or component failures.
type SystemError struct {
	Scope   string `json:"scope"`
	Code    string `json:"code"`
	Message string `json:"message"`
	TS      Nanos  `json:"ts"`
}
