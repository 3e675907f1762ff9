package schema

import (
	"github.com/shopspring/decimal"
)

// OrderSide is the venue-facing side of an order.
type OrderSide string

const (
	SideBuy  OrderSide = "BUY"
	SideSell OrderSide = "SELL"
)

// EntrySide maps a strategy direction to the opening order side.
func EntrySide(d Direction) OrderSide {
	if d == DirectionShort {
		return SideSell
	}
	return SideBuy
}

// ExitSide maps a strategy direction to the closing order side.
func ExitSide(d Direction) OrderSide {
	if d == DirectionShort {
		return SideBuy
	}
	return SideSell
}

// OrderType is the execution type.
type OrderType string

const (
	OrderMarket OrderType = "MARKET"
	OrderLimit  OrderType = "LIMIT"
)

// OrderStatus is the order lifecycle state.
type OrderStatus string

const (
	OrderStatusNew             OrderStatus = "NEW"
	OrderStatusPartiallyFilled OrderStatus = "PARTIALLY_FILLED"
	OrderStatusFilled          OrderStatus = "FILLED"
	OrderStatusCancelled       OrderStatus = "CANCELLED"
	OrderStatusRejected        OrderStatus = "REJECTED"
	// OrderStatusExpired marks orders the venue expired (time-in-force or
	// deadline) without a fill.
	OrderStatusExpired OrderStatus = "EXPIRED"
	OrderStatusFailed  OrderStatus = "FAILED"
)

// Terminal reports whether no further updates can arrive for the order.
func (s OrderStatus) Terminal() bool {
	switch s {
	case OrderStatusFilled, OrderStatusCancelled, OrderStatusRejected,
		OrderStatusExpired, OrderStatusFailed:
		return true
	default:
		return false
	}
}

// OrderIntent distinguishes why an order was submitted.
type OrderIntent string

const (
	IntentEntry         OrderIntent = "entry"
	IntentExit          OrderIntent = "exit"
	IntentEmergencyExit OrderIntent = "emergency_exit"
	IntentStopLoss      OrderIntent = "stop_loss"
	IntentTakeProfit    OrderIntent = "take_profit"
)

// Order is the canonical order record carried on order.* events and
// persisted by the order store. Monetary fields are decimals; float64 never
// touches money.
type Order struct {
	OrderID        string          `json:"order_id"`
	ClientOrderID  string          `json:"client_order_id,omitempty"`
	SessionID      string          `json:"session_id"`
	StrategyID     string          `json:"strategy_id"`
	Symbol         string          `json:"symbol"`
	Side           OrderSide       `json:"side"`
	Type           OrderType       `json:"type"`
	Intent         OrderIntent     `json:"intent"`
	Status         OrderStatus     `json:"status"`
	Quantity       decimal.Decimal `json:"quantity"`
	FilledQuantity decimal.Decimal `json:"filled_quantity"`
	AvgFillPrice   decimal.Decimal `json:"avg_fill_price"`
	Commission     decimal.Decimal `json:"commission"`
	Reason         string          `json:"reason,omitempty"`
	CreatedAt      Nanos           `json:"created_at"`
	UpdatedAt      Nanos           `json:"updated_at"`
}

// PositionStatus is the position lifecycle state.
type PositionStatus string

const (
	PositionOpen   PositionStatus = "OPEN"
	PositionClosed PositionStatus = "CLOSED"
)

// Position is the canonical position record carried on position.* events.
// HasLiquidation is false when leverage 1 leaves no liquidation level (long
// liquidates at zero, short never).
type Position struct {
	PositionID       string          `json:"position_id"`
	SessionID        string          `json:"session_id"`
	StrategyID       string          `json:"strategy_id"`
	Symbol           string          `json:"symbol"`
	Direction        Direction       `json:"direction"`
	Status           PositionStatus  `json:"status"`
	Quantity         decimal.Decimal `json:"quantity"`
	EntryPrice       decimal.Decimal `json:"entry_price"`
	MarkPrice        decimal.Decimal `json:"mark_price"`
	Leverage         float64         `json:"leverage"`
	LiquidationPrice decimal.Decimal `json:"liquidation_price"`
	HasLiquidation   bool            `json:"has_liquidation"`
	StopLossPrice    decimal.Decimal `json:"stop_loss_price"`
	TakeProfitPrice  decimal.Decimal `json:"take_profit_price"`
	UnrealizedPnl    decimal.Decimal `json:"unrealized_pnl"`
	RealizedPnl      decimal.Decimal `json:"realized_pnl"`
	// PnlPct is the leveraged return on margin in percent, derived for
	// condition evaluation (pnl_pct runtime variant).
	PnlPct    float64 `json:"pnl_pct"`
	OpenedAt  Nanos   `json:"opened_at"`
	ClosedAt  Nanos   `json:"closed_at,omitempty"`
	UpdatedAt Nanos   `json:"updated_at"`
}
