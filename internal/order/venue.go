package order

import (
	"context"

	"github.com/shopspring/decimal"

	"github.com/LKrysik/quantra/internal/schema"
)

// Quote is the latest observed market for a symbol.
type Quote struct {
	Bid decimal.Decimal
	Ask decimal.Decimal
	Mid decimal.Decimal
	TS  schema.Nanos
}

// PriceSource serves the latest quote per symbol.
type PriceSource interface {
	LastQuote(symbol string) (Quote, bool)
}

// Request is a market order submission to a venue.
type Request struct {
	OrderID  string
	Symbol   string
	Side     schema.OrderSide
	Quantity decimal.Decimal
	Leverage float64
}

// Result is the venue's execution report.
type Result struct {
	FilledQuantity decimal.Decimal
	AvgFillPrice   decimal.Decimal
	Commission     decimal.Decimal
}

// Venue executes orders. Paper and live implementations share this surface.
type Venue interface {
	Name() string
	PlaceMarketOrder(ctx context.Context, req Request) (Result, error)
	CancelOrder(ctx context.Context, symbol, orderID string) error
}
