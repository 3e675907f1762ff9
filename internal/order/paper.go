package order

import (
	"context"
	"log"

	"github.com/shopspring/decimal"

	"github.com/LKrysik/quantra/errs"
	"github.com/LKrysik/quantra/internal/bus"
	"github.com/LKrysik/quantra/internal/schema"
)

// Paper simulates execution against live market data: fills land at the
// current mid shifted by a fixed slippage, depth is ignored, and commission
// is charged on notional.
type Paper struct {
	prices        PriceSource
	slippage      decimal.Decimal // fractional, e.g. 0.0005 for 5 bps
	commissionPct decimal.Decimal
}

// NewPaper builds a paper venue over the given price source.
func NewPaper(prices PriceSource, slippageBps, commissionPct float64) (*Paper, error) {
	if prices == nil {
		return nil, errs.New("order/paper", errs.CodeValidation, errs.WithMessage("price source required"))
	}
	return &Paper{
		prices:        prices,
		slippage:      decimal.NewFromFloat(slippageBps).Div(decimal.NewFromInt(10_000)),
		commissionPct: decimal.NewFromFloat(commissionPct),
	}, nil
}

func (p *Paper) Name() string { return "paper" }

// PlaceMarketOrder fills immediately at mid plus slippage against the
// order's side.
func (p *Paper) PlaceMarketOrder(_ context.Context, req Request) (Result, error) {
	quote, ok := p.prices.LastQuote(req.Symbol)
	if !ok || quote.Mid.IsZero() {
		return Result{}, errs.New("order/paper", errs.CodePrecondition,
			errs.WithMessage("no market data for symbol"), errs.WithField("symbol", req.Symbol))
	}
	if req.Quantity.LessThanOrEqual(decimal.Zero) {
		return Result{}, errs.New("order/paper", errs.CodeValidation,
			errs.WithMessage("quantity must be positive"), errs.WithField("order_id", req.OrderID))
	}

	slip := quote.Mid.Mul(p.slippage)
	fill := quote.Mid.Add(slip)
	if req.Side == schema.SideSell {
		fill = quote.Mid.Sub(slip)
	}
	notional := fill.Mul(req.Quantity)
	commission := notional.Mul(p.commissionPct).Div(hundred)
	return Result{
		FilledQuantity: req.Quantity,
		AvgFillPrice:   fill,
		Commission:     commission,
	}, nil
}

// CancelOrder is a no-op: paper fills are immediate, so there is never a
// resting order to cancel.
func (p *Paper) CancelOrder(context.Context, string, string) error { return nil }

var _ Venue = (*Paper)(nil)

// quoteProxy defers price-source resolution until after the manager exists.
// The paper venue prices fills off the manager's own quote cache, which
// creates a construction cycle this indirection breaks.
type quoteProxy struct{ src PriceSource }

func (p *quoteProxy) LastQuote(symbol string) (Quote, bool) {
	if p.src == nil {
		return Quote{}, false
	}
	return p.src.LastQuote(symbol)
}

// NewPaperManager builds a manager backed by a paper venue that fills at the
// manager's own last quote.
func NewPaperManager(cfg Config, b *bus.Bus, slippageBps, commissionPct float64, logger *log.Logger) (*Manager, error) {
	proxy := &quoteProxy{}
	venue, err := NewPaper(proxy, slippageBps, commissionPct)
	if err != nil {
		return nil, err
	}
	mgr, err := New(cfg, b, venue, logger)
	if err != nil {
		return nil, err
	}
	proxy.src = mgr
	return mgr, nil
}
