package order

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/sourcegraph/conc"

	"github.com/LKrysik/quantra/errs"
	"github.com/LKrysik/quantra/internal/bus"
	"github.com/LKrysik/quantra/internal/evaluator"
	"github.com/LKrysik/quantra/internal/schema"
)

// Config tunes the order manager.
type Config struct {
	SessionID      string
	BudgetUSD      float64
	SubmitDeadline time.Duration
	// CoalesceWindow bounds position.updated publish frequency per position.
	CoalesceWindow time.Duration
	// PnlPctEpsilon suppresses position.updated when the pnl moved less.
	PnlPctEpsilon float64
	QueueSize     int
	Clock         func() schema.Nanos
}

func (c Config) normalize() Config {
	if c.SubmitDeadline <= 0 {
		c.SubmitDeadline = 5 * time.Second
	}
	if c.CoalesceWindow <= 0 {
		c.CoalesceWindow = 500 * time.Millisecond
	}
	if c.PnlPctEpsilon <= 0 {
		c.PnlPctEpsilon = 0.01
	}
	if c.QueueSize <= 0 {
		c.QueueSize = 1024
	}
	if c.Clock == nil {
		c.Clock = schema.Now
	}
	return c
}

// tracked couples a position with publish coalescing state.
type tracked struct {
	position    schema.Position
	lastPublish schema.Nanos
	lastPnlPct  float64
	closing     bool
}

// Manager owns order and position state for one session. Position state is
// single-writer per symbol under symbolLock; order events are keyed by order
// id as the bus source so per-order delivery stays FIFO.
type Manager struct {
	cfg    Config
	bus    *bus.Bus
	venue  Venue
	logger *log.Logger

	quoteMu sync.RWMutex
	quotes  map[string]Quote

	mu         sync.Mutex
	symbolLock map[string]*sync.Mutex
	positions  map[string]*tracked // keyed strategyID|symbol
	orders     map[string]schema.Order
	usedMargin decimal.Decimal

	ctx    context.Context
	cancel context.CancelFunc
	wg     conc.WaitGroup
}

// New builds an order manager over the given venue.
func New(cfg Config, b *bus.Bus, venue Venue, logger *log.Logger) (*Manager, error) {
	if b == nil {
		return nil, errs.New("order/new", errs.CodeValidation, errs.WithMessage("bus required"))
	}
	if venue == nil {
		return nil, errs.New("order/new", errs.CodeValidation, errs.WithMessage("venue required"))
	}
	if cfg.BudgetUSD <= 0 {
		return nil, errs.New("order/new", errs.CodeValidation, errs.WithMessage("budget must be positive"))
	}
	return &Manager{
		cfg:        cfg.normalize(),
		bus:        b,
		venue:      venue,
		logger:     logger,
		quotes:     make(map[string]Quote),
		symbolLock: make(map[string]*sync.Mutex),
		positions:  make(map[string]*tracked),
		orders:     make(map[string]schema.Order),
	}, nil
}

// LastQuote serves the latest market for a symbol. Satisfies PriceSource so
// the paper venue prices fills off the same feed.
func (m *Manager) LastQuote(symbol string) (Quote, bool) {
	m.quoteMu.RLock()
	defer m.quoteMu.RUnlock()
	quote, ok := m.quotes[symbol]
	return quote, ok
}

// Start subscribes to market data for mark-to-market and bracket triggers.
func (m *Manager) Start(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	m.ctx, m.cancel = context.WithCancel(ctx)

	sub, err := m.bus.Subscribe(m.ctx, "market.*", m.cfg.QueueSize, bus.DropOldest)
	if err != nil {
		return err
	}
	m.wg.Go(func() {
		defer sub.Close()
		for {
			evt, err := sub.Recv(m.ctx)
			if err != nil {
				return
			}
			m.onMarketEvent(evt)
		}
	})
	return nil
}

// Stop halts market data processing.
func (m *Manager) Stop() {
	if m.cancel != nil {
		m.cancel()
	}
	m.wg.Wait()
}

func (m *Manager) onMarketEvent(evt *schema.Event) {
	var symbol string
	var quote Quote
	switch payload := evt.Payload.(type) {
	case schema.Tick:
		price := decimal.NewFromFloat(payload.Close)
		if price.IsZero() {
			return
		}
		symbol = payload.Symbol
		quote = Quote{Mid: price, TS: payload.TS}
	case schema.OrderbookSnapshot:
		if len(payload.Bids) == 0 || len(payload.Asks) == 0 {
			return
		}
		bid := decimal.NewFromFloat(payload.Bids[0].Price)
		ask := decimal.NewFromFloat(payload.Asks[0].Price)
		symbol = payload.Symbol
		quote = Quote{Bid: bid, Ask: ask, Mid: bid.Add(ask).Div(decimal.NewFromInt(2)), TS: payload.TS}
	default:
		return
	}

	m.quoteMu.Lock()
	prev, ok := m.quotes[symbol]
	if !ok || quote.TS >= prev.TS {
		if quote.Bid.IsZero() && !prev.Bid.IsZero() {
			quote.Bid, quote.Ask = prev.Bid, prev.Ask
		}
		m.quotes[symbol] = quote
	}
	m.quoteMu.Unlock()

	m.markPositions(symbol, quote.Mid)
}

// markPositions re-marks every open position on the symbol, publishing
// coalesced position.updated events and firing bracket or liquidation
// closes.
func (m *Manager) markPositions(symbol string, mark decimal.Decimal) {
	lock := m.lockSymbol(symbol)
	lock.Lock()
	defer lock.Unlock()

	now := m.cfg.Clock()
	m.mu.Lock()
	var marked []*tracked
	for _, tr := range m.positions {
		if tr.position.Symbol == symbol && !tr.closing {
			marked = append(marked, tr)
		}
	}
	m.mu.Unlock()

	for _, tr := range marked {
		p := &tr.position
		p.MarkPrice = mark
		p.UnrealizedPnl = UnrealizedPnl(p.EntryPrice, mark, p.Quantity, p.Direction)
		p.PnlPct = PnlPct(p.UnrealizedPnl, Margin(p.EntryPrice, p.Quantity, p.Leverage))
		p.UpdatedAt = now

		switch {
		case liquidationHit(*p, mark):
			m.closeLocked(tr, "liquidation", schema.IntentEmergencyExit, now)
		case bracketHit(mark, p.StopLossPrice, p.Direction, true):
			m.closeLocked(tr, "stop_loss", schema.IntentStopLoss, now)
		case bracketHit(mark, p.TakeProfitPrice, p.Direction, false):
			m.closeLocked(tr, "take_profit", schema.IntentTakeProfit, now)
		default:
			if m.shouldPublish(tr, now) {
				tr.lastPublish = now
				tr.lastPnlPct = p.PnlPct
				m.publishPosition(schema.TopicPositionUpdated, *p)
			}
		}
	}
}

func (m *Manager) shouldPublish(tr *tracked, now schema.Nanos) bool {
	if tr.lastPublish == 0 {
		return true
	}
	if now.Sub(tr.lastPublish) >= m.cfg.CoalesceWindow {
		return true
	}
	delta := tr.position.PnlPct - tr.lastPnlPct
	if delta < 0 {
		delta = -delta
	}
	return delta >= m.cfg.PnlPctEpsilon
}

func (m *Manager) lockSymbol(symbol string) *sync.Mutex {
	m.mu.Lock()
	defer m.mu.Unlock()
	lock, ok := m.symbolLock[symbol]
	if !ok {
		lock = &sync.Mutex{}
		m.symbolLock[symbol] = lock
	}
	return lock
}

func positionKey(strategyID, symbol string) string { return strategyID + "|" + symbol }

// SubmitEntry opens a position for a strategy. Sizing: the position size is
// the margin committed from the session budget; notional is margin times
// leverage.
func (m *Manager) SubmitEntry(ctx context.Context, req evaluator.EntryRequest) (string, error) {
	quote, ok := m.LastQuote(req.Symbol)
	if !ok || quote.Mid.IsZero() {
		return "", errs.New("order/entry", errs.CodePrecondition,
			errs.WithMessage("no market data for symbol"), errs.WithField("symbol", req.Symbol))
	}

	margin, err := m.marginFor(req.Size)
	if err != nil {
		return "", err
	}
	leverage := req.Leverage
	if leverage < 1 {
		leverage = 1
	}
	notional := margin.Mul(decimal.NewFromFloat(leverage))
	quantity := notional.Div(quote.Mid)

	m.mu.Lock()
	if _, exists := m.positions[positionKey(req.StrategyID, req.Symbol)]; exists {
		m.mu.Unlock()
		return "", errs.New("order/entry", errs.CodeConflict,
			errs.WithMessage("position already open for strategy"),
			errs.WithField("strategy_id", req.StrategyID))
	}
	available := decimal.NewFromFloat(m.cfg.BudgetUSD).Sub(m.usedMargin)
	if margin.GreaterThan(available) {
		m.mu.Unlock()
		return "", errs.New("order/entry", errs.CodePrecondition,
			errs.WithMessage("session budget exhausted"),
			errs.WithField("available", available.String()),
			errs.WithField("requested", margin.String()))
	}
	m.usedMargin = m.usedMargin.Add(margin)
	m.mu.Unlock()

	now := m.cfg.Clock()
	ord := schema.Order{
		OrderID:    uuid.NewString(),
		SessionID:  m.cfg.SessionID,
		StrategyID: req.StrategyID,
		Symbol:     req.Symbol,
		Side:       schema.EntrySide(req.Direction),
		Type:       schema.OrderMarket,
		Intent:     schema.IntentEntry,
		Status:     schema.OrderStatusNew,
		Quantity:   quantity,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	m.recordOrder(ord)
	m.publishOrder(schema.TopicOrderCreated, ord)

	callCtx, cancel := context.WithTimeout(ctx, m.cfg.SubmitDeadline)
	defer cancel()
	result, err := m.venue.PlaceMarketOrder(callCtx, Request{
		OrderID:  ord.OrderID,
		Symbol:   req.Symbol,
		Side:     ord.Side,
		Quantity: quantity,
		Leverage: leverage,
	})
	if err != nil {
		m.releaseMargin(margin)
		m.failOrder(ord, err)
		return "", err
	}
	if result.FilledQuantity.IsZero() {
		m.releaseMargin(margin)
		ord.Status = schema.OrderStatusRejected
		ord.UpdatedAt = m.cfg.Clock()
		m.recordOrder(ord)
		m.publishOrder(schema.TopicOrderRejected, ord)
		return ord.OrderID, nil
	}

	now = m.cfg.Clock()
	if result.FilledQuantity.LessThan(quantity) {
		partial := ord
		partial.Status = schema.OrderStatusPartiallyFilled
		partial.FilledQuantity = result.FilledQuantity
		partial.AvgFillPrice = result.AvgFillPrice
		partial.UpdatedAt = now
		m.recordOrder(partial)
		m.publishOrder(schema.TopicOrderPartial, partial)
	}
	ord.Status = schema.OrderStatusFilled
	ord.FilledQuantity = result.FilledQuantity
	ord.AvgFillPrice = result.AvgFillPrice
	ord.Commission = result.Commission
	ord.UpdatedAt = now
	m.recordOrder(ord)

	m.openPosition(req, ord, leverage, now)
	m.publishOrder(schema.TopicOrderFilled, ord)
	return ord.OrderID, nil
}

func (m *Manager) marginFor(size schema.PositionSize) (decimal.Decimal, error) {
	switch size.Type {
	case schema.SizeFixed:
		return decimal.NewFromFloat(size.Value), nil
	case schema.SizePercentage:
		return decimal.NewFromFloat(m.cfg.BudgetUSD).
			Mul(decimal.NewFromFloat(size.Value)).Div(hundred), nil
	default:
		return decimal.Zero, errs.New("order/entry", errs.CodeValidation,
			errs.WithMessage("unknown position size type"),
			errs.WithField("type", string(size.Type)))
	}
}

func (m *Manager) openPosition(req evaluator.EntryRequest, ord schema.Order, leverage float64, now schema.Nanos) {
	liq, hasLiq := LiquidationPrice(ord.AvgFillPrice, leverage, req.Direction)
	sl, tp := BracketPrices(ord.AvgFillPrice, req.Direction, req.StopLoss, req.TakeProfit)
	position := schema.Position{
		PositionID:       uuid.NewString(),
		SessionID:        m.cfg.SessionID,
		StrategyID:       req.StrategyID,
		Symbol:           req.Symbol,
		Direction:        req.Direction,
		Status:           schema.PositionOpen,
		Quantity:         ord.FilledQuantity,
		EntryPrice:       ord.AvgFillPrice,
		MarkPrice:        ord.AvgFillPrice,
		Leverage:         leverage,
		LiquidationPrice: liq,
		HasLiquidation:   hasLiq,
		StopLossPrice:    sl,
		TakeProfitPrice:  tp,
		OpenedAt:         now,
		UpdatedAt:        now,
	}
	m.mu.Lock()
	m.positions[positionKey(req.StrategyID, req.Symbol)] = &tracked{position: position}
	m.mu.Unlock()
	m.publishPosition(schema.TopicPositionOpened, position)
}

// SubmitExit flattens the strategy's open position at market.
func (m *Manager) SubmitExit(ctx context.Context, req evaluator.ExitRequest) (string, error) {
	lock := m.lockSymbol(req.Symbol)
	lock.Lock()
	defer lock.Unlock()

	m.mu.Lock()
	tr, ok := m.positions[positionKey(req.StrategyID, req.Symbol)]
	if ok {
		tr.closing = true
	}
	m.mu.Unlock()
	if !ok {
		return "", errs.New("order/exit", errs.CodePrecondition,
			errs.WithMessage("no open position for strategy"),
			errs.WithField("strategy_id", req.StrategyID),
			errs.WithField("symbol", req.Symbol))
	}

	intent := schema.IntentExit
	if req.Emergency {
		intent = schema.IntentEmergencyExit
	}
	now := m.cfg.Clock()
	ord := schema.Order{
		OrderID:    uuid.NewString(),
		SessionID:  m.cfg.SessionID,
		StrategyID: req.StrategyID,
		Symbol:     req.Symbol,
		Side:       schema.ExitSide(tr.position.Direction),
		Type:       schema.OrderMarket,
		Intent:     intent,
		Status:     schema.OrderStatusNew,
		Quantity:   tr.position.Quantity,
		Reason:     req.Reason,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	m.recordOrder(ord)
	m.publishOrder(schema.TopicOrderCreated, ord)

	callCtx, cancel := context.WithTimeout(ctx, m.cfg.SubmitDeadline)
	defer cancel()
	result, err := m.venue.PlaceMarketOrder(callCtx, Request{
		OrderID:  ord.OrderID,
		Symbol:   req.Symbol,
		Side:     ord.Side,
		Quantity: tr.position.Quantity,
		Leverage: tr.position.Leverage,
	})
	if err != nil {
		m.mu.Lock()
		tr.closing = false
		m.mu.Unlock()
		m.failOrder(ord, err)
		return "", err
	}

	now = m.cfg.Clock()
	ord.Status = schema.OrderStatusFilled
	ord.FilledQuantity = result.FilledQuantity
	ord.AvgFillPrice = result.AvgFillPrice
	ord.Commission = result.Commission
	ord.UpdatedAt = now
	m.recordOrder(ord)

	m.settleClose(tr, ord, req.Reason, now)
	m.publishOrder(schema.TopicOrderFilled, ord)
	return ord.OrderID, nil
}

// closeLocked closes a position from inside markPositions (symbol lock
// held) on a bracket or liquidation trigger.
func (m *Manager) closeLocked(tr *tracked, reason string, intent schema.OrderIntent, now schema.Nanos) {
	tr.closing = true
	ord := schema.Order{
		OrderID:    uuid.NewString(),
		SessionID:  m.cfg.SessionID,
		StrategyID: tr.position.StrategyID,
		Symbol:     tr.position.Symbol,
		Side:       schema.ExitSide(tr.position.Direction),
		Type:       schema.OrderMarket,
		Intent:     intent,
		Status:     schema.OrderStatusNew,
		Quantity:   tr.position.Quantity,
		Reason:     reason,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	m.recordOrder(ord)
	m.publishOrder(schema.TopicOrderCreated, ord)

	callCtx, cancel := context.WithTimeout(m.ctx, m.cfg.SubmitDeadline)
	defer cancel()
	result, err := m.venue.PlaceMarketOrder(callCtx, Request{
		OrderID:  ord.OrderID,
		Symbol:   tr.position.Symbol,
		Side:     ord.Side,
		Quantity: tr.position.Quantity,
		Leverage: tr.position.Leverage,
	})
	if err != nil {
		tr.closing = false
		m.failOrder(ord, err)
		return
	}

	ord.Status = schema.OrderStatusFilled
	ord.FilledQuantity = result.FilledQuantity
	ord.AvgFillPrice = result.AvgFillPrice
	ord.Commission = result.Commission
	ord.UpdatedAt = m.cfg.Clock()
	m.recordOrder(ord)

	m.settleClose(tr, ord, reason, ord.UpdatedAt)
	m.publishOrder(schema.TopicOrderFilled, ord)
}

func (m *Manager) settleClose(tr *tracked, exit schema.Order, reason string, now schema.Nanos) {
	p := tr.position
	gross := UnrealizedPnl(p.EntryPrice, exit.AvgFillPrice, exit.FilledQuantity, p.Direction)
	realized := gross.Sub(exit.Commission)
	margin := Margin(p.EntryPrice, p.Quantity, p.Leverage)

	p.Status = schema.PositionClosed
	p.MarkPrice = exit.AvgFillPrice
	p.RealizedPnl = realized
	p.UnrealizedPnl = decimal.Zero
	p.PnlPct = PnlPct(realized, margin)
	p.ClosedAt = now
	p.UpdatedAt = now

	m.mu.Lock()
	delete(m.positions, positionKey(p.StrategyID, p.Symbol))
	m.usedMargin = m.usedMargin.Sub(margin)
	if m.usedMargin.IsNegative() {
		m.usedMargin = decimal.Zero
	}
	m.mu.Unlock()

	if m.logger != nil {
		m.logger.Printf("order: closed %s %s pnl=%s (%s)", p.StrategyID, p.Symbol, realized.StringFixed(2), reason)
	}
	m.publishPosition(schema.TopicPositionClosed, p)
}

// releaseMargin returns committed margin to the session budget.
func (m *Manager) releaseMargin(margin decimal.Decimal) {
	m.mu.Lock()
	m.usedMargin = m.usedMargin.Sub(margin)
	if m.usedMargin.IsNegative() {
		m.usedMargin = decimal.Zero
	}
	m.mu.Unlock()
}

// CancelOrder cancels a resting order at the venue.
func (m *Manager) CancelOrder(ctx context.Context, orderID string) error {
	m.mu.Lock()
	ord, ok := m.orders[orderID]
	m.mu.Unlock()
	if !ok {
		return errs.New("order/cancel", errs.CodeNotFound,
			errs.WithMessage("unknown order"), errs.WithField("order_id", orderID))
	}
	if ord.Status.Terminal() {
		return nil
	}
	if err := m.venue.CancelOrder(ctx, ord.Symbol, orderID); err != nil {
		return err
	}
	ord.Status = schema.OrderStatusCancelled
	ord.UpdatedAt = m.cfg.Clock()
	m.recordOrder(ord)
	m.publishOrder(schema.TopicOrderCancelled, ord)
	return nil
}

// OpenPositions snapshots currently open positions. Position state is
// single-writer per symbol, so each copy is taken under that symbol's lock,
// not just m.mu.
func (m *Manager) OpenPositions() []schema.Position {
	m.mu.Lock()
	bySymbol := make(map[string][]*tracked)
	for _, tr := range m.positions {
		symbol := tr.position.Symbol
		bySymbol[symbol] = append(bySymbol[symbol], tr)
	}
	m.mu.Unlock()

	var out []schema.Position
	for symbol, list := range bySymbol {
		lock := m.lockSymbol(symbol)
		lock.Lock()
		for _, tr := range list {
			out = append(out, tr.position)
		}
		lock.Unlock()
	}
	return out
}

// UsedMargin reports committed session budget.
func (m *Manager) UsedMargin() decimal.Decimal {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.usedMargin
}

func (m *Manager) recordOrder(ord schema.Order) {
	m.mu.Lock()
	m.orders[ord.OrderID] = ord
	m.mu.Unlock()
}

func (m *Manager) failOrder(ord schema.Order, cause error) {
	ord.Status = schema.OrderStatusFailed
	ord.Reason = cause.Error()
	ord.UpdatedAt = m.cfg.Clock()
	m.recordOrder(ord)
	if m.logger != nil {
		m.logger.Printf("order: %s %s failed: %v", ord.Intent, ord.OrderID, cause)
	}
	m.publishOrder(schema.TopicOrderFailed, ord)
}

// publishOrder keys order events by order id so delivery stays FIFO per
// order across the bus.
func (m *Manager) publishOrder(topic string, ord schema.Order) {
	evt := &schema.Event{
		Topic:     topic,
		Source:    ord.OrderID,
		SessionID: m.cfg.SessionID,
		Symbol:    ord.Symbol,
		Payload:   ord,
	}
	if err := m.bus.Publish(context.Background(), evt); err != nil && m.logger != nil {
		m.logger.Printf("order: publish %s: %v", topic, err)
	}
}

func (m *Manager) publishPosition(topic string, position schema.Position) {
	evt := &schema.Event{
		Topic:     topic,
		Source:    "order/" + position.PositionID,
		SessionID: m.cfg.SessionID,
		Symbol:    position.Symbol,
		Payload:   position,
	}
	if err := m.bus.Publish(context.Background(), evt); err != nil && m.logger != nil {
		m.logger.Printf("order: publish %s: %v", topic, err)
	}
}

var _ evaluator.Trader = (*Manager)(nil)
var _ PriceSource = (*Manager)(nil)
