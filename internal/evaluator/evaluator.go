package evaluator

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"
	"github.com/sourcegraph/conc"

	"github.com/LKrysik/quantra/errs"
	"github.com/LKrysik/quantra/internal/bus"
	"github.com/LKrysik/quantra/internal/schema"
	"github.com/LKrysik/quantra/internal/strategystore"
)

// Clock supplies the evaluation time. Injectable for tests.
type Clock func() schema.Nanos

// EntryRequest asks the order layer to open a position.
type EntryRequest struct {
	StrategyID string
	SessionID  string
	Symbol     string
	Direction  schema.Direction
	Size       schema.PositionSize
	Leverage   float64
	StopLoss   schema.OffsetTrigger
	TakeProfit schema.OffsetTrigger
}

// ExitRequest asks the order layer to flatten the strategy's position.
type ExitRequest struct {
	StrategyID string
	SessionID  string
	Symbol     string
	Reason     string
	Emergency  bool
}

// Trader is the order-layer surface the evaluator drives.
type Trader interface {
	SubmitEntry(ctx context.Context, req EntryRequest) (string, error)
	SubmitExit(ctx context.Context, req ExitRequest) (string, error)
	CancelOrder(ctx context.Context, orderID string) error
}

// Config parameterizes one evaluator instance.
type Config struct {
	Record    strategystore.Record
	Symbol    string
	SessionID string
	BudgetUSD float64
	Clock     Clock
	QueueSize int
	// Guard enforces the strategy's global limits. Global limits are per
	// strategy, so evaluators for the same strategy on different symbols must
	// share one guard. Nil builds a private guard (single-symbol use).
	Guard *LimitsGuard
}

type stopRequest struct {
	closePositions bool
	ack            chan error
}

// Evaluator is the five-phase state machine for one strategy on one symbol.
// All state is owned by the Run loop; external callers interact through the
// bus and Stop.
type Evaluator struct {
	cfg    Config
	bus    *bus.Bus
	trader Trader
	logger *log.Logger
	clock  Clock

	def   schema.Strategy
	s1    *conditionSet
	o1    *conditionSet
	z1    *conditionSet
	ze1   *conditionSet
	e1    *conditionSet
	guard *LimitsGuard

	state         State
	signalID      string
	signalAt      schema.Nanos
	entryOrderID  string
	exitOrderID   string
	cooldownUntil schema.Nanos
	position      *schema.Position

	events  chan *schema.Event
	stopReq chan stopRequest
}

// New builds an evaluator for the given strategy record.
func New(cfg Config, b *bus.Bus, trader Trader, logger *log.Logger) (*Evaluator, error) {
	if b == nil {
		return nil, errs.New("evaluator/new", errs.CodeValidation, errs.WithMessage("bus required"))
	}
	if trader == nil {
		return nil, errs.New("evaluator/new", errs.CodeValidation, errs.WithMessage("trader required"))
	}
	if cfg.Symbol == "" {
		return nil, errs.New("evaluator/new", errs.CodeValidation, errs.WithMessage("symbol required"))
	}
	if cfg.Clock == nil {
		cfg.Clock = schema.Now
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 512
	}
	def := cfg.Record.Definition
	guard := cfg.Guard
	if guard == nil {
		guard = NewLimitsGuard(def.GlobalLimits, cfg.BudgetUSD)
	}
	return &Evaluator{
		cfg:     cfg,
		bus:     b,
		trader:  trader,
		logger:  logger,
		clock:   cfg.Clock,
		def:     def,
		s1:      newConditionSet(def.Signal.Conditions),
		o1:      newConditionSet(def.Cancel.Conditions),
		z1:      newConditionSet(def.Entry.Conditions),
		ze1:     newConditionSet(def.Close.Conditions),
		e1:      newConditionSet(def.EmergencyExit.Conditions),
		guard:   guard,
		state:   StateMonitoring,
		events:  make(chan *schema.Event, cfg.QueueSize),
		stopReq: make(chan stopRequest),
	}, nil
}

// State returns the last committed state. Safe only for the Run goroutine
// and for tests that synchronize through the bus.
func (e *Evaluator) State() State { return e.state }

// Run drives the state machine until ctx is cancelled.
func (e *Evaluator) Run(ctx context.Context) error {
	patterns := []struct {
		pattern string
		policy  bus.Policy
	}{
		{schema.TopicIndicatorUpdated, bus.DropOldest},
		{"order.*", bus.BlockPublisher},
		{"position.*", bus.BlockPublisher},
	}
	var wg conc.WaitGroup
	defer wg.Wait()
	for _, p := range patterns {
		sub, err := e.bus.Subscribe(ctx, p.pattern, e.cfg.QueueSize, p.policy)
		if err != nil {
			return err
		}
		defer sub.Close()
		wg.Go(func() {
			for {
				evt, err := sub.Recv(ctx)
				if err != nil {
					return
				}
				select {
				case e.events <- evt:
				case <-ctx.Done():
					return
				}
			}
		})
	}

	wake := time.NewTimer(time.Hour)
	defer wake.Stop()

	for {
		e.resetWake(wake)
		select {
		case <-ctx.Done():
			return nil
		case req := <-e.stopReq:
			req.ack <- e.flatten(ctx, req.closePositions)
		case evt := <-e.events:
			now := e.clock()
			e.advanceTime(ctx, now)
			e.handle(ctx, evt)
			e.evaluate(ctx, e.clock())
		case <-wake.C:
			now := e.clock()
			e.advanceTime(ctx, now)
			e.evaluate(ctx, now)
		}
	}
}

// Stop flattens open positions when requested. The manager cancels the Run
// context afterwards.
func (e *Evaluator) Stop(ctx context.Context, closePositions bool) error {
	req := stopRequest{closePositions: closePositions, ack: make(chan error, 1)}
	select {
	case e.stopReq <- req:
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-req.ack:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (e *Evaluator) flatten(ctx context.Context, closePositions bool) error {
	if !closePositions {
		return nil
	}
	if e.state != StatePositionActive {
		return nil
	}
	_, err := e.trader.SubmitExit(ctx, ExitRequest{
		StrategyID: e.cfg.Record.ID,
		SessionID:  e.cfg.SessionID,
		Symbol:     e.cfg.Symbol,
		Reason:     "deactivation",
		Emergency:  false,
	})
	return err
}

func (e *Evaluator) resetWake(wake *time.Timer) {
	now := e.clock()
	next, ok := e.nextWake(now)
	if !wake.Stop() {
		select {
		case <-wake.C:
		default:
		}
	}
	if !ok {
		wake.Reset(time.Hour)
		return
	}
	d := next.Sub(now)
	if d < time.Millisecond {
		d = time.Millisecond
	}
	wake.Reset(d)
}

func (e *Evaluator) nextWake(now schema.Nanos) (schema.Nanos, bool) {
	var deadlines []schema.Nanos
	switch e.state {
	case StateMonitoring:
		if ready, ok := e.s1.NextReady(now); ok {
			deadlines = append(deadlines, ready)
		}
	case StateSignalDetected:
		if e.def.Cancel.TimeoutSeconds > 0 {
			deadlines = append(deadlines, e.signalAt.Add(time.Duration(e.def.Cancel.TimeoutSeconds)*time.Second))
		}
		if ready, ok := e.z1.NextReady(now); ok {
			deadlines = append(deadlines, ready)
		}
		if ready, ok := e.o1.NextReady(now); ok {
			deadlines = append(deadlines, ready)
		}
	case StatePositionActive:
		if ready, ok := e.ze1.NextReady(now); ok {
			deadlines = append(deadlines, ready)
		}
		if ready, ok := e.e1.NextReady(now); ok {
			deadlines = append(deadlines, ready)
		}
	case StateCooldown:
		deadlines = append(deadlines, e.cooldownUntil)
	}
	if len(deadlines) == 0 {
		return 0, false
	}
	best := deadlines[0]
	for _, d := range deadlines[1:] {
		if d < best {
			best = d
		}
	}
	return best, true
}

// advanceTime applies pure time-based transitions: O1 timeout and cooldown
// expiry.
func (e *Evaluator) advanceTime(ctx context.Context, now schema.Nanos) {
	switch e.state {
	case StateSignalDetected:
		timeout := e.def.Cancel.TimeoutSeconds
		if timeout > 0 && now >= e.signalAt.Add(time.Duration(timeout)*time.Second) {
			e.cancelSignal(now, "timeout")
		}
	case StateCooldown:
		if now >= e.cooldownUntil {
			e.transition(StateMonitoring, "cooldown elapsed", now)
			e.resetCycle()
		}
	}
}

func (e *Evaluator) handle(ctx context.Context, evt *schema.Event) {
	switch payload := evt.Payload.(type) {
	case schema.IndicatorValue:
		if payload.Symbol != e.cfg.Symbol {
			return
		}
		e.observe(payload.VariantID, payload.Value, payload.TS)
	case schema.Order:
		e.handleOrder(ctx, payload)
	case schema.Position:
		e.handlePosition(evt.Topic, payload)
	}
}

func (e *Evaluator) observe(variantID string, value float64, ts schema.Nanos) {
	e.s1.Observe(variantID, value, ts)
	e.o1.Observe(variantID, value, ts)
	e.z1.Observe(variantID, value, ts)
	e.ze1.Observe(variantID, value, ts)
	e.e1.Observe(variantID, value, ts)
}

func (e *Evaluator) handleOrder(ctx context.Context, order schema.Order) {
	if order.StrategyID != e.cfg.Record.ID || order.Symbol != e.cfg.Symbol {
		return
	}
	now := e.clock()
	switch order.OrderID {
	case e.entryOrderID:
		if !order.Status.Terminal() {
			return
		}
		if e.state != StateEntryEvaluation {
			return
		}
		if order.Status == schema.OrderStatusFilled {
			e.guard.RecordOpened(now)
			e.transition(StatePositionActive, "entry filled", now)
			return
		}
		e.enterCooldown(now, e.globalCooldown(),
			fmt.Sprintf("entry order %s", order.Status))
	case e.exitOrderID:
		if order.Status == schema.OrderStatusFilled {
			// Position closed; the position.closed event settles PnL tracking.
			if e.state == StateExited || e.state == StateEmergencyExit {
				cooldown := e.globalCooldown()
				if e.state == StateEmergencyExit {
					cooldown = maxDuration(cooldown, time.Duration(e.def.EmergencyExit.CooldownMinutes)*time.Minute)
				}
				e.enterCooldown(now, cooldown, "exit filled")
			}
			return
		}
		if order.Status.Terminal() {
			// The position is still open; retry the exit.
			if e.logger != nil {
				e.logger.Printf("evaluator %s: exit order %s %s, resubmitting",
					e.cfg.Record.ID, order.OrderID, order.Status)
			}
			e.submitExit(ctx, now, "retry", e.state == StateEmergencyExit)
		}
	}
}

func (e *Evaluator) handlePosition(topic string, position schema.Position) {
	if position.StrategyID != e.cfg.Record.ID || position.Symbol != e.cfg.Symbol {
		return
	}
	now := e.clock()
	switch topic {
	case schema.TopicPositionOpened, schema.TopicPositionUpdated:
		p := position
		e.position = &p
		e.observe("pnl_pct", position.PnlPct, position.UpdatedAt)
	case schema.TopicPositionClosed:
		realized, _ := position.RealizedPnl.Float64()
		e.guard.RecordClosed(now, realized)
		e.position = nil
		// Bracket and liquidation closes happen on the order side without an
		// exit submission from this loop.
		if e.state == StatePositionActive {
			e.transition(StateExited, "position closed", now)
			e.enterCooldown(now, e.globalCooldown(), "position closed")
		}
	}
}

// evaluate applies condition-driven transitions for the current state.
// E1 preempts everything whenever an entry or position is in flight.
func (e *Evaluator) evaluate(ctx context.Context, now schema.Nanos) {
	switch e.state {
	case StateMonitoring:
		if len(e.s1.states) == 0 {
			return
		}
		if e.s1.AllSatisfied(now) {
			e.signalID = uuid.NewString()
			e.signalAt = now
			e.publish(schema.TopicSignalDetected, schema.Signal{
				SignalID:         e.signalID,
				StrategyID:       e.cfg.Record.ID,
				Symbol:           e.cfg.Symbol,
				TS:               now,
				TriggeringValues: e.s1.Values(),
			})
			e.transition(StateSignalDetected, "s1 conditions met", now)
		}

	case StateSignalDetected:
		// E1 preempts the cycle before any entry: the signal dies and the
		// emergency cooldown applies, even when Z1 is satisfied by the same
		// observation.
		if cond, fired := e.e1.AnySatisfied(now); fired {
			e.publish(schema.TopicSignalCancelled, schema.SignalCancelled{
				SignalID:   e.signalID,
				StrategyID: e.cfg.Record.ID,
				Symbol:     e.cfg.Symbol,
				TS:         now,
				Reason:     condReason(cond),
			})
			cooldown := maxDuration(e.globalCooldown(),
				time.Duration(e.def.EmergencyExit.CooldownMinutes)*time.Minute)
			e.enterCooldown(now, cooldown, condReason(cond))
			return
		}
		if cond, fired := e.o1.AnySatisfied(now); fired {
			e.cancelSignal(now, condReason(cond))
			return
		}
		if !e.z1.AllSatisfied(now) {
			return
		}
		if reason, ok := e.guard.CheckEntry(now); !ok {
			e.publish(schema.TopicEntryBlocked, schema.EntryBlocked{
				StrategyID: e.cfg.Record.ID,
				Symbol:     e.cfg.Symbol,
				TS:         now,
				Reason:     reason,
			})
			e.enterCooldown(now, e.globalCooldown(), reason)
			return
		}
		orderID, err := e.trader.SubmitEntry(ctx, EntryRequest{
			StrategyID: e.cfg.Record.ID,
			SessionID:  e.cfg.SessionID,
			Symbol:     e.cfg.Symbol,
			Direction:  e.def.Direction,
			Size:       e.def.Entry.PositionSize,
			Leverage:   e.def.Entry.Leverage,
			StopLoss:   e.def.Entry.StopLoss,
			TakeProfit: e.def.Entry.TakeProfit,
		})
		if err != nil {
			e.publishError("evaluator/entry", err, now)
			e.enterCooldown(now, e.globalCooldown(), "entry submission failed")
			return
		}
		e.entryOrderID = orderID
		e.publish(schema.TopicEntrySubmitted, schema.Order{
			OrderID:    orderID,
			SessionID:  e.cfg.SessionID,
			StrategyID: e.cfg.Record.ID,
			Symbol:     e.cfg.Symbol,
			Side:       schema.EntrySide(e.def.Direction),
			Intent:     schema.IntentEntry,
			Status:     schema.OrderStatusNew,
			CreatedAt:  now,
			UpdatedAt:  now,
		})
		e.transition(StateEntryEvaluation, "z1 conditions met", now)

	case StateEntryEvaluation:
		if cond, fired := e.e1.AnySatisfied(now); fired {
			if err := e.trader.CancelOrder(ctx, e.entryOrderID); err != nil {
				e.publishError("evaluator/cancel_entry", err, now)
			}
			e.transition(StateEmergencyExit, condReason(cond), now)
			cooldown := maxDuration(e.globalCooldown(),
				time.Duration(e.def.EmergencyExit.CooldownMinutes)*time.Minute)
			e.enterCooldown(now, cooldown, condReason(cond))
		}

	case StatePositionActive:
		if cond, fired := e.e1.AnySatisfied(now); fired {
			e.transition(StateEmergencyExit, condReason(cond), now)
			e.submitExit(ctx, now, condReason(cond), true)
			return
		}
		if cond, fired := e.ze1.AnySatisfied(now); fired {
			e.transition(StateExited, condReason(cond), now)
			e.submitExit(ctx, now, condReason(cond), false)
		}
	}
}

func (e *Evaluator) submitExit(ctx context.Context, now schema.Nanos, reason string, emergency bool) {
	orderID, err := e.trader.SubmitExit(ctx, ExitRequest{
		StrategyID: e.cfg.Record.ID,
		SessionID:  e.cfg.SessionID,
		Symbol:     e.cfg.Symbol,
		Reason:     reason,
		Emergency:  emergency,
	})
	if err != nil {
		e.publishError("evaluator/exit", err, now)
		return
	}
	e.exitOrderID = orderID
	intent := schema.IntentExit
	if emergency {
		intent = schema.IntentEmergencyExit
	}
	e.publish(schema.TopicExitSubmitted, schema.Order{
		OrderID:    orderID,
		SessionID:  e.cfg.SessionID,
		StrategyID: e.cfg.Record.ID,
		Symbol:     e.cfg.Symbol,
		Side:       schema.ExitSide(e.def.Direction),
		Intent:     intent,
		Status:     schema.OrderStatusNew,
		Reason:     reason,
		CreatedAt:  now,
		UpdatedAt:  now,
	})
}

func (e *Evaluator) cancelSignal(now schema.Nanos, reason string) {
	e.publish(schema.TopicSignalCancelled, schema.SignalCancelled{
		SignalID:   e.signalID,
		StrategyID: e.cfg.Record.ID,
		Symbol:     e.cfg.Symbol,
		TS:         now,
		Reason:     reason,
	})
	cooldown := maxDuration(e.globalCooldown(),
		time.Duration(e.def.Cancel.CooldownMinutes)*time.Minute)
	if cooldown <= 0 {
		e.transition(StateMonitoring, reason, now)
		e.resetCycle()
		return
	}
	e.enterCooldown(now, cooldown, reason)
}

func (e *Evaluator) enterCooldown(now schema.Nanos, cooldown time.Duration, reason string) {
	if cooldown <= 0 {
		cooldown = time.Millisecond
	}
	e.cooldownUntil = now.Add(cooldown)
	e.transition(StateCooldown, reason, now)
}

func (e *Evaluator) globalCooldown() time.Duration {
	return time.Duration(e.def.GlobalLimits.CooldownMinutes) * time.Minute
}

// resetCycle clears per-cycle runtime state for a fresh monitoring pass.
func (e *Evaluator) resetCycle() {
	e.signalID = ""
	e.signalAt = 0
	e.entryOrderID = ""
	e.exitOrderID = ""
	e.s1.Reset()
	e.o1.Reset()
	e.z1.Reset()
	e.ze1.Reset()
	e.e1.Reset()
}

func (e *Evaluator) transition(to State, reason string, now schema.Nanos) {
	from := e.state
	if !canTransition(from, to) {
		if e.logger != nil {
			e.logger.Printf("evaluator %s: illegal transition %s -> %s (%s)",
				e.cfg.Record.ID, from, to, reason)
		}
		return
	}
	e.state = to
	if e.logger != nil {
		e.logger.Printf("evaluator %s: %s -> %s (%s)", e.cfg.Record.ID, from, to, reason)
	}
	e.publish(schema.TopicStateTransition, schema.StateTransition{
		StrategyID: e.cfg.Record.ID,
		Symbol:     e.cfg.Symbol,
		From:       string(from),
		To:         string(to),
		TS:         now,
		Reason:     reason,
	})
}

func (e *Evaluator) publish(topic string, payload any) {
	evt := &schema.Event{
		Topic:     topic,
		Source:    "evaluator/" + e.cfg.Record.ID,
		SessionID: e.cfg.SessionID,
		Symbol:    e.cfg.Symbol,
		Payload:   payload,
	}
	if err := e.bus.Publish(context.Background(), evt); err != nil && e.logger != nil {
		e.logger.Printf("evaluator %s: publish %s: %v", e.cfg.Record.ID, topic, err)
	}
}

func (e *Evaluator) publishError(scope string, err error, now schema.Nanos) {
	if e.logger != nil {
		e.logger.Printf("%s: %v", scope, err)
	}
	e.publish(schema.TopicSystemError, schema.SystemError{
		Scope:   scope,
		Code:    string(errs.CodeOf(err)),
		Message: err.Error(),
		TS:      now,
	})
}

func condReason(cond schema.Condition) string {
	if cond.ID != "" {
		return cond.ID
	}
	return fmt.Sprintf("%s %s", cond.VariantID, cond.Operator)
}

func maxDuration(a, b time.Duration) time.Duration {
	if a > b {
		return a
	}
	return b
}
