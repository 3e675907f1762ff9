package order

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/LKrysik/quantra/errs"
	"github.com/LKrysik/quantra/internal/bus"
	"github.com/LKrysik/quantra/internal/evaluator"
	"github.com/LKrysik/quantra/internal/schema"
)

type managerHarness struct {
	bus     *bus.Bus
	manager *Manager
	events  *bus.Subscription
}

func newManagerHarness(t *testing.T, budget float64) *managerHarness {
	t.Helper()
	b := bus.New(bus.Config{})
	t.Cleanup(b.Close)

	mgr, err := NewPaperManager(Config{SessionID: "sess-1", BudgetUSD: budget}, b, 10, 0.1, nil)
	require.NoError(t, err)
	require.NoError(t, mgr.Start(context.Background()))
	t.Cleanup(mgr.Stop)

	events, err := b.Subscribe(context.Background(), "order.*", 128, bus.BlockPublisher)
	require.NoError(t, err)
	t.Cleanup(events.Close)

	return &managerHarness{bus: b, manager: mgr, events: events}
}

func (h *managerHarness) tick(t *testing.T, symbol string, price float64, ts int64) {
	t.Helper()
	err := h.bus.Publish(context.Background(), &schema.Event{
		Topic:  schema.TopicMarketPrice,
		Source: "gateway-test",
		Symbol: symbol,
		Payload: schema.Tick{
			Symbol: symbol,
			TS:     schema.Nanos(ts),
			Close:  price,
		},
	})
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		quote, ok := h.manager.LastQuote(symbol)
		return ok && quote.TS >= schema.Nanos(ts)
	}, 2*time.Second, 2*time.Millisecond)
}

func (h *managerHarness) waitOrderEvent(t *testing.T, topic string) schema.Order {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	for {
		evt, err := h.events.Recv(ctx)
		require.NoError(t, err, "waiting for %s", topic)
		if evt.Topic == topic {
			return evt.Payload.(schema.Order)
		}
	}
}

func entryRequest() evaluator.EntryRequest {
	return evaluator.EntryRequest{
		StrategyID: "pump-1",
		SessionID:  "sess-1",
		Symbol:     "BTC_USDT",
		Direction:  schema.DirectionLong,
		Size:       schema.PositionSize{Type: schema.SizePercentage, Value: 10},
		Leverage:   2,
		StopLoss:   schema.OffsetTrigger{Enabled: true, OffsetPercent: 5},
		TakeProfit: schema.OffsetTrigger{Enabled: true, OffsetPercent: 15},
	}
}

func TestSubmitEntryOpensPosition(t *testing.T) {
	h := newManagerHarness(t, 10_000)
	h.tick(t, "BTC_USDT", 50_000, 1e18)

	orderID, err := h.manager.SubmitEntry(context.Background(), entryRequest())
	require.NoError(t, err)
	require.NotEmpty(t, orderID)

	created := h.waitOrderEvent(t, schema.TopicOrderCreated)
	assert.Equal(t, orderID, created.OrderID)
	filled := h.waitOrderEvent(t, schema.TopicOrderFilled)
	assert.Equal(t, schema.OrderStatusFilled, filled.Status)

	positions := h.manager.OpenPositions()
	require.Len(t, positions, 1)
	p := positions[0]
	// 10% of 10000 budget = 1000 margin, 2x leverage = 2000 notional.
	// Slippage shifts the fill a few dollars off the quoted mid.
	notional := p.EntryPrice.Mul(p.Quantity)
	assert.InDelta(t, 2000, mustFloat(notional), 5)
	assert.True(t, p.HasLiquidation)
	assert.True(t, p.StopLossPrice.GreaterThan(decimal.Zero))
	assert.True(t, h.manager.UsedMargin().Equal(decimal.NewFromInt(1000)))
}

func TestSubmitEntryWithoutMarketDataFails(t *testing.T) {
	h := newManagerHarness(t, 10_000)
	_, err := h.manager.SubmitEntry(context.Background(), entryRequest())
	require.Error(t, err)
	assert.True(t, errs.HasCode(err, errs.CodePrecondition))
}

func TestSubmitEntryEnforcesBudget(t *testing.T) {
	h := newManagerHarness(t, 10_000)
	h.tick(t, "BTC_USDT", 50_000, 1e18)

	req := entryRequest()
	req.Size = schema.PositionSize{Type: schema.SizeFixed, Value: 15_000}
	_, err := h.manager.SubmitEntry(context.Background(), req)
	require.Error(t, err)
	assert.True(t, errs.HasCode(err, errs.CodePrecondition))
	assert.Empty(t, h.manager.OpenPositions())
}

func TestSubmitEntryRejectsDuplicatePosition(t *testing.T) {
	h := newManagerHarness(t, 10_000)
	h.tick(t, "BTC_USDT", 50_000, 1e18)

	_, err := h.manager.SubmitEntry(context.Background(), entryRequest())
	require.NoError(t, err)
	_, err = h.manager.SubmitEntry(context.Background(), entryRequest())
	require.Error(t, err)
	assert.True(t, errs.HasCode(err, errs.CodeConflict))
}

func TestSubmitExitRealizesPnl(t *testing.T) {
	h := newManagerHarness(t, 10_000)
	positions, err := h.bus.Subscribe(context.Background(), "position.*", 64, bus.BlockPublisher)
	require.NoError(t, err)
	defer positions.Close()

	h.tick(t, "BTC_USDT", 50_000, 1e18)
	_, err = h.manager.SubmitEntry(context.Background(), entryRequest())
	require.NoError(t, err)

	// Price rallies 4%.
	h.tick(t, "BTC_USDT", 52_000, 1e18+1e9)

	_, err = h.manager.SubmitExit(context.Background(), evaluator.ExitRequest{
		StrategyID: "pump-1", SessionID: "sess-1", Symbol: "BTC_USDT", Reason: "take_profit",
	})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	var closed schema.Position
	for {
		evt, recvErr := positions.Recv(ctx)
		require.NoError(t, recvErr)
		if evt.Topic == schema.TopicPositionClosed {
			closed = evt.Payload.(schema.Position)
			break
		}
	}
	assert.Equal(t, schema.PositionClosed, closed.Status)
	assert.True(t, closed.RealizedPnl.GreaterThan(decimal.Zero), "4%% rally on a long realizes profit")
	assert.Greater(t, closed.PnlPct, 5.0, "2x leverage roughly doubles the move")
	assert.Empty(t, h.manager.OpenPositions())
	assert.True(t, h.manager.UsedMargin().IsZero(), "margin released on close")
}

func TestSubmitExitWithoutPositionFails(t *testing.T) {
	h := newManagerHarness(t, 10_000)
	_, err := h.manager.SubmitExit(context.Background(), evaluator.ExitRequest{
		StrategyID: "pump-1", Symbol: "BTC_USDT",
	})
	require.Error(t, err)
	assert.True(t, errs.HasCode(err, errs.CodePrecondition))
}

func TestStopLossBracketClosesPosition(t *testing.T) {
	h := newManagerHarness(t, 10_000)
	positions, err := h.bus.Subscribe(context.Background(), schema.TopicPositionClosed, 16, bus.BlockPublisher)
	require.NoError(t, err)
	defer positions.Close()

	h.tick(t, "BTC_USDT", 50_000, 1e18)
	_, err = h.manager.SubmitEntry(context.Background(), entryRequest())
	require.NoError(t, err)

	// Stop loss sits 5% under the fill; a 6% drop must trigger it.
	h.tick(t, "BTC_USDT", 47_000, 1e18+1e9)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	evt, err := positions.Recv(ctx)
	require.NoError(t, err)
	closed := evt.Payload.(schema.Position)
	assert.True(t, closed.RealizedPnl.IsNegative())
	assert.Empty(t, h.manager.OpenPositions())

	exit := h.waitExitOrder(t)
	assert.Equal(t, schema.IntentStopLoss, exit.Intent)
}

func TestOpenPositionsSnapshotDuringMarkUpdates(t *testing.T) {
	h := newManagerHarness(t, 10_000)
	h.tick(t, "BTC_USDT", 50_000, 1e18)
	_, err := h.manager.SubmitEntry(context.Background(), entryRequest())
	require.NoError(t, err)

	// Snapshots race the mark-to-market loop; the race detector flags any
	// unsynchronized read of position state.
	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 50; i++ {
			for _, p := range h.manager.OpenPositions() {
				_ = p.UnrealizedPnl.String()
			}
		}
	}()
	// Price drifts up so the stop loss never fires.
	for i := int64(1); i <= 50; i++ {
		h.tick(t, "BTC_USDT", 50_000+float64(i)*10, 1e18+i*1e9)
	}
	<-done

	positions := h.manager.OpenPositions()
	require.Len(t, positions, 1)
	assert.True(t, positions[0].MarkPrice.GreaterThan(decimal.Zero))
}

func (h *managerHarness) waitExitOrder(t *testing.T) schema.Order {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	for {
		evt, err := h.events.Recv(ctx)
		require.NoError(t, err)
		ord, ok := evt.Payload.(schema.Order)
		if !ok || evt.Topic != schema.TopicOrderFilled {
			continue
		}
		if ord.Intent != schema.IntentEntry {
			return ord
		}
	}
}

func mustFloat(v decimal.Decimal) float64 {
	f, _ := v.Float64()
	return f
}
