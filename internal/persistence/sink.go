// Package persistence drains engine events into postgres. Writes are async,
// batched and best-effort: a failed insert is counted and logged, never
// propagated to the hot path.
package persistence

import (
	"context"
	"log"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/sourcegraph/conc"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	json "github.com/goccy/go-json"

	"github.com/LKrysik/quantra/errs"
	"github.com/LKrysik/quantra/internal/bus"
	"github.com/LKrysik/quantra/internal/config"
	"github.com/LKrysik/quantra/internal/schema"
)

// batchSender is the slice of pgxpool.Pool the sink needs.
type batchSender interface {
	SendBatch(ctx context.Context, b *pgx.Batch) pgx.BatchResults
}

// subscribedPatterns lists every topic family the sink drains.
var subscribedPatterns = []string{
	"market.*",
	"indicator.*",
	"signal.*",
	"order.*",
	"position.*",
	"session.*",
	"state_machine.*",
}

type row struct {
	table string
	sql   string
	args  []any
}

// Sink batches events into postgres. At-least-once: rows may be retried
// after partial failures, so every insert is conflict-tolerant.
type Sink struct {
	cfg    config.PersistenceConfig
	bus    *bus.Bus
	db     batchSender
	logger *log.Logger

	written     metric.Int64Counter
	writeErrors metric.Int64Counter

	ctx    context.Context
	cancel context.CancelFunc
	wg     conc.WaitGroup
}

// NewSink builds a sink over the given pool.
func NewSink(cfg config.PersistenceConfig, b *bus.Bus, db batchSender, logger *log.Logger) (*Sink, error) {
	if b == nil {
		return nil, errs.New("persistence/new", errs.CodeValidation, errs.WithMessage("bus required"))
	}
	if db == nil {
		return nil, errs.New("persistence/new", errs.CodeValidation, errs.WithMessage("database required"))
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 8192
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 200
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = time.Second
	}

	s := &Sink{cfg: cfg, bus: b, db: db, logger: logger}
	meter := otel.Meter("persistence")
	s.written, _ = meter.Int64Counter("persistence.rows.written",
		metric.WithDescription("Rows written to postgres"),
		metric.WithUnit("{row}"))
	s.writeErrors, _ = meter.Int64Counter("persistence.write.errors",
		metric.WithDescription("Failed row writes"),
		metric.WithUnit("{row}"))
	return s, nil
}

// Start subscribes and begins draining. Overflow sheds the oldest queued
// events rather than stalling publishers.
func (s *Sink) Start(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	s.ctx, s.cancel = context.WithCancel(ctx)

	events := make(chan *schema.Event, s.cfg.QueueSize)
	for _, pattern := range subscribedPatterns {
		sub, err := s.bus.Subscribe(s.ctx, pattern, s.cfg.QueueSize, bus.DropOldest)
		if err != nil {
			s.cancel()
			return err
		}
		s.wg.Go(func() {
			defer sub.Close()
			for {
				evt, err := sub.Recv(s.ctx)
				if err != nil {
					return
				}
				select {
				case events <- evt:
				case <-s.ctx.Done():
					return
				}
			}
		})
	}

	s.wg.Go(func() { s.drain(events) })
	return nil
}

// Stop flushes pending rows and halts.
func (s *Sink) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
}

func (s *Sink) drain(events <-chan *schema.Event) {
	ticker := time.NewTicker(s.cfg.FlushInterval)
	defer ticker.Stop()

	pending := make([]row, 0, s.cfg.BatchSize)
	for {
		select {
		case <-s.ctx.Done():
			s.flush(pending)
			return
		case evt := <-events:
			if r, ok := convert(evt); ok {
				pending = append(pending, r)
			}
			if len(pending) >= s.cfg.BatchSize {
				s.flush(pending)
				pending = pending[:0]
			}
		case <-ticker.C:
			if len(pending) > 0 {
				s.flush(pending)
				pending = pending[:0]
			}
		}
	}
}

func (s *Sink) flush(rows []row) {
	if len(rows) == 0 {
		return
	}
	batch := &pgx.Batch{}
	for _, r := range rows {
		batch.Queue(r.sql, r.args...)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	results := s.db.SendBatch(ctx, batch)
	defer results.Close()

	for _, r := range rows {
		if _, err := results.Exec(); err != nil {
			if s.writeErrors != nil {
				s.writeErrors.Add(ctx, 1, metric.WithAttributes(attribute.String("table", r.table)))
			}
			if s.logger != nil {
				s.logger.Printf("persistence: insert %s: %v", r.table, err)
			}
			continue
		}
		if s.written != nil {
			s.written.Add(ctx, 1, metric.WithAttributes(attribute.String("table", r.table)))
		}
	}
}

const (
	insertMarketDataSQL = `INSERT INTO market_data (ts, symbol, open, high, low, close, volume, trades_count)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
ON CONFLICT (ts, symbol) DO NOTHING`

	insertTradeSQL = `INSERT INTO trades (ts, symbol, price, quantity, is_buyer)
VALUES ($1, $2, $3, $4, $5)`

	insertOrderbookSQL = `INSERT INTO orderbook_snapshots (ts, symbol, bids, asks)
VALUES ($1, $2, $3, $4)`

	insertIndicatorSQL = `INSERT INTO indicators (ts, symbol, variant_id, value, fields)
VALUES ($1, $2, $3, $4, $5)
ON CONFLICT (ts, symbol, variant_id) DO NOTHING`

	insertSignalSQL = `INSERT INTO signals (signal_id, strategy_id, symbol, ts, triggering_values)
VALUES ($1, $2, $3, $4, $5)
ON CONFLICT (signal_id) DO NOTHING`

	upsertOrderSQL = `INSERT INTO orders (order_id, session_id, strategy_id, symbol, side, type, intent,
status, quantity, filled_quantity, avg_fill_price, commission, reason, created_at, updated_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
ON CONFLICT (order_id) DO UPDATE SET
status = EXCLUDED.status,
filled_quantity = EXCLUDED.filled_quantity,
avg_fill_price = EXCLUDED.avg_fill_price,
commission = EXCLUDED.commission,
reason = EXCLUDED.reason,
updated_at = EXCLUDED.updated_at`

	upsertPositionSQL = `INSERT INTO positions (position_id, session_id, strategy_id, symbol, direction,
status, quantity, entry_price, mark_price, leverage, liquidation_price, stop_loss_price,
take_profit_price, unrealized_pnl, realized_pnl, pnl_pct, opened_at, closed_at, updated_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19)
ON CONFLICT (position_id) DO UPDATE SET
status = EXCLUDED.status,
mark_price = EXCLUDED.mark_price,
unrealized_pnl = EXCLUDED.unrealized_pnl,
realized_pnl = EXCLUDED.realized_pnl,
pnl_pct = EXCLUDED.pnl_pct,
closed_at = EXCLUDED.closed_at,
updated_at = EXCLUDED.updated_at`

	upsertSessionSQL = `INSERT INTO sessions (session_id, mode, symbols, budget_usd, status, started_at, stopped_at)
VALUES ($1, $2, $3, $4, $5, $6, $7)
ON CONFLICT (session_id) DO UPDATE SET
status = EXCLUDED.status,
stopped_at = EXCLUDED.stopped_at`

	insertTransitionSQL = `INSERT INTO state_transitions (strategy_id, symbol, from_state, to_state, ts, reason)
VALUES ($1, $2, $3, $4, $5, $6)`
)

// convert maps one event to its insert. Timestamps pass NanosFrom so a
// mis-unit upstream value can never materialize as a far-future row.
func convert(evt *schema.Event) (row, bool) {
	switch p := evt.Payload.(type) {
	case schema.Tick:
		return row{"market_data", insertMarketDataSQL, []any{
			nanos(p.TS), p.Symbol, p.Open, p.High, p.Low, p.Close, p.Volume, p.TradesCount,
		}}, true
	case schema.Trade:
		return row{"trades", insertTradeSQL, []any{
			nanos(p.TS), p.Symbol, p.Price, p.Quantity, p.IsBuyer,
		}}, true
	case schema.OrderbookSnapshot:
		bids, err := json.Marshal(p.Bids)
		if err != nil {
			return row{}, false
		}
		asks, err := json.Marshal(p.Asks)
		if err != nil {
			return row{}, false
		}
		return row{"orderbook_snapshots", insertOrderbookSQL, []any{
			nanos(p.TS), p.Symbol, bids, asks,
		}}, true
	case schema.IndicatorValue:
		var fields []byte
		if len(p.Fields) > 0 {
			encoded, err := json.Marshal(p.Fields)
			if err != nil {
				return row{}, false
			}
			fields = encoded
		}
		return row{"indicators", insertIndicatorSQL, []any{
			nanos(p.TS), p.Symbol, p.VariantID, p.Value, fields,
		}}, true
	case schema.Signal:
		values, err := json.Marshal(p.TriggeringValues)
		if err != nil {
			return row{}, false
		}
		return row{"signals", insertSignalSQL, []any{
			p.SignalID, p.StrategyID, p.Symbol, nanos(p.TS), values,
		}}, true
	case schema.Order:
		return row{"orders", upsertOrderSQL, []any{
			p.OrderID, p.SessionID, p.StrategyID, p.Symbol, string(p.Side), string(p.Type),
			string(p.Intent), string(p.Status), p.Quantity.String(), p.FilledQuantity.String(),
			p.AvgFillPrice.String(), p.Commission.String(), p.Reason,
			nanos(p.CreatedAt), nanos(p.UpdatedAt),
		}}, true
	case schema.Position:
		return row{"positions", upsertPositionSQL, []any{
			p.PositionID, p.SessionID, p.StrategyID, p.Symbol, string(p.Direction),
			string(p.Status), p.Quantity.String(), p.EntryPrice.String(), p.MarkPrice.String(),
			p.Leverage, p.LiquidationPrice.String(), p.StopLossPrice.String(),
			p.TakeProfitPrice.String(), p.UnrealizedPnl.String(), p.RealizedPnl.String(),
			p.PnlPct, nanos(p.OpenedAt), nanos(p.ClosedAt), nanos(p.UpdatedAt),
		}}, true
	case schema.Session:
		symbols, err := json.Marshal(p.Symbols)
		if err != nil {
			return row{}, false
		}
		return row{"sessions", upsertSessionSQL, []any{
			p.SessionID, p.Mode, symbols, p.BudgetUSD, string(p.Status),
			nanos(p.StartedAt), nanos(p.StoppedAt),
		}}, true
	case schema.StateTransition:
		return row{"state_transitions", insertTransitionSQL, []any{
			p.StrategyID, p.Symbol, p.From, p.To, nanos(p.TS), p.Reason,
		}}, true
	default:
		return row{}, false
	}
}

func nanos(ts schema.Nanos) int64 {
	if ts == 0 {
		return 0
	}
	return int64(schema.NanosFrom(int64(ts)))
}
