package indicator

import (
	"context"
	"log"
	"math"
	"sort"
	"sync"

	"github.com/sourcegraph/conc"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/LKrysik/quantra/errs"
	"github.com/LKrysik/quantra/internal/bus"
	"github.com/LKrysik/quantra/internal/schema"
)

// Config tunes the engine.
type Config struct {
	// SubscriptionCapacity bounds the market data queue. Default 1024.
	SubscriptionCapacity int
	// ShardQueue bounds each per-symbol queue. Default 256.
	ShardQueue int
	// EmitEpsilon suppresses emissions whose value moved less than this from
	// the previous emission. Default 1e-9.
	EmitEpsilon float64
	// TickThrough forces an emission on every defined value regardless of
	// epsilon.
	TickThrough bool
	// TailSize bounds the in-memory tail cache per (variant, symbol).
	// Default 256.
	TailSize int
}

func (c Config) normalize() Config {
	if c.SubscriptionCapacity <= 0 {
		c.SubscriptionCapacity = 1024
	}
	if c.ShardQueue <= 0 {
		c.ShardQueue = 256
	}
	if c.EmitEpsilon <= 0 {
		c.EmitEpsilon = 1e-9
	}
	if c.TailSize <= 0 {
		c.TailSize = 256
	}
	return c
}

// TailReader serves historical indicator values when the in-memory tail
// cache cannot satisfy a pull request.
type TailReader interface {
	ReadTail(ctx context.Context, variantID, symbol string, n int) ([]schema.IndicatorValue, error)
}

// variantState is per-(variant, symbol) computation state plus emission
// bookkeeping. Single-writer: owned by one shard goroutine.
type variantState struct {
	variant   Variant
	comp      Compute
	lastTS    schema.Nanos
	lastValue float64
	emitted   bool
}

// shard serializes all computation for one symbol.
type shard struct {
	symbol string
	ch     chan Sample
	states []*variantState
}

// Engine consumes market.* events, advances every configured variant per
// symbol and publishes indicator.updated events. Symbols run in parallel;
// work within a symbol is serialized on its shard.
type Engine struct {
	cfg      Config
	bus      *bus.Bus
	catalog  *Catalog
	variants []Variant
	fallback TailReader
	logger   *log.Logger

	mu     sync.Mutex
	shards map[string]*shard

	tailMu sync.RWMutex
	tails  map[string][]schema.IndicatorValue

	errMu     sync.Mutex
	errCounts map[string]uint64

	emittedCounter metric.Int64Counter
	errorCounter   metric.Int64Counter

	ctx    context.Context
	cancel context.CancelFunc
	sub    *bus.Subscription
	wg     conc.WaitGroup
}

// New constructs an engine for the given variant set.
func New(cfg Config, b *bus.Bus, catalog *Catalog, variants []Variant, fallback TailReader, logger *log.Logger) (*Engine, error) {
	if b == nil {
		return nil, errs.New("indicator/new", errs.CodeValidation, errs.WithMessage("bus required"))
	}
	if catalog == nil {
		catalog = DefaultCatalog()
	}
	ordered := make([]Variant, len(variants))
	copy(ordered, variants)
	sort.Slice(ordered, func(i, j int) bool { return ordered[i].ID < ordered[j].ID })
	for _, v := range ordered {
		// Fail fast on unbuildable variants before any event flows.
		if _, err := catalog.NewCompute(v); err != nil {
			return nil, err
		}
	}

	e := &Engine{
		cfg:       cfg.normalize(),
		bus:       b,
		catalog:   catalog,
		variants:  ordered,
		fallback:  fallback,
		logger:    logger,
		shards:    make(map[string]*shard),
		tails:     make(map[string][]schema.IndicatorValue),
		errCounts: make(map[string]uint64),
	}

	meter := otel.Meter("indicator")
	e.emittedCounter, _ = meter.Int64Counter("indicator.values.emitted",
		metric.WithDescription("Number of indicator values emitted"),
		metric.WithUnit("{value}"))
	e.errorCounter, _ = meter.Int64Counter("indicator.values.suppressed",
		metric.WithDescription("Number of undefined indicator values suppressed (NaN/Inf/zero-division)"),
		metric.WithUnit("{value}"))

	return e, nil
}

// Start subscribes to market data and begins computing.
func (e *Engine) Start(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	e.ctx, e.cancel = context.WithCancel(ctx)

	sub, err := e.bus.Subscribe(e.ctx, "market.*", e.cfg.SubscriptionCapacity, bus.DropOldest)
	if err != nil {
		return err
	}
	e.sub = sub

	e.wg.Go(func() { e.consume() })
	return nil
}

// Stop cancels the engine and waits for shard drains.
func (e *Engine) Stop() {
	if e.cancel != nil {
		e.cancel()
	}
	if e.sub != nil {
		e.sub.Close()
	}
	e.mu.Lock()
	for _, sh := range e.shards {
		close(sh.ch)
	}
	e.shards = make(map[string]*shard)
	e.mu.Unlock()
	e.wg.Wait()
}

func (e *Engine) consume() {
	for {
		evt, err := e.sub.Recv(e.ctx)
		if err != nil {
			return
		}
		sample, ok := sampleFromEvent(evt)
		if !ok {
			continue
		}
		sh := e.shardFor(sample.Symbol)
		if sh == nil {
			return
		}
		select {
		case sh.ch <- sample:
		case <-e.ctx.Done():
			return
		}
	}
}

// sampleFromEvent converts market payloads to computation samples.
func sampleFromEvent(evt *schema.Event) (Sample, bool) {
	switch payload := evt.Payload.(type) {
	case schema.Tick:
		return Sample{
			Symbol: payload.Symbol,
			TS:     payload.TS,
			Price:  payload.Close,
			High:   payload.High,
			Low:    payload.Low,
			Volume: payload.Volume,
			Trades: payload.TradesCount,
		}, true
	case schema.Trade:
		return Sample{
			Symbol: payload.Symbol,
			TS:     payload.TS,
			Price:  payload.Price,
			Volume: payload.Quantity,
		}, true
	case schema.OrderbookSnapshot:
		sample := Sample{Symbol: payload.Symbol, TS: payload.TS}
		if len(payload.Bids) > 0 {
			sample.Bid = payload.Bids[0].Price
		}
		if len(payload.Asks) > 0 {
			sample.Ask = payload.Asks[0].Price
		}
		if sample.Bid > 0 && sample.Ask > 0 {
			sample.Price = (sample.Bid + sample.Ask) / 2
		}
		return sample, true
	default:
		return Sample{}, false
	}
}

func (e *Engine) shardFor(symbol string) *shard {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.shards == nil {
		return nil
	}
	if sh, ok := e.shards[symbol]; ok {
		return sh
	}

	states := make([]*variantState, 0, len(e.variants))
	for _, v := range e.variants {
		comp, err := e.catalog.NewCompute(v)
		if err != nil {
			// Validated at construction; a failure here is a catalog mutation bug.
			if e.logger != nil {
				e.logger.Printf("indicator: build %s for %s: %v", v.ID, symbol, err)
			}
			continue
		}
		states = append(states, &variantState{variant: v, comp: comp})
	}

	sh := &shard{
		symbol: symbol,
		ch:     make(chan Sample, e.cfg.ShardQueue),
		states: states,
	}
	e.shards[symbol] = sh
	e.wg.Go(func() { e.runShard(sh) })
	return sh
}

func (e *Engine) runShard(sh *shard) {
	for sample := range sh.ch {
		for _, state := range sh.states {
			e.advance(sh.symbol, state, sample)
		}
	}
}

func (e *Engine) advance(symbol string, state *variantState, sample Sample) {
	out, defined := state.comp.Update(sample)
	if !defined {
		return
	}
	if math.IsNaN(out.Value) || math.IsInf(out.Value, 0) {
		e.countError(state.variant.ID)
		return
	}
	// Stale input must never push emitted ts backwards.
	if sample.TS <= state.lastTS {
		return
	}
	if state.emitted && !e.cfg.TickThrough && math.Abs(out.Value-state.lastValue) < e.cfg.EmitEpsilon {
		return
	}

	value := schema.IndicatorValue{
		VariantID: state.variant.ID,
		Symbol:    symbol,
		TS:        sample.TS,
		Value:     out.Value,
		Fields:    out.Fields,
	}
	state.lastTS = sample.TS
	state.lastValue = out.Value
	state.emitted = true

	e.appendTail(value)
	if e.emittedCounter != nil {
		e.emittedCounter.Add(e.ctx, 1, metric.WithAttributes(
			attribute.String("variant_id", state.variant.ID),
			attribute.String("symbol", symbol)))
	}

	evt := &schema.Event{
		Topic:   schema.TopicIndicatorUpdated,
		Source:  "indicator",
		Symbol:  symbol,
		Payload: value,
	}
	if err := e.bus.Publish(e.ctx, evt); err != nil && e.logger != nil {
		e.logger.Printf("indicator: publish %s %s: %v", state.variant.ID, symbol, err)
	}
}

func (e *Engine) countError(variantID string) {
	e.errMu.Lock()
	e.errCounts[variantID]++
	e.errMu.Unlock()
	if e.errorCounter != nil {
		e.errorCounter.Add(e.ctx, 1, metric.WithAttributes(attribute.String("variant_id", variantID)))
	}
}

// ErrorCount reports suppressed undefined values for a variant.
func (e *Engine) ErrorCount(variantID string) uint64 {
	e.errMu.Lock()
	defer e.errMu.Unlock()
	return e.errCounts[variantID]
}

func tailKey(variantID, symbol string) string { return variantID + "|" + symbol }

func (e *Engine) appendTail(value schema.IndicatorValue) {
	key := tailKey(value.VariantID, value.Symbol)
	e.tailMu.Lock()
	tail := append(e.tails[key], value)
	if overflow := len(tail) - e.cfg.TailSize; overflow > 0 {
		tail = append(tail[:0], tail[overflow:]...)
	}
	e.tails[key] = tail
	e.tailMu.Unlock()
}

// Tail returns the most recent n values for a variant on a symbol in
// ascending ts order, falling back to the persistence reader when the
// in-memory cache is short.
func (e *Engine) Tail(ctx context.Context, variantID, symbol string, n int) ([]schema.IndicatorValue, error) {
	if n <= 0 {
		return nil, nil
	}
	e.tailMu.RLock()
	cached := e.tails[tailKey(variantID, symbol)]
	out := make([]schema.IndicatorValue, 0, n)
	if len(cached) > n {
		cached = cached[len(cached)-n:]
	}
	out = append(out, cached...)
	e.tailMu.RUnlock()

	if len(out) >= n || e.fallback == nil {
		return out, nil
	}

	persisted, err := e.fallback.ReadTail(ctx, variantID, symbol, n)
	if err != nil {
		return out, errs.New("indicator/tail", errs.CodeTransient,
			errs.WithMessage("tail fallback read failed"), errs.WithCause(err))
	}
	// Merge: persisted rows strictly older than the cached head, duplicates at
	// the same ts tolerated by keeping the cached copy.
	var headTS schema.Nanos
	if len(out) > 0 {
		headTS = out[0].TS
	}
	merged := make([]schema.IndicatorValue, 0, n)
	for _, row := range persisted {
		if headTS == 0 || row.TS < headTS {
			merged = append(merged, row)
		}
	}
	merged = append(merged, out...)
	if len(merged) > n {
		merged = merged[len(merged)-n:]
	}
	return merged, nil
}

// Variants returns the configured variant set (sorted by id).
func (e *Engine) Variants() []Variant {
	out := make([]Variant, len(e.variants))
	copy(out, e.variants)
	return out
}
