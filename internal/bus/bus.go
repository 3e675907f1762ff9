// Package bus implements the typed pub/sub event bus connecting the engine
// components: ordered per-topic delivery, bounded subscriber queues and
// per-subscription overflow policies.
package bus

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	concpool "github.com/sourcegraph/conc/pool"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/LKrysik/quantra/errs"
	"github.com/LKrysik/quantra/internal/schema"
)

// Policy selects the overflow behaviour of a full subscription queue.
type Policy int

const (
	// DropOldest evicts the oldest buffered event to admit the new one.
	DropOldest Policy = iota
	// DropNewest discards the incoming event.
	DropNewest
	// BlockPublisher stalls the publisher up to the block timeout, then drops.
	BlockPublisher
)

func (p Policy) String() string {
	switch p {
	case DropOldest:
		return "drop_oldest"
	case DropNewest:
		return "drop_newest"
	case BlockPublisher:
		return "block_publisher"
	default:
		return "unknown"
	}
}

// Config tunes the bus.
type Config struct {
	// PublishDeadline bounds how long a single Publish may stall. Default 50ms.
	PublishDeadline time.Duration
	// BlockTimeout bounds BlockPublisher subscriptions. Default 10ms, always
	// clamped to PublishDeadline.
	BlockTimeout time.Duration
	// FanoutWorkers bounds concurrent subscriber deliveries per publish.
	FanoutWorkers int
}

func (c Config) normalize() Config {
	if c.PublishDeadline <= 0 {
		c.PublishDeadline = 50 * time.Millisecond
	}
	if c.BlockTimeout <= 0 {
		c.BlockTimeout = 10 * time.Millisecond
	}
	if c.BlockTimeout > c.PublishDeadline {
		c.BlockTimeout = c.PublishDeadline
	}
	if c.FanoutWorkers <= 0 {
		c.FanoutWorkers = 4
	}
	return c
}

// ErrAllDropped is returned when every matching subscription refused the event.
var ErrAllDropped = errs.New("bus/publish", errs.CodeTransient, errs.WithMessage("event dropped by all subscriptions"))

// Subscription is a bounded receive endpoint for one topic pattern.
type Subscription struct {
	id       uint64
	pattern  string
	policy   Policy
	ch       chan *schema.Event
	drops    atomic.Uint64
	gapsSeen uint64
	cancel   context.CancelFunc
	done     chan struct{}
	once     sync.Once
	bus      *Bus
}

// C exposes the raw receive channel for select-based consumers. Consumers
// using C directly should call GapMarker to observe losses.
func (s *Subscription) C() <-chan *schema.Event { return s.ch }

// Drops returns the cumulative number of events dropped for this subscription.
func (s *Subscription) Drops() uint64 { return s.drops.Load() }

// Pattern returns the topic pattern the subscription was created with.
func (s *Subscription) Pattern() string { return s.pattern }

// Recv returns the next event. When events were dropped since the previous
// call it first synthesizes a system.gap marker carrying the cumulative drop
// counter, so consumers can detect loss in-band.
func (s *Subscription) Recv(ctx context.Context) (*schema.Event, error) {
	if gap := s.GapMarker(); gap != nil {
		return gap, nil
	}
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case evt, ok := <-s.ch:
		if !ok {
			return nil, errs.New("bus/recv", errs.CodeUnavailable, errs.WithMessage("subscription closed"))
		}
		return evt, nil
	}
}

// GapMarker returns a system.gap event when drops occurred since the last
// call, nil otherwise. The marker carries the monotonically increasing
// cumulative counter so repeated losses are distinguishable.
func (s *Subscription) GapMarker() *schema.Event {
	current := s.drops.Load()
	if current == s.gapsSeen {
		return nil
	}
	s.gapsSeen = current
	return &schema.Event{
		Topic:  schema.TopicSystemGap,
		TS:     schema.Now(),
		Source: "bus",
		Payload: schema.Gap{
			Source:  s.pattern,
			Dropped: current,
		},
	}
}

// Close removes the subscription from the bus and drains the queue.
// Idempotent.
func (s *Subscription) Close() {
	s.once.Do(func() {
		s.bus.remove(s)
		s.cancel()
		close(s.done)
		close(s.ch)
		for range s.ch {
		}
	})
}

// Bus is the in-memory event bus. Events published for a topic fan out to
// every subscription whose pattern matches, FIFO per (topic, publisher).
type Bus struct {
	cfg Config

	mu     sync.RWMutex
	subs   map[uint64]*Subscription
	nextID uint64
	closed bool

	lastTS atomic.Int64
	seqMu  sync.Mutex
	seqs   map[string]uint64

	publishedCounter metric.Int64Counter
	deliveredCounter metric.Int64Counter
	droppedCounter   metric.Int64Counter
	fanoutHistogram  metric.Int64Histogram
}

// New constructs a bus.
func New(cfg Config) *Bus {
	b := &Bus{
		cfg:  cfg.normalize(),
		subs: make(map[uint64]*Subscription),
		seqs: make(map[string]uint64),
	}

	meter := otel.Meter("bus")
	b.publishedCounter, _ = meter.Int64Counter("bus.events.published",
		metric.WithDescription("Number of events published to the bus"),
		metric.WithUnit("{event}"))
	b.deliveredCounter, _ = meter.Int64Counter("bus.events.delivered",
		metric.WithDescription("Number of events delivered to subscribers"),
		metric.WithUnit("{event}"))
	b.droppedCounter, _ = meter.Int64Counter("bus.events.dropped",
		metric.WithDescription("Number of events dropped due to subscriber backpressure"),
		metric.WithUnit("{event}"))
	b.fanoutHistogram, _ = meter.Int64Histogram("bus.fanout.size",
		metric.WithDescription("Number of subscribers per fanout"),
		metric.WithUnit("{subscriber}"))

	return b
}

// Subscribe registers a pattern with a bounded queue and overflow policy.
func (b *Bus) Subscribe(ctx context.Context, pattern string, capacity int, policy Policy) (*Subscription, error) {
	if pattern == "" {
		return nil, errs.New("bus/subscribe", errs.CodeValidation, errs.WithMessage("pattern required"))
	}
	if capacity <= 0 {
		capacity = 64
	}
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, cancel := context.WithCancel(ctx)

	sub := &Subscription{
		pattern: pattern,
		policy:  policy,
		ch:      make(chan *schema.Event, capacity),
		cancel:  cancel,
		done:    make(chan struct{}),
		bus:     b,
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		cancel()
		return nil, errs.New("bus/subscribe", errs.CodeUnavailable, errs.WithMessage("bus closed"))
	}
	b.nextID++
	sub.id = b.nextID
	b.subs[sub.id] = sub
	b.mu.Unlock()

	go func() {
		<-ctx.Done()
		select {
		case <-sub.done:
		default:
			sub.Close()
		}
	}()

	return sub, nil
}

// Publish assigns the bus timestamp and per-(topic, source) sequence, then
// fans the event out to every matching subscription. It blocks at most
// PublishDeadline. The error is ErrAllDropped only when matching
// subscriptions existed and none accepted the event.
func (b *Bus) Publish(ctx context.Context, evt *schema.Event) error {
	if evt == nil {
		return nil
	}
	if err := schema.ValidateTopic(evt.Topic); err != nil {
		return err
	}
	if ctx == nil {
		ctx = context.Background()
	}

	evt.TS = b.stampTS()
	evt.Seq = b.nextSeq(evt.Topic, evt.Source)

	b.mu.RLock()
	if b.closed {
		b.mu.RUnlock()
		return errs.New("bus/publish", errs.CodeUnavailable, errs.WithMessage("bus closed"))
	}
	matched := make([]*Subscription, 0, 4)
	for _, sub := range b.subs {
		if MatchTopic(sub.pattern, evt.Topic) {
			matched = append(matched, sub)
		}
	}
	b.mu.RUnlock()

	if b.publishedCounter != nil {
		b.publishedCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("topic", evt.Topic)))
	}
	if b.fanoutHistogram != nil {
		b.fanoutHistogram.Record(ctx, int64(len(matched)), metric.WithAttributes(attribute.String("topic", evt.Topic)))
	}
	if len(matched) == 0 {
		return nil
	}

	deadline := time.NewTimer(b.cfg.PublishDeadline)
	defer deadline.Stop()

	var delivered atomic.Int64
	p := concpool.New().WithMaxGoroutines(b.cfg.FanoutWorkers)
	for _, sub := range matched {
		p.Go(func() {
			if b.deliver(ctx, sub, evt, deadline.C) {
				delivered.Add(1)
			}
		})
	}
	p.Wait()

	if delivered.Load() == 0 {
		return ErrAllDropped
	}
	return nil
}

// deliver pushes one event into a subscription queue per its policy.
// Returns true when the subscriber will observe the event.
func (b *Bus) deliver(ctx context.Context, sub *Subscription, evt *schema.Event, deadline <-chan time.Time) (ok bool) {
	defer func() {
		if recover() != nil {
			// Subscription closed concurrently; count as a drop.
			ok = false
		}
		if ok {
			if b.deliveredCounter != nil {
				b.deliveredCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("topic", evt.Topic)))
			}
		} else {
			sub.drops.Add(1)
			if b.droppedCounter != nil {
				b.droppedCounter.Add(ctx, 1, metric.WithAttributes(
					attribute.String("topic", evt.Topic),
					attribute.String("policy", sub.policy.String())))
			}
		}
	}()

	select {
	case <-sub.done:
		return false
	default:
	}

	select {
	case sub.ch <- evt:
		return true
	default:
	}

	switch sub.policy {
	case DropOldest:
		select {
		case <-sub.ch:
			sub.drops.Add(1)
			if b.droppedCounter != nil {
				b.droppedCounter.Add(ctx, 1, metric.WithAttributes(
					attribute.String("topic", evt.Topic),
					attribute.String("policy", sub.policy.String())))
			}
		default:
		}
		select {
		case sub.ch <- evt:
			return true
		default:
			return false
		}
	case BlockPublisher:
		blockTimer := time.NewTimer(b.cfg.BlockTimeout)
		defer blockTimer.Stop()
		select {
		case sub.ch <- evt:
			return true
		case <-sub.done:
			return false
		case <-blockTimer.C:
			return false
		case <-deadline:
			return false
		case <-ctx.Done():
			return false
		}
	default: // DropNewest
		return false
	}
}

// stampTS assigns a strictly increasing nanosecond timestamp.
func (b *Bus) stampTS() schema.Nanos {
	now := int64(schema.Now())
	for {
		last := b.lastTS.Load()
		if now <= last {
			now = last + 1
		}
		if b.lastTS.CompareAndSwap(last, now) {
			return schema.Nanos(now)
		}
	}
}

func (b *Bus) nextSeq(topic, source string) uint64 {
	key := topic + "|" + source
	b.seqMu.Lock()
	b.seqs[key]++
	seq := b.seqs[key]
	b.seqMu.Unlock()
	return seq
}

func (b *Bus) remove(sub *Subscription) {
	b.mu.Lock()
	delete(b.subs, sub.id)
	b.mu.Unlock()
}

// Close shuts the bus down and closes every subscription.
func (b *Bus) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	subs := make([]*Subscription, 0, len(b.subs))
	for _, sub := range b.subs {
		subs = append(subs, sub)
	}
	b.mu.Unlock()

	for _, sub := range subs {
		sub.Close()
	}
}

// SubscriberCount reports the number of live subscriptions (diagnostics).
func (b *Bus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// Emit is a convenience for components publishing a payload on a topic.
func Emit(ctx context.Context, b *Bus, topic, source, symbol string, payload any) error {
	if b == nil {
		return fmt.Errorf("bus required")
	}
	return b.Publish(ctx, &schema.Event{
		Topic:   topic,
		Source:  source,
		Symbol:  symbol,
		Payload: payload,
	})
}
