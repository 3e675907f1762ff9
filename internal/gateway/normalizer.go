// Package gateway ingests venue market data, normalizes it into canonical
// tick, trade and orderbook events and publishes them on the bus with a
// per-symbol monotonic timestamp guarantee.
package gateway

import (
	"sync"
	"time"

	"github.com/LKrysik/quantra/internal/schema"
)

// DropKind classifies why the normalizer rejected a sample.
type DropKind int

const (
	DropNone DropKind = iota
	// DropDuplicate is a sample with the same timestamp as the last emitted.
	DropDuplicate
	// DropReordered arrived behind the last emitted timestamp but inside the
	// staleness tolerance.
	DropReordered
	// DropStale arrived behind the last emitted timestamp by more than the
	// tolerance.
	DropStale
)

func (k DropKind) String() string {
	switch k {
	case DropDuplicate:
		return "duplicate"
	case DropReordered:
		return "reordered"
	case DropStale:
		return "stale"
	default:
		return "none"
	}
}

// Normalizer enforces per-symbol monotonic timestamps. Anything at or behind
// the last emitted timestamp is dropped; the drop kind distinguishes exact
// duplicates, small reorders and genuinely stale data for the counters.
type Normalizer struct {
	tolerance schema.Nanos

	mu     sync.Mutex
	lastTS map[string]schema.Nanos
	drops  map[DropKind]uint64
}

// NewNormalizer builds a normalizer with the given staleness tolerance.
func NewNormalizer(tolerance time.Duration) *Normalizer {
	if tolerance <= 0 {
		tolerance = 500 * time.Millisecond
	}
	return &Normalizer{
		tolerance: schema.Nanos(tolerance.Nanoseconds()),
		lastTS:    make(map[string]schema.Nanos),
		drops:     make(map[DropKind]uint64),
	}
}

// Admit decides whether a sample for the symbol at ts may be emitted. On
// acceptance the symbol's watermark advances to ts.
func (n *Normalizer) Admit(symbol string, ts schema.Nanos) DropKind {
	n.mu.Lock()
	defer n.mu.Unlock()

	last, seen := n.lastTS[symbol]
	if !seen || ts > last {
		n.lastTS[symbol] = ts
		return DropNone
	}

	kind := DropDuplicate
	switch {
	case ts == last:
	case last-ts > n.tolerance:
		kind = DropStale
	default:
		kind = DropReordered
	}
	n.drops[kind]++
	return kind
}

// Watermark returns the last emitted timestamp for a symbol.
func (n *Normalizer) Watermark(symbol string) (schema.Nanos, bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	ts, ok := n.lastTS[symbol]
	return ts, ok
}

// Dropped reports how many samples were rejected for the given reason.
func (n *Normalizer) Dropped(kind DropKind) uint64 {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.drops[kind]
}
