package indicator

import (
	"math"
	"time"

	"github.com/LKrysik/quantra/internal/schema"
)

// DefaultFillRatio is the fraction of expected samples a time window must
// hold before values are emitted.
const DefaultFillRatio = 0.8

// sample is one (ts, value) pair retained by a window.
type sample struct {
	ts schema.Nanos
	v  float64
}

// CountWindow is a fixed-size ring over the most recent n values.
type CountWindow struct {
	buf  []float64
	head int
	n    int
}

// NewCountWindow builds a window over the most recent size values.
func NewCountWindow(size int) *CountWindow {
	if size < 1 {
		size = 1
	}
	return &CountWindow{buf: make([]float64, size)}
}

// Push appends a value, evicting the oldest when full.
func (w *CountWindow) Push(v float64) {
	w.buf[w.head] = v
	w.head = (w.head + 1) % len(w.buf)
	if w.n < len(w.buf) {
		w.n++
	}
}

// Warm reports whether the window holds its full sample count.
func (w *CountWindow) Warm() bool { return w.n == len(w.buf) }

// Len returns the current sample count.
func (w *CountWindow) Len() int { return w.n }

// Cap returns the configured size.
func (w *CountWindow) Cap() int { return len(w.buf) }

// Sum returns the sum of retained values.
func (w *CountWindow) Sum() float64 {
	total := 0.0
	for i := 0; i < w.n; i++ {
		total += w.buf[i]
	}
	return total
}

// Mean returns the arithmetic mean of retained values, NaN when empty.
func (w *CountWindow) Mean() float64 {
	if w.n == 0 {
		return math.NaN()
	}
	return w.Sum() / float64(w.n)
}

// StdDev returns the population standard deviation of retained values.
func (w *CountWindow) StdDev() float64 {
	if w.n == 0 {
		return math.NaN()
	}
	mean := w.Mean()
	acc := 0.0
	for i := 0; i < w.n; i++ {
		d := w.buf[i] - mean
		acc += d * d
	}
	return math.Sqrt(acc / float64(w.n))
}

// Each visits retained values oldest-first.
func (w *CountWindow) Each(fn func(v float64)) {
	start := 0
	if w.n == len(w.buf) {
		start = w.head
	}
	for i := 0; i < w.n; i++ {
		fn(w.buf[(start+i)%len(w.buf)])
	}
}

// TimeWindow retains samples within a trailing wall-clock span. Warmup
// requires ceil(expected * fillRatio) samples where expected is derived from
// the window span and the variant's nominal sample interval; a window shorter
// than the inter-arrival time therefore never warms up.
type TimeWindow struct {
	span      time.Duration
	samples   []sample
	required  int
	fillRatio float64
}

// NewTimeWindow builds a trailing window of windowMS, expecting one sample
// per intervalMS.
func NewTimeWindow(windowMS, intervalMS int64, fillRatio float64) *TimeWindow {
	if windowMS < 1 {
		windowMS = 1
	}
	if intervalMS < 1 {
		intervalMS = 1000
	}
	if fillRatio <= 0 || fillRatio > 1 {
		fillRatio = DefaultFillRatio
	}
	expected := float64(windowMS) / float64(intervalMS)
	required := int(math.Ceil(expected * fillRatio))
	if required < 2 {
		required = 2
	}
	return &TimeWindow{
		span:      time.Duration(windowMS) * time.Millisecond,
		required:  required,
		fillRatio: fillRatio,
	}
}

// Push appends a sample and evicts everything older than the span.
func (w *TimeWindow) Push(ts schema.Nanos, v float64) {
	w.samples = append(w.samples, sample{ts: ts, v: v})
	cutoff := ts.Add(-w.span)
	drop := 0
	for drop < len(w.samples) && w.samples[drop].ts <= cutoff {
		drop++
	}
	if drop > 0 {
		w.samples = append(w.samples[:0], w.samples[drop:]...)
	}
}

// Warm reports whether enough of the window is filled to emit.
func (w *TimeWindow) Warm() bool { return len(w.samples) >= w.required }

// Len returns the retained sample count.
func (w *TimeWindow) Len() int { return len(w.samples) }

// First returns the oldest retained sample value.
func (w *TimeWindow) First() (float64, bool) {
	if len(w.samples) == 0 {
		return 0, false
	}
	return w.samples[0].v, true
}

// Last returns the newest retained sample value.
func (w *TimeWindow) Last() (float64, bool) {
	if len(w.samples) == 0 {
		return 0, false
	}
	return w.samples[len(w.samples)-1].v, true
}

// Min returns the smallest retained value.
func (w *TimeWindow) Min() (float64, bool) {
	if len(w.samples) == 0 {
		return 0, false
	}
	min := w.samples[0].v
	for _, s := range w.samples[1:] {
		if s.v < min {
			min = s.v
		}
	}
	return min, true
}

// Sum returns the sum of retained values.
func (w *TimeWindow) Sum() float64 {
	total := 0.0
	for _, s := range w.samples {
		total += s.v
	}
	return total
}

// Mean returns the mean of retained values, NaN when empty.
func (w *TimeWindow) Mean() float64 {
	if len(w.samples) == 0 {
		return math.NaN()
	}
	return w.Sum() / float64(len(w.samples))
}
