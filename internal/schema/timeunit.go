package schema

import "time"

// Nanos is a wall-clock timestamp in nanoseconds since the Unix epoch.
// It is the single timestamp unit used on every event and persisted row.
// All ingress boundaries must convert through NanosFrom so a mis-unit
// upstream value (seconds or milliseconds) can never leak into the system.
type Nanos int64

const (
	// secondsThreshold: epoch seconds stay below this until the year ~5138.
	secondsThreshold = int64(1e11)
	// millisThreshold: epoch milliseconds stay below this until ~5138.
	millisThreshold = int64(1e14)
	// microsThreshold: epoch microseconds stay below this until ~5138.
	microsThreshold = int64(1e17)
)

// NanosFrom normalizes a raw epoch value of unknown unit to nanoseconds.
// Unit is inferred from magnitude: seconds, milliseconds, microseconds or
// nanoseconds. Zero and negative values map to zero.
func NanosFrom(raw int64) Nanos {
	if raw <= 0 {
		return 0
	}
	switch {
	case raw < secondsThreshold:
		return Nanos(raw * int64(time.Second))
	case raw < millisThreshold:
		return Nanos(raw * int64(time.Millisecond))
	case raw < microsThreshold:
		return Nanos(raw * int64(time.Microsecond))
	default:
		return Nanos(raw)
	}
}

// NanosFromTime converts a time.Time to Nanos.
func NanosFromTime(t time.Time) Nanos {
	if t.IsZero() {
		return 0
	}
	return Nanos(t.UnixNano())
}

// Now returns the current wall clock as Nanos.
func Now() Nanos {
	return Nanos(time.Now().UnixNano())
}

// Time converts the timestamp back to a time.Time in UTC.
func (n Nanos) Time() time.Time {
	return time.Unix(0, int64(n)).UTC()
}

// Millis returns the timestamp in whole milliseconds.
func (n Nanos) Millis() int64 {
	return int64(n) / int64(time.Millisecond)
}

// Add shifts the timestamp by a duration.
func (n Nanos) Add(d time.Duration) Nanos {
	return n + Nanos(d)
}

// Sub returns the duration between two timestamps.
func (n Nanos) Sub(other Nanos) time.Duration {
	return time.Duration(int64(n) - int64(other))
}

// IsZero reports whether the timestamp is unset.
func (n Nanos) IsZero() bool {
	return n == 0
}
