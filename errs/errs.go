// Package errs provides structured error types and helpers shared across the engine.
package errs

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// Code identifies an error category from the engine taxonomy.
type Code string

const (
	// CodeValidation indicates malformed input rejected before any side effect.
	CodeValidation Code = "validation"
	// CodeConflict indicates a concurrent or duplicate mutation conflict.
	CodeConflict Code = "conflict"
	// CodeTransient indicates a retryable failure (venue, persistence, backpressure).
	CodeTransient Code = "transient"
	// CodeDataQuality indicates suppressed bad input (NaN, stale tick, gap).
	CodeDataQuality Code = "data_quality"
	// CodePrecondition indicates a limits or budget guard rejection.
	CodePrecondition Code = "precondition"
	// CodeNotFound indicates a missing resource.
	CodeNotFound Code = "not_found"
	// CodeUnavailable indicates the component is shut down or not ready.
	CodeUnavailable Code = "unavailable"
	// CodeFatal indicates corrupted state or an invariant violation.
	CodeFatal Code = "fatal"
)

// Retryable reports whether errors of this code may be retried.
func (c Code) Retryable() bool {
	return c == CodeTransient
}

// E captures structured error information produced across the engine.
type E struct {
	Scope   string
	Code    Code
	Message string
	Fields  map[string]string

	cause error
}

// Option configures an error envelope.
type Option func(*E)

// New constructs an error envelope for the scope and error code.
// Scope follows "component/operation", e.g. "bus/publish".
func New(scope string, code Code, opts ...Option) *E {
	e := &E{
		Scope:   strings.TrimSpace(scope),
		Code:    code,
		Message: "",
		Fields:  nil,
		cause:   nil,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(e)
		}
	}
	return e
}

// WithMessage attaches a human-readable message to the error.
func WithMessage(message string) Option {
	trimmed := strings.TrimSpace(message)
	return func(e *E) {
		e.Message = trimmed
	}
}

// WithCause sets the underlying cause error.
func WithCause(err error) Option {
	return func(e *E) {
		e.cause = err
	}
}

// WithField appends a single metadata key/value pair. Non-string values are
// rendered with fmt.Sprint so callers can attach counts and amounts directly.
func WithField(key string, value any) Option {
	return func(e *E) {
		trimmedKey := strings.TrimSpace(key)
		if trimmedKey == "" {
			return
		}
		if e.Fields == nil {
			e.Fields = make(map[string]string, 1)
		}
		e.Fields[trimmedKey] = strings.TrimSpace(fmt.Sprint(value))
	}
}

// WithFields merges the provided metadata into the error envelope.
func WithFields(fields map[string]any) Option {
	return func(e *E) {
		if len(fields) == 0 {
			return
		}
		if e.Fields == nil {
			e.Fields = make(map[string]string, len(fields))
		}
		for k, v := range fields {
			key := strings.TrimSpace(k)
			if key == "" {
				continue
			}
			e.Fields[key] = strings.TrimSpace(fmt.Sprint(v))
		}
	}
}

func (e *E) Error() string {
	if e == nil {
		return "<nil>"
	}
	var parts []string

	scope := strings.TrimSpace(e.Scope)
	if scope == "" {
		scope = "unknown"
	}
	parts = append(parts, "scope="+scope)

	code := strings.TrimSpace(string(e.Code))
	if code == "" {
		code = "unknown"
	}
	parts = append(parts, "code="+code)

	if e.Message != "" {
		parts = append(parts, "message="+strconv.Quote(e.Message))
	}
	if len(e.Fields) > 0 {
		keys := make([]string, 0, len(e.Fields))
		for k := range e.Fields {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		pairs := make([]string, 0, len(keys))
		for _, k := range keys {
			pairs = append(pairs, k+"="+strconv.Quote(e.Fields[k]))
		}
		parts = append(parts, "fields="+strings.Join(pairs, ","))
	}
	if e.cause != nil {
		parts = append(parts, "cause="+strconv.Quote(e.cause.Error()))
	}

	return strings.Join(parts, " ")
}

func (e *E) Unwrap() error { return e.cause }

// CodeOf extracts the taxonomy code from err, walking the cause chain.
// Returns an empty code when err carries no envelope.
func CodeOf(err error) Code {
	for err != nil {
		if envelope, ok := err.(*E); ok {
			return envelope.Code
		}
		unwrapper, ok := err.(interface{ Unwrap() error })
		if !ok {
			return ""
		}
		err = unwrapper.Unwrap()
	}
	return ""
}

// HasCode reports whether err carries the given taxonomy code.
func HasCode(err error, code Code) bool {
	return CodeOf(err) == code
}
