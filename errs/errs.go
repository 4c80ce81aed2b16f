// Package errs provides structured error types and helpers for tradejs services.
package errs

import (
	"errors"
	"sort"
	"strconv"
	"strings"
)

// Code identifies an orchestration failure category.
type Code string

const (
	// CodeInvalidSpec indicates a malformed instrument specification.
	CodeInvalidSpec Code = "invalid_spec"
	// CodeSpawn indicates the worker process could not be started or never became ready.
	CodeSpawn Code = "spawn_error"
	// CodeWorkerTimeout indicates no reply arrived within the request deadline.
	CodeWorkerTimeout Code = "worker_timeout"
	// CodeWorkerCrashed indicates the worker process exited before replying.
	CodeWorkerCrashed Code = "worker_crashed"
	// CodeWorkerError indicates the worker answered a command with an error.
	CodeWorkerError Code = "worker_error"
	// CodeNotFound indicates an unknown instrument id.
	CodeNotFound Code = "not_found"
	// CodeUnknownIndicator indicates an indicator catalogue miss.
	CodeUnknownIndicator Code = "unknown_indicator"
	// CodeChannelClosed indicates a write after the peer process went away.
	CodeChannelClosed Code = "channel_closed"
	// CodeUnavailable indicates the component is closed or saturated.
	CodeUnavailable Code = "unavailable"
)

// E captures structured error information produced across the tradejs stack.
type E struct {
	Op         string
	Code       Code
	Instrument string
	Message    string
	Fields     map[string]string

	cause error
}

// Option configures an error envelope.
type Option func(*E)

// New constructs an error envelope for the operation and error code.
func New(op string, code Code, opts ...Option) *E {
	e := &E{
		Op:         strings.TrimSpace(op),
		Code:       code,
		Instrument: "",
		Message:    "",
		Fields:     nil,
		cause:      nil,
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

// WithInstrument records the instrument id the failure relates to.
func WithInstrument(id string) Option {
	trimmed := strings.TrimSpace(id)
	return func(e *E) {
		e.Instrument = trimmed
	}
}

// WithCause sets the underlying cause error.
func WithCause(err error) Option {
	return func(e *E) {
		e.cause = err
	}
}

// WithField appends a single key/value pair of diagnostic context.
func WithField(key, value string) Option {
	return func(e *E) {
		trimmedKey := strings.TrimSpace(key)
		if trimmedKey == "" {
			return
		}
		if e.Fields == nil {
			e.Fields = make(map[string]string, 1)
		}
		e.Fields[trimmedKey] = strings.TrimSpace(value)
	}
}

func (e *E) Error() string {
	if e == nil {
		return "<nil>"
	}
	var parts []string

	op := strings.TrimSpace(e.Op)
	if op == "" {
		op = "unknown"
	}
	parts = append(parts, "op="+op)

	code := strings.TrimSpace(string(e.Code))
	if code == "" {
		code = "unknown"
	}
	parts = append(parts, "code="+code)

	if e.Instrument != "" {
		parts = append(parts, "instrument="+e.Instrument)
	}
	if e.Message != "" {
		parts = append(parts, "message="+strconv.Quote(e.Message))
	}
	if len(e.Fields) > 0 {
		keys := make([]string, 0, len(e.Fields))
		for k := range e.Fields {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			parts = append(parts, k+"="+strconv.Quote(e.Fields[k]))
		}
	}
	if e.cause != nil {
		parts = append(parts, "cause="+strconv.Quote(e.cause.Error()))
	}

	return strings.Join(parts, " ")
}

func (e *E) Unwrap() error { return e.cause }

// CodeOf returns the code of the outermost *E in the chain, or "" when none is present.
func CodeOf(err error) Code {
	var e *E
	if errors.As(err, &e) && e != nil {
		return e.Code
	}
	return ""
}

// IsCode reports whether any *E in the error chain carries the code.
func IsCode(err error, code Code) bool {
	for err != nil {
		var e *E
		if !errors.As(err, &e) || e == nil {
			return false
		}
		if e.Code == code {
			return true
		}
		err = e.cause
	}
	return false
}

// NotFound returns a standardized error for an unknown instrument id.
func NotFound(op, id string) *E {
	return New(op, CodeNotFound, WithInstrument(id), WithMessage("instrument '"+strings.TrimSpace(id)+"' does not exist"))
}
