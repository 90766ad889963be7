// Package errs provides structured error types and helpers for Estuary services.
package errs

import (
	"errors"
	"strconv"
	"strings"
)

// Code identifies an ingestion error category.
type Code string

const (
	// CodeRateLimited indicates that the sink throttled the request.
	CodeRateLimited Code = "rate_limited"
	// CodeNetwork indicates a network transport failure.
	CodeNetwork Code = "network"
	// CodeUnavailable indicates the sink or source is temporarily unavailable.
	CodeUnavailable Code = "unavailable"
	// CodeInvalidRow indicates the sink rejected one or more rows structurally.
	CodeInvalidRow Code = "invalid_row"
	// CodeConflict indicates a duplicate-key or concurrent mutation conflict.
	CodeConflict Code = "conflict"
	// CodeExhausted indicates a retry budget was spent without success.
	CodeExhausted Code = "retry_exhausted"
	// CodeInternal indicates an uncategorized internal failure.
	CodeInternal Code = "internal"
)

// E captures structured error information produced across the Estuary stack.
type E struct {
	Component string
	Code      Code
	Stream    string
	Table     string
	Message   string
	Attempts  int

	cause error
}

// Option configures an error envelope.
type Option func(*E)

// New constructs an error envelope for the named component and error code.
func New(component string, code Code, opts ...Option) *E {
	e := &E{
		Component: strings.TrimSpace(component),
		Code:      code,
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

// WithStream records the named stream the failure belongs to.
func WithStream(stream string) Option {
	trimmed := strings.TrimSpace(stream)
	return func(e *E) {
		e.Stream = trimmed
	}
}

// WithTable records the destination table involved in the failure.
func WithTable(table string) Option {
	trimmed := strings.TrimSpace(table)
	return func(e *E) {
		e.Table = trimmed
	}
}

// WithAttempts records how many delivery attempts preceded the failure.
func WithAttempts(attempts int) Option {
	return func(e *E) {
		e.Attempts = attempts
	}
}

// WithCause sets the underlying cause error.
func WithCause(err error) Option {
	return func(e *E) {
		e.cause = err
	}
}

func (e *E) Error() string {
	if e == nil {
		return "<nil>"
	}
	var parts []string

	component := strings.TrimSpace(e.Component)
	if component == "" {
		component = "unknown"
	}
	parts = append(parts, "component="+component)

	code := strings.TrimSpace(string(e.Code))
	if code == "" {
		code = string(CodeInternal)
	}
	parts = append(parts, "code="+code)

	if e.Stream != "" {
		parts = append(parts, "stream="+e.Stream)
	}
	if e.Table != "" {
		parts = append(parts, "table="+e.Table)
	}
	if e.Attempts > 0 {
		parts = append(parts, "attempts="+strconv.Itoa(e.Attempts))
	}
	if e.Message != "" {
		parts = append(parts, "message="+strconv.Quote(e.Message))
	}
	if e.cause != nil {
		parts = append(parts, "cause="+strconv.Quote(e.cause.Error()))
	}

	return strings.Join(parts, " ")
}

func (e *E) Unwrap() error { return e.cause }

// CodeOf extracts the ingestion error code from err, walking the wrap chain.
// Errors that never passed through an envelope report CodeInternal.
func CodeOf(err error) Code {
	var envelope *E
	if errors.As(err, &envelope) && envelope != nil {
		if strings.TrimSpace(string(envelope.Code)) != "" {
			return envelope.Code
		}
	}
	return CodeInternal
}

// Retryable reports whether err belongs to the transient class that the
// batch inserter is allowed to retry.
func Retryable(err error) bool {
	switch CodeOf(err) {
	case CodeRateLimited, CodeNetwork, CodeUnavailable:
		return true
	default:
		return false
	}
}
