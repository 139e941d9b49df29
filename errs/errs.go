// Package errs provides structured error types and helpers for the tracker services.
package errs

import (
	"errors"
	"strconv"
	"strings"
)

// Code identifies a delivery-pipeline error category.
type Code string

const (
	// CodeNetwork indicates a transient network transport failure; safe to retry with backoff.
	CodeNetwork Code = "network"
	// CodeTimeout indicates the remote call exceeded its deadline; treated as transient.
	CodeTimeout Code = "timeout"
	// CodeRejected indicates the authoritative registry refused the request as malformed.
	// Fatal for the event; never retried blindly.
	CodeRejected Code = "rejected"
	// CodeDuplicate marks the duplicate outcome. Not a failure: it is a terminal
	// success variant for an event whose uniqueness key was already recorded.
	CodeDuplicate Code = "duplicate"
	// CodeOverflow indicates a bounded queue dropped entries to stay within capacity.
	CodeOverflow Code = "overflow"
	// CodeRetryCeiling indicates an event exhausted its retry budget and was
	// moved to the dead-letter record.
	CodeRetryCeiling Code = "retry_ceiling"
	// CodeInvalid indicates invalid input provided by the caller.
	CodeInvalid Code = "invalid_request"
	// CodeConflict indicates a concurrent mutation conflict.
	CodeConflict Code = "conflict"
	// CodeNotFound indicates a missing resource.
	CodeNotFound Code = "not_found"
	// CodeUnavailable indicates the service is temporarily unavailable.
	CodeUnavailable Code = "unavailable"
	// CodeInternal captures uncategorized internal failures.
	CodeInternal Code = "internal"
)

// E captures structured error information produced across the tracker stack.
type E struct {
	Component  string
	Code       Code
	HTTP       int
	Message    string
	EventID    string
	RetryCount int

	cause error
}

// Option configures an error envelope.
type Option func(*E)

// New constructs an error envelope for the component and error code.
func New(component string, code Code, opts ...Option) *E {
	e := &E{
		Component:  strings.TrimSpace(component),
		Code:       code,
		HTTP:       0,
		Message:    "",
		EventID:    "",
		RetryCount: 0,
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

// WithHTTP records the associated HTTP status code.
func WithHTTP(status int) Option {
	return func(e *E) {
		e.HTTP = status
	}
}

// WithEventID links the error to the scan event that produced it.
func WithEventID(id string) Option {
	trimmed := strings.TrimSpace(id)
	return func(e *E) {
		e.EventID = trimmed
	}
}

// WithRetryCount records how many delivery attempts preceded the error.
func WithRetryCount(count int) Option {
	return func(e *E) {
		e.RetryCount = count
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

	if e.HTTP > 0 {
		parts = append(parts, "http="+strconv.Itoa(e.HTTP))
	}
	if e.EventID != "" {
		parts = append(parts, "event_id="+e.EventID)
	}
	if e.RetryCount > 0 {
		parts = append(parts, "retry_count="+strconv.Itoa(e.RetryCount))
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

// CodeOf extracts the error code from any error in the chain, defaulting to CodeInternal.
func CodeOf(err error) Code {
	if err == nil {
		return ""
	}
	var e *E
	if errors.As(err, &e) {
		return e.Code
	}
	return CodeInternal
}

// IsTransient reports whether the error represents a failure that the
// dispatcher may retry with backoff.
func IsTransient(err error) bool {
	switch CodeOf(err) {
	case CodeNetwork, CodeTimeout, CodeUnavailable:
		return true
	default:
		return false
	}
}
