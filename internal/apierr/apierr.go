// Package apierr defines relay's error taxonomy.
//
// Every failure a request can hit maps to exactly one Kind, and every Kind
// maps to one HTTP status. Rate-limit and balance rejections are ordinary
// error values threaded through the pipeline's state transitions, never
// panics or sentinel strings.
package apierr

import (
	"errors"
	"net/http"
)

// Kind classifies a request failure.
type Kind int

const (
	// KindInternal covers counter-store, catalogue-store and programming
	// failures. It is the zero value so an unclassified error surfaces
	// as a 500 rather than something more specific than we know.
	KindInternal Kind = iota
	KindAuth
	KindForbidden
	KindBadRequest
	KindRateLimited
	KindInsufficientBalance
	KindUpstream
	KindCancelled
)

// Error is a classified request failure. Message is safe to show to the
// caller; internal diagnostics belong in the log, not here.
type Error struct {
	Kind    Kind
	Message string
	err     error
}

func (e *Error) Error() string { return e.Message }

func (e *Error) Unwrap() error { return e.err }

// HTTPStatus maps the kind to its public status code.
func (e *Error) HTTPStatus() int {
	switch e.Kind {
	case KindAuth:
		return http.StatusUnauthorized
	case KindForbidden:
		return http.StatusForbidden
	case KindBadRequest:
		return http.StatusBadRequest
	case KindRateLimited:
		return http.StatusTooManyRequests
	case KindInsufficientBalance:
		return http.StatusPaymentRequired
	case KindUpstream:
		return http.StatusInternalServerError
	case KindCancelled:
		// Client is gone; the status is recorded, not delivered.
		return 499
	default:
		return http.StatusInternalServerError
	}
}

// String names the kind for request logs.
func (k Kind) String() string {
	switch k {
	case KindAuth:
		return "AuthError"
	case KindForbidden:
		return "Forbidden"
	case KindBadRequest:
		return "BadRequest"
	case KindRateLimited:
		return "RateLimited"
	case KindInsufficientBalance:
		return "InsufficientBalance"
	case KindUpstream:
		return "UpstreamError"
	case KindCancelled:
		return "Cancelled"
	default:
		return "Internal"
	}
}

// New creates a classified error with a caller-visible message.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Wrap classifies an underlying error, keeping it reachable via Unwrap.
func Wrap(kind Kind, message string, err error) *Error {
	return &Error{Kind: kind, Message: message, err: err}
}

// KindOf extracts the kind from any error. Non-classified errors are
// Internal.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// Is reports whether err carries the given kind.
func Is(err error, kind Kind) bool {
	return KindOf(err) == kind
}

// AsError returns err as a classified error, wrapping unclassified errors
// as Internal with a generic message so internals never leak to callers.
func AsError(err error) *Error {
	var e *Error
	if errors.As(err, &e) {
		return e
	}
	return &Error{Kind: KindInternal, Message: "internal error", err: err}
}
