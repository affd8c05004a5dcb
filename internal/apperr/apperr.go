// Package apperr defines the error kinds that cross component boundaries.
//
// Storage-level sentinels (storage.ErrNotFound and friends) stay inside the
// storage layer; everything surfaced to a request boundary is wrapped in an
// *Error carrying a stable machine code, a human message, and an optional
// details payload. The HTTP layer maps kinds to status codes in one place.
package apperr

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind classifies an error for propagation and status mapping.
type Kind string

const (
	Validation   Kind = "validation_failure"
	NotFound     Kind = "not_found"
	Unauthorized Kind = "unauthorized"
	Forbidden    Kind = "forbidden"
	RateLimited  Kind = "rate_limited"
	Conflict     Kind = "conflict"
	Upstream     Kind = "upstream_failure"
	Corruption   Kind = "corruption"
	Cancelled    Kind = "cancelled"
	Internal     Kind = "internal"
)

// Error is the boundary error type.
type Error struct {
	Kind    Kind                   `json:"kind"`
	Code    string                 `json:"code"`
	Message string                 `json:"message"`
	Details map[string]interface{} `json:"details,omitempty"`
	err     error
}

func (e *Error) Error() string {
	if e.err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.err }

// New creates a boundary error with no cause.
func New(kind Kind, code, message string) *Error {
	return &Error{Kind: kind, Code: code, Message: message}
}

// Wrap attaches a cause. The cause stays reachable through errors.Is/As.
func Wrap(kind Kind, code, message string, err error) *Error {
	return &Error{Kind: kind, Code: code, Message: message, err: err}
}

// WithDetail returns e with one detail key set. Mutates in place; boundary
// errors are built once and never shared before being returned.
func (e *Error) WithDetail(key string, value interface{}) *Error {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

// KindOf extracts the kind of err, or Internal when err is not an *Error.
func KindOf(err error) Kind {
	var ae *Error
	if errors.As(err, &ae) {
		return ae.Kind
	}
	return Internal
}

// Is reports whether err carries the given kind.
func Is(err error, kind Kind) bool {
	return KindOf(err) == kind
}

// HTTPStatus maps an error kind to its response status code.
func HTTPStatus(err error) int {
	switch KindOf(err) {
	case Validation:
		return http.StatusBadRequest
	case NotFound:
		return http.StatusNotFound
	case Unauthorized:
		return http.StatusUnauthorized
	case Forbidden:
		return http.StatusForbidden
	case RateLimited:
		return http.StatusTooManyRequests
	case Conflict:
		return http.StatusConflict
	case Cancelled:
		return 499 // Client closed request (nginx convention)
	case Upstream:
		return http.StatusBadGateway
	case Corruption:
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}
