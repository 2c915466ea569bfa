// Package apperr defines the service-wide error taxonomy. Components at the
// edges of the core map vendor and driver errors into these kinds; transport
// layers map kinds onto HTTP status codes.
package apperr

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind classifies an error for propagation and status mapping.
type Kind string

const (
	KindValidation        Kind = "validation"
	KindAuth              Kind = "auth"
	KindForbidden         Kind = "forbidden"
	KindNotFound          Kind = "not_found"
	KindConflict          Kind = "conflict"
	KindTransientUpstream Kind = "transient_upstream"
	KindUnavailable       Kind = "unavailable"
	KindInternal          Kind = "internal"
)

// Error is the structured error carried across component boundaries.
type Error struct {
	Kind    Kind
	Message string
	Detail  string
	cause   error
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("%s: %s", e.Message, e.Detail)
	}
	return e.Message
}

// Unwrap returns the underlying cause for error chain support.
func (e *Error) Unwrap() error {
	return e.cause
}

// Is matches errors by kind so errors.Is works across wrapping.
func (e *Error) Is(target error) bool {
	if t, ok := target.(*Error); ok {
		return e.Kind == t.Kind
	}
	return false
}

// WithDetail attaches client-safe detail text and returns the error.
func (e *Error) WithDetail(detail string) *Error {
	e.Detail = detail
	return e
}

// New creates an error of the given kind.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Wrap creates an error of the given kind around a cause. Returns nil when
// the cause is nil so call sites can wrap unconditionally.
func Wrap(kind Kind, message string, cause error) *Error {
	if cause == nil {
		return nil
	}
	return &Error{Kind: kind, Message: message, cause: cause}
}

// Validation creates a client-input error (400/422).
func Validation(message string) *Error { return New(KindValidation, message) }

// Auth creates a missing/invalid credential error (401).
func Auth(message string) *Error { return New(KindAuth, message) }

// Forbidden creates an insufficient-role error (403).
func Forbidden(message string) *Error { return New(KindForbidden, message) }

// NotFound creates an entity-missing error (404).
func NotFound(message string) *Error { return New(KindNotFound, message) }

// Conflict creates a uniqueness or lifecycle violation error (409).
func Conflict(message string) *Error { return New(KindConflict, message) }

// Transient creates an upstream error that survived its retries.
func Transient(message string, cause error) *Error {
	return &Error{Kind: KindTransientUpstream, Message: message, cause: cause}
}

// Unavailable creates an external-system-down error.
func Unavailable(message string, cause error) *Error {
	return &Error{Kind: KindUnavailable, Message: message, cause: cause}
}

// Internal creates a programming error. The message is logged; clients see a
// generic message via PublicMessage.
func Internal(message string, cause error) *Error {
	return &Error{Kind: KindInternal, Message: message, cause: cause}
}

// KindOf extracts the kind from any error. Unclassified errors are internal.
func KindOf(err error) Kind {
	var ae *Error
	if errors.As(err, &ae) {
		return ae.Kind
	}
	return KindInternal
}

// HTTPStatus maps an error kind to a response status code.
func HTTPStatus(kind Kind) int {
	switch kind {
	case KindValidation:
		return http.StatusUnprocessableEntity
	case KindAuth:
		return http.StatusUnauthorized
	case KindForbidden:
		return http.StatusForbidden
	case KindNotFound:
		return http.StatusNotFound
	case KindConflict:
		return http.StatusConflict
	case KindTransientUpstream:
		return http.StatusBadGateway
	case KindUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// PublicMessage returns the client-facing message for an error. Internal
// errors collapse to a generic message; details stay in the logs.
func PublicMessage(err error) string {
	var ae *Error
	if errors.As(err, &ae) && ae.Kind != KindInternal {
		return ae.Error()
	}
	return "An internal error occurred"
}
