// Package errs defines the error taxonomy shared by the execution core and the
// HTTP layer. Every core operation fails with exactly one Kind.
package errs

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind classifies a failure.
type Kind int

const (
	KindInternal Kind = iota
	KindValidation
	KindAuth
	KindNotFound
	KindProviderNotFound
	KindCapacityExceeded
	KindTimeout
	KindCancelled
	KindProviderError
	KindWorkspace
)

// Code returns the stable machine-readable code for the kind.
func (k Kind) Code() string {
	switch k {
	case KindValidation:
		return "VALIDATION_ERROR"
	case KindAuth:
		return "AUTH_ERROR"
	case KindNotFound:
		return "NOT_FOUND"
	case KindProviderNotFound:
		return "PROVIDER_NOT_FOUND"
	case KindCapacityExceeded:
		return "CAPACITY_EXCEEDED"
	case KindTimeout:
		return "TIMEOUT"
	case KindCancelled:
		return "CANCELLED"
	case KindProviderError:
		return "PROVIDER_ERROR"
	case KindWorkspace:
		return "WORKSPACE_ERROR"
	default:
		return "INTERNAL_ERROR"
	}
}

// HTTPStatus maps the kind to the status code the API responds with.
func (k Kind) HTTPStatus() int {
	switch k {
	case KindValidation, KindProviderNotFound:
		return http.StatusBadRequest
	case KindAuth:
		return http.StatusUnauthorized
	case KindNotFound:
		return http.StatusNotFound
	case KindCapacityExceeded:
		return http.StatusServiceUnavailable
	case KindTimeout:
		return http.StatusGatewayTimeout
	case KindCancelled:
		// Client Closed Request (nginx convention).
		return 499
	case KindProviderError:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func (k Kind) String() string { return k.Code() }

// Error is a classified error. Err, when set, is the underlying cause.
type Error struct {
	Kind    Kind
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return e.Message
	}
	if e.Message == "" {
		return e.Err.Error()
	}
	return e.Message + ": " + e.Err.Error()
}

func (e *Error) Unwrap() error { return e.Err }

// New returns an Error of the given kind with a formatted message.
func New(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap classifies err under kind, prefixing it with a formatted message.
func Wrap(kind Kind, err error, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...), Err: err}
}

// KindOf returns the kind of the first *Error in err's chain, or KindInternal.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// Is reports whether err carries the given kind.
func Is(err error, kind Kind) bool {
	if err == nil {
		return false
	}
	return KindOf(err) == kind
}

// Message returns the client-facing message of err. Unclassified errors are
// replaced with a generic message so internal details do not leak.
func Message(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Error()
	}
	return "an unexpected error occurred"
}
