// Package apperr defines the closed set of error kinds shared by all
// coordination components, with stable machine-readable codes.
package apperr

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind classifies an error into one of the known outcomes.
type Kind int

const (
	KindInternal Kind = iota
	KindUnauthorized
	KindForbidden
	KindNotFound
	KindValidation
	KindBackpressure
	KindTimeout
	KindTransient
	KindPermanent
	KindAlreadyResolved
	KindMaxRetriesExceeded
	KindCancelled
)

// String returns the stable machine-readable code for the kind.
func (k Kind) String() string {
	switch k {
	case KindUnauthorized:
		return "unauthorized"
	case KindForbidden:
		return "forbidden"
	case KindNotFound:
		return "not_found"
	case KindValidation:
		return "validation"
	case KindBackpressure:
		return "backpressure"
	case KindTimeout:
		return "timeout"
	case KindTransient:
		return "transient"
	case KindPermanent:
		return "permanent"
	case KindAlreadyResolved:
		return "already_resolved"
	case KindMaxRetriesExceeded:
		return "max_retries_exceeded"
	case KindCancelled:
		return "cancelled"
	default:
		return "internal"
	}
}

// Error carries a kind, a stable code and a human message.
// Code defaults to the kind's code when empty.
type Error struct {
	Kind    Kind
	Code    string
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.code(), e.Message, e.Err)
	}
	if e.Message == "" {
		return e.code()
	}
	return fmt.Sprintf("%s: %s", e.code(), e.Message)
}

func (e *Error) Unwrap() error {
	return e.Err
}

func (e *Error) code() string {
	if e.Code != "" {
		return e.Code
	}
	return e.Kind.String()
}

// PublicCode returns the machine-readable code surfaced to clients.
func (e *Error) PublicCode() string {
	return e.code()
}

// New creates an error of the given kind.
func New(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// NewCode creates an error of the given kind with an explicit code.
func NewCode(kind Kind, code, format string, args ...any) *Error {
	return &Error{Kind: kind, Code: code, Message: fmt.Sprintf(format, args...)}
}

// Wrap wraps err with a kind and message.
func Wrap(kind Kind, err error, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...), Err: err}
}

// KindOf extracts the kind from err, or KindInternal if err carries none.
func KindOf(err error) Kind {
	var ae *Error
	if errors.As(err, &ae) {
		return ae.Kind
	}
	return KindInternal
}

// Is reports whether err carries the given kind.
func Is(err error, kind Kind) bool {
	var ae *Error
	return errors.As(err, &ae) && ae.Kind == kind
}

// CodeOf returns the machine-readable code for err.
func CodeOf(err error) string {
	var ae *Error
	if errors.As(err, &ae) {
		return ae.PublicCode()
	}
	return "internal"
}

// Retriable reports whether the error should be retried by the local
// retry policy. Only timeouts and transient upstream failures qualify.
func Retriable(err error) bool {
	switch KindOf(err) {
	case KindTimeout, KindTransient:
		return true
	default:
		return false
	}
}

// HTTPStatus maps an error kind to an HTTP status code.
func HTTPStatus(err error) int {
	switch KindOf(err) {
	case KindUnauthorized:
		return http.StatusUnauthorized
	case KindForbidden:
		return http.StatusForbidden
	case KindNotFound:
		return http.StatusNotFound
	case KindValidation:
		return http.StatusBadRequest
	case KindBackpressure:
		return http.StatusTooManyRequests
	case KindTimeout:
		return http.StatusGatewayTimeout
	case KindAlreadyResolved, KindMaxRetriesExceeded:
		return http.StatusConflict
	case KindCancelled:
		return 499
	default:
		return http.StatusInternalServerError
	}
}
