// Package apierr defines the error taxonomy the orchestrator and effectors
// return, and the HTTP status each code maps to for whatever transport
// ends up fronting the core.
package apierr

import (
	"errors"
	"fmt"
)

// Code is one of the taxonomy entries in the error catalog.
type Code string

const (
	Authentication Code = "AUTHENTICATION"
	Authorization  Code = "AUTHORIZATION"
	Validation     Code = "VALIDATION"
	NotFound       Code = "NOT_FOUND"
	Conflict       Code = "CONFLICT"
	State          Code = "STATE"
	Integrity      Code = "INTEGRITY"
	RateLimit      Code = "RATE_LIMIT"
	Internal       Code = "INTERNAL"
)

// HTTPStatus returns the status code a transport should map this Code to.
func (c Code) HTTPStatus() int {
	switch c {
	case Authentication:
		return 401
	case Authorization:
		return 403
	case Validation:
		return 400
	case NotFound:
		return 404
	case Conflict:
		return 409
	case State:
		return 400
	case Integrity:
		return 400
	case RateLimit:
		return 429
	case Internal:
		return 500
	default:
		return 500
	}
}

// Error is a taxonomy-coded error the orchestrator returns to callers.
type Error struct {
	Code    Code
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// New constructs an Error with the given code and message.
func New(code Code, msg string) *Error {
	return &Error{Code: code, Message: msg}
}

// Newf constructs an Error with a formatted message.
func Newf(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Wrap constructs an Error carrying an underlying cause.
func Wrap(code Code, msg string, err error) *Error {
	return &Error{Code: code, Message: msg, Err: err}
}

// As extracts the Code of err if it (or something it wraps) is an *Error.
func As(err error) (Code, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e.Code, true
	}
	return "", false
}

// Is reports whether err carries the given Code.
func Is(err error, code Code) bool {
	c, ok := As(err)
	return ok && c == code
}
