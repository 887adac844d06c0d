// Package apierr defines the stable, client-facing error codes shared by
// every component. Modeled on internal/tools/errors.go's typed-error
// convention, generalized from tool execution to the whole system.
package apierr

import "fmt"

// Code is a stable identifier exposed to clients (§7).
type Code string

const (
	CodeUnauthorized        Code = "unauthorized"
	CodeRateLimited         Code = "rate_limited"
	CodeBudgetExceeded      Code = "budget_exceeded"
	CodeValidation          Code = "validation"
	CodeNotFound            Code = "not_found"
	CodeConflict            Code = "conflict"
	CodeUpstreamUnavailable Code = "upstream_unavailable"
	CodeTabularUnsafe       Code = "tabular_unsafe"
	CodeTabularExecution    Code = "tabular_execution"
	CodeInternal            Code = "internal"
)

// Error is the structured, action-oriented error surfaced to clients.
// Message is always short; no implementation detail leaks (§7).
type Error struct {
	Code    Code   `json:"code"`
	Message string `json:"message"`
	cause   error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.cause }

// New builds an Error with no underlying cause.
func New(code Code, message string) *Error {
	return &Error{Code: code, Message: message}
}

// Wrap builds an Error carrying an underlying cause, kept for logging but
// never rendered into Message.
func Wrap(code Code, message string, cause error) *Error {
	return &Error{Code: code, Message: message, cause: cause}
}

// As extracts an *Error from err, returning (nil, false) if err is not one.
func As(err error) (*Error, bool) {
	var target *Error
	for err != nil {
		if e, ok := err.(*Error); ok {
			return e, true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			break
		}
		err = u.Unwrap()
	}
	return target, false
}
