// Package apperror provides a structured way to handle application errors
// with specific codes, severity levels, and additional details, including a
// mapping to the HTTP status codes the webhook ingress surface returns.
package apperror

import (
	"errors"
	"fmt"
	"net/http"
)

// ErrorCode represents a specific application error code, grouped by the
// taxonomy this service's components report against.
type ErrorCode string

const (
	// Transient external: cloud/Platform API failures, logged and retried
	// on the next reconciliation tick.
	CodeUpstreamUnavailable ErrorCode = "UPSTREAM_UNAVAILABLE"

	// Expected conflict: capacity-above-max, shouldDecrementDesiredCapacity
	// violations. Handled inline with a single corrective retry.
	CodeCapacityConflict ErrorCode = "CAPACITY_CONFLICT"

	// Not-found: instance/runner/webhook already absent. Treated as success
	// at the call site, kept here for completeness of the taxonomy.
	CodeNotFound ErrorCode = "NOT_FOUND"

	// Client errors on the webhook endpoint: 4xx, not retried.
	CodeBadRequest ErrorCode = "BAD_REQUEST"
	CodeForbidden  ErrorCode = "FORBIDDEN"

	// Protocol errors: signature mismatch, malformed payload shape.
	CodeSignatureInvalid ErrorCode = "SIGNATURE_INVALID"

	// Fatal: configuration errors. The process exits before serving.
	CodeConfigInvalid ErrorCode = "CONFIG_INVALID"

	// General internal failure with no more specific code.
	CodeInternal ErrorCode = "INTERNAL"
)

// Severity indicates the criticality level of an error.
type Severity int

const (
	// SeverityWarning indicates a non-critical issue, typically swallowed
	// by a logged-action scope.
	SeverityWarning Severity = iota
	// SeverityError indicates a standard error that requires attention.
	SeverityError
	// SeverityCritical indicates a fatal condition; the process should not
	// continue serving.
	SeverityCritical
)

// String returns the string representation of the Severity.
func (s Severity) String() string {
	switch s {
	case SeverityWarning:
		return "warning"
	case SeverityError:
		return "error"
	case SeverityCritical:
		return "critical"
	default:
		return "unknown"
	}
}

// Error is a custom error type carrying a code, message, optional field,
// structured details, an underlying cause, and a severity level.
type Error struct {
	Code     ErrorCode
	Message  string
	Field    string
	Details  map[string]any
	Cause    error
	Severity Severity
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("[%s] %s (field: %s)", e.Code, e.Message, e.Field)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap returns the wrapped cause, if any.
func (e *Error) Unwrap() error {
	return e.Cause
}

// HTTPStatus maps the error code to the HTTP status the webhook ingress
// handler (C5/C6) should respond with.
func (e *Error) HTTPStatus() int {
	switch e.Code {
	case CodeBadRequest:
		return http.StatusBadRequest
	case CodeForbidden, CodeSignatureInvalid:
		return http.StatusForbidden
	case CodeNotFound:
		return http.StatusNotFound
	case CodeUpstreamUnavailable, CodeCapacityConflict:
		return http.StatusAccepted
	default:
		return http.StatusInternalServerError
	}
}

// New creates a new application error with SeverityError.
func New(code ErrorCode, message string) *Error {
	return &Error{Code: code, Message: message, Details: make(map[string]any), Severity: SeverityError}
}

// NewWithField creates a new application error tied to a specific field.
func NewWithField(code ErrorCode, message, field string) *Error {
	return &Error{Code: code, Message: message, Field: field, Details: make(map[string]any), Severity: SeverityError}
}

// NewCritical creates a new application error with SeverityCritical.
func NewCritical(code ErrorCode, message string) *Error {
	return &Error{Code: code, Message: message, Details: make(map[string]any), Severity: SeverityCritical}
}

// Wrap creates a new application error wrapping an existing error.
func Wrap(cause error, code ErrorCode, message string) *Error {
	return &Error{Code: code, Message: message, Cause: cause, Details: make(map[string]any), Severity: SeverityError}
}

// WithDetails adds a key-value pair to the error's details map.
func (e *Error) WithDetails(key string, value any) *Error {
	e.Details[key] = value
	return e
}

// WithField sets the field associated with the error.
func (e *Error) WithField(field string) *Error {
	e.Field = field
	return e
}

// WithSeverity sets the severity level of the error.
func (e *Error) WithSeverity(s Severity) *Error {
	e.Severity = s
	return e
}

// Is checks if err is an *Error with the given code.
func Is(err error, code ErrorCode) bool {
	var appErr *Error
	if errors.As(err, &appErr) {
		return appErr.Code == code
	}
	return false
}

// Code extracts the ErrorCode from err, defaulting to CodeInternal.
func Code(err error) ErrorCode {
	var appErr *Error
	if errors.As(err, &appErr) {
		return appErr.Code
	}
	return CodeInternal
}

// HTTPStatusFor maps any error to the HTTP status the webhook surface should
// respond with; non-*Error values default to 500.
func HTTPStatusFor(err error) int {
	var appErr *Error
	if errors.As(err, &appErr) {
		return appErr.HTTPStatus()
	}
	return http.StatusInternalServerError
}

// IsCritical checks if err is an *Error with SeverityCritical.
func IsCritical(err error) bool {
	var appErr *Error
	if errors.As(err, &appErr) {
		return appErr.Severity == SeverityCritical
	}
	return false
}
