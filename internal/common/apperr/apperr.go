// Package apperr provides the application error type and the wire envelope
// returned by the HTTP and WebSocket surfaces.
package apperr

import (
	"errors"
	"fmt"
	"net/http"
)

// Error codes as constants
const (
	CodeBadRequest         = "BAD_REQUEST"
	CodeUnauthorized       = "UNAUTHORIZED"
	CodeSessionNotFound    = "SESSION_NOT_FOUND"
	CodeNotFound           = "NOT_FOUND"
	CodeCapacityExceeded   = "CAPACITY_EXCEEDED"
	CodeServiceUnavailable = "SERVICE_UNAVAILABLE"
	CodeUnknownEventType   = "UNKNOWN_EVENT_TYPE"
	CodeInternalError      = "INTERNAL_ERROR"
)

// Error represents an application-specific error with additional context.
type Error struct {
	Code       string         `json:"error_code"`
	Message    string         `json:"message"`
	Details    map[string]any `json:"details,omitempty"`
	HTTPStatus int            `json:"-"`
	Err        error          `json:"-"`
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the wrapped error for use with errors.Is and errors.As.
func (e *Error) Unwrap() error {
	return e.Err
}

// WithDetails attaches structured detail fields to the error.
func (e *Error) WithDetails(details map[string]any) *Error {
	e.Details = details
	return e
}

// BadRequest creates a new bad request error.
func BadRequest(message string) *Error {
	return &Error{
		Code:       CodeBadRequest,
		Message:    message,
		HTTPStatus: http.StatusBadRequest,
	}
}

// Unauthorized creates a new unauthorized error.
func Unauthorized(message string) *Error {
	return &Error{
		Code:       CodeUnauthorized,
		Message:    message,
		HTTPStatus: http.StatusUnauthorized,
	}
}

// SessionNotFound creates a not-found error for a session.
func SessionNotFound(sessionID string) *Error {
	return &Error{
		Code:       CodeSessionNotFound,
		Message:    fmt.Sprintf("session '%s' not found", sessionID),
		HTTPStatus: http.StatusNotFound,
	}
}

// NotFound creates a new not found error for a resource.
func NotFound(resource string, id string) *Error {
	return &Error{
		Code:       CodeNotFound,
		Message:    fmt.Sprintf("%s with id '%s' not found", resource, id),
		HTTPStatus: http.StatusNotFound,
	}
}

// CapacityExceeded creates an error for a rejected connection or pool slot.
func CapacityExceeded(message string) *Error {
	return &Error{
		Code:       CodeCapacityExceeded,
		Message:    message,
		HTTPStatus: http.StatusServiceUnavailable,
	}
}

// ServiceUnavailable creates a new service unavailable error.
func ServiceUnavailable(message string) *Error {
	return &Error{
		Code:       CodeServiceUnavailable,
		Message:    message,
		HTTPStatus: http.StatusServiceUnavailable,
	}
}

// UnknownEventType creates an error for an unrecognized event discriminator.
func UnknownEventType(eventType string) *Error {
	return &Error{
		Code:       CodeUnknownEventType,
		Message:    fmt.Sprintf("unknown event type '%s'", eventType),
		HTTPStatus: http.StatusBadRequest,
	}
}

// Internal creates a new internal server error with a wrapped underlying error.
func Internal(message string, err error) *Error {
	return &Error{
		Code:       CodeInternalError,
		Message:    message,
		HTTPStatus: http.StatusInternalServerError,
		Err:        err,
	}
}

// Wrap wraps an existing error with additional context, returning an *Error.
func Wrap(err error, message string) *Error {
	if err == nil {
		return nil
	}

	// If the error is already an *Error, preserve its code and status
	var appErr *Error
	if errors.As(err, &appErr) {
		return &Error{
			Code:       appErr.Code,
			Message:    fmt.Sprintf("%s: %s", message, appErr.Message),
			Details:    appErr.Details,
			HTTPStatus: appErr.HTTPStatus,
			Err:        err,
		}
	}

	// Otherwise, wrap as an internal error
	return &Error{
		Code:       CodeInternalError,
		Message:    message,
		HTTPStatus: http.StatusInternalServerError,
		Err:        err,
	}
}

// IsNotFound checks if the error carries a not-found code.
func IsNotFound(err error) bool {
	var appErr *Error
	if errors.As(err, &appErr) {
		return appErr.Code == CodeNotFound || appErr.Code == CodeSessionNotFound
	}
	return false
}

// IsCapacityExceeded checks if the error is a capacity rejection.
func IsCapacityExceeded(err error) bool {
	var appErr *Error
	if errors.As(err, &appErr) {
		return appErr.Code == CodeCapacityExceeded
	}
	return false
}

// HTTPStatus returns the HTTP status code for an error.
// Returns 500 Internal Server Error if the error is not an *Error.
func HTTPStatus(err error) int {
	var appErr *Error
	if errors.As(err, &appErr) {
		return appErr.HTTPStatus
	}
	return http.StatusInternalServerError
}

// Envelope converts any error into the wire envelope. Errors that are not
// an *Error are reported as INTERNAL_ERROR without leaking the cause text.
func Envelope(err error) *Error {
	var appErr *Error
	if errors.As(err, &appErr) {
		return appErr
	}
	return &Error{
		Code:       CodeInternalError,
		Message:    "internal error",
		HTTPStatus: http.StatusInternalServerError,
		Err:        err,
	}
}
