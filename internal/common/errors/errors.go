// Package errors provides the bridge's error taxonomy. Every error that
// reaches a north-side client is an AppError with a stable machine-readable
// kind; wrapped causes stay server-side.
package errors

import (
	"errors"
	"fmt"
	"net/http"
)

// Error kinds as constants. These are wire-visible and must stay stable.
const (
	KindConfigError     = "config-error"
	KindAgentNotFound   = "agent-not-found"
	KindAuthError       = "auth-error"
	KindSpawnFailed     = "spawn-failed"
	KindTransportClosed = "transport-closed"
	KindAgentExited     = "agent-exited"
	KindAgentError      = "agent-error"
	KindBusy            = "busy"
	KindConflict        = "conflict"
	KindNotFound        = "not-found"
	KindInternal        = "internal"
)

// AppError represents a bridge error with additional context. Only Kind
// and Message are serialized; the wrapped cause never crosses the wire.
type AppError struct {
	Kind       string `json:"kind"`
	Message    string `json:"message"`
	HTTPStatus int    `json:"-"`
	Err        error  `json:"-"`
}

// ErrorResponse is the envelope every HTTP error body uses:
// {"error": {"kind": ..., "message": ...}}.
type ErrorResponse struct {
	Error *AppError `json:"error"`
}

// Response wraps the error in its wire envelope.
func (e *AppError) Response() ErrorResponse {
	return ErrorResponse{Error: e}
}

// Error implements the error interface.
func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// Unwrap returns the wrapped error for use with errors.Is and errors.As.
func (e *AppError) Unwrap() error {
	return e.Err
}

// ConfigError creates an error for malformed configuration.
func ConfigError(message string) *AppError {
	return &AppError{
		Kind:       KindConfigError,
		Message:    message,
		HTTPStatus: http.StatusInternalServerError,
	}
}

// BadRequest creates an error for a north request that does not decode
// against the documented shapes.
func BadRequest(message string) *AppError {
	return &AppError{
		Kind:       KindConfigError,
		Message:    message,
		HTTPStatus: http.StatusBadRequest,
	}
}

// AgentNotFound creates an error for a request naming an agent absent
// from the registry.
func AgentNotFound(name string) *AppError {
	return &AppError{
		Kind:       KindAgentNotFound,
		Message:    fmt.Sprintf("agent '%s' not found", name),
		HTTPStatus: http.StatusNotFound,
	}
}

// AuthError creates an error for missing or rejected credentials, north
// or south.
func AuthError(message string) *AppError {
	return &AppError{
		Kind:       KindAuthError,
		Message:    message,
		HTTPStatus: http.StatusUnauthorized,
	}
}

// SpawnFailed creates an error for a child process that could not start.
func SpawnFailed(message string, err error) *AppError {
	return &AppError{
		Kind:       KindSpawnFailed,
		Message:    message,
		HTTPStatus: http.StatusBadGateway,
		Err:        err,
	}
}

// TransportClosed creates an error for a stdio channel that closed with a
// request outstanding.
func TransportClosed(message string, err error) *AppError {
	return &AppError{
		Kind:       KindTransportClosed,
		Message:    message,
		HTTPStatus: http.StatusBadGateway,
		Err:        err,
	}
}

// AgentExited creates an error for a child that exited during a prompt.
func AgentExited(message string, err error) *AppError {
	return &AppError{
		Kind:       KindAgentExited,
		Message:    message,
		HTTPStatus: http.StatusBadGateway,
		Err:        err,
	}
}

// AgentError creates an error for a JSON-RPC error payload returned by
// the agent.
func AgentError(message string) *AppError {
	return &AppError{
		Kind:       KindAgentError,
		Message:    message,
		HTTPStatus: http.StatusBadGateway,
	}
}

// Busy creates an error for a second prompt issued while one is in flight.
func Busy(message string) *AppError {
	return &AppError{
		Kind:       KindBusy,
		Message:    message,
		HTTPStatus: http.StatusConflict,
	}
}

// Conflict creates an error for a state-machine violation.
func Conflict(message string) *AppError {
	return &AppError{
		Kind:       KindConflict,
		Message:    message,
		HTTPStatus: http.StatusConflict,
	}
}

// NotFound creates an error for a missing resource.
func NotFound(resource string, id string) *AppError {
	return &AppError{
		Kind:       KindNotFound,
		Message:    fmt.Sprintf("%s with id '%s' not found", resource, id),
		HTTPStatus: http.StatusNotFound,
	}
}

// Internal creates an invariant-violation error with a wrapped cause.
func Internal(message string, err error) *AppError {
	return &AppError{
		Kind:       KindInternal,
		Message:    message,
		HTTPStatus: http.StatusInternalServerError,
		Err:        err,
	}
}

// As and Is re-export the standard library helpers so callers don't
// need a second errors import alongside this package.
func As(err error, target interface{}) bool { return errors.As(err, target) }

// Is reports whether any error in err's chain matches target.
func Is(err, target error) bool { return errors.Is(err, target) }

// Wrap wraps an existing error with additional context, returning an
// AppError. An existing AppError keeps its kind and status.
func Wrap(err error, message string) *AppError {
	if err == nil {
		return nil
	}

	var appErr *AppError
	if errors.As(err, &appErr) {
		return &AppError{
			Kind:       appErr.Kind,
			Message:    fmt.Sprintf("%s: %s", message, appErr.Message),
			HTTPStatus: appErr.HTTPStatus,
			Err:        err,
		}
	}

	return &AppError{
		Kind:       KindInternal,
		Message:    message,
		HTTPStatus: http.StatusInternalServerError,
		Err:        err,
	}
}

// From coerces any error into an AppError, defaulting to internal.
func From(err error) *AppError {
	if err == nil {
		return nil
	}
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr
	}
	return Internal(err.Error(), err)
}

// IsNotFound checks if the error is a not found error.
func IsNotFound(err error) bool {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Kind == KindNotFound || appErr.Kind == KindAgentNotFound
	}
	return false
}

// IsConflict checks if the error is a conflict or busy error.
func IsConflict(err error) bool {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Kind == KindConflict || appErr.Kind == KindBusy
	}
	return false
}

// GetHTTPStatus returns the HTTP status code for an error.
// Returns 500 Internal Server Error if the error is not an AppError.
func GetHTTPStatus(err error) int {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.HTTPStatus
	}
	return http.StatusInternalServerError
}
