// Package errors provides the relay's structured error taxonomy with context propagation
// and HTTP status mapping for the admin surface.
package errors

import (
	"errors"
	"fmt"
	"net/http"
)

// ErrorType represents the category of error for metrics, logging and response formatting.
type ErrorType string

const (
	// TypeTransport indicates a failed endpoint; fatal to one session only
	TypeTransport ErrorType = "transport"
	// TypeWouldBlock indicates no data was ready yet; retried after backoff
	TypeWouldBlock ErrorType = "would_block"
	// TypeContention indicates a delivery skipped because the endpoint was busy
	TypeContention ErrorType = "contention"
	// TypePayload indicates the broadcast payload could not be fetched (HTTP 502)
	TypePayload ErrorType = "payload"
	// TypeConfig indicates invalid startup configuration
	TypeConfig ErrorType = "config"
	// TypeRateLimited indicates an admin request rejected by the per-client limiter (HTTP 429)
	TypeRateLimited ErrorType = "rate_limited"
	// TypeInternal indicates any other server-side error (HTTP 500)
	TypeInternal ErrorType = "internal"
)

// Error represents a structured error with type, message, and context.
type Error struct {
	Type    ErrorType
	Message string
	Cause   error
	Context map[string]any
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Type, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Type, e.Message)
}

// Unwrap returns the underlying cause for errors.Is/As support.
func (e *Error) Unwrap() error {
	return e.Cause
}

// HTTPStatus returns the appropriate HTTP status code for this error type.
func (e *Error) HTTPStatus() int {
	switch e.Type {
	case TypePayload, TypeTransport:
		return http.StatusBadGateway
	case TypeWouldBlock, TypeContention:
		return http.StatusServiceUnavailable
	case TypeRateLimited:
		return http.StatusTooManyRequests
	default:
		return http.StatusInternalServerError
	}
}

// Recoverable reports whether the session that hit this error may keep running.
func (e *Error) Recoverable() bool {
	return e.Type == TypeWouldBlock || e.Type == TypeContention
}

func newError(t ErrorType, message string, cause error) *Error {
	return &Error{
		Type:    t,
		Message: message,
		Cause:   cause,
		Context: make(map[string]any),
	}
}

// TransportError creates a new transport error.
func TransportError(message string, cause error) *Error {
	return newError(TypeTransport, message, cause)
}

// PayloadError creates a new payload error (HTTP 502).
func PayloadError(message string, cause error) *Error {
	return newError(TypePayload, message, cause)
}

// ConfigError creates a new configuration error.
func ConfigError(message string, cause error) *Error {
	return newError(TypeConfig, message, cause)
}

// RateLimitedError creates a new rate limit error (HTTP 429).
func RateLimitedError(message string) *Error {
	return newError(TypeRateLimited, message, nil)
}

// InternalError creates a new internal error (HTTP 500).
func InternalError(message string, cause error) *Error {
	return newError(TypeInternal, message, cause)
}

// WithContext adds context fields to the error (chainable).
func (e *Error) WithContext(key string, value any) *Error {
	if e.Context == nil {
		e.Context = make(map[string]any)
	}
	e.Context[key] = value
	return e
}

// ErrorResponse represents the JSON structure sent to admin clients.
type ErrorResponse struct {
	Error   string         `json:"error"`
	Type    ErrorType      `json:"type"`
	Context map[string]any `json:"context,omitempty"`
}

// ToResponse converts an Error to an ErrorResponse for JSON serialization.
func (e *Error) ToResponse() ErrorResponse {
	return ErrorResponse{
		Error:   e.Message,
		Type:    e.Type,
		Context: e.Context,
	}
}

// TypeOf returns the ErrorType of err, or TypeInternal for unstructured errors.
func TypeOf(err error) ErrorType {
	var structuredErr *Error
	if errors.As(err, &structuredErr) {
		return structuredErr.Type
	}
	return TypeInternal
}

// AsStructuredError converts any error into a structured Error.
// If err is already an *Error, returns it unchanged.
// Otherwise wraps it as an internal error.
func AsStructuredError(err error) *Error {
	if err == nil {
		return nil
	}

	var structuredErr *Error
	if errors.As(err, &structuredErr) {
		return structuredErr
	}

	return InternalError("internal server error", err)
}
