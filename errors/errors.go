// Package errors provides the error handling system for the parley webhook bridge.
// It includes structured error types, JSON response formatting, request ID tracking,
// and integrated logging with Uber's zap logger.
//
// Only the HTTP-facing failures of the bridge surface as error responses
// (a handshake with a missing parameter or a bad signature, rate limiting,
// panics). Failures inside a message turn never do: they are logged and
// turned into a fallback reply, because the chat platform retries any push
// that does not get a well-formed reply.
//
// Build errors with the constructors in types.go and write them with WriteError:
//
//	err := errors.NewMissingParamError(requestID, []string{"nonce"})
//	errors.WriteError(w, err)
package errors

import (
	"encoding/json"
	"fmt"
	"net/http"
)

// ErrorType represents the categories of errors that can occur in parley.
type ErrorType string

const (
	// MissingParamError is a webhook request lacking a required query parameter
	MissingParamError ErrorType = "missing_param"

	// AuthFailureError is a signature that does not match the shared token
	AuthFailureError ErrorType = "auth_failure"

	// DecodeError is a push body that is not well-formed XML
	DecodeError ErrorType = "decode_error"

	// MissingFieldError is a well-formed push without a required element
	MissingFieldError ErrorType = "missing_field"

	// UpstreamError represents failures of the upstream LLM API
	UpstreamError ErrorType = "upstream_error"

	// RateLimitError represents rate limiting errors
	RateLimitError ErrorType = "rate_limit_error"

	// ConfigError is a configuration document that fails validation
	ConfigError ErrorType = "config_error"

	// InternalError represents unexpected internal server errors
	InternalError ErrorType = "internal_error"
)

// ParleyError is our custom error type. It is serialized to JSON for HTTP
// error responses while keeping the wrapped cause for logging.
type ParleyError struct {
	// Type categorizes the error for client handling
	Type ErrorType `json:"type"`

	// Message is a human-readable error description
	Message string `json:"message"`

	// Code is the HTTP status code (not exposed in JSON)
	Code int `json:"-"`

	// RequestID links the error to a specific request
	RequestID string `json:"request_id"`

	// Details contains additional error context
	Details map[string]interface{} `json:"details,omitempty"`

	// err is the underlying error (not exposed in JSON)
	err error
}

// Error implements the error interface.
func (e *ParleyError) Error() string {
	if e.err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Type, e.Message, e.err)
	}
	return fmt.Sprintf("%s: %s", e.Type, e.Message)
}

// Unwrap returns the underlying error.
func (e *ParleyError) Unwrap() error {
	return e.err
}

// Is matches on Type only, so errors.Is(err, &ParleyError{Type: AuthFailureError})
// works regardless of message or request ID.
func (e *ParleyError) Is(target error) bool {
	t, ok := target.(*ParleyError)
	if !ok {
		return false
	}
	return e.Type == t.Type
}

// WriteError writes a ParleyError as a JSON response with its status code.
func WriteError(w http.ResponseWriter, err *ParleyError) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(err.Code)
	json.NewEncoder(w).Encode(err)
}
