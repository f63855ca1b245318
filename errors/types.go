package errors

import (
	"net/http"
)

// NewMissingParamError reports webhook query parameters that were absent or empty.
//
// Example:
//
//	err := NewMissingParamError("req_123", []string{"nonce", "echostr"})
func NewMissingParamError(requestID string, missing []string) *ParleyError {
	return &ParleyError{
		Type:      MissingParamError,
		Message:   "Missing required query parameters",
		Code:      http.StatusBadRequest,
		RequestID: requestID,
		Details: map[string]interface{}{
			"missing": missing,
		},
	}
}

// NewAuthFailureError reports a signature that does not match the configured token.
// The computed signature is never included.
func NewAuthFailureError(requestID string) *ParleyError {
	return &ParleyError{
		Type:      AuthFailureError,
		Message:   "Invalid signature",
		Code:      http.StatusForbidden,
		RequestID: requestID,
	}
}

// NewDecodeError wraps an XML decoding failure of an inbound push.
func NewDecodeError(requestID string, err error) *ParleyError {
	return &ParleyError{
		Type:      DecodeError,
		Message:   "Malformed message body",
		Code:      http.StatusBadRequest,
		RequestID: requestID,
		err:       err,
	}
}

// NewMissingFieldError reports a well-formed push that lacks a required element.
func NewMissingFieldError(requestID, field string) *ParleyError {
	return &ParleyError{
		Type:      MissingFieldError,
		Message:   "Message is missing a required field",
		Code:      http.StatusBadRequest,
		RequestID: requestID,
		Details: map[string]interface{}{
			"field": field,
		},
	}
}

// NewUpstreamError describes a failed upstream call. It is used for logging;
// upstream failures are never written to the webhook caller.
func NewUpstreamError(requestID, message string, err error) *ParleyError {
	return &ParleyError{
		Type:      UpstreamError,
		Message:   message,
		Code:      http.StatusBadGateway,
		RequestID: requestID,
		err:       err,
	}
}

// NewRateLimitError creates a rate limit error.
//
// Example:
//
//	err := NewRateLimitError("req_123", 30)
func NewRateLimitError(requestID string, retryAfter int) *ParleyError {
	return &ParleyError{
		Type:      RateLimitError,
		Message:   "Rate limit exceeded",
		Code:      http.StatusTooManyRequests,
		RequestID: requestID,
		Details: map[string]interface{}{
			"retry_after": retryAfter,
		},
	}
}

// NewConfigError wraps a configuration validation failure. Field names the
// offending key when it is known.
func NewConfigError(field string, err error) *ParleyError {
	e := &ParleyError{
		Type:    ConfigError,
		Message: "Invalid configuration",
		Code:    http.StatusInternalServerError,
		err:     err,
	}
	if field != "" {
		e.Details = map[string]interface{}{"field": field}
	}
	return e
}

// NewInternalError creates an internal server error for unexpected failures such as panics.
func NewInternalError(requestID string, err error) *ParleyError {
	return &ParleyError{
		Type:      InternalError,
		Message:   "An internal error occurred",
		Code:      http.StatusInternalServerError,
		RequestID: requestID,
		err:       err,
	}
}
