// Package errors provides error response utilities.
package errors

import (
	"errors"
)

// ErrorResponse is the JSON shape clients receive for HTTP-level failures.
type ErrorResponse struct {
	Type      ErrorType              `json:"type"`
	Message   string                 `json:"message"`
	RequestID string                 `json:"request_id"`
	Details   map[string]interface{} `json:"details,omitempty"`
}

// As is a wrapper around errors.As for better error type assertion
func As(err error, target interface{}) bool {
	return errors.As(err, target)
}

// Is is a wrapper around errors.Is so callers need not import both packages.
func Is(err, target error) bool {
	return errors.Is(err, target)
}

// IsType reports whether err is a ParleyError of the given type anywhere in its chain.
func IsType(err error, errType ErrorType) bool {
	return errors.Is(err, &ParleyError{Type: errType})
}
