// Package upstream forwards a turn's query to the LLM HTTP API and folds the
// response, either one JSON document or an event stream, into an Outcome.
package upstream

import "time"

// Status classifies how an upstream call ended.
type Status int

const (
	StatusOK Status = iota
	StatusEmpty
	StatusUpstreamError
	StatusDecodeError
	StatusTimeout
)

// String returns the label used in logs and metrics.
func (s Status) String() string {
	switch s {
	case StatusOK:
		return "ok"
	case StatusEmpty:
		return "empty"
	case StatusUpstreamError:
		return "upstream_error"
	case StatusDecodeError:
		return "decode_error"
	case StatusTimeout:
		return "timeout"
	default:
		return "unknown"
	}
}

// Outcome is the result of one upstream call. Detail is non-empty whenever
// Status is not StatusOK.
type Outcome struct {
	Answer     string
	Status     Status
	Detail     string
	RawPayload string

	// HTTPStatus is zero when no response was received.
	HTTPStatus int
	BadLines   int
	Duration   time.Duration
}

// OK reports whether the outcome carries an answer for the user.
func (o Outcome) OK() bool {
	return o.Status == StatusOK
}
