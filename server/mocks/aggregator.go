package mocks

import (
	"context"
	"sync"

	"github.com/teilomillet/parley/server/upstream"
)

// MockAggregator implements a scripted upstream for turn tests.
// It records every query it receives.
//
// Example usage:
//
//	agg := NewMockAggregator(func(ctx context.Context, query string) upstream.Outcome {
//	    return upstream.Outcome{Status: upstream.StatusOK, Answer: "echo: " + query}
//	})
type MockAggregator struct {
	AggregateFunc func(context.Context, string) upstream.Outcome

	mu      sync.Mutex
	queries []string
}

// NewMockAggregator creates a MockAggregator. A nil fn answers every query with "ok".
func NewMockAggregator(fn func(context.Context, string) upstream.Outcome) *MockAggregator {
	return &MockAggregator{AggregateFunc: fn}
}

// Answering returns an aggregator that always succeeds with answer.
func Answering(answer string) *MockAggregator {
	return NewMockAggregator(func(context.Context, string) upstream.Outcome {
		return upstream.Outcome{Status: upstream.StatusOK, Answer: answer}
	})
}

// Failing returns an aggregator that always ends with status.
func Failing(status upstream.Status, detail string) *MockAggregator {
	return NewMockAggregator(func(context.Context, string) upstream.Outcome {
		return upstream.Outcome{Status: status, Detail: detail}
	})
}

// Aggregate records the query and delegates to AggregateFunc.
func (m *MockAggregator) Aggregate(ctx context.Context, query string) upstream.Outcome {
	m.mu.Lock()
	m.queries = append(m.queries, query)
	m.mu.Unlock()

	if m.AggregateFunc != nil {
		return m.AggregateFunc(ctx, query)
	}
	return upstream.Outcome{Status: upstream.StatusOK, Answer: "ok"}
}

// Queries returns the queries seen so far.
func (m *MockAggregator) Queries() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.queries...)
}
