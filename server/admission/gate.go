// Package admission bounds how many upstream calls may be in flight at once.
//
// A Gate hands out at most Capacity permits. Callers beyond that wait, in
// roughly FIFO order, until a permit is released or their context ends.
// Waiting blocks only the calling goroutine.
//
// Every acquired permit must be released exactly once. A leaked permit
// shrinks the gate for the life of the process, so prefer Do, which releases
// on every exit path including panics:
//
//	err := gate.Do(ctx, func(ctx context.Context) error {
//	    outcome = aggregator.Aggregate(ctx, query)
//	    return nil
//	})
package admission

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/teilomillet/parley/server/metrics"
	"golang.org/x/sync/semaphore"
)

// Gate is a counting admission gate.
type Gate struct {
	sem      *semaphore.Weighted
	capacity int64
	inUse    atomic.Int64
	waiting  atomic.Int64
	metrics  *metrics.Metrics
}

// Permit represents one occupied slot of a Gate.
type Permit struct {
	gate *Gate
	once sync.Once
}

// NewGate creates a gate with the given capacity. m may be nil.
func NewGate(capacity int, m *metrics.Metrics) (*Gate, error) {
	if capacity <= 0 {
		return nil, fmt.Errorf("admission capacity must be positive, got %d", capacity)
	}
	return &Gate{
		sem:      semaphore.NewWeighted(int64(capacity)),
		capacity: int64(capacity),
		metrics:  m,
	}, nil
}

// Acquire blocks until a slot is free or ctx is done. On success the caller
// owns the returned permit and must Release it. On failure no slot is held
// and the context's error is returned.
func (g *Gate) Acquire(ctx context.Context) (*Permit, error) {
	g.addWaiting(1)
	err := g.sem.Acquire(ctx, 1)
	g.addWaiting(-1)
	if err != nil {
		return nil, err
	}

	g.addInUse(1)
	return &Permit{gate: g}, nil
}

// Release returns the slot to its gate. Calls after the first are no-ops,
// so a deferred Release next to an explicit one cannot double-free.
func (p *Permit) Release() {
	if p == nil {
		return
	}
	p.once.Do(func() {
		p.gate.addInUse(-1)
		p.gate.sem.Release(1)
	})
}

// Do runs fn while holding a permit. The permit is released when fn returns
// or panics. If no permit could be acquired fn is not called and the
// acquisition error is returned.
func (g *Gate) Do(ctx context.Context, fn func(ctx context.Context) error) error {
	permit, err := g.Acquire(ctx)
	if err != nil {
		return err
	}
	defer permit.Release()

	return fn(ctx)
}

// Capacity returns the configured number of slots.
func (g *Gate) Capacity() int {
	return int(g.capacity)
}

// InUse returns the number of outstanding permits.
func (g *Gate) InUse() int {
	return int(g.inUse.Load())
}

// Waiting returns the number of callers blocked in Acquire.
func (g *Gate) Waiting() int {
	return int(g.waiting.Load())
}

func (g *Gate) addInUse(delta int64) {
	g.inUse.Add(delta)
	if g.metrics != nil {
		g.metrics.PermitsInUse.Add(float64(delta))
	}
}

func (g *Gate) addWaiting(delta int64) {
	g.waiting.Add(delta)
	if g.metrics != nil {
		g.metrics.PermitsWaiting.Add(float64(delta))
	}
}
