package middleware

import (
	"context"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/eapache/queue/v2"
	"github.com/teilomillet/parley/server/metrics"
)

// queueContextKey is a custom type for queue-specific context keys to avoid collisions
type queueContextKey string

const (
	queuePositionKey queueContextKey = "queue_position"
)

// QueueMiddleware bounds how many turns may be queued or in flight at once.
//
// Each admitted request holds an entry in a FIFO queue until its handler
// returns. When the queue is full the request is handed to OnFull instead of
// the wrapped handler, so a flood of pushes is answered immediately rather
// than piling up behind the admission gate.
//
// Queue entries are done channels closed on completion; the deferred cleanup
// runs even if the handler panics.
type QueueMiddleware struct {
	queue      *queue.Queue[chan struct{}]
	maxSize    atomic.Int64
	mu         sync.RWMutex
	processing atomic.Int32
	metrics    *metrics.Metrics
	onFull     http.Handler
	done       chan struct{}
	closeOnce  sync.Once
}

// QueueConfig defines the operational parameters for the queue middleware.
type QueueConfig struct {
	// MaxSize is the number of requests allowed in the queue.
	MaxSize int64

	// Metrics is optional.
	Metrics *metrics.Metrics

	// OnFull answers requests turned away. Defaults to a bare 503.
	OnFull http.Handler
}

// NewQueueMiddleware initializes a new queue middleware with the given configuration.
func NewQueueMiddleware(cfg QueueConfig) *QueueMiddleware {
	qm := &QueueMiddleware{
		queue:   queue.New[chan struct{}](),
		metrics: cfg.Metrics,
		onFull:  cfg.OnFull,
		done:    make(chan struct{}),
	}
	if qm.onFull == nil {
		qm.onFull = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, "Queue is full", http.StatusServiceUnavailable)
		})
	}
	qm.maxSize.Store(cfg.MaxSize)
	return qm
}

// Shutdown stops admitting requests and waits for the queue to drain or ctx
// to end, whichever comes first.
func (qm *QueueMiddleware) Shutdown(ctx context.Context) error {
	qm.closeOnce.Do(func() { close(qm.done) })

	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()
	for {
		if qm.GetQueueSize() == 0 && qm.GetProcessing() == 0 {
			return nil
		}
		select {
		case <-ctx.Done():
			if qm.metrics != nil {
				qm.metrics.ErrorsTotal.WithLabelValues("queue_shutdown_timeout").Inc()
			}
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// SetMaxSize updates the maximum number of requests allowed in the queue.
// It takes effect for the next request.
func (qm *QueueMiddleware) SetMaxSize(size int64) {
	qm.maxSize.Store(size)
}

// GetQueueSize returns the current queue length.
func (qm *QueueMiddleware) GetQueueSize() int {
	qm.mu.RLock()
	defer qm.mu.RUnlock()
	return qm.queue.Length()
}

// GetMaxSize returns the current maximum queue size.
func (qm *QueueMiddleware) GetMaxSize() int64 {
	return qm.maxSize.Load()
}

// GetProcessing returns the number of requests currently being processed.
func (qm *QueueMiddleware) GetProcessing() int32 {
	return qm.processing.Load()
}

// Handler manages the request lifecycle through the queue.
func (qm *QueueMiddleware) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		select {
		case <-qm.done:
			qm.reject(w, r, "queue_closed")
			return
		default:
		}

		qm.mu.Lock()
		currentSize := qm.queue.Length()
		if int64(currentSize) >= qm.maxSize.Load() {
			qm.mu.Unlock()
			qm.reject(w, r, "queue_full")
			return
		}

		done := make(chan struct{})
		qm.queue.Add(done)
		if qm.metrics != nil {
			qm.metrics.ActiveRequests.WithLabelValues("queued").Set(float64(qm.queue.Length()))
		}
		qm.mu.Unlock()

		qm.processing.Add(1)
		if qm.metrics != nil {
			qm.metrics.ActiveRequests.WithLabelValues("processing").Inc()
		}

		defer func() {
			qm.processing.Add(-1)
			if qm.metrics != nil {
				qm.metrics.ActiveRequests.WithLabelValues("processing").Dec()
			}
			close(done)
			qm.mu.Lock()
			qm.queue.Remove()
			if qm.metrics != nil {
				qm.metrics.ActiveRequests.WithLabelValues("queued").Set(float64(qm.queue.Length()))
				qm.metrics.RequestDuration.WithLabelValues("queue_wait").Observe(time.Since(start).Seconds())
			}
			qm.mu.Unlock()
		}()

		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), queuePositionKey, currentSize)))
	})
}

func (qm *QueueMiddleware) reject(w http.ResponseWriter, r *http.Request, reason string) {
	if qm.metrics != nil {
		qm.metrics.ErrorsTotal.WithLabelValues(reason).Inc()
	}
	qm.onFull.ServeHTTP(w, r)
}

// QueuePosition returns how many requests were ahead when r was admitted.
func QueuePosition(ctx context.Context) (int, bool) {
	pos, ok := ctx.Value(queuePositionKey).(int)
	return pos, ok
}
