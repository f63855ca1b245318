package middleware

import (
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/teilomillet/parley/config"
	"github.com/teilomillet/parley/errors"
	"github.com/teilomillet/parley/server/metrics"
	"golang.org/x/time/rate"
)

// RateLimiter limits requests per client IP with a token bucket each.
type RateLimiter struct {
	limit   rate.Limit
	burst   int
	window  time.Duration
	metrics *metrics.Metrics
	onLimit http.Handler

	mu       sync.Mutex
	visitors map[string]*rate.Limiter
}

// NewRateLimiter builds a limiter allowing cfg.Requests per cfg.Window with
// bursts of cfg.Burst (at least one). onLimit answers rejected requests; nil
// writes a 429 error.
func NewRateLimiter(cfg config.RateLimitConfig, m *metrics.Metrics, onLimit http.Handler) *RateLimiter {
	burst := cfg.Burst
	if burst < 1 {
		burst = 1
	}
	limit := rate.Inf
	if cfg.Requests > 0 && cfg.Window > 0 {
		limit = rate.Every(cfg.Window / time.Duration(cfg.Requests))
	}
	return &RateLimiter{
		limit:    limit,
		burst:    burst,
		window:   cfg.Window,
		metrics:  m,
		onLimit:  onLimit,
		visitors: make(map[string]*rate.Limiter),
	}
}

func (l *RateLimiter) limiterFor(ip string) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()

	limiter, exists := l.visitors[ip]
	if !exists {
		limiter = rate.NewLimiter(l.limit, l.burst)
		l.visitors[ip] = limiter
	}
	return limiter
}

// Handler applies the limit in front of next.
func (l *RateLimiter) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ip := clientIP(r)
		if l.limiterFor(ip).Allow() {
			next.ServeHTTP(w, r)
			return
		}

		if l.metrics != nil {
			l.metrics.RateLimitHits.WithLabelValues(routePattern(r)).Inc()
		}
		if l.onLimit != nil {
			l.onLimit.ServeHTTP(w, r)
			return
		}

		retryAfter := int(l.window.Seconds())
		w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
		errors.WriteError(w, errors.NewRateLimitError(RequestIDFromContext(r.Context()), retryAfter))
	})
}

// Reset forgets every client.
func (l *RateLimiter) Reset() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.visitors = make(map[string]*rate.Limiter)
}

// clientIP strips the port from RemoteAddr. RemoteAddr carries a forwarded
// address only when the server trusts proxy headers.
func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
