// Package server assembles the parley HTTP server: the webhook routes, the
// health and metrics endpoints, and the middleware chain around them.
package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/teilomillet/parley/config"
	"github.com/teilomillet/parley/server/admission"
	"github.com/teilomillet/parley/server/handlers"
	"github.com/teilomillet/parley/server/metrics"
	"github.com/teilomillet/parley/server/middleware"
	"github.com/teilomillet/parley/server/turn"
	"github.com/teilomillet/parley/server/upstream"
	"go.uber.org/zap"
)

// Server represents the HTTP server
type Server struct {
	httpServer      *http.Server
	shutdownTimeout time.Duration
	logger          *zap.Logger
	metrics         *metrics.Metrics
	gate            *admission.Gate
	queue           *middleware.QueueMiddleware
}

// Option customizes a Server.
type Option func(*serverOptions)

type serverOptions struct {
	metrics    *metrics.Metrics
	aggregator turn.Aggregator
	httpClient *http.Client
}

// WithMetrics uses m instead of a fresh registry.
func WithMetrics(m *metrics.Metrics) Option {
	return func(o *serverOptions) {
		o.metrics = m
	}
}

// WithAggregator replaces the upstream client, typically with a fake.
func WithAggregator(a turn.Aggregator) Option {
	return func(o *serverOptions) {
		o.aggregator = a
	}
}

// WithUpstreamClient sets the HTTP client used for upstream calls.
func WithUpstreamClient(c *http.Client) Option {
	return func(o *serverOptions) {
		o.httpClient = c
	}
}

// NewServer builds every component from cfg. cfg is not modified and must
// not be modified afterwards.
func NewServer(cfg *config.Config, logger *zap.Logger, opts ...Option) (*Server, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	var o serverOptions
	for _, opt := range opts {
		opt(&o)
	}
	m := o.metrics
	if m == nil {
		m = metrics.NewMetrics()
	}

	gate, err := admission.NewGate(cfg.Concurrency.Limit, m)
	if err != nil {
		return nil, err
	}

	agg := o.aggregator
	if agg == nil {
		upstreamOpts := []upstream.Option{upstream.WithMetrics(m)}
		if o.httpClient != nil {
			upstreamOpts = append(upstreamOpts, upstream.WithHTTPClient(o.httpClient))
		}
		a, err := upstream.NewAggregator(cfg.Upstream, logger.Named("upstream"), upstreamOpts...)
		if err != nil {
			return nil, fmt.Errorf("upstream: %w", err)
		}
		agg = a
	}

	turns := turn.New(gate, agg, cfg.Replies, logger.Named("turn"),
		turn.WithMetrics(m),
		turn.WithAcquireTimeout(cfg.Concurrency.AcquireTimeout),
	)
	webhook := handlers.NewWebhookHandler(cfg.Webhook.Token, turns, cfg.Server.MaxBodyBytes, logger.Named("webhook"))

	s := &Server{
		shutdownTimeout: cfg.Server.ShutdownTimeout,
		logger:          logger,
		metrics:         m,
		gate:            gate,
	}
	if cfg.Concurrency.Backlog > 0 {
		s.queue = middleware.NewQueueMiddleware(middleware.QueueConfig{
			MaxSize: int64(cfg.Concurrency.Backlog),
			Metrics: m,
			OnFull:  http.HandlerFunc(webhook.Busy),
		})
	}

	s.httpServer = &http.Server{
		Addr:           fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:        s.routes(cfg, webhook),
		ReadTimeout:    cfg.Server.ReadTimeout,
		WriteTimeout:   cfg.Server.WriteTimeout,
		MaxHeaderBytes: cfg.Server.MaxHeaderBytes,
	}
	return s, nil
}

func (s *Server) routes(cfg *config.Config, webhook *handlers.WebhookHandler) chi.Router {
	r := chi.NewRouter()

	if cfg.Server.TrustProxyHeaders {
		r.Use(chimw.RealIP)
	}
	r.Use(middleware.RequestID)
	r.Use(middleware.Logging(s.logger.Named("http")))
	r.Use(middleware.Recovery(s.logger))
	r.Use(middleware.PrometheusMetrics(s.metrics))

	r.Get("/health", s.health)
	r.Method(http.MethodGet, "/metrics", s.metrics.Handler())

	r.Group(func(r chi.Router) {
		if cfg.RateLimit.Enabled {
			limiter := middleware.NewRateLimiter(cfg.RateLimit, s.metrics, http.HandlerFunc(webhook.Busy))
			r.Use(limiter.Handler)
		}
		if s.queue != nil {
			r.Use(s.queue.Handler)
		}

		r.Get(cfg.Webhook.Path, webhook.Verify)

		push := r
		if cfg.Webhook.VerifyMessages {
			push = r.With(middleware.Signature(cfg.Webhook.Token))
		}
		push.Post(cfg.Webhook.Path, webhook.Receive)
	})

	return r
}

type healthResponse struct {
	Status    string         `json:"status"`
	Admission admissionState `json:"admission"`
}

type admissionState struct {
	Capacity int `json:"capacity"`
	InUse    int `json:"in_use"`
	Waiting  int `json:"waiting"`
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(healthResponse{
		Status: "ok",
		Admission: admissionState{
			Capacity: s.gate.Capacity(),
			InUse:    s.gate.InUse(),
			Waiting:  s.gate.Waiting(),
		},
	})
}

// Handler returns the root handler, for tests and embedding.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// Start listens on the configured port and serves until ctx is cancelled.
func (s *Server) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.httpServer.Addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", s.httpServer.Addr, err)
	}
	return s.Serve(ctx, ln)
}

// Serve serves on ln until ctx is cancelled, then shuts down gracefully,
// giving in-flight turns up to the shutdown timeout to finish.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	errChan := make(chan error, 1)

	go func() {
		s.logger.Info("server started", zap.String("address", ln.Addr().String()))
		if err := s.httpServer.Serve(ln); err != nil && err != http.ErrServerClosed {
			errChan <- fmt.Errorf("server error: %w", err)
		}
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.shutdownTimeout)
		defer cancel()

		s.logger.Info("shutting down server", zap.Duration("timeout", s.shutdownTimeout))
		if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("error during server shutdown: %w", err)
		}
		if s.queue != nil {
			if err := s.queue.Shutdown(shutdownCtx); err != nil {
				return fmt.Errorf("error draining queue: %w", err)
			}
		}
		s.logger.Info("server stopped")
		return nil

	case err := <-errChan:
		return err
	}
}
