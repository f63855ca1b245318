// Package turn runs one message turn: decode the push, forward its text
// upstream under the admission gate, and encode the reply envelope.
//
// A turn always yields a well-formed reply. Every failure is logged and
// mapped to one of the configured fallback texts; none of the failure detail
// reaches the reply body.
package turn

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/teilomillet/parley/config"
	perrors "github.com/teilomillet/parley/errors"
	"github.com/teilomillet/parley/server/admission"
	"github.com/teilomillet/parley/server/message"
	"github.com/teilomillet/parley/server/metrics"
	"github.com/teilomillet/parley/server/middleware"
	"github.com/teilomillet/parley/server/upstream"
	"go.uber.org/zap"
)

// Turn status labels. The upstream statuses are reused as is.
const (
	StatusDecodeError  = "decode_error"
	StatusMissingField = "missing_field"
	StatusBusy         = "busy"
)

// Aggregator performs the upstream call.
type Aggregator interface {
	Aggregate(ctx context.Context, query string) upstream.Outcome
}

// Gate admits upstream calls.
type Gate interface {
	Acquire(ctx context.Context) (*admission.Permit, error)
}

// Result describes a finished turn.
type Result struct {
	// Reply is the encoded envelope to write back.
	Reply []byte

	// Status is "ok" when the reply carries an upstream answer.
	Status string

	// Message is nil when the push could not be decoded at all.
	Message *message.InboundMessage

	// Outcome is zero unless an upstream call was attempted or admission failed.
	Outcome upstream.Outcome
}

// Orchestrator wires codec, gate and aggregator together.
type Orchestrator struct {
	gate           Gate
	aggregator     Aggregator
	replies        config.RepliesConfig
	acquireTimeout time.Duration
	logger         *zap.Logger
	metrics        *metrics.Metrics
	now            func() time.Time
}

// Option customizes an Orchestrator.
type Option func(*Orchestrator)

// WithClock overrides the clock used for reply CreateTime.
func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) {
		o.now = now
	}
}

// WithMetrics counts turns by status.
func WithMetrics(m *metrics.Metrics) Option {
	return func(o *Orchestrator) {
		o.metrics = m
	}
}

// WithAcquireTimeout bounds the wait for an admission slot.
func WithAcquireTimeout(d time.Duration) Option {
	return func(o *Orchestrator) {
		o.acquireTimeout = d
	}
}

// New creates an orchestrator.
func New(gate Gate, aggregator Aggregator, replies config.RepliesConfig, logger *zap.Logger, opts ...Option) *Orchestrator {
	if logger == nil {
		logger = zap.NewNop()
	}
	o := &Orchestrator{
		gate:       gate,
		aggregator: aggregator,
		replies:    replies,
		logger:     logger,
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Handle runs a turn for a raw push body.
func (o *Orchestrator) Handle(ctx context.Context, raw []byte) Result {
	requestID := middleware.RequestIDFromContext(ctx)
	log := o.logger.With(zap.String("request_id", requestID))

	msg, err := message.Decode(raw)
	if err != nil {
		return o.rejected(log, requestID, msg, err)
	}

	log = log.With(messageFields(msg)...)
	log.Debug("forwarding message", zap.Int("query_bytes", len(msg.Content)))

	outcome := o.forward(ctx, msg.Content)

	res := Result{
		Status:  outcome.Status.String(),
		Message: msg,
		Outcome: outcome,
	}
	if outcome.OK() {
		res.Reply = o.encode(msg, outcome.Answer)
		log.Info("turn completed",
			zap.String("status", res.Status),
			zap.Duration("upstream_duration", outcome.Duration),
			zap.Int("answer_bytes", len(outcome.Answer)),
			zap.Int("bad_lines", outcome.BadLines),
		)
		log.Debug("upstream payload", zap.String("raw", outcome.RawPayload))
	} else {
		res.Reply = o.encode(msg, o.fallback(outcome.Status))
		o.logOutcome(log, requestID, outcome)
	}

	o.count(res.Status)
	return res
}

// forward runs the upstream call while holding a permit. The permit is
// released when forward returns, whatever the outcome.
func (o *Orchestrator) forward(ctx context.Context, query string) upstream.Outcome {
	acquireCtx := ctx
	if o.acquireTimeout > 0 {
		var cancel context.CancelFunc
		acquireCtx, cancel = context.WithTimeout(ctx, o.acquireTimeout)
		defer cancel()
	}

	permit, err := o.gate.Acquire(acquireCtx)
	if err != nil {
		return admissionFailure(ctx, err)
	}
	defer permit.Release()

	return o.aggregator.Aggregate(ctx, query)
}

func admissionFailure(ctx context.Context, err error) upstream.Outcome {
	if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
		return upstream.Outcome{
			Status: upstream.StatusTimeout,
			Detail: fmt.Sprintf("no admission slot became free: %v", err),
		}
	}
	return upstream.Outcome{
		Status: upstream.StatusUpstreamError,
		Detail: fmt.Sprintf("canceled while waiting for admission: %v", err),
	}
}

// Busy answers a push that was turned away before reaching the gate.
func (o *Orchestrator) Busy(ctx context.Context, raw []byte) Result {
	log := o.logger.With(zap.String("request_id", middleware.RequestIDFromContext(ctx)))

	// Addressing is best effort; an undecodable body still gets an envelope.
	msg, _ := message.Decode(raw)
	if msg != nil {
		log = log.With(messageFields(msg)...)
	}
	log.Warn("turn rejected, bridge is busy")

	o.count(StatusBusy)
	return Result{
		Reply:   o.encode(msg, o.replies.Busy),
		Status:  StatusBusy,
		Message: msg,
	}
}

func (o *Orchestrator) rejected(log *zap.Logger, requestID string, msg *message.InboundMessage, err error) Result {
	res := Result{Message: msg}

	var fieldErr *message.FieldError
	if errors.As(err, &fieldErr) {
		res.Status = StatusMissingField
		log = log.With(messageFields(msg)...)
		perrors.LogError(log, perrors.NewMissingFieldError(requestID, fieldErr.Field), requestID)
	} else {
		res.Status = StatusDecodeError
		perrors.LogError(log, perrors.NewDecodeError(requestID, err), requestID)
	}

	res.Reply = o.encode(msg, o.replies.DecodeError)
	o.count(res.Status)
	return res
}

func (o *Orchestrator) logOutcome(log *zap.Logger, requestID string, outcome upstream.Outcome) {
	if outcome.Status == upstream.StatusEmpty {
		log.Warn("upstream returned no answer",
			zap.Duration("upstream_duration", outcome.Duration),
			zap.Int("bad_lines", outcome.BadLines),
			zap.String("raw", outcome.RawPayload),
		)
		return
	}

	err := perrors.NewUpstreamError(requestID, outcome.Detail, nil)
	err.Details = map[string]interface{}{
		"status":            outcome.Status.String(),
		"http_status":       outcome.HTTPStatus,
		"bad_lines":         outcome.BadLines,
		"upstream_duration": outcome.Duration.String(),
		"raw":               outcome.RawPayload,
	}
	perrors.LogError(log, err, requestID)
}

func (o *Orchestrator) fallback(status upstream.Status) string {
	switch status {
	case upstream.StatusEmpty:
		return o.replies.Empty
	case upstream.StatusTimeout:
		return o.replies.Timeout
	default:
		return o.replies.UpstreamError
	}
}

func (o *Orchestrator) encode(msg *message.InboundMessage, content string) []byte {
	return message.Encode(message.ReplyTo(msg, o.now().Unix(), content))
}

func (o *Orchestrator) count(status string) {
	if o.metrics != nil {
		o.metrics.TurnsTotal.WithLabelValues(status).Inc()
	}
}

func messageFields(msg *message.InboundMessage) []zap.Field {
	if msg == nil {
		return nil
	}
	fields := []zap.Field{
		zap.String("from_user", msg.FromUser),
		zap.String("msg_type", msg.MsgType),
	}
	if id, ok := msg.Field("MsgId"); ok {
		fields = append(fields, zap.String("msg_id", id))
	}
	return fields
}
