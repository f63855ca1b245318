// Package handlers provides the HTTP handlers for the parley webhook.
//
// The webhook has two faces on one path. GET is the one-time provisioning
// handshake: the platform sends signature, timestamp, nonce and echostr and
// expects echostr back verbatim when the signature matches. POST carries a
// message push and is always answered with 200 and a reply envelope, even
// when the turn failed, because the platform retries pushes that get
// anything else.
package handlers

import (
	"context"
	"io"
	"net/http"

	"github.com/teilomillet/parley/errors"
	"github.com/teilomillet/parley/server/middleware"
	"github.com/teilomillet/parley/server/signature"
	"github.com/teilomillet/parley/server/turn"
	"go.uber.org/zap"
)

const contentTypeXML = "application/xml"

// Turns runs message turns.
type Turns interface {
	Handle(ctx context.Context, raw []byte) turn.Result
	Busy(ctx context.Context, raw []byte) turn.Result
}

// WebhookHandler serves the platform-facing endpoint.
type WebhookHandler struct {
	token        string
	turns        Turns
	maxBodyBytes int64
	logger       *zap.Logger
}

// NewWebhookHandler creates a handler verifying against token. Push bodies
// larger than maxBodyBytes are cut off and treated as undecodable.
func NewWebhookHandler(token string, turns Turns, maxBodyBytes int64, logger *zap.Logger) *WebhookHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &WebhookHandler{
		token:        token,
		turns:        turns,
		maxBodyBytes: maxBodyBytes,
		logger:       logger,
	}
}

// Verify answers the provisioning handshake.
func (h *WebhookHandler) Verify(w http.ResponseWriter, r *http.Request) {
	requestID := middleware.RequestIDFromContext(r.Context())
	req := signature.FromQuery(r.URL.Query())

	if missing := req.Missing(true); len(missing) > 0 {
		err := errors.NewMissingParamError(requestID, missing)
		errors.LogError(h.logger, err, requestID)
		errors.WriteError(w, err)
		return
	}

	if !req.Verify(h.token) {
		err := errors.NewAuthFailureError(requestID)
		errors.LogError(h.logger, err, requestID)
		errors.WriteError(w, err)
		return
	}

	h.logger.Info("webhook verified",
		zap.String("request_id", requestID),
		zap.String("timestamp", req.Timestamp),
	)
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	io.WriteString(w, req.Echostr)
}

// Receive runs a turn for a message push.
func (h *WebhookHandler) Receive(w http.ResponseWriter, r *http.Request) {
	raw := h.readBody(w, r)
	res := h.turns.Handle(r.Context(), raw)
	writeReply(w, res.Reply)
}

// Busy answers requests turned away by the backlog or the rate limiter.
// Pushes still get a reply envelope; anything else gets a 429.
func (h *WebhookHandler) Busy(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		requestID := middleware.RequestIDFromContext(r.Context())
		w.Header().Set("Retry-After", "1")
		errors.WriteError(w, errors.NewRateLimitError(requestID, 1))
		return
	}

	raw := h.readBody(w, r)
	res := h.turns.Busy(r.Context(), raw)
	writeReply(w, res.Reply)
}

// readBody returns what could be read of the push. A truncated or failed
// read yields a partial document, which decoding then rejects.
func (h *WebhookHandler) readBody(w http.ResponseWriter, r *http.Request) []byte {
	body := r.Body
	if h.maxBodyBytes > 0 {
		body = http.MaxBytesReader(w, r.Body, h.maxBodyBytes)
	}
	raw, err := io.ReadAll(body)
	if err != nil {
		h.logger.Warn("failed to read push body",
			zap.String("request_id", middleware.RequestIDFromContext(r.Context())),
			zap.Int("bytes_read", len(raw)),
			zap.Error(err),
		)
	}
	return raw
}

func writeReply(w http.ResponseWriter, reply []byte) {
	w.Header().Set("Content-Type", contentTypeXML)
	w.WriteHeader(http.StatusOK)
	w.Write(reply)
}
