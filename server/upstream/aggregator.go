package upstream

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/teilomillet/parley/config"
	"github.com/teilomillet/parley/server/metrics"
	"github.com/teilomillet/parley/server/middleware"
	"go.uber.org/zap"
	"golang.org/x/net/html/charset"
)

const (
	contentTypeJSON   = "application/json"
	contentTypeStream = "text/event-stream"

	// maxJSONBytes bounds a single-document response.
	maxJSONBytes = 8 << 20
)

// answerChunk is the part of a response document or stream event parley reads.
type answerChunk struct {
	Answer string `json:"answer"`
}

// Aggregator performs one upstream call per turn. It is safe for concurrent
// use; it holds no per-call state.
type Aggregator struct {
	endpoint config.Endpoint
	headers  map[string]string
	params   map[string]interface{}
	timeout  time.Duration
	maxRaw   int

	client  *http.Client
	logger  *zap.Logger
	metrics *metrics.Metrics
}

// Option customizes an Aggregator.
type Option func(*Aggregator)

// WithHTTPClient replaces the default HTTP client. Its own Timeout should be
// zero; the aggregator enforces the configured deadline through the context.
func WithHTTPClient(c *http.Client) Option {
	return func(a *Aggregator) {
		a.client = c
	}
}

// WithMetrics records upstream latency and bad stream lines.
func WithMetrics(m *metrics.Metrics) Option {
	return func(a *Aggregator) {
		a.metrics = m
	}
}

// NewAggregator builds an aggregator from the upstream configuration.
func NewAggregator(cfg config.UpstreamConfig, logger *zap.Logger, opts ...Option) (*Aggregator, error) {
	ep, err := cfg.Resolve()
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	a := &Aggregator{
		endpoint: ep,
		headers:  cfg.Headers,
		params:   cfg.Params,
		timeout:  cfg.Timeout,
		maxRaw:   cfg.MaxRawPayload,
		client:   &http.Client{},
		logger:   logger,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a, nil
}

// Aggregate sends query upstream and returns the folded outcome. It makes
// exactly one attempt. The configured timeout covers connecting, the
// response headers and the whole stream; cancelling ctx aborts the call.
func (a *Aggregator) Aggregate(ctx context.Context, query string) Outcome {
	start := time.Now()
	raw := newRawBuffer(a.maxRaw)

	callCtx := ctx
	if a.timeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, a.timeout)
		defer cancel()
	}

	out := a.call(callCtx, query, raw)
	if out.Status != StatusOK && out.Status != StatusEmpty && callCtx.Err() != nil {
		out = a.interrupted(ctx, callCtx, out)
	}

	out.RawPayload = raw.String()
	out.Duration = time.Since(start)
	if a.metrics != nil {
		a.metrics.UpstreamDuration.WithLabelValues(out.Status.String()).Observe(out.Duration.Seconds())
	}
	return out
}

// interrupted reclassifies a failure caused by the deadline or the caller
// going away.
func (a *Aggregator) interrupted(parent, callCtx context.Context, out Outcome) Outcome {
	if errors.Is(parent.Err(), context.Canceled) {
		out.Status = StatusUpstreamError
		out.Detail = fmt.Sprintf("canceled by caller: %s", out.Detail)
		return out
	}
	if errors.Is(callCtx.Err(), context.DeadlineExceeded) {
		out.Status = StatusTimeout
		out.Detail = fmt.Sprintf("no complete response within %s: %s", a.timeout, out.Detail)
	}
	return out
}

func (a *Aggregator) call(ctx context.Context, query string, raw *rawBuffer) Outcome {
	body, err := json.Marshal(a.requestBody(query))
	if err != nil {
		return Outcome{Status: StatusUpstreamError, Detail: fmt.Sprintf("failed to encode request: %v", err)}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.endpoint.BaseURL, bytes.NewReader(body))
	if err != nil {
		return Outcome{Status: StatusUpstreamError, Detail: fmt.Sprintf("failed to build request: %v", err)}
	}
	for k, v := range a.headers {
		req.Header.Set(k, v)
	}
	req.Header.Set("Content-Type", contentTypeJSON)
	if a.endpoint.Authorization != "" {
		req.Header.Set("Authorization", a.endpoint.Authorization)
	}

	resp, err := a.client.Do(req)
	if err != nil {
		out := Outcome{Status: StatusUpstreamError, Detail: fmt.Sprintf("request failed: %v", err)}
		var netErr net.Error
		if errors.As(err, &netErr) && netErr.Timeout() {
			out.Status = StatusTimeout
		}
		return out
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		_, _ = io.Copy(raw, io.LimitReader(resp.Body, int64(a.maxRaw)))
		return Outcome{
			Status:     StatusUpstreamError,
			HTTPStatus: resp.StatusCode,
			Detail:     fmt.Sprintf("upstream returned HTTP %d", resp.StatusCode),
		}
	}

	contentType := resp.Header.Get("Content-Type")
	mediaType, params, err := mime.ParseMediaType(contentType)
	if err != nil {
		mediaType = ""
	}
	reader := a.decodeCharset(ctx, resp.Body, params["charset"])

	var out Outcome
	switch {
	case mediaType == contentTypeJSON || strings.HasSuffix(mediaType, "+json"):
		out = a.readDocument(reader, raw)
	case mediaType == contentTypeStream:
		out = a.readStream(ctx, reader, raw)
	default:
		_, _ = io.Copy(raw, io.LimitReader(resp.Body, int64(a.maxRaw)))
		out = Outcome{
			Status: StatusUpstreamError,
			Detail: fmt.Sprintf("unexpected content type %q", contentType),
		}
	}
	out.HTTPStatus = resp.StatusCode
	return out
}

// requestBody copies the static parameters and injects the query. The
// configured map is shared by every turn and is never written to.
func (a *Aggregator) requestBody(query string) map[string]interface{} {
	body := make(map[string]interface{}, len(a.params)+1)
	for k, v := range a.params {
		body[k] = v
	}
	body["query"] = query
	return body
}

// decodeCharset transcodes a body declaring a non-UTF-8 charset. Unknown
// labels are passed through untouched.
func (a *Aggregator) decodeCharset(ctx context.Context, body io.Reader, label string) io.Reader {
	if label == "" {
		return body
	}
	enc, name := charset.Lookup(label)
	if enc == nil {
		a.log(ctx).Warn("unknown upstream charset, reading as UTF-8", zap.String("charset", label))
		return body
	}
	if name == "utf-8" {
		return body
	}
	return enc.NewDecoder().Reader(body)
}

func (a *Aggregator) readDocument(body io.Reader, raw *rawBuffer) Outcome {
	data, err := io.ReadAll(io.LimitReader(body, maxJSONBytes))
	_, _ = raw.Write(data)
	if err != nil {
		return Outcome{Status: StatusUpstreamError, Detail: fmt.Sprintf("failed to read response: %v", err)}
	}

	var doc answerChunk
	if err := json.Unmarshal(data, &doc); err != nil {
		return Outcome{Status: StatusDecodeError, Detail: fmt.Sprintf("invalid JSON response: %v", err)}
	}
	return finish(doc.Answer)
}

func (a *Aggregator) readStream(ctx context.Context, body io.Reader, raw *rawBuffer) Outcome {
	var (
		answer   strings.Builder
		lines    int
		badLines int
		lastErr  error
	)

	stream := newStreamReader(body, raw)
	for {
		payload, err := stream.Next()
		if err == io.EOF {
			break
		}
		if err == errLineTooLong {
			lines++
			badLines++
			lastErr = err
			a.badLine(ctx, "skipping oversize stream line", zap.Int("limit_bytes", maxLineBytes))
			continue
		}
		if err != nil {
			return Outcome{
				Status:   StatusUpstreamError,
				BadLines: badLines,
				Detail:   fmt.Sprintf("stream interrupted after %d lines: %v", lines, err),
			}
		}
		lines++

		var chunk answerChunk
		if err := json.Unmarshal([]byte(payload), &chunk); err != nil {
			badLines++
			lastErr = err
			a.badLine(ctx, "skipping undecodable stream line",
				zap.String("line", payload),
				zap.Error(err),
			)
			continue
		}
		answer.WriteString(chunk.Answer)
	}

	if answer.Len() == 0 && badLines > 0 {
		return Outcome{
			Status:   StatusUpstreamError,
			BadLines: badLines,
			Detail:   fmt.Sprintf("stream produced no usable content: %d of %d lines undecodable (last: %v)", badLines, lines, lastErr),
		}
	}

	out := finish(answer.String())
	out.BadLines = badLines
	return out
}

func (a *Aggregator) badLine(ctx context.Context, msg string, fields ...zap.Field) {
	if a.metrics != nil {
		a.metrics.StreamBadLines.Inc()
	}
	a.log(ctx).Warn(msg, fields...)
}

// finish strips the role marker some upstreams prepend and classifies an
// empty answer.
func finish(answer string) Outcome {
	if strings.HasPrefix(answer, "0:") || strings.HasPrefix(answer, "1:") {
		answer = answer[2:]
	}
	answer = strings.TrimSpace(answer)
	if answer == "" {
		return Outcome{Status: StatusEmpty, Detail: "upstream returned an empty answer"}
	}
	return Outcome{Answer: answer, Status: StatusOK}
}

func (a *Aggregator) log(ctx context.Context) *zap.Logger {
	if id := middleware.RequestIDFromContext(ctx); id != "" {
		return a.logger.With(zap.String("request_id", id))
	}
	return a.logger
}
