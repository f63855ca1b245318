package upstream

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/teilomillet/parley/config"
	"github.com/teilomillet/parley/server/metrics"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

func newTestAggregator(t *testing.T, url string, mutate func(*config.UpstreamConfig), opts ...Option) *Aggregator {
	t.Helper()
	cfg := config.DefaultConfig().Upstream
	cfg.BaseURL = url
	cfg.Authorization = "Bearer app-test"
	if mutate != nil {
		mutate(&cfg)
	}
	a, err := NewAggregator(cfg, zap.NewNop(), opts...)
	require.NoError(t, err)
	return a
}

func jsonUpstream(status int, body string) *httptest.Server {
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json; charset=utf-8")
		w.WriteHeader(status)
		io.WriteString(w, body)
	}))
}

func streamUpstream(lines ...string) *httptest.Server {
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		flusher, _ := w.(http.Flusher)
		for _, line := range lines {
			fmt.Fprintf(w, "%s\n\n", line)
			if flusher != nil {
				flusher.Flush()
			}
		}
	}))
}

func TestAggregateJSON(t *testing.T) {
	tests := []struct {
		name       string
		body       string
		wantStatus Status
		wantAnswer string
	}{
		{"role marker stripped", `{"answer":"0:hello"}`, StatusOK, "hello"},
		{"assistant marker stripped", `{"answer":"1: hi there "}`, StatusOK, "hi there"},
		{"plain answer", `{"answer":"  plain  ","conversation_id":"c1"}`, StatusOK, "plain"},
		{"marker only in the middle", `{"answer":"a0:b"}`, StatusOK, "a0:b"},
		{"missing answer", `{"event":"message"}`, StatusEmpty, ""},
		{"marker only", `{"answer":"0:   "}`, StatusEmpty, ""},
		{"not json", `{"answer":`, StatusDecodeError, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := jsonUpstream(http.StatusOK, tt.body)
			defer srv.Close()

			out := newTestAggregator(t, srv.URL, nil).Aggregate(context.Background(), "q")
			assert.Equal(t, tt.wantStatus, out.Status, out.Detail)
			assert.Equal(t, tt.wantAnswer, out.Answer)
			assert.Equal(t, tt.body, out.RawPayload)
			assert.Equal(t, http.StatusOK, out.HTTPStatus)
			if tt.wantStatus != StatusOK {
				assert.NotEmpty(t, out.Detail)
			}
		})
	}
}

func TestAggregateStream(t *testing.T) {
	srv := streamUpstream(
		`data: {"event":"message","answer":"a"}`,
		`data: {"event":"message","answer":"b"}`,
		`data: [DONE]`,
	)
	defer srv.Close()

	out := newTestAggregator(t, srv.URL, nil).Aggregate(context.Background(), "q")
	require.Equal(t, StatusOK, out.Status, out.Detail)
	assert.Equal(t, "ab", out.Answer)
	assert.Zero(t, out.BadLines)
	assert.Contains(t, out.RawPayload, `{"event":"message","answer":"a"}`)
	assert.Contains(t, out.RawPayload, "[DONE]")
}

func TestAggregateStreamVariants(t *testing.T) {
	tests := []struct {
		name       string
		lines      []string
		wantStatus Status
		wantAnswer string
		wantBad    int
	}{
		{
			name:       "role marker across chunks",
			lines:      []string{`data: {"answer":"0"}`, `data: {"answer":": hello"}`, `data: [DONE]`},
			wantStatus: StatusOK,
			wantAnswer: "hello",
		},
		{
			name:       "no space after prefix and no sentinel",
			lines:      []string{`data:{"answer":"x"}`, `data:{"answer":"y"}`},
			wantStatus: StatusOK,
			wantAnswer: "xy",
		},
		{
			name:       "event fields and comments skipped",
			lines:      []string{`: keepalive`, `event: ping`, `id: 7`, `data: {"answer":"ok"}`, `data: [DONE]`},
			wantStatus: StatusOK,
			wantAnswer: "ok",
		},
		{
			name:       "content after sentinel ignored",
			lines:      []string{`data: {"answer":"before"}`, `data: [DONE]`, `data: {"answer":"after"}`},
			wantStatus: StatusOK,
			wantAnswer: "before",
		},
		{
			name:       "one malformed line tolerated",
			lines:      []string{`data: {"answer":"a"}`, `data: {oops`, `data: {"answer":"b"}`, `data: [DONE]`},
			wantStatus: StatusOK,
			wantAnswer: "ab",
			wantBad:    1,
		},
		{
			name:       "every line malformed",
			lines:      []string{`data: {oops`, `data: nope`, `data: [DONE]`},
			wantStatus: StatusUpstreamError,
			wantBad:    2,
		},
		{
			name:       "events without answers",
			lines:      []string{`data: {"event":"workflow_started"}`, `data: {"event":"message_end"}`},
			wantStatus: StatusEmpty,
		},
		{
			name:       "malformed line with empty answers",
			lines:      []string{`data: {"event":"workflow_started"}`, `data: {bad`},
			wantStatus: StatusUpstreamError,
			wantBad:    1,
		},
		{
			name:       "empty stream",
			lines:      nil,
			wantStatus: StatusEmpty,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := streamUpstream(tt.lines...)
			defer srv.Close()

			out := newTestAggregator(t, srv.URL, nil).Aggregate(context.Background(), "q")
			assert.Equal(t, tt.wantStatus, out.Status, out.Detail)
			assert.Equal(t, tt.wantAnswer, out.Answer)
			assert.Equal(t, tt.wantBad, out.BadLines)
			if tt.wantStatus != StatusOK {
				assert.NotEmpty(t, out.Detail)
			}
		})
	}
}

func TestAggregateBadLinesAreLoggedAndCounted(t *testing.T) {
	srv := streamUpstream(`data: {"answer":"a"}`, `data: {broken`, `data: [DONE]`)
	defer srv.Close()

	core, logs := observer.New(zap.WarnLevel)
	m := metrics.NewMetrics()
	cfg := config.DefaultConfig().Upstream
	cfg.BaseURL = srv.URL
	a, err := NewAggregator(cfg, zap.New(core), WithMetrics(m))
	require.NoError(t, err)

	out := a.Aggregate(context.Background(), "q")
	require.Equal(t, StatusOK, out.Status)

	entries := logs.FilterMessage("skipping undecodable stream line").All()
	require.Len(t, entries, 1)
	assert.Equal(t, "{broken", entries[0].ContextMap()["line"])
	assert.Equal(t, float64(1), testutil.ToFloat64(m.StreamBadLines))
	assert.Equal(t, 1, testutil.CollectAndCount(m.UpstreamDuration))
}

func TestAggregateOversizeLineIsOneBadLine(t *testing.T) {
	huge := `data: {"answer":"` + strings.Repeat("x", maxLineBytes) + `"}`
	srv := streamUpstream(`data: {"answer":"Hello "}`, huge, `data: {"answer":"world"}`, `data: [DONE]`)
	defer srv.Close()

	core, logs := observer.New(zap.WarnLevel)
	m := metrics.NewMetrics()
	cfg := config.DefaultConfig().Upstream
	cfg.BaseURL = srv.URL
	a, err := NewAggregator(cfg, zap.New(core), WithMetrics(m))
	require.NoError(t, err)

	out := a.Aggregate(context.Background(), "q")
	require.Equal(t, StatusOK, out.Status, out.Detail)
	assert.Equal(t, "Hello world", out.Answer)
	assert.Equal(t, 1, out.BadLines)
	assert.Len(t, logs.FilterMessage("skipping oversize stream line").All(), 1)
	assert.Equal(t, float64(1), testutil.ToFloat64(m.StreamBadLines))
}

func TestAggregateOnlyOversizeLineIsUpstreamError(t *testing.T) {
	srv := streamUpstream(`data: {"answer":"` + strings.Repeat("x", maxLineBytes) + `"}`)
	defer srv.Close()

	out := newTestAggregator(t, srv.URL, nil).Aggregate(context.Background(), "q")
	assert.Equal(t, StatusUpstreamError, out.Status)
	assert.Equal(t, 1, out.BadLines)
	assert.Contains(t, out.Detail, "too long")
}

func TestAggregateHTTPError(t *testing.T) {
	srv := jsonUpstream(http.StatusInternalServerError, `{"code":"internal","message":"boom"}`)
	defer srv.Close()

	out := newTestAggregator(t, srv.URL, nil).Aggregate(context.Background(), "q")
	assert.Equal(t, StatusUpstreamError, out.Status)
	assert.Contains(t, out.Detail, "500")
	assert.Equal(t, http.StatusInternalServerError, out.HTTPStatus)
	assert.Contains(t, out.RawPayload, "boom")
	assert.Empty(t, out.Answer)
}

func TestAggregateUnexpectedContentType(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		io.WriteString(w, "<html>gateway</html>")
	}))
	defer srv.Close()

	out := newTestAggregator(t, srv.URL, nil).Aggregate(context.Background(), "q")
	assert.Equal(t, StatusUpstreamError, out.Status)
	assert.Contains(t, out.Detail, "text/html")
	assert.Equal(t, "<html>gateway</html>", out.RawPayload)
}

func TestAggregateTimeout(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		io.WriteString(w, "data: {\"answer\":\"partial\"}\n\n")
		w.(http.Flusher).Flush()
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	a := newTestAggregator(t, srv.URL, func(c *config.UpstreamConfig) {
		c.Timeout = 100 * time.Millisecond
	})

	start := time.Now()
	out := a.Aggregate(context.Background(), "q")
	assert.Equal(t, StatusTimeout, out.Status, out.Detail)
	assert.NotEmpty(t, out.Detail)
	assert.Empty(t, out.Answer)
	assert.Contains(t, out.RawPayload, "partial")
	assert.Less(t, time.Since(start), 2*time.Second)
}

func TestAggregateCallerCancel(t *testing.T) {
	started := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		close(started)
		<-r.Context().Done()
	}))
	defer srv.Close()

	a := newTestAggregator(t, srv.URL, func(c *config.UpstreamConfig) {
		c.Timeout = 5 * time.Second
	})

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		<-started
		cancel()
	}()

	out := a.Aggregate(ctx, "q")
	assert.Equal(t, StatusUpstreamError, out.Status)
	assert.Contains(t, out.Detail, "canceled")
	assert.Less(t, out.Duration, 5*time.Second)
}

func TestAggregateConnectionRefused(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	out := newTestAggregator(t, url, nil).Aggregate(context.Background(), "q")
	assert.Equal(t, StatusUpstreamError, out.Status)
	assert.Contains(t, out.Detail, "request failed")
	assert.Zero(t, out.HTTPStatus)
}

func TestAggregateRequestShape(t *testing.T) {
	var (
		gotBody   map[string]interface{}
		gotHeader http.Header
		gotMethod string
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotMethod = r.Method
		gotHeader = r.Header.Clone()
		_ = json.NewDecoder(r.Body).Decode(&gotBody)
		w.Header().Set("Content-Type", "application/json")
		io.WriteString(w, `{"answer":"ok"}`)
	}))
	defer srv.Close()

	params := map[string]interface{}{
		"inputs":        map[string]interface{}{},
		"response_mode": "streaming",
		"user":          "wechat",
	}
	a := newTestAggregator(t, srv.URL, func(c *config.UpstreamConfig) {
		c.Params = params
		c.Headers = map[string]string{"X-Tenant": "t1", "Content-Type": "text/plain"}
	})

	out := a.Aggregate(context.Background(), "what is parley?")
	require.Equal(t, StatusOK, out.Status, out.Detail)

	assert.Equal(t, http.MethodPost, gotMethod)
	assert.Equal(t, "Bearer app-test", gotHeader.Get("Authorization"))
	assert.Equal(t, "t1", gotHeader.Get("X-Tenant"))
	assert.Equal(t, "application/json", gotHeader.Get("Content-Type"))
	assert.Equal(t, "what is parley?", gotBody["query"])
	assert.Equal(t, "streaming", gotBody["response_mode"])
	assert.Equal(t, "wechat", gotBody["user"])

	_, leaked := params["query"]
	assert.False(t, leaked, "static params must not be mutated")
}

func TestAggregateResolvesNamedModel(t *testing.T) {
	var auth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		auth = r.Header.Get("Authorization")
		w.Header().Set("Content-Type", "application/json")
		io.WriteString(w, `{"answer":"ok"}`)
	}))
	defer srv.Close()

	cfg := config.DefaultConfig().Upstream
	cfg.Model = "dify"
	cfg.Models = map[string]config.ModelConfig{
		"dify": {BaseURL: srv.URL, Authorization: "Bearer from-table"},
	}
	a, err := NewAggregator(cfg, nil)
	require.NoError(t, err)

	out := a.Aggregate(context.Background(), "q")
	assert.Equal(t, StatusOK, out.Status)
	assert.Equal(t, "Bearer from-table", auth)
}

func TestNewAggregatorRequiresEndpoint(t *testing.T) {
	_, err := NewAggregator(config.DefaultConfig().Upstream, nil)
	assert.Error(t, err)
}

func TestAggregateTranscodesCharset(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream; charset=gbk")
		w.Write([]byte("data: {\"answer\":\""))
		w.Write([]byte{0xC4, 0xE3, 0xBA, 0xC3}) // "你好"
		w.Write([]byte("\"}\n\ndata: [DONE]\n\n"))
	}))
	defer srv.Close()

	out := newTestAggregator(t, srv.URL, nil).Aggregate(context.Background(), "q")
	require.Equal(t, StatusOK, out.Status, out.Detail)
	assert.Equal(t, "你好", out.Answer)
}

func TestAggregateCapsRawPayload(t *testing.T) {
	long := strings.Repeat("x", 500)
	srv := jsonUpstream(http.StatusOK, `{"answer":"`+long+`"}`)
	defer srv.Close()

	out := newTestAggregator(t, srv.URL, func(c *config.UpstreamConfig) {
		c.MaxRawPayload = 64
	}).Aggregate(context.Background(), "q")

	require.Equal(t, StatusOK, out.Status)
	assert.Equal(t, long, out.Answer, "the cap applies to diagnostics only")
	assert.True(t, strings.HasSuffix(out.RawPayload, "...(truncated)"))
	assert.LessOrEqual(t, len(out.RawPayload), 64+len("...(truncated)"))
}

func TestStatusString(t *testing.T) {
	assert.Equal(t, "ok", StatusOK.String())
	assert.Equal(t, "empty", StatusEmpty.String())
	assert.Equal(t, "upstream_error", StatusUpstreamError.String())
	assert.Equal(t, "decode_error", StatusDecodeError.String())
	assert.Equal(t, "timeout", StatusTimeout.String())
	assert.Equal(t, "unknown", Status(42).String())
}
