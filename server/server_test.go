package server

import (
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/teilomillet/parley/config"
	"github.com/teilomillet/parley/errors"
	"github.com/teilomillet/parley/server/message"
	"github.com/teilomillet/parley/server/mocks"
	"github.com/teilomillet/parley/server/signature"
	"github.com/teilomillet/parley/server/upstream"
	"go.uber.org/zap/zaptest"
)

const testToken = "parley-token"

const push = `<xml>
  <ToUserName><![CDATA[gh_account]]></ToUserName>
  <FromUserName><![CDATA[oUser123]]></FromUserName>
  <CreateTime>1348831860</CreateTime>
  <MsgType><![CDATA[text]]></MsgType>
  <Content><![CDATA[tell me a joke]]></Content>
  <MsgId>1234567890123456</MsgId>
</xml>`

func testConfig(upstreamURL string) *config.Config {
	cfg := config.DefaultConfig()
	cfg.Webhook.Token = testToken
	cfg.Webhook.Path = "/wechat"
	cfg.Upstream.BaseURL = upstreamURL
	cfg.Upstream.Authorization = "Bearer app-key"
	cfg.Upstream.Params = map[string]interface{}{
		"inputs":        map[string]interface{}{},
		"response_mode": "streaming",
		"user":          "parley",
	}
	cfg.Upstream.Timeout = 2 * time.Second
	cfg.Concurrency.Limit = 2
	return cfg
}

func startServer(t *testing.T, cfg *config.Config, opts ...Option) *httptest.Server {
	t.Helper()
	s, err := NewServer(cfg, zaptest.NewLogger(t), opts...)
	require.NoError(t, err)
	ts := httptest.NewServer(s.Handler())
	t.Cleanup(ts.Close)
	return ts
}

func handshake(sig, timestamp, nonce, echostr string) string {
	q := url.Values{}
	q.Set("signature", sig)
	q.Set("timestamp", timestamp)
	q.Set("nonce", nonce)
	q.Set("echostr", echostr)
	return q.Encode()
}

func postPush(t *testing.T, target, body string) (*http.Response, *message.InboundMessage) {
	t.Helper()
	resp, err := http.Post(target, "text/xml", strings.NewReader(body))
	require.NoError(t, err)
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	if resp.StatusCode != http.StatusOK {
		return resp, nil
	}
	reply, err := message.Decode(data)
	require.NoError(t, err, "body: %s", data)
	return resp, reply
}

func TestHandshake(t *testing.T) {
	ts := startServer(t, testConfig("http://upstream.invalid"))
	valid := signature.Sign(testToken, "1700000000", "8f3b1c")

	tests := []struct {
		name           string
		query          string
		expectedStatus int
		expectedBody   string
		expectedType   errors.ErrorType
	}{
		{
			name:           "valid signature echoes echostr",
			query:          handshake(valid, "1700000000", "8f3b1c", "5837397749246214593"),
			expectedStatus: http.StatusOK,
			expectedBody:   "5837397749246214593",
		},
		{
			name:           "wrong signature",
			query:          handshake(signature.Sign("other-token", "1700000000", "8f3b1c"), "1700000000", "8f3b1c", "E"),
			expectedStatus: http.StatusForbidden,
			expectedType:   errors.AuthFailureError,
		},
		{
			name:           "missing nonce",
			query:          "signature=" + valid + "&timestamp=1700000000&echostr=E",
			expectedStatus: http.StatusBadRequest,
			expectedType:   errors.MissingParamError,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, err := http.Get(ts.URL + "/wechat?" + tt.query)
			require.NoError(t, err)
			defer resp.Body.Close()

			assert.Equal(t, tt.expectedStatus, resp.StatusCode)
			assert.NotEmpty(t, resp.Header.Get("X-Request-ID"))

			body, err := io.ReadAll(resp.Body)
			require.NoError(t, err)
			if tt.expectedType == "" {
				assert.Equal(t, tt.expectedBody, string(body))
				return
			}

			var errResp errors.ErrorResponse
			require.NoError(t, json.Unmarshal(body, &errResp))
			assert.Equal(t, tt.expectedType, errResp.Type)
			assert.Equal(t, resp.Header.Get("X-Request-ID"), errResp.RequestID)
		})
	}
}

func TestMessageTurnEndToEnd(t *testing.T) {
	up := mocks.NewStreamUpstream("0:", "Why did the ", "gopher cross the road?")
	defer up.Close()

	ts := startServer(t, testConfig(up.URL))

	resp, reply := postPush(t, ts.URL+"/wechat", push)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "application/xml", resp.Header.Get("Content-Type"))

	require.NotNil(t, reply)
	assert.Equal(t, "Why did the gopher cross the road?", reply.Content)
	assert.Equal(t, "oUser123", reply.ToUser)
	assert.Equal(t, "gh_account", reply.FromUser)

	requests := up.Requests()
	require.Len(t, requests, 1)
	assert.Equal(t, "tell me a joke", requests[0]["query"])
	assert.Equal(t, "streaming", requests[0]["response_mode"])
	assert.Equal(t, "Bearer app-key", up.Headers()[0].Get("Authorization"))
}

func TestMessageTurnFallbacks(t *testing.T) {
	cfg := config.DefaultConfig()

	t.Run("upstream failure", func(t *testing.T) {
		up := mocks.NewJSONUpstream(http.StatusInternalServerError, `{"message":"model overloaded"}`)
		defer up.Close()
		ts := startServer(t, testConfig(up.URL))

		resp, reply := postPush(t, ts.URL+"/wechat", push)
		assert.Equal(t, http.StatusOK, resp.StatusCode)
		require.NotNil(t, reply)
		assert.Equal(t, cfg.Replies.UpstreamError, reply.Content)
		assert.NotContains(t, reply.Content, "overloaded")
	})

	t.Run("malformed push", func(t *testing.T) {
		up := mocks.NewStreamUpstream("never")
		defer up.Close()
		ts := startServer(t, testConfig(up.URL))

		resp, reply := postPush(t, ts.URL+"/wechat", "<xml><Content>")
		assert.Equal(t, http.StatusOK, resp.StatusCode)
		require.NotNil(t, reply)
		assert.Equal(t, cfg.Replies.DecodeError, reply.Content)
		assert.Empty(t, up.Requests())
	})

	t.Run("unreachable upstream", func(t *testing.T) {
		up := mocks.NewStreamUpstream("never")
		addr := up.URL
		up.Close()
		ts := startServer(t, testConfig(addr))

		resp, reply := postPush(t, ts.URL+"/wechat", push)
		assert.Equal(t, http.StatusOK, resp.StatusCode)
		require.NotNil(t, reply)
		assert.Equal(t, cfg.Replies.UpstreamError, reply.Content)
	})
}

func TestVerifyMessages(t *testing.T) {
	up := mocks.NewStreamUpstream("hi")
	defer up.Close()

	cfg := testConfig(up.URL)
	cfg.Webhook.VerifyMessages = true
	ts := startServer(t, cfg)

	resp, _ := postPush(t, ts.URL+"/wechat", push)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, _ = postPush(t, ts.URL+"/wechat?signature=bad&timestamp=1&nonce=2", push)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	sig := signature.Sign(testToken, "1", "2")
	resp, reply := postPush(t, ts.URL+"/wechat?signature="+sig+"&timestamp=1&nonce=2&openid=oUser123", push)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	require.NotNil(t, reply)
	assert.Equal(t, "hi", reply.Content)
	assert.Len(t, up.Requests(), 1)
}

func TestBacklogAnswersBusy(t *testing.T) {
	release := make(chan struct{})
	entered := make(chan struct{}, 1)
	agg := mocks.NewMockAggregator(func(ctx context.Context, q string) upstream.Outcome {
		entered <- struct{}{}
		<-release
		return upstream.Outcome{Status: upstream.StatusOK, Answer: "slow answer"}
	})

	cfg := testConfig("http://upstream.invalid")
	cfg.Concurrency.Backlog = 1
	ts := startServer(t, cfg, WithAggregator(agg))

	first := make(chan *message.InboundMessage, 1)
	go func() {
		_, reply := postPush(t, ts.URL+"/wechat", push)
		first <- reply
	}()
	<-entered

	resp, reply := postPush(t, ts.URL+"/wechat", push)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	require.NotNil(t, reply)
	assert.Equal(t, cfg.Replies.Busy, reply.Content)

	close(release)
	select {
	case r := <-first:
		require.NotNil(t, r)
		assert.Equal(t, "slow answer", r.Content)
	case <-time.After(5 * time.Second):
		t.Fatal("first turn never finished")
	}
}

func TestRateLimitAnswersBusy(t *testing.T) {
	cfg := testConfig("http://upstream.invalid")
	cfg.RateLimit = config.RateLimitConfig{Enabled: true, Requests: 1, Window: time.Hour, Burst: 1}
	ts := startServer(t, cfg, WithAggregator(mocks.Answering("hello")))

	_, reply := postPush(t, ts.URL+"/wechat", push)
	require.NotNil(t, reply)
	assert.Equal(t, "hello", reply.Content)

	resp, reply := postPush(t, ts.URL+"/wechat", push)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	require.NotNil(t, reply)
	assert.Equal(t, cfg.Replies.Busy, reply.Content)
}

func TestRateLimitKeyIgnoresForwardedForUnlessTrusted(t *testing.T) {
	forwarded := func(t *testing.T, target, client string) string {
		t.Helper()
		req, err := http.NewRequest(http.MethodPost, target, strings.NewReader(push))
		require.NoError(t, err)
		req.Header.Set("X-Forwarded-For", client)
		resp, err := http.DefaultClient.Do(req)
		require.NoError(t, err)
		defer resp.Body.Close()
		data, err := io.ReadAll(resp.Body)
		require.NoError(t, err)
		reply, err := message.Decode(data)
		require.NoError(t, err)
		return reply.Content
	}

	for _, trusted := range []bool{false, true} {
		cfg := testConfig("http://upstream.invalid")
		cfg.Server.TrustProxyHeaders = trusted
		cfg.RateLimit = config.RateLimitConfig{Enabled: true, Requests: 1, Window: time.Hour, Burst: 1}
		ts := startServer(t, cfg, WithAggregator(mocks.Answering("hello")))

		assert.Equal(t, "hello", forwarded(t, ts.URL+"/wechat", "198.51.100.1"))
		second := forwarded(t, ts.URL+"/wechat", "198.51.100.2")
		if trusted {
			assert.Equal(t, "hello", second, "a trusted proxy header names a new client")
			continue
		}
		assert.Equal(t, cfg.Replies.Busy, second, "an untrusted header cannot dodge the limit")

		mresp, err := http.Get(ts.URL + "/metrics")
		require.NoError(t, err)
		body, err := io.ReadAll(mresp.Body)
		mresp.Body.Close()
		require.NoError(t, err)
		assert.Contains(t, string(body), `parley_rate_limit_hits_total{endpoint="/wechat"} 1`)
	}
}

func TestHealthAndMetrics(t *testing.T) {
	ts := startServer(t, testConfig("http://upstream.invalid"), WithAggregator(mocks.Answering("ok")))

	postPush(t, ts.URL+"/wechat", push)

	resp, err := http.Get(ts.URL + "/health")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	var health healthResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&health))
	assert.Equal(t, "ok", health.Status)
	assert.Equal(t, 2, health.Admission.Capacity)
	assert.Equal(t, 0, health.Admission.InUse)

	mresp, err := http.Get(ts.URL + "/metrics")
	require.NoError(t, err)
	defer mresp.Body.Close()
	body, err := io.ReadAll(mresp.Body)
	require.NoError(t, err)

	assert.Contains(t, string(body), `parley_turns_total{status="ok"} 1`)
	assert.Contains(t, string(body), `parley_http_requests_total{endpoint="/wechat",status="200"} 1`)
	assert.Contains(t, string(body), "parley_admission_permits_in_use 0")
}

func TestNewServerRejectsBadUpstream(t *testing.T) {
	cfg := testConfig("")
	_, err := NewServer(cfg, nil)
	assert.Error(t, err)
}

func TestServeGracefulShutdown(t *testing.T) {
	cfg := testConfig("http://upstream.invalid")
	cfg.Server.ShutdownTimeout = 2 * time.Second

	release := make(chan struct{})
	entered := make(chan struct{})
	agg := mocks.NewMockAggregator(func(ctx context.Context, q string) upstream.Outcome {
		close(entered)
		<-release
		return upstream.Outcome{Status: upstream.StatusOK, Answer: "finished during shutdown"}
	})

	s, err := NewServer(cfg, zaptest.NewLogger(t), WithAggregator(agg))
	require.NoError(t, err)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	served := make(chan error, 1)
	go func() { served <- s.Serve(ctx, ln) }()

	inflight := make(chan *message.InboundMessage, 1)
	go func() {
		_, reply := postPush(t, "http://"+ln.Addr().String()+"/wechat", push)
		inflight <- reply
	}()
	<-entered

	cancel()
	time.Sleep(50 * time.Millisecond)
	close(release)

	select {
	case err := <-served:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("server did not stop")
	}

	reply := <-inflight
	require.NotNil(t, reply)
	assert.Equal(t, "finished during shutdown", reply.Content)
}
