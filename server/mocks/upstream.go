package mocks

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
)

// UpstreamServer is a fake LLM endpoint answering with an event stream or a
// single JSON document. It records the decoded request bodies.
type UpstreamServer struct {
	*httptest.Server

	mu       sync.Mutex
	requests []map[string]interface{}
	headers  []http.Header
}

// NewStreamUpstream answers every request with the given answers as stream
// events followed by the sentinel.
func NewStreamUpstream(answers ...string) *UpstreamServer {
	return newUpstream(func(w http.ResponseWriter) {
		w.Header().Set("Content-Type", "text/event-stream")
		for _, a := range answers {
			data, _ := json.Marshal(map[string]string{"event": "message", "answer": a})
			fmt.Fprintf(w, "data: %s\n\n", data)
			if f, ok := w.(http.Flusher); ok {
				f.Flush()
			}
		}
		io.WriteString(w, "data: [DONE]\n\n")
	})
}

// NewJSONUpstream answers every request with status and body as application/json.
func NewJSONUpstream(status int, body string) *UpstreamServer {
	return newUpstream(func(w http.ResponseWriter) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		io.WriteString(w, body)
	})
}

func newUpstream(respond func(http.ResponseWriter)) *UpstreamServer {
	u := &UpstreamServer{}
	u.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]interface{}
		_ = json.NewDecoder(r.Body).Decode(&body)

		u.mu.Lock()
		u.requests = append(u.requests, body)
		u.headers = append(u.headers, r.Header.Clone())
		u.mu.Unlock()

		respond(w)
	}))
	return u
}

// Requests returns the request bodies received so far.
func (u *UpstreamServer) Requests() []map[string]interface{} {
	u.mu.Lock()
	defer u.mu.Unlock()
	return append([]map[string]interface{}(nil), u.requests...)
}

// Headers returns the request headers received so far.
func (u *UpstreamServer) Headers() []http.Header {
	u.mu.Lock()
	defer u.mu.Unlock()
	return append([]http.Header(nil), u.headers...)
}
