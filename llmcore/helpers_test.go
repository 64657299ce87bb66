package llmcore

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
)

// recordingServer answers each request with the next canned reply and keeps
// the decoded request bodies and headers.
type recordingServer struct {
	*httptest.Server

	mu      sync.Mutex
	bodies  []map[string]any
	headers []http.Header
	paths   []string
}

type cannedReply struct {
	status  int
	headers map[string]string
	body    string
}

func newRecordingServer(t *testing.T, replies ...cannedReply) *recordingServer {
	t.Helper()
	rs := &recordingServer{}
	rs.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Errorf("decode request: %v", err)
		}

		rs.mu.Lock()
		n := len(rs.bodies)
		rs.bodies = append(rs.bodies, body)
		rs.headers = append(rs.headers, r.Header.Clone())
		rs.paths = append(rs.paths, r.URL.Path)
		rs.mu.Unlock()

		if n >= len(replies) {
			t.Errorf("unexpected request #%d to %s", n+1, r.URL.Path)
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		reply := replies[n]
		for k, v := range reply.headers {
			w.Header().Set(k, v)
		}
		w.Header().Set("Content-Type", "application/json")
		if reply.status != 0 {
			w.WriteHeader(reply.status)
		}
		_, _ = w.Write([]byte(reply.body))
	}))
	t.Cleanup(rs.Close)
	return rs
}

func okReply(body string) cannedReply { return cannedReply{body: body} }

func (rs *recordingServer) requests() int {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	return len(rs.bodies)
}

func (rs *recordingServer) body(i int) map[string]any {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	return rs.bodies[i]
}

func (rs *recordingServer) header(i int) http.Header {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	return rs.headers[i]
}

func (rs *recordingServer) path(i int) string {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	return rs.paths[i]
}

// messagesOf returns the list stored under key in a decoded request body.
func messagesOf(t *testing.T, body map[string]any, key string) []map[string]any {
	t.Helper()
	raw, ok := body[key].([]any)
	if !ok {
		t.Fatalf("request has no %q list: %v", key, body)
	}
	out := make([]map[string]any, len(raw))
	for i, m := range raw {
		out[i] = m.(map[string]any)
	}
	return out
}
