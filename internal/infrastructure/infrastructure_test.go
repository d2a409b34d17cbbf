package infrastructure

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func init() {
	zap.ReplaceGlobals(zap.NewNop())
}

// recordedRequest is what a test server saw.
type recordedRequest struct {
	Method string
	Path   string
	Query  string
	Header http.Header
	Body   map[string]any
}

// recorder is an httptest server that records requests and answers from a
// per-path table.
type recorder struct {
	mu        sync.Mutex
	requests  []recordedRequest
	responses map[string]response
	server    *httptest.Server
}

type response struct {
	status int
	body   string
	header map[string]string
}

func newRecorder(t *testing.T, responses map[string]response) *recorder {
	t.Helper()
	rec := &recorder{responses: responses}
	rec.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw, _ := io.ReadAll(r.Body)
		var body map[string]any
		_ = json.Unmarshal(raw, &body)

		rec.mu.Lock()
		rec.requests = append(rec.requests, recordedRequest{
			Method: r.Method,
			Path:   r.URL.Path,
			Query:  r.URL.RawQuery,
			Header: r.Header.Clone(),
			Body:   body,
		})
		rec.mu.Unlock()

		resp, ok := rec.responses[r.Method+" "+r.URL.Path]
		if !ok {
			resp = response{status: http.StatusOK, body: `{}`}
		}
		for k, v := range resp.header {
			w.Header().Set(k, v)
		}
		if resp.status == 0 {
			resp.status = http.StatusOK
		}
		w.WriteHeader(resp.status)
		_, _ = w.Write([]byte(resp.body))
	}))
	t.Cleanup(rec.server.Close)
	return rec
}

func (r *recorder) URL() string { return r.server.URL }

func (r *recorder) Requests() []recordedRequest {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]recordedRequest(nil), r.requests...)
}

func (r *recorder) last(t *testing.T) recordedRequest {
	t.Helper()
	reqs := r.Requests()
	require.NotEmpty(t, reqs)
	return reqs[len(reqs)-1]
}
