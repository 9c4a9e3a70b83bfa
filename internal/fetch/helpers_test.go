package fetch

import (
	"context"
	"fmt"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rb3ckers/storefetch/internal/config"
	"github.com/stretchr/testify/require"
)

func newBackend(t *testing.T, setup func(r *gin.Engine)) *httptest.Server {
	t.Helper()
	gin.SetMode(gin.TestMode)

	r := gin.New()
	setup(r)

	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)

	return srv
}

func testConfig(baseURL string) *config.Config {
	cfg := config.Default()
	cfg.BaseURL = baseURL
	cfg.RewriteImages = false

	return cfg
}

func newTestCoordinator(t *testing.T, cfg *config.Config) *Coordinator {
	t.Helper()

	client, err := NewClient(context.Background(), cfg)
	require.NoError(t, err)
	t.Cleanup(client.CloseIdleConnections)

	return NewCoordinator(cfg, client, nil)
}

func waitFor(t *testing.T, inst *Instance) Outcome {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	o, err := inst.Wait(ctx)
	require.NoError(t, err, "instance did not finish")

	return o
}

// recorder collects callback invocations in order.
type recorder struct {
	mu      sync.Mutex
	events  []string
	results []any
}

func (r *recorder) add(e string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.events = append(r.events, e)
}

func (r *recorder) Events() []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	return append([]string(nil), r.events...)
}

func (r *recorder) Results() []any {
	r.mu.Lock()
	defer r.mu.Unlock()

	return append([]any(nil), r.results...)
}

func (r *recorder) callbacks() Callbacks {
	return Callbacks{
		OnSuccess: func(result any) {
			r.mu.Lock()
			r.results = append(r.results, result)
			r.mu.Unlock()
			r.add("success")
		},
		OnError: func(message string) {
			r.add("error:" + message)
		},
		OnLoading: func(loading bool) {
			r.add(fmt.Sprintf("loading:%t", loading))
		},
	}
}

// fakeTransport answers from respond and counts calls.
type fakeTransport struct {
	mu      sync.Mutex
	calls   []*Request
	respond func(ctx context.Context, req *Request) (*Response, error)
}

func (f *fakeTransport) Do(ctx context.Context, req *Request) (*Response, error) {
	f.mu.Lock()
	f.calls = append(f.calls, req)
	f.mu.Unlock()

	return f.respond(ctx, req)
}

func (f *fakeTransport) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()

	return len(f.calls)
}

func jsonResponse(req *Request, status int, body string) *Response {
	return &Response{Request: req, StatusCode: status, Body: []byte(body), FetchedAt: time.Now()}
}
