package registry

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rb3ckers/storefetch/datatypes"
	"github.com/rb3ckers/storefetch/internal/config"
	"github.com/rb3ckers/storefetch/internal/fetch"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

// gatedTransport holds every request for a gated endpoint until it is released.
type gatedTransport struct {
	gate chan struct{}
}

func (g *gatedTransport) Do(ctx context.Context, req *fetch.Request) (*fetch.Response, error) {
	if req.URL == "http://shop/slow" {
		select {
		case <-g.gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	return &fetch.Response{Request: req, StatusCode: http.StatusOK, Body: []byte(`{"success":true}`)}, nil
}

type events struct {
	sync.Mutex
	list []string
}

func (e *events) callbacks(name string) fetch.Callbacks {
	add := func(s string) {
		e.Lock()
		e.list = append(e.list, name+":"+s)
		e.Unlock()
	}

	return fetch.Callbacks{
		OnSuccess: func(any) { add("success") },
		OnError:   func(string) { add("error") },
		OnLoading: func(l bool) {
			if l {
				add("loading")
			} else {
				add("done")
			}
		},
	}
}

func (e *events) get() []string {
	e.Lock()
	defer e.Unlock()

	return append([]string(nil), e.list...)
}

func newRegistry(singleFlight bool) (*Registry, *gatedTransport) {
	cfg := config.Default()
	cfg.BaseURL = "http://shop"
	cfg.SingleFlight = singleFlight

	transport := &gatedTransport{gate: make(chan struct{})}

	return NewRegistry(cfg, transport, nil), transport
}

func get(endpoint string) datatypes.RequestDescription {
	return datatypes.RequestDescription{Endpoint: endpoint, Method: datatypes.MethodGet}
}

func wait(t *testing.T, inst *fetch.Instance) fetch.Outcome {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	o, err := inst.Wait(ctx)
	require.NoError(t, err)

	return o
}

func TestSingleFlightCancelsPreviousAtSite(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	r, transport := newRegistry(true)
	ev := &events{}

	first, a, err := r.Start(context.Background(), "cart", get("/slow"), ev.callbacks("a"))
	require.NoError(t, err)

	second, b, err := r.Start(context.Background(), "cart", get("/fast"), ev.callbacks("b"))
	require.NoError(t, err)
	assert.NotSame(t, first, second)

	assert.Equal(t, fetch.StateSucceeded, wait(t, b).State)
	close(transport.gate)
	assert.Equal(t, fetch.StateCancelled, wait(t, a).State)

	current, ok := r.Current("cart")
	require.True(t, ok)
	assert.Same(t, second, current)

	got := ev.get()
	assert.NotContains(t, got, "a:success")
	assert.NotContains(t, got, "a:done")
	assert.Equal(t, []string{"b:loading", "b:success", "b:done"}, got[len(got)-3:])
}

func TestSitesAreIndependent(t *testing.T) {
	r, transport := newRegistry(true)
	defer close(transport.gate)

	ev := &events{}

	_, slow, err := r.Start(context.Background(), "product", get("/slow"), ev.callbacks("product"))
	require.NoError(t, err)

	_, fast, err := r.Start(context.Background(), "cart", get("/fast"), ev.callbacks("cart"))
	require.NoError(t, err)

	assert.Equal(t, fetch.StateSucceeded, wait(t, fast).State)
	assert.Equal(t, fetch.StateLoading, slow.State())
	assert.ElementsMatch(t, []string{"product", "cart"}, r.Sites())

	r.Cancel("product")
	assert.Equal(t, fetch.StateCancelled, wait(t, slow).State)
	assert.ElementsMatch(t, []string{"cart"}, r.Sites())
}

func TestWithoutSingleFlightBothComplete(t *testing.T) {
	r, transport := newRegistry(false)
	ev := &events{}

	_, a, err := r.Start(context.Background(), "grid", get("/slow"), ev.callbacks("a"))
	require.NoError(t, err)

	_, b, err := r.Start(context.Background(), "grid", get("/fast"), ev.callbacks("b"))
	require.NoError(t, err)

	assert.Equal(t, fetch.StateSucceeded, wait(t, b).State)
	close(transport.gate)
	assert.Equal(t, fetch.StateSucceeded, wait(t, a).State)

	assert.Subset(t, ev.get(), []string{"a:success", "a:done", "b:success", "b:done"})

	// Finished coordinators are pruned on the next start
	_, c, err := r.Start(context.Background(), "grid", get("/fast"), ev.callbacks("c"))
	require.NoError(t, err)
	wait(t, c)

	s, ok := r.sites.Get("grid")
	require.True(t, ok)
	assert.Len(t, s.coordinators, 1)
}

func TestNextRequestFromCallbackKeepsLoadingBracket(t *testing.T) {
	r, _ := newRegistry(true)
	ev := &events{}

	var next atomic.Pointer[fetch.Instance]

	cb := ev.callbacks("a")
	onSuccess := cb.OnSuccess
	cb.OnSuccess = func(result any) {
		onSuccess(result)

		_, inst, err := r.Start(context.Background(), "cart", get("/fast"), ev.callbacks("b"))
		assert.NoError(t, err)
		next.Store(inst)
	}

	_, a, err := r.Start(context.Background(), "cart", get("/fast"), cb)
	require.NoError(t, err)

	assert.Equal(t, fetch.StateSucceeded, wait(t, a).State)
	require.NotNil(t, next.Load())
	assert.Equal(t, fetch.StateSucceeded, wait(t, next.Load()).State)

	assert.Equal(t, []string{"a:loading", "a:success", "a:done", "b:loading", "b:success", "b:done"}, ev.get())
}

func TestSupersededCallbacksNeverFollowNewerOnes(t *testing.T) {
	r, transport := newRegistry(true)
	defer close(transport.gate)

	ev := &events{}
	entered := make(chan struct{})
	proceed := make(chan struct{})

	// a's loading callback holds the site's delivery goroutine while b starts.
	cb := ev.callbacks("a")
	onLoading := cb.OnLoading
	cb.OnLoading = func(loading bool) {
		onLoading(loading)
		if loading {
			close(entered)
			<-proceed
		}
	}

	_, a, err := r.Start(context.Background(), "cart", get("/slow"), cb)
	require.NoError(t, err)
	<-entered

	_, b, err := r.Start(context.Background(), "cart", get("/fast"), ev.callbacks("b"))
	require.NoError(t, err)

	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, []string{"a:loading"}, ev.get())

	close(proceed)
	assert.Equal(t, fetch.StateSucceeded, wait(t, b).State)
	assert.Equal(t, fetch.StateCancelled, wait(t, a).State)
	assert.Equal(t, []string{"a:loading", "b:loading", "b:success", "b:done"}, ev.get())
}

func TestRegistrySupersede(t *testing.T) {
	r, transport := newRegistry(true)
	defer close(transport.gate)

	_, err := r.Supersede(context.Background(), "cart", get("/fast"))
	assert.ErrorIs(t, err, fetch.ErrNotStarted)

	ev := &events{}
	_, a, err := r.Start(context.Background(), "cart", get("/slow"), ev.callbacks("cart"))
	require.NoError(t, err)

	b, err := r.Supersede(context.Background(), "cart", get("/fast"))
	require.NoError(t, err)

	assert.Equal(t, fetch.StateSucceeded, wait(t, b).State)
	assert.Equal(t, fetch.StateCancelled, wait(t, a).State)
}

func TestRegistryRejectsInvalidDescription(t *testing.T) {
	r, _ := newRegistry(true)

	_, _, err := r.Start(context.Background(), "cart", datatypes.RequestDescription{Endpoint: "/x", Method: "CONNECT"}, fetch.Callbacks{})

	var fe *fetch.FetchError
	require.True(t, errors.As(err, &fe))
	assert.Equal(t, fetch.KindUnsupportedMethod, fe.Kind)
	assert.Empty(t, r.Sites())
}

func TestReleaseAndClose(t *testing.T) {
	r, transport := newRegistry(false)
	defer close(transport.gate)

	c1, a, err := r.Start(context.Background(), "grid", get("/slow"), fetch.Callbacks{})
	require.NoError(t, err)

	_, b, err := r.Start(context.Background(), "grid", get("/slow"), fetch.Callbacks{})
	require.NoError(t, err)

	r.Release("grid", c1)
	assert.Equal(t, fetch.StateCancelled, wait(t, a).State)
	assert.Equal(t, fetch.StateLoading, b.State())
	assert.Equal(t, []string{"grid"}, r.Sites())

	r.Close()
	assert.Equal(t, fetch.StateCancelled, wait(t, b).State)
	assert.Empty(t, r.Sites())
}
