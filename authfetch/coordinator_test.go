package authfetch

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// concurrentUnauthorized answers the first n requests carrying "Bearer a1"
// with 401 only once all n have arrived, and holds the refresh exchange until
// release is closed.
type concurrentUnauthorized struct {
	arrived sync.WaitGroup
	release chan struct{}
	refresh *Response
}

func newConcurrentUnauthorized(n int, refresh *Response) *concurrentUnauthorized {
	h := &concurrentUnauthorized{
		release: make(chan struct{}),
		refresh: refresh,
	}
	h.arrived.Add(n)
	return h
}

func (h *concurrentUnauthorized) handle(_ context.Context, req *Request) (*Response, error) {
	switch {
	case req.URL == testBaseURL+"/refresh":
		<-h.release
		return h.refresh, nil
	case bearer(req) == "Bearer a1":
		h.arrived.Done()
		h.arrived.Wait()
		return status(http.StatusUnauthorized, ""), nil
	case bearer(req) == "Bearer a2":
		return status(http.StatusOK, req.URL), nil
	default:
		return status(http.StatusUnauthorized, ""), nil
	}
}

func runConcurrent(t *testing.T, c *Client, paths []string) ([]*Response, []error) {
	t.Helper()

	resps := make([]*Response, len(paths))
	errs := make([]error, len(paths))
	var wg sync.WaitGroup
	wg.Add(len(paths))
	for i, path := range paths {
		go func(i int, path string) {
			defer wg.Done()
			resps[i], errs[i] = c.Get(context.Background(), path)
		}(i, path)
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("concurrent requests did not settle")
	}
	return resps, errs
}

func TestCoordinator_SingleFlight(t *testing.T) {
	store := newMemStore(KeyAccessToken, "a1", KeyRefreshToken, "r1")
	h := newConcurrentUnauthorized(3, status(http.StatusOK, `{"accessToken":"a2","refreshToken":"r2"}`))
	tr := &fakeTransport{handler: h.handle}
	c := newTestClient(t, store, tr)

	go func() {
		// Two of the three callers must be parked behind the refresh.
		assert.Eventually(t, func() bool { return c.coord.pending() == 2 }, 2*time.Second, 5*time.Millisecond)
		close(h.release)
	}()

	paths := []string{"/trips", "/fuel", "/reports"}
	resps, errs := runConcurrent(t, c, paths)

	for i := range paths {
		require.NoError(t, errs[i], paths[i])
		assert.Equal(t, http.StatusOK, resps[i].StatusCode)
		assert.Equal(t, testBaseURL+paths[i], string(resps[i].Body))
	}
	assert.Equal(t, 1, tr.count(testBaseURL+"/refresh"))
	assert.Equal(t, 0, c.coord.pending())

	access, _ := store.value(KeyAccessToken)
	assert.Equal(t, "a2", access)
}

func TestCoordinator_QueuedWaitersReplayed(t *testing.T) {
	store := newMemStore(KeyAccessToken, "a1", KeyRefreshToken, "r1")
	obs := &recordingObserver{}
	h := newConcurrentUnauthorized(3, status(http.StatusOK, `{"accessToken":"a2","refreshToken":"r2"}`))
	tr := &fakeTransport{handler: h.handle}
	c := newTestClient(t, store, tr, WithObserver(obs))

	go func() {
		assert.Eventually(t, func() bool { return c.coord.pending() == 2 }, 2*time.Second, 5*time.Millisecond)
		close(h.release)
	}()

	_, errs := runConcurrent(t, c, []string{"/trips", "/trips", "/trips"})
	for _, err := range errs {
		require.NoError(t, err)
	}

	var replays []*Request
	for _, req := range tr.requests() {
		if req.URL == testBaseURL+"/trips" && bearer(req) == "Bearer a2" {
			replays = append(replays, req)
		}
	}
	assert.Len(t, replays, 3)

	queued := 0
	for _, e := range obs.snapshot() {
		if e == "queued" {
			queued++
		}
	}
	assert.Equal(t, 2, queued)
}

func TestCoordinator_QueuedWaitersRejected(t *testing.T) {
	store := newMemStore(KeyAccessToken, "a1", KeyRefreshToken, "r1")
	sink := &countingSink{}
	h := newConcurrentUnauthorized(3, status(http.StatusForbidden, ""))
	tr := &fakeTransport{handler: h.handle}
	c := newTestClient(t, store, tr, WithSessionSink(sink))

	go func() {
		assert.Eventually(t, func() bool { return c.coord.pending() == 2 }, 2*time.Second, 5*time.Millisecond)
		close(h.release)
	}()

	resps, errs := runConcurrent(t, c, []string{"/trips", "/fuel", "/reports"})
	for i, err := range errs {
		assert.ErrorIs(t, err, ErrSessionExpired)
		assert.Nil(t, resps[i])
	}

	// Three originals and one refresh; nothing replayed.
	assert.Len(t, tr.requests(), 4)
	assert.Equal(t, int32(1), sink.calls.Load())

	_, hasAccess := store.value(KeyAccessToken)
	_, hasRefresh := store.value(KeyRefreshToken)
	assert.False(t, hasAccess)
	assert.False(t, hasRefresh)
}

func TestCoordinator_QueuedWaiterReplayFailureIsolated(t *testing.T) {
	store := newMemStore(KeyAccessToken, "a1", KeyRefreshToken, "r1")
	h := newConcurrentUnauthorized(3, status(http.StatusOK, `{"accessToken":"a2","refreshToken":"r2"}`))
	tr := &fakeTransport{}
	tr.handler = func(ctx context.Context, req *Request) (*Response, error) {
		if req.URL == testBaseURL+"/fuel" && bearer(req) == "Bearer a2" {
			return nil, &TransportError{Method: req.Method, URL: req.URL, Err: fmt.Errorf("connection reset")}
		}
		return h.handle(ctx, req)
	}
	c := newTestClient(t, store, tr)

	go func() {
		assert.Eventually(t, func() bool { return c.coord.pending() == 2 }, 2*time.Second, 5*time.Millisecond)
		close(h.release)
	}()

	paths := []string{"/trips", "/fuel", "/reports"}
	resps, errs := runConcurrent(t, c, paths)

	for i, path := range paths {
		if path == "/fuel" {
			var tErr *TransportError
			assert.ErrorAs(t, errs[i], &tErr)
			continue
		}
		require.NoError(t, errs[i], path)
		assert.Equal(t, http.StatusOK, resps[i].StatusCode)
	}
}

func TestCoordinator_QueuedWaitersGetTransportFailure(t *testing.T) {
	store := newMemStore(KeyAccessToken, "a1", KeyRefreshToken, "r1")
	sink := &countingSink{}
	h := newConcurrentUnauthorized(3, nil)
	netErr := &TransportError{Method: http.MethodPost, URL: testBaseURL + "/refresh", Err: fmt.Errorf("timeout")}
	tr := &fakeTransport{}
	tr.handler = func(ctx context.Context, req *Request) (*Response, error) {
		if req.URL == testBaseURL+"/refresh" {
			<-h.release
			return nil, netErr
		}
		return h.handle(ctx, req)
	}
	c := newTestClient(t, store, tr, WithSessionSink(sink))

	go func() {
		assert.Eventually(t, func() bool { return c.coord.pending() == 2 }, 2*time.Second, 5*time.Millisecond)
		close(h.release)
	}()

	_, errs := runConcurrent(t, c, []string{"/trips", "/fuel", "/reports"})
	for _, err := range errs {
		assert.Same(t, netErr, err)
	}
	assert.Equal(t, int32(0), sink.calls.Load())

	access, _ := store.value(KeyAccessToken)
	assert.Equal(t, "a1", access)
}

func TestCoordinator_StaleTokenReplayedWithoutSecondRefresh(t *testing.T) {
	store := newMemStore(KeyAccessToken, "a1", KeyRefreshToken, "r1")

	slowArrived := make(chan struct{})
	slowRelease := make(chan struct{})
	tr := &fakeTransport{}
	tr.handler = func(_ context.Context, req *Request) (*Response, error) {
		switch {
		case req.URL == testBaseURL+"/refresh":
			return status(http.StatusOK, `{"accessToken":"a2","refreshToken":"r2"}`), nil
		case bearer(req) == "Bearer a2":
			return status(http.StatusOK, ""), nil
		case req.URL == testBaseURL+"/reports":
			close(slowArrived)
			<-slowRelease
			return status(http.StatusUnauthorized, ""), nil
		default:
			return status(http.StatusUnauthorized, ""), nil
		}
	}
	c := newTestClient(t, store, tr)

	slowDone := make(chan error, 1)
	go func() {
		_, err := c.Get(context.Background(), "/reports")
		slowDone <- err
	}()
	<-slowArrived

	resp, err := c.Get(context.Background(), "/trips")
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	close(slowRelease)
	require.NoError(t, <-slowDone)

	assert.Equal(t, 1, tr.count(testBaseURL+"/refresh"))
	assert.Equal(t, 2, tr.count(testBaseURL+"/reports"))
}

func TestCoordinator_WaiterContextCancelled(t *testing.T) {
	store := newMemStore(KeyAccessToken, "a1", KeyRefreshToken, "r1")
	release := make(chan struct{})
	tr := &fakeTransport{}
	tr.handler = func(_ context.Context, req *Request) (*Response, error) {
		switch {
		case req.URL == testBaseURL+"/refresh":
			<-release
			return status(http.StatusOK, `{"accessToken":"a2","refreshToken":"r2"}`), nil
		case bearer(req) == "Bearer a2":
			return status(http.StatusOK, ""), nil
		default:
			return status(http.StatusUnauthorized, ""), nil
		}
	}
	c := newTestClient(t, store, tr)

	leaderErr := make(chan error, 1)
	go func() {
		_, err := c.Get(context.Background(), "/trips")
		leaderErr <- err
	}()
	require.Eventually(t, c.coord.inFlight, 2*time.Second, 5*time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	waiterErr := make(chan error, 1)
	go func() {
		_, err := c.Get(ctx, "/fuel")
		waiterErr <- err
	}()
	require.Eventually(t, func() bool { return c.coord.pending() == 1 }, 2*time.Second, 5*time.Millisecond)

	cancel()
	assert.ErrorIs(t, <-waiterErr, context.Canceled)

	close(release)
	require.NoError(t, <-leaderErr)

	// The abandoned waiter is not replayed.
	assert.Equal(t, 1, tr.count(testBaseURL+"/fuel"))
}

func TestCoordinator_RefreshesAgainAfterExternalLogin(t *testing.T) {
	store := newMemStore(KeyAccessToken, "a1", KeyRefreshToken, "r1")

	var mu sync.Mutex
	accepted := "a2"
	tr := &fakeTransport{}
	tr.handler = func(_ context.Context, req *Request) (*Response, error) {
		if req.URL == testBaseURL+"/refresh" {
			switch string(req.Body) {
			case `{"refreshToken":"r1"}`:
				return status(http.StatusOK, `{"accessToken":"a2","refreshToken":"r2"}`), nil
			case `{"refreshToken":"r9"}`:
				return status(http.StatusOK, `{"accessToken":"a10","refreshToken":"r10"}`), nil
			default:
				return status(http.StatusForbidden, ""), nil
			}
		}
		mu.Lock()
		defer mu.Unlock()
		if bearer(req) == "Bearer "+accepted {
			return status(http.StatusOK, ""), nil
		}
		return status(http.StatusUnauthorized, ""), nil
	}
	c := newTestClient(t, store, tr)
	ctx := context.Background()

	resp, err := c.Get(ctx, "/trips")
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	// Another process logs in with a new pair, which the server later expires.
	require.NoError(t, store.Set(ctx, KeyAccessToken, "a9"))
	require.NoError(t, store.Set(ctx, KeyRefreshToken, "r9"))
	mu.Lock()
	accepted = "a10"
	mu.Unlock()

	before := len(tr.requests())
	resp, err = c.Get(ctx, "/trips")
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, 2, tr.count(testBaseURL+"/refresh"))

	var bearers []string
	for _, req := range tr.requests()[before:] {
		bearers = append(bearers, bearer(req))
	}
	assert.Equal(t, []string{"Bearer a9", "", "Bearer a10"}, bearers)

	access, _ := store.value(KeyAccessToken)
	refresh, _ := store.value(KeyRefreshToken)
	assert.Equal(t, "a10", access)
	assert.Equal(t, "r10", refresh)
}

func TestCoordinator_LeaderCancelDoesNotFailWaiters(t *testing.T) {
	store := newMemStore(KeyAccessToken, "a1", KeyRefreshToken, "r1")
	release := make(chan struct{})
	tr := &fakeTransport{}
	tr.handler = func(ctx context.Context, req *Request) (*Response, error) {
		switch {
		case req.URL == testBaseURL+"/refresh":
			<-release
			if err := ctx.Err(); err != nil {
				return nil, &TransportError{Method: req.Method, URL: req.URL, Err: err}
			}
			return status(http.StatusOK, `{"accessToken":"a2","refreshToken":"r2"}`), nil
		case bearer(req) == "Bearer a2":
			return status(http.StatusOK, req.URL), nil
		default:
			return status(http.StatusUnauthorized, ""), nil
		}
	}
	c := newTestClient(t, store, tr)

	leaderCtx, cancel := context.WithCancel(context.Background())
	leaderErr := make(chan error, 1)
	go func() {
		_, err := c.Get(leaderCtx, "/trips")
		leaderErr <- err
	}()
	require.Eventually(t, c.coord.inFlight, 2*time.Second, 5*time.Millisecond)

	type outcome struct {
		resp *Response
		err  error
	}
	waiter := make(chan outcome, 1)
	go func() {
		resp, err := c.Get(context.Background(), "/fuel")
		waiter <- outcome{resp, err}
	}()
	require.Eventually(t, func() bool { return c.coord.pending() == 1 }, 2*time.Second, 5*time.Millisecond)

	cancel()
	close(release)

	got := <-waiter
	require.NoError(t, got.err)
	assert.Equal(t, http.StatusOK, got.resp.StatusCode)
	assert.Equal(t, testBaseURL+"/fuel", string(got.resp.Body))

	assert.ErrorIs(t, <-leaderErr, context.Canceled)
	// The caller that gave up is not replayed.
	assert.Equal(t, 1, tr.count(testBaseURL+"/trips"))

	access, _ := store.value(KeyAccessToken)
	assert.Equal(t, "a2", access)
}

func TestCoordinator_RefreshTimeout(t *testing.T) {
	store := newMemStore(KeyAccessToken, "a1", KeyRefreshToken, "r1")
	tr := &fakeTransport{}
	tr.handler = func(ctx context.Context, req *Request) (*Response, error) {
		if req.URL == testBaseURL+"/refresh" {
			<-ctx.Done()
			return nil, &TransportError{Method: req.Method, URL: req.URL, Err: ctx.Err()}
		}
		return status(http.StatusUnauthorized, ""), nil
	}
	c := newTestClient(t, store, tr, WithRefreshTimeout(20*time.Millisecond))

	_, err := c.Get(context.Background(), "/trips")
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	// A timed-out exchange is not a session expiry.
	access, _ := store.value(KeyAccessToken)
	assert.Equal(t, "a1", access)
}
