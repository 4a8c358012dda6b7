package authfetch

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/go-logr/logr"
	"github.com/stretchr/testify/require"
)

const testBaseURL = "https://fleet.example.com/api"

// memStore is a credential store that records writes.
type memStore struct {
	mu      sync.Mutex
	values  map[string]string
	writes  int
	failSet bool
}

func newMemStore(pairs ...string) *memStore {
	s := &memStore{values: make(map[string]string)}
	for i := 0; i+1 < len(pairs); i += 2 {
		s.values[pairs[i]] = pairs[i+1]
	}
	return s
}

func (s *memStore) Get(_ context.Context, key string) (string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.values[key]
	return v, ok, nil
}

func (s *memStore) Set(_ context.Context, key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.writes++
	if s.failSet {
		return errors.New("disk full")
	}
	s.values[key] = value
	return nil
}

func (s *memStore) Remove(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.writes++
	delete(s.values, key)
	return nil
}

func (s *memStore) value(key string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.values[key]
	return v, ok
}

func (s *memStore) writeCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.writes
}

// fakeTransport records every request and answers through handler.
type fakeTransport struct {
	mu      sync.Mutex
	calls   []*Request
	handler func(ctx context.Context, req *Request) (*Response, error)
}

func (f *fakeTransport) Send(ctx context.Context, req *Request) (*Response, error) {
	f.mu.Lock()
	f.calls = append(f.calls, req)
	f.mu.Unlock()
	return f.handler(ctx, req)
}

func (f *fakeTransport) requests() []*Request {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*Request(nil), f.calls...)
}

func (f *fakeTransport) count(url string) int {
	n := 0
	for _, r := range f.requests() {
		if r.URL == url {
			n++
		}
	}
	return n
}

type countingSink struct {
	calls atomic.Int32
}

func (s *countingSink) SessionExpired() { s.calls.Add(1) }

// recordingObserver keeps the sequence of events it saw.
type recordingObserver struct {
	mu     sync.Mutex
	events []string
}

func (o *recordingObserver) add(e string) {
	o.mu.Lock()
	o.events = append(o.events, e)
	o.mu.Unlock()
}

func (o *recordingObserver) AccessTokenRejected(string) { o.add("rejected") }
func (o *recordingObserver) Refreshing()                { o.add("refreshing") }
func (o *recordingObserver) RefreshOK()                 { o.add("refresh-ok") }
func (o *recordingObserver) RefreshFailed(error)        { o.add("refresh-failed") }
func (o *recordingObserver) Queued(string)              { o.add("queued") }
func (o *recordingObserver) Replaying(string)           { o.add("replaying") }

func (o *recordingObserver) snapshot() []string {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]string(nil), o.events...)
}

func status(code int, body string) *Response {
	return &Response{StatusCode: code, Header: http.Header{}, Body: []byte(body)}
}

func newTestClient(t *testing.T, store CredentialStore, tr Transport, opts ...Option) *Client {
	t.Helper()
	opts = append([]Option{WithTransport(tr), WithLogger(logr.Discard())}, opts...)
	c, err := New(testBaseURL, store, opts...)
	require.NoError(t, err)
	return c
}

func bearer(req *Request) string {
	return req.Header.Get("Authorization")
}

func (co *coordinator) pending() int {
	co.mu.Lock()
	defer co.mu.Unlock()
	return len(co.queue)
}

func (co *coordinator) inFlight() bool {
	co.mu.Lock()
	defer co.mu.Unlock()
	return co.refreshing
}
