package authfetch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-logr/logr"
	"github.com/google/uuid"
)

// Options describes the caller side of a request. Body is sent as-is and may
// be sent more than once when the request is replayed.
type Options struct {
	Method string
	Header http.Header
	Body   []byte
}

// Client issues authenticated requests against a base URL.
type Client struct {
	baseURL         string
	refreshPath     string
	refreshTimeout  time.Duration
	requestIDHeader string
	policy          NonOKPolicy

	store     CredentialStore
	transport Transport
	sink      SessionSink
	observer  Observer
	logger    logr.Logger

	coord *coordinator
}

// New creates a Client. baseURL is prefixed to every relative path.
func New(baseURL string, store CredentialStore, opts ...Option) (*Client, error) {
	if store == nil {
		return nil, errors.New("credential store is required")
	}
	if err := validateBaseURL(baseURL); err != nil {
		return nil, err
	}

	c := &Client{
		baseURL:         strings.TrimRight(baseURL, "/"),
		refreshPath:     defaultRefreshPath,
		refreshTimeout:  defaultRefreshTimeout,
		requestIDHeader: defaultRequestIDHeader,
		policy:          Passthrough,
		store:           store,
		sink:            nopSink{},
		observer:        NopObserver{},
		logger:          logr.Discard(),
		coord:           &coordinator{},
	}
	for _, opt := range opts {
		opt(c)
	}

	policy, err := ParseNonOKPolicy(string(c.policy))
	if err != nil {
		return nil, err
	}
	c.policy = policy
	if c.refreshTimeout <= 0 {
		return nil, fmt.Errorf("refresh timeout must be positive, got: %s", c.refreshTimeout)
	}
	if c.transport == nil {
		t, err := NewDefaultHTTPTransport()
		if err != nil {
			return nil, err
		}
		c.transport = t
	}
	return c, nil
}

func validateBaseURL(rawURL string) error {
	if rawURL == "" {
		return errors.New("base URL cannot be empty")
	}
	u, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("invalid base URL: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("base URL scheme must be http or https, got: %s", u.Scheme)
	}
	if u.Host == "" {
		return errors.New("base URL must include a host")
	}
	return nil
}

// Do sends an authenticated request. A 401 is recovered with at most one
// refresh exchange; every other response is returned according to the
// configured NonOKPolicy.
func (c *Client) Do(ctx context.Context, path string, opts Options) (*Response, error) {
	access, err := c.get(ctx, KeyAccessToken)
	if err != nil {
		return nil, err
	}
	refresh, err := c.get(ctx, KeyRefreshToken)
	if err != nil {
		return nil, err
	}

	opts = c.stampRequestID(opts)
	req := c.newRequest(path, opts, access)

	c.logger.V(1).Info("Sending request", "method", req.Method, "url", req.URL)
	resp, err := c.transport.Send(ctx, req)
	if err != nil {
		return nil, err
	}

	if resp.StatusCode != http.StatusUnauthorized {
		return c.finish(ctx, resp)
	}

	if refresh == "" {
		if c.policy == ClearAndThrow {
			c.invalidate(ctx)
			return nil, &SessionExpiredError{Reason: "no refresh token stored"}
		}
		return resp, nil
	}

	c.observer.AccessTokenRejected(req.URL)
	return c.recover(ctx, &pendingRequest{ctx: ctx, path: path, opts: opts}, access, refresh)
}

// Get issues a GET request.
func (c *Client) Get(ctx context.Context, path string) (*Response, error) {
	return c.Do(ctx, path, Options{Method: http.MethodGet})
}

// Delete issues a DELETE request.
func (c *Client) Delete(ctx context.Context, path string) (*Response, error) {
	return c.Do(ctx, path, Options{Method: http.MethodDelete})
}

// Post issues a POST request with a raw body.
func (c *Client) Post(ctx context.Context, path string, body []byte) (*Response, error) {
	return c.Do(ctx, path, Options{Method: http.MethodPost, Body: body})
}

// Put issues a PUT request with a raw body.
func (c *Client) Put(ctx context.Context, path string, body []byte) (*Response, error) {
	return c.Do(ctx, path, Options{Method: http.MethodPut, Body: body})
}

// Patch issues a PATCH request with a raw body.
func (c *Client) Patch(ctx context.Context, path string, body []byte) (*Response, error) {
	return c.Do(ctx, path, Options{Method: http.MethodPatch, Body: body})
}

// PostJSON marshals v and POSTs it.
func (c *Client) PostJSON(ctx context.Context, path string, v any) (*Response, error) {
	body, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to encode request body: %w", err)
	}
	return c.Post(ctx, path, body)
}

// Logout removes the stored credentials. The session sink is not notified.
func (c *Client) Logout(ctx context.Context) error {
	if err := c.store.Remove(ctx, KeyAccessToken); err != nil {
		return &StoreError{Op: "remove", Key: KeyAccessToken, Err: err}
	}
	if err := c.store.Remove(ctx, KeyRefreshToken); err != nil {
		return &StoreError{Op: "remove", Key: KeyRefreshToken, Err: err}
	}
	return nil
}

// URL resolves path against the base URL. Absolute http(s) URLs are kept.
func (c *Client) URL(path string) string {
	lower := strings.ToLower(path)
	if strings.HasPrefix(lower, "http://") || strings.HasPrefix(lower, "https://") {
		return path
	}
	return c.baseURL + "/" + strings.TrimLeft(path, "/")
}

func (c *Client) get(ctx context.Context, key string) (string, error) {
	v, ok, err := c.store.Get(ctx, key)
	if err != nil {
		return "", &StoreError{Op: "get", Key: key, Err: err}
	}
	if !ok {
		return "", nil
	}
	return v, nil
}

// stampRequestID fixes the request id before the first send so that replays
// carry the same id.
func (c *Client) stampRequestID(opts Options) Options {
	header := opts.Header.Clone()
	if header == nil {
		header = make(http.Header)
	}
	if c.requestIDHeader != "" && header.Get(c.requestIDHeader) == "" {
		header.Set(c.requestIDHeader, uuid.NewString())
	}
	opts.Header = header
	return opts
}

func (c *Client) newRequest(path string, opts Options, accessToken string) *Request {
	method := opts.Method
	if method == "" {
		method = http.MethodGet
	}

	header := make(http.Header, len(opts.Header)+2)
	header.Set("Content-Type", "application/json")
	for k, vs := range opts.Header {
		header[http.CanonicalHeaderKey(k)] = append([]string(nil), vs...)
	}
	if accessToken != "" {
		header.Set("Authorization", "Bearer "+accessToken)
	}

	return &Request{
		Method: method,
		URL:    c.URL(path),
		Header: header,
		Body:   opts.Body,
	}
}

// replay re-issues a request with the given access token. A second 401 is
// returned to the caller as-is.
func (c *Client) replay(ctx context.Context, p *pendingRequest, accessToken string) (*Response, error) {
	req := c.newRequest(p.path, p.opts, accessToken)
	c.observer.Replaying(req.URL)
	c.logger.V(1).Info("Replaying request", "method", req.Method, "url", req.URL)

	resp, err := c.transport.Send(ctx, req)
	if err != nil {
		return nil, err
	}
	return c.finish(ctx, resp)
}

// finish applies the NonOKPolicy to a response that will not be refreshed.
func (c *Client) finish(ctx context.Context, resp *Response) (*Response, error) {
	if resp.OK() || resp.StatusCode == http.StatusUnauthorized || c.policy != ClearAndThrow {
		return resp, nil
	}
	c.logger.Info("Clearing credentials after error response", "status", resp.StatusCode)
	c.clear(ctx)
	return nil, &ResponseError{StatusCode: resp.StatusCode, Body: resp.Body}
}

// clear removes both credentials, logging failures instead of returning them.
func (c *Client) clear(ctx context.Context) {
	ctx = context.WithoutCancel(ctx)
	for _, key := range []string{KeyAccessToken, KeyRefreshToken} {
		if err := c.store.Remove(ctx, key); err != nil {
			c.logger.Error(err, "Failed to remove credential", "key", key)
		}
	}
}

// invalidate clears the credentials and notifies the session sink.
func (c *Client) invalidate(ctx context.Context) {
	c.clear(ctx)
	c.sink.SessionExpired()
}
