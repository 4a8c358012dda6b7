package authfetch

import (
	"fmt"
	"strings"
	"time"

	"github.com/go-logr/logr"
)

// NonOKPolicy decides what happens to non-401 responses outside the 2xx range.
type NonOKPolicy string

const (
	// Passthrough returns the response to the caller untouched.
	Passthrough NonOKPolicy = "passthrough"
	// ClearAndThrow clears stored credentials and returns a *ResponseError.
	ClearAndThrow NonOKPolicy = "clear-and-throw"
)

// ParseNonOKPolicy converts a configuration string to a NonOKPolicy.
// An empty string selects Passthrough.
func ParseNonOKPolicy(s string) (NonOKPolicy, error) {
	switch NonOKPolicy(strings.ToLower(strings.TrimSpace(s))) {
	case "", Passthrough:
		return Passthrough, nil
	case ClearAndThrow:
		return ClearAndThrow, nil
	default:
		return "", fmt.Errorf("unknown non-ok policy %q (want %q or %q)", s, Passthrough, ClearAndThrow)
	}
}

const (
	defaultRefreshPath     = "/refresh"
	defaultRequestIDHeader = "X-Request-Id"
	defaultRefreshTimeout  = 10 * time.Second
)

// Option configures a Client.
type Option func(*Client)

// WithTransport replaces the default HTTP transport.
func WithTransport(t Transport) Option {
	return func(c *Client) { c.transport = t }
}

// WithSessionSink sets the capability invoked when the session is lost.
func WithSessionSink(s SessionSink) Option {
	return func(c *Client) { c.sink = s }
}

// WithObserver sets the receiver of refresh progress events.
func WithObserver(o Observer) Option {
	return func(c *Client) { c.observer = o }
}

// WithLogger sets the structured logger.
func WithLogger(l logr.Logger) Option {
	return func(c *Client) { c.logger = l }
}

// WithNonOKPolicy selects how non-401 error responses are surfaced.
func WithNonOKPolicy(p NonOKPolicy) Option {
	return func(c *Client) { c.policy = p }
}

// WithRefreshPath overrides the refresh endpoint (default "/refresh").
func WithRefreshPath(path string) Option {
	return func(c *Client) { c.refreshPath = path }
}

// WithRequestIDHeader names the header stamped with a per-call UUID.
// An empty name disables stamping.
func WithRequestIDHeader(name string) Option {
	return func(c *Client) { c.requestIDHeader = name }
}

// WithRefreshTimeout bounds the refresh exchange. The exchange does not follow
// the cancellation of the request that triggered it.
func WithRefreshTimeout(d time.Duration) Option {
	return func(c *Client) { c.refreshTimeout = d }
}
