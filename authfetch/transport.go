package authfetch

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	retry "github.com/appleboy/go-httpretry"
)

// Request describes a single outbound call handed to a Transport.
type Request struct {
	Method string
	URL    string
	Header http.Header
	Body   []byte
}

// Response is a fully read transport response.
type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte
}

// OK reports whether the status code is 2xx.
func (r *Response) OK() bool {
	return r.StatusCode >= 200 && r.StatusCode < 300
}

// DecodeJSON unmarshals the response body into v.
func (r *Response) DecodeJSON(v any) error {
	if err := json.Unmarshal(r.Body, v); err != nil {
		return fmt.Errorf("failed to parse response: %w", err)
	}
	return nil
}

// Transport performs a network request.
type Transport interface {
	Send(ctx context.Context, req *Request) (*Response, error)
}

// TransportFunc adapts an ordinary function to the Transport interface.
type TransportFunc func(ctx context.Context, req *Request) (*Response, error)

// Send calls f(ctx, req).
func (f TransportFunc) Send(ctx context.Context, req *Request) (*Response, error) {
	return f(ctx, req)
}

// HTTPTransport sends requests through a retrying HTTP client.
type HTTPTransport struct {
	client *retry.Client
}

var _ Transport = (*HTTPTransport)(nil)

// NewHTTPTransport wraps an existing retry client.
func NewHTTPTransport(client *retry.Client) *HTTPTransport {
	return &HTTPTransport{client: client}
}

// NewDefaultHTTPTransport builds a retry client over a TLS 1.2+ pooled transport.
func NewDefaultHTTPTransport() (*HTTPTransport, error) {
	baseHTTPClient := &http.Client{
		Transport: &http.Transport{
			TLSClientConfig: &tls.Config{
				MinVersion: tls.VersionTLS12,
			},
			MaxIdleConns:        10,
			IdleConnTimeout:     90 * time.Second,
			TLSHandshakeTimeout: 10 * time.Second,
		},
	}

	client, err := retry.NewClient(retry.WithHTTPClient(baseHTTPClient))
	if err != nil {
		return nil, fmt.Errorf("failed to create retry client: %w", err)
	}
	return NewHTTPTransport(client), nil
}

// Send issues req and reads the whole body. Network failures are returned as
// *TransportError.
func (t *HTTPTransport) Send(ctx context.Context, r *Request) (*Response, error) {
	var body io.Reader
	if r.Body != nil {
		body = bytes.NewReader(r.Body)
	}

	req, err := http.NewRequestWithContext(ctx, r.Method, r.URL, body)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	for k, vs := range r.Header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}

	resp, err := t.client.DoWithContext(ctx, req)
	if err != nil {
		return nil, &TransportError{Method: r.Method, URL: r.URL, Err: err}
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &TransportError{
			Method: r.Method,
			URL:    r.URL,
			Err:    fmt.Errorf("failed to read response: %w", err),
		}
	}

	return &Response{
		StatusCode: resp.StatusCode,
		Header:     resp.Header,
		Body:       data,
	}, nil
}
