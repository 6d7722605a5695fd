// Package transport sends a single HTTP-style request and hands back the
// status, headers and an unread body. It never retries, buffers or inspects
// the body; that belongs to the retry and bounded packages.
package transport

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"
)

// Request is a fully built request. Body is copied into each send so a
// Request value can be inspected after it was sent.
type Request struct {
	Method string
	URL    string
	Header http.Header
	Body   []byte
}

// Response is what the Transport returns. Body must be closed by the caller;
// closing it early abandons the rest of the payload.
type Response struct {
	StatusCode int
	Header     http.Header
	Body       io.ReadCloser
}

// Transport sends one request.
type Transport interface {
	Send(ctx context.Context, req *Request) (*Response, error)
}

// RequestFactory builds a fresh Request. It is called once per attempt.
type RequestFactory func() (*Request, error)

// Func adapts a function to the Transport interface.
type Func func(ctx context.Context, req *Request) (*Response, error)

// Send calls f.
func (f Func) Send(ctx context.Context, req *Request) (*Response, error) {
	return f(ctx, req)
}

// NewJSONRequest builds a request with a JSON content type.
func NewJSONRequest(method, url string, body []byte) *Request {
	h := make(http.Header)
	h.Set("Content-Type", "application/json")
	h.Set("Accept", "application/json")
	return &Request{Method: method, URL: url, Header: h, Body: body}
}

// HTTPTransport sends requests with a *http.Client.
type HTTPTransport struct {
	client  *http.Client
	headers http.Header
}

// Option configures an HTTPTransport.
type Option func(*HTTPTransport)

// WithHTTPClient replaces the underlying client.
func WithHTTPClient(c *http.Client) Option {
	return func(t *HTTPTransport) {
		if c != nil {
			t.client = c
		}
	}
}

// WithHeader adds a header sent with every request unless the request sets it.
func WithHeader(key, value string) Option {
	return func(t *HTTPTransport) {
		if value != "" {
			t.headers.Set(key, value)
		}
	}
}

// WithBearerToken sets the Authorization header.
func WithBearerToken(token string) Option {
	return func(t *HTTPTransport) {
		if token != "" {
			t.headers.Set("Authorization", "Bearer "+token)
		}
	}
}

// NewHTTPTransport creates an HTTPTransport over a tuned clone of
// http.DefaultTransport. The client has no overall timeout; deadlines come
// from the request context so streaming bodies are not cut off.
func NewHTTPTransport(opts ...Option) *HTTPTransport {
	t := &HTTPTransport{
		client:  &http.Client{Transport: DefaultRoundTripper()},
		headers: make(http.Header),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Send implements Transport.
func (t *HTTPTransport) Send(ctx context.Context, req *Request) (*Response, error) {
	if req == nil {
		return nil, fmt.Errorf("nil request")
	}
	var body io.Reader
	if len(req.Body) > 0 {
		body = bytes.NewReader(req.Body)
	}
	httpReq, err := http.NewRequestWithContext(ctx, req.Method, req.URL, body)
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}
	for k, vs := range t.headers {
		httpReq.Header[k] = append([]string(nil), vs...)
	}
	for k, vs := range req.Header {
		httpReq.Header[k] = append([]string(nil), vs...)
	}

	resp, err := t.client.Do(httpReq)
	if err != nil {
		return nil, err
	}
	return &Response{
		StatusCode: resp.StatusCode,
		Header:     resp.Header,
		Body:       resp.Body,
	}, nil
}

// DefaultRoundTripper returns a clone of http.DefaultTransport with dial and
// handshake timeouts suited to API clients.
func DefaultRoundTripper() *http.Transport {
	base, _ := http.DefaultTransport.(*http.Transport)
	if base == nil {
		return &http.Transport{}
	}
	t := base.Clone()
	t.DialContext = (&net.Dialer{
		Timeout:   10 * time.Second,
		KeepAlive: 30 * time.Second,
	}).DialContext
	t.TLSHandshakeTimeout = 10 * time.Second
	t.ExpectContinueTimeout = 1 * time.Second
	t.IdleConnTimeout = 90 * time.Second
	t.ForceAttemptHTTP2 = true
	return t
}
