// Package client is the entry point for calling remote model APIs. It combines
// the retry executor, the bounded body reader and the stream gate behind two
// calls: Do for buffered responses and Stream for event streams.
package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/aschepis/backscratcher/relay/bounded"
	"github.com/aschepis/backscratcher/relay/llm"
	"github.com/aschepis/backscratcher/relay/redact"
	"github.com/aschepis/backscratcher/relay/retry"
	"github.com/aschepis/backscratcher/relay/stream"
	"github.com/aschepis/backscratcher/relay/transport"
	"github.com/rs/zerolog"
)

// DefaultMaxResponseBytes caps a buffered response body.
const DefaultMaxResponseBytes = 10 * 1024 * 1024

// decodeErrorPrefix is how much of an undecodable body is quoted in the error.
const decodeErrorPrefix = 200

// Config holds the limits applied to responses.
type Config struct {
	MaxResponseBytes   int64 `yaml:"max_response_bytes" toml:"max_response_bytes"`
	StreamBufferSize   int   `yaml:"stream_buffer_size" toml:"stream_buffer_size"`
	StreamMaxLineBytes int   `yaml:"stream_max_line_bytes" toml:"stream_max_line_bytes"`
	StreamMaxFrames    int   `yaml:"stream_max_frames" toml:"stream_max_frames"`
}

// DefaultConfig returns the default response limits.
func DefaultConfig() Config {
	return Config{
		MaxResponseBytes:   DefaultMaxResponseBytes,
		StreamBufferSize:   stream.DefaultBufferSize,
		StreamMaxLineBytes: stream.DefaultMaxLineBytes,
		StreamMaxFrames:    stream.DefaultMaxFrames,
	}
}

// Validate reports every invalid field.
func (c Config) Validate() error {
	var errs []error
	if c.MaxResponseBytes <= 0 {
		errs = append(errs, fmt.Errorf("max_response_bytes must be positive, got %d", c.MaxResponseBytes))
	}
	if c.StreamBufferSize <= 0 {
		errs = append(errs, fmt.Errorf("stream_buffer_size must be positive, got %d", c.StreamBufferSize))
	}
	if c.StreamMaxLineBytes <= 0 {
		errs = append(errs, fmt.Errorf("stream_max_line_bytes must be positive, got %d", c.StreamMaxLineBytes))
	}
	if c.StreamMaxFrames <= 0 {
		errs = append(errs, fmt.Errorf("stream_max_frames must be positive, got %d", c.StreamMaxFrames))
	}
	return errors.Join(errs...)
}

// Result is a fully read 2xx response.
type Result struct {
	Operation  string
	StatusCode int
	Header     http.Header
	Body       []byte
}

// Client sends requests through a retry executor and reads the responses
// under fixed size limits.
type Client struct {
	executor *retry.Executor
	cfg      Config
	logger   zerolog.Logger
}

// New creates a Client over t. opts are passed to the retry executor.
func New(t transport.Transport, policy retry.Policy, cfg Config, logger zerolog.Logger, opts ...retry.Option) (*Client, error) {
	if t == nil {
		return nil, fmt.Errorf("transport is required")
	}
	if err := policy.Validate(); err != nil {
		return nil, fmt.Errorf("invalid retry policy: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid client config: %w", err)
	}
	return &Client{
		executor: retry.NewExecutor(t, policy, logger, opts...),
		cfg:      cfg,
		logger:   logger.With().Str("component", "client").Logger(),
	}, nil
}

// Policy returns the retry policy used by Do and Stream.
func (c *Client) Policy() retry.Policy {
	return c.executor.Policy()
}

// Do executes the request and reads the whole body. The body is capped at
// MaxResponseBytes regardless of Content-Length; an empty body is an error.
func (c *Client) Do(ctx context.Context, operation string, factory transport.RequestFactory) (*Result, error) {
	start := time.Now()
	resp, err := c.executor.Execute(ctx, operation, factory)
	if err != nil {
		return nil, err
	}

	body, err := bounded.ReadAndClose(resp.Body, c.cfg.MaxResponseBytes)
	if err != nil {
		c.logger.Warn().
			Str("operation", operation).
			Int64("limit", c.cfg.MaxResponseBytes).
			Str("error", redact.Error(err)).
			Msg("Failed to read response body")
		return nil, c.readError(operation, err)
	}
	if len(body) == 0 {
		return nil, llm.NewProtocolError(operation, "empty response body", nil)
	}

	c.logger.Debug().
		Str("operation", operation).
		Int("status", resp.StatusCode).
		Int("bytes", len(body)).
		Dur("elapsed", time.Since(start)).
		Msg("Request completed")

	return &Result{
		Operation:  operation,
		StatusCode: resp.StatusCode,
		Header:     resp.Header,
		Body:       body,
	}, nil
}

func (c *Client) readError(operation string, err error) error {
	var llmErr *llm.Error
	if errors.As(err, &llmErr) {
		return llm.WithOperation(operation, err)
	}
	return llm.NewNetworkError(operation, err)
}

// Stream executes the request and returns a Gate over the event-stream body.
// The caller must drain or Close the Gate. opts override the configured
// stream limits.
func (c *Client) Stream(ctx context.Context, operation string, factory transport.RequestFactory, opts ...stream.Option) (*stream.Gate, error) {
	resp, err := c.executor.Execute(ctx, operation, factory)
	if err != nil {
		return nil, err
	}
	c.logger.Debug().Str("operation", operation).Int("status", resp.StatusCode).Msg("Stream opened")

	gateOpts := []stream.Option{
		stream.WithBufferSize(c.cfg.StreamBufferSize),
		stream.WithMaxLineBytes(c.cfg.StreamMaxLineBytes),
		stream.WithMaxFrames(c.cfg.StreamMaxFrames),
		stream.WithOperation(operation),
		stream.WithLogger(c.logger),
	}
	return stream.NewGate(ctx, resp.Body, append(gateOpts, opts...)...), nil
}

// JSONRequest returns a factory that builds a fresh JSON request on every call.
// payload is marshalled once.
func JSONRequest(method, url string, payload any, header http.Header) (transport.RequestFactory, error) {
	var body []byte
	if payload != nil {
		var err error
		body, err = json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal request: %w", err)
		}
	}
	return func() (*transport.Request, error) {
		req := transport.NewJSONRequest(method, url, body)
		for k, v := range header {
			req.Header[k] = append([]string(nil), v...)
		}
		return req, nil
	}, nil
}

// DecodeJSON decodes the result body into T. A decode failure is a protocol
// error quoting a redacted prefix of the body.
func DecodeJSON[T any](r *Result) (T, error) {
	var v T
	if r == nil {
		return v, llm.NewProtocolError("", "no result to decode", nil)
	}
	if err := json.Unmarshal(r.Body, &v); err != nil {
		prefix := r.Body
		if len(prefix) > decodeErrorPrefix {
			prefix = prefix[:decodeErrorPrefix]
		}
		return v, llm.NewProtocolError(r.Operation, redact.SafeMessage("invalid JSON response", string(prefix)), err)
	}
	return v, nil
}
