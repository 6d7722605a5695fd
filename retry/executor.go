// Package retry executes requests with bounded, jittered exponential backoff.
package retry

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math/rand/v2"
	"net"
	"syscall"
	"time"

	"github.com/aschepis/backscratcher/relay/bounded"
	"github.com/aschepis/backscratcher/relay/llm"
	"github.com/aschepis/backscratcher/relay/redact"
	"github.com/aschepis/backscratcher/relay/transport"
	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"
)

// DefaultErrorBodyLimit is how much of a failed response body is kept for the error message.
const DefaultErrorBodyLimit = 2000

// OutcomeKind classifies a single attempt.
type OutcomeKind int

const (
	OutcomeSuccess OutcomeKind = iota
	OutcomeRetryable
	OutcomeFatal
)

func (k OutcomeKind) String() string {
	switch k {
	case OutcomeSuccess:
		return "success"
	case OutcomeRetryable:
		return "retryable"
	default:
		return "fatal"
	}
}

// Outcome is the classified result of one attempt.
type Outcome struct {
	Kind       OutcomeKind
	Response   *transport.Response // set for OutcomeSuccess
	Reason     string              // status code or error kind that triggered a retry
	RetryAfter *time.Duration      // server-suggested delay, if any
	Err        error
}

// Sleeper waits for d or until ctx is done.
type Sleeper func(ctx context.Context, d time.Duration) error

// Executor drives a Transport under a Policy.
type Executor struct {
	transport      transport.Transport
	policy         Policy
	logger         zerolog.Logger
	clock          backoff.Clock
	sleep          Sleeper
	jitter         func() float64
	errorBodyLimit int64
}

// Option configures an Executor.
type Option func(*Executor)

// WithClock replaces the wall clock used for budgets and Retry-After dates.
func WithClock(c backoff.Clock) Option {
	return func(e *Executor) { e.clock = c }
}

// WithSleeper replaces the function used to wait between attempts.
func WithSleeper(s Sleeper) Option {
	return func(e *Executor) { e.sleep = s }
}

// WithErrorBodyLimit sets how many bytes of a failed response are read.
func WithErrorBodyLimit(n int64) Option {
	return func(e *Executor) { e.errorBodyLimit = n }
}

// NewExecutor creates an Executor. policy is used by Execute; it is copied.
func NewExecutor(t transport.Transport, policy Policy, logger zerolog.Logger, opts ...Option) *Executor {
	e := &Executor{
		transport:      t,
		policy:         policy.clone(),
		logger:         logger.With().Str("component", "retryExecutor").Logger(),
		clock:          backoff.SystemClock,
		sleep:          WaitForRetry,
		jitter:         rand.Float64,
		errorBodyLimit: DefaultErrorBodyLimit,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Policy returns a copy of the executor's default policy.
func (e *Executor) Policy() Policy {
	return e.policy.clone()
}

// Execute runs the request built by factory under the executor's policy.
func (e *Executor) Execute(ctx context.Context, operation string, factory transport.RequestFactory) (*transport.Response, error) {
	return e.ExecuteWithPolicy(ctx, operation, e.policy, factory)
}

// ExecuteWithPolicy runs the request built by factory until it succeeds, fails
// fatally, or the policy's retry budget is spent. factory is called once per
// attempt. On success the response body is returned unread; the caller owns it.
func (e *Executor) ExecuteWithPolicy(ctx context.Context, operation string, policy Policy, factory transport.RequestFactory) (*transport.Response, error) {
	p := policy.clone()
	if err := p.Validate(); err != nil {
		return nil, llm.NewInvalidRequestError(operation, err)
	}

	b := e.newBackOff(p)
	start := e.clock.Now()

	for attempt := 0; ; attempt++ {
		req, err := factory()
		if err != nil {
			return nil, llm.NewInvalidRequestError(operation, err)
		}

		resp, sendErr := e.transport.Send(ctx, req)
		out := e.classify(ctx, operation, p, resp, sendErr)
		switch out.Kind {
		case OutcomeSuccess:
			return out.Response, nil
		case OutcomeFatal:
			return nil, out.Err
		}

		if attempt >= p.MaxRetries {
			return nil, e.giveUp(operation, attempt+1, out.Err)
		}

		delay := e.nextDelay(p, b, out.RetryAfter)
		if p.TotalTimeout > 0 && e.clock.Now().Sub(start)+delay > p.TotalTimeout {
			return nil, e.giveUp(operation, attempt+1, out.Err)
		}

		e.logger.Warn().
			Str("operation", operation).
			Int("attempt", attempt+1).
			Int("max_retries", p.MaxRetries).
			Dur("delay", delay).
			Str("reason", out.Reason).
			Msg("Retrying request after delay")

		if err := e.sleep(ctx, delay); err != nil {
			return nil, contextError(operation, err)
		}
	}
}

func (e *Executor) giveUp(operation string, attempts int, last error) error {
	e.logger.Error().
		Str("operation", operation).
		Int("attempts", attempts).
		Str("error", redact.Error(last)).
		Msg("Retry budget exhausted")
	return llm.NewExhaustedRetriesError(operation, attempts, last)
}

func (e *Executor) newBackOff(p Policy) *backoff.ExponentialBackOff {
	return backoff.NewExponentialBackOff(
		backoff.WithInitialInterval(min(p.InitialBackoff, p.MaxBackoff)),
		backoff.WithMultiplier(2),
		backoff.WithRandomizationFactor(p.JitterFraction),
		backoff.WithMaxInterval(p.MaxBackoff),
		// the total budget is enforced by the executor so Retry-After delays count too
		backoff.WithMaxElapsedTime(0),
		backoff.WithClockProvider(e.clock),
	)
}

// nextDelay advances the exponential schedule and substitutes a server
// suggestion when one was given. The result never exceeds MaxRetryInterval.
func (e *Executor) nextDelay(p Policy, b *backoff.ExponentialBackOff, retryAfter *time.Duration) time.Duration {
	delay := b.NextBackOff()
	if retryAfter != nil {
		delay = min(*retryAfter, MaxRetryAfter)
		if p.MaxRetryInterval > 0 {
			delay = min(delay, p.MaxRetryInterval)
		}
		delay = jittered(delay, p.JitterFraction, e.jitter())
	}
	if p.MaxRetryInterval > 0 {
		delay = min(delay, p.MaxRetryInterval)
	}
	return max(delay, 0)
}

func jittered(d time.Duration, fraction, r float64) time.Duration {
	if fraction <= 0 {
		return d
	}
	return time.Duration(float64(d) * (1 + (2*r-1)*fraction))
}

func (e *Executor) classify(ctx context.Context, operation string, p Policy, resp *transport.Response, err error) Outcome {
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return Outcome{Kind: OutcomeFatal, Err: contextError(operation, ctxErr)}
		}
		netErr := llm.NewNetworkError(operation, err)
		if !IsTransient(err) {
			netErr.Retryable = false
			return Outcome{Kind: OutcomeFatal, Err: netErr}
		}
		return Outcome{Kind: OutcomeRetryable, Reason: "network: " + errorKind(err), Err: netErr}
	}
	if resp == nil {
		return Outcome{Kind: OutcomeFatal, Err: llm.NewProtocolError(operation, "transport returned no response", nil)}
	}
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return Outcome{Kind: OutcomeSuccess, Response: resp}
	}

	retryable := p.IsRetryableStatus(resp.StatusCode)
	retryAfter := retryAfterFrom(resp.Header, e.clock.Now())
	body := e.drain(resp)
	statusErr := llm.NewHTTPStatusError(operation, resp.StatusCode, body, retryable, retryAfter)
	if !retryable {
		return Outcome{Kind: OutcomeFatal, Err: statusErr}
	}
	return Outcome{
		Kind:       OutcomeRetryable,
		Reason:     fmt.Sprintf("status %d", resp.StatusCode),
		RetryAfter: retryAfter,
		Err:        statusErr,
	}
}

// drain reads a bounded prefix of a failed response and closes it.
func (e *Executor) drain(resp *transport.Response) string {
	if resp.Body == nil {
		return ""
	}
	defer resp.Body.Close() //nolint:errcheck // failed attempt, body discarded
	prefix, truncated, err := bounded.ReadPrefix(resp.Body, e.errorBodyLimit)
	if err != nil {
		return ""
	}
	if truncated {
		return string(prefix) + "...[truncated]"
	}
	return string(prefix)
}

// IsTransient reports whether a transport error is worth retrying.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	if errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, io.EOF) ||
		errors.Is(err, syscall.ECONNRESET) || errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.ECONNABORTED) || errors.Is(err, syscall.EPIPE) {
		return true
	}
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return dnsErr.IsTimeout || dnsErr.IsTemporary
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return true
	}
	var opErr *net.OpError
	return errors.As(err, &opErr)
}

func errorKind(err error) string {
	var ne net.Error
	switch {
	case errors.As(err, &ne) && ne.Timeout():
		return "timeout"
	case errors.Is(err, syscall.ECONNREFUSED):
		return "connection refused"
	case errors.Is(err, syscall.ECONNRESET):
		return "connection reset"
	case errors.Is(err, io.ErrUnexpectedEOF), errors.Is(err, io.EOF):
		return "unexpected eof"
	default:
		return "transport error"
	}
}

func contextError(operation string, err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return llm.NewTimeoutError(operation, 0, err)
	}
	return llm.WithOperation(operation, err)
}

// WaitForRetry blocks for d or until ctx is done.
func WaitForRetry(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
