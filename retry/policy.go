package retry

import (
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/samber/lo"
)

const (
	// DefaultMaxRetries is the default number of retries after the first attempt
	DefaultMaxRetries = 3
	// DefaultInitialBackoff is the delay before the first retry
	DefaultInitialBackoff = 500 * time.Millisecond
	// DefaultMaxBackoff caps the computed exponential delay
	DefaultMaxBackoff = 10 * time.Second
	// DefaultJitterFraction spreads each delay by ±25%
	DefaultJitterFraction = 0.25
	// DefaultTotalTimeout bounds the whole execution including sleeps
	DefaultTotalTimeout = 120 * time.Second
	// DefaultMaxRetryInterval caps any single sleep, including server-suggested ones
	DefaultMaxRetryInterval = 30 * time.Second
	// MaxRetryAfter is the largest Retry-After honoured before other caps apply
	MaxRetryAfter = time.Hour
)

// DefaultRetryableStatusCodes are retried unless a policy says otherwise.
var DefaultRetryableStatusCodes = []int{
	http.StatusTooManyRequests,
	http.StatusInternalServerError,
	http.StatusBadGateway,
	http.StatusServiceUnavailable,
	http.StatusGatewayTimeout,
}

// Policy controls how often and how long an operation is retried.
// The executor copies the policy when an execution starts.
type Policy struct {
	MaxRetries           int           `yaml:"max_retries" toml:"max_retries"`
	InitialBackoff       time.Duration `yaml:"initial_backoff" toml:"initial_backoff"`
	MaxBackoff           time.Duration `yaml:"max_backoff" toml:"max_backoff"`
	JitterFraction       float64       `yaml:"jitter_fraction" toml:"jitter_fraction"`
	RetryableStatusCodes []int         `yaml:"retry_on_status_codes" toml:"retry_on_status_codes"`
	TotalTimeout         time.Duration `yaml:"total_timeout" toml:"total_timeout"`
	MaxRetryInterval     time.Duration `yaml:"max_retry_interval" toml:"max_retry_interval"`
}

// DefaultPolicy returns the policy used when none is configured.
func DefaultPolicy() Policy {
	return Policy{
		MaxRetries:           DefaultMaxRetries,
		InitialBackoff:       DefaultInitialBackoff,
		MaxBackoff:           DefaultMaxBackoff,
		JitterFraction:       DefaultJitterFraction,
		RetryableStatusCodes: append([]int(nil), DefaultRetryableStatusCodes...),
		TotalTimeout:         DefaultTotalTimeout,
		MaxRetryInterval:     DefaultMaxRetryInterval,
	}
}

// Validate reports every invalid field.
func (p Policy) Validate() error {
	var errs []error
	if p.MaxRetries < 0 {
		errs = append(errs, fmt.Errorf("max_retries must not be negative, got %d", p.MaxRetries))
	}
	if p.InitialBackoff < 0 || p.MaxBackoff < 0 {
		errs = append(errs, errors.New("backoff durations must not be negative"))
	}
	if p.JitterFraction < 0 || p.JitterFraction > 1 {
		errs = append(errs, fmt.Errorf("jitter_fraction must be within [0,1], got %g", p.JitterFraction))
	}
	if p.TotalTimeout < 0 || p.MaxRetryInterval < 0 {
		errs = append(errs, errors.New("timeouts must not be negative"))
	}
	if bad, found := lo.Find(p.RetryableStatusCodes, func(code int) bool {
		return code < 100 || code > 599
	}); found {
		errs = append(errs, fmt.Errorf("invalid retryable status code %d", bad))
	}
	return errors.Join(errs...)
}

// IsRetryableStatus reports whether code is in the policy's retry set.
func (p Policy) IsRetryableStatus(code int) bool {
	return lo.Contains(p.RetryableStatusCodes, code)
}

// BackoffBounds returns the range a jittered delay for the given zero-based
// retry index falls into, before MaxRetryInterval is applied.
func (p Policy) BackoffBounds(retry int) (low, high time.Duration) {
	base := p.InitialBackoff
	for i := 0; i < retry && base < p.MaxBackoff; i++ {
		base *= 2
	}
	base = min(base, p.MaxBackoff)
	delta := p.JitterFraction * float64(base)
	return time.Duration(float64(base) - delta), time.Duration(float64(base) + delta)
}

func (p Policy) clone() Policy {
	p.RetryableStatusCodes = append([]int(nil), p.RetryableStatusCodes...)
	return p
}
