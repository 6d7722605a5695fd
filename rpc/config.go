package rpc

import (
	"errors"
	"fmt"
	"time"
)

const (
	DefaultMaxRequestSize        = 1 << 20
	DefaultMaxResponseSize       = 10 << 20
	DefaultMaxConcurrentRequests = 10
	DefaultRequestTimeout        = 30 * time.Second
)

// Config bounds a Session. MaxRequestSize applies to outbound messages only and
// MaxResponseSize to inbound messages only.
type Config struct {
	MaxRequestSize        int64         `yaml:"max_request_size" toml:"max_request_size"`
	MaxResponseSize       int64         `yaml:"max_response_size" toml:"max_response_size"`
	MaxConcurrentRequests int           `yaml:"max_concurrent_requests" toml:"max_concurrent_requests"`
	RequestTimeout        time.Duration `yaml:"request_timeout" toml:"request_timeout"`
	// AcquireTimeout bounds the wait for a request slot. Zero waits as long as
	// the caller's context allows.
	AcquireTimeout time.Duration `yaml:"acquire_timeout,omitempty" toml:"acquire_timeout"`
	ClientName     string        `yaml:"client_name,omitempty" toml:"client_name"`
	ClientVersion  string        `yaml:"client_version,omitempty" toml:"client_version"`
}

// DefaultConfig returns the default session limits.
func DefaultConfig() Config {
	return Config{
		MaxRequestSize:        DefaultMaxRequestSize,
		MaxResponseSize:       DefaultMaxResponseSize,
		MaxConcurrentRequests: DefaultMaxConcurrentRequests,
		RequestTimeout:        DefaultRequestTimeout,
		ClientName:            "relay",
		ClientVersion:         "1.0.0",
	}
}

// Validate reports every invalid field.
func (c Config) Validate() error {
	var errs []error
	if c.MaxRequestSize <= 0 {
		errs = append(errs, fmt.Errorf("max_request_size must be positive, got %d", c.MaxRequestSize))
	}
	if c.MaxResponseSize <= 0 {
		errs = append(errs, fmt.Errorf("max_response_size must be positive, got %d", c.MaxResponseSize))
	}
	if c.MaxConcurrentRequests <= 0 {
		errs = append(errs, fmt.Errorf("max_concurrent_requests must be positive, got %d", c.MaxConcurrentRequests))
	}
	if c.RequestTimeout <= 0 {
		errs = append(errs, errors.New("request_timeout must be positive"))
	}
	if c.AcquireTimeout < 0 {
		errs = append(errs, errors.New("acquire_timeout must not be negative"))
	}
	return errors.Join(errs...)
}

// State is the lifecycle position of a Session.
type State int32

const (
	StateUninitialized State = iota
	StateInitializing
	StateReady
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateUninitialized:
		return "uninitialized"
	case StateInitializing:
		return "initializing"
	case StateReady:
		return "ready"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}
