package llm

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/aschepis/backscratcher/relay/redact"
)

// Error represents a failure from the resilience layer. Every Error carries the
// name of the operation that produced it.
type Error struct {
	Type       ErrorType
	Operation  string
	Message    string
	Retryable  bool
	RetryAfter *time.Duration
	StatusCode int   // HTTP status for ErrorTypeHTTPStatus
	RPCCode    int   // JSON-RPC error code for remote protocol errors
	Limit      int64 // byte cap for ErrorTypeSizeLimitExceeded
	Attempts   int   // attempts made, for ErrorTypeExhaustedRetries
	Cause      error
}

// ErrorType represents the category of error.
type ErrorType string

const (
	ErrorTypeNetwork                   ErrorType = "network"
	ErrorTypeHTTPStatus                ErrorType = "http_status"
	ErrorTypeSizeLimitExceeded         ErrorType = "size_limit_exceeded"
	ErrorTypeTimeout                   ErrorType = "timeout"
	ErrorTypeExhaustedRetries          ErrorType = "exhausted_retries"
	ErrorTypeProtocol                  ErrorType = "protocol"
	ErrorTypeConcurrencyAcquireTimeout ErrorType = "concurrency_acquire_timeout"
	ErrorTypeSessionClosed             ErrorType = "session_closed"
	ErrorTypeInvalidRequest            ErrorType = "invalid_request"
)

// Sentinels for errors.Is. Matching compares the Type only.
var (
	ErrNetwork                   = &Error{Type: ErrorTypeNetwork, Message: "network error"}
	ErrHTTPStatus                = &Error{Type: ErrorTypeHTTPStatus, Message: "unexpected status"}
	ErrSizeLimitExceeded         = &Error{Type: ErrorTypeSizeLimitExceeded, Message: "size limit exceeded"}
	ErrTimeout                   = &Error{Type: ErrorTypeTimeout, Message: "timeout"}
	ErrExhaustedRetries          = &Error{Type: ErrorTypeExhaustedRetries, Message: "retries exhausted"}
	ErrProtocol                  = &Error{Type: ErrorTypeProtocol, Message: "protocol error"}
	ErrConcurrencyAcquireTimeout = &Error{Type: ErrorTypeConcurrencyAcquireTimeout, Message: "timed out waiting for a request slot"}
	ErrSessionClosed             = &Error{Type: ErrorTypeSessionClosed, Message: "session closed"}
)

// Error implements the error interface.
func (e *Error) Error() string {
	var b strings.Builder
	if e.Operation != "" {
		b.WriteString(e.Operation)
		b.WriteString(": ")
	}
	b.WriteString(e.Message)
	if e.Cause != nil {
		b.WriteString(": ")
		b.WriteString(e.Cause.Error())
	}
	return b.String()
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error {
	return e.Cause
}

// Is reports whether target is an *Error of the same Type. A target with a
// non-zero StatusCode must also match the status.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	if t.Type != e.Type {
		return false
	}
	return t.StatusCode == 0 || t.StatusCode == e.StatusCode
}

// NewNetworkError wraps a transport failure. Network errors are retryable.
func NewNetworkError(op string, cause error) *Error {
	return &Error{
		Type:      ErrorTypeNetwork,
		Operation: op,
		Message:   "network error",
		Retryable: true,
		Cause:     cause,
	}
}

// NewHTTPStatusError builds an error for a non-success status. body is redacted
// before it becomes part of the message.
func NewHTTPStatusError(op string, code int, body string, retryable bool, retryAfter *time.Duration) *Error {
	msg := fmt.Sprintf("unexpected status %d", code)
	if body = strings.TrimSpace(body); body != "" {
		msg = redact.SafeMessage(msg, body)
	}
	return &Error{
		Type:       ErrorTypeHTTPStatus,
		Operation:  op,
		Message:    msg,
		StatusCode: code,
		Retryable:  retryable,
		RetryAfter: retryAfter,
	}
}

// NewSizeLimitError reports a payload that outgrew limit bytes.
func NewSizeLimitError(op, direction string, limit int64) *Error {
	return &Error{
		Type:      ErrorTypeSizeLimitExceeded,
		Operation: op,
		Message:   fmt.Sprintf("%s exceeds %d byte limit", direction, limit),
		Limit:     limit,
	}
}

// NewTimeoutError reports a deadline that elapsed. Timeouts are retryable
// while a retry budget remains.
func NewTimeoutError(op string, after time.Duration, cause error) *Error {
	msg := "timeout"
	if after > 0 {
		msg = fmt.Sprintf("timed out after %s", after)
	}
	return &Error{
		Type:      ErrorTypeTimeout,
		Operation: op,
		Message:   msg,
		Retryable: true,
		Cause:     cause,
	}
}

// NewExhaustedRetriesError wraps the last failure once the retry budget is spent.
func NewExhaustedRetriesError(op string, attempts int, last error) *Error {
	return &Error{
		Type:      ErrorTypeExhaustedRetries,
		Operation: op,
		Message:   fmt.Sprintf("giving up after %d attempts", attempts),
		Attempts:  attempts,
		Cause:     last,
	}
}

// NewProtocolError reports a malformed or unexpected message.
func NewProtocolError(op, message string, cause error) *Error {
	return &Error{
		Type:      ErrorTypeProtocol,
		Operation: op,
		Message:   redact.String(message),
		Cause:     cause,
	}
}

// NewRPCError converts a JSON-RPC error object returned by the peer.
func NewRPCError(op string, code int, message string) *Error {
	return &Error{
		Type:      ErrorTypeProtocol,
		Operation: op,
		Message:   redact.SafeMessage(fmt.Sprintf("rpc error %d", code), message),
		RPCCode:   code,
	}
}

// NewConcurrencyAcquireTimeoutError reports that no permit was free within wait.
func NewConcurrencyAcquireTimeoutError(op string, wait time.Duration) *Error {
	return &Error{
		Type:      ErrorTypeConcurrencyAcquireTimeout,
		Operation: op,
		Message:   fmt.Sprintf("no request slot available after %s", wait),
	}
}

// NewSessionClosedError reports a call made on, or interrupted by, a closed session.
func NewSessionClosedError(op string) *Error {
	return &Error{
		Type:      ErrorTypeSessionClosed,
		Operation: op,
		Message:   "session closed",
	}
}

// NewInvalidRequestError reports a request that could not be built.
func NewInvalidRequestError(op string, cause error) *Error {
	return &Error{
		Type:      ErrorTypeInvalidRequest,
		Operation: op,
		Message:   "invalid request",
		Cause:     cause,
	}
}

// WithOperation returns err tagged with op. An *Error without an operation is
// copied and tagged; anything else is wrapped.
func WithOperation(op string, err error) error {
	if err == nil {
		return nil
	}
	var llmErr *Error
	if errors.As(err, &llmErr) {
		if llmErr.Operation != "" {
			return err
		}
		tagged := *llmErr
		tagged.Operation = op
		return &tagged
	}
	return fmt.Errorf("%s: %w", op, err)
}

// IsSizeLimitExceeded checks if an error is a size limit error.
func IsSizeLimitExceeded(err error) bool {
	return errors.Is(err, ErrSizeLimitExceeded)
}

// IsTimeout checks if an error is a timeout error.
func IsTimeout(err error) bool {
	return errors.Is(err, ErrTimeout)
}

// IsProtocolError checks if an error is a protocol error.
func IsProtocolError(err error) bool {
	return errors.Is(err, ErrProtocol)
}

// IsRetryableError checks if an error is retryable.
func IsRetryableError(err error) bool {
	var llmErr *Error
	if errors.As(err, &llmErr) {
		return llmErr.Retryable
	}
	return false
}

// ExtractRetryAfter extracts the retry-after duration from an error.
func ExtractRetryAfter(err error) *time.Duration {
	var llmErr *Error
	if errors.As(err, &llmErr) {
		return llmErr.RetryAfter
	}
	return nil
}

// ExtractStatusCode returns the HTTP status carried by err, if any.
func ExtractStatusCode(err error) (int, bool) {
	var llmErr *Error
	if errors.As(err, &llmErr) && llmErr.Type == ErrorTypeHTTPStatus {
		return llmErr.StatusCode, true
	}
	return 0, false
}

// ExtractOperation returns the operation name attached to err.
func ExtractOperation(err error) string {
	var llmErr *Error
	if errors.As(err, &llmErr) {
		return llmErr.Operation
	}
	return ""
}
