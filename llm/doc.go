// Package llm holds the error taxonomy and operation names shared by the
// transport, retry, stream and rpc packages.
//
// Every failure that leaves the resilience layer is an *Error. Its Type says
// what went wrong, Operation says which call it belongs to, and Retryable says
// whether the retry executor may try again:
//
//	network                      transport failure, retryable
//	http_status                  non-2xx status, retryable when the code is in the policy set
//	size_limit_exceeded          body or message over its byte cap, never retried
//	timeout                      per-attempt or per-call deadline, retryable within budget
//	exhausted_retries            retry budget spent, wraps the last cause
//	protocol                     malformed, mismatched or error JSON-RPC replies
//	concurrency_acquire_timeout  no RPC request slot became free in time
//	session_closed               call made on or interrupted by a closed session
//
// Match categories with errors.Is against the Err* sentinels:
//
//	if errors.Is(err, llm.ErrSizeLimitExceeded) {
//	    ...
//	}
//
// Message text that may contain remote content is redacted with the redact
// package before it is stored in an Error.
package llm
