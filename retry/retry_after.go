package retry

import (
	"net/http"
	"strconv"
	"strings"
	"time"
)

// ParseRetryAfter reads a Retry-After header value given as delta-seconds or
// an HTTP-date. Dates in the past yield zero. The result is capped at
// MaxRetryAfter. ok is false when the header is absent or unparsable.
func ParseRetryAfter(value string, now time.Time) (time.Duration, bool) {
	value = strings.TrimSpace(value)
	if value == "" {
		return 0, false
	}
	if secs, err := strconv.ParseInt(value, 10, 64); err == nil {
		if secs < 0 {
			return 0, false
		}
		if secs > int64(MaxRetryAfter/time.Second) {
			return MaxRetryAfter, true
		}
		return time.Duration(secs) * time.Second, true
	}
	// http.ParseTime accepts RFC 1123, RFC 850 and ANSI C formats.
	if at, err := http.ParseTime(value); err == nil {
		d := at.Sub(now)
		if d < 0 {
			d = 0
		}
		return min(d, MaxRetryAfter), true
	}
	return 0, false
}

func retryAfterFrom(h http.Header, now time.Time) *time.Duration {
	if h == nil {
		return nil
	}
	d, ok := ParseRetryAfter(h.Get("Retry-After"), now)
	if !ok {
		return nil
	}
	return &d
}
