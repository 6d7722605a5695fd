// Package redact scrubs credential-shaped text out of strings before they are
// logged or returned to callers inside errors.
package redact

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/samber/lo"
)

const (
	// MaxLength is the longest redacted string returned untruncated.
	MaxLength      = 1000
	keepOnTruncate = 500
)

var (
	apiKeyPattern = regexp.MustCompile(`(?i)(sk-[A-Za-z0-9]{32,}|or-[A-Za-z0-9]{32,})`)
	emailPattern  = regexp.MustCompile(`\b[A-Za-z0-9._%+-]+@[A-Za-z0-9.-]+\.[A-Za-z]{2,}\b`)
	tokenPattern  = regexp.MustCompile(`(?i)(['"]?(?:token|bearer|auth)['"]?\s*[:=]\s*['"]?)([A-Za-z0-9\-_.]{20,})(['"]?)`)
	bearerPattern = regexp.MustCompile(`(?i)(bearer\s+)[A-Za-z0-9\-_.~+/]{8,}=*`)
	cardPattern   = regexp.MustCompile(`\b(?:\d{4}[-\s]?){3}\d{4}\b`)
)

// SensitiveFields are JSON keys whose string values are always replaced.
var SensitiveFields = []string{
	"api_key",
	"apiKey",
	"token",
	"bearer",
	"password",
	"secret",
	"auth",
	"authorization",
	"credential",
	"key",
	"private_key",
	"access_token",
	"refresh_token",
	"session_id",
	"cookie",
}

var fieldPatterns = lo.Map(SensitiveFields, func(field string, _ int) *regexp.Regexp {
	return regexp.MustCompile(`(['"]` + regexp.QuoteMeta(field) + `['"])\s*:\s*(['"])[^'"]*(['"])`)
})

// String removes API keys, bearer tokens, e-mail addresses and card numbers
// from s and truncates the result to MaxLength.
func String(s string) string {
	if s == "" {
		return s
	}
	out := apiKeyPattern.ReplaceAllString(s, "***REDACTED***")
	out = emailPattern.ReplaceAllString(out, "***EMAIL***")
	out = tokenPattern.ReplaceAllString(out, "${1}***TOKEN***${3}")
	out = bearerPattern.ReplaceAllString(out, "${1}***TOKEN***")
	out = cardPattern.ReplaceAllString(out, "****-****-****-****")
	return truncate(out)
}

// JSONFields replaces the values of SensitiveFields in JSON-like text.
func JSONFields(s string) string {
	return lo.Reduce(fieldPatterns, func(acc string, re *regexp.Regexp, _ int) string {
		return re.ReplaceAllString(acc, "${1}: ${2}***REDACTED***${3}")
	}, s)
}

// SafeMessage returns "context: text" with text fully redacted. It is the form
// used for every error message that may embed remote content.
func SafeMessage(context, text string) string {
	return fmt.Sprintf("%s: %s", context, JSONFields(String(text)))
}

// Error returns the redacted message of err, or "" for nil.
func Error(err error) string {
	if err == nil {
		return ""
	}
	return JSONFields(String(err.Error()))
}

func truncate(s string) string {
	if len(s) <= MaxLength {
		return s
	}
	cut := keepOnTruncate
	// do not split a multi-byte rune
	for cut > 0 && !isRuneStart(s[cut]) {
		cut--
	}
	var b strings.Builder
	b.Grow(cut + 32)
	b.WriteString(s[:cut])
	fmt.Fprintf(&b, "...[truncated %d chars]", len(s)-cut)
	return b.String()
}

func isRuneStart(c byte) bool {
	return c&0xC0 != 0x80
}
