package tools

import (
	"fmt"
	"strings"
	"sync"
)

// maxNameLength is the longest function name chat providers accept.
const maxNameLength = 64

// NameAdapter maps tool names as servers advertise them (which may contain
// dots, slashes or spaces) to names accepted by the chat completion API,
// which must match ^[a-zA-Z0-9_-]{1,64}$.
type NameAdapter struct {
	mu             sync.RWMutex
	safeToOriginal map[string]string
	originalToSafe map[string]string
}

// NewNameAdapter creates a new name adapter.
func NewNameAdapter() *NameAdapter {
	return &NameAdapter{
		safeToOriginal: make(map[string]string),
		originalToSafe: make(map[string]string),
	}
}

// ToSafeName replaces every character outside [a-zA-Z0-9_-] with an
// underscore and truncates to 64 bytes.
// Example: "gmail.messages.list" -> "gmail_messages_list"
func ToSafeName(original string) string {
	safe := strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_', r == '-':
			return r
		default:
			return '_'
		}
	}, original)
	if safe == "" {
		safe = "tool"
	}
	if len(safe) > maxNameLength {
		safe = safe[:maxNameLength]
	}
	return safe
}

// ToOriginalName converts a safe name back to the original tool name.
func (a *NameAdapter) ToOriginalName(safe string) (string, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	original, ok := a.safeToOriginal[safe]
	return original, ok
}

// GetSafeName returns the safe name for an original name, creating the
// mapping if needed. Two originals that sanitize to the same name get
// numbered suffixes so the mapping stays reversible.
func (a *NameAdapter) GetSafeName(original string) string {
	a.mu.Lock()
	defer a.mu.Unlock()
	if safe, ok := a.originalToSafe[original]; ok {
		return safe
	}

	base := ToSafeName(original)
	safe := base
	for n := 2; ; n++ {
		if _, taken := a.safeToOriginal[safe]; !taken {
			break
		}
		suffix := fmt.Sprintf("_%d", n)
		if len(base)+len(suffix) > maxNameLength {
			safe = base[:maxNameLength-len(suffix)] + suffix
		} else {
			safe = base + suffix
		}
	}

	a.originalToSafe[original] = safe
	a.safeToOriginal[safe] = original
	return safe
}
