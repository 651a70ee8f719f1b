package ids

import (
	"strings"
	"unicode"

	"github.com/google/uuid"
)

// New returns a fresh local identifier for optimistic messages and
// assistant bubbles that arrive without an action id.
func New() string {
	return uuid.NewString()
}

// ValidThreadID reports whether id is a canonical lowercase hyphenated
// UUID (8-4-4-4-12 hex groups). Uppercase, braced, URN and short forms
// are rejected so that nothing non-canonical ever goes over the wire.
func ValidThreadID(id string) bool {
	if len(id) != 36 {
		return false
	}
	if id != strings.ToLower(id) {
		return false
	}
	parsed, err := uuid.Parse(id)
	if err != nil {
		return false
	}
	return parsed.String() == id
}

// SanitizeMessage trims surrounding whitespace and strips control
// characters other than newline and tab from user input.
func SanitizeMessage(text string) string {
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return ""
	}
	var b strings.Builder
	b.Grow(len(trimmed))
	for _, r := range trimmed {
		if r == '\n' || r == '\t' || !unicode.IsControl(r) {
			b.WriteRune(r)
		}
	}
	return strings.TrimSpace(b.String())
}
