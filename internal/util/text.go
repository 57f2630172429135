package util

import (
	"strings"
	"unicode"
)

// SanitizeText strips control characters (keeping newlines and tabs as
// separators) and collapses runs of whitespace into single spaces, with
// paragraph breaks preserved as single newlines.
func SanitizeText(value string) string {
	if value == "" {
		return value
	}

	value = strings.ToValidUTF8(value, "")

	var b strings.Builder
	b.Grow(len(value))
	lastSpace := false
	lastNewline := false
	for _, r := range value {
		switch {
		case r == '\n':
			if !lastNewline {
				b.WriteByte('\n')
			}
			lastNewline = true
			lastSpace = false
		case unicode.IsSpace(r):
			if !lastSpace && !lastNewline {
				b.WriteByte(' ')
			}
			lastSpace = true
		case unicode.IsControl(r):
			// dropped
		default:
			b.WriteRune(r)
			lastSpace = false
			lastNewline = false
		}
	}

	return strings.TrimSpace(b.String())
}

// SanitizePostgresText removes byte sequences Postgres rejects in text
// columns (invalid UTF-8 and NUL bytes).
func SanitizePostgresText(value string) string {
	if value == "" {
		return value
	}
	sanitized := strings.ToValidUTF8(value, "")
	return strings.ReplaceAll(sanitized, "\x00", "")
}
