package logutil

import (
	"strconv"
	"strings"
	"unicode/utf8"
)

// SanitizeForLog removes newlines and control characters from
// client-supplied strings so they cannot forge log entries.
func SanitizeForLog(s string) string {
	var result strings.Builder
	result.Grow(len(s))
	for _, r := range s {
		switch {
		case r == '\n' || r == '\r' || r == '\t':
			result.WriteByte(' ')
		case r < 32 || r == 0x7f:
		default:
			result.WriteRune(r)
		}
	}
	return result.String()
}

// Truncate shortens s to at most max bytes on a rune boundary, marking the
// cut with "...".
func Truncate(s string, max int) string {
	if max <= 0 || len(s) <= max {
		return s
	}
	cut := max
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut] + "..."
}

// QuoteTerminal renders captured terminal bytes for a single log line:
// escape sequences and control characters are shown escaped and the
// result is bounded to max bytes before quoting.
func QuoteTerminal(b []byte, max int) string {
	return strconv.Quote(Truncate(string(b), max))
}
