package cms

import (
	"strings"

	"golang.org/x/text/unicode/norm"
)

// Field limits enforced by the content store, in runes.
const (
	MaxTitle          = 255
	MaxExcerpt        = 300
	MaxTagDescription = 500
)

// Truncate normalizes s to NFC and cuts it to at most n runes.
// The same function must be applied to both sides of any comparison against
// stored values.
func Truncate(s string, n int) string {
	s = norm.NFC.String(strings.TrimSpace(s))
	if n <= 0 {
		return ""
	}
	runes := []rune(s)
	if len(runes) <= n {
		return s
	}
	return strings.TrimSpace(string(runes[:n]))
}

// TruncateTitle applies the title limit.
func TruncateTitle(s string) string { return Truncate(s, MaxTitle) }

// TruncateExcerpt applies the excerpt limit.
func TruncateExcerpt(s string) string { return Truncate(s, MaxExcerpt) }
