// Package summarize derives short excerpts from long text for sources that
// only provide a body.
package summarize

import (
	"strings"
	"unicode/utf8"
)

// DefaultMaxLen matches the excerpt limit of the content store.
const DefaultMaxLen = 300

// Lead returns the leading sentences of text that fit in maxLen runes.
// The first sentence is always kept, cut at a word boundary when it is too long.
func Lead(text string, maxLen int) string {
	text = strings.TrimSpace(text)
	if text == "" || maxLen <= 0 {
		return ""
	}

	sentences := splitSentences(text)
	var b strings.Builder
	for i, sent := range sentences {
		sep := ""
		if i > 0 {
			sep = " "
		}
		if utf8.RuneCountInString(b.String())+len(sep)+utf8.RuneCountInString(sent) > maxLen {
			if i == 0 {
				return cutWords(sent, maxLen)
			}
			break
		}
		b.WriteString(sep)
		b.WriteString(sent)
	}
	return b.String()
}

// FirstLine returns the first non-empty line of text, cut to maxLen runes.
func FirstLine(text string, maxLen int) string {
	for _, line := range strings.Split(text, "\n") {
		if line = strings.TrimSpace(line); line != "" {
			return cutWords(line, maxLen)
		}
	}
	return ""
}

// cutWords truncates s to at most maxLen runes including a trailing "...",
// preferring the last space before the limit.
func cutWords(s string, maxLen int) string {
	if utf8.RuneCountInString(s) <= maxLen {
		return s
	}
	if maxLen <= 3 {
		return string([]rune(s)[:maxLen])
	}
	cut := string([]rune(s)[:maxLen-3])
	if idx := strings.LastIndexByte(cut, ' '); idx > 0 {
		cut = cut[:idx]
	}
	return strings.TrimSpace(cut) + "..."
}

// splitSentences splits text into sentences by ". " or newline boundaries.
func splitSentences(text string) []string {
	var sentences []string
	var current strings.Builder

	for i := 0; i < len(text); i++ {
		current.WriteByte(text[i])

		if text[i] == '\n' {
			if s := strings.TrimSpace(current.String()); s != "" {
				sentences = append(sentences, s)
			}
			current.Reset()
			continue
		}

		if (text[i] == '.' || text[i] == '!' || text[i] == '?') && i+1 < len(text) && (text[i+1] == ' ' || text[i+1] == '\n') {
			if s := strings.TrimSpace(current.String()); s != "" {
				sentences = append(sentences, s)
			}
			current.Reset()
			continue
		}
	}

	if s := strings.TrimSpace(current.String()); s != "" {
		sentences = append(sentences, s)
	}

	return sentences
}
