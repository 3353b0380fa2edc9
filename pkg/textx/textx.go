// Package textx holds small text helpers shared by the parse pipeline,
// retrieval and the chat layer.
package textx

import (
	"strings"
	"unicode/utf8"
)

// SanitizeText drops control characters, keeping tab, newline and carriage
// return, and trims surrounding space. Parsed attachments and model output
// both occasionally carry stray control bytes.
func SanitizeText(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		switch {
		case r == '\n' || r == '\r' || r == '\t':
			b.WriteRune(r)
		case r >= 32 && r != 127:
			b.WriteRune(r)
		}
	}
	return strings.TrimSpace(b.String())
}

// CollapseSpaces folds runs of whitespace into single spaces.
func CollapseSpaces(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

// TruncateRunes cuts s to at most n runes without splitting a rune.
func TruncateRunes(s string, n int) string {
	if n <= 0 {
		return ""
	}
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	runes := []rune(s)
	return string(runes[:n])
}

// Excerpt returns a single-line preview of at most n runes, for log and
// error messages.
func Excerpt(s string, n int) string {
	return TruncateRunes(CollapseSpaces(SanitizeText(s)), n)
}
