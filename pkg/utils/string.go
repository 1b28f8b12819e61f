package utils

import (
	"strings"
	"unicode"
	"unicode/utf8"
)

// SanitizeLine drops control characters and collapses whitespace runs to a
// single space. Prompt text is always one line.
func SanitizeLine(s string) string {
	s = strings.Map(func(r rune) rune {
		if r == '\t' || r == '\n' || r == '\r' {
			return ' '
		}
		if unicode.IsControl(r) {
			return -1
		}
		return r
	}, s)

	return strings.Join(strings.Fields(s), " ")
}

// Abbreviate shortens s to at most maxRunes runes for log output, marking
// the cut with "...".
func Abbreviate(s string, maxRunes int) string {
	if utf8.RuneCountInString(s) <= maxRunes {
		return s
	}
	runes := []rune(s)
	if maxRunes <= 3 {
		return string(runes[:maxRunes])
	}
	return string(runes[:maxRunes-3]) + "..."
}
