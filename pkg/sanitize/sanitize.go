package sanitize

import (
	"strings"
	"unicode"
	"unicode/utf8"
)

// MessageText strips control characters other than newline and tab and trims
// surrounding whitespace. The result is stored as plain text; clients escape it on render.
func MessageText(input string) string {
	return strings.TrimSpace(StripControlCharacters(input))
}

// StripControlCharacters removes control characters, keeping line breaks and tabs
func StripControlCharacters(input string) string {
	var result strings.Builder
	result.Grow(len(input))
	for _, r := range input {
		if r == '\n' || r == '\t' || !unicode.IsControl(r) {
			result.WriteRune(r)
		}
	}
	return result.String()
}

// ValidateStringLength checks if the rune count of input is within bounds
func ValidateStringLength(input string, minLen, maxLen int) bool {
	n := utf8.RuneCountInString(input)
	return n >= minLen && n <= maxLen
}
