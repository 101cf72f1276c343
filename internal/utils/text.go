package utils

import (
	"strings"
	"unicode/utf8"
)

// SafeUTF8Truncate truncates a UTF-8 string to a maximum number of bytes
// without breaking multi-byte character boundaries.
//
// If the string is already within the limit, it returns unchanged.
func SafeUTF8Truncate(str string, maxBytes int) string {
	if len(str) <= maxBytes {
		return str
	}

	// Ensure we don't truncate in the middle of a multi-byte character
	for i := maxBytes; i >= 0 && i > maxBytes-4; i-- {
		if utf8.ValidString(str[:i]) {
			return str[:i]
		}
	}

	// If no suitable truncation point found, use rune-level truncation
	runes := []rune(str)
	result := ""
	for _, r := range runes {
		test := result + string(r)
		if len(test) > maxBytes {
			break
		}
		result = test
	}

	return result
}

// SanitizeUTF8 validates and cleans a string to ensure it contains only
// valid UTF-8 characters. Invalid byte sequences are removed.
func SanitizeUTF8(str string) string {
	if utf8.ValidString(str) {
		return str
	}

	var buf strings.Builder
	buf.Grow(len(str))

	for len(str) > 0 {
		r, size := utf8.DecodeRuneInString(str)
		if r == utf8.RuneError && size == 1 {
			// Skip invalid byte
			str = str[1:]
		} else {
			buf.WriteRune(r)
			str = str[size:]
		}
	}

	return buf.String()
}

// CleanAndFormatContent normalizes text content: trims whitespace,
// collapses runs of blank lines, and guarantees valid UTF-8 output.
func CleanAndFormatContent(content string) string {
	content = strings.TrimSpace(content)

	lines := strings.Split(content, "\n")
	var cleanedLines []string

	lastWasEmpty := false
	for _, line := range lines {
		trimmedLine := strings.TrimSpace(line)

		if trimmedLine == "" {
			if !lastWasEmpty {
				cleanedLines = append(cleanedLines, "")
			}
			lastWasEmpty = true
		} else {
			cleanedLines = append(cleanedLines, trimmedLine)
			lastWasEmpty = false
		}
	}

	return SanitizeUTF8(strings.Join(cleanedLines, "\n"))
}
