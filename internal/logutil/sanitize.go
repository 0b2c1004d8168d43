package logutil

import (
	"strings"
	"unicode/utf8"
)

const maxLogField = 200

// SanitizeForLog strips newlines and control characters from user-provided
// strings so a command line cannot forge log entries.
func SanitizeForLog(s string) string {
	s = strings.ReplaceAll(s, "\n", " ")
	s = strings.ReplaceAll(s, "\r", " ")
	s = strings.ReplaceAll(s, "\t", " ")
	var result strings.Builder
	result.Grow(len(s))
	for _, r := range s {
		if r >= 32 && r != 127 {
			result.WriteRune(r)
		}
	}
	return result.String()
}

// Line sanitizes a command line and truncates it for log output.
func Line(s string) string {
	s = SanitizeForLog(s)
	if len(s) > maxLogField {
		n := maxLogField
		for n > 0 && !utf8.RuneStart(s[n]) {
			n--
		}
		return s[:n] + "..."
	}
	return s
}
