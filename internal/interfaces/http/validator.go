package http

import (
	"regexp"
	"strings"
	"unicode/utf8"
)

// Input validation constants
const (
	MaxSenderLength = 128
	MaxBodyLength   = 4000 // WhatsApp caps a message at 4096 chars
)

var senderID = regexp.MustCompile(`^[a-zA-Z0-9:+@._-]+$`)

// ValidSenderID checks a session key taken from a URL path
func ValidSenderID(s string) bool {
	if s == "" || len(s) > MaxSenderLength {
		return false
	}
	return senderID.MatchString(s)
}

// SanitizeString removes null bytes and control characters
func SanitizeString(s string) string {
	// Remove null bytes
	s = strings.ReplaceAll(s, "\x00", "")

	// Keep only valid UTF-8
	if !utf8.ValidString(s) {
		v := make([]rune, 0, len(s))
		for _, r := range s {
			if r != utf8.RuneError {
				v = append(v, r)
			}
		}
		s = string(v)
	}
	return s
}

// TruncateString cuts s to at most maxLen bytes without splitting a rune
func TruncateString(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	for maxLen > 0 && !utf8.RuneStart(s[maxLen]) {
		maxLen--
	}
	return s[:maxLen]
}
