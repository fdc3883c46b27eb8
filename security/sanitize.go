package security

import (
	"regexp"
	"unicode/utf8"
)

// MaxMessageLength bounds sanitized messages, excluding the ellipsis.
const MaxMessageLength = 200

var (
	pathPattern    = regexp.MustCompile(`([A-Za-z]:[\\/.][^\s]+|/[^\s]+)`)
	addressPattern = regexp.MustCompile(`0x[0-9a-fA-F]+`)
)

// Sanitize removes file paths and memory addresses from a foreign error
// message and truncates it.
func Sanitize(msg string) string {
	msg = pathPattern.ReplaceAllString(msg, "[PATH_REMOVED]")
	msg = addressPattern.ReplaceAllString(msg, "[ADDR_REMOVED]")

	if len(msg) <= MaxMessageLength {
		return msg
	}
	cut := MaxMessageLength
	for cut > 0 && !utf8.RuneStart(msg[cut]) {
		cut--
	}
	return msg[:cut] + "..."
}
