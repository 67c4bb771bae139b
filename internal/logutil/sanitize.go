package logutil

import (
	"strconv"
	"strings"
	"unicode/utf8"
)

// SanitizeForLog removes newlines and control characters from user-provided
// strings to prevent log injection attacks where attackers could inject
// fake log entries by including newline characters.
func SanitizeForLog(s string) string {
	s = strings.ReplaceAll(s, "\n", " ")
	s = strings.ReplaceAll(s, "\r", " ")
	s = strings.ReplaceAll(s, "\t", " ")
	var result strings.Builder
	result.Grow(len(s))
	for _, r := range s {
		if r >= 32 && r != 0x7f {
			result.WriteRune(r)
		}
	}
	return result.String()
}

// PreviewBytes renders at most n bytes of terminal data as a quoted Go
// string, so escape sequences show up as \x1b rather than acting on the
// log reader's terminal. A trailing "..." marks truncation.
func PreviewBytes(b []byte, n int) string {
	if n >= 0 && len(b) > n {
		cut := n
		for cut > 0 && !utf8.RuneStart(b[cut]) {
			cut--
		}
		return strconv.Quote(string(b[:cut])) + "..."
	}
	return strconv.Quote(string(b))
}

// HostPort joins a host and port for log lines, sanitizing the host.
func HostPort(host string, port int) string {
	return SanitizeForLog(host) + ":" + strconv.Itoa(port)
}
