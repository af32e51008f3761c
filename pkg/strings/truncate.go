package strings

import (
	"strings"
)

// DefaultDetailMaxLen is the default maximum length for detail columns in table output.
const DefaultDetailMaxLen = 60

// MinTruncateLen is the minimum maxLen value for Truncate.
// Values smaller than this would not leave room for meaningful content plus "...".
const MinTruncateLen = 4

// shortIDLen matches the container id length the docker CLI prints.
const shortIDLen = 12

// Truncate shortens s to maxLen runes on a single line, collapsing whitespace
// and appending "..." when it had to cut.
//
// maxLen values below MinTruncateLen are clamped.
func Truncate(s string, maxLen int) string {
	if maxLen < MinTruncateLen {
		maxLen = MinTruncateLen
	}

	s = strings.Join(strings.Fields(s), " ")

	runes := []rune(s)
	if len(runes) > maxLen {
		return string(runes[:maxLen-3]) + "..."
	}
	return s
}

// ShortID returns the leading part of a container or image id, without any
// "sha256:" digest prefix.
func ShortID(id string) string {
	id = strings.TrimPrefix(id, "sha256:")
	if len(id) > shortIDLen {
		return id[:shortIDLen]
	}
	return id
}

// FirstLine returns the first non-empty line of s, trimmed. Command output such
// as "Python 3.11.4\n" is reduced to its meaningful part this way.
func FirstLine(s string) string {
	for _, line := range strings.Split(s, "\n") {
		if trimmed := strings.TrimSpace(line); trimmed != "" {
			return trimmed
		}
	}
	return ""
}
