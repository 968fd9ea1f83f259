package queue

import "strings"

const maxErrorLen = 1024

// summarizeError trims failure text before it is persisted.
func summarizeError(msg string) string {
	return truncateString(strings.TrimSpace(msg), maxErrorLen)
}

func truncateString(value string, maxLen int) string {
	if maxLen <= 0 || len(value) <= maxLen {
		return value
	}
	// Postgres rejects a cut multi-byte sequence.
	return strings.ToValidUTF8(value[:maxLen], "")
}
