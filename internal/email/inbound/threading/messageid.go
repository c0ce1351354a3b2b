// Package threading maps an inbound reply back to the outbound document
// request it answers, using the reply's In-Reply-To and References headers.
package threading

import "strings"

// NormalizeMessageID strips surrounding whitespace and angle brackets.
func NormalizeMessageID(value string) string {
	value = strings.TrimSpace(value)
	value = strings.TrimPrefix(value, "<")
	value = strings.TrimSuffix(value, ">")
	return strings.TrimSpace(value)
}

// LocalPart returns the part of a message id before '@', or the whole id.
func LocalPart(id string) string {
	if i := strings.IndexByte(id, '@'); i >= 0 {
		return id[:i]
	}
	return id
}

// FirstToken returns the first whitespace separated token of a header value,
// normalized as a message id.
func FirstToken(value string) string {
	fields := strings.Fields(value)
	if len(fields) == 0 {
		return ""
	}
	return NormalizeMessageID(fields[0])
}
