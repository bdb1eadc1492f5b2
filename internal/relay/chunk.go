package relay

import (
	"strings"
	"unicode/utf8"

	kit "pagerelay/internal/transport"
)

// Fence is the preformatted-block marker placed before and after every segment.
const Fence = kit.Fence

// FormattingOverhead is the number of characters Wrap adds to a segment.
const FormattingOverhead = kit.FenceOverhead

// MaxChunk is the largest segment that still fits messageLimit once wrapped.
func MaxChunk(messageLimit int) int {
	return messageLimit - FormattingOverhead
}

// Split cuts payload into consecutive segments of at most maxChunk characters (runes).
// Concatenating the result yields payload; an empty payload yields no segments.
func Split(payload string, maxChunk int) []string {
	if payload == "" {
		return nil
	}
	if maxChunk <= 0 {
		maxChunk = 1
	}
	n := utf8.RuneCountInString(payload)
	out := make([]string, 0, (n+maxChunk-1)/maxChunk)
	start, count := 0, 0
	for i := range payload {
		if count == maxChunk {
			out = append(out, payload[start:i])
			start, count = i, 0
		}
		count++
	}
	return append(out, payload[start:])
}

// Wrap encloses a segment in fences so the chat renders it verbatim.
func Wrap(seg string) string {
	return Fence + seg + Fence
}

// Unwrap reverses Wrap. ok is false when s is not a wrapped segment.
func Unwrap(s string) (seg string, ok bool) {
	if len(s) < FormattingOverhead || !strings.HasPrefix(s, Fence) || !strings.HasSuffix(s, Fence) {
		return "", false
	}
	return s[len(Fence) : len(s)-len(Fence)], true
}
