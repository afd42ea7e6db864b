package device

import "strings"

// textChunkSize bounds one input-text invocation; long strings are split so a
// single oversized shell argument cannot be dropped by the input service.
const textChunkSize = 80

// shellSpecials are characters the device shell would interpret; each gets a
// backslash prefix before being handed to the input service.
const shellSpecials = "\\\"'`()[]{}<>|;&*~$"

// EscapeText rewrites s so the device input service receives it literally.
// Spaces and tabs use the %s placeholder the input tool expands back to a
// space.
func EscapeText(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		switch {
		case r == ' ' || r == '\t':
			b.WriteString("%s")
		case strings.ContainsRune(shellSpecials, r):
			b.WriteByte('\\')
			b.WriteRune(r)
		default:
			b.WriteRune(r)
		}
	}
	return b.String()
}

// ChunkText splits s into rune-safe pieces of at most textChunkSize runes.
func ChunkText(s string) []string {
	if s == "" {
		return nil
	}
	runes := []rune(s)
	chunks := make([]string, 0, (len(runes)+textChunkSize-1)/textChunkSize)
	for len(runes) > 0 {
		n := textChunkSize
		if n > len(runes) {
			n = len(runes)
		}
		chunks = append(chunks, string(runes[:n]))
		runes = runes[n:]
	}
	return chunks
}
