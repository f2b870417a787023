package extract

import (
	"strings"
	"unicode"
	"unicode/utf8"
)

// extractPlain keeps printable characters and line structure.
func extractPlain(body []byte) string {
	var sb strings.Builder
	sb.Grow(len(body))
	for len(body) > 0 {
		r, size := utf8.DecodeRune(body)
		body = body[size:]
		switch {
		case r == utf8.RuneError && size <= 1:
			sb.WriteByte(' ')
		case r == '\n' || r == '\t' || r == ' ':
			sb.WriteRune(r)
		case r == '\r':
			sb.WriteByte('\n')
		case unicode.IsPrint(r):
			sb.WriteRune(r)
		default:
			sb.WriteByte(' ')
		}
	}
	return normalize(sb.String())
}
