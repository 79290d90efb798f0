package integrity

import (
	"strings"
)

const nbspEntity = "&nbsp;"

// trimSet is the byte set stripped from both ends of content. It does not
// include form feed, unlike strings.TrimSpace.
const trimSet = " \t\n\r\x00\x0B"

var lineBreaks = strings.NewReplacer("\n", " ", "\r", " ", "\t", " ")

// Normalize canonicalises raw file bytes into a single-line string. An empty
// result means the content does not take part in fingerprinting.
func Normalize(raw []byte) string {
	if len(raw) == 0 {
		return ""
	}
	value := strings.Trim(strings.ReplaceAll(string(raw), nbspEntity, " "), trimSet)

	value = lineBreaks.Replace(value)
	return strings.Trim(collapseWhitespace(value), trimSet)
}

// collapseWhitespace drops every whitespace byte that is directly followed by
// another whitespace byte, so each run keeps its last byte.
func collapseWhitespace(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for i := 0; i < len(s); i++ {
		if isSpace(s[i]) && i+1 < len(s) && isSpace(s[i+1]) {
			continue
		}
		b.WriteByte(s[i])
	}
	return b.String()
}

func isSpace(c byte) bool {
	switch c {
	case ' ', '\t', '\n', '\v', '\f', '\r':
		return true
	}
	return false
}
