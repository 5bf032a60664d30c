package graph

import (
	"strings"
	"unicode"
)

// Slugify lowercases the label and collapses every non-alphanumeric run
// into a single hyphen. Returns "node" for input with no usable characters
// so a slug is never empty.
func Slugify(label string) string {
	var b strings.Builder
	lastHyphen := true // suppress a leading hyphen
	for _, r := range strings.ToLower(label) {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			b.WriteRune(r)
			lastHyphen = false
		} else if !lastHyphen {
			b.WriteByte('-')
			lastHyphen = true
		}
	}
	slug := strings.TrimRight(b.String(), "-")
	if slug == "" {
		return "node"
	}
	return slug
}
