package speech

import (
	"regexp"
	"strings"
)

var (
	markupChars = strings.NewReplacer("*", "", "#", "", "-", " ")
	whitespace  = regexp.MustCompile(`\s+`)
	nonASCII    = regexp.MustCompile(`[^\x00-\x7F]`)
)

// Sanitize prepares examiner text for narration: markdown emphasis and
// headings are removed, dashes become spaces, whitespace is collapsed and
// non-ASCII symbols are dropped.
func Sanitize(text string) string {
	if text == "" {
		return ""
	}
	out := markupChars.Replace(text)
	out = whitespace.ReplaceAllString(out, " ")
	out = nonASCII.ReplaceAllString(out, "")
	return strings.TrimSpace(out)
}
