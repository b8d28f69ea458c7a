// Package locator finds the source lines of named definitions in CQL text.
//
// It works on text only: comments are blanked out without changing the line
// count, then each line is matched against the definition header pattern.
package locator

import (
	"regexp"
	"strings"
)

var lineComment = regexp.MustCompile(`//[^\r\n]*`)

// StripComments removes line and block comments from source.
//
// Line comments are removed first, then every block comment is replaced by
// as many newlines as it spanned. The result has exactly as many line
// separators as source. An unterminated block comment runs to the end of the
// input. Nested block comments are not recognised: the first "*/" closes.
func StripComments(source string) string {
	rest := lineComment.ReplaceAllString(source, "")

	var b strings.Builder
	b.Grow(len(rest))

	for {
		start := strings.Index(rest, "/*")
		if start < 0 {
			b.WriteString(rest)
			break
		}

		b.WriteString(rest[:start])

		end := strings.Index(rest[start+2:], "*/")
		if end < 0 {
			b.WriteString(strings.Repeat("\n", strings.Count(rest[start:], "\n")))
			break
		}

		stop := start + 2 + end + 2
		b.WriteString(strings.Repeat("\n", strings.Count(rest[start:stop], "\n")))
		rest = rest[stop:]
	}

	return b.String()
}
