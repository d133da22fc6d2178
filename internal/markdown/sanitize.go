// Package markdown normalizes streamed assistant output into well-formed markdown.
package markdown

import (
	"strings"
)

// Sanitize normalizes line endings, separates headings and list items from
// preceding content with a blank line, and collapses runs of blank lines.
//
// Sanitize is idempotent, and for any prefix p of s the result for p is never
// longer than the result for s, so it can be re-applied to a growing buffer.
func Sanitize(s string) string {
	if s == "" {
		return ""
	}

	s = normalizeNewlines(s)
	lines := strings.Split(s, "\n")

	var b strings.Builder
	b.Grow(len(s) + len(s)/16)
	for i, line := range lines {
		if i > 0 {
			b.WriteByte('\n')
			if lines[i-1] != "" && (isHeading(line) || isListItem(line)) {
				b.WriteByte('\n')
			}
		}
		b.WriteString(line)
	}

	return collapseBlankLines(b.String())
}

// normalizeNewlines turns CRLF and lone CR into LF.
func normalizeNewlines(s string) string {
	if !strings.Contains(s, "\r") {
		return s
	}
	s = strings.ReplaceAll(s, "\r\n", "\n")
	return strings.ReplaceAll(s, "\r", "\n")
}

// isHeading matches an ATX marker of one to six '#' followed by a space or tab.
func isHeading(line string) bool {
	n := 0
	for n < len(line) && line[n] == '#' {
		n++
	}
	return n >= 1 && n <= 6 && n < len(line) && isSpace(line[n])
}

// isListItem matches "-", "*" or "<digits>." followed by a space or tab.
func isListItem(line string) bool {
	if len(line) < 2 {
		return false
	}
	if line[0] == '-' || line[0] == '*' {
		return isSpace(line[1])
	}

	n := 0
	for n < len(line) && line[n] >= '0' && line[n] <= '9' {
		n++
	}
	return n > 0 && n+1 < len(line) && line[n] == '.' && isSpace(line[n+1])
}

func isSpace(c byte) bool {
	return c == ' ' || c == '\t'
}

func collapseBlankLines(s string) string {
	if !strings.Contains(s, "\n\n\n") {
		return s
	}

	var b strings.Builder
	b.Grow(len(s))
	run := 0
	for i := 0; i < len(s); i++ {
		if s[i] == '\n' {
			run++
			if run > 2 {
				continue
			}
		} else {
			run = 0
		}
		b.WriteByte(s[i])
	}
	return b.String()
}
