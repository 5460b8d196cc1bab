// Package script turns a written answer into text suitable for speech synthesis.
package script

import (
	"regexp"
	"strings"
)

var (
	citationMarker = regexp.MustCompile(`\[\d+\]`)
	markdownChars  = regexp.MustCompile("[*_#`~]")
	lineBreaks     = regexp.MustCompile(`\r\n|\n|\r`)
	spaceRuns      = regexp.MustCompile(`\s\s+`)
)

// Normalize strips citation markers and markdown punctuation, flattens line
// breaks and collapses whitespace. The result never contains a newline or two
// consecutive spaces, and Normalize(Normalize(x)) == Normalize(x).
func Normalize(text string) string {
	// Removing one marker or markdown char can expose another ("[*1]", "[[1]2]").
	for {
		next := citationMarker.ReplaceAllString(markdownChars.ReplaceAllString(text, ""), "")
		if next == text {
			break
		}
		text = next
	}
	text = lineBreaks.ReplaceAllString(text, " ")
	text = spaceRuns.ReplaceAllString(text, " ")
	return strings.TrimSpace(text)
}
