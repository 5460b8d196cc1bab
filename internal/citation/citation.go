// Package citation reconciles grounding records collected while an answer was
// streamed into a numbered source list and an annotated copy of the answer.
package citation

import (
	"fmt"
	"html"
	"sort"
	"strings"
)

// Record is one grounding reference. EndIndex is a byte offset into the final,
// untouched answer text. A negative EndIndex marks a source that supports the
// answer as a whole and gets no inline marker.
type Record struct {
	URI      string `json:"uri"`
	Title    string `json:"title"`
	EndIndex int    `json:"end_index"`
}

// Source is a deduplicated record, numbered by first-seen order.
type Source struct {
	URI    string `json:"uri"`
	Title  string `json:"title"`
	Number int    `json:"number"`
}

// Result holds the reconciled output for one answer.
type Result struct {
	Sources   []Source
	Annotated string
}

// Reconciler inserts one marker per record into the answer text.
//
// Marker renders the marker for a source. Text, when set, transforms each run
// of original text between insertion points (for example HTML escaping);
// insertion points are always resolved against the untouched input.
type Reconciler struct {
	Marker func(Source) string
	Text   func(string) string
}

// Default renders anchors and leaves the text untouched.
var Default = Reconciler{Marker: AnchorMarker}

// Reconcile runs the default reconciler.
func Reconcile(text string, records []Record) Result {
	return Default.Reconcile(text, records)
}

// Sources deduplicates records by URI in arrival order; the first title seen
// for a URI wins.
func Sources(records []Record) []Source {
	seen := make(map[string]struct{}, len(records))
	sources := make([]Source, 0, len(records))
	for _, rec := range records {
		if _, ok := seen[rec.URI]; ok {
			continue
		}
		seen[rec.URI] = struct{}{}
		sources = append(sources, Source{URI: rec.URI, Title: rec.Title, Number: len(sources) + 1})
	}
	return sources
}

// Reconcile numbers the sources and annotates text. It must run once per raw
// answer: feeding it already annotated text mis-places every marker.
func (r Reconciler) Reconcile(text string, records []Record) Result {
	if len(records) == 0 {
		return Result{Sources: []Source{}, Annotated: text}
	}

	sources := Sources(records)
	byURI := make(map[string]Source, len(sources))
	for _, src := range sources {
		byURI[src.URI] = src
	}

	ordered := make([]Record, len(records))
	copy(ordered, records)
	sort.SliceStable(ordered, func(i, j int) bool {
		return ordered[i].EndIndex > ordered[j].EndIndex
	})

	marker := r.Marker
	if marker == nil {
		marker = AnchorMarker
	}
	transform := r.Text
	if transform == nil {
		transform = func(s string) string { return s }
	}

	// Walk insertion points from the end of the text towards the start. Each
	// point is an offset into the untouched text, and everything already
	// emitted lies to its right, so no insertion can move a pending one.
	var tail []string
	cursor := len(text)
	for _, rec := range ordered {
		src, ok := byURI[rec.URI]
		if !ok || rec.EndIndex < 0 {
			continue
		}
		at := rec.EndIndex
		if at > len(text) {
			at = len(text)
		}
		if at < cursor {
			tail = append(tail, transform(text[at:cursor]))
			cursor = at
		}
		tail = append(tail, marker(src))
	}
	tail = append(tail, transform(text[:cursor]))

	var b strings.Builder
	b.Grow(len(text) + 64*len(records))
	for i := len(tail) - 1; i >= 0; i-- {
		b.WriteString(tail[i])
	}
	return Result{Sources: sources, Annotated: b.String()}
}

// AnchorMarker renders a superscript-style link that opens the source in a new
// tab, titled with the source title.
func AnchorMarker(src Source) string {
	return fmt.Sprintf(`<a href="%s" target="_blank" rel="noopener noreferrer" title="%s" class="citation-link">%d</a>`,
		html.EscapeString(src.URI), html.EscapeString(src.Title), src.Number)
}

// BracketMarker renders the plain text marker "[n]".
func BracketMarker(src Source) string {
	return fmt.Sprintf("[%d]", src.Number)
}

// HTML reconciles for direct insertion into a page: text runs are escaped and
// markers are anchors.
var HTML = Reconciler{Marker: AnchorMarker, Text: html.EscapeString}
