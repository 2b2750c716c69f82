// Package citation rewrites generated text with inline source markers and a
// trailing source list, based on provider grounding metadata. It is pure
// text manipulation with no I/O, so it runs identically after a blocking
// generation or after the final chunk of a stream.
package citation

import (
	"fmt"
	"sort"
	"strings"

	"github.com/kalambet/loom/internal/gemini"
)

// Annotate inserts an inline citation marker for each grounding support and
// appends a numbered source list. Text without grounding metadata is
// returned unchanged.
func Annotate(text string, md *gemini.GroundingMetadata) string {
	if md == nil || len(md.GroundingChunks) == 0 {
		return text
	}

	annotated := insertMarkers(text, md.GroundingChunks, md.GroundingSupports)

	if list := sourceList(md.GroundingChunks); list != "" {
		annotated += list
	}
	return annotated
}

// insertMarkers places the marker for each support at the character mapped
// from its byte end-offset. Supports are processed in descending offset
// order: an insertion can then only shift characters after positions still
// to be looked up, so every byteToCharIndex call against the progressively
// mutated string stays valid.
func insertMarkers(text string, chunks []gemini.GroundingChunk, supports []gemini.GroundingSupport) string {
	sorted := make([]gemini.GroundingSupport, len(supports))
	copy(sorted, supports)
	sort.Slice(sorted, func(i, j int) bool {
		return sorted[i].Segment.EndIndex > sorted[j].Segment.EndIndex
	})

	for _, sup := range sorted {
		marker := markerFor(chunks, sup.GroundingChunkIndices)
		if marker == "" {
			continue
		}
		at := byteToCharIndex(text, sup.Segment.EndIndex)
		runes := []rune(text)
		if at > len(runes) {
			at = len(runes)
		}
		text = string(runes[:at]) + marker + string(runes[at:])
	}
	return text
}

// markerFor builds the concatenated clickable markers for the referenced
// chunk indices. Indices out of range or chunks without a URI are skipped;
// a support with no valid source yields no marker.
func markerFor(chunks []gemini.GroundingChunk, indices []int) string {
	var sb strings.Builder
	for _, idx := range indices {
		if idx < 0 || idx >= len(chunks) {
			continue
		}
		web := chunks[idx].Web
		if web == nil || web.URI == "" {
			continue
		}
		fmt.Fprintf(&sb, "[%d](%s)", idx+1, web.URI)
	}
	return sb.String()
}

// sourceList renders the trailing numbered source section from all chunks
// that carry a URI, in their original order. Empty when no chunk has one.
func sourceList(chunks []gemini.GroundingChunk) string {
	var sb strings.Builder
	for i, c := range chunks {
		if c.Web == nil || c.Web.URI == "" {
			continue
		}
		if sb.Len() == 0 {
			sb.WriteString("\n\nSources:\n")
		}
		title := c.Web.Title
		if title == "" {
			title = c.Web.URI
		}
		fmt.Fprintf(&sb, "%d. %s (%s)\n", i+1, title, c.Web.URI)
	}
	return sb.String()
}

// byteToCharIndex maps a byte offset into the UTF-8 encoding of s to a
// character index: the number of whole characters whose encoded bytes fit
// within the offset.
func byteToCharIndex(s string, byteOffset int) int {
	chars := 0
	bytes := 0
	for _, r := range s {
		var width int
		switch {
		case r < 0x80:
			width = 1
		case r < 0x800:
			width = 2
		case r < 0x10000:
			width = 3
		default:
			width = 4
		}
		if bytes+width > byteOffset {
			break
		}
		bytes += width
		chars++
	}
	return chars
}
