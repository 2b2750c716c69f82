package citation

import (
	"strings"
	"testing"

	"github.com/kalambet/loom/internal/gemini"
)

func webChunk(uri, title string) gemini.GroundingChunk {
	return gemini.GroundingChunk{Web: &gemini.WebSource{URI: uri, Title: title}}
}

func TestByteToCharIndexASCII(t *testing.T) {
	s := "hello world"
	for i := 0; i <= len(s); i++ {
		if got := byteToCharIndex(s, i); got != i {
			t.Errorf("byteToCharIndex(%q, %d) = %d, want %d", s, i, got, i)
		}
	}
}

func TestByteToCharIndexMultibyte(t *testing.T) {
	cases := []struct {
		name string
		s    string
	}{
		{"vietnamese", "Xin chào thế giới"},
		{"emoji", "ok 👍 done 🎉"},
		{"mixed", "résumé 简体 🚀 text"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			// The byte length of the first N characters must map back to N.
			runes := []rune(tc.s)
			for n := 0; n <= len(runes); n++ {
				byteLen := len(string(runes[:n]))
				if got := byteToCharIndex(tc.s, byteLen); got != n {
					t.Errorf("byteToCharIndex(%q, %d) = %d, want %d", tc.s, byteLen, got, n)
				}
			}
		})
	}
}

func TestByteToCharIndexPastEnd(t *testing.T) {
	s := "héllo"
	if got := byteToCharIndex(s, 1000); got != len([]rune(s)) {
		t.Errorf("byteToCharIndex past end = %d, want %d", got, len([]rune(s)))
	}
}

func TestByteToCharIndexMidCharacter(t *testing.T) {
	// An offset landing inside a multi-byte character maps to the index
	// before that character.
	s := "à" // 2 bytes
	if got := byteToCharIndex(s, 1); got != 0 {
		t.Errorf("byteToCharIndex mid-char = %d, want 0", got)
	}
}

func TestAnnotateNoGrounding(t *testing.T) {
	text := "plain answer"
	if got := Annotate(text, nil); got != text {
		t.Errorf("Annotate(nil) = %q, want unchanged", got)
	}
	if got := Annotate(text, &gemini.GroundingMetadata{}); got != text {
		t.Errorf("Annotate(empty) = %q, want unchanged", got)
	}
}

func TestAnnotateFullTextTwoSources(t *testing.T) {
	text := "The answer."
	md := &gemini.GroundingMetadata{
		GroundingChunks: []gemini.GroundingChunk{
			webChunk("https://a", "Source A"),
			webChunk("https://b", "Source B"),
		},
		GroundingSupports: []gemini.GroundingSupport{
			{Segment: gemini.Segment{EndIndex: len(text)}, GroundingChunkIndices: []int{0, 1}},
		},
	}

	got := Annotate(text, md)

	body, sources, ok := strings.Cut(got, "\n\nSources:\n")
	if !ok {
		t.Fatalf("missing source list in %q", got)
	}
	if body != "The answer.[1](https://a)[2](https://b)" {
		t.Errorf("body = %q", body)
	}
	wantSources := "1. Source A (https://a)\n2. Source B (https://b)\n"
	if sources != wantSources {
		t.Errorf("sources = %q, want %q", sources, wantSources)
	}
}

func TestAnnotateDescendingInsertion(t *testing.T) {
	// Two supports; the earlier insertion must not shift the later one even
	// though supports are given in ascending order.
	text := "First sentence. Second sentence."
	md := &gemini.GroundingMetadata{
		GroundingChunks: []gemini.GroundingChunk{
			webChunk("https://a", "A"),
			webChunk("https://b", "B"),
		},
		GroundingSupports: []gemini.GroundingSupport{
			{Segment: gemini.Segment{EndIndex: 15}, GroundingChunkIndices: []int{0}},
			{Segment: gemini.Segment{EndIndex: 32}, GroundingChunkIndices: []int{1}},
		},
	}

	got := Annotate(text, md)
	if !strings.Contains(got, "First sentence.[1](https://a) Second sentence.[2](https://b)") {
		t.Errorf("markers misplaced: %q", got)
	}
}

func TestAnnotateMultibyteOffsets(t *testing.T) {
	// "chào" ends at byte 8 ("chào" = c,h,à(2),o → "ch" 2 + "à" 2 + "o" 1 = 5,
	// with "Xin " prefix 4 bytes → byte end 9).
	text := "Xin chào"
	md := &gemini.GroundingMetadata{
		GroundingChunks: []gemini.GroundingChunk{
			webChunk("https://vn", "VN"),
		},
		GroundingSupports: []gemini.GroundingSupport{
			{Segment: gemini.Segment{EndIndex: len(text)}, GroundingChunkIndices: []int{0}},
		},
	}

	got := Annotate(text, md)
	if !strings.HasPrefix(got, "Xin chào[1](https://vn)") {
		t.Errorf("marker not placed after multibyte text: %q", got)
	}
}

func TestAnnotateSkipsInvalidSources(t *testing.T) {
	text := "Answer."
	md := &gemini.GroundingMetadata{
		GroundingChunks: []gemini.GroundingChunk{
			{Web: &gemini.WebSource{Title: "no uri"}},
			webChunk("https://b", "B"),
		},
		GroundingSupports: []gemini.GroundingSupport{
			{Segment: gemini.Segment{EndIndex: 7}, GroundingChunkIndices: []int{0, 5, -1, 1}},
		},
	}

	got := Annotate(text, md)
	if !strings.HasPrefix(got, "Answer.[2](https://b)") {
		t.Errorf("expected only the valid source marker, got %q", got)
	}
	if strings.Contains(got, "no uri (") {
		t.Errorf("chunk without URI must not appear in source list: %q", got)
	}
	if !strings.Contains(got, "2. B (https://b)") {
		t.Errorf("source list should keep original numbering: %q", got)
	}
}

func TestAnnotateSupportWithNoValidSourceIsNoOp(t *testing.T) {
	text := "Answer."
	md := &gemini.GroundingMetadata{
		GroundingChunks: []gemini.GroundingChunk{
			{Web: &gemini.WebSource{Title: "no uri"}},
		},
		GroundingSupports: []gemini.GroundingSupport{
			{Segment: gemini.Segment{EndIndex: 3}, GroundingChunkIndices: []int{0}},
		},
	}

	if got := Annotate(text, md); got != text {
		t.Errorf("Annotate = %q, want unchanged text (no valid source, no list)", got)
	}
}
