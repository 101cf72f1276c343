package chunking

import (
	"strings"
	"unicode/utf8"
)

// Span is a coarse slice of a document produced for parallel
// processing. Spans partition the source text; each span is later
// chunked independently by a worker.
type Span struct {
	Text  string
	Start int
	End   int
}

// Strategy selects how segment boundaries are chosen.
type Strategy string

const (
	StrategyFixed     Strategy = "fixed_size"
	StrategySentence  Strategy = "sentence"
	StrategyParagraph Strategy = "paragraph"
	StrategySemantic  Strategy = "semantic"
)

// SplitSpans cuts text into spans of at most segmentSize bytes at the
// boundaries the strategy prescribes. A single unit larger than
// segmentSize becomes its own span rather than being broken.
func SplitSpans(text string, segmentSize int, strategy Strategy, lang Language) []Span {
	if text == "" || segmentSize <= 0 {
		return nil
	}
	if len(text) <= segmentSize {
		return []Span{{Text: text, Start: 0, End: len(text)}}
	}

	var units []string
	switch strategy {
	case StrategySentence:
		units = splitSentences(text, lang)
	case StrategyParagraph:
		units = splitParagraphs(text)
	case StrategySemantic:
		units = splitSemanticUnits(text)
	default:
		return fixedSpans(text, segmentSize)
	}

	var spans []Span
	start := 0
	size := 0
	pos := 0

	for _, unit := range units {
		if size > 0 && size+len(unit) > segmentSize {
			spans = append(spans, Span{Text: text[start:pos], Start: start, End: pos})
			start = pos
			size = 0
		}
		size += len(unit)
		pos += len(unit)
	}
	if start < len(text) {
		spans = append(spans, Span{Text: text[start:], Start: start, End: len(text)})
	}
	return spans
}

func fixedSpans(text string, segmentSize int) []Span {
	var spans []Span
	start := 0
	for start < len(text) {
		end := min(start+segmentSize, len(text))
		// Pull the cut back onto a rune boundary so no span splits a
		// multi-byte character.
		for end > start && end < len(text) && !utf8.RuneStart(text[end]) {
			end--
		}
		if end == start {
			_, n := utf8.DecodeRuneInString(text[start:])
			end = start + n
		}
		spans = append(spans, Span{Text: text[start:end], Start: start, End: end})
		start = end
	}
	return spans
}

// splitSemanticUnits splits at structural markers (headings, fences,
// horizontal rules) and falls back to paragraphs between them, so spans
// never start inside a fenced block.
func splitSemanticUnits(text string) []string {
	var units []string
	start := 0
	inFence := false

	pos := 0
	for line := range strings.Lines(text) {
		trimmed := strings.TrimSpace(line)
		fenceMarker := strings.HasPrefix(trimmed, "```") || strings.HasPrefix(trimmed, "~~~")

		if !inFence && pos > start {
			structural := strings.HasPrefix(trimmed, "#") || trimmed == "---" || fenceMarker
			if structural {
				units = append(units, text[start:pos])
				start = pos
			}
		}
		if fenceMarker {
			inFence = !inFence
		}
		pos += len(line)
	}
	if start < len(text) {
		units = append(units, text[start:])
	}

	// Break long structural units at paragraph boundaries.
	var out []string
	for _, unit := range units {
		if strings.HasPrefix(strings.TrimSpace(unit), "```") {
			out = append(out, unit)
			continue
		}
		out = append(out, splitParagraphs(unit)...)
	}
	return out
}
