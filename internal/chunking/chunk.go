// Package chunking turns document text into ordered chunks under a
// selected strategy. Chunkers are pure: the same text and params always
// produce the same chunks.
package chunking

import (
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"
)

// Common errors.
var (
	ErrEmptyContent  = errors.New("empty content")
	ErrInvalidParams = errors.New("invalid chunking params")
	ErrUnknownKind   = errors.New("unknown chunking kind")
)

// Kind selects a chunking strategy.
type Kind string

const (
	KindFixed        Kind = "fixed_size"
	KindSentence     Kind = "sentence"
	KindParagraph    Kind = "paragraph"
	KindSemantic     Kind = "semantic"
	KindMarkdown     Kind = "recursive_markdown"
	KindHierarchical Kind = "hierarchical"
	KindCode         Kind = "code_aware"
	KindTable        Kind = "table_aware"
)

// Language selects sentence-splitting rules.
type Language string

const (
	LangEnglish Language = "english"
	LangChinese Language = "chinese"
)

// BoundaryKind labels the break point at which a chunk starts.
type BoundaryKind string

const (
	BoundarySectionBreak   BoundaryKind = "section_break"
	BoundaryHeading        BoundaryKind = "heading"
	BoundaryCodeBlock      BoundaryKind = "code_block"
	BoundaryTable          BoundaryKind = "table"
	BoundaryHorizontalRule BoundaryKind = "horizontal_rule"
	BoundaryParagraph      BoundaryKind = "paragraph"
	BoundaryQuote          BoundaryKind = "quote"
	BoundaryListItem       BoundaryKind = "list_item"
	BoundarySentence       BoundaryKind = "sentence"
	BoundaryNone           BoundaryKind = "none"
)

// Priority returns the split priority of the boundary; when a split
// point must be chosen, the highest priority wins.
func (k BoundaryKind) Priority() float64 {
	switch k {
	case BoundarySectionBreak, BoundaryHeading, BoundaryCodeBlock, BoundaryTable:
		return 1.0
	case BoundaryHorizontalRule:
		return 0.9
	case BoundaryParagraph, BoundaryQuote:
		return 0.8
	case BoundaryListItem:
		return 0.7
	case BoundarySentence:
		return 0.5
	default:
		return 0
	}
}

// Params configures a chunking run.
type Params struct {
	Kind             Kind
	ChunkSize        int
	ChunkOverlap     int
	Language         Language
	RespectStructure bool
}

func (p Params) validate() error {
	if p.ChunkSize <= 0 {
		return fmt.Errorf("%w: chunk size must be positive", ErrInvalidParams)
	}
	if p.ChunkOverlap < 0 || p.ChunkOverlap >= p.ChunkSize {
		return fmt.Errorf("%w: overlap must be in [0, chunk size)", ErrInvalidParams)
	}
	return nil
}

// Chunk is a single passage produced by a chunker.
type Chunk struct {
	Text        string            `json:"text"`
	Ordinal     int               `json:"ordinal"`
	Boundary    BoundaryKind      `json:"boundary"`
	HeadingPath []string          `json:"heading_path,omitempty"`
	Start       int               `json:"start"`
	End         int               `json:"end"`
	Oversized   bool              `json:"oversized,omitempty"`
	Metadata    map[string]string `json:"metadata,omitempty"`
}

// Split chunks text with the strategy named in params.
func Split(text string, p Params) ([]Chunk, error) {
	if strings.TrimSpace(text) == "" {
		return nil, ErrEmptyContent
	}
	if err := p.validate(); err != nil {
		return nil, err
	}

	var (
		chunks []Chunk
		err    error
	)
	switch p.Kind {
	case KindFixed:
		chunks = splitFixed(text, p)
	case KindSentence:
		chunks = packUnits(splitSentences(text, p.Language), text, p, BoundarySentence)
	case KindParagraph:
		chunks = packUnits(splitParagraphs(text), text, p, BoundaryParagraph)
	case KindSemantic:
		chunks, err = splitSemantic(text, p)
	case KindMarkdown, KindHierarchical:
		chunks, err = splitMarkdown(text, p)
	case KindCode, KindTable:
		chunks, err = splitStructured(text, p)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownKind, p.Kind)
	}
	if err != nil {
		return nil, err
	}

	for i := range chunks {
		chunks[i].Ordinal = i
	}
	return chunks, nil
}

// overlapTail extracts up to overlap bytes from the end of content,
// cutting at the highest-priority boundary that fits: sentence end
// first, then word boundary, then a rune boundary.
func overlapTail(content string, overlap int, lang Language) string {
	if overlap <= 0 {
		return ""
	}
	if len(content) <= overlap {
		return content
	}

	tail := content[len(content)-overlap:]
	// Align to a rune boundary.
	for len(tail) > 0 && !utf8.RuneStart(tail[0]) {
		tail = tail[1:]
	}

	// Prefer starting the overlap at a sentence boundary inside the tail.
	if sentences := splitSentences(tail, lang); len(sentences) > 1 {
		return strings.TrimSpace(strings.Join(sentences[1:], ""))
	}

	// Fall back to a word boundary.
	if idx := strings.IndexAny(tail, " \n"); idx >= 0 && idx+1 < len(tail) {
		return strings.TrimSpace(tail[idx+1:])
	}
	return strings.TrimSpace(tail)
}

// packUnits greedily packs pre-split units into chunks of at most
// ChunkSize bytes, carrying overlap from the previous chunk. A single
// unit larger than ChunkSize is split at fixed boundaries.
func packUnits(units []string, source string, p Params, boundary BoundaryKind) []Chunk {
	var chunks []Chunk
	var current strings.Builder

	// Start and End describe the source region the chunk's own units
	// came from; a carried overlap tail repeats text from the previous
	// region and is excluded from the offsets.
	regionStart := 0
	regionEnd := 0
	fresh := false

	flush := func() {
		text := strings.TrimSpace(current.String())
		current.Reset()
		if !fresh || text == "" {
			fresh = false
			return
		}
		chunks = append(chunks, Chunk{
			Text:     text,
			Boundary: boundary,
			Start:    regionStart,
			End:      regionEnd,
		})
		fresh = false
		if tail := overlapTail(text, p.ChunkOverlap, p.Language); tail != "" {
			current.WriteString(tail)
			current.WriteString(" ")
		}
	}

	consumed := 0
	for _, unit := range units {
		if strings.TrimSpace(unit) == "" {
			consumed += len(unit)
			continue
		}

		if len(unit) > p.ChunkSize {
			// Oversized unit: flush what we have and split it hard.
			flush()
			current.Reset()
			for _, piece := range splitFixed(unit, p) {
				piece.Boundary = boundary
				piece.Start += consumed
				piece.End += consumed
				chunks = append(chunks, piece)
			}
			consumed += len(unit)
			continue
		}

		if fresh && current.Len()+len(unit) > p.ChunkSize {
			flush()
		}
		if !fresh {
			regionStart = consumed
		}
		current.WriteString(unit)
		fresh = true
		consumed += len(unit)
		regionEnd = consumed
	}
	flush()

	return chunks
}

// splitFixed cuts text into windows of ChunkSize bytes with
// ChunkOverlap carry-over, aligned to rune boundaries.
func splitFixed(text string, p Params) []Chunk {
	var chunks []Chunk
	step := p.ChunkSize - p.ChunkOverlap

	for start := 0; start < len(text); start += step {
		// Align start forward to a rune boundary.
		for start < len(text) && !utf8.RuneStart(text[start]) {
			start++
		}
		if start >= len(text) {
			break
		}
		end := min(start+p.ChunkSize, len(text))
		for end < len(text) && !utf8.RuneStart(text[end]) {
			end--
		}
		piece := strings.TrimSpace(text[start:end])
		if piece == "" {
			continue
		}
		chunks = append(chunks, Chunk{
			Text:     piece,
			Boundary: BoundaryNone,
			Start:    start,
			End:      end,
		})
		if end == len(text) {
			break
		}
	}
	return chunks
}
