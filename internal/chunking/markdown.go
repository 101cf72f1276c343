package chunking

import (
	"fmt"
	"strings"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/ast"
	"github.com/yuin/goldmark/text"
)

// mdBlock is a top-level markdown block with its heading context.
type mdBlock struct {
	text    string
	kind    BoundaryKind
	start   int
	end     int
	heading []mdHeading // ancestor headings, outermost first
	atomic  bool        // never split inside (code blocks, tables)
}

type mdHeading struct {
	level int
	raw   string // "## Title"
	plain string // "Title"
}

// parseBlocks walks the goldmark AST at block granularity and returns
// the document as a flat list of blocks with heading context attached.
func parseBlocks(content string) ([]mdBlock, error) {
	md := goldmark.New()
	source := []byte(content)
	doc := md.Parser().Parse(text.NewReader(source))

	var blocks []mdBlock
	var stack []mdHeading

	for node := doc.FirstChild(); node != nil; node = node.NextSibling() {
		switch n := node.(type) {
		case *ast.Heading:
			plain := extractText(n, source)
			raw := strings.Repeat("#", n.Level) + " " + plain
			// Pop headings at the same or deeper level.
			for len(stack) > 0 && stack[len(stack)-1].level >= n.Level {
				stack = stack[:len(stack)-1]
			}
			stack = append(stack, mdHeading{level: n.Level, raw: raw, plain: plain})

		case *ast.ThematicBreak:
			blocks = append(blocks, mdBlock{kind: BoundaryHorizontalRule, heading: snapshot(stack)})

		case *ast.FencedCodeBlock:
			raw, start, end := rawFenced(n, source)
			if raw == "" {
				continue
			}
			blocks = append(blocks, mdBlock{
				text: raw, kind: BoundaryCodeBlock,
				start: start, end: end,
				heading: snapshot(stack), atomic: true,
			})

		case *ast.CodeBlock:
			raw, start, end := nodeSpan(n, source)
			if raw == "" {
				continue
			}
			blocks = append(blocks, mdBlock{
				text: raw, kind: BoundaryCodeBlock,
				start: start, end: end,
				heading: snapshot(stack), atomic: true,
			})

		case *ast.Paragraph:
			raw, start, end := nodeSpan(n, source)
			if strings.TrimSpace(raw) == "" {
				continue
			}
			kind := BoundaryParagraph
			atomic := false
			if isTableBlock(raw) {
				kind = BoundaryTable
				atomic = true
			}
			blocks = append(blocks, mdBlock{
				text: raw, kind: kind,
				start: start, end: end,
				heading: snapshot(stack), atomic: atomic,
			})

		case *ast.List:
			raw, start, end := nodeSpan(n, source)
			if strings.TrimSpace(raw) == "" {
				continue
			}
			blocks = append(blocks, mdBlock{
				text: raw, kind: BoundaryListItem,
				start: start, end: end,
				heading: snapshot(stack),
			})

		case *ast.Blockquote:
			raw, start, end := nodeSpan(n, source)
			if strings.TrimSpace(raw) == "" {
				continue
			}
			blocks = append(blocks, mdBlock{
				text: raw, kind: BoundaryQuote,
				start: start, end: end,
				heading: snapshot(stack),
			})

		default:
			raw, start, end := nodeSpan(node, source)
			if strings.TrimSpace(raw) == "" {
				continue
			}
			blocks = append(blocks, mdBlock{
				text: raw, kind: BoundaryParagraph,
				start: start, end: end,
				heading: snapshot(stack),
			})
		}
	}

	return blocks, nil
}

// splitMarkdown implements the recursive markdown and hierarchical
// chunkers. Both operate on the same block list; hierarchical packs
// whole sections when they fit, recursive emits block-level chunks with
// the nearest heading carried as a prefix.
func splitMarkdown(content string, p Params) ([]Chunk, error) {
	blocks, err := parseBlocks(content)
	if err != nil {
		return nil, fmt.Errorf("parse markdown: %w", err)
	}
	if len(blocks) == 0 {
		// No block structure at all; fall back to sentence packing.
		return packUnits(splitSentences(content, p.Language), content, p, BoundarySentence), nil
	}

	if p.Kind == KindHierarchical {
		return emitSections(blocks, p), nil
	}
	return emitBlocks(blocks, p), nil
}

// emitBlocks produces one chunk per block, carrying the nearest heading
// as a markdown prefix. Small adjacent blocks under the same heading
// are merged; oversized prose blocks are split at sentence boundaries;
// atomic blocks are never split.
func emitBlocks(blocks []mdBlock, p Params) []Chunk {
	var chunks []Chunk
	minMerge := p.ChunkSize / 8

	for i := 0; i < len(blocks); i++ {
		b := blocks[i]
		if b.kind == BoundaryHorizontalRule {
			continue
		}

		prefix := headingPrefix(b.heading)
		headingPath := headingPath(b.heading)

		// Merge runs of small blocks sharing the heading context.
		txt := b.text
		end := b.end
		for !b.atomic && i+1 < len(blocks) {
			next := blocks[i+1]
			if next.atomic || next.kind == BoundaryHorizontalRule || !sameHeading(b.heading, next.heading) {
				break
			}
			if len(txt) >= minMerge || len(prefix)+len(txt)+2+len(next.text) > p.ChunkSize {
				break
			}
			txt = txt + "\n\n" + next.text
			end = next.end
			i++
		}

		boundary := b.kind
		if prefix != "" {
			boundary = BoundaryHeading
		}

		full := prefix + txt
		switch {
		case len(full) <= p.ChunkSize:
			chunks = append(chunks, Chunk{
				Text: full, Boundary: boundary,
				HeadingPath: headingPath,
				Start:       b.start, End: end,
			})

		case b.atomic:
			// Atomic blocks are emitted whole; drop the prefix first,
			// and flag the chunk when the block alone exceeds the
			// budget.
			chunks = append(chunks, Chunk{
				Text: txt, Boundary: b.kind,
				HeadingPath: headingPath,
				Start:       b.start, End: end,
				Oversized: len(txt) > p.ChunkSize,
			})

		default:
			// Oversized prose: split at sentence boundaries within the
			// budget left after the heading prefix.
			inner := p
			inner.ChunkSize = max(p.ChunkSize-len(prefix), p.ChunkOverlap+1)
			pieces := packUnits(splitSentences(txt, p.Language), txt, inner, BoundarySentence)
			for _, piece := range pieces {
				chunks = append(chunks, Chunk{
					Text: prefix + piece.Text, Boundary: boundary,
					HeadingPath: headingPath,
					Start:       b.start + piece.Start, End: b.start + piece.End,
				})
			}
		}
	}
	return chunks
}

// emitSections groups blocks into heading-delimited sections and emits
// each section as one chunk when it fits, falling back to block-level
// emission for sections that do not.
func emitSections(blocks []mdBlock, p Params) []Chunk {
	var chunks []Chunk

	for i := 0; i < len(blocks); {
		b := blocks[i]
		if b.kind == BoundaryHorizontalRule {
			i++
			continue
		}

		// A section is the run of blocks sharing the innermost heading
		// or any heading nested below it.
		j := i
		for j < len(blocks) {
			nb := blocks[j]
			if nb.kind == BoundaryHorizontalRule || !headingWithin(b.heading, nb.heading) {
				break
			}
			j++
		}

		section := blocks[i:j]
		prefix := headingPrefix(b.heading)
		var parts []string
		for _, sb := range section {
			parts = append(parts, sb.text)
		}
		body := strings.Join(parts, "\n\n")
		full := prefix + body

		hasAtomic := false
		for _, sb := range section {
			hasAtomic = hasAtomic || sb.atomic
		}

		if len(full) <= p.ChunkSize && !hasAtomic {
			boundary := BoundarySectionBreak
			if prefix == "" {
				boundary = BoundaryParagraph
			}
			chunks = append(chunks, Chunk{
				Text: full, Boundary: boundary,
				HeadingPath: headingPath(b.heading),
				Start:       section[0].start, End: section[len(section)-1].end,
			})
		} else {
			chunks = append(chunks, emitBlocks(section, p)...)
		}
		i = j
	}
	return chunks
}

// splitStructured implements the code- and table-aware chunkers: fenced
// code blocks and tables stay atomic, everything between them is packed
// at paragraph boundaries.
func splitStructured(content string, p Params) ([]Chunk, error) {
	blocks, err := parseBlocks(content)
	if err != nil {
		return nil, fmt.Errorf("parse structured: %w", err)
	}
	if len(blocks) == 0 {
		return packUnits(splitParagraphs(content), content, p, BoundaryParagraph), nil
	}

	var chunks []Chunk
	for i := 0; i < len(blocks); i++ {
		b := blocks[i]
		switch {
		case b.kind == BoundaryHorizontalRule:
			continue

		case b.atomic:
			chunks = append(chunks, Chunk{
				Text: b.text, Boundary: b.kind,
				Start: b.start, End: b.end,
				Oversized: len(b.text) > p.ChunkSize,
			})

		default:
			// Collect the prose run up to the next atomic block and
			// pack it by paragraphs.
			var parts []string
			start := b.start
			end := b.end
			for ; i < len(blocks) && !blocks[i].atomic && blocks[i].kind != BoundaryHorizontalRule; i++ {
				parts = append(parts, blocks[i].text)
				end = blocks[i].end
			}
			i--
			run := strings.Join(parts, "\n\n")
			for _, piece := range packUnits(splitParagraphs(run), run, p, BoundaryParagraph) {
				piece.Start += start
				piece.End = min(piece.End+start, end)
				chunks = append(chunks, piece)
			}
		}
	}
	return chunks, nil
}

// ---- helpers ----

func snapshot(stack []mdHeading) []mdHeading {
	out := make([]mdHeading, len(stack))
	copy(out, stack)
	return out
}

func headingPrefix(stack []mdHeading) string {
	if len(stack) == 0 {
		return ""
	}
	return stack[len(stack)-1].raw + "\n\n"
}

func headingPath(stack []mdHeading) []string {
	if len(stack) == 0 {
		return nil
	}
	out := make([]string, len(stack))
	for i, h := range stack {
		out[i] = h.plain
	}
	return out
}

func sameHeading(a, b []mdHeading) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i].raw != b[i].raw {
			return false
		}
	}
	return true
}

// headingWithin reports whether inner's heading context equals outer's
// or is nested beneath it.
func headingWithin(outer, inner []mdHeading) bool {
	if len(inner) < len(outer) {
		return false
	}
	for i := range outer {
		if inner[i].raw != outer[i].raw {
			return false
		}
	}
	return true
}

// extractText extracts plain text from an AST node.
func extractText(node ast.Node, source []byte) string {
	var sb strings.Builder
	ast.Walk(node, func(n ast.Node, entering bool) (ast.WalkStatus, error) {
		if entering {
			if textNode, ok := n.(*ast.Text); ok {
				sb.Write(textNode.Segment.Value(source))
			}
		}
		return ast.WalkContinue, nil
	})
	return strings.TrimSpace(sb.String())
}

// nodeSpan returns the raw source slice covered by a node, walking
// descendants for container nodes that carry no line info themselves.
func nodeSpan(node ast.Node, source []byte) (string, int, int) {
	start, end := -1, -1
	ast.Walk(node, func(n ast.Node, entering bool) (ast.WalkStatus, error) {
		if !entering {
			return ast.WalkContinue, nil
		}
		if n.Type() != ast.TypeBlock {
			return ast.WalkContinue, nil
		}
		if hasLines, ok := n.(interface{ Lines() *text.Segments }); ok {
			lines := hasLines.Lines()
			if lines.Len() > 0 {
				if s := lines.At(0).Start; start < 0 || s < start {
					start = s
				}
				if e := lines.At(lines.Len() - 1).Stop; e > end {
					end = e
				}
			}
		}
		return ast.WalkContinue, nil
	})
	if start < 0 || end <= start {
		return "", 0, 0
	}
	return strings.TrimRight(string(source[start:end]), "\n"), start, end
}

// rawFenced reconstructs a fenced code block including its fences,
// which goldmark's line segments exclude.
func rawFenced(n *ast.FencedCodeBlock, source []byte) (string, int, int) {
	lines := n.Lines()

	info := ""
	if n.Info != nil {
		info = string(n.Info.Segment.Value(source))
	}

	var inner string
	start, end := 0, 0
	if lines.Len() > 0 {
		start = lines.At(0).Start
		end = lines.At(lines.Len() - 1).Stop
		inner = string(source[start:end])
	}

	var sb strings.Builder
	sb.WriteString("```")
	sb.WriteString(info)
	sb.WriteString("\n")
	sb.WriteString(inner)
	if !strings.HasSuffix(inner, "\n") && inner != "" {
		sb.WriteString("\n")
	}
	sb.WriteString("```")
	return sb.String(), start, end
}

// isTableBlock reports whether every line of the block looks like a
// markdown table row.
func isTableBlock(raw string) bool {
	lines := strings.Split(strings.TrimSpace(raw), "\n")
	if len(lines) < 2 {
		return false
	}
	for _, line := range lines {
		trimmed := strings.TrimSpace(line)
		if !strings.HasPrefix(trimmed, "|") || !strings.HasSuffix(trimmed, "|") {
			return false
		}
	}
	return true
}
