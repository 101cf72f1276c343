package chunking

import (
	"strings"
)

// Chinese sentence terminators, plus closing quotes that attach to the
// sentence they close.
var (
	chineseTerminators = map[rune]bool{'。': true, '！': true, '？': true, '；': true, '…': true}
	closingQuotes      = map[rune]bool{'」': true, '』': true, '”': true, '’': true, '"': true, '\'': true, ')': true, '）': true}
)

// splitSentences splits text into sentences for the given language.
// The returned slices concatenate back to the input, separators
// included, so callers can track byte offsets.
func splitSentences(text string, lang Language) []string {
	if lang == LangChinese || looksChinese(text) {
		return splitChineseSentences(text)
	}
	return splitEnglishSentences(text)
}

// looksChinese reports whether CJK characters dominate the sample.
func looksChinese(text string) bool {
	const sample = 512
	cjk, total := 0, 0
	for _, r := range text {
		if total >= sample {
			break
		}
		if r == ' ' || r == '\n' || r == '\t' {
			continue
		}
		total++
		if r >= 0x4e00 && r <= 0x9fff {
			cjk++
		}
	}
	return total > 0 && cjk*3 > total
}

func splitEnglishSentences(text string) []string {
	var sentences []string
	start := 0
	runes := []rune(text)
	byteAt := 0

	for i, r := range runes {
		byteNext := byteAt + len(string(r))
		if r == '.' || r == '!' || r == '?' {
			// Sentence ends when the terminator is followed by
			// whitespace or end of text.
			atEnd := i == len(runes)-1
			followedBySpace := !atEnd && (runes[i+1] == ' ' || runes[i+1] == '\n' || runes[i+1] == '\t')
			if atEnd || followedBySpace {
				sentences = append(sentences, text[start:byteNext])
				start = byteNext
			}
		}
		byteAt = byteNext
	}
	if start < len(text) {
		sentences = append(sentences, text[start:])
	}
	return sentences
}

func splitChineseSentences(text string) []string {
	var sentences []string
	start := 0
	runes := []rune(text)
	byteAt := 0

	for i, r := range runes {
		byteNext := byteAt + len(string(r))
		if chineseTerminators[r] {
			end := byteNext
			// Attach a closing quote to the sentence it terminates.
			if i+1 < len(runes) && closingQuotes[runes[i+1]] {
				end += len(string(runes[i+1]))
			}
			sentences = append(sentences, text[start:end])
			start = end
		}
		byteAt = byteNext
	}
	if start < len(text) {
		sentences = append(sentences, text[start:])
	}
	return sentences
}

// splitParagraphs splits text at blank lines, separators kept attached
// to the preceding paragraph so offsets stay reconstructible.
func splitParagraphs(text string) []string {
	var paragraphs []string
	start := 0

	for i := 0; i < len(text); {
		if text[i] != '\n' {
			i++
			continue
		}
		// Scan a run of newlines and horizontal whitespace.
		j := i
		newlines := 0
		for j < len(text) && (text[j] == '\n' || text[j] == ' ' || text[j] == '\t' || text[j] == '\r') {
			if text[j] == '\n' {
				newlines++
			}
			j++
		}
		if newlines >= 2 {
			paragraphs = append(paragraphs, text[start:j])
			start = j
		}
		i = j
	}
	if start < len(text) {
		paragraphs = append(paragraphs, text[start:])
	}
	return paragraphs
}

// splitSemantic chunks structured text via the markdown chunker and
// falls back to sentence packing for flat prose.
func splitSemantic(text string, p Params) ([]Chunk, error) {
	if hasMarkdownStructure(text) {
		return splitMarkdown(text, p)
	}
	return packUnits(splitSentences(text, p.Language), text, p, BoundarySentence), nil
}

// hasMarkdownStructure detects headings, fences, tables and rules; any
// of these makes structure-aware chunking worthwhile.
func hasMarkdownStructure(text string) bool {
	for line := range strings.Lines(text) {
		trimmed := strings.TrimSpace(line)
		switch {
		case strings.HasPrefix(trimmed, "#"),
			strings.HasPrefix(trimmed, "```"),
			strings.HasPrefix(trimmed, "~~~"),
			strings.HasPrefix(trimmed, "|") && strings.HasSuffix(trimmed, "|"),
			trimmed == "---" || trimmed == "***":
			return true
		}
	}
	return false
}
