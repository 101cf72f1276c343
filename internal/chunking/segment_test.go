package chunking_test

import (
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/hsn0918/enterprise-kb/internal/chunking"
)

func TestSplitSpans_PartitionsSource(t *testing.T) {
	text := strings.Repeat("A sentence that ends with a period. ", 400)

	spans := chunking.SplitSpans(text, 1024, chunking.StrategySentence, chunking.LangEnglish)
	if len(spans) < 2 {
		t.Fatalf("expected multiple spans, got %d", len(spans))
	}

	// Spans must partition the text exactly.
	var rebuilt strings.Builder
	next := 0
	for i, s := range spans {
		if s.Start != next {
			t.Fatalf("span %d starts at %d, want %d", i, s.Start, next)
		}
		if s.End-s.Start != len(s.Text) {
			t.Fatalf("span %d offsets inconsistent with text length", i)
		}
		rebuilt.WriteString(s.Text)
		next = s.End
	}
	if rebuilt.String() != text {
		t.Error("spans do not concatenate back to the source")
	}
}

func TestSplitSpans_RespectsSegmentSize(t *testing.T) {
	text := strings.Repeat("Short sentence. ", 1000)
	spans := chunking.SplitSpans(text, 512, chunking.StrategySentence, chunking.LangEnglish)
	for i, s := range spans {
		if len(s.Text) > 512+len("Short sentence. ") {
			t.Errorf("span %d is %d bytes, far above segment size", i, len(s.Text))
		}
	}
}

func TestSplitSpans_SmallInputSingleSpan(t *testing.T) {
	spans := chunking.SplitSpans("tiny", 1024, chunking.StrategyParagraph, chunking.LangEnglish)
	if len(spans) != 1 || spans[0].Text != "tiny" {
		t.Fatalf("got %+v, want one span covering the input", spans)
	}
}

func TestSplitSpans_SemanticNeverStartsInsideFence(t *testing.T) {
	var b strings.Builder
	for i := 0; i < 30; i++ {
		b.WriteString("# Section\n\nSome prose before the code block appears here.\n\n")
		b.WriteString("```go\nfunc example() {}\nfunc another() {}\n```\n\n")
	}
	text := b.String()

	spans := chunking.SplitSpans(text, 600, chunking.StrategySemantic, chunking.LangEnglish)
	for i, s := range spans {
		head := strings.TrimSpace(s.Text)
		if strings.HasPrefix(head, "func ") {
			t.Errorf("span %d starts inside a fence: %q", i, head[:min(len(head), 40)])
		}
	}
}

func TestSplitSpans_FixedStrategy(t *testing.T) {
	text := strings.Repeat("x", 2500)
	spans := chunking.SplitSpans(text, 1000, chunking.StrategyFixed, chunking.LangEnglish)
	if len(spans) != 3 {
		t.Fatalf("got %d spans, want 3", len(spans))
	}
	if spans[2].End != 2500 {
		t.Errorf("last span ends at %d, want 2500", spans[2].End)
	}
}

func TestSplitSpans_FixedKeepsRunesIntact(t *testing.T) {
	// Three-byte runes with a segment size that is not a multiple of
	// three, so a byte-offset cut would land mid-rune.
	text := strings.Repeat("数据库系统概论", 40)

	spans := chunking.SplitSpans(text, 100, chunking.StrategyFixed, chunking.LangEnglish)
	if len(spans) < 2 {
		t.Fatalf("expected multiple spans, got %d", len(spans))
	}

	var rebuilt strings.Builder
	next := 0
	for i, s := range spans {
		if !utf8.ValidString(s.Text) {
			t.Errorf("span %d splits a rune: %q", i, s.Text)
		}
		if s.Start != next {
			t.Fatalf("span %d starts at %d, want %d", i, s.Start, next)
		}
		rebuilt.WriteString(s.Text)
		next = s.End
	}
	if rebuilt.String() != text {
		t.Error("spans do not concatenate back to the source")
	}
}
