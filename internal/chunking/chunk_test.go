package chunking_test

import (
	"strings"
	"testing"

	"github.com/hsn0918/enterprise-kb/internal/chunking"
)

func TestSplit_SmallMarkdownCarriesHeading(t *testing.T) {
	text := "# Title\n\npara one.\n\npara two."
	chunks, err := chunking.Split(text, chunking.Params{
		Kind:      chunking.KindMarkdown,
		ChunkSize: 40,
	})
	if err != nil {
		t.Fatalf("Split() error = %v", err)
	}
	if len(chunks) != 2 {
		t.Fatalf("got %d chunks, want 2", len(chunks))
	}
	want := []string{"# Title\n\npara one.", "# Title\n\npara two."}
	for i, w := range want {
		if chunks[i].Text != w {
			t.Errorf("chunk %d = %q, want %q", i, chunks[i].Text, w)
		}
		if chunks[i].Ordinal != i {
			t.Errorf("chunk %d ordinal = %d, want %d", i, chunks[i].Ordinal, i)
		}
	}
}

func TestSplit_OversizedCodeBlockNeverSplit(t *testing.T) {
	var b strings.Builder
	b.WriteString("```go\n")
	for b.Len() < 2000 {
		b.WriteString("func generated() { return }\n")
	}
	b.WriteString("```")
	text := b.String()

	chunks, err := chunking.Split(text, chunking.Params{
		Kind:      chunking.KindMarkdown,
		ChunkSize: 500,
	})
	if err != nil {
		t.Fatalf("Split() error = %v", err)
	}
	if len(chunks) != 1 {
		t.Fatalf("got %d chunks, want 1", len(chunks))
	}
	if !chunks[0].Oversized {
		t.Error("oversized flag not set")
	}
	if !strings.Contains(chunks[0].Text, "```go") {
		t.Error("fence opening lost")
	}
}

func TestSplit_ChunkerSafety(t *testing.T) {
	text := strings.Repeat("Some prose sentence here. ", 40) +
		"\n\n```python\nprint('hello')\nprint('world')\n```\n\n" +
		"| a | b |\n|---|---|\n| 1 | 2 |\n\n" +
		strings.Repeat("More prose after the block. ", 40)

	chunks, err := chunking.Split(text, chunking.Params{
		Kind:      chunking.KindMarkdown,
		ChunkSize: 300,
	})
	if err != nil {
		t.Fatalf("Split() error = %v", err)
	}
	for _, c := range chunks {
		if len(c.Text) > 300 && !c.Oversized {
			t.Errorf("chunk exceeds size without oversized flag: %d bytes", len(c.Text))
		}
		// A fence must be balanced inside any chunk that contains one.
		if n := strings.Count(c.Text, "```"); n%2 != 0 {
			t.Errorf("chunk splits a fenced block: %q", c.Text)
		}
	}
}

func TestSplit_OrdinalsContiguous(t *testing.T) {
	text := strings.Repeat("A sentence of reasonable length goes right here. ", 100)
	chunks, err := chunking.Split(text, chunking.Params{
		Kind:      chunking.KindSentence,
		ChunkSize: 200,
		ChunkOverlap: 20,
	})
	if err != nil {
		t.Fatalf("Split() error = %v", err)
	}
	if len(chunks) < 2 {
		t.Fatalf("expected multiple chunks, got %d", len(chunks))
	}
	for i, c := range chunks {
		if c.Ordinal != i {
			t.Fatalf("ordinal at %d = %d", i, c.Ordinal)
		}
	}
}

func TestSplit_Deterministic(t *testing.T) {
	text := "# Doc\n\n" + strings.Repeat("Stable content sentence. ", 50)
	params := chunking.Params{Kind: chunking.KindSemantic, ChunkSize: 150, ChunkOverlap: 10}

	first, err := chunking.Split(text, params)
	if err != nil {
		t.Fatalf("Split() error = %v", err)
	}
	second, err := chunking.Split(text, params)
	if err != nil {
		t.Fatalf("Split() error = %v", err)
	}
	if len(first) != len(second) {
		t.Fatalf("runs differ in length: %d vs %d", len(first), len(second))
	}
	for i := range first {
		if first[i].Text != second[i].Text {
			t.Errorf("chunk %d differs between runs", i)
		}
	}
}

func TestSplit_Errors(t *testing.T) {
	tests := []struct {
		name    string
		text    string
		params  chunking.Params
		wantErr error
	}{
		{
			name:    "empty content",
			text:    "   \n\t ",
			params:  chunking.Params{Kind: chunking.KindFixed, ChunkSize: 100},
			wantErr: chunking.ErrEmptyContent,
		},
		{
			name:    "zero chunk size",
			text:    "content",
			params:  chunking.Params{Kind: chunking.KindFixed},
			wantErr: chunking.ErrInvalidParams,
		},
		{
			name:    "overlap not below size",
			text:    "content",
			params:  chunking.Params{Kind: chunking.KindFixed, ChunkSize: 10, ChunkOverlap: 10},
			wantErr: chunking.ErrInvalidParams,
		},
		{
			name:    "unknown kind",
			text:    "content",
			params:  chunking.Params{Kind: "mystery", ChunkSize: 100},
			wantErr: chunking.ErrUnknownKind,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := chunking.Split(tt.text, tt.params)
			if err == nil || !strings.Contains(err.Error(), tt.wantErr.Error()) {
				t.Errorf("Split() error = %v, want %v", err, tt.wantErr)
			}
		})
	}
}

func TestSplit_HierarchicalHeadingPath(t *testing.T) {
	text := "# Guide\n\n## Install\n\nRun the installer.\n\n## Configure\n\nEdit the file.\n"
	chunks, err := chunking.Split(text, chunking.Params{
		Kind:      chunking.KindHierarchical,
		ChunkSize: 64,
	})
	if err != nil {
		t.Fatalf("Split() error = %v", err)
	}
	found := false
	for _, c := range chunks {
		if len(c.HeadingPath) >= 2 && c.HeadingPath[0] == "Guide" {
			found = true
		}
	}
	if !found {
		t.Errorf("no chunk carries the ancestor heading path, chunks: %+v", chunks)
	}
}

func TestSplit_ChineseSentences(t *testing.T) {
	text := "这是第一句。这是第二句！这是第三句？引用结束了。”后续内容。"
	chunks, err := chunking.Split(text, chunking.Params{
		Kind:      chunking.KindSentence,
		ChunkSize: 30,
		Language:  chunking.LangChinese,
	})
	if err != nil {
		t.Fatalf("Split() error = %v", err)
	}
	if len(chunks) < 2 {
		t.Fatalf("expected several chunks, got %d", len(chunks))
	}
	// The closing quote must stay attached to the sentence it closes.
	for _, c := range chunks {
		if strings.HasPrefix(c.Text, "”") {
			t.Errorf("chunk starts with a dangling closing quote: %q", c.Text)
		}
	}
}

func TestBoundaryPriorities(t *testing.T) {
	tests := []struct {
		kind chunking.BoundaryKind
		want float64
	}{
		{chunking.BoundarySectionBreak, 1.0},
		{chunking.BoundaryHeading, 1.0},
		{chunking.BoundaryCodeBlock, 1.0},
		{chunking.BoundaryTable, 1.0},
		{chunking.BoundaryHorizontalRule, 0.9},
		{chunking.BoundaryParagraph, 0.8},
		{chunking.BoundaryQuote, 0.8},
		{chunking.BoundaryListItem, 0.7},
		{chunking.BoundarySentence, 0.5},
	}
	for _, tt := range tests {
		if got := tt.kind.Priority(); got != tt.want {
			t.Errorf("%s priority = %v, want %v", tt.kind, got, tt.want)
		}
	}
}

func TestSplit_OverlapOffsetsExcludeCarriedTail(t *testing.T) {
	text := strings.Repeat("A sentence of reasonable length goes right here. ", 40)
	chunks, err := chunking.Split(text, chunking.Params{
		Kind:         chunking.KindSentence,
		ChunkSize:    200,
		ChunkOverlap: 40,
	})
	if err != nil {
		t.Fatalf("Split() error = %v", err)
	}
	if len(chunks) < 3 {
		t.Fatalf("expected several chunks, got %d", len(chunks))
	}

	prevEnd := 0
	for i, c := range chunks {
		if c.Start < prevEnd {
			t.Errorf("chunk %d region [%d,%d) overlaps the previous one ending at %d", i, c.Start, c.End, prevEnd)
		}
		if c.End <= c.Start || c.End > len(text) {
			t.Fatalf("chunk %d has bad region [%d,%d)", i, c.Start, c.End)
		}
		// The offsets name the chunk's own source region; the carried
		// overlap is extra text prepended to it.
		region := strings.TrimSpace(text[c.Start:c.End])
		if !strings.HasSuffix(c.Text, region) {
			t.Errorf("chunk %d text does not end with its source region [%d,%d)", i, c.Start, c.End)
		}
		prevEnd = c.End
	}
	if chunks[len(chunks)-1].End != len(strings.TrimRight(text, " ")) && chunks[len(chunks)-1].End != len(text) {
		t.Errorf("last chunk ends at %d, want coverage up to the end of the source", chunks[len(chunks)-1].End)
	}
}
