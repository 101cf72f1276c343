package pipeline

import (
	"context"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/hsn0918/enterprise-kb/internal/analyzer"
	"github.com/hsn0918/enterprise-kb/internal/chunking"
	"github.com/hsn0918/enterprise-kb/internal/state"
	"github.com/hsn0918/enterprise-kb/internal/utils"
	"github.com/hsn0918/enterprise-kb/internal/vectorstore"
)

func init() {
	Register("validate", OrderValidate, func(deps Deps) Processor { return &validateProcessor{} })
	Register("markdown_normalize", OrderNormalize, func(deps Deps) Processor { return &markdownProcessor{} })
	Register("chunk", OrderChunk, func(deps Deps) Processor { return &chunkProcessor{} })
	Register("embed", OrderEmbed, func(deps Deps) Processor { return &embedProcessor{deps: deps} })
	Register("index", OrderIndex, func(deps Deps) Processor { return &indexProcessor{deps: deps} })
	Register("finalize", OrderFinalize, func(deps Deps) Processor { return &finalizeProcessor{deps: deps} })
}

// validateProcessor rejects empty or undecodable input and produces the
// working text.
type validateProcessor struct{}

func (*validateProcessor) Name() string                    { return "validate" }
func (*validateProcessor) Supports(analyzer.FileType) bool { return true }

func (*validateProcessor) Process(ctx context.Context, pc *ProcessContext) error {
	if pc.Text == "" {
		pc.Text = string(pc.Content)
	}
	if strings.TrimSpace(pc.Text) == "" {
		return ErrEmptyDocument
	}
	if !utf8.ValidString(pc.Text) {
		pc.Text = utils.SanitizeUTF8(pc.Text)
	}
	return nil
}

// markdownProcessor normalizes text toward well-formed markdown.
// Conversion from binary formats happens upstream; this stage cleans
// whatever text extraction produced.
type markdownProcessor struct{}

func (*markdownProcessor) Name() string { return "markdown_normalize" }

func (*markdownProcessor) Supports(t analyzer.FileType) bool {
	switch t {
	case analyzer.FileTypePDF, analyzer.FileTypeDocx, analyzer.FileTypeHTML, analyzer.FileTypeMD:
		return true
	}
	return false
}

func (*markdownProcessor) Process(ctx context.Context, pc *ProcessContext) error {
	pc.Text = utils.CleanAndFormatContent(pc.Text)
	return nil
}

// chunkProcessor splits the text and records per-chunk content hashes.
type chunkProcessor struct{}

func (*chunkProcessor) Name() string                    { return "chunk" }
func (*chunkProcessor) Supports(analyzer.FileType) bool { return true }

func (*chunkProcessor) Process(ctx context.Context, pc *ProcessContext) error {
	chunks, err := chunking.Split(pc.Text, chunking.Params{
		Kind:             pc.Plan.ChunkingKind,
		ChunkSize:        pc.Plan.ChunkSize,
		ChunkOverlap:     pc.Plan.ChunkOverlap,
		Language:         pc.Plan.Language,
		RespectStructure: true,
	})
	if err != nil {
		return err
	}
	pc.Chunks = chunks
	pc.ChunkHashes = make([]string, len(chunks))
	for i, c := range chunks {
		pc.ChunkHashes[i] = state.HashChunk(c.Text)
	}
	return nil
}

// embedProcessor turns chunks into index nodes with embeddings,
// batching requests under the configured ceiling.
type embedProcessor struct {
	deps Deps
}

func (*embedProcessor) Name() string                    { return "embed" }
func (*embedProcessor) Supports(analyzer.FileType) bool { return true }

func (p *embedProcessor) Process(ctx context.Context, pc *ProcessContext) error {
	if len(pc.Chunks) == 0 {
		return nil
	}
	batchMax := p.deps.BatchMax
	if batchMax <= 0 {
		batchMax = 16
	}

	pc.Nodes = make([]vectorstore.Node, 0, len(pc.Chunks))
	for start := 0; start < len(pc.Chunks); start += batchMax {
		end := min(start+batchMax, len(pc.Chunks))
		texts := make([]string, 0, end-start)
		for _, c := range pc.Chunks[start:end] {
			texts = append(texts, c.Text)
		}

		vectors, err := p.deps.Embedder.EmbedBatch(ctx, texts)
		if err != nil {
			return &StageError{Stage: "embed", Ordinal: pc.OrdinalBase + pc.Chunks[start].Ordinal, Err: err}
		}

		for i, c := range pc.Chunks[start:end] {
			ordinal := pc.OrdinalBase + c.Ordinal
			pc.Nodes = append(pc.Nodes, vectorstore.Node{
				ChunkID:     vectorstore.ChunkIDFor(pc.DocID, ordinal),
				DocID:       pc.DocID,
				Ordinal:     ordinal,
				Text:        c.Text,
				Embedding:   vectors[i],
				ContentHash: pc.ChunkHashes[start+i],
				Metadata:    nodeMetadata(pc, c),
			})
		}
	}
	return nil
}

func nodeMetadata(pc *ProcessContext, c chunking.Chunk) map[string]interface{} {
	md := map[string]interface{}{
		"file_type":     string(pc.Plan.FileType),
		"boundary_kind": string(c.Boundary),
		"start":         c.Start,
		"end":           c.End,
	}
	if len(c.HeadingPath) > 0 {
		md["heading_path"] = strings.Join(c.HeadingPath, " > ")
	}
	if c.Oversized {
		md["oversized"] = true
	}
	for k, v := range pc.Metadata {
		if _, taken := md[k]; !taken {
			md[k] = v
		}
	}
	return md
}

// indexProcessor upserts the nodes. Upserts are idempotent so a retried
// run converges.
type indexProcessor struct {
	deps Deps
}

func (*indexProcessor) Name() string                    { return "index" }
func (*indexProcessor) Supports(analyzer.FileType) bool { return true }

func (p *indexProcessor) Process(ctx context.Context, pc *ProcessContext) error {
	if len(pc.Nodes) == 0 {
		return nil
	}
	if err := p.deps.Store.Upsert(ctx, pc.Nodes); err != nil {
		return fmt.Errorf("failed to index %d nodes: %w", len(pc.Nodes), err)
	}
	pc.NodeCount = len(pc.Nodes)
	return nil
}

// finalizeProcessor records the outcome on the document. Segment runs
// skip it (the merge step owns the final state).
type finalizeProcessor struct {
	deps Deps
}

func (*finalizeProcessor) Name() string                    { return "finalize" }
func (*finalizeProcessor) Supports(analyzer.FileType) bool { return true }

func (p *finalizeProcessor) Process(ctx context.Context, pc *ProcessContext) error {
	if p.deps.State == nil {
		return nil
	}
	doc, err := p.deps.State.Get(ctx, pc.DocID)
	if err != nil {
		return err
	}
	// A reprocess that shrank the document leaves stale rows past the
	// new count; drop them before recording the smaller total.
	if doc.NodeCount > pc.NodeCount && p.deps.Store != nil {
		stale := make([]string, 0, doc.NodeCount-pc.NodeCount)
		for ordinal := pc.NodeCount; ordinal < doc.NodeCount; ordinal++ {
			stale = append(stale, vectorstore.ChunkIDFor(pc.DocID, ordinal))
		}
		if err := p.deps.Store.DeleteByIDs(ctx, stale); err != nil {
			return fmt.Errorf("failed to drop %d stale chunks: %w", len(stale), err)
		}
	}
	doc.Status = state.StatusCompleted
	doc.NodeCount = pc.NodeCount
	doc.ChunkHashes = pc.ChunkHashes
	doc.Error = ""
	return p.deps.State.Save(ctx, doc)
}
