// Package incremental decides how much of a re-ingested document
// actually needs reprocessing, by hashing the file and diffing chunk
// hashes against the stored state.
package incremental

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/hsn0918/enterprise-kb/internal/chunking"
	"github.com/hsn0918/enterprise-kb/internal/logger"
	"github.com/hsn0918/enterprise-kb/internal/pipeline"
	"github.com/hsn0918/enterprise-kb/internal/state"
	"github.com/hsn0918/enterprise-kb/internal/vectorstore"
)

// Status is the outcome category of an incremental pass.
type Status string

const (
	// StatusUnchanged means the file hash matched; nothing was touched.
	StatusUnchanged Status = "unchanged"
	// StatusUpdated means only the changed chunks were rewritten.
	StatusUpdated Status = "updated"
	// StatusReprocessed means the delta was too large and the document
	// must go through the full pipeline again.
	StatusReprocessed Status = "reprocessed"
)

// Delta is the computed difference between stored and incoming content.
type Delta struct {
	Status      Status
	Ratio       float64
	FileHash    string
	NewChunks   []chunking.Chunk
	NewHashes   []string
	// UpsertOrdinals are new-chunk ordinals that need embed+upsert.
	UpsertOrdinals []int
	// DeleteChunkIDs are stored chunk ids that no longer correspond to
	// any unchanged position.
	DeleteChunkIDs []string
}

// Manager plans and applies incremental updates.
type Manager struct {
	threshold float64
	embedder  pipeline.Embedder
	store     vectorstore.Store
	batchMax  int
}

func NewManager(threshold float64, embedder pipeline.Embedder, store vectorstore.Store, batchMax int) *Manager {
	if batchMax <= 0 {
		batchMax = 16
	}
	return &Manager{threshold: threshold, embedder: embedder, store: store, batchMax: batchMax}
}

// Plan diffs the incoming content against the stored document. The
// chunking params must match the ones the document was first processed
// with, or every hash shifts.
func (m *Manager) Plan(doc *state.Document, content []byte, params chunking.Params) (*Delta, error) {
	fileHash := state.HashContent(content)
	if fileHash == doc.ContentHash {
		return &Delta{Status: StatusUnchanged, FileHash: fileHash}, nil
	}

	newChunks, err := chunking.Split(string(content), params)
	if err != nil {
		return nil, fmt.Errorf("failed to chunk new content: %w", err)
	}
	newHashes := make([]string, len(newChunks))
	for i, c := range newChunks {
		newHashes[i] = state.HashChunk(c.Text)
	}

	oldHashes := doc.ChunkHashes
	matches := longestCommonSubsequence(oldHashes, newHashes)

	longest := max(len(oldHashes), len(newHashes))
	changed := longest - len(matches)
	ratio := 0.0
	if longest > 0 {
		ratio = float64(changed) / float64(longest)
	}

	delta := &Delta{
		Ratio:     ratio,
		FileHash:  fileHash,
		NewChunks: newChunks,
		NewHashes: newHashes,
	}
	if ratio >= m.threshold {
		delta.Status = StatusReprocessed
		return delta, nil
	}
	delta.Status = StatusUpdated

	// A match preserves a chunk only when its ordinal did not move;
	// chunk ids encode the ordinal, so a moved chunk is a rewrite.
	keepNew := make(map[int]bool, len(matches))
	keepOld := make(map[int]bool, len(matches))
	for _, pair := range matches {
		if pair.oldIdx == pair.newIdx {
			keepNew[pair.newIdx] = true
			keepOld[pair.oldIdx] = true
		}
	}
	for i := range newChunks {
		if !keepNew[i] {
			delta.UpsertOrdinals = append(delta.UpsertOrdinals, i)
		}
	}
	for i := range oldHashes {
		if !keepOld[i] && i >= len(newChunks) {
			// Trailing old ordinals have no replacement coming; delete.
			delta.DeleteChunkIDs = append(delta.DeleteChunkIDs, vectorstore.ChunkIDFor(doc.ID, i))
		}
	}
	return delta, nil
}

// Apply executes an updated-status delta: embeds and upserts the
// changed chunks at their preserved ordinals, deletes orphaned ids and
// writes the new state. Retry-safe: deletes by id and idempotent
// upserts converge.
func (m *Manager) Apply(ctx context.Context, doc *state.Document, delta *Delta, fileType string) error {
	if delta.Status != StatusUpdated {
		return fmt.Errorf("apply called with status %q", delta.Status)
	}

	for start := 0; start < len(delta.UpsertOrdinals); start += m.batchMax {
		end := min(start+m.batchMax, len(delta.UpsertOrdinals))
		batch := delta.UpsertOrdinals[start:end]

		texts := make([]string, len(batch))
		for i, ord := range batch {
			texts[i] = delta.NewChunks[ord].Text
		}
		vectors, err := m.embedder.EmbedBatch(ctx, texts)
		if err != nil {
			return fmt.Errorf("failed to embed changed chunks: %w", err)
		}

		nodes := make([]vectorstore.Node, len(batch))
		for i, ord := range batch {
			c := delta.NewChunks[ord]
			nodes[i] = vectorstore.Node{
				ChunkID:     vectorstore.ChunkIDFor(doc.ID, ord),
				DocID:       doc.ID,
				Ordinal:     ord,
				Text:        c.Text,
				Embedding:   vectors[i],
				ContentHash: delta.NewHashes[ord],
				Metadata: map[string]interface{}{
					"file_type":     fileType,
					"boundary_kind": string(c.Boundary),
					"start":         c.Start,
					"end":           c.End,
				},
			}
		}
		if err := m.store.Upsert(ctx, nodes); err != nil {
			return fmt.Errorf("failed to upsert changed chunks: %w", err)
		}
	}

	if len(delta.DeleteChunkIDs) > 0 {
		if err := m.store.DeleteByIDs(ctx, delta.DeleteChunkIDs); err != nil {
			return fmt.Errorf("failed to delete orphaned chunks: %w", err)
		}
	}

	logger.Get().Info("incremental update applied",
		zap.String("doc_id", doc.ID),
		zap.Float64("delta_ratio", delta.Ratio),
		zap.Int("upserted", len(delta.UpsertOrdinals)),
		zap.Int("deleted", len(delta.DeleteChunkIDs)),
	)
	return nil
}
