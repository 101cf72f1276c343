// Package executor runs document processing either inline or fanned
// out over segment tasks, with a merge step that validates ordinal
// contiguity and applies the failure policy.
package executor

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/bytedance/sonic"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/hsn0918/enterprise-kb/internal/analyzer"
	"github.com/hsn0918/enterprise-kb/internal/broker"
	"github.com/hsn0918/enterprise-kb/internal/chunking"
	"github.com/hsn0918/enterprise-kb/internal/clients/base"
	"github.com/hsn0918/enterprise-kb/internal/clients/embedding"
	"github.com/hsn0918/enterprise-kb/internal/config"
	"github.com/hsn0918/enterprise-kb/internal/logger"
	"github.com/hsn0918/enterprise-kb/internal/pipeline"
	"github.com/hsn0918/enterprise-kb/internal/state"
	"github.com/hsn0918/enterprise-kb/internal/utils"
	"github.com/hsn0918/enterprise-kb/internal/vectorstore"
)

// ErrCanceled reports that processing stopped on a cancellation request
// before the document reached a terminal result.
var ErrCanceled = errors.New("processing canceled")

// Task names the executor registers handlers for.
const (
	TaskProcessDocument = "document.process"
	TaskProcessSegment  = "segment.process"
	TaskMergeSegments   = "segments.merge"
)

// DocumentPayload is the task body for whole-document processing.
type DocumentPayload struct {
	DocID        string                  `json:"doc_id"`
	Source       string                  `json:"source"`
	Text         string                  `json:"text"`
	Plan         analyzer.ProcessingPlan `json:"plan"`
	Metadata     map[string]interface{}  `json:"metadata,omitempty"`
	Custom       []string                `json:"custom_processors,omitempty"`
	AllowPartial bool                    `json:"allow_partial"`
}

// SegmentPayload is the task body for one segment of a document.
type SegmentPayload struct {
	DocID       string                  `json:"doc_id"`
	Text        string                  `json:"text"`
	OrdinalBase int                     `json:"ordinal_base"`
	Plan        analyzer.ProcessingPlan `json:"plan"`
	Metadata    map[string]interface{}  `json:"metadata,omitempty"`
}

// SegmentResult is what a segment task reports back. A segment that
// exhausted its retries reports Error instead of failing the chord, so
// the merge step always runs and can apply the failure policy.
type SegmentResult struct {
	OrdinalBase int      `json:"ordinal_base"`
	ChunkIDs    []string `json:"chunk_ids"`
	ChunkHashes []string `json:"chunk_hashes"`
	Count       int      `json:"count"`
	Error       string   `json:"error,omitempty"`
}

// MergePayload is the task body for the chord callback.
type MergePayload struct {
	DocID        string `json:"doc_id"`
	TotalChunks  int    `json:"total_chunks"`
	Segments     int    `json:"segments"`
	AllowPartial bool   `json:"allow_partial"`
	FileType     string `json:"file_type"`
}

// Executor coordinates segment fan-out and merge.
type Executor struct {
	cfg      config.Config
	brk      broker.Broker
	engine   *pipeline.Engine
	embedder pipeline.Embedder
	store    vectorstore.Store
	state    *state.Store
}

func New(cfg config.Config, brk broker.Broker, engine *pipeline.Engine, embedder pipeline.Embedder, store vectorstore.Store, st *state.Store) *Executor {
	return &Executor{cfg: cfg, brk: brk, engine: engine, embedder: embedder, store: store, state: st}
}

// RegisterHandlers binds the executor's task handlers on the broker.
func (e *Executor) RegisterHandlers() {
	e.brk.Register(TaskProcessDocument, e.handleDocument)
	e.brk.Register(TaskProcessSegment, e.handleSegment)
	e.brk.Register(TaskMergeSegments, e.handleMerge)
}

// Submit routes a document to inline or parallel processing based on
// its plan and returns the task id the caller can track. The id is
// recorded on the document before anything is enqueued so later state
// writes by workers never lose it.
func (e *Executor) Submit(ctx context.Context, payload DocumentPayload) (string, error) {
	if payload.Plan.UseParallel {
		return e.submitParallel(ctx, payload)
	}
	body, err := sonic.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("failed to marshal document payload: %w", err)
	}
	task := &broker.Task{
		ID:      uuid.NewString(),
		Name:    TaskProcessDocument,
		Queue:   broker.QueueProcessing,
		Payload: body,
	}
	if err := e.recordTaskID(ctx, payload.DocID, task.ID); err != nil {
		return "", err
	}
	return e.brk.Submit(ctx, task)
}

// recordTaskID attaches the tracking id to the document state. Called
// before the task exists on the broker, so no worker can race the write.
func (e *Executor) recordTaskID(ctx context.Context, docID, taskID string) error {
	doc, err := e.state.Get(ctx, docID)
	if err != nil {
		return err
	}
	if doc.Metadata == nil {
		doc.Metadata = map[string]interface{}{}
	}
	doc.Metadata["task_id"] = taskID
	return e.state.Save(ctx, doc)
}

// permanentCause reports whether err can never succeed on retry:
// validation rejects, unsupported inputs and non-retryable client
// responses. Transient failures keep the backoff ladder.
func permanentCause(err error) bool {
	switch {
	case errors.Is(err, pipeline.ErrEmptyDocument),
		errors.Is(err, pipeline.ErrUnknownProcessor),
		errors.Is(err, analyzer.ErrUnsupportedFileType),
		errors.Is(err, embedding.ErrDimensionMismatch),
		errors.Is(err, chunking.ErrInvalidParams),
		errors.Is(err, chunking.ErrUnknownKind),
		errors.Is(err, vectorstore.ErrUnsupportedFilter):
		return true
	}
	var ce *base.ClientError
	if errors.As(err, &ce) {
		return !base.IsRetryableError(err)
	}
	return false
}

// handleDocument runs the full pipeline inline for one document.
func (e *Executor) handleDocument(ctx context.Context, task *broker.Task) ([]byte, error) {
	var payload DocumentPayload
	if err := sonic.Unmarshal(task.Payload, &payload); err != nil {
		return nil, broker.Permanent(fmt.Errorf("malformed document payload: %w", err))
	}

	stages, err := e.engine.Build(payload.Plan, payload.Custom)
	if err != nil {
		return nil, broker.Permanent(e.fail(ctx, payload.DocID, err))
	}
	pc := &pipeline.ProcessContext{
		DocID:    payload.DocID,
		Source:   payload.Source,
		Text:     payload.Text,
		Plan:     payload.Plan,
		Metadata: payload.Metadata,
	}
	if err := e.engine.Run(ctx, pc, stages); err != nil {
		// Cancellation already set the document status; do not overwrite
		// it with failed.
		if ctx.Err() != nil {
			return nil, fmt.Errorf("%w: %s", ErrCanceled, payload.DocID)
		}
		if permanentCause(err) {
			return nil, broker.Permanent(e.fail(ctx, payload.DocID, err))
		}
		if task.Attempts > task.MaxRetries {
			return nil, e.fail(ctx, payload.DocID, err)
		}
		return nil, err
	}
	return sonic.Marshal(SegmentResult{Count: pc.NodeCount, ChunkHashes: pc.ChunkHashes})
}

// submitParallel splits the document into spans, pre-counts each span's
// chunks to fix ordinal bases, and dispatches a chord of segment tasks
// with the merge callback.
func (e *Executor) submitParallel(ctx context.Context, payload DocumentPayload) (string, error) {
	// Normalize before splitting; segment workers skip that stage so
	// every span sees the same text the bases were computed from.
	if payload.Plan.ConvertToMarkdown {
		payload.Text = utils.CleanAndFormatContent(payload.Text)
	}
	spans := chunking.SplitSpans(payload.Text, e.cfg.Parallel.ChunkSize, payload.Plan.SegmentStrategy, payload.Plan.Language)
	if len(spans) == 0 {
		return "", pipeline.ErrEmptyDocument
	}

	params := chunking.Params{
		Kind:             payload.Plan.ChunkingKind,
		ChunkSize:        payload.Plan.ChunkSize,
		ChunkOverlap:     payload.Plan.ChunkOverlap,
		Language:         payload.Plan.Language,
		RespectStructure: true,
	}

	// Chunking is deterministic, so counting here fixes each segment's
	// ordinal base; workers re-chunk and land on the same counts.
	tasks := make([]*broker.Task, 0, len(spans))
	base := 0
	for _, span := range spans {
		chunks, err := chunking.Split(span.Text, params)
		if err != nil {
			return "", fmt.Errorf("failed to pre-chunk segment at %d: %w", span.Start, err)
		}
		body, err := sonic.Marshal(SegmentPayload{
			DocID:       payload.DocID,
			Text:        span.Text,
			OrdinalBase: base,
			Plan:        payload.Plan,
			Metadata:    payload.Metadata,
		})
		if err != nil {
			return "", fmt.Errorf("failed to marshal segment payload: %w", err)
		}
		tasks = append(tasks, &broker.Task{
			Name:    TaskProcessSegment,
			Queue:   broker.QueueSegment,
			Payload: body,
		})
		base += len(chunks)
	}

	mergeBody, err := sonic.Marshal(MergePayload{
		DocID:        payload.DocID,
		TotalChunks:  base,
		Segments:     len(tasks),
		AllowPartial: payload.AllowPartial,
		FileType:     string(payload.Plan.FileType),
	})
	if err != nil {
		return "", fmt.Errorf("failed to marshal merge payload: %w", err)
	}
	callback := &broker.Task{
		Name:    TaskMergeSegments,
		Queue:   broker.QueueMerging,
		Payload: mergeBody,
		GroupID: uuid.NewString(),
	}
	if err := e.recordTaskID(ctx, payload.DocID, callback.GroupID); err != nil {
		return "", err
	}

	groupID, err := e.brk.Chord(ctx, tasks, callback)
	if err != nil {
		return "", fmt.Errorf("failed to dispatch segments: %w", err)
	}
	logger.Get().Info("document fanned out",
		zap.String("doc_id", payload.DocID),
		zap.Int("segments", len(tasks)),
		zap.Int("total_chunks", base),
	)
	return groupID, nil
}

// handleSegment runs chunk, embed and upsert for one span. On the last
// allowed attempt a failure is folded into the result so the merge
// callback still fires and can roll back.
func (e *Executor) handleSegment(ctx context.Context, task *broker.Task) ([]byte, error) {
	var payload SegmentPayload
	if err := sonic.Unmarshal(task.Payload, &payload); err != nil {
		return nil, fmt.Errorf("malformed segment payload: %w", err)
	}

	stages, err := e.engine.Build(payload.Plan, nil)
	if err != nil {
		// A bad plan fails every attempt the same way; report it through
		// the result so the merge step settles the document.
		return sonic.Marshal(SegmentResult{OrdinalBase: payload.OrdinalBase, Error: err.Error()})
	}
	// Segment runs stop before finalize; the merge step owns the final
	// document state.
	trimmed := stages[:0:0]
	for _, s := range stages {
		if s.Name() != "finalize" && s.Name() != "markdown_normalize" {
			trimmed = append(trimmed, s)
		}
	}

	pc := &pipeline.ProcessContext{
		DocID:       payload.DocID,
		Text:        payload.Text,
		Plan:        payload.Plan,
		Metadata:    payload.Metadata,
		OrdinalBase: payload.OrdinalBase,
	}
	runErr := e.engine.Run(ctx, pc, trimmed)
	if runErr != nil {
		if task.Attempts > task.MaxRetries || permanentCause(runErr) {
			// Fold the terminal failure into the result.
			return sonic.Marshal(SegmentResult{OrdinalBase: payload.OrdinalBase, Error: runErr.Error()})
		}
		return nil, runErr
	}

	result := SegmentResult{
		OrdinalBase: payload.OrdinalBase,
		Count:       len(pc.Nodes),
		ChunkHashes: pc.ChunkHashes,
	}
	for _, n := range pc.Nodes {
		result.ChunkIDs = append(result.ChunkIDs, n.ChunkID)
	}
	return sonic.Marshal(result)
}

// handleMerge aggregates segment results, validates that ordinals cover
// [0, total) contiguously, and finalizes or rolls back.
func (e *Executor) handleMerge(ctx context.Context, task *broker.Task) ([]byte, error) {
	var payload MergePayload
	if err := sonic.Unmarshal(task.Payload, &payload); err != nil {
		return nil, fmt.Errorf("malformed merge payload: %w", err)
	}

	records, err := e.brk.GroupRecords(ctx, task.GroupID)
	if err != nil {
		return nil, fmt.Errorf("failed to collect segment results: %w", err)
	}

	var succeeded []SegmentResult
	var failures []string
	for _, rec := range records {
		if rec.State != broker.StateSucceeded {
			failures = append(failures, rec.Error)
			continue
		}
		var result SegmentResult
		if err := sonic.Unmarshal(rec.Result, &result); err != nil {
			return nil, fmt.Errorf("malformed segment result: %w", err)
		}
		if result.Error != "" {
			failures = append(failures, result.Error)
			continue
		}
		succeeded = append(succeeded, result)
	}

	doc, err := e.state.Get(ctx, payload.DocID)
	if err != nil {
		return nil, err
	}
	if doc.Status == state.StatusCanceled {
		// Canceled while segments were in flight; drop whatever they
		// managed to write and leave the canceled status alone.
		if err := e.store.DeleteByDoc(ctx, payload.DocID); err != nil {
			logger.Get().Error("failed to remove canceled writes", zap.String("doc_id", payload.DocID), zap.Error(err))
		}
		return nil, fmt.Errorf("%w: %s", ErrCanceled, payload.DocID)
	}

	if len(failures) > 0 {
		return nil, e.settleFailure(ctx, payload, succeeded, failures)
	}

	// Contiguity: the union of segment ordinals must be exactly
	// [0, total) with no gaps or overlaps.
	hashes, err := assembleHashes(succeeded, payload.TotalChunks)
	if err != nil {
		return nil, e.fail(ctx, payload.DocID, err)
	}

	// A reprocess that produced fewer chunks leaves stale rows at the
	// high ordinals; drop them before the count shrinks.
	e.dropStale(ctx, payload.DocID, payload.TotalChunks, doc.NodeCount)

	doc.Status = state.StatusCompleted
	doc.NodeCount = payload.TotalChunks
	doc.ChunkHashes = hashes
	doc.Error = ""
	if err := e.state.Save(ctx, doc); err != nil {
		return nil, err
	}
	logger.Get().Info("document merged",
		zap.String("doc_id", payload.DocID),
		zap.Int("segments", payload.Segments),
		zap.Int("node_count", payload.TotalChunks),
	)
	return nil, nil
}

// settleFailure applies the failure policy: keep succeeded segments and
// mark partial when allowed, otherwise roll back their writes by id and
// mark failed.
func (e *Executor) settleFailure(ctx context.Context, payload MergePayload, succeeded []SegmentResult, failures []string) error {
	errMsg := fmt.Sprintf("%d of %d segments failed: %s", len(failures), payload.Segments, failures[0])

	if payload.AllowPartial {
		count := 0
		for _, r := range succeeded {
			count += r.Count
		}
		doc, err := e.state.Get(ctx, payload.DocID)
		if err != nil {
			return err
		}
		// Only ordinals past the new total are known stale; failed
		// segments below it are the gaps partial mode accepts.
		e.dropStale(ctx, payload.DocID, payload.TotalChunks, doc.NodeCount)
		doc.Status = state.StatusPartial
		doc.NodeCount = count
		doc.Error = errMsg
		if doc.Metadata == nil {
			doc.Metadata = map[string]interface{}{}
		}
		doc.Metadata["segment_gaps"] = len(failures)
		logger.Get().Warn("document kept partial",
			zap.String("doc_id", payload.DocID),
			zap.Int("succeeded_segments", len(succeeded)),
			zap.Int("failed_segments", len(failures)),
		)
		return e.state.Save(ctx, doc)
	}

	// Rollback is best effort: idempotent upserts make a retried ingest
	// safe even if some deletes are lost.
	var ids []string
	for _, r := range succeeded {
		ids = append(ids, r.ChunkIDs...)
	}
	if len(ids) > 0 {
		if err := e.store.DeleteByIDs(ctx, ids); err != nil {
			logger.Get().Error("rollback incomplete",
				zap.String("doc_id", payload.DocID),
				zap.Int("chunk_ids", len(ids)),
				zap.Error(err),
			)
		}
	}
	return e.fail(ctx, payload.DocID, fmt.Errorf("%s", errMsg))
}

// dropStale removes chunk rows whose ordinals fall in [newCount,
// oldCount), left behind when a document shrinks on reprocess. Best
// effort: chunk ids are deterministic, so a later run can retry.
func (e *Executor) dropStale(ctx context.Context, docID string, newCount, oldCount int) {
	if oldCount <= newCount {
		return
	}
	ids := make([]string, 0, oldCount-newCount)
	for ordinal := newCount; ordinal < oldCount; ordinal++ {
		ids = append(ids, vectorstore.ChunkIDFor(docID, ordinal))
	}
	if err := e.store.DeleteByIDs(ctx, ids); err != nil {
		logger.Get().Error("failed to drop stale chunks",
			zap.String("doc_id", docID),
			zap.Int("stale", len(ids)),
			zap.Error(err),
		)
	}
}

// assembleHashes orders per-segment hashes by ordinal base and checks
// contiguous coverage of [0, total).
func assembleHashes(results []SegmentResult, total int) ([]string, error) {
	sort.Slice(results, func(i, j int) bool { return results[i].OrdinalBase < results[j].OrdinalBase })
	hashes := make([]string, 0, total)
	next := 0
	for _, r := range results {
		if r.OrdinalBase != next {
			return nil, fmt.Errorf("ordinal gap: expected base %d, got %d", next, r.OrdinalBase)
		}
		if len(r.ChunkHashes) != r.Count {
			return nil, fmt.Errorf("segment at base %d reported %d hashes for %d chunks", r.OrdinalBase, len(r.ChunkHashes), r.Count)
		}
		hashes = append(hashes, r.ChunkHashes...)
		next += r.Count
	}
	if next != total {
		return nil, fmt.Errorf("ordinal coverage ends at %d, expected %d", next, total)
	}
	return hashes, nil
}

// Cancel requests document-level cancellation: outstanding tasks are
// canceled, partial writes removed, and the document marked canceled.
func (e *Executor) Cancel(ctx context.Context, docID string, taskIDs []string) error {
	if err := e.state.SetStatus(ctx, docID, state.StatusCanceled, "canceled by caller"); err != nil {
		return err
	}
	for _, id := range taskIDs {
		// A parallel ingest tracks its chord id, which names a group
		// rather than a task; cancel the members individually so running
		// segments stop too.
		if records, err := e.brk.GroupRecords(ctx, id); err == nil && len(records) > 0 {
			for _, rec := range records {
				if rec.State.Terminal() {
					continue
				}
				if err := e.brk.Cancel(ctx, rec.TaskID); err != nil {
					logger.Get().Debug("segment cancel skipped", zap.String("task_id", rec.TaskID), zap.Error(err))
				}
			}
			continue
		}
		if err := e.brk.Cancel(ctx, id); err != nil {
			logger.Get().Debug("task cancel skipped", zap.String("task_id", id), zap.Error(err))
		}
	}
	if err := e.store.DeleteByDoc(ctx, docID); err != nil {
		logger.Get().Error("failed to remove partial writes", zap.String("doc_id", docID), zap.Error(err))
	}
	return nil
}

func (e *Executor) fail(ctx context.Context, docID string, cause error) error {
	if err := e.state.SetStatus(ctx, docID, state.StatusFailed, cause.Error()); err != nil {
		logger.Get().Error("failed to mark document failed", zap.String("doc_id", docID), zap.Error(err))
	}
	return cause
}
