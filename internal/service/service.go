// Package service is the facade the API layer consumes: ingest,
// analyze, status, delete, search and cancel over the document core.
package service

import (
	"context"
	"errors"
	"fmt"

	"github.com/bytedance/sonic"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/hsn0918/enterprise-kb/internal/analyzer"
	"github.com/hsn0918/enterprise-kb/internal/broker"
	"github.com/hsn0918/enterprise-kb/internal/chunking"
	"github.com/hsn0918/enterprise-kb/internal/config"
	"github.com/hsn0918/enterprise-kb/internal/executor"
	"github.com/hsn0918/enterprise-kb/internal/incremental"
	"github.com/hsn0918/enterprise-kb/internal/logger"
	"github.com/hsn0918/enterprise-kb/internal/retrieval"
	"github.com/hsn0918/enterprise-kb/internal/state"
	"github.com/hsn0918/enterprise-kb/internal/storage"
	"github.com/hsn0918/enterprise-kb/internal/vectorstore"
)

const taskIncrementalUpdate = "document.incremental"

// PlanOverrides let callers pin parts of the analyzer's plan.
type PlanOverrides struct {
	ChunkSize        *int     `json:"chunk_size,omitempty"`
	ChunkOverlap     *int     `json:"chunk_overlap,omitempty"`
	ChunkingKind     *string  `json:"chunking_kind,omitempty"`
	UseParallel      *bool    `json:"use_parallel,omitempty"`
	AllowPartial     bool     `json:"allow_partial,omitempty"`
	CustomProcessors []string `json:"custom_processors,omitempty"`
}

// IngestResult reports what an ingest call decided to do.
type IngestResult struct {
	DocID  string `json:"doc_id"`
	TaskID string `json:"task_id,omitempty"`
	// Outcome reports how a re-ingest was handled: unchanged, updated,
	// or reprocessed. Empty for a first ingest.
	Outcome string `json:"outcome,omitempty"`
}

// Service wires the core components behind a single surface.
type Service struct {
	cfg       config.Config
	reader    storage.Reader
	analyzer  *analyzer.Analyzer
	state     *state.Store
	store     vectorstore.Store
	exec      *executor.Executor
	retriever *retrieval.Retriever
	inc       *incremental.Manager
	brk       broker.Broker
}

func New(
	cfg config.Config,
	reader storage.Reader,
	an *analyzer.Analyzer,
	st *state.Store,
	store vectorstore.Store,
	exec *executor.Executor,
	retriever *retrieval.Retriever,
	inc *incremental.Manager,
	brk broker.Broker,
) *Service {
	s := &Service{
		cfg:       cfg,
		reader:    reader,
		analyzer:  an,
		state:     st,
		store:     store,
		exec:      exec,
		retriever: retriever,
		inc:       inc,
		brk:       brk,
	}
	brk.Register(taskIncrementalUpdate, s.handleIncremental)
	return s
}

// Analyze inspects a document and returns the plan without ingesting.
func (s *Service) Analyze(ctx context.Context, path string) (analyzer.ProcessingPlan, error) {
	content, err := s.reader.Read(ctx, path)
	if err != nil {
		return analyzer.ProcessingPlan{}, err
	}
	_, plan, err := s.analyzer.Analyze(path, content)
	return plan, err
}

// Ingest admits a document into processing. A busy document fails with
// ErrDocumentBusy; an unchanged re-ingest short-circuits; a small delta
// runs as an incremental update; anything else goes through the full
// pipeline, parallel when the plan calls for it.
func (s *Service) Ingest(ctx context.Context, docID, path string, metadata map[string]interface{}, overrides *PlanOverrides) (*IngestResult, error) {
	lock, err := s.state.AcquireLock(ctx, docID)
	if err != nil {
		return nil, err
	}
	// The lock only guards admission; processing serialization rests on
	// the document status below.
	defer func() {
		if err := lock.Release(ctx); err != nil {
			logger.Get().Warn("lock release failed", zap.String("doc_id", docID), zap.Error(err))
		}
	}()

	existing, err := s.state.Get(ctx, docID)
	if err != nil && !errors.Is(err, state.ErrDocumentNotFound) {
		return nil, err
	}
	if existing != nil && !existing.Status.Terminal() {
		return nil, fmt.Errorf("%w: %s is %s", state.ErrDocumentBusy, docID, existing.Status)
	}

	content, err := s.reader.Read(ctx, path)
	if err != nil {
		return nil, err
	}
	features, plan, err := s.analyzer.Analyze(path, content)
	if err != nil {
		return nil, err
	}
	applyOverrides(&plan, overrides)

	// Re-ingest of a completed document goes through the incremental
	// manager first.
	outcome := ""
	if existing != nil && existing.Status == state.StatusCompleted && s.cfg.Incremental.Enabled {
		result, handled, err := s.tryIncremental(ctx, existing, content, plan, overrides)
		if err != nil {
			return nil, err
		}
		if handled {
			return result, nil
		}
		outcome = string(incremental.StatusReprocessed)
	}

	doc := &state.Document{
		ID:          docID,
		Source:      path,
		FileType:    string(features.FileType),
		Status:      state.StatusProcessing,
		ContentHash: state.HashContent(content),
		Metadata:    metadata,
	}
	if existing != nil {
		doc.CreatedAt = existing.CreatedAt
		// Carry the prior chunk count so finalize knows how many rows a
		// shrinking reprocess has to clean up.
		doc.NodeCount = existing.NodeCount
	}
	if err := s.state.Save(ctx, doc); err != nil {
		return nil, err
	}

	custom := []string(nil)
	allowPartial := false
	if overrides != nil {
		custom = overrides.CustomProcessors
		allowPartial = overrides.AllowPartial
	}
	// The executor records the task id on the document before enqueueing.
	taskID, err := s.exec.Submit(ctx, executor.DocumentPayload{
		DocID:        docID,
		Source:       path,
		Text:         string(content),
		Plan:         plan,
		Metadata:     metadata,
		Custom:       custom,
		AllowPartial: allowPartial,
	})
	if err != nil {
		_ = s.state.SetStatus(ctx, docID, state.StatusFailed, err.Error())
		return nil, err
	}
	return &IngestResult{DocID: docID, TaskID: taskID, Outcome: outcome}, nil
}

// tryIncremental plans the delta; it handles the unchanged and updated
// outcomes itself and defers reprocessing to the caller.
func (s *Service) tryIncremental(ctx context.Context, doc *state.Document, content []byte, plan analyzer.ProcessingPlan, overrides *PlanOverrides) (*IngestResult, bool, error) {
	delta, err := s.inc.Plan(doc, content, chunking.Params{
		Kind:             plan.ChunkingKind,
		ChunkSize:        plan.ChunkSize,
		ChunkOverlap:     plan.ChunkOverlap,
		Language:         plan.Language,
		RespectStructure: true,
	})
	if err != nil {
		return nil, false, err
	}

	switch delta.Status {
	case incremental.StatusUnchanged:
		logger.Get().Info("document unchanged", zap.String("doc_id", doc.ID))
		return &IngestResult{DocID: doc.ID, Outcome: string(incremental.StatusUnchanged)}, true, nil

	case incremental.StatusUpdated:
		payload, err := sonic.Marshal(incrementalPayload{
			DocID:    doc.ID,
			Delta:    delta,
			FileType: doc.FileType,
		})
		if err != nil {
			return nil, false, err
		}
		task := &broker.Task{
			ID:      uuid.NewString(),
			Name:    taskIncrementalUpdate,
			Queue:   broker.QueueIndex,
			Payload: payload,
		}
		doc.Status = state.StatusProcessing
		doc.Error = ""
		if doc.Metadata == nil {
			doc.Metadata = map[string]interface{}{}
		}
		doc.Metadata["task_id"] = task.ID
		if err := s.state.Save(ctx, doc); err != nil {
			return nil, false, err
		}
		taskID, err := s.brk.Submit(ctx, task)
		if err != nil {
			return nil, false, err
		}
		return &IngestResult{DocID: doc.ID, TaskID: taskID, Outcome: string(incremental.StatusUpdated)}, true, nil

	default:
		// Delta too large; fall through to full reprocessing.
		logger.Get().Info("delta above threshold, reprocessing",
			zap.String("doc_id", doc.ID),
			zap.Float64("delta_ratio", delta.Ratio),
		)
		return nil, false, nil
	}
}

type incrementalPayload struct {
	DocID    string             `json:"doc_id"`
	Delta    *incremental.Delta `json:"delta"`
	FileType string             `json:"file_type"`
}

func (s *Service) handleIncremental(ctx context.Context, task *broker.Task) ([]byte, error) {
	var payload incrementalPayload
	if err := sonic.Unmarshal(task.Payload, &payload); err != nil {
		return nil, fmt.Errorf("malformed incremental payload: %w", err)
	}
	doc, err := s.state.Get(ctx, payload.DocID)
	if err != nil {
		return nil, err
	}
	if err := s.inc.Apply(ctx, doc, payload.Delta, payload.FileType); err != nil {
		if task.Attempts > task.MaxRetries {
			_ = s.state.SetStatus(ctx, payload.DocID, state.StatusFailed, err.Error())
		}
		return nil, err
	}
	doc.Status = state.StatusCompleted
	doc.ContentHash = payload.Delta.FileHash
	doc.ChunkHashes = payload.Delta.NewHashes
	doc.NodeCount = len(payload.Delta.NewHashes)
	doc.Error = ""
	if err := s.state.Save(ctx, doc); err != nil {
		return nil, err
	}
	return nil, nil
}

// Status returns the document record.
func (s *Service) Status(ctx context.Context, docID string) (*state.Document, error) {
	return s.state.Get(ctx, docID)
}

// ListDocuments returns all known document ids and their statuses.
func (s *Service) ListDocuments(ctx context.Context) (map[string]state.Status, error) {
	return s.state.List(ctx)
}

// Delete removes a document's chunks and state. Busy documents must be
// canceled first.
func (s *Service) Delete(ctx context.Context, docID string) error {
	lock, err := s.state.AcquireLock(ctx, docID)
	if err != nil {
		return err
	}
	defer func() { _ = lock.Release(ctx) }()

	doc, err := s.state.Get(ctx, docID)
	if err != nil {
		return err
	}
	if !doc.Status.Terminal() {
		return fmt.Errorf("%w: %s is %s", state.ErrDocumentBusy, docID, doc.Status)
	}
	if err := s.store.DeleteByDoc(ctx, docID); err != nil {
		return err
	}
	return s.state.Delete(ctx, docID)
}

// Search runs the hybrid retriever.
func (s *Service) Search(ctx context.Context, query string, topK int, filter *vectorstore.Filter, flags retrieval.Flags) ([]retrieval.Result, error) {
	return s.retriever.Search(ctx, query, topK, filter, flags)
}

// Cancel stops processing by document id or task id. A document id
// cancels its recorded tasks and rolls back partial writes; anything
// else is treated as a bare task id.
func (s *Service) Cancel(ctx context.Context, id string) error {
	doc, err := s.state.Get(ctx, id)
	if err == nil {
		var taskIDs []string
		if raw, ok := doc.Metadata["task_id"].(string); ok && raw != "" {
			taskIDs = append(taskIDs, raw)
		}
		return s.exec.Cancel(ctx, id, taskIDs)
	}
	if !errors.Is(err, state.ErrDocumentNotFound) {
		return err
	}
	return s.brk.Cancel(ctx, id)
}

func applyOverrides(plan *analyzer.ProcessingPlan, overrides *PlanOverrides) {
	if overrides == nil {
		return
	}
	if overrides.ChunkSize != nil {
		plan.ChunkSize = *overrides.ChunkSize
	}
	if overrides.ChunkOverlap != nil {
		plan.ChunkOverlap = *overrides.ChunkOverlap
	}
	if overrides.ChunkingKind != nil {
		plan.ChunkingKind = chunking.Kind(*overrides.ChunkingKind)
	}
	if overrides.UseParallel != nil {
		plan.UseParallel = *overrides.UseParallel
	}
	if overrides.AllowPartial {
		plan.AllowPartial = true
	}
}
