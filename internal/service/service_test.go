package service_test

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/bytedance/sonic"

	"github.com/hsn0918/enterprise-kb/internal/analyzer"
	"github.com/hsn0918/enterprise-kb/internal/broker"
	"github.com/hsn0918/enterprise-kb/internal/config"
	"github.com/hsn0918/enterprise-kb/internal/executor"
	"github.com/hsn0918/enterprise-kb/internal/incremental"
	"github.com/hsn0918/enterprise-kb/internal/pipeline"
	"github.com/hsn0918/enterprise-kb/internal/retrieval"
	"github.com/hsn0918/enterprise-kb/internal/service"
	"github.com/hsn0918/enterprise-kb/internal/state"
	"github.com/hsn0918/enterprise-kb/internal/vectorstore"
)

type memKV struct {
	mu     sync.Mutex
	data   map[string][]byte
	hashes map[string]map[string]string
}

func newMemKV() *memKV {
	return &memKV{data: make(map[string][]byte), hashes: make(map[string]map[string]string)}
}

func (m *memKV) SetJSON(ctx context.Context, key string, value interface{}, _ time.Duration) error {
	raw, err := sonic.Marshal(value)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data[key] = raw
	return nil
}

func (m *memKV) GetJSON(ctx context.Context, key string, dest interface{}) error {
	m.mu.Lock()
	raw, ok := m.data[key]
	m.mu.Unlock()
	if !ok {
		return nil
	}
	return sonic.Unmarshal(raw, dest)
}

func (m *memKV) SetHash(ctx context.Context, key string, fields map[string]string, _ time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	h, ok := m.hashes[key]
	if !ok {
		h = make(map[string]string)
		m.hashes[key] = h
	}
	for k, v := range fields {
		h[k] = v
	}
	return nil
}

func (m *memKV) GetHash(ctx context.Context, key string) (map[string]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]string, len(m.hashes[key]))
	for k, v := range m.hashes[key] {
		out[k] = v
	}
	return out, nil
}

func (m *memKV) Delete(ctx context.Context, keys ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, k := range keys {
		delete(m.data, k)
	}
	return nil
}

func (m *memKV) SetNX(ctx context.Context, key, value string, _ time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.data[key]; ok {
		return false, nil
	}
	m.data[key] = []byte(value)
	return true, nil
}

func (m *memKV) CompareAndDelete(ctx context.Context, key, value string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if string(m.data[key]) != value {
		return false, nil
	}
	delete(m.data, key)
	return true, nil
}

type memStore struct {
	mu    sync.Mutex
	nodes map[string]vectorstore.Node
}

func newMemStore() *memStore { return &memStore{nodes: make(map[string]vectorstore.Node)} }

func (s *memStore) EnsureCollection(ctx context.Context, name string, dim int) error { return nil }

func (s *memStore) Upsert(ctx context.Context, nodes []vectorstore.Node) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, n := range nodes {
		s.nodes[n.ChunkID] = n
	}
	return nil
}

func (s *memStore) DeleteByDoc(ctx context.Context, docID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, n := range s.nodes {
		if n.DocID == docID {
			delete(s.nodes, id)
		}
	}
	return nil
}

func (s *memStore) DeleteByIDs(ctx context.Context, chunkIDs []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range chunkIDs {
		delete(s.nodes, id)
	}
	return nil
}

func (s *memStore) VectorSearch(ctx context.Context, vector []float32, k int, filter *vectorstore.Filter) ([]vectorstore.SearchHit, error) {
	return nil, nil
}

func (s *memStore) LexicalSearch(ctx context.Context, query string, k int, filter *vectorstore.Filter) ([]vectorstore.SearchHit, error) {
	return nil, nil
}

func (s *memStore) CountByDoc(ctx context.Context, docID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	count := 0
	for _, n := range s.nodes {
		if n.DocID == docID {
			count++
		}
	}
	return count, nil
}

type stubEmbedder struct{}

func (stubEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i := range texts {
		out[i] = []float32{1, 0, 0}
	}
	return out, nil
}

func (stubEmbedder) Dimension() int { return 3 }

type fakeReader struct {
	mu    sync.Mutex
	files map[string][]byte
}

func (r *fakeReader) put(path string, content []byte) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.files[path] = content
}

func (r *fakeReader) Read(ctx context.Context, path string) ([]byte, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	content, ok := r.files[path]
	if !ok {
		return nil, fmt.Errorf("no such file: %s", path)
	}
	return content, nil
}

type harness struct {
	svc    *service.Service
	state  *state.Store
	store  *memStore
	reader *fakeReader
	brk    *broker.MemoryBroker
}

func newHarness(t *testing.T) *harness {
	t.Helper()

	cfg := config.Config{}
	cfg.Chunking.ChunkSize = 64
	cfg.Chunking.ChunkOverlap = 0
	cfg.Embedding.BatchMax = 8
	cfg.Incremental.Enabled = true
	cfg.Incremental.ForceReprocessThreshold = 0.5

	emb := stubEmbedder{}
	store := newMemStore()
	st := state.NewStore(newMemKV(), time.Minute)
	reader := &fakeReader{files: make(map[string][]byte)}

	brk := broker.NewMemoryBroker(broker.Options{TaskTimeLimit: 5 * time.Second, MaxRetries: 0})
	engine := pipeline.NewEngine(pipeline.Deps{Embedder: emb, Store: store, State: st, BatchMax: 8})
	exec := executor.New(cfg, brk, engine, emb, store, st)
	exec.RegisterHandlers()
	ret := retrieval.New(emb, store, nil, retrieval.Options{})
	inc := incremental.NewManager(cfg.Incremental.ForceReprocessThreshold, emb, store, 8)
	svc := service.New(cfg, reader, analyzer.New(cfg), st, store, exec, ret, inc, brk)

	if err := brk.Start(context.Background(), 4); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	t.Cleanup(func() { brk.Close() })

	return &harness{svc: svc, state: st, store: store, reader: reader, brk: brk}
}

func paragraphs(n int, edit map[int]string) []byte {
	parts := make([]string, 0, n)
	for i := 0; i < n; i++ {
		text := fmt.Sprintf("Paragraph %02d keeps a steady amount of prose.", i)
		if replacement, ok := edit[i]; ok {
			text = replacement
		}
		parts = append(parts, text)
	}
	return []byte(strings.Join(parts, "\n\n"))
}

func pinnedOverrides() *service.PlanOverrides {
	kind := "paragraph"
	return &service.PlanOverrides{ChunkingKind: &kind}
}

func (h *harness) waitStatus(t *testing.T, docID string, want state.Status) *state.Document {
	t.Helper()
	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		doc, err := h.state.Get(context.Background(), docID)
		if err == nil && doc.Status == want {
			return doc
		}
		time.Sleep(20 * time.Millisecond)
	}
	doc, err := h.state.Get(context.Background(), docID)
	t.Fatalf("document %s never reached %s (last: %+v, err=%v)", docID, want, doc, err)
	return nil
}

func TestIngest_FullThenUnchanged(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.reader.put("docs/a.txt", paragraphs(6, nil))

	res, err := h.svc.Ingest(ctx, "doc-1", "docs/a.txt", nil, pinnedOverrides())
	if err != nil {
		t.Fatalf("Ingest() error = %v", err)
	}
	if res.TaskID == "" || res.Outcome != "" {
		t.Fatalf("first ingest result = %+v, want a submitted task", res)
	}
	if _, err := h.brk.Wait(ctx, res.TaskID, 10*time.Second); err != nil {
		t.Fatalf("Wait() error = %v", err)
	}
	doc := h.waitStatus(t, "doc-1", state.StatusCompleted)
	if doc.NodeCount != 6 {
		t.Errorf("node count = %d, want 6", doc.NodeCount)
	}
	if doc.Metadata["task_id"] != res.TaskID {
		t.Errorf("task id not recorded on document: %v", doc.Metadata)
	}
	if count, _ := h.store.CountByDoc(ctx, "doc-1"); count != 6 {
		t.Errorf("indexed chunks = %d, want 6", count)
	}

	again, err := h.svc.Ingest(ctx, "doc-1", "docs/a.txt", nil, pinnedOverrides())
	if err != nil {
		t.Fatalf("re-Ingest() error = %v", err)
	}
	if again.Outcome != "unchanged" {
		t.Errorf("outcome = %q, want unchanged", again.Outcome)
	}
	if again.TaskID != "" {
		t.Errorf("unchanged re-ingest submitted task %s", again.TaskID)
	}
}

func TestIngest_BusyDocumentRejected(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.reader.put("docs/a.txt", paragraphs(3, nil))

	if err := h.state.Save(ctx, &state.Document{ID: "doc-1", Status: state.StatusProcessing}); err != nil {
		t.Fatalf("Save() error = %v", err)
	}
	_, err := h.svc.Ingest(ctx, "doc-1", "docs/a.txt", nil, pinnedOverrides())
	if !errors.Is(err, state.ErrDocumentBusy) {
		t.Errorf("Ingest() error = %v, want ErrDocumentBusy", err)
	}
}

func TestIngest_SmallEditRunsIncremental(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.reader.put("docs/a.txt", paragraphs(6, nil))

	res, err := h.svc.Ingest(ctx, "doc-1", "docs/a.txt", nil, pinnedOverrides())
	if err != nil {
		t.Fatalf("Ingest() error = %v", err)
	}
	if _, err := h.brk.Wait(ctx, res.TaskID, 10*time.Second); err != nil {
		t.Fatalf("Wait() error = %v", err)
	}
	h.waitStatus(t, "doc-1", state.StatusCompleted)

	edited := paragraphs(6, map[int]string{2: "Paragraph 02 was rewritten in place."})
	h.reader.put("docs/a.txt", edited)

	res, err = h.svc.Ingest(ctx, "doc-1", "docs/a.txt", nil, pinnedOverrides())
	if err != nil {
		t.Fatalf("incremental Ingest() error = %v", err)
	}
	if res.Outcome != "updated" {
		t.Fatalf("outcome = %q, want updated", res.Outcome)
	}
	if res.TaskID == "" {
		t.Fatal("incremental ingest did not submit a task")
	}
	rec, err := h.brk.Wait(ctx, res.TaskID, 10*time.Second)
	if err != nil {
		t.Fatalf("Wait() error = %v", err)
	}
	if rec.State != broker.StateSucceeded {
		t.Fatalf("incremental task state = %s: %s", rec.State, rec.Error)
	}

	doc := h.waitStatus(t, "doc-1", state.StatusCompleted)
	if doc.ContentHash != state.HashContent(edited) {
		t.Error("content hash not advanced to the edited document")
	}
	if doc.NodeCount != 6 {
		t.Errorf("node count = %d, want 6", doc.NodeCount)
	}
	if count, _ := h.store.CountByDoc(ctx, "doc-1"); count != 6 {
		t.Errorf("indexed chunks = %d, want 6", count)
	}
}

func TestDelete_RemovesChunksAndState(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.reader.put("docs/a.txt", paragraphs(4, nil))

	res, err := h.svc.Ingest(ctx, "doc-1", "docs/a.txt", nil, pinnedOverrides())
	if err != nil {
		t.Fatalf("Ingest() error = %v", err)
	}
	if _, err := h.brk.Wait(ctx, res.TaskID, 10*time.Second); err != nil {
		t.Fatalf("Wait() error = %v", err)
	}
	h.waitStatus(t, "doc-1", state.StatusCompleted)

	if err := h.svc.Delete(ctx, "doc-1"); err != nil {
		t.Fatalf("Delete() error = %v", err)
	}
	if count, _ := h.store.CountByDoc(ctx, "doc-1"); count != 0 {
		t.Errorf("chunks left after delete: %d", count)
	}
	if _, err := h.svc.Status(ctx, "doc-1"); !errors.Is(err, state.ErrDocumentNotFound) {
		t.Errorf("Status() after delete error = %v, want ErrDocumentNotFound", err)
	}
}

func TestDelete_BusyDocumentRejected(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	if err := h.state.Save(ctx, &state.Document{ID: "doc-1", Status: state.StatusProcessing}); err != nil {
		t.Fatalf("Save() error = %v", err)
	}
	if err := h.svc.Delete(ctx, "doc-1"); !errors.Is(err, state.ErrDocumentBusy) {
		t.Errorf("Delete() error = %v, want ErrDocumentBusy", err)
	}
}

func TestIngest_ReprocessDropsStaleChunks(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.reader.put("docs/a.txt", paragraphs(6, nil))

	res, err := h.svc.Ingest(ctx, "doc-1", "docs/a.txt", nil, pinnedOverrides())
	if err != nil {
		t.Fatalf("Ingest() error = %v", err)
	}
	if _, err := h.brk.Wait(ctx, res.TaskID, 10*time.Second); err != nil {
		t.Fatalf("Wait() error = %v", err)
	}
	h.waitStatus(t, "doc-1", state.StatusCompleted)

	// Replace the whole document with something much shorter, pushing
	// the delta past the reprocess threshold.
	rewritten := []byte("A completely different opening paragraph.\n\nAnd a different closing one.")
	h.reader.put("docs/a.txt", rewritten)

	res, err = h.svc.Ingest(ctx, "doc-1", "docs/a.txt", nil, pinnedOverrides())
	if err != nil {
		t.Fatalf("reprocess Ingest() error = %v", err)
	}
	if res.Outcome != "reprocessed" {
		t.Fatalf("outcome = %q, want reprocessed", res.Outcome)
	}
	if _, err := h.brk.Wait(ctx, res.TaskID, 10*time.Second); err != nil {
		t.Fatalf("Wait() error = %v", err)
	}

	doc := h.waitStatus(t, "doc-1", state.StatusCompleted)
	if doc.NodeCount != 2 {
		t.Errorf("node count = %d, want 2", doc.NodeCount)
	}
	if doc.ContentHash != state.HashContent(rewritten) {
		t.Error("content hash not advanced to the rewritten document")
	}
	// The four chunks beyond the new count must be gone from the index.
	if count, _ := h.store.CountByDoc(ctx, "doc-1"); count != 2 {
		t.Errorf("indexed chunks = %d, want 2", count)
	}
}
