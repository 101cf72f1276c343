package executor_test

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
	"github.com/hsn0918/enterprise-kb/internal/chunking"
	"github.com/hsn0918/enterprise-kb/internal/config"
	"github.com/hsn0918/enterprise-kb/internal/executor"
	"github.com/hsn0918/enterprise-kb/internal/pipeline"
	"github.com/hsn0918/enterprise-kb/internal/state"
	"github.com/hsn0918/enterprise-kb/internal/vectorstore"
)

// memKV is an in-memory stand-in for the Redis client behind the state
// store.
type memKV struct {
	mu   sync.Mutex
	data map[string]string
	hash map[string]map[string]string
}

func newMemKV() *memKV {
	return &memKV{data: map[string]string{}, hash: map[string]map[string]string{}}
}

func (m *memKV) SetJSON(ctx context.Context, key string, value interface{}, _ time.Duration) error {
	raw, err := sonic.Marshal(value)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data[key] = string(raw)
	return nil
}

func (m *memKV) GetJSON(ctx context.Context, key string, dest interface{}) error {
	m.mu.Lock()
	raw, ok := m.data[key]
	m.mu.Unlock()
	if !ok {
		return nil
	}
	return sonic.Unmarshal([]byte(raw), dest)
}

func (m *memKV) SetHash(ctx context.Context, key string, fields map[string]string, _ time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.hash[key] == nil {
		m.hash[key] = map[string]string{}
	}
	for k, v := range fields {
		m.hash[key][k] = v
	}
	return nil
}

func (m *memKV) GetHash(ctx context.Context, key string) (map[string]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := map[string]string{}
	for k, v := range m.hash[key] {
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
	m.data[key] = value
	return true, nil
}

func (m *memKV) CompareAndDelete(ctx context.Context, key, value string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.data[key] != value {
		return false, nil
	}
	delete(m.data, key)
	return true, nil
}

// memStore is an in-memory vector store tracking nodes by chunk id.
type memStore struct {
	vectorstore.Store
	mu    sync.Mutex
	nodes map[string]vectorstore.Node
}

func newMemStore() *memStore { return &memStore{nodes: map[string]vectorstore.Node{}} }

func (m *memStore) Upsert(ctx context.Context, nodes []vectorstore.Node) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, n := range nodes {
		m.nodes[n.ChunkID] = n
	}
	return nil
}

func (m *memStore) DeleteByIDs(ctx context.Context, ids []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, id := range ids {
		delete(m.nodes, id)
	}
	return nil
}

func (m *memStore) DeleteByDoc(ctx context.Context, docID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, n := range m.nodes {
		if n.DocID == docID {
			delete(m.nodes, id)
		}
	}
	return nil
}

func (m *memStore) docNodes(docID string) []vectorstore.Node {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []vectorstore.Node
	for _, n := range m.nodes {
		if n.DocID == docID {
			out = append(out, n)
		}
	}
	return out
}

// poisonEmbedder fails any batch containing the poison marker.
type poisonEmbedder struct{}

func (poisonEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, text := range texts {
		if strings.Contains(text, "POISON") {
			return nil, errors.New("embedding service rejected input")
		}
		out[i] = []float32{float32(len(text)), 1, 2}
	}
	return out, nil
}

func (poisonEmbedder) Dimension() int { return 3 }

type harness struct {
	exec  *executor.Executor
	brk   *broker.MemoryBroker
	store *memStore
	state *state.Store
}

func newHarness(t *testing.T) *harness {
	t.Helper()

	cfg := config.Config{}
	cfg.Parallel.ChunkSize = 300
	cfg.Embedding.BatchMax = 8

	brk := broker.NewMemoryBroker(broker.Options{TaskTimeLimit: 10 * time.Second, MaxRetries: 0})
	store := newMemStore()
	st := state.NewStore(newMemKV(), time.Minute)
	engine := pipeline.NewEngine(pipeline.Deps{
		Embedder: poisonEmbedder{},
		Store:    store,
		State:    st,
		BatchMax: cfg.Embedding.BatchMax,
	})
	exec := executor.New(cfg, brk, engine, poisonEmbedder{}, store, st)
	exec.RegisterHandlers()

	if err := brk.Start(context.Background(), 4); err != nil {
		t.Fatalf("broker start: %v", err)
	}
	t.Cleanup(func() { brk.Close() })
	return &harness{exec: exec, brk: brk, store: store, state: st}
}

func testPlan() analyzer.ProcessingPlan {
	return analyzer.ProcessingPlan{
		FileType:        analyzer.FileTypeTxt,
		ChunkingKind:    chunking.KindSentence,
		ChunkSize:       100,
		ChunkOverlap:    0,
		Language:        chunking.LangEnglish,
		UseParallel:     true,
		SegmentStrategy: chunking.StrategySentence,
	}
}

func seedDoc(t *testing.T, h *harness, docID string) {
	t.Helper()
	err := h.state.Save(context.Background(), &state.Document{
		ID:     docID,
		Status: state.StatusProcessing,
	})
	if err != nil {
		t.Fatalf("seed doc: %v", err)
	}
}

func waitTerminal(t *testing.T, h *harness, docID string) *state.Document {
	t.Helper()
	deadline := time.Now().Add(15 * time.Second)
	for time.Now().Before(deadline) {
		doc, err := h.state.Get(context.Background(), docID)
		if err == nil && doc.Status.Terminal() {
			return doc
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatal("document never reached a terminal state")
	return nil
}

func TestExecutor_ParallelIngestContiguous(t *testing.T) {
	h := newHarness(t)
	seedDoc(t, h, "doc-par")

	var b strings.Builder
	for i := 0; i < 40; i++ {
		fmt.Fprintf(&b, "Sentence number %02d is right here. ", i)
	}

	groupID, err := h.exec.Submit(context.Background(), executor.DocumentPayload{
		DocID: "doc-par",
		Text:  b.String(),
		Plan:  testPlan(),
	})
	if err != nil {
		t.Fatalf("Submit() error = %v", err)
	}
	if groupID == "" {
		t.Fatal("no group id returned")
	}

	doc := waitTerminal(t, h, "doc-par")
	if doc.Status != state.StatusCompleted {
		t.Fatalf("status = %s (%s), want completed", doc.Status, doc.Error)
	}

	nodes := h.store.docNodes("doc-par")
	if len(nodes) != doc.NodeCount {
		t.Errorf("store has %d nodes, state says %d", len(nodes), doc.NodeCount)
	}
	if len(doc.ChunkHashes) != doc.NodeCount {
		t.Errorf("chunk hashes = %d, want %d", len(doc.ChunkHashes), doc.NodeCount)
	}

	// Ordinals must cover [0, node_count) with no gaps and match the
	// deterministic chunk id scheme.
	seen := make(map[int]bool)
	for _, n := range nodes {
		if n.ChunkID != vectorstore.ChunkIDFor("doc-par", n.Ordinal) {
			t.Errorf("chunk id %s does not encode ordinal %d", n.ChunkID, n.Ordinal)
		}
		if seen[n.Ordinal] {
			t.Errorf("duplicate ordinal %d", n.Ordinal)
		}
		seen[n.Ordinal] = true
	}
	for i := 0; i < doc.NodeCount; i++ {
		if !seen[i] {
			t.Errorf("ordinal gap at %d", i)
		}
	}

	records, err := h.brk.GroupRecords(context.Background(), groupID)
	if err != nil {
		t.Fatalf("GroupRecords() error = %v", err)
	}
	if len(records) < 2 {
		t.Errorf("expected multiple segment tasks, got %d", len(records))
	}
}

func TestExecutor_SegmentFailureRollsBack(t *testing.T) {
	h := newHarness(t)
	seedDoc(t, h, "doc-fail")

	var b strings.Builder
	for i := 0; i < 40; i++ {
		if i == 25 {
			b.WriteString("This sentence carries the POISON marker inside. ")
			continue
		}
		fmt.Fprintf(&b, "Sentence number %02d is right here. ", i)
	}

	_, err := h.exec.Submit(context.Background(), executor.DocumentPayload{
		DocID: "doc-fail",
		Text:  b.String(),
		Plan:  testPlan(),
	})
	if err != nil {
		t.Fatalf("Submit() error = %v", err)
	}

	doc := waitTerminal(t, h, "doc-fail")
	if doc.Status != state.StatusFailed {
		t.Fatalf("status = %s, want failed", doc.Status)
	}
	if doc.Error == "" {
		t.Error("failure reason not recorded")
	}
	if nodes := h.store.docNodes("doc-fail"); len(nodes) != 0 {
		t.Errorf("rollback left %d nodes in the index", len(nodes))
	}
}

func TestExecutor_SegmentFailureAllowPartial(t *testing.T) {
	h := newHarness(t)
	seedDoc(t, h, "doc-part")

	var b strings.Builder
	for i := 0; i < 40; i++ {
		if i == 25 {
			b.WriteString("This sentence carries the POISON marker inside. ")
			continue
		}
		fmt.Fprintf(&b, "Sentence number %02d is right here. ", i)
	}

	_, err := h.exec.Submit(context.Background(), executor.DocumentPayload{
		DocID:        "doc-part",
		Text:         b.String(),
		Plan:         testPlan(),
		AllowPartial: true,
	})
	if err != nil {
		t.Fatalf("Submit() error = %v", err)
	}

	doc := waitTerminal(t, h, "doc-part")
	if doc.Status != state.StatusPartial {
		t.Fatalf("status = %s, want partial", doc.Status)
	}
	nodes := h.store.docNodes("doc-part")
	if len(nodes) == 0 {
		t.Error("partial completion kept no nodes")
	}
	if len(nodes) != doc.NodeCount {
		t.Errorf("store has %d nodes, state says %d", len(nodes), doc.NodeCount)
	}
	if doc.Metadata["segment_gaps"] == nil {
		t.Error("gap count not recorded")
	}
}

func TestExecutor_CancelRemovesPartialWrites(t *testing.T) {
	h := newHarness(t)
	seedDoc(t, h, "doc-cancel")

	// Simulate segments having written some chunks already.
	err := h.store.Upsert(context.Background(), []vectorstore.Node{
		{ChunkID: vectorstore.ChunkIDFor("doc-cancel", 0), DocID: "doc-cancel", Ordinal: 0, Text: "first"},
		{ChunkID: vectorstore.ChunkIDFor("doc-cancel", 1), DocID: "doc-cancel", Ordinal: 1, Text: "second"},
	})
	if err != nil {
		t.Fatalf("Upsert() error = %v", err)
	}

	if err := h.exec.Cancel(context.Background(), "doc-cancel", nil); err != nil {
		t.Fatalf("Cancel() error = %v", err)
	}

	doc, err := h.state.Get(context.Background(), "doc-cancel")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if doc.Status != state.StatusCanceled {
		t.Errorf("status = %s, want canceled", doc.Status)
	}
	if nodes := h.store.docNodes("doc-cancel"); len(nodes) != 0 {
		t.Errorf("cancellation left %d nodes in the index", len(nodes))
	}
}

func TestExecutor_InlineDocument(t *testing.T) {
	h := newHarness(t)
	seedDoc(t, h, "doc-inline")

	plan := testPlan()
	plan.UseParallel = false

	taskID, err := h.exec.Submit(context.Background(), executor.DocumentPayload{
		DocID: "doc-inline",
		Text:  "One short sentence. Another short sentence. A third one closes it.",
		Plan:  plan,
	})
	if err != nil {
		t.Fatalf("Submit() error = %v", err)
	}
	rec, err := h.brk.Wait(context.Background(), taskID, 10*time.Second)
	if err != nil {
		t.Fatalf("Wait() error = %v", err)
	}
	if rec.State != broker.StateSucceeded {
		t.Fatalf("task state = %s (%s)", rec.State, rec.Error)
	}

	doc := waitTerminal(t, h, "doc-inline")
	if doc.Status != state.StatusCompleted {
		t.Fatalf("status = %s, want completed", doc.Status)
	}
	if doc.NodeCount == 0 || doc.NodeCount != len(h.store.docNodes("doc-inline")) {
		t.Errorf("node_count %d inconsistent with store", doc.NodeCount)
	}
}

func TestExecutor_CancelStopsChordMembers(t *testing.T) {
	h := newHarness(t)
	seedDoc(t, h, "doc-chord")

	started := make(chan struct{}, 2)
	h.brk.Register("hold", func(ctx context.Context, task *broker.Task) ([]byte, error) {
		started <- struct{}{}
		<-ctx.Done()
		return nil, ctx.Err()
	})
	callback := &broker.Task{Name: "afterhold"}
	h.brk.Register("afterhold", func(ctx context.Context, task *broker.Task) ([]byte, error) {
		t.Error("callback ran despite cancellation")
		return nil, nil
	})

	chordID, err := h.brk.Chord(context.Background(), []*broker.Task{{Name: "hold"}, {Name: "hold"}}, callback)
	if err != nil {
		t.Fatalf("Chord() error = %v", err)
	}
	<-started
	<-started

	// Callers track the chord id, not the member ids; Cancel must still
	// reach the running members.
	if err := h.exec.Cancel(context.Background(), "doc-chord", []string{chordID}); err != nil {
		t.Fatalf("Cancel() error = %v", err)
	}

	records, err := h.brk.GroupRecords(context.Background(), chordID)
	if err != nil {
		t.Fatalf("GroupRecords() error = %v", err)
	}
	for _, rec := range records {
		got, err := h.brk.Wait(context.Background(), rec.TaskID, 5*time.Second)
		if err != nil {
			t.Fatalf("Wait(%s) error = %v", rec.TaskID, err)
		}
		if got.State != broker.StateCanceled {
			t.Errorf("member %s state = %s, want canceled", rec.TaskID, got.State)
		}
	}

	cb, err := h.brk.Wait(context.Background(), callback.ID, 5*time.Second)
	if err != nil {
		t.Fatalf("Wait(callback) error = %v", err)
	}
	if cb.State != broker.StateFailed {
		t.Errorf("callback state = %s, want failed", cb.State)
	}

	doc, err := h.state.Get(context.Background(), "doc-chord")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if doc.Status != state.StatusCanceled {
		t.Errorf("status = %s, want canceled", doc.Status)
	}
}

func TestExecutor_ParallelReprocessDropsStale(t *testing.T) {
	h := newHarness(t)

	// A previous run left nine chunks behind.
	err := h.state.Save(context.Background(), &state.Document{
		ID:        "doc-shrink",
		Status:    state.StatusProcessing,
		NodeCount: 9,
	})
	if err != nil {
		t.Fatalf("seed doc: %v", err)
	}
	var old []vectorstore.Node
	for i := 0; i < 9; i++ {
		old = append(old, vectorstore.Node{
			ChunkID: vectorstore.ChunkIDFor("doc-shrink", i),
			DocID:   "doc-shrink",
			Ordinal: i,
			Text:    fmt.Sprintf("stale chunk %d", i),
		})
	}
	if err := h.store.Upsert(context.Background(), old); err != nil {
		t.Fatalf("Upsert() error = %v", err)
	}

	_, err = h.exec.Submit(context.Background(), executor.DocumentPayload{
		DocID: "doc-shrink",
		Text:  "A single short sentence. One more to keep it company.",
		Plan:  testPlan(),
	})
	if err != nil {
		t.Fatalf("Submit() error = %v", err)
	}

	doc := waitTerminal(t, h, "doc-shrink")
	if doc.Status != state.StatusCompleted {
		t.Fatalf("status = %s (%s), want completed", doc.Status, doc.Error)
	}
	if doc.NodeCount >= 9 {
		t.Fatalf("node_count = %d, want a shrink below 9", doc.NodeCount)
	}

	nodes := h.store.docNodes("doc-shrink")
	if len(nodes) != doc.NodeCount {
		t.Errorf("store has %d nodes, state says %d", len(nodes), doc.NodeCount)
	}
	for _, n := range nodes {
		if n.Ordinal >= doc.NodeCount {
			t.Errorf("stale chunk survived at ordinal %d", n.Ordinal)
		}
	}
}
