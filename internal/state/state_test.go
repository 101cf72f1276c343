package state_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/bytedance/sonic"

	"github.com/hsn0918/enterprise-kb/internal/state"
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

func TestSaveAndGetRoundtrip(t *testing.T) {
	ctx := context.Background()
	st := state.NewStore(newMemKV(), time.Minute)

	doc := &state.Document{
		ID:          "doc-1",
		Source:      "reports/q3.md",
		FileType:    "md",
		Status:      state.StatusProcessing,
		ContentHash: state.HashContent([]byte("body")),
		Metadata:    map[string]interface{}{"team": "finance"},
	}
	if err := st.Save(ctx, doc); err != nil {
		t.Fatalf("Save() error = %v", err)
	}
	if doc.CreatedAt.IsZero() || doc.UpdatedAt.IsZero() {
		t.Error("timestamps not stamped on save")
	}

	got, err := st.Get(ctx, "doc-1")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if got.Source != doc.Source || got.Status != state.StatusProcessing {
		t.Errorf("roundtrip mismatch: %+v", got)
	}
	if got.ContentHash != doc.ContentHash {
		t.Errorf("content hash = %s, want %s", got.ContentHash, doc.ContentHash)
	}
	if got.Metadata["team"] != "finance" {
		t.Errorf("metadata = %v", got.Metadata)
	}
}

func TestGetMissingDocument(t *testing.T) {
	st := state.NewStore(newMemKV(), time.Minute)
	_, err := st.Get(context.Background(), "ghost")
	if !errors.Is(err, state.ErrDocumentNotFound) {
		t.Errorf("Get() error = %v, want ErrDocumentNotFound", err)
	}
}

func TestListTracksStatuses(t *testing.T) {
	ctx := context.Background()
	st := state.NewStore(newMemKV(), time.Minute)

	for id, status := range map[string]state.Status{
		"a": state.StatusCompleted,
		"b": state.StatusFailed,
	} {
		if err := st.Save(ctx, &state.Document{ID: id, Status: status}); err != nil {
			t.Fatalf("Save(%s) error = %v", id, err)
		}
	}

	listing, err := st.List(ctx)
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	if listing["a"] != state.StatusCompleted || listing["b"] != state.StatusFailed {
		t.Errorf("listing = %v", listing)
	}
}

func TestSetStatusRecordsError(t *testing.T) {
	ctx := context.Background()
	st := state.NewStore(newMemKV(), time.Minute)
	if err := st.Save(ctx, &state.Document{ID: "doc-1", Status: state.StatusProcessing}); err != nil {
		t.Fatalf("Save() error = %v", err)
	}
	if err := st.SetStatus(ctx, "doc-1", state.StatusFailed, "embedding backend down"); err != nil {
		t.Fatalf("SetStatus() error = %v", err)
	}
	doc, err := st.Get(ctx, "doc-1")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if doc.Status != state.StatusFailed || doc.Error != "embedding backend down" {
		t.Errorf("doc = %+v", doc)
	}
}

func TestAcquireLockExcludesSecondHolder(t *testing.T) {
	ctx := context.Background()
	st := state.NewStore(newMemKV(), time.Minute)

	lock, err := st.AcquireLock(ctx, "doc-1")
	if err != nil {
		t.Fatalf("AcquireLock() error = %v", err)
	}
	if _, err := st.AcquireLock(ctx, "doc-1"); !errors.Is(err, state.ErrDocumentBusy) {
		t.Errorf("second AcquireLock() error = %v, want ErrDocumentBusy", err)
	}
	// Another document is unaffected.
	other, err := st.AcquireLock(ctx, "doc-2")
	if err != nil {
		t.Fatalf("AcquireLock(doc-2) error = %v", err)
	}
	_ = other.Release(ctx)

	if err := lock.Release(ctx); err != nil {
		t.Fatalf("Release() error = %v", err)
	}
	relock, err := st.AcquireLock(ctx, "doc-1")
	if err != nil {
		t.Fatalf("reacquire after release error = %v", err)
	}
	_ = relock.Release(ctx)
}

func TestStatusTerminal(t *testing.T) {
	terminal := []state.Status{
		state.StatusCompleted, state.StatusPartial, state.StatusFailed, state.StatusCanceled,
	}
	for _, s := range terminal {
		if !s.Terminal() {
			t.Errorf("%s should be terminal", s)
		}
	}
	live := []state.Status{
		state.StatusPending, state.StatusAnalyzing, state.StatusProcessing, state.StatusDeleting,
	}
	for _, s := range live {
		if s.Terminal() {
			t.Errorf("%s should not be terminal", s)
		}
	}
}
