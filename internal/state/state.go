// Package state tracks document lifecycle: status, chunk bookkeeping and
// the per-document processing lock.
package state

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/hsn0918/enterprise-kb/internal/logger"
)

// Document processing statuses.
type Status string

const (
	StatusPending    Status = "pending"
	StatusAnalyzing  Status = "analyzing"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusPartial    Status = "partial"
	StatusFailed     Status = "failed"
	StatusCanceled   Status = "canceled"
	StatusDeleting   Status = "deleting"
)

// Terminal reports whether no further transitions are expected.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusPartial, StatusFailed, StatusCanceled:
		return true
	}
	return false
}

var (
	// ErrDocumentBusy is returned when a document is already being
	// processed and a second mutating operation arrives.
	ErrDocumentBusy = errors.New("document is busy")

	// ErrDocumentNotFound is returned when no state exists for the id.
	ErrDocumentNotFound = errors.New("document not found")
)

// Document is the persisted per-document record.
type Document struct {
	ID          string                 `json:"id"`
	Source      string                 `json:"source"`
	FileType    string                 `json:"file_type"`
	Status      Status                 `json:"status"`
	ContentHash string                 `json:"content_hash"`
	ChunkHashes []string               `json:"chunk_hashes,omitempty"`
	NodeCount   int                    `json:"node_count"`
	Error       string                 `json:"error,omitempty"`
	Metadata    map[string]interface{} `json:"metadata,omitempty"`
	CreatedAt   time.Time              `json:"created_at"`
	UpdatedAt   time.Time              `json:"updated_at"`
}

// HashContent returns the hex sha256 of raw document bytes.
func HashContent(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// HashChunk returns the hex sha256 of a chunk's text.
func HashChunk(text string) string {
	sum := sha256.Sum256([]byte(text))
	return hex.EncodeToString(sum[:])
}

// KV is the key-value surface the store needs; the Redis client
// satisfies it.
type KV interface {
	SetJSON(ctx context.Context, key string, value interface{}, expiration time.Duration) error
	GetJSON(ctx context.Context, key string, dest interface{}) error
	SetHash(ctx context.Context, key string, fields map[string]string, expiration time.Duration) error
	GetHash(ctx context.Context, key string) (map[string]string, error)
	Delete(ctx context.Context, keys ...string) error
	SetNX(ctx context.Context, key, value string, expiration time.Duration) (bool, error)
	CompareAndDelete(ctx context.Context, key, value string) (bool, error)
}

// Store persists document records and arbitrates the per-document lock.
type Store struct {
	kv      KV
	lockTTL time.Duration
}

func NewStore(kv KV, lockTTL time.Duration) *Store {
	if lockTTL <= 0 {
		lockTTL = 15 * time.Minute
	}
	return &Store{kv: kv, lockTTL: lockTTL}
}

func docKey(id string) string  { return "docstate:" + id }
func lockKey(id string) string { return "doclock:" + id }

// Save writes the record, stamping UpdatedAt.
func (s *Store) Save(ctx context.Context, doc *Document) error {
	doc.UpdatedAt = time.Now().UTC()
	if doc.CreatedAt.IsZero() {
		doc.CreatedAt = doc.UpdatedAt
	}
	if err := s.kv.SetJSON(ctx, docKey(doc.ID), doc, 0); err != nil {
		return fmt.Errorf("failed to save document state %s: %w", doc.ID, err)
	}
	if err := s.kv.SetHash(ctx, "docindex", map[string]string{doc.ID: string(doc.Status)}, 0); err != nil {
		return fmt.Errorf("failed to index document %s: %w", doc.ID, err)
	}
	return nil
}

// Get loads the record for id.
func (s *Store) Get(ctx context.Context, id string) (*Document, error) {
	var doc Document
	if err := s.kv.GetJSON(ctx, docKey(id), &doc); err != nil {
		return nil, fmt.Errorf("failed to load document state %s: %w", id, err)
	}
	if doc.ID == "" {
		return nil, fmt.Errorf("%w: %s", ErrDocumentNotFound, id)
	}
	return &doc, nil
}

// List returns all known document ids with their last indexed status.
func (s *Store) List(ctx context.Context) (map[string]Status, error) {
	raw, err := s.kv.GetHash(ctx, "docindex")
	if err != nil {
		return nil, fmt.Errorf("failed to list documents: %w", err)
	}
	out := make(map[string]Status, len(raw))
	for id, status := range raw {
		out[id] = Status(status)
	}
	return out, nil
}

// SetStatus transitions the document and optionally records an error.
func (s *Store) SetStatus(ctx context.Context, id string, status Status, errMsg string) error {
	doc, err := s.Get(ctx, id)
	if err != nil {
		return err
	}
	doc.Status = status
	doc.Error = errMsg
	return s.Save(ctx, doc)
}

// Delete removes the record and its index entry.
func (s *Store) Delete(ctx context.Context, id string) error {
	if err := s.kv.Delete(ctx, docKey(id)); err != nil {
		return fmt.Errorf("failed to delete document state %s: %w", id, err)
	}
	// Index entry is best effort; a stale entry resolves on next List.
	if err := s.kv.SetHash(ctx, "docindex", map[string]string{id: string(StatusDeleting)}, 0); err != nil {
		logger.Get().Warn("failed to update document index", zap.String("doc_id", id), zap.Error(err))
	}
	return nil
}

// Lock holds a per-document mutation lock. Release compares the fencing
// token so an expired lock never releases a newer owner's.
type Lock struct {
	store *Store
	docID string
	token string
}

// AcquireLock takes the per-document lock or fails with ErrDocumentBusy.
func (s *Store) AcquireLock(ctx context.Context, docID string) (*Lock, error) {
	token := uuid.NewString()
	ok, err := s.kv.SetNX(ctx, lockKey(docID), token, s.lockTTL)
	if err != nil {
		return nil, fmt.Errorf("failed to acquire lock for %s: %w", docID, err)
	}
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrDocumentBusy, docID)
	}
	return &Lock{store: s, docID: docID, token: token}, nil
}

// Release frees the lock if this holder still owns it.
func (l *Lock) Release(ctx context.Context) error {
	ok, err := l.store.kv.CompareAndDelete(ctx, lockKey(l.docID), l.token)
	if err != nil {
		return fmt.Errorf("failed to release lock for %s: %w", l.docID, err)
	}
	if !ok {
		logger.Get().Warn("lock already expired or taken over", zap.String("doc_id", l.docID))
	}
	return nil
}
