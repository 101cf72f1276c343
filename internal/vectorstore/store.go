// Package vectorstore persists chunks with their embeddings and serves
// dense and lexical search over them.
package vectorstore

import (
	"context"
	"errors"
	"fmt"
)

var (
	// ErrUnsupportedFilter is returned for filter operators outside the
	// shared eq/in subset; the store refuses rather than approximates.
	ErrUnsupportedFilter = errors.New("unsupported filter operator")
)

// Node is a chunk as persisted in the vector store.
type Node struct {
	ChunkID     string                 `json:"chunk_id"`
	DocID       string                 `json:"doc_id"`
	Ordinal     int                    `json:"ordinal"`
	Text        string                 `json:"text"`
	Embedding   []float32              `json:"embedding"`
	Metadata    map[string]interface{} `json:"metadata,omitempty"`
	ContentHash string                 `json:"content_hash"`
}

// ChunkIDFor derives the deterministic chunk id for a document ordinal.
func ChunkIDFor(docID string, ordinal int) string {
	return fmt.Sprintf("%s:%d", docID, ordinal)
}

// SearchHit is a single search result from either search leg.
type SearchHit struct {
	ChunkID   string                 `json:"chunk_id"`
	DocID     string                 `json:"doc_id"`
	Ordinal   int                    `json:"ordinal"`
	Text      string                 `json:"text"`
	Metadata  map[string]interface{} `json:"metadata,omitempty"`
	Score     float64                `json:"score"`
	Highlight string                 `json:"highlight,omitempty"`
}

// FilterOp is a filter operator. Only equality and inclusion are part
// of the shared subset all backends must support.
type FilterOp string

const (
	FilterEq FilterOp = "eq"
	FilterIn FilterOp = "in"
)

// Condition constrains a search to matching chunks. Field "doc_id"
// addresses the owning document; any other field addresses a metadata
// key.
type Condition struct {
	Field  string
	Op     FilterOp
	Value  interface{}   // for FilterEq
	Values []interface{} // for FilterIn
}

// Filter is a conjunction of conditions.
type Filter struct {
	Conditions []Condition
}

// Eq builds a single-condition equality filter.
func Eq(field string, value interface{}) *Filter {
	return &Filter{Conditions: []Condition{{Field: field, Op: FilterEq, Value: value}}}
}

// Store is the vector index contract the pipeline and retriever consume.
type Store interface {
	// EnsureCollection prepares the named collection for vectors of the
	// given dimension according to the configured index management
	// behavior.
	EnsureCollection(ctx context.Context, name string, dim int) error

	// Upsert inserts or replaces nodes by chunk id. Idempotent: the
	// same nodes may be written any number of times.
	Upsert(ctx context.Context, nodes []Node) error

	DeleteByDoc(ctx context.Context, docID string) error
	DeleteByIDs(ctx context.Context, chunkIDs []string) error

	VectorSearch(ctx context.Context, vector []float32, k int, filter *Filter) ([]SearchHit, error)
	LexicalSearch(ctx context.Context, query string, k int, filter *Filter) ([]SearchHit, error)

	// CountByDoc reports the number of persisted chunks for a document.
	CountByDoc(ctx context.Context, docID string) (int, error)
}
