package vectorstore

import (
	"context"
	"fmt"
	"strings"

	"github.com/bytedance/sonic"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pgvector/pgvector-go"
	"go.uber.org/zap"

	"github.com/hsn0918/enterprise-kb/internal/logger"
)

// IndexManagement selects startup collection behavior.
type IndexManagement string

const (
	CreateIfNotExists IndexManagement = "CREATE_IF_NOT_EXISTS"
	NoValidation      IndexManagement = "NO_VALIDATION"
)

// PostgresStore implements Store on PostgreSQL with pgvector for dense
// search and a generated tsvector column for lexical search.
type PostgresStore struct {
	pool       *pgxpool.Pool
	collection string
	management IndexManagement
}

var _ Store = (*PostgresStore)(nil)

// NewPostgresStore connects to the database and prepares the collection.
func NewPostgresStore(ctx context.Context, dsn, collection string, dim int, management IndexManagement) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	if err = pool.Ping(ctx); err != nil {
		return nil, fmt.Errorf("database ping failed: %w", err)
	}

	s := &PostgresStore{pool: pool, collection: collection, management: management}
	if err := s.EnsureCollection(ctx, collection, dim); err != nil {
		return nil, err
	}

	logger.Get().Info("vector store ready",
		zap.String("collection", collection),
		zap.Int("dimension", dim),
	)
	return s, nil
}

// Close releases the connection pool.
func (s *PostgresStore) Close() { s.pool.Close() }

// EnsureCollection creates the chunk table, its indexes and the
// pgvector extension. With NO_VALIDATION the store assumes the schema
// already exists and does nothing.
func (s *PostgresStore) EnsureCollection(ctx context.Context, name string, dim int) error {
	if s.management == NoValidation {
		return nil
	}

	if _, err := s.pool.Exec(ctx, "CREATE EXTENSION IF NOT EXISTS vector;"); err != nil {
		return fmt.Errorf("failed to enable vector extension: %w", err)
	}

	createTable := fmt.Sprintf(`
	CREATE TABLE IF NOT EXISTS %s (
		id TEXT PRIMARY KEY,
		doc_id TEXT NOT NULL,
		ordinal INTEGER NOT NULL,
		content TEXT NOT NULL,
		content_hash TEXT NOT NULL,
		embedding vector(%d),
		metadata JSONB DEFAULT '{}',
		content_tsv tsvector GENERATED ALWAYS AS (to_tsvector('simple', content)) STORED,
		created_at TIMESTAMP WITH TIME ZONE DEFAULT NOW(),
		UNIQUE(doc_id, ordinal)
	);`, name, dim)
	if _, err := s.pool.Exec(ctx, createTable); err != nil {
		return fmt.Errorf("failed to create collection %s: %w", name, err)
	}

	indexes := []string{
		fmt.Sprintf("CREATE INDEX IF NOT EXISTS %s_doc_idx ON %s (doc_id);", name, name),
		fmt.Sprintf("CREATE INDEX IF NOT EXISTS %s_tsv_idx ON %s USING GIN (content_tsv);", name, name),
	}
	for _, ddl := range indexes {
		if _, err := s.pool.Exec(ctx, ddl); err != nil {
			return fmt.Errorf("failed to create index: %w", err)
		}
	}
	return nil
}

// Upsert writes nodes by chunk id in a single batch. Each row is
// atomic; rewriting the same node converges to the same state.
func (s *PostgresStore) Upsert(ctx context.Context, nodes []Node) error {
	if len(nodes) == 0 {
		return nil
	}

	sql := fmt.Sprintf(`
	INSERT INTO %s (id, doc_id, ordinal, content, content_hash, embedding, metadata)
	VALUES ($1, $2, $3, $4, $5, $6, $7)
	ON CONFLICT (id) DO UPDATE SET
		doc_id = EXCLUDED.doc_id,
		ordinal = EXCLUDED.ordinal,
		content = EXCLUDED.content,
		content_hash = EXCLUDED.content_hash,
		embedding = EXCLUDED.embedding,
		metadata = EXCLUDED.metadata;`, s.collection)

	batch := &pgx.Batch{}
	for _, node := range nodes {
		metadataJSON, err := sonic.Marshal(node.Metadata)
		if err != nil {
			return fmt.Errorf("failed to marshal metadata for %s: %w", node.ChunkID, err)
		}
		batch.Queue(sql,
			node.ChunkID, node.DocID, node.Ordinal,
			node.Text, node.ContentHash,
			pgvector.NewVector(node.Embedding), metadataJSON,
		)
	}

	results := s.pool.SendBatch(ctx, batch)
	defer results.Close()
	for range nodes {
		if _, err := results.Exec(); err != nil {
			return fmt.Errorf("failed to upsert chunk: %w", err)
		}
	}
	return nil
}

func (s *PostgresStore) DeleteByDoc(ctx context.Context, docID string) error {
	sql := fmt.Sprintf("DELETE FROM %s WHERE doc_id = $1", s.collection)
	if _, err := s.pool.Exec(ctx, sql, docID); err != nil {
		return fmt.Errorf("failed to delete chunks of %s: %w", docID, err)
	}
	return nil
}

func (s *PostgresStore) DeleteByIDs(ctx context.Context, chunkIDs []string) error {
	if len(chunkIDs) == 0 {
		return nil
	}
	sql := fmt.Sprintf("DELETE FROM %s WHERE id = ANY($1)", s.collection)
	if _, err := s.pool.Exec(ctx, sql, chunkIDs); err != nil {
		return fmt.Errorf("failed to delete chunks by id: %w", err)
	}
	return nil
}

func (s *PostgresStore) CountByDoc(ctx context.Context, docID string) (int, error) {
	sql := fmt.Sprintf("SELECT COUNT(*) FROM %s WHERE doc_id = $1", s.collection)
	var count int
	if err := s.pool.QueryRow(ctx, sql, docID).Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count chunks of %s: %w", docID, err)
	}
	return count, nil
}

// VectorSearch runs cosine-similarity search, most similar first.
func (s *PostgresStore) VectorSearch(ctx context.Context, vector []float32, k int, filter *Filter) ([]SearchHit, error) {
	where, args, err := compileFilter(filter, 2)
	if err != nil {
		return nil, err
	}

	sql := fmt.Sprintf(`
	SELECT id, doc_id, ordinal, content, metadata, 1 - (embedding <=> $1) AS score
	FROM %s
	%s
	ORDER BY embedding <=> $1
	LIMIT %d`, s.collection, where, k)

	queryArgs := append([]interface{}{pgvector.NewVector(vector)}, args...)
	rows, err := s.pool.Query(ctx, sql, queryArgs...)
	if err != nil {
		return nil, fmt.Errorf("vector search failed: %w", err)
	}
	defer rows.Close()

	return scanHits(rows, false)
}

// LexicalSearch runs full-text search with ts_rank scoring and
// headline highlights.
func (s *PostgresStore) LexicalSearch(ctx context.Context, query string, k int, filter *Filter) ([]SearchHit, error) {
	where, args, err := compileFilter(filter, 2)
	if err != nil {
		return nil, err
	}
	cond := "content_tsv @@ q"
	if where != "" {
		cond = cond + " AND " + strings.TrimPrefix(where, "WHERE ")
	}

	sql := fmt.Sprintf(`
	SELECT id, doc_id, ordinal, content, metadata,
		ts_rank(content_tsv, q) AS score,
		ts_headline('simple', content, q) AS highlight
	FROM %s, websearch_to_tsquery('simple', $1) q
	WHERE %s
	ORDER BY score DESC
	LIMIT %d`, s.collection, cond, k)

	queryArgs := append([]interface{}{query}, args...)
	rows, err := s.pool.Query(ctx, sql, queryArgs...)
	if err != nil {
		return nil, fmt.Errorf("lexical search failed: %w", err)
	}
	defer rows.Close()

	return scanHits(rows, true)
}

func scanHits(rows pgx.Rows, withHighlight bool) ([]SearchHit, error) {
	var hits []SearchHit
	for rows.Next() {
		var hit SearchHit
		var metadataJSON []byte
		var err error
		if withHighlight {
			err = rows.Scan(&hit.ChunkID, &hit.DocID, &hit.Ordinal, &hit.Text, &metadataJSON, &hit.Score, &hit.Highlight)
		} else {
			err = rows.Scan(&hit.ChunkID, &hit.DocID, &hit.Ordinal, &hit.Text, &metadataJSON, &hit.Score)
		}
		if err != nil {
			logger.Get().Error("failed to scan search hit", zap.Error(err))
			continue
		}
		if len(metadataJSON) > 0 {
			if err := sonic.Unmarshal(metadataJSON, &hit.Metadata); err != nil {
				hit.Metadata = map[string]interface{}{}
			}
		}
		hits = append(hits, hit)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate search hits: %w", err)
	}
	return hits, nil
}

// compileFilter turns the eq/in condition set into a WHERE clause.
// argOffset is the first free positional-parameter index.
func compileFilter(filter *Filter, argOffset int) (string, []interface{}, error) {
	if filter == nil || len(filter.Conditions) == 0 {
		return "", nil, nil
	}

	var clauses []string
	var args []interface{}
	next := argOffset

	for _, cond := range filter.Conditions {
		var lhs string
		if cond.Field == "doc_id" {
			lhs = "doc_id"
		} else {
			lhs = fmt.Sprintf("metadata->>'%s'", strings.ReplaceAll(cond.Field, "'", ""))
		}

		switch cond.Op {
		case FilterEq:
			clauses = append(clauses, fmt.Sprintf("%s = $%d", lhs, next))
			args = append(args, fmt.Sprintf("%v", cond.Value))
			next++
		case FilterIn:
			values := make([]string, 0, len(cond.Values))
			for _, v := range cond.Values {
				values = append(values, fmt.Sprintf("%v", v))
			}
			clauses = append(clauses, fmt.Sprintf("%s = ANY($%d)", lhs, next))
			args = append(args, values)
			next++
		default:
			return "", nil, fmt.Errorf("%w: %q", ErrUnsupportedFilter, cond.Op)
		}
	}

	return "WHERE " + strings.Join(clauses, " AND "), args, nil
}
