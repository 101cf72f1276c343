// Package retrieval serves hybrid search: dense and lexical legs run in
// parallel, scores are normalized and fused, and an optional
// cross-encoder reranks the head of the list.
package retrieval

import (
	"context"
	"errors"
	"sort"
	"strings"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/hsn0918/enterprise-kb/internal/clients/rerank"
	"github.com/hsn0918/enterprise-kb/internal/logger"
	"github.com/hsn0918/enterprise-kb/internal/pipeline"
	"github.com/hsn0918/enterprise-kb/internal/utils"
	"github.com/hsn0918/enterprise-kb/internal/vectorstore"
)

// ErrInvalidQuery is returned for an empty or whitespace-only query.
var ErrInvalidQuery = errors.New("invalid query")

// Flags toggles the retrieval legs.
type Flags struct {
	UseVector  bool
	UseLexical bool
	Rerank     bool
}

// DefaultFlags enables both legs without reranking.
func DefaultFlags() Flags {
	return Flags{UseVector: true, UseLexical: true}
}

// Result is one retrieved chunk with its score breakdown.
type Result struct {
	ChunkID      string                 `json:"chunk_id"`
	DocID        string                 `json:"doc_id"`
	Text         string                 `json:"text"`
	Metadata     map[string]interface{} `json:"metadata,omitempty"`
	VectorScore  float64                `json:"vector_score"`
	LexicalScore float64                `json:"lexical_score"`
	FusedScore   float64                `json:"fused_score"`
	RerankScore  *float64               `json:"rerank_score,omitempty"`
	Highlight    string                 `json:"highlight,omitempty"`
}

// Options tunes fusion and reranking.
type Options struct {
	VectorWeight  float64
	LexicalWeight float64
	RerankTopN    int
}

// Retriever fans queries out to the index's two search legs.
type Retriever struct {
	embedder pipeline.Embedder
	store    vectorstore.Store
	reranker rerank.Reranker // nil disables reranking
	opts     Options
}

func New(embedder pipeline.Embedder, store vectorstore.Store, reranker rerank.Reranker, opts Options) *Retriever {
	if opts.VectorWeight == 0 && opts.LexicalWeight == 0 {
		opts.VectorWeight, opts.LexicalWeight = 0.7, 0.3
	}
	if opts.RerankTopN <= 0 {
		opts.RerankTopN = 20
	}
	return &Retriever{embedder: embedder, store: store, reranker: reranker, opts: opts}
}

// Search runs the hybrid query. Zero hits is an empty list, not an
// error.
func (r *Retriever) Search(ctx context.Context, query string, topK int, filter *vectorstore.Filter, flags Flags) ([]Result, error) {
	if strings.TrimSpace(query) == "" {
		return nil, ErrInvalidQuery
	}
	if topK <= 0 {
		topK = 10
	}
	// Over-fetch both legs so fusion has enough candidates to reorder.
	fetchK := 3 * topK

	var vectorHits, lexicalHits []vectorstore.SearchHit
	g, gctx := errgroup.WithContext(ctx)

	if flags.UseVector {
		g.Go(func() error {
			vectors, err := r.embedder.EmbedBatch(gctx, []string{query})
			if err != nil {
				return err
			}
			hits, err := r.store.VectorSearch(gctx, vectors[0], fetchK, filter)
			if err != nil {
				return err
			}
			vectorHits = hits
			return nil
		})
	}
	if flags.UseLexical {
		g.Go(func() error {
			// The lexical index does not segment CJK text, so queries are
			// pre-tokenized into terms before they reach it.
			terms := strings.Join(utils.ExtractKeywords(query), " ")
			hits, err := r.store.LexicalSearch(gctx, terms, fetchK, filter)
			if err != nil {
				return err
			}
			lexicalHits = hits
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	results := fuse(vectorHits, lexicalHits, r.opts.VectorWeight, r.opts.LexicalWeight)
	if len(results) == 0 {
		return []Result{}, nil
	}

	if flags.Rerank && r.reranker != nil {
		if err := r.rerankHead(ctx, query, results); err != nil {
			// Reranking is an enhancement; fused order still stands.
			logger.Get().Warn("rerank failed, using fused order", zap.Error(err))
		}
	}

	if len(results) > topK {
		results = results[:topK]
	}
	return results, nil
}

// fuse normalizes each leg's scores to [0,1] by min-max within the
// leg, combines them with the configured weights and deduplicates by
// chunk id keeping the max fused score. A chunk present in only one
// leg scores zero on the other.
func fuse(vectorHits, lexicalHits []vectorstore.SearchHit, wVector, wLexical float64) []Result {
	vectorNorm := normalize(vectorHits)
	lexicalNorm := normalize(lexicalHits)

	byID := make(map[string]*Result)
	for i, hit := range vectorHits {
		byID[hit.ChunkID] = &Result{
			ChunkID:     hit.ChunkID,
			DocID:       hit.DocID,
			Text:        hit.Text,
			Metadata:    hit.Metadata,
			VectorScore: vectorNorm[i],
		}
	}
	for i, hit := range lexicalHits {
		if existing, ok := byID[hit.ChunkID]; ok {
			existing.LexicalScore = lexicalNorm[i]
			if existing.Highlight == "" {
				existing.Highlight = hit.Highlight
			}
			continue
		}
		byID[hit.ChunkID] = &Result{
			ChunkID:      hit.ChunkID,
			DocID:        hit.DocID,
			Text:         hit.Text,
			Metadata:     hit.Metadata,
			LexicalScore: lexicalNorm[i],
			Highlight:    hit.Highlight,
		}
	}

	results := make([]Result, 0, len(byID))
	for _, r := range byID {
		r.FusedScore = wVector*r.VectorScore + wLexical*r.LexicalScore
		results = append(results, *r)
	}
	sort.Slice(results, func(i, j int) bool {
		if results[i].FusedScore != results[j].FusedScore {
			return results[i].FusedScore > results[j].FusedScore
		}
		return results[i].ChunkID < results[j].ChunkID
	})
	return results
}

// normalize min-max scales hit scores to [0,1]. A single hit, or a flat
// list, scores 1.0 across the board.
func normalize(hits []vectorstore.SearchHit) []float64 {
	if len(hits) == 0 {
		return nil
	}
	lo, hi := hits[0].Score, hits[0].Score
	for _, h := range hits[1:] {
		if h.Score < lo {
			lo = h.Score
		}
		if h.Score > hi {
			hi = h.Score
		}
	}
	out := make([]float64, len(hits))
	if hi == lo {
		for i := range out {
			out[i] = 1.0
		}
		return out
	}
	for i, h := range hits {
		out[i] = (h.Score - lo) / (hi - lo)
	}
	return out
}

// rerankHead scores the top candidates with the cross-encoder and
// re-sorts them by rerank score, fused score as tiebreak. Candidates
// beyond the rerank window keep their fused order behind the head.
func (r *Retriever) rerankHead(ctx context.Context, query string, results []Result) error {
	n := min(r.opts.RerankTopN, len(results))
	head := results[:n]

	documents := make([]string, n)
	for i, res := range head {
		documents[i] = res.Text
	}
	scored, err := r.reranker.Rerank(ctx, query, documents, n)
	if err != nil {
		return err
	}
	for _, s := range scored {
		if s.Index < 0 || s.Index >= n {
			continue
		}
		score := s.RelevanceScore
		head[s.Index].RerankScore = &score
	}
	sort.SliceStable(head, func(i, j int) bool {
		si, sj := head[i].RerankScore, head[j].RerankScore
		switch {
		case si != nil && sj != nil && *si != *sj:
			return *si > *sj
		case si != nil && sj == nil:
			return true
		case si == nil && sj != nil:
			return false
		}
		return head[i].FusedScore > head[j].FusedScore
	})
	return nil
}
