// Package rerank provides a client for cross-encoder reranking.
package rerank

import (
	"context"
	"time"

	"github.com/hsn0918/enterprise-kb/internal/clients/base"
	"github.com/hsn0918/enterprise-kb/internal/config"
)

// Default configuration constants
const (
	DefaultTimeout = 30 * time.Second
	ServiceName    = "rerank"
)

// Reranker defines the interface for reranking operations.
type Reranker interface {
	Rerank(ctx context.Context, query string, documents []string, topN int) ([]Result, error)
}

// Client provides reranking API operations using the standardized base
// client.
type Client struct {
	httpClient *base.HTTPClient
	cfg        config.ServiceConfig
}

// Compile-time check to ensure Client implements Reranker interface
var _ Reranker = (*Client)(nil)

// NewClient creates a new reranking client.
func NewClient(cfg config.ServiceConfig) *Client {
	httpClient := base.NewHTTPClient(ServiceName, cfg, DefaultTimeout)

	return &Client{
		httpClient: httpClient,
		cfg:        cfg,
	}
}

// Request represents a document reranking request.
type Request struct {
	Model           string   `json:"model"`
	Query           string   `json:"query"`
	Documents       []string `json:"documents"`
	TopN            int      `json:"top_n,omitempty"`
	ReturnDocuments bool     `json:"return_documents,omitempty"`
}

// Result represents a single reranking result.
type Result struct {
	Index          int     `json:"index"`
	RelevanceScore float64 `json:"relevance_score"`
	Document       *string `json:"document,omitempty"`
}

// Response represents the complete reranking API response.
type Response struct {
	ID      string   `json:"id"`
	Results []Result `json:"results"`
}

// Rerank scores documents against the query with the configured
// cross-encoder model and returns results ordered by relevance.
func (c *Client) Rerank(ctx context.Context, query string, documents []string, topN int) ([]Result, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	req := Request{
		Model:     c.cfg.Model,
		Query:     query,
		Documents: documents,
		TopN:      topN,
	}

	var resp Response
	if err := c.httpClient.Post("/rerank", req, &resp); err != nil {
		return nil, err
	}
	return resp.Results, nil
}

// Supported reranking models
const (
	ModelQwen3Reranker8B = "Qwen/Qwen3-Reranker-8B"
	ModelQwen3Reranker4B = "Qwen/Qwen3-Reranker-4B"
	ModelBGERerankerV2M3 = "BAAI/bge-reranker-v2-m3"
)
