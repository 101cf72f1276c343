// Package embedding provides a client for embedding service operations.
// It supports OpenAI-compatible providers and handles batch operations.
package embedding

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/hsn0918/enterprise-kb/internal/clients/base"
	"github.com/hsn0918/enterprise-kb/internal/config"
)

// Default configuration constants
const (
	DefaultTimeout  = 30 * time.Second
	ServiceName     = "embedding"
	DefaultBatchMax = 16
)

// ErrDimensionMismatch means the service returned vectors of a different
// dimension than configured. Fatal; the index schema depends on the
// configured dimension.
var ErrDimensionMismatch = errors.New("embedding dimension mismatch")

// Embedder defines the interface for embedding operations.
// Batches passed to EmbedBatch are split internally at the configured
// batch maximum, so callers may pass any number of texts.
type Embedder interface {
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)
	Dimension() int
}

// Client provides embedding API operations using the standardized base
// client.
type Client struct {
	httpClient *base.HTTPClient
	cfg        config.EmbeddingConfig
}

// Compile-time check to ensure Client implements Embedder interface
var _ Embedder = (*Client)(nil)

// NewClient creates a new embedding client.
func NewClient(cfg config.EmbeddingConfig) *Client {
	if cfg.BatchMax <= 0 {
		cfg.BatchMax = DefaultBatchMax
	}
	httpClient := base.NewHTTPClient(ServiceName, cfg.ServiceConfig, DefaultTimeout)

	return &Client{
		httpClient: httpClient,
		cfg:        cfg,
	}
}

// Request represents an embedding generation request.
type Request struct {
	Model          string      `json:"model"`
	Input          interface{} `json:"input"`
	EncodingFormat string      `json:"encoding_format,omitempty"`
	Dimensions     int         `json:"dimensions,omitempty"`
}

// Data represents a single embedding result.
type Data struct {
	Object    string    `json:"object"`
	Embedding []float64 `json:"embedding"`
	Index     int       `json:"index"`
}

// Usage represents token usage information.
type Usage struct {
	PromptTokens int `json:"prompt_tokens"`
	TotalTokens  int `json:"total_tokens"`
}

// Response represents the complete embedding API response.
type Response struct {
	Object string `json:"object"`
	Model  string `json:"model"`
	Data   []Data `json:"data"`
	Usage  Usage  `json:"usage"`
}

// Dimension returns the configured embedding dimension.
func (c *Client) Dimension() int { return c.cfg.Dimension }

// EmbedBatch generates embeddings for the given texts, splitting the
// input at the configured batch maximum. Vectors are returned in input
// order and are always of the configured dimension; a service returning
// a different dimension is a fatal error.
func (c *Client) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}

	out := make([][]float32, 0, len(texts))
	for start := 0; start < len(texts); start += c.cfg.BatchMax {
		end := min(start+c.cfg.BatchMax, len(texts))
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		vectors, err := c.embed(texts[start:end])
		if err != nil {
			return nil, err
		}
		out = append(out, vectors...)
	}
	return out, nil
}

func (c *Client) embed(texts []string) ([][]float32, error) {
	req := Request{
		Model:          c.cfg.Model,
		Input:          texts,
		EncodingFormat: "float",
	}
	if c.cfg.Dimension > 0 {
		req.Dimensions = c.cfg.Dimension
	}

	var resp Response
	if err := c.httpClient.Post("/embeddings", req, &resp); err != nil {
		return nil, err
	}
	if len(resp.Data) != len(texts) {
		return nil, fmt.Errorf("embedding: got %d vectors for %d inputs", len(resp.Data), len(texts))
	}

	vectors := make([][]float32, len(texts))
	for _, d := range resp.Data {
		if d.Index < 0 || d.Index >= len(texts) {
			return nil, fmt.Errorf("embedding: out-of-range index %d in response", d.Index)
		}
		if len(d.Embedding) != c.cfg.Dimension {
			return nil, fmt.Errorf("%w: service returned %d, configured %d",
				ErrDimensionMismatch, len(d.Embedding), c.cfg.Dimension)
		}
		vec := make([]float32, len(d.Embedding))
		for i, v := range d.Embedding {
			vec[i] = float32(v)
		}
		vectors[d.Index] = vec
	}
	return vectors, nil
}

// VerifyDimension embeds a probe string and checks the returned vector
// dimension against the configuration. Called once at startup; a
// mismatch must abort the process.
func (c *Client) VerifyDimension(ctx context.Context) error {
	vectors, err := c.EmbedBatch(ctx, []string{"dimension probe"})
	if err != nil {
		return fmt.Errorf("embedding dimension probe failed: %w", err)
	}
	if len(vectors) != 1 || len(vectors[0]) != c.cfg.Dimension {
		return fmt.Errorf("%w: configured %d", ErrDimensionMismatch, c.cfg.Dimension)
	}
	return nil
}

// Supported embedding models organized by provider
const (
	ModelBGELargeZhV15 = "BAAI/bge-large-zh-v1.5"
	ModelBGELargeEnV15 = "BAAI/bge-large-en-v1.5"
	ModelBGEM3         = "BAAI/bge-m3"

	ModelQwen3Embedding8B  = "Qwen/Qwen3-Embedding-8B"
	ModelQwen3Embedding4B  = "Qwen/Qwen3-Embedding-4B"
	ModelQwen3Embedding06B = "Qwen/Qwen3-Embedding-0.6B"

	ModelTextEmbedding3Small = "text-embedding-3-small"
	ModelTextEmbedding3Large = "text-embedding-3-large"
)

// GetDefaultDimensions returns the default embedding dimension for the
// model, used when the configuration omits an explicit dimension.
func GetDefaultDimensions(model string) int {
	switch model {
	case ModelQwen3Embedding8B:
		return 4096
	case ModelQwen3Embedding4B:
		return 2048
	case ModelQwen3Embedding06B, ModelBGELargeZhV15, ModelBGELargeEnV15, ModelBGEM3:
		return 1024
	case ModelTextEmbedding3Large:
		return 3072
	case ModelTextEmbedding3Small:
		return 1536
	default:
		return 1536 // Conservative fallback dimension
	}
}
