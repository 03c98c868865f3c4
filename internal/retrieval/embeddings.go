// Package retrieval implements the document retrieval backend used by the
// search and report_grounding tools: an OpenAI embedding provider and a
// pgvector-backed similarity store over a single flat document table.
package retrieval

import (
	"context"
	"fmt"

	"github.com/sashabaranov/go-openai"
)

// EmbeddingProvider generates vector embeddings for text.
type EmbeddingProvider interface {
	Embed(ctx context.Context, text string) ([]float32, error)
	Dimension() int
}

// OpenAIEmbeddings implements EmbeddingProvider using OpenAI's embedding
// models, adapted from the teacher's embeddings/openai provider and
// defaulting to text-embedding-3-large as the original Python RAG tool does.
type OpenAIEmbeddings struct {
	client *openai.Client
	model  string
}

// EmbeddingConfig configures an OpenAIEmbeddings provider.
type EmbeddingConfig struct {
	APIKey  string
	BaseURL string
	Model   string // text-embedding-3-large or text-embedding-3-small
}

// NewOpenAIEmbeddings returns a provider for cfg.Model, defaulting to
// text-embedding-3-large.
func NewOpenAIEmbeddings(cfg EmbeddingConfig) (*OpenAIEmbeddings, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("retrieval: OpenAI API key is required")
	}
	if cfg.Model == "" {
		cfg.Model = "text-embedding-3-large"
	}

	clientCfg := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		clientCfg.BaseURL = cfg.BaseURL
	}

	return &OpenAIEmbeddings{
		client: openai.NewClientWithConfig(clientCfg),
		model:  cfg.Model,
	}, nil
}

// Dimension returns the embedding dimension for the configured model.
func (p *OpenAIEmbeddings) Dimension() int {
	switch p.model {
	case "text-embedding-3-large":
		return 3072
	case "text-embedding-3-small", "text-embedding-ada-002":
		return 1536
	default:
		return 1536
	}
}

// Embed generates an embedding for a single piece of text.
func (p *OpenAIEmbeddings) Embed(ctx context.Context, text string) ([]float32, error) {
	resp, err := p.client.CreateEmbeddings(ctx, openai.EmbeddingRequest{
		Input: []string{text},
		Model: openai.EmbeddingModel(p.model),
	})
	if err != nil {
		return nil, fmt.Errorf("retrieval: create embedding: %w", err)
	}
	if len(resp.Data) == 0 {
		return nil, fmt.Errorf("retrieval: no embedding returned")
	}
	return resp.Data[0].Embedding, nil
}
