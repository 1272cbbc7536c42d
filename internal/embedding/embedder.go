// Package embedding turns question text into vectors using langchaingo.
package embedding

import (
	"context"
	"fmt"
	"time"

	"github.com/tmc/langchaingo/embeddings"
	"github.com/tmc/langchaingo/llms/ollama"
	"github.com/tmc/langchaingo/llms/openai"
	"go.uber.org/zap"
)

const (
	ProviderNone   = ""
	ProviderOllama = "ollama"
	ProviderOpenAI = "openai"
)

// Config selects the embedding provider. An empty provider disables embeddings.
type Config struct {
	Provider  string `yaml:"provider"`
	Model     string `yaml:"model"`
	ServerURL string `yaml:"server_url"`
	APIKey    string `yaml:"api_key"`
	Dimension int    `yaml:"dimension"`
	BatchSize int    `yaml:"batch_size"`
}

// Enabled reports whether a provider is configured
func (c Config) Enabled() bool {
	return c.Provider != ProviderNone
}

// Validate checks provider specific settings
func (c Config) Validate() error {
	switch c.Provider {
	case ProviderNone:
		return nil
	case ProviderOllama:
	case ProviderOpenAI:
		if c.APIKey == "" {
			return fmt.Errorf("embedding.api_key is required for openai")
		}
	default:
		return fmt.Errorf("unsupported embedding provider: %s", c.Provider)
	}
	if c.Model == "" {
		return fmt.Errorf("embedding.model is required")
	}
	if c.Dimension < 0 || c.BatchSize < 0 {
		return fmt.Errorf("embedding.dimension and embedding.batch_size must not be negative")
	}
	return nil
}

// Embedder wraps a langchaingo embedder with dimension validation
type Embedder struct {
	model     embeddings.Embedder
	dimension int
	modelName string
	logger    *zap.Logger
}

// New creates an embedder for the configured provider
func New(cfg Config, logger *zap.Logger) (*Embedder, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	var client embeddings.EmbedderClient
	switch cfg.Provider {
	case ProviderOllama:
		opts := []ollama.Option{ollama.WithModel(cfg.Model)}
		if cfg.ServerURL != "" {
			opts = append(opts, ollama.WithServerURL(cfg.ServerURL))
		}
		llm, err := ollama.New(opts...)
		if err != nil {
			return nil, fmt.Errorf("failed to create ollama client: %w", err)
		}
		client = llm
	case ProviderOpenAI:
		opts := []openai.Option{openai.WithToken(cfg.APIKey), openai.WithEmbeddingModel(cfg.Model)}
		if cfg.ServerURL != "" {
			opts = append(opts, openai.WithBaseURL(cfg.ServerURL))
		}
		llm, err := openai.New(opts...)
		if err != nil {
			return nil, fmt.Errorf("failed to create openai client: %w", err)
		}
		client = llm
	default:
		return nil, fmt.Errorf("embedding provider is not configured")
	}

	var embOpts []embeddings.Option
	if cfg.BatchSize > 0 {
		embOpts = append(embOpts, embeddings.WithBatchSize(cfg.BatchSize))
	}
	model, err := embeddings.NewEmbedder(client, embOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create %s embedder: %w", cfg.Provider, err)
	}
	return NewWithModel(model, cfg.Model, cfg.Dimension, logger), nil
}

// NewWithModel wraps an existing langchaingo embedder. A zero dimension
// disables the length check.
func NewWithModel(model embeddings.Embedder, name string, dimension int, logger *zap.Logger) *Embedder {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Embedder{
		model:     model,
		dimension: dimension,
		modelName: name,
		logger:    logger.With(zap.String("model", name)),
	}
}

// Embed returns the vector of a single text
func (e *Embedder) Embed(ctx context.Context, text string) ([]float32, error) {
	vectors, err := e.EmbedBatch(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return vectors[0], nil
}

// EmbedBatch returns one vector per text, in order
func (e *Embedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return [][]float32{}, nil
	}

	start := time.Now()
	vectors, err := e.model.EmbedDocuments(ctx, texts)
	if err != nil {
		e.logger.Warn("Embedding failed",
			zap.Int("texts", len(texts)),
			zap.Duration("duration", time.Since(start)),
			zap.Error(err))
		return nil, fmt.Errorf("failed to embed %d texts: %w", len(texts), err)
	}
	if len(vectors) != len(texts) {
		return nil, fmt.Errorf("embedding count mismatch: got %d, want %d", len(vectors), len(texts))
	}
	if e.dimension > 0 {
		for i, v := range vectors {
			if len(v) != e.dimension {
				return nil, fmt.Errorf("embedding %d dimension mismatch: got %d, want %d", i, len(v), e.dimension)
			}
		}
	}

	e.logger.Debug("Embedded texts", zap.Int("texts", len(texts)), zap.Duration("duration", time.Since(start)))
	return vectors, nil
}

// Model returns the embedding model name
func (e *Embedder) Model() string {
	return e.modelName
}
