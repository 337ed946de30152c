// Package embedding provides vector embedding and rerank clients.
// Supports two backends: any OpenAI-compatible /v1/embeddings server (BGE,
// text-embedding-inference, Ollama's compat layer) and Google GenAI.
package embedding

import (
	"context"
	"fmt"

	"codescout/internal/config"
	"codescout/internal/logging"
)

// =============================================================================
// EMBEDDING ENGINE INTERFACE
// =============================================================================

// Engine generates vector embeddings for text.
type Engine interface {
	// Embed generates an embedding for a single text
	Embed(ctx context.Context, text string) ([]float32, error)

	// EmbedBatch generates embeddings for multiple texts
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)

	// Dimensions returns the dimensionality of embeddings
	Dimensions() int

	// Name returns the engine name
	Name() string
}

// HealthChecker is an optional interface for engines that can verify the
// backing service is reachable before batch operations.
type HealthChecker interface {
	HealthCheck(ctx context.Context) error
}

// =============================================================================
// FACTORY
// =============================================================================

// NewEngine creates an embedding engine from configuration.
func NewEngine(cfg config.EmbeddingConfig) (Engine, error) {
	timer := logging.StartTimer(logging.CategoryEmbedding, "NewEngine")
	defer timer.Stop()

	switch cfg.Provider {
	case "openai", "":
		logging.Embedding("Using OpenAI-compatible embedding engine at %s (model=%s)", cfg.Endpoint, cfg.Model)
		return NewOpenAIEngine(cfg), nil
	case "genai":
		logging.Embedding("Using GenAI embedding engine (model=%s)", cfg.GenAIModel)
		return NewGenAIEngine(cfg.GenAIAPIKey, cfg.GenAIModel, cfg.Dimension)
	default:
		return nil, fmt.Errorf("unknown embedding provider: %s", cfg.Provider)
	}
}

// EstimateTokens approximates token count as ceil(chars/4).
func EstimateTokens(text string) int {
	return (len(text) + 3) / 4
}
