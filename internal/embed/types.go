// Package embed generates vector embeddings for document chunks and
// queries via a local model endpoint.
package embed

import (
	"context"
	"time"
)

// Common embedding constants.
const (
	// MinBatchSize is the minimum allowed batch size.
	MinBatchSize = 1

	// MaxBatchSize is the maximum allowed batch size (prevents memory
	// exhaustion on the model server).
	MaxBatchSize = 256

	// DefaultBatchSize is the default batch size for embedding requests.
	DefaultBatchSize = 32

	// DefaultDimensions is the embedding dimension of the default
	// sentence-embedding model (MiniLM family).
	DefaultDimensions = 384

	// DefaultTimeout is the per-request timeout.
	DefaultTimeout = 60 * time.Second

	// DefaultModel is the default Ollama embedding model.
	DefaultModel = "all-minilm"

	// DefaultEndpoint is the default Ollama endpoint.
	DefaultEndpoint = "http://localhost:11434"
)

// Embedder generates vector embeddings for text. Implementations must
// be deterministic for a given model version and safe for concurrent
// use.
type Embedder interface {
	// Embed generates an embedding for a single text.
	Embed(ctx context.Context, text string) ([]float32, error)

	// EmbedBatch generates embeddings for multiple texts, batching
	// model-natively. The result has one vector per input, in order.
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)

	// Dimensions returns the embedding dimension.
	Dimensions() int

	// ModelName returns the model identifier. It is stamped into each
	// vector index sidecar; a mismatch at load refuses the index.
	ModelName() string

	// Available checks if the embedder is ready.
	Available(ctx context.Context) bool

	// Close releases resources.
	Close() error
}
