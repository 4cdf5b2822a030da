package embed

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/rubyxyr/XU-News-AI-RAG/internal/apperr"
)

// OllamaConfig configures the Ollama embedder.
type OllamaConfig struct {
	// Host is the Ollama API endpoint (default: http://localhost:11434).
	Host string

	// Model is the embedding model (default: all-minilm).
	Model string

	// Dimensions is the expected embedding dimension (default: 384).
	// Responses with a different dimension are rejected.
	Dimensions int

	// BatchSize is the number of texts per request (default: 32).
	BatchSize int

	// Timeout is the per-request timeout (default: 60s).
	Timeout time.Duration

	// SkipHealthCheck skips the availability probe during creation.
	SkipHealthCheck bool
}

// OllamaEmbedder generates embeddings using Ollama's /api/embed endpoint.
type OllamaEmbedder struct {
	client    *http.Client
	transport *http.Transport
	config    OllamaConfig

	mu     sync.RWMutex
	closed bool
}

var _ Embedder = (*OllamaEmbedder)(nil)

// NewOllamaEmbedder creates a new Ollama embedder.
func NewOllamaEmbedder(ctx context.Context, cfg OllamaConfig) (*OllamaEmbedder, error) {
	if cfg.Host == "" {
		cfg.Host = DefaultEndpoint
	}
	if cfg.Model == "" {
		cfg.Model = DefaultModel
	}
	if cfg.Dimensions <= 0 {
		cfg.Dimensions = DefaultDimensions
	}
	if cfg.BatchSize < MinBatchSize {
		cfg.BatchSize = DefaultBatchSize
	}
	if cfg.BatchSize > MaxBatchSize {
		cfg.BatchSize = MaxBatchSize
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}

	transport := &http.Transport{
		MaxIdleConns:        8,
		MaxIdleConnsPerHost: 8,
		IdleConnTimeout:     30 * time.Second,
	}

	// Timeouts are applied per request via context so retries can vary
	// the budget; no static client timeout.
	e := &OllamaEmbedder{
		client:    &http.Client{Transport: transport},
		transport: transport,
		config:    cfg,
	}

	if !cfg.SkipHealthCheck {
		checkCtx, cancel := context.WithTimeout(ctx, cfg.Timeout)
		defer cancel()
		if !e.Available(checkCtx) {
			transport.CloseIdleConnections()
			return nil, apperr.Newf(apperr.CodeEmbedderUnavailable,
				"embedding model %q not reachable at %s", cfg.Model, cfg.Host)
		}
	}

	return e, nil
}

type embedRequest struct {
	Model string   `json:"model"`
	Input []string `json:"input"`
}

type embedResponse struct {
	Embeddings [][]float32 `json:"embeddings"`
}

// Embed generates an embedding for a single text.
func (e *OllamaEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	vectors, err := e.EmbedBatch(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return vectors[0], nil
}

// EmbedBatch generates embeddings for multiple texts, issuing one
// request per configured batch. Dependency failures are retried with
// backoff before surfacing.
func (e *OllamaEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}

	e.mu.RLock()
	if e.closed {
		e.mu.RUnlock()
		return nil, fmt.Errorf("embedder is closed")
	}
	e.mu.RUnlock()

	out := make([][]float32, 0, len(texts))
	for start := 0; start < len(texts); start += e.config.BatchSize {
		end := start + e.config.BatchSize
		if end > len(texts) {
			end = len(texts)
		}

		batch := texts[start:end]
		vectors, err := apperr.RetryWithResult(ctx, apperr.DefaultRetryConfig(), func() ([][]float32, error) {
			return e.doEmbed(ctx, batch)
		})
		if err != nil {
			return nil, err
		}
		out = append(out, vectors...)
	}

	return out, nil
}

func (e *OllamaEmbedder) doEmbed(ctx context.Context, texts []string) ([][]float32, error) {
	reqCtx, cancel := context.WithTimeout(ctx, e.config.Timeout)
	defer cancel()

	payload, err := json.Marshal(embedRequest{Model: e.config.Model, Input: texts})
	if err != nil {
		return nil, fmt.Errorf("marshal embed request: %w", err)
	}

	req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, e.config.Host+"/api/embed", bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("create embed request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := e.client.Do(req)
	if err != nil {
		return nil, apperr.Wrap(apperr.CodeEmbedderUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		if resp.StatusCode >= 500 {
			return nil, apperr.Newf(apperr.CodeEmbedderUnavailable,
				"embed request failed: status %d: %s", resp.StatusCode, body)
		}
		return nil, apperr.Newf(apperr.CodeEmbeddingFailed,
			"embed request rejected: status %d: %s", resp.StatusCode, body)
	}

	var parsed embedResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, apperr.Wrap(apperr.CodeEmbedderUnavailable, err)
	}

	if len(parsed.Embeddings) != len(texts) {
		return nil, apperr.Newf(apperr.CodeEmbeddingFailed,
			"embed count mismatch: sent %d texts, got %d vectors", len(texts), len(parsed.Embeddings))
	}
	for i, vec := range parsed.Embeddings {
		if len(vec) != e.config.Dimensions {
			return nil, apperr.Newf(apperr.CodeEmbeddingFailed,
				"vector %d has dimension %d, expected %d", i, len(vec), e.config.Dimensions)
		}
	}

	return parsed.Embeddings, nil
}

// Dimensions returns the embedding dimension.
func (e *OllamaEmbedder) Dimensions() int {
	return e.config.Dimensions
}

// ModelName returns the model identifier.
func (e *OllamaEmbedder) ModelName() string {
	return e.config.Model
}

// Available checks reachability of the Ollama endpoint.
func (e *OllamaEmbedder) Available(ctx context.Context) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, e.config.Host+"/api/tags", nil)
	if err != nil {
		return false
	}
	resp, err := e.client.Do(req)
	if err != nil {
		slog.Debug("embedder_unreachable", slog.String("host", e.config.Host), slog.String("error", err.Error()))
		return false
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)
	return resp.StatusCode == http.StatusOK
}

// Close releases HTTP resources.
func (e *OllamaEmbedder) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.closed {
		return nil
	}
	e.closed = true
	e.transport.CloseIdleConnections()
	return nil
}
