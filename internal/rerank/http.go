package rerank

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/rubyxyr/XU-News-AI-RAG/internal/apperr"
)

// Defaults for the cross-encoder service client.
const (
	DefaultEndpoint  = "http://localhost:9659"
	DefaultModel     = "cross-encoder-minilm"
	DefaultTimeout   = 30 * time.Second
	DefaultBatchSize = 16
)

// Config holds configuration for the HTTP reranker.
type Config struct {
	// Endpoint is the scoring server URL (default: http://localhost:9659).
	Endpoint string

	// Model is the cross-encoder model identifier.
	Model string

	// Timeout is the per-request timeout (default: 30s).
	Timeout time.Duration

	// BatchSize is the number of passages scored per request (default: 16).
	BatchSize int

	// SkipHealthCheck skips the availability probe during creation.
	SkipHealthCheck bool
}

// HTTPReranker scores pairs via a model server's /rerank endpoint.
type HTTPReranker struct {
	client *http.Client
	config Config

	mu     sync.RWMutex
	closed bool
}

var _ Reranker = (*HTTPReranker)(nil)

// New creates an HTTP reranker client.
func New(ctx context.Context, cfg Config) (*HTTPReranker, error) {
	if cfg.Endpoint == "" {
		cfg.Endpoint = DefaultEndpoint
	}
	if cfg.Model == "" {
		cfg.Model = DefaultModel
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultBatchSize
	}

	r := &HTTPReranker{
		client: &http.Client{
			Transport: &http.Transport{
				MaxIdleConns:        4,
				MaxIdleConnsPerHost: 4,
				IdleConnTimeout:     30 * time.Second,
			},
		},
		config: cfg,
	}

	if !cfg.SkipHealthCheck {
		checkCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		defer cancel()
		if !r.Available(checkCtx) {
			return nil, apperr.Newf(apperr.CodeRerankerUnavailable,
				"reranker not reachable at %s", cfg.Endpoint)
		}
	}

	return r, nil
}

type rerankRequest struct {
	Model     string   `json:"model"`
	Query     string   `json:"query"`
	Documents []string `json:"documents"`
}

type rerankResponse struct {
	Scores []float64 `json:"scores"`
}

// Rerank scores each passage against the query, batching requests.
func (r *HTTPReranker) Rerank(ctx context.Context, query string, passages []string) ([]float64, error) {
	if len(passages) == 0 {
		return nil, nil
	}

	r.mu.RLock()
	if r.closed {
		r.mu.RUnlock()
		return nil, fmt.Errorf("reranker is closed")
	}
	r.mu.RUnlock()

	scores := make([]float64, 0, len(passages))
	for start := 0; start < len(passages); start += r.config.BatchSize {
		end := start + r.config.BatchSize
		if end > len(passages) {
			end = len(passages)
		}

		batch, err := r.doRerank(ctx, query, passages[start:end])
		if err != nil {
			return nil, err
		}
		scores = append(scores, batch...)
	}

	return scores, nil
}

func (r *HTTPReranker) doRerank(ctx context.Context, query string, passages []string) ([]float64, error) {
	reqCtx, cancel := context.WithTimeout(ctx, r.config.Timeout)
	defer cancel()

	payload, err := json.Marshal(rerankRequest{
		Model:     r.config.Model,
		Query:     query,
		Documents: passages,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal rerank request: %w", err)
	}

	req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, r.config.Endpoint+"/rerank", bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("create rerank request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := r.client.Do(req)
	if err != nil {
		return nil, apperr.Wrap(apperr.CodeRerankerUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return nil, apperr.Newf(apperr.CodeRerankerUnavailable,
			"rerank request failed: status %d: %s", resp.StatusCode, body)
	}

	var parsed rerankResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, apperr.Wrap(apperr.CodeRerankerUnavailable, err)
	}

	if len(parsed.Scores) != len(passages) {
		return nil, apperr.Newf(apperr.CodeRerankerUnavailable,
			"score count mismatch: sent %d passages, got %d scores", len(passages), len(parsed.Scores))
	}

	return parsed.Scores, nil
}

// Available checks the scoring server health endpoint.
func (r *HTTPReranker) Available(ctx context.Context) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, r.config.Endpoint+"/health", nil)
	if err != nil {
		return false
	}
	resp, err := r.client.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)
	return resp.StatusCode == http.StatusOK
}

// Close releases HTTP resources.
func (r *HTTPReranker) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = true
	return nil
}
