// Package llm provides text generation over a local Ollama endpoint,
// with token streaming for progress channels.
package llm

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/rubyxyr/XU-News-AI-RAG/internal/apperr"
)

// Defaults for the generation client.
const (
	DefaultEndpoint = "http://localhost:11434"
	DefaultModel    = "qwen2.5:3b"
	DefaultTimeout  = 120 * time.Second
)

// Params tunes a single generation request.
type Params struct {
	Temperature float64
	MaxTokens   int
	Stop        []string
}

// Client is the text-generation interface used by the retrieval
// pipeline and the ingest summarizer.
type Client interface {
	// Generate produces a full completion for the prompt.
	Generate(ctx context.Context, prompt string, params Params) (string, error)

	// GenerateStream produces tokens on the returned channel. The
	// channel is closed when generation ends; cancelling ctx aborts the
	// underlying request.
	GenerateStream(ctx context.Context, prompt string, params Params) (<-chan string, <-chan error)

	// Available checks if the model endpoint is reachable.
	Available(ctx context.Context) bool

	// Close releases resources.
	Close() error
}

// Config configures the Ollama generation client.
type Config struct {
	Endpoint string
	Model    string
	Timeout  time.Duration
}

// OllamaClient talks to Ollama's /api/generate endpoint.
type OllamaClient struct {
	client    *http.Client
	transport *http.Transport
	config    Config

	mu     sync.RWMutex
	closed bool
}

var _ Client = (*OllamaClient)(nil)

// NewOllamaClient creates a generation client.
func NewOllamaClient(cfg Config) *OllamaClient {
	if cfg.Endpoint == "" {
		cfg.Endpoint = DefaultEndpoint
	}
	if cfg.Model == "" {
		cfg.Model = DefaultModel
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}

	transport := &http.Transport{
		MaxIdleConns:        4,
		MaxIdleConnsPerHost: 4,
		IdleConnTimeout:     30 * time.Second,
	}

	return &OllamaClient{
		client:    &http.Client{Transport: transport},
		transport: transport,
		config:    cfg,
	}
}

type generateRequest struct {
	Model   string         `json:"model"`
	Prompt  string         `json:"prompt"`
	Stream  bool           `json:"stream"`
	Options map[string]any `json:"options,omitempty"`
}

type generateResponse struct {
	Response string `json:"response"`
	Done     bool   `json:"done"`
}

func buildOptions(params Params) map[string]any {
	opts := map[string]any{}
	if params.Temperature > 0 {
		opts["temperature"] = params.Temperature
	}
	if params.MaxTokens > 0 {
		opts["num_predict"] = params.MaxTokens
	}
	if len(params.Stop) > 0 {
		opts["stop"] = params.Stop
	}
	if len(opts) == 0 {
		return nil
	}
	return opts
}

// Generate produces a full completion for the prompt.
func (c *OllamaClient) Generate(ctx context.Context, prompt string, params Params) (string, error) {
	resp, err := c.send(ctx, prompt, params, false)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	var parsed generateResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return "", apperr.Wrap(apperr.CodeLLMUnavailable, err)
	}
	return strings.TrimSpace(parsed.Response), nil
}

// GenerateStream produces tokens on the returned channel.
func (c *OllamaClient) GenerateStream(ctx context.Context, prompt string, params Params) (<-chan string, <-chan error) {
	tokens := make(chan string, 16)
	errs := make(chan error, 1)

	go func() {
		defer close(tokens)
		defer close(errs)

		resp, err := c.send(ctx, prompt, params, true)
		if err != nil {
			errs <- err
			return
		}
		defer resp.Body.Close()

		scanner := bufio.NewScanner(resp.Body)
		scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
		for scanner.Scan() {
			line := bytes.TrimSpace(scanner.Bytes())
			if len(line) == 0 {
				continue
			}

			var parsed generateResponse
			if err := json.Unmarshal(line, &parsed); err != nil {
				errs <- apperr.Wrap(apperr.CodeLLMUnavailable, err)
				return
			}
			if parsed.Response != "" {
				select {
				case tokens <- parsed.Response:
				case <-ctx.Done():
					errs <- ctx.Err()
					return
				}
			}
			if parsed.Done {
				return
			}
		}
		if err := scanner.Err(); err != nil && ctx.Err() == nil {
			errs <- apperr.Wrap(apperr.CodeLLMUnavailable, err)
		}
	}()

	return tokens, errs
}

func (c *OllamaClient) send(ctx context.Context, prompt string, params Params, stream bool) (*http.Response, error) {
	c.mu.RLock()
	if c.closed {
		c.mu.RUnlock()
		return nil, fmt.Errorf("llm client is closed")
	}
	c.mu.RUnlock()

	payload, err := json.Marshal(generateRequest{
		Model:   c.config.Model,
		Prompt:  prompt,
		Stream:  stream,
		Options: buildOptions(params),
	})
	if err != nil {
		return nil, fmt.Errorf("marshal generate request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.config.Endpoint+"/api/generate", bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("create generate request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, apperr.Wrap(apperr.CodeLLMUnavailable, err)
	}

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		resp.Body.Close()
		return nil, apperr.Newf(apperr.CodeLLMUnavailable,
			"generate request failed: status %d: %s", resp.StatusCode, body)
	}

	return resp, nil
}

// Available checks reachability of the Ollama endpoint.
func (c *OllamaClient) Available(ctx context.Context) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.config.Endpoint+"/api/tags", nil)
	if err != nil {
		return false
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)
	return resp.StatusCode == http.StatusOK
}

// Close releases HTTP resources.
func (c *OllamaClient) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil
	}
	c.closed = true
	c.transport.CloseIdleConnections()
	return nil
}

// SummaryPrompt builds the fixed summarization prompt used at ingest
// and for external-hit synthesis.
func SummaryPrompt(content string, maxWords int) string {
	if maxWords <= 0 {
		maxWords = 100
	}
	var b strings.Builder
	b.WriteString("Summarize the following news content in at most ")
	fmt.Fprintf(&b, "%d words. Answer with the summary only.\n\n", maxWords)
	b.WriteString(content)
	return b.String()
}
