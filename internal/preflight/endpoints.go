package preflight

import (
	"context"
	"fmt"
	"time"

	"github.com/rubyxyr/XU-News-AI-RAG/internal/embed"
	"github.com/rubyxyr/XU-News-AI-RAG/internal/llm"
	"github.com/rubyxyr/XU-News-AI-RAG/internal/rerank"
)

// probeTimeout bounds each endpoint probe.
const probeTimeout = 5 * time.Second

// CheckEmbedder probes the embedding endpoint. Required: without it
// nothing can be indexed or searched.
func (c *Checker) CheckEmbedder(ctx context.Context) CheckResult {
	result := CheckResult{
		Name:     "embedder",
		Required: true,
	}

	e, err := embed.NewOllamaEmbedder(ctx, embed.OllamaConfig{
		Host:            c.config.Embedder.Endpoint,
		Model:           c.config.Embedder.ModelID,
		SkipHealthCheck: true,
	})
	if err != nil {
		result.Status = StatusFail
		result.Message = err.Error()
		return result
	}
	defer func() { _ = e.Close() }()

	probeCtx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()
	if !e.Available(probeCtx) {
		result.Status = StatusFail
		result.Message = fmt.Sprintf("model %q not reachable at %s",
			c.config.Embedder.ModelID, c.config.Embedder.Endpoint)
		return result
	}

	result.Status = StatusPass
	result.Message = fmt.Sprintf("%s at %s", c.config.Embedder.ModelID, c.config.Embedder.Endpoint)
	return result
}

// CheckLLM probes the generation endpoint. Summaries degrade without
// it, so a miss is only a warning.
func (c *Checker) CheckLLM(ctx context.Context) CheckResult {
	result := CheckResult{Name: "llm"}

	client := llm.NewOllamaClient(llm.Config{
		Endpoint: c.config.LLM.Endpoint,
		Model:    c.config.LLM.ModelID,
	})
	defer func() { _ = client.Close() }()

	probeCtx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()
	if !client.Available(probeCtx) {
		result.Status = StatusWarn
		result.Message = fmt.Sprintf("model %q not reachable at %s, summaries disabled",
			c.config.LLM.ModelID, c.config.LLM.Endpoint)
		return result
	}

	result.Status = StatusPass
	result.Message = fmt.Sprintf("%s at %s", c.config.LLM.ModelID, c.config.LLM.Endpoint)
	return result
}

// CheckReranker probes the cross-encoder endpoint. Results fall back
// to vector order without it, so a miss is only a warning.
func (c *Checker) CheckReranker(ctx context.Context) CheckResult {
	result := CheckResult{Name: "reranker"}

	rr, err := rerank.New(ctx, rerank.Config{
		Endpoint:        c.config.Reranker.Endpoint,
		Model:           c.config.Reranker.ModelID,
		SkipHealthCheck: true,
	})
	if err != nil {
		result.Status = StatusWarn
		result.Message = err.Error()
		return result
	}
	defer func() { _ = rr.Close() }()

	probeCtx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()
	if !rr.Available(probeCtx) {
		result.Status = StatusWarn
		result.Message = fmt.Sprintf("not reachable at %s, using vector order",
			c.config.Reranker.Endpoint)
		return result
	}

	result.Status = StatusPass
	result.Message = fmt.Sprintf("%s at %s", c.config.Reranker.ModelID, c.config.Reranker.Endpoint)
	return result
}

// CheckExternalSearch reports whether web-search credentials are
// configured. Purely informational.
func (c *Checker) CheckExternalSearch() CheckResult {
	result := CheckResult{Name: "external_search"}

	if c.config.Search.GoogleAPIKey == "" || c.config.Search.GoogleEngineID == "" {
		result.Status = StatusWarn
		result.Message = "no credentials, web fallback disabled"
		return result
	}

	result.Status = StatusPass
	result.Message = "credentials configured"
	return result
}
