package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/rubyxyr/XU-News-AI-RAG/internal/chunk"
	"github.com/rubyxyr/XU-News-AI-RAG/internal/config"
	"github.com/rubyxyr/XU-News-AI-RAG/internal/crawler"
	"github.com/rubyxyr/XU-News-AI-RAG/internal/embed"
	"github.com/rubyxyr/XU-News-AI-RAG/internal/executor"
	"github.com/rubyxyr/XU-News-AI-RAG/internal/fetch"
	"github.com/rubyxyr/XU-News-AI-RAG/internal/ingest"
	"github.com/rubyxyr/XU-News-AI-RAG/internal/llm"
	"github.com/rubyxyr/XU-News-AI-RAG/internal/scheduler"
	"github.com/rubyxyr/XU-News-AI-RAG/internal/store"
	"github.com/rubyxyr/XU-News-AI-RAG/internal/vector"
)

// app bundles the wired core components shared by the serve, crawl,
// and compact commands.
type app struct {
	config   *config.Config
	logger   *slog.Logger
	store    *store.Store
	vectors  *vector.Manager
	embedder embed.Embedder
	llm      llm.Client
	pool     *executor.Pool
	coord    *ingest.Coordinator
	rss      *crawler.RSSCrawler
	scraper  *crawler.Scraper
	sched    *scheduler.Scheduler
}

// newApp wires the storage, embedding, crawling, and ingestion stack.
// The caller owns shutdown via close.
func newApp(ctx context.Context, cfg *config.Config) (*app, error) {
	logger := slog.Default()

	st, err := store.Open(cfg.Database.Path)
	if err != nil {
		return nil, fmt.Errorf("open metadata store: %w", err)
	}

	vm, err := vector.NewManager(vector.ManagerConfig{
		Root:                  cfg.VectorStore.Root,
		Dimensions:            embed.DefaultDimensions,
		EmbedderVersion:       cfg.Embedder.ModelID,
		LRUCapacity:           cfg.VectorStore.LRUCapacity,
		CompactThresholdRatio: cfg.VectorStore.CompactThresholdRatio,
		CompactThresholdCount: cfg.VectorStore.CompactThresholdCount,
	}, logger)
	if err != nil {
		_ = st.Close()
		return nil, fmt.Errorf("open vector store: %w", err)
	}

	embedder, err := embed.NewOllamaEmbedder(ctx, embed.OllamaConfig{
		Host:       cfg.Embedder.Endpoint,
		Model:      cfg.Embedder.ModelID,
		Dimensions: embed.DefaultDimensions,
		BatchSize:  cfg.Embedder.BatchSize,
		Timeout:    cfg.EmbedTimeout(),
	})
	if err != nil {
		_ = vm.Close()
		_ = st.Close()
		return nil, err
	}

	llmClient := llm.NewOllamaClient(llm.Config{
		Endpoint: cfg.LLM.Endpoint,
		Model:    cfg.LLM.ModelID,
		Timeout:  time.Duration(cfg.LLM.TimeoutS) * time.Second,
	})
	if !llmClient.Available(ctx) {
		logger.Warn("llm not reachable, summaries disabled until it recovers",
			"endpoint", cfg.LLM.Endpoint)
	}

	fetcher, err := fetch.New(fetch.Config{
		UserAgent: cfg.Fetcher.UserAgent,
		Timeout:   time.Duration(cfg.Fetcher.TimeoutS) * time.Second,
		HostRPS:   cfg.Fetcher.PerHostRPS,
		Proxies:   cfg.Fetcher.Proxies,
	}, logger)
	if err != nil {
		_ = embedder.Close()
		_ = vm.Close()
		_ = st.Close()
		return nil, err
	}

	pool := executor.New(executor.Config{
		Workers:  cfg.Executor.Workers,
		Capacity: cfg.Executor.QueueCapacity,
	}, logger)

	coord := ingest.New(st, vm, embedder, chunk.NewSplitter(), pool, llmClient, logger)
	rss := crawler.NewRSSCrawler(fetcher, logger)
	scraper := crawler.NewScraper(fetcher, logger)
	sched := scheduler.New(scheduler.Config{
		SweepHour: cfg.Scheduler.WebSweepHour,
	}, st, rss, scraper, coord, pool, vm, logger)

	return &app{
		config:   cfg,
		logger:   logger,
		store:    st,
		vectors:  vm,
		embedder: embedder,
		llm:      llmClient,
		pool:     pool,
		coord:    coord,
		rss:      rss,
		scraper:  scraper,
		sched:    sched,
	}, nil
}

// close shuts components down in dependency order: stop producing
// work, drain the pool, then flush and close the stores.
func (a *app) close() {
	if err := a.pool.Close(); err != nil {
		a.logger.Warn("executor close", "error", err)
	}
	if err := a.vectors.Close(); err != nil {
		a.logger.Warn("vector store close", "error", err)
	}
	if err := a.embedder.Close(); err != nil {
		a.logger.Warn("embedder close", "error", err)
	}
	if err := a.llm.Close(); err != nil {
		a.logger.Warn("llm close", "error", err)
	}
	if err := a.store.Close(); err != nil {
		a.logger.Warn("metadata store close", "error", err)
	}
}
