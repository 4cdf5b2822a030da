package cmd

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/rubyxyr/XU-News-AI-RAG/internal/config"
	"github.com/rubyxyr/XU-News-AI-RAG/internal/rerank"
	"github.com/rubyxyr/XU-News-AI-RAG/internal/search"
	"github.com/rubyxyr/XU-News-AI-RAG/internal/server"
)

const shutdownTimeout = 15 * time.Second

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API, scheduler, and background workers",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			return runServe(cmd.Context(), cfg)
		},
	}
}

func runServe(parent context.Context, cfg *config.Config) error {
	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx, cfg)
	if err != nil {
		return err
	}
	defer a.close()

	// The reranker and external provider are optional collaborators;
	// the pipeline degrades without them.
	var reranker rerank.Reranker
	if rr, err := rerank.New(ctx, rerank.Config{
		Endpoint:  cfg.Reranker.Endpoint,
		Model:     cfg.Reranker.ModelID,
		BatchSize: cfg.Reranker.BatchSize,
		Timeout:   time.Duration(cfg.Reranker.TimeoutS) * time.Second,
	}); err != nil {
		a.logger.Warn("reranker not reachable, using vector order", "error", err)
	} else {
		reranker = rr
		defer rr.Close()
	}

	var provider search.Provider
	if cfg.Search.GoogleAPIKey != "" && cfg.Search.GoogleEngineID != "" {
		p, err := search.NewGoogleProvider(search.GoogleConfig{
			APIKey:   cfg.Search.GoogleAPIKey,
			EngineID: cfg.Search.GoogleEngineID,
		})
		if err != nil {
			return err
		}
		provider = p
		a.logger.Info("external search enabled", "provider", p.String())
	} else {
		a.logger.Info("external search disabled, no credentials")
	}

	engine := search.New(a.store, a.vectors, a.embedder, reranker, provider,
		a.llm, search.Config{
			MinSimilarity: cfg.Search.ExternalTriggerThreshold,
			MinResults:    cfg.Search.ExternalTriggerMinHits,
			Timeout:       cfg.SearchTimeout(),
		}, a.logger)

	if len(cfg.Server.AuthTokens) == 0 {
		return fmt.Errorf("server.auth_tokens is empty, no user could authenticate")
	}
	for _, userID := range cfg.Server.AuthTokens {
		if err := a.store.EnsureUser(ctx, userID, fmt.Sprintf("user-%d", userID)); err != nil {
			return err
		}
	}

	// Resume work interrupted by the previous shutdown.
	userIDs, err := a.store.ListUserIDs(ctx)
	if err != nil {
		return err
	}
	for _, userID := range userIDs {
		if err := a.coord.RecoverPending(ctx, userID); err != nil {
			a.logger.Warn("recover pending", "user_id", userID, "error", err)
		}
	}

	a.sched.Start()
	defer a.sched.Stop()

	srv := server.New(server.Config{
		Addr:        cfg.Server.Addr,
		UploadLimit: cfg.Upload.MaxBytes,
	}, server.NewTokenMapVerifier(cfg.Server.AuthTokens),
		a.store, a.coord, engine, a.sched, a.vectors, a.logger)

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Start() }()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	a.logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		a.logger.Warn("http shutdown", "error", err)
	}
	return nil
}
