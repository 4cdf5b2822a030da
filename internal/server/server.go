// Package server exposes the HTTP API: content management, retrieval
// (blocking and SSE streaming), source administration, and analytics.
package server

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/rubyxyr/XU-News-AI-RAG/internal/ingest"
	"github.com/rubyxyr/XU-News-AI-RAG/internal/model"
	"github.com/rubyxyr/XU-News-AI-RAG/internal/scheduler"
	"github.com/rubyxyr/XU-News-AI-RAG/internal/search"
	"github.com/rubyxyr/XU-News-AI-RAG/internal/store"
	"github.com/rubyxyr/XU-News-AI-RAG/internal/vector"
)

// DefaultUploadLimit caps multipart upload size.
const DefaultUploadLimit = 16 << 20 // 16 MiB

// IndexStats is the slice of the vector manager the stats endpoint
// needs.
type IndexStats interface {
	Stats(ctx context.Context, userID int64) (vector.Meta, error)
}

// Config tunes the HTTP server.
type Config struct {
	// Addr is the listen address.
	Addr string

	// UploadLimit caps multipart uploads in bytes.
	UploadLimit int64
}

// Server wires handlers to the domain services.
type Server struct {
	config    Config
	verifier  Verifier
	store     *store.Store
	coord     *ingest.Coordinator
	engine    *search.Engine
	sched     *scheduler.Scheduler
	indexes   IndexStats
	logger    *slog.Logger

	http *http.Server
}

// New creates the server and its router.
func New(cfg Config, verifier Verifier, st *store.Store, coord *ingest.Coordinator,
	engine *search.Engine, sched *scheduler.Scheduler, indexes IndexStats,
	logger *slog.Logger) *Server {
	if cfg.UploadLimit <= 0 {
		cfg.UploadLimit = DefaultUploadLimit
	}
	if logger == nil {
		logger = slog.Default()
	}

	s := &Server{
		config:   cfg,
		verifier: verifier,
		store:    st,
		coord:    coord,
		engine:   engine,
		sched:    sched,
		indexes:  indexes,
		logger:   logger.With("component", "server"),
	}

	s.http = &http.Server{
		Addr:              cfg.Addr,
		Handler:           s.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Router builds the chi router. Exposed for handler tests.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(s.logRequests)

	r.Get("/health", s.handleHealth)

	r.Route("/api", func(r chi.Router) {
		r.Use(s.requireAuth)

		r.Route("/content/documents", func(r chi.Router) {
			r.Get("/", s.handleListContent)
			r.Post("/", s.handleCreateContent)
			r.Post("/upload/stream", s.handleUploadStream)
			r.Post("/retry", s.handleRetryFailed)
			r.Route("/{id}", func(r chi.Router) {
				r.Get("/", s.handleGetContent)
				r.Put("/", s.handleUpdateContent)
				r.Delete("/", s.handleDeleteContent)
			})
		})

		r.Route("/search", func(r chi.Router) {
			r.Post("/semantic", s.handleSearch)
			r.Post("/semantic/stream", s.handleSearchStream)
			r.Get("/history", s.handleHistory)
		})

		r.Route("/sources", func(r chi.Router) {
			r.Get("/", s.handleListSources)
			r.Post("/", s.handleCreateSource)
			r.Route("/{id}", func(r chi.Router) {
				r.Get("/", s.handleGetSource)
				r.Put("/", s.handleUpdateSource)
				r.Delete("/", s.handleDeleteSource)
				r.Post("/poll", s.handlePollSource)
			})
		})

		r.Route("/analytics", func(r chi.Router) {
			r.Get("/keywords", s.handleKeywords)
			r.Get("/trending-queries", s.handleTrending)
			r.Get("/index-stats", s.handleIndexStats)
		})
	})

	return r
}

// Start begins serving. Blocks until the listener fails or Shutdown
// is called.
func (s *Server) Start() error {
	s.logger.Info("http server listening", "addr", s.config.Addr)
	err := s.http.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.logger.Debug("request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"bytes", ww.BytesWritten(),
			"elapsed", time.Since(start))
	})
}

// sourceTypeFromQuery validates an optional source_type filter.
func sourceTypeFromQuery(raw string) (model.SourceType, bool) {
	if raw == "" {
		return "", true
	}
	st := model.SourceType(raw)
	return st, model.ValidSourceType(st)
}
