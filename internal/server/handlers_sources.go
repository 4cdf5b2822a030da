package server

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/rubyxyr/XU-News-AI-RAG/internal/apperr"
	"github.com/rubyxyr/XU-News-AI-RAG/internal/model"
)

type sourceView struct {
	ID             int64      `json:"id"`
	Name           string     `json:"name"`
	URL            string     `json:"url"`
	Kind           string     `json:"kind"`
	CadenceSeconds int        `json:"cadence_seconds"`
	Active         bool       `json:"active"`
	LastFetchedAt  *time.Time `json:"last_fetched_at,omitempty"`
	LastError      string     `json:"last_error,omitempty"`
	FailureCount   int        `json:"failure_count"`
	AutoTags       []string   `json:"auto_tags,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
}

func toSourceView(src *model.Source) sourceView {
	return sourceView{
		ID:             src.ID,
		Name:           src.Name,
		URL:            src.URL,
		Kind:           string(src.Kind),
		CadenceSeconds: src.CadenceSeconds,
		Active:         src.Active,
		LastFetchedAt:  src.LastFetchedAt,
		LastError:      src.LastError,
		FailureCount:   src.FailureCount,
		AutoTags:       src.AutoTags,
		CreatedAt:      src.CreatedAt,
	}
}

type sourceRequest struct {
	Name           string   `json:"name"`
	URL            string   `json:"url"`
	Kind           string   `json:"kind"`
	CadenceSeconds int      `json:"cadence_seconds"`
	Active         *bool    `json:"active"`
	AutoTags       []string `json:"auto_tags"`
}

// GET /api/sources
func (s *Server) handleListSources(w http.ResponseWriter, r *http.Request) {
	sources, err := s.store.ListSources(r.Context(), userID(r))
	if err != nil {
		writeError(w, err)
		return
	}

	views := make([]sourceView, 0, len(sources))
	for _, src := range sources {
		views = append(views, toSourceView(src))
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": views})
}

// POST /api/sources
func (s *Server) handleCreateSource(w http.ResponseWriter, r *http.Request) {
	var req sourceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, apperr.ValidationError("invalid JSON body"))
		return
	}

	src := &model.Source{
		UserID:         userID(r),
		Name:           req.Name,
		URL:            req.URL,
		Kind:           model.SourceKind(req.Kind),
		CadenceSeconds: req.CadenceSeconds,
		Active:         true,
		AutoTags:       req.AutoTags,
	}
	if req.Active != nil {
		src.Active = *req.Active
	}

	if err := s.store.CreateSource(r.Context(), src); err != nil {
		writeError(w, err)
		return
	}

	// Probe the new source once right away. A failing probe records
	// last_error on the source; it never rejects the creation.
	if src.Active {
		if err := s.sched.EnqueuePoll(src); err != nil {
			s.logger.Warn("initial source poll not scheduled",
				"source_id", src.ID, "error", err)
		}
	}
	writeJSON(w, http.StatusCreated, toSourceView(src))
}

// GET /api/sources/{id}
func (s *Server) handleGetSource(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		writeError(w, err)
		return
	}

	src, err := s.store.GetSource(r.Context(), userID(r), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toSourceView(src))
}

// PUT /api/sources/{id}
func (s *Server) handleUpdateSource(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		writeError(w, err)
		return
	}

	src, err := s.store.GetSource(r.Context(), userID(r), id)
	if err != nil {
		writeError(w, err)
		return
	}

	var req sourceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, apperr.ValidationError("invalid JSON body"))
		return
	}

	if req.Name != "" {
		src.Name = req.Name
	}
	if req.URL != "" {
		src.URL = req.URL
	}
	if req.Kind != "" {
		src.Kind = model.SourceKind(req.Kind)
	}
	if req.CadenceSeconds != 0 {
		src.CadenceSeconds = req.CadenceSeconds
	}
	if req.Active != nil {
		src.Active = *req.Active
	}
	if req.AutoTags != nil {
		src.AutoTags = req.AutoTags
	}

	if err := s.store.UpdateSource(r.Context(), src); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toSourceView(src))
}

// DELETE /api/sources/{id}
func (s *Server) handleDeleteSource(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		writeError(w, err)
		return
	}

	if err := s.store.DeleteSource(r.Context(), userID(r), id); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// POST /api/sources/{id}/poll — manual refresh. The poll is enqueued
// on the worker pool like a scheduled one; a full queue surfaces as
// backpressure.
func (s *Server) handlePollSource(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		writeError(w, err)
		return
	}

	src, err := s.store.GetSource(r.Context(), userID(r), id)
	if err != nil {
		writeError(w, err)
		return
	}

	if err := s.sched.EnqueuePoll(src); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{
		"source_id": src.ID,
		"status":    "queued",
	})
}
