package server

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/rubyxyr/XU-News-AI-RAG/internal/apperr"
	"github.com/rubyxyr/XU-News-AI-RAG/internal/search"
)

type searchRequest struct {
	Query           string         `json:"query"`
	Limit           int            `json:"limit"`
	SearchType      string         `json:"search_type"` // semantic (default) or keyword
	IncludeExternal *bool          `json:"include_external"`
	Filters         *searchFilters `json:"filters"`
}

// searchFilters mirrors the document-list filter set; matched against
// document metadata after the vector stage.
type searchFilters struct {
	SourceType string   `json:"source_type"`
	DateFrom   string   `json:"date_from"`
	DateTo     string   `json:"date_to"`
	Tags       []string `json:"tags"`
}

func (req searchRequest) options() (search.Options, error) {
	opts := search.Options{Limit: req.Limit}
	if req.IncludeExternal != nil && !*req.IncludeExternal {
		opts.DisableExternal = true
	}
	switch req.SearchType {
	case "", string(search.ModeSemantic):
		opts.Mode = search.ModeSemantic
	case string(search.ModeKeyword):
		opts.Mode = search.ModeKeyword
	default:
		return opts, apperr.ValidationError("search_type must be semantic or keyword")
	}
	if req.Filters == nil {
		return opts, nil
	}

	sourceType, ok := sourceTypeFromQuery(req.Filters.SourceType)
	if !ok {
		return opts, apperr.ValidationError(
			fmt.Sprintf("unknown source_type %q", req.Filters.SourceType))
	}
	opts.Filters.SourceType = sourceType
	if raw := req.Filters.DateFrom; raw != "" {
		t, err := parseFilterDate(raw)
		if err != nil {
			return opts, apperr.ValidationError("date_from must be RFC 3339 or YYYY-MM-DD")
		}
		opts.Filters.From = &t
	}
	if raw := req.Filters.DateTo; raw != "" {
		t, err := parseFilterDate(raw)
		if err != nil {
			return opts, apperr.ValidationError("date_to must be RFC 3339 or YYYY-MM-DD")
		}
		opts.Filters.To = &t
	}
	for _, tag := range req.Filters.Tags {
		if tag = strings.TrimSpace(tag); tag != "" {
			opts.Filters.Tags = append(opts.Filters.Tags, tag)
		}
	}
	return opts, nil
}

// POST /api/search/semantic
func (s *Server) handleSearch(w http.ResponseWriter, r *http.Request) {
	var req searchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, apperr.ValidationError("invalid JSON body"))
		return
	}
	opts, err := req.options()
	if err != nil {
		writeError(w, err)
		return
	}

	resp, err := s.engine.Search(r.Context(), userID(r), req.Query, opts)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

// POST /api/search/semantic/stream
//
// Server-sent events: each pipeline event is one data-only SSE frame.
// The stream always ends with a completed or error event; transport
// errors after the stream starts cannot change the status code, so
// errors surface in-band.
func (s *Server) handleSearchStream(w http.ResponseWriter, r *http.Request) {
	var req searchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, apperr.ValidationError("invalid JSON body"))
		return
	}
	opts, err := req.options()
	if err != nil {
		writeError(w, err)
		return
	}

	sse, err := openSSE(w)
	if err != nil {
		writeError(w, err)
		return
	}

	err = s.engine.Stream(r.Context(), userID(r), req.Query, opts, sse.emit)
	if err != nil && r.Context().Err() == nil {
		// The engine already emitted the terminal error event; this is
		// just for the log line.
		s.logger.Debug("search stream ended with error", "error", err)
	}
}

// GET /api/search/history
func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	limit := queryInt(r, "limit", 20)
	if limit < 1 || limit > 100 {
		writeError(w, apperr.New(apperr.CodeInvalidLimit, "limit must be between 1 and 100"))
		return
	}
	offset := queryInt(r, "offset", 0)
	if offset < 0 {
		offset = 0
	}

	records, err := s.store.SearchHistory(r.Context(), userID(r), limit, offset)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"items":  records,
		"limit":  limit,
		"offset": offset,
	})
}

// sseWriter frames events as data-only SSE messages.
type sseWriter struct {
	w       http.ResponseWriter
	flusher http.Flusher
}

// openSSE switches the response to an event stream. Fails before any
// bytes are written, so callers can still send a JSON error.
func openSSE(w http.ResponseWriter) (*sseWriter, error) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil, apperr.New(apperr.CodeInternal, "streaming unsupported")
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	return &sseWriter{w: w, flusher: flusher}, nil
}

func (s *sseWriter) emit(ev search.Event) error {
	return s.emitJSON(ev)
}

func (s *sseWriter) emitJSON(v any) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return err
	}
	if _, err := s.w.Write([]byte("data: ")); err != nil {
		return err
	}
	if _, err := s.w.Write(payload); err != nil {
		return err
	}
	if _, err := s.w.Write([]byte("\n\n")); err != nil {
		return err
	}
	s.flusher.Flush()
	return nil
}
