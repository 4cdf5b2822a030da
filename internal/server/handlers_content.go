package server

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/rubyxyr/XU-News-AI-RAG/internal/apperr"
	"github.com/rubyxyr/XU-News-AI-RAG/internal/importer"
	"github.com/rubyxyr/XU-News-AI-RAG/internal/model"
	"github.com/rubyxyr/XU-News-AI-RAG/internal/store"
)

// documentView is the API shape of a document. Content is included
// only on single-document fetches.
type documentView struct {
	ID           int64            `json:"id"`
	Title        string           `json:"title"`
	Content      string           `json:"content,omitempty"`
	Summary      string           `json:"summary,omitempty"`
	SourceURL    string           `json:"source_url,omitempty"`
	SourceType   model.SourceType `json:"source_type"`
	Author       string           `json:"author,omitempty"`
	PublishedAt  *time.Time       `json:"published_at,omitempty"`
	CreatedAt    time.Time        `json:"created_at"`
	UpdatedAt    time.Time        `json:"updated_at"`
	IndexedState string           `json:"indexed_state"`
	Tags         []string         `json:"tags,omitempty"`
}

func toView(doc *model.Document, withContent bool) documentView {
	v := documentView{
		ID:           doc.ID,
		Title:        doc.Title,
		Summary:      doc.Summary,
		SourceURL:    doc.SourceURL,
		SourceType:   doc.SourceType,
		Author:       doc.Author,
		PublishedAt:  doc.PublishedAt,
		CreatedAt:    doc.CreatedAt,
		UpdatedAt:    doc.UpdatedAt,
		IndexedState: string(doc.IndexedState),
		Tags:         doc.Tags,
	}
	if withContent {
		v.Content = doc.Content
	}
	return v
}

func pathID(r *http.Request) (int64, error) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id <= 0 {
		return 0, apperr.ValidationError("id must be a positive integer")
	}
	return id, nil
}

func queryInt(r *http.Request, name string, fallback int) int {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return fallback
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return fallback
	}
	return n
}

// dateLayouts accepted in date_from / date_to filters.
var dateLayouts = []string{time.RFC3339, "2006-01-02"}

func parseFilterDate(raw string) (time.Time, error) {
	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, raw); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("no layout matched %q", raw)
}

// GET /api/content/documents
func (s *Server) handleListContent(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	sourceType, ok := sourceTypeFromQuery(q.Get("source_type"))
	if !ok {
		writeError(w, apperr.ValidationError(fmt.Sprintf("unknown source_type %q", q.Get("source_type"))))
		return
	}

	page := queryInt(r, "page", 1)
	if page < 1 {
		writeError(w, apperr.ValidationError("page must be >= 1"))
		return
	}
	perPage := queryInt(r, "per_page", 20)
	if perPage < 1 || perPage > 100 {
		writeError(w, apperr.New(apperr.CodeInvalidLimit, "per_page must be between 1 and 100"))
		return
	}

	filter := store.DocumentFilter{
		SourceType: sourceType,
		Text:       q.Get("search"),
		Limit:      perPage,
		Offset:     (page - 1) * perPage,
	}
	if raw := q.Get("tags"); raw != "" {
		for _, tag := range strings.Split(raw, ",") {
			if tag = strings.TrimSpace(tag); tag != "" {
				filter.Tags = append(filter.Tags, tag)
			}
		}
	}
	if raw := q.Get("date_from"); raw != "" {
		t, err := parseFilterDate(raw)
		if err != nil {
			writeError(w, apperr.ValidationError("date_from must be RFC 3339 or YYYY-MM-DD"))
			return
		}
		filter.From = &t
	}
	if raw := q.Get("date_to"); raw != "" {
		t, err := parseFilterDate(raw)
		if err != nil {
			writeError(w, apperr.ValidationError("date_to must be RFC 3339 or YYYY-MM-DD"))
			return
		}
		filter.To = &t
	}

	docs, total, err := s.store.ListDocuments(r.Context(), userID(r), filter)
	if err != nil {
		writeError(w, err)
		return
	}

	views := make([]documentView, 0, len(docs))
	for _, doc := range docs {
		views = append(views, toView(doc, false))
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"items":    views,
		"total":    total,
		"page":     page,
		"per_page": perPage,
	})
}

type createContentRequest struct {
	Title       string     `json:"title"`
	Content     string     `json:"content"`
	Summary     string     `json:"summary"`
	SourceURL   string     `json:"source_url"`
	Author      string     `json:"author"`
	PublishedAt *time.Time `json:"published_at"`
	Tags        []string   `json:"tags"`
}

// POST /api/content
func (s *Server) handleCreateContent(w http.ResponseWriter, r *http.Request) {
	var req createContentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, apperr.ValidationError("invalid JSON body"))
		return
	}

	doc, err := s.coord.Ingest(r.Context(), userID(r), model.Article{
		Title:       req.Title,
		Content:     req.Content,
		Summary:     req.Summary,
		SourceURL:   req.SourceURL,
		Author:      req.Author,
		PublishedAt: req.PublishedAt,
		Tags:        req.Tags,
	}, model.SourceTypeManual, nil)
	if err != nil {
		writeError(w, err)
		return
	}
	if doc == nil {
		writeError(w, apperr.Duplicate("content already exists"))
		return
	}
	// 202: the row exists but indexing still runs in the background.
	writeJSON(w, http.StatusAccepted, toView(doc, false))
}

// GET /api/content/{id}
func (s *Server) handleGetContent(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		writeError(w, err)
		return
	}

	doc, err := s.store.GetDocument(r.Context(), userID(r), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toView(doc, true))
}

type updateContentRequest struct {
	Summary *string  `json:"summary"`
	Tags    []string `json:"tags"`
}

// PUT /api/content/{id}
func (s *Server) handleUpdateContent(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		writeError(w, err)
		return
	}

	var req updateContentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, apperr.ValidationError("invalid JSON body"))
		return
	}
	if req.Summary == nil && req.Tags == nil {
		writeError(w, apperr.ValidationError("nothing to update"))
		return
	}

	doc, err := s.store.UpdateDocument(r.Context(), userID(r), id, req.Summary, req.Tags)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toView(doc, false))
}

// DELETE /api/content/documents/{id}
//
// Metadata is removed synchronously; the vector eviction runs as a
// background task.
func (s *Server) handleDeleteContent(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		writeError(w, err)
		return
	}

	if err := s.coord.Delete(r.Context(), userID(r), id); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"id": id, "deleted": true})
}

// POST /api/content/documents/retry
func (s *Server) handleRetryFailed(w http.ResponseWriter, r *http.Request) {
	retried, err := s.coord.RetryFailed(r.Context(), userID(r))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"retried": retried})
}

// POST /api/content/documents/upload/stream (multipart, field "file")
//
// The import streams SSE: started, one row_ok or row_error per data
// row, progress between them, and exactly one terminal completed or
// error event. Malformed requests fail as plain JSON before the
// stream opens.
func (s *Server) handleUploadStream(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, s.config.UploadLimit)
	if err := r.ParseMultipartForm(s.config.UploadLimit); err != nil {
		writeError(w, apperr.New(apperr.CodeFileTooLarge,
			fmt.Sprintf("upload exceeds %d bytes or is malformed", s.config.UploadLimit)))
		return
	}

	file, header, err := r.FormFile("file")
	if err != nil {
		writeError(w, apperr.ValidationError("multipart field 'file' is required"))
		return
	}
	defer file.Close()

	format, err := importer.FormatForFilename(header.Filename)
	if err != nil {
		writeError(w, err)
		return
	}

	var tags []string
	if raw := r.FormValue("tags"); raw != "" {
		if err := json.Unmarshal([]byte(raw), &tags); err != nil {
			writeError(w, apperr.ValidationError("tags must be a JSON string array"))
			return
		}
	}

	parsed, err := importer.Parse(file, format)
	if err != nil {
		writeError(w, err)
		return
	}

	sse, err := openSSE(w)
	if err != nil {
		writeError(w, err)
		return
	}

	emit := func(v map[string]any) bool { return sse.emitJSON(v) == nil }

	total := len(parsed.Items) + len(parsed.Errors)
	if !emit(map[string]any{"type": "started", "filename": header.Filename, "rows": total}) {
		return
	}

	failed := 0
	for _, rowErr := range parsed.Errors {
		failed++
		if !emit(map[string]any{"type": "row_error", "row": rowErr.Row, "reason": rowErr.Reason}) {
			return
		}
	}

	inserted, skipped, processed := 0, 0, len(parsed.Errors)
	for _, item := range parsed.Items {
		if r.Context().Err() != nil {
			return
		}
		doc, err := s.coord.Ingest(r.Context(), userID(r), item.Article,
			model.SourceTypeUpload, tags)
		processed++
		switch {
		case err != nil:
			failed++
			if !emit(map[string]any{"type": "row_error", "row": item.Row, "reason": err.Error()}) {
				return
			}
		case doc == nil: // dedup hit, counted but not an error
			skipped++
			if !emit(map[string]any{"type": "row_ok", "row": item.Row, "skipped": true}) {
				return
			}
		default:
			inserted++
			if !emit(map[string]any{"type": "row_ok", "row": item.Row, "document_id": doc.ID}) {
				return
			}
		}
		if !emit(map[string]any{
			"type":       "progress",
			"percentage": processed * 100 / total,
			"message":    fmt.Sprintf("%d of %d rows", processed, total),
		}) {
			return
		}
	}

	emit(map[string]any{
		"type":     "completed",
		"inserted": inserted,
		"skipped":  skipped,
		"failed":   failed,
	})
}
