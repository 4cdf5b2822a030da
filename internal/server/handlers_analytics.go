package server

import (
	"fmt"
	"math"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/rubyxyr/XU-News-AI-RAG/internal/apperr"
)

// keywordView is one tag with its share of all tag assignments.
type keywordView struct {
	Name       string  `json:"name"`
	Count      int     `json:"count"`
	Percentage float64 `json:"percentage"`
}

// GET /api/analytics/keywords?limit=N
func (s *Server) handleKeywords(w http.ResponseWriter, r *http.Request) {
	limit := queryInt(r, "limit", 10)
	if limit < 1 || limit > 100 {
		writeError(w, apperr.New(apperr.CodeInvalidLimit, "limit must be between 1 and 100"))
		return
	}

	uid := userID(r)
	tags, err := s.store.TopTags(r.Context(), uid, limit)
	if err != nil {
		writeError(w, err)
		return
	}
	total, err := s.store.CountTagAssignments(r.Context(), uid)
	if err != nil {
		writeError(w, err)
		return
	}

	keywords := make([]keywordView, 0, len(tags))
	for _, tc := range tags {
		kv := keywordView{Name: tc.Name, Count: tc.Count}
		if total > 0 {
			kv.Percentage = round1(float64(tc.Count) * 100 / float64(total))
		}
		keywords = append(keywords, kv)
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"keywords": keywords,
		"total":    total,
	})
}

// parseWindow reads durations like "7d", "24h", or "90m".
func parseWindow(raw string) (time.Duration, error) {
	if strings.HasSuffix(raw, "d") {
		days, err := strconv.Atoi(strings.TrimSuffix(raw, "d"))
		if err != nil || days < 1 || days > 365 {
			return 0, fmt.Errorf("bad day count %q", raw)
		}
		return time.Duration(days) * 24 * time.Hour, nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil || d < time.Minute || d > 365*24*time.Hour {
		return 0, fmt.Errorf("bad window %q", raw)
	}
	return d, nil
}

// GET /api/analytics/trending-queries?window=7d&limit=N
func (s *Server) handleTrending(w http.ResponseWriter, r *http.Request) {
	limit := queryInt(r, "limit", 10)
	if limit < 1 || limit > 100 {
		writeError(w, apperr.New(apperr.CodeInvalidLimit, "limit must be between 1 and 100"))
		return
	}

	window := 7 * 24 * time.Hour
	if raw := r.URL.Query().Get("window"); raw != "" {
		var err error
		window, err = parseWindow(raw)
		if err != nil {
			writeError(w, apperr.ValidationError("window must be like 7d or 24h, at most 365d"))
			return
		}
	}

	since := time.Now().UTC().Add(-window)
	queries, err := s.store.TrendingQueries(r.Context(), userID(r), since, limit)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"trending": queries,
		"window":   window.String(),
	})
}

// GET /api/analytics/index-stats — corpus breakdown plus vector index
// counters.
func (s *Server) handleIndexStats(w http.ResponseWriter, r *http.Request) {
	uid := userID(r)

	byType, err := s.store.CountDocumentsBySourceType(r.Context(), uid)
	if err != nil {
		writeError(w, err)
		return
	}
	total := 0
	for _, c := range byType {
		total += c.Count
	}

	meta, err := s.indexes.Stats(r.Context(), uid)
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"total_documents": total,
		"by_source_type":  byType,
		"index": map[string]any{
			"vector_count":     meta.VectorCount,
			"deleted_count":    meta.DeletedCount,
			"embedder_version": meta.EmbedderVersion,
		},
	})
}

func round1(x float64) float64 {
	return math.Round(x*10) / 10
}
