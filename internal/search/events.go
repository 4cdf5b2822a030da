package search

import (
	"time"

	"github.com/rubyxyr/XU-News-AI-RAG/internal/model"
)

// Event types emitted by the streaming pipeline. Every stream ends
// with exactly one terminal event: completed or error.
const (
	EventStarted             = "started"
	EventProgress            = "progress"
	EventResultPartial       = "result_partial"
	EventExternalResult      = "external_result"
	EventSummaryToken        = "summary_token"
	EventSummaryEnd          = "summary_end"
	EventExternalUnavailable = "external_unavailable"
	EventCompleted           = "completed"
	EventError               = "error"
)

// Pipeline stages reported on progress events.
const (
	StageEmbedding   = "embedding"
	StageSearching   = "searching"
	StageReranking   = "reranking"
	StageCalibrating = "calibrating"
	StageExternal    = "external"
	StageSummarizing = "summarizing"
)

// Result is one knowledge-base hit.
type Result struct {
	DocumentID  int64            `json:"document_id"`
	Title       string           `json:"title"`
	Snippet     string           `json:"snippet"`
	SourceURL   string           `json:"source_url,omitempty"`
	SourceType  model.SourceType `json:"source_type"`
	Tags        []string         `json:"tags,omitempty"`
	PublishedAt *time.Time       `json:"published_at,omitempty"`
	Score       float64          `json:"score"`      // display score in [0,1]
	Similarity  float64          `json:"similarity"` // vector similarity in [0,1]
}

// ExternalHit is one web-search fallback result.
type ExternalHit struct {
	Title   string `json:"title"`
	URL     string `json:"url"`
	Snippet string `json:"snippet"`
	Summary string `json:"ai_summary,omitempty"`
}

// Event is one streamed pipeline update. Fields are populated
// per-type; unused ones are omitted from the JSON. Index fields are
// pointers so a legitimate zero survives omitempty.
type Event struct {
	Type string `json:"type"`

	// started
	Query     string `json:"query,omitempty"`
	RequestID string `json:"request_id,omitempty"`

	// progress
	Stage      string `json:"stage,omitempty"`
	Percentage *int   `json:"percentage,omitempty"`
	Message    string `json:"message,omitempty"`

	// result_partial
	Index      *int     `json:"index,omitempty"`
	DocumentID int64    `json:"document_id,omitempty"`
	Title      string   `json:"title,omitempty"`
	Similarity float64  `json:"similarity,omitempty"`
	Tags       []string `json:"tags,omitempty"`

	// external_result
	URL     string `json:"url,omitempty"`
	Snippet string `json:"snippet,omitempty"`

	// summary_token, summary_end
	ResultIndex *int   `json:"result_index,omitempty"`
	Token       string `json:"token,omitempty"`
	Done        *bool  `json:"done,omitempty"`

	// external_unavailable
	Reason string `json:"reason,omitempty"`

	// completed. Pointers so the zero counts of an empty search still
	// serialize on the terminal event.
	ResultsCount         *int   `json:"results_count,omitempty"`
	ExternalResultsCount *int   `json:"external_results_count,omitempty"`
	ElapsedMS            *int64 `json:"elapsed_ms,omitempty"`

	// error
	Code string `json:"code,omitempty"`
}

// Metadata describes one completed search run.
type Metadata struct {
	Query             string `json:"query"`
	RequestID         string `json:"request_id"`
	ExternalTriggered bool   `json:"external_triggered"`
	ElapsedMS         int64  `json:"elapsed_ms"`
}

// Response is the blocking-mode result of a pipeline run.
type Response struct {
	Results         []Result      `json:"results"`
	ExternalResults []ExternalHit `json:"external_results"`
	Metadata        Metadata      `json:"metadata"`
}

func intp(i int) *int { return &i }

func int64p(i int64) *int64 { return &i }

func boolp(b bool) *bool { return &b }
