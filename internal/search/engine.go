// Package search runs the retrieval pipeline: query embedding, ANN
// lookup, cross-encoder rerank, and the external web fallback with
// LLM summaries.
package search

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/rubyxyr/XU-News-AI-RAG/internal/apperr"
	"github.com/rubyxyr/XU-News-AI-RAG/internal/embed"
	"github.com/rubyxyr/XU-News-AI-RAG/internal/llm"
	"github.com/rubyxyr/XU-News-AI-RAG/internal/model"
	"github.com/rubyxyr/XU-News-AI-RAG/internal/rerank"
	"github.com/rubyxyr/XU-News-AI-RAG/internal/store"
	"github.com/rubyxyr/XU-News-AI-RAG/internal/vector"
)

// Limits and defaults for the pipeline.
const (
	DefaultLimit     = 10
	MaxLimit         = 100
	DefaultTimeout   = 60 * time.Second
	DefaultMinSim    = 0.35
	DefaultMinHits   = 3
	maxExternal      = 5   // web hits requested from the provider
	maxSummarized    = 3   // external hits summarized concurrently
	summaryWordLimit = 120 // words per external summary
)

// Mode selects the retrieval strategy.
type Mode string

const (
	ModeSemantic Mode = "semantic"
	ModeKeyword  Mode = "keyword"
)

// Options tune one search request.
type Options struct {
	Limit           int
	Mode            Mode
	DisableExternal bool
	Filters         Filters
}

// Filters narrows candidates against document metadata after the ANN
// stage. Zero values mean "no filter".
type Filters struct {
	SourceType model.SourceType
	From       *time.Time // created_at >= From
	To         *time.Time // created_at < To
	Tags       []string   // match any, case-folded
}

func (f Filters) isZero() bool {
	return f.SourceType == "" && f.From == nil && f.To == nil && len(f.Tags) == 0
}

func (f Filters) match(doc *model.Document) bool {
	if f.SourceType != "" && doc.SourceType != f.SourceType {
		return false
	}
	if f.From != nil && doc.CreatedAt.Before(*f.From) {
		return false
	}
	if f.To != nil && !doc.CreatedAt.Before(*f.To) {
		return false
	}
	if len(f.Tags) == 0 {
		return true
	}
	for _, want := range f.Tags {
		want = model.NormalizeTag(want)
		for _, have := range doc.Tags {
			if have == want {
				return true
			}
		}
	}
	return false
}

// Vectors is the ANN dependency, satisfied by vector.Manager.
type Vectors interface {
	Search(ctx context.Context, userID int64, query []float32, k int) ([]vector.Hit, error)
}

// Provider is the external web-search fallback, satisfied by the
// Google Custom Search client.
type Provider interface {
	Search(ctx context.Context, query string, limit int) ([]ExternalHit, error)
}

// Config tunes the engine.
type Config struct {
	// MinSimilarity triggers the external fallback when the best hit
	// falls below it.
	MinSimilarity float64

	// MinResults triggers the external fallback when fewer hits return.
	MinResults int

	// Timeout bounds a whole pipeline run.
	Timeout time.Duration
}

// Engine runs searches. External provider, reranker, and LLM are all
// optional; the pipeline degrades per-stage instead of failing.
type Engine struct {
	store    *store.Store
	vectors  Vectors
	embedder embed.Embedder
	reranker rerank.Reranker
	external Provider
	llm      llm.Client
	config   Config
	logger   *slog.Logger
}

// New creates a search engine.
func New(st *store.Store, vectors Vectors, embedder embed.Embedder,
	reranker rerank.Reranker, external Provider, llmClient llm.Client,
	cfg Config, logger *slog.Logger) *Engine {
	if cfg.MinSimilarity <= 0 {
		cfg.MinSimilarity = DefaultMinSim
	}
	if cfg.MinResults <= 0 {
		cfg.MinResults = DefaultMinHits
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if reranker == nil {
		reranker = &rerank.NoOpReranker{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		store:    st,
		vectors:  vectors,
		embedder: embedder,
		reranker: reranker,
		external: external,
		llm:      llmClient,
		config:   cfg,
		logger:   logger.With("component", "search"),
	}
}

// Emit receives pipeline events. Returning an error aborts the stream
// (e.g. the client went away).
type Emit func(Event) error

// Search runs the pipeline in blocking mode.
func (e *Engine) Search(ctx context.Context, userID int64, query string, opts Options) (*Response, error) {
	return e.run(ctx, userID, query, opts, func(Event) error { return nil })
}

// Stream runs the pipeline, emitting progress events. Exactly one
// terminal event is emitted: completed on success, error otherwise
// (the returned error matches the error event).
func (e *Engine) Stream(ctx context.Context, userID int64, query string, opts Options, emit Emit) error {
	_, err := e.run(ctx, userID, query, opts, emit)
	return err
}

// run is the shared pipeline core: it computes the blocking response
// while feeding the event stream.
func (e *Engine) run(ctx context.Context, userID int64, query string, opts Options, emit Emit) (*Response, error) {
	start := time.Now()

	query = strings.TrimSpace(query)
	if query == "" {
		return nil, e.fail(emit, apperr.New(apperr.CodeQueryEmpty, "query must not be empty"))
	}
	limit := opts.Limit
	if limit == 0 {
		limit = DefaultLimit
	}
	if limit < 1 || limit > MaxLimit {
		return nil, e.fail(emit, apperr.Newf(apperr.CodeInvalidLimit,
			"limit must be between 1 and %d, got %d", MaxLimit, limit))
	}

	ctx, cancel := context.WithTimeout(ctx, e.config.Timeout)
	defer cancel()

	requestID := uuid.NewString()
	if err := emit(Event{Type: EventStarted, Query: query, RequestID: requestID}); err != nil {
		return nil, err
	}

	// The history row is written up front with zero counts, so queries
	// that fail mid-pipeline still appear in the log.
	recordID := e.startRecord(userID, query)

	var results []Result
	var bestSim float64
	var pipelineErr error
	if opts.Mode == ModeKeyword {
		results, pipelineErr = e.keywordResults(ctx, userID, query, limit, opts.Filters, emit)
	} else {
		results, bestSim, pipelineErr = e.semanticResults(ctx, userID, query, limit, opts.Filters, emit)
	}
	if pipelineErr != nil {
		return nil, e.fail(emit, pipelineErr)
	}

	for i, r := range results {
		err := emit(Event{
			Type:       EventResultPartial,
			Index:      intp(i),
			DocumentID: r.DocumentID,
			Title:      r.Title,
			Similarity: r.Similarity,
			Tags:       r.Tags,
		})
		if err != nil {
			return nil, err
		}
	}

	resp := &Response{
		Results:         results,
		ExternalResults: []ExternalHit{},
		Metadata: Metadata{
			Query:     query,
			RequestID: requestID,
		},
	}

	externalWanted := e.external != nil && !opts.DisableExternal &&
		opts.Mode != ModeKeyword && e.shouldFallBack(len(results), bestSim)
	if externalWanted {
		resp.Metadata.ExternalTriggered = true
		hits, err := e.runExternal(ctx, query, emit)
		if err != nil {
			return nil, err
		}
		resp.ExternalResults = hits
	}

	elapsed := time.Since(start)
	resp.Metadata.ElapsedMS = elapsed.Milliseconds()
	e.finishRecord(recordID, len(results), elapsed)

	err := emit(Event{
		Type:                 EventCompleted,
		ResultsCount:         intp(len(results)),
		ExternalResultsCount: intp(len(resp.ExternalResults)),
		ElapsedMS:            int64p(elapsed.Milliseconds()),
	})
	if err != nil {
		return nil, err
	}
	return resp, nil
}

// fail emits the terminal error event and returns the error. Partial
// results already emitted are superseded by the error.
func (e *Engine) fail(emit Emit, err error) error {
	_ = emit(Event{
		Type:    EventError,
		Code:    apperr.GetCode(err),
		Message: err.Error(),
	})
	return err
}

func progress(emit Emit, stage string, percentage int, message string) error {
	return emit(Event{
		Type:       EventProgress,
		Stage:      stage,
		Percentage: intp(percentage),
		Message:    message,
	})
}

// semanticResults runs embed -> ANN -> filter -> rerank -> collapse.
// The second return value is the best distance-based similarity among
// the kept results, the signal the external fallback triggers on.
func (e *Engine) semanticResults(ctx context.Context, userID int64, query string, limit int, filters Filters, emit Emit) ([]Result, float64, error) {
	if err := progress(emit, StageEmbedding, 10, "embedding query"); err != nil {
		return nil, 0, err
	}
	queryVec, err := e.embedder.Embed(ctx, query)
	if err != nil {
		return nil, 0, apperr.Wrap(apperr.CodeSearchFailed, err)
	}

	// Over-fetch so the rerank stage has room to reorder before the
	// per-document collapse.
	if err := progress(emit, StageSearching, 30, "searching knowledge base"); err != nil {
		return nil, 0, err
	}
	k := 2 * limit
	if k > vector.MaxSearchK {
		k = vector.MaxSearchK
	}
	hits, err := e.vectors.Search(ctx, userID, queryVec, k)
	if err != nil {
		return nil, 0, apperr.Wrap(apperr.CodeSearchFailed, err)
	}
	hits, err = e.filterHits(ctx, userID, hits, filters)
	if err != nil {
		return nil, 0, err
	}
	if len(hits) == 0 {
		return []Result{}, 0, nil
	}

	scored, err := e.rerankHits(ctx, query, hits, emit)
	if err != nil {
		return nil, 0, err
	}

	if err := progress(emit, StageCalibrating, 70, "calibrating scores"); err != nil {
		return nil, 0, err
	}
	collapsed := collapseByDocument(scored)
	if len(collapsed) > limit {
		collapsed = collapsed[:limit]
	}

	var bestSim float64
	for _, s := range collapsed {
		if s.similarity > bestSim {
			bestSim = s.similarity
		}
	}

	results, err := e.hydrate(ctx, userID, collapsed)
	if err != nil {
		return nil, 0, err
	}
	return results, bestSim, nil
}

// filterHits drops candidates whose document metadata does not match
// the request filters. Verdicts are cached per document since hits
// arrive chunk by chunk.
func (e *Engine) filterHits(ctx context.Context, userID int64, hits []vector.Hit, filters Filters) ([]vector.Hit, error) {
	if filters.isZero() {
		return hits, nil
	}

	verdicts := make(map[int64]bool, len(hits))
	kept := make([]vector.Hit, 0, len(hits))
	for _, h := range hits {
		keep, seen := verdicts[h.DocumentID]
		if !seen {
			doc, err := e.store.GetDocument(ctx, userID, h.DocumentID)
			switch {
			case apperr.HasCode(err, apperr.CodeNotFound):
				keep = false
			case err != nil:
				return nil, apperr.Wrap(apperr.CodeSearchFailed, err)
			default:
				keep = filters.match(doc)
			}
			verdicts[h.DocumentID] = keep
		}
		if keep {
			kept = append(kept, h)
		}
	}
	return kept, nil
}

// scoredHit pairs an ANN hit with its cross-encoder score.
type scoredHit struct {
	vector.Hit
	raw        float64 // unbounded reranker output, ordering key
	similarity float64
	reranked   bool
}

// rerankHits scores hit previews against the query. A reranker outage
// degrades to vector order instead of failing the search.
func (e *Engine) rerankHits(ctx context.Context, query string, hits []vector.Hit, emit Emit) ([]scoredHit, error) {
	if err := progress(emit, StageReranking, 50, "reranking candidates"); err != nil {
		return nil, err
	}

	passages := make([]string, len(hits))
	for i, h := range hits {
		passages[i] = h.TextPreview
	}

	scores, err := e.reranker.Rerank(ctx, query, passages)
	reranked := err == nil && len(scores) == len(hits)
	if err != nil {
		e.logger.Warn("reranker unavailable, keeping vector order", "error", err)
		if emitErr := progress(emit, StageReranking, 50,
			"reranker unavailable, results ordered by vector similarity"); emitErr != nil {
			return nil, emitErr
		}
	}

	scored := make([]scoredHit, len(hits))
	for i, h := range hits {
		s := scoredHit{
			Hit:        h,
			similarity: vector.Similarity(h.Distance),
			reranked:   reranked,
		}
		if reranked {
			s.raw = scores[i]
		} else {
			s.raw = s.similarity
		}
		scored[i] = s
	}

	// Order by raw score; ties break toward the earlier chunk.
	sort.SliceStable(scored, func(i, j int) bool {
		if scored[i].raw != scored[j].raw {
			return scored[i].raw > scored[j].raw
		}
		if scored[i].DocumentID != scored[j].DocumentID {
			return scored[i].DocumentID < scored[j].DocumentID
		}
		return scored[i].Ordinal < scored[j].Ordinal
	})
	return scored, nil
}

// collapseByDocument keeps each document's best-scoring chunk.
func collapseByDocument(scored []scoredHit) []scoredHit {
	seen := make(map[int64]struct{}, len(scored))
	out := make([]scoredHit, 0, len(scored))
	for _, s := range scored {
		if _, dup := seen[s.DocumentID]; dup {
			continue
		}
		seen[s.DocumentID] = struct{}{}
		out = append(out, s)
	}
	return out
}

// Calibration of raw cross-encoder scores into display values:
// sigmoid over the min-max-normalized score, scaled by a fixed gain.
// Monotone in the raw score, so the reported values never increase
// along the ranked list even when the reranker promoted a
// geometrically farther chunk.
const (
	calibrationGain    = 4.0
	calibrationEpsilon = 1e-6
)

// hydrate attaches document metadata and the calibrated similarity.
// Documents deleted since indexing are dropped silently.
func (e *Engine) hydrate(ctx context.Context, userID int64, scored []scoredHit) ([]Result, error) {
	var sMin, sMax float64
	if len(scored) > 0 {
		sMin, sMax = scored[0].raw, scored[0].raw
		for _, s := range scored[1:] {
			if s.raw < sMin {
				sMin = s.raw
			}
			if s.raw > sMax {
				sMax = s.raw
			}
		}
	}

	results := make([]Result, 0, len(scored))
	for _, s := range scored {
		doc, err := e.store.GetDocument(ctx, userID, s.DocumentID)
		if err != nil {
			if apperr.HasCode(err, apperr.CodeNotFound) {
				continue
			}
			return nil, apperr.Wrap(apperr.CodeSearchFailed, err)
		}

		score := s.similarity
		if s.reranked {
			score = sigmoid((s.raw - sMin) / (sMax - sMin + calibrationEpsilon) * calibrationGain)
		}
		score = clamp01(score)

		results = append(results, Result{
			DocumentID:  doc.ID,
			Title:       doc.Title,
			Snippet:     s.TextPreview,
			SourceURL:   doc.SourceURL,
			SourceType:  doc.SourceType,
			Tags:        doc.Tags,
			PublishedAt: doc.PublishedAt,
			Score:       score,
			Similarity:  score,
		})
	}
	return results, nil
}

// keywordResults delegates to the FTS index; scores are rank-based.
func (e *Engine) keywordResults(ctx context.Context, userID int64, query string, limit int, filters Filters, emit Emit) ([]Result, error) {
	if err := progress(emit, StageSearching, 30, "searching metadata"); err != nil {
		return nil, err
	}

	docs, err := e.store.KeywordSearch(ctx, userID, query, limit)
	if err != nil {
		return nil, apperr.Wrap(apperr.CodeSearchFailed, err)
	}

	results := make([]Result, 0, len(docs))
	i := 0
	for _, doc := range docs {
		if !filters.isZero() && !filters.match(doc) {
			continue
		}
		results = append(results, Result{
			DocumentID:  doc.ID,
			Title:       doc.Title,
			Snippet:     snippet(doc.Content),
			SourceURL:   doc.SourceURL,
			SourceType:  doc.SourceType,
			Tags:        doc.Tags,
			PublishedAt: doc.PublishedAt,
			Score:       1.0 - float64(i)*0.05,
			Similarity:  0,
		})
		i++
	}
	return results, nil
}

// shouldFallBack decides whether local results warrant the web
// fallback: too few hits, or even the closest one is geometrically a
// weak match. The trigger uses the distance-based similarity, not the
// calibrated display value, so rerank calibration cannot mask thin
// coverage.
func (e *Engine) shouldFallBack(count int, bestSim float64) bool {
	if count < e.config.MinResults {
		return true
	}
	return bestSim < e.config.MinSimilarity
}

// runExternal queries the web provider and summarizes the top hits.
// Provider failure degrades to an external_unavailable event, never an
// error.
func (e *Engine) runExternal(ctx context.Context, query string, emit Emit) ([]ExternalHit, error) {
	if err := progress(emit, StageExternal, 80, "querying web search"); err != nil {
		return nil, err
	}

	hits, err := e.external.Search(ctx, query, maxExternal)
	if err != nil {
		e.logger.Warn("external search unavailable", "error", err)
		return []ExternalHit{}, emit(Event{
			Type:   EventExternalUnavailable,
			Reason: "web fallback unavailable",
		})
	}

	for i, hit := range hits {
		err := emit(Event{
			Type:    EventExternalResult,
			Index:   intp(i),
			Title:   hit.Title,
			URL:     hit.URL,
			Snippet: hit.Snippet,
		})
		if err != nil {
			return nil, err
		}
	}

	if e.llm == nil || len(hits) == 0 {
		return hits, nil
	}
	if err := progress(emit, StageSummarizing, 90, "summarizing web results"); err != nil {
		return nil, err
	}
	if err := e.summarizeHits(ctx, hits, emit); err != nil {
		return nil, err
	}
	return hits, nil
}

// summarizeHits streams LLM summaries for the top external hits, at
// most maxSummarized at a time, writing each summary back onto its
// hit. Token events from concurrent streams are serialized through a
// mutex-guarded emitter. A failed summary ends its slot empty; the
// other hits are unaffected.
func (e *Engine) summarizeHits(ctx context.Context, hits []ExternalHit, emit Emit) error {
	n := len(hits)
	if n > maxSummarized {
		n = maxSummarized
	}

	var mu sync.Mutex
	safeEmit := func(ev Event) error {
		mu.Lock()
		defer mu.Unlock()
		return emit(ev)
	}

	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < n; i++ {
		i := i
		g.Go(func() error {
			hit := hits[i]
			prompt := llm.SummaryPrompt(
				fmt.Sprintf("%s\n\n%s", hit.Title, hit.Snippet), summaryWordLimit)
			tokens, errs := e.llm.GenerateStream(gctx, prompt, llm.Params{
				Temperature: 0.3,
				MaxTokens:   512,
			})

			var b strings.Builder
			for token := range tokens {
				b.WriteString(token)
				err := safeEmit(Event{
					Type:        EventSummaryToken,
					ResultIndex: intp(i),
					Token:       token,
					Done:        boolp(false),
				})
				if err != nil {
					return err
				}
			}
			if err := <-errs; err != nil {
				e.logger.Warn("external summary failed", "url", hit.URL, "error", err)
			} else {
				hits[i].Summary = strings.TrimSpace(b.String())
			}
			return safeEmit(Event{Type: EventSummaryEnd, ResultIndex: intp(i)})
		})
	}
	return g.Wait()
}

// startRecord writes the history placeholder for a query; failures
// only log. Returns 0 when nothing was written.
func (e *Engine) startRecord(userID int64, query string) int64 {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	rec := &model.SearchRecord{UserID: userID, Query: query}
	if err := e.store.AddSearchRecord(ctx, rec); err != nil {
		e.logger.Warn("record search", "error", err)
		return 0
	}
	return rec.ID
}

// finishRecord fills in the outcome of a completed search.
func (e *Engine) finishRecord(recordID int64, count int, elapsed time.Duration) {
	if recordID == 0 {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := e.store.FinishSearchRecord(ctx, recordID, count, elapsed.Milliseconds()); err != nil {
		e.logger.Warn("finish search record", "error", err)
	}
}

func sigmoid(x float64) float64 {
	return 1.0 / (1.0 + math.Exp(-x))
}

func clamp01(x float64) float64 {
	switch {
	case x < 0:
		return 0
	case x > 1:
		return 1
	}
	return x
}

func snippet(content string) string {
	content = strings.Join(strings.Fields(content), " ")
	if len(content) > 200 {
		return content[:200]
	}
	return content
}
