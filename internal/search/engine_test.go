package search

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rubyxyr/XU-News-AI-RAG/internal/apperr"
	"github.com/rubyxyr/XU-News-AI-RAG/internal/llm"
	"github.com/rubyxyr/XU-News-AI-RAG/internal/model"
	"github.com/rubyxyr/XU-News-AI-RAG/internal/store"
	"github.com/rubyxyr/XU-News-AI-RAG/internal/vector"
)

const testDims = 4

type fakeEmbedder struct{ fail bool }

func (f *fakeEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	if f.fail {
		return nil, fmt.Errorf("embedder down")
	}
	vec := make([]float32, testDims)
	vec[0] = 1
	return vec, nil
}
func (f *fakeEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, t := range texts {
		v, err := f.Embed(ctx, t)
		if err != nil {
			return nil, err
		}
		out[i] = v
	}
	return out, nil
}
func (f *fakeEmbedder) Dimensions() int                { return testDims }
func (f *fakeEmbedder) ModelName() string              { return "fake" }
func (f *fakeEmbedder) Available(context.Context) bool { return true }
func (f *fakeEmbedder) Close() error                   { return nil }

// fakeVectors returns preset hits.
type fakeVectors struct {
	hits []vector.Hit
	err  error
}

func (f *fakeVectors) Search(context.Context, int64, []float32, int) ([]vector.Hit, error) {
	return f.hits, f.err
}

// fakeReranker scores passages by a preset map, keyed by preview text.
type fakeReranker struct {
	scores map[string]float64
	err    error
}

func (f *fakeReranker) Rerank(_ context.Context, _ string, passages []string) ([]float64, error) {
	if f.err != nil {
		return nil, f.err
	}
	out := make([]float64, len(passages))
	for i, p := range passages {
		out[i] = f.scores[p]
	}
	return out, nil
}
func (f *fakeReranker) Available(context.Context) bool { return true }
func (f *fakeReranker) Close() error                   { return nil }

// fakeProvider returns canned external hits.
type fakeProvider struct {
	hits   []ExternalHit
	err    error
	called bool
}

func (f *fakeProvider) Search(context.Context, string, int) ([]ExternalHit, error) {
	f.called = true
	return f.hits, f.err
}

// fakeLLM streams a fixed summary word by word.
type fakeLLM struct{ text string }

func (f *fakeLLM) Generate(context.Context, string, llm.Params) (string, error) {
	return f.text, nil
}
func (f *fakeLLM) GenerateStream(ctx context.Context, _ string, _ llm.Params) (<-chan string, <-chan error) {
	tokens := make(chan string)
	errs := make(chan error, 1)
	go func() {
		defer close(tokens)
		defer close(errs)
		for _, w := range strings.Fields(f.text) {
			tokens <- w + " "
		}
	}()
	return tokens, errs
}
func (f *fakeLLM) Available(context.Context) bool { return true }
func (f *fakeLLM) Close() error                   { return nil }

// seedStore creates a user and n indexed documents, returning doc IDs.
func seedStore(t *testing.T, st *store.Store, n int) (int64, []int64) {
	t.Helper()
	ctx := context.Background()

	u := &model.User{Username: "alice"}
	require.NoError(t, st.CreateUser(ctx, u))

	ids := make([]int64, 0, n)
	for i := 1; i <= n; i++ {
		doc := &model.Document{
			UserID:     u.ID,
			Title:      fmt.Sprintf("Story %d", i),
			Content:    fmt.Sprintf("Body of story %d about markets and technology.", i),
			SourceURL:  fmt.Sprintf("https://news.example.com/%d", i),
			SourceType: model.SourceTypeRSS,
		}
		require.NoError(t, st.CreateDocument(ctx, doc))
		require.NoError(t, st.TransitionState(ctx, u.ID, doc.ID, model.IndexedStateIndexed))
		ids = append(ids, doc.ID)
	}
	return u.ID, ids
}

func hit(docID int64, ordinal int, preview string, distance float32) vector.Hit {
	return vector.Hit{
		ChunkID:     model.ChunkID(docID, ordinal),
		DocumentID:  docID,
		Ordinal:     ordinal,
		TextPreview: preview,
		Distance:    distance,
	}
}

func newEngine(t *testing.T, vectors Vectors, reranker *fakeReranker,
	provider Provider, llmClient llm.Client) (*Engine, int64, []int64) {
	t.Helper()

	st, err := store.Open("")
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	userID, docIDs := seedStore(t, st, 3)

	var engine *Engine
	if reranker != nil {
		engine = New(st, vectors, &fakeEmbedder{}, reranker, provider, llmClient, Config{}, nil)
	} else {
		engine = New(st, vectors, &fakeEmbedder{}, nil, provider, llmClient, Config{}, nil)
	}
	return engine, userID, docIDs
}

func collectEvents(t *testing.T, engine *Engine, userID int64, query string, opts Options) ([]Event, error) {
	t.Helper()
	var events []Event
	err := engine.Stream(context.Background(), userID, query, opts, func(ev Event) error {
		events = append(events, ev)
		return nil
	})
	return events, err
}

func TestStream_EmptyQueryRejected(t *testing.T) {
	engine, userID, _ := newEngine(t, &fakeVectors{}, nil, nil, nil)

	events, err := collectEvents(t, engine, userID, "   ", Options{})
	require.Error(t, err)
	assert.True(t, apperr.HasCode(err, apperr.CodeQueryEmpty))

	// The error event is terminal and the only one emitted.
	require.Len(t, events, 1)
	assert.Equal(t, EventError, events[0].Type)
}

func TestStream_LimitBounds(t *testing.T) {
	engine, userID, _ := newEngine(t, &fakeVectors{}, nil, nil, nil)

	for _, limit := range []int{-1, 101} {
		_, err := collectEvents(t, engine, userID, "markets", Options{Limit: limit})
		require.Error(t, err, "limit %d", limit)
		assert.True(t, apperr.HasCode(err, apperr.CodeInvalidLimit))
	}
}

func TestStream_RerankOrdersAndCollapses(t *testing.T) {
	// Given two chunks of doc A and one of doc B, where the reranker
	// prefers B and A's second chunk over A's first
	engine, userID, ids := newEngine(t,
		&fakeVectors{hits: []vector.Hit{
			hit(0, 0, "A chunk zero", 0.1), // placeholder, replaced below
		}},
		&fakeReranker{scores: map[string]float64{
			"A chunk zero": 0.2,
			"A chunk one":  1.5,
			"B chunk zero": 2.5,
		}},
		nil, nil)

	a, b := ids[0], ids[1]
	engine.vectors = &fakeVectors{hits: []vector.Hit{
		hit(a, 0, "A chunk zero", 0.1),
		hit(a, 1, "A chunk one", 0.4),
		hit(b, 0, "B chunk zero", 0.9),
	}}

	resp, err := engine.Search(context.Background(), userID, "markets", Options{})
	require.NoError(t, err)

	// Then each document appears once, ordered by raw rerank score.
	require.Len(t, resp.Results, 2)
	assert.Equal(t, b, resp.Results[0].DocumentID)
	assert.Equal(t, a, resp.Results[1].DocumentID)
	// A is represented by its best chunk.
	assert.Equal(t, "A chunk one", resp.Results[1].Snippet)
	// Display scores are sigmoid-squashed into (0,1).
	assert.Greater(t, resp.Results[0].Score, resp.Results[1].Score)
	assert.Less(t, resp.Results[0].Score, 1.0)
}

func TestStream_RerankedSimilaritiesNeverIncrease(t *testing.T) {
	// Given a reranker that promotes the geometrically farther chunk
	engine, userID, ids := newEngine(t, nil,
		&fakeReranker{scores: map[string]float64{
			"near chunk": 0.5,
			"far chunk":  2.0,
		}},
		nil, nil)
	engine.vectors = &fakeVectors{hits: []vector.Hit{
		hit(ids[0], 0, "near chunk", 0.1),
		hit(ids[1], 0, "far chunk", 10.0),
	}}

	events, err := collectEvents(t, engine, userID, "markets", Options{DisableExternal: true})
	require.NoError(t, err)

	// The farther chunk wins the ranking, and the reported similarities
	// still decrease down the list.
	var partials []Event
	for _, ev := range events {
		if ev.Type == EventResultPartial {
			partials = append(partials, ev)
		}
	}
	require.Len(t, partials, 2)
	assert.Equal(t, ids[1], partials[0].DocumentID)
	assert.Equal(t, ids[0], partials[1].DocumentID)
	for i := 1; i < len(partials); i++ {
		assert.LessOrEqual(t, partials[i].Similarity, partials[i-1].Similarity)
	}

	resp, err := engine.Search(context.Background(), userID, "markets", Options{DisableExternal: true})
	require.NoError(t, err)
	require.Len(t, resp.Results, 2)
	for i, r := range resp.Results {
		assert.InDelta(t, r.Score, r.Similarity, 1e-9, "result %d", i)
		if i > 0 {
			assert.LessOrEqual(t, r.Similarity, resp.Results[i-1].Similarity)
		}
	}
}

func TestStream_RerankerOutageDegradesToVectorOrder(t *testing.T) {
	engine, userID, ids := newEngine(t, nil,
		&fakeReranker{err: fmt.Errorf("reranker down")}, nil, nil)
	engine.vectors = &fakeVectors{hits: []vector.Hit{
		hit(ids[0], 0, "close match", 0.1),
		hit(ids[1], 0, "far match", 2.0),
	}}

	events, err := collectEvents(t, engine, userID, "markets", Options{DisableExternal: true})
	require.NoError(t, err)

	var degraded bool
	var partials []Event
	for _, ev := range events {
		if ev.Type == EventProgress && ev.Stage == StageReranking &&
			strings.Contains(ev.Message, "unavailable") {
			degraded = true
		}
		if ev.Type == EventResultPartial {
			partials = append(partials, ev)
		}
	}
	assert.True(t, degraded)
	require.Len(t, partials, 2)
	// Vector order preserved: nearest first, indices sequential.
	assert.Equal(t, ids[0], partials[0].DocumentID)
	assert.Equal(t, 0, *partials[0].Index)
	assert.Equal(t, 1, *partials[1].Index)
}

func TestStream_ExternalFallbackOnWeakResults(t *testing.T) {
	// Given a single weak hit (similarity 1/(1+4) = 0.2 < 0.35)
	provider := &fakeProvider{hits: []ExternalHit{
		{Title: "Web result", URL: "https://web.example.com/a", Snippet: "snippet text"},
	}}
	engine, userID, ids := newEngine(t, nil, nil, provider, &fakeLLM{text: "web summary here"})
	engine.vectors = &fakeVectors{hits: []vector.Hit{
		hit(ids[0], 0, "weak match", 4.0),
	}}

	events, err := collectEvents(t, engine, userID, "obscure topic", Options{})
	require.NoError(t, err)
	assert.True(t, provider.called)

	var sawExternal, sawSummaryEnd bool
	var summary strings.Builder
	var terminal Event
	for _, ev := range events {
		switch ev.Type {
		case EventExternalResult:
			sawExternal = true
			assert.Equal(t, "https://web.example.com/a", ev.URL)
		case EventSummaryToken:
			require.NotNil(t, ev.ResultIndex)
			assert.Equal(t, 0, *ev.ResultIndex)
			require.NotNil(t, ev.Done)
			assert.False(t, *ev.Done)
			summary.WriteString(ev.Token)
		case EventSummaryEnd:
			sawSummaryEnd = true
		case EventCompleted, EventError:
			terminal = ev
		}
	}
	assert.True(t, sawExternal)
	assert.True(t, sawSummaryEnd)
	assert.Equal(t, "web summary here", strings.TrimSpace(summary.String()))
	assert.Equal(t, EventCompleted, terminal.Type)
	require.NotNil(t, terminal.ExternalResultsCount)
	assert.Equal(t, 1, *terminal.ExternalResultsCount)
}

func TestSearch_ExternalSummaryOnResponse(t *testing.T) {
	provider := &fakeProvider{hits: []ExternalHit{
		{Title: "Web result", URL: "https://web.example.com/a", Snippet: "snippet text"},
	}}
	engine, userID, ids := newEngine(t, nil, nil, provider, &fakeLLM{text: "web summary here"})
	engine.vectors = &fakeVectors{hits: []vector.Hit{
		hit(ids[0], 0, "weak match", 4.0),
	}}

	resp, err := engine.Search(context.Background(), userID, "obscure topic", Options{})
	require.NoError(t, err)
	require.Len(t, resp.ExternalResults, 1)
	assert.Equal(t, "web summary here", resp.ExternalResults[0].Summary)
	assert.True(t, resp.Metadata.ExternalTriggered)
	assert.NotEmpty(t, resp.Metadata.RequestID)
}

func TestStream_NoFallbackWhenResultsStrong(t *testing.T) {
	provider := &fakeProvider{}
	engine, userID, ids := newEngine(t, nil, nil, provider, nil)
	engine.vectors = &fakeVectors{hits: []vector.Hit{
		hit(ids[0], 0, "strong", 0.1),
		hit(ids[1], 0, "strong", 0.2),
		hit(ids[2], 0, "strong", 0.3),
	}}

	resp, err := engine.Search(context.Background(), userID, "markets", Options{})
	require.NoError(t, err)
	require.Len(t, resp.Results, 3)
	assert.False(t, provider.called)
	assert.Empty(t, resp.ExternalResults)
	assert.False(t, resp.Metadata.ExternalTriggered)
}

func TestStream_ExternalProviderFailureDegrades(t *testing.T) {
	provider := &fakeProvider{err: fmt.Errorf("quota exceeded")}
	engine, userID, _ := newEngine(t, nil, nil, provider, nil)
	engine.vectors = &fakeVectors{hits: nil} // zero results trigger fallback

	events, err := collectEvents(t, engine, userID, "anything", Options{})
	require.NoError(t, err)

	var unavailable bool
	last := events[len(events)-1]
	for _, ev := range events {
		if ev.Type == EventExternalUnavailable {
			unavailable = true
			assert.NotEmpty(t, ev.Reason)
		}
	}
	assert.True(t, unavailable)
	assert.Equal(t, EventCompleted, last.Type)
	require.NotNil(t, last.ExternalResultsCount)
	assert.Equal(t, 0, *last.ExternalResultsCount)
}

func TestStream_CompletedEventSerializesZeroCounts(t *testing.T) {
	// Given an empty index and no external provider
	engine, userID, _ := newEngine(t, &fakeVectors{}, nil, nil, nil)

	events, err := collectEvents(t, engine, userID, "anything", Options{})
	require.NoError(t, err)

	require.NotEmpty(t, events)
	last := events[len(events)-1]
	require.Equal(t, EventCompleted, last.Type)

	// Zero counts must survive serialization; a client cannot tell an
	// empty search from a truncated stream otherwise.
	payload, err := json.Marshal(last)
	require.NoError(t, err)
	assert.Contains(t, string(payload), `"results_count":0`)
	assert.Contains(t, string(payload), `"external_results_count":0`)
	assert.Contains(t, string(payload), `"elapsed_ms":`)
}

func TestStream_StartedCarriesRequestID(t *testing.T) {
	engine, userID, ids := newEngine(t, nil, nil, nil, nil)
	engine.vectors = &fakeVectors{hits: []vector.Hit{hit(ids[0], 0, "x", 0.1)}}

	events, err := collectEvents(t, engine, userID, "markets", Options{})
	require.NoError(t, err)

	require.NotEmpty(t, events)
	assert.Equal(t, EventStarted, events[0].Type)
	assert.Equal(t, "markets", events[0].Query)
	assert.NotEmpty(t, events[0].RequestID)

	// Exactly one terminal event, at the end.
	var terminals int
	for _, ev := range events {
		if ev.Type == EventCompleted || ev.Type == EventError {
			terminals++
		}
	}
	assert.Equal(t, 1, terminals)
	assert.Equal(t, EventCompleted, events[len(events)-1].Type)
}

func TestStream_VectorSearchErrorIsTerminal(t *testing.T) {
	engine, userID, _ := newEngine(t, &fakeVectors{err: fmt.Errorf("index corrupt")}, nil, nil, nil)

	events, err := collectEvents(t, engine, userID, "markets", Options{})
	require.Error(t, err)
	last := events[len(events)-1]
	assert.Equal(t, EventError, last.Type)
}

func TestSearch_RecordsHistory(t *testing.T) {
	engine, userID, ids := newEngine(t, nil, nil, nil, nil)
	engine.vectors = &fakeVectors{hits: []vector.Hit{hit(ids[0], 0, "x", 0.1)}}

	_, err := engine.Search(context.Background(), userID, "markets rally", Options{})
	require.NoError(t, err)

	history, err := engine.store.SearchHistory(context.Background(), userID, 10, 0)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, "markets rally", history[0].Query)
	assert.Equal(t, 1, history[0].ResultCount)
}

func TestSearch_FailedPipelineStillRecordsHistory(t *testing.T) {
	engine, userID, _ := newEngine(t, &fakeVectors{err: fmt.Errorf("index corrupt")}, nil, nil, nil)

	_, err := engine.Search(context.Background(), userID, "doomed query", Options{})
	require.Error(t, err)

	// The placeholder row written at the start survives the failure.
	history, err := engine.store.SearchHistory(context.Background(), userID, 10, 0)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, "doomed query", history[0].Query)
	assert.Equal(t, 0, history[0].ResultCount)
}

func TestSearch_FiltersNarrowSemanticResults(t *testing.T) {
	engine, userID, ids := newEngine(t, nil, nil, nil, nil)

	manual := &model.Document{
		UserID:     userID,
		Title:      "Manual note",
		Content:    "Hand-written remarks about quantitative easing.",
		SourceType: model.SourceTypeManual,
		Tags:       []string{"economy"},
	}
	require.NoError(t, engine.store.CreateDocument(context.Background(), manual))
	require.NoError(t, engine.store.TransitionState(context.Background(), userID, manual.ID, model.IndexedStateIndexed))

	engine.vectors = &fakeVectors{hits: []vector.Hit{
		hit(ids[0], 0, "rss story", 0.1),
		hit(manual.ID, 0, "manual note", 0.2),
	}}

	// Source-type filter keeps only the manual document.
	resp, err := engine.Search(context.Background(), userID, "economy", Options{
		DisableExternal: true,
		Filters:         Filters{SourceType: model.SourceTypeManual},
	})
	require.NoError(t, err)
	require.Len(t, resp.Results, 1)
	assert.Equal(t, manual.ID, resp.Results[0].DocumentID)

	// Tag filters are case-folded before matching.
	resp, err = engine.Search(context.Background(), userID, "economy", Options{
		DisableExternal: true,
		Filters:         Filters{Tags: []string{"Economy"}},
	})
	require.NoError(t, err)
	require.Len(t, resp.Results, 1)
	assert.Equal(t, manual.ID, resp.Results[0].DocumentID)
}

func TestKeywordMode(t *testing.T) {
	engine, userID, _ := newEngine(t, &fakeVectors{}, nil, nil, nil)

	resp, err := engine.Search(context.Background(), userID, "story 2", Options{Mode: ModeKeyword})
	require.NoError(t, err)
	require.NotEmpty(t, resp.Results)
	assert.Contains(t, resp.Results[0].Title, "Story")
}

func TestGoogleProvider(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "test-key", r.URL.Query().Get("key"))
		assert.Equal(t, "test-cx", r.URL.Query().Get("cx"))
		assert.Equal(t, "golang news", r.URL.Query().Get("q"))
		_, _ = w.Write([]byte(`{"items":[
			{"title":"Hit one","link":"https://a.example.com","snippet":"first"},
			{"title":"No link","snippet":"dropped"},
			{"title":"Hit two","link":"https://b.example.com","snippet":"second"}
		]}`))
	}))
	defer srv.Close()

	p, err := NewGoogleProvider(GoogleConfig{
		APIKey: "test-key", EngineID: "test-cx", Endpoint: srv.URL,
	})
	require.NoError(t, err)

	hits, err := p.Search(context.Background(), "golang news", 5)
	require.NoError(t, err)
	require.Len(t, hits, 2)
	assert.Equal(t, "https://a.example.com", hits[0].URL)
}

func TestGoogleProvider_RequiresCredentials(t *testing.T) {
	_, err := NewGoogleProvider(GoogleConfig{APIKey: "only-key"})
	require.Error(t, err)
}

func TestGoogleProvider_ErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	}))
	defer srv.Close()

	p, err := NewGoogleProvider(GoogleConfig{APIKey: "k", EngineID: "cx", Endpoint: srv.URL})
	require.NoError(t, err)

	_, err = p.Search(context.Background(), "q", 5)
	require.Error(t, err)
	assert.True(t, apperr.HasCode(err, apperr.CodeExternalSearch))
}
