package ingest

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rubyxyr/XU-News-AI-RAG/internal/chunk"
	"github.com/rubyxyr/XU-News-AI-RAG/internal/executor"
	"github.com/rubyxyr/XU-News-AI-RAG/internal/model"
	"github.com/rubyxyr/XU-News-AI-RAG/internal/store"
	"github.com/rubyxyr/XU-News-AI-RAG/internal/vector"
)

const testDims = 8

// fakeEmbedder produces deterministic vectors, optionally failing.
type fakeEmbedder struct {
	mu   sync.Mutex
	fail bool
}

func (f *fakeEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	vecs, err := f.EmbedBatch(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return vecs[0], nil
}

func (f *fakeEmbedder) EmbedBatch(_ context.Context, texts []string) ([][]float32, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail {
		return nil, fmt.Errorf("embedder down")
	}
	out := make([][]float32, len(texts))
	for i, text := range texts {
		vec := make([]float32, testDims)
		vec[len(text)%testDims] = 1
		out[i] = vec
	}
	return out, nil
}

func (f *fakeEmbedder) setFail(fail bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fail = fail
}

func (f *fakeEmbedder) Dimensions() int                { return testDims }
func (f *fakeEmbedder) ModelName() string              { return "fake" }
func (f *fakeEmbedder) Available(context.Context) bool { return true }
func (f *fakeEmbedder) Close() error                   { return nil }

type testEnv struct {
	store    *store.Store
	vectors  *vector.Manager
	embedder *fakeEmbedder
	coord    *Coordinator
	userID   int64
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	st, err := store.Open("")
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	vm, err := vector.NewManager(vector.ManagerConfig{
		Root:            t.TempDir(),
		Dimensions:      testDims,
		EmbedderVersion: "fake",
	}, slog.Default())
	require.NoError(t, err)
	t.Cleanup(func() { _ = vm.Close() })

	pool := executor.New(executor.Config{Workers: 2, Capacity: 32}, nil)
	t.Cleanup(func() { _ = pool.Close() })

	embedder := &fakeEmbedder{}
	splitter := chunk.NewSplitter()
	coord := New(st, vm, embedder, splitter, pool, nil, slog.Default())

	u := &model.User{Username: "alice"}
	require.NoError(t, st.CreateUser(context.Background(), u))

	return &testEnv{store: st, vectors: vm, embedder: embedder, coord: coord, userID: u.ID}
}

func testArticle(n int) model.Article {
	return model.Article{
		Title:     fmt.Sprintf("Article %d", n),
		Content:   strings.Repeat(fmt.Sprintf("sentence %d of the story. ", n), 10),
		SourceURL: fmt.Sprintf("https://news.example.com/%d", n),
	}
}

// waitForState polls until the document reaches the state or times out.
func waitForState(t *testing.T, env *testEnv, docID int64, want model.IndexedState) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		doc, err := env.store.GetDocument(context.Background(), env.userID, docID)
		require.NoError(t, err)
		if doc.IndexedState == want {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("document %d never reached state %s", docID, want)
}

func TestIngest_IndexesDocument(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	doc, err := env.coord.Ingest(ctx, env.userID, testArticle(1), model.SourceTypeManual, nil)
	require.NoError(t, err)
	require.NotNil(t, doc)
	assert.Equal(t, model.IndexedStatePending, doc.IndexedState)

	waitForState(t, env, doc.ID, model.IndexedStateIndexed)

	stats, err := env.vectors.Stats(ctx, env.userID)
	require.NoError(t, err)
	assert.Positive(t, stats.VectorCount)
}

func TestIngest_DuplicateSkipped(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	first, err := env.coord.Ingest(ctx, env.userID, testArticle(1), model.SourceTypeRSS, nil)
	require.NoError(t, err)
	require.NotNil(t, first)

	// Same URL.
	dup, err := env.coord.Ingest(ctx, env.userID, testArticle(1), model.SourceTypeRSS, nil)
	require.NoError(t, err)
	assert.Nil(t, dup)

	// Same content, different URL.
	sameContent := testArticle(1)
	sameContent.SourceURL = "https://mirror.example.com/1"
	dup, err = env.coord.Ingest(ctx, env.userID, sameContent, model.SourceTypeRSS, nil)
	require.NoError(t, err)
	assert.Nil(t, dup)
}

func TestIngest_ValidationRejected(t *testing.T) {
	env := newTestEnv(t)

	_, err := env.coord.Ingest(context.Background(), env.userID,
		model.Article{Title: "only title"}, model.SourceTypeManual, nil)
	require.Error(t, err)
}

func TestIngest_EmbedderFailureMarksFailed(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.embedder.setFail(true)

	doc, err := env.coord.Ingest(ctx, env.userID, testArticle(1), model.SourceTypeManual, nil)
	require.NoError(t, err)
	require.NotNil(t, doc)

	waitForState(t, env, doc.ID, model.IndexedStateFailed)

	// Retry succeeds once the embedder recovers.
	env.embedder.setFail(false)
	retried, err := env.coord.RetryFailed(ctx, env.userID)
	require.NoError(t, err)
	assert.Equal(t, 1, retried)

	waitForState(t, env, doc.ID, model.IndexedStateIndexed)
}

func TestDelete_IndexedDocumentEvictsVectors(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	doc, err := env.coord.Ingest(ctx, env.userID, testArticle(1), model.SourceTypeManual, nil)
	require.NoError(t, err)
	waitForState(t, env, doc.ID, model.IndexedStateIndexed)

	require.NoError(t, env.coord.Delete(ctx, env.userID, doc.ID))

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if _, err := env.store.GetDocument(ctx, env.userID, doc.ID); err != nil {
			break // row gone
		}
		time.Sleep(10 * time.Millisecond)
	}
	_, err = env.store.GetDocument(ctx, env.userID, doc.ID)
	require.Error(t, err)

	stats, err := env.vectors.Stats(ctx, env.userID)
	require.NoError(t, err)
	assert.Zero(t, stats.VectorCount)
}

func TestDelete_PendingDocumentDeletedImmediately(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	// Jam the embedder so the document stays pending briefly.
	env.embedder.setFail(true)
	doc, err := env.coord.Ingest(ctx, env.userID, testArticle(1), model.SourceTypeManual, nil)
	require.NoError(t, err)
	waitForState(t, env, doc.ID, model.IndexedStateFailed)

	require.NoError(t, env.coord.Delete(ctx, env.userID, doc.ID))
	_, err = env.store.GetDocument(ctx, env.userID, doc.ID)
	require.Error(t, err)
}

func TestIngestBatch_CountsSkipsAndFailures(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	articles := []model.Article{
		testArticle(1),
		testArticle(1), // duplicate
		{Title: "no content"},
		testArticle(2),
	}

	created, skipped, failures := env.coord.IngestBatch(ctx, env.userID, articles,
		model.SourceTypeUpload, []string{"batch"})
	assert.Len(t, created, 2)
	assert.Equal(t, 1, skipped)
	assert.Len(t, failures, 1)

	for _, doc := range created {
		assert.Contains(t, doc.Tags, "batch")
	}
}
