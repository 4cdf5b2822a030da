package vector

import (
	"context"
	"fmt"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rubyxyr/XU-News-AI-RAG/internal/apperr"
)

const testDims = 8

func testChunk(docID int64, ordinal int, hot int) AddChunk {
	vec := make([]float32, testDims)
	vec[hot%testDims] = 1
	return AddChunk{
		ChunkID:     fmt.Sprintf("chunk-%d-%d", docID, ordinal),
		DocumentID:  docID,
		Ordinal:     ordinal,
		TextPreview: fmt.Sprintf("doc %d chunk %d", docID, ordinal),
		Vector:      vec,
	}
}

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	m, err := NewManager(ManagerConfig{
		Root:            t.TempDir(),
		Dimensions:      testDims,
		EmbedderVersion: "all-minilm@1",
	}, slog.Default())
	require.NoError(t, err)
	t.Cleanup(func() { _ = m.Close() })
	return m
}

func TestIndex_AddAndSearch(t *testing.T) {
	// Given a user index with three chunks
	m := newTestManager(t)
	ctx := context.Background()

	chunks := []AddChunk{
		testChunk(1, 0, 0),
		testChunk(1, 1, 1),
		testChunk(2, 0, 2),
	}
	require.NoError(t, m.Add(ctx, 7, chunks))

	// When searching with the first chunk's vector
	query := make([]float32, testDims)
	query[0] = 1
	hits, err := m.Search(ctx, 7, query, 2)

	// Then the nearest hit is the matching chunk at distance zero
	require.NoError(t, err)
	require.Len(t, hits, 2)
	assert.Equal(t, "chunk-1-0", hits[0].ChunkID)
	assert.Equal(t, int64(1), hits[0].DocumentID)
	assert.InDelta(t, 0.0, float64(hits[0].Distance), 1e-6)
	assert.InDelta(t, 1.0, Similarity(hits[0].Distance), 1e-6)
}

func TestIndex_SearchEmptyIndex(t *testing.T) {
	m := newTestManager(t)

	query := make([]float32, testDims)
	hits, err := m.Search(context.Background(), 1, query, 5)

	require.NoError(t, err)
	assert.Empty(t, hits)
}

func TestIndex_DimensionMismatchRejected(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	err := m.Add(ctx, 1, []AddChunk{{
		ChunkID:    "bad",
		DocumentID: 1,
		Vector:     make([]float32, testDims+1),
	}})
	require.Error(t, err)

	_, err = m.Search(ctx, 1, make([]float32, testDims-1), 3)
	require.Error(t, err)
}

func TestIndex_RemoveByDocumentHidesChunks(t *testing.T) {
	// Given two documents in the index
	m := newTestManager(t)
	ctx := context.Background()

	require.NoError(t, m.Add(ctx, 3, []AddChunk{
		testChunk(10, 0, 0),
		testChunk(10, 1, 1),
		testChunk(11, 0, 2),
	}))

	// When document 10 is removed
	removed, err := m.RemoveByDocument(ctx, 3, 10)
	require.NoError(t, err)
	assert.Equal(t, 2, removed)

	// Then searches no longer return its chunks
	query := make([]float32, testDims)
	query[0] = 1
	hits, err := m.Search(ctx, 3, query, 10)
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, "chunk-11-0", hits[0].ChunkID)

	stats, err := m.Stats(ctx, 3)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.VectorCount)
}

func TestIndex_RemoveMissingDocumentIsNoOp(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	require.NoError(t, m.Add(ctx, 1, []AddChunk{testChunk(1, 0, 0)}))

	removed, err := m.RemoveByDocument(ctx, 1, 999)
	require.NoError(t, err)
	assert.Zero(t, removed)
}

func TestIndex_CompactClearsDeletionDebt(t *testing.T) {
	// Given an index with deletion debt
	m := newTestManager(t)
	ctx := context.Background()

	for i := 0; i < 6; i++ {
		require.NoError(t, m.Add(ctx, 5, []AddChunk{testChunk(int64(i), 0, i)}))
	}
	_, err := m.RemoveByDocument(ctx, 5, 0)
	require.NoError(t, err)

	// When compacting
	require.NoError(t, m.Compact(ctx, 5))

	// Then the debt is gone and survivors still resolve
	stats, err := m.Stats(ctx, 5)
	require.NoError(t, err)
	assert.Zero(t, stats.DeletedCount)
	assert.Equal(t, 5, stats.VectorCount)

	query := make([]float32, testDims)
	query[1] = 1
	hits, err := m.Search(ctx, 5, query, 1)
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, "chunk-1-0", hits[0].ChunkID)
}

func TestManager_PersistAndReload(t *testing.T) {
	root := t.TempDir()
	ctx := context.Background()

	cfg := ManagerConfig{Root: root, Dimensions: testDims, EmbedderVersion: "all-minilm@1"}
	m, err := NewManager(cfg, slog.Default())
	require.NoError(t, err)

	require.NoError(t, m.Add(ctx, 42, []AddChunk{
		testChunk(1, 0, 0),
		testChunk(1, 1, 1),
	}))
	require.NoError(t, m.Close())

	// A fresh manager loads the persisted index.
	m2, err := NewManager(cfg, slog.Default())
	require.NoError(t, err)
	defer func() { _ = m2.Close() }()

	stats, err := m2.Stats(ctx, 42)
	require.NoError(t, err)
	assert.Equal(t, 2, stats.VectorCount)

	query := make([]float32, testDims)
	query[1] = 1
	hits, err := m2.Search(ctx, 42, query, 1)
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, "chunk-1-1", hits[0].ChunkID)
	assert.Equal(t, "doc 1 chunk 1", hits[0].TextPreview)
}

func TestManager_EmbedderVersionMismatchRefused(t *testing.T) {
	root := t.TempDir()
	ctx := context.Background()

	m, err := NewManager(ManagerConfig{
		Root: root, Dimensions: testDims, EmbedderVersion: "all-minilm@1",
	}, slog.Default())
	require.NoError(t, err)
	require.NoError(t, m.Add(ctx, 1, []AddChunk{testChunk(1, 0, 0)}))
	require.NoError(t, m.Close())

	m2, err := NewManager(ManagerConfig{
		Root: root, Dimensions: testDims, EmbedderVersion: "all-minilm@2",
	}, slog.Default())
	require.NoError(t, err)
	defer func() { _ = m2.Close() }()

	_, err = m2.Stats(ctx, 1)
	require.Error(t, err)
	assert.True(t, apperr.HasCode(err, apperr.CodeIndexVersion))

	// Rebuild replaces the stale index with a fresh empty one.
	require.NoError(t, m2.Rebuild(ctx, 1))
	stats, err := m2.Stats(ctx, 1)
	require.NoError(t, err)
	assert.Zero(t, stats.VectorCount)
}

func TestManager_UserIsolation(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	require.NoError(t, m.Add(ctx, 1, []AddChunk{testChunk(1, 0, 0)}))
	require.NoError(t, m.Add(ctx, 2, []AddChunk{testChunk(2, 0, 1)}))

	query := make([]float32, testDims)
	query[0] = 1
	hits, err := m.Search(ctx, 2, query, 10)
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, "chunk-2-0", hits[0].ChunkID)
}

func TestManager_DropUserRemovesDirectory(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	require.NoError(t, m.Add(ctx, 9, []AddChunk{testChunk(1, 0, 0)}))
	require.NoError(t, m.Persist(ctx, 9))
	require.NoError(t, m.DropUser(ctx, 9))

	// A subsequent access yields a fresh empty index.
	stats, err := m.Stats(ctx, 9)
	require.NoError(t, err)
	assert.Zero(t, stats.VectorCount)
}

func TestManager_SecondProcessLockRefused(t *testing.T) {
	root := t.TempDir()
	cfg := ManagerConfig{Root: root, Dimensions: testDims, EmbedderVersion: "v1"}

	m, err := NewManager(cfg, slog.Default())
	require.NoError(t, err)
	defer func() { _ = m.Close() }()

	_, err = NewManager(cfg, slog.Default())
	require.Error(t, err)
	assert.True(t, apperr.HasCode(err, apperr.CodeStorageUnavailable))
}

func TestSimilarity(t *testing.T) {
	assert.InDelta(t, 1.0, Similarity(0), 1e-9)
	assert.InDelta(t, 0.5, Similarity(1), 1e-9)
	assert.InDelta(t, 0.25, Similarity(3), 1e-9)
	assert.InDelta(t, 1.0, Similarity(-2), 1e-9) // clamped
}
