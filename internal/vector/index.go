// Package vector owns the per-user ANN indices: HNSW graphs on disk
// with a JSON sidecar mapping chunk IDs to document metadata.
package vector

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/coder/hnsw"

	"github.com/rubyxyr/XU-News-AI-RAG/internal/apperr"
)

// MaxSearchK caps a single ANN search.
const MaxSearchK = 256

// Similarity converts an L2 distance to the [0,1] similarity reported
// to callers: 1/(1+distance).
func Similarity(distance float32) float64 {
	if distance < 0 {
		distance = 0
	}
	return 1.0 / (1.0 + float64(distance))
}

// On-disk layout inside <root>/user_<id>/.
const (
	indexFile   = "index.bin"
	sidecarFile = "sidecar.json"
	metaFile    = "meta.json"
)

// SidecarEntry is the per-chunk metadata kept beside the vectors.
type SidecarEntry struct {
	DocumentID  int64     `json:"document_id"`
	Ordinal     int       `json:"ordinal"`
	TextPreview string    `json:"text_preview"`
	CreatedAt   time.Time `json:"created_at"`
}

// Meta describes an index directory.
type Meta struct {
	EmbedderVersion string    `json:"embedder_version"`
	CreatedAt       time.Time `json:"created_at"`
	VectorCount     int       `json:"vector_count"`
	DeletedCount    int       `json:"deleted_count"`
}

// Hit is a single ANN search result.
type Hit struct {
	ChunkID     string
	DocumentID  int64
	Ordinal     int
	TextPreview string
	Distance    float32
}

// AddChunk is the input unit for Index.Add.
type AddChunk struct {
	ChunkID     string
	DocumentID  int64
	Ordinal     int
	TextPreview string
	Vector      []float32
}

// Index is one user's ANN index. All methods are safe for concurrent
// use; writes are serialized by an internal RW lock so a search sees
// either the pre-state or post-state of any mutation, never a partial
// view.
//
// Deletion is lazy: removed chunks leave the sidecar and ID maps but
// their graph nodes stay until Compact rebuilds the graph from the
// surviving vectors.
type Index struct {
	mu     sync.RWMutex
	userID int64
	dir    string
	dims   int

	graph   *hnsw.Graph[uint64]
	idMap   map[string]uint64 // chunk_id -> graph key
	keyMap  map[uint64]string // graph key -> chunk_id
	nextKey uint64

	entries map[string]SidecarEntry // live chunks only
	meta    Meta

	dirty  bool
	closed bool
}

func newGraph() *hnsw.Graph[uint64] {
	g := hnsw.NewGraph[uint64]()
	// L2 on non-normalized embeddings; changing the metric changes
	// distances and requires a versioned index migration.
	g.Distance = hnsw.EuclideanDistance
	g.M = 16
	g.EfSearch = 64
	g.Ml = 0.25
	return g
}

// newIndex creates an empty in-memory index for a user.
func newIndex(userID int64, dir string, dims int, embedderVersion string) *Index {
	return &Index{
		userID:  userID,
		dir:     dir,
		dims:    dims,
		graph:   newGraph(),
		idMap:   make(map[string]uint64),
		keyMap:  make(map[uint64]string),
		entries: make(map[string]SidecarEntry),
		meta: Meta{
			EmbedderVersion: embedderVersion,
			CreatedAt:       time.Now().UTC(),
		},
	}
}

// Add appends chunks and their vectors. Existing chunk IDs are
// lazily replaced.
func (ix *Index) Add(ctx context.Context, chunks []AddChunk) error {
	if len(chunks) == 0 {
		return nil
	}

	ix.mu.Lock()
	defer ix.mu.Unlock()

	if ix.closed {
		return fmt.Errorf("index is closed")
	}

	for _, c := range chunks {
		if len(c.Vector) != ix.dims {
			return apperr.Newf(apperr.CodeEmbeddingFailed,
				"chunk %s has dimension %d, index expects %d", c.ChunkID, len(c.Vector), ix.dims)
		}
	}

	now := time.Now().UTC()
	for _, c := range chunks {
		if oldKey, exists := ix.idMap[c.ChunkID]; exists {
			// Lazy replace: orphan the old node.
			delete(ix.keyMap, oldKey)
			delete(ix.idMap, c.ChunkID)
			ix.meta.DeletedCount++
			ix.meta.VectorCount--
		}

		key := ix.nextKey
		ix.nextKey++

		vec := make([]float32, len(c.Vector))
		copy(vec, c.Vector)
		ix.graph.Add(hnsw.MakeNode(key, vec))

		ix.idMap[c.ChunkID] = key
		ix.keyMap[key] = c.ChunkID
		ix.entries[c.ChunkID] = SidecarEntry{
			DocumentID:  c.DocumentID,
			Ordinal:     c.Ordinal,
			TextPreview: c.TextPreview,
			CreatedAt:   now,
		}
		ix.meta.VectorCount++
	}

	ix.dirty = true
	return nil
}

// Search finds the k nearest live chunks to the query vector.
// Lazily deleted graph nodes are filtered out of the results.
func (ix *Index) Search(ctx context.Context, query []float32, k int) ([]Hit, error) {
	if k <= 0 {
		return nil, fmt.Errorf("k must be positive, got %d", k)
	}
	if k > MaxSearchK {
		k = MaxSearchK
	}

	ix.mu.RLock()
	defer ix.mu.RUnlock()

	if ix.closed {
		return nil, fmt.Errorf("index is closed")
	}
	if len(query) != ix.dims {
		return nil, apperr.Newf(apperr.CodeEmbeddingFailed,
			"query has dimension %d, index expects %d", len(query), ix.dims)
	}
	if ix.graph.Len() == 0 {
		return []Hit{}, nil
	}

	// Over-fetch to compensate for lazily deleted nodes still present
	// in the graph.
	fetch := k + ix.meta.DeletedCount
	if fetch > ix.graph.Len() {
		fetch = ix.graph.Len()
	}

	nodes := ix.graph.Search(query, fetch)

	hits := make([]Hit, 0, k)
	for _, node := range nodes {
		chunkID, live := ix.keyMap[node.Key]
		if !live {
			continue
		}
		entry := ix.entries[chunkID]
		hits = append(hits, Hit{
			ChunkID:     chunkID,
			DocumentID:  entry.DocumentID,
			Ordinal:     entry.Ordinal,
			TextPreview: entry.TextPreview,
			Distance:    ix.graph.Distance(query, node.Value),
		})
		if len(hits) == k {
			break
		}
	}

	return hits, nil
}

// RemoveByDocument lazily deletes all chunks belonging to a document.
// Returns the number of chunks removed.
func (ix *Index) RemoveByDocument(ctx context.Context, documentID int64) (int, error) {
	ix.mu.Lock()
	defer ix.mu.Unlock()

	if ix.closed {
		return 0, fmt.Errorf("index is closed")
	}

	removed := 0
	for chunkID, entry := range ix.entries {
		if entry.DocumentID != documentID {
			continue
		}
		if key, exists := ix.idMap[chunkID]; exists {
			delete(ix.keyMap, key)
			delete(ix.idMap, chunkID)
		}
		delete(ix.entries, chunkID)
		removed++
	}

	if removed > 0 {
		ix.meta.VectorCount -= removed
		ix.meta.DeletedCount += removed
		ix.dirty = true
	}

	return removed, nil
}

// CountByDocument returns the number of live chunks for a document.
func (ix *Index) CountByDocument(documentID int64) int {
	ix.mu.RLock()
	defer ix.mu.RUnlock()

	n := 0
	for _, entry := range ix.entries {
		if entry.DocumentID == documentID {
			n++
		}
	}
	return n
}

// Stats returns a copy of the index metadata.
func (ix *Index) Stats() Meta {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	return ix.meta
}

// Compact rebuilds the graph from the surviving vectors, dropping all
// lazily deleted nodes. The on-disk form is rewritten atomically.
func (ix *Index) Compact(ctx context.Context) error {
	ix.mu.Lock()
	defer ix.mu.Unlock()

	if ix.closed {
		return fmt.Errorf("index is closed")
	}

	fresh := newGraph()
	newIDMap := make(map[string]uint64, len(ix.idMap))
	newKeyMap := make(map[uint64]string, len(ix.idMap))
	var nextKey uint64

	for chunkID, oldKey := range ix.idMap {
		vec, ok := ix.graph.Lookup(oldKey)
		if !ok {
			return apperr.Newf(apperr.CodeIndexCorrupt,
				"user %d: chunk %s missing from graph during compaction", ix.userID, chunkID)
		}
		key := nextKey
		nextKey++
		fresh.Add(hnsw.MakeNode(key, vec))
		newIDMap[chunkID] = key
		newKeyMap[key] = chunkID
	}

	ix.graph = fresh
	ix.idMap = newIDMap
	ix.keyMap = newKeyMap
	ix.nextKey = nextKey
	ix.meta.DeletedCount = 0
	ix.meta.VectorCount = len(newIDMap)
	ix.dirty = true

	return ix.persistLocked()
}

// Persist writes the index, sidecar, and meta to disk with
// write-to-temp + rename, then fsyncs.
func (ix *Index) Persist() error {
	ix.mu.Lock()
	defer ix.mu.Unlock()

	if ix.closed {
		return fmt.Errorf("index is closed")
	}
	return ix.persistLocked()
}

func (ix *Index) persistLocked() error {
	if err := os.MkdirAll(ix.dir, 0o755); err != nil {
		return apperr.StorageError("create index directory", err)
	}

	// Graph first: a sidecar without its graph is corrupt, a graph
	// without its sidecar is just re-persisted on the next write.
	indexPath := filepath.Join(ix.dir, indexFile)
	if err := atomicWrite(indexPath, func(f *os.File) error {
		w := bufio.NewWriter(f)
		if err := ix.graph.Export(w); err != nil {
			return err
		}
		return w.Flush()
	}); err != nil {
		return apperr.StorageError("write index file", err)
	}

	if err := writeSidecar(ix.dir, sidecarPayload{
		Entries: ix.entries,
		IDMap:   ix.idMap,
		NextKey: ix.nextKey,
		Dims:    ix.dims,
	}); err != nil {
		return apperr.StorageError("write sidecar", err)
	}

	if err := writeMeta(ix.dir, ix.meta); err != nil {
		return apperr.StorageError("write meta", err)
	}

	ix.dirty = false
	return nil
}

// loadIndex reads a user's index from dir. Returns CodeIndexVersion if
// the on-disk embedder version differs from the expected one, and
// CodeIndexCorrupt for unreadable files.
func loadIndex(userID int64, dir string, dims int, embedderVersion string) (*Index, error) {
	meta, err := readMeta(dir)
	if err != nil {
		return nil, apperr.Wrap(apperr.CodeIndexCorrupt, err)
	}
	if meta.EmbedderVersion != embedderVersion {
		return nil, apperr.Newf(apperr.CodeIndexVersion,
			"user %d index built with embedder %q, current is %q; rebuild required",
			userID, meta.EmbedderVersion, embedderVersion)
	}

	side, err := readSidecar(dir)
	if err != nil {
		return nil, apperr.Wrap(apperr.CodeIndexCorrupt, err)
	}
	if side.Dims != dims {
		return nil, apperr.Newf(apperr.CodeIndexVersion,
			"user %d index has dimension %d, current embedder produces %d", userID, side.Dims, dims)
	}

	ix := newIndex(userID, dir, dims, embedderVersion)
	ix.meta = meta
	ix.entries = side.Entries
	ix.idMap = side.IDMap
	ix.nextKey = side.NextKey
	for chunkID, key := range side.IDMap {
		ix.keyMap[key] = chunkID
	}

	f, err := os.Open(filepath.Join(dir, indexFile))
	if err != nil {
		return nil, apperr.Wrap(apperr.CodeIndexCorrupt, err)
	}
	defer f.Close()

	// hnsw Import requires an io.ByteReader.
	if err := ix.graph.Import(bufio.NewReader(f)); err != nil {
		return nil, apperr.Wrap(apperr.CodeIndexCorrupt, err)
	}

	return ix, nil
}

// close marks the index unusable. Callers persist first if dirty.
func (ix *Index) close() {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	ix.closed = true
	ix.graph = nil
}

// isDirty reports whether the in-memory state differs from disk.
func (ix *Index) isDirty() bool {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	return ix.dirty
}
