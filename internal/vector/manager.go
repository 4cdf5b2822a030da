package vector

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/gofrs/flock"
	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/rubyxyr/XU-News-AI-RAG/internal/apperr"
)

// Defaults for the index manager.
const (
	DefaultLRUCapacity           = 32
	DefaultCompactThresholdRatio = 0.2
	DefaultCompactThresholdCount = 1000
)

// ManagerConfig configures the per-user index manager.
type ManagerConfig struct {
	// Root is the directory holding per-user index directories.
	Root string

	// Dimensions is the embedding dimensionality all indices must share.
	Dimensions int

	// EmbedderVersion identifies the embedding model; an on-disk index
	// built with a different version is refused at load.
	EmbedderVersion string

	// LRUCapacity bounds the number of resident user indices.
	LRUCapacity int

	// CompactThresholdRatio triggers compaction when
	// deleted/(live+deleted) exceeds it.
	CompactThresholdRatio float64

	// CompactThresholdCount triggers compaction when the absolute
	// deleted count exceeds it.
	CompactThresholdCount int
}

// Manager maps user IDs to resident indices, loading from disk on
// demand and evicting least-recently-used indices (persisting dirty
// state first). A file lock on the root directory guards against a
// second process mutating the same index tree.
type Manager struct {
	config ManagerConfig
	logger *slog.Logger

	mu    sync.Mutex
	cache *lru.Cache[int64, *Index]

	fileLock *flock.Flock
	closed   bool
}

// NewManager creates the index manager and acquires the root lock.
func NewManager(cfg ManagerConfig, logger *slog.Logger) (*Manager, error) {
	if cfg.Root == "" {
		return nil, fmt.Errorf("index root is required")
	}
	if cfg.Dimensions <= 0 {
		return nil, fmt.Errorf("dimensions must be positive, got %d", cfg.Dimensions)
	}
	if cfg.LRUCapacity <= 0 {
		cfg.LRUCapacity = DefaultLRUCapacity
	}
	if cfg.CompactThresholdRatio <= 0 {
		cfg.CompactThresholdRatio = DefaultCompactThresholdRatio
	}
	if cfg.CompactThresholdCount <= 0 {
		cfg.CompactThresholdCount = DefaultCompactThresholdCount
	}
	if logger == nil {
		logger = slog.Default()
	}

	if err := os.MkdirAll(cfg.Root, 0o755); err != nil {
		return nil, apperr.StorageError("create index root", err)
	}

	fileLock := flock.New(filepath.Join(cfg.Root, ".lock"))
	locked, err := fileLock.TryLock()
	if err != nil {
		return nil, apperr.StorageError("acquire index lock", err)
	}
	if !locked {
		return nil, apperr.Newf(apperr.CodeStorageUnavailable,
			"index root %s is locked by another process", cfg.Root)
	}

	m := &Manager{
		config:   cfg,
		logger:   logger.With("component", "vector"),
		fileLock: fileLock,
	}

	// Eviction persists dirty state before the index leaves memory.
	cache, err := lru.NewWithEvict[int64, *Index](cfg.LRUCapacity, m.onEvict)
	if err != nil {
		fileLock.Unlock()
		return nil, fmt.Errorf("create index cache: %w", err)
	}
	m.cache = cache

	return m, nil
}

func (m *Manager) onEvict(userID int64, ix *Index) {
	if ix.isDirty() {
		if err := ix.Persist(); err != nil {
			m.logger.Error("persist on eviction failed", "user_id", userID, "error", err)
		}
	}
	ix.close()
	m.logger.Debug("index evicted", "user_id", userID)
}

func (m *Manager) userDir(userID int64) string {
	return filepath.Join(m.config.Root, fmt.Sprintf("user_%d", userID))
}

// get returns the resident index for a user, loading or creating one
// as needed.
func (m *Manager) get(ctx context.Context, userID int64) (*Index, error) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, fmt.Errorf("manager is closed")
	}
	if ix, ok := m.cache.Get(userID); ok {
		m.mu.Unlock()
		return ix, nil
	}
	m.mu.Unlock()

	dir := m.userDir(userID)
	var ix *Index
	if _, err := os.Stat(filepath.Join(dir, metaFile)); err == nil {
		loaded, err := loadIndex(userID, dir, m.config.Dimensions, m.config.EmbedderVersion)
		if err != nil {
			return nil, err
		}
		ix = loaded
		m.logger.Debug("index loaded",
			"user_id", userID,
			"vectors", ix.meta.VectorCount,
			"deleted", ix.meta.DeletedCount)
	} else {
		ix = newIndex(userID, dir, m.config.Dimensions, m.config.EmbedderVersion)
		m.logger.Debug("index created", "user_id", userID)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		ix.close()
		return nil, fmt.Errorf("manager is closed")
	}
	// Another goroutine may have loaded the same user concurrently;
	// keep the cached one.
	if cached, ok := m.cache.Get(userID); ok {
		ix.close()
		return cached, nil
	}
	m.cache.Add(userID, ix)
	return ix, nil
}

// Add inserts chunks into the user's index.
func (m *Manager) Add(ctx context.Context, userID int64, chunks []AddChunk) error {
	ix, err := m.get(ctx, userID)
	if err != nil {
		return err
	}
	return ix.Add(ctx, chunks)
}

// Search returns the k nearest live chunks for the user's query vector.
func (m *Manager) Search(ctx context.Context, userID int64, query []float32, k int) ([]Hit, error) {
	ix, err := m.get(ctx, userID)
	if err != nil {
		return nil, err
	}
	return ix.Search(ctx, query, k)
}

// RemoveByDocument lazily removes a document's chunks and compacts the
// index when the deletion debt crosses the configured thresholds.
func (m *Manager) RemoveByDocument(ctx context.Context, userID int64, documentID int64) (int, error) {
	ix, err := m.get(ctx, userID)
	if err != nil {
		return 0, err
	}

	removed, err := ix.RemoveByDocument(ctx, documentID)
	if err != nil {
		return 0, err
	}

	if m.shouldCompact(ix.Stats()) {
		if err := ix.Compact(ctx); err != nil {
			// Compaction failure leaves the index usable, just with
			// more deletion debt.
			m.logger.Warn("compaction failed", "user_id", userID, "error", err)
		} else {
			m.logger.Info("index compacted", "user_id", userID, "removed_chunks", removed)
		}
	}

	return removed, nil
}

func (m *Manager) shouldCompact(meta Meta) bool {
	if meta.DeletedCount == 0 {
		return false
	}
	if meta.DeletedCount > m.config.CompactThresholdCount {
		return true
	}
	total := meta.VectorCount + meta.DeletedCount
	return float64(meta.DeletedCount)/float64(total) > m.config.CompactThresholdRatio
}

// Compact forces a rebuild of the user's index.
func (m *Manager) Compact(ctx context.Context, userID int64) error {
	ix, err := m.get(ctx, userID)
	if err != nil {
		return err
	}
	return ix.Compact(ctx)
}

// Persist flushes the user's index to disk.
func (m *Manager) Persist(ctx context.Context, userID int64) error {
	ix, err := m.get(ctx, userID)
	if err != nil {
		return err
	}
	return ix.Persist()
}

// Stats returns index metadata for a user.
func (m *Manager) Stats(ctx context.Context, userID int64) (Meta, error) {
	ix, err := m.get(ctx, userID)
	if err != nil {
		return Meta{}, err
	}
	return ix.Stats(), nil
}

// DropUser evicts and deletes a user's index directory.
func (m *Manager) DropUser(ctx context.Context, userID int64) error {
	m.mu.Lock()
	m.cache.Remove(userID) // triggers onEvict, persisting first
	m.mu.Unlock()

	if err := os.RemoveAll(m.userDir(userID)); err != nil {
		return apperr.StorageError("remove index directory", err)
	}
	return nil
}

// Rebuild discards the user's on-disk index and starts a fresh one.
// The caller re-indexes documents from the metadata store afterwards.
func (m *Manager) Rebuild(ctx context.Context, userID int64) error {
	m.mu.Lock()
	m.cache.Remove(userID)
	m.mu.Unlock()

	dir := m.userDir(userID)
	if err := os.RemoveAll(dir); err != nil {
		return apperr.StorageError("remove stale index", err)
	}

	ix := newIndex(userID, dir, m.config.Dimensions, m.config.EmbedderVersion)
	if err := ix.Persist(); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		ix.close()
		return fmt.Errorf("manager is closed")
	}
	m.cache.Add(userID, ix)
	return nil
}

// Close persists all dirty indices and releases the root lock.
func (m *Manager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return nil
	}
	m.closed = true

	// Purge triggers onEvict for every resident index.
	m.cache.Purge()

	if err := m.fileLock.Unlock(); err != nil {
		return apperr.StorageError("release index lock", err)
	}
	return nil
}
