// Package store is the SQLite metadata layer: users, documents,
// sources, tags, and search history. The vector indices live
// elsewhere; this package is the source of truth they are rebuilt
// from.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	_ "modernc.org/sqlite" // Pure Go SQLite driver (no CGO)

	"github.com/rubyxyr/XU-News-AI-RAG/internal/apperr"
)

// Store wraps the SQLite database. Safe for concurrent use; writes are
// serialized by the single-connection pool.
type Store struct {
	mu     sync.RWMutex
	db     *sql.DB
	path   string
	closed bool
}

// Open opens (or creates) the metadata database at path. An empty
// path opens an in-memory database for testing.
func Open(path string) (*Store, error) {
	dsn := ":memory:"
	if path != "" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, apperr.StorageError("create database directory", err)
		}
		dsn = path
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, apperr.StorageError("open database", err)
	}

	// Single writer to prevent lock contention.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	// WAL mode must be set via PRAGMA for modernc.org/sqlite.
	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA foreign_keys = ON",
		"PRAGMA cache_size = -65536",
		"PRAGMA temp_store = MEMORY",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			_ = db.Close()
			return nil, apperr.StorageError("set pragma", err)
		}
	}

	s := &Store{db: db, path: path}
	if err := s.initSchema(); err != nil {
		_ = db.Close()
		return nil, apperr.StorageError("initialize schema", err)
	}

	return s, nil
}

func (s *Store) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS schema_version (
		version INTEGER PRIMARY KEY
	);

	CREATE TABLE IF NOT EXISTS users (
		id           INTEGER PRIMARY KEY AUTOINCREMENT,
		username     TEXT NOT NULL UNIQUE,
		email        TEXT NOT NULL DEFAULT '',
		display_name TEXT NOT NULL DEFAULT '',
		created_at   TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
	);

	CREATE TABLE IF NOT EXISTS documents (
		id            INTEGER PRIMARY KEY AUTOINCREMENT,
		user_id       INTEGER NOT NULL REFERENCES users(id) ON DELETE CASCADE,
		title         TEXT NOT NULL,
		content       TEXT NOT NULL,
		summary       TEXT NOT NULL DEFAULT '',
		source_url    TEXT NOT NULL DEFAULT '',
		source_type   TEXT NOT NULL,
		author        TEXT NOT NULL DEFAULT '',
		published_at  TIMESTAMP,
		created_at    TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
		updated_at    TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
		content_hash  TEXT NOT NULL,
		indexed_state TEXT NOT NULL DEFAULT 'pending'
	);

	-- Dedup: same URL or same normalized content may appear once per user.
	CREATE UNIQUE INDEX IF NOT EXISTS idx_documents_user_url
		ON documents(user_id, source_url) WHERE source_url != '';
	CREATE UNIQUE INDEX IF NOT EXISTS idx_documents_user_hash
		ON documents(user_id, content_hash);
	CREATE INDEX IF NOT EXISTS idx_documents_user_created
		ON documents(user_id, created_at DESC, id DESC);
	CREATE INDEX IF NOT EXISTS idx_documents_user_state
		ON documents(user_id, indexed_state);

	CREATE TABLE IF NOT EXISTS sources (
		id              INTEGER PRIMARY KEY AUTOINCREMENT,
		user_id         INTEGER NOT NULL REFERENCES users(id) ON DELETE CASCADE,
		name            TEXT NOT NULL,
		url             TEXT NOT NULL,
		kind            TEXT NOT NULL,
		cadence_seconds INTEGER NOT NULL,
		active          INTEGER NOT NULL DEFAULT 1,
		last_fetched_at TIMESTAMP,
		last_error      TEXT NOT NULL DEFAULT '',
		failure_count   INTEGER NOT NULL DEFAULT 0,
		auto_tags       TEXT NOT NULL DEFAULT '',
		created_at      TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
		updated_at      TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
		UNIQUE(user_id, url)
	);

	CREATE TABLE IF NOT EXISTS tags (
		id      INTEGER PRIMARY KEY AUTOINCREMENT,
		user_id INTEGER NOT NULL REFERENCES users(id) ON DELETE CASCADE,
		name    TEXT NOT NULL,
		UNIQUE(user_id, name)
	);

	CREATE TABLE IF NOT EXISTS document_tags (
		document_id INTEGER NOT NULL REFERENCES documents(id) ON DELETE CASCADE,
		tag_id      INTEGER NOT NULL REFERENCES tags(id) ON DELETE CASCADE,
		PRIMARY KEY (document_id, tag_id)
	);

	CREATE TABLE IF NOT EXISTS search_records (
		id           INTEGER PRIMARY KEY AUTOINCREMENT,
		user_id      INTEGER NOT NULL REFERENCES users(id) ON DELETE CASCADE,
		query        TEXT NOT NULL,
		result_count INTEGER NOT NULL DEFAULT 0,
		elapsed_ms   INTEGER NOT NULL DEFAULT 0,
		created_at   TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
	);
	CREATE INDEX IF NOT EXISTS idx_search_records_user_created
		ON search_records(user_id, created_at DESC);

	-- FTS5 mirror of documents for the keyword search mode.
	CREATE VIRTUAL TABLE IF NOT EXISTS documents_fts USING fts5(
		doc_id UNINDEXED,
		user_id UNINDEXED,
		title,
		content,
		tokenize='unicode61'
	);

	INSERT OR IGNORE INTO schema_version (version) VALUES (1);
	`
	_, err := s.db.Exec(schema)
	return err
}

// guard returns an error if the store is closed.
func (s *Store) guard() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return fmt.Errorf("store is closed")
	}
	return nil
}

// withTx runs fn in a transaction, committing on nil error.
func (s *Store) withTx(ctx context.Context, fn func(*sql.Tx) error) error {
	if err := s.guard(); err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return apperr.StorageError("begin transaction", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return apperr.StorageError("commit transaction", err)
	}
	return nil
}

// Path returns the database file path (empty for in-memory).
func (s *Store) Path() string {
	return s.path
}

// Close closes the database.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true
	return s.db.Close()
}
