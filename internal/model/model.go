// Package model defines the entities shared across the ingestion and
// retrieval pipelines.
package model

import (
	"crypto/sha256"
	"encoding/hex"
	"strconv"
	"strings"
	"time"
)

// SourceType classifies where a document came from.
type SourceType string

const (
	SourceTypeRSS    SourceType = "rss"
	SourceTypeWeb    SourceType = "web"
	SourceTypeUpload SourceType = "upload"
	SourceTypeManual SourceType = "manual"
)

// ValidSourceType reports whether s is a known source type.
func ValidSourceType(s SourceType) bool {
	switch s {
	case SourceTypeRSS, SourceTypeWeb, SourceTypeUpload, SourceTypeManual:
		return true
	}
	return false
}

// IndexedState tracks a document's position in the vector-index lifecycle.
//
// Allowed transitions: pending -> indexed | failed, indexed -> evicting
// -> (row removed), failed -> pending (retry). Nothing else.
type IndexedState string

const (
	IndexedStatePending  IndexedState = "pending"
	IndexedStateIndexed  IndexedState = "indexed"
	IndexedStateFailed   IndexedState = "failed"
	IndexedStateEvicting IndexedState = "evicting"
)

// CanTransition reports whether moving from s to next is a legal
// document state transition.
func (s IndexedState) CanTransition(next IndexedState) bool {
	switch s {
	case IndexedStatePending:
		return next == IndexedStateIndexed || next == IndexedStateFailed
	case IndexedStateIndexed:
		return next == IndexedStateEvicting
	case IndexedStateFailed:
		return next == IndexedStatePending
	default:
		return false
	}
}

// User owns documents, sources, and a per-user vector index.
type User struct {
	ID          int64
	Username    string
	Email       string
	DisplayName string
	CreatedAt   time.Time
}

// Document is an ingested article. Immutable after creation except
// Summary, Tags, IndexedState, and UpdatedAt.
type Document struct {
	ID           int64
	UserID       int64
	Title        string
	Content      string
	Summary      string
	SourceURL    string // empty means none
	SourceType   SourceType
	Author       string
	PublishedAt  *time.Time
	CreatedAt    time.Time
	UpdatedAt    time.Time
	ContentHash  string
	IndexedState IndexedState
	Tags         []string
}

// SourceKind classifies a crawl source.
type SourceKind string

const (
	SourceKindRSS SourceKind = "rss"
	SourceKindWeb SourceKind = "web"
)

// Source is a feed or site polled by the scheduler.
type Source struct {
	ID             int64
	UserID         int64
	Name           string
	URL            string
	Kind           SourceKind
	CadenceSeconds int
	Active         bool
	LastFetchedAt  *time.Time
	LastError      string
	FailureCount   int // consecutive poll failures, drives backoff
	AutoTags       []string
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// Tag is globally unique by case-folded name.
type Tag struct {
	ID   int64
	Name string
}

// SearchRecord is an append-only log of a retrieval request, used for
// trending-query analytics.
type SearchRecord struct {
	ID          int64
	UserID      int64
	Query       string
	ResultCount int
	ElapsedMS   int64
	CreatedAt   time.Time
}

// Article is a unit fetched from a source (RSS entry, web page, or
// spreadsheet row) before it becomes a Document.
type Article struct {
	Title       string
	Content     string
	Summary     string
	SourceURL   string
	Author      string
	PublishedAt *time.Time
	Tags        []string
}

// ContentHash computes the dedup hash of document content:
// sha256 over lowercased, whitespace-collapsed text.
func ContentHash(content string) string {
	sum := sha256.Sum256([]byte(NormalizeContent(content)))
	return hex.EncodeToString(sum[:])
}

// NormalizeContent collapses whitespace runs to single spaces and
// lowercases, for hashing only.
func NormalizeContent(content string) string {
	return strings.ToLower(strings.Join(strings.Fields(content), " "))
}

// ChunkID derives the stable chunk identifier for a document chunk:
// sha256(document_id ":" ordinal).
func ChunkID(documentID int64, ordinal int) string {
	sum := sha256.Sum256([]byte(strconv.FormatInt(documentID, 10) + ":" + strconv.Itoa(ordinal)))
	return hex.EncodeToString(sum[:])
}

// NormalizeTag case-folds and trims a tag name for storage.
func NormalizeTag(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}
