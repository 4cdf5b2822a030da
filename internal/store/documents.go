package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rubyxyr/XU-News-AI-RAG/internal/apperr"
	"github.com/rubyxyr/XU-News-AI-RAG/internal/model"
)

// DocumentFilter narrows ListDocuments. Zero values mean "no filter".
type DocumentFilter struct {
	SourceType model.SourceType
	State      model.IndexedState
	From       *time.Time // created_at >= From
	To         *time.Time // created_at < To
	Tags       []string   // match any
	Text       string     // substring match on title or content
	Limit      int
	Offset     int
}

const documentColumns = `id, user_id, title, content, summary, source_url, source_type,
	author, published_at, created_at, updated_at, content_hash, indexed_state`

func scanDocument(row interface{ Scan(...any) error }) (*model.Document, error) {
	var d model.Document
	var published sql.NullTime
	err := row.Scan(&d.ID, &d.UserID, &d.Title, &d.Content, &d.Summary,
		&d.SourceURL, &d.SourceType, &d.Author, &published,
		&d.CreatedAt, &d.UpdatedAt, &d.ContentHash, &d.IndexedState)
	if err != nil {
		return nil, err
	}
	if published.Valid {
		t := published.Time
		d.PublishedAt = &t
	}
	return &d, nil
}

// CreateDocument inserts a document in pending state, together with
// its tags, and mirrors it into the keyword index. Returns
// CodeDuplicate if the user already has the URL or content hash.
func (s *Store) CreateDocument(ctx context.Context, doc *model.Document) error {
	if doc.UserID == 0 {
		return apperr.ValidationError("user_id is required")
	}
	if strings.TrimSpace(doc.Title) == "" {
		return apperr.ValidationError("title is required")
	}
	if strings.TrimSpace(doc.Content) == "" {
		return apperr.ValidationError("content is required")
	}
	if !model.ValidSourceType(doc.SourceType) {
		return apperr.ValidationError(fmt.Sprintf("unknown source type %q", doc.SourceType))
	}

	if doc.ContentHash == "" {
		doc.ContentHash = model.ContentHash(doc.Content)
	}
	if doc.IndexedState == "" {
		doc.IndexedState = model.IndexedStatePending
	}
	now := time.Now().UTC()
	doc.CreatedAt = now
	doc.UpdatedAt = now

	return s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			INSERT INTO documents (user_id, title, content, summary, source_url,
				source_type, author, published_at, created_at, updated_at,
				content_hash, indexed_state)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			doc.UserID, doc.Title, doc.Content, doc.Summary, doc.SourceURL,
			doc.SourceType, doc.Author, nullTime(doc.PublishedAt),
			doc.CreatedAt, doc.UpdatedAt, doc.ContentHash, doc.IndexedState)
		if err != nil {
			if isUniqueViolation(err) {
				return apperr.Duplicate("document already exists for this user")
			}
			return apperr.StorageError("insert document", err)
		}

		id, err := res.LastInsertId()
		if err != nil {
			return apperr.StorageError("read inserted id", err)
		}
		doc.ID = id

		if err := setDocumentTags(ctx, tx, doc.UserID, doc.ID, doc.Tags); err != nil {
			return err
		}

		_, err = tx.ExecContext(ctx,
			`INSERT INTO documents_fts (doc_id, user_id, title, content) VALUES (?, ?, ?, ?)`,
			doc.ID, doc.UserID, doc.Title, doc.Content)
		if err != nil {
			return apperr.StorageError("index document text", err)
		}
		return nil
	})
}

// GetDocument fetches one document scoped to the user.
func (s *Store) GetDocument(ctx context.Context, userID, docID int64) (*model.Document, error) {
	if err := s.guard(); err != nil {
		return nil, err
	}

	row := s.db.QueryRowContext(ctx,
		`SELECT `+documentColumns+` FROM documents WHERE id = ? AND user_id = ?`,
		docID, userID)
	doc, err := scanDocument(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperr.NotFound(fmt.Sprintf("document %d", docID))
	}
	if err != nil {
		return nil, apperr.StorageError("get document", err)
	}

	tags, err := s.documentTags(ctx, docID)
	if err != nil {
		return nil, err
	}
	doc.Tags = tags
	return doc, nil
}

// ListDocuments returns a page of the user's documents ordered newest
// first, plus the total count matching the filter.
func (s *Store) ListDocuments(ctx context.Context, userID int64, filter DocumentFilter) ([]*model.Document, int, error) {
	if err := s.guard(); err != nil {
		return nil, 0, err
	}

	where := []string{"d.user_id = ?"}
	args := []any{userID}

	if filter.SourceType != "" {
		where = append(where, "d.source_type = ?")
		args = append(args, filter.SourceType)
	}
	if filter.State != "" {
		where = append(where, "d.indexed_state = ?")
		args = append(args, filter.State)
	}
	if filter.From != nil {
		where = append(where, "d.created_at >= ?")
		args = append(args, filter.From.UTC())
	}
	if filter.To != nil {
		where = append(where, "d.created_at < ?")
		args = append(args, filter.To.UTC())
	}
	if filter.Text != "" {
		where = append(where, "(d.title LIKE ? OR d.content LIKE ?)")
		pat := "%" + filter.Text + "%"
		args = append(args, pat, pat)
	}
	if len(filter.Tags) > 0 {
		placeholders := strings.TrimSuffix(strings.Repeat("?,", len(filter.Tags)), ",")
		where = append(where, `d.id IN (
			SELECT dt.document_id FROM document_tags dt
			JOIN tags t ON t.id = dt.tag_id
			WHERE t.user_id = ? AND t.name IN (`+placeholders+`))`)
		args = append(args, userID)
		for _, tag := range filter.Tags {
			args = append(args, model.NormalizeTag(tag))
		}
	}

	whereClause := strings.Join(where, " AND ")

	var total int
	countArgs := make([]any, len(args))
	copy(countArgs, args)
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM documents d WHERE `+whereClause, countArgs...).Scan(&total)
	if err != nil {
		return nil, 0, apperr.StorageError("count documents", err)
	}

	limit := filter.Limit
	if limit <= 0 {
		limit = 20
	}
	query := `SELECT ` + documentColumns +
		` FROM documents d WHERE ` + whereClause +
		` ORDER BY d.created_at DESC, d.id DESC LIMIT ? OFFSET ?`
	args = append(args, limit, filter.Offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, 0, apperr.StorageError("list documents", err)
	}
	defer rows.Close()

	var docs []*model.Document
	for rows.Next() {
		doc, err := scanDocument(rows)
		if err != nil {
			return nil, 0, apperr.StorageError("scan document", err)
		}
		docs = append(docs, doc)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, apperr.StorageError("iterate documents", err)
	}

	for _, doc := range docs {
		tags, err := s.documentTags(ctx, doc.ID)
		if err != nil {
			return nil, 0, err
		}
		doc.Tags = tags
	}

	return docs, total, nil
}

// ListDocumentsByState returns all of a user's documents in a given
// lifecycle state, oldest first. Used by the indexer for retry and
// eviction recovery.
func (s *Store) ListDocumentsByState(ctx context.Context, userID int64, state model.IndexedState) ([]*model.Document, error) {
	if err := s.guard(); err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT `+documentColumns+` FROM documents
		 WHERE user_id = ? AND indexed_state = ? ORDER BY id`,
		userID, state)
	if err != nil {
		return nil, apperr.StorageError("list documents by state", err)
	}
	defer rows.Close()

	var docs []*model.Document
	for rows.Next() {
		doc, err := scanDocument(rows)
		if err != nil {
			return nil, apperr.StorageError("scan document", err)
		}
		docs = append(docs, doc)
	}
	return docs, rows.Err()
}

// UpdateDocument applies mutable-field changes: summary and tags.
func (s *Store) UpdateDocument(ctx context.Context, userID, docID int64, summary *string, tags []string) (*model.Document, error) {
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		var owner int64
		err := tx.QueryRowContext(ctx,
			`SELECT user_id FROM documents WHERE id = ?`, docID).Scan(&owner)
		if errors.Is(err, sql.ErrNoRows) {
			return apperr.NotFound(fmt.Sprintf("document %d", docID))
		}
		if err != nil {
			return apperr.StorageError("lookup document", err)
		}
		if owner != userID {
			return apperr.New(apperr.CodeCrossUser, "document belongs to another user")
		}

		if summary != nil {
			if _, err := tx.ExecContext(ctx,
				`UPDATE documents SET summary = ?, updated_at = ? WHERE id = ?`,
				*summary, time.Now().UTC(), docID); err != nil {
				return apperr.StorageError("update summary", err)
			}
		}
		if tags != nil {
			if _, err := tx.ExecContext(ctx,
				`DELETE FROM document_tags WHERE document_id = ?`, docID); err != nil {
				return apperr.StorageError("clear tags", err)
			}
			if err := setDocumentTags(ctx, tx, userID, docID, tags); err != nil {
				return err
			}
			if _, err := tx.ExecContext(ctx,
				`UPDATE documents SET updated_at = ? WHERE id = ?`,
				time.Now().UTC(), docID); err != nil {
				return apperr.StorageError("touch document", err)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return s.GetDocument(ctx, userID, docID)
}

// TransitionState moves a document through its lifecycle, enforcing
// the allowed transitions.
func (s *Store) TransitionState(ctx context.Context, userID, docID int64, next model.IndexedState) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		var current model.IndexedState
		err := tx.QueryRowContext(ctx,
			`SELECT indexed_state FROM documents WHERE id = ? AND user_id = ?`,
			docID, userID).Scan(&current)
		if errors.Is(err, sql.ErrNoRows) {
			return apperr.NotFound(fmt.Sprintf("document %d", docID))
		}
		if err != nil {
			return apperr.StorageError("read document state", err)
		}

		if !current.CanTransition(next) {
			return apperr.Newf(apperr.CodeInvalidInput,
				"illegal state transition %s -> %s for document %d", current, next, docID)
		}

		_, err = tx.ExecContext(ctx,
			`UPDATE documents SET indexed_state = ?, updated_at = ? WHERE id = ?`,
			next, time.Now().UTC(), docID)
		if err != nil {
			return apperr.StorageError("update document state", err)
		}
		return nil
	})
}

// DeleteDocument removes the row and its keyword mirror. Callers evict
// the document's vectors first.
func (s *Store) DeleteDocument(ctx context.Context, userID, docID int64) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx,
			`DELETE FROM documents WHERE id = ? AND user_id = ?`, docID, userID)
		if err != nil {
			return apperr.StorageError("delete document", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return apperr.StorageError("read delete result", err)
		}
		if n == 0 {
			return apperr.NotFound(fmt.Sprintf("document %d", docID))
		}

		if _, err := tx.ExecContext(ctx,
			`DELETE FROM documents_fts WHERE doc_id = ?`, docID); err != nil {
			return apperr.StorageError("remove keyword entry", err)
		}
		return nil
	})
}

// HasDocumentWithURL reports whether the user already ingested a
// document from sourceURL.
func (s *Store) HasDocumentWithURL(ctx context.Context, userID int64, sourceURL string) (bool, error) {
	if sourceURL == "" {
		return false, nil
	}
	return s.exists(ctx,
		`SELECT 1 FROM documents WHERE user_id = ? AND source_url = ? LIMIT 1`,
		userID, sourceURL)
}

// HasDocumentWithHash reports whether the user already has content
// with the given normalized hash.
func (s *Store) HasDocumentWithHash(ctx context.Context, userID int64, hash string) (bool, error) {
	return s.exists(ctx,
		`SELECT 1 FROM documents WHERE user_id = ? AND content_hash = ? LIMIT 1`,
		userID, hash)
}

func (s *Store) exists(ctx context.Context, query string, args ...any) (bool, error) {
	if err := s.guard(); err != nil {
		return false, err
	}
	var one int
	err := s.db.QueryRowContext(ctx, query, args...).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, apperr.StorageError("existence check", err)
	}
	return true, nil
}

// KeywordSearch runs an FTS5 match over the user's documents, best
// rank first.
func (s *Store) KeywordSearch(ctx context.Context, userID int64, query string, limit int) ([]*model.Document, error) {
	if err := s.guard(); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = 10
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT `+documentColumns+` FROM documents
		WHERE id IN (
			SELECT doc_id FROM documents_fts
			WHERE documents_fts MATCH ? AND user_id = ?
			ORDER BY bm25(documents_fts) LIMIT ?
		) AND user_id = ?
		ORDER BY created_at DESC, id DESC`,
		ftsQuery(query), userID, limit, userID)
	if err != nil {
		return nil, apperr.StorageError("keyword search", err)
	}
	defer rows.Close()

	var docs []*model.Document
	for rows.Next() {
		doc, err := scanDocument(rows)
		if err != nil {
			return nil, apperr.StorageError("scan document", err)
		}
		docs = append(docs, doc)
	}
	return docs, rows.Err()
}

// ftsQuery turns free text into a conjunction of quoted FTS5 terms so
// user input cannot inject match syntax.
func ftsQuery(query string) string {
	fields := strings.Fields(query)
	terms := make([]string, 0, len(fields))
	for _, f := range fields {
		terms = append(terms, `"`+strings.ReplaceAll(f, `"`, `""`)+`"`)
	}
	return strings.Join(terms, " ")
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC()
}

// isUniqueViolation detects SQLite unique-constraint errors from the
// driver's error text, which is stable across modernc.org/sqlite
// releases.
func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "UNIQUE constraint failed") ||
		strings.Contains(msg, "constraint failed: UNIQUE")
}
