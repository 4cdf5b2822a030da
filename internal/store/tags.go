package store

import (
	"context"
	"database/sql"

	"github.com/rubyxyr/XU-News-AI-RAG/internal/apperr"
	"github.com/rubyxyr/XU-News-AI-RAG/internal/model"
)

// setDocumentTags upserts the tag rows and links them to the document.
// Names are normalized; empty names are dropped.
func setDocumentTags(ctx context.Context, tx *sql.Tx, userID, docID int64, tags []string) error {
	seen := make(map[string]struct{}, len(tags))
	for _, raw := range tags {
		name := model.NormalizeTag(raw)
		if name == "" {
			continue
		}
		if _, dup := seen[name]; dup {
			continue
		}
		seen[name] = struct{}{}

		if _, err := tx.ExecContext(ctx,
			`INSERT OR IGNORE INTO tags (user_id, name) VALUES (?, ?)`,
			userID, name); err != nil {
			return apperr.StorageError("upsert tag", err)
		}

		var tagID int64
		if err := tx.QueryRowContext(ctx,
			`SELECT id FROM tags WHERE user_id = ? AND name = ?`,
			userID, name).Scan(&tagID); err != nil {
			return apperr.StorageError("lookup tag", err)
		}

		if _, err := tx.ExecContext(ctx,
			`INSERT OR IGNORE INTO document_tags (document_id, tag_id) VALUES (?, ?)`,
			docID, tagID); err != nil {
			return apperr.StorageError("link tag", err)
		}
	}
	return nil
}

// documentTags returns a document's tag names, sorted.
func (s *Store) documentTags(ctx context.Context, docID int64) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT t.name FROM tags t
		JOIN document_tags dt ON dt.tag_id = t.id
		WHERE dt.document_id = ?
		ORDER BY t.name`, docID)
	if err != nil {
		return nil, apperr.StorageError("list document tags", err)
	}
	defer rows.Close()

	var tags []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, apperr.StorageError("scan tag", err)
		}
		tags = append(tags, name)
	}
	return tags, rows.Err()
}
