package store

import (
	"context"
	"database/sql"
	"time"

	"github.com/rubyxyr/XU-News-AI-RAG/internal/apperr"
	"github.com/rubyxyr/XU-News-AI-RAG/internal/model"
)

// TagCount is one row of the keyword-frequency report.
type TagCount struct {
	Name  string `json:"name"`
	Count int    `json:"count"`
}

// QueryCount is one row of the trending-queries report.
type QueryCount struct {
	Query        string  `json:"query"`
	Count        int     `json:"count"`
	AvgElapsedMS float64 `json:"avg_elapsed_ms"`
}

// SourceTypeCount is one row of the per-source-type breakdown.
type SourceTypeCount struct {
	SourceType model.SourceType `json:"source_type"`
	Count      int              `json:"count"`
}

// TopTags returns the user's most frequent tags across documents.
func (s *Store) TopTags(ctx context.Context, userID int64, limit int) ([]TagCount, error) {
	if err := s.guard(); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = 10
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT t.name, COUNT(dt.document_id) AS n
		FROM tags t
		JOIN document_tags dt ON dt.tag_id = t.id
		WHERE t.user_id = ?
		GROUP BY t.id
		ORDER BY n DESC, t.name
		LIMIT ?`, userID, limit)
	if err != nil {
		return nil, apperr.StorageError("top tags", err)
	}
	defer rows.Close()

	var out []TagCount
	for rows.Next() {
		var tc TagCount
		if err := rows.Scan(&tc.Name, &tc.Count); err != nil {
			return nil, apperr.StorageError("scan tag count", err)
		}
		out = append(out, tc)
	}
	return out, rows.Err()
}

// CountDocumentsBySourceType breaks the user's corpus down by origin.
func (s *Store) CountDocumentsBySourceType(ctx context.Context, userID int64) ([]SourceTypeCount, error) {
	if err := s.guard(); err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT source_type, COUNT(*) FROM documents
		WHERE user_id = ?
		GROUP BY source_type
		ORDER BY COUNT(*) DESC`, userID)
	if err != nil {
		return nil, apperr.StorageError("count by source type", err)
	}
	defer rows.Close()

	var out []SourceTypeCount
	for rows.Next() {
		var sc SourceTypeCount
		if err := rows.Scan(&sc.SourceType, &sc.Count); err != nil {
			return nil, apperr.StorageError("scan source type count", err)
		}
		out = append(out, sc)
	}
	return out, rows.Err()
}

// AddSearchRecord appends one retrieval request to the history log.
func (s *Store) AddSearchRecord(ctx context.Context, rec *model.SearchRecord) error {
	rec.CreatedAt = time.Now().UTC()
	return s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			INSERT INTO search_records (user_id, query, result_count, elapsed_ms, created_at)
			VALUES (?, ?, ?, ?, ?)`,
			rec.UserID, rec.Query, rec.ResultCount, rec.ElapsedMS, rec.CreatedAt)
		if err != nil {
			return apperr.StorageError("insert search record", err)
		}
		id, err := res.LastInsertId()
		if err != nil {
			return apperr.StorageError("read inserted id", err)
		}
		rec.ID = id
		return nil
	})
}

// FinishSearchRecord fills in the outcome of a search whose record was
// written at the start of the pipeline.
func (s *Store) FinishSearchRecord(ctx context.Context, id int64, resultCount int, elapsedMS int64) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			UPDATE search_records SET result_count = ?, elapsed_ms = ?
			WHERE id = ?`, resultCount, elapsedMS, id)
		if err != nil {
			return apperr.StorageError("finish search record", err)
		}
		return nil
	})
}

// SearchHistory returns the user's recent queries, newest first.
func (s *Store) SearchHistory(ctx context.Context, userID int64, limit, offset int) ([]*model.SearchRecord, error) {
	if err := s.guard(); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = 20
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, user_id, query, result_count, elapsed_ms, created_at
		FROM search_records
		WHERE user_id = ?
		ORDER BY created_at DESC, id DESC
		LIMIT ? OFFSET ?`, userID, limit, offset)
	if err != nil {
		return nil, apperr.StorageError("search history", err)
	}
	defer rows.Close()

	var out []*model.SearchRecord
	for rows.Next() {
		var rec model.SearchRecord
		if err := rows.Scan(&rec.ID, &rec.UserID, &rec.Query,
			&rec.ResultCount, &rec.ElapsedMS, &rec.CreatedAt); err != nil {
			return nil, apperr.StorageError("scan search record", err)
		}
		out = append(out, &rec)
	}
	return out, rows.Err()
}

// TrendingQueries groups the user's queries since a cutoff by exact
// text, most frequent first.
func (s *Store) TrendingQueries(ctx context.Context, userID int64, since time.Time, limit int) ([]QueryCount, error) {
	if err := s.guard(); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = 10
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT query, COUNT(*) AS n, AVG(elapsed_ms)
		FROM search_records
		WHERE user_id = ? AND created_at >= ?
		GROUP BY query
		ORDER BY n DESC, MAX(created_at) DESC
		LIMIT ?`, userID, since.UTC(), limit)
	if err != nil {
		return nil, apperr.StorageError("trending queries", err)
	}
	defer rows.Close()

	var out []QueryCount
	for rows.Next() {
		var qc QueryCount
		if err := rows.Scan(&qc.Query, &qc.Count, &qc.AvgElapsedMS); err != nil {
			return nil, apperr.StorageError("scan query count", err)
		}
		out = append(out, qc)
	}
	return out, rows.Err()
}

// CountTagAssignments totals the user's document-tag links, the
// denominator for keyword percentages.
func (s *Store) CountTagAssignments(ctx context.Context, userID int64) (int, error) {
	if err := s.guard(); err != nil {
		return 0, err
	}

	var n int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*)
		FROM document_tags dt
		JOIN tags t ON t.id = dt.tag_id
		WHERE t.user_id = ?`, userID).Scan(&n)
	if err != nil {
		return 0, apperr.StorageError("count tag assignments", err)
	}
	return n, nil
}
