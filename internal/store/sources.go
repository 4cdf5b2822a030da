package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/rubyxyr/XU-News-AI-RAG/internal/apperr"
	"github.com/rubyxyr/XU-News-AI-RAG/internal/model"
)

const sourceColumns = `id, user_id, name, url, kind, cadence_seconds, active,
	last_fetched_at, last_error, failure_count, auto_tags, created_at, updated_at`

func scanSource(row interface{ Scan(...any) error }) (*model.Source, error) {
	var src model.Source
	var fetched sql.NullTime
	var active int
	var autoTags string
	err := row.Scan(&src.ID, &src.UserID, &src.Name, &src.URL, &src.Kind,
		&src.CadenceSeconds, &active, &fetched, &src.LastError,
		&src.FailureCount, &autoTags, &src.CreatedAt, &src.UpdatedAt)
	if err != nil {
		return nil, err
	}
	src.Active = active != 0
	if fetched.Valid {
		t := fetched.Time
		src.LastFetchedAt = &t
	}
	if autoTags != "" {
		src.AutoTags = strings.Split(autoTags, ",")
	}
	return &src, nil
}

func validateSource(src *model.Source) error {
	if src.UserID == 0 {
		return apperr.ValidationError("user_id is required")
	}
	if strings.TrimSpace(src.Name) == "" {
		return apperr.ValidationError("name is required")
	}
	if src.Kind != model.SourceKindRSS && src.Kind != model.SourceKindWeb {
		return apperr.ValidationError(fmt.Sprintf("unknown source kind %q", src.Kind))
	}
	u, err := url.Parse(src.URL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return apperr.ValidationError(fmt.Sprintf("invalid source url %q", src.URL))
	}
	if src.CadenceSeconds < 60 {
		return apperr.ValidationError("cadence_seconds must be at least 60")
	}
	return nil
}

// CreateSource inserts a crawl source. URLs are unique per user.
func (s *Store) CreateSource(ctx context.Context, src *model.Source) error {
	if err := validateSource(src); err != nil {
		return err
	}
	now := time.Now().UTC()
	src.CreatedAt = now
	src.UpdatedAt = now

	return s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			INSERT INTO sources (user_id, name, url, kind, cadence_seconds, active,
				auto_tags, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			src.UserID, src.Name, src.URL, src.Kind, src.CadenceSeconds,
			boolInt(src.Active), joinTags(src.AutoTags), src.CreatedAt, src.UpdatedAt)
		if err != nil {
			if isUniqueViolation(err) {
				return apperr.Duplicate(fmt.Sprintf("source url %q already registered", src.URL))
			}
			return apperr.StorageError("insert source", err)
		}
		id, err := res.LastInsertId()
		if err != nil {
			return apperr.StorageError("read inserted id", err)
		}
		src.ID = id
		return nil
	})
}

// GetSource fetches one source scoped to the user.
func (s *Store) GetSource(ctx context.Context, userID, sourceID int64) (*model.Source, error) {
	if err := s.guard(); err != nil {
		return nil, err
	}

	row := s.db.QueryRowContext(ctx,
		`SELECT `+sourceColumns+` FROM sources WHERE id = ? AND user_id = ?`,
		sourceID, userID)
	src, err := scanSource(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperr.NotFound(fmt.Sprintf("source %d", sourceID))
	}
	if err != nil {
		return nil, apperr.StorageError("get source", err)
	}
	return src, nil
}

// ListSources returns all of one user's sources, newest first.
func (s *Store) ListSources(ctx context.Context, userID int64) ([]*model.Source, error) {
	return s.querySources(ctx,
		`SELECT `+sourceColumns+` FROM sources WHERE user_id = ? ORDER BY created_at DESC, id DESC`,
		userID)
}

// ListActiveSources returns every active source across users, for the
// scheduler's polling loop.
func (s *Store) ListActiveSources(ctx context.Context, kind model.SourceKind) ([]*model.Source, error) {
	return s.querySources(ctx,
		`SELECT `+sourceColumns+` FROM sources WHERE active = 1 AND kind = ? ORDER BY id`,
		kind)
}

func (s *Store) querySources(ctx context.Context, query string, args ...any) ([]*model.Source, error) {
	if err := s.guard(); err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, apperr.StorageError("list sources", err)
	}
	defer rows.Close()

	var sources []*model.Source
	for rows.Next() {
		src, err := scanSource(rows)
		if err != nil {
			return nil, apperr.StorageError("scan source", err)
		}
		sources = append(sources, src)
	}
	return sources, rows.Err()
}

// UpdateSource rewrites a source's mutable fields.
func (s *Store) UpdateSource(ctx context.Context, src *model.Source) error {
	if err := validateSource(src); err != nil {
		return err
	}
	src.UpdatedAt = time.Now().UTC()

	return s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			UPDATE sources SET name = ?, url = ?, kind = ?, cadence_seconds = ?,
				active = ?, auto_tags = ?, updated_at = ?
			WHERE id = ? AND user_id = ?`,
			src.Name, src.URL, src.Kind, src.CadenceSeconds,
			boolInt(src.Active), joinTags(src.AutoTags), src.UpdatedAt,
			src.ID, src.UserID)
		if err != nil {
			if isUniqueViolation(err) {
				return apperr.Duplicate(fmt.Sprintf("source url %q already registered", src.URL))
			}
			return apperr.StorageError("update source", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return apperr.StorageError("read update result", err)
		}
		if n == 0 {
			return apperr.NotFound(fmt.Sprintf("source %d", src.ID))
		}
		return nil
	})
}

// DeleteSource removes a source. Its documents stay.
func (s *Store) DeleteSource(ctx context.Context, userID, sourceID int64) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx,
			`DELETE FROM sources WHERE id = ? AND user_id = ?`, sourceID, userID)
		if err != nil {
			return apperr.StorageError("delete source", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return apperr.StorageError("read delete result", err)
		}
		if n == 0 {
			return apperr.NotFound(fmt.Sprintf("source %d", sourceID))
		}
		return nil
	})
}

// RecordPoll updates a source's poll bookkeeping. A non-empty pollErr
// increments the consecutive failure count; success resets it.
func (s *Store) RecordPoll(ctx context.Context, sourceID int64, polledAt time.Time, pollErr string) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		now := time.Now().UTC()
		var err error
		if pollErr == "" {
			_, err = tx.ExecContext(ctx,
				`UPDATE sources SET last_fetched_at = ?, last_error = '',
					failure_count = 0, updated_at = ? WHERE id = ?`,
				polledAt.UTC(), now, sourceID)
		} else {
			_, err = tx.ExecContext(ctx,
				`UPDATE sources SET last_fetched_at = ?, last_error = ?,
					failure_count = failure_count + 1, updated_at = ? WHERE id = ?`,
				polledAt.UTC(), pollErr, now, sourceID)
		}
		if err != nil {
			return apperr.StorageError("record poll", err)
		}
		return nil
	})
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func joinTags(tags []string) string {
	cleaned := make([]string, 0, len(tags))
	for _, t := range tags {
		if n := model.NormalizeTag(t); n != "" {
			cleaned = append(cleaned, n)
		}
	}
	return strings.Join(cleaned, ",")
}
