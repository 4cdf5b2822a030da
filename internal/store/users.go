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

// CreateUser inserts a user. Usernames are unique.
func (s *Store) CreateUser(ctx context.Context, u *model.User) error {
	if strings.TrimSpace(u.Username) == "" {
		return apperr.ValidationError("username is required")
	}
	u.CreatedAt = time.Now().UTC()

	return s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx,
			`INSERT INTO users (username, email, display_name, created_at) VALUES (?, ?, ?, ?)`,
			u.Username, u.Email, u.DisplayName, u.CreatedAt)
		if err != nil {
			if isUniqueViolation(err) {
				return apperr.Duplicate(fmt.Sprintf("username %q taken", u.Username))
			}
			return apperr.StorageError("insert user", err)
		}
		id, err := res.LastInsertId()
		if err != nil {
			return apperr.StorageError("read inserted id", err)
		}
		u.ID = id
		return nil
	})
}

// GetUser fetches a user by ID.
func (s *Store) GetUser(ctx context.Context, id int64) (*model.User, error) {
	if err := s.guard(); err != nil {
		return nil, err
	}

	var u model.User
	err := s.db.QueryRowContext(ctx,
		`SELECT id, username, email, display_name, created_at FROM users WHERE id = ?`,
		id).Scan(&u.ID, &u.Username, &u.Email, &u.DisplayName, &u.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperr.NotFound(fmt.Sprintf("user %d", id))
	}
	if err != nil {
		return nil, apperr.StorageError("get user", err)
	}
	return &u, nil
}

// ListUserIDs returns every user ID, for maintenance sweeps.
func (s *Store) ListUserIDs(ctx context.Context) ([]int64, error) {
	if err := s.guard(); err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx, `SELECT id FROM users ORDER BY id`)
	if err != nil {
		return nil, apperr.StorageError("list users", err)
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, apperr.StorageError("scan user id", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// EnsureUser creates the user with the given ID if it does not exist.
// Used at startup to materialize users referenced by the token map.
func (s *Store) EnsureUser(ctx context.Context, id int64, username string) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx,
			`INSERT OR IGNORE INTO users (id, username, created_at) VALUES (?, ?, ?)`,
			id, username, time.Now().UTC())
		if err != nil {
			return apperr.StorageError("ensure user", err)
		}
		return nil
	})
}
