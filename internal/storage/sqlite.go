package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/faultline-io/faultline/internal/model"
)

// SQLiteStore implements Store on an embedded SQLite database. It is the
// default driver for demo runs; ":memory:" works and needs no files.
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewSQLite opens (or creates) the database at path and ensures the schema
// exists.
func NewSQLite(ctx context.Context, path string, logger *slog.Logger) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("storage: open sqlite: %w", err)
	}
	// One connection only: serializes writers and keeps ":memory:" from
	// silently becoming one database per pooled connection.
	db.SetMaxOpenConns(1)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("storage: ping sqlite: %w", err)
	}

	s := &SQLiteStore{db: db, logger: logger}
	if err := s.ensureSchema(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLiteStore) ensureSchema(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS users (
			id            TEXT PRIMARY KEY,
			email         TEXT NOT NULL UNIQUE,
			name          TEXT NOT NULL,
			password_hash TEXT NOT NULL,
			created_at    TIMESTAMP NOT NULL,
			updated_at    TIMESTAMP NOT NULL
		)`)
	if err != nil {
		return fmt.Errorf("storage: ensure schema: %w", err)
	}
	return nil
}

// CreateUser inserts a new user, assigning id and timestamps when unset.
func (s *SQLiteStore) CreateUser(ctx context.Context, user model.User) (model.User, error) {
	if user.ID == uuid.Nil {
		user.ID = uuid.New()
	}
	now := time.Now().UTC()
	if user.CreatedAt.IsZero() {
		user.CreatedAt = now
	}
	user.UpdatedAt = now

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO users (id, email, name, password_hash, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		user.ID.String(), user.Email, user.Name, user.PasswordHash, user.CreatedAt, user.UpdatedAt,
	)
	if err != nil {
		if isSQLiteUniqueViolation(err) {
			return model.User{}, ErrEmailTaken
		}
		return model.User{}, fmt.Errorf("storage: create user: %w", err)
	}
	return user, nil
}

// GetUser fetches a user by id.
func (s *SQLiteStore) GetUser(ctx context.Context, id uuid.UUID) (model.User, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, email, name, password_hash, created_at, updated_at
		 FROM users WHERE id = ?`, id.String())
	return scanSQLiteUser(row, "get user")
}

// GetUserByEmail fetches a user by email.
func (s *SQLiteStore) GetUserByEmail(ctx context.Context, email string) (model.User, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, email, name, password_hash, created_at, updated_at
		 FROM users WHERE email = ?`, email)
	return scanSQLiteUser(row, "get user by email")
}

// ListUsers returns one page ordered by creation time plus the total count.
func (s *SQLiteStore) ListUsers(ctx context.Context, limit, offset int) ([]model.User, int, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, email, name, password_hash, created_at, updated_at
		 FROM users ORDER BY created_at, id LIMIT ? OFFSET ?`, limit, offset)
	if err != nil {
		return nil, 0, fmt.Errorf("storage: list users: %w", err)
	}
	defer rows.Close()

	users := make([]model.User, 0, limit)
	for rows.Next() {
		var (
			u     model.User
			rawID string
		)
		if err := rows.Scan(&rawID, &u.Email, &u.Name, &u.PasswordHash, &u.CreatedAt, &u.UpdatedAt); err != nil {
			return nil, 0, fmt.Errorf("storage: scan user: %w", err)
		}
		if u.ID, err = uuid.Parse(rawID); err != nil {
			return nil, 0, fmt.Errorf("storage: parse user id: %w", err)
		}
		users = append(users, u)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("storage: list users: %w", err)
	}

	var total int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM users`).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("storage: count users: %w", err)
	}
	return users, total, nil
}

// UpdateUser applies the non-nil fields of update and returns the result.
func (s *SQLiteStore) UpdateUser(ctx context.Context, id uuid.UUID, update model.UpdateUserRequest) (model.User, error) {
	row := s.db.QueryRowContext(ctx,
		`UPDATE users
		 SET email = COALESCE(?, email),
		     name = COALESCE(?, name),
		     updated_at = ?
		 WHERE id = ?
		 RETURNING id, email, name, password_hash, created_at, updated_at`,
		update.Email, update.Name, time.Now().UTC(), id.String(),
	)
	u, err := scanSQLiteUser(row, "update user")
	if err != nil && isSQLiteUniqueViolation(err) {
		return model.User{}, ErrEmailTaken
	}
	return u, err
}

// DeleteUser removes a user by id.
func (s *SQLiteStore) DeleteUser(ctx context.Context, id uuid.UUID) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM users WHERE id = ?`, id.String())
	if err != nil {
		return fmt.Errorf("storage: delete user: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("storage: delete user: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// Ping checks the database connection.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close shuts down the database handle.
func (s *SQLiteStore) Close(context.Context) error {
	return s.db.Close()
}

func scanSQLiteUser(row *sql.Row, action string) (model.User, error) {
	var (
		u     model.User
		rawID string
	)
	if err := row.Scan(&rawID, &u.Email, &u.Name, &u.PasswordHash, &u.CreatedAt, &u.UpdatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return model.User{}, ErrNotFound
		}
		return model.User{}, fmt.Errorf("storage: %s: %w", action, err)
	}
	var err error
	if u.ID, err = uuid.Parse(rawID); err != nil {
		return model.User{}, fmt.Errorf("storage: parse user id: %w", err)
	}
	return u, nil
}

// isSQLiteUniqueViolation matches on the driver's message because
// modernc.org/sqlite does not export a stable error type for constraint
// failures.
func isSQLiteUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}
