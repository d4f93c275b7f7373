// Package storage persists users. Two drivers are provided: PostgreSQL
// (pgx) for deployments and SQLite for zero-dependency demo runs. The
// Instrumented decorator layers chaos injection, client spans, query
// metrics, and a circuit breaker in front of either driver; all datastore
// traffic in the server goes through it.
package storage

import (
	"context"
	"errors"

	"github.com/google/uuid"

	"github.com/faultline-io/faultline/internal/model"
)

// ErrNotFound is returned when a requested entity does not exist.
var ErrNotFound = errors.New("storage: not found")

// ErrEmailTaken is returned when an insert or update would duplicate an
// email address.
var ErrEmailTaken = errors.New("storage: email already registered")

// Store is the persistence surface for users.
type Store interface {
	CreateUser(ctx context.Context, user model.User) (model.User, error)
	GetUser(ctx context.Context, id uuid.UUID) (model.User, error)
	GetUserByEmail(ctx context.Context, email string) (model.User, error)
	// ListUsers returns a page of users ordered by creation time, plus the
	// total number of users.
	ListUsers(ctx context.Context, limit, offset int) ([]model.User, int, error)
	UpdateUser(ctx context.Context, id uuid.UUID, update model.UpdateUserRequest) (model.User, error)
	DeleteUser(ctx context.Context, id uuid.UUID) error
	Ping(ctx context.Context) error
	Close(ctx context.Context) error
}
