package storage_test

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/faultline-io/faultline/internal/model"
	"github.com/faultline-io/faultline/internal/storage"
)

func userFixture(email, name string) model.User {
	return model.User{Email: email, Name: name, PasswordHash: "argon2id-hash"}
}

// testUserCRUD exercises one Store implementation end to end. It assumes
// an empty users table; both drivers must pass it unchanged.
func testUserCRUD(t *testing.T, s storage.Store) {
	t.Helper()
	ctx := context.Background()

	created, err := s.CreateUser(ctx, model.User{
		Email:        "ada@example.test",
		Name:         "Ada Lovelace",
		PasswordHash: "argon2id-hash",
	})
	require.NoError(t, err)
	assert.NotEqual(t, uuid.Nil, created.ID)
	assert.False(t, created.CreatedAt.IsZero())
	assert.False(t, created.UpdatedAt.IsZero())

	got, err := s.GetUser(ctx, created.ID)
	require.NoError(t, err)
	assert.Equal(t, created.ID, got.ID)
	assert.Equal(t, "ada@example.test", got.Email)
	assert.Equal(t, "Ada Lovelace", got.Name)
	assert.Equal(t, "argon2id-hash", got.PasswordHash)

	byEmail, err := s.GetUserByEmail(ctx, "ada@example.test")
	require.NoError(t, err)
	assert.Equal(t, created.ID, byEmail.ID)

	_, err = s.GetUser(ctx, uuid.New())
	assert.ErrorIs(t, err, storage.ErrNotFound)
	_, err = s.GetUserByEmail(ctx, "nobody@example.test")
	assert.ErrorIs(t, err, storage.ErrNotFound)

	_, err = s.CreateUser(ctx, model.User{
		Email:        "ada@example.test",
		Name:         "Impostor",
		PasswordHash: "h",
	})
	assert.ErrorIs(t, err, storage.ErrEmailTaken)

	// Two more users with spaced creation times so list order is
	// deterministic.
	grace, err := s.CreateUser(ctx, model.User{
		Email:        "grace@example.test",
		Name:         "Grace Hopper",
		PasswordHash: "h",
		CreatedAt:    created.CreatedAt.Add(time.Second),
	})
	require.NoError(t, err)
	edsger, err := s.CreateUser(ctx, model.User{
		Email:        "edsger@example.test",
		Name:         "Edsger Dijkstra",
		PasswordHash: "h",
		CreatedAt:    created.CreatedAt.Add(2 * time.Second),
	})
	require.NoError(t, err)

	page, total, err := s.ListUsers(ctx, 2, 0)
	require.NoError(t, err)
	assert.Equal(t, 3, total)
	require.Len(t, page, 2)
	assert.Equal(t, created.ID, page[0].ID)
	assert.Equal(t, grace.ID, page[1].ID)

	page, total, err = s.ListUsers(ctx, 2, 2)
	require.NoError(t, err)
	assert.Equal(t, 3, total)
	require.Len(t, page, 1)
	assert.Equal(t, edsger.ID, page[0].ID)

	page, total, err = s.ListUsers(ctx, 10, 10)
	require.NoError(t, err)
	assert.Equal(t, 3, total)
	assert.Empty(t, page)

	// Partial updates leave absent fields untouched.
	newName := "Augusta Ada King"
	updated, err := s.UpdateUser(ctx, created.ID, model.UpdateUserRequest{Name: &newName})
	require.NoError(t, err)
	assert.Equal(t, "Augusta Ada King", updated.Name)
	assert.Equal(t, "ada@example.test", updated.Email)

	newEmail := "ada@countess.test"
	updated, err = s.UpdateUser(ctx, created.ID, model.UpdateUserRequest{Email: &newEmail})
	require.NoError(t, err)
	assert.Equal(t, "ada@countess.test", updated.Email)
	assert.Equal(t, "Augusta Ada King", updated.Name)

	takenEmail := "grace@example.test"
	_, err = s.UpdateUser(ctx, created.ID, model.UpdateUserRequest{Email: &takenEmail})
	assert.ErrorIs(t, err, storage.ErrEmailTaken)

	_, err = s.UpdateUser(ctx, uuid.New(), model.UpdateUserRequest{Name: &newName})
	assert.ErrorIs(t, err, storage.ErrNotFound)

	require.NoError(t, s.DeleteUser(ctx, created.ID))
	_, err = s.GetUser(ctx, created.ID)
	assert.ErrorIs(t, err, storage.ErrNotFound)
	assert.ErrorIs(t, s.DeleteUser(ctx, created.ID), storage.ErrNotFound)

	_, total, err = s.ListUsers(ctx, 10, 0)
	require.NoError(t, err)
	assert.Equal(t, 2, total)
}
