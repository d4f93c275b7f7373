package storage_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/faultline-io/faultline/internal/storage"
	"github.com/faultline-io/faultline/internal/testutil"
)

func newSQLiteStore(t *testing.T) *storage.SQLiteStore {
	t.Helper()
	s, err := storage.NewSQLite(context.Background(), ":memory:", testutil.TestLogger())
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close(context.Background()) })
	return s
}

func TestSQLiteUserCRUD(t *testing.T) {
	testUserCRUD(t, newSQLiteStore(t))
}

func TestSQLitePing(t *testing.T) {
	s := newSQLiteStore(t)
	assert.NoError(t, s.Ping(context.Background()))
}

func TestSQLiteSchemaIdempotent(t *testing.T) {
	dir := t.TempDir()
	path := dir + "/users.db"
	ctx := context.Background()

	first, err := storage.NewSQLite(ctx, path, testutil.TestLogger())
	require.NoError(t, err)
	created, err := first.CreateUser(ctx, userFixture("persist@example.test", "Persist"))
	require.NoError(t, err)
	require.NoError(t, first.Close(ctx))

	// Reopening the same file must keep the schema and the data.
	second, err := storage.NewSQLite(ctx, path, testutil.TestLogger())
	require.NoError(t, err)
	t.Cleanup(func() { _ = second.Close(ctx) })

	got, err := second.GetUser(ctx, created.ID)
	require.NoError(t, err)
	assert.Equal(t, "persist@example.test", got.Email)
}
