package storage_test

import (
	"context"
	"flag"
	"os"
	"testing"

	"github.com/jackc/pgx/v5"
	"github.com/stretchr/testify/require"

	"github.com/faultline-io/faultline/internal/storage"
	"github.com/faultline-io/faultline/internal/testutil"
)

// testPG is the shared PostgreSQL container for this package. It stays nil
// in -short mode and the container-backed tests skip themselves.
var testPG *testutil.TestContainer

func TestMain(m *testing.M) {
	flag.Parse()
	if !testing.Short() {
		testPG = testutil.MustStartPostgres()
	}

	code := m.Run()

	if testPG != nil {
		testPG.Terminate()
	}
	os.Exit(code)
}

func newPostgresStore(t *testing.T) *storage.PostgresStore {
	t.Helper()
	if testPG == nil {
		t.Skip("skipping container-backed test in -short mode")
	}
	ctx := context.Background()

	s, err := storage.NewPostgres(ctx, testPG.DSN, testutil.TestLogger())
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close(ctx) })

	// The container is shared across tests; start from a clean table.
	conn, err := pgx.Connect(ctx, testPG.DSN)
	require.NoError(t, err)
	defer conn.Close(ctx)
	_, err = conn.Exec(ctx, `TRUNCATE users`)
	require.NoError(t, err)

	return s
}

func TestPostgresUserCRUD(t *testing.T) {
	testUserCRUD(t, newPostgresStore(t))
}

func TestPostgresPing(t *testing.T) {
	s := newPostgresStore(t)
	require.NoError(t, s.Ping(context.Background()))
}

func TestPostgresBadDSN(t *testing.T) {
	_, err := storage.NewPostgres(context.Background(), "postgres://%zz", testutil.TestLogger())
	require.Error(t, err)
}
