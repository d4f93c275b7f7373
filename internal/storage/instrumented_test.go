package storage_test

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/sony/gobreaker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"

	"github.com/faultline-io/faultline/internal/chaos"
	"github.com/faultline-io/faultline/internal/metrics"
	"github.com/faultline-io/faultline/internal/model"
	"github.com/faultline-io/faultline/internal/storage"
	"github.com/faultline-io/faultline/internal/testutil"
)

// stubStore is an in-memory Store double with a settable error shared by
// every operation.
type stubStore struct {
	mu    sync.Mutex
	calls int
	err   error
}

func (s *stubStore) setErr(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.err = err
}

func (s *stubStore) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

func (s *stubStore) touch() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	return s.err
}

func (s *stubStore) CreateUser(_ context.Context, user model.User) (model.User, error) {
	return user, s.touch()
}

func (s *stubStore) GetUser(context.Context, uuid.UUID) (model.User, error) {
	return model.User{}, s.touch()
}

func (s *stubStore) GetUserByEmail(context.Context, string) (model.User, error) {
	return model.User{}, s.touch()
}

func (s *stubStore) ListUsers(context.Context, int, int) ([]model.User, int, error) {
	return nil, 0, s.touch()
}

func (s *stubStore) UpdateUser(context.Context, uuid.UUID, model.UpdateUserRequest) (model.User, error) {
	return model.User{}, s.touch()
}

func (s *stubStore) DeleteUser(context.Context, uuid.UUID) error { return s.touch() }

func (s *stubStore) Ping(context.Context) error { return nil }

func (s *stubStore) Close(context.Context) error { return nil }

func newTestRecorder(t *testing.T) *metrics.Recorder {
	t.Helper()
	reader := sdkmetric.NewManualReader()
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() { _ = provider.Shutdown(context.Background()) })

	rec, err := metrics.NewRecorder(provider.Meter("storage-test"), testutil.TestLogger())
	require.NoError(t, err)
	return rec
}

func newTestInstrumented(t *testing.T, stub storage.Store, engine *chaos.Engine) *storage.Instrumented {
	t.Helper()
	return storage.NewInstrumented(stub, engine, newTestRecorder(t), testutil.TestLogger())
}

func scrape(t *testing.T, h http.Handler) string {
	t.Helper()
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rr.Code)
	return rr.Body.String()
}

func TestInstrumentedArmedDatabaseError(t *testing.T) {
	ctx := context.Background()
	stub := &stubStore{}
	engine := chaos.NewEngine(testutil.TestLogger(), time.Second)
	inst := newTestInstrumented(t, stub, engine)

	engine.SimulateDatabaseError("TIMEOUT")

	_, err := inst.GetUser(ctx, uuid.New())
	var dbErr *chaos.DatabaseError
	require.ErrorAs(t, err, &dbErr)
	assert.Equal(t, chaos.KindQueryTimeout, dbErr.Kind)
	assert.Equal(t, 0, stub.callCount(), "armed error must short-circuit before the real store")

	engine.DisableAll()

	_, err = inst.GetUser(ctx, uuid.New())
	require.NoError(t, err)
	assert.Equal(t, 1, stub.callCount())
}

func TestInstrumentedRandomFailure(t *testing.T) {
	ctx := context.Background()
	stub := &stubStore{}
	engine := chaos.NewEngine(testutil.TestLogger(), time.Second)
	inst := newTestInstrumented(t, stub, engine)

	require.NoError(t, engine.ConfigureFailureRate(chaos.ServiceDatabase, 1.0, true))

	_, err := inst.GetUser(ctx, uuid.New())
	var dbErr *chaos.DatabaseError
	require.ErrorAs(t, err, &dbErr)
	assert.Equal(t, chaos.KindInjectedFailure, dbErr.Kind)
	assert.Equal(t, 0, stub.callCount())
}

func TestInstrumentedLatencyInjection(t *testing.T) {
	ctx := context.Background()
	stub := &stubStore{}
	engine := chaos.NewEngine(testutil.TestLogger(), time.Second)
	inst := newTestInstrumented(t, stub, engine)

	require.NoError(t, engine.ConfigureLatency(chaos.ServiceDatabase, 40*time.Millisecond, true))

	start := time.Now()
	_, err := inst.GetUser(ctx, uuid.New())
	require.NoError(t, err)
	assert.GreaterOrEqual(t, time.Since(start), 40*time.Millisecond)
	assert.Equal(t, 1, stub.callCount())
}

func TestInstrumentedBreakerOpensUnderSustainedFailure(t *testing.T) {
	ctx := context.Background()
	stub := &stubStore{}
	engine := chaos.NewEngine(testutil.TestLogger(), time.Second)
	inst := newTestInstrumented(t, stub, engine)

	require.Equal(t, "closed", inst.BreakerState())
	engine.SimulateDatabaseError("CONNECTION_REFUSED")

	for i := 0; i < 5; i++ {
		_, err := inst.GetUser(ctx, uuid.New())
		var dbErr *chaos.DatabaseError
		require.ErrorAs(t, err, &dbErr, "call %d should fail with the armed error", i)
	}
	assert.Equal(t, "open", inst.BreakerState())

	// Once open, calls fail fast without reaching the chaos engine or the
	// store.
	_, err := inst.GetUser(ctx, uuid.New())
	require.ErrorIs(t, err, gobreaker.ErrOpenState)
	assert.Equal(t, 0, stub.callCount())
}

func TestInstrumentedBusinessErrorsDoNotTripBreaker(t *testing.T) {
	ctx := context.Background()
	stub := &stubStore{err: storage.ErrNotFound}
	engine := chaos.NewEngine(testutil.TestLogger(), time.Second)
	inst := newTestInstrumented(t, stub, engine)

	for i := 0; i < 10; i++ {
		_, err := inst.GetUser(ctx, uuid.New())
		require.ErrorIs(t, err, storage.ErrNotFound)
	}
	assert.Equal(t, "closed", inst.BreakerState())
}

func TestInstrumentedRecordsQueryMetrics(t *testing.T) {
	ctx := context.Background()
	stub := &stubStore{}
	engine := chaos.NewEngine(testutil.TestLogger(), time.Second)
	rec := newTestRecorder(t)
	inst := storage.NewInstrumented(stub, engine, rec, testutil.TestLogger())

	_, err := inst.GetUser(ctx, uuid.New())
	require.NoError(t, err)
	_, _, err = inst.ListUsers(ctx, 10, 0)
	require.NoError(t, err)

	// Missing rows count as ok: the round trip completed.
	stub.setErr(storage.ErrNotFound)
	_, err = inst.GetUser(ctx, uuid.New())
	require.ErrorIs(t, err, storage.ErrNotFound)

	stub.setErr(errors.New("connection reset"))
	_, err = inst.GetUser(ctx, uuid.New())
	require.Error(t, err)

	body := scrape(t, rec.Handler())
	assert.Contains(t, body, `database_queries_total{operation="select",status="ok",table="users"} 3`)
	assert.Contains(t, body, `database_queries_total{operation="select",status="error",table="users"} 1`)
	// Duration is observed for every call and never splits on outcome.
	assert.Contains(t, body, `database_query_duration_seconds_count{operation="select",table="users"} 4`)
}

func TestInstrumentedPingBypassesChaos(t *testing.T) {
	stub := &stubStore{}
	engine := chaos.NewEngine(testutil.TestLogger(), time.Second)
	inst := newTestInstrumented(t, stub, engine)

	engine.SimulateDatabaseError("DEADLOCK")
	assert.NoError(t, inst.Ping(context.Background()))
}
