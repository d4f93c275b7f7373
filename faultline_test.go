package faultline_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/faultline-io/faultline"
	"github.com/faultline-io/faultline/internal/testutil"
)

func newTestApp(t *testing.T) *faultline.App {
	t.Helper()
	// Force the embedded SQLite driver regardless of the host environment.
	t.Setenv("DATABASE_URL", "")
	t.Setenv("OTEL_EXPORTER_OTLP_ENDPOINT", "")
	t.Setenv("FAULTLINE_SQLITE_PATH", ":memory:")

	app, err := faultline.New(
		faultline.WithVersion("test"),
		faultline.WithLogger(testutil.TestLogger()),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = app.Shutdown(context.Background()) })
	return app
}

func TestAppServesHealth(t *testing.T) {
	app := newTestApp(t)

	rr := httptest.NewRecorder()
	app.Handler().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/health", nil))

	require.Equal(t, http.StatusOK, rr.Code)

	var body struct {
		Success bool `json:"success"`
		Data    struct {
			Status   string `json:"status"`
			Version  string `json:"version"`
			Database string `json:"database"`
		} `json:"data"`
	}
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &body))
	assert.True(t, body.Success)
	assert.Equal(t, "healthy", body.Data.Status)
	assert.Equal(t, "test", body.Data.Version)
	assert.Equal(t, "connected", body.Data.Database)
}

func TestAppSeedsDemoUsers(t *testing.T) {
	app := newTestApp(t)

	rr := httptest.NewRecorder()
	app.Handler().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/api/users", nil))

	require.Equal(t, http.StatusOK, rr.Code)

	var body struct {
		Success bool              `json:"success"`
		Data    []json.RawMessage `json:"data"`
		Total   int               `json:"total"`
	}
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &body))
	assert.True(t, body.Success)
	assert.Equal(t, 3, body.Total)
}

func TestAppEngineIsWired(t *testing.T) {
	app := newTestApp(t)

	// Arm a guaranteed API failure through the public accessor and confirm
	// it surfaces as a uniform error response.
	require.NoError(t, app.Engine().ConfigureFailureRate("api", 1, true))

	rr := httptest.NewRecorder()
	app.Handler().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/api/users", nil))
	require.Equal(t, http.StatusServiceUnavailable, rr.Code)

	var body struct {
		Success bool   `json:"success"`
		Message string `json:"message"`
		Code    string `json:"code"`
	}
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &body))
	assert.False(t, body.Success)
	assert.NotEmpty(t, body.Message)

	app.Engine().DisableAll()

	rr = httptest.NewRecorder()
	app.Handler().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/api/users", nil))
	assert.Equal(t, http.StatusOK, rr.Code)
}
