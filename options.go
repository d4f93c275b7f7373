package faultline

import (
	"log/slog"

	"github.com/faultline-io/faultline/internal/storage"
)

// Option configures an App.
type Option func(*resolvedOptions)

// resolvedOptions holds all extension points after applying defaults.
// Unexported — callers use the With* functions.
type resolvedOptions struct {
	port         int
	databaseURL  string
	otlpEndpoint string
	logger       *slog.Logger
	version      string
	store        storage.Store
}

// WithPort overrides the TCP port from config (FAULTLINE_PORT env var).
func WithPort(port int) Option {
	return func(o *resolvedOptions) { o.port = port }
}

// WithDatabaseURL overrides the Postgres connection string from config
// (DATABASE_URL env var). When neither is set, the embedded SQLite driver
// is used.
func WithDatabaseURL(url string) Option {
	return func(o *resolvedOptions) { o.databaseURL = url }
}

// WithOTLPEndpoint overrides the collector endpoint from config
// (OTEL_EXPORTER_OTLP_ENDPOINT env var).
func WithOTLPEndpoint(endpoint string) Option {
	return func(o *resolvedOptions) { o.otlpEndpoint = endpoint }
}

// WithLogger sets the structured logger for the App. The App wraps it with
// trace correlation; if not set, the default slog logger is used.
func WithLogger(logger *slog.Logger) Option {
	return func(o *resolvedOptions) { o.logger = logger }
}

// WithVersion sets the version string reported in the health endpoint,
// logs, and the telemetry resource.
func WithVersion(version string) Option {
	return func(o *resolvedOptions) { o.version = version }
}

// WithStore replaces the built-in datastore drivers. The provided store is
// still wrapped with chaos injection, query metrics, and the circuit
// breaker; only the last call wins.
func WithStore(s storage.Store) Option {
	return func(o *resolvedOptions) { o.store = s }
}
