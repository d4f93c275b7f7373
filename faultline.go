// Package faultline is the public API for embedding the Faultline server:
// a user-management demo backend whose purpose is to exercise its own
// observability pipeline. Every request is correlated across traces,
// metrics, and logs, and a built-in chaos engine injects latency, random
// failures, and resource pressure on demand.
//
// Consumers construct and run the server without forking it:
//
//	app, err := faultline.New(
//	    faultline.WithVersion(version),
//	    faultline.WithLogger(logger),
//	)
//	if err != nil { ... }
//	if err := app.Run(ctx); err != nil { ... }
//
// The import graph enforces a strict no-cycle rule: faultline (root)
// imports internal/*, but internal/* never imports faultline (root).
package faultline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/joho/godotenv"
	"golang.org/x/sync/errgroup"

	"github.com/faultline-io/faultline/internal/auth"
	"github.com/faultline-io/faultline/internal/chaos"
	"github.com/faultline-io/faultline/internal/config"
	"github.com/faultline-io/faultline/internal/metrics"
	"github.com/faultline-io/faultline/internal/server"
	"github.com/faultline-io/faultline/internal/storage"
	"github.com/faultline-io/faultline/internal/telemetry"
)

// App is the Faultline server lifecycle. Construct with New(), run with
// Run(). App has no public fields — use New() options to configure it.
type App struct {
	cfg        config.Config
	provider   *telemetry.Provider
	store      storage.Store
	engine     *chaos.Engine
	recorder   *metrics.Recorder
	srv        *server.Server
	promSrv    *http.Server // nil when the instrumentation listener is disabled
	metricsSrv *http.Server // nil when the handcrafted registry rides on the API listener
	logger     *slog.Logger
	version    string
}

// New initialises the Faultline server. It loads configuration, installs
// the telemetry providers, opens the datastore, and wires all subsystems.
// It does NOT start any goroutines or accept HTTP connections — call Run().
func New(opts ...Option) (*App, error) {
	o := resolvedOptions{}
	for _, fn := range opts {
		fn(&o)
	}

	// Load .env file if present (non-fatal; production won't have one).
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if o.port != 0 {
		cfg.Port = o.port
	}
	if o.databaseURL != "" {
		cfg.DatabaseURL = o.databaseURL
	}
	if o.otlpEndpoint != "" {
		cfg.OTLPEndpoint = o.otlpEndpoint
	}
	version := o.version
	if version == "" {
		version = "dev"
	}

	logger := o.logger
	if logger == nil {
		logger = slog.Default()
	}
	// All logs flow through the trace handler so lines emitted inside a
	// request carry its trace_id/span_id.
	logger = slog.New(telemetry.NewTraceHandler(logger.Handler()))

	logger.Info("faultline starting", "version", version, "port", cfg.Port)

	provider, err := telemetry.Init(context.Background(), telemetry.Options{
		ServiceName:  cfg.ServiceName,
		Version:      version,
		Environment:  cfg.Environment,
		OTLPEndpoint: cfg.OTLPEndpoint,
		OTLPInsecure: cfg.OTLPInsecure,
	})
	if err != nil {
		return nil, fmt.Errorf("telemetry: %w", err)
	}

	// Datastore: injected > Postgres (DATABASE_URL) > embedded SQLite.
	var db storage.Store
	switch {
	case o.store != nil:
		db = o.store
	case cfg.DatabaseURL != "":
		db, err = storage.NewPostgres(context.Background(), cfg.DatabaseURL, logger)
		if err != nil {
			_ = provider.Shutdown(context.Background())
			return nil, fmt.Errorf("storage: %w", err)
		}
		logger.Info("storage: postgres")
	default:
		db, err = storage.NewSQLite(context.Background(), cfg.SQLitePath, logger)
		if err != nil {
			_ = provider.Shutdown(context.Background())
			return nil, fmt.Errorf("storage: %w", err)
		}
		logger.Info("storage: sqlite", "path", cfg.SQLitePath)
	}

	if cfg.SeedDemoData {
		if err := storage.SeedDemoUsers(context.Background(), db, logger); err != nil {
			logger.Warn("demo seed failed", "error", err)
		}
	}

	jwtMgr, err := auth.NewJWTManager(cfg.JWTPrivateKeyPath, cfg.JWTPublicKeyPath, cfg.JWTExpiration)
	if err != nil {
		_ = db.Close(context.Background())
		_ = provider.Shutdown(context.Background())
		return nil, fmt.Errorf("auth: %w", err)
	}

	engine := chaos.NewEngine(logger, cfg.CPUSpikeCap)

	recorder, err := metrics.NewRecorder(telemetry.Meter("faultline"), logger)
	if err != nil {
		_ = db.Close(context.Background())
		_ = provider.Shutdown(context.Background())
		return nil, fmt.Errorf("metrics: %w", err)
	}

	srv := server.New(server.Config{
		Store:               storage.NewInstrumented(db, engine, recorder, logger),
		JWTMgr:              jwtMgr,
		Engine:              engine,
		Recorder:            recorder,
		Logger:              logger,
		Port:                cfg.Port,
		ReadTimeout:         cfg.ReadTimeout,
		WriteTimeout:        cfg.WriteTimeout,
		Version:             version,
		Environment:         cfg.Environment,
		MetricsPath:         cfg.MetricsPath,
		MaxRequestBodyBytes: cfg.MaxRequestBodyBytes,
		DisableMetricsRoute: cfg.MetricsPort != 0,
	})

	// The handcrafted registry folds into the API listener by default and
	// moves to its own listener when FAULTLINE_METRICS_PORT is set.
	var metricsSrv *http.Server
	if cfg.MetricsPort != 0 {
		metricsMux := http.NewServeMux()
		metricsMux.Handle("GET "+cfg.MetricsPath, recorder.Handler())
		metricsSrv = &http.Server{
			Addr:         fmt.Sprintf(":%d", cfg.MetricsPort),
			Handler:      metricsMux,
			ReadTimeout:  cfg.ReadTimeout,
			WriteTimeout: cfg.WriteTimeout,
		}
	}

	// The instrumentation tier serves on its own port so scrapes never
	// compete with (or get slowed by) chaos on the API listener.
	var promSrv *http.Server
	if cfg.PromPort != 0 {
		promMux := http.NewServeMux()
		promMux.Handle("GET /metrics", provider.PrometheusHandler())
		promSrv = &http.Server{
			Addr:         fmt.Sprintf(":%d", cfg.PromPort),
			Handler:      promMux,
			ReadTimeout:  cfg.ReadTimeout,
			WriteTimeout: cfg.WriteTimeout,
		}
	}

	return &App{
		cfg:        cfg,
		provider:   provider,
		store:      db,
		engine:     engine,
		recorder:   recorder,
		srv:        srv,
		promSrv:    promSrv,
		metricsSrv: metricsSrv,
		logger:     logger,
		version:    version,
	}, nil
}

// Handler returns the fully assembled API handler, for embedding or tests.
func (a *App) Handler() http.Handler {
	return a.srv.Handler()
}

// Engine returns the chaos engine, for programmatic fault configuration.
func (a *App) Engine() *chaos.Engine {
	return a.engine
}

// Run starts the API and instrumentation listeners, then blocks until ctx
// is cancelled or a listener fails. On return, Shutdown has already been
// called — callers should not call it separately.
func (a *App) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		if err := a.srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("api server: %w", err)
		}
		return nil
	})
	if a.promSrv != nil {
		g.Go(func() error {
			a.logger.Info("instrumentation metrics listening", "addr", a.promSrv.Addr)
			if err := a.promSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("prometheus server: %w", err)
			}
			return nil
		})
	}
	if a.metricsSrv != nil {
		g.Go(func() error {
			a.logger.Info("custom metrics listening", "addr", a.metricsSrv.Addr)
			if err := a.metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("custom metrics server: %w", err)
			}
			return nil
		})
	}

	<-gctx.Done()
	shutdownErr := a.Shutdown(context.Background())
	if err := g.Wait(); err != nil {
		return err
	}
	return shutdownErr
}

// Shutdown drains both listeners, stops any running chaos, closes the
// datastore, and flushes the telemetry providers. Each phase runs even if
// an earlier one fails; the first error wins.
func (a *App) Shutdown(ctx context.Context) error {
	a.logger.Info("faultline shutting down")

	var firstErr error
	keep := func(err error) {
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}

	httpCtx, cancel := context.WithTimeout(ctx, a.cfg.ShutdownTimeout)
	keep(a.srv.Shutdown(httpCtx))
	if a.promSrv != nil {
		keep(a.promSrv.Shutdown(httpCtx))
	}
	if a.metricsSrv != nil {
		keep(a.metricsSrv.Shutdown(httpCtx))
	}
	cancel()

	// Leaked blocks stay allocated; only the ticker stops.
	a.engine.DisableAll()

	keep(a.store.Close(ctx))

	flushCtx, cancel := context.WithTimeout(ctx, a.cfg.ShutdownTimeout)
	keep(a.provider.Shutdown(flushCtx))
	cancel()

	a.logger.Info("faultline stopped")
	return firstErr
}

// WaitReady polls the health endpoint until it answers or the deadline
// passes. Intended for tests and demo scripts that start Run in the
// background.
func (a *App) WaitReady(ctx context.Context, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	url := fmt.Sprintf("http://127.0.0.1:%d/health", a.cfg.Port)
	for time.Now().Before(deadline) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return err
		}
		resp, err := http.DefaultClient.Do(req)
		if err == nil {
			_ = resp.Body.Close()
			if resp.StatusCode == http.StatusOK {
				return nil
			}
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(100 * time.Millisecond):
		}
	}
	return fmt.Errorf("server not ready after %s", timeout)
}
