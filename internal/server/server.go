package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/faultline-io/faultline/internal/auth"
	"github.com/faultline-io/faultline/internal/chaos"
	"github.com/faultline-io/faultline/internal/metrics"
	"github.com/faultline-io/faultline/internal/storage"
)

// Server is the Faultline HTTP server.
type Server struct {
	httpServer *http.Server
	handler    http.Handler
	handlers   *Handlers
	logger     *slog.Logger
}

// Config holds all dependencies and configuration for creating a Server.
type Config struct {
	// Required dependencies.
	Store    storage.Store
	JWTMgr   *auth.JWTManager
	Engine   *chaos.Engine
	Recorder *metrics.Recorder
	Logger   *slog.Logger

	// HTTP server settings.
	Port                int
	ReadTimeout         time.Duration
	WriteTimeout        time.Duration
	Version             string
	Environment         string
	MetricsPath         string
	MaxRequestBodyBytes int64

	// DisableMetricsRoute skips mounting the custom metrics exposition on
	// this mux when it is served from its own listener instead.
	DisableMetricsRoute bool
}

// New creates a new HTTP server with all routes configured.
func New(cfg Config) *Server {
	if cfg.MetricsPath == "" {
		cfg.MetricsPath = "/metrics"
	}
	if cfg.MaxRequestBodyBytes <= 0 {
		cfg.MaxRequestBodyBytes = 1 << 20
	}

	h := NewHandlers(HandlersDeps{
		Store:               cfg.Store,
		JWTMgr:              cfg.JWTMgr,
		Engine:              cfg.Engine,
		Recorder:            cfg.Recorder,
		Logger:              cfg.Logger,
		Version:             cfg.Version,
		Environment:         cfg.Environment,
		MaxRequestBodyBytes: cfg.MaxRequestBodyBytes,
	})

	// faulty routes are subject to the api-service chaos policy; protected
	// routes additionally require a Bearer token.
	faulty := func(hf http.HandlerFunc) http.Handler {
		return chaosFaults(h, cfg.Engine, hf)
	}
	protected := func(hf http.HandlerFunc) http.Handler {
		return authRequired(h, chaosFaults(h, cfg.Engine, hf))
	}

	mux := http.NewServeMux()

	// Health and the handcrafted metric exposition. Never behind chaos.
	mux.HandleFunc("GET "+healthRoute, h.HandleHealth)
	if !cfg.DisableMetricsRoute {
		mux.Handle("GET "+cfg.MetricsPath, cfg.Recorder.Handler())
	}

	// Auth.
	mux.Handle("POST /api/auth/login", faulty(h.HandleLogin))

	// Users. Reads and signup are open; mutations need a token.
	mux.Handle("GET /api/users", faulty(h.HandleListUsers))
	mux.Handle("POST /api/users", faulty(h.HandleCreateUser))
	mux.Handle("GET /api/users/{id}", faulty(h.HandleGetUser))
	mux.Handle("PUT /api/users/{id}", protected(h.HandleUpdateUser))
	mux.Handle("DELETE /api/users/{id}", protected(h.HandleDeleteUser))

	// Chaos controls. Never behind chaosFaults: disable-all must stay
	// reachable while faults are firing.
	mux.HandleFunc("POST /api/chaos/latency", h.HandleChaosLatency)
	mux.HandleFunc("POST /api/chaos/random-failure", h.HandleChaosRandomFailure)
	mux.HandleFunc("POST /api/chaos/memory-leak", h.HandleChaosMemoryLeak)
	mux.HandleFunc("POST /api/chaos/cpu-spike", h.HandleChaosCPUSpike)
	mux.HandleFunc("POST /api/chaos/database-error", h.HandleChaosDatabaseError)
	mux.HandleFunc("POST /api/chaos/circuit-breaker-test", h.HandleChaosCircuitBreakerTest)
	mux.HandleFunc("POST /api/chaos/disable-all", h.HandleChaosDisableAll)
	mux.HandleFunc("GET /api/chaos/status", h.HandleChaosStatus)

	// Middleware chain (outermost executes first):
	// request ID → server span → correlation → logging → recovery → routes.
	var handler http.Handler = mux
	handler = recoveryMiddleware(h, handler)
	handler = loggingMiddleware(cfg.Logger, handler)
	handler = correlationMiddleware(mux, cfg.Recorder, cfg.Logger, handler)
	handler = otelhttp.NewHandler(handler, "http.server")
	handler = requestIDMiddleware(handler)

	return &Server{
		httpServer: &http.Server{
			Addr:         fmt.Sprintf(":%d", cfg.Port),
			Handler:      handler,
			ReadTimeout:  cfg.ReadTimeout,
			WriteTimeout: cfg.WriteTimeout,
		},
		handler:  handler,
		handlers: h,
		logger:   cfg.Logger,
	}
}

// Handler returns the root HTTP handler for use in tests.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// Handlers returns the underlying Handlers.
func (s *Server) Handlers() *Handlers {
	return s.handlers
}

// Start begins serving HTTP requests.
func (s *Server) Start() error {
	s.logger.Info("http server starting", "addr", s.httpServer.Addr)
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully shuts down the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("http server shutting down")
	return s.httpServer.Shutdown(ctx)
}
