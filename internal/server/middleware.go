// Package server implements the Faultline HTTP API: user CRUD, auth,
// chaos controls, and the handcrafted metrics exposition, with every
// request correlated across traces, logs, and metrics.
package server

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/faultline-io/faultline/internal/auth"
	"github.com/faultline-io/faultline/internal/chaos"
	"github.com/faultline-io/faultline/internal/metrics"
	"github.com/faultline-io/faultline/internal/model"
)

type contextKey string

const (
	contextKeyRequestID contextKey = "request_id"
	contextKeyClaims    contextKey = "claims"
	contextKeyRoute     contextKey = "route"
)

// healthRoute is excluded from the request metrics so probe traffic
// never skews the demo's series.
const healthRoute = "/health"

// RequestIDFromContext extracts the request ID from the context.
func RequestIDFromContext(ctx context.Context) string {
	if v, ok := ctx.Value(contextKeyRequestID).(string); ok {
		return v
	}
	return ""
}

// ClaimsFromContext extracts the JWT claims from the context.
func ClaimsFromContext(ctx context.Context) *auth.Claims {
	if v, ok := ctx.Value(contextKeyClaims).(*auth.Claims); ok {
		return v
	}
	return nil
}

// routeFromContext returns the route label stored by the correlation
// middleware.
func routeFromContext(ctx context.Context) string {
	if v, ok := ctx.Value(contextKeyRoute).(string); ok && v != "" {
		return v
	}
	return "unknown"
}

// requestIDMiddleware assigns a unique request ID to each request.
func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := r.Header.Get("X-Request-ID")
		if reqID == "" {
			reqID = uuid.New().String()
		}
		ctx := context.WithValue(r.Context(), contextKeyRequestID, reqID)
		w.Header().Set("X-Request-ID", reqID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// correlationMiddleware is the spine of the telemetry story. It resolves
// the route pattern before dispatch, names the server span after it,
// hands the trace ID to the client, and records exactly one observation
// per request in both metric pipelines once the response is written.
func correlationMiddleware(mux *http.ServeMux, recorder *metrics.Recorder, logger *slog.Logger, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		route := routePattern(mux, r)
		ctx := context.WithValue(r.Context(), contextKeyRoute, route)

		span := trace.SpanFromContext(ctx)
		span.SetName(r.Method + " " + route)
		span.SetAttributes(
			attribute.String("http.route", route),
			attribute.String("http.request_id", RequestIDFromContext(ctx)),
		)
		if sc := span.SpanContext(); sc.IsValid() {
			w.Header().Set("X-Trace-Id", sc.TraceID().String())
		}

		start := time.Now()
		wrapped := &statusWriter{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(wrapped, r.WithContext(ctx))

		// The response is already on the wire. A failure while finalizing
		// telemetry must not escape this layer.
		func() {
			defer func() {
				if rec := recover(); rec != nil {
					logger.ErrorContext(ctx, "telemetry finalization panicked", "panic", rec)
				}
			}()
			span.SetAttributes(attribute.Int("http.status_code", wrapped.statusCode))
			if wrapped.statusCode >= 500 {
				span.SetStatus(codes.Error, http.StatusText(wrapped.statusCode))
			}
			// Health probes stay traced and logged but never enter the
			// request metrics.
			if route != healthRoute {
				recorder.RecordHTTPRequest(ctx, r.Method, route, wrapped.statusCode, time.Since(start).Seconds())
			}
		}()
	})
}

// routePattern resolves the mux pattern that will serve r, without the
// method prefix. The mux copy handed to handlers carries r.Pattern, but
// this middleware runs outside the mux, so it matches explicitly.
// Unmatched requests fall back to the raw path so 404s are still visible
// in the metrics, and to "unknown" when even that is empty.
func routePattern(mux *http.ServeMux, r *http.Request) string {
	_, pattern := mux.Handler(r)
	if pattern == "" {
		if r.URL.Path != "" {
			return r.URL.Path
		}
		return "unknown"
	}
	if _, after, found := strings.Cut(pattern, " "); found {
		return after
	}
	return pattern
}

type statusWriter struct {
	http.ResponseWriter
	statusCode int
}

func (w *statusWriter) WriteHeader(code int) {
	w.statusCode = code
	w.ResponseWriter.WriteHeader(code)
}

// Unwrap lets http.ResponseController reach the underlying writer's
// optional interfaces through the wrapper.
func (w *statusWriter) Unwrap() http.ResponseWriter {
	return w.ResponseWriter
}

func (w *statusWriter) Flush() {
	if f, ok := w.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// loggingMiddleware logs each request with structured fields. Trace and
// span IDs ride in via the logger's handler.
func loggingMiddleware(logger *slog.Logger, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := &statusWriter{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(wrapped, r)

		level := slog.LevelInfo
		if wrapped.statusCode >= 500 {
			level = slog.LevelError
		} else if wrapped.statusCode >= 400 {
			level = slog.LevelWarn
		}
		logger.Log(r.Context(), level, "http request",
			"method", r.Method,
			"path", r.URL.Path,
			"route", routeFromContext(r.Context()),
			"status", wrapped.statusCode,
			"duration_ms", time.Since(start).Milliseconds(),
			"request_id", RequestIDFromContext(r.Context()),
		)
	})
}

// authRequired validates the Bearer token and populates the context with
// claims. Applied per route; reads stay open.
func authRequired(h *Handlers, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get("Authorization")
		if header == "" {
			h.handleError(w, r, errUnauthorized("missing authorization header"))
			return
		}
		scheme, token, found := strings.Cut(header, " ")
		if !found || !strings.EqualFold(scheme, "Bearer") {
			h.handleError(w, r, errUnauthorized("invalid authorization format"))
			return
		}
		claims, err := h.jwtMgr.ValidateToken(token)
		if err != nil {
			h.handleError(w, r, errUnauthorized("invalid or expired token"))
			return
		}
		ctx := context.WithValue(r.Context(), contextKeyClaims, claims)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// chaosFaults applies the api-service fault policy to one route: injected
// latency first, then the failure roll. Chaos control routes are never
// wrapped so disable-all stays reachable.
func chaosFaults(h *Handlers, engine *chaos.Engine, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		engine.InjectLatency(r.Context(), chaos.ServiceAPI)
		if engine.InjectRandomFailure(r.Context(), chaos.ServiceAPI) {
			h.handleError(w, r, errChaosInjected(chaos.ServiceAPI))
			return
		}
		next.ServeHTTP(w, r)
	})
}

// writeJSON writes a JSON response with the standard envelope.
func writeJSON(w http.ResponseWriter, r *http.Request, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(model.APIResponse{
		Success: true,
		Data:    data,
		Meta:    responseMeta(r),
	})
}

// writeList writes a paginated list response.
func writeList(w http.ResponseWriter, r *http.Request, data any, total, limit, offset int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(model.ListResponse{
		Success: true,
		Data:    data,
		Total:   total,
		Limit:   limit,
		Offset:  offset,
		Meta:    responseMeta(r),
	})
}

func responseMeta(r *http.Request) model.ResponseMeta {
	return model.ResponseMeta{
		RequestID: RequestIDFromContext(r.Context()),
		Timestamp: time.Now().UTC(),
	}
}

// decodeJSON decodes a JSON request body into target, bounding how much
// of the body it will read.
func decodeJSON(w http.ResponseWriter, r *http.Request, target any, maxBytes int64) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxBytes)
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	return decoder.Decode(target)
}
