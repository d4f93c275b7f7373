package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"runtime/debug"

	"github.com/sony/gobreaker"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/faultline-io/faultline/internal/chaos"
	"github.com/faultline-io/faultline/internal/model"
	"github.com/faultline-io/faultline/internal/storage"
)

// apiError carries an HTTP status, a stable response code, and the metric
// error-type label through the handler error path.
type apiError struct {
	status    int
	code      string
	errorType string
	message   string
	cause     error
	stack     string
}

func (e *apiError) Error() string {
	if e.cause != nil {
		return e.message + ": " + e.cause.Error()
	}
	return e.message
}

func (e *apiError) Unwrap() error { return e.cause }

func errInvalidInput(message string) *apiError {
	return &apiError{
		status:    http.StatusBadRequest,
		code:      model.ErrCodeInvalidInput,
		errorType: "ValidationError",
		message:   message,
	}
}

func errUnauthorized(message string) *apiError {
	return &apiError{
		status:    http.StatusUnauthorized,
		code:      model.ErrCodeUnauthorized,
		errorType: "AuthError",
		message:   message,
	}
}

func errChaosInjected(service string) *apiError {
	return &apiError{
		status:    http.StatusServiceUnavailable,
		code:      model.ErrCodeChaosInjected,
		errorType: "ChaosInjected",
		message:   "injected random failure on " + service,
	}
}

// recoveryMiddleware converts handler panics into 500 responses that
// still carry the full correlation treatment.
func recoveryMiddleware(h *Handlers, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			rec := recover()
			if rec == nil {
				return
			}
			if rec == http.ErrAbortHandler { // connection aborts stay the server's business
				panic(rec)
			}
			h.handleError(w, r, &apiError{
				status:    http.StatusInternalServerError,
				code:      model.ErrCodeInternalError,
				errorType: "PanicError",
				message:   "internal server error",
				cause:     fmt.Errorf("panic: %v", rec),
				stack:     string(debug.Stack()),
			})
		}()
		next.ServeHTTP(w, r)
	})
}

// handleError is the single terminal path for failed requests. Order
// matters: mark the span, log, bump the error metric, then write the
// uniform JSON body. Every error response in the package flows through
// here so the three telemetry signals never disagree about a failure.
func (h *Handlers) handleError(w http.ResponseWriter, r *http.Request, err error) {
	ctx := r.Context()
	status, code, errorType, message, stack := h.resolveError(err)

	span := trace.SpanFromContext(ctx)
	span.RecordError(err)
	if status >= 500 {
		span.SetStatus(codes.Error, message)
	}

	level := slog.LevelWarn
	if status >= 500 {
		level = slog.LevelError
	}
	h.logger.Log(ctx, level, "request failed",
		"error", err,
		"error_type", errorType,
		"status", status,
		"route", routeFromContext(ctx),
		"request_id", RequestIDFromContext(ctx),
	)

	h.recorder.RecordError(ctx, errorType, routeFromContext(ctx))

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(model.APIError{
		Message: message,
		Code:    code,
		Stack:   stack,
		Meta:    responseMeta(r),
	})
}

// resolveError maps any handler error onto its HTTP status, response
// code, and metric error type.
func (h *Handlers) resolveError(err error) (status int, code, errorType, message, stack string) {
	var (
		apiErr *apiError
		dbErr  *chaos.DatabaseError
	)
	switch {
	case errors.As(err, &apiErr):
		status, code, errorType, message, stack =
			apiErr.status, apiErr.code, apiErr.errorType, apiErr.message, apiErr.stack
	case errors.As(err, &dbErr):
		// Kind doubles as the error-type label, so a simulated deadlock and
		// a simulated timeout chart as distinct series.
		status, code, errorType, message =
			http.StatusInternalServerError, model.ErrCodeDatabaseError, dbErr.Kind, dbErr.Message
	case errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests):
		status, code, errorType, message =
			http.StatusServiceUnavailable, model.ErrCodeDatabaseError, "CircuitOpen", "database circuit breaker is open"
	case errors.Is(err, storage.ErrNotFound):
		status, code, errorType, message =
			http.StatusNotFound, model.ErrCodeNotFound, "NotFoundError", "resource not found"
	case errors.Is(err, storage.ErrEmailTaken):
		status, code, errorType, message =
			http.StatusConflict, model.ErrCodeConflict, "ConflictError", "email already registered"
	default:
		status, code, errorType, message =
			http.StatusInternalServerError, model.ErrCodeInternalError, "InternalError", "internal server error"
	}

	// Stack traces and error chains are debugging aids for demo runs; they
	// never leave a production deployment.
	if !h.includeStack {
		return status, code, errorType, message, ""
	}
	if stack == "" && status >= 500 {
		stack = err.Error()
	}
	return status, code, errorType, message, stack
}
