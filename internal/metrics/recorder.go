// Package metrics records request, database, and error measurements into
// two pipelines at once: the OpenTelemetry meter (instrumentation tier,
// exported over OTLP and the Prometheus pull endpoint) and a dedicated
// Prometheus registry (custom tier) whose samples carry trace exemplars.
// Series names and label sets are kept identical across the two tiers.
package metrics

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"net/http"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

var (
	httpDurationBuckets = prometheus.DefBuckets
	dbDurationBuckets   = []float64{0.001, 0.0025, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5}
)

// Recorder owns both metric tiers. Construct one per process and share it;
// all methods are safe for concurrent use.
type Recorder struct {
	logger *slog.Logger

	registry     *prometheus.Registry
	httpRequests *prometheus.CounterVec
	httpDuration *prometheus.HistogramVec
	dbQueries    *prometheus.CounterVec
	dbDuration   *prometheus.HistogramVec
	appErrors    *prometheus.CounterVec

	otelHTTPRequests metric.Int64Counter
	otelHTTPDuration metric.Float64Histogram
	otelDBQueries    metric.Int64Counter
	otelDBDuration   metric.Float64Histogram
	otelAppErrors    metric.Int64Counter
}

// NewRecorder builds the custom-tier registry and the instrumentation-tier
// instruments on meter.
func NewRecorder(meter metric.Meter, logger *slog.Logger) (*Recorder, error) {
	r := &Recorder{
		logger:   logger,
		registry: prometheus.NewRegistry(),
	}

	r.httpRequests = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "http_requests_total",
		Help: "Total HTTP requests processed, by method, route template, and status code.",
	}, []string{"method", "route", "status_code"})
	r.httpDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "http_request_duration_seconds",
		Help:    "HTTP request latency in seconds, by method, route template, and status code.",
		Buckets: httpDurationBuckets,
	}, []string{"method", "route", "status_code"})
	r.dbQueries = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "database_queries_total",
		Help: "Total database queries executed, by operation, table, and outcome.",
	}, []string{"operation", "table", "status"})
	r.dbDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "database_query_duration_seconds",
		Help:    "Database query latency in seconds, by operation and table.",
		Buckets: dbDurationBuckets,
	}, []string{"operation", "table"})
	r.appErrors = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "application_errors_total",
		Help: "Total application errors, by error type and route template.",
	}, []string{"error_type", "route"})
	r.registry.MustRegister(r.httpRequests, r.httpDuration, r.dbQueries, r.dbDuration, r.appErrors)

	var err error
	if r.otelHTTPRequests, err = meter.Int64Counter("http_requests_total",
		metric.WithDescription("Total HTTP requests processed, by method, route template, and status code."),
	); err != nil {
		return nil, wrapInstrument("http_requests_total", err)
	}
	if r.otelHTTPDuration, err = meter.Float64Histogram("http_request_duration_seconds",
		metric.WithDescription("HTTP request latency in seconds, by method, route template, and status code."),
		metric.WithExplicitBucketBoundaries(httpDurationBuckets...),
	); err != nil {
		return nil, wrapInstrument("http_request_duration_seconds", err)
	}
	if r.otelDBQueries, err = meter.Int64Counter("database_queries_total",
		metric.WithDescription("Total database queries executed, by operation, table, and outcome."),
	); err != nil {
		return nil, wrapInstrument("database_queries_total", err)
	}
	if r.otelDBDuration, err = meter.Float64Histogram("database_query_duration_seconds",
		metric.WithDescription("Database query latency in seconds, by operation and table."),
		metric.WithExplicitBucketBoundaries(dbDurationBuckets...),
	); err != nil {
		return nil, wrapInstrument("database_query_duration_seconds", err)
	}
	if r.otelAppErrors, err = meter.Int64Counter("application_errors_total",
		metric.WithDescription("Total application errors, by error type and route template."),
	); err != nil {
		return nil, wrapInstrument("application_errors_total", err)
	}

	return r, nil
}

// RecordHTTPRequest writes one completed request into both tiers. Invalid
// measurements (negative or non-finite duration, negative status code) are
// logged and dropped without touching either tier.
func (r *Recorder) RecordHTTPRequest(ctx context.Context, method, route string, statusCode int, seconds float64) {
	if !validSeconds(seconds) || statusCode < 0 {
		r.logger.WarnContext(ctx, "metrics: dropping invalid http sample",
			"method", method,
			"route", route,
			"status_code", statusCode,
			"duration_seconds", seconds,
		)
		return
	}
	method = normalizeLabel(method, "UNKNOWN")
	route = normalizeLabel(route, "unknown")
	status := strconv.Itoa(statusCode)

	attrs := metric.WithAttributes(
		attribute.String("method", method),
		attribute.String("route", route),
		attribute.Int("status_code", statusCode),
	)
	r.otelHTTPRequests.Add(ctx, 1, attrs)
	r.otelHTTPDuration.Record(ctx, seconds, attrs)

	exemplar := exemplarLabels(ctx)
	addCounter(r.httpRequests.WithLabelValues(method, route, status), 1, exemplar)
	observeHistogram(r.httpDuration.WithLabelValues(method, route, status), seconds, exemplar)
}

// RecordDatabaseQuery writes one database call into both tiers. queryErr
// only selects the status label; it is never returned.
func (r *Recorder) RecordDatabaseQuery(ctx context.Context, operation, table string, seconds float64, queryErr error) {
	if !validSeconds(seconds) {
		r.logger.WarnContext(ctx, "metrics: dropping invalid database sample",
			"operation", operation,
			"table", table,
			"duration_seconds", seconds,
		)
		return
	}
	operation = normalizeLabel(operation, "unknown")
	table = normalizeLabel(table, "unknown")
	status := "ok"
	if queryErr != nil {
		status = "error"
	}

	r.otelDBDuration.Record(ctx, seconds, metric.WithAttributes(
		attribute.String("operation", operation),
		attribute.String("table", table),
	))
	r.otelDBQueries.Add(ctx, 1, metric.WithAttributes(
		attribute.String("operation", operation),
		attribute.String("table", table),
		attribute.String("status", status),
	))

	exemplar := exemplarLabels(ctx)
	observeHistogram(r.dbDuration.WithLabelValues(operation, table), seconds, exemplar)
	addCounter(r.dbQueries.WithLabelValues(operation, table, status), 1, exemplar)
}

// RecordError counts one application error in both tiers.
func (r *Recorder) RecordError(ctx context.Context, errorType, route string) {
	errorType = normalizeLabel(errorType, "UnknownError")
	route = normalizeLabel(route, "unknown")

	r.otelAppErrors.Add(ctx, 1, metric.WithAttributes(
		attribute.String("error_type", errorType),
		attribute.String("route", route),
	))
	addCounter(r.appErrors.WithLabelValues(errorType, route), 1, exemplarLabels(ctx))
}

// Handler serves the custom-tier registry. OpenMetrics negotiation is
// enabled because exemplars only appear in OpenMetrics exposition.
func (r *Recorder) Handler() http.Handler {
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	})
}

// exemplarLabels returns trace correlation labels for ctx, or nil when ctx
// carries no valid sampled span context. Unsampled spans get no exemplar.
func exemplarLabels(ctx context.Context) prometheus.Labels {
	sc := trace.SpanContextFromContext(ctx)
	if !sc.IsValid() || !sc.IsSampled() {
		return nil
	}
	return prometheus.Labels{
		"trace_id": sc.TraceID().String(),
		"span_id":  sc.SpanID().String(),
	}
}

// addCounter increments c, attaching exemplar when present. Exemplars are
// attached to counters and histograms only; gauges must never carry them.
func addCounter(c prometheus.Counter, v float64, exemplar prometheus.Labels) {
	if exemplar != nil {
		if ea, ok := c.(prometheus.ExemplarAdder); ok {
			ea.AddWithExemplar(v, exemplar)
			return
		}
	}
	c.Add(v)
}

func observeHistogram(o prometheus.Observer, v float64, exemplar prometheus.Labels) {
	if exemplar != nil {
		if eo, ok := o.(prometheus.ExemplarObserver); ok {
			eo.ObserveWithExemplar(v, exemplar)
			return
		}
	}
	o.Observe(v)
}

func validSeconds(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0) && v >= 0
}

func normalizeLabel(v, fallback string) string {
	if v == "" {
		return fallback
	}
	return v
}

func wrapInstrument(name string, err error) error {
	return fmt.Errorf("metrics: create instrument %s: %w", name, err)
}
