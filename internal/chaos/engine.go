// Package chaos injects controlled faults into request handling: added
// latency, random failures, canned database errors, memory leaks, and CPU
// spikes. Everything is off by default and driven entirely through the
// engine's API; disable-all restores normal behavior without a restart.
package chaos

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"math/rand/v2"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Known injection targets. Unknown service names are accepted and created
// on first configure so callers can scope chaos to their own subsystems.
const (
	ServiceAPI      = "api"
	ServiceDatabase = "database"
)

// DefaultMaxCPUSpike caps a single CPU spike when no cap is configured.
const DefaultMaxCPUSpike = 30 * time.Second

// policy is the toggleable fault configuration for one service.
type policy struct {
	latency        time.Duration
	latencyEnabled bool
	failureRate    float64
	failureEnabled bool
}

// Engine holds all chaos state. Construct one per process and share it by
// reference; all methods are safe for concurrent use.
type Engine struct {
	logger      *slog.Logger
	tracer      trace.Tracer
	maxCPUSpike time.Duration

	mu       sync.RWMutex
	policies map[string]*policy
	armedErr *DatabaseError
	cpuUntil time.Time

	leakMu     sync.Mutex
	leakStop   chan struct{} // non-nil while a leak simulation is running
	leakBlocks [][]byte
}

// NewEngine creates an engine with the known services registered and no
// faults enabled. maxCPUSpike bounds a single CPU spike; zero or negative
// selects DefaultMaxCPUSpike.
func NewEngine(logger *slog.Logger, maxCPUSpike time.Duration) *Engine {
	if maxCPUSpike <= 0 {
		maxCPUSpike = DefaultMaxCPUSpike
	}
	return &Engine{
		logger:      logger,
		tracer:      otel.Tracer("chaos"),
		maxCPUSpike: maxCPUSpike,
		policies: map[string]*policy{
			ServiceAPI:      {},
			ServiceDatabase: {},
		},
	}
}

// ConfigureLatency sets the added-latency policy for service. Negative
// durations are rejected without changing state.
func (e *Engine) ConfigureLatency(service string, d time.Duration, enabled bool) error {
	if d < 0 {
		return fmt.Errorf("chaos: negative latency %v", d)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	p := e.policyLocked(service)
	p.latency = d
	p.latencyEnabled = enabled
	return nil
}

// ConfigureFailureRate sets the random-failure policy for service.
// Probabilities outside [0, 1] are rejected without changing state.
func (e *Engine) ConfigureFailureRate(service string, probability float64, enabled bool) error {
	if math.IsNaN(probability) || probability < 0 || probability > 1 {
		return fmt.Errorf("chaos: failure probability %v outside [0, 1]", probability)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	p := e.policyLocked(service)
	p.failureRate = probability
	p.failureEnabled = enabled
	return nil
}

// policyLocked returns the policy for service, creating it if needed.
// Callers must hold mu.
func (e *Engine) policyLocked(service string) *policy {
	p, ok := e.policies[service]
	if !ok {
		p = &policy{}
		e.policies[service] = p
	}
	return p
}

// InjectLatency suspends the calling request for the configured duration.
// An optional override replaces the configured duration for this call;
// the policy's enabled flag still gates whether any delay happens. Only
// the caller waits; concurrent requests proceed untouched. Returns early
// when ctx is cancelled. No lock is held while sleeping.
func (e *Engine) InjectLatency(ctx context.Context, service string, override ...time.Duration) {
	e.mu.RLock()
	var d time.Duration
	if p, ok := e.policies[service]; ok && p.latencyEnabled {
		d = p.latency
		if len(override) > 0 {
			d = override[0]
		}
	}
	e.mu.RUnlock()
	if d <= 0 {
		return
	}

	trace.SpanFromContext(ctx).AddEvent("chaos.latency_injected", trace.WithAttributes(
		attribute.String("service", service),
		attribute.Int64("delay_ms", d.Milliseconds()),
	))

	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
	case <-ctx.Done():
	}
}

// InjectRandomFailure reports whether the configured failure rate fired
// for service. A hit is recorded as an event on the current span; the
// caller decides how the failure surfaces.
func (e *Engine) InjectRandomFailure(ctx context.Context, service string) bool {
	e.mu.RLock()
	var rate float64
	if p, ok := e.policies[service]; ok && p.failureEnabled {
		rate = p.failureRate
	}
	e.mu.RUnlock()
	if rate <= 0 {
		return false
	}
	if rand.Float64() >= rate {
		return false
	}

	trace.SpanFromContext(ctx).AddEvent("chaos.random_failure", trace.WithAttributes(
		attribute.String("service", service),
		attribute.Float64("probability", rate),
	))
	return true
}

// DisableAll zeroes every policy, disarms any pending database error, and
// stops a running memory-leak simulation. Already-leaked blocks stay
// allocated until the process restarts.
func (e *Engine) DisableAll() {
	e.mu.Lock()
	for _, p := range e.policies {
		*p = policy{}
	}
	e.armedErr = nil
	e.mu.Unlock()

	e.stopLeak()
}

// ServiceStatus is one service's current fault policy.
type ServiceStatus struct {
	LatencyMs      int64   `json:"latency_ms"`
	LatencyEnabled bool    `json:"latency_enabled"`
	FailureRate    float64 `json:"failure_rate"`
	FailureEnabled bool    `json:"failure_enabled"`
}

// LeakStatus reports memory-leak simulation bookkeeping.
type LeakStatus struct {
	Active      bool  `json:"active"`
	BlockCount  int   `json:"block_count"`
	LeakedBytes int64 `json:"leaked_bytes"`
}

// Status is a point-in-time snapshot of all chaos state. The snapshot is a
// deep copy; mutating it does not touch the engine.
type Status struct {
	Services           map[string]ServiceStatus `json:"services"`
	ArmedDatabaseError string                   `json:"armed_database_error,omitempty"`
	MemoryLeak         LeakStatus               `json:"memory_leak"`
	CPUSpikeActive     bool                     `json:"cpu_spike_active"`
	ProcessRSSBytes    uint64                   `json:"process_rss_bytes"`
}

// Status snapshots the engine.
func (e *Engine) Status() Status {
	e.mu.RLock()
	services := make(map[string]ServiceStatus, len(e.policies))
	for name, p := range e.policies {
		services[name] = ServiceStatus{
			LatencyMs:      p.latency.Milliseconds(),
			LatencyEnabled: p.latencyEnabled,
			FailureRate:    p.failureRate,
			FailureEnabled: p.failureEnabled,
		}
	}
	var armed string
	if e.armedErr != nil {
		armed = e.armedErr.Kind
	}
	cpuActive := time.Now().Before(e.cpuUntil)
	e.mu.RUnlock()

	e.leakMu.Lock()
	leak := LeakStatus{
		Active:      e.leakStop != nil,
		BlockCount:  len(e.leakBlocks),
		LeakedBytes: int64(len(e.leakBlocks)) * leakBlockBytes,
	}
	e.leakMu.Unlock()

	return Status{
		Services:           services,
		ArmedDatabaseError: armed,
		MemoryLeak:         leak,
		CPUSpikeActive:     cpuActive,
		ProcessRSSBytes:    processRSS(),
	}
}
