package chaos

import (
	"context"
	"math"
	"os"
	"strings"
	"time"

	"github.com/shirou/gopsutil/v4/process"
	"go.opentelemetry.io/otel/attribute"
)

// DatabaseError is a simulated database failure. Kind doubles as the
// error-type label on the error metrics.
type DatabaseError struct {
	Kind    string
	Message string
}

func (e *DatabaseError) Error() string { return e.Message }

// Canned database error kinds.
const (
	KindConnectionRefused   = "ConnectionRefused"
	KindQueryTimeout        = "QueryTimeout"
	KindDeadlock            = "Deadlock"
	KindConstraintViolation = "ConstraintViolation"
	KindUnknownDatabase     = "UnknownDatabaseError"
	// KindInjectedFailure marks failures produced by the random-failure
	// policy rather than the canned database table.
	KindInjectedFailure = "InjectedFailure"
)

const leakBlockBytes = 1 << 20 // one block per tick

// SimulateDatabaseError returns the canned error for errorType and arms
// it: datastore operations keep failing with the same error until
// DisableAll clears it. errorType is matched case-insensitively;
// unrecognized values produce the generic unknown error.
func (e *Engine) SimulateDatabaseError(errorType string) *DatabaseError {
	var dbErr *DatabaseError
	switch strings.ToUpper(strings.TrimSpace(errorType)) {
	case "CONNECTION_REFUSED":
		dbErr = &DatabaseError{
			Kind:    KindConnectionRefused,
			Message: "connection refused: could not connect to database server",
		}
	case "TIMEOUT":
		dbErr = &DatabaseError{
			Kind:    KindQueryTimeout,
			Message: "query timeout: statement exceeded 30000ms",
		}
	case "DEADLOCK":
		dbErr = &DatabaseError{
			Kind:    KindDeadlock,
			Message: "deadlock detected: transaction aborted",
		}
	case "CONSTRAINT_VIOLATION":
		dbErr = &DatabaseError{
			Kind:    KindConstraintViolation,
			Message: "constraint violation: duplicate key value violates unique constraint",
		}
	default:
		dbErr = &DatabaseError{
			Kind:    KindUnknownDatabase,
			Message: "simulated database error",
		}
	}

	e.mu.Lock()
	e.armedErr = dbErr
	e.mu.Unlock()
	return dbErr
}

// ArmedDatabaseError returns the armed simulated error, or nil when none
// is pending.
func (e *Engine) ArmedDatabaseError() error {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.armedErr == nil {
		return nil
	}
	return e.armedErr
}

// SimulateMemoryLeak retains one block per second for d. Blocks are never
// released; DisableAll only stops further growth. Starting a new
// simulation replaces a running one.
func (e *Engine) SimulateMemoryLeak(d time.Duration) {
	if d <= 0 {
		return
	}
	e.leakMu.Lock()
	if e.leakStop != nil {
		close(e.leakStop)
	}
	stop := make(chan struct{})
	e.leakStop = stop
	e.leakMu.Unlock()

	go e.leak(d, stop)
}

func (e *Engine) leak(d time.Duration, stop chan struct{}) {
	deadline := time.NewTimer(d)
	defer deadline.Stop()
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-deadline.C:
			e.leakMu.Lock()
			if e.leakStop == stop { // a newer simulation may have replaced us
				e.leakStop = nil
			}
			e.leakMu.Unlock()
			return
		case <-ticker.C:
			block := make([]byte, leakBlockBytes)
			// Touch every page so the leak shows up in RSS, not just in
			// virtual size.
			for i := 0; i < len(block); i += 4096 {
				block[i] = 1
			}
			e.leakMu.Lock()
			e.leakBlocks = append(e.leakBlocks, block)
			n := len(e.leakBlocks)
			e.leakMu.Unlock()
			e.logger.Info("chaos: leaked block retained",
				"blocks", n,
				"leaked_bytes", int64(n)*leakBlockBytes,
				"process_rss_bytes", processRSS(),
			)
		}
	}
}

func (e *Engine) stopLeak() {
	e.leakMu.Lock()
	if e.leakStop != nil {
		close(e.leakStop)
		e.leakStop = nil
	}
	e.leakMu.Unlock()
}

// SimulateCPUSpike burns one scheduler thread with a tight loop for d,
// capped at the configured maximum. It returns the effective duration
// immediately; the burn runs in its own goroutine and records a span with
// the actual duration and iteration count.
func (e *Engine) SimulateCPUSpike(ctx context.Context, d time.Duration) time.Duration {
	if d <= 0 {
		return 0
	}
	if d > e.maxCPUSpike {
		d = e.maxCPUSpike
	}

	e.mu.Lock()
	if until := time.Now().Add(d); until.After(e.cpuUntil) {
		e.cpuUntil = until
	}
	e.mu.Unlock()

	// The span must survive the request, so detach from the caller's
	// cancellation while keeping its trace.
	go e.burn(context.WithoutCancel(ctx), d)
	return d
}

func (e *Engine) burn(ctx context.Context, d time.Duration) {
	_, span := e.tracer.Start(ctx, "chaos.cpu_spike")
	defer span.End()

	start := time.Now()
	deadline := start.Add(d)
	var rounds int64
	x := 0.0
	for time.Now().Before(deadline) {
		// No suspension points in here; the burn is the point.
		for i := 0; i < 10000; i++ {
			x += math.Sqrt(float64(i))
		}
		rounds++
	}
	_ = x

	span.SetAttributes(
		attribute.Int64("chaos.requested_ms", d.Milliseconds()),
		attribute.Int64("chaos.actual_ms", time.Since(start).Milliseconds()),
		attribute.Int64("chaos.rounds", rounds),
	)
	e.logger.Info("chaos: cpu spike finished",
		"requested_ms", d.Milliseconds(),
		"actual_ms", time.Since(start).Milliseconds(),
	)
}

// processRSS returns the current resident set size, or 0 when it cannot
// be read.
func processRSS() uint64 {
	proc, err := process.NewProcess(int32(os.Getpid()))
	if err != nil {
		return 0
	}
	mi, err := proc.MemoryInfo()
	if err != nil || mi == nil {
		return 0
	}
	return mi.RSS
}
