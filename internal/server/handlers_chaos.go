package server

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/sony/gobreaker"

	"github.com/faultline-io/faultline/internal/chaos"
	"github.com/faultline-io/faultline/internal/model"
)

// newDemoBreaker builds the breaker exercised by the circuit-breaker-test
// endpoint. It is separate from the storage breaker so demo runs never
// block live traffic.
func newDemoBreaker(logger *slog.Logger) *gobreaker.CircuitBreaker {
	return gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    "demo",
		Timeout: 5 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 3
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("server: demo breaker state change",
				"breaker", name,
				"from", from.String(),
				"to", to.String(),
			)
		},
	})
}

// HandleChaosLatency handles POST /api/chaos/latency.
func (h *Handlers) HandleChaosLatency(w http.ResponseWriter, r *http.Request) {
	var req model.ChaosLatencyRequest
	if err := decodeJSON(w, r, &req, h.maxRequestBodyBytes); err != nil {
		h.handleError(w, r, errInvalidInput("invalid request body"))
		return
	}
	if err := model.Validate(req); err != nil {
		h.handleError(w, r, errInvalidInput(err.Error()))
		return
	}

	d := time.Duration(req.LatencyMs) * time.Millisecond
	if err := h.engine.ConfigureLatency(req.Service, d, req.Enabled); err != nil {
		h.handleError(w, r, errInvalidInput(err.Error()))
		return
	}

	h.logger.InfoContext(r.Context(), "chaos: latency configured",
		"service", req.Service, "latency_ms", req.LatencyMs, "enabled", req.Enabled)
	writeJSON(w, r, http.StatusOK, h.engine.Status())
}

// HandleChaosRandomFailure handles POST /api/chaos/random-failure.
func (h *Handlers) HandleChaosRandomFailure(w http.ResponseWriter, r *http.Request) {
	var req model.ChaosFailureRequest
	if err := decodeJSON(w, r, &req, h.maxRequestBodyBytes); err != nil {
		h.handleError(w, r, errInvalidInput("invalid request body"))
		return
	}
	if err := model.Validate(req); err != nil {
		h.handleError(w, r, errInvalidInput(err.Error()))
		return
	}

	if err := h.engine.ConfigureFailureRate(req.Service, req.Probability, req.Enabled); err != nil {
		h.handleError(w, r, errInvalidInput(err.Error()))
		return
	}

	h.logger.InfoContext(r.Context(), "chaos: failure rate configured",
		"service", req.Service, "probability", req.Probability, "enabled", req.Enabled)
	writeJSON(w, r, http.StatusOK, h.engine.Status())
}

// HandleChaosMemoryLeak handles POST /api/chaos/memory-leak. The response
// returns immediately; the leak grows in the background.
func (h *Handlers) HandleChaosMemoryLeak(w http.ResponseWriter, r *http.Request) {
	var req model.ChaosSimulationRequest
	if err := decodeJSON(w, r, &req, h.maxRequestBodyBytes); err != nil {
		h.handleError(w, r, errInvalidInput("invalid request body"))
		return
	}
	if err := model.Validate(req); err != nil {
		h.handleError(w, r, errInvalidInput(err.Error()))
		return
	}

	h.engine.SimulateMemoryLeak(time.Duration(req.DurationMs) * time.Millisecond)
	writeJSON(w, r, http.StatusOK, map[string]any{
		"simulation":  "memory-leak",
		"duration_ms": req.DurationMs,
	})
}

// HandleChaosCPUSpike handles POST /api/chaos/cpu-spike. The burn runs in
// the background; the reported duration reflects the configured cap.
func (h *Handlers) HandleChaosCPUSpike(w http.ResponseWriter, r *http.Request) {
	var req model.ChaosSimulationRequest
	if err := decodeJSON(w, r, &req, h.maxRequestBodyBytes); err != nil {
		h.handleError(w, r, errInvalidInput("invalid request body"))
		return
	}
	if err := model.Validate(req); err != nil {
		h.handleError(w, r, errInvalidInput(err.Error()))
		return
	}

	effective := h.engine.SimulateCPUSpike(r.Context(), time.Duration(req.DurationMs)*time.Millisecond)
	writeJSON(w, r, http.StatusOK, map[string]any{
		"simulation":  "cpu-spike",
		"duration_ms": effective.Milliseconds(),
	})
}

// HandleChaosDatabaseError handles POST /api/chaos/database-error. The
// armed error fires on every datastore operation until disable-all, and
// the canned error itself propagates through the terminal error path so
// the endpoint answers 500 like the failure it simulates.
func (h *Handlers) HandleChaosDatabaseError(w http.ResponseWriter, r *http.Request) {
	var req model.ChaosDatabaseErrorRequest
	if err := decodeJSON(w, r, &req, h.maxRequestBodyBytes); err != nil {
		h.handleError(w, r, errInvalidInput("invalid request body"))
		return
	}
	if err := model.Validate(req); err != nil {
		h.handleError(w, r, errInvalidInput(err.Error()))
		return
	}

	dbErr := h.engine.SimulateDatabaseError(req.ErrorType)
	h.handleError(w, r, dbErr)
}

// HandleChaosDisableAll handles POST /api/chaos/disable-all.
func (h *Handlers) HandleChaosDisableAll(w http.ResponseWriter, r *http.Request) {
	h.engine.DisableAll()
	h.logger.InfoContext(r.Context(), "chaos: all faults disabled")
	writeJSON(w, r, http.StatusOK, h.engine.Status())
}

// chaosStatusResponse pairs engine state with the storage breaker state.
type chaosStatusResponse struct {
	Chaos        chaos.Status `json:"chaos"`
	BreakerState string       `json:"breaker_state"`
}

// HandleChaosStatus handles GET /api/chaos/status.
func (h *Handlers) HandleChaosStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, r, http.StatusOK, chaosStatusResponse{
		Chaos:        h.engine.Status(),
		BreakerState: h.breakerState(),
	})
}

// HandleChaosCircuitBreakerTest handles POST /api/chaos/circuit-breaker-test.
// It hammers the demo breaker with guaranteed failures and reports every
// attempt, demonstrating the closed-to-open transition. The timeout error
// is built locally rather than via SimulateDatabaseError so the demo
// never arms the datastore. Every attempt failed, so the response is the
// uniform 500 error body with the attempt log in data.
func (h *Handlers) HandleChaosCircuitBreakerTest(w http.ResponseWriter, r *http.Request) {
	const attempts = 5
	results := make([]model.CircuitBreakerAttempt, 0, attempts)

	for i := 1; i <= attempts; i++ {
		_, err := h.demoBreaker.Execute(func() (any, error) {
			return nil, &chaos.DatabaseError{
				Kind:    chaos.KindQueryTimeout,
				Message: "chaos: simulated query timeout",
			}
		})
		msg := ""
		if err != nil {
			msg = err.Error()
		}
		results = append(results, model.CircuitBreakerAttempt{
			Attempt:      i,
			Error:        msg,
			BreakerState: h.demoBreaker.State().String(),
		})
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusInternalServerError)
	_ = json.NewEncoder(w).Encode(model.APIError{
		Message: "all circuit breaker attempts failed",
		Code:    model.ErrCodeDatabaseError,
		Data: model.CircuitBreakerTestResponse{
			Attempts:   results,
			FinalState: h.demoBreaker.State().String(),
		},
		Meta: responseMeta(r),
	})
}
