package model

// ChaosLatencyRequest is the request body for POST /api/chaos/latency.
// The duration field is milliseconds.
type ChaosLatencyRequest struct {
	Service   string `json:"service" validate:"required,min=1,max=64"`
	LatencyMs int64  `json:"duration" validate:"min=0,max=60000"`
	Enabled   bool   `json:"enabled"`
}

// ChaosFailureRequest is the request body for POST /api/chaos/random-failure.
// Probability bounds are checked again by the engine; the tag catches bad
// input at the edge.
type ChaosFailureRequest struct {
	Service     string  `json:"service" validate:"required,min=1,max=64"`
	Probability float64 `json:"probability" validate:"min=0,max=1"`
	Enabled     bool    `json:"enabled"`
}

// ChaosSimulationRequest is the request body for POST /api/chaos/memory-leak
// and POST /api/chaos/cpu-spike.
type ChaosSimulationRequest struct {
	DurationMs int64 `json:"duration" validate:"required,min=1,max=300000"`
}

// ChaosDatabaseErrorRequest is the request body for
// POST /api/chaos/database-error. Unrecognized types map to a generic
// simulated error rather than failing validation.
type ChaosDatabaseErrorRequest struct {
	ErrorType string `json:"errorType" validate:"required,min=1,max=64"`
}

// CircuitBreakerAttempt is one attempt's outcome in a circuit-breaker test.
type CircuitBreakerAttempt struct {
	Attempt      int    `json:"attempt"`
	Error        string `json:"error"`
	BreakerState string `json:"breaker_state"`
}

// CircuitBreakerTestResponse summarizes a circuit-breaker test run.
type CircuitBreakerTestResponse struct {
	Attempts   []CircuitBreakerAttempt `json:"attempts"`
	FinalState string                  `json:"final_state"`
}
