package config

import (
	"strings"
	"testing"
)

func TestEnvIntValid(t *testing.T) {
	t.Setenv("TEST_INT", "42")
	v, err := envInt("TEST_INT", 0)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if v != 42 {
		t.Fatalf("expected 42, got %d", v)
	}
}

func TestEnvIntFallback(t *testing.T) {
	// TEST_INT_MISSING is not set.
	v, err := envInt("TEST_INT_MISSING", 99)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if v != 99 {
		t.Fatalf("expected fallback 99, got %d", v)
	}
}

func TestEnvIntInvalid(t *testing.T) {
	t.Setenv("TEST_INT_BAD", "abc")
	_, err := envInt("TEST_INT_BAD", 0)
	if err == nil {
		t.Fatal("expected error for non-integer value, got nil")
	}
	if got := err.Error(); got != `TEST_INT_BAD="abc" is not a valid integer` {
		t.Fatalf("unexpected error message: %s", got)
	}
}

func TestEnvBoolValid(t *testing.T) {
	t.Setenv("TEST_BOOL", "true")
	v, err := envBool("TEST_BOOL", false)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !v {
		t.Fatal("expected true")
	}
}

func TestEnvBoolInvalid(t *testing.T) {
	t.Setenv("TEST_BOOL_BAD", "maybe")
	_, err := envBool("TEST_BOOL_BAD", false)
	if err == nil {
		t.Fatal("expected error for non-boolean value, got nil")
	}
	if got := err.Error(); got != `TEST_BOOL_BAD="maybe" is not a valid boolean` {
		t.Fatalf("unexpected error message: %s", got)
	}
}

func TestEnvDurationValid(t *testing.T) {
	t.Setenv("TEST_DUR", "5s")
	v, err := envDuration("TEST_DUR", 0)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if v.Seconds() != 5 {
		t.Fatalf("expected 5s, got %s", v)
	}
}

func TestEnvDurationInvalid(t *testing.T) {
	t.Setenv("TEST_DUR_BAD", "five-seconds")
	_, err := envDuration("TEST_DUR_BAD", 0)
	if err == nil {
		t.Fatal("expected error for invalid duration, got nil")
	}
	if got := err.Error(); got != `TEST_DUR_BAD="five-seconds" is not a valid duration` {
		t.Fatalf("unexpected error message: %s", got)
	}
}

func TestLoadFailsOnInvalidPort(t *testing.T) {
	t.Setenv("FAULTLINE_PORT", "abc")
	_, err := Load()
	if err == nil {
		t.Fatal("expected Load() to fail with invalid FAULTLINE_PORT")
	}
	// Error should mention the variable name and value.
	if got := err.Error(); !strings.Contains(got, "FAULTLINE_PORT") || !strings.Contains(got, "abc") {
		t.Fatalf("error should mention FAULTLINE_PORT and value 'abc', got: %s", got)
	}
}

func TestLoadFailsOnMultipleInvalid(t *testing.T) {
	t.Setenv("FAULTLINE_PORT", "abc")
	t.Setenv("FAULTLINE_CPU_SPIKE_CAP", "xyz")
	_, err := Load()
	if err == nil {
		t.Fatal("expected Load() to fail with multiple invalid vars")
	}
	got := err.Error()
	if !strings.Contains(got, "FAULTLINE_PORT") {
		t.Fatalf("error should mention FAULTLINE_PORT, got: %s", got)
	}
	if !strings.Contains(got, "FAULTLINE_CPU_SPIKE_CAP") {
		t.Fatalf("error should mention FAULTLINE_CPU_SPIKE_CAP, got: %s", got)
	}
}

func TestLoadSucceedsWithDefaults(t *testing.T) {
	// With no env vars set, Load should succeed using all defaults.
	cfg, err := Load()
	if err != nil {
		t.Fatalf("expected Load() to succeed with defaults, got: %v", err)
	}
	if cfg.Port != 8080 {
		t.Fatalf("expected default port 8080, got %d", cfg.Port)
	}
	if cfg.SQLitePath != ":memory:" {
		t.Fatalf("expected default sqlite path :memory:, got %s", cfg.SQLitePath)
	}
	if !cfg.SeedDemoData {
		t.Fatal("expected demo seeding on by default")
	}
}

func TestValidateRejectsSamePorts(t *testing.T) {
	t.Setenv("FAULTLINE_PROM_PORT", "8080")
	_, err := Load()
	if err == nil {
		t.Fatal("expected Load() to reject PromPort == Port")
	}
}

func TestValidateRejectsMetricsPortCollision(t *testing.T) {
	t.Setenv("FAULTLINE_METRICS_PORT", "9464")
	_, err := Load()
	if err == nil {
		t.Fatal("expected Load() to reject MetricsPort == PromPort")
	}
}

func TestValidateRejectsBadLogLevel(t *testing.T) {
	t.Setenv("FAULTLINE_LOG_LEVEL", "verbose")
	_, err := Load()
	if err == nil {
		t.Fatal("expected Load() to reject unknown log level")
	}
}

func TestSlogLevel(t *testing.T) {
	for lvl, want := range map[string]string{
		"debug": "DEBUG",
		"info":  "INFO",
		"warn":  "WARN",
		"error": "ERROR",
	} {
		c := Config{LogLevel: lvl}
		if got := c.SlogLevel().String(); got != want {
			t.Fatalf("SlogLevel(%q) = %s, want %s", lvl, got, want)
		}
	}
}
