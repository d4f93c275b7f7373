// Package config loads and validates application configuration from environment variables.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"time"
)

// Config holds all application configuration.
type Config struct {
	// Server settings.
	Port            int
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	ShutdownTimeout time.Duration

	// Telemetry settings.
	ServiceName  string
	Environment  string
	OTLPEndpoint string // Empty disables the OTLP exporters; the Prometheus reader always runs.
	OTLPInsecure bool
	PromPort     int    // Port for the instrumentation-tier exposition; 0 disables the listener.
	MetricsPath  string // Path for the handcrafted registry on the API listener.
	MetricsPort  int    // Dedicated port for the handcrafted registry; 0 folds it into the API listener.

	// Database settings.
	DatabaseURL string // Postgres URL. Empty selects the embedded SQLite driver.
	SQLitePath  string

	// JWT settings.
	JWTPrivateKeyPath string // Path to Ed25519 private key PEM file.
	JWTPublicKeyPath  string // Path to Ed25519 public key PEM file.
	JWTExpiration     time.Duration

	// Chaos settings.
	CPUSpikeCap time.Duration // Upper bound on a single CPU spike simulation.

	// Operational settings.
	LogLevel            string
	MaxRequestBodyBytes int64
	SeedDemoData        bool
}

// Load reads configuration from environment variables with sensible
// defaults. Parse failures across variables are reported together.
func Load() (Config, error) {
	var errs []error

	port, err := envInt("FAULTLINE_PORT", 8080)
	if err != nil {
		errs = append(errs, err)
	}
	promPort, err := envInt("FAULTLINE_PROM_PORT", 9464)
	if err != nil {
		errs = append(errs, err)
	}
	metricsPort, err := envInt("FAULTLINE_METRICS_PORT", 0)
	if err != nil {
		errs = append(errs, err)
	}
	readTimeout, err := envDuration("FAULTLINE_READ_TIMEOUT", 30*time.Second)
	if err != nil {
		errs = append(errs, err)
	}
	writeTimeout, err := envDuration("FAULTLINE_WRITE_TIMEOUT", 30*time.Second)
	if err != nil {
		errs = append(errs, err)
	}
	shutdownTimeout, err := envDuration("FAULTLINE_SHUTDOWN_TIMEOUT", 10*time.Second)
	if err != nil {
		errs = append(errs, err)
	}
	jwtExpiration, err := envDuration("FAULTLINE_JWT_EXPIRATION", 24*time.Hour)
	if err != nil {
		errs = append(errs, err)
	}
	cpuSpikeCap, err := envDuration("FAULTLINE_CPU_SPIKE_CAP", 30*time.Second)
	if err != nil {
		errs = append(errs, err)
	}
	maxBody, err := envInt("FAULTLINE_MAX_REQUEST_BODY_BYTES", 1*1024*1024)
	if err != nil {
		errs = append(errs, err)
	}
	otlpInsecure, err := envBool("OTEL_EXPORTER_OTLP_INSECURE", true)
	if err != nil {
		errs = append(errs, err)
	}
	seedDemo, err := envBool("FAULTLINE_SEED_DEMO_DATA", true)
	if err != nil {
		errs = append(errs, err)
	}
	if len(errs) > 0 {
		return Config{}, errors.Join(errs...)
	}

	cfg := Config{
		Port:                port,
		ReadTimeout:         readTimeout,
		WriteTimeout:        writeTimeout,
		ShutdownTimeout:     shutdownTimeout,
		ServiceName:         envStr("OTEL_SERVICE_NAME", "faultline"),
		Environment:         envStr("FAULTLINE_ENV", "development"),
		OTLPEndpoint:        envStr("OTEL_EXPORTER_OTLP_ENDPOINT", ""),
		OTLPInsecure:        otlpInsecure,
		PromPort:            promPort,
		MetricsPath:         envStr("FAULTLINE_METRICS_PATH", "/metrics"),
		MetricsPort:         metricsPort,
		DatabaseURL:         envStr("DATABASE_URL", ""),
		SQLitePath:          envStr("FAULTLINE_SQLITE_PATH", ":memory:"),
		JWTPrivateKeyPath:   envStr("FAULTLINE_JWT_PRIVATE_KEY", ""),
		JWTPublicKeyPath:    envStr("FAULTLINE_JWT_PUBLIC_KEY", ""),
		JWTExpiration:       jwtExpiration,
		CPUSpikeCap:         cpuSpikeCap,
		LogLevel:            envStr("FAULTLINE_LOG_LEVEL", "info"),
		MaxRequestBodyBytes: int64(maxBody),
		SeedDemoData:        seedDemo,
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks that the loaded configuration is usable.
func (c Config) Validate() error {
	if c.Port < 1 || c.Port > 65535 {
		return fmt.Errorf("config: FAULTLINE_PORT must be between 1 and 65535")
	}
	if c.PromPort < 0 || c.PromPort > 65535 {
		return fmt.Errorf("config: FAULTLINE_PROM_PORT must be between 0 and 65535")
	}
	if c.PromPort != 0 && c.PromPort == c.Port {
		return fmt.Errorf("config: FAULTLINE_PROM_PORT must differ from FAULTLINE_PORT")
	}
	if c.MetricsPort < 0 || c.MetricsPort > 65535 {
		return fmt.Errorf("config: FAULTLINE_METRICS_PORT must be between 0 and 65535")
	}
	if c.MetricsPort != 0 && (c.MetricsPort == c.Port || c.MetricsPort == c.PromPort) {
		return fmt.Errorf("config: FAULTLINE_METRICS_PORT must differ from other listener ports")
	}
	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("config: FAULTLINE_LOG_LEVEL must be one of debug, info, warn, error")
	}
	if c.MetricsPath == "" || c.MetricsPath[0] != '/' {
		return fmt.Errorf("config: FAULTLINE_METRICS_PATH must start with /")
	}
	if c.JWTExpiration <= 0 {
		return fmt.Errorf("config: FAULTLINE_JWT_EXPIRATION must be positive")
	}
	if c.CPUSpikeCap <= 0 {
		return fmt.Errorf("config: FAULTLINE_CPU_SPIKE_CAP must be positive")
	}
	if c.MaxRequestBodyBytes <= 0 {
		return fmt.Errorf("config: FAULTLINE_MAX_REQUEST_BODY_BYTES must be positive")
	}
	return nil
}

// SlogLevel maps LogLevel onto its slog value.
func (c Config) SlogLevel() slog.Level {
	switch c.LogLevel {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func envStr(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func envInt(key string, defaultVal int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s=%q is not a valid integer", key, v)
	}
	return n, nil
}

func envBool(key string, defaultVal bool) (bool, error) {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal, nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return false, fmt.Errorf("%s=%q is not a valid boolean", key, v)
	}
	return b, nil
}

func envDuration(key string, defaultVal time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%s=%q is not a valid duration", key, v)
	}
	return d, nil
}
