package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config contains all runtime settings for the task engine service.
type Config struct {
	BindAddr         string
	ShutdownTimeout  time.Duration
	MetricsNamespace string
	AllowAnyOrigin   bool

	AssignmentMode         string
	EscalationGrace        time.Duration
	EscalationScanInterval time.Duration
	MaxConcurrentAutoStart int
	PageSizeDefault        int
	CancelPropagates       bool
	StoreTimeout           time.Duration

	DatabaseURL string
}

// Load reads environment variables and applies safe defaults.
func Load() (Config, error) {
	cfg := Config{
		BindAddr:               envOrDefault("APP_BIND_ADDR", ":8080"),
		MetricsNamespace:       envOrDefault("APP_METRICS_NAMESPACE", "crewcall"),
		AllowAnyOrigin:         false,
		AssignmentMode:         envOrDefault("APP_ASSIGNMENT_MODE", "strict"),
		EscalationGrace:        0,
		EscalationScanInterval: 2 * time.Minute,
		MaxConcurrentAutoStart: 5,
		PageSizeDefault:        25,
		CancelPropagates:       false,
		StoreTimeout:           2 * time.Second,
		ShutdownTimeout:        15 * time.Second,
		DatabaseURL:            envTrimmed("DATABASE_URL"),
	}

	var err error
	cfg.ShutdownTimeout, err = durationFromEnv("APP_SHUTDOWN_TIMEOUT", cfg.ShutdownTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.EscalationGrace, err = durationFromEnv("APP_ESCALATION_GRACE", cfg.EscalationGrace)
	if err != nil {
		return Config{}, err
	}
	cfg.EscalationScanInterval, err = durationFromEnv("APP_ESCALATION_SCAN_INTERVAL", cfg.EscalationScanInterval)
	if err != nil {
		return Config{}, err
	}
	cfg.StoreTimeout, err = durationFromEnv("APP_STORE_TIMEOUT", cfg.StoreTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.MaxConcurrentAutoStart, err = intFromEnv("APP_MAX_CONCURRENT_AUTOSTART", cfg.MaxConcurrentAutoStart)
	if err != nil {
		return Config{}, err
	}
	cfg.PageSizeDefault, err = intFromEnv("APP_PAGE_SIZE_DEFAULT", cfg.PageSizeDefault)
	if err != nil {
		return Config{}, err
	}
	cfg.CancelPropagates, err = boolFromEnv("APP_CANCEL_PROPAGATES", cfg.CancelPropagates)
	if err != nil {
		return Config{}, err
	}
	cfg.AllowAnyOrigin, err = boolFromEnv("APP_ALLOW_ANY_ORIGIN", cfg.AllowAnyOrigin)
	if err != nil {
		return Config{}, err
	}

	switch cfg.AssignmentMode {
	case "strict", "permissive":
	default:
		return Config{}, fmt.Errorf("APP_ASSIGNMENT_MODE must be strict or permissive, got %q", cfg.AssignmentMode)
	}
	if cfg.EscalationGrace < 0 {
		return Config{}, fmt.Errorf("APP_ESCALATION_GRACE must not be negative")
	}
	if cfg.EscalationScanInterval < time.Second {
		return Config{}, fmt.Errorf("APP_ESCALATION_SCAN_INTERVAL must be at least 1s")
	}
	if cfg.MaxConcurrentAutoStart <= 0 {
		return Config{}, fmt.Errorf("APP_MAX_CONCURRENT_AUTOSTART must be positive")
	}
	if cfg.PageSizeDefault <= 0 {
		return Config{}, fmt.Errorf("APP_PAGE_SIZE_DEFAULT must be positive")
	}
	if cfg.StoreTimeout <= 0 {
		return Config{}, fmt.Errorf("APP_STORE_TIMEOUT must be positive")
	}

	return cfg, nil
}

func envOrDefault(key, fallback string) string {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback
	}
	return v
}

func envTrimmed(key string) string {
	return strings.TrimSpace(os.Getenv(key))
}

func durationFromEnv(key string, fallback time.Duration) (time.Duration, error) {
	v := envTrimmed(key)
	if v == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return d, nil
}

func intFromEnv(key string, fallback int) (int, error) {
	v := envTrimmed(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return n, nil
}

func boolFromEnv(key string, fallback bool) (bool, error) {
	v := strings.ToLower(envTrimmed(key))
	if v == "" {
		return fallback, nil
	}
	switch v {
	case "1", "true", "t", "yes", "y", "on":
		return true, nil
	case "0", "false", "f", "no", "n", "off":
		return false, nil
	default:
		return false, fmt.Errorf("%s parse error: expected bool", key)
	}
}
