// Package config loads and validates application configuration from environment variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config holds all application configuration.
type Config struct {
	// Server settings.
	Port                int
	ReadTimeout         time.Duration
	WriteTimeout        time.Duration
	MaxRequestBodyBytes int64 // Maximum request body size in bytes.

	// Per-IP HTTP rate limiting. A zero rate disables it.
	HTTPRate  float64
	HTTPBurst int

	// Monitoring intervals.
	CollectionInterval      time.Duration
	RetentionPeriod         time.Duration
	HealthCheckInterval     time.Duration
	OptimizerHealthInterval time.Duration

	// Coordination settings.
	QueueTick  time.Duration
	AgentRate  float64 // Messages per second per agent; 0 disables limiting.
	AgentBurst int

	// Learning and optimization.
	OptimizeMinInterval time.Duration
	InitialLearningRate float64
	ValidationThreshold float64
	MaxPatterns         int
	SharedDataMaxAge    time.Duration

	// Archive settings. An empty path disables the archive.
	ArchivePath          string
	ArchiveFlushInterval time.Duration

	// Path to a YAML integration file. Empty uses the built-in mappings.
	IntegrationConfigPath string

	// OTEL settings.
	OTELEndpoint string
	ServiceName  string
	OTELInsecure bool

	LogLevel string
}

// Load reads configuration from environment variables with sensible defaults.
// Every malformed variable is reported, not just the first.
func Load() (Config, error) {
	var errs []error
	str := envStr
	num := func(key string, def int) int {
		v, err := envInt(key, def)
		errs = append(errs, err)
		return v
	}
	dur := func(key string, def time.Duration) time.Duration {
		v, err := envDuration(key, def)
		errs = append(errs, err)
		return v
	}
	flt := func(key string, def float64) float64 {
		v, err := envFloat(key, def)
		errs = append(errs, err)
		return v
	}
	bln := func(key string, def bool) bool {
		v, err := envBool(key, def)
		errs = append(errs, err)
		return v
	}

	cfg := Config{
		Port:                    num("MIMAMORI_PORT", 8080),
		ReadTimeout:             dur("MIMAMORI_READ_TIMEOUT", 30*time.Second),
		WriteTimeout:            dur("MIMAMORI_WRITE_TIMEOUT", 30*time.Second),
		MaxRequestBodyBytes:     int64(num("MIMAMORI_MAX_REQUEST_BODY_BYTES", 1*1024*1024)), // 1 MB default
		HTTPRate:                flt("MIMAMORI_HTTP_RATE", 100),
		HTTPBurst:               num("MIMAMORI_HTTP_BURST", 200),
		CollectionInterval:      dur("MIMAMORI_COLLECTION_INTERVAL", 10*time.Second),
		RetentionPeriod:         dur("MIMAMORI_RETENTION_PERIOD", 24*time.Hour),
		HealthCheckInterval:     dur("MIMAMORI_HEALTH_CHECK_INTERVAL", 30*time.Second),
		OptimizerHealthInterval: dur("MIMAMORI_OPTIMIZER_HEALTH_INTERVAL", time.Minute),
		QueueTick:               dur("MIMAMORI_QUEUE_TICK", 100*time.Millisecond),
		AgentRate:               flt("MIMAMORI_AGENT_RATE", 50),
		AgentBurst:              num("MIMAMORI_AGENT_BURST", 100),
		OptimizeMinInterval:     dur("MIMAMORI_OPTIMIZE_MIN_INTERVAL", time.Second),
		InitialLearningRate:     flt("MIMAMORI_INITIAL_LEARNING_RATE", 0.1),
		ValidationThreshold:     flt("MIMAMORI_VALIDATION_THRESHOLD", 0.7),
		MaxPatterns:             num("MIMAMORI_MAX_PATTERNS", 1000),
		SharedDataMaxAge:        dur("MIMAMORI_SHARED_DATA_MAX_AGE", 5*time.Minute),
		ArchivePath:             str("MIMAMORI_ARCHIVE_PATH", ""),
		ArchiveFlushInterval:    dur("MIMAMORI_ARCHIVE_FLUSH_INTERVAL", 5*time.Second),
		IntegrationConfigPath:   str("MIMAMORI_INTEGRATION_CONFIG", ""),
		OTELEndpoint:            str("OTEL_EXPORTER_OTLP_ENDPOINT", ""),
		ServiceName:             str("OTEL_SERVICE_NAME", "mimamori"),
		OTELInsecure:            bln("OTEL_EXPORTER_OTLP_INSECURE", false),
		LogLevel:                str("MIMAMORI_LOG_LEVEL", "info"),
	}

	if err := errors.Join(errs...); err != nil {
		return Config{}, fmt.Errorf("config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks value ranges.
func (c Config) Validate() error {
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("config: MIMAMORI_PORT must be between 1 and 65535")
	}
	if c.MaxRequestBodyBytes <= 0 {
		return fmt.Errorf("config: MIMAMORI_MAX_REQUEST_BODY_BYTES must be positive")
	}
	for name, d := range map[string]time.Duration{
		"MIMAMORI_COLLECTION_INTERVAL":       c.CollectionInterval,
		"MIMAMORI_RETENTION_PERIOD":          c.RetentionPeriod,
		"MIMAMORI_HEALTH_CHECK_INTERVAL":     c.HealthCheckInterval,
		"MIMAMORI_OPTIMIZER_HEALTH_INTERVAL": c.OptimizerHealthInterval,
		"MIMAMORI_QUEUE_TICK":                c.QueueTick,
		"MIMAMORI_OPTIMIZE_MIN_INTERVAL":     c.OptimizeMinInterval,
		"MIMAMORI_SHARED_DATA_MAX_AGE":       c.SharedDataMaxAge,
		"MIMAMORI_ARCHIVE_FLUSH_INTERVAL":    c.ArchiveFlushInterval,
	} {
		if d <= 0 {
			return fmt.Errorf("config: %s must be positive", name)
		}
	}
	if c.ValidationThreshold <= 0 || c.ValidationThreshold > 1 {
		return fmt.Errorf("config: MIMAMORI_VALIDATION_THRESHOLD must be in (0, 1]")
	}
	if c.InitialLearningRate < 0.01 || c.InitialLearningRate > 0.5 {
		return fmt.Errorf("config: MIMAMORI_INITIAL_LEARNING_RATE must be in [0.01, 0.5]")
	}
	if c.MaxPatterns <= 0 {
		return fmt.Errorf("config: MIMAMORI_MAX_PATTERNS must be positive")
	}
	if c.HTTPRate < 0 {
		return fmt.Errorf("config: MIMAMORI_HTTP_RATE must not be negative")
	}
	if c.HTTPRate > 0 && c.HTTPBurst <= 0 {
		return fmt.Errorf("config: MIMAMORI_HTTP_BURST must be positive when rate limiting is on")
	}
	if c.AgentRate < 0 {
		return fmt.Errorf("config: MIMAMORI_AGENT_RATE must not be negative")
	}
	if c.AgentRate > 0 && c.AgentBurst <= 0 {
		return fmt.Errorf("config: MIMAMORI_AGENT_BURST must be positive when rate limiting is on")
	}
	return nil
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
		return defaultVal, fmt.Errorf("%s=%q is not a valid integer", key, v)
	}
	return n, nil
}

func envFloat(key string, defaultVal float64) (float64, error) {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal, nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return defaultVal, fmt.Errorf("%s=%q is not a valid number", key, v)
	}
	return f, nil
}

func envBool(key string, defaultVal bool) (bool, error) {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal, nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return defaultVal, fmt.Errorf("%s=%q is not a valid boolean", key, v)
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
		return defaultVal, fmt.Errorf("%s=%q is not a valid duration", key, v)
	}
	return d, nil
}
