// Package config provides the environment-driven configuration surface for
// the session kernel. Defaults match the reference deployment; every knob can
// be overridden via environment variables using envdecode struct tags.
package config

import (
	"fmt"
	"time"

	"github.com/joeshaw/envdecode"
)

// Config holds every tunable recognized by the kernel.
type Config struct {
	// Heartbeat monitoring.
	HeartbeatInterval        time.Duration `env:"HEARTBEAT_INTERVAL,default=30s"`
	MissedHeartbeatThreshold int           `env:"MISSED_HEARTBEAT_THRESHOLD,default=3"`

	// Session lifecycle.
	SessionIdleTimeout time.Duration `env:"SESSION_IDLE_TIMEOUT,default=15m"`
	MaxSessions        int           `env:"MAX_SESSIONS,default=0"` // 0 = unbounded

	// Circuit breaker defaults applied to lazily created breakers.
	BreakerFailureThreshold int           `env:"BREAKER_FAILURE_THRESHOLD,default=5"`
	BreakerRecoveryTimeout  time.Duration `env:"BREAKER_RECOVERY_TIMEOUT,default=30s"`
	BreakerHalfOpenMaxCalls int           `env:"BREAKER_HALF_OPEN_MAX_CALLS,default=1"`

	// Retry policy for MEDIUM-severity failures.
	RetryMaxRetries    int           `env:"RETRY_MAX_RETRIES,default=3"`
	RetryBackoffFactor float64       `env:"RETRY_BACKOFF_FACTOR,default=2.0"`
	RetryBaseDelay     time.Duration `env:"RETRY_BASE_DELAY,default=100ms"`

	// Validation cache.
	ValidationCacheSize int `env:"VALIDATION_CACHE_SIZE,default=1024"`

	// Classifier rule table. Empty means the built-in defaults.
	ClassifierRulesPath string `env:"CLASSIFIER_RULES_PATH,default="`

	// Observability sinks. Empty addresses disable the sink.
	RedisAddr        string `env:"REDIS_ADDR,default="`
	RedisStreamKey   string `env:"REDIS_STREAM_KEY,default=sessioncore:events"`
	EventJournalPath string `env:"EVENT_JOURNAL_PATH,default="`

	// Introspection HTTP listener. Empty disables it.
	IntrospectAddr string `env:"INTROSPECT_ADDR,default="`
}

// Load decodes configuration from the environment and validates it.
func Load() (*Config, error) {
	var cfg Config
	if err := envdecode.Decode(&cfg); err != nil {
		return nil, fmt.Errorf("decode config from env: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Default returns the configuration with every knob at its default value.
func Default() *Config {
	return &Config{
		HeartbeatInterval:        30 * time.Second,
		MissedHeartbeatThreshold: 3,
		SessionIdleTimeout:       15 * time.Minute,
		BreakerFailureThreshold:  5,
		BreakerRecoveryTimeout:   30 * time.Second,
		BreakerHalfOpenMaxCalls:  1,
		RetryMaxRetries:          3,
		RetryBackoffFactor:       2.0,
		RetryBaseDelay:           100 * time.Millisecond,
		ValidationCacheSize:      1024,
		RedisStreamKey:           "sessioncore:events",
	}
}

// Validate checks internal consistency of the configuration.
func (c *Config) Validate() error {
	if c.HeartbeatInterval <= 0 {
		return fmt.Errorf("HEARTBEAT_INTERVAL must be positive, got %s", c.HeartbeatInterval)
	}
	if c.MissedHeartbeatThreshold < 1 {
		return fmt.Errorf("MISSED_HEARTBEAT_THRESHOLD must be >= 1, got %d", c.MissedHeartbeatThreshold)
	}
	if c.SessionIdleTimeout < 0 {
		return fmt.Errorf("SESSION_IDLE_TIMEOUT must not be negative, got %s", c.SessionIdleTimeout)
	}
	if c.MaxSessions < 0 {
		return fmt.Errorf("MAX_SESSIONS must not be negative, got %d", c.MaxSessions)
	}
	if c.BreakerFailureThreshold < 1 {
		return fmt.Errorf("BREAKER_FAILURE_THRESHOLD must be >= 1, got %d", c.BreakerFailureThreshold)
	}
	if c.BreakerHalfOpenMaxCalls < 1 {
		return fmt.Errorf("BREAKER_HALF_OPEN_MAX_CALLS must be >= 1, got %d", c.BreakerHalfOpenMaxCalls)
	}
	if c.RetryMaxRetries < 0 {
		return fmt.Errorf("RETRY_MAX_RETRIES must not be negative, got %d", c.RetryMaxRetries)
	}
	if c.RetryBackoffFactor < 1.0 {
		return fmt.Errorf("RETRY_BACKOFF_FACTOR must be >= 1.0, got %g", c.RetryBackoffFactor)
	}
	if c.ValidationCacheSize < 1 {
		return fmt.Errorf("VALIDATION_CACHE_SIZE must be >= 1, got %d", c.ValidationCacheSize)
	}
	return nil
}
