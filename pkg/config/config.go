package config

import "time"

// Config holds runtime configuration for the hearthgate gateway. It is
// immutable after Load; components receive the slices of it they need.
type Config struct {
	AppEnv string

	Log           LogConfig           `mapstructure:"log"`
	HomeAssistant HomeAssistantConfig `mapstructure:"home_assistant"`
	RateLimit     RateLimitConfig     `mapstructure:"rate_limit"`
	Retry         RetryConfig         `mapstructure:"retry"`
	Flow          FlowConfig          `mapstructure:"flow"`
	Redis         RedisConfig         `mapstructure:"redis"`
	Sentry        SentryConfig        `mapstructure:"sentry"`
	Ops           OpsConfig           `mapstructure:"ops"`
}

// LogConfig controls the slog handler chain.
type LogConfig struct {
	Level      string `mapstructure:"level" validate:"omitempty,oneof=debug info warn warning error"`
	Format     string `mapstructure:"format" validate:"omitempty,oneof=json text"`
	File       string `mapstructure:"file"`
	MaxSizeMB  int    `mapstructure:"max_size_mb" validate:"gte=0"`
	MaxBackups int    `mapstructure:"max_backups" validate:"gte=0"`
	MaxAgeDays int    `mapstructure:"max_age_days" validate:"gte=0"`
}

// HomeAssistantConfig locates the remote platform. A missing token or base
// URL is a startup-fatal condition.
type HomeAssistantConfig struct {
	BaseURL string        `mapstructure:"base_url" validate:"required,url"`
	Token   string        `mapstructure:"token" validate:"required"`
	Timeout time.Duration `mapstructure:"timeout" validate:"gt=0"`
}

// RateLimitRule overrides the global budget for a single tool.
type RateLimitRule struct {
	MaxRequests int           `mapstructure:"max_requests" validate:"gt=0"`
	Window      time.Duration `mapstructure:"window" validate:"gt=0"`
}

// RateLimitConfig bounds accepted operations per caller per fixed window.
type RateLimitConfig struct {
	MaxRequests     int                      `mapstructure:"max_requests" validate:"gt=0"`
	Window          time.Duration            `mapstructure:"window" validate:"gt=0"`
	CleanupInterval time.Duration            `mapstructure:"cleanup_interval" validate:"gte=0"`
	Tools           map[string]RateLimitRule `mapstructure:"tools" validate:"omitempty,dive"`
}

// RetryConfig bounds the retry executor.
type RetryConfig struct {
	Attempts int           `mapstructure:"attempts" validate:"gte=1"`
	Delay    time.Duration `mapstructure:"delay" validate:"gte=0"`
}

// FlowConfig bounds a config-flow negotiation session.
type FlowConfig struct {
	Timeout time.Duration `mapstructure:"timeout" validate:"gt=0"`
}

// RedisConfig selects the shared rate-limit backend; an empty Addr keeps
// the limiter in process memory.
type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db" validate:"gte=0"`
}

// SentryConfig wires error reporting; an empty DSN disables it.
type SentryConfig struct {
	DSN         string  `mapstructure:"dsn"`
	Environment string  `mapstructure:"environment"`
	SampleRate  float64 `mapstructure:"sample_rate" validate:"gte=0,lte=1"`
}

// Enabled reports whether a DSN is configured.
func (s SentryConfig) Enabled() bool {
	return s.DSN != ""
}

// OpsConfig controls the optional operational HTTP listener.
type OpsConfig struct {
	Enabled         bool          `mapstructure:"enabled"`
	Addr            string        `mapstructure:"addr"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout" validate:"gt=0"`
}
