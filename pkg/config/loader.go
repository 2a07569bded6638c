// Package config provides configuration loading and validation utilities.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	validator "github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Load reads configuration from a YAML file and HEARTHGATE_* environment
// variables, validates it, and returns the resulting Config. An explicit
// path must exist; otherwise hearthgate.yaml is searched in . and ./configs
// and may be absent when the environment carries the required values.
func Load(path string) (*Config, *viper.Viper, error) {
	if err := godotenv.Load(".env.local", ".env"); err != nil {
		// env files are optional
		_ = err
	}

	env := os.Getenv("APP_ENV")
	if env == "" {
		env = "development"
	}

	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("HEARTHGATE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, nil, fmt.Errorf("read config: %w", err)
		}
	} else {
		v.SetConfigName("hearthgate")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./configs")

		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return nil, nil, fmt.Errorf("read config: %w", err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, nil, fmt.Errorf("unmarshal config: %w", err)
	}
	cfg.AppEnv = env

	validate := validator.New(validator.WithRequiredStructEnabled())
	if err := validate.Struct(cfg); err != nil {
		return nil, nil, fmt.Errorf("validate config: %w", err)
	}

	return &cfg, v, nil
}

// setDefaults registers every key so environment-only deployments resolve
// through viper's Unmarshal; required values default to empty and fail
// validation when nothing supplies them.
func setDefaults(v *viper.Viper) {
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("log.file", "")
	v.SetDefault("log.max_size_mb", 50)
	v.SetDefault("log.max_backups", 3)
	v.SetDefault("log.max_age_days", 14)

	v.SetDefault("home_assistant.base_url", "")
	v.SetDefault("home_assistant.token", "")
	v.SetDefault("home_assistant.timeout", 10*time.Second)

	v.SetDefault("rate_limit.max_requests", 60)
	v.SetDefault("rate_limit.window", time.Minute)
	v.SetDefault("rate_limit.cleanup_interval", 5*time.Minute)

	v.SetDefault("retry.attempts", 3)
	v.SetDefault("retry.delay", time.Second)

	v.SetDefault("flow.timeout", 10*time.Second)

	v.SetDefault("redis.addr", "")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)

	v.SetDefault("sentry.dsn", "")
	v.SetDefault("sentry.environment", "")
	v.SetDefault("sentry.sample_rate", 1.0)

	v.SetDefault("ops.enabled", false)
	v.SetDefault("ops.addr", ":9090")
	v.SetDefault("ops.shutdown_timeout", 10*time.Second)
}

// Watch re-reads the config file whenever it changes on disk and hands the
// refreshed Config to onChange. Only settings that are safe to adjust at
// runtime (the log level) should be applied from the callback. A no-op when
// no config file is in use.
func Watch(v *viper.Viper, log *slog.Logger, onChange func(Config)) {
	if v == nil || v.ConfigFileUsed() == "" || onChange == nil {
		return
	}

	if log == nil {
		log = slog.Default()
	}

	v.OnConfigChange(func(event fsnotify.Event) {
		var cfg Config
		if err := v.Unmarshal(&cfg); err != nil {
			log.Warn("config reload failed", slog.String("file", event.Name), slog.Any("error", err))
			return
		}

		log.Info("config file changed", slog.String("file", event.Name), slog.String("op", event.Op.String()))
		onChange(cfg)
	})

	v.WatchConfig()
}
