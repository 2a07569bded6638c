// hearthgate bridges MCP clients to a Home Assistant instance over stdio.
// Stdout belongs to the MCP transport; all diagnostics go to stderr or the
// configured log file.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/emberfell/hearthgate/internal/health"
	"github.com/emberfell/hearthgate/internal/homeassistant"
	"github.com/emberfell/hearthgate/internal/lifecycle"
	"github.com/emberfell/hearthgate/internal/middleware"
	"github.com/emberfell/hearthgate/internal/ops"
	"github.com/emberfell/hearthgate/internal/ratelimit"
	"github.com/emberfell/hearthgate/internal/tools"
	"github.com/emberfell/hearthgate/pkg/config"
	"github.com/emberfell/hearthgate/pkg/logger"
	"github.com/emberfell/hearthgate/pkg/redis"
)

// version is set at build time via -ldflags "-X main.version=...".
var version = "dev"

func main() {
	configPath := flag.String("config", "", "path to a hearthgate.yaml config file")
	showVersion := flag.Bool("version", false, "print version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Printf("hearthgate %s\n", version)
		return
	}

	if err := run(*configPath); err != nil {
		fmt.Fprintf(os.Stderr, "hearthgate: %v\n", err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, v, err := config.Load(configPath)
	if err != nil {
		return err
	}

	// Sentry must be live before the logger ties its tee handler to the hub.
	if cfg.Sentry.Enabled() {
		environment := cfg.Sentry.Environment
		if environment == "" {
			environment = cfg.AppEnv
		}
		if err := sentry.Init(sentry.ClientOptions{
			Dsn:         cfg.Sentry.DSN,
			Environment: environment,
			SampleRate:  cfg.Sentry.SampleRate,
			Release:     "hearthgate@" + version,
		}); err != nil {
			return fmt.Errorf("init sentry: %w", err)
		}
	}

	log, level := logger.New(logger.Options{
		Level:          cfg.Log.Level,
		Format:         cfg.Log.Format,
		FilePath:       cfg.Log.File,
		FileMaxSizeMB:  cfg.Log.MaxSizeMB,
		FileMaxBackups: cfg.Log.MaxBackups,
		FileMaxAgeDays: cfg.Log.MaxAgeDays,
		SentryEnabled:  cfg.Sentry.Enabled(),
	})
	slog.SetDefault(log)

	log.Info("starting hearthgate",
		slog.String("version", version),
		slog.String("env", cfg.AppEnv),
		slog.Bool("sentry", cfg.Sentry.Enabled()),
	)

	config.Watch(v, log, func(next config.Config) {
		level.Set(logger.ParseLevel(next.Log.Level))
		log.Info("log level applied", slog.String("level", next.Log.Level))
	})

	shutdown := lifecycle.NewShutdown(log)
	if cfg.Sentry.Enabled() {
		shutdown.Register("sentry", func(context.Context) error {
			if !sentry.Flush(2 * time.Second) {
				return errors.New("sentry flush timed out")
			}
			return nil
		})
	}

	checker := health.NewChecker(log)

	limiter, err := buildLimiter(ctx, cfg, log, shutdown, checker)
	if err != nil {
		return err
	}

	client := homeassistant.NewClient(cfg.HomeAssistant.BaseURL, cfg.HomeAssistant.Token, cfg.HomeAssistant.Timeout, log)
	checker.AddCheck("home_assistant", client)
	if err := client.Ping(ctx); err != nil {
		log.Warn("home assistant unreachable at startup", slog.Any("error", err))
	}

	negotiator := homeassistant.NewFlowNegotiator(client.WebSocketURL(), client.Token(), cfg.Flow.Timeout, log)
	service := tools.NewService(*cfg, log, client, negotiator, limiter)

	server := mcp.NewServer(&mcp.Implementation{Name: "hearthgate", Version: version}, nil)
	server.AddReceivingMiddleware(middleware.Logging(log), middleware.Metrics())
	service.Register(server)

	if cfg.Ops.Enabled {
		opsServer := ops.New(cfg.Ops, checker, log)
		go func() {
			if err := opsServer.Run(ctx); err != nil {
				log.Error("ops server stopped", slog.Any("error", err))
			}
		}()
		log.Info("ops listener enabled", slog.String("addr", cfg.Ops.Addr))
	}

	log.Info("serving MCP over stdio")
	serveErr := server.Run(ctx, &mcp.StdioTransport{})
	if serveErr != nil && !errors.Is(serveErr, context.Canceled) {
		log.Error("mcp server stopped", slog.Any("error", serveErr))
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Ops.ShutdownTimeout)
	defer cancel()
	if err := shutdown.Execute(shutdownCtx); err != nil {
		log.Error("shutdown hooks failed", slog.Any("error", err))
	}

	log.Info("hearthgate stopped")
	if serveErr != nil && !errors.Is(serveErr, context.Canceled) {
		return serveErr
	}
	return nil
}

// buildLimiter picks the rate-limit backend. With a Redis address configured
// the budget is shared across instances and the in-memory limiter only backs
// up Redis outages; otherwise the budget is process-local.
func buildLimiter(
	ctx context.Context,
	cfg *config.Config,
	log *slog.Logger,
	shutdown *lifecycle.Shutdown,
	checker *health.Checker,
) (ratelimit.Limiter, error) {
	memory := ratelimit.NewWindowLimiter(log)
	go ratelimit.NewCleaner(memory, log, cfg.RateLimit.CleanupInterval, 2*longestWindow(cfg.RateLimit)).Run(ctx)

	if cfg.Redis.Addr == "" {
		log.Info("rate limiting in process memory")
		return memory, nil
	}

	rdb, err := redis.New(ctx, redis.Config{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	if err != nil {
		return nil, fmt.Errorf("connect redis: %w", err)
	}

	shutdown.Register("redis", func(context.Context) error {
		return rdb.Close()
	})
	checker.AddCheck("redis", health.NewRedisChecker(rdb))

	log.Info("rate limiting via redis", slog.String("addr", cfg.Redis.Addr))
	return ratelimit.NewAdaptiveLimiter(ratelimit.NewRedisLimiter(rdb, log), memory, log), nil
}

func longestWindow(cfg config.RateLimitConfig) time.Duration {
	longest := cfg.Window
	for _, rule := range cfg.Tools {
		if rule.Window > longest {
			longest = rule.Window
		}
	}
	return longest
}
