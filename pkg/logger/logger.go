package logger

import (
	"io"
	"log/slog"
	"os"
	"strings"

	slogsentry "github.com/samber/slog-sentry/v2"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Options describe the handler chain New assembles.
type Options struct {
	Level  string // debug, info, warn or error
	Format string // json or text

	// FilePath switches the sink from stderr to a rotating file.
	FilePath       string
	FileMaxSizeMB  int
	FileMaxBackups int
	FileMaxAgeDays int

	// SentryEnabled tees warn and error records to Sentry.
	SentryEnabled bool
}

// New builds the process logger. Every record passes credential masking
// before it reaches a sink. The console sink is stderr: stdout belongs to
// the MCP transport. The returned LevelVar adjusts verbosity at runtime.
func New(opts Options) (*slog.Logger, *slog.LevelVar) {
	level := new(slog.LevelVar)
	level.Set(ParseLevel(opts.Level))

	var sink io.Writer = os.Stderr
	if opts.FilePath != "" {
		sink = &lumberjack.Logger{
			Filename:   opts.FilePath,
			MaxSize:    opts.FileMaxSizeMB,
			MaxBackups: opts.FileMaxBackups,
			MaxAge:     opts.FileMaxAgeDays,
			Compress:   true,
		}
	}

	handlerOpts := &slog.HandlerOptions{Level: level}

	var base slog.Handler
	if strings.EqualFold(opts.Format, "text") {
		base = slog.NewTextHandler(sink, handlerOpts)
	} else {
		base = slog.NewJSONHandler(sink, handlerOpts)
	}

	if opts.SentryEnabled {
		sentryHandler := slogsentry.Option{Level: slog.LevelWarn}.NewSentryHandler()
		base = newTeeHandler(base, sentryHandler)
	}

	return slog.New(NewMaskingHandler(base)), level
}

// ParseLevel maps a config string to a slog level, defaulting to info.
func ParseLevel(level string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
