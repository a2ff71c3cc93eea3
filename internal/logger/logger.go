package logger

import (
	"context"
	"log/slog"
	"os"
	"time"

	"github.com/lmittmann/tint"
)

// LevelTrace sits below debug and carries stale-result notices.
const LevelTrace = slog.LevelDebug - 4

func ParseLevel(level string) slog.Level {
	switch level {
	case "trace":
		return LevelTrace
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func Setup(level string) {
	handler := tint.NewHandler(os.Stderr, &tint.Options{
		Level:      ParseLevel(level),
		TimeFormat: time.TimeOnly,
	})

	logger := slog.New(handler)
	slog.SetDefault(logger)
}

// Trace logs at LevelTrace through the default logger.
func Trace(ctx context.Context, msg string, args ...any) {
	slog.Log(ctx, LevelTrace, msg, append(args, contextAttrs(ctx)...)...)
}
