// Package logging builds the process-wide slog logger.
package logging

import (
	"log/slog"
	"os"
)

// NewLogger returns the daemon logger for the given environment.
// Production emits JSON at info level for log shippers; anything else is
// treated as a development build and emits text at debug level, which
// includes per-frame push logging.
func NewLogger(env string) *slog.Logger {
	if env == "production" {
		return slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
			Level: slog.LevelInfo,
		}))
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelDebug,
	}))
}
