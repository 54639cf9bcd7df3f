// Package logging configures the daemon's structured logger from the
// agent.log_level configuration field.
package logging

import (
	"io"
	"log/slog"
	"strings"
)

// Setup builds a slog.Logger writing to w at the configured level.
// format is "json" or "text"; unknown values fall back to text. The
// returned logger is also installed as slog's process default so
// packages that were handed a nil logger still emit structured lines.
func Setup(w io.Writer, level, format string) *slog.Logger {
	opts := &slog.HandlerOptions{Level: parseLevel(level)}

	var handler slog.Handler
	if strings.EqualFold(format, "json") {
		handler = slog.NewJSONHandler(w, opts)
	} else {
		handler = slog.NewTextHandler(w, opts)
	}

	logger := slog.New(handler)
	slog.SetDefault(logger)
	return logger
}

func parseLevel(level string) slog.Level {
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
