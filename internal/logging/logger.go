// Package logging configures the process-wide slog logger.
package logging

import (
	"io"
	"log/slog"
	"os"
	"strings"
)

// Init installs a JSON logger on stdout as the default and returns it.
// component is attached to every record.
func Init(component, level string) *slog.Logger {
	logger := New(os.Stdout, level).With("component", component, "pid", os.Getpid())
	slog.SetDefault(logger)
	return logger
}

// New returns a redacting JSON logger writing to w.
func New(w io.Writer, level string) *slog.Logger {
	var handler slog.Handler = slog.NewJSONHandler(w, &slog.HandlerOptions{
		Level: ParseLevel(level),
	})
	handler = newRedactingHandler(handler)
	return slog.New(handler)
}

// ParseLevel maps a level name to slog.Level, defaulting to info.
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
