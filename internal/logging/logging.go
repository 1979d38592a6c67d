// Package logging holds the process-wide log level shared by every logger the
// runtime hands out.
package logging

import (
	"io"
	"log/slog"
	"strings"
)

var level = new(slog.LevelVar)

// SetLogLevel sets verbosity. Negative values keep only warnings and errors,
// zero is the default informational level, and positive values enable debug
// output with each step going one level lower.
func SetLogLevel(v int) {
	switch {
	case v < 0:
		level.Set(slog.LevelWarn)
	case v == 0:
		level.Set(slog.LevelInfo)
	default:
		level.Set(slog.LevelDebug - slog.Level(v-1))
	}
}

// Level returns the current process-wide level.
func Level() slog.Level { return level.Level() }

// ParseLevel maps a configured level name to a SetLogLevel verbosity.
func ParseLevel(name string) int {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "debug":
		return 1
	case "warn", "warning", "error":
		return -1
	default:
		return 0
	}
}

// New returns a logger writing to w. format is "json" or "text".
func New(w io.Writer, format string) *slog.Logger {
	opts := &slog.HandlerOptions{Level: level}
	if strings.EqualFold(format, "text") {
		return slog.New(slog.NewTextHandler(w, opts))
	}
	return slog.New(slog.NewJSONHandler(w, opts))
}

// Discard returns a logger that drops everything.
func Discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}
