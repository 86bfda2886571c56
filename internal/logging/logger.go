// Package logging provides structured logging configuration using log/slog.
//
// The whole program logs through the default slog logger; Setup is called
// once from main after configuration is loaded. Subsystems derive scoped
// loggers with ForComponent so runs are easy to filter.
package logging

import (
	"log/slog"
	"os"
	"strings"
)

// Setup configures the global slog logger based on level and format.
//
// Level values: "debug", "info", "warn", "error" (default: "info")
// Format values: "text", "json" (default: "text")
//
// Use "json" format when output is collected by a log pipeline,
// "text" for interactive runs.
func Setup(level, format string) {
	opts := &slog.HandlerOptions{
		Level: parseLevel(level),
	}

	var handler slog.Handler
	if strings.ToLower(format) == "json" {
		handler = slog.NewJSONHandler(os.Stderr, opts)
	} else {
		handler = slog.NewTextHandler(os.Stderr, opts)
	}

	slog.SetDefault(slog.New(handler))
}

// parseLevel converts a string log level to slog.Level.
func parseLevel(level string) slog.Level {
	switch strings.ToLower(level) {
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

// ForComponent returns a logger tagged with the originating subsystem.
//
// Usage:
//
//	log := logging.ForComponent("importer")
//	log.Info("import started", "date", date)
func ForComponent(name string) *slog.Logger {
	return slog.Default().With("component", name)
}
