// Package logging builds the process-wide structured logger. Every binary of
// the gateway (api, worker, submitter) logs JSON to stdout with a "service"
// attribute so the three log streams can be told apart when aggregated.
package logging

import (
	"log/slog"
	"os"
	"strings"
)

// NewJSONLogger constructs the service logger and installs it as the slog
// default, so packages that log through the default logger (HTTP access
// logging) inherit the same handler and service attribute.
func NewJSONLogger(service, level string) *slog.Logger {
	handler := slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: parseLevel(level),
	})
	logger := slog.New(handler).With("service", service)
	slog.SetDefault(logger)
	return logger
}

// parseLevel maps the LOG_LEVEL setting onto slog levels; anything
// unrecognized falls back to info rather than failing startup.
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
