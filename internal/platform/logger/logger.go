// Package logger builds the process-wide structured logger and the HTTP
// request logging middleware.
package logger

import (
	"log/slog"
	"os"
	"strings"
)

// New returns a structured logger writing to stdout.
// level: "debug", "info", "warn", "error" (default "info").
// format: "json" or "text" (default "json"); text is the readable choice
// when watching pipeline lifecycles on a serial console.
func New(level, format string) *slog.Logger {
	var lvl slog.Level
	switch strings.ToLower(level) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: lvl}

	var h slog.Handler
	if strings.ToLower(format) == "text" {
		h = slog.NewTextHandler(os.Stdout, opts)
	} else {
		h = slog.NewJSONHandler(os.Stdout, opts)
	}

	return slog.New(h)
}
