// Package logging provides structured process logging for the RPA runner.
//
// Process logs are JSON (journald compatible when serving under systemd) and
// are distinct from per-run log files, which live in package runlog. The
// foreground `run` command logs to stderr so stdout carries only the
// script's status and result.
//
// Usage:
//
//	logger := logging.SetupLogger("info")
//	supLog := logging.WithComponent(logger, "supervisor")
package logging

import (
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
)

// SetupLogger creates a JSON logger writing to stdout at the given level and
// installs it as the slog default.
func SetupLogger(level string) *slog.Logger {
	logger := New(os.Stdout, level)
	slog.SetDefault(logger)
	return logger
}

// New creates a JSON logger writing to w. Invalid levels default to info.
func New(w io.Writer, level string) *slog.Logger {
	opts := &slog.HandlerOptions{
		Level:       parseLevel(level),
		AddSource:   true,
		ReplaceAttr: shortenSource,
	}
	return slog.New(slog.NewJSONHandler(w, opts))
}

// shortenSource trims source paths to start at internal/ or cmd/.
func shortenSource(_ []string, a slog.Attr) slog.Attr {
	if a.Key != slog.SourceKey {
		return a
	}
	source, ok := a.Value.Any().(*slog.Source)
	if !ok {
		return a
	}
	source.File = trimToModule(source.File, true)
	source.Function = trimToModule(source.Function, false)
	return a
}

func trimToModule(s string, isFile bool) string {
	for _, marker := range []string{"internal/", "cmd/"} {
		if idx := strings.Index(s, marker); idx != -1 {
			return s[idx:]
		}
	}
	if isFile {
		return filepath.Base(s)
	}
	return s
}

// parseLevel converts a string log level to slog.Level.
// Accepts: "debug", "info", "warn", "error" (case-insensitive).
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

// WithComponent returns a logger tagged with a component attribute.
func WithComponent(logger *slog.Logger, component string) *slog.Logger {
	return logger.With(slog.String("component", component))
}
