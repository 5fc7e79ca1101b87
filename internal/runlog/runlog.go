// Package runlog provides the per-run log sink used by the script supervisor.
//
// Each run writes to exactly one file. Lines have the form
//
//	2025-01-29 12:00:00,123 - INFO - message
//
// and nothing is ever written to the process's own stdout/stderr, so
// concurrent runs never interleave on the console.
//
// Sinks are handed out by a Factory keyed by logger name. Creating a sink
// under a name the factory already holds closes the previous sink first, so a
// sink left over from an earlier run can no longer write anywhere.
//
// Usage:
//
//	sink, err := runlog.Create("/var/lib/rpa-runner/logs/abc.log")
//	sink.Info("Starting execution of job.py")
//	sink.Error("Traceback (most recent call last):")
package runlog

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"
)

// TimeLayout is the timestamp layout of every log line (local time).
const TimeLayout = "2006-01-02 15:04:05,000"

// DefaultName is the logger name used by Create.
const DefaultName = "rpa_runner"

// Severity labels written to the file.
const (
	LevelInfo  = "INFO"
	LevelError = "ERROR"
)

// ErrClosed is returned by Close on a sink that was already closed or replaced.
var ErrClosed = errors.New("runlog: sink closed")

// Logger is a sink bound to one log file.
// Info and Error are synchronous and safe for concurrent use.
type Logger struct {
	name   string
	path   string
	sink   *fileSink
	logger *slog.Logger
}

// Info appends an INFO line.
func (l *Logger) Info(msg string) {
	l.logger.Info(msg)
}

// Error appends an ERROR line.
func (l *Logger) Error(msg string) {
	l.logger.Error(msg)
}

// Slog exposes the sink as a *slog.Logger. Attributes are appended to the
// message as key=value pairs.
func (l *Logger) Slog() *slog.Logger {
	return l.logger
}

// Path returns the file the sink writes to.
func (l *Logger) Path() string {
	return l.path
}

// Name returns the logger name the sink was created under.
func (l *Logger) Name() string {
	return l.name
}

// Err returns the first write error seen by the sink, if any.
// Info and Error never report failures themselves.
func (l *Logger) Err() error {
	return l.sink.firstErr()
}

// Close flushes and closes the underlying file. Later writes are dropped.
func (l *Logger) Close() error {
	return l.sink.close()
}

// Factory creates sinks and tracks the current sink per logger name.
type Factory struct {
	mu    sync.Mutex
	sinks map[string]*Logger
}

// NewFactory creates an empty Factory.
func NewFactory() *Factory {
	return &Factory{
		sinks: make(map[string]*Logger),
	}
}

// Create opens (or creates) path in append mode and returns a sink for it,
// registered under name. Any sink previously registered under name is closed.
//
// The parent directory must exist. Uniqueness of path per run is the
// caller's responsibility; reusing a path is last-writer-wins.
func (f *Factory) Create(name, path string) (*Logger, error) {
	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open log file %s: %w", path, err)
	}

	sink := &fileSink{file: file}
	l := &Logger{
		name:   name,
		path:   path,
		sink:   sink,
		logger: slog.New(&lineHandler{sink: sink}),
	}

	f.mu.Lock()
	prev := f.sinks[name]
	f.sinks[name] = l
	f.mu.Unlock()

	if prev != nil {
		_ = prev.Close()
	}
	return l, nil
}

// Release closes l and forgets it if it is still the current sink for its name.
func (f *Factory) Release(l *Logger) error {
	f.mu.Lock()
	if f.sinks[l.name] == l {
		delete(f.sinks, l.name)
	}
	f.mu.Unlock()

	err := l.Close()
	if errors.Is(err, ErrClosed) {
		return nil
	}
	return err
}

// defaultFactory backs the package-level Create.
var defaultFactory = NewFactory()

// Create is a convenience wrapper around the default factory using DefaultName.
func Create(path string) (*Logger, error) {
	return defaultFactory.Create(DefaultName, path)
}

// fileSink serializes line writes to one file and remembers the first failure.
type fileSink struct {
	mu     sync.Mutex
	file   *os.File
	closed bool
	err    error
}

func (s *fileSink) write(line []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	if _, err := s.file.Write(line); err != nil {
		if s.err == nil {
			s.err = fmt.Errorf("write %s: %w", s.file.Name(), err)
		}
		return err
	}
	return nil
}

func (s *fileSink) firstErr() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func (s *fileSink) close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrClosed
	}
	s.closed = true
	return s.file.Close()
}

// lineHandler is a slog.Handler producing "<time> - <LEVEL> - <message>".
type lineHandler struct {
	sink  *fileSink
	attrs []slog.Attr
}

func (h *lineHandler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= slog.LevelInfo
}

func (h *lineHandler) Handle(_ context.Context, r slog.Record) error {
	var b strings.Builder
	b.WriteString(r.Time.Format(TimeLayout))
	b.WriteString(" - ")
	b.WriteString(levelLabel(r.Level))
	b.WriteString(" - ")
	b.WriteString(escapeNewlines(r.Message))

	writeAttr := func(a slog.Attr) bool {
		if a.Equal(slog.Attr{}) {
			return true
		}
		b.WriteByte(' ')
		b.WriteString(a.Key)
		b.WriteByte('=')
		b.WriteString(escapeNewlines(a.Value.String()))
		return true
	}
	for _, a := range h.attrs {
		writeAttr(a)
	}
	r.Attrs(writeAttr)
	b.WriteByte('\n')

	return h.sink.write([]byte(b.String()))
}

func (h *lineHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	merged := make([]slog.Attr, 0, len(h.attrs)+len(attrs))
	merged = append(merged, h.attrs...)
	merged = append(merged, attrs...)
	return &lineHandler{sink: h.sink, attrs: merged}
}

// WithGroup is a no-op: run logs are flat.
func (h *lineHandler) WithGroup(string) slog.Handler {
	return h
}

func levelLabel(level slog.Level) string {
	switch {
	case level >= slog.LevelError:
		return LevelError
	case level >= slog.LevelWarn:
		return "WARNING"
	case level >= slog.LevelInfo:
		return LevelInfo
	default:
		return "DEBUG"
	}
}

// escapeNewlines keeps one message on one line.
func escapeNewlines(s string) string {
	if !strings.ContainsAny(s, "\r\n") {
		return s
	}
	s = strings.ReplaceAll(s, "\r", `\r`)
	return strings.ReplaceAll(s, "\n", `\n`)
}
