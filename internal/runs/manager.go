// Package runs owns the lifecycle of script runs on behalf of callers: the
// HTTP API, the scheduler, remote stop requests and the `run` command.
//
// For every run the Manager picks a unique log file, writes the
// "Starting execution of <name>" line, hands the script to the supervisor
// and keeps a Run record that the supervisor's callbacks update. Finished
// runs are persisted to the history store (and queued for upload) and
// announced on the event bus.
package runs

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/stha-sanket/RPA-App/internal/events"
	"github.com/stha-sanket/RPA-App/internal/executor"
	"github.com/stha-sanket/RPA-App/internal/results"
	"github.com/stha-sanket/RPA-App/internal/runlog"
)

// Errors returned by the Manager.
var (
	ErrNotFound       = errors.New("run not found")
	ErrNotRunning     = errors.New("run is not running")
	ErrUnsupported    = errors.New("unsupported script type")
	ErrShuttingDown   = errors.New("runner is shutting down")
	ErrEmptyScriptArg = errors.New("script path is required")
)

// Store persists finished runs.
type Store interface {
	Save(rec *results.Record, report bool) error
	Get(id string) (*results.Record, error)
	Recent(limit int) ([]*results.Record, error)
}

// Notifier announces run events.
type Notifier interface {
	PublishStarted(msg *events.RunStartedMessage) error
	PublishStatus(msg *events.RunStatusMessage) error
	PublishResult(ctx context.Context, msg *events.RunResultMessage) error
}

// Config configures a Manager.
type Config struct {
	LogDir     string
	ScriptsDir string

	// Report queues finished runs for upload.
	Report bool

	// CleanupOnExit removes the log files of this process's runs at Shutdown.
	CleanupOnExit bool

	// Host names this runner in events.
	Host string
}

// Options describe a run request.
type Options struct {
	// Name is the display name. Default: base name of the script path.
	Name string
	// Source identifies the caller, e.g. "api", "cli" or "schedule:nightly".
	Source string
	// Uploaded marks the script as owned by the runner; it is deleted at Shutdown.
	Uploaded bool
}

// Manager starts runs and tracks them.
type Manager struct {
	cfg        Config
	supervisor *executor.Supervisor
	logs       *runlog.Factory
	store      Store
	notifier   Notifier
	logger     *slog.Logger

	// base outlives request contexts; runs are stopped by Stop or Shutdown.
	base   context.Context
	cancel context.CancelFunc

	mu       sync.RWMutex
	runs     map[string]*Run
	order    []string
	uploads  []string
	stopping bool
}

// NewManager creates a Manager. store and notifier may be nil.
func NewManager(cfg Config, supervisor *executor.Supervisor, logs *runlog.Factory, store Store, notifier Notifier, logger *slog.Logger) *Manager {
	base, cancel := context.WithCancel(context.Background())
	return &Manager{
		cfg:        cfg,
		supervisor: supervisor,
		logs:       logs,
		store:      store,
		notifier:   notifier,
		logger:     logger.With(slog.String("component", "runs")),
		base:       base,
		cancel:     cancel,
		runs:       make(map[string]*Run),
	}
}

// Start launches scriptPath and returns its Run immediately.
func (m *Manager) Start(scriptPath string, opts Options) (*Run, error) {
	if scriptPath == "" {
		return nil, ErrEmptyScriptArg
	}
	if err := os.MkdirAll(m.cfg.LogDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create log directory: %w", err)
	}

	m.mu.Lock()
	if m.stopping {
		m.mu.Unlock()
		return nil, ErrShuttingDown
	}
	m.mu.Unlock()

	if opts.Name == "" {
		opts.Name = filepath.Base(scriptPath)
	}

	id := uuid.NewString()
	run := &Run{
		ID:         id,
		ScriptName: opts.Name,
		ScriptPath: scriptPath,
		LogFile:    filepath.Join(m.cfg.LogDir, time.Now().Format("20060102-150405")+"-"+id+".log"),
		Source:     opts.Source,
		Uploaded:   opts.Uploaded,
		StartedAt:  time.Now(),
		status:     executor.StatusRunning,
		running:    true,
		ready:      make(chan struct{}),
	}

	sink, err := m.logs.Create(run.LogFile, run.LogFile)
	if err != nil {
		return nil, fmt.Errorf("failed to create run log: %w", err)
	}
	sink.Info("Starting execution of " + run.ScriptName)
	if err := m.logs.Release(sink); err != nil {
		return nil, fmt.Errorf("failed to write run log: %w", err)
	}

	if opts.Uploaded {
		m.mu.Lock()
		m.uploads = append(m.uploads, scriptPath)
		m.mu.Unlock()
	}

	m.publish(func(n Notifier) error {
		return n.PublishStarted(&events.RunStartedMessage{
			RunID:     id,
			Script:    run.ScriptName,
			Source:    run.Source,
			Host:      m.cfg.Host,
			StartedAt: run.StartedAt.UTC().Format(time.RFC3339),
		})
	})
	m.publish(func(n Notifier) error {
		return n.PublishStatus(&events.RunStatusMessage{RunID: id, Status: string(executor.StatusRunning)})
	})

	m.logger.Info("run submitted",
		slog.String("run_id", id),
		slog.String("script", scriptPath),
		slog.String("source", run.Source),
	)

	run.handle = m.supervisor.ExecuteScriptWithID(m.base, id, scriptPath, run.LogFile, m.callbacks(run))
	close(run.ready)

	m.mu.Lock()
	m.runs[id] = run
	m.order = append(m.order, id)
	m.mu.Unlock()

	return run, nil
}

// Launch starts a run for the scheduler.
func (m *Manager) Launch(_ context.Context, scriptPath, source string) (string, <-chan struct{}, error) {
	run, err := m.Start(scriptPath, Options{Source: source})
	if err != nil {
		return "", nil, err
	}
	return run.ID, run.Done(), nil
}

func (m *Manager) callbacks(run *Run) executor.Callbacks {
	return executor.Callbacks{
		OnStatusChange: func(s executor.Status) {
			run.mu.Lock()
			run.status = s
			run.mu.Unlock()

			m.publish(func(n Notifier) error {
				return n.PublishStatus(&events.RunStatusMessage{RunID: run.ID, Status: string(s)})
			})
		},
		OnResult: func(v any) {
			run.mu.Lock()
			run.result = v
			run.mu.Unlock()
		},
		OnComplete: func() {
			m.complete(run)
		},
	}
}

// complete runs on the supervisor's run goroutine after the result is known.
func (m *Manager) complete(run *Run) {
	<-run.ready
	final, _ := run.handle.Result()

	run.mu.Lock()
	run.running = false
	run.finishedAt = time.Now()
	run.final = final
	run.mu.Unlock()

	rec := run.record()

	if m.store != nil {
		if err := m.store.Save(rec, m.cfg.Report); err != nil {
			m.logger.Error("failed to persist run",
				slog.String("run_id", run.ID),
				slog.String("error", err.Error()),
			)
		}
	}

	m.publish(func(n Notifier) error {
		return n.PublishResult(context.Background(), &events.RunResultMessage{
			RunID:      rec.ID,
			Script:     rec.ScriptName,
			Status:     rec.Status,
			Result:     rec.Result,
			ExitCode:   rec.ExitCode,
			TimedOut:   rec.TimedOut,
			DurationMs: rec.DurationMs,
			Error:      rec.Error,
		})
	})

	m.logger.Info("run finished",
		slog.String("run_id", run.ID),
		slog.String("status", rec.Status),
		slog.Int64("duration_ms", rec.DurationMs),
	)
}

// publish sends an event when a notifier is configured. Failures are logged.
func (m *Manager) publish(fn func(Notifier) error) {
	if m.notifier == nil {
		return
	}
	if err := fn(m.notifier); err != nil {
		m.logger.Debug("failed to publish run event", slog.String("error", err.Error()))
	}
}

// Get returns a run started by this process.
func (m *Manager) Get(id string) (*Run, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	run, ok := m.runs[id]
	return run, ok
}

// Lookup returns a run from this process or, failing that, from history.
func (m *Manager) Lookup(id string) (View, error) {
	if run, ok := m.Get(id); ok {
		return run.View(), nil
	}
	if m.store != nil {
		rec, err := m.store.Get(id)
		if err == nil {
			return viewFromRecord(rec), nil
		}
		if !errors.Is(err, results.ErrNotFound) {
			return View{}, err
		}
	}
	return View{}, ErrNotFound
}

// List returns this process's runs, newest first, followed by older history
// up to limit entries in total. limit <= 0 means no limit.
func (m *Manager) List(limit int) ([]View, error) {
	m.mu.RLock()
	views := make([]View, 0, len(m.order))
	seen := make(map[string]bool, len(m.order))
	for i := len(m.order) - 1; i >= 0; i-- {
		id := m.order[i]
		views = append(views, m.runs[id].View())
		seen[id] = true
	}
	m.mu.RUnlock()

	if m.store != nil {
		recs, err := m.store.Recent(limit)
		if err != nil {
			return nil, err
		}
		for _, rec := range recs {
			if !seen[rec.ID] {
				views = append(views, viewFromRecord(rec))
			}
		}
	}

	if limit > 0 && len(views) > limit {
		views = views[:limit]
	}
	return views, nil
}

// Running returns the number of runs still in flight.
func (m *Manager) Running() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	n := 0
	for _, run := range m.runs {
		if run.Running() {
			n++
		}
	}
	return n
}

// Stop stops a running run. The run ends Stopped once its process group is
// gone and its output is drained.
func (m *Manager) Stop(id string) error {
	run, ok := m.Get(id)
	if !ok {
		return ErrNotFound
	}
	if !run.Running() {
		return ErrNotRunning
	}
	m.logger.Info("stopping run", slog.String("run_id", id))
	run.handle.Cancel()
	return nil
}

// StopRun implements events.ControlHandler.
func (m *Manager) StopRun(id string) error {
	return m.Stop(id)
}

// Usage samples the resource usage of a running run's process.
func (m *Manager) Usage(ctx context.Context, id string) (*executor.Usage, error) {
	run, ok := m.Get(id)
	if !ok {
		return nil, ErrNotFound
	}
	return run.handle.Usage(ctx)
}

// ScriptContent returns the source of a run's script.
func (m *Manager) ScriptContent(id string) (string, error) {
	view, err := m.Lookup(id)
	if err != nil {
		return "", err
	}
	data, err := os.ReadFile(view.ScriptPath)
	if err != nil {
		return "", fmt.Errorf("failed to read script: %w", err)
	}
	return string(data), nil
}

// Shutdown stops accepting runs, stops in-flight runs, waits for their
// callbacks and removes uploaded scripts (and, when configured, run logs).
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	m.stopping = true
	m.mu.Unlock()

	m.cancel()
	err := m.supervisor.Shutdown(ctx)

	m.cleanup()
	return err
}

func (m *Manager) cleanup() {
	m.mu.RLock()
	paths := append([]string(nil), m.uploads...)
	if m.cfg.CleanupOnExit {
		for _, run := range m.runs {
			paths = append(paths, run.LogFile)
		}
	}
	m.mu.RUnlock()

	for _, p := range paths {
		if err := os.Remove(p); err != nil && !errors.Is(err, os.ErrNotExist) {
			m.logger.Warn("cleanup failed", slog.String("path", p), slog.String("error", err.Error()))
		}
	}
	if len(paths) > 0 {
		m.logger.Info("cleaned up run files", slog.Int("files", len(paths)))
	}
}
