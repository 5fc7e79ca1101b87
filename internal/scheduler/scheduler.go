package scheduler

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Launcher starts a run of a script. done is closed when the run finishes.
type Launcher interface {
	Launch(ctx context.Context, scriptPath, source string) (runID string, done <-chan struct{}, err error)
}

// Scheduler checks for due schedules on a fixed tick and launches them.
// A schedule whose previous run is still in flight is skipped for that
// activation rather than started twice.
type Scheduler struct {
	cache    *StateCache
	launcher Launcher
	logger   *slog.Logger
	interval time.Duration
	now      func() time.Time

	mu       sync.Mutex
	inflight map[string]<-chan struct{}
}

// New creates a scheduler. interval <= 0 defaults to 30 seconds.
func New(cache *StateCache, launcher Launcher, interval time.Duration, logger *slog.Logger) *Scheduler {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &Scheduler{
		cache:    cache,
		launcher: launcher,
		logger:   logger.With(slog.String("component", "scheduler")),
		interval: interval,
		now:      time.Now,
		inflight: make(map[string]<-chan struct{}),
	}
}

// Run starts the scheduler loop and blocks until ctx is cancelled.
// Overdue schedules are processed immediately on start.
func (s *Scheduler) Run(ctx context.Context) {
	s.logger.Info("scheduler started", slog.Duration("interval", s.interval))
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.Tick(ctx)

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("scheduler stopping")
			return
		case <-ticker.C:
			s.Tick(ctx)
		}
	}
}

// Tick launches every due schedule once.
func (s *Scheduler) Tick(ctx context.Context) {
	now := s.now()
	due, err := s.cache.Due(now)
	if err != nil {
		s.logger.Error("failed to get due schedules",
			slog.String("error", err.Error()),
		)
		return
	}

	if len(due) == 0 {
		s.logger.Debug("no due schedules")
		return
	}

	for _, st := range due {
		s.launch(ctx, st, now)
	}
}

func (s *Scheduler) launch(ctx context.Context, st *State, now time.Time) {
	logger := s.logger.With(
		slog.String("schedule", st.Name),
		slog.String("script", st.Script),
	)

	if s.busy(st.Name) {
		logger.Warn("previous run still in progress, skipping activation")
		s.advance(logger, st, now)
		return
	}

	runID, done, err := s.launcher.Launch(ctx, st.Script, "schedule:"+st.Name)
	if err != nil {
		logger.Error("failed to launch scheduled run", slog.String("error", err.Error()))
		st.LastError = err.Error()
	} else {
		logger.Info("scheduled run started", slog.String("run_id", runID))
		st.LastRunID = runID
		st.LastError = ""
		s.mu.Lock()
		s.inflight[st.Name] = done
		s.mu.Unlock()
	}
	st.LastRunAt = now

	s.advance(logger, st, now)
}

// busy reports whether the schedule's last run has not finished.
func (s *Scheduler) busy(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	done, ok := s.inflight[name]
	if !ok {
		return false
	}
	select {
	case <-done:
		delete(s.inflight, name)
		return false
	default:
		return true
	}
}

// advance calculates and saves the next run time.
func (s *Scheduler) advance(logger *slog.Logger, st *State, now time.Time) {
	st.NextRunAt = s.cache.NextRun(st, now)
	if err := s.cache.Save(st); err != nil {
		logger.Error("failed to update next run time", slog.String("error", err.Error()))
		return
	}
	logger.Debug("updated next run time", slog.Time("next_run_at", st.NextRunAt))
}

// Shutdown is a no-op; the loop stops with its context and in-flight runs
// belong to the run manager.
func (s *Scheduler) Shutdown(ctx context.Context) error {
	s.logger.Info("scheduler shutdown initiated")
	return nil
}
