package scheduler

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/stha-sanket/RPA-App/internal/config"
)

func openCache(t *testing.T) *StateCache {
	t.Helper()
	c, err := OpenStateCache(filepath.Join(t.TempDir(), "schedules.db"))
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	return c
}

type fakeLauncher struct {
	mu      sync.Mutex
	calls   []string
	done    chan struct{}
	failing bool
}

func (f *fakeLauncher) Launch(_ context.Context, script, source string) (string, <-chan struct{}, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failing {
		return "", nil, errors.New("script missing")
	}
	f.calls = append(f.calls, source+"|"+script)
	return "run-" + source, f.done, nil
}

func (f *fakeLauncher) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestCronParserNextRun(t *testing.T) {
	p := NewCronParser()
	after := time.Date(2025, 1, 29, 12, 30, 0, 0, time.UTC)

	next, err := p.NextRun("0 2 * * *", after)
	require.NoError(t, err)
	require.Equal(t, time.Date(2025, 1, 30, 2, 0, 0, 0, time.UTC), next)

	next, err = p.NextRun("@every 10m", after)
	require.NoError(t, err)
	require.Equal(t, after.Add(10*time.Minute), next)

	_, err = p.NextRun("bogus", after)
	require.Error(t, err)
}

func TestSyncKeepsUnchangedState(t *testing.T) {
	c := openCache(t)
	now := time.Date(2025, 1, 29, 12, 0, 0, 0, time.UTC)

	schedules := []config.Schedule{
		{Name: "poll", Script: "/opt/poll.sh", IntervalMinutes: 5},
		{Name: "gone", Script: "/opt/gone.sh", IntervalMinutes: 1},
	}
	require.NoError(t, c.Sync(schedules, now))

	st, err := c.Get("poll")
	require.NoError(t, err)
	require.Equal(t, now.Add(5*time.Minute), st.NextRunAt)

	st.LastRunID = "abc"
	require.NoError(t, c.Save(st))

	// Same trigger keeps state; removed schedule is dropped; changed one resets.
	later := now.Add(time.Minute)
	require.NoError(t, c.Sync([]config.Schedule{
		{Name: "poll", Script: "/opt/poll.sh", IntervalMinutes: 5},
		{Name: "nightly", Script: "/opt/n.py", Cron: "0 2 * * *"},
	}, later))

	st, err = c.Get("poll")
	require.NoError(t, err)
	require.Equal(t, "abc", st.LastRunID)
	require.Equal(t, now.Add(5*time.Minute), st.NextRunAt)

	gone, err := c.Get("gone")
	require.NoError(t, err)
	require.Nil(t, gone)

	all, err := c.All()
	require.NoError(t, err)
	require.Len(t, all, 2)
}

func TestTickLaunchesDueAndAdvances(t *testing.T) {
	c := openCache(t)
	now := time.Date(2025, 1, 29, 12, 0, 0, 0, time.UTC)
	require.NoError(t, c.Sync([]config.Schedule{
		{Name: "poll", Script: "/opt/poll.sh", IntervalMinutes: 5},
	}, now.Add(-10*time.Minute)))

	done := make(chan struct{})
	close(done)
	launcher := &fakeLauncher{done: done}
	s := New(c, launcher, time.Hour, discardLogger())
	s.now = func() time.Time { return now }

	s.Tick(context.Background())
	require.Equal(t, 1, launcher.count())
	require.Equal(t, "schedule:poll|/opt/poll.sh", launcher.calls[0])

	st, err := c.Get("poll")
	require.NoError(t, err)
	require.Equal(t, now.Add(5*time.Minute), st.NextRunAt)
	require.Equal(t, "run-schedule:poll", st.LastRunID)

	// Not due again until the next activation.
	s.Tick(context.Background())
	require.Equal(t, 1, launcher.count())
}

func TestTickSkipsOverlappingRun(t *testing.T) {
	c := openCache(t)
	now := time.Date(2025, 1, 29, 12, 0, 0, 0, time.UTC)
	require.NoError(t, c.Sync([]config.Schedule{
		{Name: "slow", Script: "/opt/slow.sh", IntervalMinutes: 1},
	}, now.Add(-time.Hour)))

	launcher := &fakeLauncher{done: make(chan struct{})}
	s := New(c, launcher, time.Hour, discardLogger())

	s.now = func() time.Time { return now }
	s.Tick(context.Background())

	s.now = func() time.Time { return now.Add(2 * time.Minute) }
	s.Tick(context.Background())
	require.Equal(t, 1, launcher.count(), "overlapping activation should be skipped")

	close(launcher.done)
	s.now = func() time.Time { return now.Add(4 * time.Minute) }
	s.Tick(context.Background())
	require.Equal(t, 2, launcher.count())
}

func TestTickRecordsLaunchError(t *testing.T) {
	c := openCache(t)
	now := time.Date(2025, 1, 29, 12, 0, 0, 0, time.UTC)
	require.NoError(t, c.Sync([]config.Schedule{
		{Name: "broken", Script: "/missing.py", IntervalMinutes: 1},
	}, now.Add(-time.Hour)))

	s := New(c, &fakeLauncher{failing: true}, time.Hour, discardLogger())
	s.now = func() time.Time { return now }
	s.Tick(context.Background())

	st, err := c.Get("broken")
	require.NoError(t, err)
	require.Equal(t, "script missing", st.LastError)
	require.True(t, st.NextRunAt.After(now))
}
