package stats

import (
	"context"
	"io"
	"log/slog"
	"runtime"
	"testing"
	"time"
)

func nopLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestCollect(t *testing.T) {
	dir := t.TempDir()
	s, err := NewCollector(dir, nopLogger()).Collect(context.Background())
	if err != nil {
		t.Fatalf("Collect failed: %v", err)
	}

	t.Run("identity", func(t *testing.T) {
		if time.Since(s.Timestamp) > 5*time.Second {
			t.Error("timestamp is not recent")
		}
		if s.OS != runtime.GOOS || s.Arch != runtime.GOARCH {
			t.Errorf("got %s/%s, want %s/%s", s.OS, s.Arch, runtime.GOOS, runtime.GOARCH)
		}
		if s.CPUCount < 1 {
			t.Errorf("CPUCount = %d", s.CPUCount)
		}
	})

	t.Run("percentages in range", func(t *testing.T) {
		for name, pct := range map[string]float64{
			"cpu":    s.CPUPercent,
			"memory": s.MemoryPct,
			"disk":   s.DiskPct,
		} {
			if pct < 0 || pct > 100 {
				t.Errorf("%s percentage out of range: %v", name, pct)
			}
		}
	})

	t.Run("memory and disk", func(t *testing.T) {
		if s.MemoryTotal == 0 || s.MemoryUsed > s.MemoryTotal {
			t.Errorf("memory used %d of %d", s.MemoryUsed, s.MemoryTotal)
		}
		if s.DiskPath != dir {
			t.Errorf("DiskPath = %q, want %q", s.DiskPath, dir)
		}
		if s.DiskTotal == 0 || s.DiskUsed > s.DiskTotal {
			t.Errorf("disk used %d of %d", s.DiskUsed, s.DiskTotal)
		}
	})
}

func TestCollectDefaultsToRoot(t *testing.T) {
	c := NewCollector("", nopLogger())
	if c.diskPath != "/" {
		t.Errorf("diskPath = %q, want /", c.diskPath)
	}
}

func TestCollectCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if _, err := NewCollector("/", nopLogger()).Collect(ctx); err == nil {
		t.Error("expected error for cancelled context")
	}
}
