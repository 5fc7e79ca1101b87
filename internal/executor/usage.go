package executor

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shirou/gopsutil/v4/process"
)

// ErrNotRunning is returned by Usage when the run has no live process.
var ErrNotRunning = errors.New("no running process")

// Usage is a point-in-time resource sample of a run's child process.
type Usage struct {
	PID        int           `json:"pid"`
	CPUPercent float64       `json:"cpu_percent"`
	RSSBytes   uint64        `json:"rss_bytes"`
	Threads    int32         `json:"threads"`
	Elapsed    time.Duration `json:"elapsed_ms"`
}

// Usage samples CPU and memory of the run's child process. It observes
// only; the supervisor never limits resources.
func (h *Handle) Usage(ctx context.Context) (*Usage, error) {
	pid := h.PID()
	if pid == 0 {
		return nil, ErrNotRunning
	}

	p, err := process.NewProcessWithContext(ctx, int32(pid))
	if err != nil {
		if errors.Is(err, process.ErrorProcessNotRunning) {
			return nil, ErrNotRunning
		}
		return nil, fmt.Errorf("inspect pid %d: %w", pid, err)
	}

	u := &Usage{
		PID:     pid,
		Elapsed: time.Since(h.startedAt),
	}

	if cpu, err := p.CPUPercentWithContext(ctx); err == nil {
		u.CPUPercent = cpu
	}
	if mem, err := p.MemoryInfoWithContext(ctx); err == nil && mem != nil {
		u.RSSBytes = mem.RSS
	}
	if n, err := p.NumThreadsWithContext(ctx); err == nil {
		u.Threads = n
	}

	return u, nil
}
