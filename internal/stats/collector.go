// Package stats samples the runner host: platform, CPU, memory, load and the
// disk that holds run logs. The API serves it so an operator can tell whether
// a slow or failing script is starved for resources.
package stats

import (
	"context"
	"log/slog"
	"runtime"
	"time"

	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/shirou/gopsutil/v4/disk"
	"github.com/shirou/gopsutil/v4/host"
	"github.com/shirou/gopsutil/v4/load"
	"github.com/shirou/gopsutil/v4/mem"
)

// cpuSample is how long CPU usage is measured for.
const cpuSample = 100 * time.Millisecond

// Snapshot is the host state at a point in time. Bytes are bytes,
// percentages are 0-100.
type Snapshot struct {
	Timestamp time.Time `json:"timestamp"`

	Hostname        string `json:"hostname"`
	OS              string `json:"os"`
	Platform        string `json:"platform"`
	PlatformVersion string `json:"platform_version"`
	KernelVersion   string `json:"kernel_version"`
	Arch            string `json:"arch"`
	Uptime          uint64 `json:"uptime_seconds"`

	CPUCount   int     `json:"cpu_count"`
	CPUPercent float64 `json:"cpu_percent"`
	Load1      float64 `json:"load1"`
	Load5      float64 `json:"load5"`
	Load15     float64 `json:"load15"`

	MemoryUsed  uint64  `json:"memory_used"`
	MemoryTotal uint64  `json:"memory_total"`
	MemoryPct   float64 `json:"memory_pct"`

	// Disk figures are for the filesystem holding DiskPath.
	DiskPath  string  `json:"disk_path"`
	DiskUsed  uint64  `json:"disk_used"`
	DiskTotal uint64  `json:"disk_total"`
	DiskPct   float64 `json:"disk_pct"`
}

// Collector gathers host snapshots.
type Collector struct {
	diskPath string
	logger   *slog.Logger
}

// NewCollector creates a collector reporting disk usage for diskPath
// (default "/").
func NewCollector(diskPath string, logger *slog.Logger) *Collector {
	if diskPath == "" {
		diskPath = "/"
	}
	return &Collector{
		diskPath: diskPath,
		logger:   logger.With(slog.String("component", "stats")),
	}
}

// Collect returns a snapshot. A metric that cannot be read is logged and
// left zero; only cancellation of ctx is an error.
func (c *Collector) Collect(ctx context.Context) (*Snapshot, error) {
	s := &Snapshot{
		Timestamp: time.Now(),
		OS:        runtime.GOOS,
		Arch:      runtime.GOARCH,
		CPUCount:  runtime.NumCPU(),
		DiskPath:  c.diskPath,
	}

	if info, err := host.InfoWithContext(ctx); err != nil {
		c.warn("host info", err)
	} else {
		s.Hostname = info.Hostname
		s.Platform = info.Platform
		s.PlatformVersion = info.PlatformVersion
		s.KernelVersion = info.KernelVersion
		s.Uptime = info.Uptime
	}

	if pcts, err := cpu.PercentWithContext(ctx, cpuSample, false); err != nil {
		c.warn("cpu", err)
	} else if len(pcts) > 0 {
		s.CPUPercent = pcts[0]
	}
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}

	if avg, err := load.AvgWithContext(ctx); err != nil {
		c.warn("load", err)
	} else {
		s.Load1, s.Load5, s.Load15 = avg.Load1, avg.Load5, avg.Load15
	}

	if vm, err := mem.VirtualMemoryWithContext(ctx); err != nil {
		c.warn("memory", err)
	} else {
		s.MemoryUsed = vm.Used
		s.MemoryTotal = vm.Total
		s.MemoryPct = vm.UsedPercent
	}

	if du, err := disk.UsageWithContext(ctx, c.diskPath); err != nil {
		c.warn("disk", err)
	} else {
		s.DiskUsed = du.Used
		s.DiskTotal = du.Total
		s.DiskPct = du.UsedPercent
	}

	if ctx.Err() != nil {
		return nil, ctx.Err()
	}
	return s, nil
}

func (c *Collector) warn(metric string, err error) {
	c.logger.Warn("failed to collect host metric",
		slog.String("metric", metric),
		slog.String("error", err.Error()),
	)
}
