// Package metrics reports resource usage of the running server.
package metrics

import (
	"context"
	"fmt"
	"os"
	"runtime"
	"time"

	"github.com/shirou/gopsutil/v3/process"
)

// ProcessStats is a point-in-time snapshot of the server process.
type ProcessStats struct {
	PID           int32   `json:"pid"`
	RSSBytes      uint64  `json:"rss_bytes"`
	CPUPercent    float64 `json:"cpu_percent"`
	Threads       int32   `json:"threads"`
	Goroutines    int     `json:"goroutines"`
	UptimeSeconds float64 `json:"uptime_seconds"`
}

// Sampler reads ProcessStats for a single process.
type Sampler struct {
	proc *process.Process
	now  func() time.Time
}

// NewSampler returns a sampler for the current process.
func NewSampler() (*Sampler, error) {
	p, err := process.NewProcess(int32(os.Getpid()))
	if err != nil {
		return nil, fmt.Errorf("open process: %w", err)
	}
	return &Sampler{proc: p, now: time.Now}, nil
}

// Sample collects a snapshot. Fields the platform cannot report are left zero.
func (s *Sampler) Sample(ctx context.Context) (ProcessStats, error) {
	stats := ProcessStats{
		PID:        s.proc.Pid,
		Goroutines: runtime.NumGoroutine(),
	}

	mem, err := s.proc.MemoryInfoWithContext(ctx)
	if err != nil {
		return stats, fmt.Errorf("memory info: %w", err)
	}
	stats.RSSBytes = mem.RSS

	if cpu, err := s.proc.CPUPercentWithContext(ctx); err == nil {
		stats.CPUPercent = cpu
	}
	if threads, err := s.proc.NumThreadsWithContext(ctx); err == nil {
		stats.Threads = threads
	}
	if created, err := s.proc.CreateTimeWithContext(ctx); err == nil {
		stats.UptimeSeconds = s.now().Sub(time.UnixMilli(created)).Seconds()
	}
	return stats, nil
}
