package ffmpeg

import (
	"context"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v4/process"
)

// ProcessStats contains resource usage statistics for an FFmpeg process.
type ProcessStats struct {
	PID int `json:"pid"`

	CPUPercent float64       `json:"cpu_percent"` // Last sampled CPU usage (0-100 per core)
	CPUUser    time.Duration `json:"cpu_user"`
	CPUSystem  time.Duration `json:"cpu_system"`

	MemoryRSSBytes uint64 `json:"memory_rss_bytes"`
	PeakRSSBytes   uint64 `json:"peak_rss_bytes"`

	StartedAt   time.Time `json:"started_at"`
	LastUpdated time.Time `json:"last_updated"`
	Samples     int       `json:"samples"`
}

// ProcessMonitor samples resource usage of a running process.
type ProcessMonitor struct {
	pid      int
	interval time.Duration

	mu      sync.RWMutex
	stats   ProcessStats
	running bool

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewProcessMonitor creates a new process monitor.
func NewProcessMonitor(pid int) *ProcessMonitor {
	return &ProcessMonitor{
		pid:      pid,
		interval: time.Second,
		stats: ProcessStats{
			PID:       pid,
			StartedAt: time.Now(),
		},
	}
}

// SetInterval sets the sampling interval. It has no effect once started.
func (pm *ProcessMonitor) SetInterval(d time.Duration) {
	pm.mu.Lock()
	defer pm.mu.Unlock()
	if !pm.running && d > 0 {
		pm.interval = d
	}
}

// Start begins monitoring the process.
func (pm *ProcessMonitor) Start(ctx context.Context) {
	pm.mu.Lock()
	if pm.running {
		pm.mu.Unlock()
		return
	}
	pm.running = true
	ctx, pm.cancel = context.WithCancel(ctx)
	interval := pm.interval
	pm.mu.Unlock()

	pm.wg.Add(1)
	go pm.monitorLoop(ctx, interval)
}

// Stop stops monitoring and waits for the sampler to exit.
func (pm *ProcessMonitor) Stop() {
	pm.mu.Lock()
	cancel := pm.cancel
	pm.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	pm.wg.Wait()

	pm.mu.Lock()
	pm.running = false
	pm.mu.Unlock()
}

// Stats returns the latest statistics.
func (pm *ProcessMonitor) Stats() ProcessStats {
	pm.mu.RLock()
	defer pm.mu.RUnlock()
	return pm.stats
}

func (pm *ProcessMonitor) monitorLoop(ctx context.Context, interval time.Duration) {
	defer pm.wg.Done()

	proc, err := process.NewProcessWithContext(ctx, int32(pm.pid)) //nolint:gosec // pids fit in int32
	if err != nil {
		return
	}

	pm.sample(ctx, proc)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			pm.sample(ctx, proc)
		}
	}
}

func (pm *ProcessMonitor) sample(ctx context.Context, proc *process.Process) {
	cpuPercent, cpuErr := proc.CPUPercentWithContext(ctx)
	times, timesErr := proc.TimesWithContext(ctx)
	mem, memErr := proc.MemoryInfoWithContext(ctx)

	pm.mu.Lock()
	defer pm.mu.Unlock()

	if cpuErr == nil {
		pm.stats.CPUPercent = cpuPercent
	}
	if timesErr == nil {
		pm.stats.CPUUser = time.Duration(times.User * float64(time.Second))
		pm.stats.CPUSystem = time.Duration(times.System * float64(time.Second))
	}
	if memErr == nil {
		pm.stats.MemoryRSSBytes = mem.RSS
		pm.stats.PeakRSSBytes = max(pm.stats.PeakRSSBytes, mem.RSS)
	}
	if cpuErr == nil || timesErr == nil || memErr == nil {
		pm.stats.Samples++
		pm.stats.LastUpdated = time.Now()
	}
}
