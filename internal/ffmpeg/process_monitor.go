package ffmpeg

import (
	"context"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/shirou/gopsutil/v4/process"
)

// ProcessStats contains resource usage of one encoder process.
type ProcessStats struct {
	PID            int           `json:"pid"`
	CPUPercent     float64       `json:"cpuPercent"`
	MemoryRSSBytes uint64        `json:"memoryRssBytes"`
	MemoryPercent  float32       `json:"memoryPercent"`
	BytesWritten   uint64        `json:"bytesWritten"`
	WriteRateBps   float64       `json:"writeRateBps"`
	StartedAt      time.Time     `json:"startedAt"`
	Duration       time.Duration `json:"duration"`
}

// ProcessMonitor samples an encoder's CPU and memory once per interval and
// tracks output throughput reported through CountingWriter.
type ProcessMonitor struct {
	pid       int
	startedAt time.Time
	interval  time.Duration

	mu    sync.RWMutex
	stats ProcessStats
	proc  *process.Process

	bytesWritten     atomic.Uint64
	lastBytesWritten uint64
	lastBytesCheck   time.Time

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewProcessMonitor creates a monitor; call Start once the PID is known.
func NewProcessMonitor() *ProcessMonitor {
	now := time.Now()
	return &ProcessMonitor{
		startedAt:      now,
		interval:       time.Second,
		lastBytesCheck: now,
	}
}

// Start begins sampling pid. Sampling errors (the process exiting between
// ticks) leave the previous values in place.
func (pm *ProcessMonitor) Start(pid int) {
	ctx, cancel := context.WithCancel(context.Background())

	pm.mu.Lock()
	pm.pid = pid
	pm.cancel = cancel
	if p, err := process.NewProcessWithContext(ctx, int32(pid)); err == nil { //nolint:gosec // pid fits int32
		pm.proc = p
	}
	pm.mu.Unlock()

	pm.wg.Add(1)
	go pm.loop(ctx)
}

// Stop ends sampling and waits for the sampler to exit.
func (pm *ProcessMonitor) Stop() {
	pm.mu.RLock()
	cancel := pm.cancel
	pm.mu.RUnlock()
	if cancel != nil {
		cancel()
	}
	pm.wg.Wait()
}

func (pm *ProcessMonitor) loop(ctx context.Context) {
	defer pm.wg.Done()

	ticker := time.NewTicker(pm.interval)
	defer ticker.Stop()

	pm.sample(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			pm.sample(ctx)
		}
	}
}

func (pm *ProcessMonitor) sample(ctx context.Context) {
	now := time.Now()

	pm.mu.Lock()
	defer pm.mu.Unlock()

	pm.stats.PID = pm.pid
	pm.stats.StartedAt = pm.startedAt
	pm.stats.Duration = now.Sub(pm.startedAt)

	if pm.proc != nil {
		if cpu, err := pm.proc.CPUPercentWithContext(ctx); err == nil {
			pm.stats.CPUPercent = cpu
		}
		if mem, err := pm.proc.MemoryInfoWithContext(ctx); err == nil && mem != nil {
			pm.stats.MemoryRSSBytes = mem.RSS
		}
		if pct, err := pm.proc.MemoryPercentWithContext(ctx); err == nil {
			pm.stats.MemoryPercent = pct
		}
	}

	current := pm.bytesWritten.Load()
	if elapsed := now.Sub(pm.lastBytesCheck); elapsed > 0 {
		pm.stats.WriteRateBps = float64(current-pm.lastBytesWritten) / elapsed.Seconds()
	}
	pm.lastBytesWritten = current
	pm.lastBytesCheck = now
}

// Stats returns the latest sample.
func (pm *ProcessMonitor) Stats() ProcessStats {
	pm.mu.RLock()
	defer pm.mu.RUnlock()

	stats := pm.stats
	stats.BytesWritten = pm.bytesWritten.Load()
	if stats.StartedAt.IsZero() {
		stats.StartedAt = pm.startedAt
	}
	return stats
}

// AddBytesWritten adds to the output byte counter.
func (pm *ProcessMonitor) AddBytesWritten(n uint64) {
	pm.bytesWritten.Add(n)
}

// CountingWriter wraps an io.Writer and reports bytes written to a monitor.
type CountingWriter struct {
	w       io.Writer
	monitor *ProcessMonitor
}

// NewCountingWriter creates a writer that counts bytes and reports to monitor.
func NewCountingWriter(w io.Writer, monitor *ProcessMonitor) *CountingWriter {
	return &CountingWriter{w: w, monitor: monitor}
}

// Write implements io.Writer.
func (cw *CountingWriter) Write(p []byte) (int, error) {
	n, err := cw.w.Write(p)
	if n > 0 && cw.monitor != nil {
		cw.monitor.AddBytesWritten(uint64(n))
	}
	return n, err
}
