// Package health measures the monitoring process itself. The collector
// consults it for adaptive degradation, and the API exposes it for
// operators.
package health

import (
	"os"
	"runtime"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v3/process"
)

// Snapshot is one self-measurement.
type Snapshot struct {
	Status        string    `json:"status"` // "healthy" or "degraded"
	Timestamp     time.Time `json:"timestamp"`
	CPUPercent    float64   `json:"cpu_percent"`
	MemoryMB      float64   `json:"memory_mb"`
	MemoryPercent float64   `json:"memory_percent"`
	Goroutines    int       `json:"goroutines"`
	UptimeSeconds int64     `json:"uptime_seconds"`
}

// Monitor samples process CPU and memory with caching, so frequent callers
// (every collector pass) don't hammer /proc.
type Monitor struct {
	startTime time.Time

	mu            sync.RWMutex
	cached        *Snapshot
	cacheExpiry   time.Time
	cacheDuration time.Duration
}

// NewMonitor creates a process health monitor.
func NewMonitor() *Monitor {
	return &Monitor{
		startTime:     time.Now(),
		cacheDuration: 10 * time.Second,
	}
}

// Snapshot returns current process health, cached for a few seconds.
func (m *Monitor) Snapshot() Snapshot {
	m.mu.RLock()
	if m.cached != nil && time.Now().Before(m.cacheExpiry) {
		snap := *m.cached
		m.mu.RUnlock()
		return snap
	}
	m.mu.RUnlock()

	snap := m.measure()

	m.mu.Lock()
	m.cached = &snap
	m.cacheExpiry = time.Now().Add(m.cacheDuration)
	m.mu.Unlock()

	return snap
}

// CPUPercent satisfies the collector's HealthSource.
func (m *Monitor) CPUPercent() float64 {
	return m.Snapshot().CPUPercent
}

func (m *Monitor) measure() Snapshot {
	snap := Snapshot{
		Status:        "healthy",
		Timestamp:     time.Now(),
		Goroutines:    runtime.NumGoroutine(),
		UptimeSeconds: int64(time.Since(m.startTime).Seconds()),
	}

	proc, err := process.NewProcess(int32(os.Getpid()))
	if err == nil {
		if cpu, err := proc.CPUPercent(); err == nil {
			snap.CPUPercent = cpu
		}
		if mem, err := proc.MemoryInfo(); err == nil {
			snap.MemoryMB = float64(mem.RSS) / (1024 * 1024)
		}
		if memPct, err := proc.MemoryPercent(); err == nil {
			snap.MemoryPercent = float64(memPct)
		}
	}

	if snap.MemoryPercent > 90 || snap.CPUPercent > 90 {
		snap.Status = "degraded"
	}
	return snap
}
