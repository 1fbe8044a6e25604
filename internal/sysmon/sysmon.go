// Package sysmon reports the controller's own resource footprint for the
// readiness probe. Uses gopsutil; no shelling out.
package sysmon

import (
	"os"
	"sync"

	"github.com/shirou/gopsutil/v3/process"
)

// Stats is a point-in-time reading of the controller process.
type Stats struct {
	CPUPercent float64 `json:"cpu_percent"`
	RSSBytes   uint64  `json:"rss_bytes"`
	OpenFDs    int32   `json:"open_fds"`
}

// Monitor samples the current process.
type Monitor struct {
	mu   sync.Mutex
	proc *process.Process
}

// NewMonitor attaches to the running process.
func NewMonitor() (*Monitor, error) {
	proc, err := process.NewProcess(int32(os.Getpid()))
	if err != nil {
		return nil, err
	}
	// Warm-up call so subsequent CPU samples are meaningful on all
	// platforms.
	_, _ = proc.CPUPercent()
	return &Monitor{proc: proc}, nil
}

// Stats reads the current footprint. Fields gopsutil cannot provide on
// this platform come back zero rather than failing the probe.
func (m *Monitor) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out Stats
	if cpu, err := m.proc.CPUPercent(); err == nil {
		out.CPUPercent = cpu
	}
	if mem, err := m.proc.MemoryInfo(); err == nil && mem != nil {
		out.RSSBytes = mem.RSS
	}
	if fds, err := m.proc.NumFDs(); err == nil {
		out.OpenFDs = fds
	}
	return out
}
