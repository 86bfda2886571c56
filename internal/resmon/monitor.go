// Package resmon provides advisory memory-pressure monitoring.
//
// The monitor never blocks or aborts work. Callers consult it to decide
// between materializing results in memory and streaming them, and may
// ask it to run a best-effort reclamation pass when over the ceiling.
package resmon

import (
	"log/slog"
	"runtime"
	"runtime/debug"
	"sync/atomic"
	"time"
)

// relievePause gives the runtime a moment to return freed pages before
// the caller re-checks usage.
const relievePause = 500 * time.Millisecond

// Probe reports current process memory usage. It is a capability so the
// monitor stays portable: tests substitute a fixed probe, and platforms
// without usable introspection can supply one that always reports zero.
type Probe interface {
	UsageMB() float64
}

// RuntimeProbe reads live heap usage from the Go runtime.
type RuntimeProbe struct{}

// UsageMB returns the current heap allocation in megabytes.
func (RuntimeProbe) UsageMB() float64 {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)
	return float64(m.HeapAlloc) / 1024 / 1024
}

// Monitor compares probe readings against a configured ceiling and can
// trigger a best-effort reclamation pass.
type Monitor struct {
	probe   Probe
	limitMB float64
	enabled bool
	log     *slog.Logger

	relieved atomic.Int64
}

// New creates a Monitor with the given probe and ceiling in MB.
// A disabled monitor always reports headroom and never intervenes.
func New(probe Probe, limitMB int, enabled bool, log *slog.Logger) *Monitor {
	if log == nil {
		log = slog.Default()
	}
	return &Monitor{
		probe:   probe,
		limitMB: float64(limitMB),
		enabled: enabled,
		log:     log,
	}
}

// UsageMB returns the current usage reading.
func (m *Monitor) UsageMB() float64 {
	if !m.enabled {
		return 0
	}
	return m.probe.UsageMB()
}

// WithinLimit reports whether current usage is under the ceiling.
func (m *Monitor) WithinLimit() bool {
	if !m.enabled {
		return true
	}
	usage := m.probe.UsageMB()
	if usage > m.limitMB {
		m.log.Warn("memory ceiling exceeded",
			"usage_mb", usage,
			"limit_mb", m.limitMB,
		)
		return false
	}
	return true
}

// RelieveIfNeeded runs a reclamation pass only when usage is over the
// ceiling: a forced collection, a request to return freed memory to the
// OS, and a short pause. Reports whether it intervened.
func (m *Monitor) RelieveIfNeeded() bool {
	if !m.enabled || m.WithinLimit() {
		return false
	}

	m.log.Warn("running memory reclamation pass", "usage_mb", m.probe.UsageMB())
	runtime.GC()
	debug.FreeOSMemory()
	time.Sleep(relievePause)
	m.relieved.Add(1)
	return true
}

// RelievedCount returns how many reclamation passes have run.
func (m *Monitor) RelievedCount() int64 {
	return m.relieved.Load()
}
