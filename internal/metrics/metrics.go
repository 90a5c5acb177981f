// Package metrics tracks service-level update statistics for the health
// endpoint.
package metrics

import (
	"sync"
	"sync/atomic"
	"time"
)

// Metrics tracks update statistics
type Metrics struct {
	mu sync.RWMutex

	TotalUpdates      int64
	SuccessfulUpdates int64
	FailedUpdates     int64
	RolledBackUpdates int64
	ActiveUpdates     int32

	ChecksPerformed  int64
	UpdatesAvailable int64

	// Rolling average of last 100 updates
	recentDurations []time.Duration
}

// Global is the singleton metrics instance
var Global = &Metrics{
	recentDurations: make([]time.Duration, 0, 100),
}

// IncrementActive increments the in-flight update counter
func (m *Metrics) IncrementActive() {
	atomic.AddInt32(&m.ActiveUpdates, 1)
}

// DecrementActive decrements the in-flight update counter
func (m *Metrics) DecrementActive() {
	atomic.AddInt32(&m.ActiveUpdates, -1)
}

// RecordUpdate records a finished update. Rolled-back updates count as
// failures that also bump the rollback counter.
func (m *Metrics) RecordUpdate(success, rolledBack bool, duration time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.TotalUpdates++
	if success {
		m.SuccessfulUpdates++
	} else {
		m.FailedUpdates++
	}
	if rolledBack {
		m.RolledBackUpdates++
	}

	m.recentDurations = append(m.recentDurations, duration)
	if len(m.recentDurations) > 100 {
		m.recentDurations = m.recentDurations[1:]
	}
}

// RecordCheck records one update-availability check.
func (m *Metrics) RecordCheck(updateAvailable bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.ChecksPerformed++
	if updateAvailable {
		m.UpdatesAvailable++
	}
}

// Snapshot returns current metrics as a map (for JSON encoding)
func (m *Metrics) Snapshot() map[string]interface{} {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var avgDuration float64
	if len(m.recentDurations) > 0 {
		var total time.Duration
		for _, d := range m.recentDurations {
			total += d
		}
		avgDuration = total.Seconds() / float64(len(m.recentDurations))
	}

	return map[string]interface{}{
		"total_updates":        m.TotalUpdates,
		"successful":           m.SuccessfulUpdates,
		"failed":               m.FailedUpdates,
		"rolled_back":          m.RolledBackUpdates,
		"active":               atomic.LoadInt32(&m.ActiveUpdates),
		"checks_performed":     m.ChecksPerformed,
		"updates_available":    m.UpdatesAvailable,
		"avg_duration_seconds": avgDuration,
	}
}

// Reset clears all metrics (for testing)
func (m *Metrics) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.TotalUpdates = 0
	m.SuccessfulUpdates = 0
	m.FailedUpdates = 0
	m.RolledBackUpdates = 0
	atomic.StoreInt32(&m.ActiveUpdates, 0)
	m.ChecksPerformed = 0
	m.UpdatesAvailable = 0
	m.recentDurations = m.recentDurations[:0]
}
