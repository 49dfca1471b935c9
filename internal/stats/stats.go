// Package stats accumulates the per-update counters a Source or Target
// driver reports, so a caller (typically cmd/source or cmd/target) can
// print a periodic summary on its own cadence. The printing cadence and
// format are a CLI-layer concern, not a core one.
package stats

import (
	"sync"
	"time"
)

// Counters is a concurrency-safe accumulator of one reporting interval's
// worth of activity.
type Counters struct {
	mu              sync.Mutex
	windowStart     time.Time
	updates         uint64
	bytes           uint64
	fragments       uint64
	totalLatencyUs  uint64
}

// NewCounters returns a Counters with its window starting now.
func NewCounters() *Counters {
	return &Counters{windowStart: time.Now()}
}

// AddUpdate records one successfully processed snapshot: its compressed
// byte count, its fragment count, and (when known) its end-to-end or
// processing latency in microseconds. latencyUs may be 0 when the caller
// has nothing meaningful to report; zero and negative values are left out
// of the latency total but still count as an update.
func (c *Counters) AddUpdate(bytes int, fragments int, latencyUs int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.updates++
	c.bytes += uint64(bytes)
	c.fragments += uint64(fragments)
	if latencyUs > 0 {
		c.totalLatencyUs += uint64(latencyUs)
	}
}

// Snapshot is a read-only copy of one reporting window's totals plus its
// derived rates.
type Snapshot struct {
	Updates        uint64
	UpdatesPerSec  float64
	Mbps           float64
	AvgFragments   float64
	AvgLatencyUs   float64
	Elapsed        time.Duration
}

// SnapshotAndReset returns the totals accumulated since the last
// SnapshotAndReset (or since NewCounters) and starts a fresh window.
func (c *Counters) SnapshotAndReset() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()

	elapsed := time.Since(c.windowStart)
	secs := elapsed.Seconds()

	s := Snapshot{Updates: c.updates, Elapsed: elapsed}
	if secs > 0 {
		s.UpdatesPerSec = float64(c.updates) / secs
		s.Mbps = (float64(c.bytes) * 8.0) / (secs * 1_000_000.0)
	}
	if c.updates > 0 {
		s.AvgFragments = float64(c.fragments) / float64(c.updates)
		s.AvgLatencyUs = float64(c.totalLatencyUs) / float64(c.updates)
	}

	c.updates = 0
	c.bytes = 0
	c.fragments = 0
	c.totalLatencyUs = 0
	c.windowStart = time.Now()

	return s
}
