// Package telemetry keeps in-process sync counters for operators.
//
// Nothing here leaves the process: counters are read through Snapshot by
// the status API.
package telemetry

import (
	"sort"
	"sync"
	"time"
)

// Counter names recorded by the sync engine.
const (
	OpsEnqueued        = "ops_enqueued"
	OpsPushed          = "ops_pushed"
	OpsRetried         = "ops_retried"
	OpsFailed          = "ops_failed"
	OpsDeferred        = "ops_deferred"
	ConflictsDetected  = "conflicts_detected"
	ConflictsResolved  = "conflicts_resolved"
	ChangesApplied     = "changes_applied"
	ChangesSkipped     = "changes_skipped"
	RealtimeEvents     = "realtime_events"
	ConnectivityLosses = "connectivity_losses"

	FlushDuration = "flush"
	PullDuration  = "pull"
)

// Counters is a set of named counters and timings. A nil *Counters discards
// everything, so callers never need to check.
type Counters struct {
	mu      sync.Mutex
	started time.Time
	counts  map[string]int64
	timings map[string]*timing
}

type timing struct {
	count int64
	total time.Duration
	last  time.Duration
	max   time.Duration
}

// New creates an empty Counters.
func New() *Counters {
	return &Counters{
		started: time.Now(),
		counts:  make(map[string]int64),
		timings: make(map[string]*timing),
	}
}

// =====================================================
// Recording
// =====================================================

// RecordCount adds delta to the named counter.
func (c *Counters) RecordCount(name string, delta int) {
	if c == nil {
		return
	}
	c.mu.Lock()
	c.counts[name] += int64(delta)
	c.mu.Unlock()
}

// Inc adds one to the named counter.
func (c *Counters) Inc(name string) {
	c.RecordCount(name, 1)
}

// RecordTiming records one observation of the named duration.
func (c *Counters) RecordTiming(name string, d time.Duration) {
	if c == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	t, ok := c.timings[name]
	if !ok {
		t = &timing{}
		c.timings[name] = t
	}
	t.count++
	t.total += d
	t.last = d
	if d > t.max {
		t.max = d
	}
}

// Since records the time elapsed from start under name.
func (c *Counters) Since(name string, start time.Time) {
	c.RecordTiming(name, time.Since(start))
}

// =====================================================
// Reading
// =====================================================

// TimingSummary summarises one timing series in milliseconds.
type TimingSummary struct {
	Count  int64   `json:"count"`
	LastMS float64 `json:"last_ms"`
	MeanMS float64 `json:"mean_ms"`
	MaxMS  float64 `json:"max_ms"`
}

// Snapshot is a point-in-time copy of all counters.
type Snapshot struct {
	UptimeSeconds float64                  `json:"uptime_seconds"`
	Counts        map[string]int64         `json:"counts"`
	Timings       map[string]TimingSummary `json:"timings"`
}

// Get returns the current value of a counter.
func (c *Counters) Get(name string) int64 {
	if c == nil {
		return 0
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.counts[name]
}

// Snapshot copies the current state.
func (c *Counters) Snapshot() Snapshot {
	snap := Snapshot{
		Counts:  map[string]int64{},
		Timings: map[string]TimingSummary{},
	}
	if c == nil {
		return snap
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	snap.UptimeSeconds = time.Since(c.started).Seconds()
	for k, v := range c.counts {
		snap.Counts[k] = v
	}
	for k, t := range c.timings {
		s := TimingSummary{
			Count:  t.count,
			LastMS: ms(t.last),
			MaxMS:  ms(t.max),
		}
		if t.count > 0 {
			s.MeanMS = ms(t.total) / float64(t.count)
		}
		snap.Timings[k] = s
	}
	return snap
}

// Names returns the counter names in the snapshot, sorted.
func (s Snapshot) Names() []string {
	names := make([]string, 0, len(s.Counts))
	for k := range s.Counts {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}

func ms(d time.Duration) float64 {
	return float64(d) / float64(time.Millisecond)
}
