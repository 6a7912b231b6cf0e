// Package telemetry keeps in-process sync counters for the status API.
// Nothing here leaves the process.
package telemetry

import (
	"sync"
	"time"
)

// =====================================================
// Counters
// =====================================================

// Snapshot is a point-in-time copy of the counters.
type Snapshot struct {
	TotalSyncs      int64         `json:"totalSyncs"`
	SuccessfulSyncs int64         `json:"successfulSyncs"`
	FailedSyncs     int64         `json:"failedSyncs"`
	Retried         int64         `json:"retried"`
	DeadLettered    int64         `json:"deadLettered"`
	Conflicts       int64         `json:"conflicts"`
	SuccessRate     float64       `json:"successRate"`
	AvgDispatch     time.Duration `json:"avgDispatchNanos"`
	LastSyncAt      time.Time     `json:"lastSyncAt,omitempty"`
}

// Collector accumulates dispatch outcomes. The zero value is ready to use.
type Collector struct {
	mu            sync.Mutex
	total         int64
	successful    int64
	failed        int64
	retried       int64
	deadLettered  int64
	conflicts     int64
	dispatchTotal time.Duration
	lastSyncAt    time.Time
}

// New creates a Collector.
func New() *Collector {
	return &Collector{}
}

// RecordSync records one finished dispatch.
func (c *Collector) RecordSync(success bool, took time.Duration, at time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.total++
	if success {
		c.successful++
	} else {
		c.failed++
	}
	c.dispatchTotal += took
	c.lastSyncAt = at
}

// RecordRetry counts an item scheduled for another attempt.
func (c *Collector) RecordRetry() {
	c.mu.Lock()
	c.retried++
	c.mu.Unlock()
}

// RecordDeadLetter counts an item moved to dead_letter.
func (c *Collector) RecordDeadLetter() {
	c.mu.Lock()
	c.deadLettered++
	c.mu.Unlock()
}

// RecordConflict counts a conflict handed to the resolver.
func (c *Collector) RecordConflict() {
	c.mu.Lock()
	c.conflicts++
	c.mu.Unlock()
}

// Snapshot returns the current counters.
// SuccessRate is a percentage and reads 100 before any sync.
func (c *Collector) Snapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()

	s := Snapshot{
		TotalSyncs:      c.total,
		SuccessfulSyncs: c.successful,
		FailedSyncs:     c.failed,
		Retried:         c.retried,
		DeadLettered:    c.deadLettered,
		Conflicts:       c.conflicts,
		SuccessRate:     SuccessRate(c.successful, c.total),
		LastSyncAt:      c.lastSyncAt,
	}
	if c.total > 0 {
		s.AvgDispatch = c.dispatchTotal / time.Duration(c.total)
	}
	return s
}

// Reset zeroes every counter.
func (c *Collector) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.total, c.successful, c.failed = 0, 0, 0
	c.retried, c.deadLettered, c.conflicts = 0, 0, 0
	c.dispatchTotal = 0
	c.lastSyncAt = time.Time{}
}

// SuccessRate returns successful/total as a percentage, 100 when total is 0.
func SuccessRate(successful, total int64) float64 {
	if total == 0 {
		return 100
	}
	return float64(successful) / float64(total) * 100
}
