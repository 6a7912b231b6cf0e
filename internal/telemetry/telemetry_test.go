// Package telemetry tests for the sync counters.
package telemetry

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestCollector_EmptySnapshot(t *testing.T) {
	s := New().Snapshot()
	assert.Zero(t, s.TotalSyncs)
	assert.Equal(t, 100.0, s.SuccessRate)
	assert.Zero(t, s.AvgDispatch)
	assert.True(t, s.LastSyncAt.IsZero())
}

func TestCollector_Counts(t *testing.T) {
	c := New()
	at := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)

	c.RecordSync(true, 100*time.Millisecond, at)
	c.RecordSync(true, 200*time.Millisecond, at)
	c.RecordSync(true, 300*time.Millisecond, at)
	c.RecordSync(false, 400*time.Millisecond, at.Add(time.Second))
	c.RecordRetry()
	c.RecordDeadLetter()
	c.RecordConflict()
	c.RecordConflict()

	s := c.Snapshot()
	assert.EqualValues(t, 4, s.TotalSyncs)
	assert.EqualValues(t, 3, s.SuccessfulSyncs)
	assert.EqualValues(t, 1, s.FailedSyncs)
	assert.EqualValues(t, 1, s.Retried)
	assert.EqualValues(t, 1, s.DeadLettered)
	assert.EqualValues(t, 2, s.Conflicts)
	assert.InDelta(t, 75.0, s.SuccessRate, 0.001)
	assert.Equal(t, 250*time.Millisecond, s.AvgDispatch)
	assert.True(t, at.Add(time.Second).Equal(s.LastSyncAt))

	c.Reset()
	assert.Zero(t, c.Snapshot().TotalSyncs)
}

func TestCollector_Concurrent(t *testing.T) {
	c := New()
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			c.RecordSync(i%2 == 0, time.Millisecond, time.Now())
		}(i)
	}
	wg.Wait()

	s := c.Snapshot()
	assert.EqualValues(t, 50, s.TotalSyncs)
	assert.EqualValues(t, 25, s.SuccessfulSyncs)
}

func TestSuccessRate(t *testing.T) {
	assert.Equal(t, 100.0, SuccessRate(0, 0))
	assert.Equal(t, 50.0, SuccessRate(1, 2))
	assert.Equal(t, 0.0, SuccessRate(0, 3))
}
