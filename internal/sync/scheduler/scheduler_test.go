// Package scheduler tests for background sync scheduling functionality.
package scheduler

import (
	"context"
	stderrors "errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kimhsiao/ledgersync/internal/errors"
	syncpkg "github.com/kimhsiao/ledgersync/internal/sync"
	"github.com/kimhsiao/ledgersync/internal/sync/backoff"
	"github.com/kimhsiao/ledgersync/internal/sync/remote"
	"github.com/kimhsiao/ledgersync/internal/sync/store"
)

// =====================================================
// Test Helpers
// =====================================================

// fakeRunner replays scripted results.
type fakeRunner struct {
	mu      sync.Mutex
	calls   int
	results []error
}

func (r *fakeRunner) SyncNow(context.Context) (*syncpkg.RunResult, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls++
	var err error
	if len(r.results) > 0 {
		err = r.results[0]
		r.results = r.results[1:]
	}
	if err != nil {
		return &syncpkg.RunResult{Failed: 1}, err
	}
	return &syncpkg.RunResult{Synced: 2}, nil
}

func (r *fakeRunner) Calls() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.calls
}

func noSleep(context.Context, time.Duration) error { return nil }

func newTestScheduler(t *testing.T, runner Runner, mutate func(*Config), opts ...Option) *Scheduler {
	t.Helper()
	cfg := DefaultConfig()
	if mutate != nil {
		mutate(&cfg)
	}
	all := append([]Option{withSleep(noSleep)}, opts...)
	s, err := NewScheduler(runner, cfg, all...)
	require.NoError(t, err)
	t.Cleanup(s.Stop)
	return s
}

// =====================================================
// Config Tests
// =====================================================

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	assert.Equal(t, 15, cfg.MinIntervalMinutes)
	assert.Equal(t, 15*time.Minute, cfg.Interval())
	assert.True(t, cfg.Enabled)
	assert.Equal(t, DefaultHistorySize, cfg.HistorySize)
	assert.NoError(t, cfg.Validate())
}

func TestConfig_Validate(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MinIntervalMinutes = 5
	assert.True(t, errors.Is(cfg.Validate(), errors.ErrValidation))

	cfg = DefaultConfig()
	cfg.MaxRetries = -1
	assert.True(t, errors.Is(cfg.Validate(), errors.ErrValidation))

	_, err := NewScheduler(nil, DefaultConfig())
	assert.True(t, errors.Is(err, errors.ErrValidation))
}

// =====================================================
// Run Tests
// =====================================================

func TestTriggerNow_RecordsSuccess(t *testing.T) {
	runner := &fakeRunner{}
	s := newTestScheduler(t, runner, nil)

	assert.Equal(t, StatusIdle, s.GetStatus().Status)
	assert.Equal(t, 100.0, s.SuccessRate(), "empty history reports 100")

	rec, err := s.TriggerNow(context.Background())
	require.NoError(t, err)
	assert.True(t, rec.Success)
	assert.Equal(t, 2, rec.ItemsSynced)

	st := s.GetStatus()
	assert.Equal(t, StatusCompleted, st.Status)
	require.NotNil(t, st.LastRun)
	assert.Len(t, st.History, 1)
}

func TestTriggerNow_RetriesFailedRun(t *testing.T) {
	runner := &fakeRunner{results: []error{stderrors.New("net down"), stderrors.New("net down")}}

	var delays []time.Duration
	sleep := func(_ context.Context, d time.Duration) error {
		delays = append(delays, d)
		return nil
	}
	policy := &backoff.Policy{Base: time.Second, Cap: time.Minute, MaxRetries: 5}
	s := newTestScheduler(t, runner, nil, withSleep(sleep), WithBackoff(policy))

	rec, err := s.TriggerNow(context.Background())
	require.NoError(t, err)
	assert.True(t, rec.Success)
	assert.Equal(t, 3, runner.Calls())
	assert.Equal(t, []time.Duration{time.Second, 2 * time.Second}, delays)
	assert.Len(t, s.History(), 1, "retries of one pass record one entry")
}

func TestTriggerNow_GivesUpAfterMaxRetries(t *testing.T) {
	boom := stderrors.New("remote unavailable")
	runner := &fakeRunner{results: []error{boom, boom, boom, boom, boom}}
	s := newTestScheduler(t, runner, func(c *Config) { c.MaxRetries = 2 })

	rec, err := s.TriggerNow(context.Background())
	require.Error(t, err)
	assert.False(t, rec.Success)
	assert.Equal(t, "remote unavailable", rec.Error)
	assert.Equal(t, 3, runner.Calls())
	assert.Equal(t, StatusFailed, s.GetStatus().Status)
	assert.Equal(t, 0.0, s.SuccessRate())
}

func TestTriggerNow_RespectsConditions(t *testing.T) {
	runner := &fakeRunner{}
	cond := StaticConditions{IsOnline: true, IsOnWifi: false, IsCharging: false}

	s := newTestScheduler(t, runner, func(c *Config) { c.WifiOnly = true }, WithConditions(cond))
	_, err := s.TriggerNow(context.Background())
	assert.Error(t, err)
	assert.Zero(t, runner.Calls())

	s = newTestScheduler(t, runner, func(c *Config) { c.RequiresCharging = true }, WithConditions(cond))
	_, err = s.TriggerNow(context.Background())
	assert.Error(t, err)
	assert.Zero(t, runner.Calls())

	s = newTestScheduler(t, runner, nil, WithConditions(cond))
	_, err = s.TriggerNow(context.Background())
	assert.NoError(t, err)
	assert.Equal(t, 1, runner.Calls())
}

func TestSetOnlineStatus_BlocksRuns(t *testing.T) {
	runner := &fakeRunner{}
	s := newTestScheduler(t, runner, nil)

	s.SetOnlineStatus(false)
	assert.False(t, s.IsOnline())
	_, err := s.TriggerNow(context.Background())
	assert.Error(t, err)
	assert.Zero(t, runner.Calls())

	s.SetOnlineStatus(true)
	_, err = s.TriggerNow(context.Background())
	assert.NoError(t, err)
}

func TestHistory_Bounded(t *testing.T) {
	runner := &fakeRunner{}
	s := newTestScheduler(t, runner, func(c *Config) { c.HistorySize = 3 })

	for i := 0; i < 5; i++ {
		_, err := s.TriggerNow(context.Background())
		require.NoError(t, err)
	}
	assert.Len(t, s.History(), 3)
}

// =====================================================
// Lifecycle Tests
// =====================================================

func TestUpdateConfig_DisableAndEnable(t *testing.T) {
	runner := &fakeRunner{}
	s := newTestScheduler(t, runner, nil)
	s.Start(context.Background())
	assert.Equal(t, StatusScheduled, s.GetStatus().Status)
	assert.NotNil(t, s.GetStatus().NextRunAt)

	cfg := s.Config()
	cfg.Enabled = false
	require.NoError(t, s.UpdateConfig(cfg))
	assert.Equal(t, StatusDisabled, s.GetStatus().Status)
	assert.Nil(t, s.GetStatus().NextRunAt)

	_, err := s.TriggerNow(context.Background())
	assert.Error(t, err)
	assert.Zero(t, runner.Calls())

	cfg.Enabled = true
	require.NoError(t, s.UpdateConfig(cfg))
	assert.Equal(t, StatusScheduled, s.GetStatus().Status)

	bad := cfg
	bad.MinIntervalMinutes = 1
	assert.Error(t, s.UpdateConfig(bad))
}

func TestStartStop(t *testing.T) {
	s := newTestScheduler(t, &fakeRunner{}, nil)

	s.Start(context.Background())
	s.Start(context.Background())
	assert.True(t, s.IsRunning())

	s.Stop()
	s.Stop()
	assert.False(t, s.IsRunning())
	assert.Equal(t, StatusIdle, s.GetStatus().Status)
}

func TestNewScheduler_DisabledStatus(t *testing.T) {
	s := newTestScheduler(t, &fakeRunner{}, func(c *Config) { c.Enabled = false })
	assert.Equal(t, StatusDisabled, s.GetStatus().Status)
}

func TestTriggerNow_WriteOnlyRunnerIsNotAFailure(t *testing.T) {
	runner := &fakeRunner{results: []error{errors.New(errors.ErrWriteOnly, "write-only")}}
	sleeps := 0
	s := newTestScheduler(t, runner, nil, withSleep(func(context.Context, time.Duration) error {
		sleeps++
		return nil
	}))

	rec, err := s.TriggerNow(context.Background())
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrWriteOnly))
	assert.False(t, rec.Success)
	assert.Equal(t, 1, runner.Calls())
	assert.Zero(t, sleeps)
	assert.Empty(t, s.History())
	assert.Equal(t, StatusDisabled, s.GetStatus().Status)
}

// =====================================================
// Engine Integration Tests
// =====================================================

func TestScheduler_DrivesEngine(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemory()
	engine, err := syncpkg.NewEngine(syncpkg.DefaultConfig(), st, remote.NewMemory())
	require.NoError(t, err)
	defer engine.Close()

	id, err := engine.Enqueue(ctx, syncpkg.EnqueueRequest{
		OwnerID:          "biz_1",
		OperationType:    "create",
		TargetCollection: "customers",
		DocumentID:       "cus_1",
		Payload:          map[string]interface{}{"name": "Acme", "version": 1},
	})
	require.NoError(t, err)

	s := newTestScheduler(t, engine, nil)
	rec, err := s.TriggerNow(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, rec.ItemsSynced)

	item, err := engine.Item(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "synced", string(item.Status))
}

func TestScheduler_WriteOnlyEngine(t *testing.T) {
	cfg := syncpkg.DefaultConfig()
	cfg.Mode = syncpkg.WriteOnly
	engine, err := syncpkg.NewEngine(cfg, store.NewMemory(), remote.NewMemory())
	require.NoError(t, err)
	defer engine.Close()

	s := newTestScheduler(t, engine, nil)
	_, err = s.TriggerNow(context.Background())
	assert.True(t, errors.Is(err, errors.ErrWriteOnly))
	assert.Empty(t, s.History())
	assert.Equal(t, float64(100), s.SuccessRate(), "no failed runs recorded")
	assert.Equal(t, StatusDisabled, s.GetStatus().Status)
}
