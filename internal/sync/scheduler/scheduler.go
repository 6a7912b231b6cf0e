// Package scheduler provides the background trigger that decides when the
// orchestrator runs under network and power constraints.
package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/kimhsiao/ledgersync/internal/errors"
	"github.com/kimhsiao/ledgersync/internal/logging"
	syncpkg "github.com/kimhsiao/ledgersync/internal/sync"
	"github.com/kimhsiao/ledgersync/internal/sync/backoff"
)

// Status is the state of the background trigger.
type Status string

const (
	StatusIdle      Status = "idle"
	StatusScheduled Status = "scheduled"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusDisabled  Status = "disabled"
)

// MinIntervalMinutes is the shortest interval platforms allow for periodic work.
const MinIntervalMinutes = 15

// DefaultHistorySize bounds the run history.
const DefaultHistorySize = 20

// Config holds scheduler configuration.
type Config struct {
	MinIntervalMinutes int  `json:"minIntervalMinutes" yaml:"minIntervalMinutes"`
	WifiOnly           bool `json:"wifiOnly" yaml:"wifiOnly"`
	RequiresCharging   bool `json:"requiresCharging" yaml:"requiresCharging"`
	MaxRetries         int  `json:"maxRetries" yaml:"maxRetries"`
	Enabled            bool `json:"enabled" yaml:"enabled"`
	HistorySize        int  `json:"historySize" yaml:"historySize"`
}

// DefaultConfig returns default scheduler configuration.
func DefaultConfig() Config {
	return Config{
		MinIntervalMinutes: MinIntervalMinutes,
		MaxRetries:         3,
		Enabled:            true,
		HistorySize:        DefaultHistorySize,
	}
}

// Validate checks the configuration.
func (c Config) Validate() error {
	if c.MinIntervalMinutes < MinIntervalMinutes {
		return errors.Newf(errors.ErrValidation, "minIntervalMinutes must be at least %d", MinIntervalMinutes)
	}
	if c.MaxRetries < 0 {
		return errors.New(errors.ErrValidation, "maxRetries must not be negative")
	}
	if c.HistorySize < 0 {
		return errors.New(errors.ErrValidation, "historySize must not be negative")
	}
	return nil
}

// Interval returns the run interval.
func (c Config) Interval() time.Duration {
	return time.Duration(c.MinIntervalMinutes) * time.Minute
}

// Conditions reports the device state the trigger depends on.
type Conditions interface {
	Online() bool
	OnWifi() bool
	Charging() bool
}

// StaticConditions is a fixed Conditions value, used on servers and in tests.
type StaticConditions struct {
	IsOnline   bool
	IsOnWifi   bool
	IsCharging bool
}

func (c StaticConditions) Online() bool   { return c.IsOnline }
func (c StaticConditions) OnWifi() bool   { return c.IsOnWifi }
func (c StaticConditions) Charging() bool { return c.IsCharging }

// Runner runs one sync pass. *sync.Engine satisfies it.
type Runner interface {
	SyncNow(ctx context.Context) (*syncpkg.RunResult, error)
}

// RunRecord is one entry of the run history.
type RunRecord struct {
	Success     bool          `json:"success"`
	ItemsSynced int           `json:"itemsSynced"`
	ItemsFailed int           `json:"itemsFailed"`
	Duration    time.Duration `json:"durationNanos"`
	Timestamp   time.Time     `json:"timestamp"`
	Error       string        `json:"error,omitempty"`
}

// Scheduler manages background sync runs.
type Scheduler struct {
	runner     Runner
	conditions Conditions
	backoff    *backoff.Policy
	now        func() time.Time
	sleep      func(ctx context.Context, d time.Duration) error

	mu        sync.RWMutex
	cfg       Config
	status    Status
	isOnline  bool
	isRunning bool
	inRun     bool
	history   []RunRecord
	nextRunAt time.Time
	reset     chan struct{}

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithConditions sets the device-state probe.
func WithConditions(c Conditions) Option {
	return func(s *Scheduler) { s.conditions = c }
}

// WithBackoff sets the delay schedule between retries of a failed run.
func WithBackoff(p *backoff.Policy) Option {
	return func(s *Scheduler) { s.backoff = p }
}

// WithClock sets the time source.
func WithClock(now func() time.Time) Option {
	return func(s *Scheduler) { s.now = now }
}

// withSleep replaces the retry wait, for tests.
func withSleep(fn func(ctx context.Context, d time.Duration) error) Option {
	return func(s *Scheduler) { s.sleep = fn }
}

// NewScheduler creates a Scheduler.
func NewScheduler(runner Runner, cfg Config, opts ...Option) (*Scheduler, error) {
	if runner == nil {
		return nil, errors.New(errors.ErrValidation, "runner is required")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.HistorySize == 0 {
		cfg.HistorySize = DefaultHistorySize
	}

	s := &Scheduler{
		runner:     runner,
		conditions: StaticConditions{IsOnline: true, IsOnWifi: true, IsCharging: true},
		backoff:    backoff.DefaultPolicy(),
		now:        time.Now,
		sleep:      sleepCtx,
		cfg:        cfg,
		status:     StatusIdle,
		isOnline:   true,
		reset:      make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(s)
	}
	if !cfg.Enabled {
		s.status = StatusDisabled
	}
	return s, nil
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Start starts the periodic trigger.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	if s.isRunning {
		s.mu.Unlock()
		return
	}
	s.isRunning = true
	s.stopCh = make(chan struct{})
	if s.cfg.Enabled {
		s.status = StatusScheduled
		s.nextRunAt = s.now().Add(s.cfg.Interval())
	}
	interval := s.cfg.Interval()
	s.mu.Unlock()

	s.wg.Add(1)
	go s.loop(ctx)

	logging.Info("Background sync scheduler started", map[string]interface{}{
		"interval_minutes": interval.Minutes(),
	})
}

// Stop stops the trigger gracefully and waits for a running pass.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.isRunning {
		s.mu.Unlock()
		return
	}
	s.isRunning = false
	close(s.stopCh)
	s.mu.Unlock()

	s.wg.Wait()

	s.mu.Lock()
	if s.status == StatusScheduled {
		s.status = StatusIdle
	}
	s.mu.Unlock()

	logging.Info("Background sync scheduler stopped")
}

func (s *Scheduler) loop(ctx context.Context) {
	defer s.wg.Done()

	s.mu.RLock()
	stopCh := s.stopCh
	interval := s.cfg.Interval()
	s.mu.RUnlock()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-stopCh:
			cancel()
		case <-runCtx.Done():
		}
	}()

	for {
		select {
		case <-runCtx.Done():
			return
		case <-s.reset:
			s.mu.RLock()
			interval = s.cfg.Interval()
			s.mu.RUnlock()
			ticker.Reset(interval)
		case <-ticker.C:
			if _, err := s.run(runCtx); err != nil && runCtx.Err() == nil {
				logging.Debug("Scheduled sync skipped or failed", map[string]interface{}{"error": err.Error()})
			}
			s.mu.Lock()
			s.nextRunAt = s.now().Add(interval)
			s.mu.Unlock()
		}
	}
}

// canRun reports why a pass may not start now, or nil.
func (s *Scheduler) canRun() error {
	if !s.cfg.Enabled {
		return errors.New(errors.ErrValidation, "background sync is disabled")
	}
	if !s.isOnline || !s.conditions.Online() {
		return errors.New(errors.ErrSyncTransient, "device is offline")
	}
	if s.cfg.WifiOnly && !s.conditions.OnWifi() {
		return errors.New(errors.ErrSyncTransient, "waiting for wifi")
	}
	if s.cfg.RequiresCharging && !s.conditions.Charging() {
		return errors.New(errors.ErrSyncTransient, "waiting for charger")
	}
	if s.inRun {
		return errors.New(errors.ErrDuplicate, "sync already in progress")
	}
	return nil
}

// run executes one pass, retrying a failed one up to MaxRetries times.
func (s *Scheduler) run(ctx context.Context) (RunRecord, error) {
	s.mu.Lock()
	if err := s.canRun(); err != nil {
		s.mu.Unlock()
		return RunRecord{}, err
	}
	s.inRun = true
	s.status = StatusRunning
	maxRetries := s.cfg.MaxRetries
	s.mu.Unlock()

	var rec RunRecord
	for attempt := 0; ; attempt++ {
		var err error
		rec, err = s.runOnce(ctx)
		if errors.Is(err, errors.ErrWriteOnly) {
			// A write-only engine never dispatches; that is not a failed pass.
			s.mu.Lock()
			s.inRun = false
			s.status = StatusDisabled
			s.mu.Unlock()
			return RunRecord{}, err
		}
		if rec.Success || attempt >= maxRetries || ctx.Err() != nil {
			break
		}
		delay := s.backoff.Delay(attempt)
		logging.Warn("Background sync failed, retrying", map[string]interface{}{
			"attempt": attempt + 1,
			"delay":   delay.String(),
			"error":   rec.Error,
		})
		if err := s.sleep(ctx, delay); err != nil {
			break
		}
	}

	s.mu.Lock()
	s.inRun = false
	s.record(rec)
	if rec.Success {
		s.status = StatusCompleted
	} else {
		s.status = StatusFailed
	}
	if !s.cfg.Enabled {
		s.status = StatusDisabled
	}
	s.mu.Unlock()

	if rec.Success {
		logging.Info("Background sync completed", map[string]interface{}{
			"items_synced": rec.ItemsSynced,
			"items_failed": rec.ItemsFailed,
			"duration_ms":  rec.Duration.Milliseconds(),
		})
		return rec, nil
	}
	return rec, errors.New(errors.ErrSyncTransient, rec.Error)
}

func (s *Scheduler) runOnce(ctx context.Context) (RunRecord, error) {
	started := s.now()
	result, err := s.runner.SyncNow(ctx)

	rec := RunRecord{Timestamp: started, Duration: s.now().Sub(started)}
	if result != nil {
		rec.ItemsSynced = result.Synced
		rec.ItemsFailed = result.Failed
	}
	if err != nil {
		rec.Error = err.Error()
		return rec, err
	}
	rec.Success = true
	return rec, nil
}

// record appends rec to the bounded history. Caller holds mu.
func (s *Scheduler) record(rec RunRecord) {
	s.history = append(s.history, rec)
	if over := len(s.history) - s.cfg.HistorySize; over > 0 {
		s.history = append([]RunRecord(nil), s.history[over:]...)
	}
}

// TriggerNow runs a pass immediately and waits for it.
func (s *Scheduler) TriggerNow(ctx context.Context) (RunRecord, error) {
	return s.run(ctx)
}

// UpdateConfig replaces the configuration. Disabling stops scheduling new passes.
func (s *Scheduler) UpdateConfig(cfg Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	if cfg.HistorySize == 0 {
		cfg.HistorySize = DefaultHistorySize
	}

	s.mu.Lock()
	s.cfg = cfg
	switch {
	case !cfg.Enabled:
		s.status = StatusDisabled
	case s.status == StatusDisabled && s.isRunning:
		s.status = StatusScheduled
	case s.status == StatusDisabled:
		s.status = StatusIdle
	}
	if over := len(s.history) - cfg.HistorySize; over > 0 {
		s.history = append([]RunRecord(nil), s.history[over:]...)
	}
	if cfg.Enabled && s.isRunning {
		s.nextRunAt = s.now().Add(cfg.Interval())
	}
	s.mu.Unlock()

	select {
	case s.reset <- struct{}{}:
	default:
	}

	logging.Info("Background sync configuration updated", map[string]interface{}{
		"enabled":           cfg.Enabled,
		"interval_minutes":  cfg.MinIntervalMinutes,
		"wifi_only":         cfg.WifiOnly,
		"requires_charging": cfg.RequiresCharging,
	})
	return nil
}

// SetOnlineStatus changes the online status of the scheduler.
// While offline no pass is started.
func (s *Scheduler) SetOnlineStatus(isOnline bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	wasOnline := s.isOnline
	s.isOnline = isOnline

	if wasOnline != isOnline {
		logging.Info("Online status changed", map[string]interface{}{
			"was_online": wasOnline,
			"is_online":  isOnline,
		})
	}
}

// IsOnline returns whether the scheduler is in online mode.
func (s *Scheduler) IsOnline() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.isOnline
}

// IsRunning returns whether the periodic trigger is running.
func (s *Scheduler) IsRunning() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.isRunning
}

// Config returns the current configuration.
func (s *Scheduler) Config() Config {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cfg
}

// History returns a copy of the run history, oldest first.
func (s *Scheduler) History() []RunRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]RunRecord, len(s.history))
	copy(out, s.history)
	return out
}

// SuccessRate returns the percentage of successful runs in the history.
// An empty history reports 100.
func (s *Scheduler) SuccessRate() float64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if len(s.history) == 0 {
		return 100
	}
	ok := 0
	for _, r := range s.history {
		if r.Success {
			ok++
		}
	}
	return float64(ok) / float64(len(s.history)) * 100
}

// State is the status reported to UI and ops collaborators.
type State struct {
	Status      Status      `json:"status"`
	Config      Config      `json:"config"`
	IsRunning   bool        `json:"isRunning"`
	IsOnline    bool        `json:"isOnline"`
	NextRunAt   *time.Time  `json:"nextRunAt,omitempty"`
	LastRun     *RunRecord  `json:"lastRun,omitempty"`
	SuccessRate float64     `json:"successRate"`
	History     []RunRecord `json:"history"`
}

// GetStatus returns the current status of the scheduler.
func (s *Scheduler) GetStatus() State {
	rate := s.SuccessRate()
	history := s.History()

	s.mu.RLock()
	defer s.mu.RUnlock()

	st := State{
		Status:      s.status,
		Config:      s.cfg,
		IsRunning:   s.isRunning,
		IsOnline:    s.isOnline,
		SuccessRate: rate,
		History:     history,
	}
	if s.isRunning && s.cfg.Enabled && !s.nextRunAt.IsZero() {
		next := s.nextRunAt
		st.NextRunAt = &next
	}
	if n := len(history); n > 0 {
		last := history[n-1]
		st.LastRun = &last
	}
	return st
}
