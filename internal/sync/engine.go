// Package sync provides the sync orchestrator: the enqueue API, the dispatch
// loop and the status surface over the durable queue.
package sync

import (
	"context"
	"math"
	gosync "sync"
	"time"

	"github.com/kimhsiao/ledgersync/internal/errors"
	"github.com/kimhsiao/ledgersync/internal/logging"
	"github.com/kimhsiao/ledgersync/internal/models"
	"github.com/kimhsiao/ledgersync/internal/sync/backoff"
	"github.com/kimhsiao/ledgersync/internal/sync/conflict"
	"github.com/kimhsiao/ledgersync/internal/sync/events"
	"github.com/kimhsiao/ledgersync/internal/sync/idempotency"
	"github.com/kimhsiao/ledgersync/internal/sync/multistep"
	"github.com/kimhsiao/ledgersync/internal/sync/queue"
	"github.com/kimhsiao/ledgersync/internal/sync/remote"
	"github.com/kimhsiao/ledgersync/internal/sync/state"
	"github.com/kimhsiao/ledgersync/internal/sync/store"
	"github.com/kimhsiao/ledgersync/internal/telemetry"
)

// SyncStatus represents the current orchestrator status.
type SyncStatus string

const (
	SyncStatusIdle      SyncStatus = "idle"
	SyncStatusSyncing   SyncStatus = "syncing"
	SyncStatusFailed    SyncStatus = "failed"
	SyncStatusWriteOnly SyncStatus = "write_only"
)

// DispatchMode says whether this orchestrator may dispatch at all.
// In WriteOnly mode items are still accepted and persisted, but another
// orchestrator owns dispatching.
type DispatchMode int

const (
	Active DispatchMode = iota
	WriteOnly
)

func (m DispatchMode) String() string {
	if m == WriteOnly {
		return "write_only"
	}
	return "active"
}

// maxRedispatch bounds how often one claim re-sends after an apply-local or merge decision.
const maxRedispatch = 2

// Config holds orchestrator configuration.
type Config struct {
	MaxConcurrency  int
	BatchSize       int
	AutoStart       bool
	Mode            DispatchMode
	DispatchTimeout time.Duration
	PollInterval    time.Duration
	StaleAfter      time.Duration // in_progress items older than this are recovered while running
	DeviceID        string        // stamped into payloads that carry none
}

// DefaultConfig returns default orchestrator configuration.
func DefaultConfig() Config {
	return Config{
		MaxConcurrency:  4,
		BatchSize:       50,
		Mode:            Active,
		DispatchTimeout: 30 * time.Second,
		PollInterval:    30 * time.Second,
		StaleAfter:      5 * time.Minute,
	}
}

// Validate checks the configuration.
func (c Config) Validate() error {
	if c.MaxConcurrency < 1 {
		return errors.New(errors.ErrValidation, "maxConcurrency must be at least 1")
	}
	if c.BatchSize < 1 {
		return errors.New(errors.ErrValidation, "batchSize must be at least 1")
	}
	if c.DispatchTimeout <= 0 {
		return errors.New(errors.ErrValidation, "dispatchTimeout must be positive")
	}
	if c.PollInterval <= 0 {
		return errors.New(errors.ErrValidation, "pollInterval must be positive")
	}
	return nil
}

// Engine is the sync orchestrator.
type Engine struct {
	cfg      Config
	store    store.Store
	adapter  remote.Adapter
	resolver *conflict.Resolver
	backoff  *backoff.Policy
	gen      *idempotency.Generator
	bus      *events.Bus
	stats    *telemetry.Collector
	now      func() time.Time

	mu       gosync.RWMutex
	status   SyncStatus
	lastSync *time.Time
	lastErr  error

	runMu gosync.Mutex // one SyncNow at a time
	opMu  gosync.Mutex // serialises multi-step load-modify-save

	inflightMu gosync.Mutex
	inflight   map[string]struct{}
	sem        chan struct{}

	loopMu loopState
	kick   chan struct{}
}

// loopState guards the background loop handles.
type loopState struct {
	gosync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// Option configures an Engine.
type Option func(*Engine)

// WithClock sets the engine's time source.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// WithBackoff sets the retry schedule.
func WithBackoff(p *backoff.Policy) Option {
	return func(e *Engine) { e.backoff = p }
}

// WithResolver sets the conflict resolver.
func WithResolver(r *conflict.Resolver) Option {
	return func(e *Engine) { e.resolver = r }
}

// WithGenerator sets the idempotency key generator.
func WithGenerator(g *idempotency.Generator) Option {
	return func(e *Engine) { e.gen = g }
}

// WithBus sets the event bus.
func WithBus(b *events.Bus) Option {
	return func(e *Engine) { e.bus = b }
}

// WithTelemetry sets the counters collector.
func WithTelemetry(c *telemetry.Collector) Option {
	return func(e *Engine) { e.stats = c }
}

// NewEngine creates an orchestrator over st dispatching through adapter.
func NewEngine(cfg Config, st store.Store, adapter remote.Adapter, opts ...Option) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if st == nil {
		return nil, errors.New(errors.ErrValidation, "store is required")
	}
	if adapter == nil && cfg.Mode == Active {
		return nil, errors.New(errors.ErrValidation, "remote adapter is required in active mode")
	}
	if cfg.StaleAfter <= 0 {
		cfg.StaleAfter = cfg.DispatchTimeout * 2
	}

	e := &Engine{
		cfg:      cfg,
		store:    st,
		adapter:  adapter,
		resolver: conflict.NewResolver(),
		backoff:  backoff.DefaultPolicy(),
		gen:      idempotency.NewGenerator(idempotency.DefaultBucket),
		bus:      events.NewBus(),
		stats:    telemetry.New(),
		now:      time.Now,
		status:   SyncStatusIdle,
		inflight: make(map[string]struct{}),
		sem:      make(chan struct{}, cfg.MaxConcurrency),
		kick:     make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(e)
	}
	if cfg.Mode == WriteOnly {
		e.status = SyncStatusWriteOnly
	}
	return e, nil
}

// Config returns the engine configuration.
func (e *Engine) Config() Config { return e.cfg }

// Mode returns the dispatch mode.
func (e *Engine) Mode() DispatchMode { return e.cfg.Mode }

// Status returns the current orchestrator status.
func (e *Engine) Status() SyncStatus {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.status
}

// LastSync returns when the last batch run finished.
func (e *Engine) LastSync() *time.Time {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.lastSync
}

// LastError returns the error of the last batch run, if any.
func (e *Engine) LastError() error {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.lastErr
}

// Subscribe registers a state-change listener.
func (e *Engine) Subscribe(buffer int) *events.Subscription {
	return e.bus.Subscribe(buffer)
}

// =====================================================
// Enqueue API
// =====================================================

// EnqueueRequest describes one change offered by a collaborator.
type EnqueueRequest struct {
	OwnerID          string                 `json:"ownerId"`
	OperationType    queue.OperationType    `json:"operationType"`
	TargetCollection string                 `json:"targetCollection"`
	DocumentID       string                 `json:"documentId"`
	Payload          map[string]interface{} `json:"payload"`
	Priority         *int                   `json:"priority,omitempty"`
	Timestamp        time.Time              `json:"timestamp,omitempty"` // defaults to now; feeds the id bucket
}

// Enqueue validates and persists a change, returning its operation id.
// Repeating a request inside the same time bucket returns the existing id.
func (e *Engine) Enqueue(ctx context.Context, req EnqueueRequest) (string, error) {
	if err := queue.ValidatePayload(req.OperationType, req.Payload); err != nil {
		return "", err
	}

	now := e.now().UTC()
	ts := req.Timestamp
	if ts.IsZero() {
		ts = now
	}

	payload, err := queue.NormalizePayload(e.stamp(req.Payload, ts))
	if err != nil {
		return "", errors.Wrap(errors.ErrValidation, "payload is not JSON-encodable", err)
	}
	hash, err := idempotency.PayloadHash(payload)
	if err != nil {
		return "", errors.Wrap(errors.ErrValidation, "payload is not JSON-encodable", err)
	}

	priority := queue.DefaultPriority
	if req.Priority != nil {
		priority = *req.Priority
	}

	item := &queue.Item{
		OperationID:      e.gen.Generate(req.OwnerID, req.TargetCollection, req.DocumentID, string(req.OperationType), ts),
		OperationType:    req.OperationType,
		TargetCollection: req.TargetCollection,
		DocumentID:       req.DocumentID,
		Payload:          payload,
		PayloadHash:      hash,
		Status:           queue.StatusPending,
		Priority:         priority,
		OwnerID:          req.OwnerID,
		CreatedAt:        now,
		UpdatedAt:        now,
		NextAttemptAt:    now,
	}
	if err := item.Validate(); err != nil {
		return "", err
	}

	inserted, err := e.store.Insert(ctx, item)
	if err != nil {
		return "", err
	}
	if !inserted {
		logging.Debug("Duplicate enqueue ignored", map[string]interface{}{"operation_id": item.OperationID})
		return item.OperationID, nil
	}

	logging.Info("Item enqueued", map[string]interface{}{
		"operation_id":   item.OperationID,
		"operation_type": item.OperationType,
		"collection":     item.TargetCollection,
		"owner_id":       item.OwnerID,
	})
	e.bus.Publish(events.Event{
		Type:        events.TypeEnqueued,
		OperationID: item.OperationID,
		OwnerID:     item.OwnerID,
		To:          queue.StatusPending,
	})
	e.Kick()
	return item.OperationID, nil
}

// stamp copies payload and fills in deviceId and updatedAt when absent.
func (e *Engine) stamp(payload map[string]interface{}, ts time.Time) map[string]interface{} {
	out := make(map[string]interface{}, len(payload)+2)
	for k, v := range payload {
		out[k] = v
	}
	if _, ok := out[queue.PayloadKeyDeviceID]; !ok && e.cfg.DeviceID != "" {
		out[queue.PayloadKeyDeviceID] = e.cfg.DeviceID
	}
	if _, ok := out[queue.PayloadKeyUpdatedAt]; !ok {
		out[queue.PayloadKeyUpdatedAt] = ts.UTC().Format(time.RFC3339Nano)
	}
	return out
}

// SubmitOperation persists a multi-step operation and materializes its
// incomplete steps. It returns the step operation ids.
func (e *Engine) SubmitOperation(ctx context.Context, op *multistep.Operation) ([]string, error) {
	if op == nil {
		return nil, errors.New(errors.ErrValidation, "operation is required")
	}
	for i := range op.Steps {
		op.Steps[i].Payload = e.stamp(op.Steps[i].Payload, op.CreatedAt)
	}

	e.opMu.Lock()
	err := e.store.SaveOperation(ctx, op)
	e.opMu.Unlock()
	if err != nil {
		return nil, err
	}

	ids, err := e.materialize(ctx, op)
	if err != nil {
		return nil, err
	}

	logging.Info("Multi-step operation submitted", map[string]interface{}{
		"operation_id": op.ID,
		"name":         op.Name,
		"steps":        op.TotalSteps(),
		"remaining":    len(ids),
	})
	e.Kick()
	return ids, nil
}

// materialize inserts the incomplete steps of op; existing rows are left alone.
func (e *Engine) materialize(ctx context.Context, op *multistep.Operation) ([]string, error) {
	items, err := op.CreateSyncQueueItems(e.gen)
	if err != nil {
		return nil, err
	}

	ids := make([]string, 0, len(items))
	for _, item := range items {
		inserted, err := e.store.Insert(ctx, item)
		if err != nil {
			return nil, err
		}
		ids = append(ids, item.OperationID)
		if inserted {
			e.bus.Publish(events.Event{
				Type:        events.TypeEnqueued,
				OperationID: item.OperationID,
				OwnerID:     item.OwnerID,
				To:          queue.StatusPending,
			})
		}
	}
	return ids, nil
}

// ResumeOperations re-materializes unfinished multi-step operations, for use
// after a restart. Steps whose items already synced are marked completed.
func (e *Engine) ResumeOperations(ctx context.Context) (int, error) {
	ops, err := e.store.ListIncompleteOperations(ctx, "")
	if err != nil {
		return 0, err
	}

	for _, op := range ops {
		items, err := op.CreateSyncQueueItems(e.gen)
		if err != nil {
			return 0, err
		}
		for _, item := range items {
			existing, err := e.store.Get(ctx, item.OperationID)
			if err == nil && existing.Status == queue.StatusSynced {
				if err := e.markStepCompleted(ctx, existing); err != nil {
					return 0, err
				}
			}
		}
		if _, err := e.materialize(ctx, op); err != nil {
			return 0, err
		}
	}

	if len(ops) > 0 {
		logging.Info("Resumed multi-step operations", map[string]interface{}{"count": len(ops)})
	}
	return len(ops), nil
}

// markStepCompleted records that a step item synced.
func (e *Engine) markStepCompleted(ctx context.Context, item *queue.Item) error {
	e.opMu.Lock()
	defer e.opMu.Unlock()

	op, err := e.store.LoadOperation(ctx, item.ParentOperationID)
	if err != nil {
		if errors.Is(err, errors.ErrNotFound) {
			return nil
		}
		return err
	}
	changed, err := op.MarkCompleted(item.StepNumber, e.now())
	if err != nil || !changed {
		return err
	}
	if err := e.store.SaveOperation(ctx, op); err != nil {
		return err
	}

	logging.Debug("Step completed", map[string]interface{}{
		"operation_id": op.ID,
		"step":         item.StepNumber,
		"percentage":   op.CompletionPercentage(),
	})
	return nil
}

// =====================================================
// Orchestration
// =====================================================

// RunResult summarises one SyncNow call.
type RunResult struct {
	Owners       int           `json:"owners"`
	Dispatched   int           `json:"dispatched"`
	Synced       int           `json:"synced"`
	Failed       int           `json:"failed"`
	Retried      int           `json:"retried"`
	DeadLettered int           `json:"deadLettered"`
	Conflicts    int           `json:"conflicts"`
	Skipped      int           `json:"skipped"`
	StartTime    time.Time     `json:"startTime"`
	EndTime      time.Time     `json:"endTime"`
	Duration     time.Duration `json:"durationNanos"`
}

// outcome is the result of processing one item.
type outcome struct {
	claimed  bool
	final    queue.Status // synced, retry or dead_letter; empty when nothing was committed
	conflict bool
}

func (r *RunResult) add(o outcome) {
	if !o.claimed {
		r.Skipped++
		return
	}
	r.Dispatched++
	if o.conflict {
		r.Conflicts++
	}
	switch o.final {
	case queue.StatusSynced:
		r.Synced++
	case queue.StatusRetry:
		r.Failed++
		r.Retried++
	case queue.StatusDeadLetter:
		r.Failed++
		r.DeadLettered++
	default:
		r.Skipped++
	}
}

// Kick asks the background loop to run a batch soon.
func (e *Engine) Kick() {
	select {
	case e.kick <- struct{}{}:
	default:
	}
}

func (e *Engine) setStatus(s SyncStatus) {
	e.mu.Lock()
	e.status = s
	e.mu.Unlock()
}

// SyncNow dispatches one batch per owner with due work.
// In WriteOnly mode it returns WRITE_ONLY without touching the queue.
func (e *Engine) SyncNow(ctx context.Context) (*RunResult, error) {
	if e.cfg.Mode == WriteOnly {
		return nil, errors.New(errors.ErrWriteOnly, "orchestrator is in write-only mode")
	}

	e.runMu.Lock()
	defer e.runMu.Unlock()

	e.setStatus(SyncStatusSyncing)
	result := &RunResult{StartTime: e.now()}
	var runErr error

	defer func() {
		result.EndTime = e.now()
		result.Duration = result.EndTime.Sub(result.StartTime)

		e.mu.Lock()
		defer e.mu.Unlock()
		e.lastErr = runErr
		if runErr != nil {
			e.status = SyncStatusFailed
		} else {
			e.status = SyncStatusIdle
			end := result.EndTime
			e.lastSync = &end
		}
	}()

	owners, err := e.store.EligibleOwners(ctx, e.now())
	if err != nil {
		runErr = err
		logging.Error("Failed to list eligible owners", err)
		return result, err
	}
	result.Owners = len(owners)

	for _, owner := range owners {
		if ctx.Err() != nil {
			break
		}
		items, err := e.store.ListEligible(ctx, owner, e.now(), e.cfg.BatchSize)
		if err != nil {
			runErr = err
			logging.Error("Failed to list eligible items", err, map[string]interface{}{"owner_id": owner})
			return result, err
		}
		if len(items) == 0 {
			continue
		}

		e.bus.Publish(events.Event{Type: events.TypeBatchStarted, OwnerID: owner})
		batch := e.dispatchBatch(ctx, items)
		e.bus.Publish(events.Event{Type: events.TypeBatchCompleted, OwnerID: owner})

		result.Dispatched += batch.Dispatched
		result.Synced += batch.Synced
		result.Failed += batch.Failed
		result.Retried += batch.Retried
		result.DeadLettered += batch.DeadLettered
		result.Conflicts += batch.Conflicts
		result.Skipped += batch.Skipped
	}

	if result.Dispatched > 0 {
		logging.Info("Sync run completed", map[string]interface{}{
			"owners":        result.Owners,
			"dispatched":    result.Dispatched,
			"synced":        result.Synced,
			"retried":       result.Retried,
			"dead_lettered": result.DeadLettered,
			"conflicts":     result.Conflicts,
		})
	}
	return result, nil
}

// dispatchBatch processes items of one owner with at most MaxConcurrency in flight.
func (e *Engine) dispatchBatch(ctx context.Context, items []*queue.Item) RunResult {
	var (
		wg     gosync.WaitGroup
		mu     gosync.Mutex
		result RunResult
	)

loop:
	for _, item := range items {
		if !e.claim(item.OperationID) {
			result.Skipped++
			continue
		}
		select {
		case e.sem <- struct{}{}:
		case <-ctx.Done():
			e.release(item.OperationID)
			break loop
		}

		wg.Add(1)
		go func(item *queue.Item) {
			defer wg.Done()
			defer func() { <-e.sem }()
			defer e.release(item.OperationID)

			o := e.process(ctx, item)
			mu.Lock()
			result.add(o)
			mu.Unlock()
		}(item)
	}

	wg.Wait()
	return result
}

// claim adds id to the in-flight set; false means another dispatch holds it.
func (e *Engine) claim(id string) bool {
	e.inflightMu.Lock()
	defer e.inflightMu.Unlock()
	if _, busy := e.inflight[id]; busy {
		return false
	}
	e.inflight[id] = struct{}{}
	return true
}

func (e *Engine) release(id string) {
	e.inflightMu.Lock()
	delete(e.inflight, id)
	e.inflightMu.Unlock()
}

func (e *Engine) inFlight(id string) bool {
	e.inflightMu.Lock()
	defer e.inflightMu.Unlock()
	_, busy := e.inflight[id]
	return busy
}

// process moves one eligible item to in_progress and dispatches it.
func (e *Engine) process(ctx context.Context, item *queue.Item) outcome {
	expected := item.Status
	working := item.Clone()
	now := e.now().UTC()

	if err := state.Transition(working, queue.StatusInProgress, state.Automatic, now); err != nil {
		logging.Warn("Item not dispatchable", map[string]interface{}{
			"operation_id": item.OperationID,
			"status":       item.Status,
		})
		return outcome{}
	}
	working.LastAttemptAt = &now

	if err := e.store.CompareAndSwap(ctx, working, expected); err != nil {
		if !errors.Is(err, errors.ErrStaleState) {
			logging.Error("Failed to claim item", err, map[string]interface{}{"operation_id": item.OperationID})
		}
		return outcome{}
	}
	e.publishTransition(working, expected, queue.StatusInProgress, "")

	// Outcome writes must land even if the run is cancelled mid-dispatch.
	persistCtx := context.WithoutCancel(ctx)

	hash, err := idempotency.PayloadHash(working.Payload)
	if err != nil || hash != working.PayloadHash {
		drift := errors.Newf(errors.ErrPayloadDrift, "payload hash changed since enqueue")
		return e.fail(persistCtx, working, drift, false, false)
	}

	return e.dispatch(ctx, persistCtx, working)
}

// dispatch sends item and feeds the result back through the state machine.
func (e *Engine) dispatch(ctx, persistCtx context.Context, item *queue.Item) outcome {
	sawConflict := false

	for attempt := 0; ; attempt++ {
		dctx, cancel := context.WithTimeout(ctx, e.cfg.DispatchTimeout)
		started := e.now()
		out := e.adapter.Dispatch(dctx, remote.RequestFor(item))
		deadline := dctx.Err()
		cancel()
		took := e.now().Sub(started)

		if out.Kind != remote.OutcomeSuccess && deadline != nil {
			out = remote.Transient(errors.Wrap(errors.ErrSyncTimeout, "dispatch cancelled or timed out", deadline))
		}

		switch out.Kind {
		case remote.OutcomeSuccess:
			e.stats.RecordSync(true, took, e.now())
			return e.complete(persistCtx, item, sawConflict)

		case remote.OutcomeTransient:
			e.stats.RecordSync(false, took, e.now())
			return e.fail(persistCtx, item, failure(errors.ErrSyncTransient, out.Err), true, sawConflict)

		case remote.OutcomePermanent:
			e.stats.RecordSync(false, took, e.now())
			return e.fail(persistCtx, item, failure(errors.ErrSyncPermanent, out.Err), false, sawConflict)

		case remote.OutcomeConflict:
			sawConflict = true
			e.stats.RecordConflict()

			res, err := e.resolver.Resolve(item, out.Remote)
			if err != nil {
				return e.fail(persistCtx, item, err, false, true)
			}
			e.recordConflict(persistCtx, item, res)

			switch res.Decision {
			case conflict.DecisionProceed, conflict.DecisionApplyLocal, conflict.DecisionMerged:
				if attempt >= maxRedispatch {
					err := errors.New(errors.ErrSyncConflict, "conflict persisted after re-dispatch")
					return e.fail(persistCtx, item, err, true, true)
				}
				if err := e.rebase(item, res); err != nil {
					return e.fail(persistCtx, item, err, false, true)
				}
				continue

			case conflict.DecisionSkip:
				return e.complete(persistCtx, item, true)

			case conflict.DecisionRebase:
				if err := e.rebase(item, res); err != nil {
					return e.fail(persistCtx, item, err, false, true)
				}
				return e.fail(persistCtx, item, errors.New(errors.ErrSyncConflict, res.Reason), true, true)

			case conflict.DecisionDiscard:
				return e.fail(persistCtx, item, errors.New(errors.ErrSyncConflict, res.Reason), false, true)

			case conflict.DecisionManual:
				return e.fail(persistCtx, item, errors.New(errors.ErrMergeRequired, res.Reason), false, true)
			}
			return e.fail(persistCtx, item, errors.Newf(errors.ErrInternal, "unknown conflict decision %q", res.Decision), false, true)

		default:
			e.stats.RecordSync(false, took, e.now())
			err := errors.Newf(errors.ErrSyncPermanent, "adapter returned unknown outcome %q", out.Kind)
			return e.fail(persistCtx, item, err, false, sawConflict)
		}
	}
}

// failure wraps an adapter error with a default code unless it already carries one.
func failure(code errors.ErrorCode, err error) error {
	if err == nil {
		return errors.New(code, "dispatch failed")
	}
	if errors.CodeOf(err) != errors.ErrInternal {
		return err
	}
	return errors.Wrap(code, "dispatch failed", err)
}

// rebase adopts the resolver's payload and operation type.
func (e *Engine) rebase(item *queue.Item, res *conflict.Resolution) error {
	if res.Payload == nil {
		return nil
	}
	payload, err := queue.NormalizePayload(res.Payload)
	if err != nil {
		return errors.Wrap(errors.ErrValidation, "resolved payload is not JSON-encodable", err)
	}
	hash, err := idempotency.PayloadHash(payload)
	if err != nil {
		return errors.Wrap(errors.ErrValidation, "resolved payload is not JSON-encodable", err)
	}
	item.Payload = payload
	item.PayloadHash = hash
	if res.OperationType != "" {
		item.OperationType = res.OperationType
	}
	return nil
}

func (e *Engine) recordConflict(ctx context.Context, item *queue.Item, res *conflict.Resolution) {
	if res.Log != nil {
		if err := e.store.RecordConflict(ctx, res.Log); err != nil {
			logging.Error("Failed to record conflict", err, map[string]interface{}{"operation_id": item.OperationID})
		}
	}
	logging.Warn("Conflict detected", map[string]interface{}{
		"operation_id": item.OperationID,
		"decision":     res.Decision,
		"reason":       res.Reason,
	})
	e.bus.Publish(events.Event{
		Type:        events.TypeConflict,
		OperationID: item.OperationID,
		OwnerID:     item.OwnerID,
		Detail:      string(res.Decision),
	})
}

// complete commits in_progress -> synced.
func (e *Engine) complete(ctx context.Context, item *queue.Item, sawConflict bool) outcome {
	now := e.now().UTC()
	if err := state.Transition(item, queue.StatusSynced, state.Automatic, now); err != nil {
		logging.Error("Illegal completion", err, map[string]interface{}{"operation_id": item.OperationID})
		return outcome{claimed: true, conflict: sawConflict}
	}
	item.LastError = ""

	if err := e.store.CompareAndSwap(ctx, item, queue.StatusInProgress); err != nil {
		logging.Error("Failed to commit synced item", err, map[string]interface{}{"operation_id": item.OperationID})
		return outcome{claimed: true, conflict: sawConflict}
	}
	e.publishTransition(item, queue.StatusInProgress, queue.StatusSynced, "")

	if item.IsStep() {
		if err := e.markStepCompleted(ctx, item); err != nil {
			logging.Error("Failed to record step completion", err, map[string]interface{}{
				"operation_id": item.ParentOperationID,
				"step":         item.StepNumber,
			})
		}
	}
	return outcome{claimed: true, final: queue.StatusSynced, conflict: sawConflict}
}

// fail commits in_progress -> failed -> retry|dead_letter as one write.
// Retryable failures count an attempt; the attempt that reaches MaxRetries dead-letters.
func (e *Engine) fail(ctx context.Context, item *queue.Item, cause error, retryable, sawConflict bool) outcome {
	now := e.now().UTC()
	if err := state.Transition(item, queue.StatusFailed, state.Automatic, now); err != nil {
		logging.Error("Illegal failure transition", err, map[string]interface{}{"operation_id": item.OperationID})
		return outcome{claimed: true, conflict: sawConflict}
	}
	item.LastError = cause.Error()

	next := queue.StatusDeadLetter
	if retryable {
		item.RetryCount++
		if !e.backoff.ShouldDeadLetter(item.RetryCount) {
			next = queue.StatusRetry
			item.NextAttemptAt = now.Add(e.backoff.Delay(item.RetryCount - 1))
		}
	}
	if err := state.Transition(item, next, state.Automatic, now); err != nil {
		logging.Error("Illegal failure transition", err, map[string]interface{}{"operation_id": item.OperationID})
		return outcome{claimed: true, conflict: sawConflict}
	}

	if err := e.store.CompareAndSwap(ctx, item, queue.StatusInProgress); err != nil {
		logging.Error("Failed to commit failed item", err, map[string]interface{}{"operation_id": item.OperationID})
		return outcome{claimed: true, conflict: sawConflict}
	}

	e.publishTransition(item, queue.StatusInProgress, queue.StatusFailed, item.LastError)
	e.publishTransition(item, queue.StatusFailed, next, item.LastError)

	if next == queue.StatusRetry {
		e.stats.RecordRetry()
		logging.Info("Item scheduled for retry", map[string]interface{}{
			"operation_id":    item.OperationID,
			"retry_count":     item.RetryCount,
			"next_attempt_at": item.NextAttemptAt,
			"error":           item.LastError,
		})
	} else {
		e.stats.RecordDeadLetter()
		logging.Warn("Item dead-lettered", map[string]interface{}{
			"operation_id": item.OperationID,
			"retry_count":  item.RetryCount,
			"code":         errors.CodeOf(cause),
			"error":        item.LastError,
		})
		e.bus.Publish(events.Event{
			Type:        events.TypeDeadLettered,
			OperationID: item.OperationID,
			OwnerID:     item.OwnerID,
			From:        queue.StatusFailed,
			To:          queue.StatusDeadLetter,
			Error:       item.LastError,
		})
	}
	return outcome{claimed: true, final: next, conflict: sawConflict}
}

func (e *Engine) publishTransition(item *queue.Item, from, to queue.Status, errMsg string) {
	logging.Debug("State transition", map[string]interface{}{
		"operation_id": item.OperationID,
		"from":         from,
		"to":           to,
	})
	e.bus.Publish(events.Event{
		Type:        events.TypeTransition,
		OperationID: item.OperationID,
		OwnerID:     item.OwnerID,
		From:        from,
		To:          to,
		Error:       errMsg,
	})
}

// RecoverStale fails in_progress items whose attempt started more than
// StaleAfter ago and that no dispatcher in this process holds. They re-enter
// the backoff schedule, or dead-letter when exhausted.
func (e *Engine) RecoverStale(ctx context.Context) (int, error) {
	return e.recoverInProgress(ctx, e.now().Add(-e.cfg.StaleAfter))
}

// recoverOrphans fails every in_progress item this process is not
// dispatching. Before the loop starts none of them can be live, so a process
// restarted right after a crash recovers them regardless of age.
func (e *Engine) recoverOrphans(ctx context.Context) (int, error) {
	return e.recoverInProgress(ctx, time.Unix(0, math.MaxInt64))
}

func (e *Engine) recoverInProgress(ctx context.Context, startedBefore time.Time) (int, error) {
	items, err := e.store.ListStale(ctx, startedBefore)
	if err != nil {
		return 0, err
	}

	recovered := 0
	for _, item := range items {
		if e.inFlight(item.OperationID) {
			continue
		}
		cause := errors.New(errors.ErrSyncTimeout, "dispatch interrupted before completion")
		if o := e.fail(ctx, item, cause, true, false); o.final != "" {
			recovered++
		}
	}
	if recovered > 0 {
		logging.Warn("Recovered stale items", map[string]interface{}{"count": recovered})
	}
	return recovered, nil
}

// =====================================================
// Background loop
// =====================================================

// Start recovers items left in_progress by a previous process, resumes
// multi-step operations and runs the dispatch loop until Stop. In WriteOnly
// mode nothing is started.
func (e *Engine) Start(ctx context.Context) error {
	if e.cfg.Mode == WriteOnly {
		logging.Info("Orchestrator in write-only mode; dispatch loop not started")
		return nil
	}

	e.loopMu.Lock()
	defer e.loopMu.Unlock()
	if e.loopMu.cancel != nil {
		return nil
	}

	if _, err := e.recoverOrphans(ctx); err != nil {
		return err
	}
	if _, err := e.ResumeOperations(ctx); err != nil {
		return err
	}

	loopCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	e.loopMu.cancel = cancel
	e.loopMu.done = done

	go e.loop(loopCtx, done)
	e.Kick()

	logging.Info("Orchestrator started", map[string]interface{}{
		"max_concurrency": e.cfg.MaxConcurrency,
		"batch_size":      e.cfg.BatchSize,
		"poll_interval":   e.cfg.PollInterval.String(),
	})
	return nil
}

func (e *Engine) loop(ctx context.Context, done chan struct{}) {
	defer close(done)

	ticker := time.NewTicker(e.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		case <-e.kick:
		}
		if _, err := e.RecoverStale(ctx); err != nil && ctx.Err() == nil {
			logging.Error("Stale recovery failed", err)
		}
		if _, err := e.SyncNow(ctx); err != nil && ctx.Err() == nil {
			logging.Error("Periodic sync failed", err)
		}
	}
}

// Stop halts the dispatch loop and waits for the current batch to finish.
func (e *Engine) Stop() {
	e.loopMu.Lock()
	cancel, done := e.loopMu.cancel, e.loopMu.done
	e.loopMu.cancel, e.loopMu.done = nil, nil
	e.loopMu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
	logging.Info("Orchestrator stopped")
}

// Close stops the loop and closes the event bus.
func (e *Engine) Close() {
	e.Stop()
	e.bus.Close()
}

// =====================================================
// Status and operator API
// =====================================================

// Item returns the current state of one queue item.
func (e *Engine) Item(ctx context.Context, operationID string) (*queue.Item, error) {
	return e.store.Get(ctx, operationID)
}

// Stats is the aggregate status reported to UI and ops collaborators.
type Stats struct {
	TotalSyncs      int64                `json:"totalSyncs"`
	SuccessfulSyncs int64                `json:"successfulSyncs"`
	FailedSyncs     int64                `json:"failedSyncs"`
	SuccessRate     float64              `json:"successRate"`
	CurrentStatus   SyncStatus           `json:"currentStatus"`
	IsEnabled       bool                 `json:"isEnabled"`
	Mode            string               `json:"mode"`
	LastSync        *time.Time           `json:"lastSync,omitempty"`
	LastError       string               `json:"lastError,omitempty"`
	Queue           map[queue.Status]int `json:"queue"`
	Telemetry       telemetry.Snapshot   `json:"telemetry"`
}

// Stats returns aggregate statistics.
func (e *Engine) Stats(ctx context.Context) (*Stats, error) {
	counts, err := e.store.Counts(ctx)
	if err != nil {
		return nil, err
	}
	snap := e.stats.Snapshot()

	s := &Stats{
		TotalSyncs:      snap.TotalSyncs,
		SuccessfulSyncs: snap.SuccessfulSyncs,
		FailedSyncs:     snap.FailedSyncs,
		SuccessRate:     snap.SuccessRate,
		CurrentStatus:   e.Status(),
		IsEnabled:       e.cfg.Mode == Active,
		Mode:            e.cfg.Mode.String(),
		LastSync:        e.LastSync(),
		Queue:           counts,
		Telemetry:       snap,
	}
	if err := e.LastError(); err != nil {
		s.LastError = err.Error()
	}
	return s, nil
}

// RequeueDeadLetter is the manual operator action dead_letter -> pending.
// It resets the retry count and makes the item due immediately.
func (e *Engine) RequeueDeadLetter(ctx context.Context, operationID string) (*queue.Item, error) {
	item, err := e.store.Get(ctx, operationID)
	if err != nil {
		return nil, err
	}

	expected := item.Status
	now := e.now().UTC()
	if err := state.Transition(item, queue.StatusPending, state.Manual, now); err != nil {
		return nil, err
	}
	item.RetryCount = 0
	item.LastError = ""
	item.NextAttemptAt = now

	if err := e.store.CompareAndSwap(ctx, item, expected); err != nil {
		return nil, err
	}

	logging.Warn("Dead letter requeued", map[string]interface{}{"operation_id": operationID})
	e.bus.Publish(events.Event{
		Type:        events.TypeRequeued,
		OperationID: item.OperationID,
		OwnerID:     item.OwnerID,
		From:        queue.StatusDeadLetter,
		To:          queue.StatusPending,
	})
	e.Kick()
	return item, nil
}

// ListDeadLetters returns dead-lettered items; an empty owner lists all owners.
func (e *Engine) ListDeadLetters(ctx context.Context, ownerID string) ([]*queue.Item, error) {
	return e.store.ListByStatus(ctx, queue.StatusDeadLetter, ownerID)
}

// Conflicts returns recorded conflicts, newest first.
func (e *Engine) Conflicts(ctx context.Context, ownerID string, limit int) ([]*models.ConflictLog, error) {
	return e.store.ListConflicts(ctx, ownerID, limit)
}

// Purge deletes synced items last updated before olderThan ago.
func (e *Engine) Purge(ctx context.Context, olderThan time.Duration) (int, error) {
	n, err := e.store.PurgeSynced(ctx, e.now().Add(-olderThan))
	if err != nil {
		return 0, err
	}
	logging.Info("Purged synced items", map[string]interface{}{"count": n})
	return n, nil
}
