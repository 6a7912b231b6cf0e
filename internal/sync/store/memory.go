package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/kimhsiao/ledgersync/internal/errors"
	"github.com/kimhsiao/ledgersync/internal/models"
	"github.com/kimhsiao/ledgersync/internal/sync/multistep"
	"github.com/kimhsiao/ledgersync/internal/sync/queue"
)

// Memory is a non-durable Store. Items are cloned on the way in and out so
// callers never share state with the store.
type Memory struct {
	mu         sync.RWMutex
	items      map[string]*queue.Item
	conflicts  []*models.ConflictLog
	operations map[string]*models.MultiStepOperation
}

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		items:      make(map[string]*queue.Item),
		operations: make(map[string]*models.MultiStepOperation),
	}
}

// Close implements Store.
func (m *Memory) Close() error { return nil }

// Insert implements Store.
func (m *Memory) Insert(_ context.Context, item *queue.Item) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.items[item.OperationID]; exists {
		return false, nil
	}
	m.items[item.OperationID] = item.Clone()
	return true, nil
}

// Get implements Store.
func (m *Memory) Get(_ context.Context, operationID string) (*queue.Item, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	item, ok := m.items[operationID]
	if !ok {
		return nil, errors.Newf(errors.ErrNotFound, "item %s not found", operationID)
	}
	return item.Clone(), nil
}

// CompareAndSwap implements Store.
func (m *Memory) CompareAndSwap(_ context.Context, item *queue.Item, expected queue.Status) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	current, ok := m.items[item.OperationID]
	if !ok {
		return errors.Newf(errors.ErrNotFound, "item %s not found", item.OperationID)
	}
	if current.Status != expected {
		return errors.Newf(errors.ErrStaleState, "item %s is %s, expected %s", item.OperationID, current.Status, expected)
	}
	m.items[item.OperationID] = item.Clone()
	return nil
}

// blocked reports whether an earlier step of the same parent has not synced.
// Callers hold m.mu.
func (m *Memory) blocked(item *queue.Item) bool {
	if !item.IsStep() {
		return false
	}
	for _, other := range m.items {
		if other.ParentOperationID == item.ParentOperationID &&
			other.StepNumber < item.StepNumber &&
			other.Status != queue.StatusSynced {
			return true
		}
	}
	return false
}

// ListEligible implements Store.
func (m *Memory) ListEligible(_ context.Context, ownerID string, now time.Time, limit int) ([]*queue.Item, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*queue.Item
	for _, item := range m.items {
		if ownerID != "" && item.OwnerID != ownerID {
			continue
		}
		if isEligible(item, now) && !m.blocked(item) {
			out = append(out, item.Clone())
		}
	}
	sortQueue(out)
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// EligibleOwners implements Store.
func (m *Memory) EligibleOwners(_ context.Context, now time.Time) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	seen := make(map[string]bool)
	var owners []string
	for _, item := range m.items {
		if seen[item.OwnerID] || !isEligible(item, now) || m.blocked(item) {
			continue
		}
		seen[item.OwnerID] = true
		owners = append(owners, item.OwnerID)
	}
	sort.Strings(owners)
	return owners, nil
}

// ListByStatus implements Store.
func (m *Memory) ListByStatus(_ context.Context, status queue.Status, ownerID string) ([]*queue.Item, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*queue.Item
	for _, item := range m.items {
		if item.Status == status && (ownerID == "" || item.OwnerID == ownerID) {
			out = append(out, item.Clone())
		}
	}
	sortQueue(out)
	return out, nil
}

// ListStale implements Store.
func (m *Memory) ListStale(_ context.Context, before time.Time) ([]*queue.Item, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*queue.Item
	for _, item := range m.items {
		if item.Status != queue.StatusInProgress {
			continue
		}
		started := item.UpdatedAt
		if item.LastAttemptAt != nil {
			started = *item.LastAttemptAt
		}
		if started.Before(before) {
			out = append(out, item.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// Counts implements Store.
func (m *Memory) Counts(_ context.Context) (map[queue.Status]int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	counts := make(map[queue.Status]int, len(queue.Statuses))
	for _, st := range queue.Statuses {
		counts[st] = 0
	}
	for _, item := range m.items {
		counts[item.Status]++
	}
	return counts, nil
}

// PurgeSynced implements Store.
func (m *Memory) PurgeSynced(_ context.Context, before time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	n := 0
	for id, item := range m.items {
		if item.Status == queue.StatusSynced && item.UpdatedAt.Before(before) {
			delete(m.items, id)
			n++
		}
	}
	return n, nil
}

// RecordConflict implements Store.
func (m *Memory) RecordConflict(_ context.Context, entry *models.ConflictLog) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	c := *entry
	m.conflicts = append(m.conflicts, &c)
	return nil
}

// ListConflicts implements Store.
func (m *Memory) ListConflicts(_ context.Context, ownerID string, limit int) ([]*models.ConflictLog, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*models.ConflictLog
	for _, c := range m.conflicts {
		if ownerID == "" || c.OwnerID == ownerID {
			cp := *c
			out = append(out, &cp)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].DetectedAt != out[j].DetectedAt {
			return out[i].DetectedAt > out[j].DetectedAt
		}
		return out[i].ID < out[j].ID
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// SaveOperation implements multistep.Repository.
func (m *Memory) SaveOperation(_ context.Context, op *multistep.Operation) error {
	row, err := op.ToModel()
	if err != nil {
		return errors.Wrap(errors.ErrValidation, "failed to encode operation", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if existing, ok := m.operations[row.ID]; ok {
		row.CreatedAt = existing.CreatedAt
	}
	m.operations[row.ID] = row
	return nil
}

// LoadOperation implements multistep.Repository.
func (m *Memory) LoadOperation(_ context.Context, id string) (*multistep.Operation, error) {
	m.mu.RLock()
	row, ok := m.operations[id]
	m.mu.RUnlock()
	if !ok {
		return nil, errors.Newf(errors.ErrNotFound, "operation %s not found", id)
	}
	return multistep.FromModel(row)
}

// ListIncompleteOperations implements multistep.Repository.
func (m *Memory) ListIncompleteOperations(_ context.Context, ownerID string) ([]*multistep.Operation, error) {
	m.mu.RLock()
	var rows []*models.MultiStepOperation
	for _, row := range m.operations {
		if !row.Completed && (ownerID == "" || row.OwnerID == ownerID) {
			rows = append(rows, row)
		}
	}
	m.mu.RUnlock()

	sort.Slice(rows, func(i, j int) bool { return rows[i].CreatedAt < rows[j].CreatedAt })
	out := make([]*multistep.Operation, 0, len(rows))
	for _, row := range rows {
		op, err := multistep.FromModel(row)
		if err != nil {
			return nil, err
		}
		out = append(out, op)
	}
	return out, nil
}

// sortQueue orders items by priority, then creation time, then id.
func sortQueue(items []*queue.Item) {
	sort.Slice(items, func(i, j int) bool {
		a, b := items[i], items[j]
		if a.Priority != b.Priority {
			return a.Priority < b.Priority
		}
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.Before(b.CreatedAt)
		}
		return a.OperationID < b.OperationID
	})
}
