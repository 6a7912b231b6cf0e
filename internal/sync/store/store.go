// Package store persists queue items, conflict records and multi-step
// operations. Status changes are committed only through CompareAndSwap.
package store

import (
	"context"
	"time"

	"github.com/kimhsiao/ledgersync/internal/models"
	"github.com/kimhsiao/ledgersync/internal/sync/multistep"
	"github.com/kimhsiao/ledgersync/internal/sync/queue"
	"github.com/kimhsiao/ledgersync/internal/sync/state"
)

// Store is the durable queue shared by the orchestrator and the enqueue API.
type Store interface {
	// Insert stores a new item. It returns false, without error, when an
	// item with the same operation id already exists.
	Insert(ctx context.Context, item *queue.Item) (bool, error)

	// Get returns one item or a NOT_FOUND error.
	Get(ctx context.Context, operationID string) (*queue.Item, error)

	// CompareAndSwap writes item only if the stored status still equals
	// expected. It returns STALE_STATE when the status moved, NOT_FOUND when
	// the row is gone.
	CompareAndSwap(ctx context.Context, item *queue.Item, expected queue.Status) error

	// ListEligible returns up to limit pending or retry items of owner that
	// are due at now and not blocked by an unsynced earlier step, ordered by
	// priority then creation time.
	ListEligible(ctx context.Context, ownerID string, now time.Time, limit int) ([]*queue.Item, error)

	// EligibleOwners lists the owners that have due work at now.
	EligibleOwners(ctx context.Context, now time.Time) ([]string, error)

	// ListByStatus returns items in status; an empty owner lists all owners.
	ListByStatus(ctx context.Context, status queue.Status, ownerID string) ([]*queue.Item, error)

	// ListStale returns in_progress items whose last attempt started before before.
	ListStale(ctx context.Context, before time.Time) ([]*queue.Item, error)

	// Counts returns the number of items per status.
	Counts(ctx context.Context) (map[queue.Status]int, error)

	// PurgeSynced deletes synced items last updated before before.
	PurgeSynced(ctx context.Context, before time.Time) (int, error)

	RecordConflict(ctx context.Context, entry *models.ConflictLog) error
	// ListConflicts returns the newest conflicts first; an empty owner lists all owners.
	ListConflicts(ctx context.Context, ownerID string, limit int) ([]*models.ConflictLog, error)

	multistep.Repository

	Close() error
}

func isEligible(item *queue.Item, now time.Time) bool {
	return state.Dispatchable(item.Status) && !item.NextAttemptAt.After(now)
}
