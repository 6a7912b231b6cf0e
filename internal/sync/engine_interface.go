package sync

import (
	"context"
	"time"

	"github.com/kimhsiao/ledgersync/internal/models"
	"github.com/kimhsiao/ledgersync/internal/sync/events"
	"github.com/kimhsiao/ledgersync/internal/sync/multistep"
	"github.com/kimhsiao/ledgersync/internal/sync/queue"
)

// Orchestrator defines the operations the HTTP API, the CLI and the
// background scheduler need from the sync engine.
// This interface allows for mocking in tests.
type Orchestrator interface {
	// Enqueue persists a change and returns its operation id.
	Enqueue(ctx context.Context, req EnqueueRequest) (string, error)

	// SubmitOperation persists a multi-step operation and enqueues its steps.
	SubmitOperation(ctx context.Context, op *multistep.Operation) ([]string, error)

	// SyncNow dispatches one batch per owner with due work.
	SyncNow(ctx context.Context) (*RunResult, error)

	// Item returns the current state of one queue item.
	Item(ctx context.Context, operationID string) (*queue.Item, error)

	// Stats returns aggregate statistics.
	Stats(ctx context.Context) (*Stats, error)

	// ListDeadLetters returns dead-lettered items.
	ListDeadLetters(ctx context.Context, ownerID string) ([]*queue.Item, error)

	// RequeueDeadLetter moves a dead-lettered item back to pending.
	RequeueDeadLetter(ctx context.Context, operationID string) (*queue.Item, error)

	// Conflicts returns recorded conflicts, newest first.
	Conflicts(ctx context.Context, ownerID string, limit int) ([]*models.ConflictLog, error)

	// Purge deletes old synced items.
	Purge(ctx context.Context, olderThan time.Duration) (int, error)

	// Subscribe registers a state-change listener.
	Subscribe(buffer int) *events.Subscription

	Status() SyncStatus
	Mode() DispatchMode
}

var _ Orchestrator = (*Engine)(nil)
