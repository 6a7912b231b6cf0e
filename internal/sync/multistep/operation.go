// Package multistep composes queue items into ordered, resumable workflows.
package multistep

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/kimhsiao/ledgersync/internal/errors"
	"github.com/kimhsiao/ledgersync/internal/models"
	"github.com/kimhsiao/ledgersync/internal/sync/idempotency"
	"github.com/kimhsiao/ledgersync/internal/sync/queue"
)

// Step is one queue item of a workflow.
type Step struct {
	Number           int                    `json:"number"`
	OperationType    queue.OperationType    `json:"operationType"`
	TargetCollection string                 `json:"targetCollection"`
	DocumentID       string                 `json:"documentId"`
	Payload          map[string]interface{} `json:"payload"`
	Completed        bool                   `json:"completed"`
}

// Operation is an ordered list of steps sharing one parent id.
// Completion percentage and the current step are derived from the steps.
type Operation struct {
	ID           string
	OwnerID      string
	Name         string
	BasePriority int
	Steps        []Step
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// Repository persists multi-step operations.
type Repository interface {
	SaveOperation(ctx context.Context, op *Operation) error
	LoadOperation(ctx context.Context, id string) (*Operation, error)
	// ListIncompleteOperations returns unfinished operations; an empty owner lists all owners.
	ListIncompleteOperations(ctx context.Context, ownerID string) ([]*Operation, error)
}

var defaultGenerator = idempotency.NewGenerator(idempotency.DefaultBucket)

// New builds an operation. Steps are numbered in the order given.
// The id is derived from the owner, name, step addresses and creation time,
// so building the same workflow twice in one bucket yields the same id.
func New(ownerID, name string, basePriority int, createdAt time.Time, steps ...Step) (*Operation, error) {
	if ownerID == "" {
		return nil, errors.New(errors.ErrValidation, "owner id is required")
	}
	if name == "" {
		return nil, errors.New(errors.ErrValidation, "operation name is required")
	}
	if len(steps) == 0 {
		return nil, errors.New(errors.ErrValidation, "operation needs at least one step")
	}

	addrs := make([]string, 0, len(steps)+1)
	addrs = append(addrs, name)
	numbered := make([]Step, len(steps))
	for i, s := range steps {
		s.Number = i + 1
		s.Completed = false
		if s.TargetCollection == "" || s.DocumentID == "" {
			return nil, errors.Newf(errors.ErrValidation, "step %d needs a collection and document id", s.Number)
		}
		if !s.OperationType.Valid() {
			return nil, errors.Newf(errors.ErrValidation, "step %d: unknown operation type %q", s.Number, s.OperationType)
		}
		if err := queue.ValidatePayload(s.OperationType, s.Payload); err != nil {
			return nil, errors.Wrap(errors.ErrValidation, fmt.Sprintf("step %d", s.Number), err)
		}
		numbered[i] = s
		addrs = append(addrs, fmt.Sprintf("%s/%s/%s", s.OperationType, s.TargetCollection, s.DocumentID))
	}

	createdAt = createdAt.UTC()
	return &Operation{
		ID:           defaultGenerator.OperationGroupID(ownerID, strings.Join(addrs, "\x00"), createdAt),
		OwnerID:      ownerID,
		Name:         name,
		BasePriority: basePriority,
		Steps:        numbered,
		CreatedAt:    createdAt,
		UpdatedAt:    createdAt,
	}, nil
}

// TotalSteps returns the number of steps.
func (op *Operation) TotalSteps() int {
	return len(op.Steps)
}

// CompletedSteps returns how many steps are done.
func (op *Operation) CompletedSteps() int {
	n := 0
	for _, s := range op.Steps {
		if s.Completed {
			n++
		}
	}
	return n
}

// CompletionPercentage returns completed / total * 100.
func (op *Operation) CompletionPercentage() float64 {
	if len(op.Steps) == 0 {
		return 100
	}
	return float64(op.CompletedSteps()) / float64(len(op.Steps)) * 100
}

// CurrentStep returns the first incomplete step, or nil once complete.
func (op *Operation) CurrentStep() *Step {
	for i := range op.Steps {
		if !op.Steps[i].Completed {
			return &op.Steps[i]
		}
	}
	return nil
}

// IsComplete reports whether every step is done.
func (op *Operation) IsComplete() bool {
	return op.CurrentStep() == nil
}

// MarkCompleted marks step n (1-based) as done. Marking a step twice is a no-op.
// It reports whether the step changed.
func (op *Operation) MarkCompleted(n int, at time.Time) (bool, error) {
	if n < 1 || n > len(op.Steps) {
		return false, errors.Newf(errors.ErrNotFound, "operation %s has no step %d", op.ID, n)
	}
	if op.Steps[n-1].Completed {
		return false, nil
	}
	op.Steps[n-1].Completed = true
	op.UpdatedAt = at.UTC()
	return true, nil
}

// StepPriority returns the priority of step n: base + (n - 1).
func (op *Operation) StepPriority(n int) int {
	return op.BasePriority + n - 1
}

// CreateSyncQueueItems materializes queue items for the incomplete steps only.
// Step ids come from gen.StepID, so repeated calls yield the same ids.
func (op *Operation) CreateSyncQueueItems(gen *idempotency.Generator) ([]*queue.Item, error) {
	if gen == nil {
		gen = defaultGenerator
	}

	total := len(op.Steps)
	items := make([]*queue.Item, 0, total)
	for _, s := range op.Steps {
		if s.Completed {
			continue
		}
		payload, err := queue.NormalizePayload(s.Payload)
		if err != nil {
			return nil, errors.Wrap(errors.ErrValidation, fmt.Sprintf("step %d payload", s.Number), err)
		}
		hash, err := idempotency.PayloadHash(payload)
		if err != nil {
			return nil, errors.Wrap(errors.ErrValidation, fmt.Sprintf("step %d payload", s.Number), err)
		}
		items = append(items, &queue.Item{
			OperationID:       gen.StepID(op.ID, s.Number),
			OperationType:     s.OperationType,
			TargetCollection:  s.TargetCollection,
			DocumentID:        s.DocumentID,
			Payload:           payload,
			PayloadHash:       hash,
			Status:            queue.StatusPending,
			Priority:          op.StepPriority(s.Number),
			OwnerID:           op.OwnerID,
			ParentOperationID: op.ID,
			StepNumber:        s.Number,
			TotalSteps:        total,
			CreatedAt:         op.CreatedAt,
			UpdatedAt:         op.CreatedAt,
			NextAttemptAt:     op.CreatedAt,
		})
	}
	return items, nil
}

// ToModel converts an Operation to its persisted row.
func (op *Operation) ToModel() (*models.MultiStepOperation, error) {
	steps, err := json.Marshal(op.Steps)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal steps: %w", err)
	}
	return &models.MultiStepOperation{
		ID:           op.ID,
		OwnerID:      op.OwnerID,
		Name:         op.Name,
		BasePriority: op.BasePriority,
		Steps:        steps,
		Completed:    op.IsComplete(),
		CreatedAt:    op.CreatedAt.UnixNano(),
		UpdatedAt:    op.UpdatedAt.UnixNano(),
	}, nil
}

// FromModel creates an Operation from its persisted row.
func FromModel(row *models.MultiStepOperation) (*Operation, error) {
	var steps []Step
	dec := json.NewDecoder(bytes.NewReader(row.Steps))
	dec.UseNumber()
	if err := dec.Decode(&steps); err != nil {
		return nil, fmt.Errorf("failed to unmarshal steps: %w", err)
	}
	return &Operation{
		ID:           row.ID,
		OwnerID:      row.OwnerID,
		Name:         row.Name,
		BasePriority: row.BasePriority,
		Steps:        steps,
		CreatedAt:    time.Unix(0, row.CreatedAt).UTC(),
		UpdatedAt:    time.Unix(0, row.UpdatedAt).UTC(),
	}, nil
}
