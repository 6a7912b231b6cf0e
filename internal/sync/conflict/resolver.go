// Package conflict reconciles a local change against the authoritative remote
// value using version and device metadata.
package conflict

import (
	"fmt"
	"time"

	"github.com/kimhsiao/ledgersync/internal/errors"
	"github.com/kimhsiao/ledgersync/internal/logging"
	"github.com/kimhsiao/ledgersync/internal/models"
	"github.com/kimhsiao/ledgersync/internal/sync/queue"
	"github.com/kimhsiao/ledgersync/internal/sync/remote"
	"github.com/kimhsiao/ledgersync/internal/uuid"
)

// Decision is what the orchestrator does with a conflicting item.
type Decision string

const (
	// DecisionProceed: no remote value, dispatch as-is.
	DecisionProceed Decision = "proceed"
	// DecisionApplyLocal: same-origin and the local write is newer; re-dispatch on top of remote.
	DecisionApplyLocal Decision = "apply_local"
	// DecisionSkip: the remote already holds a write that supersedes this one.
	DecisionSkip Decision = "skip"
	// DecisionRebase: remote moved ahead; re-queue as an update on the new baseline.
	DecisionRebase Decision = "rebase"
	// DecisionDiscard: remote moved ahead; the local change is dead-lettered.
	DecisionDiscard Decision = "discard"
	// DecisionMerged: different devices, merge policy produced a payload.
	DecisionMerged Decision = "merged"
	// DecisionManual: different devices, merge left to an operator.
	DecisionManual Decision = "manual_review_required"
)

// StalePolicy picks what happens when the remote version is ahead.
type StalePolicy string

const (
	StalePolicyRebase  StalePolicy = "rebase"
	StalePolicyDiscard StalePolicy = "discard"
)

// Resolution is the outcome of resolving one conflict.
type Resolution struct {
	Decision      Decision
	Payload       map[string]interface{} // payload to dispatch or re-queue, when any
	OperationType queue.OperationType    // operation type to use with Payload
	Reason        string
	Log           *models.ConflictLog
}

// Redispatch reports whether the item should be sent again right away.
func (r *Resolution) Redispatch() bool {
	return r.Decision == DecisionApplyLocal || r.Decision == DecisionMerged
}

// Resolver handles conflict resolution during dispatch.
type Resolver struct {
	stale StalePolicy
	merge MergePolicy
	now   func() time.Time
}

// Option configures a Resolver.
type Option func(*Resolver)

// WithStalePolicy sets the policy for stale local versions.
func WithStalePolicy(p StalePolicy) Option {
	return func(r *Resolver) { r.stale = p }
}

// WithMergePolicy sets the policy for cross-device conflicts.
func WithMergePolicy(p MergePolicy) Option {
	return func(r *Resolver) { r.merge = p }
}

// WithClock sets the time source used for conflict log timestamps.
func WithClock(now func() time.Time) Option {
	return func(r *Resolver) { r.now = now }
}

// NewResolver creates a Resolver. Defaults: rebase stale items, manual cross-device merges.
func NewResolver(opts ...Option) *Resolver {
	r := &Resolver{
		stale: StalePolicyRebase,
		merge: ManualMergePolicy{},
		now:   time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// StalePolicy returns the configured stale policy.
func (r *Resolver) StalePolicy() StalePolicy { return r.stale }

// MergePolicy returns the configured merge policy.
func (r *Resolver) MergePolicy() MergePolicy { return r.merge }

// Resolve decides how item should be reconciled against doc.
func (r *Resolver) Resolve(item *queue.Item, doc *remote.Document) (*Resolution, error) {
	if item == nil {
		return nil, errors.New(errors.ErrValidation, "conflict without a local item")
	}
	if doc == nil {
		return &Resolution{Decision: DecisionProceed, Payload: item.Payload, OperationType: item.OperationType}, nil
	}

	localVersion := queue.VersionOf(item.Payload)
	localDevice := queue.DeviceOf(item.Payload)

	logging.Warn("Resolving conflict", map[string]interface{}{
		"operation_id":     item.OperationID,
		"collection":       item.TargetCollection,
		"document_id":      item.DocumentID,
		"local_version":    localVersion,
		"remote_version":   doc.Version,
		"local_device_id":  localDevice,
		"remote_device_id": doc.DeviceID,
	})

	var res *Resolution
	var err error
	switch {
	case doc.Version > localVersion:
		res = r.resolveStale(item, doc)
	case localDevice == doc.DeviceID:
		res = r.resolveSameOrigin(item, doc)
	default:
		res, err = r.resolveCrossDevice(item, doc)
		if err != nil {
			return nil, err
		}
	}

	res.Log = r.logEntry(item, doc, res)

	logging.Info("Conflict resolved", map[string]interface{}{
		"operation_id": item.OperationID,
		"decision":     res.Decision,
		"reason":       res.Reason,
	})

	return res, nil
}

// resolveStale handles a remote version ahead of the local one.
func (r *Resolver) resolveStale(item *queue.Item, doc *remote.Document) *Resolution {
	reason := fmt.Sprintf("remote version %d supersedes local version %d", doc.Version, queue.VersionOf(item.Payload))
	if r.stale == StalePolicyDiscard {
		return &Resolution{Decision: DecisionDiscard, Reason: reason}
	}

	op := queue.OperationUpdate
	if item.OperationType == queue.OperationDelete {
		op = queue.OperationDelete
	}
	return &Resolution{
		Decision:      DecisionRebase,
		Payload:       rebased(item.Payload, doc.Version),
		OperationType: op,
		Reason:        reason,
	}
}

// resolveSameOrigin prefers the most recent wall-clock write of one device.
func (r *Resolver) resolveSameOrigin(item *queue.Item, doc *remote.Document) *Resolution {
	local := queue.UpdatedAtOf(item.Payload)
	if !local.Before(doc.UpdatedAt) {
		op := item.OperationType
		if op == queue.OperationCreate {
			op = queue.OperationUpdate
		}
		return &Resolution{
			Decision:      DecisionApplyLocal,
			Payload:       rebased(item.Payload, doc.Version),
			OperationType: op,
			Reason:        "same device, local write is newer",
		}
	}
	return &Resolution{Decision: DecisionSkip, Reason: "same device, remote write is newer"}
}

// resolveCrossDevice delegates to the merge policy.
func (r *Resolver) resolveCrossDevice(item *queue.Item, doc *remote.Document) (*Resolution, error) {
	merged, err := r.merge.Merge(item, doc)
	if err != nil {
		if errors.Is(err, errors.ErrMergeRequired) {
			return &Resolution{
				Decision: DecisionManual,
				Reason:   fmt.Sprintf("device %q conflicts with device %q: %s", queue.DeviceOf(item.Payload), doc.DeviceID, r.merge.Name()),
			}, nil
		}
		return nil, errors.Wrap(errors.ErrSyncConflict, "merge policy failed", err)
	}
	if merged == nil {
		return &Resolution{Decision: DecisionSkip, Reason: r.merge.Name() + ": remote wins"}, nil
	}

	op := item.OperationType
	if op == queue.OperationCreate {
		op = queue.OperationUpdate
	}
	return &Resolution{
		Decision:      DecisionMerged,
		Payload:       rebased(merged, doc.Version),
		OperationType: op,
		Reason:        r.merge.Name() + ": merged",
	}, nil
}

func (r *Resolver) logEntry(item *queue.Item, doc *remote.Document, res *Resolution) *models.ConflictLog {
	return &models.ConflictLog{
		ID:             uuid.New(),
		OperationID:    item.OperationID,
		OwnerID:        item.OwnerID,
		Collection:     item.TargetCollection,
		DocumentID:     item.DocumentID,
		LocalVersion:   queue.VersionOf(item.Payload),
		RemoteVersion:  doc.Version,
		LocalDeviceID:  queue.DeviceOf(item.Payload),
		RemoteDeviceID: doc.DeviceID,
		Resolution:     string(res.Decision),
		Detail:         res.Reason,
		DetectedAt:     r.now().UnixNano(),
	}
}

// rebased copies payload with its version moved just past remoteVersion.
func rebased(payload map[string]interface{}, remoteVersion int64) map[string]interface{} {
	out := make(map[string]interface{}, len(payload)+1)
	for k, v := range payload {
		out[k] = v
	}
	out[queue.PayloadKeyVersion] = remoteVersion + 1
	return out
}
