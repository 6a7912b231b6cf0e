package conflict

import (
	"github.com/kimhsiao/ledgersync/internal/errors"
	"github.com/kimhsiao/ledgersync/internal/sync/queue"
	"github.com/kimhsiao/ledgersync/internal/sync/remote"
)

// MergePolicy reconciles a local change with a remote value written by another device.
//
// Merge returns the payload to apply, nil to let the remote value stand, or
// an ErrMergeRequired error to hand the conflict to an operator.
type MergePolicy interface {
	Name() string
	Merge(local *queue.Item, doc *remote.Document) (map[string]interface{}, error)
}

// Merge policy names accepted by PolicyByName.
const (
	PolicyManual         = "manual"
	PolicyLastWriterWins = "lastWriterWins"
	PolicyFieldMerge     = "fieldMerge"
)

// PolicyByName returns the merge policy registered under name.
func PolicyByName(name string) (MergePolicy, error) {
	switch name {
	case "", PolicyManual:
		return ManualMergePolicy{}, nil
	case PolicyLastWriterWins:
		return LastWriterWinsPolicy{}, nil
	case PolicyFieldMerge:
		return FieldMergePolicy{}, nil
	default:
		return nil, errors.Newf(errors.ErrValidation, "unknown merge policy %q", name)
	}
}

// ManualMergePolicy never merges; every cross-device conflict needs an operator.
type ManualMergePolicy struct{}

// Name implements MergePolicy.
func (ManualMergePolicy) Name() string { return PolicyManual }

// Merge implements MergePolicy.
func (ManualMergePolicy) Merge(*queue.Item, *remote.Document) (map[string]interface{}, error) {
	return nil, errors.New(errors.ErrMergeRequired, "cross-device conflict requires manual merge")
}

// LastWriterWinsPolicy keeps whichever write has the later updatedAt.
// Ties go to the lexically greater device id so every device picks the same winner.
type LastWriterWinsPolicy struct{}

// Name implements MergePolicy.
func (LastWriterWinsPolicy) Name() string { return PolicyLastWriterWins }

// Merge implements MergePolicy.
func (LastWriterWinsPolicy) Merge(local *queue.Item, doc *remote.Document) (map[string]interface{}, error) {
	localAt := queue.UpdatedAtOf(local.Payload)
	switch {
	case localAt.After(doc.UpdatedAt):
		return local.Payload, nil
	case localAt.Before(doc.UpdatedAt):
		return nil, nil
	case queue.DeviceOf(local.Payload) > doc.DeviceID:
		return local.Payload, nil
	default:
		return nil, nil
	}
}

// FieldMergePolicy overlays the local fields on top of the remote document.
// Fields only present remotely survive; fields present on both sides take the local value.
type FieldMergePolicy struct{}

// Name implements MergePolicy.
func (FieldMergePolicy) Name() string { return PolicyFieldMerge }

// Merge implements MergePolicy.
func (FieldMergePolicy) Merge(local *queue.Item, doc *remote.Document) (map[string]interface{}, error) {
	if doc.Deleted {
		return nil, errors.New(errors.ErrMergeRequired, "cannot field-merge into a deleted document")
	}
	out := make(map[string]interface{}, len(doc.Payload)+len(local.Payload))
	for k, v := range doc.Payload {
		out[k] = v
	}
	for k, v := range local.Payload {
		out[k] = v
	}
	return out, nil
}
