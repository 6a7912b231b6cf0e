// Package remote defines the dispatch contract towards the remote document
// store and the adapters that implement it.
package remote

import (
	"context"
	"time"

	"github.com/kimhsiao/ledgersync/internal/sync/queue"
)

// OutcomeKind classifies the result of one dispatch.
type OutcomeKind string

const (
	OutcomeSuccess   OutcomeKind = "success"
	OutcomeConflict  OutcomeKind = "conflict"
	OutcomeTransient OutcomeKind = "transient_error"
	OutcomePermanent OutcomeKind = "permanent_error"
)

// Document is the authoritative remote value of one document.
type Document struct {
	OwnerID    string
	Collection string
	DocumentID string
	Payload    map[string]interface{}
	Version    int64
	DeviceID   string
	UpdatedAt  time.Time
	Deleted    bool
}

// Request is one change to apply remotely.
type Request struct {
	OwnerID       string
	OperationID   string
	OperationType queue.OperationType
	Collection    string
	DocumentID    string
	Payload       map[string]interface{}
}

// RequestFor builds the dispatch request of a queue item.
func RequestFor(item *queue.Item) Request {
	return Request{
		OwnerID:       item.OwnerID,
		OperationID:   item.OperationID,
		OperationType: item.OperationType,
		Collection:    item.TargetCollection,
		DocumentID:    item.DocumentID,
		Payload:       item.Payload,
	}
}

// Outcome is the result of one dispatch.
type Outcome struct {
	Kind   OutcomeKind
	Remote *Document // set for conflicts
	Err    error     // set for transient and permanent errors
}

// Success builds a success outcome.
func Success() Outcome { return Outcome{Kind: OutcomeSuccess} }

// Conflict builds a conflict outcome carrying the remote value.
func Conflict(doc *Document) Outcome { return Outcome{Kind: OutcomeConflict, Remote: doc} }

// Transient builds a retryable failure outcome.
func Transient(err error) Outcome { return Outcome{Kind: OutcomeTransient, Err: err} }

// Permanent builds a non-retryable failure outcome.
func Permanent(err error) Outcome { return Outcome{Kind: OutcomePermanent, Err: err} }

// Adapter applies queue items to the remote store.
// Implementations must be safe for concurrent use and must treat a replayed
// OperationID as already applied.
type Adapter interface {
	Dispatch(ctx context.Context, req Request) Outcome
}

// AdapterFunc adapts a function to the Adapter interface.
type AdapterFunc func(ctx context.Context, req Request) Outcome

// Dispatch calls f.
func (f AdapterFunc) Dispatch(ctx context.Context, req Request) Outcome {
	return f(ctx, req)
}

// DocumentFromPayload derives the stored document for an accepted request.
func DocumentFromPayload(req Request, now time.Time) *Document {
	doc := &Document{
		OwnerID:    req.OwnerID,
		Collection: req.Collection,
		DocumentID: req.DocumentID,
		Payload:    req.Payload,
		Version:    queue.VersionOf(req.Payload),
		DeviceID:   queue.DeviceOf(req.Payload),
		UpdatedAt:  queue.UpdatedAtOf(req.Payload),
		Deleted:    req.OperationType == queue.OperationDelete,
	}
	if doc.UpdatedAt.IsZero() {
		doc.UpdatedAt = now.UTC()
	}
	return doc
}

// Accepts applies the remote acceptance rule: a change lands when no live
// document exists, or when its version is strictly newer than the stored one.
// When neither side carries a version the newer updatedAt wins.
// A create against a live document is always a conflict.
func Accepts(req Request, existing *Document) bool {
	if existing == nil {
		return true
	}
	if req.OperationType == queue.OperationCreate && !existing.Deleted {
		return false
	}
	local := queue.VersionOf(req.Payload)
	if local > 0 || existing.Version > 0 {
		return local > existing.Version
	}
	return queue.UpdatedAtOf(req.Payload).After(existing.UpdatedAt)
}
