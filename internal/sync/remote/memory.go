package remote

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/kimhsiao/ledgersync/internal/errors"
	"github.com/kimhsiao/ledgersync/internal/sync/queue"
)

type docKey struct {
	owner, collection, id string
}

// Memory is an in-process document store with the same acceptance rules as Redis.
type Memory struct {
	mu      sync.RWMutex
	docs    map[docKey]*Document
	applied map[string]map[string]bool // owner -> operation ids
	now     func() time.Time

	// Hook lets tests inject an outcome before the store is consulted.
	// A zero-kind outcome falls through to normal processing.
	Hook func(req Request) Outcome
}

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		docs:    make(map[docKey]*Document),
		applied: make(map[string]map[string]bool),
		now:     time.Now,
	}
}

// Dispatch implements Adapter.
func (m *Memory) Dispatch(ctx context.Context, req Request) Outcome {
	if err := ctx.Err(); err != nil {
		return Transient(err)
	}
	if m.Hook != nil {
		if out := m.Hook(req); out.Kind != "" {
			return out
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.applied[req.OwnerID][req.OperationID] {
		return Success()
	}

	key := docKey{req.OwnerID, req.Collection, req.DocumentID}
	existing := m.docs[key]
	if !Accepts(req, existing) {
		return Conflict(existing.clone())
	}

	doc := DocumentFromPayload(req, m.now())
	if req.OperationType == queue.OperationDelete {
		doc = tombstone(req, existing, m.now())
	}
	m.docs[key] = doc

	if m.applied[req.OwnerID] == nil {
		m.applied[req.OwnerID] = make(map[string]bool)
	}
	m.applied[req.OwnerID][req.OperationID] = true
	return Success()
}

// Get returns the stored document, or nil.
func (m *Memory) Get(_ context.Context, owner, collection, id string) (*Document, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if doc := m.docs[docKey{owner, collection, id}]; doc != nil {
		return doc.clone(), nil
	}
	return nil, nil
}

// Put stores doc directly, bypassing acceptance rules.
func (m *Memory) Put(doc *Document) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.docs[docKey{doc.OwnerID, doc.Collection, doc.DocumentID}] = doc.clone()
}

// Applied reports whether operationID has been applied for owner.
func (m *Memory) Applied(owner, operationID string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.applied[owner][operationID]
}

// Pull returns the owner's documents in collection updated after since, oldest first.
func (m *Memory) Pull(_ context.Context, owner, collection string, since time.Time) ([]*Document, error) {
	if owner == "" {
		return nil, errors.New(errors.ErrValidation, "owner id is required")
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*Document
	for k, doc := range m.docs {
		if k.owner != owner || k.collection != collection {
			continue
		}
		if doc.UpdatedAt.After(since) {
			out = append(out, doc.clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.Before(out[j].UpdatedAt) })
	return out, nil
}

// tombstone builds the soft-deleted form of a document.
func tombstone(req Request, existing *Document, now time.Time) *Document {
	doc := DocumentFromPayload(req, now)
	doc.Deleted = true
	if existing != nil {
		if doc.Payload == nil {
			doc.Payload = existing.Payload
		}
		if doc.Version <= existing.Version {
			doc.Version = existing.Version + 1
		}
	}
	return doc
}

func (d *Document) clone() *Document {
	if d == nil {
		return nil
	}
	c := *d
	if d.Payload != nil {
		c.Payload = make(map[string]interface{}, len(d.Payload))
		for k, v := range d.Payload {
			c.Payload[k] = v
		}
	}
	return &c
}
