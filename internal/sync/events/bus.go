// Package events broadcasts queue state changes to best-effort subscribers.
//
// Publish never blocks. Each subscriber owns a bounded buffer; when it is
// full the oldest undelivered event is dropped to make room.
package events

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/kimhsiao/ledgersync/internal/sync/queue"
	"github.com/kimhsiao/ledgersync/internal/uuid"
)

// Type names an event.
type Type string

const (
	TypeEnqueued       Type = "enqueued"
	TypeTransition     Type = "transition"
	TypeConflict       Type = "conflict"
	TypeDeadLettered   Type = "dead_lettered"
	TypeRequeued       Type = "requeued"
	TypeBatchStarted   Type = "batch_started"
	TypeBatchCompleted Type = "batch_completed"
)

// DefaultBufferSize is the per-subscriber buffer when none is given.
const DefaultBufferSize = 64

// Event is one state change.
type Event struct {
	ID          string       `json:"id"`
	Type        Type         `json:"type"`
	OperationID string       `json:"operationId,omitempty"`
	OwnerID     string       `json:"ownerId,omitempty"`
	From        queue.Status `json:"from,omitempty"`
	To          queue.Status `json:"to,omitempty"`
	Error       string       `json:"error,omitempty"`
	Detail      string       `json:"detail,omitempty"`
	At          time.Time    `json:"at"`
}

// Subscription receives events until it is closed.
type Subscription struct {
	ch      chan Event
	bus     *Bus
	dropped atomic.Int64
	once    sync.Once
}

// C returns the receive channel. It is closed by Close or Bus.Close.
func (s *Subscription) C() <-chan Event {
	return s.ch
}

// Dropped returns how many events were discarded for this subscriber.
func (s *Subscription) Dropped() int64 {
	return s.dropped.Load()
}

// Close unsubscribes and closes the channel.
func (s *Subscription) Close() {
	s.bus.remove(s)
}

// Bus is a publish/subscribe fan-out.
type Bus struct {
	mu     sync.Mutex
	subs   map[*Subscription]struct{}
	closed bool
	now    func() time.Time
}

// NewBus creates an empty bus.
func NewBus() *Bus {
	return &Bus{
		subs: make(map[*Subscription]struct{}),
		now:  time.Now,
	}
}

// Subscribe registers a subscriber with the given buffer size.
func (b *Bus) Subscribe(buffer int) *Subscription {
	if buffer <= 0 {
		buffer = DefaultBufferSize
	}
	s := &Subscription{ch: make(chan Event, buffer), bus: b}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		close(s.ch)
		return s
	}
	b.subs[s] = struct{}{}
	return s
}

// Publish delivers ev to every subscriber. ID and At are filled when empty.
func (b *Bus) Publish(ev Event) {
	if ev.ID == "" {
		ev.ID = uuid.New()
	}
	if ev.At.IsZero() {
		ev.At = b.now().UTC()
	}

	// Delivery happens under the lock so drop-then-send is atomic per subscriber.
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	for s := range b.subs {
		deliver(s, ev)
	}
}

func deliver(s *Subscription, ev Event) {
	for {
		select {
		case s.ch <- ev:
			return
		default:
		}
		select {
		case <-s.ch:
			s.dropped.Add(1)
		default:
		}
	}
}

// Subscribers returns the number of live subscriptions.
func (b *Bus) Subscribers() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}

func (b *Bus) remove(s *Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.subs[s]; ok {
		delete(b.subs, s)
		s.once.Do(func() { close(s.ch) })
	}
}

// Close closes every subscription. Later publishes are ignored.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for s := range b.subs {
		s.once.Do(func() { close(s.ch) })
	}
	b.subs = make(map[*Subscription]struct{})
}
