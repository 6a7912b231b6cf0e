// Package events tests for the state-change bus.
package events

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kimhsiao/ledgersync/internal/sync/queue"
)

func TestBus_DeliversToAllSubscribers(t *testing.T) {
	b := NewBus()
	a := b.Subscribe(4)
	c := b.Subscribe(4)

	b.Publish(Event{Type: TypeTransition, OperationID: "op_1", From: queue.StatusPending, To: queue.StatusInProgress})

	for _, s := range []*Subscription{a, c} {
		select {
		case ev := <-s.C():
			assert.Equal(t, TypeTransition, ev.Type)
			assert.Equal(t, "op_1", ev.OperationID)
			assert.NotEmpty(t, ev.ID)
			assert.False(t, ev.At.IsZero())
		case <-time.After(time.Second):
			t.Fatal("event not delivered")
		}
	}
}

func TestBus_DropsOldestWhenFull(t *testing.T) {
	b := NewBus()
	s := b.Subscribe(2)

	for _, id := range []string{"op_1", "op_2", "op_3", "op_4"} {
		b.Publish(Event{Type: TypeEnqueued, OperationID: id})
	}

	require.Len(t, s.C(), 2)
	assert.Equal(t, "op_3", (<-s.C()).OperationID)
	assert.Equal(t, "op_4", (<-s.C()).OperationID)
	assert.EqualValues(t, 2, s.Dropped())
}

func TestBus_PublishNeverBlocks(t *testing.T) {
	b := NewBus()
	b.Subscribe(1) // never drained

	done := make(chan struct{})
	go func() {
		for i := 0; i < 1000; i++ {
			b.Publish(Event{Type: TypeEnqueued})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("publish blocked on a slow subscriber")
	}
}

func TestBus_CloseSubscription(t *testing.T) {
	b := NewBus()
	s := b.Subscribe(1)
	require.Equal(t, 1, b.Subscribers())

	s.Close()
	s.Close()
	assert.Equal(t, 0, b.Subscribers())
	_, open := <-s.C()
	assert.False(t, open)

	b.Publish(Event{Type: TypeEnqueued})
}

func TestBus_Close(t *testing.T) {
	b := NewBus()
	s := b.Subscribe(1)
	b.Close()

	_, open := <-s.C()
	assert.False(t, open)

	late := b.Subscribe(1)
	_, open = <-late.C()
	assert.False(t, open)

	b.Publish(Event{Type: TypeEnqueued})
	s.Close()
}

func TestBus_ConcurrentPublishers(t *testing.T) {
	b := NewBus()
	s := b.Subscribe(1000)

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				b.Publish(Event{Type: TypeEnqueued})
			}
		}()
	}
	wg.Wait()

	assert.Len(t, s.C(), 500)
	assert.Zero(t, s.Dropped())
}
