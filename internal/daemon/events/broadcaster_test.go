package events

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBroadcaster(t *testing.T) {
	t.Run("run topic receives run events in order", func(t *testing.T) {
		b := New()
		defer b.Close()

		ch, cancel := b.Subscribe(RunTopic("r1"))
		defer cancel()

		for i := 0; i < 3; i++ {
			b.Publish(Event{Type: EventRunStep, RunID: "r1", Data: map[string]any{"i": i}})
		}

		for i := 0; i < 3; i++ {
			event := <-ch
			assert.Equal(t, EventRunStep, event.Type)
			assert.Equal(t, i, event.Data["i"])
		}
	})

	t.Run("org topic mirrors run events", func(t *testing.T) {
		b := New()
		defer b.Close()

		orgCh, cancel := b.Subscribe(OrgTopic("org-1"))
		defer cancel()

		b.Publish(Event{Type: EventRunStarted, RunID: "r1", OrgID: "org-1"})
		b.Publish(Event{Type: EventRunStarted, RunID: "r2", OrgID: "org-1"})

		first := <-orgCh
		second := <-orgCh
		assert.Equal(t, "r1", first.RunID)
		assert.Equal(t, "r2", second.RunID)
	})

	t.Run("other runs are not delivered", func(t *testing.T) {
		b := New()
		defer b.Close()

		ch, cancel := b.Subscribe(RunTopic("r1"))
		defer cancel()

		b.Publish(Event{Type: EventRunStarted, RunID: "r2", OrgID: "org-1"})
		select {
		case event := <-ch:
			t.Fatalf("unexpected event: %+v", event)
		default:
		}
	})

	t.Run("slow subscriber is dropped and its channel closed", func(t *testing.T) {
		b := NewWithBuffer(2)
		defer b.Close()

		slow, _ := b.Subscribe(RunTopic("r1"))
		fast, cancel := b.Subscribe(RunTopic("r1"))
		defer cancel()

		// Fill the slow subscriber's buffer plus one, draining fast as we go.
		for i := 0; i < 3; i++ {
			b.Publish(Event{Type: EventRunStep, RunID: "r1", Data: map[string]any{"i": i}})
			<-fast
		}

		assert.Equal(t, 1, b.SubscriberCount(RunTopic("r1")))

		// Drain the two buffered events, then observe the close.
		<-slow
		<-slow
		_, open := <-slow
		assert.False(t, open)

		// The surviving subscriber still receives.
		b.Publish(Event{Type: EventRunCompleted, RunID: "r1"})
		event := <-fast
		assert.Equal(t, EventRunCompleted, event.Type)
	})

	t.Run("cancel is idempotent", func(t *testing.T) {
		b := New()
		defer b.Close()

		_, cancel := b.Subscribe(RunTopic("r1"))
		cancel()
		cancel()
		assert.Equal(t, 0, b.SubscriberCount(RunTopic("r1")))
	})

	t.Run("close drops all subscribers", func(t *testing.T) {
		b := New()
		ch, _ := b.Subscribe(RunTopic("r1"))
		b.Close()

		_, open := <-ch
		assert.False(t, open)

		// Publishing after close is a no-op.
		b.Publish(Event{Type: EventRunStarted, RunID: "r1"})
	})

	t.Run("subscribe after close yields a closed channel", func(t *testing.T) {
		b := New()
		b.Close()
		ch, cancel := b.Subscribe(RunTopic("r1"))
		cancel()
		_, open := <-ch
		assert.False(t, open)
	})

	t.Run("timestamps are stamped on publish", func(t *testing.T) {
		b := New()
		defer b.Close()

		ch, cancel := b.Subscribe(RunTopic("r1"))
		defer cancel()

		b.Publish(Event{Type: EventRunStarted, RunID: "r1"})
		event := <-ch
		require.False(t, event.Timestamp.IsZero())
	})
}

func TestBroadcasterConcurrentPublish(t *testing.T) {
	b := New()
	defer b.Close()

	ch, cancel := b.Subscribe(OrgTopic("org-1"))
	defer cancel()

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 50; i++ {
			b.Publish(Event{Type: EventRunStep, RunID: fmt.Sprintf("r%d", i%5), OrgID: "org-1"})
		}
	}()

	received := 0
	for received < 50 {
		<-ch
		received++
	}
	<-done
	assert.Equal(t, 50, received)
}
