// Package events implements the run event broadcaster: per-run and per-org
// topics with bounded subscriber buffers. Delivery is best-effort; a
// subscriber that cannot keep up is dropped rather than allowed to stall the
// engine.
package events

import (
	"sync"
	"time"

	"github.com/blockflow/blockflow/internal/daemon/metrics"
)

// DefaultBuffer is the per-subscriber channel capacity.
const DefaultBuffer = 100

// Run event types published by the orchestrator.
const (
	EventRunStarted        = "run_started"
	EventRunStep           = "run_step"
	EventRunCompleted      = "run_completed"
	EventRunFailed         = "run_failed"
	EventRunCancelled      = "run_cancelled"
	EventRunAwaitingAction = "run_awaiting_action"
	EventIterationStarted  = "iteration_started"
	EventIterationEnded    = "iteration_ended"
)

// Event is one run lifecycle notification.
type Event struct {
	Type      string         `json:"type"`
	RunID     string         `json:"runId"`
	OrgID     string         `json:"orgId,omitempty"`
	Data      map[string]any `json:"data,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// RunTopic names the topic carrying a single run's events.
func RunTopic(runID string) string { return "run:" + runID }

// OrgTopic names the topic carrying all of an organization's run events.
func OrgTopic(orgID string) string { return "org:" + orgID }

type subscriber struct {
	ch chan Event
}

// Broadcaster fans events out to topic subscribers. Publishing holds the
// lock for the duration of delivery, so each subscriber observes a run's
// events in publish order.
type Broadcaster struct {
	mu     sync.Mutex
	topics map[string][]*subscriber
	buffer int
	closed bool
}

// New creates a broadcaster with the default subscriber buffer.
func New() *Broadcaster {
	return NewWithBuffer(DefaultBuffer)
}

// NewWithBuffer creates a broadcaster with a custom subscriber buffer size.
func NewWithBuffer(buffer int) *Broadcaster {
	if buffer <= 0 {
		buffer = DefaultBuffer
	}
	return &Broadcaster{
		topics: make(map[string][]*subscriber),
		buffer: buffer,
	}
}

// Subscribe registers a listener on a topic. The returned cancel function is
// idempotent and safe to call after the subscriber was dropped. The channel
// is closed on cancel, on drop, and on broadcaster Close.
func (b *Broadcaster) Subscribe(topic string) (<-chan Event, func()) {
	sub := &subscriber{ch: make(chan Event, b.buffer)}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		close(sub.ch)
		return sub.ch, func() {}
	}
	b.topics[topic] = append(b.topics[topic], sub)
	b.mu.Unlock()

	cancel := func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		b.removeLocked(topic, sub)
	}
	return sub.ch, cancel
}

// Publish delivers an event to the run topic and, when OrgID is set, the org
// topic. Subscribers whose buffers are full are dropped: their channel is
// closed and they stop receiving.
func (b *Broadcaster) Publish(event Event) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}

	b.deliverLocked(RunTopic(event.RunID), event)
	if event.OrgID != "" {
		b.deliverLocked(OrgTopic(event.OrgID), event)
	}
}

func (b *Broadcaster) deliverLocked(topic string, event Event) {
	var dropped []*subscriber
	for _, sub := range b.topics[topic] {
		select {
		case sub.ch <- event:
		default:
			// Buffer full: the subscriber is too slow. Drop it so the
			// engine never blocks on delivery.
			dropped = append(dropped, sub)
		}
	}
	for _, sub := range dropped {
		b.removeLocked(topic, sub)
		metrics.RecordSubscriberDropped()
	}
}

// removeLocked unregisters a subscriber and closes its channel. Callers hold
// b.mu.
func (b *Broadcaster) removeLocked(topic string, target *subscriber) {
	subs := b.topics[topic]
	for i, sub := range subs {
		if sub == target {
			b.topics[topic] = append(subs[:i], subs[i+1:]...)
			if len(b.topics[topic]) == 0 {
				delete(b.topics, topic)
			}
			close(sub.ch)
			return
		}
	}
}

// SubscriberCount reports the number of active subscribers on a topic.
func (b *Broadcaster) SubscriberCount(topic string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.topics[topic])
}

// Close drops every subscriber and rejects further publishes.
func (b *Broadcaster) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for topic, subs := range b.topics {
		for _, sub := range subs {
			close(sub.ch)
		}
		delete(b.topics, topic)
	}
}
