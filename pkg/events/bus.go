// Package events fans job events out to in-process subscribers. The router
// publishes every event it appends to the database; the admin SSE stream
// subscribes per session or globally.
package events

import (
	"sync"

	"github.com/leeoohoo/mcp-subagent-router/pkg/models"
)

// DefaultBuffer is the per-subscriber channel capacity used when Subscribe
// is called with a non-positive buffer size.
const DefaultBuffer = 64

// Bus distributes job events to subscribers. Publish never blocks: each
// subscriber has a bounded channel, and events for a subscriber whose
// channel is full are dropped for that subscriber only. Lost events can be
// recovered from the events table; the stream is a live view, not a log.
type Bus struct {
	mu   sync.RWMutex
	subs map[*Subscription]struct{}
}

// Subscription is one subscriber's handle on the bus. Close it when done to
// avoid leaks.
type Subscription struct {
	bus       *Bus
	ch        chan models.JobEvent
	sessionID string
	closeOnce sync.Once
}

// NewBus creates an empty bus.
func NewBus() *Bus {
	return &Bus{subs: make(map[*Subscription]struct{})}
}

// Publish delivers an event to every matching subscriber without blocking.
func (b *Bus) Publish(event models.JobEvent) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for sub := range b.subs {
		if sub.sessionID != "" && sub.sessionID != event.SessionID {
			continue
		}
		select {
		case sub.ch <- event:
		default:
			// Subscriber is too slow; drop this event for them.
		}
	}
}

// Subscribe registers a new subscriber. An empty sessionID receives events
// from all sessions; otherwise only events whose SessionID matches are
// delivered. buffer <= 0 selects DefaultBuffer.
func (b *Bus) Subscribe(sessionID string, buffer int) *Subscription {
	if buffer <= 0 {
		buffer = DefaultBuffer
	}
	sub := &Subscription{
		bus:       b,
		ch:        make(chan models.JobEvent, buffer),
		sessionID: sessionID,
	}
	b.mu.Lock()
	b.subs[sub] = struct{}{}
	b.mu.Unlock()
	return sub
}

// Events returns the subscriber's receive channel. It is closed by Close.
func (s *Subscription) Events() <-chan models.JobEvent {
	return s.ch
}

// Close removes the subscription from the bus and closes its channel.
// Safe to call more than once. The write lock excludes in-flight Publish
// calls, so the channel is never closed mid-send.
func (s *Subscription) Close() {
	s.closeOnce.Do(func() {
		s.bus.mu.Lock()
		delete(s.bus.subs, s)
		s.bus.mu.Unlock()
		close(s.ch)
	})
}

// subscriberCount reports the number of live subscriptions. Tests poll this
// instead of sleeping.
func (b *Bus) subscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
