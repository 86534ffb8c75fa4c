package gateway

import (
	"sync"
	"time"
)

// EventType classifies a link event for stream clients.
type EventType string

const (
	EventState        EventType = "state"
	EventLost         EventType = "connection_lost"
	EventAnnouncement EventType = "announcement"
	EventTraffic      EventType = "traffic"
)

// Event is the JSON-serialisable envelope broadcast to stream clients.
type Event struct {
	Type      EventType   `json:"type"`
	Timestamp time.Time   `json:"timestamp"`
	Data      interface{} `json:"data"`
}

type subscriber struct {
	ch chan Event
}

// EventBus fans link events out to all registered subscribers.
type EventBus struct {
	mu     sync.RWMutex
	subs   map[*subscriber]struct{}
	buffer int
}

// NewEventBus constructs a ready EventBus; each subscriber gets buffer slots.
func NewEventBus(buffer int) *EventBus {
	if buffer <= 0 {
		buffer = 64
	}
	return &EventBus{subs: make(map[*subscriber]struct{}), buffer: buffer}
}

// Subscribe registers a new client.
// Returns a receive channel and an unsubscribe function that must be
// called when the client disconnects (it closes the channel).
func (b *EventBus) Subscribe() (<-chan Event, func()) {
	s := &subscriber{ch: make(chan Event, b.buffer)}
	b.mu.Lock()
	b.subs[s] = struct{}{}
	b.mu.Unlock()

	var once sync.Once
	unsub := func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, s)
			b.mu.Unlock()
			close(s.ch)
		})
	}
	return s.ch, unsub
}

// Publish sends an Event to all current subscribers.
// Slow consumers are skipped (their buffer is full) so the session's
// notification path never stalls. They can catch up via the history endpoint.
func (b *EventBus) Publish(e Event) {
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for s := range b.subs {
		select {
		case s.ch <- e:
		default:
		}
	}
}

// Len returns the current subscriber count.
func (b *EventBus) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
