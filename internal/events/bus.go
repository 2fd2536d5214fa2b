package events

import (
	"sync"

	"github.com/nextwave-voice/b2bua/internal/logger"
)

// subscriberBuffer is how many undelivered events a slow subscriber may
// accumulate before Publish starts dropping for it.
const subscriberBuffer = 64

// Bus is a publish-and-forget, non-blocking fan-out of Events. Publish
// never blocks on a subscriber: a full subscriber channel causes that
// event to be dropped for that subscriber only, satisfying spec.md section
// 4.9's "must not back-pressure the core".
type Bus struct {
	mu          sync.RWMutex
	subscribers map[int]chan Event
	nextID      int
}

// NewBus creates an empty event bus.
func NewBus() *Bus {
	return &Bus{subscribers: make(map[int]chan Event)}
}

// Subscription is a handle returned by Subscribe; call Unsubscribe to stop
// receiving and release the channel.
type Subscription struct {
	id     int
	bus    *Bus
	events chan Event
}

// Events returns the channel events are delivered on.
func (s *Subscription) Events() <-chan Event {
	return s.events
}

// Unsubscribe removes the subscription and closes its channel.
func (s *Subscription) Unsubscribe() {
	s.bus.mu.Lock()
	defer s.bus.mu.Unlock()
	if ch, ok := s.bus.subscribers[s.id]; ok {
		delete(s.bus.subscribers, s.id)
		close(ch)
	}
}

// Subscribe registers a new subscriber and returns its Subscription.
func (b *Bus) Subscribe() *Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()
	id := b.nextID
	b.nextID++
	ch := make(chan Event, subscriberBuffer)
	b.subscribers[id] = ch
	return &Subscription{id: id, bus: b, events: ch}
}

// Publish delivers ev to every current subscriber. A subscriber whose
// buffer is full drops the event rather than stalling the publisher.
func (b *Bus) Publish(ev Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for id, ch := range b.subscribers {
		select {
		case ch <- ev:
		default:
			logger.Warn("events: subscriber buffer full, dropping event", "subscriber", id, "kind", ev.Kind, "call_id", ev.CallID)
		}
	}
}

// Close unsubscribes and closes every subscriber channel.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for id, ch := range b.subscribers {
		close(ch)
		delete(b.subscribers, id)
	}
}
