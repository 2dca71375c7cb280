// Package bus is the in-process fanout of mailbox events. Durability
// lives in storage; the bus is a bounded, lossy broadcast. Subscribers
// that fall behind lose their oldest events and are expected to
// reconcile through the REST listing.
package bus

import (
	"sync"

	"github.com/themadorg/tossmail/internal/storage"
)

// Buffer is the per-subscriber event buffer size.
const Buffer = 100

// EventType distinguishes the two broadcast variants.
type EventType string

const (
	Arrival  EventType = "arrival"
	Deletion EventType = "deletion"
)

// Event is a single mailbox notification. Message is set for arrivals
// only; MessageID and Address are always set.
type Event struct {
	Type      EventType
	Message   *storage.Message
	MessageID string
	Address   string // full local@domain
}

// NewArrival builds an arrival event for a stored message.
func NewArrival(m *storage.Message) Event {
	return Event{Type: Arrival, Message: m, MessageID: m.ID, Address: m.ToAddress}
}

// NewDeletion builds a deletion event for a removed message.
func NewDeletion(id, address string) Event {
	return Event{Type: Deletion, MessageID: id, Address: address}
}

// Bus broadcasts events to all current subscribers. Publishing never
// blocks: a full subscriber drops its oldest event to make room.
type Bus struct {
	mu     sync.RWMutex
	subs   map[*Subscriber]struct{}
	closed bool
}

// New creates an empty bus.
func New() *Bus {
	return &Bus{subs: make(map[*Subscriber]struct{})}
}

// Subscriber is one registered consumer of the bus.
type Subscriber struct {
	bus  *Bus
	ch   chan Event
	once sync.Once
}

// Subscribe registers a new subscriber. The caller must Close it when
// done or the bus keeps fanning out to a dead channel.
func (b *Bus) Subscribe() *Subscriber {
	sub := &Subscriber{bus: b, ch: make(chan Event, Buffer)}
	b.mu.Lock()
	if !b.closed {
		b.subs[sub] = struct{}{}
	} else {
		close(sub.ch)
	}
	b.mu.Unlock()
	return sub
}

// Events is the subscriber's receive channel. It is closed when the
// subscriber or the bus is closed.
func (s *Subscriber) Events() <-chan Event {
	return s.ch
}

// Close unregisters the subscriber and closes its channel.
func (s *Subscriber) Close() {
	s.bus.mu.Lock()
	_, registered := s.bus.subs[s]
	delete(s.bus.subs, s)
	s.bus.mu.Unlock()
	if registered {
		s.once.Do(func() { close(s.ch) })
	}
}

// Publish fans the event out to every subscriber without blocking.
func (b *Bus) Publish(ev Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return
	}
	for sub := range b.subs {
		select {
		case sub.ch <- ev:
			continue
		default:
		}
		// Full: evict the oldest event, then retry once. A concurrent
		// reader may have drained the channel in between, so the
		// retry can still fail; the event is dropped in that case.
		select {
		case <-sub.ch:
		default:
		}
		select {
		case sub.ch <- ev:
		default:
		}
	}
}

// Close shuts the bus down and closes all subscriber channels.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for sub := range b.subs {
		sub.once.Do(func() { close(sub.ch) })
		delete(b.subs, sub)
	}
}
