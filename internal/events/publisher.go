package events

import (
	"sync"
	"sync/atomic"
)

// Publisher receives engine events. Publish must not block the caller.
type Publisher interface {
	Publish(event Event)
}

// Fanout publishes every event to each publisher in order. Nil entries are
// skipped.
type Fanout []Publisher

// Publish implements Publisher.
func (f Fanout) Publish(event Event) {
	for _, p := range f {
		if p != nil {
			p.Publish(event)
		}
	}
}

// Bus hands events to the subscriptions that asked for their type. A
// subscription whose buffer is full misses the event and counts the miss.
type Bus struct {
	mu     sync.Mutex
	subs   map[*Subscription]struct{}
	buffer int
	closed bool
}

// NewBus creates a bus whose subscriptions buffer up to buffer events.
func NewBus(buffer int) *Bus {
	if buffer < 1 {
		buffer = 1
	}
	return &Bus{subs: make(map[*Subscription]struct{}), buffer: buffer}
}

// Subscription is one consumer of a Bus.
type Subscription struct {
	// C delivers matching events. It is closed by Close or Bus.Close.
	C <-chan Event

	ch     chan Event
	types  map[EventType]bool
	bus    *Bus
	missed atomic.Int64
}

// Subscribe registers a consumer for the given event types, or for every
// type when none are given.
func (b *Bus) Subscribe(types ...EventType) *Subscription {
	s := &Subscription{ch: make(chan Event, b.buffer), bus: b}
	s.C = s.ch
	if len(types) > 0 {
		s.types = make(map[EventType]bool, len(types))
		for _, t := range types {
			s.types[t] = true
		}
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		close(s.ch)
		return s
	}
	b.subs[s] = struct{}{}
	return s
}

// Publish implements Publisher.
func (b *Bus) Publish(event Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for s := range b.subs {
		if s.types != nil && !s.types[event.Type] {
			continue
		}
		select {
		case s.ch <- event:
		default:
			s.missed.Add(1)
		}
	}
}

// Close ends every subscription. Later publishes are dropped.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for s := range b.subs {
		close(s.ch)
		delete(b.subs, s)
	}
}

// Missed reports how many matching events did not fit in the buffer.
func (s *Subscription) Missed() int64 { return s.missed.Load() }

// Close detaches the subscription and closes C. It is safe to call more
// than once.
func (s *Subscription) Close() {
	b := s.bus
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.subs[s]; ok {
		delete(b.subs, s)
		close(s.ch)
	}
}

// Drain returns the events already buffered without waiting for more.
func (s *Subscription) Drain() []Event {
	var out []Event
	for {
		select {
		case ev, ok := <-s.ch:
			if !ok {
				return out
			}
			out = append(out, ev)
		default:
			return out
		}
	}
}
