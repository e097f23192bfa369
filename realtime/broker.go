package realtime

import (
	"sync"
)

// Broker is an in-process Feed: events published on it fan out to every
// matching subscription. It backs single-process wiring and tests, and
// WSFeed reuses it for local dispatch of events arriving over the wire.
type Broker struct {
	mu     sync.RWMutex
	nextID uint64
	subs   map[uint64]*Subscription
}

// Subscription is a live handler registration. Close detaches it; after
// Close returns, the handler will not be invoked again.
type Subscription struct {
	id       uint64
	resource string
	filter   string
	handler  Handler

	mu     sync.Mutex
	closed bool

	detach func()
}

// NewBroker creates an empty in-process feed.
func NewBroker() *Broker {
	return &Broker{subs: make(map[uint64]*Subscription)}
}

// Subscribe registers a handler for one resource. An empty filter matches
// every event on the resource.
func (b *Broker) Subscribe(resource, filter string, handler Handler) *Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	sub := &Subscription{
		id:       b.nextID,
		resource: resource,
		filter:   filter,
		handler:  handler,
	}
	sub.detach = func() {
		b.mu.Lock()
		delete(b.subs, sub.id)
		b.mu.Unlock()
	}
	b.subs[sub.id] = sub

	return sub
}

// Publish delivers an event to every matching subscription.
func (b *Broker) Publish(event Event) error {
	b.mu.RLock()
	matched := make([]*Subscription, 0, len(b.subs))
	for _, sub := range b.subs {
		if sub.resource != event.Resource {
			continue
		}
		if sub.filter != "" && sub.filter != event.Filter {
			continue
		}
		matched = append(matched, sub)
	}
	b.mu.RUnlock()

	for _, sub := range matched {
		sub.deliver(event)
	}

	return nil
}

// Close detaches the subscription from its feed.
func (s *Subscription) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.mu.Unlock()

	if s.detach != nil {
		s.detach()
	}
}

func (s *Subscription) deliver(event Event) {
	// The handler runs under the subscription mutex so Close can guarantee
	// no further callbacks once it returns.
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.handler(event)
}
