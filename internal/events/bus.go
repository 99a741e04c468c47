package events

import (
	"sync"
)

// Bus is the in-process observer plane: a lightweight pub/sub broker over
// channels. Metrics, the monitoring surface, and the source registry attach
// here; publishers never block on slow observers.
type Bus struct {
	mu   sync.RWMutex
	subs map[Event][]chan any
}

// NewBus creates an event bus.
func NewBus() *Bus {
	return &Bus{subs: make(map[Event][]chan any)}
}

// Subscribe registers a listener for an event kind and returns the channel
// together with an unsubscribe function.
func (b *Bus) Subscribe(e Event, buffer int) (<-chan any, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch := make(chan any, buffer)
	b.subs[e] = append(b.subs[e], ch)

	unsub := func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		subs := b.subs[e]
		for i, c := range subs {
			if c == ch {
				close(c)
				b.subs[e] = append(subs[:i], subs[i+1:]...)
				break
			}
		}
	}

	return ch, unsub
}

// SubscribeMany registers one listener channel across several event kinds.
// The unsubscribe function detaches all of them.
func (b *Bus) SubscribeMany(kinds []Event, buffer int) (<-chan any, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch := make(chan any, buffer)
	for _, e := range kinds {
		b.subs[e] = append(b.subs[e], ch)
	}

	unsub := func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		closed := false
		for _, e := range kinds {
			subs := b.subs[e]
			for i, c := range subs {
				if c == ch {
					if !closed {
						close(c)
						closed = true
					}
					b.subs[e] = append(subs[:i], subs[i+1:]...)
					break
				}
			}
		}
	}

	return ch, unsub
}

// Publish fans the payload out to subscribers without blocking.
func (b *Bus) Publish(e Event, payload any) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, ch := range b.subs[e] {
		select {
		case ch <- payload:
		default:
			// drop if subscriber is slow; keep the broker non-blocking
		}
	}
}
