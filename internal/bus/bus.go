// Package bus provides a small in-process event bus. Session lifecycle
// transitions are published here so the bridge and supervisor can react
// without the session package depending on either.
package bus

import "sync"

// TransitionEvent is published after every successful session transition.
type TransitionEvent struct {
	SessionID int
	Action    string
	From      string
	To        string
}

// Bus fans events out to subscribers. Publishing never blocks: a subscriber
// that falls behind loses events, which is acceptable because all durable
// state lives in the store.
type Bus struct {
	mu   sync.Mutex
	subs map[int]chan TransitionEvent
	next int
}

func New() *Bus {
	return &Bus{subs: make(map[int]chan TransitionEvent)}
}

// Subscribe returns a channel of events and a cancel func that must be
// called to release the subscription.
func (b *Bus) Subscribe() (<-chan TransitionEvent, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()
	id := b.next
	b.next++
	ch := make(chan TransitionEvent, 64)
	b.subs[id] = ch
	return ch, func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if c, ok := b.subs[id]; ok {
			delete(b.subs, id)
			close(c)
		}
	}
}

// Publish delivers the event to every subscriber with room in its buffer.
func (b *Bus) Publish(ev TransitionEvent) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, ch := range b.subs {
		select {
		case ch <- ev:
		default:
		}
	}
}
