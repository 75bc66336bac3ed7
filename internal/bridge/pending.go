package bridge

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

// ErrTimeout reports a round-trip whose response did not arrive in time.
// The pending entry is cleared; a late response is dropped.
var ErrTimeout = errors.New("request timed out")

// PendingCalls correlates requests with their responses by message id.
// Both ends of every duplex channel hold one.
type PendingCalls struct {
	mu sync.Mutex
	m  map[string]chan *Envelope
}

func NewPendingCalls() *PendingCalls {
	return &PendingCalls{m: make(map[string]chan *Envelope)}
}

// Register reserves a slot for the id. The returned channel receives the
// matched response exactly once.
func (p *PendingCalls) Register(id CorrelationID) <-chan *Envelope {
	ch := make(chan *Envelope, 1)
	p.mu.Lock()
	p.m[id.Key()] = ch
	p.mu.Unlock()
	return ch
}

// Resolve delivers a response to its waiter. Returns false when no waiter
// exists (late or unsolicited response).
func (p *PendingCalls) Resolve(id CorrelationID, env *Envelope) bool {
	p.mu.Lock()
	ch, ok := p.m[id.Key()]
	if ok {
		delete(p.m, id.Key())
	}
	p.mu.Unlock()
	if !ok {
		return false
	}
	ch <- env
	return true
}

// Await blocks until the response arrives, the timeout fires, or ctx is
// canceled. The entry is cleared on every exit path.
func (p *PendingCalls) Await(ctx context.Context, id CorrelationID, ch <-chan *Envelope, timeout time.Duration) (*Envelope, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case env := <-ch:
		return env, nil
	case <-timer.C:
		p.drop(id)
		return nil, fmt.Errorf("message %s: %w", id, ErrTimeout)
	case <-ctx.Done():
		p.drop(id)
		return nil, ctx.Err()
	}
}

func (p *PendingCalls) drop(id CorrelationID) {
	p.mu.Lock()
	delete(p.m, id.Key())
	p.mu.Unlock()
}

// Len reports in-flight round-trips; bounded in practice by the timeout.
func (p *PendingCalls) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.m)
}
