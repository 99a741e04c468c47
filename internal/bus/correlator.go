package bus

import (
	"sync"
	"sync/atomic"
	"time"
)

// Correlator is the single completion point for request/response traffic.
// Each outstanding request owns one entry; a matching response completes it
// exactly once. Anything arriving after completion (duplicates, responses to
// timed-out requests) is counted and dropped.
type Correlator struct {
	mu      sync.Mutex
	pending map[string]*pendingRequest
	dropped atomic.Uint64
	expired atomic.Uint64
}

type pendingRequest struct {
	ch       chan Envelope
	deadline time.Time
}

// NewCorrelator creates an empty correlation table.
func NewCorrelator() *Correlator {
	return &Correlator{pending: make(map[string]*pendingRequest)}
}

// Register opens an entry for requestID. The returned channel is buffered so
// completion never blocks the bus receive loop.
func (c *Correlator) Register(requestID string, deadline time.Time) <-chan Envelope {
	c.mu.Lock()
	defer c.mu.Unlock()
	p := &pendingRequest{ch: make(chan Envelope, 1), deadline: deadline}
	c.pending[requestID] = p
	return p.ch
}

// Touch extends the deadline of an in-flight entry, used between retry
// attempts of the same request.
func (c *Correlator) Touch(requestID string, deadline time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if p, ok := c.pending[requestID]; ok {
		p.deadline = deadline
	}
}

// Complete resolves the entry for env.RequestID. Returns false when no entry
// exists (a duplicate or late response), which callers drop silently.
func (c *Correlator) Complete(env Envelope) bool {
	c.mu.Lock()
	p, ok := c.pending[env.RequestID]
	if ok {
		delete(c.pending, env.RequestID)
	}
	c.mu.Unlock()

	if !ok {
		c.dropped.Add(1)
		return false
	}
	p.ch <- env
	return true
}

// Drop removes an entry without completing it (timeout or caller gone).
func (c *Correlator) Drop(requestID string) {
	c.mu.Lock()
	delete(c.pending, requestID)
	c.mu.Unlock()
}

// Sweep evicts entries past their deadline and returns how many were
// removed. The waiter side has its own timer; this is the backstop that
// keeps the table bounded if a waiter dies.
func (c *Correlator) Sweep(now time.Time) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for id, p := range c.pending {
		if now.After(p.deadline) {
			delete(c.pending, id)
			n++
		}
	}
	if n > 0 {
		c.expired.Add(uint64(n))
	}
	return n
}

// PendingCount reports the number of outstanding requests.
func (c *Correlator) PendingCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

// DroppedCount reports how many unmatched responses were discarded.
func (c *Correlator) DroppedCount() uint64 {
	return c.dropped.Load()
}

// ExpiredCount reports how many entries the sweeper evicted.
func (c *Correlator) ExpiredCount() uint64 {
	return c.expired.Load()
}
