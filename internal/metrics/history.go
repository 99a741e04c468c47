package metrics

import (
	"sync"
	"time"
)

// Sample is one row of the monitoring history: point-in-time gauges plus
// per-interval rates derived from the cumulative counters.
type Sample struct {
	At            time.Time `json:"at"`
	ActiveOrders  int       `json:"activeOrders"`
	QueueDepth    int       `json:"queueDepth"`
	OpenPositions int       `json:"openPositions"`
	OrdersPerSec  float64   `json:"ordersPerSec"`
	FillsPerSec   float64   `json:"fillsPerSec"`
	RejectsPerSec float64   `json:"rejectsPerSec"`
	RiskPaused    bool      `json:"riskPaused"`
	HeapBytes     uint64    `json:"heapBytes"`
	Goroutines    int       `json:"goroutines"`
	LoopLagMs     float64   `json:"loopLagMs"`
}

// Ring is a fixed-size sample history. One goroutine writes; readers take
// chronological copies.
type Ring struct {
	mu   sync.Mutex
	buf  []Sample
	next int
	full bool
}

// NewRing sizes the buffer. A non-positive size falls back to 300.
func NewRing(size int) *Ring {
	if size <= 0 {
		size = 300
	}
	return &Ring{buf: make([]Sample, size)}
}

// Push appends a sample, overwriting the oldest once full.
func (r *Ring) Push(s Sample) {
	r.mu.Lock()
	r.buf[r.next] = s
	r.next++
	if r.next == len(r.buf) {
		r.next = 0
		r.full = true
	}
	r.mu.Unlock()
}

// Snapshot returns the samples oldest-first.
func (r *Ring) Snapshot() []Sample {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.full {
		out := make([]Sample, r.next)
		copy(out, r.buf[:r.next])
		return out
	}
	out := make([]Sample, 0, len(r.buf))
	out = append(out, r.buf[r.next:]...)
	out = append(out, r.buf[:r.next]...)
	return out
}

// Len reports how many samples are held.
func (r *Ring) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.full {
		return len(r.buf)
	}
	return r.next
}
