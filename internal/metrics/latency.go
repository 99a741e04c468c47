package metrics

import (
	"sort"
	"sync"
	"time"

	"gonum.org/v1/gonum/stat"
)

// LatencyWindow keeps the last N duration samples and computes distribution
// stats lazily: quantiles are only recomputed after new samples arrive.
type LatencyWindow struct {
	mu      sync.Mutex
	samples []float64 // milliseconds
	maxSize int
	dirty   bool
	cached  LatencyStats
}

// LatencyStats is the computed shape of a window.
type LatencyStats struct {
	Min   float64 `json:"min"`
	Max   float64 `json:"max"`
	Avg   float64 `json:"avg"`
	P50   float64 `json:"p50"`
	P95   float64 `json:"p95"`
	P99   float64 `json:"p99"`
	Count int     `json:"count"`
}

// NewLatencyWindow creates a sliding window of up to size samples.
func NewLatencyWindow(size int) *LatencyWindow {
	if size <= 0 {
		size = 1000
	}
	return &LatencyWindow{
		samples: make([]float64, 0, size),
		maxSize: size,
		dirty:   true,
	}
}

// Observe records one duration.
func (w *LatencyWindow) Observe(d time.Duration) {
	if d < 0 {
		d = 0
	}
	ms := float64(d.Nanoseconds()) / 1e6

	w.mu.Lock()
	if len(w.samples) >= w.maxSize {
		w.samples = w.samples[1:]
	}
	w.samples = append(w.samples, ms)
	w.dirty = true
	w.mu.Unlock()
}

// Stats returns min/max/avg and the p50/p95/p99 quantiles in milliseconds.
func (w *LatencyWindow) Stats() LatencyStats {
	w.mu.Lock()
	defer w.mu.Unlock()

	if !w.dirty {
		return w.cached
	}
	n := len(w.samples)
	if n == 0 {
		w.cached = LatencyStats{}
		w.dirty = false
		return w.cached
	}

	sorted := make([]float64, n)
	copy(sorted, w.samples)
	sort.Float64s(sorted)

	w.cached = LatencyStats{
		Min:   sorted[0],
		Max:   sorted[n-1],
		Avg:   stat.Mean(sorted, nil),
		P50:   stat.Quantile(0.50, stat.Empirical, sorted, nil),
		P95:   stat.Quantile(0.95, stat.Empirical, sorted, nil),
		P99:   stat.Quantile(0.99, stat.Empirical, sorted, nil),
		Count: n,
	}
	w.dirty = false
	return w.cached
}

// Reset drops all samples.
func (w *LatencyWindow) Reset() {
	w.mu.Lock()
	w.samples = w.samples[:0]
	w.dirty = true
	w.mu.Unlock()
}
