package queue

import (
	"context"
	"sync"
	"testing"
	"time"

	"trading-aggregator/internal/downstream"
	"trading-aggregator/internal/order"
	"trading-aggregator/pkg/config"
)

func qcfg() config.QueueConfig {
	return config.QueueConfig{
		MaxQueueSize:        200,
		ProcessingInterval:  2 * time.Millisecond,
		MaxConcurrentOrders: 4,
		MaxDispatchAttempts: 3,
		RetryBackoff:        2 * time.Millisecond,
	}
}

func qo(id string, pri order.Priority) *order.Order {
	return &order.Order{
		ID:         id,
		Instrument: "MES",
		Side:       order.SideBuy,
		Kind:       order.KindMarket,
		Quantity:   1,
		Priority:   pri,
		State:      order.StateQueued,
	}
}

type fakeDispatcher struct {
	mu       sync.Mutex
	calls    []string
	failures map[string]int
	err      error
	seen     chan string
}

func (f *fakeDispatcher) Dispatch(_ context.Context, o *order.Order) error {
	f.mu.Lock()
	f.calls = append(f.calls, o.ID)
	var err error
	if f.failures != nil && f.failures[o.ID] > 0 {
		f.failures[o.ID]--
		err = f.err
	}
	f.mu.Unlock()
	if err != nil {
		return err
	}
	if f.seen != nil {
		f.seen <- o.ID
	}
	return nil
}

func (f *fakeDispatcher) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func waitDispatch(t *testing.T, ch <-chan string) string {
	t.Helper()
	select {
	case id := <-ch:
		return id
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for dispatch")
		return ""
	}
}

func TestEnqueueCapacityRejects(t *testing.T) {
	cfg := qcfg()
	cfg.MaxQueueSize = 2
	cfg.MaxConcurrentOrders = 0 // frozen: nothing drains
	m, err := NewManager(cfg, &fakeDispatcher{}, Hooks{})
	if err != nil {
		t.Fatalf("new manager: %v", err)
	}
	defer m.Close()

	if got := m.Enqueue(qo("a1", order.PriorityNormal)); got != Accepted {
		t.Fatalf("first = %v", got)
	}
	if got := m.Enqueue(qo("a2", order.PriorityNormal)); got != Accepted {
		t.Fatalf("second = %v", got)
	}
	if got := m.Enqueue(qo("a3", order.PriorityNormal)); got != RejectedFull {
		t.Fatalf("third = %v, want REJECTED_FULL", got)
	}

	s := m.Stats()
	if s.Depth != 2 || s.RejectedFull != 1 || !s.Frozen {
		t.Fatalf("stats = %+v", s)
	}
}

func TestEnqueueSymbolLimit(t *testing.T) {
	cfg := qcfg()
	cfg.MaxConcurrentOrders = 0
	cfg.MaxOrdersPerSymbol = 2
	m, err := NewManager(cfg, &fakeDispatcher{}, Hooks{})
	if err != nil {
		t.Fatalf("new manager: %v", err)
	}
	defer m.Close()

	m.Enqueue(qo("m1", order.PriorityNormal))
	m.Enqueue(qo("m2", order.PriorityNormal))
	if got := m.Enqueue(qo("m3", order.PriorityNormal)); got != RejectedSymbolLimit {
		t.Fatalf("third MES = %v, want REJECTED_SYMBOL_LIMIT", got)
	}

	other := qo("n1", order.PriorityNormal)
	other.Instrument = "MNQ"
	if got := m.Enqueue(other); got != Accepted {
		t.Fatalf("other symbol = %v, want ACCEPTED", got)
	}
}

func TestPriorityClassesDrainHighestFirst(t *testing.T) {
	cfg := qcfg()
	cfg.MaxConcurrentOrders = 1 // serialize so observed order == pop order
	fd := &fakeDispatcher{seen: make(chan string, 8)}
	m, err := NewManager(cfg, fd, Hooks{})
	if err != nil {
		t.Fatalf("new manager: %v", err)
	}
	defer m.Close()

	m.SetConcurrency(0)
	m.Enqueue(qo("n1", order.PriorityNormal))
	m.Enqueue(qo("l1", order.PriorityLow))
	m.Enqueue(qo("h1", order.PriorityHigh))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go m.Run(ctx)
	m.SetConcurrency(1)

	got := []string{waitDispatch(t, fd.seen), waitDispatch(t, fd.seen), waitDispatch(t, fd.seen)}
	want := []string{"h1", "n1", "l1"}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("dispatch order = %v, want %v", got, want)
		}
	}
}

func TestFIFOWithinClass(t *testing.T) {
	cfg := qcfg()
	cfg.MaxConcurrentOrders = 1
	fd := &fakeDispatcher{seen: make(chan string, 8)}
	m, err := NewManager(cfg, fd, Hooks{})
	if err != nil {
		t.Fatalf("new manager: %v", err)
	}
	defer m.Close()

	m.SetConcurrency(0)
	for _, id := range []string{"a", "b", "c"} {
		m.Enqueue(qo(id, order.PriorityNormal))
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go m.Run(ctx)
	m.SetConcurrency(1)

	for _, want := range []string{"a", "b", "c"} {
		if got := waitDispatch(t, fd.seen); got != want {
			t.Fatalf("got %q, want %q", got, want)
		}
	}
}

func TestTransientFailureRetriesThenSucceeds(t *testing.T) {
	fd := &fakeDispatcher{
		seen:     make(chan string, 1),
		failures: map[string]int{"r1": 2},
		err:      &downstream.Error{Reason: order.ReasonDownstreamTimeout, Message: "no response"},
	}
	retried := make(chan int, 8)
	m, err := NewManager(qcfg(), fd, Hooks{
		OnRetry: func(_ *order.Order, attempt int, _ time.Duration) { retried <- attempt },
	})
	if err != nil {
		t.Fatalf("new manager: %v", err)
	}
	defer m.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go m.Run(ctx)
	m.Enqueue(qo("r1", order.PriorityNormal))

	if got := waitDispatch(t, fd.seen); got != "r1" {
		t.Fatalf("dispatched %q", got)
	}
	if got := fd.callCount(); got != 3 {
		t.Fatalf("attempts = %d, want 3", got)
	}
	if s := m.Stats(); s.Retries != 2 || s.Dispatched != 1 || s.Failures != 0 {
		t.Fatalf("stats = %+v", s)
	}
}

func TestPermanentFailureDoesNotRetry(t *testing.T) {
	fd := &fakeDispatcher{
		failures: map[string]int{"p1": 99},
		err:      &downstream.Error{Reason: order.ReasonDownstreamRejected, Message: "rejected"},
	}
	failed := make(chan order.Reason, 1)
	m, err := NewManager(qcfg(), fd, Hooks{
		OnFailed: func(_ *order.Order, reason order.Reason, _ error) { failed <- reason },
	})
	if err != nil {
		t.Fatalf("new manager: %v", err)
	}
	defer m.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go m.Run(ctx)
	m.Enqueue(qo("p1", order.PriorityNormal))

	select {
	case reason := <-failed:
		if reason != order.ReasonDownstreamRejected {
			t.Fatalf("reason = %v", reason)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for failure")
	}
	if got := fd.callCount(); got != 1 {
		t.Fatalf("attempts = %d, want 1 (no retries for permanent errors)", got)
	}
}

func TestRetryBudgetExhaustionFails(t *testing.T) {
	cfg := qcfg()
	cfg.MaxDispatchAttempts = 2
	fd := &fakeDispatcher{
		failures: map[string]int{"x1": 99},
		err:      &downstream.Error{Reason: order.ReasonDownstreamTimeout, Message: "no response"},
	}
	failed := make(chan order.Reason, 1)
	m, err := NewManager(cfg, fd, Hooks{
		OnFailed: func(_ *order.Order, reason order.Reason, _ error) { failed <- reason },
	})
	if err != nil {
		t.Fatalf("new manager: %v", err)
	}
	defer m.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go m.Run(ctx)
	m.Enqueue(qo("x1", order.PriorityNormal))

	select {
	case reason := <-failed:
		if reason != order.ReasonDownstreamTimeout {
			t.Fatalf("reason = %v", reason)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for failure")
	}
	if got := fd.callCount(); got != 2 {
		t.Fatalf("attempts = %d, want 2", got)
	}
	if s := m.Stats(); s.Retries != 1 || s.Failures != 1 {
		t.Fatalf("stats = %+v", s)
	}
}

func TestRemoveQueuedOrder(t *testing.T) {
	cfg := qcfg()
	cfg.MaxConcurrentOrders = 1
	fd := &fakeDispatcher{seen: make(chan string, 4)}
	m, err := NewManager(cfg, fd, Hooks{})
	if err != nil {
		t.Fatalf("new manager: %v", err)
	}
	defer m.Close()

	m.SetConcurrency(0)
	m.Enqueue(qo("keep", order.PriorityNormal))
	m.Enqueue(qo("drop", order.PriorityNormal))

	if !m.Remove("drop") {
		t.Fatal("Remove should find a queued order")
	}
	if m.Remove("nonexistent") {
		t.Fatal("Remove of unknown id should report false")
	}
	if got := m.Depth(); got != 1 {
		t.Fatalf("depth = %d, want 1", got)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go m.Run(ctx)
	m.SetConcurrency(1)

	if got := waitDispatch(t, fd.seen); got != "keep" {
		t.Fatalf("dispatched %q, want keep", got)
	}
	select {
	case id := <-fd.seen:
		t.Fatalf("removed order %q was dispatched", id)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestFreezeAndThaw(t *testing.T) {
	cfg := qcfg()
	cfg.MaxConcurrentOrders = 0
	fd := &fakeDispatcher{seen: make(chan string, 1)}
	m, err := NewManager(cfg, fd, Hooks{})
	if err != nil {
		t.Fatalf("new manager: %v", err)
	}
	defer m.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go m.Run(ctx)

	m.Enqueue(qo("f1", order.PriorityNormal))
	select {
	case id := <-fd.seen:
		t.Fatalf("frozen queue dispatched %q", id)
	case <-time.After(50 * time.Millisecond):
	}

	m.SetConcurrency(2)
	if got := waitDispatch(t, fd.seen); got != "f1" {
		t.Fatalf("dispatched %q", got)
	}
}

func TestDrainFailsLeftovers(t *testing.T) {
	cfg := qcfg()
	cfg.MaxConcurrentOrders = 0
	var mu sync.Mutex
	var reasons []order.Reason
	m, err := NewManager(cfg, &fakeDispatcher{}, Hooks{
		OnFailed: func(_ *order.Order, reason order.Reason, _ error) {
			mu.Lock()
			reasons = append(reasons, reason)
			mu.Unlock()
		},
	})
	if err != nil {
		t.Fatalf("new manager: %v", err)
	}
	defer m.Close()

	m.Enqueue(qo("d1", order.PriorityNormal))
	m.Enqueue(qo("d2", order.PriorityHigh))

	if got := m.Drain(100 * time.Millisecond); got != 2 {
		t.Fatalf("drained = %d, want 2", got)
	}
	mu.Lock()
	defer mu.Unlock()
	if len(reasons) != 2 || reasons[0] != order.ReasonShutdown || reasons[1] != order.ReasonShutdown {
		t.Fatalf("reasons = %v", reasons)
	}

	if got := m.Enqueue(qo("late", order.PriorityNormal)); got != RejectedFull {
		t.Fatalf("post-drain enqueue = %v, want REJECTED_FULL", got)
	}
}

func TestPerSecondRateLimit(t *testing.T) {
	cfg := qcfg()
	cfg.MaxOrdersPerSecond = 1
	fd := &fakeDispatcher{seen: make(chan string, 4)}
	m, err := NewManager(cfg, fd, Hooks{})
	if err != nil {
		t.Fatalf("new manager: %v", err)
	}
	defer m.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go m.Run(ctx)

	m.Enqueue(qo("t1", order.PriorityNormal))
	m.Enqueue(qo("t2", order.PriorityNormal))

	waitDispatch(t, fd.seen)
	select {
	case id := <-fd.seen:
		t.Fatalf("%q dispatched inside the same rate window", id)
	case <-time.After(300 * time.Millisecond):
	}
}
