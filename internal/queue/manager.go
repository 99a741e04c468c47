package queue

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/panjf2000/ants/v2"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"

	"trading-aggregator/internal/downstream"
	"trading-aggregator/internal/order"
	"trading-aggregator/pkg/config"
)

// Decision is the admission outcome for one enqueue.
type Decision int

const (
	Accepted Decision = iota
	RejectedFull
	RejectedSymbolLimit
)

func (d Decision) String() string {
	switch d {
	case Accepted:
		return "ACCEPTED"
	case RejectedFull:
		return "REJECTED_FULL"
	case RejectedSymbolLimit:
		return "REJECTED_SYMBOL_LIMIT"
	}
	return "UNKNOWN"
}

// Dispatcher sends one order downstream. Implementations own the state
// transition to DISPATCHED; the manager only schedules.
type Dispatcher interface {
	Dispatch(ctx context.Context, o *order.Order) error
}

// Hooks observe scheduling outcomes. All hooks are optional and are called
// from pool workers, never under the manager lock.
type Hooks struct {
	OnDispatched func(o *order.Order, wait, latency time.Duration)
	OnFailed     func(o *order.Order, reason order.Reason, err error)
	OnRetry      func(o *order.Order, attempt int, delay time.Duration)
}

type entry struct {
	order      *order.Order
	pri        order.Priority
	attempts   int
	enqueuedAt time.Time
}

// Manager is the priority dispatch scheduler: three strict FIFOs drained
// highest class first by a single cooperative loop, with dispatches running
// in parallel on a bounded pool. A concurrency limit of zero freezes
// dispatch while still admitting orders.
type Manager struct {
	cfg        config.QueueConfig
	dispatcher Dispatcher
	hooks      Hooks

	mu        sync.Mutex
	queues    map[order.Priority][]*entry
	retrying  map[string]*entry
	perSymbol map[string]int
	depth     int
	maxDepth  int
	stopped   bool

	concurrency atomic.Int32
	inflight    atomic.Int32
	limiter     *rate.Limiter
	pool        *ants.Pool

	enqueued       atomic.Uint64
	dispatched     atomic.Uint64
	retries        atomic.Uint64
	failures       atomic.Uint64
	rejectedFull   atomic.Uint64
	rejectedSymbol atomic.Uint64

	stopOnce sync.Once
	stop     chan struct{}
	logger   zerolog.Logger
}

// Stats is a point-in-time view for metrics and the API.
type Stats struct {
	Depth          int    `json:"depth"`
	MaxDepth       int    `json:"maxDepth"`
	DepthHigh      int    `json:"depthHigh"`
	DepthNormal    int    `json:"depthNormal"`
	DepthLow       int    `json:"depthLow"`
	Inflight       int    `json:"inflight"`
	Retrying       int    `json:"retrying"`
	Concurrency    int    `json:"concurrency"`
	Frozen         bool   `json:"frozen"`
	Enqueued       uint64 `json:"enqueued"`
	Dispatched     uint64 `json:"dispatched"`
	Retries        uint64 `json:"retries"`
	Failures       uint64 `json:"failures"`
	RejectedFull   uint64 `json:"rejectedFull"`
	RejectedSymbol uint64 `json:"rejectedSymbol"`
}

// NewManager builds the scheduler. The pool is sized to the concurrency
// limit (at least one worker; a zero limit freezes via the gate, not the
// pool).
func NewManager(cfg config.QueueConfig, dispatcher Dispatcher, hooks Hooks) (*Manager, error) {
	poolSize := cfg.MaxConcurrentOrders
	if poolSize < 1 {
		poolSize = 1
	}
	pool, err := ants.NewPool(poolSize, ants.WithNonblocking(true))
	if err != nil {
		return nil, err
	}

	var limiter *rate.Limiter
	if cfg.MaxOrdersPerSecond > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.MaxOrdersPerSecond), cfg.MaxOrdersPerSecond)
	} else {
		limiter = rate.NewLimiter(rate.Inf, 0)
	}

	m := &Manager{
		cfg:        cfg,
		dispatcher: dispatcher,
		hooks:      hooks,
		queues: map[order.Priority][]*entry{
			order.PriorityHigh:   nil,
			order.PriorityNormal: nil,
			order.PriorityLow:    nil,
		},
		retrying:  make(map[string]*entry),
		perSymbol: make(map[string]int),
		limiter:   limiter,
		pool:      pool,
		stop:      make(chan struct{}),
		logger:    log.With().Str("component", "queue").Logger(),
	}
	m.concurrency.Store(int32(cfg.MaxConcurrentOrders))

	m.logger.Info().
		Int("maxQueueSize", cfg.MaxQueueSize).
		Int("maxConcurrent", cfg.MaxConcurrentOrders).
		Int("maxPerSecond", cfg.MaxOrdersPerSecond).
		Dur("interval", cfg.ProcessingInterval).
		Msg("queue manager initialized")
	return m, nil
}

// Enqueue admits an order into its priority class. Capacity and per-symbol
// limits are enforced here; the caller maps rejections to backpressure
// reasons.
func (m *Manager) Enqueue(o *order.Order) Decision {
	pri := o.Priority
	if !pri.Valid() {
		pri = order.PriorityNormal
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.stopped || m.depth >= m.cfg.MaxQueueSize {
		m.rejectedFull.Add(1)
		return RejectedFull
	}
	if m.cfg.MaxOrdersPerSymbol > 0 && m.perSymbol[o.Instrument] >= m.cfg.MaxOrdersPerSymbol {
		m.rejectedSymbol.Add(1)
		return RejectedSymbolLimit
	}

	m.pushLocked(&entry{order: o, pri: pri, enqueuedAt: time.Now()}, false)
	m.enqueued.Add(1)
	return Accepted
}

// pushLocked appends (or prepends) an entry and maintains the occupancy
// counters. Retries bypass admission checks: the order was already
// admitted once.
func (m *Manager) pushLocked(e *entry, front bool) {
	if front {
		m.queues[e.pri] = append([]*entry{e}, m.queues[e.pri]...)
	} else {
		m.queues[e.pri] = append(m.queues[e.pri], e)
	}
	m.depth++
	if m.depth > m.maxDepth {
		m.maxDepth = m.depth
	}
	m.perSymbol[e.order.Instrument]++
}

func (m *Manager) unlinkLocked(e *entry) {
	m.depth--
	if n := m.perSymbol[e.order.Instrument] - 1; n > 0 {
		m.perSymbol[e.order.Instrument] = n
	} else {
		delete(m.perSymbol, e.order.Instrument)
	}
}

// Run drives the scheduler until ctx is cancelled or Close is called.
func (m *Manager) Run(ctx context.Context) {
	ticker := time.NewTicker(m.cfg.ProcessingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-m.stop:
			return
		case <-ticker.C:
			m.pump(ctx)
		}
	}
}

// pump starts as many dispatches as the concurrency gate and rate budget
// allow. It never blocks on dispatch I/O.
func (m *Manager) pump(ctx context.Context) {
	for {
		capNow := m.concurrency.Load()
		if capNow <= 0 {
			return // frozen
		}
		if m.inflight.Load() >= capNow {
			return
		}

		m.mu.Lock()
		var pri order.Priority
		found := false
		for _, p := range order.Classes {
			if len(m.queues[p]) > 0 {
				pri = p
				found = true
				break
			}
		}
		if !found {
			m.mu.Unlock()
			return
		}
		// The rate token is consumed only once an order is about to pop.
		if !m.limiter.Allow() {
			m.mu.Unlock()
			return
		}
		q := m.queues[pri]
		e := q[0]
		m.queues[pri] = q[1:]
		m.unlinkLocked(e)
		m.mu.Unlock()

		m.inflight.Add(1)
		if err := m.pool.Submit(func() { m.dispatch(ctx, e) }); err != nil {
			// Pool saturated: put the order back at the head of its class.
			m.inflight.Add(-1)
			m.mu.Lock()
			m.pushLocked(e, true)
			m.mu.Unlock()
			return
		}
	}
}

func (m *Manager) dispatch(ctx context.Context, e *entry) {
	defer m.inflight.Add(-1)

	e.attempts++
	start := time.Now()
	err := m.dispatcher.Dispatch(ctx, e.order)
	if err == nil {
		m.dispatched.Add(1)
		if m.hooks.OnDispatched != nil {
			m.hooks.OnDispatched(e.order, start.Sub(e.enqueuedAt), time.Since(start))
		}
		return
	}

	if !downstream.Transient(err) || e.attempts >= m.cfg.MaxDispatchAttempts {
		m.fail(e.order, downstream.ReasonOf(err), err)
		return
	}

	delay := m.cfg.RetryBackoff << (e.attempts - 1)
	m.retries.Add(1)
	m.logger.Warn().
		Str("orderId", e.order.ID).
		Int("attempt", e.attempts).
		Dur("delay", delay).
		Err(err).
		Msg("transient dispatch failure, scheduling retry")
	if m.hooks.OnRetry != nil {
		m.hooks.OnRetry(e.order, e.attempts, delay)
	}

	m.mu.Lock()
	if m.stopped {
		m.mu.Unlock()
		m.fail(e.order, order.ReasonShutdown, err)
		return
	}
	m.retrying[e.order.ID] = e
	m.mu.Unlock()
	time.AfterFunc(delay, func() { m.requeueRetry(e) })
}

// requeueRetry moves an order from the retry window back to the tail of
// its class. A Remove or shutdown in the meantime wins.
func (m *Manager) requeueRetry(e *entry) {
	m.mu.Lock()
	if _, ok := m.retrying[e.order.ID]; !ok {
		m.mu.Unlock()
		return // removed while waiting
	}
	delete(m.retrying, e.order.ID)
	if m.stopped {
		m.mu.Unlock()
		m.fail(e.order, order.ReasonShutdown, nil)
		return
	}
	m.pushLocked(e, false)
	m.mu.Unlock()
}

func (m *Manager) fail(o *order.Order, reason order.Reason, err error) {
	m.failures.Add(1)
	if m.hooks.OnFailed != nil {
		m.hooks.OnFailed(o, reason, err)
	}
}

// Remove takes a queued (or retry-pending) order out of the queue. It
// reports false when the order is not under queue control, e.g. already
// dispatching.
func (m *Manager) Remove(id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	for pri, q := range m.queues {
		for i, e := range q {
			if e.order.ID == id {
				m.queues[pri] = append(q[:i:i], q[i+1:]...)
				m.unlinkLocked(e)
				return true
			}
		}
	}
	if _, ok := m.retrying[id]; ok {
		delete(m.retrying, id)
		return true
	}
	return false
}

// SetConcurrency changes the dispatch cap at runtime. Zero freezes the
// scheduler without dropping queued orders.
func (m *Manager) SetConcurrency(n int) {
	if n < 0 {
		n = 0
	}
	m.concurrency.Store(int32(n))
	if n > 0 {
		m.pool.Tune(n)
	}
	m.logger.Info().Int("concurrency", n).Bool("frozen", n == 0).Msg("dispatch concurrency changed")
}

// Drain stops intake, waits out inflight dispatches up to timeout, then
// fails everything still queued. Returns how many orders were failed.
func (m *Manager) Drain(timeout time.Duration) int {
	m.mu.Lock()
	m.stopped = true
	m.mu.Unlock()

	deadline := time.Now().Add(timeout)
	for m.inflight.Load() > 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}

	m.mu.Lock()
	var leftovers []*entry
	for pri, q := range m.queues {
		leftovers = append(leftovers, q...)
		m.queues[pri] = nil
	}
	for _, e := range m.retrying {
		leftovers = append(leftovers, e)
	}
	m.retrying = make(map[string]*entry)
	m.depth = 0
	m.perSymbol = make(map[string]int)
	m.mu.Unlock()

	for _, e := range leftovers {
		m.fail(e.order, order.ReasonShutdown, nil)
	}
	if len(leftovers) > 0 {
		m.logger.Warn().Int("count", len(leftovers)).Msg("orders failed by shutdown drain")
	}
	return len(leftovers)
}

// Close stops the scheduler loop and releases the pool.
func (m *Manager) Close() {
	m.stopOnce.Do(func() {
		close(m.stop)
		m.pool.Release()
	})
}

// Stats snapshots the occupancy and tallies.
func (m *Manager) Stats() Stats {
	m.mu.Lock()
	s := Stats{
		Depth:       m.depth,
		MaxDepth:    m.maxDepth,
		DepthHigh:   len(m.queues[order.PriorityHigh]),
		DepthNormal: len(m.queues[order.PriorityNormal]),
		DepthLow:    len(m.queues[order.PriorityLow]),
		Retrying:    len(m.retrying),
	}
	m.mu.Unlock()

	s.Inflight = int(m.inflight.Load())
	s.Concurrency = int(m.concurrency.Load())
	s.Frozen = s.Concurrency == 0
	s.Enqueued = m.enqueued.Load()
	s.Dispatched = m.dispatched.Load()
	s.Retries = m.retries.Load()
	s.Failures = m.failures.Load()
	s.RejectedFull = m.rejectedFull.Load()
	s.RejectedSymbol = m.rejectedSymbol.Load()
	return s
}

// Depth reports current total occupancy.
func (m *Manager) Depth() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.depth
}
