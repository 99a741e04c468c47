package metrics

import (
	"context"
	"runtime"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"

	"trading-aggregator/internal/aggregator"
	"trading-aggregator/internal/events"
	"trading-aggregator/internal/order"
	"trading-aggregator/internal/risk"
	"trading-aggregator/pkg/config"
)

// Source is the aggregate view the collector samples once per interval and
// embeds into its snapshots.
type Source interface {
	MetricsSnapshot() aggregator.Snapshot
}

// Collector folds the internal event stream into resettable counters and
// latency windows, mirrors them into a Prometheus registry, and samples a
// history ring at a fixed cadence.
type Collector struct {
	cfg    config.MonitoringConfig
	ev     *events.Bus
	source Source
	logger zerolog.Logger
	feed   <-chan any
	unsub  func()

	reg             *prometheus.Registry
	promReceived    *prometheus.CounterVec
	promProcessed   *prometheus.CounterVec
	promRejected    *prometheus.CounterVec
	promFailed      *prometheus.CounterVec
	promFills       prometheus.Counter
	promViolations  *prometheus.CounterVec
	promQueueDepth  *prometheus.GaugeVec
	promBusUp       prometheus.Gauge
	promDispatchSec prometheus.Histogram

	dispatchLatency *LatencyWindow
	fillLatency     *LatencyWindow
	sltpLatency     *LatencyWindow
	ring            *Ring

	mu                 sync.Mutex
	startedAt          time.Time
	resetAt            time.Time
	orders             ordersTally
	fills              uint64
	lateFills          uint64
	ticks              uint64
	violations         map[string]uint64
	shadowOverrides    uint64
	bracketsCalculated uint64
	bracketsSkipped    uint64
	busConnected       bool
	loopLagMs          float64
}

type ordersTally struct {
	received      uint64
	accepted      uint64
	dispatched    uint64
	processed     uint64
	rejected      uint64
	failed        uint64
	cancelled     uint64
	bySource      map[string]uint64
	byInstrument  map[string]uint64
	rejectReasons map[string]uint64
	failReasons   map[string]uint64
}

func newOrdersTally() ordersTally {
	return ordersTally{
		bySource:      make(map[string]uint64),
		byInstrument:  make(map[string]uint64),
		rejectReasons: make(map[string]uint64),
		failReasons:   make(map[string]uint64),
	}
}

// NewCollector builds the counters and the Prometheus mirror, and attaches
// to the event bus. Run must be started for events and samples to flow;
// events published before Run starts sit in the subscription buffer.
func NewCollector(cfg config.MonitoringConfig, ev *events.Bus, source Source) *Collector {
	c := &Collector{
		cfg:             cfg,
		ev:              ev,
		source:          source,
		logger:          log.With().Str("component", "metrics").Logger(),
		dispatchLatency: NewLatencyWindow(cfg.LatencyWindow),
		fillLatency:     NewLatencyWindow(cfg.LatencyWindow),
		sltpLatency:     NewLatencyWindow(cfg.LatencyWindow),
		ring:            NewRing(cfg.HistorySize),
		orders:          newOrdersTally(),
		violations:      make(map[string]uint64),
		startedAt:       time.Now(),
		resetAt:         time.Now(),
	}
	c.feed, c.unsub = ev.SubscribeMany([]events.Event{
		events.EventOrderSubmitted,
		events.EventOrderRejected,
		events.EventOrderDispatched,
		events.EventOrderFilled,
		events.EventOrderPartiallyFilled,
		events.EventOrderCancelled,
		events.EventOrderFailed,
		events.EventFillProcessed,
		events.EventRiskViolation,
		events.EventRiskPaused,
		events.EventRiskResumed,
		events.EventBracketCalculated,
		events.EventBracketSkipped,
		events.EventMarketTick,
		events.EventBusState,
	}, 1024)

	c.reg = prometheus.NewRegistry()
	c.promReceived = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "aggregator", Name: "orders_received_total",
		Help: "Orders arriving at the submit gate, by producer and instrument.",
	}, []string{"source", "instrument"})
	c.promProcessed = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "aggregator", Name: "orders_processed_total",
		Help: "Orders reaching FILLED, by instrument.",
	}, []string{"instrument"})
	c.promRejected = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "aggregator", Name: "orders_rejected_total",
		Help: "Orders rejected before dispatch, by reason.",
	}, []string{"reason"})
	c.promFailed = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "aggregator", Name: "orders_failed_total",
		Help: "Orders failed at or after dispatch, by reason.",
	}, []string{"reason"})
	c.promFills = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "aggregator", Name: "fills_total",
		Help: "Fill reports applied to positions.",
	})
	c.promViolations = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "aggregator", Name: "risk_violations_total",
		Help: "Risk rule violations, by kind.",
	}, []string{"kind"})
	c.promQueueDepth = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "aggregator", Name: "queue_depth",
		Help: "Queued orders per priority class.",
	}, []string{"priority"})
	c.promBusUp = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "aggregator", Name: "bus_connected",
		Help: "1 while the shared bus connection is up.",
	})
	c.promDispatchSec = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "aggregator", Name: "dispatch_latency_seconds",
		Help:    "Time from submission to confirmed dispatch.",
		Buckets: prometheus.ExponentialBuckets(0.001, 2, 14),
	})

	c.reg.MustRegister(
		c.promReceived, c.promProcessed, c.promRejected, c.promFailed,
		c.promFills, c.promViolations, c.promQueueDepth, c.promBusUp,
		c.promDispatchSec,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return c
}

// Registry exposes the Prometheus registry for the HTTP handler.
func (c *Collector) Registry() *prometheus.Registry {
	return c.reg
}

// History returns the sampled rows oldest-first.
func (c *Collector) History() []Sample {
	return c.ring.Snapshot()
}

// Run consumes events and pushes one history sample per interval. It returns
// when ctx is cancelled.
func (c *Collector) Run(ctx context.Context) {
	defer c.unsub()

	interval := c.cfg.SampleInterval
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	var prev aggregator.Counters
	last := time.Now()
	for {
		select {
		case <-ctx.Done():
			return
		case payload, ok := <-c.feed:
			if !ok {
				return
			}
			c.consume(payload)
		case now := <-ticker.C:
			elapsed := now.Sub(last)
			last = now
			c.sample(now, elapsed, elapsed-interval, &prev)
		}
	}
}

func (c *Collector) consume(payload any) {
	switch p := payload.(type) {
	case events.OrderEvent:
		c.consumeOrder(p)

	case events.FillEvent:
		c.fillLatency.Observe(p.At.Sub(p.Fill.FillTime))
		c.mu.Lock()
		c.fills++
		if p.Late {
			c.lateFills++
		}
		c.mu.Unlock()
		c.promFills.Inc()

	case events.RiskEvent:
		c.mu.Lock()
		for _, v := range p.Violations {
			c.violations[v]++
		}
		if p.Shadow {
			c.shadowOverrides++
		}
		c.mu.Unlock()
		for _, v := range p.Violations {
			c.promViolations.WithLabelValues(v).Inc()
		}

	case events.BracketEvent:
		c.sltpLatency.Observe(p.Elapsed)
		c.mu.Lock()
		if p.Calculated {
			c.bracketsCalculated++
		} else {
			c.bracketsSkipped++
		}
		c.mu.Unlock()

	case events.TickEvent:
		c.mu.Lock()
		c.ticks++
		c.mu.Unlock()

	case events.BusStateEvent:
		c.mu.Lock()
		c.busConnected = p.Connected
		c.mu.Unlock()
		if p.Connected {
			c.promBusUp.Set(1)
		} else {
			c.promBusUp.Set(0)
		}
	}
}

func (c *Collector) consumeOrder(p events.OrderEvent) {
	o := p.Order
	switch o.State {
	case order.StateQueued:
		c.mu.Lock()
		c.orders.received++
		c.orders.accepted++
		c.orders.bySource[o.Source]++
		c.orders.byInstrument[o.Instrument]++
		c.mu.Unlock()
		c.promReceived.WithLabelValues(o.Source, o.Instrument).Inc()

	case order.StateRejected:
		reason := string(p.Reason)
		if reason == "" {
			reason = string(o.RejectionReason)
		}
		c.mu.Lock()
		c.orders.received++
		c.orders.rejected++
		c.orders.bySource[o.Source]++
		c.orders.byInstrument[o.Instrument]++
		c.orders.rejectReasons[reason]++
		c.mu.Unlock()
		c.promReceived.WithLabelValues(o.Source, o.Instrument).Inc()
		c.promRejected.WithLabelValues(reason).Inc()

	case order.StateDispatched:
		c.mu.Lock()
		c.orders.dispatched++
		c.mu.Unlock()
		if !o.DispatchedAt.IsZero() && !o.ReceivedAt.IsZero() {
			d := o.DispatchedAt.Sub(o.ReceivedAt)
			c.dispatchLatency.Observe(d)
			c.promDispatchSec.Observe(d.Seconds())
		}

	case order.StateFilled:
		c.mu.Lock()
		c.orders.processed++
		c.mu.Unlock()
		c.promProcessed.WithLabelValues(o.Instrument).Inc()

	case order.StateFailed:
		reason := string(p.Reason)
		if reason == "" {
			reason = string(o.RejectionReason)
		}
		c.mu.Lock()
		c.orders.failed++
		c.orders.failReasons[reason]++
		c.mu.Unlock()
		c.promFailed.WithLabelValues(reason).Inc()

	case order.StateCancelled:
		c.mu.Lock()
		c.orders.cancelled++
		c.mu.Unlock()
	}
}

// sample reads the aggregate view, derives per-interval rates against prev,
// and pushes one history row.
func (c *Collector) sample(now time.Time, elapsed, lag time.Duration, prev *aggregator.Counters) {
	snap := c.source.MetricsSnapshot()
	secs := elapsed.Seconds()
	if secs <= 0 {
		secs = 1
	}

	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)

	lagMs := float64(lag.Microseconds()) / 1000
	if lagMs < 0 {
		lagMs = 0
	}
	c.mu.Lock()
	c.loopLagMs = lagMs
	c.mu.Unlock()

	c.ring.Push(Sample{
		At:            now,
		ActiveOrders:  snap.ActiveOrders,
		QueueDepth:    snap.Queue.Depth,
		OpenPositions: snap.OpenPositions,
		OrdersPerSec:  float64(snap.Counters.Submitted-prev.Submitted) / secs,
		FillsPerSec:   float64(snap.Counters.FillsApplied-prev.FillsApplied) / secs,
		RejectsPerSec: float64(snap.Counters.Rejected-prev.Rejected) / secs,
		RiskPaused:    snap.Risk.Paused,
		HeapBytes:     ms.HeapAlloc,
		Goroutines:    runtime.NumGoroutine(),
		LoopLagMs:     lagMs,
	})
	*prev = snap.Counters

	c.promQueueDepth.WithLabelValues(string(order.PriorityHigh)).Set(float64(snap.Queue.DepthHigh))
	c.promQueueDepth.WithLabelValues(string(order.PriorityNormal)).Set(float64(snap.Queue.DepthNormal))
	c.promQueueDepth.WithLabelValues(string(order.PriorityLow)).Set(float64(snap.Queue.DepthLow))
}

// View is the JSON snapshot the monitoring API serves.
type View struct {
	At       time.Time           `json:"at"`
	ResetAt  time.Time           `json:"resetAt"`
	Orders   OrdersView          `json:"orders"`
	Fills    FillsView           `json:"fills"`
	Risk     RiskView            `json:"risk"`
	SLTP     SLTPView            `json:"sltp"`
	Dispatch LatencyStats        `json:"dispatchLatency"`
	System   SystemView          `json:"system"`
	Core     aggregator.Snapshot `json:"aggregator"`
}

// OrdersView tallies lifecycle outcomes since the last reset.
type OrdersView struct {
	Received           uint64            `json:"received"`
	Accepted           uint64            `json:"accepted"`
	Dispatched         uint64            `json:"dispatched"`
	Processed          uint64            `json:"processed"`
	Rejected           uint64            `json:"rejected"`
	Failed             uint64            `json:"failed"`
	Cancelled          uint64            `json:"cancelled"`
	BySource           map[string]uint64 `json:"bySource"`
	ByInstrument       map[string]uint64 `json:"byInstrument"`
	RejectionsByReason map[string]uint64 `json:"rejectionsByReason"`
	FailuresByReason   map[string]uint64 `json:"failuresByReason"`
}

// FillsView tallies fill ingestion.
type FillsView struct {
	Applied uint64       `json:"applied"`
	Late    uint64       `json:"late"`
	Latency LatencyStats `json:"latency"`
}

// RiskView pairs the engine's live state with resettable violation tallies.
type RiskView struct {
	State            risk.StateView    `json:"state"`
	ViolationsByKind map[string]uint64 `json:"violationsByKind"`
	ShadowOverrides  uint64            `json:"shadowOverrides"`
}

// SLTPView tallies bracket derivations.
type SLTPView struct {
	Calculated uint64       `json:"calculated"`
	Skipped    uint64       `json:"skipped"`
	Latency    LatencyStats `json:"latency"`
}

// SystemView reports process and host gauges.
type SystemView struct {
	UptimeSeconds     int64   `json:"uptimeSeconds"`
	Goroutines        int     `json:"goroutines"`
	HeapAllocBytes    uint64  `json:"heapAllocBytes"`
	HeapSysBytes      uint64  `json:"heapSysBytes"`
	MemoryUsedPercent float64 `json:"memoryUsedPercent"`
	CPUPercent        float64 `json:"cpuPercent"`
	Ticks             uint64  `json:"ticks"`
	BusConnected      bool    `json:"busConnected"`
	LoopLagMs         float64 `json:"loopLagMs"`
}

// Snapshot assembles the full monitoring view.
func (c *Collector) Snapshot() View {
	snap := c.source.MetricsSnapshot()

	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)

	c.mu.Lock()
	v := View{
		At:      time.Now(),
		ResetAt: c.resetAt,
		Orders: OrdersView{
			Received:           c.orders.received,
			Accepted:           c.orders.accepted,
			Dispatched:         c.orders.dispatched,
			Processed:          c.orders.processed,
			Rejected:           c.orders.rejected,
			Failed:             c.orders.failed,
			Cancelled:          c.orders.cancelled,
			BySource:           copyCounts(c.orders.bySource),
			ByInstrument:       copyCounts(c.orders.byInstrument),
			RejectionsByReason: copyCounts(c.orders.rejectReasons),
			FailuresByReason:   copyCounts(c.orders.failReasons),
		},
		Fills: FillsView{Applied: c.fills, Late: c.lateFills},
		Risk: RiskView{
			ViolationsByKind: copyCounts(c.violations),
			ShadowOverrides:  c.shadowOverrides,
		},
		SLTP: SLTPView{Calculated: c.bracketsCalculated, Skipped: c.bracketsSkipped},
		System: SystemView{
			UptimeSeconds:  int64(time.Since(c.startedAt).Seconds()),
			Goroutines:     runtime.NumGoroutine(),
			HeapAllocBytes: ms.HeapAlloc,
			HeapSysBytes:   ms.HeapSys,
			Ticks:          c.ticks,
			BusConnected:   c.busConnected,
			LoopLagMs:      c.loopLagMs,
		},
		Core: snap,
	}
	c.mu.Unlock()

	v.Fills.Latency = c.fillLatency.Stats()
	v.SLTP.Latency = c.sltpLatency.Stats()
	v.Dispatch = c.dispatchLatency.Stats()
	v.Risk.State = snap.Risk

	if vm, err := mem.VirtualMemory(); err == nil {
		v.System.MemoryUsedPercent = vm.UsedPercent
	}
	if pcts, err := cpu.Percent(0, false); err == nil && len(pcts) > 0 {
		v.System.CPUPercent = pcts[0]
	}
	return v
}

// Reset zeroes the resettable counters and windows. Prometheus counters stay
// monotonic; scrapers rate() over them.
func (c *Collector) Reset() {
	c.mu.Lock()
	c.orders = newOrdersTally()
	c.fills = 0
	c.lateFills = 0
	c.ticks = 0
	c.violations = make(map[string]uint64)
	c.shadowOverrides = 0
	c.bracketsCalculated = 0
	c.bracketsSkipped = 0
	c.resetAt = time.Now()
	c.mu.Unlock()

	c.dispatchLatency.Reset()
	c.fillLatency.Reset()
	c.sltpLatency.Reset()
	c.logger.Info().Msg("metrics counters reset")
}

func copyCounts(in map[string]uint64) map[string]uint64 {
	out := make(map[string]uint64, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
