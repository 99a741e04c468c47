package aggregator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"trading-aggregator/internal/catalog"
	"trading-aggregator/internal/downstream"
	"trading-aggregator/internal/events"
	"trading-aggregator/internal/market"
	"trading-aggregator/internal/order"
	"trading-aggregator/internal/queue"
	"trading-aggregator/internal/risk"
	"trading-aggregator/internal/sltp"
	"trading-aggregator/internal/sources"
	"trading-aggregator/pkg/config"
)

var (
	// ErrUnknownOrder means the id is not in the active set or the recent
	// terminal window.
	ErrUnknownOrder = errors.New("aggregator: unknown order")
	// ErrNotCancellable means the order exists but its state does not admit
	// a cancel.
	ErrNotCancellable = errors.New("aggregator: order not cancellable")
)

// terminalWindow bounds how many finished orders stay resolvable for
// duplicate submits and late fills.
const terminalWindow = 2048

// Broker is the slice of the downstream client the core drives.
type Broker interface {
	SubmitOrder(ctx context.Context, o order.Order) (downstream.SubmitResult, error)
	CancelOrder(ctx context.Context, o order.Order) error
}

// Deps carries the composed modules into the core.
type Deps struct {
	Cfg     *config.Config
	Risk    *risk.Engine
	SLTP    *sltp.Calculator
	Sources *sources.Registry
	Catalog *catalog.Catalog
	Prices  *market.PriceBook
	Broker  Broker
	Events  *events.Bus
}

// Core is the orchestrator: it owns the active-order and position maps,
// gates submissions through risk, feeds the priority queue, folds fills
// into positions, and spawns bracket children. All map mutation happens
// under one lock; the queue dispatches on its own workers and calls back
// in through Dispatch and the failure hook.
type Core struct {
	cfg      *config.Config
	risk     *risk.Engine
	sltp     *sltp.Calculator
	registry *sources.Registry
	catalog  *catalog.Catalog
	prices   *market.PriceBook
	broker   Broker
	ev       *events.Bus
	queue    *queue.Manager
	logger   zerolog.Logger

	mu        sync.Mutex
	accepting bool
	active    map[string]*order.Order
	recent    map[string]*order.Order
	recentIDs []string
	positions map[string]*order.Position
	counters  Counters
	startedAt time.Time

	now func() time.Time
}

// Counters are the core's own tallies; queue and risk keep theirs.
type Counters struct {
	Submitted      uint64 `json:"submitted"`
	Accepted       uint64 `json:"accepted"`
	Rejected       uint64 `json:"rejected"`
	Dispatched     uint64 `json:"dispatched"`
	Filled         uint64 `json:"filled"`
	Cancelled      uint64 `json:"cancelled"`
	Failed         uint64 `json:"failed"`
	FillsApplied   uint64 `json:"fillsApplied"`
	LateFills      uint64 `json:"lateFills"`
	UnknownFills   uint64 `json:"unknownFills"`
	DuplicateFills uint64 `json:"duplicateFills"`
	BracketsPlaced uint64 `json:"bracketsPlaced"`
}

// SubmitResult is the synchronous answer to a submission.
type SubmitResult struct {
	OrderID    string       `json:"orderId"`
	Accepted   bool         `json:"accepted"`
	State      order.State  `json:"state"`
	Reason     order.Reason `json:"reason,omitempty"`
	Violations []string     `json:"violations,omitempty"`
	Duplicate  bool         `json:"duplicate,omitempty"`
}

// FillOutcome reports what ProcessFill did with a report.
type FillOutcome struct {
	Applied  bool         `json:"applied"`
	Late     bool         `json:"late,omitempty"`
	Reason   order.Reason `json:"reason,omitempty"`
	Realized float64      `json:"realized,omitempty"`
}

// NewCore builds the orchestrator and its dispatch queue.
func NewCore(d Deps) (*Core, error) {
	c := &Core{
		cfg:       d.Cfg,
		risk:      d.Risk,
		sltp:      d.SLTP,
		registry:  d.Sources,
		catalog:   d.Catalog,
		prices:    d.Prices,
		broker:    d.Broker,
		ev:        d.Events,
		logger:    log.With().Str("component", "core").Logger(),
		accepting: true,
		active:    make(map[string]*order.Order),
		recent:    make(map[string]*order.Order),
		positions: make(map[string]*order.Position),
		startedAt: time.Now(),
		now:       time.Now,
	}
	q, err := queue.NewManager(d.Cfg.Queue, c, queue.Hooks{
		OnDispatched: c.onDispatched,
		OnFailed:     c.onDispatchFailed,
		OnRetry:      c.onDispatchRetry,
	})
	if err != nil {
		return nil, err
	}
	c.queue = q
	return c, nil
}

// Run starts the dispatch loop. Blocks until ctx is cancelled.
func (c *Core) Run(ctx context.Context) {
	c.queue.Run(ctx)
}

// RegisterSource records explicit producer identity ahead of submission.
// Tallies on a known source survive re-registration.
func (c *Core) RegisterSource(id string, kind sources.Kind, displayName string) {
	c.registry.Register(id, kind, displayName, "")
}

// Queue exposes the dispatch queue for control surfaces.
func (c *Core) Queue() *queue.Manager {
	return c.queue
}

// SubmitOrder normalizes, gates, and enqueues one order. The answer is
// synchronous: accepted means the order is QUEUED; otherwise Reason (and
// Violations for risk rejections) say why not. Re-submitting a known id
// returns the current state without side effects.
func (c *Core) SubmitOrder(ctx context.Context, o *order.Order) SubmitResult {
	c.normalize(o)

	c.mu.Lock()
	defer c.mu.Unlock()

	if existing, ok := c.lookupLocked(o.ID); ok {
		return SubmitResult{
			OrderID:    existing.ID,
			Accepted:   !existing.State.Terminal() || existing.State == order.StateFilled,
			State:      existing.State,
			Reason:     existing.RejectionReason,
			Violations: existing.Violations,
			Duplicate:  true,
		}
	}

	o.State = order.StateReceived
	o.ReceivedAt = c.now()
	o.Source = c.registry.Resolve(o.Source)
	c.registry.RecordReceived(o.Source)
	c.counters.Submitted++

	if !c.accepting {
		return c.rejectLocked(o, order.ReasonShutdown, nil)
	}
	if err := validate(o); err != nil {
		c.logger.Warn().Str("orderId", o.ID).Err(err).Msg("order failed validation")
		return c.rejectLocked(o, order.ReasonValidation, nil)
	}
	if !o.Priority.Valid() {
		if o.IsBracketChild() {
			o.Priority = order.PriorityHigh
		} else {
			o.Priority = order.PriorityNormal
		}
	}

	decision := c.risk.Evaluate(o, c.orderContextLocked(o))
	switch {
	case decision.Verdict == risk.VerdictReject:
		o.Violations = decision.ViolationStrings()
		return c.rejectLocked(o, order.ReasonRiskViolation, o.Violations)
	case decision.Verdict == risk.VerdictDefer:
		return c.rejectLocked(o, order.ReasonDeferred, nil)
	}
	c.risk.RecordOrderAccepted(o.Instrument)

	o.State = order.StateValidated
	o.ValidatedAt = c.now()

	switch c.queue.Enqueue(o) {
	case queue.RejectedFull:
		return c.rejectLocked(o, order.ReasonQueueFull, nil)
	case queue.RejectedSymbolLimit:
		return c.rejectLocked(o, order.ReasonSymbolLimit, nil)
	}

	o.State = order.StateQueued
	c.active[o.ID] = o
	c.counters.Accepted++
	c.registry.RecordAccepted(o.Source)
	c.publish(events.EventOrderSubmitted, events.OrderEvent{Order: *o, At: c.now()})
	c.logger.Debug().
		Str("orderId", o.ID).
		Str("source", o.Source).
		Str("instrument", o.Instrument).
		Str("priority", string(o.Priority)).
		Msg("order queued")

	return SubmitResult{OrderID: o.ID, Accepted: true, State: order.StateQueued}
}

// ProcessFill folds an execution report into the order and its position.
// Quantities are cumulative: the applied delta is CumulativeQuantity minus
// what the order already has, so re-deliveries drop out as zero. Fills for
// CANCELLED or FAILED orders still move the position (the broker executed
// them) but are flagged late and never spawn brackets.
func (c *Core) ProcessFill(ctx context.Context, f order.Fill) FillOutcome {
	c.mu.Lock()

	o, ok := c.lookupLocked(f.OrderID)
	if !ok {
		c.counters.UnknownFills++
		c.mu.Unlock()
		c.logger.Warn().
			Str("orderId", f.OrderID).
			Str("instrument", f.Instrument).
			Int64("cumulative", f.CumulativeQuantity).
			Msg("fill for unknown order dropped")
		return FillOutcome{Reason: order.ReasonUnknownOrder}
	}

	late := false
	if o.State.Terminal() {
		switch o.State {
		case order.StateCancelled, order.StateFailed:
			late = true
		default:
			c.counters.DuplicateFills++
			c.mu.Unlock()
			c.logger.Debug().Str("orderId", o.ID).Str("state", string(o.State)).Msg("fill for settled order dropped")
			return FillOutcome{Reason: order.ReasonLateFill}
		}
	}

	cum := f.CumulativeQuantity
	if cum == 0 {
		cum = o.FilledQuantity + f.FillQuantity
	}
	delta := cum - o.FilledQuantity
	if delta <= 0 {
		c.counters.DuplicateFills++
		c.mu.Unlock()
		c.logger.Debug().
			Str("orderId", o.ID).
			Int64("cumulative", cum).
			Int64("have", o.FilledQuantity).
			Msg("duplicate fill dropped")
		return FillOutcome{}
	}
	if remaining := o.Quantity - o.FilledQuantity; delta > remaining {
		c.logger.Warn().
			Str("orderId", o.ID).
			Int64("delta", delta).
			Int64("remaining", remaining).
			Msg("overfill clamped to order quantity")
		delta = remaining
	}
	if delta <= 0 {
		c.counters.DuplicateFills++
		c.mu.Unlock()
		return FillOutcome{}
	}

	side := f.Side
	if side == "" {
		side = o.Side
	}
	at := f.FillTime
	if at.IsZero() {
		at = c.now()
	}
	spec := c.catalog.Lookup(o.Instrument)

	prevFilled := o.FilledQuantity
	o.AvgFillPrice = (o.AvgFillPrice*float64(prevFilled) + f.FillPrice*float64(delta)) / float64(prevFilled+delta)
	o.FilledQuantity = prevFilled + delta

	pos := c.positionLocked(o.AccountID, o.Instrument)
	realized := pos.ApplyFill(side, delta, f.FillPrice, spec.DollarPerPoint, at)
	if last, known := c.prices.Last(o.Instrument); known {
		pos.MarkPrice(last, spec.DollarPerPoint)
	} else {
		pos.MarkPrice(f.FillPrice, spec.DollarPerPoint)
	}

	openCount, openNotional := c.exposureLocked()

	c.counters.FillsApplied++
	if !late && o.State == order.StateQueued {
		// The fill outran the dispatch acknowledgment.
		c.transitionLocked(o, order.StateDispatched)
		o.DispatchedAt = at
	}
	if late {
		c.counters.LateFills++
	} else if o.IsFullyFilled() {
		c.transitionLocked(o, order.StateFilled)
		c.retireLocked(o)
		c.counters.Filled++
	} else if o.State != order.StatePartiallyFilled {
		c.transitionLocked(o, order.StatePartiallyFilled)
	}

	posCopy := *pos
	fillEvent := events.FillEvent{Fill: f, Position: posCopy, RealizedPnL: realized, Late: late, At: c.now()}
	parent := *o
	state := o.State
	c.mu.Unlock()

	c.registry.RecordFill(parent.Source)
	c.risk.UpdateFromFill(realized, openCount, openNotional)
	c.publish(events.EventFillProcessed, fillEvent)
	if late {
		c.logger.Warn().
			Str("orderId", parent.ID).
			Str("state", string(state)).
			Int64("quantity", delta).
			Float64("price", f.FillPrice).
			Msg("late fill applied to position")
	} else if state == order.StateFilled {
		c.publish(events.EventOrderFilled, events.OrderEvent{Order: parent, At: c.now()})
	} else {
		c.publish(events.EventOrderPartiallyFilled, events.OrderEvent{Order: parent, At: c.now()})
	}

	if !late && !parent.IsBracketChild() && c.sltp.Enabled() {
		c.placeBrackets(ctx, &parent, f, delta, spec)
	}

	return FillOutcome{Applied: true, Late: late, Realized: realized}
}

// HandleMarketData refreshes the price book and remarks open positions in
// the tick's instrument. Called from the bus receive loop, so it must stay
// cheap.
func (c *Core) HandleMarketData(t market.Tick) {
	c.prices.Update(t)
	if t.Price <= 0 {
		return
	}
	dpp := c.catalog.Lookup(t.Instrument).DollarPerPoint

	c.mu.Lock()
	for _, pos := range c.positions {
		if pos.Instrument == t.Instrument {
			pos.MarkPrice(t.Price, dpp)
		}
	}
	c.mu.Unlock()

	c.publish(events.EventMarketTick, events.TickEvent{Instrument: t.Instrument, Price: t.Price, At: c.now()})
}

// CancelOrder withdraws an order. QUEUED orders are pulled from the queue
// locally; DISPATCHED ones need a broker round trip and are best-effort.
func (c *Core) CancelOrder(ctx context.Context, id string) (order.State, error) {
	c.mu.Lock()
	o, ok := c.active[id]
	if !ok {
		if prev, seen := c.recent[id]; seen {
			state := prev.State
			c.mu.Unlock()
			return state, ErrNotCancellable
		}
		c.mu.Unlock()
		return "", ErrUnknownOrder
	}

	switch o.State {
	case order.StateQueued:
		if !c.queue.Remove(id) {
			// Popped for dispatch between our lookup and the removal; the
			// broker answer will move it to DISPATCHED shortly.
			c.mu.Unlock()
			return order.StateQueued, ErrNotCancellable
		}
		c.transitionLocked(o, order.StateCancelled)
		c.retireLocked(o)
		c.counters.Cancelled++
		cp := *o
		c.mu.Unlock()
		c.publish(events.EventOrderCancelled, events.OrderEvent{Order: cp, At: c.now()})
		c.logger.Info().Str("orderId", id).Msg("queued order cancelled")
		return order.StateCancelled, nil

	case order.StateDispatched, order.StatePartiallyFilled:
		cp := *o
		c.mu.Unlock()
		if err := c.broker.CancelOrder(ctx, cp); err != nil {
			c.logger.Warn().Str("orderId", id).Err(err).Msg("broker cancel failed")
			return cp.State, err
		}
		return c.confirmCancel(id), nil

	default:
		state := o.State
		c.mu.Unlock()
		return state, ErrNotCancellable
	}
}

// confirmCancel applies a broker-confirmed cancel. A fill can land between
// the request and the confirmation; when the order went terminal meanwhile
// the cancel is a no-op and the terminal state stands.
func (c *Core) confirmCancel(id string) order.State {
	c.mu.Lock()
	o, ok := c.active[id]
	if !ok || !o.State.CanTransition(order.StateCancelled) {
		state := order.StateCancelled
		if ok {
			state = o.State
		} else if prev, seen := c.recent[id]; seen {
			state = prev.State
		}
		c.mu.Unlock()
		return state
	}
	c.transitionLocked(o, order.StateCancelled)
	c.retireLocked(o)
	c.counters.Cancelled++
	cp := *o
	c.mu.Unlock()
	c.publish(events.EventOrderCancelled, events.OrderEvent{Order: cp, At: c.now()})
	c.logger.Info().Str("orderId", id).Msg("dispatched order cancelled")
	return order.StateCancelled
}

// ApplyOrderStatus folds a broker-pushed status update into the order.
// ACK confirms dispatch, CANCELLED and FAILED are terminal. Unknown ids
// and updates that would break the state machine report false.
func (c *Core) ApplyOrderStatus(id, status string, reason order.Reason) bool {
	switch status {
	case "ACK":
		c.mu.Lock()
		o, ok := c.active[id]
		if ok && o.State == order.StateQueued {
			c.transitionLocked(o, order.StateDispatched)
			o.DispatchedAt = c.now()
		}
		c.mu.Unlock()
		return ok
	case "CANCELLED":
		c.mu.Lock()
		_, ok := c.active[id]
		c.mu.Unlock()
		if !ok {
			return false
		}
		c.confirmCancel(id)
		return true
	case "FAILED", "REJECTED":
		c.mu.Lock()
		o, ok := c.active[id]
		if !ok || !o.State.CanTransition(order.StateFailed) {
			c.mu.Unlock()
			return false
		}
		if reason == "" {
			reason = order.ReasonDownstreamRejected
		}
		o.RejectionReason = reason
		c.transitionLocked(o, order.StateFailed)
		c.retireLocked(o)
		c.counters.Failed++
		cp := *o
		c.mu.Unlock()
		c.publish(events.EventOrderFailed, events.OrderEvent{Order: cp, Reason: reason, At: c.now()})
		c.logger.Warn().Str("orderId", id).Str("reason", string(reason)).Msg("order failed by broker status")
		return true
	}
	return false
}

// Dispatch sends one dequeued order to the broker. Implements the queue's
// dispatcher contract; runs on a queue worker. A transient error makes the
// queue retry with backoff, so the state moves only on a definite answer.
func (c *Core) Dispatch(ctx context.Context, o *order.Order) error {
	res, err := c.broker.SubmitOrder(ctx, *o)
	if err != nil {
		return err
	}

	c.mu.Lock()
	if o.State.CanTransition(order.StateDispatched) {
		o.State = order.StateDispatched
		o.DispatchedAt = c.now()
	}
	c.counters.Dispatched++
	cp := *o
	c.mu.Unlock()

	c.publish(events.EventOrderDispatched, events.OrderEvent{Order: cp, At: c.now()})
	c.logger.Debug().
		Str("orderId", o.ID).
		Str("brokerOrderId", res.BrokerOrderID).
		Msg("order dispatched")
	return nil
}

// Order returns a copy of an order by id, checking active then recent.
func (c *Core) Order(id string) (order.Order, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if o, ok := c.lookupLocked(id); ok {
		return *o, true
	}
	return order.Order{}, false
}

// Orders snapshots the active set.
func (c *Core) Orders() []order.Order {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]order.Order, 0, len(c.active))
	for _, o := range c.active {
		out = append(out, *o)
	}
	return out
}

// Positions snapshots every tracked position, including flat ones.
func (c *Core) Positions() []order.Position {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]order.Position, 0, len(c.positions))
	for _, p := range c.positions {
		out = append(out, *p)
	}
	return out
}

// Snapshot is the core slice of the metrics view.
type Snapshot struct {
	UptimeSeconds int64               `json:"uptimeSeconds"`
	ActiveOrders  int                 `json:"activeOrders"`
	OrdersByState map[order.State]int `json:"ordersByState"`
	OpenPositions int                 `json:"openPositions"`
	OpenNotional  float64             `json:"openNotional"`
	Counters      Counters            `json:"counters"`
	Queue         queue.Stats         `json:"queue"`
	Risk          risk.StateView      `json:"risk"`
	Sources       []sources.Source    `json:"sources"`
	PricedSymbols int                 `json:"pricedSymbols"`
}

// MetricsSnapshot assembles the read-only view the monitoring surface and
// the metrics collector build on.
func (c *Core) MetricsSnapshot() Snapshot {
	c.mu.Lock()
	byState := make(map[order.State]int, 4)
	for _, o := range c.active {
		byState[o.State]++
	}
	openCount, openNotional := c.exposureLocked()
	snap := Snapshot{
		UptimeSeconds: int64(time.Since(c.startedAt).Seconds()),
		ActiveOrders:  len(c.active),
		OrdersByState: byState,
		OpenPositions: openCount,
		OpenNotional:  openNotional,
		Counters:      c.counters,
		PricedSymbols: c.prices.Instruments(),
	}
	c.mu.Unlock()

	snap.Queue = c.queue.Stats()
	snap.Risk = c.risk.Snapshot()
	snap.Sources = c.registry.Snapshot()
	return snap
}

// ResetCounters zeroes the lifetime tallies. Active orders, positions, and
// queue occupancy are untouched.
func (c *Core) ResetCounters() {
	c.mu.Lock()
	c.counters = Counters{}
	c.mu.Unlock()
}

// Shutdown stops intake and drains the queue up to the deadline. Orders
// still queued when it expires fail with SHUTDOWN through the usual hook.
func (c *Core) Shutdown(timeout time.Duration) int {
	c.mu.Lock()
	c.accepting = false
	c.mu.Unlock()

	drained := c.queue.Drain(timeout)
	c.queue.Close()
	c.logger.Info().Int("drained", drained).Msg("core shut down")
	return drained
}

// --- queue hooks ---

func (c *Core) onDispatched(o *order.Order, wait, latency time.Duration) {
	c.logger.Debug().
		Str("orderId", o.ID).
		Dur("queueWait", wait).
		Dur("dispatchLatency", latency).
		Msg("dispatch complete")
}

func (c *Core) onDispatchFailed(o *order.Order, reason order.Reason, err error) {
	c.mu.Lock()
	if o.State.CanTransition(order.StateFailed) {
		o.RejectionReason = reason
		c.transitionLocked(o, order.StateFailed)
		c.retireLocked(o)
		c.counters.Failed++
	}
	cp := *o
	c.mu.Unlock()

	c.publish(events.EventOrderFailed, events.OrderEvent{Order: cp, Reason: reason, At: c.now()})
	c.logger.Error().
		Str("orderId", o.ID).
		Str("reason", string(reason)).
		Err(err).
		Msg("order failed")
}

func (c *Core) onDispatchRetry(o *order.Order, attempt int, delay time.Duration) {
	c.logger.Warn().
		Str("orderId", o.ID).
		Int("attempt", attempt).
		Dur("delay", delay).
		Msg("dispatch retry scheduled")
}

// --- internals ---

func (c *Core) placeBrackets(ctx context.Context, parent *order.Order, f order.Fill, quantity int64, spec catalog.Spec) {
	res := c.sltp.Compute(f, spec)
	bev := events.BracketEvent{
		ParentID:   parent.ID,
		Instrument: parent.Instrument,
		StopLoss:   res.StopLoss,
		TakeProfit: res.TakeProfit,
		Calculated: res.Calculated,
		Reason:     res.Reason,
		Elapsed:    res.Elapsed,
		At:         c.now(),
	}
	if !res.Calculated {
		c.publish(events.EventBracketSkipped, bev)
		return
	}
	c.publish(events.EventBracketCalculated, bev)

	sl, tp := c.sltp.BracketChildren(parent, f, quantity, res)
	for _, child := range []*order.Order{sl, tp} {
		r := c.SubmitOrder(ctx, child)
		if !r.Accepted {
			c.logger.Error().
				Str("parentId", parent.ID).
				Str("childId", child.ID).
				Str("kind", string(child.Kind)).
				Str("reason", string(r.Reason)).
				Msg("bracket child rejected")
			continue
		}
		c.mu.Lock()
		c.counters.BracketsPlaced++
		c.mu.Unlock()
	}
}

func (c *Core) normalize(o *order.Order) {
	o.Instrument = strings.ToUpper(strings.TrimSpace(o.Instrument))
	o.Side = order.Side(strings.ToUpper(string(o.Side)))
	if o.Kind == "" {
		o.Kind = order.KindMarket
	} else {
		o.Kind = order.Kind(strings.ToUpper(string(o.Kind)))
	}
	if o.ID == "" {
		o.ID = uuid.NewString()
	}
	if o.AccountID == "" {
		o.AccountID = c.cfg.DefaultAccountID
	}
}

func validate(o *order.Order) error {
	if o.Instrument == "" {
		return fmt.Errorf("instrument is required")
	}
	if o.Quantity <= 0 {
		return fmt.Errorf("quantity must be positive, got %d", o.Quantity)
	}
	if o.Side != order.SideBuy && o.Side != order.SideSell {
		return fmt.Errorf("side %q is not BUY or SELL", o.Side)
	}
	switch o.Kind {
	case order.KindMarket:
	case order.KindLimit:
		if o.Price <= 0 {
			return fmt.Errorf("limit order needs a positive price")
		}
	case order.KindStop:
		if o.StopPrice <= 0 {
			return fmt.Errorf("stop order needs a positive stop price")
		}
	case order.KindStopLimit:
		if o.Price <= 0 || o.StopPrice <= 0 {
			return fmt.Errorf("stop-limit order needs positive price and stop price")
		}
	default:
		return fmt.Errorf("unknown order kind %q", o.Kind)
	}
	return nil
}

// rejectLocked finalizes a pre-queue rejection and answers the submitter.
func (c *Core) rejectLocked(o *order.Order, reason order.Reason, violations []string) SubmitResult {
	o.RejectionReason = reason
	o.Violations = violations
	c.transitionLocked(o, order.StateRejected)
	c.rememberLocked(o)
	c.counters.Rejected++
	c.registry.RecordRejected(o.Source)
	c.publish(events.EventOrderRejected, events.OrderEvent{Order: *o, Reason: reason, Violations: violations, At: c.now()})
	c.logger.Info().
		Str("orderId", o.ID).
		Str("source", o.Source).
		Str("reason", string(reason)).
		Strs("violations", violations).
		Msg("order rejected")
	return SubmitResult{OrderID: o.ID, State: order.StateRejected, Reason: reason, Violations: violations}
}

func (c *Core) transitionLocked(o *order.Order, next order.State) {
	if !o.State.CanTransition(next) {
		c.logger.Error().
			Str("orderId", o.ID).
			Str("from", string(o.State)).
			Str("to", string(next)).
			Msg("illegal state transition suppressed")
		return
	}
	o.State = next
	if next.Terminal() {
		o.TerminalAt = c.now()
	}
}

// retireLocked moves an active order into the bounded terminal window.
func (c *Core) retireLocked(o *order.Order) {
	delete(c.active, o.ID)
	c.rememberLocked(o)
}

func (c *Core) rememberLocked(o *order.Order) {
	if _, exists := c.recent[o.ID]; !exists {
		c.recentIDs = append(c.recentIDs, o.ID)
	}
	c.recent[o.ID] = o
	for len(c.recentIDs) > terminalWindow {
		evict := c.recentIDs[0]
		c.recentIDs = c.recentIDs[1:]
		delete(c.recent, evict)
	}
}

func (c *Core) lookupLocked(id string) (*order.Order, bool) {
	if o, ok := c.active[id]; ok {
		return o, true
	}
	if o, ok := c.recent[id]; ok {
		return o, true
	}
	return nil, false
}

func (c *Core) positionLocked(accountID, instrument string) *order.Position {
	key := accountID + "|" + instrument
	pos, ok := c.positions[key]
	if !ok {
		pos = &order.Position{AccountID: accountID, Instrument: instrument}
		c.positions[key] = pos
	}
	return pos
}

// orderContextLocked assembles the risk view of the order's instrument.
func (c *Core) orderContextLocked(o *order.Order) risk.OrderContext {
	octx := risk.OrderContext{
		DollarPerPoint: c.catalog.Lookup(o.Instrument).DollarPerPoint,
	}
	if pos, ok := c.positions[o.AccountID+"|"+o.Instrument]; ok {
		octx.PositionSize = pos.Size
	}
	if last, ok := c.prices.Last(o.Instrument); ok {
		octx.MarkPrice = last
		octx.PriceKnown = true
	}
	return octx
}

// exposureLocked counts open positions and their notional value, marked at
// the last trade when one is known.
func (c *Core) exposureLocked() (int, float64) {
	count := 0
	notional := 0.0
	for _, p := range c.positions {
		if p.Size == 0 {
			continue
		}
		count++
		ref := p.AveragePrice
		if last, ok := c.prices.Last(p.Instrument); ok {
			ref = last
		}
		dpp := c.catalog.Lookup(p.Instrument).DollarPerPoint
		size := p.Size
		if size < 0 {
			size = -size
		}
		notional += ref * float64(size) * dpp
	}
	return count, notional
}

func (c *Core) publish(e events.Event, payload any) {
	if c.ev != nil {
		c.ev.Publish(e, payload)
	}
}
