package aggregator

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"trading-aggregator/internal/bus"
	"trading-aggregator/internal/downstream"
	"trading-aggregator/internal/events"
	"trading-aggregator/internal/market"
	"trading-aggregator/internal/order"
	"trading-aggregator/internal/sources"
	"trading-aggregator/pkg/config"
)

// Transport is the slice of the bus adapter the bridge drives.
type Transport interface {
	Subscribe(ctx context.Context, channel string, h bus.Handler) error
	Publish(ctx context.Context, channel string, env bus.Envelope) error
	Request(ctx context.Context, target string, env bus.Envelope, timeout time.Duration, maxAttempts int) (bus.Envelope, error)
	Respond(ctx context.Context, to bus.Envelope, msgType string, payload any) error
	CompleteResponse(env bus.Envelope) bool
}

// Bridge binds the bus channels to the core: inbound orders, fills, ticks,
// and status updates flow in; submission results, republished market data,
// and lifecycle events flow out. Directory requests are forwarded to the
// Connection Manager with their original requestId so the producer's
// correlation survives the hop.
type Bridge struct {
	transport Transport
	core      *Core
	cfg       *config.Config
	ev        *events.Bus
	logger    zerolog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	stop   chan struct{}
	wg     sync.WaitGroup
	unsubs []func()
	ticks  chan market.Tick

	ordersIn     atomic.Uint64
	requestsIn   atomic.Uint64
	fillsIn      atomic.Uint64
	ticksIn      atomic.Uint64
	ticksDropped atomic.Uint64
	statusIn     atomic.Uint64
}

// BridgeStats counts inbound traffic per channel for the health surface.
type BridgeStats struct {
	OrdersIn     uint64 `json:"ordersIn"`
	RequestsIn   uint64 `json:"requestsIn"`
	FillsIn      uint64 `json:"fillsIn"`
	TicksIn      uint64 `json:"ticksIn"`
	TicksDropped uint64 `json:"ticksDropped"`
	StatusIn     uint64 `json:"statusIn"`
}

// NewBridge wires the channel handlers around a started adapter.
func NewBridge(t Transport, core *Core, cfg *config.Config, ev *events.Bus) *Bridge {
	return &Bridge{
		transport: t,
		core:      core,
		cfg:       cfg,
		ev:        ev,
		logger:    log.With().Str("component", "bridge").Logger(),
		stop:      make(chan struct{}),
		ticks:     make(chan market.Tick, 512),
	}
}

// Start subscribes every inbound channel and launches the outbound
// forwarders.
func (b *Bridge) Start(ctx context.Context) error {
	b.ctx, b.cancel = context.WithCancel(ctx)

	subs := []struct {
		channel string
		handler bus.Handler
	}{
		{bus.ChannelOrders, b.handleManualOrder},
		{bus.ChannelRequests, b.handleDirectoryRequest},
		{bus.ChannelMarketData, b.handleTick},
		{bus.ChannelFills, b.handleFill},
		{bus.ChannelOrderStatus, b.handleStatus},
		{bus.ChannelCMResponses, b.handleCMResponse},
	}
	for _, s := range subs {
		if err := b.transport.Subscribe(ctx, s.channel, s.handler); err != nil {
			return fmt.Errorf("bridge subscribe %s: %w", s.channel, err)
		}
	}

	b.forwardLifecycleEvents()
	b.wg.Add(1)
	go b.forwardTicks()

	b.logger.Info().Msg("bridge started")
	return nil
}

// Close detaches from the internal bus and waits out in-flight forwards.
func (b *Bridge) Close() {
	if b.cancel != nil {
		b.cancel()
	}
	close(b.stop)
	for _, unsub := range b.unsubs {
		unsub()
	}
	b.wg.Wait()
}

// Stats snapshots the inbound counters.
func (b *Bridge) Stats() BridgeStats {
	return BridgeStats{
		OrdersIn:     b.ordersIn.Load(),
		RequestsIn:   b.requestsIn.Load(),
		FillsIn:      b.fillsIn.Load(),
		TicksIn:      b.ticksIn.Load(),
		TicksDropped: b.ticksDropped.Load(),
		StatusIn:     b.statusIn.Load(),
	}
}

// --- inbound wire shapes ---

// orderInput is the externally settable subset of an order. Unknown fields
// are rejected at the boundary, not absorbed.
type orderInput struct {
	ID         string  `json:"id,omitempty"`
	AccountID  string  `json:"accountId,omitempty"`
	Instrument string  `json:"instrument"`
	Side       string  `json:"side"`
	Kind       string  `json:"kind,omitempty"`
	Type       string  `json:"type,omitempty"` // legacy producers say "type" for kind
	Quantity   int64   `json:"quantity"`
	Price      float64 `json:"price,omitempty"`
	StopPrice  float64 `json:"stopPrice,omitempty"`
	Priority   string  `json:"priority,omitempty"`
}

func (in orderInput) toOrder(source string) *order.Order {
	kind := in.Kind
	if kind == "" {
		kind = in.Type
	}
	return &order.Order{
		ID:         in.ID,
		Source:     source,
		AccountID:  in.AccountID,
		Instrument: in.Instrument,
		Side:       order.Side(in.Side),
		Kind:       order.Kind(kind),
		Quantity:   in.Quantity,
		Price:      in.Price,
		StopPrice:  in.StopPrice,
		Priority:   order.Priority(strings.ToUpper(in.Priority)),
	}
}

type manualOrder struct {
	Order  orderInput `json:"order"`
	Source string     `json:"source,omitempty"`
}

type submissionResult struct {
	Success    bool     `json:"success"`
	OrderID    string   `json:"orderId,omitempty"`
	State      string   `json:"state,omitempty"`
	Reason     string   `json:"reason,omitempty"`
	Violations []string `json:"violations,omitempty"`
	Duplicate  bool     `json:"duplicate,omitempty"`
}

type fillMessage struct {
	OrderID            string  `json:"orderId"`
	Instrument         string  `json:"instrument,omitempty"`
	Side               string  `json:"side,omitempty"`
	FillPrice          float64 `json:"fillPrice,omitempty"`
	Price              float64 `json:"price,omitempty"`
	FillQuantity       int64   `json:"fillQuantity,omitempty"`
	Quantity           int64   `json:"quantity,omitempty"`
	CumulativeQuantity int64   `json:"cumulativeQuantity,omitempty"`
	Timestamp          int64   `json:"timestamp,omitempty"`
}

type statusMessage struct {
	OrderID string `json:"orderId"`
	Status  string `json:"status"`
	Reason  string `json:"reason,omitempty"`
}

// --- handlers (run on the adapter receive loop; no blocking I/O inline) ---

func (b *Bridge) handleManualOrder(env bus.Envelope) {
	b.ordersIn.Add(1)

	var m manualOrder
	if err := strictDecode(env.Payload, &m); err != nil {
		b.logger.Warn().Err(err).Msg("malformed manual order")
		b.respond(env, submissionResult{Success: false, Reason: string(order.ReasonValidation)})
		return
	}
	source := m.Source
	if source == "" {
		source = env.Source
	}
	// This channel is the manual UI ingress, so the producer is MANUAL.
	b.core.RegisterSource(source, sources.KindManual, source)

	res := b.core.SubmitOrder(b.ctx, m.Order.toOrder(source))
	b.respond(env, submissionResult{
		Success:    res.Accepted,
		OrderID:    res.OrderID,
		State:      string(res.State),
		Reason:     string(res.Reason),
		Violations: res.Violations,
		Duplicate:  res.Duplicate,
	})
}

// handleDirectoryRequest forwards GET_* queries to the Connection Manager,
// preserving the producer's requestId, and republishes the answer on the
// producer's response channel.
func (b *Bridge) handleDirectoryRequest(env bus.Envelope) {
	b.requestsIn.Add(1)

	switch env.Type {
	case bus.TypeGetAccounts, bus.TypeGetActiveContracts, bus.TypeGetStatistics:
	default:
		b.logger.Warn().Str("type", env.Type).Msg("unsupported directory request dropped")
		return
	}
	if env.ResponseChannel == "" {
		b.logger.Warn().Str("type", env.Type).Msg("directory request without response channel dropped")
		return
	}

	b.spawn(func() { b.forwardRequest(env) })
}

func (b *Bridge) forwardRequest(env bus.Envelope) {
	fwd := bus.Envelope{Type: env.Type, Payload: env.Payload, RequestID: env.RequestID}
	resp, err := b.transport.Request(b.ctx, bus.ChannelCMRequests, fwd,
		b.cfg.Downstream.QueryTimeout, b.cfg.Downstream.MaxAttempts)

	out := bus.Envelope{Type: bus.TypeResponse, RequestID: env.RequestID}
	if err != nil {
		reason := downstream.ReasonOf(err)
		b.logger.Warn().
			Str("type", env.Type).
			Str("requestId", env.RequestID).
			Str("reason", string(reason)).
			Msg("directory request failed")
		out.Payload, _ = json.Marshal(map[string]any{"success": false, "reason": string(reason)})
	} else {
		out.Payload = resp.Payload
	}

	pubCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := b.transport.Publish(pubCtx, env.ResponseChannel, out); err != nil {
		b.logger.Warn().Str("requestId", env.RequestID).Err(err).Msg("directory response publish failed")
	}
}

func (b *Bridge) handleTick(env bus.Envelope) {
	var t market.Tick
	if err := env.Decode(&t); err != nil {
		b.logger.Debug().Err(err).Msg("malformed tick dropped")
		return
	}
	if t.Timestamp == 0 {
		t.Timestamp = env.Timestamp
	}
	b.ticksIn.Add(1)
	b.core.HandleMarketData(t)

	select {
	case b.ticks <- t:
	default:
		b.ticksDropped.Add(1)
	}
}

func (b *Bridge) handleFill(env bus.Envelope) {
	b.fillsIn.Add(1)

	var m fillMessage
	if err := env.Decode(&m); err != nil {
		b.logger.Warn().Err(err).Msg("malformed fill dropped")
		return
	}
	price := m.FillPrice
	if price == 0 {
		price = m.Price
	}
	qty := m.FillQuantity
	if qty == 0 {
		qty = m.Quantity
	}
	at := env.Time()
	if m.Timestamp > 0 {
		at = time.UnixMilli(m.Timestamp)
	}

	b.core.ProcessFill(b.ctx, order.Fill{
		OrderID:            m.OrderID,
		Instrument:         m.Instrument,
		Side:               order.Side(strings.ToUpper(m.Side)),
		FillPrice:          price,
		FillQuantity:       qty,
		CumulativeQuantity: m.CumulativeQuantity,
		FillTime:           at,
		Source:             env.Source,
	})
}

func (b *Bridge) handleStatus(env bus.Envelope) {
	b.statusIn.Add(1)

	var m statusMessage
	if err := env.Decode(&m); err != nil {
		b.logger.Warn().Err(err).Msg("malformed status update dropped")
		return
	}
	status := strings.ToUpper(m.Status)
	if !b.core.ApplyOrderStatus(m.OrderID, status, order.Reason(m.Reason)) {
		b.logger.Debug().
			Str("orderId", m.OrderID).
			Str("status", status).
			Msg("status update not applicable")
	}
}

func (b *Bridge) handleCMResponse(env bus.Envelope) {
	if !b.transport.CompleteResponse(env) {
		b.logger.Debug().
			Str("requestId", env.RequestID).
			Msg("duplicate or unmatched response dropped")
	}
}

// --- outbound forwarders ---

// forwardLifecycleEvents streams internal order events onto the shared bus
// under their stable tags.
func (b *Bridge) forwardLifecycleEvents() {
	bindings := []struct {
		kind events.Event
		tag  string
	}{
		{events.EventOrderSubmitted, bus.TagOrderSubmitted},
		{events.EventOrderRejected, bus.TagOrderRejected},
		{events.EventOrderFilled, bus.TagOrderProcessed},
		{events.EventOrderFailed, bus.TagOrderFailed},
		{events.EventFillProcessed, bus.TagFillProcessed},
	}
	for _, bind := range bindings {
		ch, unsub := b.ev.Subscribe(bind.kind, b.cfg.Bus.SubscribeBuffer)
		b.unsubs = append(b.unsubs, unsub)
		b.wg.Add(1)
		go func(tag string, ch <-chan any) {
			defer b.wg.Done()
			for {
				select {
				case <-b.stop:
					return
				case payload, ok := <-ch:
					if !ok {
						return
					}
					env, err := bus.NewEnvelope(tag, payload)
					if err != nil {
						continue
					}
					pubCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
					if err := b.transport.Publish(pubCtx, bus.ChannelEvents, env); err != nil {
						b.logger.Debug().Str("tag", tag).Err(err).Msg("lifecycle publish dropped")
					}
					cancel()
				}
			}
		}(bind.tag, ch)
	}
}

// forwardTicks republishes market data for downstream consumers. Ticks are
// droppable: a slow bus must not back up the receive loop.
func (b *Bridge) forwardTicks() {
	defer b.wg.Done()
	for {
		select {
		case <-b.stop:
			return
		case t := <-b.ticks:
			env, err := bus.NewEnvelope(bus.TypeMarketTick, t)
			if err != nil {
				continue
			}
			pubCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			if err := b.transport.Publish(pubCtx, bus.ChannelMarketDataOut, env); err != nil {
				b.logger.Debug().Err(err).Msg("tick republish dropped")
			}
			cancel()
		}
	}
}

// --- helpers ---

func (b *Bridge) respond(to bus.Envelope, result submissionResult) {
	if to.ResponseChannel == "" {
		return
	}
	b.spawn(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := b.transport.Respond(ctx, to, bus.TypeSubmissionResult, result); err != nil {
			b.logger.Warn().Str("requestId", to.RequestID).Err(err).Msg("submission result publish failed")
		}
	})
}

func (b *Bridge) spawn(f func()) {
	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		f()
	}()
}

// strictDecode rejects unknown fields so malformed producers fail loudly
// instead of being silently absorbed.
func strictDecode(raw json.RawMessage, v any) error {
	if len(raw) == 0 {
		return fmt.Errorf("empty payload")
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}
