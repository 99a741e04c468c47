package bus

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"trading-aggregator/internal/events"
	"trading-aggregator/pkg/config"
)

var (
	// ErrBufferOverflow means the outbound buffer filled while disconnected;
	// the publish was not accepted.
	ErrBufferOverflow = errors.New("bus: publish buffer overflow")
	// ErrRequestTimeout means all attempts of a request elapsed unanswered.
	ErrRequestTimeout = errors.New("bus: request timed out")
	// ErrNoResponseChannel means Respond was called for an envelope that did
	// not carry one.
	ErrNoResponseChannel = errors.New("bus: envelope has no response channel")
	// ErrClosed means the adapter is shut down.
	ErrClosed = errors.New("bus: adapter closed")
)

const requestRetryBase = 250 * time.Millisecond

// Handler consumes deserialized envelopes from one channel. Handlers run on
// the receive loop and must not block; panics are recovered and counted.
type Handler func(Envelope)

// Adapter is the single point of coupling to the shared Redis pub/sub bus.
// It serializes envelopes, fans inbound messages out to channel handlers,
// buffers outbound traffic across disconnects, and correlates
// request/response pairs.
type Adapter struct {
	cfg    config.BusConfig
	source string
	client *redis.Client
	ps     *redis.PubSub
	ev     *events.Bus
	logger zerolog.Logger

	correlator *Correlator
	outbox     *outbox

	hmu        sync.RWMutex
	handlers   map[string][]Handler
	subscribed map[string]bool

	connected atomic.Bool
	downSince atomic.Int64 // unix nano; 0 while connected

	published     atomic.Uint64
	received      atomic.Uint64
	bufferedTotal atomic.Uint64
	overflows     atomic.Uint64
	panics        atomic.Uint64

	fatalOnce sync.Once
	fatalCh   chan error

	closeOnce sync.Once
	closed    chan struct{}
	wg        sync.WaitGroup
}

// Stats is a point-in-time view of the adapter for health and metrics.
type Stats struct {
	Connected        bool   `json:"connected"`
	Published        uint64 `json:"published"`
	Received         uint64 `json:"received"`
	Buffered         uint64 `json:"buffered"`
	BufferedNow      int    `json:"bufferedNow"`
	Overflows        uint64 `json:"overflows"`
	DroppedResponses uint64 `json:"droppedResponses"`
	ExpiredRequests  uint64 `json:"expiredRequests"`
	HandlerPanics    uint64 `json:"handlerPanics"`
	PendingRequests  int    `json:"pendingRequests"`
}

// NewAdapter wires a Redis client for the configured bus. source is stamped
// on every outbound envelope.
func NewAdapter(cfg config.BusConfig, source string, ev *events.Bus) *Adapter {
	client := redis.NewClient(&redis.Options{
		Addr:            cfg.Addr(),
		Password:        cfg.Password,
		DB:              cfg.DB,
		MinRetryBackoff: cfg.ReconnectBackoff,
		MaxRetryBackoff: cfg.ReconnectMax,
	})
	a := &Adapter{
		cfg:        cfg,
		source:     source,
		client:     client,
		ev:         ev,
		logger:     log.With().Str("component", "bus").Logger(),
		correlator: NewCorrelator(),
		outbox:     newOutbox(cfg.PublishBuffer),
		handlers:   make(map[string][]Handler),
		subscribed: make(map[string]bool),
		fatalCh:    make(chan error, 1),
		closed:     make(chan struct{}),
	}
	// One PubSub carries every channel subscription; the client restores
	// them itself after a reconnect.
	a.ps = client.Subscribe(context.Background())
	return a
}

// Start verifies the transport and launches the receive, health, and
// correlator sweep loops. A failed initial ping is a startup error.
func (a *Adapter) Start(ctx context.Context) error {
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := a.client.Ping(pingCtx).Err(); err != nil {
		return fmt.Errorf("bus unreachable at %s: %w", a.cfg.Addr(), err)
	}
	a.connected.Store(true)

	a.wg.Add(3)
	go a.receiveLoop()
	go a.healthLoop()
	go a.sweepLoop()

	a.logger.Info().Str("addr", a.cfg.Addr()).Msg("bus adapter started")
	return nil
}

// Fatal signals an unrecoverable transport loss (outage beyond the
// configured window). main treats it as exit code 2.
func (a *Adapter) Fatal() <-chan error {
	return a.fatalCh
}

// Connected reports current transport health.
func (a *Adapter) Connected() bool {
	return a.connected.Load()
}

// Source returns the instance identity stamped on outbound envelopes.
func (a *Adapter) Source() string {
	return a.source
}

// Stats snapshots the adapter counters.
func (a *Adapter) Stats() Stats {
	return Stats{
		Connected:        a.connected.Load(),
		Published:        a.published.Load(),
		Received:         a.received.Load(),
		Buffered:         a.bufferedTotal.Load(),
		BufferedNow:      a.outbox.size(),
		Overflows:        a.overflows.Load(),
		DroppedResponses: a.correlator.DroppedCount(),
		ExpiredRequests:  a.correlator.ExpiredCount(),
		HandlerPanics:    a.panics.Load(),
		PendingRequests:  a.correlator.PendingCount(),
	}
}

// Subscribe registers a handler for a channel. Subscribing the same channel
// again adds the handler without re-subscribing the transport.
func (a *Adapter) Subscribe(ctx context.Context, channel string, h Handler) error {
	a.hmu.Lock()
	a.handlers[channel] = append(a.handlers[channel], h)
	needSub := !a.subscribed[channel]
	if needSub {
		a.subscribed[channel] = true
	}
	a.hmu.Unlock()

	if !needSub {
		return nil
	}
	if err := a.ps.Subscribe(ctx, channel); err != nil {
		return fmt.Errorf("subscribe %s: %w", channel, err)
	}
	return nil
}

// Unsubscribe detaches all handlers from a channel and drops the transport
// subscription.
func (a *Adapter) Unsubscribe(ctx context.Context, channel string) error {
	a.hmu.Lock()
	delete(a.handlers, channel)
	wasSub := a.subscribed[channel]
	delete(a.subscribed, channel)
	a.hmu.Unlock()

	if !wasSub {
		return nil
	}
	return a.ps.Unsubscribe(ctx, channel)
}

// Publish sends an envelope on a channel, stamping source and timestamp.
// While disconnected the message is buffered up to the configured cap;
// beyond it, ErrBufferOverflow.
func (a *Adapter) Publish(ctx context.Context, channel string, env Envelope) error {
	select {
	case <-a.closed:
		return ErrClosed
	default:
	}

	if env.Source == "" {
		env.Source = a.source
	}
	if env.Timestamp == 0 {
		env.Timestamp = time.Now().UnixMilli()
	}
	data, err := marshalEnvelope(env)
	if err != nil {
		return err
	}

	if !a.connected.Load() {
		return a.buffer(channel, data)
	}
	if err := a.client.Publish(ctx, channel, data).Err(); err != nil {
		a.markDown(err)
		return a.buffer(channel, data)
	}
	a.published.Add(1)
	return nil
}

// Request publishes env on target and waits for the correlated response.
// When env.RequestID is empty a fresh one is generated; the response channel
// is always the request's private channel. Timeouts retry with exponential
// backoff up to maxAttempts.
func (a *Adapter) Request(ctx context.Context, target string, env Envelope, timeout time.Duration, maxAttempts int) (Envelope, error) {
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	if env.RequestID == "" {
		env.RequestID = uuid.NewString()
	}
	private := PrivateChannel(env.RequestID)
	env.ResponseChannel = private

	respCh := a.correlator.Register(env.RequestID, time.Now().Add(timeout))
	defer a.correlator.Drop(env.RequestID)

	if err := a.Subscribe(ctx, private, a.complete); err != nil {
		return Envelope{}, err
	}
	defer func() {
		unsubCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = a.Unsubscribe(unsubCtx, private)
	}()

	for attempt := 1; attempt <= maxAttempts; attempt++ {
		a.correlator.Touch(env.RequestID, time.Now().Add(timeout))
		if err := a.Publish(ctx, target, env); err != nil {
			return Envelope{}, err
		}

		timer := time.NewTimer(timeout)
		select {
		case <-ctx.Done():
			timer.Stop()
			return Envelope{}, ctx.Err()
		case resp := <-respCh:
			timer.Stop()
			return resp, nil
		case <-timer.C:
		}

		if attempt == maxAttempts {
			break
		}
		backoff := requestRetryBase << (attempt - 1)
		a.logger.Warn().
			Str("target", target).
			Str("requestId", env.RequestID).
			Int("attempt", attempt).
			Dur("backoff", backoff).
			Msg("request timed out, retrying")
		select {
		case <-ctx.Done():
			return Envelope{}, ctx.Err()
		case resp := <-respCh:
			return resp, nil
		case <-time.After(backoff):
		}
	}
	return Envelope{}, fmt.Errorf("%w: %s after %d attempts", ErrRequestTimeout, env.Type, maxAttempts)
}

// Respond publishes a reply on the response channel of an inbound request.
func (a *Adapter) Respond(ctx context.Context, to Envelope, msgType string, payload any) error {
	if to.ResponseChannel == "" {
		return ErrNoResponseChannel
	}
	env, err := NewEnvelope(msgType, payload)
	if err != nil {
		return err
	}
	env.RequestID = to.RequestID
	return a.Publish(ctx, to.ResponseChannel, env)
}

// CompleteResponse feeds a response envelope into the correlator. Used by
// the shared connection-manager:responses subscription; duplicates are
// dropped and reported false.
func (a *Adapter) CompleteResponse(env Envelope) bool {
	if env.RequestID == "" {
		return false
	}
	return a.correlator.Complete(env)
}

// Close tears down the transport. Buffered messages are discarded; the bus
// offers no cross-restart delivery.
func (a *Adapter) Close() error {
	var err error
	a.closeOnce.Do(func() {
		close(a.closed)
		if e := a.ps.Close(); e != nil {
			err = e
		}
		if e := a.client.Close(); e != nil && err == nil {
			err = e
		}
		a.wg.Wait()
	})
	return err
}

func (a *Adapter) complete(env Envelope) {
	if !a.correlator.Complete(env) {
		a.logger.Debug().
			Str("requestId", env.RequestID).
			Str("type", env.Type).
			Msg("dropping duplicate or late response")
	}
}

func (a *Adapter) receiveLoop() {
	defer a.wg.Done()
	for msg := range a.ps.Channel() {
		env, err := decodeEnvelope([]byte(msg.Payload))
		if err != nil {
			a.logger.Warn().Str("channel", msg.Channel).Err(err).Msg("dropping malformed message")
			continue
		}
		a.received.Add(1)
		a.dispatch(msg.Channel, env)
	}
}

func (a *Adapter) dispatch(channel string, env Envelope) {
	a.hmu.RLock()
	hs := a.handlers[channel]
	a.hmu.RUnlock()

	for _, h := range hs {
		a.invoke(channel, env, h)
	}
}

// invoke shields the receive loop from handler panics.
func (a *Adapter) invoke(channel string, env Envelope, h Handler) {
	defer func() {
		if r := recover(); r != nil {
			a.panics.Add(1)
			a.logger.Error().
				Str("channel", channel).
				Str("type", env.Type).
				Interface("panic", r).
				Msg("handler panicked")
		}
	}()
	h(env)
}

func (a *Adapter) healthLoop() {
	defer a.wg.Done()
	interval := a.cfg.HealthInterval
	if interval <= 0 {
		interval = 2 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-a.closed:
			return
		case <-ticker.C:
		}

		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		err := a.client.Ping(ctx).Err()
		cancel()

		if err != nil {
			a.markDown(err)
			if since := a.downSince.Load(); since != 0 {
				outage := time.Since(time.Unix(0, since))
				if outage > a.cfg.FatalOutageWindow {
					a.fatalOnce.Do(func() {
						a.fatalCh <- fmt.Errorf("bus unreachable for %s: %w", outage.Round(time.Second), err)
					})
				}
			}
			continue
		}
		a.markUp()
	}
}

func (a *Adapter) sweepLoop() {
	defer a.wg.Done()
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-a.closed:
			return
		case now := <-ticker.C:
			if n := a.correlator.Sweep(now); n > 0 {
				a.logger.Debug().Int("evicted", n).Msg("correlator sweep")
			}
		}
	}
}

func (a *Adapter) buffer(channel string, data []byte) error {
	if !a.outbox.add(channel, data) {
		a.overflows.Add(1)
		return ErrBufferOverflow
	}
	a.bufferedTotal.Add(1)
	return nil
}

func (a *Adapter) markDown(err error) {
	if a.connected.CompareAndSwap(true, false) {
		a.downSince.Store(time.Now().UnixNano())
		a.logger.Warn().Err(err).Msg("bus disconnected, buffering outbound traffic")
		a.emitState(false)
	}
}

func (a *Adapter) markUp() {
	if a.connected.CompareAndSwap(false, true) {
		a.downSince.Store(0)
		flushed, failed := a.flush()
		a.logger.Info().Int("flushed", flushed).Int("requeued", failed).Msg("bus reconnected")
		a.emitState(true)
	}
}

// flush re-emits buffered messages in their original order. A failure mid
// way re-buffers the remainder and drops the connection state again.
func (a *Adapter) flush() (flushed, requeued int) {
	msgs := a.outbox.drain()
	for i, m := range msgs {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		err := a.client.Publish(ctx, m.channel, m.data).Err()
		cancel()
		if err != nil {
			a.outbox.restore(msgs[i:])
			a.markDown(err)
			return i, len(msgs) - i
		}
		a.published.Add(1)
	}
	return len(msgs), 0
}

func (a *Adapter) emitState(connected bool) {
	if a.ev == nil {
		return
	}
	a.ev.Publish(events.EventBusState, events.BusStateEvent{
		Connected: connected,
		Buffered:  a.outbox.size(),
		At:        time.Now(),
	})
}
