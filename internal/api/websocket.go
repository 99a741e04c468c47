package api

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"trading-aggregator/internal/events"
)

// Push topics a client can subscribe to.
const (
	TopicOrders     = "orders"
	TopicRisk       = "risk"
	TopicSLTP       = "sltp"
	TopicMetrics    = "metrics"
	TopicAggregator = "aggregator"
)

var wsTopics = []string{TopicOrders, TopicRisk, TopicSLTP, TopicMetrics, TopicAggregator}

const (
	wsWriteWait      = 10 * time.Second
	wsPongWait       = 60 * time.Second
	wsPingPeriod     = (wsPongWait * 9) / 10
	wsMaxMessageSize = 4096
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// wsEnvelope is every server-to-client message.
type wsEnvelope struct {
	Type     string   `json:"type"`
	Channel  string   `json:"channel,omitempty"`
	Channels []string `json:"channels,omitempty"`
	ClientID string   `json:"clientId,omitempty"`
	Data     any      `json:"data,omitempty"`
}

// wsCommand is every client-to-server message.
type wsCommand struct {
	Type     string   `json:"type"`
	Channels []string `json:"channels,omitempty"`
}

// Hub fans internal events and periodic metrics snapshots out to WebSocket
// clients, filtered by each client's topic subscriptions.
type Hub struct {
	snapshot func() any
	interval time.Duration
	logger   zerolog.Logger
	feed     <-chan any
	unsub    func()

	register   chan *wsClient
	unregister chan *wsClient
	count      atomic.Int32
}

// NewHub attaches to the internal event bus. snapshot supplies the payload
// pushed on the metrics topic every interval.
func NewHub(ev *events.Bus, snapshot func() any, interval time.Duration) *Hub {
	if interval <= 0 {
		interval = time.Second
	}
	h := &Hub{
		snapshot:   snapshot,
		interval:   interval,
		logger:     log.With().Str("component", "ws-hub").Logger(),
		register:   make(chan *wsClient),
		unregister: make(chan *wsClient),
	}
	h.feed, h.unsub = ev.SubscribeMany([]events.Event{
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
		events.EventBusState,
	}, 256)
	return h
}

// Clients reports how many connections are attached.
func (h *Hub) Clients() int {
	return int(h.count.Load())
}

// Run owns the client set: registrations, event fan-out, and the periodic
// metrics push all happen on this goroutine.
func (h *Hub) Run(ctx context.Context) {
	defer h.unsub()

	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()

	clients := make(map[*wsClient]struct{})
	closeClient := func(c *wsClient) {
		if _, ok := clients[c]; ok {
			delete(clients, c)
			c.close()
			h.count.Store(int32(len(clients)))
		}
	}

	for {
		select {
		case <-ctx.Done():
			for c := range clients {
				c.close()
				delete(clients, c)
			}
			h.count.Store(0)
			return

		case c := <-h.register:
			clients[c] = struct{}{}
			h.count.Store(int32(len(clients)))
			h.logger.Debug().Str("clientId", c.id).Int("clients", len(clients)).Msg("client connected")

		case c := <-h.unregister:
			closeClient(c)
			h.logger.Debug().Str("clientId", c.id).Int("clients", len(clients)).Msg("client disconnected")

		case payload, ok := <-h.feed:
			if !ok {
				return
			}
			topic, data := topicOf(payload)
			if topic == "" {
				continue
			}
			h.push(clients, closeClient, "event", topic, data)

		case <-ticker.C:
			if h.snapshot == nil || len(clients) == 0 {
				continue
			}
			h.push(clients, closeClient, "metrics", TopicMetrics, h.snapshot())
		}
	}
}

// push marshals once and delivers to every subscriber of the topic. Clients
// that cannot keep up are dropped.
func (h *Hub) push(clients map[*wsClient]struct{}, closeClient func(*wsClient), msgType, topic string, data any) {
	raw, err := json.Marshal(wsEnvelope{Type: msgType, Channel: topic, Data: data})
	if err != nil {
		h.logger.Warn().Err(err).Str("topic", topic).Msg("push marshal failed")
		return
	}
	for c := range clients {
		if !c.subscribed(topic) {
			continue
		}
		select {
		case c.send <- raw:
		default:
			h.logger.Warn().Str("clientId", c.id).Msg("slow client dropped")
			closeClient(c)
		}
	}
}

// topicOf routes an internal event payload to its push topic.
func topicOf(payload any) (string, any) {
	switch payload.(type) {
	case events.OrderEvent:
		return TopicOrders, payload
	case events.RiskEvent, events.PauseEvent:
		return TopicRisk, payload
	case events.BracketEvent:
		return TopicSLTP, payload
	case events.FillEvent, events.BusStateEvent:
		return TopicAggregator, payload
	default:
		return "", nil
	}
}

type wsClient struct {
	hub  *Hub
	conn *websocket.Conn
	id   string
	send chan []byte

	mu     sync.Mutex
	closed bool
	topics map[string]bool
}

// close is only called from the hub run loop. The flag keeps enqueue, which
// runs on the read pump, off the closed channel.
func (c *wsClient) close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	close(c.send)
}

func (c *wsClient) subscribed(topic string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.topics[topic]
}

func (c *wsClient) setTopics(channels []string, on bool) []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, ch := range channels {
		if !validTopic(ch) {
			continue
		}
		if on {
			c.topics[ch] = true
		} else {
			delete(c.topics, ch)
		}
	}
	current := make([]string, 0, len(c.topics))
	for _, t := range wsTopics {
		if c.topics[t] {
			current = append(current, t)
		}
	}
	return current
}

func validTopic(t string) bool {
	for _, known := range wsTopics {
		if t == known {
			return true
		}
	}
	return false
}

// enqueue hands a control reply to the write pump without blocking.
func (c *wsClient) enqueue(env wsEnvelope) {
	raw, err := json.Marshal(env)
	if err != nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	select {
	case c.send <- raw:
	default:
	}
}

func (c *wsClient) readPump() {
	defer func() {
		c.hub.unregister <- c
		c.conn.Close()
	}()

	c.conn.SetReadLimit(wsMaxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(wsPongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(wsPongWait))
		return nil
	})

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.hub.logger.Debug().Str("clientId", c.id).Err(err).Msg("read error")
			}
			return
		}

		var cmd wsCommand
		if err := json.Unmarshal(raw, &cmd); err != nil {
			c.enqueue(wsEnvelope{Type: "error", Data: "malformed command"})
			continue
		}
		switch cmd.Type {
		case "subscribe":
			c.enqueue(wsEnvelope{Type: "subscribed", Channels: c.setTopics(cmd.Channels, true)})
		case "unsubscribe":
			c.enqueue(wsEnvelope{Type: "subscribed", Channels: c.setTopics(cmd.Channels, false)})
		case "ping":
			c.enqueue(wsEnvelope{Type: "pong"})
		default:
			c.enqueue(wsEnvelope{Type: "error", Data: "unknown command type"})
		}
	}
}

func (c *wsClient) writePump() {
	ticker := time.NewTicker(wsPingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case raw, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, raw); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// serveWS upgrades the connection, greets the client, and starts the pumps.
func (s *Server) serveWS(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Warn().Err(err).Msg("ws upgrade failed")
		return
	}

	client := &wsClient{
		hub:    s.hub,
		conn:   conn,
		id:     uuid.NewString(),
		send:   make(chan []byte, 256),
		topics: make(map[string]bool),
	}
	client.enqueue(wsEnvelope{Type: "welcome", ClientID: client.id, Channels: wsTopics})
	s.hub.register <- client

	go client.writePump()
	go client.readPump()
}
