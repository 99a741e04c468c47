package api

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"golang.org/x/crypto/bcrypt"

	"trading-aggregator/internal/aggregator"
	"trading-aggregator/internal/bus"
	"trading-aggregator/internal/catalog"
	"trading-aggregator/internal/downstream"
	"trading-aggregator/internal/events"
	"trading-aggregator/internal/market"
	"trading-aggregator/internal/metrics"
	"trading-aggregator/internal/order"
	"trading-aggregator/internal/risk"
	"trading-aggregator/internal/sltp"
	"trading-aggregator/internal/sources"
	"trading-aggregator/pkg/config"
	"trading-aggregator/pkg/db"
)

const operatorPassword = "correct-horse"

type stubBroker struct{}

func (stubBroker) SubmitOrder(_ context.Context, o order.Order) (downstream.SubmitResult, error) {
	return downstream.SubmitResult{OrderID: o.ID, BrokerOrderID: "B-" + o.ID}, nil
}

func (stubBroker) CancelOrder(context.Context, order.Order) error { return nil }

type apiHarness struct {
	srv  *Server
	core *aggregator.Core
	ev   *events.Bus
	risk *risk.Engine
}

func newTestServer(t *testing.T, mutate func(*config.Config)) *apiHarness {
	t.Helper()
	gin.SetMode(gin.TestMode)

	hash, err := bcrypt.GenerateFromPassword([]byte(operatorPassword), bcrypt.MinCost)
	if err != nil {
		t.Fatalf("hash password: %v", err)
	}

	cfg := &config.Config{
		Risk: config.RiskConfig{
			MaxOrderSize:       10,
			MaxPositionSize:    20,
			MaxPositionValue:   250000,
			MaxOpenPositions:   5,
			MaxDailyLoss:       1000,
			MaxDailyProfit:     2500,
			MaxAccountDrawdown: 1500,
			MaxOrdersPerMinute: 100,
			MaxOrdersPerSymbol: 50,
		},
		Queue: config.QueueConfig{
			MaxQueueSize:        50,
			ProcessingInterval:  2 * time.Millisecond,
			MaxConcurrentOrders: 2,
			MaxOrdersPerSecond:  1000,
			MaxOrdersPerSymbol:  50,
			MaxDispatchAttempts: 3,
			RetryBackoff:        2 * time.Millisecond,
		},
		SLTP: config.SLTPConfig{
			StopMode:              sltp.ModeFixedTicks,
			TakeProfitMode:        sltp.ModeFixedTicks,
			StopOffsetTicks:       10,
			TakeProfitOffsetTicks: 20,
			RiskRewardRatio:       2,
		},
		Downstream: config.DownstreamConfig{QueryTimeout: time.Second, MaxAttempts: 1},
		Bus:        config.BusConfig{SubscribeBuffer: 16},
		Monitoring: config.MonitoringConfig{
			HistorySize:    16,
			SampleInterval: time.Hour, // samplers must not fire mid-test
			LatencyWindow:  64,
			WSHeartbeat:    time.Hour,
		},
		Auth: config.AuthConfig{
			JWTSecret:            "test-secret",
			OperatorPasswordHash: string(hash),
			TokenTTL:             time.Hour,
		},
		DefaultAccountID: "acct-test",
	}
	if mutate != nil {
		mutate(cfg)
	}

	store, err := db.New(filepath.Join(t.TempDir(), "api.db"))
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := db.ApplyMigrations(store); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	cat, err := catalog.Load(store, true, nil)
	if err != nil {
		t.Fatalf("load catalog: %v", err)
	}

	ev := events.NewBus()
	riskEng := risk.NewEngine(cfg.Risk, risk.NewJournal(store), ev)
	core, err := aggregator.NewCore(aggregator.Deps{
		Cfg:     cfg,
		Risk:    riskEng,
		SLTP:    sltp.NewCalculator(cfg.SLTP),
		Sources: sources.NewRegistry(),
		Catalog: cat,
		Prices:  market.NewPriceBook(0),
		Broker:  stubBroker{},
		Events:  ev,
	})
	if err != nil {
		t.Fatalf("new core: %v", err)
	}
	col := metrics.NewCollector(cfg.Monitoring, ev, core)
	hub := NewHub(ev, func() any { return col.Snapshot() }, cfg.Monitoring.WSHeartbeat)
	// Never started: construction does not dial Redis, and Stats/Close are
	// safe on an idle adapter.
	adapter := bus.NewAdapter(cfg.Bus, "inst-test", ev)

	ctx, cancel := context.WithCancel(context.Background())
	go core.Run(ctx)
	go col.Run(ctx)
	go hub.Run(ctx)

	srv := NewServer(cfg, core, col, riskEng, adapter, hub, "inst-test")
	t.Cleanup(func() {
		cancel()
		adapter.Close()
		core.Queue().Close()
		store.Close()
	})
	return &apiHarness{srv: srv, core: core, ev: ev, risk: riskEng}
}

func (h *apiHarness) do(method, path string, body any, token string) *httptest.ResponseRecorder {
	var rdr io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			panic(err)
		}
		rdr = bytes.NewReader(raw)
	}
	req := httptest.NewRequest(method, path, rdr)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	h.srv.Router.ServeHTTP(w, req)
	return w
}

func (h *apiHarness) loginToken(t *testing.T) string {
	t.Helper()
	w := h.do(http.MethodPost, "/api/auth/login", map[string]string{"password": operatorPassword}, "")
	if w.Code != http.StatusOK {
		t.Fatalf("login: status %d body %s", w.Code, w.Body.String())
	}
	var resp struct {
		Token string `json:"token"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode login: %v", err)
	}
	if resp.Token == "" {
		t.Fatal("empty token")
	}
	return resp.Token
}

func pollJSON(t *testing.T, h *apiHarness, path string, check func(map[string]any) bool) map[string]any {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	var last map[string]any
	for time.Now().Before(deadline) {
		w := h.do(http.MethodGet, path, nil, "")
		last = map[string]any{}
		if err := json.Unmarshal(w.Body.Bytes(), &last); err == nil && check(last) {
			return last
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("condition never held for %s, last: %v", path, last)
	return nil
}

func TestLoginIssuesToken(t *testing.T) {
	h := newTestServer(t, nil)

	w := h.do(http.MethodPost, "/api/auth/login", map[string]string{"password": "wrong"}, "")
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("wrong password: status %d", w.Code)
	}

	w = h.do(http.MethodPost, "/api/auth/login", map[string]string{}, "")
	if w.Code != http.StatusBadRequest {
		t.Fatalf("missing password: status %d", w.Code)
	}

	w = h.do(http.MethodPost, "/api/auth/login", map[string]string{"password": operatorPassword}, "")
	if w.Code != http.StatusOK {
		t.Fatalf("login: status %d body %s", w.Code, w.Body.String())
	}
	var resp struct {
		Token     string `json:"token"`
		ExpiresAt string `json:"expiresAt"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Token == "" {
		t.Fatal("empty token")
	}
	if _, err := time.Parse(time.RFC3339, resp.ExpiresAt); err != nil {
		t.Fatalf("expiresAt: %v", err)
	}
}

func TestLoginDisabledWithoutHash(t *testing.T) {
	h := newTestServer(t, func(c *config.Config) { c.Auth.OperatorPasswordHash = "" })

	w := h.do(http.MethodPost, "/api/auth/login", map[string]string{"password": "anything"}, "")
	if w.Code != http.StatusServiceUnavailable {
		t.Fatalf("status %d, want 503", w.Code)
	}
	if !strings.Contains(w.Body.String(), "AUTH_DISABLED") {
		t.Fatalf("body: %s", w.Body.String())
	}
}

func TestControlRequiresToken(t *testing.T) {
	h := newTestServer(t, nil)

	cases := []struct {
		name   string
		header string
		code   string
	}{
		{"no header", "", "MISSING_TOKEN"},
		{"wrong scheme", "Basic abc", "INVALID_AUTH_HEADER"},
		{"garbage token", "Bearer not-a-jwt", "INVALID_TOKEN"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, "/api/control/reset-metrics", nil)
			if tc.header != "" {
				req.Header.Set("Authorization", tc.header)
			}
			w := httptest.NewRecorder()
			h.srv.Router.ServeHTTP(w, req)
			if w.Code != http.StatusUnauthorized {
				t.Fatalf("status %d, want 401", w.Code)
			}
			if !strings.Contains(w.Body.String(), tc.code) {
				t.Fatalf("body %s, want code %s", w.Body.String(), tc.code)
			}
		})
	}

	token := h.loginToken(t)
	w := h.do(http.MethodPost, "/api/control/reset-metrics", nil, token)
	if w.Code != http.StatusOK {
		t.Fatalf("authorized reset: status %d body %s", w.Code, w.Body.String())
	}
}

func TestRiskControlEndpoints(t *testing.T) {
	h := newTestServer(t, nil)
	token := h.loginToken(t)

	w := h.do(http.MethodPost, "/api/control/risk/pause",
		map[string]any{"reason": "drill", "durationSeconds": 300}, token)
	if w.Code != http.StatusOK {
		t.Fatalf("pause: status %d body %s", w.Code, w.Body.String())
	}
	if !h.risk.Paused() {
		t.Fatal("engine not paused")
	}
	if view := h.risk.Snapshot(); view.PauseReason != "drill" {
		t.Fatalf("pause reason = %q", view.PauseReason)
	}

	w = h.do(http.MethodPost, "/api/control/risk/resume", nil, token)
	if w.Code != http.StatusOK {
		t.Fatalf("resume: status %d", w.Code)
	}
	if h.risk.Paused() {
		t.Fatal("engine still paused")
	}

	w = h.do(http.MethodPost, "/api/control/risk/shadow", map[string]any{"enabled": true}, token)
	if w.Code != http.StatusOK {
		t.Fatalf("shadow on: status %d", w.Code)
	}
	if !h.risk.ShadowMode() {
		t.Fatal("shadow mode not set")
	}

	w = h.do(http.MethodPost, "/api/control/risk/shadow", map[string]any{"enabled": false}, token)
	if w.Code != http.StatusOK {
		t.Fatalf("shadow off: status %d", w.Code)
	}
	if h.risk.ShadowMode() {
		t.Fatal("shadow mode still set")
	}

	// enabled is required; an empty object must not silently mean false.
	w = h.do(http.MethodPost, "/api/control/risk/shadow", map[string]any{}, token)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("empty shadow body: status %d", w.Code)
	}
}

func TestHealthReflectsComponentStates(t *testing.T) {
	h := newTestServer(t, nil)

	// No bus state seen yet: the bus check reports critical and health 503s.
	w := h.do(http.MethodGet, "/health", nil, "")
	if w.Code != http.StatusServiceUnavailable {
		t.Fatalf("initial health: status %d body %s", w.Code, w.Body.String())
	}

	h.ev.Publish(events.EventBusState, events.BusStateEvent{Connected: true, At: time.Now()})
	body := pollJSON(t, h, "/health", func(m map[string]any) bool {
		checks, _ := m["checks"].(map[string]any)
		bus, _ := checks["bus"].(map[string]any)
		return bus != nil && bus["status"] == statusHealthy
	})
	if body["status"] == statusCritical {
		t.Fatalf("still critical after bus connect: %v", body)
	}
	if body["instanceId"] != "inst-test" {
		t.Fatalf("instanceId = %v", body["instanceId"])
	}

	h.risk.Pause("maintenance", time.Time{})
	pollJSON(t, h, "/health", func(m map[string]any) bool {
		checks, _ := m["checks"].(map[string]any)
		rc, _ := checks["risk"].(map[string]any)
		return rc != nil && rc["status"] == statusWarning
	})
}

func TestMetricsEndpointsServeSlices(t *testing.T) {
	h := newTestServer(t, nil)

	res := h.core.SubmitOrder(context.Background(), &order.Order{
		ID:         "M1",
		Source:     "scalper-7",
		Instrument: "MES",
		Side:       order.SideBuy,
		Kind:       order.KindMarket,
		Quantity:   2,
	})
	if !res.Accepted {
		t.Fatalf("submit rejected: %+v", res)
	}

	pollJSON(t, h, "/api/metrics", func(m map[string]any) bool {
		orders, _ := m["orders"].(map[string]any)
		if orders == nil {
			return false
		}
		recv, _ := orders["received"].(float64)
		return recv >= 1
	})

	w := h.do(http.MethodGet, "/api/metrics/orders", nil, "")
	if w.Code != http.StatusOK || !strings.Contains(w.Body.String(), "dispatchLatency") {
		t.Fatalf("orders slice: %d %s", w.Code, w.Body.String())
	}

	w = h.do(http.MethodGet, "/api/metrics/queue", nil, "")
	var qs map[string]any
	if err := json.Unmarshal(w.Body.Bytes(), &qs); err != nil {
		t.Fatalf("queue slice: %v", err)
	}
	if _, ok := qs["depth"]; !ok {
		t.Fatalf("queue slice missing depth: %s", w.Body.String())
	}

	w = h.do(http.MethodGet, "/api/metrics/risk", nil, "")
	if w.Code != http.StatusOK || !strings.Contains(w.Body.String(), "violationsByKind") {
		t.Fatalf("risk slice: %d %s", w.Code, w.Body.String())
	}

	w = h.do(http.MethodGet, "/api/metrics/sltp", nil, "")
	if w.Code != http.StatusOK || !strings.Contains(w.Body.String(), "calculated") {
		t.Fatalf("sltp slice: %d %s", w.Code, w.Body.String())
	}

	// The hour-long sample interval never fires during the test.
	w = h.do(http.MethodGet, "/api/metrics/history", nil, "")
	var hist struct {
		Count   int              `json:"count"`
		Samples []metrics.Sample `json:"samples"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &hist); err != nil {
		t.Fatalf("history: %v", err)
	}
	if hist.Count != 0 || len(hist.Samples) != 0 {
		t.Fatalf("history not empty: %+v", hist)
	}
}

func TestBusMetricsEndpoint(t *testing.T) {
	h := newTestServer(t, nil)

	w := h.do(http.MethodGet, "/api/metrics/bus", nil, "")
	if w.Code != http.StatusOK {
		t.Fatalf("bus slice: status %d body %s", w.Code, w.Body.String())
	}
	var stats bus.Stats
	if err := json.Unmarshal(w.Body.Bytes(), &stats); err != nil {
		t.Fatalf("decode bus slice: %v", err)
	}
	if stats.Connected {
		t.Fatal("idle adapter reported connected")
	}
	if stats.PendingRequests != 0 || stats.Published != 0 {
		t.Fatalf("idle adapter stats = %+v", stats)
	}
}

func TestOrdersAndPositionsEndpoints(t *testing.T) {
	h := newTestServer(t, nil)

	res := h.core.SubmitOrder(context.Background(), &order.Order{
		ID:         "R1",
		Source:     "scalper-7",
		Instrument: "MES",
		Side:       order.SideBuy,
		Kind:       order.KindMarket,
		Quantity:   2,
	})
	if !res.Accepted {
		t.Fatalf("submit rejected: %+v", res)
	}

	deadline := time.Now().Add(2 * time.Second)
	for {
		if o, ok := h.core.Order("R1"); ok && o.State == order.StateDispatched {
			break
		}
		if time.Now().After(deadline) {
			o, _ := h.core.Order("R1")
			t.Fatalf("R1 never dispatched (state %s)", o.State)
		}
		time.Sleep(2 * time.Millisecond)
	}

	w := h.do(http.MethodGet, "/api/orders", nil, "")
	var listed struct {
		Count  int           `json:"count"`
		Orders []order.Order `json:"orders"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &listed); err != nil {
		t.Fatalf("orders: %v", err)
	}
	if listed.Count != 1 || listed.Orders[0].ID != "R1" {
		t.Fatalf("orders = %+v", listed)
	}

	w = h.do(http.MethodGet, "/api/orders?state=QUEUED", nil, "")
	if err := json.Unmarshal(w.Body.Bytes(), &listed); err != nil {
		t.Fatalf("filtered orders: %v", err)
	}
	if listed.Count != 0 {
		t.Fatalf("QUEUED filter matched %d", listed.Count)
	}

	w = h.do(http.MethodGet, "/api/orders?instrument=ZZZ", nil, "")
	if err := json.Unmarshal(w.Body.Bytes(), &listed); err != nil {
		t.Fatalf("filtered orders: %v", err)
	}
	if listed.Count != 0 {
		t.Fatalf("ZZZ filter matched %d", listed.Count)
	}

	h.core.ProcessFill(context.Background(), order.Fill{
		OrderID:            "R1",
		Instrument:         "MES",
		FillPrice:          4500,
		CumulativeQuantity: 2,
		FillTime:           time.Now(),
	})

	w = h.do(http.MethodGet, "/api/positions", nil, "")
	var positions struct {
		Count     int              `json:"count"`
		Positions []order.Position `json:"positions"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &positions); err != nil {
		t.Fatalf("positions: %v", err)
	}
	if positions.Count != 1 || positions.Positions[0].Size != 2 {
		t.Fatalf("positions = %+v", positions)
	}
}

func TestResetMetricsZeroesTallies(t *testing.T) {
	h := newTestServer(t, nil)
	token := h.loginToken(t)

	res := h.core.SubmitOrder(context.Background(), &order.Order{
		ID:         "Z1",
		Source:     "scalper-7",
		Instrument: "MES",
		Side:       order.SideBuy,
		Kind:       order.KindMarket,
		Quantity:   1,
	})
	if !res.Accepted {
		t.Fatalf("submit rejected: %+v", res)
	}
	pollJSON(t, h, "/api/metrics", func(m map[string]any) bool {
		orders, _ := m["orders"].(map[string]any)
		if orders == nil {
			return false
		}
		recv, _ := orders["received"].(float64)
		return recv >= 1
	})

	w := h.do(http.MethodPost, "/api/control/reset-metrics", nil, token)
	if w.Code != http.StatusOK {
		t.Fatalf("reset: status %d body %s", w.Code, w.Body.String())
	}

	pollJSON(t, h, "/api/metrics", func(m map[string]any) bool {
		orders, _ := m["orders"].(map[string]any)
		if orders == nil {
			return false
		}
		recv, _ := orders["received"].(float64)
		return recv == 0
	})
	if got := h.core.MetricsSnapshot().Counters.Submitted; got != 0 {
		t.Fatalf("core submitted = %d after reset", got)
	}
}

func TestRiskJournalEndpoint(t *testing.T) {
	h := newTestServer(t, nil)

	res := h.core.SubmitOrder(context.Background(), &order.Order{
		ID:         "J1",
		Source:     "scalper-7",
		Instrument: "MES",
		Side:       order.SideBuy,
		Kind:       order.KindMarket,
		Quantity:   1,
	})
	if !res.Accepted {
		t.Fatalf("submit rejected: %+v", res)
	}

	w := h.do(http.MethodGet, "/api/metrics/risk/journal", nil, "")
	if w.Code != http.StatusOK {
		t.Fatalf("journal: status %d body %s", w.Code, w.Body.String())
	}
	var listed struct {
		Count int             `json:"count"`
		Days  []risk.DayStats `json:"days"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &listed); err != nil {
		t.Fatalf("decode journal: %v", err)
	}
	if listed.Count != 1 || listed.Days[0].OrdersAccepted != 1 {
		t.Fatalf("journal = %+v", listed)
	}

	w = h.do(http.MethodGet, "/api/metrics/risk/journal?date="+listed.Days[0].Date, nil, "")
	var day risk.DayStats
	if err := json.Unmarshal(w.Body.Bytes(), &day); err != nil {
		t.Fatalf("decode day: %v", err)
	}
	if day.OrdersAccepted != 1 {
		t.Fatalf("day = %+v", day)
	}

	w = h.do(http.MethodGet, "/api/metrics/risk/journal?date=1999-01-01", nil, "")
	if err := json.Unmarshal(w.Body.Bytes(), &day); err != nil {
		t.Fatalf("decode empty day: %v", err)
	}
	if day.OrdersAccepted != 0 {
		t.Fatalf("empty day = %+v", day)
	}
}

func TestPrometheusEndpoint(t *testing.T) {
	h := newTestServer(t, nil)

	w := h.do(http.MethodGet, "/metrics", nil, "")
	if w.Code != http.StatusOK {
		t.Fatalf("status %d", w.Code)
	}
	if !strings.Contains(w.Body.String(), "go_goroutines") {
		t.Fatal("scrape body missing runtime metrics")
	}
}

func TestRateLimitKicksIn(t *testing.T) {
	h := newTestServer(t, nil)

	var limited bool
	for i := 0; i < 60; i++ {
		w := h.do(http.MethodGet, "/health", nil, "")
		if w.Code == http.StatusTooManyRequests {
			limited = true
			break
		}
	}
	if !limited {
		t.Fatal("burst of 60 requests never rate limited")
	}
}

func readEnvelope(t *testing.T, conn *websocket.Conn) wsEnvelope {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var env wsEnvelope
	if err := conn.ReadJSON(&env); err != nil {
		t.Fatalf("read ws: %v", err)
	}
	return env
}

func TestWebSocketSubscribeAndPush(t *testing.T) {
	h := newTestServer(t, nil)

	ts := httptest.NewServer(h.srv.Router)
	defer ts.Close()

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	welcome := readEnvelope(t, conn)
	if welcome.Type != "welcome" || welcome.ClientID == "" || len(welcome.Channels) != len(wsTopics) {
		t.Fatalf("welcome = %+v", welcome)
	}

	if err := conn.WriteJSON(wsCommand{Type: "subscribe", Channels: []string{TopicOrders, "bogus"}}); err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	sub := readEnvelope(t, conn)
	if sub.Type != "subscribed" || len(sub.Channels) != 1 || sub.Channels[0] != TopicOrders {
		t.Fatalf("subscribed = %+v", sub)
	}

	if err := conn.WriteJSON(wsCommand{Type: "ping"}); err != nil {
		t.Fatalf("ping: %v", err)
	}
	if pong := readEnvelope(t, conn); pong.Type != "pong" {
		t.Fatalf("pong = %+v", pong)
	}

	h.ev.Publish(events.EventOrderSubmitted, events.OrderEvent{
		Order: order.Order{ID: "W1", Instrument: "MES", State: order.StateQueued},
		At:    time.Now(),
	})
	push := readEnvelope(t, conn)
	if push.Type != "event" || push.Channel != TopicOrders {
		t.Fatalf("push = %+v", push)
	}
	raw, _ := json.Marshal(push.Data)
	var oe struct {
		Order struct {
			ID string `json:"id"`
		} `json:"order"`
	}
	if err := json.Unmarshal(raw, &oe); err != nil || oe.Order.ID != "W1" {
		t.Fatalf("push data = %s", raw)
	}

	// Risk events are not pushed to a client subscribed only to orders.
	h.ev.Publish(events.EventRiskPaused, events.PauseEvent{Paused: true, Reason: "x", At: time.Now()})
	h.ev.Publish(events.EventOrderCancelled, events.OrderEvent{
		Order: order.Order{ID: "W2", Instrument: "MES", State: order.StateCancelled},
		At:    time.Now(),
	})
	next := readEnvelope(t, conn)
	if next.Channel != TopicOrders {
		t.Fatalf("leaked channel %q", next.Channel)
	}
}
