package risk

import (
	"testing"
	"time"

	"trading-aggregator/internal/order"
	"trading-aggregator/pkg/config"
)

func baseCfg() config.RiskConfig {
	return config.RiskConfig{
		MaxOrderSize:     10,
		MaxPositionSize:  20,
		PauseOnDailyLoss: true,
	}
}

func mkOrder(side order.Side, qty int64, instrument string) *order.Order {
	return &order.Order{
		ID:         "o-" + instrument,
		Instrument: instrument,
		Side:       side,
		Kind:       order.KindMarket,
		Quantity:   qty,
		Priority:   order.PriorityNormal,
		State:      order.StateReceived,
	}
}

func hasViolation(d Decision, v Violation) bool {
	for _, got := range d.Violations {
		if got == v {
			return true
		}
	}
	return false
}

func TestEvaluateAcceptsWithinLimits(t *testing.T) {
	e := NewEngine(baseCfg(), nil, nil)
	dec := e.Evaluate(mkOrder(order.SideBuy, 2, "MES"), OrderContext{})
	if !dec.Accepted() {
		t.Fatalf("want ACCEPT, got %+v", dec)
	}
	snap := e.Snapshot()
	if snap.Accepts != 1 || snap.Rejects != 0 {
		t.Fatalf("tallies = %+v", snap)
	}
}

func TestOrderSizeViolation(t *testing.T) {
	e := NewEngine(baseCfg(), nil, nil)
	dec := e.Evaluate(mkOrder(order.SideBuy, 15, "MES"), OrderContext{})
	if dec.Verdict != VerdictReject {
		t.Fatalf("want REJECT, got %v", dec.Verdict)
	}
	if dec.Reason != order.ReasonRiskViolation {
		t.Fatalf("reason = %v", dec.Reason)
	}
	if len(dec.Violations) != 1 || dec.Violations[0] != ViolationOrderSize {
		t.Fatalf("violations = %v, want [ORDER_SIZE]", dec.Violations)
	}

	// Equal to the limit is allowed.
	if dec := e.Evaluate(mkOrder(order.SideBuy, 10, "MES"), OrderContext{}); !dec.Accepted() {
		t.Fatalf("qty == maxOrderSize must pass, got %+v", dec)
	}
}

func TestAllViolationsReportedInOnePass(t *testing.T) {
	cfg := baseCfg()
	cfg.Whitelist = []string{"MES"}
	e := NewEngine(cfg, nil, nil)

	// Too big, blows the position limit, and not whitelisted.
	dec := e.Evaluate(mkOrder(order.SideBuy, 25, "MNQ"), OrderContext{})
	if dec.Verdict != VerdictReject {
		t.Fatalf("want REJECT, got %v", dec.Verdict)
	}
	for _, want := range []Violation{ViolationOrderSize, ViolationPositionSize, ViolationWhitelist} {
		if !hasViolation(dec, want) {
			t.Fatalf("missing violation %s in %v", want, dec.Violations)
		}
	}
}

func TestProjectedPositionUsesCurrentSize(t *testing.T) {
	e := NewEngine(baseCfg(), nil, nil)

	// Position 18 long, adding 3 projects to 21 > 20.
	dec := e.Evaluate(mkOrder(order.SideBuy, 3, "MES"), OrderContext{PositionSize: 18})
	if !hasViolation(dec, ViolationPositionSize) {
		t.Fatalf("want POSITION_SIZE, got %v", dec.Violations)
	}

	// Selling 3 from 18 long projects to 15, fine.
	if dec := e.Evaluate(mkOrder(order.SideSell, 3, "MES"), OrderContext{PositionSize: 18}); !dec.Accepted() {
		t.Fatalf("reduce should pass, got %+v", dec)
	}
}

func TestPositionValueDefersWithoutPrice(t *testing.T) {
	cfg := baseCfg()
	cfg.MaxPositionValue = 50000
	e := NewEngine(cfg, nil, nil)

	// Market order, no mark price anywhere: the value rule cannot run.
	dec := e.Evaluate(mkOrder(order.SideBuy, 2, "MES"), OrderContext{DollarPerPoint: 5})
	if dec.Verdict != VerdictDefer {
		t.Fatalf("want DEFER, got %+v", dec)
	}
	if dec.Reason != order.ReasonDeferred {
		t.Fatalf("reason = %v", dec.Reason)
	}

	// A hard violation elsewhere wins over the missing datum.
	dec = e.Evaluate(mkOrder(order.SideBuy, 15, "MES"), OrderContext{DollarPerPoint: 5})
	if dec.Verdict != VerdictReject || !hasViolation(dec, ViolationOrderSize) {
		t.Fatalf("reject should win over defer, got %+v", dec)
	}

	// With a mark price the rule evaluates: 10 * 4500 * 5 = 225000 > 50000.
	dec = e.Evaluate(mkOrder(order.SideBuy, 10, "MES"), OrderContext{
		PositionSize: 0, MarkPrice: 4500, PriceKnown: true, DollarPerPoint: 5,
	})
	if !hasViolation(dec, ViolationPositionValue) {
		t.Fatalf("want POSITION_VALUE, got %v", dec.Violations)
	}
}

func TestOpenPositionsReducingExempt(t *testing.T) {
	cfg := baseCfg()
	cfg.MaxOpenPositions = 1
	e := NewEngine(cfg, nil, nil)
	e.UpdateFromFill(0, 1, 0) // one position open

	// Opening a second instrument breaches the count.
	dec := e.Evaluate(mkOrder(order.SideBuy, 1, "MNQ"), OrderContext{PositionSize: 0})
	if !hasViolation(dec, ViolationOpenPositions) {
		t.Fatalf("want OPEN_POSITIONS, got %v", dec.Violations)
	}

	// Reducing the existing long is always allowed through this check.
	dec = e.Evaluate(mkOrder(order.SideSell, 2, "MES"), OrderContext{PositionSize: 2})
	if hasViolation(dec, ViolationOpenPositions) {
		t.Fatalf("reducing order must be exempt, got %v", dec.Violations)
	}
}

func TestDailyLossBoundaryIsInclusive(t *testing.T) {
	cfg := baseCfg()
	cfg.MaxDailyLoss = 2000
	e := NewEngine(cfg, nil, nil)

	e.UpdateFromFill(-1500, 0, 0)
	if e.Paused() {
		t.Fatal("under the limit must not pause")
	}
	if dec := e.Evaluate(mkOrder(order.SideBuy, 1, "MES"), OrderContext{}); !dec.Accepted() {
		t.Fatalf("under the limit must accept, got %+v", dec)
	}

	e.UpdateFromFill(-500, 0, 0) // dailyLoss now exactly 2000
	if !e.Paused() {
		t.Fatal("loss equal to the limit must pause")
	}
	dec := e.Evaluate(mkOrder(order.SideBuy, 1, "MES"), OrderContext{})
	if dec.Verdict != VerdictReject {
		t.Fatalf("want REJECT, got %v", dec.Verdict)
	}
	if !hasViolation(dec, ViolationPaused) || !hasViolation(dec, ViolationDailyLoss) {
		t.Fatalf("violations = %v", dec.Violations)
	}
}

func TestDrawdownFromPeak(t *testing.T) {
	cfg := baseCfg()
	cfg.MaxAccountDrawdown = 500
	e := NewEngine(cfg, nil, nil)

	e.UpdateFromFill(800, 1, 0)  // peak 800
	e.UpdateFromFill(-400, 1, 0) // drawdown 400
	if dec := e.Evaluate(mkOrder(order.SideBuy, 1, "MES"), OrderContext{}); !dec.Accepted() {
		t.Fatalf("drawdown 400 < 500 must accept, got %+v", dec)
	}

	e.UpdateFromFill(-100, 1, 0) // drawdown exactly 500
	dec := e.Evaluate(mkOrder(order.SideBuy, 1, "MES"), OrderContext{})
	if !hasViolation(dec, ViolationDrawdown) {
		t.Fatalf("want ACCOUNT_DRAWDOWN, got %v", dec.Violations)
	}
}

func TestRateLimitResetsOnMinuteBoundary(t *testing.T) {
	cfg := baseCfg()
	cfg.MaxOrdersPerMinute = 2
	e := NewEngine(cfg, nil, nil)

	clock := time.Date(2025, 6, 2, 9, 30, 40, 0, time.UTC)
	e.now = func() time.Time { return clock }

	e.RecordOrderAccepted("MES")
	e.RecordOrderAccepted("MES")

	dec := e.Evaluate(mkOrder(order.SideBuy, 1, "MES"), OrderContext{})
	if !hasViolation(dec, ViolationRateLimit) {
		t.Fatalf("want RATE_LIMIT, got %v", dec.Violations)
	}

	// One tick past the boundary the window is fresh.
	clock = time.Date(2025, 6, 2, 9, 31, 0, 1, time.UTC)
	if dec := e.Evaluate(mkOrder(order.SideBuy, 1, "MES"), OrderContext{}); !dec.Accepted() {
		t.Fatalf("window must reset at the boundary, got %+v", dec)
	}
}

func TestSymbolRateLimit(t *testing.T) {
	cfg := baseCfg()
	cfg.MaxOrdersPerSymbol = 1
	e := NewEngine(cfg, nil, nil)

	e.RecordOrderAccepted("MES")
	dec := e.Evaluate(mkOrder(order.SideBuy, 1, "MES"), OrderContext{})
	if !hasViolation(dec, ViolationSymbolRateLimit) {
		t.Fatalf("want SYMBOL_RATE_LIMIT, got %v", dec.Violations)
	}
	// Another symbol is unaffected.
	if dec := e.Evaluate(mkOrder(order.SideBuy, 1, "MNQ"), OrderContext{}); !dec.Accepted() {
		t.Fatalf("other symbol must pass, got %+v", dec)
	}
}

func TestBracketChildrenSkipRateLimits(t *testing.T) {
	cfg := baseCfg()
	cfg.MaxOrdersPerMinute = 1
	e := NewEngine(cfg, nil, nil)
	e.RecordOrderAccepted("MES")

	child := mkOrder(order.SideSell, 1, "MES")
	child.LinkedBracketOf = "parent-1"
	if dec := e.Evaluate(child, OrderContext{PositionSize: 1}); !dec.Accepted() {
		t.Fatalf("bracket child must bypass rate limits, got %+v", dec)
	}
}

func TestTradingHoursWindow(t *testing.T) {
	cfg := baseCfg()
	cfg.TradingHours = config.Hours{Start: "09:30", End: "16:00", Enabled: true}
	e := NewEngine(cfg, nil, nil)

	cases := []struct {
		name  string
		hh    int
		mm    int
		allow bool
	}{
		{"before open", 8, 0, false},
		{"at open", 9, 30, true},
		{"midday", 12, 0, true},
		{"at close", 16, 0, false},
		{"after close", 20, 0, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			e.now = func() time.Time {
				return time.Date(2025, 6, 2, tc.hh, tc.mm, 0, 0, time.UTC)
			}
			dec := e.Evaluate(mkOrder(order.SideBuy, 1, "MES"), OrderContext{})
			if got := !hasViolation(dec, ViolationTradingHours); got != tc.allow {
				t.Fatalf("allow = %v, want %v (violations %v)", got, tc.allow, dec.Violations)
			}
		})
	}
}

func TestOvernightTradingWindow(t *testing.T) {
	cfg := baseCfg()
	cfg.TradingHours = config.Hours{Start: "18:00", End: "02:00", Enabled: true}
	e := NewEngine(cfg, nil, nil)

	e.now = func() time.Time { return time.Date(2025, 6, 2, 23, 0, 0, 0, time.UTC) }
	if dec := e.Evaluate(mkOrder(order.SideBuy, 1, "MES"), OrderContext{}); !dec.Accepted() {
		t.Fatalf("23:00 inside 18:00-02:00, got %+v", dec)
	}
	e.now = func() time.Time { return time.Date(2025, 6, 2, 3, 0, 0, 0, time.UTC) }
	if dec := e.Evaluate(mkOrder(order.SideBuy, 1, "MES"), OrderContext{}); dec.Accepted() {
		t.Fatal("03:00 outside 18:00-02:00 must reject")
	}
}

func TestShadowModePassesAndCounts(t *testing.T) {
	cfg := baseCfg()
	cfg.ShadowMode = true
	e := NewEngine(cfg, nil, nil)

	dec := e.Evaluate(mkOrder(order.SideBuy, 15, "MES"), OrderContext{})
	if !dec.Accepted() {
		t.Fatalf("shadow mode must accept, got %+v", dec)
	}
	if !dec.Shadow || dec.ShadowWas != VerdictReject {
		t.Fatalf("shadow annotation missing: %+v", dec)
	}
	if !hasViolation(dec, ViolationOrderSize) {
		t.Fatalf("shadow decision should carry would-be violations, got %v", dec.Violations)
	}
	snap := e.Snapshot()
	if snap.ShadowRejections != 1 {
		t.Fatalf("shadowRejections = %d, want 1", snap.ShadowRejections)
	}
	if snap.Rejects != 0 {
		t.Fatalf("shadow rejections must not count as real, got %d", snap.Rejects)
	}
}

func TestSessionResetClearsCountersAndAutoPause(t *testing.T) {
	cfg := baseCfg()
	cfg.MaxDailyLoss = 100
	e := NewEngine(cfg, nil, nil)

	e.UpdateFromFill(-150, 0, 0)
	if !e.Paused() {
		t.Fatal("breach should pause")
	}

	e.ResetSession()
	if e.Paused() {
		t.Fatal("session reset must lift an automatic pause")
	}
	snap := e.Snapshot()
	if snap.DailyLoss != 0 || snap.DailyPnL != 0 || snap.PeakPnL != 0 {
		t.Fatalf("counters not reset: %+v", snap)
	}
}

func TestSessionRollsLazilyOnDayChange(t *testing.T) {
	cfg := baseCfg()
	cfg.MaxDailyLoss = 100
	e := NewEngine(cfg, nil, nil)

	clock := time.Date(2025, 6, 2, 15, 0, 0, 0, time.UTC)
	e.now = func() time.Time { return clock }

	e.UpdateFromFill(-150, 0, 0)
	if !e.Paused() {
		t.Fatal("breach should pause")
	}

	// First evaluation after midnight rolls the day even if the cron
	// never fired.
	clock = time.Date(2025, 6, 3, 9, 0, 0, 0, time.UTC)
	if dec := e.Evaluate(mkOrder(order.SideBuy, 1, "MES"), OrderContext{}); !dec.Accepted() {
		t.Fatalf("new day must lift the auto pause, got %+v", dec)
	}
	if snap := e.Snapshot(); snap.DailyLoss != 0 || snap.DailyPnL != 0 {
		t.Fatalf("counters survived the day roll: %+v", snap)
	}
}

func TestManualPauseSurvivesSessionReset(t *testing.T) {
	e := NewEngine(baseCfg(), nil, nil)
	e.Pause("operator hold", time.Time{})
	e.ResetSession()
	if !e.Paused() {
		t.Fatal("manual pause must survive the session reset")
	}
	e.Resume()
	if e.Paused() {
		t.Fatal("resume must clear the pause")
	}
}

func TestTimedPauseExpires(t *testing.T) {
	e := NewEngine(baseCfg(), nil, nil)
	clock := time.Date(2025, 6, 2, 10, 0, 0, 0, time.UTC)
	e.now = func() time.Time { return clock }

	e.Pause("cooling off", clock.Add(time.Minute))
	if dec := e.Evaluate(mkOrder(order.SideBuy, 1, "MES"), OrderContext{}); dec.Accepted() {
		t.Fatal("paused engine must reject")
	}

	clock = clock.Add(2 * time.Minute)
	if dec := e.Evaluate(mkOrder(order.SideBuy, 1, "MES"), OrderContext{}); !dec.Accepted() {
		t.Fatalf("expired pause must lift, got %+v", dec)
	}
}
