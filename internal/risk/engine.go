package risk

import (
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"trading-aggregator/internal/events"
	"trading-aggregator/internal/order"
	"trading-aggregator/pkg/config"
)

// Engine evaluates every candidate order against the configured limits and
// maintains the running risk state (daily PnL, drawdown, rate windows,
// pause flag). Evaluation is deterministic: the same order, context, and
// state always produce the same decision.
type Engine struct {
	mu  sync.RWMutex
	cfg config.RiskConfig

	whitelist  map[string]struct{}
	hoursStart int // minutes from midnight, -1 when unparseable
	hoursEnd   int

	// daily state, reset at the session boundary
	dailyPnL       float64
	dailyLoss      float64
	dailyProfit    float64
	peakPnL        float64
	openPositions  int
	openNotional   float64
	sessionStartAt time.Time

	// fixed rate window, reset on the minute boundary
	windowStart     time.Time
	ordersInWindow  int
	ordersPerSymbol map[string]int

	paused      bool
	pausedUntil time.Time
	pauseReason string
	pauseManual bool
	shadow      bool

	evaluations      uint64
	accepts          uint64
	rejects          uint64
	defers           uint64
	shadowRejections uint64
	violationCounts  map[Violation]uint64

	journal *Journal
	ev      *events.Bus
	logger  zerolog.Logger
	now     func() time.Time
}

// NewEngine builds an engine from config. journal may be nil; decisions
// and fills are then not persisted.
func NewEngine(cfg config.RiskConfig, journal *Journal, ev *events.Bus) *Engine {
	e := &Engine{
		cfg:             cfg,
		whitelist:       make(map[string]struct{}),
		ordersPerSymbol: make(map[string]int),
		violationCounts: make(map[Violation]uint64),
		shadow:          cfg.ShadowMode,
		journal:         journal,
		ev:              ev,
		logger:          log.With().Str("component", "risk").Logger(),
		now:             time.Now,
	}
	for _, sym := range cfg.Whitelist {
		if sym != "" {
			e.whitelist[sym] = struct{}{}
		}
	}
	e.hoursStart = parseClock(cfg.TradingHours.Start)
	e.hoursEnd = parseClock(cfg.TradingHours.End)
	if cfg.TradingHours.Enabled && (e.hoursStart < 0 || e.hoursEnd < 0) {
		e.logger.Warn().
			Str("start", cfg.TradingHours.Start).
			Str("end", cfg.TradingHours.End).
			Msg("unparseable trading hours, window check disabled")
	}
	e.sessionStartAt = e.now()
	e.windowStart = e.now().Truncate(time.Minute)

	e.logger.Info().
		Int64("maxOrderSize", cfg.MaxOrderSize).
		Int64("maxPositionSize", cfg.MaxPositionSize).
		Float64("maxDailyLoss", cfg.MaxDailyLoss).
		Bool("shadowMode", cfg.ShadowMode).
		Msg("risk engine initialized")
	return e
}

// Evaluate runs every rule and reports all violations found in one pass.
// Rules that cannot be evaluated for lack of a datum produce DEFER unless
// some other rule already rejected.
func (e *Engine) Evaluate(o *order.Order, octx OrderContext) Decision {
	e.mu.Lock()
	defer e.mu.Unlock()

	now := e.now()
	e.rollSessionLocked(now)
	e.rollWindowLocked(now)
	e.evaluations++

	if e.paused && !e.pausedUntil.IsZero() && now.After(e.pausedUntil) {
		e.resumeLocked("pause window elapsed")
	}

	var violations []Violation
	deferReason := ""

	// 1. Pause state.
	if e.paused {
		violations = append(violations, ViolationPaused)
	}

	// 2. Order size.
	if e.cfg.MaxOrderSize > 0 && o.Quantity > e.cfg.MaxOrderSize {
		violations = append(violations, ViolationOrderSize)
	}

	// 3. Projected position size and value.
	projected := octx.PositionSize + signedQuantity(o)
	if e.cfg.MaxPositionSize > 0 && abs64(projected) > e.cfg.MaxPositionSize {
		violations = append(violations, ViolationPositionSize)
	}
	if e.cfg.MaxPositionValue > 0 {
		price, ok := referencePrice(o, octx)
		if !ok {
			deferReason = "no price available to value projected position"
		} else if float64(abs64(projected))*price*octx.DollarPerPoint > e.cfg.MaxPositionValue {
			violations = append(violations, ViolationPositionValue)
		}
	}

	// 4. Open position count. Orders that reduce an existing position are
	// always allowed through this check.
	if e.cfg.MaxOpenPositions > 0 && !reducesPosition(o, octx) {
		count := e.openPositions
		if octx.PositionSize == 0 {
			count++
		}
		if count > e.cfg.MaxOpenPositions {
			violations = append(violations, ViolationOpenPositions)
		}
	}

	// 5. Daily loss / profit. The boundary is inclusive and a breach
	// pauses the engine for subsequent orders.
	if e.cfg.MaxDailyLoss > 0 && e.dailyLoss >= e.cfg.MaxDailyLoss {
		violations = append(violations, ViolationDailyLoss)
		if e.cfg.PauseOnDailyLoss {
			e.pauseLocked("daily loss limit reached", time.Time{}, false)
		}
	}
	if e.cfg.MaxDailyProfit > 0 && e.dailyProfit >= e.cfg.MaxDailyProfit {
		violations = append(violations, ViolationDailyProfit)
		if e.cfg.PauseOnDailyLoss {
			e.pauseLocked("daily profit limit reached", time.Time{}, false)
		}
	}

	// 6. Account drawdown from the session peak, inclusive like rule 5.
	if e.cfg.MaxAccountDrawdown > 0 && e.drawdownLocked() >= e.cfg.MaxAccountDrawdown {
		violations = append(violations, ViolationDrawdown)
	}

	// 7. Rate limits. Bracket children are aggregator-generated protective
	// orders and skip them.
	if !o.IsBracketChild() {
		if e.cfg.MaxOrdersPerMinute > 0 && e.ordersInWindow >= e.cfg.MaxOrdersPerMinute {
			violations = append(violations, ViolationRateLimit)
		}
		if e.cfg.MaxOrdersPerSymbol > 0 && e.ordersPerSymbol[o.Instrument] >= e.cfg.MaxOrdersPerSymbol {
			violations = append(violations, ViolationSymbolRateLimit)
		}
	}

	// 8. Trading hours.
	if e.cfg.TradingHours.Enabled && e.hoursStart >= 0 && e.hoursEnd >= 0 && !withinWindow(now, e.hoursStart, e.hoursEnd) {
		violations = append(violations, ViolationTradingHours)
	}

	// 9. Instrument whitelist.
	if len(e.whitelist) > 0 {
		if _, ok := e.whitelist[o.Instrument]; !ok {
			violations = append(violations, ViolationWhitelist)
		}
	}

	return e.concludeLocked(o, violations, deferReason)
}

func (e *Engine) concludeLocked(o *order.Order, violations []Violation, deferReason string) Decision {
	day := e.now().Format("2006-01-02")

	if len(violations) == 0 && deferReason == "" {
		e.accepts++
		e.journalDecision(day, true, 0)
		return Decision{Verdict: VerdictAccept}
	}

	var dec Decision
	if len(violations) > 0 {
		for _, v := range violations {
			e.violationCounts[v]++
		}
		dec = Decision{Verdict: VerdictReject, Reason: order.ReasonRiskViolation, Violations: violations}
	} else {
		dec = Decision{Verdict: VerdictDefer, Reason: order.ReasonDeferred}
		e.logger.Debug().Str("orderId", o.ID).Str("cause", deferReason).Msg("evaluation deferred")
	}

	if e.shadow {
		e.shadowRejections++
		e.accepts++
		e.journalDecision(day, true, len(violations))
		e.logger.Warn().
			Str("orderId", o.ID).
			Str("wouldBe", string(dec.Verdict)).
			Strs("violations", dec.ViolationStrings()).
			Msg("shadow mode: passing order that would have been blocked")
		e.publishViolation(o, dec, true)
		return Decision{Verdict: VerdictAccept, Shadow: true, ShadowWas: dec.Verdict, Violations: dec.Violations}
	}

	if dec.Verdict == VerdictReject {
		e.rejects++
		e.journalDecision(day, false, len(violations))
		e.publishViolation(o, dec, false)
	} else {
		e.defers++
	}
	return dec
}

func (e *Engine) publishViolation(o *order.Order, dec Decision, shadow bool) {
	if e.ev == nil {
		return
	}
	e.ev.Publish(events.EventRiskViolation, events.RiskEvent{
		OrderID:    o.ID,
		Instrument: o.Instrument,
		Source:     o.Source,
		Violations: dec.ViolationStrings(),
		Shadow:     shadow,
		At:         e.now(),
	})
}

func (e *Engine) journalDecision(day string, accepted bool, violations int) {
	if e.journal == nil {
		return
	}
	if err := e.journal.RecordDecision(day, accepted, violations); err != nil {
		e.logger.Warn().Err(err).Msg("risk journal write failed")
	}
}

// RecordOrderAccepted bumps the fixed-window rate counters. Call it once
// per order that passes evaluation, before it is enqueued.
func (e *Engine) RecordOrderAccepted(instrument string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	now := e.now()
	e.rollSessionLocked(now)
	e.rollWindowLocked(now)
	e.ordersInWindow++
	e.ordersPerSymbol[instrument]++
}

// UpdateFromFill folds a realized PnL delta and the new portfolio shape
// into the daily state, pausing on an inclusive loss or profit breach.
func (e *Engine) UpdateFromFill(realized float64, openPositions int, openNotional float64) {
	e.mu.Lock()
	defer e.mu.Unlock()

	// A fill landing after midnight belongs to the new session day.
	e.rollSessionLocked(e.now())

	e.dailyPnL += realized
	if realized < 0 {
		e.dailyLoss += -realized
	} else if realized > 0 {
		e.dailyProfit += realized
	}
	if e.dailyPnL > e.peakPnL {
		e.peakPnL = e.dailyPnL
	}
	e.openPositions = openPositions
	e.openNotional = openNotional

	if e.cfg.PauseOnDailyLoss && !e.paused {
		if e.cfg.MaxDailyLoss > 0 && e.dailyLoss >= e.cfg.MaxDailyLoss {
			e.pauseLocked("daily loss limit reached", time.Time{}, false)
		} else if e.cfg.MaxDailyProfit > 0 && e.dailyProfit >= e.cfg.MaxDailyProfit {
			e.pauseLocked("daily profit limit reached", time.Time{}, false)
		}
	}

	if e.journal != nil {
		day := e.now().Format("2006-01-02")
		if err := e.journal.RecordFill(day, realized); err != nil {
			e.logger.Warn().Err(err).Msg("risk journal write failed")
		}
		if dd := e.drawdownLocked(); dd > 0 {
			if err := e.journal.RecordDrawdown(day, dd); err != nil {
				e.logger.Warn().Err(err).Msg("risk journal write failed")
			}
		}
	}
}

// Pause blocks all new orders until Resume or, when until is non-zero,
// until that instant passes.
func (e *Engine) Pause(reason string, until time.Time) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.pauseLocked(reason, until, true)
}

// Resume clears the pause flag.
func (e *Engine) Resume() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.resumeLocked("manual resume")
}

func (e *Engine) pauseLocked(reason string, until time.Time, manual bool) {
	if e.paused {
		return
	}
	e.paused = true
	e.pausedUntil = until
	e.pauseReason = reason
	e.pauseManual = manual
	e.logger.Warn().Str("reason", reason).Bool("manual", manual).Msg("risk engine paused")
	if e.ev != nil {
		e.ev.Publish(events.EventRiskPaused, events.PauseEvent{Paused: true, Reason: reason, At: e.now()})
	}
}

func (e *Engine) resumeLocked(cause string) {
	if !e.paused {
		return
	}
	e.paused = false
	e.pausedUntil = time.Time{}
	e.pauseReason = ""
	e.pauseManual = false
	e.logger.Info().Str("cause", cause).Msg("risk engine resumed")
	if e.ev != nil {
		e.ev.Publish(events.EventRiskResumed, events.PauseEvent{Paused: false, Reason: cause, At: e.now()})
	}
}

// SetShadowMode toggles shadow evaluation at runtime.
func (e *Engine) SetShadowMode(on bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.shadow == on {
		return
	}
	e.shadow = on
	e.logger.Warn().Bool("shadowMode", on).Msg("shadow mode toggled")
}

// ShadowMode reports whether decisions are currently advisory.
func (e *Engine) ShadowMode() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.shadow
}

// Paused reports the current pause flag.
func (e *Engine) Paused() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.paused
}

// ResetSession zeroes the daily counters at the session boundary. A manual
// pause survives the reset; an automatic one is lifted.
func (e *Engine) ResetSession() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.resetSessionLocked(e.now())
}

// rollSessionLocked resets when the clock has crossed into a new day
// without the cron firing (late start, suspended host).
func (e *Engine) rollSessionLocked(now time.Time) {
	if sameDay(now, e.sessionStartAt) {
		return
	}
	e.resetSessionLocked(now)
}

func (e *Engine) resetSessionLocked(now time.Time) {
	e.logger.Info().
		Float64("dailyPnL", e.dailyPnL).
		Float64("dailyLoss", e.dailyLoss).
		Float64("dailyProfit", e.dailyProfit).
		Float64("peakPnL", e.peakPnL).
		Msg("session boundary: daily counters reset")

	e.dailyPnL = 0
	e.dailyLoss = 0
	e.dailyProfit = 0
	e.peakPnL = 0
	e.sessionStartAt = now
	e.windowStart = now.Truncate(time.Minute)
	e.ordersInWindow = 0
	e.ordersPerSymbol = make(map[string]int)

	if e.paused && !e.pauseManual {
		e.resumeLocked("session reset")
	}
}

// Snapshot copies the current state for the API and metrics.
func (e *Engine) Snapshot() StateView {
	e.mu.RLock()
	defer e.mu.RUnlock()

	perSymbol := make(map[string]int, len(e.ordersPerSymbol))
	for k, v := range e.ordersPerSymbol {
		perSymbol[k] = v
	}
	counts := make(map[Violation]uint64, len(e.violationCounts))
	for k, v := range e.violationCounts {
		counts[k] = v
	}
	view := StateView{
		DailyPnL:           e.dailyPnL,
		DailyLoss:          e.dailyLoss,
		DailyProfit:        e.dailyProfit,
		PeakPnL:            e.peakPnL,
		DrawdownFromPeak:   e.drawdownLocked(),
		OpenPositionsCount: e.openPositions,
		MarginUsed:         e.openNotional,
		OrdersInLastMinute: e.ordersInWindow,
		OrdersPerSymbol:    perSymbol,
		Paused:             e.paused,
		PauseReason:        e.pauseReason,
		SessionStartAt:     e.sessionStartAt,
		ShadowMode:         e.shadow,
		Evaluations:        e.evaluations,
		Accepts:            e.accepts,
		Rejects:            e.rejects,
		Defers:             e.defers,
		ShadowRejections:   e.shadowRejections,
		ViolationCounts:    counts,
	}
	if !e.pausedUntil.IsZero() {
		until := e.pausedUntil
		view.PausedUntil = &until
	}
	return view
}

// RecentDays reads back the newest persisted journal rows. Without a
// journal it reports nothing.
func (e *Engine) RecentDays(limit int) ([]DayStats, error) {
	if e.journal == nil {
		return nil, nil
	}
	return e.journal.Recent(limit)
}

// JournalDay reads one persisted day by its YYYY-MM-DD key.
func (e *Engine) JournalDay(day string) (DayStats, error) {
	if e.journal == nil {
		return DayStats{Date: day}, nil
	}
	return e.journal.Day(day)
}

// ViolationTotal reports how many times a violation kind has fired.
func (e *Engine) ViolationTotal() uint64 {
	e.mu.RLock()
	defer e.mu.RUnlock()
	var total uint64
	for _, v := range e.violationCounts {
		total += v
	}
	return total
}

func (e *Engine) drawdownLocked() float64 {
	dd := e.peakPnL - e.dailyPnL
	if dd < 0 {
		return 0
	}
	return dd
}

// rollWindowLocked resets the minute counters exactly on the boundary, so
// an order arriving just after it sees a fresh window.
func (e *Engine) rollWindowLocked(now time.Time) {
	w := now.Truncate(time.Minute)
	if w.Equal(e.windowStart) {
		return
	}
	e.windowStart = w
	e.ordersInWindow = 0
	e.ordersPerSymbol = make(map[string]int)
}

func signedQuantity(o *order.Order) int64 {
	if o.Side == order.SideSell {
		return -o.Quantity
	}
	return o.Quantity
}

func sameDay(a, b time.Time) bool {
	ay, am, ad := a.Date()
	by, bm, bd := b.Date()
	return ay == by && am == bm && ad == bd
}

func reducesPosition(o *order.Order, octx OrderContext) bool {
	if octx.PositionSize == 0 {
		return false
	}
	if octx.PositionSize > 0 {
		return o.Side == order.SideSell
	}
	return o.Side == order.SideBuy
}

// referencePrice picks the price used to value the projected position:
// the order's own limit/stop price when it has one, else the mark.
func referencePrice(o *order.Order, octx OrderContext) (float64, bool) {
	switch {
	case o.Price > 0:
		return o.Price, true
	case o.StopPrice > 0:
		return o.StopPrice, true
	case octx.PriceKnown && octx.MarkPrice > 0:
		return octx.MarkPrice, true
	}
	return 0, false
}

func withinWindow(now time.Time, start, end int) bool {
	m := now.Hour()*60 + now.Minute()
	if start <= end {
		return m >= start && m < end
	}
	// overnight window, e.g. 18:00-02:00
	return m >= start || m < end
}

// parseClock converts "HH:MM" to minutes from midnight, -1 on error.
func parseClock(s string) int {
	t, err := time.Parse("15:04", s)
	if err != nil {
		return -1
	}
	return t.Hour()*60 + t.Minute()
}

func abs64(v int64) int64 {
	if v < 0 {
		return -v
	}
	return v
}
