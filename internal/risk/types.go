package risk

import (
	"time"

	"trading-aggregator/internal/order"
)

// Violation names one failed rule. The names are stable: they appear in
// producer-facing rejections, metrics labels, and the daily journal.
type Violation string

const (
	ViolationPaused          Violation = "PAUSED"
	ViolationOrderSize       Violation = "ORDER_SIZE"
	ViolationPositionSize    Violation = "POSITION_SIZE"
	ViolationPositionValue   Violation = "POSITION_VALUE"
	ViolationOpenPositions   Violation = "OPEN_POSITIONS"
	ViolationDailyLoss       Violation = "DAILY_LOSS"
	ViolationDailyProfit     Violation = "DAILY_PROFIT"
	ViolationDrawdown        Violation = "ACCOUNT_DRAWDOWN"
	ViolationRateLimit       Violation = "RATE_LIMIT"
	ViolationSymbolRateLimit Violation = "SYMBOL_RATE_LIMIT"
	ViolationTradingHours    Violation = "TRADING_HOURS"
	ViolationWhitelist       Violation = "INSTRUMENT_NOT_WHITELISTED"
)

// Verdict is the outcome class of one evaluation.
type Verdict string

const (
	VerdictAccept Verdict = "ACCEPT"
	VerdictReject Verdict = "REJECT"
	// VerdictDefer means a required datum (usually a price) was missing and
	// no rule rejected outright. The order is not retained; the producer may
	// resubmit.
	VerdictDefer Verdict = "DEFER"
)

// Decision is the result of evaluating one order. In shadow mode the
// verdict is always ACCEPT; Shadow carries the would-be verdict so it can
// be logged and counted without blocking flow.
type Decision struct {
	Verdict    Verdict      `json:"verdict"`
	Reason     order.Reason `json:"reason,omitempty"`
	Violations []Violation  `json:"violations,omitempty"`
	Shadow     bool         `json:"shadow,omitempty"`
	ShadowWas  Verdict      `json:"shadowWas,omitempty"`
}

// Accepted reports whether the order may proceed to the queue.
func (d Decision) Accepted() bool { return d.Verdict == VerdictAccept }

// ViolationStrings converts the violation list for order records and wire
// payloads.
func (d Decision) ViolationStrings() []string {
	if len(d.Violations) == 0 {
		return nil
	}
	out := make([]string, len(d.Violations))
	for i, v := range d.Violations {
		out[i] = string(v)
	}
	return out
}

// OrderContext carries the per-order market facts the rules need. The
// caller assembles it so evaluation stays a pure function of
// (order, context, state).
type OrderContext struct {
	// PositionSize is the signed current position in the order's
	// instrument. Zero when flat.
	PositionSize int64
	// MarkPrice is the reference price used to value the projected
	// position. PriceKnown is false when no usable price exists.
	MarkPrice  float64
	PriceKnown bool
	// DollarPerPoint converts price distance to currency for the
	// position-value rule.
	DollarPerPoint float64
}

// StateView is a point-in-time copy of the risk state for APIs and
// metrics.
type StateView struct {
	DailyPnL           float64              `json:"dailyPnL"`
	DailyLoss          float64              `json:"dailyLoss"`
	DailyProfit        float64              `json:"dailyProfit"`
	PeakPnL            float64              `json:"peakPnL"`
	DrawdownFromPeak   float64              `json:"drawdownFromPeak"`
	OpenPositionsCount int                  `json:"openPositionsCount"`
	MarginUsed         float64              `json:"marginUsed"`
	OrdersInLastMinute int                  `json:"ordersInLastMinute"`
	OrdersPerSymbol    map[string]int       `json:"ordersPerSymbol"`
	Paused             bool                 `json:"paused"`
	PausedUntil        *time.Time           `json:"pausedUntil,omitempty"`
	PauseReason        string               `json:"pauseReason,omitempty"`
	SessionStartAt     time.Time            `json:"sessionStartAt"`
	ShadowMode         bool                 `json:"shadowMode"`
	Evaluations        uint64               `json:"evaluations"`
	Accepts            uint64               `json:"accepts"`
	Rejects            uint64               `json:"rejects"`
	Defers             uint64               `json:"defers"`
	ShadowRejections   uint64               `json:"shadowRejections"`
	ViolationCounts    map[Violation]uint64 `json:"violationCounts"`
}
