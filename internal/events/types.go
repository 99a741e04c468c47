package events

import (
	"time"

	"trading-aggregator/internal/order"
)

// Event enumerates the internal observer topics of the aggregator.
type Event string

const (
	EventOrderSubmitted       Event = "order.submitted"
	EventOrderRejected        Event = "order.rejected"
	EventOrderDispatched      Event = "order.dispatched"
	EventOrderFilled          Event = "order.filled"
	EventOrderPartiallyFilled Event = "order.partially_filled"
	EventOrderCancelled       Event = "order.cancelled"
	EventOrderFailed          Event = "order.failed"
	EventFillProcessed        Event = "fill.processed"
	EventRiskViolation        Event = "risk.violation"
	EventRiskPaused           Event = "risk.paused"
	EventRiskResumed          Event = "risk.resumed"
	EventBracketCalculated    Event = "sltp.calculated"
	EventBracketSkipped       Event = "sltp.skipped"
	EventMarketTick           Event = "market.tick"
	EventBusState             Event = "bus.state"
)

// OrderEvent accompanies every lifecycle transition.
type OrderEvent struct {
	Order      order.Order  `json:"order"`
	Reason     order.Reason `json:"reason,omitempty"`
	Violations []string     `json:"violations,omitempty"`
	At         time.Time    `json:"at"`
}

// FillEvent is emitted after a fill has been folded into its position.
type FillEvent struct {
	Fill        order.Fill     `json:"fill"`
	Position    order.Position `json:"position"`
	RealizedPnL float64        `json:"realizedPnL"`
	Late        bool           `json:"late,omitempty"`
	At          time.Time      `json:"at"`
}

// RiskEvent reports a rejected (or shadow-rejected) evaluation.
type RiskEvent struct {
	OrderID    string    `json:"orderId"`
	Instrument string    `json:"instrument"`
	Source     string    `json:"source"`
	Violations []string  `json:"violations"`
	Shadow     bool      `json:"shadow"`
	At         time.Time `json:"at"`
}

// PauseEvent reports a risk pause or resume transition.
type PauseEvent struct {
	Paused bool      `json:"paused"`
	Reason string    `json:"reason"`
	At     time.Time `json:"at"`
}

// BracketEvent reports the outcome of an SL/TP computation.
type BracketEvent struct {
	ParentID   string        `json:"parentId"`
	Instrument string        `json:"instrument"`
	StopLoss   float64       `json:"stopLoss,omitempty"`
	TakeProfit float64       `json:"takeProfit,omitempty"`
	Calculated bool          `json:"calculated"`
	Reason     order.Reason  `json:"reason,omitempty"`
	Elapsed    time.Duration `json:"elapsed"`
	At         time.Time     `json:"at"`
}

// TickEvent carries a market data update.
type TickEvent struct {
	Instrument string    `json:"instrument"`
	Price      float64   `json:"price"`
	At         time.Time `json:"at"`
}

// BusStateEvent reports transport connectivity changes.
type BusStateEvent struct {
	Connected bool      `json:"connected"`
	Buffered  int       `json:"buffered"`
	At        time.Time `json:"at"`
}
