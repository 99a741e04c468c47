package order

import "time"

// Side is the direction of an order.
type Side string

const (
	SideBuy  Side = "BUY"
	SideSell Side = "SELL"
)

// Opposite returns the reverse side (used for bracket children).
func (s Side) Opposite() Side {
	if s == SideBuy {
		return SideSell
	}
	return SideBuy
}

// Kind is the execution type of an order.
type Kind string

const (
	KindMarket    Kind = "MARKET"
	KindLimit     Kind = "LIMIT"
	KindStop      Kind = "STOP"
	KindStopLimit Kind = "STOP_LIMIT"
)

// Priority is the dispatch class. HIGH is reserved for bracket children
// and cancels; LOW is opt-in only.
type Priority string

const (
	PriorityHigh   Priority = "HIGH"
	PriorityNormal Priority = "NORMAL"
	PriorityLow    Priority = "LOW"
)

// Classes lists the priorities in dispatch order, highest first.
var Classes = [3]Priority{PriorityHigh, PriorityNormal, PriorityLow}

// Valid reports whether p is a known priority class.
func (p Priority) Valid() bool {
	return p == PriorityHigh || p == PriorityNormal || p == PriorityLow
}

// State is an order's position in its lifecycle.
type State string

const (
	StateReceived        State = "RECEIVED"
	StateValidated       State = "VALIDATED"
	StateQueued          State = "QUEUED"
	StateDispatched      State = "DISPATCHED"
	StateFilled          State = "FILLED"
	StatePartiallyFilled State = "PARTIALLY_FILLED"
	StateRejected        State = "REJECTED"
	StateCancelled       State = "CANCELLED"
	StateFailed          State = "FAILED"
)

// transitions encodes the legal state machine. QUEUED → FAILED covers the
// shutdown drain; DISPATCHED → CANCELLED is the broker-confirmed cancel.
var transitions = map[State][]State{
	StateReceived:        {StateValidated, StateRejected},
	StateValidated:       {StateQueued, StateRejected},
	StateQueued:          {StateDispatched, StateCancelled, StateFailed},
	StateDispatched:      {StateFilled, StatePartiallyFilled, StateCancelled, StateFailed},
	StatePartiallyFilled: {StateFilled, StateCancelled, StateFailed},
}

// CanTransition reports whether moving from s to next is legal.
func (s State) CanTransition(next State) bool {
	for _, t := range transitions[s] {
		if t == next {
			return true
		}
	}
	return false
}

// Terminal reports whether s ends the lifecycle.
func (s State) Terminal() bool {
	switch s {
	case StateFilled, StateRejected, StateCancelled, StateFailed:
		return true
	}
	return false
}

// Order is a normalized trade instruction. Created on ingress, mutated only
// by the aggregator core, removed from the active map on a terminal state.
type Order struct {
	ID              string    `json:"id"`
	Source          string    `json:"source"`
	AccountID       string    `json:"accountId"`
	Instrument      string    `json:"instrument"`
	Side            Side      `json:"side"`
	Kind            Kind      `json:"kind"`
	Quantity        int64     `json:"quantity"`
	Price           float64   `json:"price,omitempty"`
	StopPrice       float64   `json:"stopPrice,omitempty"`
	Priority        Priority  `json:"priority"`
	State           State     `json:"state"`
	FilledQuantity  int64     `json:"filledQuantity"`
	AvgFillPrice    float64   `json:"avgFillPrice,omitempty"`
	RejectionReason Reason    `json:"rejectionReason,omitempty"`
	Violations      []string  `json:"violations,omitempty"`
	LinkedBracketOf string    `json:"linkedBracketOf,omitempty"`
	ReceivedAt      time.Time `json:"receivedAt"`
	ValidatedAt     time.Time `json:"validatedAt,omitzero"`
	DispatchedAt    time.Time `json:"dispatchedAt,omitzero"`
	TerminalAt      time.Time `json:"terminalAt,omitzero"`
}

// IsBracketChild reports whether the order was spawned from a fill.
func (o *Order) IsBracketChild() bool {
	return o.LinkedBracketOf != ""
}

// RemainingQuantity returns the unfilled quantity.
func (o *Order) RemainingQuantity() int64 {
	return o.Quantity - o.FilledQuantity
}

// IsFullyFilled reports whether the cumulative fills cover the order.
func (o *Order) IsFullyFilled() bool {
	return o.FilledQuantity >= o.Quantity
}

// Fill is an execution report from the broker. CumulativeQuantity is
// authoritative; FillQuantity is the increment the broker attributes to
// this report.
type Fill struct {
	OrderID            string    `json:"orderId"`
	Instrument         string    `json:"instrument"`
	Side               Side      `json:"side"`
	FillPrice          float64   `json:"fillPrice"`
	FillQuantity       int64     `json:"fillQuantity"`
	CumulativeQuantity int64     `json:"cumulativeQuantity"`
	FillTime           time.Time `json:"fillTime"`
	Source             string    `json:"source,omitempty"`
}

// Position is net exposure per (account, instrument). Size is signed:
// positive long, negative short.
type Position struct {
	AccountID     string    `json:"accountId"`
	Instrument    string    `json:"instrument"`
	Size          int64     `json:"size"`
	AveragePrice  float64   `json:"averagePrice"`
	RealizedPnL   float64   `json:"realizedPnL"`
	UnrealizedPnL float64   `json:"unrealizedPnL"`
	OpenedAt      time.Time `json:"openedAt"`
	LastUpdatedAt time.Time `json:"lastUpdatedAt"`
}

// Flat reports whether the position has no exposure.
func (p *Position) Flat() bool {
	return p.Size == 0
}

// ApplyFill folds an execution into the position and returns the realized
// PnL delta in account currency. Opening fills move the size-weighted
// average; reducing fills realize PnL against it; a fill crossing zero
// flips the position and restarts the average at the fill price.
func (p *Position) ApplyFill(side Side, quantity int64, price, dollarPerPoint float64, at time.Time) float64 {
	signed := quantity
	if side == SideSell {
		signed = -quantity
	}
	p.LastUpdatedAt = at

	if p.Size == 0 {
		p.Size = signed
		p.AveragePrice = price
		p.OpenedAt = at
		return 0
	}

	sameDirection := (p.Size > 0) == (signed > 0)
	if sameDirection {
		oldAbs := abs64(p.Size)
		newAbs := oldAbs + quantity
		p.AveragePrice = (p.AveragePrice*float64(oldAbs) + price*float64(quantity)) / float64(newAbs)
		p.Size += signed
		return 0
	}

	closing := quantity
	if a := abs64(p.Size); closing > a {
		closing = a
	}
	direction := 1.0
	if p.Size < 0 {
		direction = -1.0
	}
	realized := (price - p.AveragePrice) * float64(closing) * dollarPerPoint * direction
	p.RealizedPnL += realized
	p.Size += signed

	switch {
	case p.Size == 0:
		p.AveragePrice = 0
	case (p.Size > 0) != (direction > 0):
		// Crossed zero: the remainder opens a fresh position at the fill price.
		p.AveragePrice = price
		p.OpenedAt = at
	}
	return realized
}

// MarkPrice refreshes the unrealized PnL against the latest trade price.
func (p *Position) MarkPrice(last, dollarPerPoint float64) {
	if p.Size == 0 {
		p.UnrealizedPnL = 0
		return
	}
	p.UnrealizedPnL = (last - p.AveragePrice) * float64(p.Size) * dollarPerPoint
}

func abs64(v int64) int64 {
	if v < 0 {
		return -v
	}
	return v
}
