package downstream

import (
	"errors"
	"fmt"

	"trading-aggregator/internal/bus"
	"trading-aggregator/internal/order"

	"github.com/sony/gobreaker"
)

// OrderTicket is the payload sent to the Connection Manager to place an
// order. It carries everything the broker session needs and nothing of the
// aggregator's internal lifecycle.
type OrderTicket struct {
	OrderID         string         `json:"orderId"`
	AccountID       string         `json:"accountId"`
	Instrument      string         `json:"instrument"`
	Side            order.Side     `json:"side"`
	Kind            order.Kind     `json:"kind"`
	Quantity        int64          `json:"quantity"`
	Price           float64        `json:"price,omitempty"`
	StopPrice       float64        `json:"stopPrice,omitempty"`
	LinkedBracketOf string         `json:"linkedBracketOf,omitempty"`
	Priority        order.Priority `json:"priority,omitempty"`
}

// TicketFromOrder projects an order onto the downstream wire shape.
func TicketFromOrder(o order.Order) OrderTicket {
	return OrderTicket{
		OrderID:         o.ID,
		AccountID:       o.AccountID,
		Instrument:      o.Instrument,
		Side:            o.Side,
		Kind:            o.Kind,
		Quantity:        o.Quantity,
		Price:           o.Price,
		StopPrice:       o.StopPrice,
		LinkedBracketOf: o.LinkedBracketOf,
		Priority:        o.Priority,
	}
}

// SubmitResult is the Connection Manager's acknowledgment of a placement.
type SubmitResult struct {
	OrderID       string `json:"orderId"`
	BrokerOrderID string `json:"brokerOrderId,omitempty"`
}

// Account is a brokerage account visible to the session.
type Account struct {
	ID       string  `json:"id"`
	Name     string  `json:"name"`
	Balance  float64 `json:"balance"`
	Currency string  `json:"currency"`
}

// Contract is an instrument the session can currently trade.
type Contract struct {
	Symbol         string  `json:"symbol"`
	Description    string  `json:"description,omitempty"`
	TickSize       float64 `json:"tickSize"`
	TickValue      float64 `json:"tickValue"`
	DollarPerPoint float64 `json:"dollarPerPoint"`
	Expiry         string  `json:"expiry,omitempty"`
}

// Statistics is the Connection Manager's session summary.
type Statistics struct {
	OrdersSubmitted int64   `json:"ordersSubmitted"`
	OrdersFilled    int64   `json:"ordersFilled"`
	OrdersRejected  int64   `json:"ordersRejected"`
	AvgLatencyMs    float64 `json:"avgLatencyMs"`
	SessionStart    string  `json:"sessionStart,omitempty"`
}

// Error is a classified downstream failure. Reason is one of the stable
// DOWNSTREAM_* / BUS_* codes.
type Error struct {
	Reason  order.Reason
	Message string
}

func (e *Error) Error() string {
	if e.Message == "" {
		return string(e.Reason)
	}
	return fmt.Sprintf("%s: %s", e.Reason, e.Message)
}

// ReasonOf maps any error from this package to its stable reason code.
func ReasonOf(err error) order.Reason {
	var de *Error
	if errors.As(err, &de) {
		return de.Reason
	}
	switch {
	case errors.Is(err, bus.ErrRequestTimeout):
		return order.ReasonDownstreamTimeout
	case errors.Is(err, bus.ErrBufferOverflow):
		return order.ReasonBusBufferOverflow
	case errors.Is(err, gobreaker.ErrOpenState), errors.Is(err, gobreaker.ErrTooManyRequests):
		return order.ReasonDownstreamUnavailable
	}
	return order.ReasonUnknown
}

// Transient reports whether a failed dispatch is worth retrying. Broker
// rejections are final; timeouts and availability problems are not.
func Transient(err error) bool {
	switch ReasonOf(err) {
	case order.ReasonDownstreamTimeout,
		order.ReasonDownstreamUnavailable,
		order.ReasonBusDisconnected,
		order.ReasonBusBufferOverflow:
		return true
	}
	return false
}
