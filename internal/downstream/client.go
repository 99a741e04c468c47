package downstream

import (
	"context"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/sony/gobreaker"

	"trading-aggregator/internal/bus"
	"trading-aggregator/internal/order"
	"trading-aggregator/pkg/config"
)

// Requester is the slice of the bus adapter the client depends on.
type Requester interface {
	Request(ctx context.Context, target string, env bus.Envelope, timeout time.Duration, maxAttempts int) (bus.Envelope, error)
}

// Client is the uniform call interface to the Connection Manager. Every
// method is a correlated bus request with a method-appropriate timeout. A
// circuit breaker sits in front of the transport: while open, calls fail
// fast as DOWNSTREAM_UNAVAILABLE instead of piling onto a dead session.
type Client struct {
	bus     Requester
	cfg     config.DownstreamConfig
	breaker *gobreaker.CircuitBreaker
	logger  zerolog.Logger
}

// NewClient builds the Connection Manager client on top of the bus.
func NewClient(b Requester, cfg config.DownstreamConfig) *Client {
	logger := log.With().Str("component", "downstream").Logger()
	settings := gobreaker.Settings{
		Name:    "connection-manager",
		Timeout: cfg.BreakerCooldown,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.BreakerThreshold
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn().
				Str("from", from.String()).
				Str("to", to.String()).
				Msg("circuit breaker state change")
		},
	}
	return &Client{
		bus:     b,
		cfg:     cfg,
		breaker: gobreaker.NewCircuitBreaker(settings),
		logger:  logger,
	}
}

// Available reports whether the breaker currently admits calls.
func (c *Client) Available() bool {
	return c.breaker.State() != gobreaker.StateOpen
}

type submitResponse struct {
	Success       bool   `json:"success"`
	OrderID       string `json:"orderId"`
	BrokerOrderID string `json:"brokerOrderId,omitempty"`
	Reason        string `json:"reason,omitempty"`
}

// SubmitOrder places an order with the broker session.
func (c *Client) SubmitOrder(ctx context.Context, o order.Order) (SubmitResult, error) {
	resp, err := c.roundTrip(ctx, bus.TypePlaceOrder, TicketFromOrder(o), c.cfg.SubmitTimeout)
	if err != nil {
		return SubmitResult{}, err
	}
	var body submitResponse
	if err := resp.Decode(&body); err != nil {
		return SubmitResult{}, &Error{Reason: order.ReasonUnknown, Message: err.Error()}
	}
	if !body.Success {
		return SubmitResult{}, &Error{Reason: order.ReasonDownstreamRejected, Message: body.Reason}
	}
	return SubmitResult{OrderID: o.ID, BrokerOrderID: body.BrokerOrderID}, nil
}

type cancelRequest struct {
	OrderID    string `json:"orderId"`
	AccountID  string `json:"accountId"`
	Instrument string `json:"instrument"`
}

type cancelResponse struct {
	Success bool   `json:"success"`
	Reason  string `json:"reason,omitempty"`
}

// CancelOrder asks the broker session to cancel a dispatched order.
func (c *Client) CancelOrder(ctx context.Context, o order.Order) error {
	req := cancelRequest{OrderID: o.ID, AccountID: o.AccountID, Instrument: o.Instrument}
	resp, err := c.roundTrip(ctx, bus.TypeCancelOrder, req, c.cfg.CancelTimeout)
	if err != nil {
		return err
	}
	var body cancelResponse
	if err := resp.Decode(&body); err != nil {
		return &Error{Reason: order.ReasonUnknown, Message: err.Error()}
	}
	if !body.Success {
		return &Error{Reason: order.ReasonDownstreamRejected, Message: body.Reason}
	}
	return nil
}

type accountsResponse struct {
	Success  bool      `json:"success"`
	Accounts []Account `json:"accounts"`
	Reason   string    `json:"reason,omitempty"`
}

// GetAccounts lists the accounts visible to the broker session.
func (c *Client) GetAccounts(ctx context.Context) ([]Account, error) {
	resp, err := c.roundTrip(ctx, bus.TypeGetAccounts, nil, c.cfg.QueryTimeout)
	if err != nil {
		return nil, err
	}
	var body accountsResponse
	if err := resp.Decode(&body); err != nil {
		return nil, &Error{Reason: order.ReasonUnknown, Message: err.Error()}
	}
	if !body.Success {
		return nil, &Error{Reason: order.ReasonDownstreamRejected, Message: body.Reason}
	}
	return body.Accounts, nil
}

type contractsResponse struct {
	Success   bool       `json:"success"`
	Contracts []Contract `json:"contracts"`
	Reason    string     `json:"reason,omitempty"`
}

// GetActiveContracts lists the instruments currently tradable.
func (c *Client) GetActiveContracts(ctx context.Context) ([]Contract, error) {
	resp, err := c.roundTrip(ctx, bus.TypeGetActiveContracts, nil, c.cfg.QueryTimeout)
	if err != nil {
		return nil, err
	}
	var body contractsResponse
	if err := resp.Decode(&body); err != nil {
		return nil, &Error{Reason: order.ReasonUnknown, Message: err.Error()}
	}
	if !body.Success {
		return nil, &Error{Reason: order.ReasonDownstreamRejected, Message: body.Reason}
	}
	return body.Contracts, nil
}

type statisticsResponse struct {
	Success    bool       `json:"success"`
	Statistics Statistics `json:"statistics"`
	Reason     string     `json:"reason,omitempty"`
}

// GetStatistics fetches the session summary.
func (c *Client) GetStatistics(ctx context.Context) (Statistics, error) {
	resp, err := c.roundTrip(ctx, bus.TypeGetStatistics, nil, c.cfg.QueryTimeout)
	if err != nil {
		return Statistics{}, err
	}
	var body statisticsResponse
	if err := resp.Decode(&body); err != nil {
		return Statistics{}, &Error{Reason: order.ReasonUnknown, Message: err.Error()}
	}
	if !body.Success {
		return Statistics{}, &Error{Reason: order.ReasonDownstreamRejected, Message: body.Reason}
	}
	return body.Statistics, nil
}

// roundTrip runs one correlated request through the breaker. Only transport
// failures count against it; a broker rejection is a completed round trip.
func (c *Client) roundTrip(ctx context.Context, msgType string, payload any, timeout time.Duration) (bus.Envelope, error) {
	env, err := bus.NewEnvelope(msgType, payload)
	if err != nil {
		return bus.Envelope{}, err
	}
	result, err := c.breaker.Execute(func() (any, error) {
		return c.bus.Request(ctx, bus.ChannelCMRequests, env, timeout, c.cfg.MaxAttempts)
	})
	if err != nil {
		reason := ReasonOf(err)
		c.logger.Warn().Str("type", msgType).Str("reason", string(reason)).Err(err).Msg("downstream call failed")
		return bus.Envelope{}, &Error{Reason: reason, Message: err.Error()}
	}
	return result.(bus.Envelope), nil
}
