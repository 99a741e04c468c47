package sltp

import (
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"trading-aggregator/internal/catalog"
	"trading-aggregator/internal/order"
	"trading-aggregator/pkg/config"
)

// Bracket derivation modes.
const (
	ModeFixedTicks = "FIXED_TICKS"
	ModePercent    = "PERCENT"
	ModeRiskReward = "RISK_REWARD"
)

// Result is the outcome of one bracket computation.
type Result struct {
	StopLoss   float64       `json:"stopLoss,omitempty"`
	TakeProfit float64       `json:"takeProfit,omitempty"`
	Calculated bool          `json:"calculated"`
	Reason     order.Reason  `json:"reason,omitempty"`
	Elapsed    time.Duration `json:"-"`
}

// Calculator derives stop-loss and take-profit prices from fills. All price
// arithmetic is decimal so tick boundaries never drift; floats exist only
// at the edges.
type Calculator struct {
	cfg    config.SLTPConfig
	logger zerolog.Logger
}

func NewCalculator(cfg config.SLTPConfig) *Calculator {
	c := &Calculator{
		cfg:    cfg,
		logger: log.With().Str("component", "sltp").Logger(),
	}
	if cfg.CalculateSLTP {
		c.logger.Info().
			Str("stopMode", cfg.StopMode).
			Str("takeProfitMode", cfg.TakeProfitMode).
			Int("stopTicks", cfg.StopOffsetTicks).
			Int("takeProfitTicks", cfg.TakeProfitOffsetTicks).
			Msg("bracket calculation enabled")
	}
	return c
}

// Enabled reports the master switch.
func (c *Calculator) Enabled() bool { return c.cfg.CalculateSLTP }

// Compute derives the bracket prices for a fill. The stop snaps away from
// entry and the take-profit toward its target, so the realized offsets are
// never smaller than configured. Geometry that does not satisfy
// SL < fill < TP (reversed for sells) is refused.
func (c *Calculator) Compute(f order.Fill, spec catalog.Spec) Result {
	start := time.Now()
	invalid := func() Result {
		return Result{Calculated: false, Reason: order.ReasonInvalidGeometry, Elapsed: time.Since(start)}
	}

	if c.cfg.StopMode == ModeRiskReward && c.cfg.TakeProfitMode == ModeRiskReward {
		// Neither side has an anchor; nothing can be derived.
		return invalid()
	}
	if f.FillPrice <= 0 || spec.TickSize <= 0 {
		return invalid()
	}

	fill := decimal.NewFromFloat(f.FillPrice)
	tick := decimal.NewFromFloat(spec.TickSize)

	slDist, slAnchored := c.offset(c.cfg.StopMode, c.cfg.StopOffsetTicks, c.cfg.StopOffsetPercent, fill, tick)
	tpDist, tpAnchored := c.offset(c.cfg.TakeProfitMode, c.cfg.TakeProfitOffsetTicks, c.cfg.TakeProfitOffsetPercent, fill, tick)

	rr := decimal.NewFromFloat(c.cfg.RiskRewardRatio)
	if !slAnchored {
		if rr.Sign() <= 0 {
			return invalid()
		}
		slDist = tpDist.Div(rr)
	}
	if !tpAnchored {
		tpDist = slDist.Mul(rr)
	}
	if slDist.Sign() <= 0 || tpDist.Sign() <= 0 {
		return invalid()
	}

	var sl, tp decimal.Decimal
	if f.Side == order.SideBuy {
		sl = snapDown(fill.Sub(slDist), tick)
		tp = snapUp(fill.Add(tpDist), tick)
		if !(sl.Cmp(fill) < 0 && fill.Cmp(tp) < 0) {
			return invalid()
		}
	} else {
		sl = snapUp(fill.Add(slDist), tick)
		tp = snapDown(fill.Sub(tpDist), tick)
		if !(tp.Cmp(fill) < 0 && fill.Cmp(sl) < 0) {
			return invalid()
		}
	}
	if sl.Sign() <= 0 || tp.Sign() <= 0 {
		return invalid()
	}

	return Result{
		StopLoss:   sl.InexactFloat64(),
		TakeProfit: tp.InexactFloat64(),
		Calculated: true,
		Elapsed:    time.Since(start),
	}
}

// offset returns the configured price distance for one side. RISK_REWARD
// sides are unanchored: the caller derives them from the opposite side.
func (c *Calculator) offset(mode string, ticks int, percent float64, fill, tick decimal.Decimal) (decimal.Decimal, bool) {
	switch mode {
	case ModeFixedTicks:
		return tick.Mul(decimal.NewFromInt(int64(ticks))), true
	case ModePercent:
		return fill.Mul(decimal.NewFromFloat(percent)).Div(decimal.NewFromInt(100)), true
	default:
		return decimal.Zero, false
	}
}

// BracketChildren builds the protective pair for a calculated result: a
// STOP for the loss side and a LIMIT for the profit side. Children take
// the opposite side of the fill, HIGH priority, and carry the parent id.
func (c *Calculator) BracketChildren(parent *order.Order, f order.Fill, quantity int64, res Result) (*order.Order, *order.Order) {
	now := time.Now()
	side := f.Side.Opposite()

	sl := &order.Order{
		ID:              uuid.New().String(),
		Source:          parent.Source,
		AccountID:       parent.AccountID,
		Instrument:      parent.Instrument,
		Side:            side,
		Kind:            order.KindStop,
		Quantity:        quantity,
		StopPrice:       res.StopLoss,
		Priority:        order.PriorityHigh,
		State:           order.StateReceived,
		LinkedBracketOf: parent.ID,
		ReceivedAt:      now,
	}
	tp := &order.Order{
		ID:              uuid.New().String(),
		Source:          parent.Source,
		AccountID:       parent.AccountID,
		Instrument:      parent.Instrument,
		Side:            side,
		Kind:            order.KindLimit,
		Quantity:        quantity,
		Price:           res.TakeProfit,
		Priority:        order.PriorityHigh,
		State:           order.StateReceived,
		LinkedBracketOf: parent.ID,
		ReceivedAt:      now,
	}
	return sl, tp
}

func snapDown(p, tick decimal.Decimal) decimal.Decimal {
	return p.Div(tick).Floor().Mul(tick)
}

func snapUp(p, tick decimal.Decimal) decimal.Decimal {
	return p.Div(tick).Ceil().Mul(tick)
}
