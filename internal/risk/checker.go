package risk

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"

	"execgate/internal/model"
	"execgate/internal/reserve"
)

// Config is the read-only risk policy snapshot a check runs against.
// Zero-valued limits are disabled.
type Config struct {
	Blacklist       []string        `json:"blacklist"`
	MaxPositionSize int64           `json:"maxPositionSize"`
	MaxPositionPct  decimal.Decimal `json:"maxPositionPct"`

	MaxTotalNotional decimal.Decimal `json:"maxTotalNotional"`
	MaxLongNotional  decimal.Decimal `json:"maxLongNotional"`
	MaxShortNotional decimal.Decimal `json:"maxShortNotional"`
}

func (c Config) blacklisted(symbol string) bool {
	for _, s := range c.Blacklist {
		if s == symbol {
			return true
		}
	}
	return false
}

// Order is one order submission under validation.
type Order struct {
	Symbol          string
	Side            model.Side
	Qty             int64
	CurrentPosition int64

	// CurrentPrice and PortfolioValue enable the percentage-of-portfolio
	// check when both are positive.
	CurrentPrice   decimal.Decimal
	PortfolioValue decimal.Decimal

	// SkipPositionSize drops the static position-size gate; used when the
	// reservation ledger performs that check atomically instead.
	SkipPositionSize bool
}

// Position is one holding in a portfolio exposure check.
type Position struct {
	Symbol string
	Qty    int64
	Price  decimal.Decimal
}

// Decision is a validation outcome. Failed checks are values, not errors:
// errors mean the check itself could not run and callers must fail closed.
type Decision struct {
	Valid  bool
	Reason string
}

func pass() Decision { return Decision{Valid: true} }

func fail(format string, args ...any) Decision {
	return Decision{Reason: fmt.Sprintf(format, args...)}
}

type killSwitch interface {
	IsEngaged(ctx context.Context) (bool, error)
}

type circuitBreaker interface {
	IsTripped(ctx context.Context) (bool, error)
	GetTripReason(ctx context.Context) (string, error)
}

type ledger interface {
	Reserve(ctx context.Context, symbol string, side model.Side, qty, maxLimit, fallbackPosition int64) (reserve.Result, error)
}

// Checker sequences the pre-trade gates in fixed priority order: kill switch,
// circuit breaker, blacklist, position size, portfolio percentage. It holds
// no state of its own; all shared state lives behind the injected components.
type Checker struct {
	cfg     Config
	kill    killSwitch
	breaker circuitBreaker
	ledger  ledger
}

// NewChecker builds a checker. kill may be nil when no kill switch is
// deployed; breaker and ledger are required.
func NewChecker(cfg Config, kill killSwitch, breaker circuitBreaker, ledger ledger) *Checker {
	return &Checker{cfg: cfg, kill: kill, breaker: breaker, ledger: ledger}
}

// ValidateOrder runs every gate, short-circuiting on the first failure.
func (c *Checker) ValidateOrder(ctx context.Context, order Order) (Decision, error) {
	if !order.Side.Valid() {
		return Decision{}, fmt.Errorf("risk: invalid side %q", order.Side)
	}
	if order.Qty <= 0 {
		return Decision{}, fmt.Errorf("risk: qty must be positive, got %d", order.Qty)
	}

	// Kill switch overrides everything else.
	if c.kill != nil {
		engaged, err := c.kill.IsEngaged(ctx)
		if err != nil {
			return Decision{}, err
		}
		if engaged {
			return fail("kill switch engaged: all trading halted"), nil
		}
	}

	tripped, err := c.breaker.IsTripped(ctx)
	if err != nil {
		return Decision{}, err
	}
	if tripped {
		reason, err := c.breaker.GetTripReason(ctx)
		if err != nil {
			return Decision{}, err
		}
		return fail("circuit breaker tripped: %s", reason), nil
	}

	if c.cfg.blacklisted(order.Symbol) {
		return fail("symbol %s is blacklisted", order.Symbol), nil
	}

	newPosition := order.CurrentPosition + order.Side.SignedQty(order.Qty)
	if c.cfg.MaxPositionSize > 0 && !order.SkipPositionSize {
		if abs64(newPosition) > c.cfg.MaxPositionSize {
			return fail("position limit exceeded: |%d| > %d", newPosition, c.cfg.MaxPositionSize), nil
		}
	}

	if c.cfg.MaxPositionPct.IsPositive() &&
		order.CurrentPrice.IsPositive() && order.PortfolioValue.IsPositive() {
		notional := decimal.NewFromInt(abs64(newPosition)).Mul(order.CurrentPrice)
		allowed := order.PortfolioValue.Mul(c.cfg.MaxPositionPct)
		if notional.GreaterThan(allowed) {
			return fail("position notional $%s exceeds %s%% of portfolio ($%s)",
				notional.StringFixed(2),
				c.cfg.MaxPositionPct.Mul(decimal.NewFromInt(100)).String(),
				allowed.StringFixed(2)), nil
		}
	}

	return pass(), nil
}

// ValidateOrderWithReservation runs the same pipeline but delegates the
// position-size gate to the reservation ledger, which performs it atomically
// against concurrent submissions. On success the caller owns the returned
// reservation and must later Confirm or Release it.
func (c *Checker) ValidateOrderWithReservation(ctx context.Context, order Order) (Decision, *reserve.Result, error) {
	order.SkipPositionSize = true
	decision, err := c.ValidateOrder(ctx, order)
	if err != nil || !decision.Valid {
		return decision, nil, err
	}

	// No configured size limit means nothing to reserve against.
	if c.cfg.MaxPositionSize <= 0 {
		return decision, nil, nil
	}

	res, err := c.ledger.Reserve(ctx, order.Symbol, order.Side, order.Qty,
		c.cfg.MaxPositionSize, order.CurrentPosition)
	if err != nil {
		return Decision{}, nil, err
	}
	if !res.Success {
		return fail("position reservation failed: %s (|%d| > %d)",
			res.Reason, res.NewPosition, c.cfg.MaxPositionSize), nil, nil
	}
	return pass(), &res, nil
}

// CheckPortfolioExposure sums notional exposure by total, long, and short and
// compares each against its configured limit, in that order.
func (c *Checker) CheckPortfolioExposure(positions []Position) Decision {
	long := decimal.Zero
	short := decimal.Zero
	for _, p := range positions {
		notional := decimal.NewFromInt(abs64(p.Qty)).Mul(p.Price)
		if p.Qty >= 0 {
			long = long.Add(notional)
		} else {
			short = short.Add(notional)
		}
	}
	total := long.Add(short)

	if c.cfg.MaxTotalNotional.IsPositive() && total.GreaterThan(c.cfg.MaxTotalNotional) {
		return fail("total exposure limit exceeded: $%s > $%s",
			total.StringFixed(2), c.cfg.MaxTotalNotional.StringFixed(2))
	}
	if c.cfg.MaxLongNotional.IsPositive() && long.GreaterThan(c.cfg.MaxLongNotional) {
		return fail("long exposure limit exceeded: $%s > $%s",
			long.StringFixed(2), c.cfg.MaxLongNotional.StringFixed(2))
	}
	if c.cfg.MaxShortNotional.IsPositive() && short.GreaterThan(c.cfg.MaxShortNotional) {
		return fail("short exposure limit exceeded: $%s > $%s",
			short.StringFixed(2), c.cfg.MaxShortNotional.StringFixed(2))
	}
	return pass()
}

func abs64(n int64) int64 {
	if n < 0 {
		return -n
	}
	return n
}
