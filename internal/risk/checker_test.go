package risk

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"execgate/internal/breaker"
	"execgate/internal/killswitch"
	"execgate/internal/kv"
	"execgate/internal/model"
	"execgate/internal/reserve"
)

type fixture struct {
	checker *Checker
	kill    *killswitch.Switch
	breaker *breaker.Breaker
	ledger  *reserve.Ledger
}

func newFixture(t *testing.T, cfg Config) fixture {
	t.Helper()
	m := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: m.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	store := kv.NewRedis(client)

	kill := killswitch.New(store)
	cb := breaker.New(store)
	ledger := reserve.NewLedger(store)
	return fixture{
		checker: NewChecker(cfg, kill, cb, ledger),
		kill:    kill,
		breaker: cb,
		ledger:  ledger,
	}
}

func TestValidOrderPasses(t *testing.T) {
	f := newFixture(t, Config{MaxPositionSize: 1000})
	ctx := context.Background()

	decision, err := f.checker.ValidateOrder(ctx, Order{
		Symbol: "AAPL", Side: model.SideBuy, Qty: 100, CurrentPosition: 0,
	})
	require.NoError(t, err)
	assert.True(t, decision.Valid)
	assert.Empty(t, decision.Reason)
}

func TestKillSwitchHighestPriority(t *testing.T) {
	f := newFixture(t, Config{
		Blacklist:       []string{"AAPL"},
		MaxPositionSize: 10,
	})
	ctx := context.Background()

	require.NoError(t, f.kill.Engage(ctx, "emergency", "ops", nil))
	require.NoError(t, f.breaker.Trip(ctx, "drawdown", nil))

	decision, err := f.checker.ValidateOrder(ctx, Order{
		Symbol: "AAPL", Side: model.SideBuy, Qty: 100,
	})
	require.NoError(t, err)
	require.False(t, decision.Valid)
	assert.Contains(t, decision.Reason, "kill switch")
	assert.NotContains(t, decision.Reason, "circuit breaker")
	assert.NotContains(t, decision.Reason, "blacklist")
}

func TestCircuitBreakerBeforeBlacklist(t *testing.T) {
	f := newFixture(t, Config{Blacklist: []string{"AAPL"}})
	ctx := context.Background()

	require.NoError(t, f.breaker.Trip(ctx, "volatility spike", nil))

	decision, err := f.checker.ValidateOrder(ctx, Order{
		Symbol: "AAPL", Side: model.SideBuy, Qty: 100,
	})
	require.NoError(t, err)
	require.False(t, decision.Valid)
	assert.Contains(t, decision.Reason, "circuit breaker tripped: volatility spike")
	assert.NotContains(t, decision.Reason, "blacklist")
}

func TestBlacklistBlocks(t *testing.T) {
	f := newFixture(t, Config{Blacklist: []string{"GME", "AMC"}})
	ctx := context.Background()

	decision, err := f.checker.ValidateOrder(ctx, Order{
		Symbol: "GME", Side: model.SideBuy, Qty: 1,
	})
	require.NoError(t, err)
	require.False(t, decision.Valid)
	assert.Contains(t, decision.Reason, "blacklisted")

	decision, err = f.checker.ValidateOrder(ctx, Order{
		Symbol: "AAPL", Side: model.SideBuy, Qty: 1,
	})
	require.NoError(t, err)
	assert.True(t, decision.Valid)
}

func TestPositionSizeLimit(t *testing.T) {
	f := newFixture(t, Config{MaxPositionSize: 1000})
	ctx := context.Background()

	decision, err := f.checker.ValidateOrder(ctx, Order{
		Symbol: "AAPL", Side: model.SideBuy, Qty: 300, CurrentPosition: 800,
	})
	require.NoError(t, err)
	require.False(t, decision.Valid)
	assert.Contains(t, decision.Reason, "position limit exceeded")

	// Sells reduce a long position toward the limit.
	decision, err = f.checker.ValidateOrder(ctx, Order{
		Symbol: "AAPL", Side: model.SideSell, Qty: 300, CurrentPosition: 800,
	})
	require.NoError(t, err)
	assert.True(t, decision.Valid)

	// The limit is symmetric for shorts.
	decision, err = f.checker.ValidateOrder(ctx, Order{
		Symbol: "AAPL", Side: model.SideSell, Qty: 1200, CurrentPosition: 0,
	})
	require.NoError(t, err)
	require.False(t, decision.Valid)
	assert.Contains(t, decision.Reason, "position limit exceeded")
}

func TestPortfolioPctLimit(t *testing.T) {
	f := newFixture(t, Config{
		MaxPositionSize: 100000,
		MaxPositionPct:  decimal.RequireFromString("0.1"),
	})
	ctx := context.Background()

	// 200 shares * $300 = $60k notional > 10% of $500k.
	decision, err := f.checker.ValidateOrder(ctx, Order{
		Symbol:         "AAPL",
		Side:           model.SideBuy,
		Qty:            200,
		CurrentPrice:   decimal.NewFromInt(300),
		PortfolioValue: decimal.NewFromInt(500000),
	})
	require.NoError(t, err)
	require.False(t, decision.Valid)
	assert.Contains(t, decision.Reason, "portfolio")

	// Without price/portfolio context the pct check is skipped.
	decision, err = f.checker.ValidateOrder(ctx, Order{
		Symbol: "AAPL", Side: model.SideBuy, Qty: 200,
	})
	require.NoError(t, err)
	assert.True(t, decision.Valid)
}

func TestValidateWithReservation(t *testing.T) {
	f := newFixture(t, Config{MaxPositionSize: 1000})
	ctx := context.Background()

	decision, res, err := f.checker.ValidateOrderWithReservation(ctx, Order{
		Symbol: "AAPL", Side: model.SideBuy, Qty: 600,
	})
	require.NoError(t, err)
	require.True(t, decision.Valid)
	require.NotNil(t, res)
	assert.NotEmpty(t, res.Token)

	// A second order that would jointly breach the limit is rejected by
	// the ledger even though its static check would pass in isolation.
	decision, res2, err := f.checker.ValidateOrderWithReservation(ctx, Order{
		Symbol: "AAPL", Side: model.SideBuy, Qty: 600,
	})
	require.NoError(t, err)
	require.False(t, decision.Valid)
	assert.Nil(t, res2)
	assert.Contains(t, decision.Reason, reserve.ReasonLimitExceeded)

	// Releasing the first reservation frees the headroom again.
	rel, err := f.ledger.Release(ctx, "AAPL", res.Token)
	require.NoError(t, err)
	require.True(t, rel.Success)

	decision, res3, err := f.checker.ValidateOrderWithReservation(ctx, Order{
		Symbol: "AAPL", Side: model.SideBuy, Qty: 600,
	})
	require.NoError(t, err)
	assert.True(t, decision.Valid)
	require.NotNil(t, res3)
}

func TestValidateWithReservationGatesFirst(t *testing.T) {
	f := newFixture(t, Config{MaxPositionSize: 1000})
	ctx := context.Background()

	require.NoError(t, f.kill.Engage(ctx, "halt", "ops", nil))

	decision, res, err := f.checker.ValidateOrderWithReservation(ctx, Order{
		Symbol: "AAPL", Side: model.SideBuy, Qty: 100,
	})
	require.NoError(t, err)
	require.False(t, decision.Valid)
	assert.Nil(t, res)

	// Nothing was reserved while halted.
	position, err := f.ledger.ReservedPosition(ctx, "AAPL")
	require.NoError(t, err)
	assert.Equal(t, int64(0), position)
}

func TestPortfolioExposureLimits(t *testing.T) {
	f := newFixture(t, Config{
		MaxTotalNotional: decimal.NewFromInt(50000),
	})

	decision := f.checker.CheckPortfolioExposure([]Position{
		{Symbol: "AAPL", Qty: 100, Price: decimal.NewFromInt(300)},
		{Symbol: "MSFT", Qty: 100, Price: decimal.NewFromInt(300)},
	})
	require.False(t, decision.Valid)
	assert.Contains(t, decision.Reason, "$60000.00 > $50000.00")
}

func TestPortfolioExposureOrderOfLimits(t *testing.T) {
	f := newFixture(t, Config{
		MaxTotalNotional: decimal.NewFromInt(100000),
		MaxLongNotional:  decimal.NewFromInt(40000),
		MaxShortNotional: decimal.NewFromInt(10000),
	})

	// Long and short both breached; long is reported first after total.
	decision := f.checker.CheckPortfolioExposure([]Position{
		{Symbol: "AAPL", Qty: 150, Price: decimal.NewFromInt(300)},
		{Symbol: "TSLA", Qty: -100, Price: decimal.NewFromInt(200)},
	})
	require.False(t, decision.Valid)
	assert.Contains(t, decision.Reason, "long exposure")

	decision = f.checker.CheckPortfolioExposure([]Position{
		{Symbol: "TSLA", Qty: -100, Price: decimal.NewFromInt(200)},
	})
	require.False(t, decision.Valid)
	assert.Contains(t, decision.Reason, "short exposure")

	decision = f.checker.CheckPortfolioExposure([]Position{
		{Symbol: "AAPL", Qty: 10, Price: decimal.NewFromInt(300)},
	})
	assert.True(t, decision.Valid)
}

func TestNilKillSwitchSkipsGate(t *testing.T) {
	m := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: m.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	store := kv.NewRedis(client)

	checker := NewChecker(Config{}, nil, breaker.New(store), reserve.NewLedger(store))

	decision, err := checker.ValidateOrder(context.Background(), Order{
		Symbol: "AAPL", Side: model.SideBuy, Qty: 100,
	})
	require.NoError(t, err)
	assert.True(t, decision.Valid)
}
