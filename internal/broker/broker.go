package broker

import (
	"context"

	"github.com/shopspring/decimal"

	"execgate/internal/model"
)

// Position is a broker-reported holding.
type Position struct {
	Symbol      string
	Qty         int64
	MarketValue decimal.Decimal
}

// Account is the broker-reported account snapshot.
type Account struct {
	Equity         decimal.Decimal
	PortfolioValue decimal.Decimal
}

// SubmittedOrder identifies an order accepted by the broker.
type SubmittedOrder struct {
	BrokerOrderID string
	Status        string
}

// Broker is the narrow surface the gateway and reconciler depend on.
type Broker interface {
	SubmitOrder(ctx context.Context, symbol string, side model.Side, qty int64) (SubmittedOrder, error)
	GetPositions(ctx context.Context) ([]Position, error)
	GetAccount(ctx context.Context) (Account, error)
}
