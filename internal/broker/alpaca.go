package broker

import (
	"context"

	"github.com/alpacahq/alpaca-trade-api-go/v3/alpaca"
	"github.com/shopspring/decimal"
	"github.com/yanun0323/errors"

	"execgate/internal/model"
)

// Alpaca implements Broker on the Alpaca trading API. Credentials come from
// the APCA_API_KEY_ID / APCA_API_SECRET_KEY / APCA_API_BASE_URL environment,
// matching the client library's own convention.
type Alpaca struct {
	client *alpaca.Client
}

var _ Broker = (*Alpaca)(nil)

// NewAlpaca creates the broker client from the environment.
func NewAlpaca() *Alpaca {
	return &Alpaca{client: alpaca.NewClient(alpaca.ClientOpts{})}
}

func (a *Alpaca) SubmitOrder(_ context.Context, symbol string, side model.Side, qty int64) (SubmittedOrder, error) {
	q := decimal.NewFromInt(qty)
	order, err := a.client.PlaceOrder(alpaca.PlaceOrderRequest{
		Symbol:      symbol,
		Qty:         &q,
		Side:        alpaca.Side(side),
		Type:        alpaca.Market,
		TimeInForce: alpaca.Day,
	})
	if err != nil {
		return SubmittedOrder{}, errors.Wrap(err, "place order")
	}
	return SubmittedOrder{
		BrokerOrderID: order.ID,
		Status:        string(order.Status),
	}, nil
}

func (a *Alpaca) GetPositions(_ context.Context) ([]Position, error) {
	raw, err := a.client.GetPositions()
	if err != nil {
		return nil, errors.Wrap(err, "get positions")
	}
	positions := make([]Position, 0, len(raw))
	for _, p := range raw {
		marketValue := decimal.Zero
		if p.MarketValue != nil {
			marketValue = *p.MarketValue
		}
		positions = append(positions, Position{
			Symbol:      p.Symbol,
			Qty:         p.Qty.IntPart(),
			MarketValue: marketValue,
		})
	}
	return positions, nil
}

func (a *Alpaca) GetAccount(_ context.Context) (Account, error) {
	acct, err := a.client.GetAccount()
	if err != nil {
		return Account{}, errors.Wrap(err, "get account")
	}
	return Account{
		Equity:         acct.Equity,
		PortfolioValue: acct.PortfolioValue,
	}, nil
}
