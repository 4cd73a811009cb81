package broker

import (
	"context"
	"fmt"
	"sync"

	"github.com/shopspring/decimal"

	"execgate/internal/model"
)

// Fake is an in-memory broker for tests and paper wiring. Submitted orders
// fill immediately against the tracked positions.
type Fake struct {
	mu        sync.Mutex
	nextID    int
	positions map[string]int64
	account   Account

	// FailSubmits makes every SubmitOrder return an error.
	FailSubmits bool

	Submitted []SubmittedRequest
}

// SubmittedRequest records one SubmitOrder call.
type SubmittedRequest struct {
	Symbol string
	Side   model.Side
	Qty    int64
}

var _ Broker = (*Fake)(nil)

// NewFake creates a fake broker with no positions.
func NewFake() *Fake {
	return &Fake{
		positions: make(map[string]int64),
		account: Account{
			Equity:         decimal.NewFromInt(1_000_000),
			PortfolioValue: decimal.NewFromInt(1_000_000),
		},
	}
}

// SetPosition seeds a broker-side position.
func (f *Fake) SetPosition(symbol string, qty int64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.positions[symbol] = qty
}

func (f *Fake) SubmitOrder(_ context.Context, symbol string, side model.Side, qty int64) (SubmittedOrder, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.FailSubmits {
		return SubmittedOrder{}, fmt.Errorf("fake broker: submit rejected")
	}
	f.nextID++
	f.positions[symbol] += side.SignedQty(qty)
	f.Submitted = append(f.Submitted, SubmittedRequest{Symbol: symbol, Side: side, Qty: qty})
	return SubmittedOrder{
		BrokerOrderID: fmt.Sprintf("fake-%d", f.nextID),
		Status:        "filled",
	}, nil
}

func (f *Fake) GetPositions(_ context.Context) ([]Position, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	positions := make([]Position, 0, len(f.positions))
	for symbol, qty := range f.positions {
		if qty == 0 {
			continue
		}
		positions = append(positions, Position{Symbol: symbol, Qty: qty})
	}
	return positions, nil
}

func (f *Fake) GetAccount(_ context.Context) (Account, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.account, nil
}
