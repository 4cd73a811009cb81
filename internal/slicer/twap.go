package slicer

import (
	"errors"
	"time"

	"execgate/internal/model"
)

var (
	ErrInvalidQty    = errors.New("slicer: qty must be positive")
	ErrInvalidSlices = errors.New("slicer: slice count must be positive")
)

// Child is one scheduled slice of a parent order.
type Child struct {
	Symbol string
	Side   model.Side
	Qty    int64
	At     time.Time
}

// Plan describes how a parent order is worked over time.
type Plan struct {
	Symbol   string
	Side     model.Side
	TotalQty int64
	Children []Child
}

// TWAP splits an order into count equal slices spaced by interval, starting
// at start. Remainder shares are distributed one per slice from the front so
// early slices are never smaller than later ones. Zero-qty slices are never
// emitted: count is capped at the total quantity.
func TWAP(symbol string, side model.Side, qty int64, count int, interval time.Duration, start time.Time) (Plan, error) {
	if qty <= 0 {
		return Plan{}, ErrInvalidQty
	}
	if count <= 0 {
		return Plan{}, ErrInvalidSlices
	}
	if int64(count) > qty {
		count = int(qty)
	}

	base := qty / int64(count)
	remainder := qty % int64(count)

	children := make([]Child, 0, count)
	for i := 0; i < count; i++ {
		sliceQty := base
		if int64(i) < remainder {
			sliceQty++
		}
		children = append(children, Child{
			Symbol: symbol,
			Side:   side,
			Qty:    sliceQty,
			At:     start.Add(time.Duration(i) * interval),
		})
	}

	return Plan{
		Symbol:   symbol,
		Side:     side,
		TotalQty: qty,
		Children: children,
	}, nil
}
