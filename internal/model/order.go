package model

// Side is the direction of an order.
type Side string

const (
	SideBuy  Side = "buy"
	SideSell Side = "sell"
)

// Valid reports whether the side is one of the known values.
func (s Side) Valid() bool {
	return s == SideBuy || s == SideSell
}

// SignedQty maps a share quantity onto the position axis: buys are positive,
// sells negative.
func (s Side) SignedQty(qty int64) int64 {
	if s == SideSell {
		return -qty
	}
	return qty
}

// OrderStatus is the lifecycle state of a parent order in the store.
type OrderStatus string

const (
	OrderStatusNew      OrderStatus = "new"
	OrderStatusWorking  OrderStatus = "working"
	OrderStatusFilled   OrderStatus = "filled"
	OrderStatusCanceled OrderStatus = "canceled"
	OrderStatusRejected OrderStatus = "rejected"
)
