package engine

import (
	"time"

	"github.com/shopspring/decimal"
)

// Event names published on the bus.
const (
	EventTick           = "engine.tick"
	EventOrderExecuted  = "order.executed"
	EventOrderFailed    = "order.failed"
	EventOrderCompleted = "order.completed"
	EventOrderConflict  = "order.conflict"
)

// TickEvent summarizes one pass over due orders.
type TickEvent struct {
	At   time.Time
	Due  int
	Took time.Duration
}

// OrderEvent accompanies the per-order event names.
type OrderEvent struct {
	OrderID string
	OwnerID int64
	Amount  decimal.Decimal
	TxID    string
	Err     string
}
