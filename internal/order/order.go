package order

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Side distinguishes stake (buy) from unstake (sell) orders.
type Side string

const (
	SideStake   Side = "stake"
	SideUnstake Side = "unstake"
)

func (s Side) Valid() bool { return s == SideStake || s == SideUnstake }

// MinFrequency is the smallest supported execution interval. The engine tick
// grid must be at least this fine or due orders would be skipped, not delayed.
const MinFrequency = time.Minute

var (
	ErrInvalidAmount    = errors.New("amount per run must be > 0")
	ErrInvalidBudget    = errors.New("total budget must be > 0")
	ErrInvalidFrequency = errors.New("frequency must be a whole number of minutes, at least one minute")
	ErrInvalidSide      = errors.New("side must be stake or unstake")
)

// Order is a recurring, budget-capped instruction to transfer a fixed amount
// on a fixed schedule.
//
// ID, OwnerID, TargetID, Side, AmountPerRun, TotalBudget and Frequency are
// immutable after creation. TotalSpent, Active, NextRunAt and Version are
// mutated only through the store's conditional settlement update.
type Order struct {
	ID           string
	OwnerID      int64
	TargetID     int64
	Side         Side
	AmountPerRun decimal.Decimal
	TotalBudget  decimal.Decimal
	TotalSpent   decimal.Decimal
	Frequency    time.Duration
	NextRunAt    time.Time
	Active       bool
	CreatedAt    time.Time

	// Version is the optimistic concurrency token: every settlement bumps it,
	// and a settlement conditioned on a stale version is rejected.
	Version int64
}

// New validates inputs and builds an active order with zero spend.
// The first eligible run is the current minute boundary plus one frequency
// interval, so execution lands on the engine's minute grid.
func New(ownerID, targetID int64, side Side, amountPerRun, totalBudget decimal.Decimal, freq time.Duration, now time.Time) (*Order, error) {
	if !side.Valid() {
		return nil, ErrInvalidSide
	}
	if amountPerRun.Sign() <= 0 {
		return nil, ErrInvalidAmount
	}
	if totalBudget.Sign() <= 0 {
		return nil, ErrInvalidBudget
	}
	if freq < MinFrequency || freq%time.Minute != 0 {
		return nil, ErrInvalidFrequency
	}

	return &Order{
		ID:           uuid.NewString(),
		OwnerID:      ownerID,
		TargetID:     targetID,
		Side:         side,
		AmountPerRun: amountPerRun,
		TotalBudget:  totalBudget,
		TotalSpent:   decimal.Zero,
		Frequency:    freq,
		NextRunAt:    now.UTC().Truncate(time.Minute).Add(freq),
		Active:       true,
		CreatedAt:    now.UTC(),
	}, nil
}

// Remaining returns the budget left to spend. Never negative for a valid order.
func (o *Order) Remaining() decimal.Decimal {
	return o.TotalBudget.Sub(o.TotalSpent)
}

// ClampedRunAmount returns min(AmountPerRun, Remaining): the final run never
// overspends the budget.
func (o *Order) ClampedRunAmount() decimal.Decimal {
	rem := o.Remaining()
	if o.AmountPerRun.GreaterThan(rem) {
		return rem
	}
	return o.AmountPerRun
}

// Due reports whether the order should execute at the given instant.
func (o *Order) Due(now time.Time) bool {
	return o.Active && !o.NextRunAt.After(now)
}

// Unit returns the display unit for the order's amounts.
func (o *Order) Unit() string {
	if o.Side == SideUnstake {
		return "ALPHA"
	}
	return "TAO"
}

// ExecutionRecord is one immutable entry in an order's audit trail.
//
// Terminal marks the budget-exhausted entry written when the cap check fires
// before any transfer is attempted.
type ExecutionRecord struct {
	ID       string
	OrderID  string
	At       time.Time
	Amount   decimal.Decimal
	Success  bool
	TxID     string
	Error    string
	Terminal bool
}

// NewExecutionRecord stamps an ID and timestamp onto a record.
func NewExecutionRecord(orderID string, at time.Time, amount decimal.Decimal) ExecutionRecord {
	return ExecutionRecord{
		ID:      uuid.NewString(),
		OrderID: orderID,
		At:      at.UTC(),
		Amount:  amount,
	}
}

// FrequencyText renders an interval the way users pick it: minutes, hours,
// daily, weekly.
func FrequencyText(freq time.Duration) string {
	minutes := int(freq / time.Minute)
	switch {
	case minutes == 1:
		return "every minute"
	case minutes < 60:
		return fmt.Sprintf("every %d minutes", minutes)
	case minutes == 60:
		return "every hour"
	case minutes < 24*60:
		return fmt.Sprintf("every %d hours", minutes/60)
	case minutes == 24*60:
		return "daily"
	case minutes == 7*24*60:
		return "weekly"
	default:
		return fmt.Sprintf("every %d days", minutes/(24*60))
	}
}
