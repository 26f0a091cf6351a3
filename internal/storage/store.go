package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"stakebot/internal/order"
	logx "stakebot/pkg/logx"
)

var (
	// ErrNotFound means no order exists with the given ID.
	ErrNotFound = errors.New("order not found")

	// ErrNotOwner means the order exists but belongs to someone else.
	ErrNotOwner = errors.New("order not owned by caller")

	// ErrConflict means a conditional settlement lost the version race. The
	// caller must re-read and re-evaluate, never blind-retry the write.
	ErrConflict = errors.New("order version conflict")
)

// Settlement is the single conditional write that mutates an order after an
// execution attempt. It applies only when the stored version still equals
// ExpectedVersion; on success the version is bumped by one.
type Settlement struct {
	OrderID         string
	ExpectedVersion int64

	TotalSpent decimal.Decimal
	Active     bool
	NextRunAt  time.Time
}

// Store persists orders and their execution history.
//
// Implementations must guarantee that at most one ApplySettlement with a given
// (OrderID, ExpectedVersion) pair succeeds; all other racers get ErrConflict.
type Store interface {
	CreateOrder(ctx context.Context, o *order.Order) error
	GetOrder(ctx context.Context, id string) (*order.Order, error)
	ListOrders(ctx context.Context, ownerID int64) ([]*order.Order, error)

	// ListDue returns active orders with next_run_at <= now, oldest first.
	ListDue(ctx context.Context, now time.Time) ([]*order.Order, error)

	// CancelOrder deactivates an order if ownerID matches. Idempotent for an
	// already-inactive order.
	CancelOrder(ctx context.Context, id string, ownerID int64) error

	ApplySettlement(ctx context.Context, s Settlement) error

	AppendExecution(ctx context.Context, rec order.ExecutionRecord) error
	ListExecutions(ctx context.Context, orderID string, limit int) ([]order.ExecutionRecord, error)

	Close() error
}

// Options selects and configures a driver.
type Options struct {
	Driver      string // "sqlite" (default) or "memory"
	Path        string // sqlite file path
	BusyTimeout time.Duration
	Logger      logx.Logger
}

// Open constructs a Store per the options.
func Open(opts Options) (Store, error) {
	driver := strings.TrimSpace(strings.ToLower(opts.Driver))
	switch driver {
	case "", "sqlite":
		path := opts.Path
		if strings.TrimSpace(path) == "" {
			path = "stakebot.db"
		}
		return openSQLite(path, opts.BusyTimeout, opts.Logger)
	case "memory":
		return NewMemory(), nil
	default:
		return nil, fmt.Errorf("unknown storage driver %q", opts.Driver)
	}
}
