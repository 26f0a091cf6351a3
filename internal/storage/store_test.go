package storage

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"stakebot/internal/order"
	logx "stakebot/pkg/logx"
)

func newTestOrder(t *testing.T, ownerID int64) *order.Order {
	t.Helper()
	o, err := order.New(ownerID, 42, order.SideStake,
		decimal.RequireFromString("0.5"), decimal.RequireFromString("5"),
		10*time.Minute, time.Date(2026, 3, 1, 12, 0, 30, 0, time.UTC))
	if err != nil {
		t.Fatalf("new order: %v", err)
	}
	return o
}

func openDrivers(t *testing.T) map[string]Store {
	t.Helper()
	sq, err := Open(Options{Driver: "sqlite", Path: filepath.Join(t.TempDir(), "test.db"), Logger: logx.Nop()})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	t.Cleanup(func() { _ = sq.Close() })
	return map[string]Store{
		"sqlite": sq,
		"memory": NewMemory(),
	}
}

func TestStoreRoundTrip(t *testing.T) {
	t.Parallel()
	for name, st := range openDrivers(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			o := newTestOrder(t, 7)
			if err := st.CreateOrder(ctx, o); err != nil {
				t.Fatalf("create: %v", err)
			}

			got, err := st.GetOrder(ctx, o.ID)
			if err != nil {
				t.Fatalf("get: %v", err)
			}
			if got.OwnerID != 7 || got.TargetID != 42 || got.Side != order.SideStake {
				t.Fatalf("round trip mismatch: %+v", got)
			}
			if !got.AmountPerRun.Equal(o.AmountPerRun) || !got.TotalBudget.Equal(o.TotalBudget) {
				t.Fatalf("amounts mismatch: %+v", got)
			}
			if got.Frequency != 10*time.Minute {
				t.Fatalf("frequency = %v", got.Frequency)
			}
			if !got.NextRunAt.Equal(o.NextRunAt) {
				t.Fatalf("next_run_at = %v, want %v", got.NextRunAt, o.NextRunAt)
			}
			if !got.Active || got.Version != 0 {
				t.Fatalf("active=%v version=%d", got.Active, got.Version)
			}

			if _, err := st.GetOrder(ctx, "nope"); !errors.Is(err, ErrNotFound) {
				t.Fatalf("missing order: err = %v, want ErrNotFound", err)
			}
		})
	}
}

func TestStoreListDue(t *testing.T) {
	t.Parallel()
	for name, st := range openDrivers(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			due := newTestOrder(t, 1)
			due.NextRunAt = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
			notYet := newTestOrder(t, 1)
			notYet.NextRunAt = time.Date(2026, 3, 1, 13, 0, 0, 0, time.UTC)
			inactive := newTestOrder(t, 1)
			inactive.NextRunAt = due.NextRunAt
			inactive.Active = false

			for _, o := range []*order.Order{due, notYet, inactive} {
				if err := st.CreateOrder(ctx, o); err != nil {
					t.Fatalf("create: %v", err)
				}
			}

			now := time.Date(2026, 3, 1, 12, 0, 0, 123456789, time.UTC)
			got, err := st.ListDue(ctx, now)
			if err != nil {
				t.Fatalf("list due: %v", err)
			}
			if len(got) != 1 || got[0].ID != due.ID {
				t.Fatalf("due = %v, want exactly %s", got, due.ID)
			}
		})
	}
}

func TestStoreSettlementConflict(t *testing.T) {
	t.Parallel()
	for name, st := range openDrivers(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			o := newTestOrder(t, 1)
			if err := st.CreateOrder(ctx, o); err != nil {
				t.Fatalf("create: %v", err)
			}

			settle := Settlement{
				OrderID:         o.ID,
				ExpectedVersion: o.Version,
				TotalSpent:      decimal.RequireFromString("0.5"),
				Active:          true,
				NextRunAt:       o.NextRunAt.Add(o.Frequency),
			}
			if err := st.ApplySettlement(ctx, settle); err != nil {
				t.Fatalf("first settlement: %v", err)
			}
			if err := st.ApplySettlement(ctx, settle); !errors.Is(err, ErrConflict) {
				t.Fatalf("stale settlement: err = %v, want ErrConflict", err)
			}

			got, err := st.GetOrder(ctx, o.ID)
			if err != nil {
				t.Fatalf("get: %v", err)
			}
			if got.Version != 1 {
				t.Fatalf("version = %d, want 1", got.Version)
			}
			if !got.TotalSpent.Equal(decimal.RequireFromString("0.5")) {
				t.Fatalf("total_spent = %s", got.TotalSpent)
			}

			if err := st.ApplySettlement(ctx, Settlement{OrderID: "nope"}); !errors.Is(err, ErrNotFound) {
				t.Fatalf("missing order: err = %v, want ErrNotFound", err)
			}
		})
	}
}

func TestStoreSettlementRaceSingleWinner(t *testing.T) {
	t.Parallel()
	for name, st := range openDrivers(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			o := newTestOrder(t, 1)
			if err := st.CreateOrder(ctx, o); err != nil {
				t.Fatalf("create: %v", err)
			}

			const racers = 8
			var wg sync.WaitGroup
			errs := make([]error, racers)
			for i := 0; i < racers; i++ {
				wg.Add(1)
				go func(i int) {
					defer wg.Done()
					errs[i] = st.ApplySettlement(ctx, Settlement{
						OrderID:         o.ID,
						ExpectedVersion: 0,
						TotalSpent:      decimal.RequireFromString("0.5"),
						Active:          true,
						NextRunAt:       o.NextRunAt.Add(o.Frequency),
					})
				}(i)
			}
			wg.Wait()

			wins := 0
			for _, err := range errs {
				switch {
				case err == nil:
					wins++
				case errors.Is(err, ErrConflict):
				default:
					t.Fatalf("unexpected error: %v", err)
				}
			}
			if wins != 1 {
				t.Fatalf("winners = %d, want 1", wins)
			}
		})
	}
}

func TestStoreCancelOrder(t *testing.T) {
	t.Parallel()
	for name, st := range openDrivers(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			o := newTestOrder(t, 5)
			if err := st.CreateOrder(ctx, o); err != nil {
				t.Fatalf("create: %v", err)
			}

			if err := st.CancelOrder(ctx, o.ID, 6); !errors.Is(err, ErrNotOwner) {
				t.Fatalf("wrong owner: err = %v, want ErrNotOwner", err)
			}
			if err := st.CancelOrder(ctx, "nope", 5); !errors.Is(err, ErrNotFound) {
				t.Fatalf("missing: err = %v, want ErrNotFound", err)
			}
			if err := st.CancelOrder(ctx, o.ID, 5); err != nil {
				t.Fatalf("cancel: %v", err)
			}
			// Idempotent.
			if err := st.CancelOrder(ctx, o.ID, 5); err != nil {
				t.Fatalf("second cancel: %v", err)
			}

			got, err := st.GetOrder(ctx, o.ID)
			if err != nil {
				t.Fatalf("get: %v", err)
			}
			if got.Active {
				t.Fatal("order still active after cancel")
			}
			if got.Version != 1 {
				t.Fatalf("version = %d, want 1", got.Version)
			}
		})
	}
}

func TestStoreExecutions(t *testing.T) {
	t.Parallel()
	for name, st := range openDrivers(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			o := newTestOrder(t, 1)
			if err := st.CreateOrder(ctx, o); err != nil {
				t.Fatalf("create: %v", err)
			}

			base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
			for i := 0; i < 3; i++ {
				rec := order.NewExecutionRecord(o.ID, base.Add(time.Duration(i)*time.Minute), decimal.RequireFromString("0.5"))
				rec.Success = i != 1
				if i == 1 {
					rec.Error = "gateway timeout"
				} else {
					rec.TxID = "tx"
				}
				if err := st.AppendExecution(ctx, rec); err != nil {
					t.Fatalf("append: %v", err)
				}
			}

			recs, err := st.ListExecutions(ctx, o.ID, 2)
			if err != nil {
				t.Fatalf("list: %v", err)
			}
			if len(recs) != 2 {
				t.Fatalf("len = %d, want 2", len(recs))
			}
			if !recs[0].At.After(recs[1].At) {
				t.Fatalf("not newest-first: %v then %v", recs[0].At, recs[1].At)
			}
			if recs[1].Success || recs[1].Error != "gateway timeout" {
				t.Fatalf("failed record mismatch: %+v", recs[1])
			}
		})
	}
}
