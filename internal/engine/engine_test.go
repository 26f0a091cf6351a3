package engine

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"stakebot/internal/ledger"
	"stakebot/internal/order"
	"stakebot/internal/storage"
	logx "stakebot/pkg/logx"
)

type fakeGateway struct {
	mu    sync.Mutex
	calls []ledger.TransferRequest
	// next errors are consumed in order; nil means success.
	errs []error
	txID string
}

func (f *fakeGateway) Transfer(_ context.Context, req ledger.TransferRequest) (ledger.Receipt, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, req)
	if len(f.errs) > 0 {
		err := f.errs[0]
		f.errs = f.errs[1:]
		if err != nil {
			return ledger.Receipt{}, err
		}
	}
	tx := f.txID
	if tx == "" {
		tx = "0xtest"
	}
	return ledger.Receipt{TxID: tx}, nil
}

func (f *fakeGateway) Balance(context.Context) (ledger.Balance, error) {
	return ledger.Balance{Unit: "TAO"}, nil
}

func (f *fakeGateway) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func (f *fakeGateway) lastCall() ledger.TransferRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[len(f.calls)-1]
}

type captureNotifier struct {
	mu   sync.Mutex
	msgs []string
}

func (c *captureNotifier) Notify(_ int64, text string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.msgs = append(c.msgs, text)
}

func (c *captureNotifier) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.msgs)
}

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func newTestEngine(t *testing.T, gw *fakeGateway) (*Service, *storage.Memory, *captureNotifier) {
	t.Helper()
	st := storage.NewMemory()
	nt := &captureNotifier{}
	svc, err := New(Config{Workers: 2}, st, gw, nil, nt, logx.Nop())
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}
	return svc, st, nt
}

func seedOrder(t *testing.T, st *storage.Memory, amount, budget string, freq time.Duration, nextRun time.Time) *order.Order {
	t.Helper()
	o, err := order.New(1, 42, order.SideStake, dec(amount), dec(budget), freq, nextRun.Add(-freq-time.Minute))
	if err != nil {
		t.Fatalf("new order: %v", err)
	}
	o.NextRunAt = nextRun
	if err := st.CreateOrder(context.Background(), o); err != nil {
		t.Fatalf("create: %v", err)
	}
	return o
}

func TestRunTickExecutesDueOrder(t *testing.T) {
	t.Parallel()
	gw := &fakeGateway{}
	svc, st, nt := newTestEngine(t, gw)

	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	o := seedOrder(t, st, "0.5", "5", 10*time.Minute, now)

	svc.RunTick(context.Background(), now)

	if gw.callCount() != 1 {
		t.Fatalf("transfer calls = %d, want 1", gw.callCount())
	}
	call := gw.lastCall()
	if !call.Amount.Equal(dec("0.5")) || call.TargetID != 42 || call.Side != order.SideStake {
		t.Fatalf("transfer = %+v", call)
	}

	got, _ := st.GetOrder(context.Background(), o.ID)
	if !got.TotalSpent.Equal(dec("0.5")) {
		t.Fatalf("total_spent = %s", got.TotalSpent)
	}
	if !got.Active || got.Version != 1 {
		t.Fatalf("active=%v version=%d", got.Active, got.Version)
	}
	want := now.Add(10 * time.Minute)
	if !got.NextRunAt.Equal(want) {
		t.Fatalf("next_run_at = %v, want %v", got.NextRunAt, want)
	}
	if nt.count() != 1 {
		t.Fatalf("notifications = %d, want 1", nt.count())
	}

	recs, _ := st.ListExecutions(context.Background(), o.ID, 10)
	if len(recs) != 1 || !recs[0].Success || recs[0].TxID == "" {
		t.Fatalf("records = %+v", recs)
	}
}

func TestRunTickSkipsFutureAndInactive(t *testing.T) {
	t.Parallel()
	gw := &fakeGateway{}
	svc, st, _ := newTestEngine(t, gw)

	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	seedOrder(t, st, "1", "5", time.Hour, now.Add(time.Minute))
	cancelled := seedOrder(t, st, "1", "5", time.Hour, now)
	if err := st.CancelOrder(context.Background(), cancelled.ID, cancelled.OwnerID); err != nil {
		t.Fatalf("cancel: %v", err)
	}

	svc.RunTick(context.Background(), now)
	if gw.callCount() != 0 {
		t.Fatalf("transfer calls = %d, want 0", gw.callCount())
	}
}

// Budget 1.2, amount 0.5: runs spend 0.5, 0.5, then a clamped 0.2 that
// retires the order. Total spend exactly equals the budget.
func TestBudgetClampAndCompletion(t *testing.T) {
	t.Parallel()
	gw := &fakeGateway{}
	svc, st, nt := newTestEngine(t, gw)

	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	o := seedOrder(t, st, "0.5", "1.2", time.Minute, now)

	for i := 0; i < 5; i++ {
		svc.RunTick(context.Background(), now)
		now = now.Add(time.Minute)
	}

	if gw.callCount() != 3 {
		t.Fatalf("transfer calls = %d, want 3", gw.callCount())
	}
	amounts := make([]string, 0, 3)
	for _, c := range gw.calls {
		amounts = append(amounts, c.Amount.String())
	}
	want := []string{"0.5", "0.5", "0.2"}
	for i := range want {
		if amounts[i] != want[i] {
			t.Fatalf("amounts = %v, want %v", amounts, want)
		}
	}

	got, _ := st.GetOrder(context.Background(), o.ID)
	if got.Active {
		t.Fatal("order still active after budget exhausted")
	}
	if !got.TotalSpent.Equal(got.TotalBudget) {
		t.Fatalf("total_spent = %s, budget = %s", got.TotalSpent, got.TotalBudget)
	}
	// Executed x3 plus one completion message.
	if nt.count() != 4 {
		t.Fatalf("notifications = %d, want 4", nt.count())
	}
}

// A transient failure skips the slot: budget untouched, schedule advanced by
// exactly one interval, failed record appended, order stays active.
func TestTransientFailureSkipsSlot(t *testing.T) {
	t.Parallel()
	gw := &fakeGateway{errs: []error{ledger.Transient(errors.New("signer timeout")), nil}}
	svc, st, _ := newTestEngine(t, gw)

	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	o := seedOrder(t, st, "0.5", "5", 10*time.Minute, now)

	svc.RunTick(context.Background(), now)

	got, _ := st.GetOrder(context.Background(), o.ID)
	if !got.TotalSpent.IsZero() {
		t.Fatalf("failed run spent budget: %s", got.TotalSpent)
	}
	if !got.Active || got.Version != 1 {
		t.Fatalf("active=%v version=%d", got.Active, got.Version)
	}
	want := now.Add(10 * time.Minute)
	if !got.NextRunAt.Equal(want) {
		t.Fatalf("next_run_at = %v, want %v", got.NextRunAt, want)
	}

	recs, _ := st.ListExecutions(context.Background(), o.ID, 10)
	if len(recs) != 1 || recs[0].Success || recs[0].Error == "" {
		t.Fatalf("records = %+v", recs)
	}

	// Not due again until its next slot.
	svc.RunTick(context.Background(), now.Add(time.Minute))
	if gw.callCount() != 1 {
		t.Fatalf("transfer calls = %d, want 1", gw.callCount())
	}
	svc.RunTick(context.Background(), want)
	got, _ = st.GetOrder(context.Background(), o.ID)
	if !got.TotalSpent.Equal(dec("0.5")) {
		t.Fatalf("total_spent = %s after next slot", got.TotalSpent)
	}
}

func TestPermanentFailureSkipsSlot(t *testing.T) {
	t.Parallel()
	gw := &fakeGateway{errs: []error{ledger.Permanent(errors.New("invalid target"))}}
	svc, st, _ := newTestEngine(t, gw)

	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	o := seedOrder(t, st, "0.5", "5", 10*time.Minute, now)

	svc.RunTick(context.Background(), now)

	got, _ := st.GetOrder(context.Background(), o.ID)
	if !got.TotalSpent.IsZero() {
		t.Fatalf("total_spent = %s, want 0", got.TotalSpent)
	}
	if !got.Active {
		t.Fatal("order deactivated on permanent failure")
	}
	want := now.Add(10 * time.Minute)
	if !got.NextRunAt.Equal(want) {
		t.Fatalf("next_run_at = %v, want %v", got.NextRunAt, want)
	}
	if got.Version != 1 {
		t.Fatalf("version = %d, want 1", got.Version)
	}
}

// An order overdue by several intervals executes once per tick and advances
// one interval at a time until caught up; missed slots are never burst-filled
// within a single tick.
func TestOverdueOrderCatchesUpOneRunPerTick(t *testing.T) {
	t.Parallel()
	gw := &fakeGateway{}
	svc, st, _ := newTestEngine(t, gw)

	scheduled := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	o := seedOrder(t, st, "0.5", "5", 10*time.Minute, scheduled)

	// Process comes back three intervals late.
	now := scheduled.Add(30 * time.Minute)
	svc.RunTick(context.Background(), now)

	if gw.callCount() != 1 {
		t.Fatalf("transfer calls = %d, want 1", gw.callCount())
	}
	got, _ := st.GetOrder(context.Background(), o.ID)
	if want := scheduled.Add(10 * time.Minute); !got.NextRunAt.Equal(want) {
		t.Fatalf("next_run_at = %v, want %v", got.NextRunAt, want)
	}

	// Subsequent ticks drain the backlog one run each.
	svc.RunTick(context.Background(), now.Add(time.Minute))
	svc.RunTick(context.Background(), now.Add(2*time.Minute))
	if gw.callCount() != 3 {
		t.Fatalf("transfer calls = %d, want 3", gw.callCount())
	}
	got, _ = st.GetOrder(context.Background(), o.ID)
	if want := scheduled.Add(30 * time.Minute); !got.NextRunAt.Equal(want) {
		t.Fatalf("next_run_at = %v, want %v", got.NextRunAt, want)
	}
}

func TestExhaustedActiveOrderIsRetiredWithoutTransfer(t *testing.T) {
	t.Parallel()
	gw := &fakeGateway{}
	svc, st, nt := newTestEngine(t, gw)

	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	o := seedOrder(t, st, "0.5", "1", time.Minute, now)
	// Simulate a crash after the final spend but before deactivation.
	if err := st.ApplySettlement(context.Background(), storage.Settlement{
		OrderID: o.ID, ExpectedVersion: 0,
		TotalSpent: dec("1"), Active: true, NextRunAt: now,
	}); err != nil {
		t.Fatalf("seed settlement: %v", err)
	}

	svc.RunTick(context.Background(), now)

	if gw.callCount() != 0 {
		t.Fatalf("transfer calls = %d, want 0", gw.callCount())
	}
	got, _ := st.GetOrder(context.Background(), o.ID)
	if got.Active {
		t.Fatal("exhausted order still active")
	}
	recs, _ := st.ListExecutions(context.Background(), o.ID, 10)
	if len(recs) != 1 || !recs[0].Terminal {
		t.Fatalf("records = %+v, want one terminal record", recs)
	}
	if !recs[0].Amount.IsZero() {
		t.Fatalf("terminal record amount = %s, want 0 (nothing was transferred)", recs[0].Amount)
	}
	if nt.count() != 1 {
		t.Fatalf("notifications = %d, want 1", nt.count())
	}
}

func TestSettlementConflictStopsRacer(t *testing.T) {
	t.Parallel()
	gw := &fakeGateway{}
	svc, st, _ := newTestEngine(t, gw)

	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	o := seedOrder(t, st, "0.5", "5", 10*time.Minute, now)

	// A stale snapshot, as if read by a second engine instance before this
	// one settled.
	stale, err := st.GetOrder(context.Background(), o.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}

	svc.RunTick(context.Background(), now)
	svc.settleOne(context.Background(), stale, now)

	got, _ := st.GetOrder(context.Background(), o.ID)
	// Only the winner's settlement applied.
	if !got.TotalSpent.Equal(dec("0.5")) || got.Version != 1 {
		t.Fatalf("spent=%s version=%d, want 0.5/1", got.TotalSpent, got.Version)
	}
	// Both transfers are in the audit trail (at-least-once execution).
	recs, _ := st.ListExecutions(context.Background(), o.ID, 10)
	if len(recs) != 2 {
		t.Fatalf("records = %d, want 2", len(recs))
	}
}
