package bot

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"stakebot/internal/ledger"
	"stakebot/internal/order"
	"stakebot/internal/storage"
	kit "stakebot/internal/transport"
	logx "stakebot/pkg/logx"
)

type fakeTransport struct {
	mu      sync.Mutex
	sent    []string
	edits   []string
	answers []string
}

func (f *fakeTransport) SendText(_ context.Context, _ kit.ChatTarget, text string, _ *kit.SendOptions) (kit.MessageRef, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, text)
	return kit.MessageRef{ChatID: 1, MessageID: len(f.sent)}, nil
}

func (f *fakeTransport) EditText(_ context.Context, _ kit.MessageRef, text string, _ *kit.SendOptions) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.edits = append(f.edits, text)
	return nil
}

func (f *fakeTransport) AnswerCallback(_ context.Context, _ string, text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.answers = append(f.answers, text)
	return nil
}

func (f *fakeTransport) lastSent() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.sent) == 0 {
		return ""
	}
	return f.sent[len(f.sent)-1]
}

type stubGateway struct{}

func (stubGateway) Transfer(context.Context, ledger.TransferRequest) (ledger.Receipt, error) {
	return ledger.Receipt{TxID: "tx"}, nil
}

func (stubGateway) Balance(context.Context) (ledger.Balance, error) {
	return ledger.Balance{
		Free:   decimal.RequireFromString("3.5"),
		Staked: decimal.RequireFromString("10"),
		Unit:   "TAO",
	}, nil
}

func newTestBot(t *testing.T, owners ...int64) (*Service, *storage.Memory, *fakeTransport) {
	t.Helper()
	st := storage.NewMemory()
	tp := &fakeTransport{}
	svc := New(Config{Owners: owners}, st, stubGateway{}, tp, logx.Nop())
	svc.now = func() time.Time { return time.Date(2026, 3, 1, 12, 0, 30, 0, time.UTC) }
	return svc, st, tp
}

func msg(userID int64, text string) *kit.Message {
	return &kit.Message{ID: 1, ChatID: userID, FromID: userID, Text: text}
}

func send(svc *Service, userID int64, text string) {
	svc.handleUpdate(context.Background(), kit.Update{Kind: kit.UpdateMessage, Message: msg(userID, text)})
}

func tap(svc *Service, userID int64, data string) {
	svc.handleUpdate(context.Background(), kit.Update{Kind: kit.UpdateCallback, Callback: &kit.Callback{
		ID: "cb1", ChatID: userID, FromID: userID, MessageID: 5, Data: data,
	}})
}

func TestCreateFlowEndToEnd(t *testing.T) {
	t.Parallel()
	svc, st, tp := newTestBot(t, 7)

	send(svc, 7, "/stake")
	if got := tp.lastSent(); !strings.Contains(got, "netuid") {
		t.Fatalf("target prompt = %q", got)
	}
	send(svc, 7, "42")
	if got := tp.lastSent(); !strings.Contains(got, "per run") {
		t.Fatalf("amount prompt = %q", got)
	}
	send(svc, 7, "0.5")
	if got := tp.lastSent(); !strings.Contains(got, "budget") {
		t.Fatalf("budget prompt = %q", got)
	}
	send(svc, 7, "5")
	if got := tp.lastSent(); !strings.Contains(got, "How often") {
		t.Fatalf("frequency prompt = %q", got)
	}
	tap(svc, 7, "freq:15")

	orders, err := st.ListOrders(context.Background(), 7)
	if err != nil || len(orders) != 1 {
		t.Fatalf("orders = %v, err = %v", orders, err)
	}
	o := orders[0]
	if o.TargetID != 42 || o.Side != order.SideStake {
		t.Fatalf("order = %+v", o)
	}
	if !o.AmountPerRun.Equal(decimal.RequireFromString("0.5")) || !o.TotalBudget.Equal(decimal.RequireFromString("5")) {
		t.Fatalf("amounts = %s / %s", o.AmountPerRun, o.TotalBudget)
	}
	if o.Frequency != 15*time.Minute {
		t.Fatalf("frequency = %v", o.Frequency)
	}
	// First run lands on the minute grid: 12:00 + 15m.
	want := time.Date(2026, 3, 1, 12, 15, 0, 0, time.UTC)
	if !o.NextRunAt.Equal(want) {
		t.Fatalf("next_run_at = %v, want %v", o.NextRunAt, want)
	}
	if svc.conversation(7) != nil {
		t.Fatal("conversation not cleared after create")
	}
}

func TestCreateFlowHourly(t *testing.T) {
	t.Parallel()
	svc, st, tp := newTestBot(t, 7)

	send(svc, 7, "/unstake")
	send(svc, 7, "9")
	send(svc, 7, "1")
	send(svc, 7, "12")
	tap(svc, 7, "freq:hourly")
	if len(tp.edits) == 0 || !strings.Contains(tp.edits[len(tp.edits)-1], "hours") {
		t.Fatalf("hours prompt missing, edits = %v", tp.edits)
	}
	tap(svc, 7, "hours:3")

	orders, _ := st.ListOrders(context.Background(), 7)
	if len(orders) != 1 {
		t.Fatalf("orders = %d, want 1", len(orders))
	}
	if orders[0].Frequency != 3*time.Hour || orders[0].Side != order.SideUnstake {
		t.Fatalf("order = %+v", orders[0])
	}
}

func TestCreateFlowValidationAndExit(t *testing.T) {
	t.Parallel()
	svc, st, tp := newTestBot(t, 7)

	send(svc, 7, "/stake")
	send(svc, 7, "not a number")
	if got := tp.lastSent(); !strings.Contains(got, "netuid") {
		t.Fatalf("invalid target reply = %q", got)
	}
	send(svc, 7, "42")
	send(svc, 7, "-1")
	if got := tp.lastSent(); !strings.Contains(got, "positive") {
		t.Fatalf("invalid amount reply = %q", got)
	}
	send(svc, 7, "exit")
	if svc.conversation(7) != nil {
		t.Fatal("conversation survived exit")
	}
	if orders, _ := st.ListOrders(context.Background(), 7); len(orders) != 0 {
		t.Fatalf("orders = %d, want 0", len(orders))
	}
}

func TestCreateRequiresOwner(t *testing.T) {
	t.Parallel()
	svc, _, tp := newTestBot(t, 7)

	send(svc, 99, "/stake")
	if got := tp.lastSent(); !strings.Contains(got, "owner") {
		t.Fatalf("gate reply = %q", got)
	}
	if svc.conversation(99) != nil {
		t.Fatal("conversation opened for non-owner")
	}
}

func TestFrequencyCallbackWithoutConversation(t *testing.T) {
	t.Parallel()
	svc, _, tp := newTestBot(t, 7)

	tap(svc, 7, "freq:5")
	if len(tp.answers) != 1 || !strings.Contains(tp.answers[0], "No setup") {
		t.Fatalf("answers = %v", tp.answers)
	}
}

func TestListAndCancel(t *testing.T) {
	t.Parallel()
	svc, st, tp := newTestBot(t, 7)

	o, err := order.New(7, 42, order.SideStake,
		decimal.RequireFromString("0.5"), decimal.RequireFromString("5"),
		10*time.Minute, time.Now())
	if err != nil {
		t.Fatalf("new order: %v", err)
	}
	if err := st.CreateOrder(context.Background(), o); err != nil {
		t.Fatalf("create: %v", err)
	}

	send(svc, 7, "/list")
	if got := tp.lastSent(); !strings.Contains(got, "subnet 42") {
		t.Fatalf("list = %q", got)
	}

	// Cancel by id prefix.
	send(svc, 7, "/cancel "+o.ID[:8])
	if got := tp.lastSent(); !strings.Contains(got, "cancelled") {
		t.Fatalf("cancel reply = %q", got)
	}
	got, _ := st.GetOrder(context.Background(), o.ID)
	if got.Active {
		t.Fatal("order still active")
	}

	// Someone else cannot cancel it back into existence or touch it.
	send(svc, 8, "/cancel "+o.ID)
	if got := tp.lastSent(); !strings.Contains(got, "No order") && !strings.Contains(got, "not yours") {
		t.Fatalf("foreign cancel reply = %q", got)
	}
}

func TestCancelCallback(t *testing.T) {
	t.Parallel()
	svc, st, tp := newTestBot(t, 7)

	o, _ := order.New(7, 1, order.SideStake,
		decimal.RequireFromString("1"), decimal.RequireFromString("2"), time.Hour, time.Now())
	_ = st.CreateOrder(context.Background(), o)

	tap(svc, 7, "cancel:"+o.ID)
	got, _ := st.GetOrder(context.Background(), o.ID)
	if got.Active {
		t.Fatal("order still active after callback cancel")
	}
	if len(tp.answers) == 0 || tp.answers[0] != "Cancelled" {
		t.Fatalf("answers = %v", tp.answers)
	}
}

func TestHistoryCommand(t *testing.T) {
	t.Parallel()
	svc, st, tp := newTestBot(t, 7)

	o, _ := order.New(7, 42, order.SideStake,
		decimal.RequireFromString("0.5"), decimal.RequireFromString("5"), time.Hour, time.Now())
	_ = st.CreateOrder(context.Background(), o)

	send(svc, 7, "/history "+o.ID[:8])
	if got := tp.lastSent(); !strings.Contains(got, "not run yet") {
		t.Fatalf("empty history = %q", got)
	}

	rec := order.NewExecutionRecord(o.ID, time.Now(), decimal.RequireFromString("0.5"))
	rec.Success = true
	rec.TxID = "0xfeed"
	_ = st.AppendExecution(context.Background(), rec)

	send(svc, 7, "/history "+o.ID[:8])
	if got := tp.lastSent(); !strings.Contains(got, "0xfeed") {
		t.Fatalf("history = %q", got)
	}
}

func TestBalanceCommand(t *testing.T) {
	t.Parallel()
	svc, _, tp := newTestBot(t)

	send(svc, 5, "/balance")
	got := tp.lastSent()
	if !strings.Contains(got, "3.5 TAO") || !strings.Contains(got, "10 TAO") {
		t.Fatalf("balance = %q", got)
	}
}
