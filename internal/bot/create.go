package bot

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"stakebot/internal/order"
	kit "stakebot/internal/transport"
	logx "stakebot/pkg/logx"
)

type convState int

const (
	stateTarget convState = iota
	stateAmount
	stateBudget
	stateFrequency
	stateHours
)

type conversation struct {
	side      order.Side
	state     convState
	targetID  int64
	amount    decimal.Decimal
	budget    decimal.Decimal
	updatedAt time.Time
}

func (s *Service) cmdBegin(ctx context.Context, m *kit.Message, side order.Side) {
	if !s.isOwner(m.FromID) {
		s.reply(ctx, m.ChatID, "Sorry, only the wallet owner can create orders.")
		return
	}

	s.mu.Lock()
	s.convos[m.FromID] = &conversation{side: side, state: stateTarget, updatedAt: s.now()}
	s.mu.Unlock()

	s.reply(ctx, m.ChatID, fmt.Sprintf(
		"Setting up a recurring %s order.\nWhich subnet (netuid)?\n\nType \"exit\" to abort.",
		sideTitle(side)))
}

func (s *Service) advanceConversation(ctx context.Context, m *kit.Message, c *conversation) {
	text := strings.TrimSpace(m.Text)
	c.updatedAt = s.now()

	switch c.state {
	case stateTarget:
		id, err := strconv.ParseInt(text, 10, 64)
		if err != nil || id < 0 {
			s.reply(ctx, m.ChatID, "That does not look like a netuid. Send a non-negative number.")
			return
		}
		c.targetID = id
		c.state = stateAmount
		s.reply(ctx, m.ChatID, fmt.Sprintf("How much %s per run?", unitFor(c.side)))

	case stateAmount:
		amt, err := parsePositiveDecimal(text)
		if err != nil {
			s.reply(ctx, m.ChatID, "Send a positive number, e.g. 0.5")
			return
		}
		c.amount = amt
		c.state = stateBudget
		s.reply(ctx, m.ChatID, fmt.Sprintf("What is the total budget in %s? The order stops once it is spent.", unitFor(c.side)))

	case stateBudget:
		budget, err := parsePositiveDecimal(text)
		if err != nil {
			s.reply(ctx, m.ChatID, "Send a positive number, e.g. 10")
			return
		}
		if budget.LessThan(c.amount) {
			s.reply(ctx, m.ChatID, fmt.Sprintf(
				"Note: the budget %s is below the per-run amount %s, so the only run will be clamped to %s.",
				budget.String(), c.amount.String(), budget.String()))
		}
		c.budget = budget
		c.state = stateFrequency
		s.askFrequency(ctx, m.ChatID)

	case stateFrequency, stateHours:
		s.reply(ctx, m.ChatID, "Pick a frequency with the buttons above, or type \"exit\" to abort.")
	}
}

func (s *Service) askFrequency(ctx context.Context, chatID int64) {
	keyboard := [][]kit.InlineButton{
		{
			{Text: "1 min", Data: "freq:1"},
			{Text: "5 min", Data: "freq:5"},
			{Text: "15 min", Data: "freq:15"},
			{Text: "30 min", Data: "freq:30"},
		},
		{
			{Text: "Hourly…", Data: "freq:hourly"},
			{Text: "Daily", Data: "freq:1440"},
			{Text: "Weekly", Data: "freq:10080"},
		},
	}
	opt := &kit.SendOptions{InlineKeyboard: keyboard}
	if _, err := s.tp.SendText(ctx, kit.ChatTarget{ChatID: chatID}, "How often should it run?", opt); err != nil {
		s.log.Warn("frequency prompt failed", logx.Err(err))
	}
}

func (s *Service) askHours(ctx context.Context, cb *kit.Callback) {
	var keyboard [][]kit.InlineButton
	var row []kit.InlineButton
	for h := 1; h <= 23; h++ {
		row = append(row, kit.InlineButton{
			Text: strconv.Itoa(h),
			Data: "hours:" + strconv.Itoa(h),
		})
		if len(row) == 6 {
			keyboard = append(keyboard, row)
			row = nil
		}
	}
	if len(row) > 0 {
		keyboard = append(keyboard, row)
	}

	ref := kit.MessageRef{ChatID: cb.ChatID, MessageID: cb.MessageID}
	opt := &kit.SendOptions{InlineKeyboard: keyboard}
	if err := s.tp.EditText(ctx, ref, "Every how many hours?", opt); err != nil {
		s.log.Warn("hours prompt failed", logx.Err(err))
	}
}

func (s *Service) handleFrequencyCallback(ctx context.Context, cb *kit.Callback) {
	c := s.conversation(cb.FromID)
	if c == nil || (c.state != stateFrequency && c.state != stateHours) {
		_ = s.tp.AnswerCallback(ctx, cb.ID, "No setup in progress")
		return
	}
	c.updatedAt = s.now()

	if cb.Data == "freq:hourly" {
		c.state = stateHours
		_ = s.tp.AnswerCallback(ctx, cb.ID, "")
		s.askHours(ctx, cb)
		return
	}

	var minutes int
	var err error
	switch {
	case strings.HasPrefix(cb.Data, "freq:"):
		minutes, err = strconv.Atoi(strings.TrimPrefix(cb.Data, "freq:"))
	case strings.HasPrefix(cb.Data, "hours:"):
		var hours int
		hours, err = strconv.Atoi(strings.TrimPrefix(cb.Data, "hours:"))
		minutes = hours * 60
	}
	if err != nil || minutes < 1 {
		_ = s.tp.AnswerCallback(ctx, cb.ID, "Unknown option")
		return
	}

	s.finishCreate(ctx, cb, c, time.Duration(minutes)*time.Minute)
}

func (s *Service) finishCreate(ctx context.Context, cb *kit.Callback, c *conversation, freq time.Duration) {
	o, err := order.New(cb.FromID, c.targetID, c.side, c.amount, c.budget, freq, s.now())
	if err != nil {
		s.log.Warn("order validation failed", logx.Err(err))
		_ = s.tp.AnswerCallback(ctx, cb.ID, "Invalid order")
		s.reply(ctx, cb.ChatID, "Could not create the order: "+err.Error())
		s.dropConversation(cb.FromID)
		return
	}
	if err := s.store.CreateOrder(ctx, o); err != nil {
		s.log.Error("create order failed", logx.Err(err))
		_ = s.tp.AnswerCallback(ctx, cb.ID, "Failed, try again")
		return
	}
	s.dropConversation(cb.FromID)
	_ = s.tp.AnswerCallback(ctx, cb.ID, "Order created")

	ref := kit.MessageRef{ChatID: cb.ChatID, MessageID: cb.MessageID}
	text := fmt.Sprintf("✅ Order %s created.\n\n%s\nFirst run: %s UTC",
		shortID(o.ID), formatOrder(o), o.NextRunAt.UTC().Format("2006-01-02 15:04"))
	if err := s.tp.EditText(ctx, ref, text, nil); err != nil {
		// The prompt may be gone; fall back to a fresh message.
		s.reply(ctx, cb.ChatID, text)
	}

	s.log.Info("order created",
		logx.String("order_id", o.ID),
		logx.Int64("owner_id", o.OwnerID),
		logx.String("side", string(o.Side)),
		logx.String("amount", o.AmountPerRun.String()),
		logx.String("budget", o.TotalBudget.String()),
		logx.Duration("frequency", o.Frequency))
}

func parsePositiveDecimal(s string) (decimal.Decimal, error) {
	d, err := decimal.NewFromString(strings.ReplaceAll(s, ",", "."))
	if err != nil {
		return decimal.Zero, err
	}
	if d.Sign() <= 0 {
		return decimal.Zero, fmt.Errorf("value must be > 0")
	}
	return d, nil
}

func unitFor(side order.Side) string {
	if side == order.SideUnstake {
		return "ALPHA"
	}
	return "TAO"
}
