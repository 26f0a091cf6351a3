package bot

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"stakebot/internal/order"
	"stakebot/internal/storage"
	kit "stakebot/internal/transport"
	logx "stakebot/pkg/logx"
)

const helpText = `Recurring staking orders:

/stake - set up a recurring stake order
/unstake - set up a recurring unstake order
/list - show your orders
/cancel <id> - cancel an order
/history <id> - recent runs of an order
/balance - wallet balance
/help - this message

Type "exit" at any point to abandon a setup.`

func (s *Service) cmdStart(ctx context.Context, m *kit.Message) {
	s.reply(ctx, m.ChatID, "Hi! I run recurring staking orders with a hard budget cap.\n\n"+helpText)
}

func (s *Service) cmdHelp(ctx context.Context, m *kit.Message) {
	s.reply(ctx, m.ChatID, helpText)
}

func (s *Service) cmdList(ctx context.Context, m *kit.Message) {
	orders, err := s.store.ListOrders(ctx, m.FromID)
	if err != nil {
		s.log.Error("list orders failed", logx.Int64("user_id", m.FromID), logx.Err(err))
		s.reply(ctx, m.ChatID, "Could not load your orders, try again later.")
		return
	}
	if len(orders) == 0 {
		s.reply(ctx, m.ChatID, "You have no orders. Use /stake or /unstake to create one.")
		return
	}

	var b strings.Builder
	b.WriteString("Your orders:\n")
	var keyboard [][]kit.InlineButton
	for _, o := range orders {
		b.WriteString("\n")
		b.WriteString(formatOrder(o))
		b.WriteString("\n")
		if o.Active {
			keyboard = append(keyboard, []kit.InlineButton{{
				Text: fmt.Sprintf("✖ Cancel %s", shortID(o.ID)),
				Data: "cancel:" + o.ID,
			}})
		}
	}

	opt := &kit.SendOptions{InlineKeyboard: keyboard}
	if _, err := s.tp.SendText(ctx, kit.ChatTarget{ChatID: m.ChatID}, b.String(), opt); err != nil {
		s.log.Warn("list reply failed", logx.Err(err))
	}
}

func (s *Service) cmdCancel(ctx context.Context, m *kit.Message, args []string) {
	if len(args) != 1 {
		s.reply(ctx, m.ChatID, "Usage: /cancel <order id>. Find ids with /list.")
		return
	}
	id, userMsg := s.resolveOrderID(ctx, m.FromID, args[0])
	if id == "" {
		s.reply(ctx, m.ChatID, userMsg)
		return
	}
	s.cancelOrder(ctx, m.ChatID, m.FromID, id)
}

// resolveOrderID accepts a full order id or an unambiguous prefix of one of
// the caller's own orders. On failure it returns an empty id and a message
// for the user.
func (s *Service) resolveOrderID(ctx context.Context, userID int64, arg string) (id, userMsg string) {
	arg = strings.ToLower(strings.TrimSpace(arg))
	if arg == "" {
		return "", "Usage: /cancel <order id>."
	}
	orders, err := s.store.ListOrders(ctx, userID)
	if err != nil {
		s.log.Error("list orders failed", logx.Err(err))
		return "", "Could not load your orders, try again later."
	}

	var match string
	for _, o := range orders {
		if o.ID == arg {
			return o.ID, ""
		}
		if strings.HasPrefix(o.ID, arg) {
			if match != "" {
				return "", "That id prefix matches more than one order, use a longer one."
			}
			match = o.ID
		}
	}
	if match == "" {
		return "", "No order with that id. Find ids with /list."
	}
	return match, ""
}

func (s *Service) cancelOrder(ctx context.Context, chatID, userID int64, id string) {
	switch err := s.store.CancelOrder(ctx, id, userID); {
	case err == nil:
		s.reply(ctx, chatID, fmt.Sprintf("Order %s cancelled.", shortID(id)))
	case errors.Is(err, storage.ErrNotFound):
		s.reply(ctx, chatID, "No order with that id. Find ids with /list.")
	case errors.Is(err, storage.ErrNotOwner):
		s.reply(ctx, chatID, "That order is not yours.")
	default:
		s.log.Error("cancel order failed", logx.String("order_id", id), logx.Err(err))
		s.reply(ctx, chatID, "Could not cancel the order, try again later.")
	}
}

func (s *Service) handleCancelCallback(ctx context.Context, cb *kit.Callback) {
	id := strings.TrimPrefix(cb.Data, "cancel:")
	switch err := s.store.CancelOrder(ctx, id, cb.FromID); {
	case err == nil:
		_ = s.tp.AnswerCallback(ctx, cb.ID, "Cancelled")
		s.reply(ctx, cb.ChatID, fmt.Sprintf("Order %s cancelled.", shortID(id)))
	case errors.Is(err, storage.ErrNotFound):
		_ = s.tp.AnswerCallback(ctx, cb.ID, "Order not found")
	case errors.Is(err, storage.ErrNotOwner):
		_ = s.tp.AnswerCallback(ctx, cb.ID, "Not your order")
	default:
		s.log.Error("cancel order failed", logx.String("order_id", id), logx.Err(err))
		_ = s.tp.AnswerCallback(ctx, cb.ID, "Failed, try again")
	}
}

func (s *Service) cmdHistory(ctx context.Context, m *kit.Message, args []string) {
	if len(args) != 1 {
		s.reply(ctx, m.ChatID, "Usage: /history <order id>. Find ids with /list.")
		return
	}
	id, userMsg := s.resolveOrderID(ctx, m.FromID, args[0])
	if id == "" {
		s.reply(ctx, m.ChatID, userMsg)
		return
	}

	recs, err := s.store.ListExecutions(ctx, id, 10)
	if err != nil {
		s.log.Error("list executions failed", logx.String("order_id", id), logx.Err(err))
		s.reply(ctx, m.ChatID, "Could not load the history, try again later.")
		return
	}
	if len(recs) == 0 {
		s.reply(ctx, m.ChatID, fmt.Sprintf("Order %s has not run yet.", shortID(id)))
		return
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Last %d runs of %s:\n", len(recs), shortID(id))
	for _, r := range recs {
		mark := "✅"
		detail := r.TxID
		switch {
		case r.Terminal:
			mark = "🏁"
			detail = r.Error
		case !r.Success:
			mark = "⚠️"
			detail = r.Error
		}
		fmt.Fprintf(&b, "%s %s  %s  %s\n",
			mark, r.At.UTC().Format("01-02 15:04"), r.Amount.String(), detail)
	}
	s.reply(ctx, m.ChatID, b.String())
}

func (s *Service) cmdBalance(ctx context.Context, m *kit.Message) {
	bal, err := s.gw.Balance(ctx)
	if err != nil {
		s.log.Warn("balance query failed", logx.Err(err))
		s.reply(ctx, m.ChatID, "Could not fetch the balance right now, try again later.")
		return
	}
	s.reply(ctx, m.ChatID, fmt.Sprintf("Balance:\nFree: %s %s\nStaked: %s %s",
		bal.Free.String(), bal.Unit, bal.Staked.String(), bal.Unit))
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func sideTitle(side order.Side) string {
	if side == order.SideUnstake {
		return "unstake"
	}
	return "stake"
}
