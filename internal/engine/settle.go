package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"stakebot/internal/ledger"
	"stakebot/internal/order"
	"stakebot/internal/storage"
	logx "stakebot/pkg/logx"
)

// settleOne runs the full cycle for one due order: cap check, clamp, transfer,
// version-conditioned settlement, audit record, notification.
//
// The schedule always advances by exactly one frequency interval from the
// stored slot, success or failure. A failed slot is skipped, not retried in a
// tight loop, and an order many slots behind catches up one execution per
// tick with no burst of backfilled runs. A settlement conflict means another
// racer already settled this slot; this racer writes no order state and sends
// no notification.
func (s *Service) settleOne(ctx context.Context, o *order.Order, now time.Time) {
	log := s.log.With(
		logx.String("order_id", o.ID),
		logx.Int64("owner_id", o.OwnerID),
		logx.String("side", string(o.Side)),
	)

	// Cap check. A fully spent order that is still marked active is retired
	// before any transfer is attempted.
	if !o.TotalSpent.LessThan(o.TotalBudget) {
		s.retireExhausted(ctx, o, now, log)
		return
	}

	amount := o.ClampedRunAmount()

	tctx, cancel := context.WithTimeout(ctx, s.cfg.TransferTimeout)
	rcpt, terr := s.gw.Transfer(tctx, ledger.TransferRequest{
		TargetID: o.TargetID,
		Side:     o.Side,
		Amount:   amount,
	})
	cancel()

	rec := order.NewExecutionRecord(o.ID, now, amount)

	switch {
	case terr == nil:
		rec.Success = true
		rec.TxID = rcpt.TxID

		newSpent := o.TotalSpent.Add(amount)
		stillActive := newSpent.LessThan(o.TotalBudget)
		err := s.store.ApplySettlement(ctx, storage.Settlement{
			OrderID:         o.ID,
			ExpectedVersion: o.Version,
			TotalSpent:      newSpent,
			Active:          stillActive,
			NextRunAt:       o.NextRunAt.Add(o.Frequency),
		})
		if errors.Is(err, storage.ErrConflict) {
			// The transfer happened; keep the audit record even though a racer
			// won the settlement.
			s.appendRecord(ctx, rec, log)
			log.Warn("settlement lost version race after transfer", logx.String("tx_id", rcpt.TxID))
			s.publish(EventOrderConflict, OrderEvent{OrderID: o.ID, OwnerID: o.OwnerID, Amount: amount, TxID: rcpt.TxID})
			return
		}
		if err != nil {
			s.appendRecord(ctx, rec, log)
			log.Error("settlement write failed after transfer", logx.Err(err), logx.String("tx_id", rcpt.TxID))
			return
		}

		s.appendRecord(ctx, rec, log)
		log.Info("order executed",
			logx.String("amount", amount.String()),
			logx.String("spent", newSpent.String()),
			logx.String("budget", o.TotalBudget.String()),
			logx.String("tx_id", rcpt.TxID))
		s.publish(EventOrderExecuted, OrderEvent{OrderID: o.ID, OwnerID: o.OwnerID, Amount: amount, TxID: rcpt.TxID})

		s.notify.Notify(o.OwnerID, executedText(o, amount, newSpent))
		if !stillActive {
			log.Info("order completed", logx.String("budget", o.TotalBudget.String()))
			s.publish(EventOrderCompleted, OrderEvent{OrderID: o.ID, OwnerID: o.OwnerID, Amount: amount})
			s.notify.Notify(o.OwnerID, completedText(o, newSpent))
		}

	default:
		// Transient and permanent failures get the same scheduling treatment:
		// budget untouched, schedule advanced one interval, slot skipped.
		// Permanent failures are only distinguished in the owner's message.
		rec.Error = terr.Error()
		err := s.store.ApplySettlement(ctx, storage.Settlement{
			OrderID:         o.ID,
			ExpectedVersion: o.Version,
			TotalSpent:      o.TotalSpent,
			Active:          true,
			NextRunAt:       o.NextRunAt.Add(o.Frequency),
		})
		if errors.Is(err, storage.ErrConflict) {
			log.Warn("settlement lost version race after failed transfer")
			s.publish(EventOrderConflict, OrderEvent{OrderID: o.ID, OwnerID: o.OwnerID, Amount: amount})
			return
		}
		if err != nil {
			log.Error("settlement write failed", logx.Err(err))
		}
		s.appendRecord(ctx, rec, log)
		log.Warn("transfer failed, slot skipped",
			logx.Bool("transient", ledger.IsTransient(terr)),
			logx.Err(terr))
		s.publish(EventOrderFailed, OrderEvent{OrderID: o.ID, OwnerID: o.OwnerID, Amount: amount, Err: terr.Error()})
		s.notify.Notify(o.OwnerID, failedText(o, amount, terr, ledger.IsTransient(terr)))
	}
}

func (s *Service) retireExhausted(ctx context.Context, o *order.Order, now time.Time, log logx.Logger) {
	err := s.store.ApplySettlement(ctx, storage.Settlement{
		OrderID:         o.ID,
		ExpectedVersion: o.Version,
		TotalSpent:      o.TotalSpent,
		Active:          false,
		NextRunAt:       o.NextRunAt,
	})
	if errors.Is(err, storage.ErrConflict) {
		s.publish(EventOrderConflict, OrderEvent{OrderID: o.ID, OwnerID: o.OwnerID})
		return
	}
	if err != nil {
		log.Error("retire write failed", logx.Err(err))
		return
	}

	// No transfer happened on this run, so the record carries a zero amount.
	rec := order.NewExecutionRecord(o.ID, now, decimal.Zero)
	rec.Terminal = true
	rec.Error = "budget exhausted"
	s.appendRecord(ctx, rec, log)

	log.Info("order retired, budget exhausted", logx.String("budget", o.TotalBudget.String()))
	s.publish(EventOrderCompleted, OrderEvent{OrderID: o.ID, OwnerID: o.OwnerID})
	s.notify.Notify(o.OwnerID, completedText(o, o.TotalSpent))
}

func (s *Service) appendRecord(ctx context.Context, rec order.ExecutionRecord, log logx.Logger) {
	if err := s.store.AppendExecution(ctx, rec); err != nil {
		log.Error("append execution record failed", logx.Err(err))
	}
}

func executedText(o *order.Order, amount, newSpent decimal.Decimal) string {
	verb := "Staked"
	if o.Side == order.SideUnstake {
		verb = "Unstaked"
	}
	return fmt.Sprintf("✅ %s %s %s for subnet %d\nProgress: %s / %s %s",
		verb, amount.String(), o.Unit(), o.TargetID,
		newSpent.String(), o.TotalBudget.String(), o.Unit())
}

func completedText(o *order.Order, spent decimal.Decimal) string {
	return fmt.Sprintf("🎉 Order complete for subnet %d\nTotal %s: %s %s",
		o.TargetID, actionNoun(o.Side), spent.String(), o.Unit())
}

func failedText(o *order.Order, amount decimal.Decimal, err error, retrying bool) string {
	suffix := "Skipping this run."
	if retrying {
		suffix = "Will retry on the next run."
	}
	return fmt.Sprintf("⚠️ Failed to %s %s %s for subnet %d: %v\n%s",
		actionVerb(o.Side), amount.String(), o.Unit(), o.TargetID, err, suffix)
}

func actionVerb(side order.Side) string {
	if side == order.SideUnstake {
		return "unstake"
	}
	return "stake"
}

func actionNoun(side order.Side) string {
	if side == order.SideUnstake {
		return "unstaked"
	}
	return "staked"
}
