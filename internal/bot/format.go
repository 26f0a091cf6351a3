package bot

import (
	"fmt"
	"strings"

	"github.com/shopspring/decimal"

	"stakebot/internal/order"
)

const progressWidth = 10

// progressBar renders spent/budget as a 10-segment bar, e.g. "███░░░░░░░".
func progressBar(spent, budget decimal.Decimal) string {
	filled := 0
	if budget.Sign() > 0 {
		ratio := spent.Div(budget)
		filled = int(ratio.Mul(decimal.NewFromInt(progressWidth)).IntPart())
		if filled > progressWidth {
			filled = progressWidth
		}
		if filled < 0 {
			filled = 0
		}
	}
	return strings.Repeat("█", filled) + strings.Repeat("░", progressWidth-filled)
}

func formatOrder(o *order.Order) string {
	status := "active"
	if !o.Active {
		if o.TotalSpent.GreaterThanOrEqual(o.TotalBudget) {
			status = "completed"
		} else {
			status = "cancelled"
		}
	}
	return fmt.Sprintf("%s %s subnet %d, %s %s per run, %s\n%s %s / %s %s (%s)",
		shortID(o.ID), sideTitle(o.Side), o.TargetID,
		o.AmountPerRun.String(), o.Unit(), order.FrequencyText(o.Frequency),
		progressBar(o.TotalSpent, o.TotalBudget),
		o.TotalSpent.String(), o.TotalBudget.String(), o.Unit(), status)
}
