package bot

import (
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"stakebot/internal/order"
)

func TestProgressBar(t *testing.T) {
	t.Parallel()
	cases := []struct {
		spent, budget string
		want          string
	}{
		{"0", "10", "░░░░░░░░░░"},
		{"5", "10", "█████░░░░░"},
		{"10", "10", "██████████"},
		{"1.2", "1.2", "██████████"},
		{"0.5", "1.2", "████░░░░░░"},
	}
	for _, tc := range cases {
		got := progressBar(decimal.RequireFromString(tc.spent), decimal.RequireFromString(tc.budget))
		if got != tc.want {
			t.Errorf("progressBar(%s, %s) = %q, want %q", tc.spent, tc.budget, got, tc.want)
		}
	}
}

func TestFormatOrderStatus(t *testing.T) {
	t.Parallel()
	o, err := order.New(1, 42, order.SideStake,
		decimal.RequireFromString("0.5"), decimal.RequireFromString("5"), time.Hour, time.Now())
	if err != nil {
		t.Fatalf("new order: %v", err)
	}

	if got := formatOrder(o); !strings.Contains(got, "active") || !strings.Contains(got, "every hour") {
		t.Fatalf("active order = %q", got)
	}

	o.Active = false
	if got := formatOrder(o); !strings.Contains(got, "cancelled") {
		t.Fatalf("cancelled order = %q", got)
	}

	o.TotalSpent = o.TotalBudget
	if got := formatOrder(o); !strings.Contains(got, "completed") {
		t.Fatalf("completed order = %q", got)
	}
}
