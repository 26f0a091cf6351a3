// Package ledger abstracts the chain-side transfer executor.
//
// The engine never talks to the chain directly; it hands clamped amounts to a
// Gateway and classifies the outcome by error type. Either failure class
// skips the slot: the schedule advances one interval and no budget is spent.
// The classification only shapes the owner-facing message and the logs.
package ledger

import (
	"context"
	"errors"
	"fmt"

	"github.com/shopspring/decimal"

	"stakebot/internal/order"
)

// TransferRequest is one attempt to move funds for an order run.
type TransferRequest struct {
	TargetID int64
	Side     order.Side
	Amount   decimal.Decimal
}

// Receipt confirms an accepted transfer.
type Receipt struct {
	TxID string
}

// Balance is the wallet snapshot used by /balance.
type Balance struct {
	Free   decimal.Decimal
	Staked decimal.Decimal
	Unit   string
}

type Gateway interface {
	Transfer(ctx context.Context, req TransferRequest) (Receipt, error)
	Balance(ctx context.Context) (Balance, error)
}

// TransientError marks failures worth retrying on the next eligible tick:
// timeouts, connectivity, 5xx from the signer.
type TransientError struct {
	Err error
}

func (e *TransientError) Error() string { return fmt.Sprintf("transient: %v", e.Err) }
func (e *TransientError) Unwrap() error { return e.Err }

// PermanentError marks failures a retry cannot fix: rejected extrinsics,
// invalid targets, insufficient funds.
type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string { return fmt.Sprintf("permanent: %v", e.Err) }
func (e *PermanentError) Unwrap() error { return e.Err }

func Transient(err error) error {
	if err == nil {
		return nil
	}
	return &TransientError{Err: err}
}

func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &PermanentError{Err: err}
}

func IsTransient(err error) bool {
	var te *TransientError
	return errors.As(err, &te)
}

func IsPermanent(err error) bool {
	var pe *PermanentError
	return errors.As(err, &pe)
}
