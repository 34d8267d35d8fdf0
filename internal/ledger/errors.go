package ledger

import (
	"context"
	"errors"
	"fmt"

	"github.com/duangjit/backend/internal/lock"
)

var (
	// ErrInvalidCreditAmount is returned for non-positive credits, before
	// the store is touched.
	ErrInvalidCreditAmount = errors.New("ledger: credit amount must be positive")
	ErrInvalidCreditSource = errors.New("ledger: unknown credit source")
	ErrMissingCorrelation  = errors.New("ledger: credit requires a correlation id")
	ErrEmptyAccountKey     = errors.New("ledger: empty account key")
	// ErrLedgerContention means the account row kept changing underneath us
	// (or its lock could not be taken) for every allowed attempt. Nothing
	// was applied; the call may be re-issued.
	ErrLedgerContention = errors.New("ledger: contention on account")
	// ErrStoreUnavailable wraps failures talking to the account store. The
	// mutation may or may not have been applied; re-issue it.
	ErrStoreUnavailable = errors.New("ledger: account store unavailable")
)

// storeErr classifies an error coming back from the store or the locker.
func storeErr(op string, err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, ErrLedgerContention), errors.Is(err, ErrStoreUnavailable):
		return err
	case errors.Is(err, lock.ErrTimeout):
		return fmt.Errorf("%w: %s: %w", ErrLedgerContention, op, err)
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return err
	default:
		return fmt.Errorf("%w: %s: %w", ErrStoreUnavailable, op, err)
	}
}
