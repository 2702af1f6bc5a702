package ledger

import (
	"context"
	"errors"

	"github.com/creditflow/metergate/pkg/models"
)

// DefaultGrant is the balance a credit account starts with on first contact.
const DefaultGrant = 1000

// ErrUnavailable is returned when the backing store cannot be reached. The
// admission check treats it as "balance unknown" and denies conservatively.
var ErrUnavailable = errors.New("credit store unavailable")

// Ledger is the contract the metering engine requires of the credit store.
//
// Debit must be atomic with respect to concurrent debits for the same user:
// a read-then-write implementation allows overdraft under concurrency and is
// a correctness bug, not an optimization target.
type Ledger interface {
	// GetBalance returns the user's balance, creating the account with the
	// default grant if it does not exist. Creation is idempotent.
	GetBalance(ctx context.Context, userID string) (int64, error)

	// Debit subtracts amount from the balance, clamped so the result is
	// never negative, and returns the new balance.
	Debit(ctx context.Context, userID string, amount int64) (int64, error)

	// Credit adds amount to the balance and returns the new balance.
	Credit(ctx context.Context, userID string, amount int64) (int64, error)

	// RecordTransaction appends an audit row. Best-effort: failures are for
	// the caller to log, never to surface.
	RecordTransaction(ctx context.Context, tx models.Transaction) error

	// ListTransactions returns the most recent audit rows for a user. A
	// non-positive limit returns all rows.
	ListTransactions(ctx context.Context, userID string, limit int) ([]models.Transaction, error)
}
