package models

import "time"

// CreditAccount holds the spendable balance for a user. Accounts are created
// lazily with a default grant on first contact and mutated only through
// ledger operations.
type CreditAccount struct {
	UserID    string    `json:"user_id"`
	Balance   int64     `json:"balance"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// TransactionKind classifies audit rows.
type TransactionKind string

const (
	TransactionDebit TransactionKind = "debit"
	TransactionGrant TransactionKind = "grant"
)

// Transaction is an append-only audit row written after every settlement.
// It is informational only, never authoritative for the balance.
type Transaction struct {
	ID          string          `json:"id"`
	UserID      string          `json:"user_id"`
	Amount      int64           `json:"amount"` // signed; debits are negative
	Kind        TransactionKind `json:"kind"`
	Description string          `json:"description"`
	Timestamp   time.Time       `json:"timestamp"`
}

// UsageReport captures what the upstream actually consumed during one call.
// Either TotalTokens or the input/output pair may be populated; a nil report
// means the upstream never reported usage.
type UsageReport struct {
	TotalTokens  int64 `json:"total_tokens"`
	InputTokens  int64 `json:"input_tokens"`
	OutputTokens int64 `json:"output_tokens"`
}

// TokenCount resolves the billable token count from whichever fields the
// upstream populated.
func (u *UsageReport) TokenCount() int64 {
	if u == nil {
		return 0
	}
	if u.TotalTokens > 0 {
		return u.TotalTokens
	}
	return u.InputTokens + u.OutputTokens
}
