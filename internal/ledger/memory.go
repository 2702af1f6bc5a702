package ledger

import (
	"context"
	"sync"
	"time"

	"github.com/creditflow/metergate/pkg/events"
	"github.com/creditflow/metergate/pkg/models"
)

// Memory is an in-process ledger for development and tests. Debits for all
// users serialize through one mutex, which satisfies the same no-overdraft
// contract as the conditional UPDATE in the Postgres ledger.
type Memory struct {
	mu       sync.Mutex
	accounts map[string]*models.CreditAccount
	txs      map[string][]models.Transaction
	bus      *events.Bus
}

// NewMemory creates an empty in-memory ledger.
func NewMemory() *Memory {
	return &Memory{
		accounts: make(map[string]*models.CreditAccount),
		txs:      make(map[string][]models.Transaction),
	}
}

// SetEventBus attaches a bus for account lifecycle events. Optional.
func (m *Memory) SetEventBus(bus *events.Bus) {
	m.bus = bus
}

func (m *Memory) publish(event events.Event) {
	if m.bus == nil {
		return
	}
	m.bus.Publish(context.Background(), event)
}

// account returns the user's account, creating it with the default grant.
// Callers must hold the mutex.
func (m *Memory) account(userID string) *models.CreditAccount {
	acct, ok := m.accounts[userID]
	if !ok {
		now := time.Now()
		acct = &models.CreditAccount{
			UserID:    userID,
			Balance:   DefaultGrant,
			CreatedAt: now,
			UpdatedAt: now,
		}
		m.accounts[userID] = acct
		m.publish(events.NewEvent(events.EventAccountCreated, userID, map[string]interface{}{
			"grant": int64(DefaultGrant),
		}))
	}
	return acct
}

// GetBalance implements Ledger.
func (m *Memory) GetBalance(ctx context.Context, userID string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.account(userID).Balance, nil
}

// Debit implements Ledger.
func (m *Memory) Debit(ctx context.Context, userID string, amount int64) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	acct := m.account(userID)
	acct.Balance -= amount
	if acct.Balance < 0 {
		acct.Balance = 0
	}
	acct.UpdatedAt = time.Now()
	return acct.Balance, nil
}

// Credit implements Ledger.
func (m *Memory) Credit(ctx context.Context, userID string, amount int64) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	acct := m.account(userID)
	acct.Balance += amount
	acct.UpdatedAt = time.Now()

	m.publish(events.NewEvent(events.EventCreditGranted, userID, map[string]interface{}{
		"amount":  amount,
		"balance": acct.Balance,
	}))
	return acct.Balance, nil
}

// RecordTransaction implements Ledger.
func (m *Memory) RecordTransaction(ctx context.Context, tx models.Transaction) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.txs[tx.UserID] = append(m.txs[tx.UserID], tx)
	return nil
}

// ListTransactions implements Ledger.
func (m *Memory) ListTransactions(ctx context.Context, userID string, limit int) ([]models.Transaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	all := m.txs[userID]
	if limit <= 0 || len(all) <= limit {
		out := make([]models.Transaction, len(all))
		copy(out, all)
		return out, nil
	}

	out := make([]models.Transaction, limit)
	copy(out, all[len(all)-limit:])
	return out, nil
}
