package ledger

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/creditflow/metergate/pkg/models"
)

func TestMemoryLazyGrant(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	balance, err := m.GetBalance(ctx, "alice")
	if err != nil {
		t.Fatalf("GetBalance: %v", err)
	}
	if balance != DefaultGrant {
		t.Fatalf("new account balance = %d, want %d", balance, DefaultGrant)
	}

	// A second read must not re-grant.
	if _, err := m.Debit(ctx, "alice", 100); err != nil {
		t.Fatalf("Debit: %v", err)
	}
	balance, _ = m.GetBalance(ctx, "alice")
	if balance != DefaultGrant-100 {
		t.Fatalf("balance after debit = %d, want %d", balance, DefaultGrant-100)
	}
}

func TestMemoryDebitClampsAtZero(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	balance, err := m.Debit(ctx, "bob", DefaultGrant+500)
	if err != nil {
		t.Fatalf("Debit: %v", err)
	}
	if balance != 0 {
		t.Fatalf("overdraft debit left balance %d, want 0", balance)
	}
}

func TestMemoryConcurrentDebitsNeverOverdraft(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	// 100 workers each debiting 50 against a 1000-credit grant. The balance
	// must end at zero, never negative, no matter the interleaving.
	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			balance, err := m.Debit(ctx, "carol", 50)
			if err != nil {
				t.Errorf("Debit: %v", err)
				return
			}
			if balance < 0 {
				t.Errorf("observed negative balance %d", balance)
			}
		}()
	}
	wg.Wait()

	balance, _ := m.GetBalance(ctx, "carol")
	if balance != 0 {
		t.Fatalf("final balance = %d, want 0", balance)
	}
}

func TestMemoryCredit(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	balance, err := m.Credit(ctx, "dave", 250)
	if err != nil {
		t.Fatalf("Credit: %v", err)
	}
	if balance != DefaultGrant+250 {
		t.Fatalf("balance = %d, want %d", balance, DefaultGrant+250)
	}
}

func TestMemoryTransactions(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		err := m.RecordTransaction(ctx, models.Transaction{
			ID:        string(rune('a' + i)),
			UserID:    "erin",
			Amount:    -10,
			Kind:      models.TransactionDebit,
			Timestamp: time.Now(),
		})
		if err != nil {
			t.Fatalf("RecordTransaction: %v", err)
		}
	}

	txs, err := m.ListTransactions(ctx, "erin", 3)
	if err != nil {
		t.Fatalf("ListTransactions: %v", err)
	}
	if len(txs) != 3 {
		t.Fatalf("got %d transactions, want 3", len(txs))
	}

	txs, _ = m.ListTransactions(ctx, "erin", 50)
	if len(txs) != 5 {
		t.Fatalf("got %d transactions, want 5", len(txs))
	}

	txs, _ = m.ListTransactions(ctx, "nobody", 10)
	if len(txs) != 0 {
		t.Fatalf("unknown user returned %d transactions", len(txs))
	}
}

func TestMemoryListTransactionsNonPositiveLimit(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		m.RecordTransaction(ctx, models.Transaction{
			ID:        string(rune('a' + i)),
			UserID:    "frank",
			Amount:    -5,
			Kind:      models.TransactionDebit,
			Timestamp: time.Now(),
		})
	}

	// Zero and negative limits mean "all rows", never a panic.
	for _, limit := range []int{0, -1} {
		txs, err := m.ListTransactions(ctx, "frank", limit)
		if err != nil {
			t.Fatalf("limit=%d: %v", limit, err)
		}
		if len(txs) != 3 {
			t.Fatalf("limit=%d: got %d transactions, want 3", limit, len(txs))
		}
	}
}
