package ledger

import (
	"context"
	"errors"
	"fmt"

	"github.com/creditflow/metergate/pkg/database"
	"github.com/creditflow/metergate/pkg/events"
	"github.com/creditflow/metergate/pkg/models"
	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"
)

// Postgres is the production ledger. The clamp-at-zero decrement is pushed
// into a single conditional UPDATE so concurrent debits against one account
// serialize at the row, not in application code.
type Postgres struct {
	db     *database.Database
	logger *zap.Logger
	bus    *events.Bus
}

// NewPostgres creates a ledger over the shared connection pool. bus may be
// nil; when set, account creation and grants publish lifecycle events.
func NewPostgres(db *database.Database, logger *zap.Logger, bus *events.Bus) *Postgres {
	return &Postgres{
		db:     db,
		logger: logger,
		bus:    bus,
	}
}

func (p *Postgres) publish(event events.Event) {
	if p.bus == nil {
		return
	}
	p.bus.Publish(context.Background(), event)
}

// GetBalance returns the balance, creating the account with the default
// grant on first contact. ON CONFLICT DO NOTHING makes creation idempotent
// under concurrent first requests.
func (p *Postgres) GetBalance(ctx context.Context, userID string) (int64, error) {
	tag, err := p.db.Pool.Exec(ctx, `
		INSERT INTO credit_accounts (user_id, balance)
		VALUES ($1, $2)
		ON CONFLICT (user_id) DO NOTHING
	`, userID, int64(DefaultGrant))
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	if tag.RowsAffected() == 1 {
		p.publish(events.NewEvent(events.EventAccountCreated, userID, map[string]interface{}{
			"grant": int64(DefaultGrant),
		}))
	}

	var balance int64
	err = p.db.Pool.QueryRow(ctx, `
		SELECT balance FROM credit_accounts WHERE user_id = $1
	`, userID).Scan(&balance)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	return balance, nil
}

// Debit decrements the balance atomically, clamped at zero.
func (p *Postgres) Debit(ctx context.Context, userID string, amount int64) (int64, error) {
	var balance int64
	err := p.db.Pool.QueryRow(ctx, `
		UPDATE credit_accounts
		SET balance = GREATEST(balance - $2, 0), updated_at = NOW()
		WHERE user_id = $1
		RETURNING balance
	`, userID, amount).Scan(&balance)

	if errors.Is(err, pgx.ErrNoRows) {
		// Account never touched GetBalance; create it, then retry once.
		if _, err := p.GetBalance(ctx, userID); err != nil {
			return 0, err
		}
		err = p.db.Pool.QueryRow(ctx, `
			UPDATE credit_accounts
			SET balance = GREATEST(balance - $2, 0), updated_at = NOW()
			WHERE user_id = $1
			RETURNING balance
		`, userID, amount).Scan(&balance)
	}
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	return balance, nil
}

// Credit adds to the balance, creating the account if needed.
func (p *Postgres) Credit(ctx context.Context, userID string, amount int64) (int64, error) {
	if _, err := p.GetBalance(ctx, userID); err != nil {
		return 0, err
	}

	var balance int64
	err := p.db.Pool.QueryRow(ctx, `
		UPDATE credit_accounts
		SET balance = balance + $2, updated_at = NOW()
		WHERE user_id = $1
		RETURNING balance
	`, userID, amount).Scan(&balance)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	p.publish(events.NewEvent(events.EventCreditGranted, userID, map[string]interface{}{
		"amount":  amount,
		"balance": balance,
	}))

	return balance, nil
}

// RecordTransaction appends an audit row.
func (p *Postgres) RecordTransaction(ctx context.Context, tx models.Transaction) error {
	_, err := p.db.Pool.Exec(ctx, `
		INSERT INTO transactions (id, user_id, amount, kind, description, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, tx.ID, tx.UserID, tx.Amount, string(tx.Kind), tx.Description, tx.Timestamp)
	if err != nil {
		return fmt.Errorf("failed to insert transaction: %w", err)
	}
	return nil
}

// ListTransactions returns the newest audit rows first. A non-positive
// limit returns every row.
func (p *Postgres) ListTransactions(ctx context.Context, userID string, limit int) ([]models.Transaction, error) {
	query := `
		SELECT id, user_id, amount, kind, description, created_at
		FROM transactions
		WHERE user_id = $1
		ORDER BY created_at DESC
		LIMIT $2
	`
	args := []interface{}{userID, limit}
	if limit <= 0 {
		query = `
			SELECT id, user_id, amount, kind, description, created_at
			FROM transactions
			WHERE user_id = $1
			ORDER BY created_at DESC
		`
		args = []interface{}{userID}
	}

	rows, err := p.db.Pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query transactions: %w", err)
	}
	defer rows.Close()

	var txs []models.Transaction
	for rows.Next() {
		var tx models.Transaction
		var kind string
		if err := rows.Scan(&tx.ID, &tx.UserID, &tx.Amount, &kind, &tx.Description, &tx.Timestamp); err != nil {
			p.logger.Error("failed to scan transaction", zap.Error(err))
			continue
		}
		tx.Kind = models.TransactionKind(kind)
		txs = append(txs, tx)
	}

	return txs, nil
}
