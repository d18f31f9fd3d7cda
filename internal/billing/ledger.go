package billing

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"voice-orchestrator/pkg/utils"

	"github.com/shopspring/decimal"
)

// Ledger runs money operations atomically.
// Implementations must serialize concurrent transactions touching the same account.
type Ledger interface {
	InTx(ctx context.Context, fn func(ctx context.Context, tx LedgerTx) error) error
	Balance(ctx context.Context, apiKeyID string) (decimal.Decimal, error)
}

// LedgerTx is the unit of work handed to InTx callbacks.
type LedgerTx interface {
	LockAccount(ctx context.Context, apiKeyID string) (AccountState, error)
	FindTransaction(ctx context.Context, apiKeyID, callID string, typ TransactionType) (Transaction, bool, error)
	SetBalance(ctx context.Context, apiKeyID string, balance decimal.Decimal) error
	InsertTransaction(ctx context.Context, t Transaction) error
}

// PostgresLedger stores balances on api_keys and entries in credit_transactions.
//
// Expects UNIQUE (api_key_id, call_id, transaction_type) WHERE call_id <> ''.
type PostgresLedger struct {
	db *sql.DB
}

func NewPostgresLedger(db *sql.DB) *PostgresLedger {
	return &PostgresLedger{db: db}
}

func (l *PostgresLedger) InTx(ctx context.Context, fn func(ctx context.Context, tx LedgerTx) error) error {
	return utils.WithTx(ctx, l.db, &sql.TxOptions{}, func(ctx context.Context, tx *sql.Tx) error {
		return fn(ctx, pgTx{tx: tx})
	})
}

func (l *PostgresLedger) Balance(ctx context.Context, apiKeyID string) (decimal.Decimal, error) {
	const q = `SELECT credits FROM api_keys WHERE id = $1`
	var bal decimal.Decimal
	if err := l.db.QueryRowContext(ctx, q, apiKeyID).Scan(&bal); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return decimal.Zero, ErrAccountNotFound
		}
		return decimal.Zero, err
	}
	return bal, nil
}

type pgTx struct {
	tx *sql.Tx
}

func (t pgTx) LockAccount(ctx context.Context, apiKeyID string) (AccountState, error) {
	// Lock the account row to serialize concurrent charges per key.
	const q = `
SELECT id, credits, rate_per_second
FROM api_keys
WHERE id = $1
FOR UPDATE
`
	var a AccountState
	if err := t.tx.QueryRowContext(ctx, q, apiKeyID).Scan(&a.APIKeyID, &a.Credits, &a.RatePerSecond); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return AccountState{}, ErrAccountNotFound
		}
		return AccountState{}, err
	}
	return a, nil
}

func (t pgTx) FindTransaction(ctx context.Context, apiKeyID, callID string, typ TransactionType) (Transaction, bool, error) {
	const q = `
SELECT id, api_key_id, call_id, transaction_type, amount, balance_before, balance_after, description, created_at
FROM credit_transactions
WHERE api_key_id = $1 AND call_id = $2 AND transaction_type = $3
LIMIT 1
`
	var e Transaction
	err := t.tx.QueryRowContext(ctx, q, apiKeyID, callID, typ).Scan(
		&e.ID,
		&e.APIKeyID,
		&e.CallID,
		&e.Type,
		&e.Amount,
		&e.BalanceBefore,
		&e.BalanceAfter,
		&e.Description,
		&e.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Transaction{}, false, nil
		}
		return Transaction{}, false, err
	}
	return e, true, nil
}

func (t pgTx) SetBalance(ctx context.Context, apiKeyID string, balance decimal.Decimal) error {
	const q = `UPDATE api_keys SET credits = $2, updated_at = NOW() WHERE id = $1`
	_, err := t.tx.ExecContext(ctx, q, apiKeyID, balance)
	return err
}

func (t pgTx) InsertTransaction(ctx context.Context, e Transaction) error {
	const q = `
INSERT INTO credit_transactions (
  id, api_key_id, call_id, transaction_type, amount, balance_before, balance_after, description, created_at
) VALUES (
  $1,$2,$3,$4,$5,$6,$7,$8,$9
)
`
	_, err := t.tx.ExecContext(ctx, q,
		e.ID,
		e.APIKeyID,
		e.CallID,
		e.Type,
		e.Amount,
		e.BalanceBefore,
		e.BalanceAfter,
		e.Description,
		e.CreatedAt,
	)
	if utils.IsUniqueViolation(err) {
		return ErrDuplicateTransaction
	}
	return err
}

// ListTransactions returns the account's entries created in [from, to), newest first.
func (l *PostgresLedger) ListTransactions(ctx context.Context, apiKeyID string, from, to time.Time) ([]Transaction, error) {
	const q = `
SELECT id, api_key_id, COALESCE(call_id,''), transaction_type, amount, balance_before, balance_after, COALESCE(description,''), created_at
FROM credit_transactions
WHERE api_key_id = $1 AND created_at >= $2 AND created_at < $3
ORDER BY created_at DESC
`
	rows, err := l.db.QueryContext(ctx, q, apiKeyID, from, to)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Transaction
	for rows.Next() {
		var e Transaction
		if err := rows.Scan(
			&e.ID,
			&e.APIKeyID,
			&e.CallID,
			&e.Type,
			&e.Amount,
			&e.BalanceBefore,
			&e.BalanceAfter,
			&e.Description,
			&e.CreatedAt,
		); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}
