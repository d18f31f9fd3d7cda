package billing

import (
	"context"
	"sync"
	"time"

	"github.com/shopspring/decimal"
)

// MemoryLedger is an in-memory Ledger for tests and local runs.
// Transactions are serialized by a single mutex and staged until the callback succeeds.
type MemoryLedger struct {
	mu       sync.Mutex
	accounts map[string]AccountState
	entries  []Transaction
}

func NewMemoryLedger() *MemoryLedger {
	return &MemoryLedger{accounts: map[string]AccountState{}}
}

// SetAccount seeds or replaces an account's balance and rate.
func (l *MemoryLedger) SetAccount(apiKeyID string, credits, rate decimal.Decimal) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.accounts[apiKeyID] = AccountState{APIKeyID: apiKeyID, Credits: credits, RatePerSecond: rate}
}

// Transactions returns a copy of every committed entry for apiKeyID.
func (l *MemoryLedger) Transactions(apiKeyID string) []Transaction {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []Transaction
	for _, e := range l.entries {
		if e.APIKeyID == apiKeyID {
			out = append(out, e)
		}
	}
	return out
}

// ListTransactions returns entries created in [from, to), newest first.
func (l *MemoryLedger) ListTransactions(ctx context.Context, apiKeyID string, from, to time.Time) ([]Transaction, error) {
	_ = ctx
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []Transaction
	for i := len(l.entries) - 1; i >= 0; i-- {
		e := l.entries[i]
		if e.APIKeyID != apiKeyID || e.CreatedAt.Before(from) || !e.CreatedAt.Before(to) {
			continue
		}
		out = append(out, e)
	}
	return out, nil
}

func (l *MemoryLedger) Balance(ctx context.Context, apiKeyID string) (decimal.Decimal, error) {
	_ = ctx
	l.mu.Lock()
	defer l.mu.Unlock()
	a, ok := l.accounts[apiKeyID]
	if !ok {
		return decimal.Zero, ErrAccountNotFound
	}
	return a.Credits, nil
}

func (l *MemoryLedger) InTx(ctx context.Context, fn func(ctx context.Context, tx LedgerTx) error) error {
	// Mirrors BeginTx refusing a cancelled context.
	if err := ctx.Err(); err != nil {
		return err
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	tx := &memTx{parent: l, balances: map[string]decimal.Decimal{}}
	if err := fn(ctx, tx); err != nil {
		return err
	}
	for id, bal := range tx.balances {
		a := l.accounts[id]
		a.Credits = bal
		l.accounts[id] = a
	}
	l.entries = append(l.entries, tx.pending...)
	return nil
}

type memTx struct {
	parent   *MemoryLedger
	balances map[string]decimal.Decimal
	pending  []Transaction
}

func (t *memTx) LockAccount(ctx context.Context, apiKeyID string) (AccountState, error) {
	_ = ctx
	a, ok := t.parent.accounts[apiKeyID]
	if !ok {
		return AccountState{}, ErrAccountNotFound
	}
	if bal, staged := t.balances[apiKeyID]; staged {
		a.Credits = bal
	}
	return a, nil
}

func (t *memTx) FindTransaction(ctx context.Context, apiKeyID, callID string, typ TransactionType) (Transaction, bool, error) {
	_ = ctx
	for _, set := range [][]Transaction{t.parent.entries, t.pending} {
		for _, e := range set {
			if e.APIKeyID == apiKeyID && e.CallID == callID && e.Type == typ {
				return e, true, nil
			}
		}
	}
	return Transaction{}, false, nil
}

func (t *memTx) SetBalance(ctx context.Context, apiKeyID string, balance decimal.Decimal) error {
	_ = ctx
	if _, ok := t.parent.accounts[apiKeyID]; !ok {
		return ErrAccountNotFound
	}
	t.balances[apiKeyID] = balance
	return nil
}

func (t *memTx) InsertTransaction(ctx context.Context, e Transaction) error {
	if e.CallID != "" {
		if _, dup, _ := t.FindTransaction(ctx, e.APIKeyID, e.CallID, e.Type); dup {
			return ErrDuplicateTransaction
		}
	}
	t.pending = append(t.pending, e)
	return nil
}
