package billing

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func newTestEngine(l Ledger) *Engine {
	e := NewEngine(l, nil)
	e.clock = func() time.Time { return time.Unix(1700000000, 0) }
	return e
}

func TestBillCall_RoundsUpAndDebits(t *testing.T) {
	l := NewMemoryLedger()
	l.SetAccount("k1", d("10.00"), d("0.01"))
	e := newTestEngine(l)

	res, err := e.BillCall(context.Background(), "k1", "call-1", 47.3, decimal.Zero)
	if err != nil {
		t.Fatalf("bill: %v", err)
	}
	if res.BillableSeconds != 48 {
		t.Fatalf("expected 48s, got %d", res.BillableSeconds)
	}
	if !res.Cost.Equal(d("0.48")) {
		t.Fatalf("expected cost 0.48, got %s", res.Cost)
	}
	if !res.BalanceAfter.Equal(d("9.52")) {
		t.Fatalf("expected balance 9.52, got %s", res.BalanceAfter)
	}

	txs := l.Transactions("k1")
	if len(txs) != 1 {
		t.Fatalf("expected 1 transaction, got %d", len(txs))
	}
	if txs[0].Description != "Per-second billing: 48s @ 0.01/s" {
		t.Fatalf("unexpected description %q", txs[0].Description)
	}
	if !txs[0].BalanceBefore.Equal(d("10.00")) || !txs[0].BalanceAfter.Equal(d("9.52")) {
		t.Fatalf("unexpected balances %+v", txs[0])
	}
}

func TestBillCall_InsufficientCreditsLeavesLedgerUntouched(t *testing.T) {
	l := NewMemoryLedger()
	l.SetAccount("k1", d("0.40"), d("0.01"))
	e := newTestEngine(l)

	_, err := e.BillCall(context.Background(), "k1", "call-1", 50, decimal.Zero)
	if !errors.Is(err, ErrInsufficientCredits) {
		t.Fatalf("expected ErrInsufficientCredits, got %v", err)
	}
	bal, _ := l.Balance(context.Background(), "k1")
	if !bal.Equal(d("0.40")) {
		t.Fatalf("balance changed: %s", bal)
	}
	if n := len(l.Transactions("k1")); n != 0 {
		t.Fatalf("expected no transactions, got %d", n)
	}
}

func TestBillCall_ZeroCostDoesNotTouchLedger(t *testing.T) {
	l := NewMemoryLedger()
	l.SetAccount("k1", d("1.00"), decimal.Zero)
	e := newTestEngine(l)

	res, err := e.BillCall(context.Background(), "k1", "call-1", 30, decimal.Zero)
	if err != nil {
		t.Fatalf("bill: %v", err)
	}
	if !res.Cost.IsZero() || !res.BalanceAfter.Equal(d("1.00")) {
		t.Fatalf("unexpected result %+v", res)
	}
	if n := len(l.Transactions("k1")); n != 0 {
		t.Fatalf("expected no transactions, got %d", n)
	}

	res, err = e.BillCall(context.Background(), "k1", "call-2", 0, d("0.05"))
	if err != nil || !res.Cost.IsZero() {
		t.Fatalf("zero duration should be free, got %+v err=%v", res, err)
	}
}

func TestBillCall_HintOverridesStoredRate(t *testing.T) {
	l := NewMemoryLedger()
	l.SetAccount("k1", d("5"), d("0.01"))
	e := newTestEngine(l)

	res, err := e.BillCall(context.Background(), "k1", "call-1", 10, d("0.02"))
	if err != nil {
		t.Fatalf("bill: %v", err)
	}
	if !res.RatePerSecond.Equal(d("0.02")) || !res.Cost.Equal(d("0.2")) {
		t.Fatalf("unexpected result %+v", res)
	}
}

func TestBillCall_IdempotentPerCall(t *testing.T) {
	l := NewMemoryLedger()
	l.SetAccount("k1", d("10"), d("0.01"))
	e := newTestEngine(l)
	ctx := context.Background()

	if _, err := e.BillCall(ctx, "k1", "call-1", 10, decimal.Zero); err != nil {
		t.Fatalf("first bill: %v", err)
	}
	res, err := e.BillCall(ctx, "k1", "call-1", 10, decimal.Zero)
	if err != nil {
		t.Fatalf("second bill: %v", err)
	}
	if !res.Duplicate {
		t.Fatalf("expected duplicate flag")
	}
	bal, _ := l.Balance(ctx, "k1")
	if !bal.Equal(d("9.9")) {
		t.Fatalf("expected single charge, balance %s", bal)
	}
	if n := len(l.Transactions("k1")); n != 1 {
		t.Fatalf("expected 1 transaction, got %d", n)
	}
}

func TestBillCall_ConcurrentChargesSerialize(t *testing.T) {
	l := NewMemoryLedger()
	l.SetAccount("k1", d("1.00"), d("0.01"))
	e := newTestEngine(l)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, _ = e.BillCall(context.Background(), "k1", "call-"+string(rune('a'+i)), 10, decimal.Zero)
		}(i)
	}
	wg.Wait()

	bal, _ := l.Balance(context.Background(), "k1")
	if !bal.IsZero() {
		t.Fatalf("expected exactly 10 charges to drain the balance, got %s", bal)
	}
	if n := len(l.Transactions("k1")); n != 10 {
		t.Fatalf("expected 10 transactions, got %d", n)
	}
}

func TestBillCall_UnknownAccount(t *testing.T) {
	e := newTestEngine(NewMemoryLedger())
	if _, err := e.BillCall(context.Background(), "nope", "c", 10, d("0.01")); !errors.Is(err, ErrAccountNotFound) {
		t.Fatalf("expected ErrAccountNotFound, got %v", err)
	}
	if _, err := e.BillCall(context.Background(), "", "c", 10, d("0.01")); err != ErrInvalidArgument {
		t.Fatalf("expected ErrInvalidArgument, got %v", err)
	}
}

func TestCredit_TopUp(t *testing.T) {
	l := NewMemoryLedger()
	l.SetAccount("k1", d("1"), d("0.01"))
	e := newTestEngine(l)

	tx, err := e.Credit(context.Background(), "k1", d("4.5"), "")
	if err != nil {
		t.Fatalf("credit: %v", err)
	}
	if tx.Type != TransactionTypeCredit || !tx.BalanceAfter.Equal(d("5.5")) {
		t.Fatalf("unexpected transaction %+v", tx)
	}
	if _, err := e.Credit(context.Background(), "k1", d("-1"), ""); err != ErrInvalidArgument {
		t.Fatalf("expected ErrInvalidArgument, got %v", err)
	}
}
