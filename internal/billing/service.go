package billing

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"voice-orchestrator/internal/pricing"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Engine charges completed calls against prepaid credits.
//
// Money invariants:
// - No balance update without a ledger entry
// - Ledger is append-only
// - Every charge runs inside one ledger transaction with the account row locked
// - A call id is charged at most once per key
type Engine struct {
	ledger Ledger
	log    *slog.Logger
	// clock is injectable for deterministic tests.
	clock func() time.Time
}

func NewEngine(ledger Ledger, log *slog.Logger) *Engine {
	if log == nil {
		log = slog.Default()
	}
	return &Engine{ledger: ledger, log: log, clock: time.Now}
}

var (
	ErrInsufficientCredits  = errors.New("insufficient credits")
	ErrAccountNotFound      = errors.New("account not found")
	ErrInvalidArgument      = errors.New("invalid argument")
	ErrDuplicateTransaction = errors.New("duplicate transaction")
)

// BillCall charges ceil(rawSeconds) at the effective rate.
// rateHint is the per-call snapshot; zero falls back to the stored account rate.
func (e *Engine) BillCall(ctx context.Context, apiKeyID, callID string, rawSeconds float64, rateHint decimal.Decimal) (Result, error) {
	if apiKeyID == "" {
		return Result{}, ErrInvalidArgument
	}

	var out Result
	err := e.ledger.InTx(ctx, func(ctx context.Context, tx LedgerTx) error {
		acct, err := tx.LockAccount(ctx, apiKeyID)
		if err != nil {
			return err
		}

		q := pricing.QuoteCall(rawSeconds, rateHint, acct.RatePerSecond)
		out = Result{
			BillableSeconds: q.BillableSeconds,
			RatePerSecond:   q.RatePerSecond,
			Cost:            q.Cost,
			BalanceAfter:    acct.Credits,
		}
		if q.Cost.IsZero() {
			return nil
		}

		if callID != "" {
			if existing, ok, err := tx.FindTransaction(ctx, apiKeyID, callID, TransactionTypeDebit); err != nil {
				return err
			} else if ok {
				out.Cost = existing.Amount
				out.BalanceAfter = acct.Credits
				out.Duplicate = true
				return nil
			}
		}

		if acct.Credits.LessThan(q.Cost) {
			return fmt.Errorf("%w: balance %s, cost %s", ErrInsufficientCredits, acct.Credits, q.Cost)
		}

		after := acct.Credits.Sub(q.Cost)
		entry := Transaction{
			ID:            uuid.NewString(),
			APIKeyID:      apiKeyID,
			CallID:        callID,
			Type:          TransactionTypeDebit,
			Amount:        q.Cost,
			BalanceBefore: acct.Credits,
			BalanceAfter:  after,
			Description:   Description(q.BillableSeconds, q.RatePerSecond),
			CreatedAt:     e.clock().UTC(),
		}
		if err := tx.SetBalance(ctx, apiKeyID, after); err != nil {
			return err
		}
		if err := tx.InsertTransaction(ctx, entry); err != nil {
			return err
		}
		out.BalanceAfter = after
		return nil
	})
	if err != nil {
		return Result{}, err
	}

	if out.Duplicate {
		e.log.Warn("call already billed", "api_key_id", apiKeyID, "call_id", callID)
	} else if out.Cost.IsPositive() {
		e.log.Info("call billed",
			"api_key_id", apiKeyID,
			"call_id", callID,
			"seconds", out.BillableSeconds,
			"rate", out.RatePerSecond.String(),
			"cost", out.Cost.String(),
			"balance_after", out.BalanceAfter.String(),
		)
	}
	return out, nil
}

// Credit tops up an account and records a credit entry.
func (e *Engine) Credit(ctx context.Context, apiKeyID string, amount decimal.Decimal, description string) (Transaction, error) {
	if apiKeyID == "" || !amount.IsPositive() {
		return Transaction{}, ErrInvalidArgument
	}
	if description == "" {
		description = "Credit top-up"
	}

	var out Transaction
	err := e.ledger.InTx(ctx, func(ctx context.Context, tx LedgerTx) error {
		acct, err := tx.LockAccount(ctx, apiKeyID)
		if err != nil {
			return err
		}
		after := acct.Credits.Add(amount)
		entry := Transaction{
			ID:            uuid.NewString(),
			APIKeyID:      apiKeyID,
			Type:          TransactionTypeCredit,
			Amount:        amount,
			BalanceBefore: acct.Credits,
			BalanceAfter:  after,
			Description:   description,
			CreatedAt:     e.clock().UTC(),
		}
		if err := tx.SetBalance(ctx, apiKeyID, after); err != nil {
			return err
		}
		if err := tx.InsertTransaction(ctx, entry); err != nil {
			return err
		}
		out = entry
		return nil
	})
	return out, err
}

func (e *Engine) Balance(ctx context.Context, apiKeyID string) (decimal.Decimal, error) {
	if apiKeyID == "" {
		return decimal.Zero, ErrInvalidArgument
	}
	return e.ledger.Balance(ctx, apiKeyID)
}

// Description renders the ledger text for a per-second charge.
func Description(seconds int64, rate decimal.Decimal) string {
	return fmt.Sprintf("Per-second billing: %ds @ %s/s", seconds, rate.String())
}
