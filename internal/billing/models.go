package billing

import (
	"time"

	"github.com/shopspring/decimal"
)

// Transaction is an immutable credit ledger entry.
// Every balance change has exactly one Transaction.
type Transaction struct {
	ID            string          `json:"id" db:"id"`
	APIKeyID      string          `json:"apiKeyId" db:"api_key_id"`
	CallID        string          `json:"callId,omitempty" db:"call_id"`
	Type          TransactionType `json:"type" db:"transaction_type"`
	Amount        decimal.Decimal `json:"amount" db:"amount"`
	BalanceBefore decimal.Decimal `json:"balanceBefore" db:"balance_before"`
	BalanceAfter  decimal.Decimal `json:"balanceAfter" db:"balance_after"`
	Description   string          `json:"description" db:"description"`
	CreatedAt     time.Time       `json:"createdAt" db:"created_at"`
}

type TransactionType string

const (
	TransactionTypeDebit  TransactionType = "debit"
	TransactionTypeCredit TransactionType = "credit"
)

// AccountState is the locked view of an account inside a ledger transaction.
type AccountState struct {
	APIKeyID      string
	Credits       decimal.Decimal
	RatePerSecond decimal.Decimal
}

// Result is what BillCall reports back to the call lifecycle.
type Result struct {
	BillableSeconds int64           `json:"billableSeconds"`
	RatePerSecond   decimal.Decimal `json:"ratePerSecond"`
	Cost            decimal.Decimal `json:"cost"`
	BalanceAfter    decimal.Decimal `json:"balanceAfter"`

	// Duplicate is set when the call had already been charged.
	Duplicate bool `json:"duplicate,omitempty"`
}
