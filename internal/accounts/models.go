package accounts

import (
	"time"

	"github.com/shopspring/decimal"
)

// Account is an API key holder with a prepaid credit balance.
// Credits only change through the billing ledger.
type Account struct {
	ID            string          `json:"id" db:"id"`
	Key           string          `json:"-" db:"api_key"`
	Name          string          `json:"name" db:"key_name"`
	Active        bool            `json:"active" db:"is_active"`
	Credits       decimal.Decimal `json:"credits" db:"credits"`
	RatePerSecond decimal.Decimal `json:"ratePerSecond" db:"rate_per_second"`

	// RateLimit is requests per hour; zero means the server default.
	RateLimit int `json:"rateLimit" db:"rate_limit"`

	LastUsed  *time.Time `json:"lastUsed,omitempty" db:"last_used"`
	CreatedAt time.Time  `json:"createdAt" db:"created_at"`
}

// HasCredits reports whether the account may start a billable call.
func (a Account) HasCredits() bool {
	return a.Credits.IsPositive()
}
