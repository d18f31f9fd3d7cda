package reporting

import (
	"time"

	"github.com/shopspring/decimal"
)

type TimeRange struct {
	From time.Time `json:"from"`
	To   time.Time `json:"to"`
}

// SummaryRequest asks for one API key's activity over a window.
type SummaryRequest struct {
	APIKeyID string    `json:"apiKeyId"`
	Range    TimeRange `json:"range"`
}

type CallsSummary struct {
	TotalCalls     int `json:"totalCalls"`
	CompletedCalls int `json:"completedCalls"`
	NoAnswerCalls  int `json:"noAnswerCalls"`
	FailedCalls    int `json:"failedCalls"`
	BusyCalls      int `json:"busyCalls"`
	RejectedCalls  int `json:"rejectedCalls"`
	ActiveCalls    int `json:"activeCalls"`

	TotalDurationSeconds   int64 `json:"totalDurationSeconds"`
	AverageDurationSeconds int64 `json:"averageDurationSeconds"`

	RecordedCalls int `json:"recordedCalls"`
	HumanAnswered int `json:"humanAnswered"`
	MachineAnswer int `json:"machineAnswered"`

	// SuccessRate is completed/total as a percentage with two decimals.
	SuccessRate float64 `json:"successRate"`
}

// SpendSummary is derived from immutable ledger entries.
type SpendSummary struct {
	TotalDebit    decimal.Decimal `json:"totalDebit"`
	TotalCredit   decimal.Decimal `json:"totalCredit"`
	NetDelta      decimal.Decimal `json:"netDelta"`
	BilledCalls   int             `json:"billedCalls"`
	BilledSeconds int64           `json:"billedSeconds"`
}

type Summary struct {
	APIKeyID string       `json:"apiKeyId"`
	Range    TimeRange    `json:"range"`
	Calls    CallsSummary `json:"calls"`
	Spend    SpendSummary `json:"spend"`
}
