package calllog

import (
	"time"

	"github.com/shopspring/decimal"
)

// Entry is one persisted call record. Writes are upserts keyed by CallID:
// later writes fill in fields without clearing ones already set.
type Entry struct {
	CallID            string     `json:"callId" db:"call_id"`
	APIKeyID          string     `json:"apiKeyId" db:"api_key_id"`
	Number            string     `json:"number" db:"number"`
	CallerID          string     `json:"callerId,omitempty" db:"caller_id"`
	Status            string     `json:"status" db:"status"`
	AMDStatus         string     `json:"amdStatus,omitempty" db:"amd_status"`
	RecordingFilename string     `json:"recordingFilename,omitempty" db:"recording_filename"`
	WebhookURL        string     `json:"webhookUrl,omitempty" db:"webhook_url"`
	Trunk             string     `json:"trunk,omitempty" db:"trunk"`
	EndReason         string     `json:"endReason,omitempty" db:"end_reason"`
	CreatedAt         time.Time  `json:"createdAt" db:"created_at"`
	AnsweredAt        *time.Time `json:"answeredAt,omitempty" db:"answered_at"`
	EndedAt           *time.Time `json:"endedAt,omitempty" db:"ended_at"`
	Duration          int64      `json:"duration" db:"duration"`

	BillSeconds int64               `json:"billSeconds,omitempty" db:"bill_seconds"`
	BillCost    decimal.NullDecimal `json:"billCost,omitempty" db:"bill_cost"`
}

// Filter narrows List results. Zero values are ignored.
type Filter struct {
	APIKeyID string
	Status   string
	From     time.Time
	To       time.Time
	Limit    int
	Offset   int
}

func (f Filter) limit() int {
	if f.Limit <= 0 || f.Limit > 500 {
		return 100
	}
	return f.Limit
}

func (f Filter) match(e Entry) bool {
	if f.APIKeyID != "" && e.APIKeyID != f.APIKeyID {
		return false
	}
	if f.Status != "" && e.Status != f.Status {
		return false
	}
	if !f.From.IsZero() && e.CreatedAt.Before(f.From) {
		return false
	}
	if !f.To.IsZero() && !e.CreatedAt.Before(f.To) {
		return false
	}
	return true
}
