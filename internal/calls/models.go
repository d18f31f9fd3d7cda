package calls

import (
	"time"

	"github.com/shopspring/decimal"
)

// Session is the live state of one call, keyed by the switch channel id.
//
// Lifecycle invariants:
// - AnsweredAt is set at most once and never reset
// - CreditDeducted goes false -> true at most once
// - A session is removed exactly once, after billing and logging were attempted
type Session struct {
	ID     string
	Status Status

	Number   string
	CallerID string

	// Trunk is empty for sessions first seen on the event stream.
	Trunk         string
	TrunkAttempts int

	APIKeyID      string
	RatePerSecond decimal.Decimal

	CallStartTime time.Time
	AnsweredAt    *time.Time

	CreditDeducted bool

	AMD       AMD
	Recording Recording
	Gather    *GatherState

	WebhookURL string
	VoiceName  string
	UseAMD     bool
	BridgeID   string

	ringTimer Timer
	ending    bool
	slotHeld  bool
}

type Status string

const (
	StatusRinging   Status = "ringing"
	StatusAnswered  Status = "answered"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusNoAnswer  Status = "no-answer"
)

// AMD is the answering machine detection outcome read from the channel.
type AMD struct {
	Status     string  `json:"status"`
	Cause      string  `json:"cause"`
	Confidence float64 `json:"confidence"`
}

const (
	AMDUnknown = "UNKNOWN"
	AMDMachine = "MACHINE"
	AMDHuman   = "HUMAN"
	AMDNone    = "NOAMD"
)

func defaultAMD() AMD { return AMD{Status: AMDUnknown} }

// confidenceFor maps a detection status to the fixed confidence reported to clients.
func confidenceFor(status string) float64 {
	switch status {
	case AMDMachine:
		return 0.85
	case AMDHuman:
		return 0.9
	default:
		return 0
	}
}

type Recording struct {
	Active      bool   `json:"active"`
	Filename    string `json:"filename,omitempty"`
	RecordingID string `json:"recordingId,omitempty"`
}

// GatherState tracks one digit collection. gen identifies the armed timer so a
// stale timeout callback can never clear a newer gather.
type GatherState struct {
	Digits    string
	NumDigits int
	Timeout   time.Duration
	StartTime time.Time
	Deadline  time.Time
	Prompt    string

	gen   uint64
	timer Timer
}

func (s *Session) clone() Session {
	out := *s
	if s.AnsweredAt != nil {
		t := *s.AnsweredAt
		out.AnsweredAt = &t
	}
	if s.Gather != nil {
		g := *s.Gather
		out.Gather = &g
	}
	return out
}

// Answered reports whether the far end picked up.
func (s Session) Answered() bool { return s.AnsweredAt != nil }
