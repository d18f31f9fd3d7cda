package routing

import "time"

// Trunk is an outbound SIP trunk defined on the switch.
// Name is the endpoint name used in dial strings (PJSIP/<number>@<name>).
type Trunk struct {
	Name     string    `json:"name" yaml:"name" db:"trunk_name"`
	Provider string    `json:"provider,omitempty" yaml:"provider" db:"provider"`
	Server   string    `json:"server,omitempty" yaml:"server" db:"server"`
	Port     int       `json:"port,omitempty" yaml:"port" db:"port"`
	Username string    `json:"username,omitempty" yaml:"username" db:"username"`
	Context  string    `json:"context,omitempty" yaml:"context" db:"context"`
	Enabled  bool      `json:"enabled" yaml:"enabled" db:"enabled"`
	Created  time.Time `json:"createdAt,omitempty" yaml:"-" db:"created_at"`
}

// TrunkStats accumulates per-trunk origination outcomes.
type TrunkStats struct {
	TotalCalls      int64         `json:"totalCalls"`
	SuccessCalls    int64         `json:"successCalls"`
	FailedCalls     int64         `json:"failedCalls"`
	AvgResponseTime time.Duration `json:"avgResponseTime"`
	LastUsed        time.Time     `json:"lastUsed"`
}

// SuccessRate is SuccessCalls/TotalCalls, or 0 before the first call.
func (s TrunkStats) SuccessRate() float64 {
	if s.TotalCalls == 0 {
		return 0
	}
	return float64(s.SuccessCalls) / float64(s.TotalCalls)
}
