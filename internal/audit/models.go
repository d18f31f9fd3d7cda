package audit

import "time"

// Event is an immutable, append-only audit log record of an admin operation.
//
// Invariants:
// - Events are never updated or deleted.
// - Actor and IP capture are best-effort; audit failures never block the operation.
type Event struct {
	ID   string    `json:"id" db:"id"`
	Type EventType `json:"type" db:"type"`

	// ActorUserID is the admin causing the event, if authenticated.
	ActorUserID string `json:"actorUserId,omitempty" db:"actor_user_id"`
	ActorRole   string `json:"actorRole,omitempty" db:"actor_role"`

	// IPAddress is the resolved client IP.
	IPAddress string `json:"ipAddress,omitempty" db:"ip_address"`

	// Target identifiers, depending on the event type.
	APIKeyID  string `json:"apiKeyId,omitempty" db:"api_key_id"`
	TrunkName string `json:"trunkName,omitempty" db:"trunk_name"`

	Message string `json:"message,omitempty" db:"message"`

	// Metadata is optional JSON with full details.
	Metadata string `json:"metadata,omitempty" db:"metadata"`

	CreatedAt time.Time `json:"createdAt" db:"created_at"`
}

type EventType string

const (
	EventTypeAdminLogin   EventType = "admin_login"
	EventTypeRateChanged  EventType = "rate_changed"
	EventTypeCreditsAdded EventType = "credits_added"
	EventTypeTrunkAdded   EventType = "trunk_added"
	EventTypeTrunkRemoved EventType = "trunk_removed"
)
