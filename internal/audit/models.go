package audit

import "time"

// Event is an immutable, append-only record of an operator action on the
// calling engine (callbacks, follow-ups, handled marks, warning resets).
//
// Invariants:
// - Events are never updated or deleted.
// - account_id is required for tenancy isolation.
// - actor and ip capture are best-effort; do not block critical flows on audit failures.
//
// Storage (Postgres): table call_audit_events, INSERT-only.
type Event struct {
	ID        string `json:"id" db:"id"`
	AccountID string `json:"account_id" db:"account_id"`

	// Type indicates the business category of the audit record.
	Type EventType `json:"type" db:"type"`

	// ActorUserID is the authenticated user causing the event (if applicable).
	ActorUserID string `json:"actor_user_id,omitempty" db:"actor_user_id"`
	ActorRole   string `json:"actor_role,omitempty" db:"actor_role"`

	// IPAddress is the resolved client IP when available.
	IPAddress string `json:"ip_address,omitempty" db:"ip_address"`

	// Target identifiers (optional, depending on the event type).
	CallID        string `json:"call_id,omitempty" db:"call_id"`
	ContactNumber string `json:"contact_number,omitempty" db:"contact_number"`

	// Message is a short human-readable description for internal ops.
	Message string `json:"message,omitempty" db:"message"`

	// Metadata is optional JSON for full details.
	Metadata string `json:"metadata,omitempty" db:"metadata"`

	CreatedAt time.Time `json:"created_at" db:"created_at"`
}

type EventType string

const (
	EventTypeCallbackInitiated EventType = "callback_initiated"
	EventTypeFollowupSent      EventType = "followup_sent"
	EventTypeMarkedHandled     EventType = "marked_handled"
	EventTypeWarningReset      EventType = "quality_warning_reset"
)

// Actor identifies who performed an action. It travels in the context so
// services below the HTTP layer can attribute their audit events.
type Actor struct {
	UserID string
	Role   string
	IP     string
}
