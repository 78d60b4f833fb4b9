package audit

import "time"

// Event is an immutable, append-only audit log record.
//
// Invariants:
// - Events are never updated or deleted.
// - user_id names the account the action was about.
// - actor and ip capture are best-effort; do not block credit or billing flows on audit failures.
type Event struct {
	ID string `json:"id" db:"id"`

	Type EventType `json:"type" db:"type"`

	// UserID is the account affected by the event.
	UserID string `json:"user_id" db:"user_id"`

	// ActorUserID is the authenticated user causing the event (if applicable).
	ActorUserID string `json:"actor_user_id,omitempty" db:"actor_user_id"`
	// ActorRole may include hidden roles.
	ActorRole string `json:"actor_role,omitempty" db:"actor_role"`

	// IPAddress is the resolved client IP when available.
	IPAddress string `json:"ip_address,omitempty" db:"ip_address"`

	EntryID        string `json:"entry_id,omitempty" db:"entry_id"`
	OrderNo        string `json:"order_no,omitempty" db:"order_no"`
	SubscriptionNo string `json:"subscription_no,omitempty" db:"subscription_no"`

	Message string `json:"message,omitempty" db:"message"`

	// Metadata is optional JSON for full details.
	Metadata string `json:"metadata,omitempty" db:"metadata"`

	CreatedAt time.Time `json:"created_at" db:"created_at"`
}

type EventType string

const (
	EventTypeAdminGrant         EventType = "admin_grant"
	EventTypeGrantVoided        EventType = "grant_voided"
	EventTypeCheckoutCreated    EventType = "checkout_created"
	EventTypeCancelSubscription EventType = "subscription_cancel_requested"
)
