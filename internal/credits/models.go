package credits

import (
	"database/sql/driver"
	"encoding/json"
	"errors"
	"time"
)

// Entry is one row of the append-only credit ledger.
//
// Grant rows carry a positive Amount and a Remaining counter that only
// consumption lowers. Consume rows carry a negative Amount, Remaining 0 and
// a Breakdown whose amounts sum to -Amount. Rows are never deleted.
type Entry struct {
	ID            string `json:"id" db:"id"`
	UserID        string `json:"user_id" db:"user_id"`
	TransactionNo string `json:"transaction_no" db:"transaction_no"`

	Kind   Kind   `json:"kind" db:"kind"`
	Scene  Scene  `json:"scene" db:"scene"`
	Status Status `json:"status" db:"status"`

	// Amount is signed: positive for grants, negative for consumption.
	Amount    int64 `json:"amount" db:"amount"`
	Remaining int64 `json:"remaining" db:"remaining"`

	// ExpiresAt nil means the grant never expires.
	ExpiresAt *time.Time `json:"expires_at,omitempty" db:"expires_at"`

	OrderNo        string `json:"order_no,omitempty" db:"order_no"`
	SubscriptionNo string `json:"subscription_no,omitempty" db:"subscription_no"`
	IdempotencyKey string `json:"idempotency_key,omitempty" db:"idempotency_key"`

	Breakdown   Breakdown `json:"consumed_breakdown,omitempty" db:"consumed_breakdown"`
	Description string    `json:"description,omitempty" db:"description"`

	CreatedAt time.Time `json:"created_at" db:"created_at"`
	UpdatedAt time.Time `json:"updated_at" db:"updated_at"`
}

// Usable reports whether a grant counts toward the balance at now.
func (e Entry) Usable(now time.Time) bool {
	if e.Kind != KindGrant || e.Status != StatusActive || e.Remaining <= 0 {
		return false
	}
	return e.ExpiresAt == nil || e.ExpiresAt.After(now)
}

type Kind string

const (
	KindGrant   Kind = "grant"
	KindConsume Kind = "consume"
)

type Status string

const (
	StatusActive Status = "active"
	StatusVoid   Status = "void"
)

// Scene is the business reason for an entry. Consumers may use free-form scenes.
type Scene string

const (
	SceneSignupBonus  Scene = "signup-bonus"
	ScenePurchase     Scene = "purchase"
	SceneSubscription Scene = "subscription"
	SceneRenewal      Scene = "renewal"
	SceneAdminGrant   Scene = "admin-grant"
	SceneGift         Scene = "gift"
	SceneReward       Scene = "reward"
	SceneAITask       Scene = "ai-task"
)

// ConsumedItem records how much one grant contributed to a consumption.
type ConsumedItem struct {
	EntryID       string     `json:"entry_id"`
	TransactionNo string     `json:"transaction_no"`
	ExpiresAt     *time.Time `json:"expires_at,omitempty"`
	Amount        int64      `json:"amount"`
	Before        int64      `json:"before"`
	After         int64      `json:"after"`
}

// Breakdown is stored as JSONB on consume rows.
type Breakdown []ConsumedItem

// Total is the sum of all item amounts.
func (b Breakdown) Total() int64 {
	var n int64
	for _, it := range b {
		n += it.Amount
	}
	return n
}

func (b Breakdown) Value() (driver.Value, error) {
	if b == nil {
		return nil, nil
	}
	raw, err := json.Marshal([]ConsumedItem(b))
	if err != nil {
		return nil, err
	}
	return raw, nil
}

func (b *Breakdown) Scan(src any) error {
	switch v := src.(type) {
	case nil:
		*b = nil
		return nil
	case []byte:
		return json.Unmarshal(v, (*[]ConsumedItem)(b))
	case string:
		return json.Unmarshal([]byte(v), (*[]ConsumedItem)(b))
	default:
		return errors.New("credits: unsupported breakdown type")
	}
}
