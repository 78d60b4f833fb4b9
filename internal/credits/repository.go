package credits

import (
	"context"
	"time"
)

// Repository persists ledger rows. Every method joins the transaction
// carried by ctx when there is one.
type Repository interface {
	// Insert stores e. It returns false without error when a row with the
	// same kind and idempotency key already exists.
	Insert(ctx context.Context, e Entry) (bool, error)
	FindByIdempotencyKey(ctx context.Context, kind Kind, key string) (Entry, bool, error)
	// GetForUpdate loads and locks one entry.
	GetForUpdate(ctx context.Context, id string) (Entry, bool, error)

	// LockUsableGrants locks one page of usable grants in consumption order:
	// expires_at ascending with never-expiring rows last, then created_at, then id.
	// A non-nil after starts the page past that position.
	LockUsableGrants(ctx context.Context, userID string, now time.Time, limit int, after *GrantCursor) ([]Entry, error)
	// CompareAndSetRemaining moves remaining from prev to next. It reports
	// false when the row no longer holds prev.
	CompareAndSetRemaining(ctx context.Context, id string, prev, next int64, now time.Time) (bool, error)
	SetStatus(ctx context.Context, id string, from, to Status, now time.Time) (bool, error)

	SumUsable(ctx context.Context, userID string, now time.Time) (int64, error)
	List(ctx context.Context, userID string, q ListQuery) ([]Entry, error)
}

// GrantCursor is a position in consumption order, taken from the last row of a page.
type GrantCursor struct {
	ExpiresAt *time.Time
	CreatedAt time.Time
	ID        string
}

func cursorOf(e Entry) *GrantCursor {
	return &GrantCursor{ExpiresAt: e.ExpiresAt, CreatedAt: e.CreatedAt, ID: e.ID}
}

// ListQuery filters entry listings.
type ListQuery struct {
	Kind   Kind      `form:"kind"`
	Scene  Scene     `form:"scene"`
	From   time.Time `form:"from" time_format:"2006-01-02T15:04:05Z07:00"`
	To     time.Time `form:"to" time_format:"2006-01-02T15:04:05Z07:00"`
	Limit  int       `form:"limit"`
	Offset int       `form:"offset"`
}

const (
	defaultListLimit = 20
	maxListLimit     = 500
)

func (q ListQuery) normalized() ListQuery {
	if q.Limit <= 0 {
		q.Limit = defaultListLimit
	}
	if q.Limit > maxListLimit {
		q.Limit = maxListLimit
	}
	if q.Offset < 0 {
		q.Offset = 0
	}
	return q
}
