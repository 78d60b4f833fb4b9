package credits

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/samber/lo"
)

// MemoryRepo is an in-memory ledger for tests and single-process runs.
// Pair it with utils.LocalTransactor so consumption stays serialized.
type MemoryRepo struct {
	mu      sync.RWMutex
	entries []Entry
	byID    map[string]int
}

func NewMemoryRepo() *MemoryRepo { return &MemoryRepo{byID: map[string]int{}} }

func (r *MemoryRepo) Insert(ctx context.Context, e Entry) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e.IdempotencyKey != "" {
		for _, x := range r.entries {
			if x.Kind == e.Kind && x.IdempotencyKey == e.IdempotencyKey {
				return false, nil
			}
		}
	}
	r.byID[e.ID] = len(r.entries)
	r.entries = append(r.entries, cloneEntry(e))
	return true, nil
}

func (r *MemoryRepo) FindByIdempotencyKey(ctx context.Context, kind Kind, key string) (Entry, bool, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := lo.Find(r.entries, func(x Entry) bool { return x.Kind == kind && x.IdempotencyKey == key })
	if !ok {
		return Entry{}, false, nil
	}
	return cloneEntry(e), true, nil
}

func (r *MemoryRepo) GetForUpdate(ctx context.Context, id string) (Entry, bool, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	i, ok := r.byID[id]
	if !ok {
		return Entry{}, false, nil
	}
	return cloneEntry(r.entries[i]), true, nil
}

func (r *MemoryRepo) LockUsableGrants(ctx context.Context, userID string, now time.Time, limit int, after *GrantCursor) ([]Entry, error) {
	var pos Entry
	if after != nil {
		pos = Entry{ExpiresAt: after.ExpiresAt, CreatedAt: after.CreatedAt, ID: after.ID}
	}
	r.mu.RLock()
	usable := lo.Filter(r.entries, func(e Entry, _ int) bool {
		return e.UserID == userID && e.Usable(now) && (after == nil || consumesBefore(pos, e))
	})
	r.mu.RUnlock()

	sort.Slice(usable, func(i, j int) bool { return consumesBefore(usable[i], usable[j]) })
	if len(usable) > limit {
		usable = usable[:limit]
	}
	return lo.Map(usable, func(e Entry, _ int) Entry { return cloneEntry(e) }), nil
}

func (r *MemoryRepo) CompareAndSetRemaining(ctx context.Context, id string, prev, next int64, now time.Time) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	i, ok := r.byID[id]
	if !ok || r.entries[i].Kind != KindGrant || r.entries[i].Remaining != prev {
		return false, nil
	}
	r.entries[i].Remaining = next
	r.entries[i].UpdatedAt = now
	return true, nil
}

func (r *MemoryRepo) SetStatus(ctx context.Context, id string, from, to Status, now time.Time) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	i, ok := r.byID[id]
	if !ok || r.entries[i].Status != from {
		return false, nil
	}
	r.entries[i].Status = to
	r.entries[i].UpdatedAt = now
	return true, nil
}

func (r *MemoryRepo) SumUsable(ctx context.Context, userID string, now time.Time) (int64, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return lo.SumBy(r.entries, func(e Entry) int64 {
		if e.UserID != userID || !e.Usable(now) {
			return 0
		}
		return e.Remaining
	}), nil
}

func (r *MemoryRepo) List(ctx context.Context, userID string, q ListQuery) ([]Entry, error) {
	q = q.normalized()
	r.mu.RLock()
	rows := lo.Filter(r.entries, func(e Entry, _ int) bool {
		if e.UserID != userID {
			return false
		}
		if q.Kind != "" && e.Kind != q.Kind {
			return false
		}
		if q.Scene != "" && e.Scene != q.Scene {
			return false
		}
		if !q.From.IsZero() && e.CreatedAt.Before(q.From) {
			return false
		}
		if !q.To.IsZero() && !e.CreatedAt.Before(q.To) {
			return false
		}
		return true
	})
	r.mu.RUnlock()

	// newest first; later inserts win ties
	lo.Reverse(rows)
	sort.SliceStable(rows, func(i, j int) bool { return rows[i].CreatedAt.After(rows[j].CreatedAt) })

	if q.Offset >= len(rows) {
		return []Entry{}, nil
	}
	end := q.Offset + q.Limit
	if end > len(rows) {
		end = len(rows)
	}
	return lo.Map(rows[q.Offset:end], func(e Entry, _ int) Entry { return cloneEntry(e) }), nil
}

// Entries returns a copy of every stored row in insertion order.
func (r *MemoryRepo) Entries() []Entry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return lo.Map(r.entries, func(e Entry, _ int) Entry { return cloneEntry(e) })
}

// consumesBefore orders grants by expiry (never-expiring last), then creation time.
func consumesBefore(a, b Entry) bool {
	switch {
	case a.ExpiresAt == nil && b.ExpiresAt != nil:
		return false
	case a.ExpiresAt != nil && b.ExpiresAt == nil:
		return true
	case a.ExpiresAt != nil && b.ExpiresAt != nil && !a.ExpiresAt.Equal(*b.ExpiresAt):
		return a.ExpiresAt.Before(*b.ExpiresAt)
	case !a.CreatedAt.Equal(b.CreatedAt):
		return a.CreatedAt.Before(b.CreatedAt)
	}
	return a.ID < b.ID
}

func cloneEntry(e Entry) Entry {
	if e.ExpiresAt != nil {
		t := *e.ExpiresAt
		e.ExpiresAt = &t
	}
	if e.Breakdown != nil {
		e.Breakdown = append(Breakdown(nil), e.Breakdown...)
	}
	return e
}
