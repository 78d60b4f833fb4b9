package credits

import (
	"context"
	"errors"
	"fmt"
	"time"

	"credits-platform/internal/config"
	"credits-platform/internal/metrics"
	"credits-platform/pkg/logger"
	"credits-platform/pkg/utils"
)

const (
	consumeBatchSize  = 1000
	consumeMaxBatches = 10
)

// Ledger owns every write to the credit ledger.
//
// Invariants:
// - balance = sum of remaining over active, unexpired grants, never negative
// - a consume row's amount equals the sum of its breakdown
// - grants are written once per idempotency key
// - consumption locks the grants it drains and re-checks the total under lock
type Ledger struct {
	repo  Repository
	tx    utils.Transactor
	bonus config.CreditsConfig
	// clock is injectable for deterministic tests.
	clock func() time.Time
}

func NewLedger(repo Repository, tx utils.Transactor, bonus config.CreditsConfig) *Ledger {
	return &Ledger{repo: repo, tx: tx, bonus: bonus, clock: time.Now}
}

type GrantRequest struct {
	UserID    string
	Amount    int64
	Scene     Scene
	ExpiresAt *time.Time

	// IdempotencyKey makes the grant safe to retry: an order number for
	// purchases, subscriptionNo:transactionId for renewals.
	IdempotencyKey string
	OrderNo        string
	SubscriptionNo string
	Description    string
}

type ConsumeRequest struct {
	UserID         string `json:"user_id" validate:"required"`
	Amount         int64  `json:"amount" validate:"required,gt=0"`
	Scene          Scene  `json:"scene"`
	IdempotencyKey string `json:"idempotency_key,omitempty"`
	Description    string `json:"description,omitempty"`
}

type ConsumeResult struct {
	Entry   Entry `json:"entry"`
	Balance int64 `json:"balance"`
	// Replayed is true when the idempotency key matched an earlier consumption.
	Replayed bool `json:"replayed"`
}

// Grant appends a grant. A repeated idempotency key returns the stored row
// with created=false and changes nothing.
func (l *Ledger) Grant(ctx context.Context, req GrantRequest) (entry Entry, created bool, err error) {
	if req.UserID == "" || req.Amount <= 0 || req.Scene == "" {
		return Entry{}, false, ErrInvalidArgument
	}

	now := l.clock().UTC()
	err = l.tx.InTx(ctx, func(ctx context.Context) error {
		if req.IdempotencyKey != "" {
			existing, ok, err := l.repo.FindByIdempotencyKey(ctx, KindGrant, req.IdempotencyKey)
			if err != nil {
				return err
			}
			if ok {
				if err := sameGrant(existing, req); err != nil {
					return err
				}
				entry = existing
				return nil
			}
		}

		e := Entry{
			ID:             utils.NewTypeID("cred"),
			UserID:         req.UserID,
			TransactionNo:  utils.NewSnowID(),
			Kind:           KindGrant,
			Scene:          req.Scene,
			Status:         StatusActive,
			Amount:         req.Amount,
			Remaining:      req.Amount,
			ExpiresAt:      req.ExpiresAt,
			OrderNo:        req.OrderNo,
			SubscriptionNo: req.SubscriptionNo,
			IdempotencyKey: req.IdempotencyKey,
			Description:    req.Description,
			CreatedAt:      now,
			UpdatedAt:      now,
		}
		inserted, err := l.repo.Insert(ctx, e)
		if err != nil {
			return err
		}
		if !inserted {
			// lost a race with a concurrent grant for the same key
			existing, ok, err := l.repo.FindByIdempotencyKey(ctx, KindGrant, req.IdempotencyKey)
			if err != nil {
				return err
			}
			if !ok {
				return fmt.Errorf("%w: grant key %q conflicted but was not found", ErrLedgerInvariant, req.IdempotencyKey)
			}
			if err := sameGrant(existing, req); err != nil {
				return err
			}
			entry = existing
			return nil
		}
		entry, created = e, true
		return nil
	})
	if err != nil {
		return Entry{}, false, err
	}

	if created {
		metrics.RecordCreditsGranted(string(req.Scene), req.Amount)
		logger.From(ctx).Info("credits granted",
			"user_id", req.UserID, "amount", req.Amount, "scene", req.Scene, "entry_id", entry.ID)
	}
	return entry, created, nil
}

// sameGrant rejects a replayed key that names a different grant.
func sameGrant(existing Entry, req GrantRequest) error {
	if existing.UserID != req.UserID || existing.Amount != req.Amount || existing.Scene != req.Scene {
		return fmt.Errorf("%w: idempotency key %q already used for another grant", ErrInvalidArgument, req.IdempotencyKey)
	}
	return nil
}

// Consume spends amount credits from the user's usable grants, soonest
// expiry first. On shortfall nothing is mutated and ErrInsufficientCredits
// is returned.
// Consume opens its own transaction; callers must not wrap it in another one.
func (l *Ledger) Consume(ctx context.Context, req ConsumeRequest) (ConsumeResult, error) {
	if req.UserID == "" || req.Amount <= 0 {
		return ConsumeResult{}, ErrInvalidArgument
	}
	if req.Scene == "" {
		req.Scene = SceneAITask
	}

	now := l.clock().UTC()
	var out ConsumeResult
	err := l.tx.InTx(ctx, func(ctx context.Context) error {
		if req.IdempotencyKey != "" {
			existing, ok, err := l.repo.FindByIdempotencyKey(ctx, KindConsume, req.IdempotencyKey)
			if err != nil {
				return err
			}
			if ok {
				if err := sameConsume(existing, req); err != nil {
					return err
				}
				out.Entry, out.Replayed = existing, true
				return nil
			}
		}

		locked, total, err := l.lockGrants(ctx, req.UserID, req.Amount, now)
		if err != nil {
			return err
		}
		if total < req.Amount {
			return fmt.Errorf("%w: balance %d < %d", ErrInsufficientCredits, total, req.Amount)
		}

		left := req.Amount
		breakdown := make(Breakdown, 0, 4)
		for _, g := range locked {
			if left == 0 {
				break
			}
			if g.Remaining <= 0 || g.Remaining > g.Amount {
				return fmt.Errorf("%w: grant %s has remaining %d of %d", ErrLedgerInvariant, g.ID, g.Remaining, g.Amount)
			}
			take := min(left, g.Remaining)
			ok, err := l.repo.CompareAndSetRemaining(ctx, g.ID, g.Remaining, g.Remaining-take, now)
			if err != nil {
				return err
			}
			if !ok {
				return fmt.Errorf("%w: grant %s changed under lock", ErrLedgerInvariant, g.ID)
			}
			breakdown = append(breakdown, ConsumedItem{
				EntryID:       g.ID,
				TransactionNo: g.TransactionNo,
				ExpiresAt:     g.ExpiresAt,
				Amount:        take,
				Before:        g.Remaining,
				After:         g.Remaining - take,
			})
			left -= take
		}
		if left != 0 || breakdown.Total() != req.Amount {
			return fmt.Errorf("%w: breakdown %d does not cover %d", ErrLedgerInvariant, breakdown.Total(), req.Amount)
		}

		e := Entry{
			ID:             utils.NewTypeID("cred"),
			UserID:         req.UserID,
			TransactionNo:  utils.NewSnowID(),
			Kind:           KindConsume,
			Scene:          req.Scene,
			Status:         StatusActive,
			Amount:         -req.Amount,
			IdempotencyKey: req.IdempotencyKey,
			Breakdown:      breakdown,
			Description:    req.Description,
			CreatedAt:      now,
			UpdatedAt:      now,
		}
		inserted, err := l.repo.Insert(ctx, e)
		if err != nil {
			return err
		}
		if !inserted {
			// a concurrent call with the same key committed first; abort so
			// the decrements above roll back, then replay its row
			return errConsumeKeyTaken
		}
		out.Entry = e
		return nil
	})
	if errors.Is(err, errConsumeKeyTaken) {
		out, err = l.replayConsume(ctx, req)
	}
	if err != nil {
		if IsInsufficient(err) {
			metrics.RecordInsufficientCredits(string(req.Scene))
		}
		return ConsumeResult{}, err
	}

	bal, err := l.GetBalance(ctx, req.UserID)
	if err != nil {
		return ConsumeResult{}, err
	}
	out.Balance = bal

	if !out.Replayed {
		metrics.RecordCreditsConsumed(string(req.Scene), req.Amount)
		logger.From(ctx).Info("credits consumed",
			"user_id", req.UserID, "amount", req.Amount, "scene", req.Scene, "entry_id", out.Entry.ID, "grants", len(out.Entry.Breakdown))
	}
	return out, nil
}

var errConsumeKeyTaken = errors.New("credits: consume key taken concurrently")

func sameConsume(existing Entry, req ConsumeRequest) error {
	if existing.UserID != req.UserID || -existing.Amount != req.Amount {
		return fmt.Errorf("%w: idempotency key reused with different parameters", ErrInvalidArgument)
	}
	return nil
}

func (l *Ledger) replayConsume(ctx context.Context, req ConsumeRequest) (ConsumeResult, error) {
	existing, ok, err := l.repo.FindByIdempotencyKey(ctx, KindConsume, req.IdempotencyKey)
	if err != nil {
		return ConsumeResult{}, err
	}
	if !ok {
		return ConsumeResult{}, fmt.Errorf("%w: consume key %q conflicted but was not found", ErrLedgerInvariant, req.IdempotencyKey)
	}
	if err := sameConsume(existing, req); err != nil {
		return ConsumeResult{}, err
	}
	return ConsumeResult{Entry: existing, Replayed: true}, nil
}

// lockGrants locks usable grants page by page until they cover amount or
// no usable grant is left. A page may come back short when a row fails the
// re-check after its lock wait, so only an empty page ends the scan.
func (l *Ledger) lockGrants(ctx context.Context, userID string, amount int64, now time.Time) ([]Entry, int64, error) {
	var (
		locked []Entry
		total  int64
		after  *GrantCursor
	)
	for batch := 0; total < amount; batch++ {
		if batch == consumeMaxBatches {
			return nil, 0, fmt.Errorf("%w: more than %d grants needed", ErrTooFragmented, consumeBatchSize*consumeMaxBatches)
		}
		rows, err := l.repo.LockUsableGrants(ctx, userID, now, consumeBatchSize, after)
		if err != nil {
			return nil, 0, err
		}
		if len(rows) == 0 {
			break
		}
		for _, g := range rows {
			total += g.Remaining
		}
		locked = append(locked, rows...)
		after = cursorOf(rows[len(rows)-1])
	}
	return locked, total, nil
}

// GetBalance sums remaining credits over active, unexpired grants.
func (l *Ledger) GetBalance(ctx context.Context, userID string) (int64, error) {
	if userID == "" {
		return 0, ErrInvalidArgument
	}
	return l.repo.SumUsable(ctx, userID, l.clock().UTC())
}

// ListEntries returns a user's ledger rows, newest first.
func (l *Ledger) ListEntries(ctx context.Context, userID string, q ListQuery) ([]Entry, error) {
	if userID == "" {
		return nil, ErrInvalidArgument
	}
	return l.repo.List(ctx, userID, q)
}

// VoidGrant removes an active grant from the balance. Its consumption
// history stays untouched.
func (l *Ledger) VoidGrant(ctx context.Context, entryID string) (Entry, error) {
	if entryID == "" {
		return Entry{}, ErrInvalidArgument
	}
	now := l.clock().UTC()
	var out Entry
	err := l.tx.InTx(ctx, func(ctx context.Context) error {
		e, ok, err := l.repo.GetForUpdate(ctx, entryID)
		if err != nil {
			return err
		}
		if !ok {
			return ErrNotFound
		}
		if e.Kind != KindGrant || e.Status != StatusActive {
			return ErrNotVoidable
		}
		ok, err = l.repo.SetStatus(ctx, entryID, StatusActive, StatusVoid, now)
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("%w: grant %s status changed under lock", ErrLedgerInvariant, entryID)
		}
		e.Status, e.UpdatedAt = StatusVoid, now
		out = e
		return nil
	})
	if err != nil {
		return Entry{}, err
	}
	logger.From(ctx).Info("credit grant voided", "entry_id", entryID, "user_id", out.UserID, "remaining", out.Remaining)
	return out, nil
}

// GrantSignupBonus grants the configured welcome credits once per user.
// It returns created=false when the bonus is disabled or already granted.
func (l *Ledger) GrantSignupBonus(ctx context.Context, userID string) (Entry, bool, error) {
	if userID == "" {
		return Entry{}, false, ErrInvalidArgument
	}
	if !l.bonus.InitialEnabled || l.bonus.InitialAmount <= 0 {
		return Entry{}, false, nil
	}
	key := "signup:" + userID
	// a bonus granted under an earlier configured amount still counts
	if prev, ok, err := l.repo.FindByIdempotencyKey(ctx, KindGrant, key); err != nil || ok {
		return prev, false, err
	}
	desc := l.bonus.InitialDescription
	if desc == "" {
		desc = "initial credits"
	}
	return l.Grant(ctx, GrantRequest{
		UserID:         userID,
		Amount:         l.bonus.InitialAmount,
		Scene:          SceneSignupBonus,
		ExpiresAt:      ExpiryFor(l.clock(), l.bonus.InitialValidDays, nil),
		IdempotencyKey: key,
		Description:    desc,
	})
}
