package credits

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"credits-platform/internal/config"
	"credits-platform/pkg/utils"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"
)

var testNow = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

func newTestLedger(t *testing.T, bonus config.CreditsConfig) (*Ledger, *MemoryRepo) {
	t.Helper()
	repo := NewMemoryRepo()
	l := NewLedger(repo, utils.NewLocalTransactor(), bonus)
	l.clock = func() time.Time { return testNow }
	return l, repo
}

func at(d time.Duration) *time.Time {
	t := testNow.Add(d)
	return &t
}

func mustGrant(t *testing.T, l *Ledger, req GrantRequest) Entry {
	t.Helper()
	if req.Scene == "" {
		req.Scene = SceneGift
	}
	e, created, err := l.Grant(context.Background(), req)
	require.NoError(t, err)
	require.True(t, created)
	return e
}

func balanceOf(t *testing.T, l *Ledger, userID string) int64 {
	t.Helper()
	bal, err := l.GetBalance(context.Background(), userID)
	require.NoError(t, err)
	return bal
}

func remainingOf(t *testing.T, repo *MemoryRepo, id string) int64 {
	t.Helper()
	e, ok, err := repo.GetForUpdate(context.Background(), id)
	require.NoError(t, err)
	require.True(t, ok)
	return e.Remaining
}

func TestLedger_ConsumeDrainsSoonestExpiryFirst(t *testing.T) {
	l, repo := newTestLedger(t, config.CreditsConfig{})
	later := mustGrant(t, l, GrantRequest{UserID: "u1", Amount: 5, ExpiresAt: at(48 * time.Hour)})
	sooner := mustGrant(t, l, GrantRequest{UserID: "u1", Amount: 5, ExpiresAt: at(24 * time.Hour)})

	res, err := l.Consume(context.Background(), ConsumeRequest{UserID: "u1", Amount: 7})
	require.NoError(t, err)

	assert.Equal(t, int64(0), remainingOf(t, repo, sooner.ID))
	assert.Equal(t, int64(3), remainingOf(t, repo, later.ID))
	assert.Equal(t, int64(3), res.Balance)
	assert.Equal(t, int64(-7), res.Entry.Amount)
	assert.Equal(t, SceneAITask, res.Entry.Scene)

	require.Len(t, res.Entry.Breakdown, 2)
	assert.Equal(t, sooner.ID, res.Entry.Breakdown[0].EntryID)
	assert.Equal(t, int64(5), res.Entry.Breakdown[0].Amount)
	assert.Equal(t, int64(0), res.Entry.Breakdown[0].After)
	assert.Equal(t, later.ID, res.Entry.Breakdown[1].EntryID)
	assert.Equal(t, int64(2), res.Entry.Breakdown[1].Amount)
	assert.Equal(t, int64(5), res.Entry.Breakdown[1].Before)
	assert.Equal(t, int64(3), res.Entry.Breakdown[1].After)
	assert.Equal(t, -res.Entry.Amount, res.Entry.Breakdown.Total())
}

func TestLedger_NeverExpiringGrantsAreUsedLast(t *testing.T) {
	l, repo := newTestLedger(t, config.CreditsConfig{})
	forever := mustGrant(t, l, GrantRequest{UserID: "u1", Amount: 10})
	expiring := mustGrant(t, l, GrantRequest{UserID: "u1", Amount: 5, ExpiresAt: at(time.Hour)})

	_, err := l.Consume(context.Background(), ConsumeRequest{UserID: "u1", Amount: 3})
	require.NoError(t, err)

	assert.Equal(t, int64(10), remainingOf(t, repo, forever.ID))
	assert.Equal(t, int64(2), remainingOf(t, repo, expiring.ID))
}

func TestLedger_ExpiredAndVoidGrantsDoNotCount(t *testing.T) {
	l, repo := newTestLedger(t, config.CreditsConfig{})
	mustGrant(t, l, GrantRequest{UserID: "u1", Amount: 100, ExpiresAt: at(-time.Hour)})
	voided := mustGrant(t, l, GrantRequest{UserID: "u1", Amount: 40})
	live := mustGrant(t, l, GrantRequest{UserID: "u1", Amount: 10, ExpiresAt: at(time.Hour)})
	_, err := l.VoidGrant(context.Background(), voided.ID)
	require.NoError(t, err)

	assert.Equal(t, int64(10), balanceOf(t, l, "u1"))

	_, err = l.Consume(context.Background(), ConsumeRequest{UserID: "u1", Amount: 20})
	require.ErrorIs(t, err, ErrInsufficientCredits)

	// a failed consumption leaves every grant untouched
	assert.Equal(t, int64(10), remainingOf(t, repo, live.ID))
	assert.Equal(t, int64(40), remainingOf(t, repo, voided.ID))
	assert.Len(t, repo.Entries(), 3)
}

func TestLedger_GrantConsumeBalanceScenario(t *testing.T) {
	l, _ := newTestLedger(t, config.CreditsConfig{})
	mustGrant(t, l, GrantRequest{UserID: "u1", Amount: 100, Scene: ScenePurchase})

	res, err := l.Consume(context.Background(), ConsumeRequest{UserID: "u1", Amount: 30, Scene: "image-generation"})
	require.NoError(t, err)
	assert.Equal(t, int64(70), res.Balance)
	assert.Equal(t, int64(70), balanceOf(t, l, "u1"))
	assert.Equal(t, int64(0), balanceOf(t, l, "someone-else"))

	entries, err := l.ListEntries(context.Background(), "u1", ListQuery{})
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, KindConsume, entries[0].Kind)
	assert.Equal(t, KindGrant, entries[1].Kind)

	grants, err := l.ListEntries(context.Background(), "u1", ListQuery{Kind: KindGrant})
	require.NoError(t, err)
	require.Len(t, grants, 1)
	assert.Equal(t, int64(70), grants[0].Remaining)
}

func TestLedger_ConcurrentConsumeNeverOverdraws(t *testing.T) {
	l, _ := newTestLedger(t, config.CreditsConfig{})
	mustGrant(t, l, GrantRequest{UserID: "u1", Amount: 8})

	var (
		mu   sync.Mutex
		errs []error
	)
	var g errgroup.Group
	for i := 0; i < 2; i++ {
		g.Go(func() error {
			_, err := l.Consume(context.Background(), ConsumeRequest{UserID: "u1", Amount: 5})
			mu.Lock()
			errs = append(errs, err)
			mu.Unlock()
			return nil
		})
	}
	require.NoError(t, g.Wait())

	var ok, short int
	for _, err := range errs {
		switch {
		case err == nil:
			ok++
		case errors.Is(err, ErrInsufficientCredits):
			short++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	assert.Equal(t, 1, ok)
	assert.Equal(t, 1, short)
	assert.Equal(t, int64(3), balanceOf(t, l, "u1"))
}

func TestLedger_GrantIsIdempotent(t *testing.T) {
	l, repo := newTestLedger(t, config.CreditsConfig{})
	first := mustGrant(t, l, GrantRequest{UserID: "u1", Amount: 100, Scene: ScenePurchase, IdempotencyKey: "ord_1", OrderNo: "ord_1"})

	again, created, err := l.Grant(context.Background(), GrantRequest{UserID: "u1", Amount: 100, Scene: ScenePurchase, IdempotencyKey: "ord_1", OrderNo: "ord_1"})
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, first.ID, again.ID)
	assert.Equal(t, int64(100), balanceOf(t, l, "u1"))
	assert.Len(t, repo.Entries(), 1)
}

func TestLedger_ConsumeIdempotencyKey(t *testing.T) {
	l, _ := newTestLedger(t, config.CreditsConfig{})
	mustGrant(t, l, GrantRequest{UserID: "u1", Amount: 50})

	req := ConsumeRequest{UserID: "u1", Amount: 20, IdempotencyKey: "task-1"}
	first, err := l.Consume(context.Background(), req)
	require.NoError(t, err)
	assert.False(t, first.Replayed)

	replay, err := l.Consume(context.Background(), req)
	require.NoError(t, err)
	assert.True(t, replay.Replayed)
	assert.Equal(t, first.Entry.ID, replay.Entry.ID)
	assert.Equal(t, int64(30), replay.Balance)

	_, err = l.Consume(context.Background(), ConsumeRequest{UserID: "u1", Amount: 25, IdempotencyKey: "task-1"})
	require.ErrorIs(t, err, ErrInvalidArgument)
	assert.Equal(t, int64(30), balanceOf(t, l, "u1"))
}

func TestLedger_RejectsInvalidArguments(t *testing.T) {
	l, _ := newTestLedger(t, config.CreditsConfig{})
	ctx := context.Background()

	_, _, err := l.Grant(ctx, GrantRequest{Amount: 1, Scene: SceneGift})
	assert.ErrorIs(t, err, ErrInvalidArgument)
	_, _, err = l.Grant(ctx, GrantRequest{UserID: "u1", Amount: 0, Scene: SceneGift})
	assert.ErrorIs(t, err, ErrInvalidArgument)
	_, _, err = l.Grant(ctx, GrantRequest{UserID: "u1", Amount: 1})
	assert.ErrorIs(t, err, ErrInvalidArgument)

	_, err = l.Consume(ctx, ConsumeRequest{UserID: "u1", Amount: -1})
	assert.ErrorIs(t, err, ErrInvalidArgument)
	_, err = l.GetBalance(ctx, "")
	assert.ErrorIs(t, err, ErrInvalidArgument)
}

func TestLedger_VoidGrant(t *testing.T) {
	l, _ := newTestLedger(t, config.CreditsConfig{})
	ctx := context.Background()
	g := mustGrant(t, l, GrantRequest{UserID: "u1", Amount: 10})
	res, err := l.Consume(ctx, ConsumeRequest{UserID: "u1", Amount: 4})
	require.NoError(t, err)

	voided, err := l.VoidGrant(ctx, g.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusVoid, voided.Status)
	assert.Equal(t, int64(6), voided.Remaining)
	assert.Equal(t, int64(0), balanceOf(t, l, "u1"))

	_, err = l.VoidGrant(ctx, g.ID)
	assert.ErrorIs(t, err, ErrNotVoidable)
	_, err = l.VoidGrant(ctx, res.Entry.ID)
	assert.ErrorIs(t, err, ErrNotVoidable)
	_, err = l.VoidGrant(ctx, "cred_missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestLedger_SignupBonus(t *testing.T) {
	l, _ := newTestLedger(t, config.CreditsConfig{InitialEnabled: true, InitialAmount: 50, InitialValidDays: 30})

	e, created, err := l.GrantSignupBonus(context.Background(), "u1")
	require.NoError(t, err)
	require.True(t, created)
	assert.Equal(t, SceneSignupBonus, e.Scene)
	assert.Equal(t, "signup:u1", e.IdempotencyKey)
	require.NotNil(t, e.ExpiresAt)
	assert.True(t, e.ExpiresAt.Equal(testNow.AddDate(0, 0, 30)))

	_, created, err = l.GrantSignupBonus(context.Background(), "u1")
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, int64(50), balanceOf(t, l, "u1"))
}

func TestLedger_SignupBonusDisabled(t *testing.T) {
	l, repo := newTestLedger(t, config.CreditsConfig{InitialAmount: 50})
	_, created, err := l.GrantSignupBonus(context.Background(), "u1")
	require.NoError(t, err)
	assert.False(t, created)
	assert.Empty(t, repo.Entries())
}

func TestLedger_TooFragmented(t *testing.T) {
	l, _ := newTestLedger(t, config.CreditsConfig{})
	n := consumeBatchSize*consumeMaxBatches + 1
	for i := 0; i < n; i++ {
		mustGrant(t, l, GrantRequest{UserID: "u1", Amount: 1})
	}
	_, err := l.Consume(context.Background(), ConsumeRequest{UserID: "u1", Amount: int64(n)})
	require.ErrorIs(t, err, ErrTooFragmented)
	assert.Equal(t, int64(n), balanceOf(t, l, "u1"))
}

func TestExpiryFor(t *testing.T) {
	periodEnd := testNow.Add(10 * 24 * time.Hour)

	assert.Nil(t, ExpiryFor(testNow, 0, &periodEnd))
	assert.Nil(t, ExpiryFor(testNow, -1, nil))

	got := ExpiryFor(testNow, 30, nil)
	require.NotNil(t, got)
	assert.True(t, got.Equal(testNow.AddDate(0, 0, 30)))

	got = ExpiryFor(testNow, 30, &periodEnd)
	require.NotNil(t, got)
	assert.True(t, got.Equal(periodEnd))
}

func TestLedger_GrantKeyReusedForAnotherGrant(t *testing.T) {
	l, _ := newTestLedger(t, config.CreditsConfig{})
	mustGrant(t, l, GrantRequest{UserID: "alice", Amount: 10, Scene: SceneAdminGrant, IdempotencyKey: "admin:k1"})

	_, created, err := l.Grant(context.Background(), GrantRequest{UserID: "bob", Amount: 50, Scene: SceneAdminGrant, IdempotencyKey: "admin:k1"})
	require.ErrorIs(t, err, ErrInvalidArgument)
	assert.False(t, created)

	_, _, err = l.Grant(context.Background(), GrantRequest{UserID: "alice", Amount: 11, Scene: SceneAdminGrant, IdempotencyKey: "admin:k1"})
	require.ErrorIs(t, err, ErrInvalidArgument)

	assert.Equal(t, int64(10), balanceOf(t, l, "alice"))
	assert.Equal(t, int64(0), balanceOf(t, l, "bob"))
}

func TestLedger_SignupBonusSurvivesAmountChange(t *testing.T) {
	l, repo := newTestLedger(t, config.CreditsConfig{InitialEnabled: true, InitialAmount: 50})
	first, created, err := l.GrantSignupBonus(context.Background(), "u1")
	require.NoError(t, err)
	require.True(t, created)

	l.bonus.InitialAmount = 80
	again, created, err := l.GrantSignupBonus(context.Background(), "u1")
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, first.ID, again.ID)
	assert.Len(t, repo.Entries(), 1)
}

func TestMemoryRepo_LockUsableGrantsPagesByKey(t *testing.T) {
	l, repo := newTestLedger(t, config.CreditsConfig{})
	// same expiry and creation time, so id breaks the tie
	for i := 0; i < 5; i++ {
		mustGrant(t, l, GrantRequest{UserID: "u1", Amount: 1, ExpiresAt: at(time.Hour)})
	}
	mustGrant(t, l, GrantRequest{UserID: "u1", Amount: 1})

	var (
		seen  []string
		after *GrantCursor
	)
	for {
		page, err := repo.LockUsableGrants(context.Background(), "u1", testNow, 2, after)
		require.NoError(t, err)
		if len(page) == 0 {
			break
		}
		for _, e := range page {
			seen = append(seen, e.ID)
		}
		after = cursorOf(page[len(page)-1])
	}
	require.Len(t, seen, 6)
	for i := 1; i < 5; i++ {
		assert.Less(t, seen[i-1], seen[i])
	}
	last, _, err := repo.GetForUpdate(context.Background(), seen[5])
	require.NoError(t, err)
	assert.Nil(t, last.ExpiresAt)
}
