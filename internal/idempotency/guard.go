package idempotency

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"credits-platform/internal/metrics"
	"credits-platform/pkg/logger"

	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2"
)

// ErrInFlight means another delivery of the same event is being applied.
var ErrInFlight = errors.New("idempotency: event already in flight")

// Guard is the fast-path duplicate filter in front of the payment processor.
// The processor's own durable checks stay authoritative; the guard only
// saves work and keeps concurrent deliveries of one event apart.
type Guard struct {
	store    Store
	cache    *lru.Cache[string, struct{}]
	newToken func() string
}

// NewGuard wraps store with an in-process cache of processed keys.
// cacheSize <= 0 disables the cache.
func NewGuard(store Store, cacheSize int) (*Guard, error) {
	g := &Guard{store: store, newToken: uuid.NewString}
	if cacheSize > 0 {
		c, err := lru.New[string, struct{}](cacheSize)
		if err != nil {
			return nil, fmt.Errorf("idempotency cache: %w", err)
		}
		g.cache = c
	}
	return g, nil
}

// HasProcessed reports whether key was already applied.
func (g *Guard) HasProcessed(ctx context.Context, key string) (bool, error) {
	if key == "" {
		return false, nil
	}
	if g.cache != nil && g.cache.Contains(key) {
		metrics.RecordIdempotencyHit("cache")
		return true, nil
	}
	done, err := g.store.IsDone(ctx, key)
	if err != nil {
		return false, err
	}
	if done {
		metrics.RecordIdempotencyHit("store")
		g.remember(key)
	}
	return done, nil
}

// MarkProcessed records key as applied.
func (g *Guard) MarkProcessed(ctx context.Context, key string) error {
	if key == "" {
		return nil
	}
	if err := g.store.MarkDone(ctx, key, ""); err != nil {
		return err
	}
	g.remember(key)
	return nil
}

// Claim is an exclusive, expiring hold on one key.
type Claim struct {
	g     *Guard
	key   string
	token string
}

// Acquire claims key for the caller. It fails with ErrInFlight while another
// holder's claim is live.
func (g *Guard) Acquire(ctx context.Context, key string) (*Claim, error) {
	if key == "" {
		return nil, fmt.Errorf("idempotency: empty key")
	}
	token := g.newToken()
	ok, err := g.store.Claim(ctx, key, token)
	if err != nil {
		return nil, err
	}
	if !ok {
		metrics.RecordIdempotencyHit("in_flight")
		return nil, ErrInFlight
	}
	return &Claim{g: g, key: key, token: token}, nil
}

// MarkProcessed records the key as applied and drops the claim.
func (c *Claim) MarkProcessed(ctx context.Context) error {
	if err := c.g.store.MarkDone(ctx, c.key, c.token); err != nil {
		return err
	}
	c.g.remember(c.key)
	return nil
}

// Release drops the claim without marking the key, so a retry can apply it.
// Errors are logged; the claim TTL bounds the damage.
func (c *Claim) Release(ctx context.Context) {
	if err := c.g.store.Release(ctx, c.key, c.token); err != nil {
		logger.From(ctx).Warn("idempotency release failed", "key", c.key, "err", err)
	}
}

func (g *Guard) remember(key string) {
	if g.cache != nil {
		g.cache.Add(key, struct{}{})
	}
}

func CheckoutKey(provider, orderNo string) string {
	return "checkout:" + provider + ":" + orderNo
}

func PaymentKey(provider, transactionID string) string {
	return "payment:" + provider + ":" + transactionID
}

// CycleKey identifies one subscription billing cycle when the provider sent
// no transaction id.
func CycleKey(provider, subscriptionID string, periodStart time.Time) string {
	return "payment:" + provider + ":" + subscriptionID + ":" + strconv.FormatInt(periodStart.Unix(), 10)
}
