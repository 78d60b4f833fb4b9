package idempotency

import (
	"context"
	"sync"
	"time"

	"credits-platform/pkg/utils"

	"github.com/redis/go-redis/v9"
)

// Store remembers processed keys and short-lived in-flight claims.
type Store interface {
	IsDone(ctx context.Context, key string) (bool, error)
	// MarkDone records key as processed and drops the claim held by token, if any.
	MarkDone(ctx context.Context, key, token string) error
	// Claim reports false when another holder owns the key.
	Claim(ctx context.Context, key, token string) (bool, error)
	Release(ctx context.Context, key, token string) error
}

// RedisStore shares processed keys across instances with a TTL.
type RedisStore struct {
	rdb      *redis.Client
	prefix   string
	doneTTL  time.Duration
	claimTTL time.Duration
}

func NewRedisStore(rdb *redis.Client, doneTTL, claimTTL time.Duration) *RedisStore {
	return &RedisStore{rdb: rdb, prefix: "idem:", doneTTL: doneTTL, claimTTL: claimTTL}
}

func (s *RedisStore) doneKey(key string) string  { return s.prefix + "done:" + key }
func (s *RedisStore) claimKey(key string) string { return s.prefix + "claim:" + key }

func (s *RedisStore) IsDone(ctx context.Context, key string) (bool, error) {
	n, err := s.rdb.Exists(ctx, s.doneKey(key)).Result()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (s *RedisStore) MarkDone(ctx context.Context, key, token string) error {
	return utils.MarkDone(ctx, s.rdb, s.claimKey(key), s.doneKey(key), token, s.doneTTL)
}

func (s *RedisStore) Claim(ctx context.Context, key, token string) (bool, error) {
	return utils.ClaimKey(ctx, s.rdb, s.claimKey(key), token, s.claimTTL)
}

func (s *RedisStore) Release(ctx context.Context, key, token string) error {
	_, err := utils.ReleaseClaim(ctx, s.rdb, s.claimKey(key), token)
	return err
}

// MemoryStore is a single-process Store for tests and local runs.
type MemoryStore struct {
	mu       sync.Mutex
	done     map[string]time.Time
	claims   map[string]memClaim
	doneTTL  time.Duration
	claimTTL time.Duration
	clock    func() time.Time
}

type memClaim struct {
	token   string
	expires time.Time
}

func NewMemoryStore(doneTTL, claimTTL time.Duration) *MemoryStore {
	return &MemoryStore{
		done:     map[string]time.Time{},
		claims:   map[string]memClaim{},
		doneTTL:  doneTTL,
		claimTTL: claimTTL,
		clock:    time.Now,
	}
}

func (s *MemoryStore) IsDone(ctx context.Context, key string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	exp, ok := s.done[key]
	if !ok {
		return false, nil
	}
	if !s.clock().Before(exp) {
		delete(s.done, key)
		return false, nil
	}
	return true, nil
}

func (s *MemoryStore) MarkDone(ctx context.Context, key, token string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.done[key] = s.clock().Add(s.doneTTL)
	if c, ok := s.claims[key]; ok && c.token == token {
		delete(s.claims, key)
	}
	return nil
}

func (s *MemoryStore) Claim(ctx context.Context, key, token string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.clock()
	if c, ok := s.claims[key]; ok && now.Before(c.expires) {
		return false, nil
	}
	s.claims[key] = memClaim{token: token, expires: now.Add(s.claimTTL)}
	return true, nil
}

func (s *MemoryStore) Release(ctx context.Context, key, token string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if c, ok := s.claims[key]; ok && c.token == token {
		delete(s.claims, key)
	}
	return nil
}
