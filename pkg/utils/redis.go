package utils

import (
	"cmp"
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisConfig configures the shared client. Zero durations and sizes take
// the defaults applied in OpenRedis.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int

	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	PingTimeout  time.Duration

	PoolSize        int
	MinIdleConns    int
	PoolTimeout     time.Duration
	ConnMaxIdleTime time.Duration
	ConnMaxLifetime time.Duration
}

func (c RedisConfig) options() *redis.Options {
	return &redis.Options{
		Addr:            c.Addr,
		Password:        c.Password,
		DB:              c.DB,
		DialTimeout:     cmp.Or(c.DialTimeout, 3*time.Second),
		ReadTimeout:     cmp.Or(c.ReadTimeout, 2*time.Second),
		WriteTimeout:    cmp.Or(c.WriteTimeout, 2*time.Second),
		PoolSize:        cmp.Or(c.PoolSize, 20),
		MinIdleConns:    max(c.MinIdleConns, 0),
		PoolTimeout:     cmp.Or(c.PoolTimeout, 4*time.Second),
		ConnMaxIdleTime: cmp.Or(c.ConnMaxIdleTime, 5*time.Minute),
		ConnMaxLifetime: cmp.Or(c.ConnMaxLifetime, 30*time.Minute),
	}
}

// OpenRedis builds a client and fails fast when the server does not answer PING.
func OpenRedis(ctx context.Context, cfg RedisConfig) (*redis.Client, error) {
	if cfg.Addr == "" {
		return nil, fmt.Errorf("redis addr is required")
	}
	rdb := redis.NewClient(cfg.options())

	pingCtx, cancel := context.WithTimeout(ctx, cmp.Or(cfg.PingTimeout, 2*time.Second))
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis ping %s: %w", cfg.Addr, err)
	}
	return rdb, nil
}

var releaseClaimScript = redis.NewScript(`
-- KEYS[1] = claim key
-- ARGV[1] = owner token
--
-- Returns:
--  1 if the claim was held by the token and deleted
--  0 otherwise
if redis.call('GET', KEYS[1]) == ARGV[1] then
  return redis.call('DEL', KEYS[1])
end
return 0
`)

var markDoneScript = redis.NewScript(`
-- KEYS[1] = claim key
-- KEYS[2] = done key
-- ARGV[1] = owner token
-- ARGV[2] = done ttl_ms (int)
--
-- Records completion and drops the claim in one step.
redis.call('SET', KEYS[2], '1', 'PX', ARGV[2])
if redis.call('GET', KEYS[1]) == ARGV[1] then
  redis.call('DEL', KEYS[1])
end
return 1
`)

// ClaimKey takes a short-lived exclusive claim on key for token.
// The TTL bounds how long a crashed holder can block other deliveries.
func ClaimKey(ctx context.Context, rdb *redis.Client, key, token string, ttl time.Duration) (bool, error) {
	if rdb == nil {
		return false, fmt.Errorf("redis client is nil")
	}
	if key == "" || token == "" {
		return false, fmt.Errorf("key and token are required")
	}
	if ttl <= 0 {
		return false, fmt.Errorf("ttl must be > 0")
	}
	return rdb.SetNX(ctx, key, token, ttl).Result()
}

// ReleaseClaim drops a claim only if it is still held by token.
func ReleaseClaim(ctx context.Context, rdb *redis.Client, key, token string) (bool, error) {
	if rdb == nil {
		return false, fmt.Errorf("redis client is nil")
	}
	if key == "" {
		return false, fmt.Errorf("key is required")
	}
	res, err := releaseClaimScript.Run(ctx, rdb, []string{key}, token).Int()
	if err != nil {
		return false, err
	}
	return res == 1, nil
}

// MarkDone records doneKey for ttl and releases the claim held by token.
func MarkDone(ctx context.Context, rdb *redis.Client, claimKey, doneKey, token string, ttl time.Duration) error {
	if rdb == nil {
		return fmt.Errorf("redis client is nil")
	}
	if doneKey == "" {
		return fmt.Errorf("key is required")
	}
	if ttl <= 0 {
		return fmt.Errorf("ttl must be > 0")
	}
	return markDoneScript.Run(ctx, rdb, []string{claimKey, doneKey}, token, ttl.Milliseconds()).Err()
}
