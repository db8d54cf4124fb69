// Package counter abstracts the shared atomic counter store backing rate
// limiting.
//
// The limiter depends on three things only: Increment is atomic and returns
// the post-increment value, Expire is idempotent, and setting a TTL right
// after the first increment is acceptable (a lost TTL refresh on a key that
// already exists loses nothing). Redis is the production deployment; the
// in-process store in memory.go satisfies the same contract for tests and
// single-node development.
package counter

import (
	"context"
	"time"

	"github.com/go-redis/redis/v8"
)

// Store is a shared key -> integer store with atomic mutation.
type Store interface {
	// Increment atomically adds one and returns the new value.
	Increment(ctx context.Context, key string) (int64, error)
	// Decrement atomically subtracts one.
	Decrement(ctx context.Context, key string) error
	// Get returns the current value, zero when the key is absent.
	Get(ctx context.Context, key string) (int64, error)
	// Expire sets the key's TTL. Idempotent.
	Expire(ctx context.Context, key string, ttl time.Duration) error
}

// RedisStore implements Store on a shared Redis instance.
type RedisStore struct {
	client *redis.Client
}

// NewRedisStore wraps an existing client. The caller owns the client's
// lifecycle; relay shares one client between the counter store and
// anything else that needs Redis.
func NewRedisStore(client *redis.Client) *RedisStore {
	return &RedisStore{client: client}
}

// NewRedisClient builds a Redis client tuned for the admission hot path:
// small timeouts so a slow Redis fails the request fast instead of
// stalling every handler, and a pool sized for high concurrency.
func NewRedisClient(addr, password string) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,

		DialTimeout:  100 * time.Millisecond,
		ReadTimeout:  200 * time.Millisecond,
		WriteTimeout: 200 * time.Millisecond,

		PoolSize:     100,
		MinIdleConns: 25,

		PoolTimeout:        30 * time.Second,
		IdleTimeout:        5 * time.Minute,
		IdleCheckFrequency: 1 * time.Minute,
	})
}

func (s *RedisStore) Increment(ctx context.Context, key string) (int64, error) {
	return s.client.Incr(ctx, key).Result()
}

func (s *RedisStore) Decrement(ctx context.Context, key string) error {
	return s.client.Decr(ctx, key).Err()
}

func (s *RedisStore) Get(ctx context.Context, key string) (int64, error) {
	v, err := s.client.Get(ctx, key).Int64()
	if err == redis.Nil {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return v, nil
}

func (s *RedisStore) Expire(ctx context.Context, key string, ttl time.Duration) error {
	return s.client.Expire(ctx, key, ttl).Err()
}

// IncrementWindows increments several window keys and refreshes their TTLs
// in one round trip, returning post-increment values in key order.
func (s *RedisStore) IncrementWindows(ctx context.Context, keys []string, ttls []time.Duration) ([]int64, error) {
	pipe := s.client.Pipeline()
	incrs := make([]*redis.IntCmd, len(keys))
	for i, key := range keys {
		incrs[i] = pipe.Incr(ctx, key)
		pipe.Expire(ctx, key, ttls[i])
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, err
	}
	out := make([]int64, len(keys))
	for i, cmd := range incrs {
		out[i] = cmd.Val()
	}
	return out, nil
}
