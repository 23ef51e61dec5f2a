package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// ErrNotFound is returned when a requested key or record does not exist.
// For recovery tokens the three underlying causes (never existed, already
// consumed, expired) are deliberately indistinguishable.
var ErrNotFound = errors.New("store: not found")

// EphemeralStore is the TTL-capable key-value contract consumed by the
// recovery credential service. GetAndDelete must be atomic: it is the
// operation that makes recovery tokens single-use.
type EphemeralStore interface {
	// SetWithTTL stores a value under key, expiring after ttl.
	SetWithTTL(ctx context.Context, key, value string, ttl time.Duration) error

	// GetAndDelete atomically retrieves and removes a key in a single
	// operation. Returns ErrNotFound if the key is absent.
	GetAndDelete(ctx context.Context, key string) (string, error)

	// Increment adds one to a counter, starting its expiry window on first
	// increment, and returns the post-increment count.
	Increment(ctx context.Context, key string, ttl time.Duration) (int64, error)

	// TTL returns the remaining lifetime of a key, or zero if the key does
	// not exist or carries no expiry.
	TTL(ctx context.Context, key string) (time.Duration, error)
}

// RedisStore implements EphemeralStore against Redis.
// The client is thread-safe and can be used concurrently from multiple
// goroutines.
type RedisStore struct {
	rdb *redis.Client
}

// NewRedisStore creates an ephemeral store from Redis connection options.
func NewRedisStore(redisOpts *redis.Options) *RedisStore {
	return &RedisStore{rdb: redis.NewClient(redisOpts)}
}

// Close closes the Redis connection. Implements io.Closer.
func (s *RedisStore) Close() error {
	return s.rdb.Close()
}

// Ping verifies Redis connectivity. Useful for health checks.
func (s *RedisStore) Ping(ctx context.Context) error {
	return s.rdb.Ping(ctx).Err()
}

// SetWithTTL stores a value with an expiry via SET ... EX.
func (s *RedisStore) SetWithTTL(ctx context.Context, key, value string, ttl time.Duration) error {
	if err := s.rdb.Set(ctx, key, value, ttl).Err(); err != nil {
		return fmt.Errorf("failed to set key with TTL: %w", err)
	}
	return nil
}

// GetAndDelete retrieves and removes a key using GETDEL. Redis executes
// GETDEL as a single command, which is what guarantees that two concurrent
// callers cannot both observe the value.
func (s *RedisStore) GetAndDelete(ctx context.Context, key string) (string, error) {
	value, err := s.rdb.GetDel(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("failed to get-and-delete key: %w", err)
	}
	return value, nil
}

// Increment bumps a counter with INCR, arming the expiry window when the
// counter is first created. Subsequent increments within the window do not
// reset it.
func (s *RedisStore) Increment(ctx context.Context, key string, ttl time.Duration) (int64, error) {
	count, err := s.rdb.Incr(ctx, key).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to increment counter: %w", err)
	}

	if count == 1 {
		if err := s.rdb.Expire(ctx, key, ttl).Err(); err != nil {
			return 0, fmt.Errorf("failed to set counter expiry: %w", err)
		}
	}

	return count, nil
}

// TTL reports the remaining lifetime of a key. Missing keys and keys without
// expiry report zero.
func (s *RedisStore) TTL(ctx context.Context, key string) (time.Duration, error) {
	ttl, err := s.rdb.TTL(ctx, key).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to read key TTL: %w", err)
	}
	if ttl < 0 {
		return 0, nil
	}
	return ttl, nil
}
