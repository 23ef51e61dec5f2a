package store

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// setupRedisStore creates an ephemeral store backed by a miniredis instance.
func setupRedisStore(t *testing.T) (*RedisStore, *miniredis.Miniredis) {
	t.Helper()

	mr := miniredis.NewMiniRedis()
	err := mr.Start()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	store := NewRedisStore(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { store.Close() })

	return store, mr
}

func TestSetWithTTLAndGetAndDelete(t *testing.T) {
	store, mr := setupRedisStore(t)
	ctx := context.Background()

	t.Run("round trip", func(t *testing.T) {
		err := store.SetWithTTL(ctx, "warren:test:recovery_token:abc", "session-1", 15*time.Minute)
		require.NoError(t, err)

		value, err := store.GetAndDelete(ctx, "warren:test:recovery_token:abc")
		require.NoError(t, err)
		assert.Equal(t, "session-1", value)
	})

	t.Run("second read returns not found", func(t *testing.T) {
		err := store.SetWithTTL(ctx, "k", "v", time.Minute)
		require.NoError(t, err)

		_, err = store.GetAndDelete(ctx, "k")
		require.NoError(t, err)

		_, err = store.GetAndDelete(ctx, "k")
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("missing key returns not found", func(t *testing.T) {
		_, err := store.GetAndDelete(ctx, "never-set")
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("expired key returns not found", func(t *testing.T) {
		err := store.SetWithTTL(ctx, "short-lived", "v", 15*time.Minute)
		require.NoError(t, err)

		mr.FastForward(16 * time.Minute)

		_, err = store.GetAndDelete(ctx, "short-lived")
		assert.ErrorIs(t, err, ErrNotFound)
	})
}

func TestIncrement(t *testing.T) {
	store, mr := setupRedisStore(t)
	ctx := context.Background()

	t.Run("counts up within the window", func(t *testing.T) {
		for want := int64(1); want <= 3; want++ {
			count, err := store.Increment(ctx, "counter", time.Hour)
			require.NoError(t, err)
			assert.Equal(t, want, count)
		}
	})

	t.Run("window resets after expiry", func(t *testing.T) {
		_, err := store.Increment(ctx, "windowed", time.Hour)
		require.NoError(t, err)
		_, err = store.Increment(ctx, "windowed", time.Hour)
		require.NoError(t, err)

		mr.FastForward(61 * time.Minute)

		count, err := store.Increment(ctx, "windowed", time.Hour)
		require.NoError(t, err)
		assert.Equal(t, int64(1), count)
	})

	t.Run("later increments do not extend the window", func(t *testing.T) {
		_, err := store.Increment(ctx, "fixed", time.Hour)
		require.NoError(t, err)

		mr.FastForward(30 * time.Minute)
		_, err = store.Increment(ctx, "fixed", time.Hour)
		require.NoError(t, err)

		ttl, err := store.TTL(ctx, "fixed")
		require.NoError(t, err)
		assert.LessOrEqual(t, ttl, 30*time.Minute)
	})
}

func TestTTL(t *testing.T) {
	store, _ := setupRedisStore(t)
	ctx := context.Background()

	t.Run("reports remaining lifetime", func(t *testing.T) {
		err := store.SetWithTTL(ctx, "k", "v", 15*time.Minute)
		require.NoError(t, err)

		ttl, err := store.TTL(ctx, "k")
		require.NoError(t, err)
		assert.Equal(t, 15*time.Minute, ttl)
	})

	t.Run("missing key reports zero", func(t *testing.T) {
		ttl, err := store.TTL(ctx, "missing")
		require.NoError(t, err)
		assert.Equal(t, time.Duration(0), ttl)
	})
}
