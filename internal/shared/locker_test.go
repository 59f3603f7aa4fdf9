package shared

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

func newTestLocker(t *testing.T) (*RedisLocker, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewRedisLocker(client), mr
}

func TestRedisLockerExclusive(t *testing.T) {
	ctx := context.Background()
	locker, _ := newTestLocker(t)
	key := ClientIssuanceLockKey("c-1")

	release, err := locker.Acquire(ctx, key, time.Minute)
	require.NoError(t, err)

	_, err = locker.Acquire(ctx, key, time.Minute)
	require.ErrorIs(t, err, ErrLockHeld)
	require.ErrorIs(t, err, ErrConflict)

	require.NoError(t, release(ctx))

	release, err = locker.Acquire(ctx, key, time.Minute)
	require.NoError(t, err)
	require.NoError(t, release(ctx))
}

func TestRedisLockerExpiry(t *testing.T) {
	ctx := context.Background()
	locker, mr := newTestLocker(t)
	key := ClientIssuanceLockKey("c-2")

	stale, err := locker.Acquire(ctx, key, time.Second)
	require.NoError(t, err)
	mr.FastForward(2 * time.Second)

	fresh, err := locker.Acquire(ctx, key, time.Minute)
	require.NoError(t, err)

	// releasing an expired lock must not drop the new holder's key
	require.NoError(t, stale(ctx))
	require.True(t, mr.Exists(key))
	require.NoError(t, fresh(ctx))
	require.False(t, mr.Exists(key))
}

func TestRedisLockerStoreFailure(t *testing.T) {
	locker, mr := newTestLocker(t)
	mr.Close()

	_, err := locker.Acquire(context.Background(), "k", time.Second)
	require.Error(t, err)
	require.True(t, errors.Is(err, ErrStoreIO))
}

func TestNoopLocker(t *testing.T) {
	release, err := NoopLocker{}.Acquire(context.Background(), "k", time.Second)
	require.NoError(t, err)
	require.NoError(t, release(context.Background()))
}

func TestLocalLocker(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)
	locker := NewLocalLocker()
	locker.now = func() time.Time { return now }
	key := ClientIssuanceLockKey("c-3")

	stale, err := locker.Acquire(ctx, key, time.Second)
	require.NoError(t, err)
	_, err = locker.Acquire(ctx, key, time.Minute)
	require.ErrorIs(t, err, ErrLockHeld)

	other, err := locker.Acquire(ctx, ClientIssuanceLockKey("c-4"), time.Minute)
	require.NoError(t, err)
	require.NoError(t, other(ctx))

	now = now.Add(2 * time.Second)
	fresh, err := locker.Acquire(ctx, key, time.Minute)
	require.NoError(t, err)

	require.NoError(t, stale(ctx))
	_, err = locker.Acquire(ctx, key, time.Minute)
	require.ErrorIs(t, err, ErrLockHeld)

	require.NoError(t, fresh(ctx))
	release, err := locker.Acquire(ctx, key, time.Minute)
	require.NoError(t, err)
	require.NoError(t, release(ctx))
}
