package shared

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// ErrLockHeld indicates another holder owns the lock.
var ErrLockHeld = fmt.Errorf("lock held: %w", ErrConflict)

// Locker grants short-lived exclusive sections keyed by name.
type Locker interface {
	// Acquire returns a release func, or ErrLockHeld when the key is taken.
	Acquire(ctx context.Context, key string, ttl time.Duration) (func(context.Context) error, error)
}

// releaseScript deletes the key only when the caller still owns it.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// RedisLocker implements Locker with SET NX PX.
type RedisLocker struct {
	client redis.UniversalClient
}

// NewRedisLocker constructs a RedisLocker.
func NewRedisLocker(client redis.UniversalClient) *RedisLocker {
	return &RedisLocker{client: client}
}

// Acquire implements Locker.
func (l *RedisLocker) Acquire(ctx context.Context, key string, ttl time.Duration) (func(context.Context) error, error) {
	if key == "" {
		return nil, errors.New("locker: key required")
	}
	token, err := lockToken()
	if err != nil {
		return nil, err
	}
	ok, err := l.client.SetNX(ctx, key, token, ttl).Result()
	if err != nil {
		return nil, StoreIO("lock acquire", err)
	}
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrLockHeld, key)
	}
	return func(ctx context.Context) error {
		if err := releaseScript.Run(ctx, l.client, []string{key}, token).Err(); err != nil && !errors.Is(err, redis.Nil) {
			return StoreIO("lock release", err)
		}
		return nil
	}, nil
}

func lockToken() (string, error) {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("locker: token: %w", err)
	}
	return hex.EncodeToString(buf), nil
}

// LocalLocker implements Locker inside one process. Leases expire after
// their ttl like the redis keys do.
type LocalLocker struct {
	mu     sync.Mutex
	leases map[string]localLease
	seq    uint64
	now    func() time.Time
}

type localLease struct {
	id      uint64
	expires time.Time
}

// NewLocalLocker constructs a LocalLocker.
func NewLocalLocker() *LocalLocker {
	return &LocalLocker{leases: make(map[string]localLease), now: time.Now}
}

// Acquire implements Locker.
func (l *LocalLocker) Acquire(_ context.Context, key string, ttl time.Duration) (func(context.Context) error, error) {
	if key == "" {
		return nil, errors.New("locker: key required")
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.now()
	if held, ok := l.leases[key]; ok && now.Before(held.expires) {
		return nil, fmt.Errorf("%w: %s", ErrLockHeld, key)
	}
	l.seq++
	id := l.seq
	l.leases[key] = localLease{id: id, expires: now.Add(ttl)}
	return func(context.Context) error {
		l.mu.Lock()
		defer l.mu.Unlock()
		if held, ok := l.leases[key]; ok && held.id == id {
			delete(l.leases, key)
		}
		return nil
	}, nil
}

// NoopLocker grants every request.
type NoopLocker struct{}

// Acquire implements Locker.
func (NoopLocker) Acquire(context.Context, string, time.Duration) (func(context.Context) error, error) {
	return func(context.Context) error { return nil }, nil
}
