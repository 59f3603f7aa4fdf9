// Package cache opens the Redis connection shared by the issuance lock and
// the ledger notifier.
package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const defaultPingTimeout = 5 * time.Second

// Options configures the Redis client.
type Options struct {
	Addr        string
	PingTimeout time.Duration
}

// New creates a Redis client and verifies it answers PING. The client is
// closed when the ping fails.
func New(ctx context.Context, opts Options) (*redis.Client, error) {
	if opts.Addr == "" {
		return nil, errors.New("platform/cache: address required")
	}
	timeout := opts.PingTimeout
	if timeout <= 0 {
		timeout = defaultPingTimeout
	}
	client := redis.NewClient(&redis.Options{
		Addr: opts.Addr,
	})

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("platform/cache: ping %s: %w", opts.Addr, err)
	}

	return client, nil
}
