package billing

import (
	"context"
	"time"

	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2/expirable"
	"golang.org/x/sync/singleflight"
)

const (
	defaultTierCacheSize = 128
	defaultTierCacheTTL  = 5 * time.Minute
)

// CachedTierStore fronts a TierReader with an expiring LRU. Tiers belong to
// an external catalog, so entries are only dropped by TTL or Invalidate.
type CachedTierStore struct {
	next  TierReader
	cache *lru.LRU[uuid.UUID, Tier]
	group singleflight.Group
}

// NewCachedTierStore wraps next. Non-positive size or ttl select defaults.
func NewCachedTierStore(next TierReader, size int, ttl time.Duration) *CachedTierStore {
	if size <= 0 {
		size = defaultTierCacheSize
	}
	if ttl <= 0 {
		ttl = defaultTierCacheTTL
	}
	return &CachedTierStore{
		next:  next,
		cache: lru.NewLRU[uuid.UUID, Tier](size, nil, ttl),
	}
}

// GetTier implements TierReader. Lookup errors are never cached. A shared
// lookup outlives the cancellation of the caller that started it; each caller
// stops waiting when its own ctx is done.
func (c *CachedTierStore) GetTier(ctx context.Context, id uuid.UUID) (Tier, error) {
	if tier, ok := c.cache.Get(id); ok {
		return tier, nil
	}
	lookupCtx := context.WithoutCancel(ctx)
	ch := c.group.DoChan(id.String(), func() (interface{}, error) {
		tier, err := c.next.GetTier(lookupCtx, id)
		if err != nil {
			return Tier{}, err
		}
		c.cache.Add(id, tier)
		return tier, nil
	})
	select {
	case <-ctx.Done():
		return Tier{}, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return Tier{}, res.Err
		}
		return res.Val.(Tier), nil
	}
}

// Invalidate drops a cached tier.
func (c *CachedTierStore) Invalidate(id uuid.UUID) {
	c.cache.Remove(id)
}

// Len reports the number of cached tiers.
func (c *CachedTierStore) Len() int {
	return c.cache.Len()
}
