package permissions

import (
	"context"
	"time"

	lru "github.com/hashicorp/golang-lru/v2/expirable"
)

// CacheTTL and CacheCapacity bound the permission cache: entries expire
// after 5 minutes, and the cache never holds more than 10000 resolved
// (user, channel) pairs at once.
const (
	CacheTTL      = 5 * time.Minute
	CacheCapacity = 10000
)

type cacheKey struct {
	userID    int64
	channelID int64
}

// Cache wraps an Engine with a TTL-and-capacity-bounded memoization layer.
// Because the cache can't selectively invalidate by channel or by user
// alone, any role or overwrite change purges the whole cache rather than
// risk serving a stale permission set.
type Cache struct {
	engine *Engine
	lru    *lru.LRU[cacheKey, Set]
}

// NewCache wraps engine with the default TTL and capacity bounds.
func NewCache(engine *Engine) *Cache {
	return &Cache{
		engine: engine,
		lru:    lru.NewLRU[cacheKey, Set](CacheCapacity, nil, CacheTTL),
	}
}

// ComputeCached returns a cached permission set if one exists, otherwise
// computes and stores it.
func (c *Cache) ComputeCached(ctx context.Context, guildID, channelID, guildOwnerID, userID int64) (Set, error) {
	key := cacheKey{userID: userID, channelID: channelID}
	if perms, ok := c.lru.Get(key); ok {
		return perms, nil
	}

	perms, err := c.engine.Compute(ctx, guildID, channelID, guildOwnerID, userID)
	if err != nil {
		return 0, err
	}
	c.lru.Add(key, perms)
	return perms, nil
}

// InvalidateUser drops every cached entry. A per-user targeted invalidation
// isn't supported by the underlying cache, so a role change for one user
// purges permissions for everyone rather than risk serving stale bits.
func (c *Cache) InvalidateUser(userID int64) {
	c.lru.Purge()
}

// InvalidateChannel drops every cached entry, for the same reason as
// InvalidateUser: the cache can't selectively purge by channel.
func (c *Cache) InvalidateChannel(channelID int64) {
	c.lru.Purge()
}

// InvalidateAll unconditionally clears the cache.
func (c *Cache) InvalidateAll() {
	c.lru.Purge()
}
