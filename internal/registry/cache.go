package registry

import (
	"context"
	"encoding/json"
	"time"

	"github.com/redis/go-redis/v9"
)

// LookupCacheTTL is the 5-minute TTL spec.md §4.4 requires for /lookup
// results, keyed by filter tuple. Grounded on internal/auth/middleware.go's
// SetNX-with-TTL usage of go-redis.
const LookupCacheTTL = 5 * time.Minute

// LookupCache is a thin Redis read-through cache in front of Store.Lookup.
type LookupCache struct {
	rdb *redis.Client
	ttl time.Duration
}

func NewLookupCache(rdb *redis.Client, ttl time.Duration) *LookupCache {
	if ttl <= 0 {
		ttl = LookupCacheTTL
	}
	return &LookupCache{rdb: rdb, ttl: ttl}
}

func (c *LookupCache) Get(ctx context.Context, key string) ([]Subscriber, bool) {
	raw, err := c.rdb.Get(ctx, "registry:"+key).Bytes()
	if err != nil {
		return nil, false
	}
	var subs []Subscriber
	if err := json.Unmarshal(raw, &subs); err != nil {
		return nil, false
	}
	return subs, true
}

func (c *LookupCache) Set(ctx context.Context, key string, subs []Subscriber) {
	raw, err := json.Marshal(subs)
	if err != nil {
		return
	}
	c.rdb.Set(ctx, "registry:"+key, raw, c.ttl)
}

// Invalidate drops the cached result for key (used after a status
// transition that could change who the filter tuple matches).
func (c *LookupCache) Invalidate(ctx context.Context, key string) {
	c.rdb.Del(ctx, "registry:"+key)
}

// InvalidateAll drops every cached lookup-filter result. A single
// subscriber's status change can affect an unbounded number of cached
// filter tuples (domain+city, domain-only nationwide, unfiltered, ...), so
// any status/delete mutation invalidates the whole cache rather than trying
// to enumerate which tuples it could have touched.
func (c *LookupCache) InvalidateAll(ctx context.Context) {
	var cursor uint64
	for {
		keys, next, err := c.rdb.Scan(ctx, cursor, "registry:*", 100).Result()
		if err != nil {
			return
		}
		if len(keys) > 0 {
			c.rdb.Del(ctx, keys...)
		}
		cursor = next
		if cursor == 0 {
			break
		}
	}
}
