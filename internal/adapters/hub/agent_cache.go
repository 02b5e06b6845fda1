package hub

import (
	"context"
	"time"

	"github.com/jellydator/ttlcache/v3"

	"github.com/target/backup-coordinator/internal/domain/model"
	"github.com/target/backup-coordinator/internal/rpc"
)

// CachedAgents memoizes agent lookups so reconnect storms do not hammer the database.
// Misses are not cached, so a newly registered agent can connect immediately.
type CachedAgents struct {
	store rpc.AgentLookup
	cache *ttlcache.Cache[string, *model.Agent]
}

var _ rpc.AgentLookup = (*CachedAgents)(nil)

// NewCachedAgents wraps store with a cache of the given ttl. Call Start to run expiry.
func NewCachedAgents(store rpc.AgentLookup, ttl time.Duration) *CachedAgents {
	if ttl <= 0 {
		ttl = time.Minute
	}
	return &CachedAgents{
		store: store,
		cache: ttlcache.New[string, *model.Agent](
			ttlcache.WithTTL[string, *model.Agent](ttl),
			ttlcache.WithDisableTouchOnHit[string, *model.Agent](),
		),
	}
}

// GetByKey returns the cached agent or loads it from the store.
func (c *CachedAgents) GetByKey(ctx context.Context, key string) (*model.Agent, error) {
	if item := c.cache.Get(key); item != nil {
		return item.Value(), nil
	}
	agent, err := c.store.GetByKey(ctx, key)
	if err != nil {
		return nil, err
	}
	c.cache.Set(key, agent, ttlcache.DefaultTTL)
	return agent, nil
}

// Invalidate drops a cached agent, e.g. after it is deleted.
func (c *CachedAgents) Invalidate(key string) {
	c.cache.Delete(key)
}

// Start runs the expiry loop until Stop is called.
func (c *CachedAgents) Start() {
	c.cache.Start()
}

// Stop ends the expiry loop.
func (c *CachedAgents) Stop() {
	c.cache.Stop()
}
