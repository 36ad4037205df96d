package server

import (
	"time"

	"github.com/jellydator/ttlcache/v3"

	"github.com/spindate/matchd/pkg/metrics"
)

// statusCache absorbs the 2s status poll storm. Entries live for a few
// hundred milliseconds at most, and any mutating call by the same user
// invalidates their entry so the poll after a spin or vote is never stale.
type statusCache struct {
	cache *ttlcache.Cache[string, statusResponse]
}

func newStatusCache(ttl time.Duration) *statusCache {
	return &statusCache{
		cache: ttlcache.New(
			ttlcache.WithTTL[string, statusResponse](ttl),
			ttlcache.WithDisableTouchOnHit[string, statusResponse](),
		),
	}
}

// Start launches the expiry loop. Pair with Stop.
func (c *statusCache) Start() {
	go c.cache.Start()
}

func (c *statusCache) Stop() {
	c.cache.Stop()
}

func (c *statusCache) Get(userID string) (statusResponse, bool) {
	item := c.cache.Get(userID)
	if item == nil {
		metrics.StatusCacheTotal.WithLabelValues("miss").Inc()
		return statusResponse{}, false
	}
	metrics.StatusCacheTotal.WithLabelValues("hit").Inc()
	return item.Value(), true
}

func (c *statusCache) Put(userID string, resp statusResponse) {
	c.cache.Set(userID, resp, ttlcache.DefaultTTL)
}

func (c *statusCache) Invalidate(userID string) {
	c.cache.Delete(userID)
}
