// Package cache wraps a proxy store with Redis-backed caching of merged
// views. Redis failures degrade to the backing store, never to errors.
package cache

import (
	"context"
	"encoding/json"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/louisbranch/proxyfeed/internal/proxy"
	"github.com/louisbranch/proxyfeed/internal/storage"
)

// Cache is a read-through, write-evict proxy store wrapper.
type Cache struct {
	base  storage.ProxyStore
	redis *redis.Client
	ttl   time.Duration
}

// New creates a caching wrapper around base. A nil client disables caching
// and every call passes straight through.
func New(base storage.ProxyStore, client *redis.Client, ttl time.Duration) *Cache {
	if base == nil {
		panic("cache.New: base proxy store is nil")
	}
	if ttl < 0 {
		ttl = 0
	}
	return &Cache{base: base, redis: client, ttl: ttl}
}

// GetProxy serves from Redis when possible and falls back to the backing
// store, repopulating the cache on the way out.
func (c *Cache) GetProxy(ctx context.Context, domainID, contextKey string) (proxy.Proxy, error) {
	if cached, ok := c.load(ctx, domainID, contextKey); ok {
		return cached, nil
	}

	p, err := c.base.GetProxy(ctx, domainID, contextKey)
	if err != nil {
		return proxy.Proxy{}, err
	}
	c.store(ctx, p)
	return p, nil
}

// PutProxy writes through to the backing store and evicts the cached view so
// stale merges never survive a write.
func (c *Cache) PutProxy(ctx context.Context, p proxy.Proxy) error {
	if err := c.base.PutProxy(ctx, p); err != nil {
		return err
	}
	c.evict(ctx, p.DomainID, p.ContextKey)
	return nil
}

// ListProxies always reads the backing store; listings are unbounded and not
// worth caching per key.
func (c *Cache) ListProxies(ctx context.Context, domainID string) ([]proxy.Proxy, error) {
	return c.base.ListProxies(ctx, domainID)
}

func (c *Cache) load(ctx context.Context, domainID, contextKey string) (proxy.Proxy, bool) {
	if c.redis == nil {
		return proxy.Proxy{}, false
	}
	data, err := c.redis.Get(ctx, cacheKey(domainID, contextKey)).Bytes()
	if err != nil {
		if err != redis.Nil {
			// On redis errors fall back to the backing storage without failing.
			_ = c.redis.Del(ctx, cacheKey(domainID, contextKey)).Err()
		}
		return proxy.Proxy{}, false
	}
	var p proxy.Proxy
	if err := json.Unmarshal(data, &p); err != nil {
		_ = c.redis.Del(ctx, cacheKey(domainID, contextKey)).Err()
		return proxy.Proxy{}, false
	}
	return p, true
}

func (c *Cache) store(ctx context.Context, p proxy.Proxy) {
	if c.redis == nil || c.ttl == 0 {
		return
	}
	data, err := json.Marshal(p)
	if err != nil {
		return
	}
	_ = c.redis.Set(ctx, cacheKey(p.DomainID, p.ContextKey), data, c.ttl).Err()
}

func (c *Cache) evict(ctx context.Context, domainID, contextKey string) {
	if c.redis == nil {
		return
	}
	_ = c.redis.Del(ctx, cacheKey(domainID, contextKey)).Err()
}

func cacheKey(domainID, contextKey string) string {
	return "proxy:" + domainID + ":" + contextKey
}

var _ storage.ProxyStore = (*Cache)(nil)
