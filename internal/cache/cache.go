// Package cache 提供可选的带 TTL 键值缓存，Redis 不可用时回退到进程内 LRU。
package cache

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/bytedance/sonic"
	lru "github.com/hashicorp/golang-lru/v2"
)

// ErrMiss is returned by Get when the key is absent or expired.
var ErrMiss = errors.New("cache miss")

// Cache is a key-value store with per-entry TTL. Callers treat it as
// best effort: a failing cache never changes the result, only latency.
type Cache interface {
	Get(ctx context.Context, key string, dest any) error
	Set(ctx context.Context, key string, value any, ttl time.Duration) error
	Delete(ctx context.Context, keys ...string) error
	Close() error
}

type entry struct {
	data      []byte
	expiresAt time.Time
}

// MemoryCache is an in-process Cache bounded to a fixed number of keys.
type MemoryCache struct {
	mu    sync.Mutex
	items *lru.Cache[string, entry]
	now   func() time.Time
}

// NewMemoryCache returns a MemoryCache holding up to capacity keys.
func NewMemoryCache(capacity int) (*MemoryCache, error) {
	if capacity <= 0 {
		capacity = 10000
	}
	items, err := lru.New[string, entry](capacity)
	if err != nil {
		return nil, err
	}
	return &MemoryCache{items: items, now: time.Now}, nil
}

func (c *MemoryCache) Get(ctx context.Context, key string, dest any) error {
	c.mu.Lock()
	e, ok := c.items.Get(key)
	if ok && !e.expiresAt.IsZero() && !c.now().Before(e.expiresAt) {
		c.items.Remove(key)
		ok = false
	}
	c.mu.Unlock()
	if !ok {
		return ErrMiss
	}
	return sonic.Unmarshal(e.data, dest)
}

func (c *MemoryCache) Set(ctx context.Context, key string, value any, ttl time.Duration) error {
	data, err := sonic.Marshal(value)
	if err != nil {
		return err
	}
	e := entry{data: data}
	if ttl > 0 {
		e.expiresAt = c.now().Add(ttl)
	}
	c.mu.Lock()
	c.items.Add(key, e)
	c.mu.Unlock()
	return nil
}

func (c *MemoryCache) Delete(ctx context.Context, keys ...string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, key := range keys {
		c.items.Remove(key)
	}
	return nil
}

func (c *MemoryCache) Close() error {
	c.items.Purge()
	return nil
}
