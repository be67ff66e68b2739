// Package memory is the in-process response cache used when Redis is not
// configured. Values are stored JSON-encoded so callers never share state.
package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/patrickmn/go-cache"
)

type Cache struct {
	store *cache.Cache
}

// New creates a cache whose entries default to ttl and are swept every
// cleanup interval.
func New(ttl, cleanup time.Duration) *Cache {
	return &Cache{store: cache.New(ttl, cleanup)}
}

func (c *Cache) Get(_ context.Context, key string, dst any) (bool, error) {
	raw, ok := c.store.Get(key)
	if !ok {
		return false, nil
	}
	data, ok := raw.([]byte)
	if !ok {
		return false, fmt.Errorf("unexpected cache entry type %T", raw)
	}
	if err := json.Unmarshal(data, dst); err != nil {
		return false, fmt.Errorf("failed to unmarshal cached value: %w", err)
	}
	return true, nil
}

func (c *Cache) Set(_ context.Context, key string, value any, ttl time.Duration) error {
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("failed to marshal cache value: %w", err)
	}
	c.store.Set(key, data, ttl)
	return nil
}

func (c *Cache) Delete(_ context.Context, key string) error {
	c.store.Delete(key)
	return nil
}

func (c *Cache) Len() int {
	return c.store.ItemCount()
}
