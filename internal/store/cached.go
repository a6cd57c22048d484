package store

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/voyagen/streamsweep/internal/cache"
	"github.com/voyagen/streamsweep/internal/models"
)

// DefaultCacheTTL bounds how long a cached partition may lag a write made
// by another process.
const DefaultCacheTTL = 10 * time.Minute

// CachedBackend wraps a Backend with a Redis read-through cache.
// Writes go to the inner backend first and then refresh the cached copy.
type CachedBackend struct {
	inner  Backend
	cache  *cache.Redis
	ttl    time.Duration
	logger *log.Logger
}

// NewCachedBackend creates a CachedBackend that wraps inner with Redis caching.
func NewCachedBackend(inner Backend, c *cache.Redis, ttl time.Duration) *CachedBackend {
	if ttl <= 0 {
		ttl = DefaultCacheTTL
	}
	return &CachedBackend{inner: inner, cache: c, ttl: ttl, logger: log.Default()}
}

func (c *CachedBackend) Read(ctx context.Context, p Partition) ([]models.Channel, error) {
	chs, err := c.cache.Partition(ctx, string(p.Kind), p.Key)
	if err == nil {
		return chs, nil
	}
	if !errors.Is(err, cache.ErrMiss) {
		c.logger.Printf("cache: %v", err)
	}
	chs, err = c.inner.Read(ctx, p)
	if err != nil {
		return nil, err
	}
	// Missing partitions are not cached; they may appear through another writer.
	if chs != nil {
		c.put(ctx, p, chs)
	}
	return chs, nil
}

func (c *CachedBackend) Write(ctx context.Context, p Partition, channels []models.Channel) error {
	if err := c.inner.Write(ctx, p, channels); err != nil {
		return err
	}
	c.put(ctx, p, channels)
	return nil
}

func (c *CachedBackend) List(ctx context.Context, kind Kind) ([]Partition, error) {
	return c.inner.List(ctx, kind)
}

func (c *CachedBackend) Reset(ctx context.Context) error {
	if err := c.inner.Reset(ctx); err != nil {
		return err
	}
	n, err := c.cache.DropPartitions(ctx)
	if err != nil {
		// A stale cached partition would resurrect deleted records.
		return fmt.Errorf("cache reset: %w", err)
	}
	c.logger.Printf("cache: dropped %d cached partitions", n)
	return nil
}

// put refreshes the cached copy; when that fails the entry is dropped so
// reads fall through to the inner backend.
func (c *CachedBackend) put(ctx context.Context, p Partition, chs []models.Channel) {
	err := c.cache.PutPartition(ctx, string(p.Kind), p.Key, chs, c.ttl)
	if err == nil {
		return
	}
	c.logger.Printf("cache: %v", err)
	if err := c.cache.DropPartition(ctx, string(p.Kind), p.Key); err != nil {
		c.logger.Printf("cache: %v", err)
	}
}
