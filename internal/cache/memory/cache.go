package memory

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/scamguard/backend/internal/metrics"
	"github.com/scamguard/backend/pkg/logger"
)

type entry struct {
	value    interface{}
	inserted time.Time
}

// Cache is a TTL memoization map guarded by a single mutex. An entry is a hit
// only while now-inserted < ttl; stale entries are evicted on lookup.
type Cache struct {
	name    string
	ttl     time.Duration
	mu      sync.Mutex
	entries map[string]entry
	now     func() time.Time
	logger  *zap.Logger
}

type Option func(*Cache)

func WithClock(now func() time.Time) Option {
	return func(c *Cache) {
		c.now = now
	}
}

func WithLogger(l *zap.Logger) Option {
	return func(c *Cache) {
		c.logger = l
	}
}

func New(name string, ttl time.Duration, opts ...Option) *Cache {
	c := &Cache{
		name:    name,
		ttl:     ttl,
		entries: make(map[string]entry),
		now:     time.Now,
		logger:  logger.Named("cache"),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Cache) Name() string {
	return c.name
}

func (c *Cache) TTL() time.Duration {
	return c.ttl
}

func (c *Cache) Get(key string) (interface{}, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[key]
	if !ok {
		metrics.CacheMisses.WithLabelValues(c.name).Inc()
		return nil, false
	}

	if c.now().Sub(e.inserted) >= c.ttl {
		delete(c.entries, key)
		metrics.CacheMisses.WithLabelValues(c.name).Inc()
		c.logger.Debug("Cache entry expired", zap.String("cache", c.name), zap.String("key", key))
		return nil, false
	}

	metrics.CacheHits.WithLabelValues(c.name).Inc()
	return e.value, true
}

func (c *Cache) Put(key string, value interface{}) {
	c.mu.Lock()
	c.entries[key] = entry{value: value, inserted: c.now()}
	c.mu.Unlock()
}

func (c *Cache) Delete(key string) {
	c.mu.Lock()
	delete(c.entries, key)
	c.mu.Unlock()
}

// Purge drops every entry, stale or not.
func (c *Cache) Purge() {
	c.mu.Lock()
	c.entries = make(map[string]entry)
	c.mu.Unlock()
}

// Len counts entries still within their TTL.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	n := 0
	for _, e := range c.entries {
		if now.Sub(e.inserted) < c.ttl {
			n++
		}
	}
	return n
}

// GetOrCompute returns the cached value for key or runs compute and stores
// its result. The lock is not held while compute runs; concurrent misses for
// the same key may compute twice and the last write wins. Errors are not cached.
func GetOrCompute[T any](c *Cache, key string, compute func() (T, error)) (T, error) {
	if v, ok := c.Get(key); ok {
		if typed, ok := v.(T); ok {
			return typed, nil
		}
		c.logger.Warn("Cache entry has unexpected type", zap.String("cache", c.name), zap.String("key", key))
	}

	value, err := compute()
	if err != nil {
		var zero T
		return zero, err
	}

	c.Put(key, value)
	return value, nil
}
