package cache

import (
	"context"
	"fmt"
	"sync"
	"time"

	"k8s.io/klog/v2"
	"k8s.io/utils/clock"

	"github.com/elevated-systems/be-water-smart/pkg/bewatersmart/config"
	"github.com/elevated-systems/be-water-smart/pkg/bewatersmart/metrics"
)

// Store caches raw API responses by key
type Store interface {
	Get(ctx context.Context, key string) ([]byte, bool)
	Set(ctx context.Context, key string, value []byte)
	Delete(ctx context.Context, keys ...string)
	Close() error
}

// NewFromConfig builds the store selected by cfg.Backend. The "none"
// backend yields a nil Store.
func NewFromConfig(ctx context.Context, cfg config.CacheConfig) (Store, error) {
	switch cfg.Backend {
	case config.CacheNone:
		return nil, nil
	case config.CacheMemory, "":
		return New(cfg.TTL, cfg.MaxAge), nil
	case config.CacheRedis:
		r, err := NewRedis(ctx, cfg.Redis, cfg.TTL)
		if err != nil {
			return nil, err
		}
		return r, nil
	default:
		return nil, fmt.Errorf("unknown cache backend %q", cfg.Backend)
	}
}

// Cache provides thread-safe in-memory caching of responses with TTL
type Cache struct {
	data    map[string]*cacheEntry
	mutex   sync.RWMutex
	ttl     time.Duration
	maxAge  time.Duration
	clock   clock.WithTicker
	stopCh  chan struct{}
	stopped sync.Once
}

type cacheEntry struct {
	value     []byte
	timestamp time.Time
	hits      int64
}

// New creates a new cache instance backed by the real clock
func New(ttl time.Duration, maxAge time.Duration) *Cache {
	return NewWithClock(ttl, maxAge, clock.RealClock{})
}

// NewWithClock creates a new cache instance reading time from clk
func NewWithClock(ttl time.Duration, maxAge time.Duration, clk clock.WithTicker) *Cache {
	// Ensure TTL and maxAge are positive
	if ttl <= 0 {
		ttl = time.Minute
	}
	if maxAge <= 0 {
		maxAge = time.Hour
	}

	c := &Cache{
		data: make(map[string]*cacheEntry),
		// For freshness at get time.
		ttl: ttl,
		// Age to clean-up unaccessed items.
		maxAge: maxAge,
		clock:  clk,
		stopCh: make(chan struct{}),
	}

	go c.cleanup()

	return c
}

// Get retrieves a value if it is younger than the TTL
func (c *Cache) Get(_ context.Context, key string) ([]byte, bool) {
	c.mutex.RLock()
	entry, exists := c.data[key]
	c.mutex.RUnlock()

	if !exists {
		c.recordMiss()
		return nil, false
	}

	age := c.clock.Since(entry.timestamp)
	if age > c.ttl {
		c.recordMiss()
		return nil, false
	}

	c.mutex.Lock()
	entry.hits++
	c.mutex.Unlock()
	c.recordHit()

	return entry.value, true
}

// Set stores value under key
func (c *Cache) Set(_ context.Context, key string, value []byte) {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	c.data[key] = &cacheEntry{
		value:     value,
		timestamp: c.clock.Now(),
	}

	klog.V(4).InfoS("Cached response", "key", key, "bytes", len(value))
}

// Delete removes keys. Absent keys are ignored.
func (c *Cache) Delete(_ context.Context, keys ...string) {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	for _, key := range keys {
		delete(c.data, key)
	}
	klog.V(4).InfoS("Invalidated cache entries", "keys", keys)
}

func (c *Cache) recordHit() {
	metrics.CacheLookups.WithLabelValues(config.CacheMemory, "hit").Inc()
}

func (c *Cache) recordMiss() {
	metrics.CacheLookups.WithLabelValues(config.CacheMemory, "miss").Inc()
}

// cleanup periodically removes entries older than maxAge
func (c *Cache) cleanup() {
	ticker := c.clock.NewTicker(c.ttl)
	defer ticker.Stop()

	for {
		select {
		case <-c.stopCh:
			return
		case <-ticker.C():
			c.removeExpired()
		}
	}
}

func (c *Cache) removeExpired() {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	now := c.clock.Now()
	for key, entry := range c.data {
		age := now.Sub(entry.timestamp)
		if age > c.maxAge {
			delete(c.data, key)
			klog.V(4).InfoS("Removed expired cache entry",
				"key", key,
				"age", age.String(),
				"hits", entry.hits)
		}
	}
}

// Close stops the cleanup goroutine. It is safe to call more than once.
func (c *Cache) Close() error {
	c.stopped.Do(func() { close(c.stopCh) })
	return nil
}
