package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"k8s.io/klog/v2"

	"github.com/elevated-systems/be-water-smart/pkg/bewatersmart/config"
	"github.com/elevated-systems/be-water-smart/pkg/bewatersmart/metrics"
)

const redisKeyPrefix = "bws:cache:"

// Redis is a Store shared between console instances. Redis failures are
// logged and reported as misses.
type Redis struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedis connects to the server in cfg and checks it answers
func NewRedis(ctx context.Context, cfg config.RedisConfig, ttl time.Duration) (*Redis, error) {
	if ttl <= 0 {
		ttl = time.Minute
	}

	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping %s: %w", cfg.Addr, err)
	}

	klog.V(2).InfoS("Connected to redis cache", "addr", cfg.Addr, "db", cfg.DB, "ttl", ttl)
	return &Redis{client: client, ttl: ttl}, nil
}

// Get returns the value stored under key
func (r *Redis) Get(ctx context.Context, key string) ([]byte, bool) {
	value, err := r.client.Get(ctx, redisKeyPrefix+key).Bytes()
	switch {
	case errors.Is(err, redis.Nil):
		metrics.CacheLookups.WithLabelValues(config.CacheRedis, "miss").Inc()
		return nil, false
	case err != nil:
		metrics.CacheLookups.WithLabelValues(config.CacheRedis, "error").Inc()
		klog.ErrorS(err, "Redis get failed", "key", key)
		return nil, false
	}
	metrics.CacheLookups.WithLabelValues(config.CacheRedis, "hit").Inc()
	return value, true
}

// Set stores value under key for the TTL
func (r *Redis) Set(ctx context.Context, key string, value []byte) {
	if err := r.client.Set(ctx, redisKeyPrefix+key, value, r.ttl).Err(); err != nil {
		klog.ErrorS(err, "Redis set failed", "key", key)
	}
}

// Delete removes keys
func (r *Redis) Delete(ctx context.Context, keys ...string) {
	if len(keys) == 0 {
		return
	}
	prefixed := make([]string, 0, len(keys))
	for _, k := range keys {
		prefixed = append(prefixed, redisKeyPrefix+k)
	}
	if err := r.client.Del(ctx, prefixed...).Err(); err != nil {
		klog.ErrorS(err, "Redis delete failed", "keys", keys)
	}
}

// Close closes the connection pool
func (r *Redis) Close() error {
	return r.client.Close()
}
