package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"time"

	"github.com/go-redis/redis/v8"
)

const (
	cacheKeyPrefix     = "pixelfuel:catalog:"
	cacheGenerationKey = cacheKeyPrefix + "gen"
)

// catalogCache stores rendered public catalog reads. Writes to the catalog
// call Invalidate, which moves every reader onto a fresh key space.
type catalogCache interface {
	Get(ctx context.Context, key string, dst interface{}) bool
	Set(ctx context.Context, key string, value interface{})
	Invalidate(ctx context.Context)
}

type noopCache struct{}

func (noopCache) Get(context.Context, string, interface{}) bool { return false }
func (noopCache) Set(context.Context, string, interface{})      {}
func (noopCache) Invalidate(context.Context)                    {}

type redisCache struct {
	client  *redis.Client
	ttl     time.Duration
	metrics *Metrics
}

func newCatalogCache(ctx context.Context, cfg *Config, metrics *Metrics) (catalogCache, func() error, error) {
	if cfg.RedisURL == "" {
		return noopCache{}, func() error { return nil }, nil
	}
	opts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		return nil, nil, fmt.Errorf("parse REDIS_URL: %w", err)
	}
	client := redis.NewClient(opts)
	pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, nil, fmt.Errorf("ping redis: %w", err)
	}
	ttl := cfg.CacheTTL
	if ttl <= 0 {
		ttl = time.Minute
	}
	return &redisCache{client: client, ttl: ttl, metrics: metrics}, client.Close, nil
}

func (c *redisCache) generation(ctx context.Context) string {
	gen, err := c.client.Get(ctx, cacheGenerationKey).Result()
	if errors.Is(err, redis.Nil) {
		return "0"
	}
	if err != nil {
		return ""
	}
	return gen
}

func (c *redisCache) key(ctx context.Context, key string) string {
	gen := c.generation(ctx)
	if gen == "" {
		return ""
	}
	return cacheKeyPrefix + gen + ":" + key
}

func (c *redisCache) Get(ctx context.Context, key string, dst interface{}) bool {
	full := c.key(ctx, key)
	if full == "" {
		c.metrics.cacheLookups.WithLabelValues("error").Inc()
		return false
	}
	raw, err := c.client.Get(ctx, full).Bytes()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			logger.WithError(err).Warn("catalog cache read failed")
			c.metrics.cacheLookups.WithLabelValues("error").Inc()
			return false
		}
		c.metrics.cacheLookups.WithLabelValues("miss").Inc()
		return false
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		c.metrics.cacheLookups.WithLabelValues("error").Inc()
		return false
	}
	c.metrics.cacheLookups.WithLabelValues("hit").Inc()
	return true
}

func (c *redisCache) Set(ctx context.Context, key string, value interface{}) {
	full := c.key(ctx, key)
	if full == "" {
		return
	}
	raw, err := json.Marshal(value)
	if err != nil {
		return
	}
	if err := c.client.Set(ctx, full, raw, c.ttl).Err(); err != nil {
		logger.WithError(err).Warn("catalog cache write failed")
	}
}

func (c *redisCache) Invalidate(ctx context.Context) {
	if err := c.client.Incr(ctx, cacheGenerationKey).Err(); err != nil {
		logger.WithError(err).Warn("catalog cache invalidation failed")
	}
}

// catalogKey keys a read by resource and its normalized query string.
func catalogKey(resource string, query url.Values) string {
	if len(query) == 0 {
		return resource
	}
	return resource + "?" + query.Encode()
}
