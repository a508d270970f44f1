package catalog

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/example/carpool/internal/models"
)

// RedisCache shares route lookups across server replicas. Redis failures
// degrade to a cache miss.
type RedisCache struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
	log    *slog.Logger
}

func NewRedisCache(client *redis.Client, ttl time.Duration, log *slog.Logger) *RedisCache {
	if log == nil {
		log = slog.Default()
	}
	return &RedisCache{client: client, prefix: "route:", ttl: ttl, log: log}
}

func (c *RedisCache) Get(ctx context.Context, key string) (models.Route, bool) {
	b, err := c.client.Get(ctx, c.prefix+key).Bytes()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			c.log.Warn("route_cache_get_failed", "key", key, "err", err)
		}
		return models.Route{}, false
	}
	var r models.Route
	if err := json.Unmarshal(b, &r); err != nil {
		c.log.Warn("route_cache_decode_failed", "key", key, "err", err)
		return models.Route{}, false
	}
	return r, true
}

func (c *RedisCache) Set(ctx context.Context, key string, r models.Route) {
	b, err := json.Marshal(r)
	if err != nil {
		return
	}
	if err := c.client.Set(ctx, c.prefix+key, b, c.ttl).Err(); err != nil {
		c.log.Warn("route_cache_set_failed", "key", key, "err", err)
	}
}
