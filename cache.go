package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

// CachedRoadDataClient serves repeated nearby queries from Redis. Redis
// failures fall through to the wrapped client.
type CachedRoadDataClient struct {
	inner RoadDataClient
	rdb   *redis.Client
	ttl   time.Duration
}

// NewCachedRoadDataClient wraps inner with a Redis cache. A nil rdb returns
// inner unchanged.
func NewCachedRoadDataClient(inner RoadDataClient, rdb *redis.Client, ttl time.Duration) RoadDataClient {
	if rdb == nil {
		return inner
	}
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &CachedRoadDataClient{inner: inner, rdb: rdb, ttl: ttl}
}

// OpenRedis opens a Redis client for cfg, or returns nil when no address is set
func OpenRedis(cfg RedisConfig) *redis.Client {
	if cfg.Addr == "" {
		return nil
	}
	slog.Debug("redis configured", "addr", cfg.Addr, "db", cfg.DB)
	return redis.NewClient(&redis.Options{Addr: cfg.Addr, Password: cfg.Password, DB: cfg.DB})
}

// roadCacheKey quantizes the location to ~1m so equal waypoints share entries
func roadCacheKey(location Point, radiusMeters float64) string {
	return fmt.Sprintf("roads:%.5f:%.5f:%.0f", location.Lat, location.Lng, radiusMeters)
}

// QueryNearby returns the cached response or queries and caches it
func (c *CachedRoadDataClient) QueryNearby(ctx context.Context, location Point, radiusMeters float64) (*RoadDataResponse, error) {
	key := roadCacheKey(location, radiusMeters)

	data, err := c.rdb.Get(ctx, key).Bytes()
	switch {
	case err == nil:
		var resp RoadDataResponse
		if err := json.Unmarshal(data, &resp); err == nil {
			RoadCacheHitsTotal.Inc()
			return &resp, nil
		}
		slog.Warn("discarding corrupt road cache entry", "key", key)
	case errors.Is(err, redis.Nil):
	default:
		slog.Warn("road cache read failed", "key", key, "error", err)
	}
	RoadCacheMissesTotal.Inc()

	resp, err := c.inner.QueryNearby(ctx, location, radiusMeters)
	if err != nil {
		return nil, err
	}

	if data, err := json.Marshal(resp); err == nil {
		if err := c.rdb.Set(ctx, key, data, c.ttl).Err(); err != nil {
			slog.Warn("road cache write failed", "key", key, "error", err)
		}
	}
	return resp, nil
}
