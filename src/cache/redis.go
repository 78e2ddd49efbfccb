// Package cache adapts the external dashboard-metrics cache. The broadcast
// layer treats the cached payload as an opaque JSON-safe value.
package cache

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// RedisMetricsCache reads and invalidates per-user dashboard metrics
// payloads stored in Redis by the metrics pipeline.
type RedisMetricsCache struct {
	client *redis.Client
	prefix string
}

// NewRedisMetricsCache creates a cache adapter over an existing client.
func NewRedisMetricsCache(client *redis.Client, prefix string) *RedisMetricsCache {
	return &RedisMetricsCache{client: client, prefix: prefix}
}

func (c *RedisMetricsCache) key(userID string) string {
	return c.prefix + "dashboard:metrics:" + userID
}

// Fetch returns the user's cached metrics payload, or an empty payload if
// nothing is cached yet.
func (c *RedisMetricsCache) Fetch(ctx context.Context, userID string) (map[string]any, error) {
	raw, err := c.client.Get(ctx, c.key(userID)).Result()
	if err == redis.Nil {
		return map[string]any{}, nil
	}
	if err != nil {
		return nil, err
	}

	var payload map[string]any
	if err := json.Unmarshal([]byte(raw), &payload); err != nil {
		return nil, fmt.Errorf("corrupt metrics payload for %s: %w", userID, err)
	}
	return payload, nil
}

// Invalidate drops the user's cached payload so the next fetch recomputes.
func (c *RedisMetricsCache) Invalidate(ctx context.Context, userID string) error {
	return c.client.Del(ctx, c.key(userID)).Err()
}
