// Package cache provides the Redis-backed share-token cache and its no-op
// stand-in for Redis-less deployments.
package cache

import (
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/histoseg/platform/internal/domain"
)

const tokenKeyPrefix = "share:token:"

// RedisTokenCache implements domain.TokenCache on Redis with per-token TTL.
type RedisTokenCache struct {
	rdb *redis.Client
}

// NewRedisTokenCache wraps an existing client.
func NewRedisTokenCache(rdb *redis.Client) *RedisTokenCache {
	return &RedisTokenCache{rdb: rdb}
}

// SetToken implements domain.TokenCache.
func (c *RedisTokenCache) SetToken(ctx domain.Context, token, shareID string, ttl time.Duration) error {
	if err := c.rdb.Set(ctx, tokenKeyPrefix+token, shareID, ttl).Err(); err != nil {
		return fmt.Errorf("op=cache.SetToken: %w", err)
	}
	return nil
}

// GetToken implements domain.TokenCache. A miss maps to ErrNotFound so the
// caller falls through to the store.
func (c *RedisTokenCache) GetToken(ctx domain.Context, token string) (string, error) {
	v, err := c.rdb.Get(ctx, tokenKeyPrefix+token).Result()
	if errors.Is(err, redis.Nil) {
		return "", domain.ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("op=cache.GetToken: %w", err)
	}
	return v, nil
}

// DeleteToken implements domain.TokenCache.
func (c *RedisTokenCache) DeleteToken(ctx domain.Context, token string) error {
	if err := c.rdb.Del(ctx, tokenKeyPrefix+token).Err(); err != nil {
		return fmt.Errorf("op=cache.DeleteToken: %w", err)
	}
	return nil
}

// NopTokenCache is wired when REDIS_URL is unset; every lookup misses and
// share acceptance resolves tokens from the store.
type NopTokenCache struct{}

func (NopTokenCache) SetToken(domain.Context, string, string, time.Duration) error { return nil }
func (NopTokenCache) GetToken(domain.Context, string) (string, error) {
	return "", domain.ErrNotFound
}
func (NopTokenCache) DeleteToken(domain.Context, string) error { return nil }
