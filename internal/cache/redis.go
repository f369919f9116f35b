package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/pkg/errors"

	"github.com/YSAWORK/events-api/config"
)

// ErrCacheMiss is returned when a key is absent or caching is disabled
var ErrCacheMiss = errors.New("cache miss")

// RedisCache provides caching and small shared counters using Redis
type RedisCache struct {
	client  *redis.Client
	enabled bool
}

// NewRedisCache creates a new Redis cache
func NewRedisCache(cfg config.RedisConfig) (*RedisCache, error) {
	if !cfg.Enabled {
		return &RedisCache{enabled: false}, nil
	}

	client := redis.NewClient(&redis.Options{
		Addr:     fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	// Test the connection
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if _, err := client.Ping(ctx).Result(); err != nil {
		return nil, errors.Wrap(err, "failed to connect to Redis")
	}

	return &RedisCache{
		client:  client,
		enabled: true,
	}, nil
}

// Enabled reports whether the cache is usable
func (c *RedisCache) Enabled() bool {
	return c != nil && c.enabled
}

// Get retrieves a JSON value from cache
func (c *RedisCache) Get(ctx context.Context, key string, value interface{}) error {
	if !c.Enabled() {
		return ErrCacheMiss
	}

	data, err := c.client.Get(ctx, key).Bytes()
	if err != nil {
		if err == redis.Nil {
			return ErrCacheMiss
		}
		return errors.Wrap(err, "failed to get value from Redis")
	}

	if err := json.Unmarshal(data, value); err != nil {
		return errors.Wrap(err, "failed to unmarshal cached value")
	}
	return nil
}

// Set stores a JSON value in cache with expiration
func (c *RedisCache) Set(ctx context.Context, key string, value interface{}, expiration time.Duration) error {
	if !c.Enabled() {
		return nil
	}

	data, err := json.Marshal(value)
	if err != nil {
		return errors.Wrap(err, "failed to marshal value for caching")
	}

	if err := c.client.Set(ctx, key, data, expiration).Err(); err != nil {
		return errors.Wrap(err, "failed to set value in Redis")
	}
	return nil
}

// SetFlag stores a marker key with expiration, used for token revocation
func (c *RedisCache) SetFlag(ctx context.Context, key string, expiration time.Duration) error {
	if !c.Enabled() {
		return errors.New("cache is disabled")
	}
	return errors.Wrap(c.client.Set(ctx, key, "1", expiration).Err(), "failed to set flag in Redis")
}

// HasFlag reports whether a marker key exists
func (c *RedisCache) HasFlag(ctx context.Context, key string) (bool, error) {
	if !c.Enabled() {
		return false, nil
	}
	n, err := c.client.Exists(ctx, key).Result()
	if err != nil {
		return false, errors.Wrap(err, "failed to check flag in Redis")
	}
	return n > 0, nil
}

// IncrWindow increments a fixed-window counter, setting the window TTL on
// first increment, and returns the current count.
func (c *RedisCache) IncrWindow(ctx context.Context, key string, window time.Duration) (int64, error) {
	if !c.Enabled() {
		return 0, errors.New("cache is disabled")
	}

	pipe := c.client.TxPipeline()
	incr := pipe.Incr(ctx, key)
	pipe.Expire(ctx, key, window)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, errors.Wrap(err, "failed to increment rate limit counter")
	}
	return incr.Val(), nil
}

// DAUCacheKey generates a cache key for a DAU range response
func DAUCacheKey(from, to, tz string) string {
	return fmt.Sprintf("insights:dau:%s:%s:%s", from, to, tz)
}

// RevokedTokenKey generates a revocation marker key for a token id
func RevokedTokenKey(jti string) string {
	return fmt.Sprintf("insights:revoked:%s", jti)
}

// RateLimitKey generates a fixed-window rate limit key
func RateLimitKey(route, client string, window time.Time) string {
	return fmt.Sprintf("insights:limiter:%s:%s:%d", route, client, window.Unix())
}

// Close closes the Redis connection
func (c *RedisCache) Close() error {
	if !c.Enabled() || c.client == nil {
		return nil
	}
	return c.client.Close()
}
