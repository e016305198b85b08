package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"ruleforge-lab/internal/config"
	"ruleforge-lab/pkg/logger"
)

// RedisCache wraps the Redis client with byte and JSON operations
type RedisCache struct {
	client    *redis.Client
	keyPrefix string
	logger    *logger.Logger
}

// NewRedis creates a new Redis client
func NewRedis(ctx context.Context, cfg config.RedisConfig, log *logger.Logger) (*RedisCache, error) {
	log = log.WithComponent("redis")
	log.Info().Str("host", cfg.Host).Int("port", cfg.Port).Msg("connecting to Redis")

	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr(),
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to ping Redis: %w", err)
	}

	log.Info().Msg("connected to Redis successfully")

	return NewFromClient(client, cfg.KeyPrefix, log), nil
}

// NewFromClient wraps an existing client
func NewFromClient(client *redis.Client, keyPrefix string, log *logger.Logger) *RedisCache {
	return &RedisCache{
		client:    client,
		keyPrefix: keyPrefix,
		logger:    log,
	}
}

// Client returns the underlying Redis client
func (c *RedisCache) Client() *redis.Client {
	return c.client
}

// Close closes the Redis connection
func (c *RedisCache) Close() error {
	c.logger.Info().Msg("closing Redis connection")
	return c.client.Close()
}

// Ping checks connectivity
func (c *RedisCache) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

// key prepends the namespace prefix to a key
func (c *RedisCache) key(k string) string {
	return c.keyPrefix + k
}

// Get returns the stored bytes, or nil without error when the key is missing
func (c *RedisCache) Get(ctx context.Context, key string) ([]byte, error) {
	data, err := c.client.Get(ctx, c.key(key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return data, nil
}

// SetWithTTL stores value under key; ttl <= 0 stores without expiry
func (c *RedisCache) SetWithTTL(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if ttl < 0 {
		ttl = 0
	}
	return c.client.Set(ctx, c.key(key), value, ttl).Err()
}

// GetMany reads all keys in one MGET round trip. The result has one entry per key,
// nil where the key is missing.
func (c *RedisCache) GetMany(ctx context.Context, keys []string) ([][]byte, error) {
	if len(keys) == 0 {
		return nil, nil
	}
	prefixed := make([]string, len(keys))
	for i, k := range keys {
		prefixed[i] = c.key(k)
	}

	values, err := c.client.MGet(ctx, prefixed...).Result()
	if err != nil {
		return nil, err
	}

	out := make([][]byte, len(keys))
	for i, v := range values {
		switch val := v.(type) {
		case string:
			out[i] = []byte(val)
		case []byte:
			out[i] = val
		}
	}
	return out, nil
}

// SetManyWithTTL writes all pairs in one pipelined round trip
func (c *RedisCache) SetManyWithTTL(ctx context.Context, pairs map[string][]byte, ttl time.Duration) error {
	if len(pairs) == 0 {
		return nil
	}
	if ttl < 0 {
		ttl = 0
	}
	pipe := c.client.Pipeline()
	for k, v := range pairs {
		pipe.Set(ctx, c.key(k), v, ttl)
	}
	_, err := pipe.Exec(ctx)
	return err
}

// Delete removes keys from cache
func (c *RedisCache) Delete(ctx context.Context, keys ...string) error {
	prefixedKeys := make([]string, len(keys))
	for i, k := range keys {
		prefixedKeys[i] = c.key(k)
	}
	return c.client.Del(ctx, prefixedKeys...).Err()
}

// Expire sets a TTL on a key
func (c *RedisCache) Expire(ctx context.Context, key string, ttl time.Duration) error {
	return c.client.Expire(ctx, c.key(key), ttl).Err()
}

const (
	KeyRateLimitPrefix = "rate_limit:"
	KeyWorkerLock      = "worker:lock:"
	KeyWorkerHistory   = "worker:history"
)

// AcquireLock attempts to acquire a distributed lock
func (c *RedisCache) AcquireLock(ctx context.Context, lockKey string, ttl time.Duration) (bool, error) {
	return c.client.SetNX(ctx, c.key(KeyWorkerLock+lockKey), "locked", ttl).Result()
}

// ReleaseLock releases a distributed lock
func (c *RedisCache) ReleaseLock(ctx context.Context, lockKey string) error {
	return c.Delete(ctx, KeyWorkerLock+lockKey)
}

// RefreshLock extends a held lock
func (c *RedisCache) RefreshLock(ctx context.Context, lockKey string, ttl time.Duration) error {
	return c.Expire(ctx, KeyWorkerLock+lockKey, ttl)
}

// RecordRun prepends an entry to the worker run history, keeping the last keep entries
func (c *RedisCache) RecordRun(ctx context.Context, entry string, keep int64) error {
	pipe := c.client.Pipeline()
	pipe.LPush(ctx, c.key(KeyWorkerHistory), entry)
	pipe.LTrim(ctx, c.key(KeyWorkerHistory), 0, keep-1)
	_, err := pipe.Exec(ctx)
	return err
}

// RunHistory returns the most recent worker runs, newest first
func (c *RedisCache) RunHistory(ctx context.Context, n int64) ([]string, error) {
	return c.client.LRange(ctx, c.key(KeyWorkerHistory), 0, n-1).Result()
}

// CheckRateLimit checks and increments a fixed-window rate limit counter.
// Returns (allowed, remaining, resetTime, error).
func (c *RedisCache) CheckRateLimit(ctx context.Context, key string, limit int64, window time.Duration) (bool, int64, time.Time, error) {
	now := time.Now()
	windowSecs := int64(window.Seconds())
	if windowSecs <= 0 {
		windowSecs = 1
	}
	windowKey := fmt.Sprintf("%s%s:%d", KeyRateLimitPrefix, key, now.Unix()/windowSecs)

	pipe := c.client.Pipeline()
	incr := pipe.Incr(ctx, c.key(windowKey))
	pipe.Expire(ctx, c.key(windowKey), window)
	if _, err := pipe.Exec(ctx); err != nil {
		return false, 0, time.Time{}, err
	}

	count := incr.Val()
	remaining := limit - count
	if remaining < 0 {
		remaining = 0
	}

	return count <= limit, remaining, now.Add(window), nil
}
