package cache

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/Kocoro-lab/Shannon/go/research/internal/circuitbreaker"
)

// RedisCache stores entries in Redis behind a circuit breaker.
// Backend failures degrade to cache misses; expiry is delegated to Redis TTLs.
type RedisCache struct {
	cli     *redis.Client
	breaker *circuitbreaker.Breaker
	prefix  string
	logger  *zap.Logger
}

// NewRedisCacheFromClient wraps an existing client.
func NewRedisCacheFromClient(cli *redis.Client, breaker *circuitbreaker.Breaker, logger *zap.Logger) *RedisCache {
	if logger == nil {
		logger = zap.NewNop()
	}
	if breaker == nil {
		breaker = circuitbreaker.New("redis-cache", circuitbreaker.CacheBackendConfig(), logger)
	}
	return &RedisCache{cli: cli, breaker: breaker, prefix: "research:cache:", logger: logger}
}

func (r *RedisCache) Get(ctx context.Context, key string) ([]byte, bool) {
	var out []byte
	hit := false
	err := r.breaker.Execute(ctx, func() error {
		b, err := r.cli.Get(ctx, r.prefix+key).Bytes()
		if errors.Is(err, redis.Nil) {
			return nil
		}
		if err != nil {
			return err
		}
		out, hit = b, true
		return nil
	})
	if err != nil {
		r.logger.Debug("Redis cache get degraded to miss", zap.String("key", key), zap.Error(err))
		return nil, false
	}
	return out, hit
}

func (r *RedisCache) Set(ctx context.Context, key string, v []byte, ttl time.Duration) {
	if ttl <= 0 {
		return
	}
	err := r.breaker.Execute(ctx, func() error {
		return r.cli.Set(ctx, r.prefix+key, v, ttl).Err()
	})
	if err != nil {
		r.logger.Debug("Redis cache set skipped", zap.String("key", key), zap.Error(err))
	}
}

// Close releases the underlying client.
func (r *RedisCache) Close() error {
	return r.cli.Close()
}
