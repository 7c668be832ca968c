package price

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

const cacheKey = "price:btc_usd"

// RedisCache keeps the last quote in Redis so every process shares it
type RedisCache struct {
	rdb redis.UniversalClient
	ttl time.Duration
}

// NewRedisCache creates a cache whose entries expire after ttl
func NewRedisCache(rdb redis.UniversalClient, ttl time.Duration) *RedisCache {
	return &RedisCache{rdb: rdb, ttl: ttl}
}

func (c *RedisCache) Get(ctx context.Context) (decimal.Decimal, bool) {
	val, err := c.rdb.Get(ctx, cacheKey).Result()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			zap.L().Warn("Price cache read failed", zap.Error(err))
		}
		return decimal.Zero, false
	}
	p, err := decimal.NewFromString(val)
	if err != nil || !p.IsPositive() {
		return decimal.Zero, false
	}
	return p, true
}

func (c *RedisCache) Set(ctx context.Context, p decimal.Decimal) {
	if err := c.rdb.Set(ctx, cacheKey, p.String(), c.ttl).Err(); err != nil {
		zap.L().Warn("Price cache write failed", zap.Error(err))
	}
}
