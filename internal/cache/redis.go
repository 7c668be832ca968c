// Package cache connects to Redis.
package cache

import (
	"context"
	"fmt"
	"time"

	"github.com/xtrntr/papertrade/internal/config"

	"github.com/redis/go-redis/v9"
)

// Connect opens a Redis client and checks it with a ping
func Connect(ctx context.Context, cfg config.RedisConfig) (redis.UniversalClient, error) {
	opts := &redis.Options{
		Addr:            cfg.Addr,
		Password:        cfg.Password,
		DB:              cfg.DB,
		DialTimeout:     time.Second,
		ReadTimeout:     400 * time.Millisecond,
		WriteTimeout:    400 * time.Millisecond,
		PoolSize:        20,
		MinIdleConns:    2,
		PoolTimeout:     750 * time.Millisecond,
		ConnMaxIdleTime: 90 * time.Second,
		MinRetryBackoff: 50 * time.Millisecond,
		MaxRetryBackoff: 200 * time.Millisecond,

		OnConnect: func(ctx context.Context, cn *redis.Conn) error {
			_ = cn.ClientSetName(ctx, "papertrade").Err()
			return nil
		},
	}

	rdb := redis.NewClient(opts)
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("failed to connect to redis at %s: %w", cfg.Addr, err)
	}
	return rdb, nil
}
