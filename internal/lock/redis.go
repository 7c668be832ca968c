package lock

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Deletes the key only while it still holds our token
const luaRelease = `
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`

// Redis is a lease-based lock shared by every process using the same Redis.
// A holder that dies loses the lock when the lease expires.
type Redis struct {
	rdb          redis.UniversalClient
	ttl          time.Duration
	pollInterval time.Duration
	scrRelease   *redis.Script
}

// NewRedis creates a Redis locker with the given lease duration
func NewRedis(rdb redis.UniversalClient, ttl time.Duration) *Redis {
	l := &Redis{
		rdb:          rdb,
		ttl:          ttl,
		pollInterval: 25 * time.Millisecond,
		scrRelease:   redis.NewScript(luaRelease),
	}
	// preload script (best-effort); Run falls back to EVAL
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		_ = l.scrRelease.Load(ctx, rdb).Err()
	}()
	return l
}

func lockKey(key string) string { return "lock:" + key }

func (l *Redis) Lock(ctx context.Context, key string) (func(), error) {
	token := uuid.NewString()
	k := lockKey(key)

	for {
		ok, err := l.rdb.SetNX(ctx, k, token, l.ttl).Result()
		if err != nil {
			return nil, fmt.Errorf("failed to acquire lock %s: %w", key, err)
		}
		if ok {
			break
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(l.pollInterval):
		}
	}

	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		if err := l.scrRelease.Run(ctx, l.rdb, []string{k}, token).Err(); err != nil {
			zap.L().Warn("Failed to release lock", zap.String("key", key), zap.Error(err))
		}
	}, nil
}
