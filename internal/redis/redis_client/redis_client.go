package redis_client

import (
	"context"
	"fmt"
	"runtime"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// NewRedisClient returns a pooled client once the server answers PING.
func NewRedisClient(ctx context.Context, host string, port uint16) (*redis.Client, error) {
	poolSize := min(runtime.NumCPU()*8, 512)

	rc := redis.NewClient(&redis.Options{
		Addr:     fmt.Sprintf("%s:%d", host, port),
		PoolSize: poolSize,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := rc.Ping(pingCtx).Err(); err != nil {
		_ = rc.Close()
		zap.L().Error("redis_connect", zap.String("addr", rc.Options().Addr), zap.Error(err))
		return nil, fmt.Errorf("redis connection failed: %w", err)
	}
	zap.L().Debug("redis_connected", zap.String("addr", rc.Options().Addr), zap.Int("pool", poolSize))
	return rc, nil
}
