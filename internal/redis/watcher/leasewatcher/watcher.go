package leasewatcher

import (
	"context"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"roomcollabgo/internal/services/rooms"
)

// Evictor removes a connection's membership and tells its room.
type Evictor interface {
	Evict(ctx context.Context, connID string) error
}

// Run listens to key-expiry events and evicts members whose lease ran out,
// which is how members of a crashed instance leave their rooms.
// Run must be started once at service boot.
func Run(ctx context.Context, rdb *redis.Client, ev Evictor) {
	if err := rdb.ConfigSet(ctx, "notify-keyspace-events", "Ex").Err(); err != nil {
		zap.L().Warn("leasewatcher.config_set", zap.Error(err))
	}
	ps := rdb.PSubscribe(ctx, "__keyevent@*__:expired")
	defer ps.Close()

	ch := ps.Channel()
	for {
		select {
		case <-ctx.Done():
			return
		case m, ok := <-ch:
			if !ok {
				return
			}
			handle(ctx, ev, m.Payload)
		}
	}
}

func handle(ctx context.Context, ev Evictor, key string) {
	connID, ok := rooms.ConnFromLeaseKey(key)
	if !ok {
		return
	}
	if err := ev.Evict(ctx, connID); err != nil {
		zap.L().Warn("leasewatcher.evict", zap.String("conn", connID), zap.Error(err))
		return
	}
	zap.L().Debug("leasewatcher.evicted", zap.String("conn", connID))
}
