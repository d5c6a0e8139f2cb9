package ws

import (
	"context"

	"github.com/redis/go-redis/v9"

	"roomcollabgo/internal/services/collab"
)

// RedisFanout publishes room events through Redis so members connected to
// other instances receive them too. Direct sends stay local.
type RedisFanout struct {
	hub  *Hub
	rdb  *redis.Client
	subs *subscriptionManager
}

var _ collab.Fanout = (*RedisFanout)(nil)

func NewRedisFanout(rdb *redis.Client, hub *Hub) *RedisFanout {
	return &RedisFanout{
		hub:  hub,
		rdb:  rdb,
		subs: newSubscriptionManager(rdb, hub),
	}
}

func (f *RedisFanout) Subscribe(roomID, connID string) {
	f.subs.Subscribe(roomID)
	f.hub.Subscribe(roomID, connID)
}

func (f *RedisFanout) Unsubscribe(roomID, connID string) {
	f.hub.Unsubscribe(roomID, connID)
	f.subs.Unsubscribe(roomID)
}

func (f *RedisFanout) Send(connID string, msg []byte) { f.hub.Send(connID, msg) }

func (f *RedisFanout) Broadcast(ctx context.Context, roomID string, msg []byte, exceptConnID string) error {
	payload, err := wrapRoomEvent(msg, exceptConnID)
	if err != nil {
		return err
	}
	return f.rdb.Publish(ctx, roomChannel(roomID), payload).Err()
}

// Close drops every Redis subscription.
func (f *RedisFanout) Close() { f.subs.closeAll() }
