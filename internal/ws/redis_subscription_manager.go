package ws

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// roomSubscription is the part of *redis.PubSub the manager relies on.
type roomSubscription interface {
	Receive(ctx context.Context) (interface{}, error)
	Channel(opts ...redis.ChannelOption) <-chan *redis.Message
	Close() error
}

// subscriptionManager keeps exactly one Redis subscription per
// "room:<id>:events" channel, however many local members the room has.
type subscriptionManager struct {
	hub       *Hub
	subscribe func(ctx context.Context, channel string) roomSubscription
	mu        sync.Mutex
	subs      map[string]*subEntry // roomID -> subscription data
}

type subEntry struct {
	refCnt int
	cancel context.CancelFunc
	ready  chan struct{} // closed once Redis confirmed the subscription
}

func newSubscriptionManager(rdb *redis.Client, hub *Hub) *subscriptionManager {
	return &subscriptionManager{
		hub: hub,
		subscribe: func(ctx context.Context, channel string) roomSubscription {
			return rdb.Subscribe(ctx, channel)
		},
		subs: make(map[string]*subEntry),
	}
}

// Subscribe makes sure the process listens to the room's channel. Every
// caller returns only after Redis confirmed, so a broadcast issued right
// after it is not missed. The confirmation is awaited outside sm.mu and
// only holds up callers of the same room.
func (sm *subscriptionManager) Subscribe(roomID string) {
	sm.mu.Lock()
	if e, ok := sm.subs[roomID]; ok {
		e.refCnt++
		sm.mu.Unlock()
		<-e.ready
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	e := &subEntry{refCnt: 1, cancel: cancel, ready: make(chan struct{})}
	sm.subs[roomID] = e
	sm.mu.Unlock()

	ps := sm.subscribe(ctx, roomChannel(roomID))
	confirmCtx, confirmCancel := context.WithTimeout(ctx, 3*time.Second)
	if _, err := ps.Receive(confirmCtx); err != nil {
		zap.L().Warn("ws.subscribe_confirm", zap.String("room", roomID), zap.Error(err))
	}
	confirmCancel()
	close(e.ready)

	go sm.pump(ctx, roomID, ps)
}

func (sm *subscriptionManager) pump(ctx context.Context, roomID string, ps roomSubscription) {
	defer ps.Close()
	ch := ps.Channel()
	for {
		select {
		case <-ctx.Done():
			return
		case m, ok := <-ch:
			if !ok { // Redis connection closed.
				return
			}
			except, frame, err := unwrapRoomEvent(m.Payload)
			if err != nil {
				zap.L().Warn("ws.unwrap_event_failed", zap.String("room", roomID), zap.Error(err))
				continue
			}
			sm.hub.deliver(roomID, frame, except)
		}
	}
}

// Unsubscribe decrements the ref-counter and tears the Redis subscription
// down when the last local member leaves the room.
func (sm *subscriptionManager) Unsubscribe(roomID string) {
	sm.mu.Lock()
	e, ok := sm.subs[roomID]
	if !ok {
		sm.mu.Unlock()
		return
	}
	e.refCnt--
	if e.refCnt > 0 {
		sm.mu.Unlock()
		return
	}
	delete(sm.subs, roomID)
	sm.mu.Unlock()

	e.cancel()
}

func (sm *subscriptionManager) closeAll() {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	for id, e := range sm.subs {
		e.cancel()
		delete(sm.subs, id)
	}
}

// ─────────────────────────────── helpers ─────────────────────────────────────

// roomEvent is what travels over Redis: the ready-to-send frame plus the
// connection that must not receive it.
type roomEvent struct {
	Except string          `json:"except,omitempty"`
	Frame  json.RawMessage `json:"frame"`
}

func wrapRoomEvent(frame []byte, except string) ([]byte, error) {
	return json.Marshal(roomEvent{Except: except, Frame: frame})
}

func unwrapRoomEvent(payload string) (string, []byte, error) {
	var ev roomEvent
	if err := json.Unmarshal([]byte(payload), &ev); err != nil {
		return "", nil, err
	}
	return ev.Except, ev.Frame, nil
}

func roomChannel(roomID string) string { return "room:" + roomID + ":events" }
