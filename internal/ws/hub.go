package ws

import (
	"context"
	"sync"

	"roomcollabgo/internal/services/collab"
)

// Hub is the in-process fanout: connections by id and room subscriptions.
type Hub struct {
	conns sync.Map // connID -> *clientConn
	rooms sync.Map // roomID -> *room
}

var _ collab.Fanout = (*Hub)(nil)

func NewHub() *Hub { return &Hub{} }

func (h *Hub) register(c *clientConn) { h.conns.Store(c.id, c) }

func (h *Hub) unregister(c *clientConn) { h.conns.CompareAndDelete(c.id, c) }

func (h *Hub) Subscribe(roomID, connID string) {
	for {
		r, _ := h.rooms.LoadOrStore(roomID, newRoom())
		if r.(*room).add(connID) {
			return
		}
		// raced with the last Unsubscribe, drop the dead entry and retry
		h.rooms.CompareAndDelete(roomID, r)
	}
}

func (h *Hub) Unsubscribe(roomID, connID string) {
	if v, ok := h.rooms.Load(roomID); ok {
		if v.(*room).remove(connID) {
			h.rooms.CompareAndDelete(roomID, v)
		}
	}
}

func (h *Hub) Send(connID string, msg []byte) {
	if v, ok := h.conns.Load(connID); ok {
		v.(*clientConn).enqueue(msg)
	}
}

// Broadcast delivers to the local members of the room.
func (h *Hub) Broadcast(_ context.Context, roomID string, msg []byte, exceptConnID string) error {
	h.deliver(roomID, msg, exceptConnID)
	return nil
}

func (h *Hub) deliver(roomID string, msg []byte, exceptConnID string) {
	v, ok := h.rooms.Load(roomID)
	if !ok {
		return
	}
	for _, id := range v.(*room).snapshot() {
		if id != exceptConnID {
			h.Send(id, msg)
		}
	}
}

// closeAll disconnects every local connection; used on shutdown.
func (h *Hub) closeAll() {
	h.conns.Range(func(_, v any) bool {
		v.(*clientConn).close()
		return true
	})
}
