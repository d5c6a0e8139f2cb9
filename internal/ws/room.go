package ws

import (
	"sync"
)

// room is the set of local connections subscribed to one room id.
type room struct {
	mu    sync.RWMutex
	conns map[string]struct{}
	dead  bool // dropped from the hub, must not gain members
}

func newRoom() *room { return &room{conns: map[string]struct{}{}} }

func (r *room) add(connID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.dead {
		return false
	}
	r.conns[connID] = struct{}{}
	return true
}

// remove reports whether the room became empty; an empty room is marked dead.
func (r *room) remove(connID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.conns, connID)
	if len(r.conns) == 0 {
		r.dead = true
		return true
	}
	return false
}

func (r *room) snapshot() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.conns))
	for id := range r.conns {
		ids = append(ids, id)
	}
	return ids
}
