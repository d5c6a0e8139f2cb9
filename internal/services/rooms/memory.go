package rooms

import (
	"context"
	"slices"
	"sync"

	"roomcollabgo/pkg/protocol"
)

type roomState struct {
	mu      sync.Mutex
	members []protocol.Member
	evicted bool // set once the room has been dropped from the map
}

func (rs *roomState) index(connID string) int {
	return slices.IndexFunc(rs.members, func(m protocol.Member) bool {
		return m.ConnectionID == connID
	})
}

func (rs *roomState) snapshot() []protocol.Member {
	out := make([]protocol.Member, len(rs.members))
	copy(out, rs.members)
	return out
}

// memoryRegistry keeps members in process. Each room has its own lock so
// joins to different rooms never contend.
type memoryRegistry struct {
	capacity int
	rooms    sync.Map // roomID -> *roomState
	conns    sync.Map // connID -> roomID
}

var _ IRoomRegistry = (*memoryRegistry)(nil)

func NewMemoryRegistry(capacity int) IRoomRegistry {
	return &memoryRegistry{capacity: capacity}
}

func (r *memoryRegistry) Capacity() int { return r.capacity }

func (r *memoryRegistry) Join(ctx context.Context, roomID string, m protocol.Member) ([]protocol.Member, error) {
	if cur, ok := r.conns.Load(m.ConnectionID); ok && cur.(string) != roomID {
		if _, err := r.Leave(ctx, m.ConnectionID); err != nil {
			return nil, err
		}
	}

	for {
		v, _ := r.rooms.LoadOrStore(roomID, &roomState{})
		rs := v.(*roomState)

		rs.mu.Lock()
		if rs.evicted {
			// lost the race against the last Leave, pick up the fresh state
			rs.mu.Unlock()
			continue
		}
		if i := rs.index(m.ConnectionID); i >= 0 {
			rs.members[i] = m
		} else {
			if len(rs.members) >= r.capacity {
				n := len(rs.members)
				rs.mu.Unlock()
				return nil, &RoomFullError{
					RoomID:          roomID,
					SuggestedRoomID: Suggest(ctx, r, roomID),
					Current:         n,
					Max:             r.capacity,
				}
			}
			rs.members = append(rs.members, m)
		}
		r.conns.Store(m.ConnectionID, roomID)
		out := rs.snapshot()
		rs.mu.Unlock()
		return out, nil
	}
}

func (r *memoryRegistry) Leave(_ context.Context, connID string) (*Departure, error) {
	v, ok := r.conns.LoadAndDelete(connID)
	if !ok {
		return nil, nil
	}
	roomID := v.(string)
	rv, ok := r.rooms.Load(roomID)
	if !ok {
		return nil, nil
	}
	rs := rv.(*roomState)

	rs.mu.Lock()
	defer rs.mu.Unlock()
	i := rs.index(connID)
	if i < 0 {
		return nil, nil
	}
	dep := &Departure{RoomID: roomID, Member: rs.members[i]}
	rs.members = slices.Delete(rs.members, i, i+1)
	dep.Remaining = rs.snapshot()

	if len(rs.members) == 0 {
		rs.evicted = true
		r.rooms.CompareAndDelete(roomID, rs)
		dep.Evicted = true
	}
	return dep, nil
}

func (r *memoryRegistry) Members(_ context.Context, roomID string) ([]protocol.Member, error) {
	v, ok := r.rooms.Load(roomID)
	if !ok {
		return []protocol.Member{}, nil
	}
	rs := v.(*roomState)
	rs.mu.Lock()
	defer rs.mu.Unlock()
	return rs.snapshot(), nil
}

func (r *memoryRegistry) Count(_ context.Context, roomID string) (int, error) {
	v, ok := r.rooms.Load(roomID)
	if !ok {
		return 0, nil
	}
	rs := v.(*roomState)
	rs.mu.Lock()
	defer rs.mu.Unlock()
	return len(rs.members), nil
}

// KeepAlive is a no-op: in-process members live as long as their connection.
func (r *memoryRegistry) KeepAlive(context.Context, string) error { return nil }

// Active reports whether the registry currently tracks roomID.
func (r *memoryRegistry) Active(roomID string) bool {
	_, ok := r.rooms.Load(roomID)
	return ok
}
