package rooms

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"roomcollabgo/pkg/protocol"
)

const (
	redisMembersKeyPrefix = "room_members:"
	redisConnsKey         = "room_conns"
	RedisLeaseKeyPrefix   = "room_lease:"
)

type storedMember struct {
	protocol.Member
	JoinedAt int64 `json:"joined_at"`
}

// redisRegistry shares membership between instances. Capacity checks run
// inside the room_join Lua function so they are atomic across the cluster.
type redisRegistry struct {
	rdc      *redis.Client
	capacity int
	leaseTTL time.Duration
}

var _ IRoomRegistry = (*redisRegistry)(nil)

func NewRedisRegistry(rdc *redis.Client, capacity int, leaseTTL time.Duration) IRoomRegistry {
	return &redisRegistry{
		rdc:      rdc,
		capacity: capacity,
		leaseTTL: leaseTTL,
	}
}

func (r *redisRegistry) Capacity() int { return r.capacity }

func (r *redisRegistry) Join(ctx context.Context, roomID string, m protocol.Member) ([]protocol.Member, error) {
	cur, err := r.rdc.HGet(ctx, redisConnsKey, m.ConnectionID).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, err
	}
	if cur != "" && cur != roomID {
		if _, err := r.Leave(ctx, m.ConnectionID); err != nil {
			return nil, err
		}
	}

	raw, err := json.Marshal(storedMember{Member: m, JoinedAt: time.Now().UnixNano()})
	if err != nil {
		return nil, err
	}
	res := r.rdc.FCall(ctx, "room_join",
		[]string{
			redisMembersKeyPrefix + roomID,
			redisConnsKey,
			RedisLeaseKeyPrefix + m.ConnectionID,
		},
		m.ConnectionID,
		string(raw),
		r.capacity,
		roomID,
		r.leaseTTL.Milliseconds(),
	)
	if err := res.Err(); err != nil {
		if strings.Contains(err.Error(), "room_full") {
			return nil, &RoomFullError{
				RoomID:          roomID,
				SuggestedRoomID: Suggest(ctx, r, roomID),
				Current:         fullCount(err.Error(), r.capacity),
				Max:             r.capacity,
			}
		}
		return nil, err
	}
	vals, err := res.StringSlice()
	if err != nil {
		return nil, err
	}
	return decodeMembers(vals)
}

// leaveAttempts bounds the retries when the connection switches rooms
// between the lookup and the room_leave call.
const leaveAttempts = 3

func (r *redisRegistry) Leave(ctx context.Context, connID string) (*Departure, error) {
	for range leaveAttempts {
		roomID, err := r.rdc.HGet(ctx, redisConnsKey, connID).Result()
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		if err != nil {
			return nil, err
		}

		d, err := r.leave(ctx, connID, roomID)
		if err != nil && strings.Contains(err.Error(), "room_moved") {
			continue
		}
		return d, err
	}
	return nil, fmt.Errorf("room_leave %s: room changed %d times", connID, leaveAttempts)
}

// leave runs room_leave with every touched key declared, so the call is
// routed by its keys rather than by keys built inside the script.
func (r *redisRegistry) leave(ctx context.Context, connID, roomID string) (*Departure, error) {
	res := r.rdc.FCall(ctx, "room_leave",
		[]string{
			redisConnsKey,
			RedisLeaseKeyPrefix + connID,
			redisMembersKeyPrefix + roomID,
		},
		connID,
		roomID,
	)
	vals, err := res.StringSlice()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if len(vals) < 2 || vals[1] == "" {
		return nil, nil
	}

	var gone storedMember
	if err := json.Unmarshal([]byte(vals[1]), &gone); err != nil {
		return nil, err
	}
	remaining, err := decodeMembers(vals[2:])
	if err != nil {
		return nil, err
	}
	return &Departure{
		RoomID:    vals[0],
		Member:    gone.Member,
		Remaining: remaining,
		Evicted:   len(remaining) == 0,
	}, nil
}

func (r *redisRegistry) Members(ctx context.Context, roomID string) ([]protocol.Member, error) {
	vals, err := r.rdc.HVals(ctx, redisMembersKeyPrefix+roomID).Result()
	if err != nil {
		return nil, err
	}
	return decodeMembers(vals)
}

func (r *redisRegistry) Count(ctx context.Context, roomID string) (int, error) {
	n, err := r.rdc.HLen(ctx, redisMembersKeyPrefix+roomID).Result()
	return int(n), err
}

func (r *redisRegistry) KeepAlive(ctx context.Context, connID string) error {
	return r.rdc.PExpire(ctx, RedisLeaseKeyPrefix+connID, r.leaseTTL).Err()
}

// ConnFromLeaseKey extracts the connection id from an expired lease key.
func ConnFromLeaseKey(key string) (string, bool) {
	connID, ok := strings.CutPrefix(key, RedisLeaseKeyPrefix)
	return connID, ok && connID != ""
}

// decodeMembers restores join order, which Redis hashes do not keep.
func decodeMembers(vals []string) ([]protocol.Member, error) {
	stored := make([]storedMember, 0, len(vals))
	for _, v := range vals {
		var sm storedMember
		if err := json.Unmarshal([]byte(v), &sm); err != nil {
			return nil, err
		}
		stored = append(stored, sm)
	}
	sort.SliceStable(stored, func(i, j int) bool { return stored[i].JoinedAt < stored[j].JoinedAt })

	out := make([]protocol.Member, len(stored))
	for i, sm := range stored {
		out[i] = sm.Member
	}
	return out, nil
}

// fullCount reads the member count out of a "room_full <n>" error.
func fullCount(msg string, fallback int) int {
	i := strings.Index(msg, "room_full")
	if i < 0 {
		return fallback
	}
	n, err := strconv.Atoi(strings.TrimSpace(msg[i+len("room_full"):]))
	if err != nil {
		return fallback
	}
	return n
}
