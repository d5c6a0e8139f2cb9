package rooms

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"roomcollabgo/pkg/protocol"
)

// maxSuggestionTries bounds the search for a room with a free seat.
const maxSuggestionTries = 32

// RoomFullError is returned by Join when the room is at capacity.
type RoomFullError struct {
	RoomID          string
	SuggestedRoomID string
	Current         int
	Max             int
}

func (e *RoomFullError) Error() string {
	return fmt.Sprintf("room %s is full (%d/%d)", e.RoomID, e.Current, e.Max)
}

// Notice is the room-full payload sent to the requester.
func (e *RoomFullError) Notice() protocol.RoomFull {
	return protocol.RoomFull{
		FullRoomID:      e.RoomID,
		SuggestedRoomID: e.SuggestedRoomID,
		CurrentCapacity: e.Current,
		MaxCapacity:     e.Max,
	}
}

// Departure describes a member that left a room.
type Departure struct {
	RoomID    string
	Member    protocol.Member
	Remaining []protocol.Member
	// Evicted is true when the member was the last one and the room was
	// dropped from the registry.
	Evicted bool
}

// IRoomRegistry tracks the live members of every room. Join is atomic per
// room: concurrent joins never push a room past Capacity.
type IRoomRegistry interface {
	// Join adds m to the room and returns the members in join order.
	// It fails with *RoomFullError when the room is at capacity.
	Join(ctx context.Context, roomID string, m protocol.Member) ([]protocol.Member, error)
	// Leave removes the connection from its room. It returns nil when the
	// connection is not a member of any room.
	Leave(ctx context.Context, connID string) (*Departure, error)
	Members(ctx context.Context, roomID string) ([]protocol.Member, error)
	Count(ctx context.Context, roomID string) (int, error)
	// KeepAlive refreshes the membership lease of a live connection.
	KeepAlive(ctx context.Context, connID string) error
	Capacity() int
}

// Suggest walks the successors of full ("1" → "2", "lunar" → "lunar-2" →
// "lunar-3") and returns the first one with a free seat.
func Suggest(ctx context.Context, reg IRoomRegistry, full string) string {
	cand := full
	for i := 0; i < maxSuggestionTries; i++ {
		cand = NextRoomID(cand)
		n, err := reg.Count(ctx, cand)
		if err != nil {
			zap.L().Warn("rooms.suggest_count", zap.String("room", cand), zap.Error(err))
			return cand
		}
		if n < reg.Capacity() {
			return cand
		}
	}
	return cand
}

// NextRoomID returns the id that follows id in the suggestion sequence.
func NextRoomID(id string) string {
	if n, err := strconv.Atoi(id); err == nil && n >= 0 {
		return strconv.Itoa(n + 1)
	}
	if i := strings.LastIndex(id, "-"); i > 0 {
		if n, err := strconv.Atoi(id[i+1:]); err == nil && n >= 0 {
			return id[:i] + "-" + strconv.Itoa(n+1)
		}
	}
	return id + "-2"
}
