package rooms

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/go-redis/redismock/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"roomcollabgo/pkg/protocol"
)

func member(conn, name string) protocol.Member {
	return protocol.Member{ID: "u-" + conn, Name: name, ConnectionID: conn}
}

func TestNextRoomID(t *testing.T) {
	cases := map[string]string{
		"1":       "2",
		"41":      "42",
		"lunar":   "lunar-2",
		"lunar-2": "lunar-3",
		"a-b":     "a-b-2",
		"-1":      "-1-2",
	}
	for in, want := range cases {
		assert.Equal(t, want, NextRoomID(in), in)
	}
}

func TestMemoryJoinRespectsCapacity(t *testing.T) {
	ctx := context.Background()
	reg := NewMemoryRegistry(3)

	for i, name := range []string{"Alice", "Bob", "Carol"} {
		members, err := reg.Join(ctx, "1", member(fmt.Sprint(i), name))
		require.NoError(t, err)
		assert.Len(t, members, i+1)
	}

	_, err := reg.Join(ctx, "1", member("3", "Dave"))
	var full *RoomFullError
	require.ErrorAs(t, err, &full)
	assert.Equal(t, "1", full.RoomID)
	assert.Equal(t, "2", full.SuggestedRoomID)
	assert.Equal(t, 3, full.Current)
	assert.Equal(t, 3, full.Max)

	n, _ := reg.Count(ctx, "1")
	assert.Equal(t, 3, n)
}

func TestMemorySuggestionSkipsFullRooms(t *testing.T) {
	ctx := context.Background()
	reg := NewMemoryRegistry(1)

	_, err := reg.Join(ctx, "lunar", member("a", "A"))
	require.NoError(t, err)
	_, err = reg.Join(ctx, "lunar-2", member("b", "B"))
	require.NoError(t, err)

	_, err = reg.Join(ctx, "lunar", member("c", "C"))
	var full *RoomFullError
	require.ErrorAs(t, err, &full)
	assert.Equal(t, "lunar-3", full.SuggestedRoomID)
	assert.Equal(t, "lunar-3", full.Notice().SuggestedRoomID)
}

func TestMemoryRejoinIsNotCountedTwice(t *testing.T) {
	ctx := context.Background()
	reg := NewMemoryRegistry(1)

	_, err := reg.Join(ctx, "1", member("a", "Alice"))
	require.NoError(t, err)
	members, err := reg.Join(ctx, "1", member("a", "Alice B."))
	require.NoError(t, err)
	require.Len(t, members, 1)
	assert.Equal(t, "Alice B.", members[0].Name)
}

func TestMemoryJoinOtherRoomLeavesFirst(t *testing.T) {
	ctx := context.Background()
	reg := NewMemoryRegistry(3)

	_, err := reg.Join(ctx, "1", member("a", "Alice"))
	require.NoError(t, err)
	_, err = reg.Join(ctx, "2", member("a", "Alice"))
	require.NoError(t, err)

	n, _ := reg.Count(ctx, "1")
	assert.Zero(t, n)
	n, _ = reg.Count(ctx, "2")
	assert.Equal(t, 1, n)
}

func TestMemoryLeaveEvictsEmptyRoom(t *testing.T) {
	ctx := context.Background()
	reg := NewMemoryRegistry(3)

	_, err := reg.Join(ctx, "1", member("a", "Alice"))
	require.NoError(t, err)
	_, err = reg.Join(ctx, "1", member("b", "Bob"))
	require.NoError(t, err)

	dep, err := reg.Leave(ctx, "a")
	require.NoError(t, err)
	require.NotNil(t, dep)
	assert.Equal(t, "Alice", dep.Member.Name)
	assert.Equal(t, []protocol.Member{member("b", "Bob")}, dep.Remaining)
	assert.False(t, dep.Evicted)

	dep, err = reg.Leave(ctx, "b")
	require.NoError(t, err)
	assert.True(t, dep.Evicted)
	assert.NotNil(t, dep.Remaining)
	assert.Empty(t, dep.Remaining)
	assert.False(t, reg.(*memoryRegistry).Active("1"))

	// idempotent
	dep, err = reg.Leave(ctx, "b")
	require.NoError(t, err)
	assert.Nil(t, dep)

	members, err := reg.Join(ctx, "1", member("c", "Carol"))
	require.NoError(t, err)
	assert.Equal(t, []protocol.Member{member("c", "Carol")}, members)
}

func TestMemoryConcurrentJoinsNeverExceedCapacity(t *testing.T) {
	ctx := context.Background()
	const capacity = 3
	reg := NewMemoryRegistry(capacity)

	var (
		wg       sync.WaitGroup
		admitted atomic.Int32
		rejected atomic.Int32
	)
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := reg.Join(ctx, "1", member(fmt.Sprint(i), "user"))
			var full *RoomFullError
			switch {
			case err == nil:
				admitted.Add(1)
			case errors.As(err, &full):
				rejected.Add(1)
			}
		}(i)
	}
	wg.Wait()

	assert.EqualValues(t, capacity, admitted.Load())
	assert.EqualValues(t, 50-capacity, rejected.Load())
	n, _ := reg.Count(ctx, "1")
	assert.Equal(t, capacity, n)
}

func TestMemoryChurnKeepsCountsConsistent(t *testing.T) {
	ctx := context.Background()
	reg := NewMemoryRegistry(2)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			conn := fmt.Sprint(i)
			for j := 0; j < 50; j++ {
				if _, err := reg.Join(ctx, "1", member(conn, "u")); err == nil {
					_, _ = reg.Leave(ctx, conn)
				}
			}
		}(i)
	}
	wg.Wait()

	n, _ := reg.Count(ctx, "1")
	assert.Zero(t, n)
}

func TestRedisMembersAreOrderedByJoin(t *testing.T) {
	db, mock := redismock.NewClientMock()
	reg := NewRedisRegistry(db, 3, 30*time.Second)

	late, _ := json.Marshal(storedMember{Member: member("b", "Bob"), JoinedAt: 20})
	early, _ := json.Marshal(storedMember{Member: member("a", "Alice"), JoinedAt: 10})
	mock.ExpectHVals("room_members:1").SetVal([]string{string(late), string(early)})
	mock.ExpectHLen("room_members:1").SetVal(2)

	members, err := reg.Members(context.Background(), "1")
	require.NoError(t, err)
	require.Len(t, members, 2)
	assert.Equal(t, "Alice", members[0].Name)
	assert.Equal(t, "Bob", members[1].Name)

	n, err := reg.Count(context.Background(), "1")
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRedisLeaveDeclaresMembersKey(t *testing.T) {
	db, mock := redismock.NewClientMock()
	reg := NewRedisRegistry(db, 3, 30*time.Second)
	ctx := context.Background()

	gone, _ := json.Marshal(storedMember{Member: member("a", "Alice"), JoinedAt: 10})
	left, _ := json.Marshal(storedMember{Member: member("b", "Bob"), JoinedAt: 20})

	// the connection moved to room 2 between the lookup and the call
	mock.ExpectHGet("room_conns", "a").SetVal("1")
	mock.ExpectFCall("room_leave", []string{"room_conns", "room_lease:a", "room_members:1"}, "a", "1").
		SetErr(errors.New("room_moved 2"))
	mock.ExpectHGet("room_conns", "a").SetVal("2")
	mock.ExpectFCall("room_leave", []string{"room_conns", "room_lease:a", "room_members:2"}, "a", "2").
		SetVal([]interface{}{"2", string(gone), string(left)})

	d, err := reg.Leave(ctx, "a")
	require.NoError(t, err)
	require.NotNil(t, d)
	assert.Equal(t, "2", d.RoomID)
	assert.Equal(t, "Alice", d.Member.Name)
	require.Len(t, d.Remaining, 1)
	assert.Equal(t, "Bob", d.Remaining[0].Name)
	assert.False(t, d.Evicted)

	mock.ExpectHGet("room_conns", "a").RedisNil()
	d, err = reg.Leave(ctx, "a")
	require.NoError(t, err)
	assert.Nil(t, d)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRedisKeepAliveRefreshesLease(t *testing.T) {
	db, mock := redismock.NewClientMock()
	reg := NewRedisRegistry(db, 3, 30*time.Second)

	mock.ExpectPExpire("room_lease:c1", 30*time.Second).SetVal(true)
	require.NoError(t, reg.KeepAlive(context.Background(), "c1"))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestLeaseKeyHelpers(t *testing.T) {
	conn, ok := ConnFromLeaseKey("room_lease:abc")
	assert.True(t, ok)
	assert.Equal(t, "abc", conn)

	_, ok = ConnFromLeaseKey("room_members:abc")
	assert.False(t, ok)

	assert.Equal(t, 2, fullCount("room_full 2", 3))
	assert.Equal(t, 3, fullCount("ERR something", 3))
}
