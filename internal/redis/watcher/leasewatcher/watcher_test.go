package leasewatcher

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"

	"roomcollabgo/internal/services/rooms"
)

type recordingEvictor struct {
	evicted []string
	err     error
}

func (r *recordingEvictor) Evict(_ context.Context, connID string) error {
	r.evicted = append(r.evicted, connID)
	return r.err
}

func TestHandleEvictsLeaseKeys(t *testing.T) {
	ev := &recordingEvictor{}
	ctx := context.Background()

	handle(ctx, ev, rooms.RedisLeaseKeyPrefix+"conn-1")
	handle(ctx, ev, "upload_tmp:42")
	handle(ctx, ev, rooms.RedisLeaseKeyPrefix)
	handle(ctx, ev, rooms.RedisLeaseKeyPrefix+"conn-2")

	assert.Equal(t, []string{"conn-1", "conn-2"}, ev.evicted)
}

func TestHandleSurvivesEvictErrors(t *testing.T) {
	ev := &recordingEvictor{err: errors.New("redis down")}
	handle(context.Background(), ev, rooms.RedisLeaseKeyPrefix+"conn-1")
	assert.Equal(t, []string{"conn-1"}, ev.evicted)
}
