// Package syncactivity moves rooms' last-activity timestamps into the store.
// With Redis, touches go through a stream that Run batches into the database.
package syncactivity

import (
	"context"
	"errors"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const (
	stream       = "room_activity_stream"
	streamMaxLen = 10000
	batchSize    = 100
	blockFor     = 2 * time.Second
)

// Toucher persists last-activity timestamps, keeping the newest.
type Toucher interface {
	TouchRooms(ctx context.Context, touched map[string]time.Time) error
}

// StreamRecorder appends touches to the activity stream.
type StreamRecorder struct {
	rdc *redis.Client
}

func NewStreamRecorder(rdc *redis.Client) *StreamRecorder {
	return &StreamRecorder{rdc: rdc}
}

func (r *StreamRecorder) Touch(ctx context.Context, roomID string, at time.Time) error {
	return r.rdc.XAdd(ctx, &redis.XAddArgs{
		Stream: stream,
		MaxLen: streamMaxLen,
		Approx: true,
		Values: []any{"room", roomID, "at", strconv.FormatInt(at.UnixMilli(), 10)},
	}).Err()
}

// DirectRecorder writes every touch straight to the store.
type DirectRecorder struct {
	st Toucher
}

func NewDirectRecorder(st Toucher) *DirectRecorder {
	return &DirectRecorder{st: st}
}

func (r *DirectRecorder) Touch(ctx context.Context, roomID string, at time.Time) error {
	return r.st.TouchRooms(ctx, map[string]time.Time{roomID: at})
}

// Run tails the activity stream and persists the newest touch per room.
func Run(ctx context.Context, rdc *redis.Client, st Toucher) {
	go func() {
		lastID := "0-0"
		for {
			select {
			case <-ctx.Done():
				return
			default:
			}

			next, err := drain(ctx, rdc, st, lastID)
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				zap.L().Warn("syncactivity.drain", zap.Error(err))
				time.Sleep(time.Second)
				continue
			}
			lastID = next
		}
	}()
}

// drain reads one batch after lastID and returns the id to resume from.
// A failed write keeps lastID so the batch is read again.
func drain(ctx context.Context, rdc *redis.Client, st Toucher, lastID string) (string, error) {
	res, err := rdc.XRead(ctx, &redis.XReadArgs{
		Streams: []string{stream, lastID},
		Count:   batchSize,
		Block:   blockFor,
	}).Result()
	if errors.Is(err, redis.Nil) {
		return lastID, nil
	}
	if err != nil {
		return lastID, err
	}
	if len(res) == 0 || len(res[0].Messages) == 0 {
		return lastID, nil
	}

	entries := res[0].Messages
	if touched := collapse(entries); len(touched) > 0 {
		if err := st.TouchRooms(ctx, touched); err != nil {
			return lastID, err
		}
	}
	return entries[len(entries)-1].ID, nil
}

// collapse keeps the latest timestamp per room. Malformed entries are skipped.
func collapse(msgs []redis.XMessage) map[string]time.Time {
	out := make(map[string]time.Time, len(msgs))
	for _, m := range msgs {
		room, _ := m.Values["room"].(string)
		raw, _ := m.Values["at"].(string)
		ms, err := strconv.ParseInt(raw, 10, 64)
		if room == "" || err != nil {
			zap.L().Debug("syncactivity.skip_entry", zap.String("id", m.ID))
			continue
		}
		at := time.UnixMilli(ms).UTC()
		if prev, ok := out[room]; !ok || at.After(prev) {
			out[room] = at
		}
	}
	return out
}
