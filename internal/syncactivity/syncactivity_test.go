package syncactivity

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/go-redis/redismock/v9"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingToucher struct {
	batches []map[string]time.Time
	err     error
}

func (r *recordingToucher) TouchRooms(_ context.Context, touched map[string]time.Time) error {
	if r.err != nil {
		return r.err
	}
	r.batches = append(r.batches, touched)
	return nil
}

func TestStreamRecorderTouch(t *testing.T) {
	rdb, mock := redismock.NewClientMock()
	at := time.UnixMilli(1_700_000_000_123)

	mock.ExpectXAdd(&redis.XAddArgs{
		Stream: stream,
		MaxLen: streamMaxLen,
		Approx: true,
		Values: []any{"room", "lunar", "at", "1700000000123"},
	}).SetVal("1-0")

	require.NoError(t, NewStreamRecorder(rdb).Touch(context.Background(), "lunar", at))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestDirectRecorderTouch(t *testing.T) {
	st := &recordingToucher{}
	at := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)

	require.NoError(t, NewDirectRecorder(st).Touch(context.Background(), "1", at))
	require.Len(t, st.batches, 1)
	assert.Equal(t, at, st.batches[0]["1"])
}

func readArgs(lastID string) *redis.XReadArgs {
	return &redis.XReadArgs{Streams: []string{stream, lastID}, Count: batchSize, Block: blockFor}
}

func TestDrainCollapsesPerRoom(t *testing.T) {
	rdb, mock := redismock.NewClientMock()
	st := &recordingToucher{}

	mock.ExpectXRead(readArgs("0-0")).SetVal([]redis.XStream{{
		Stream: stream,
		Messages: []redis.XMessage{
			{ID: "1-0", Values: map[string]interface{}{"room": "1", "at": "1000"}},
			{ID: "2-0", Values: map[string]interface{}{"room": "1", "at": "3000"}},
			{ID: "3-0", Values: map[string]interface{}{"room": "lunar", "at": "2000"}},
			{ID: "4-0", Values: map[string]interface{}{"room": "1", "at": "2000"}},
			{ID: "5-0", Values: map[string]interface{}{"at": "9000"}},
		},
	}})

	next, err := drain(context.Background(), rdb, st, "0-0")
	require.NoError(t, err)
	assert.Equal(t, "5-0", next)
	require.Len(t, st.batches, 1)
	assert.Equal(t, map[string]time.Time{
		"1":     time.UnixMilli(3000).UTC(),
		"lunar": time.UnixMilli(2000).UTC(),
	}, st.batches[0])
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestDrainKeepsPositionOnFailure(t *testing.T) {
	rdb, mock := redismock.NewClientMock()
	st := &recordingToucher{err: errors.New("db down")}

	mock.ExpectXRead(readArgs("7-0")).SetVal([]redis.XStream{{
		Stream:   stream,
		Messages: []redis.XMessage{{ID: "8-0", Values: map[string]interface{}{"room": "1", "at": "1000"}}},
	}})
	next, err := drain(context.Background(), rdb, st, "7-0")
	assert.Error(t, err)
	assert.Equal(t, "7-0", next)

	mock.ExpectXRead(readArgs("7-0")).RedisNil()
	next, err = drain(context.Background(), rdb, st, "7-0")
	assert.NoError(t, err)
	assert.Equal(t, "7-0", next)
	require.NoError(t, mock.ExpectationsWereMet())
}
