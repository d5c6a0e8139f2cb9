package store

import (
	"context"
	"errors"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"roomcollabgo/internal/database/db_client"
	"roomcollabgo/internal/database/migrations"
	"roomcollabgo/pkg/protocol"
)

func newSQLiteStore(t *testing.T) IStore {
	t.Helper()
	db, err := db_client.OpenSQLite(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	require.NoError(t, migrations.Apply(context.Background(), db, migrations.SQLite, "1"))
	return NewStore(db)
}

func TestRooms(t *testing.T) {
	ctx := context.Background()
	st := newSQLiteStore(t)

	def, err := st.GetRoom(ctx, "1")
	require.NoError(t, err)
	assert.Equal(t, "default", def.Name)

	r, err := st.EnsureRoom(ctx, "lunar")
	require.NoError(t, err)
	assert.Equal(t, "lunar", r.Name)

	again, err := st.EnsureRoom(ctx, "lunar")
	require.NoError(t, err)
	assert.Equal(t, r.ID, again.ID)

	_, err = st.CreateRoom(ctx, protocol.Room{ID: "mars", Name: "Mars", Description: "red"})
	require.NoError(t, err)
	_, err = st.CreateRoom(ctx, protocol.Room{ID: "mars", Name: "Other"})
	assert.ErrorIs(t, err, ErrRoomExists)

	_, err = st.GetRoom(ctx, "nope")
	assert.ErrorIs(t, err, ErrNotFound)

	later := time.Now().UTC().Add(time.Hour)
	require.NoError(t, st.TouchRooms(ctx, map[string]time.Time{"lunar": later}))
	// an older touch never moves the clock back
	require.NoError(t, st.TouchRooms(ctx, map[string]time.Time{"lunar": later.Add(-time.Minute)}))

	list, err := st.ListRooms(ctx)
	require.NoError(t, err)
	require.Len(t, list, 3)
	assert.Equal(t, "lunar", list[0].ID)
	assert.WithinDuration(t, later, list[0].LastActivity, time.Millisecond)
}

func TestAnnotationLifecycle(t *testing.T) {
	ctx := context.Background()
	st := newSQLiteStore(t)

	flat, err := st.InsertAnnotation(ctx, protocol.Annotation{
		RoomID: "1", UserID: "u1", UserName: "Alice", Text: "crater", X: 100, Y: 200,
	})
	require.NoError(t, err)
	assert.Positive(t, flat.ID)
	assert.Nil(t, flat.Z)

	spatial, err := st.InsertAnnotation(ctx, protocol.Annotation{
		RoomID: "1", UserID: "u2", UserName: "Bob", Text: "ridge", X: 1, Y: 2, Z: protocol.Float(0),
	})
	require.NoError(t, err)
	assert.Greater(t, spatial.ID, flat.ID)

	list, err := st.ListAnnotations(ctx, "1")
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Nil(t, list[0].Z)
	require.NotNil(t, list[1].Z)
	assert.Zero(t, *list[1].Z)

	ok, err := st.UpdateAnnotationPosition(ctx, flat.ID, 7, 8)
	require.NoError(t, err)
	assert.True(t, ok)

	got, err := st.GetAnnotation(ctx, flat.ID)
	require.NoError(t, err)
	assert.Equal(t, 7.0, got.X)
	assert.Equal(t, 8.0, got.Y)

	ok, err = st.DeleteAnnotation(ctx, flat.ID)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = st.DeleteAnnotation(ctx, flat.ID)
	require.NoError(t, err)
	assert.False(t, ok)

	_, err = st.GetAnnotation(ctx, flat.ID)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestOverlayLifecycle(t *testing.T) {
	ctx := context.Background()
	st := newSQLiteStore(t)

	o, err := st.InsertOverlay(ctx, protocol.Overlay{
		RoomID: "1", UserID: "u1", UserName: "Alice",
		ImagePath: "/uploads/a.png", OriginalName: "a.png",
		X: 10, Y: 10, Width: 200, Height: 100,
	})
	require.NoError(t, err)

	ok, err := st.UpdateOverlayPosition(ctx, o.ID, 50, 60)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = st.UpdateOverlaySize(ctx, o.ID, 300, 150)
	require.NoError(t, err)
	assert.True(t, ok)

	list, err := st.ListOverlays(ctx, "1")
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, 50.0, list[0].X)
	assert.Equal(t, 300.0, list[0].Width)
	assert.Equal(t, "a.png", list[0].OriginalName)

	n, err := st.CountOverlaysByImage(ctx, "/uploads/a.png")
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	ok, err = st.UpdateOverlaySize(ctx, o.ID+100, 1, 1)
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = st.DeleteOverlay(ctx, o.ID)
	require.NoError(t, err)
	assert.True(t, ok)

	_, err = st.GetOverlay(ctx, o.ID)
	assert.ErrorIs(t, err, ErrNotFound)

	n, err = st.CountOverlaysByImage(ctx, "/uploads/a.png")
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestInsertAnnotationUnknownRoom(t *testing.T) {
	st := newSQLiteStore(t)
	_, err := st.InsertAnnotation(context.Background(), protocol.Annotation{RoomID: "ghost", Text: "x"})
	assert.Error(t, err)
}

func TestInsertAnnotationSQLMock(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	st := NewStore(db)
	mock.ExpectQuery(regexp.QuoteMeta(`INSERT INTO annotations`)).
		WithArgs("1", "u1", "Alice", "hi", 1.0, 2.0, sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(42))

	a, err := st.InsertAnnotation(context.Background(), protocol.Annotation{
		RoomID: "1", UserID: "u1", UserName: "Alice", Text: "hi", X: 1, Y: 2,
	})
	require.NoError(t, err)
	assert.Equal(t, int64(42), a.ID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestStoreErrorsPropagate(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	boom := errors.New("connection reset")
	st := NewStore(db)

	mock.ExpectExec(regexp.QuoteMeta(`DELETE FROM annotations`)).
		WithArgs(int64(7)).
		WillReturnError(boom)
	_, err = st.DeleteAnnotation(context.Background(), 7)
	assert.ErrorIs(t, err, boom)

	mock.ExpectQuery(regexp.QuoteMeta(`FROM image_overlays WHERE room_id`)).
		WithArgs("1").
		WillReturnError(boom)
	_, err = st.ListOverlays(context.Background(), "1")
	assert.ErrorIs(t, err, boom)

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta(`UPDATE rooms SET last_activity`)).
		WillReturnError(boom)
	mock.ExpectRollback()
	err = st.TouchRooms(context.Background(), map[string]time.Time{"1": time.Now()})
	assert.ErrorIs(t, err, boom)

	assert.NoError(t, mock.ExpectationsWereMet())
}
