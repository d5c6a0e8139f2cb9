package ws

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/go-redis/redismock/v9"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"roomcollabgo/internal/database/db_client"
	"roomcollabgo/internal/database/migrations"
	"roomcollabgo/internal/services/collab"
	"roomcollabgo/internal/services/rooms"
	"roomcollabgo/internal/services/store"
	"roomcollabgo/pkg/protocol"
)

func newTestServer(t *testing.T, capacity int) string {
	t.Helper()
	gin.SetMode(gin.TestMode)

	db, err := db_client.OpenSQLite(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	require.NoError(t, migrations.Apply(context.Background(), db, migrations.SQLite, "1"))

	hub := NewHub()
	svc := collab.NewService(store.NewStore(db), rooms.NewMemoryRegistry(capacity), hub, nil, nil)
	srv := NewWsServer(hub, svc, func(string) bool { return true })

	r := gin.New()
	r.GET("/ws", srv.Handle)
	ts := httptest.NewServer(r)
	t.Cleanup(func() {
		srv.Shutdown()
		ts.Close()
	})
	return "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"
}

type testClient struct {
	t    *testing.T
	conn *websocket.Conn
}

func dial(t *testing.T, url string) *testClient {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return &testClient{t: t, conn: conn}
}

func (c *testClient) send(event string, body any) {
	c.t.Helper()
	msg, err := protocol.Encode(event, body)
	require.NoError(c.t, err)
	require.NoError(c.t, c.conn.WriteMessage(websocket.TextMessage, msg))
}

// expect reads frames until event arrives, decoding its body into v.
func (c *testClient) expect(event string, v any) {
	c.t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for {
		require.NoError(c.t, c.conn.SetReadDeadline(deadline))
		var env protocol.Envelope
		require.NoError(c.t, c.conn.ReadJSON(&env), "waiting for %s", event)
		if env.Event == event {
			if v != nil {
				require.NoError(c.t, env.Decode(v))
			}
			return
		}
	}
}

func TestWebsocketAliceAndBob(t *testing.T) {
	url := newTestServer(t, 3)

	alice := dial(t, url)
	alice.send(protocol.EventJoinRoom, protocol.JoinRoomRequest{RoomID: "1", UserName: "Alice", UserID: "alice"})
	var existing []protocol.Annotation
	alice.expect(protocol.EventExistingAnnotations, &existing)
	assert.Empty(t, existing)
	var joinAck protocol.JoinAck
	alice.expect(protocol.AckEvent(protocol.EventJoinRoom), &joinAck)
	assert.Equal(t, "alice", joinAck.User.ID)

	alice.send(protocol.EventAddAnnotation, protocol.AddAnnotationRequest{
		Text: "Crater", X: 10, Y: 0, Z: protocol.Float(5), ClientRef: -1,
	})
	var added protocol.Annotation
	alice.expect(protocol.EventAnnotationAdded, &added)
	assert.Equal(t, int64(-1), added.ClientRef)
	var ack protocol.AnnotationAck
	alice.expect(protocol.AckEvent(protocol.EventAddAnnotation), &ack)
	assert.Equal(t, added.ID, ack.Annotation.ID)

	bob := dial(t, url)
	bob.send(protocol.EventJoinRoom, protocol.JoinRoomRequest{RoomID: "1", UserName: "Bob", UserID: "bob"})
	bob.expect(protocol.EventExistingAnnotations, &existing)
	require.Len(t, existing, 1)
	assert.Equal(t, "Crater", existing[0].Text)
	require.NotNil(t, existing[0].Z)

	var joined protocol.MembershipChange
	alice.expect(protocol.EventUserJoined, &joined)
	require.Len(t, joined.ActiveUsers, 2)

	bob.send(protocol.EventUpdateAnnotationPosition, protocol.AnnotationPosition{AnnotationID: added.ID, X: 1, Y: 1})
	var denied protocol.ErrorBody
	bob.expect(protocol.ErrorEvent(protocol.EventUpdateAnnotationPosition), &denied)
	assert.Equal(t, protocol.CodePermissionDenied, denied.Code)
	assert.Equal(t, added.ID, denied.TargetID)

	bob.send(protocol.EventPositionUpdate, protocol.Position{X: 3, Y: 4, Zoom: 2})
	var pos protocol.Position
	alice.expect(protocol.EventPositionUpdate, &pos)
	assert.Equal(t, "bob", pos.UserID)
	assert.Equal(t, 2.0, pos.Zoom)

	require.NoError(t, bob.conn.Close())
	var left protocol.MembershipChange
	alice.expect(protocol.EventUserLeft, &left)
	assert.Equal(t, "Bob", left.User.Name)
	assert.Len(t, left.ActiveUsers, 1)
}

func TestWebsocketErrors(t *testing.T) {
	url := newTestServer(t, 1)
	c := dial(t, url)

	var body protocol.ErrorBody
	c.send("teleport", nil)
	c.expect(protocol.EventError, &body)
	assert.Equal(t, protocol.CodeUnknownEvent, body.Code)

	require.NoError(t, c.conn.WriteMessage(websocket.TextMessage, []byte("{nope")))
	c.expect(protocol.EventError, &body)
	assert.Equal(t, protocol.CodeBadRequest, body.Code)

	c.send(protocol.EventAddAnnotation, protocol.AddAnnotationRequest{Text: "x", ClientRef: -4})
	c.expect(protocol.ErrorEvent(protocol.EventAddAnnotation), &body)
	assert.Equal(t, protocol.CodeNotJoined, body.Code)
	assert.Equal(t, int64(-4), body.Ref)

	c.send(protocol.EventJoinRoom, protocol.JoinRoomRequest{RoomID: "1"})
	c.expect(protocol.ErrorEvent(protocol.EventJoinRoom), &body)
	assert.Equal(t, protocol.CodeValidation, body.Code)

	c.send(protocol.EventJoinRoom, protocol.JoinRoomRequest{RoomID: "1", UserName: "Alice"})
	c.expect(protocol.AckEvent(protocol.EventJoinRoom), nil)

	c.send(protocol.EventAddAnnotation, protocol.AddAnnotationRequest{Text: "", ClientRef: -5})
	c.expect(protocol.ErrorEvent(protocol.EventAddAnnotation), &body)
	assert.Equal(t, protocol.CodeValidation, body.Code)
	assert.Equal(t, int64(-5), body.Ref)

	other := dial(t, url)
	other.send(protocol.EventJoinRoom, protocol.JoinRoomRequest{RoomID: "1", UserName: "Bob"})
	var full protocol.RoomFull
	other.expect(protocol.EventRoomFull, &full)
	assert.Equal(t, "1", full.FullRoomID)
	assert.Equal(t, "2", full.SuggestedRoomID)
	assert.Equal(t, 1, full.MaxCapacity)
}

func TestRouterValidationCarriesReferences(t *testing.T) {
	r := NewRouter()
	Register(r, "remove", func(_ context.Context, _ *ConnContext, req protocol.AnnotationRef) (AckBody, error) {
		return AckBody{}, nil
	})
	RegisterSilent(r, "ping", func(context.Context, *ConnContext, struct{}) error { return nil })

	_, _, err := r.dispatch(context.Background(), &ConnContext{}, protocol.Envelope{
		Event: "remove",
		Body:  json.RawMessage(`{"annotationId":0}`),
	})
	var invalid *invalidRequestError
	require.ErrorAs(t, err, &invalid)

	_, _, err = r.dispatch(context.Background(), &ConnContext{}, protocol.Envelope{
		Event: "remove",
		Body:  json.RawMessage(`{"annotationId":"seven"}`),
	})
	var bad *badRequestError
	assert.ErrorAs(t, err, &bad)

	_, silent, err := r.dispatch(context.Background(), &ConnContext{}, protocol.Envelope{Event: "ping"})
	require.NoError(t, err)
	assert.True(t, silent)

	_, _, err = r.dispatch(context.Background(), &ConnContext{}, protocol.Envelope{Event: "nope"})
	assert.ErrorIs(t, err, ErrUnknownEvent)

	assert.Panics(t, func() {
		Register(r, "", func(context.Context, *ConnContext, struct{}) (AckBody, error) { return AckBody{}, nil })
	})
}

func TestDecodeCarriesClientRef(t *testing.T) {
	_, err := decode[protocol.AddAnnotationRequest](NewRouter().validate, json.RawMessage(`{"text":"","clientRef":-8}`))
	var invalid *invalidRequestError
	require.ErrorAs(t, err, &invalid)
	assert.Equal(t, int64(-8), invalid.clientRef)
}

func TestRoomSetMarksDeadWhenEmpty(t *testing.T) {
	r := newRoom()
	assert.True(t, r.add("a"))
	assert.True(t, r.add("b"))
	assert.False(t, r.remove("a"))
	assert.True(t, r.remove("b"))
	assert.False(t, r.add("c"), "a dead room accepts nobody")

	h := NewHub()
	h.Subscribe("1", "a")
	h.Unsubscribe("1", "a")
	h.Subscribe("1", "b")
	v, ok := h.rooms.Load("1")
	require.True(t, ok)
	assert.Equal(t, []string{"b"}, v.(*room).snapshot())
}

func TestRedisFanoutPublishesWrappedFrame(t *testing.T) {
	rdb, mock := redismock.NewClientMock()
	f := NewRedisFanout(rdb, NewHub())

	frame, err := protocol.Encode(protocol.EventAnnotationRemoved, protocol.AnnotationRef{AnnotationID: 3})
	require.NoError(t, err)
	payload, err := wrapRoomEvent(frame, "conn-1")
	require.NoError(t, err)

	mock.ExpectPublish("room:1:events", payload).SetVal(2)
	require.NoError(t, f.Broadcast(context.Background(), "1", frame, "conn-1"))
	assert.NoError(t, mock.ExpectationsWereMet())

	except, got, err := unwrapRoomEvent(string(payload))
	require.NoError(t, err)
	assert.Equal(t, "conn-1", except)
	assert.JSONEq(t, string(frame), string(got))

	_, _, err = unwrapRoomEvent("not json")
	assert.Error(t, err)
}
