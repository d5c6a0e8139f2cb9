package collabclient

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const writeWait = 10 * time.Second

// Transport carries encoded frames to and from the collaboration server.
type Transport interface {
	Send(frame []byte) error
	// Receive blocks until the next frame arrives or the transport fails.
	Receive() ([]byte, error)
	Close() error
}

// DialFunc opens a transport. A failure puts the store into degraded mode.
type DialFunc func(ctx context.Context) (Transport, error)

// WebsocketDialer dials the server's /ws endpoint.
func WebsocketDialer(url string, header http.Header) DialFunc {
	return func(ctx context.Context) (Transport, error) {
		conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, header)
		if err != nil {
			return nil, err
		}
		return &wsTransport{conn: conn}, nil
	}
}

type wsTransport struct {
	conn *websocket.Conn
	wmu  sync.Mutex
}

func (t *wsTransport) Send(frame []byte) error {
	t.wmu.Lock()
	defer t.wmu.Unlock()
	_ = t.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return t.conn.WriteMessage(websocket.TextMessage, frame)
}

func (t *wsTransport) Receive() ([]byte, error) {
	_, data, err := t.conn.ReadMessage()
	return data, err
}

func (t *wsTransport) Close() error {
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
	_ = t.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
	return t.conn.Close()
}
