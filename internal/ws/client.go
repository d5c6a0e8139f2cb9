package ws

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// clientConn owns one websocket. Only writePump writes to the socket;
// everybody else goes through the send queue.
type clientConn struct {
	id      string
	rawConn *websocket.Conn
	send    chan []byte

	closed    chan struct{}
	closeOnce sync.Once
}

func newClientConn(id string, raw *websocket.Conn) *clientConn {
	return &clientConn{
		id:      id,
		rawConn: raw,
		send:    make(chan []byte, sendBuffer),
		closed:  make(chan struct{}),
	}
}

// enqueue never blocks. A member whose queue is full is disconnected so a
// slow reader cannot hold back the rest of the room.
func (c *clientConn) enqueue(msg []byte) bool {
	select {
	case <-c.closed:
		return false
	default:
	}

	select {
	case c.send <- msg:
		return true
	default:
		zap.L().Warn("ws.slow_consumer", zap.String("conn", c.id))
		c.close()
		return false
	}
}

func (c *clientConn) close() {
	c.closeOnce.Do(func() {
		close(c.closed)
		_ = c.rawConn.Close()
	})
}

func (c *clientConn) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.close()
	}()

	for {
		select {
		case <-c.closed:
			return
		case msg := <-c.send:
			if err := c.write(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			if err := c.write(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (c *clientConn) write(mt int, data []byte) error {
	_ = c.rawConn.SetWriteDeadline(time.Now().Add(writeWait))
	return c.rawConn.WriteMessage(mt, data)
}
