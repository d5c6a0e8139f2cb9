package ws

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"roomcollabgo/internal/services/collab"
	"roomcollabgo/internal/services/rooms"
	"roomcollabgo/pkg/protocol"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 15 * time.Second
	pingPeriod     = 5 * time.Second // must be < pongWait
	maxMessageSize = 16 << 10
	sendBuffer     = 256
	opTimeout      = 5 * time.Second
)

type WsServer struct {
	hub      *Hub
	router   *Router
	svc      *collab.Service
	upgrader websocket.Upgrader
}

// NewWsServer wires the event handlers. originAllowed decides which
// browser origins may upgrade.
func NewWsServer(h *Hub, svc *collab.Service, originAllowed func(origin string) bool) *WsServer {
	srv := &WsServer{
		hub:    h,
		router: NewRouter(),
		svc:    svc,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin: func(r *http.Request) bool {
				return originAllowed(r.Header.Get("Origin"))
			},
		},
	}
	srv.registerHandlers() // ← all WS events configured here
	return srv
}

// ---------------------------------------------------------------------------
//  Public: Gin entry-point
// ---------------------------------------------------------------------------

func (s *WsServer) Handle(ginCtx *gin.Context) {
	rawConn, err := s.upgrader.Upgrade(ginCtx.Writer, ginCtx.Request, nil)
	if err != nil {
		zap.L().Warn("ws.accept", zap.Error(err))
		return
	}
	rawConn.SetReadLimit(maxMessageSize)

	c := newClientConn(uuid.NewString(), rawConn)
	s.hub.register(c)
	ss := s.svc.Connect(c.id)
	zap.L().Debug("ws.connected", zap.String("conn", c.id), zap.String("remote", ginCtx.ClientIP()))

	go c.writePump()
	go s.reader(c, ss)
}

// Shutdown closes every live connection; their readers then disconnect
// the sessions.
func (s *WsServer) Shutdown() { s.hub.closeAll() }

// ---------------------------------------------------------------------------
//  Private helpers
// ---------------------------------------------------------------------------

func (s *WsServer) registerHandlers() {
	Register(s.router, protocol.EventJoinRoom,
		func(ctx context.Context, cc *ConnContext, req protocol.JoinRoomRequest) (*protocol.JoinAck, error) {
			return cc.Session.Join(ctx, req)
		})
	Register(s.router, protocol.EventLeaveRoom,
		func(ctx context.Context, cc *ConnContext, _ struct{}) (AckBody, error) {
			return AckBody{}, cc.Session.Leave(ctx)
		})

	RegisterSilent(s.router, protocol.EventPositionUpdate,
		func(ctx context.Context, cc *ConnContext, req protocol.Position) error {
			return cc.Session.UpdatePosition(ctx, req)
		})
	RegisterSilent(s.router, protocol.EventPositionUpdate3D,
		func(ctx context.Context, cc *ConnContext, req protocol.Position3D) error {
			return cc.Session.UpdatePosition3D(ctx, req)
		})

	Register(s.router, protocol.EventAddAnnotation,
		func(ctx context.Context, cc *ConnContext, req protocol.AddAnnotationRequest) (*protocol.AnnotationAck, error) {
			return cc.Session.AddAnnotation(ctx, req)
		})
	Register(s.router, protocol.EventRemoveAnnotation,
		func(ctx context.Context, cc *ConnContext, req protocol.AnnotationRef) (*protocol.AnnotationRef, error) {
			return cc.Session.RemoveAnnotation(ctx, req)
		})
	Register(s.router, protocol.EventUpdateAnnotationPosition,
		func(ctx context.Context, cc *ConnContext, req protocol.AnnotationPosition) (*protocol.AnnotationPosition, error) {
			return cc.Session.UpdateAnnotationPosition(ctx, req)
		})

	Register(s.router, protocol.EventAddOverlay,
		func(ctx context.Context, cc *ConnContext, req protocol.AddOverlayRequest) (*protocol.OverlayAck, error) {
			return cc.Session.AddOverlay(ctx, req)
		})
	Register(s.router, protocol.EventRemoveOverlay,
		func(ctx context.Context, cc *ConnContext, req protocol.OverlayRef) (*protocol.OverlayRef, error) {
			return cc.Session.RemoveOverlay(ctx, req)
		})
	Register(s.router, protocol.EventUpdateOverlayPosition,
		func(ctx context.Context, cc *ConnContext, req protocol.OverlayPosition) (*protocol.OverlayPosition, error) {
			return cc.Session.UpdateOverlayPosition(ctx, req)
		})
	Register(s.router, protocol.EventUpdateOverlaySize,
		func(ctx context.Context, cc *ConnContext, req protocol.OverlaySize) (*protocol.OverlaySize, error) {
			return cc.Session.UpdateOverlaySize(ctx, req)
		})
}

func (s *WsServer) reader(c *clientConn, ss *collab.Session) {
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
		ss.Disconnect(ctx)
		cancel()
		s.hub.unregister(c)
		c.close()
		zap.L().Debug("ws.disconnected", zap.String("conn", c.id))
	}()

	_ = c.rawConn.SetReadDeadline(time.Now().Add(pongWait))
	c.rawConn.SetPongHandler(func(string) error {
		_ = c.rawConn.SetReadDeadline(time.Now().Add(pongWait))
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		if err := ss.KeepAlive(ctx); err != nil {
			zap.L().Warn("ws.keepalive", zap.String("conn", c.id), zap.Error(err))
		}
		return nil
	})

	cc := &ConnContext{ConnID: c.id, Session: ss}
	for {
		_, data, err := c.rawConn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				zap.L().Debug("ws.read", zap.String("conn", c.id), zap.Error(err))
			}
			return // client closed or errored
		}

		var env protocol.Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			s.reply(c, "", nil, false, &badRequestError{err: err})
			continue
		}

		ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
		res, silent, err := s.router.dispatch(ctx, cc, env)
		cancel()
		s.reply(c, env.Event, res, silent, err)
	}
}

// reply maps a handler outcome onto the wire:
//
//	success          -> "<evt>-ack" (nothing for silent events)
//	room full        -> "room-full"
//	rejected request -> "<evt>-error"
//	unroutable frame -> "error"
//
// A frame that is not JSON at all has no event and gets "error".
func (s *WsServer) reply(c *clientConn, event string, res any, silent bool, err error) {
	var (
		full    *rooms.RoomFullError
		opErr   *collab.OpError
		invalid *invalidRequestError
		bad     *badRequestError
	)
	switch {
	case err == nil:
		if silent {
			return
		}
		s.enqueue(c, protocol.AckEvent(event), res)
	case errors.As(err, &full):
		s.enqueue(c, protocol.EventRoomFull, full.Notice())
	case errors.As(err, &opErr):
		s.enqueue(c, protocol.ErrorEvent(event), opErr.Body())
	case errors.As(err, &invalid):
		s.enqueue(c, protocol.ErrorEvent(event), protocol.ErrorBody{
			Code:     protocol.CodeValidation,
			Error:    invalid.Error(),
			Ref:      invalid.clientRef,
			TargetID: invalid.targetID,
		})
	case errors.Is(err, ErrUnknownEvent):
		s.enqueue(c, protocol.EventError, protocol.ErrorBody{
			Code:  protocol.CodeUnknownEvent,
			Error: "unknown event " + event,
		})
	case errors.As(err, &bad):
		target := protocol.EventError
		if event != "" {
			target = protocol.ErrorEvent(event)
		}
		s.enqueue(c, target, protocol.ErrorBody{
			Code:  protocol.CodeBadRequest,
			Error: bad.Error(),
		})
	default:
		zap.L().Error("ws.handler", zap.String("event", event), zap.Error(err))
		s.enqueue(c, protocol.ErrorEvent(event), protocol.ErrorBody{
			Code:  protocol.CodePersistence,
			Error: "internal error",
		})
	}
}

func (s *WsServer) enqueue(c *clientConn, event string, body any) {
	msg, err := protocol.Encode(event, body)
	if err != nil {
		zap.L().Error("ws.encode", zap.String("event", event), zap.Error(err))
		return
	}
	c.enqueue(msg)
}
