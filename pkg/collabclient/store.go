// Package collabclient keeps a client side mirror of one collaboration room.
//
// Mutations are applied locally first and sent to the server afterwards.
// The server's acknowledgement maps the provisional id of a new record to
// the stored one; a rejection rolls the local change back. When no server
// can be reached the store switches to degraded mode for good: it acts as a
// single user room and never touches the network again.
package collabclient

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"roomcollabgo/pkg/protocol"
)

var (
	ErrEmptyRoom      = errors.New("room id is required")
	ErrEmptyName      = errors.New("user name is required")
	ErrEmptyText      = errors.New("annotation text is required")
	ErrInvalidOverlay = errors.New("overlay needs an image and a positive size")
	ErrNotJoined      = errors.New("not joined to a room")
	ErrNotOwner       = errors.New("record belongs to another user")
	ErrUnknownRecord  = errors.New("no such record")
	ErrUnconfirmed    = errors.New("record is not confirmed by the server yet")
)

// localConnID is the connection id of the local user in degraded mode.
const localConnID = "local"

const (
	positionInterval = 100 * time.Millisecond
	subscriberBuffer = 64
)

type Status int

const (
	StatusDisconnected Status = iota
	StatusConnecting
	StatusConnected
)

func (s Status) String() string {
	switch s {
	case StatusConnecting:
		return "connecting"
	case StatusConnected:
		return "connected"
	default:
		return "disconnected"
	}
}

type ChangeKind int

const (
	ChangeStatus ChangeKind = iota
	ChangeMembers
	ChangeAnnotations
	ChangeOverlays
	ChangeRoomFull
	ChangeError
)

// Change tells the rendering layer which part of the mirror moved. Live
// positions are not announced; read them with Positions when drawing.
type Change struct {
	Kind ChangeKind
	// Event is the server event behind the change, empty for local edits.
	Event string
}

type Store struct {
	dial DialFunc
	now  func() time.Time

	mu          sync.Mutex
	tr          Transport
	status      Status
	degraded    bool
	joined      bool
	roomID      string
	me          protocol.Member
	members     []protocol.Member
	annotations *mirror[protocol.Annotation]
	overlays    *mirror[protocol.Overlay]
	positions   map[string]protocol.Position
	positions3D map[string]protocol.Position3D
	roomFull    *protocol.RoomFull
	lastErr     *protocol.ErrorBody

	nextRef   int64
	localID   int64
	lastPos   time.Time
	lastPos3D time.Time

	subs    map[int]chan Change
	nextSub int
}

func New(dial DialFunc) *Store {
	s := &Store{
		dial: dial,
		now:  func() time.Time { return time.Now().UTC() },
		annotations: newMirror(
			func(a protocol.Annotation) int64 { return a.ID },
			func(a, b protocol.Annotation) bool { return a.X == b.X && a.Y == b.Y },
		),
		overlays: newMirror(
			func(o protocol.Overlay) int64 { return o.ID },
			func(a, b protocol.Overlay) bool {
				return a.X == b.X && a.Y == b.Y && a.Width == b.Width && a.Height == b.Height
			},
		),
		subs: map[int]chan Change{},
	}
	s.resetRoomLocked("", protocol.Member{})
	return s
}

// ─────────────────────────── connection ────────────────────────────────────

// Join enters roomID under a fresh user id. A dial failure is not returned:
// the store enters degraded mode and the room works locally.
func (s *Store) Join(ctx context.Context, roomID, userName string) error {
	roomID, userName = strings.TrimSpace(roomID), strings.TrimSpace(userName)
	if roomID == "" {
		return ErrEmptyRoom
	}
	if userName == "" {
		return ErrEmptyName
	}

	s.mu.Lock()
	s.resetRoomLocked(roomID, protocol.Member{ID: uuid.NewString(), Name: userName})
	s.notifyLocked(Change{Kind: ChangeMembers}, Change{Kind: ChangeAnnotations}, Change{Kind: ChangeOverlays})
	if s.degraded {
		s.enterDegradedLocked()
		s.mu.Unlock()
		return nil
	}
	tr := s.tr
	if tr == nil {
		s.status = StatusConnecting
		s.notifyLocked(Change{Kind: ChangeStatus})
	}
	me := s.me
	s.mu.Unlock()

	if tr == nil {
		var err error
		if tr, err = s.dial(ctx); err != nil {
			zap.L().Warn("collabclient.dial_failed", zap.Error(err))
			s.mu.Lock()
			s.enterDegradedLocked()
			s.mu.Unlock()
			return nil
		}
		s.mu.Lock()
		s.tr = tr
		s.status = StatusConnected
		s.notifyLocked(Change{Kind: ChangeStatus})
		s.mu.Unlock()
		go s.readLoop(tr)
	}

	return s.send(tr, protocol.EventJoinRoom, protocol.JoinRoomRequest{
		RoomID:   roomID,
		UserName: userName,
		UserID:   me.ID,
	})
}

// Leave quits the current room but keeps the connection.
func (s *Store) Leave() error {
	s.mu.Lock()
	if s.roomID == "" {
		s.mu.Unlock()
		return nil
	}
	tr, online := s.onlineLocked()
	s.resetRoomLocked("", s.me)
	s.notifyLocked(Change{Kind: ChangeMembers}, Change{Kind: ChangeAnnotations}, Change{Kind: ChangeOverlays})
	s.mu.Unlock()

	if !online {
		return nil
	}
	return s.send(tr, protocol.EventLeaveRoom, struct{}{})
}

// Close drops the connection. The mirror is cleared.
func (s *Store) Close() error {
	s.mu.Lock()
	tr := s.tr
	s.tr = nil
	s.resetRoomLocked("", s.me)
	s.status = StatusDisconnected
	s.notifyLocked(Change{Kind: ChangeStatus})
	s.mu.Unlock()

	if tr != nil {
		return tr.Close()
	}
	return nil
}

func (s *Store) readLoop(tr Transport) {
	for {
		frame, err := tr.Receive()
		if err != nil {
			s.transportLost(tr, err)
			return
		}
		s.handleFrame(frame)
	}
}

// transportLost switches to degraded mode unless tr was closed on purpose.
func (s *Store) transportLost(tr Transport, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.tr != tr {
		return
	}
	zap.L().Warn("collabclient.transport_lost", zap.Error(err))
	s.tr = nil
	_ = tr.Close()
	s.enterDegradedLocked()
}

func (s *Store) enterDegradedLocked() {
	s.degraded = true
	s.status = StatusConnected
	// local ids continue after the highest id the server handed out
	for _, a := range s.annotations.items {
		s.localID = max(s.localID, a.ID)
	}
	for _, o := range s.overlays.items {
		s.localID = max(s.localID, o.ID)
	}
	if s.roomID != "" {
		s.joined = true
		s.me.ConnectionID = localConnID
		s.members = []protocol.Member{s.me}
	}
	s.notifyLocked(Change{Kind: ChangeStatus}, Change{Kind: ChangeMembers})
}

func (s *Store) resetRoomLocked(roomID string, me protocol.Member) {
	s.roomID = roomID
	s.me = me
	s.joined = false
	s.members = []protocol.Member{}
	s.annotations.reset(nil)
	s.overlays.reset(nil)
	s.positions = map[string]protocol.Position{}
	s.positions3D = map[string]protocol.Position3D{}
	s.roomFull = nil
	s.lastErr = nil
}

func (s *Store) isMemberLocked(userID string) bool {
	for _, m := range s.members {
		if m.ID == userID {
			return true
		}
	}
	return false
}

// prunePositionsLocked drops cursors of users outside the current member
// list, including frames of a previous room that raced a room switch.
func (s *Store) prunePositionsLocked() {
	for id := range s.positions {
		if !s.isMemberLocked(id) {
			delete(s.positions, id)
		}
	}
	for id := range s.positions3D {
		if !s.isMemberLocked(id) {
			delete(s.positions3D, id)
		}
	}
}

// onlineLocked returns the transport when mutations go to the server.
func (s *Store) onlineLocked() (Transport, bool) {
	return s.tr, !s.degraded && s.tr != nil
}

func (s *Store) send(tr Transport, event string, body any) error {
	frame, err := protocol.Encode(event, body)
	if err != nil {
		return err
	}
	if err := tr.Send(frame); err != nil {
		s.transportLost(tr, err)
	}
	return nil
}

// ─────────────────────────── annotations ───────────────────────────────────

// AddAnnotation places an annotation and returns its local id: provisional
// (negative) until the server confirms it, final in degraded mode.
func (s *Store) AddAnnotation(text string, x, y float64, z *float64) (int64, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return 0, ErrEmptyText
	}

	s.mu.Lock()
	if !s.joined {
		s.mu.Unlock()
		return 0, ErrNotJoined
	}
	a := protocol.Annotation{
		RoomID:    s.roomID,
		UserID:    s.me.ID,
		UserName:  s.me.Name,
		Text:      text,
		X:         x,
		Y:         y,
		Z:         z,
		Timestamp: s.now(),
	}
	tr, online := s.onlineLocked()
	if online {
		s.nextRef--
		a.ID = s.nextRef
	} else {
		s.localID++
		a.ID = s.localID
	}
	s.annotations.add(a)
	s.notifyLocked(Change{Kind: ChangeAnnotations})
	s.mu.Unlock()

	if !online {
		return a.ID, nil
	}
	return a.ID, s.send(tr, protocol.EventAddAnnotation, protocol.AddAnnotationRequest{
		RoomID:    a.RoomID,
		UserID:    a.UserID,
		UserName:  a.UserName,
		Text:      a.Text,
		X:         a.X,
		Y:         a.Y,
		Z:         a.Z,
		ClientRef: a.ID,
	})
}

// RemoveAnnotation deletes one of the local user's annotations. Removing an
// id that is already gone is a no-op.
func (s *Store) RemoveAnnotation(id int64) error {
	s.mu.Lock()
	if !s.joined {
		s.mu.Unlock()
		return ErrNotJoined
	}
	a, ok := s.annotations.get(id)
	if !ok {
		s.mu.Unlock()
		return nil
	}
	if a.UserID != s.me.ID {
		s.mu.Unlock()
		return ErrNotOwner
	}
	_, idx, _ := s.annotations.delete(id)
	s.notifyLocked(Change{Kind: ChangeAnnotations})

	tr, online := s.onlineLocked()
	if !online {
		s.mu.Unlock()
		return nil
	}
	if id < 0 {
		s.annotations.discard(id)
		s.mu.Unlock()
		return nil
	}
	s.annotations.track(protocol.EventRemoveAnnotation, id, a, a, idx)
	roomID := s.roomID
	s.mu.Unlock()

	return s.send(tr, protocol.EventRemoveAnnotation, protocol.AnnotationRef{AnnotationID: id, RoomID: roomID})
}

// MoveAnnotation repositions one of the local user's annotations.
func (s *Store) MoveAnnotation(id int64, x, y float64) error {
	s.mu.Lock()
	if !s.joined {
		s.mu.Unlock()
		return ErrNotJoined
	}
	i := s.annotations.index(id)
	if i < 0 {
		s.mu.Unlock()
		return ErrUnknownRecord
	}
	prev := s.annotations.items[i]
	if prev.UserID != s.me.ID {
		s.mu.Unlock()
		return ErrNotOwner
	}
	tr, online := s.onlineLocked()
	if online && id < 0 {
		s.mu.Unlock()
		return ErrUnconfirmed
	}
	s.annotations.items[i].X, s.annotations.items[i].Y = x, y
	s.notifyLocked(Change{Kind: ChangeAnnotations})
	if !online {
		s.mu.Unlock()
		return nil
	}
	s.annotations.track(protocol.EventUpdateAnnotationPosition, id, prev, s.annotations.items[i], i)
	roomID := s.roomID
	s.mu.Unlock()

	return s.send(tr, protocol.EventUpdateAnnotationPosition, protocol.AnnotationPosition{
		AnnotationID: id,
		RoomID:       roomID,
		X:            x,
		Y:            y,
	})
}

// ─────────────────────────── overlays ──────────────────────────────────────

// AddOverlay places an uploaded image. imagePath is the path returned by
// the upload endpoint.
func (s *Store) AddOverlay(imagePath, originalName string, x, y, width, height float64) (int64, error) {
	imagePath = strings.TrimSpace(imagePath)
	if imagePath == "" || width <= 0 || height <= 0 {
		return 0, ErrInvalidOverlay
	}

	s.mu.Lock()
	if !s.joined {
		s.mu.Unlock()
		return 0, ErrNotJoined
	}
	o := protocol.Overlay{
		RoomID:       s.roomID,
		UserID:       s.me.ID,
		UserName:     s.me.Name,
		ImagePath:    imagePath,
		OriginalName: originalName,
		X:            x,
		Y:            y,
		Width:        width,
		Height:       height,
		Timestamp:    s.now(),
	}
	tr, online := s.onlineLocked()
	if online {
		s.nextRef--
		o.ID = s.nextRef
	} else {
		s.localID++
		o.ID = s.localID
	}
	s.overlays.add(o)
	s.notifyLocked(Change{Kind: ChangeOverlays})
	s.mu.Unlock()

	if !online {
		return o.ID, nil
	}
	return o.ID, s.send(tr, protocol.EventAddOverlay, protocol.AddOverlayRequest{
		RoomID:       o.RoomID,
		UserID:       o.UserID,
		UserName:     o.UserName,
		ImagePath:    o.ImagePath,
		OriginalName: o.OriginalName,
		X:            o.X,
		Y:            o.Y,
		Width:        o.Width,
		Height:       o.Height,
		ClientRef:    o.ID,
	})
}

func (s *Store) RemoveOverlay(id int64) error {
	s.mu.Lock()
	if !s.joined {
		s.mu.Unlock()
		return ErrNotJoined
	}
	o, ok := s.overlays.get(id)
	if !ok {
		s.mu.Unlock()
		return nil
	}
	if o.UserID != s.me.ID {
		s.mu.Unlock()
		return ErrNotOwner
	}
	_, idx, _ := s.overlays.delete(id)
	s.notifyLocked(Change{Kind: ChangeOverlays})

	tr, online := s.onlineLocked()
	if !online {
		s.mu.Unlock()
		return nil
	}
	if id < 0 {
		s.overlays.discard(id)
		s.mu.Unlock()
		return nil
	}
	s.overlays.track(protocol.EventRemoveOverlay, id, o, o, idx)
	roomID := s.roomID
	s.mu.Unlock()

	return s.send(tr, protocol.EventRemoveOverlay, protocol.OverlayRef{OverlayID: id, RoomID: roomID})
}

func (s *Store) MoveOverlay(id int64, x, y float64) error {
	return s.updateOverlay(protocol.EventUpdateOverlayPosition, id, func(o *protocol.Overlay) any {
		o.X, o.Y = x, y
		return protocol.OverlayPosition{OverlayID: id, RoomID: o.RoomID, X: x, Y: y}
	})
}

func (s *Store) ResizeOverlay(id int64, width, height float64) error {
	if width <= 0 || height <= 0 {
		return ErrInvalidOverlay
	}
	return s.updateOverlay(protocol.EventUpdateOverlaySize, id, func(o *protocol.Overlay) any {
		o.Width, o.Height = width, height
		return protocol.OverlaySize{OverlayID: id, RoomID: o.RoomID, Width: width, Height: height}
	})
}

// updateOverlay applies edit locally and sends the request body it returns.
func (s *Store) updateOverlay(event string, id int64, edit func(o *protocol.Overlay) any) error {
	s.mu.Lock()
	if !s.joined {
		s.mu.Unlock()
		return ErrNotJoined
	}
	i := s.overlays.index(id)
	if i < 0 {
		s.mu.Unlock()
		return ErrUnknownRecord
	}
	prev := s.overlays.items[i]
	if prev.UserID != s.me.ID {
		s.mu.Unlock()
		return ErrNotOwner
	}
	tr, online := s.onlineLocked()
	if online && id < 0 {
		s.mu.Unlock()
		return ErrUnconfirmed
	}
	body := edit(&s.overlays.items[i])
	s.notifyLocked(Change{Kind: ChangeOverlays})
	if !online {
		s.mu.Unlock()
		return nil
	}
	s.overlays.track(event, id, prev, s.overlays.items[i], i)
	s.mu.Unlock()

	return s.send(tr, event, body)
}

// ─────────────────────────── live positions ────────────────────────────────

// UpdatePosition shares the local viewport. Calls closer than 100ms to the
// previous one are dropped; sent reports whether this one went out.
func (s *Store) UpdatePosition(x, y, zoom float64) (sent bool, err error) {
	s.mu.Lock()
	if !s.joined {
		s.mu.Unlock()
		return false, ErrNotJoined
	}
	tr, online := s.onlineLocked()
	now := s.now()
	if !online || now.Sub(s.lastPos) < positionInterval {
		s.mu.Unlock()
		return false, nil
	}
	s.lastPos = now
	s.mu.Unlock()

	return true, s.send(tr, protocol.EventPositionUpdate, protocol.Position{X: x, Y: y, Zoom: zoom})
}

// UpdatePosition3D shares the local camera, throttled like UpdatePosition.
func (s *Store) UpdatePosition3D(p protocol.Position3D) (sent bool, err error) {
	s.mu.Lock()
	if !s.joined {
		s.mu.Unlock()
		return false, ErrNotJoined
	}
	tr, online := s.onlineLocked()
	now := s.now()
	if !online || now.Sub(s.lastPos3D) < positionInterval {
		s.mu.Unlock()
		return false, nil
	}
	s.lastPos3D = now
	s.mu.Unlock()

	p.UserID, p.UserName = "", ""
	return true, s.send(tr, protocol.EventPositionUpdate3D, p)
}

// ─────────────────────────── server events ─────────────────────────────────

type followUp struct {
	event string
	body  any
}

func (s *Store) handleFrame(frame []byte) {
	var env protocol.Envelope
	if err := json.Unmarshal(frame, &env); err != nil {
		zap.L().Debug("collabclient.bad_frame", zap.Error(err))
		return
	}

	s.mu.Lock()
	next, err := s.applyLocked(env)
	tr, online := s.onlineLocked()
	s.mu.Unlock()

	if err != nil {
		zap.L().Debug("collabclient.bad_body", zap.String("event", env.Event), zap.Error(err))
		return
	}
	if online {
		for _, f := range next {
			_ = s.send(tr, f.event, f.body)
		}
	}
}

func (s *Store) applyLocked(env protocol.Envelope) ([]followUp, error) {
	if env.Event == protocol.EventError {
		return nil, s.failLocked(env, "")
	}
	if request, ok := strings.CutSuffix(env.Event, "-error"); ok {
		return nil, s.failLocked(env, request)
	}
	if s.roomID == "" {
		// late frames of a room we already left
		return nil, nil
	}

	switch env.Event {
	case protocol.AckEvent(protocol.EventJoinRoom):
		var ack protocol.JoinAck
		if err := env.Decode(&ack); err != nil {
			return nil, err
		}
		s.me = ack.User
		s.joined = true
		s.roomFull = nil
		s.prunePositionsLocked()
		s.notifyLocked(Change{Kind: ChangeMembers, Event: env.Event})

	case protocol.EventRoomFull:
		var notice protocol.RoomFull
		if err := env.Decode(&notice); err != nil {
			return nil, err
		}
		s.roomFull = &notice
		s.joined = false
		s.notifyLocked(Change{Kind: ChangeRoomFull, Event: env.Event})

	case protocol.EventExistingAnnotations:
		var list []protocol.Annotation
		if err := env.Decode(&list); err != nil {
			return nil, err
		}
		s.annotations.reset(list)
		s.notifyLocked(Change{Kind: ChangeAnnotations, Event: env.Event})

	case protocol.EventExistingOverlays:
		var list []protocol.Overlay
		if err := env.Decode(&list); err != nil {
			return nil, err
		}
		s.overlays.reset(list)
		s.notifyLocked(Change{Kind: ChangeOverlays, Event: env.Event})

	case protocol.EventUserJoined, protocol.EventUserLeft:
		var mc protocol.MembershipChange
		if err := env.Decode(&mc); err != nil {
			return nil, err
		}
		s.members = append([]protocol.Member{}, mc.ActiveUsers...)
		s.prunePositionsLocked()
		s.notifyLocked(Change{Kind: ChangeMembers, Event: env.Event})

	case protocol.EventPositionUpdate:
		var p protocol.Position
		if err := env.Decode(&p); err != nil {
			return nil, err
		}
		if s.isMemberLocked(p.UserID) {
			s.positions[p.UserID] = p
		}

	case protocol.EventPositionUpdate3D:
		var p protocol.Position3D
		if err := env.Decode(&p); err != nil {
			return nil, err
		}
		if s.isMemberLocked(p.UserID) {
			s.positions3D[p.UserID] = p
		}

	case protocol.EventAnnotationAdded:
		var a protocol.Annotation
		if err := env.Decode(&a); err != nil {
			return nil, err
		}
		return s.confirmAnnotationLocked(a, a.ClientRef, env.Event), nil

	case protocol.AckEvent(protocol.EventAddAnnotation):
		var ack protocol.AnnotationAck
		if err := env.Decode(&ack); err != nil {
			return nil, err
		}
		return s.confirmAnnotationLocked(ack.Annotation, ack.ClientRef, env.Event), nil

	case protocol.EventAnnotationRemoved:
		var ref protocol.AnnotationRef
		if err := env.Decode(&ref); err != nil {
			return nil, err
		}
		if s.annotations.forget(ref.AnnotationID) {
			s.notifyLocked(Change{Kind: ChangeAnnotations, Event: env.Event})
		}

	case protocol.EventAnnotationPositionUpdated:
		var p protocol.AnnotationPosition
		if err := env.Decode(&p); err != nil {
			return nil, err
		}
		if i := s.annotations.index(p.AnnotationID); i >= 0 {
			s.annotations.items[i].X, s.annotations.items[i].Y = p.X, p.Y
			s.notifyLocked(Change{Kind: ChangeAnnotations, Event: env.Event})
		}

	case protocol.AckEvent(protocol.EventRemoveAnnotation):
		var ref protocol.AnnotationRef
		if err := env.Decode(&ref); err != nil {
			return nil, err
		}
		s.annotations.settle(protocol.EventRemoveAnnotation, ref.AnnotationID)

	case protocol.AckEvent(protocol.EventUpdateAnnotationPosition):
		var p protocol.AnnotationPosition
		if err := env.Decode(&p); err != nil {
			return nil, err
		}
		s.annotations.settle(protocol.EventUpdateAnnotationPosition, p.AnnotationID)

	case protocol.EventOverlayAdded:
		var o protocol.Overlay
		if err := env.Decode(&o); err != nil {
			return nil, err
		}
		return s.confirmOverlayLocked(o, o.ClientRef, env.Event), nil

	case protocol.AckEvent(protocol.EventAddOverlay):
		var ack protocol.OverlayAck
		if err := env.Decode(&ack); err != nil {
			return nil, err
		}
		return s.confirmOverlayLocked(ack.Overlay, ack.ClientRef, env.Event), nil

	case protocol.EventOverlayRemoved:
		var ref protocol.OverlayRef
		if err := env.Decode(&ref); err != nil {
			return nil, err
		}
		if s.overlays.forget(ref.OverlayID) {
			s.notifyLocked(Change{Kind: ChangeOverlays, Event: env.Event})
		}

	case protocol.EventOverlayPositionUpdated:
		var p protocol.OverlayPosition
		if err := env.Decode(&p); err != nil {
			return nil, err
		}
		if i := s.overlays.index(p.OverlayID); i >= 0 {
			s.overlays.items[i].X, s.overlays.items[i].Y = p.X, p.Y
			s.notifyLocked(Change{Kind: ChangeOverlays, Event: env.Event})
		}

	case protocol.EventOverlaySizeUpdated:
		var p protocol.OverlaySize
		if err := env.Decode(&p); err != nil {
			return nil, err
		}
		if i := s.overlays.index(p.OverlayID); i >= 0 {
			s.overlays.items[i].Width, s.overlays.items[i].Height = p.Width, p.Height
			s.notifyLocked(Change{Kind: ChangeOverlays, Event: env.Event})
		}

	case protocol.AckEvent(protocol.EventRemoveOverlay):
		var ref protocol.OverlayRef
		if err := env.Decode(&ref); err != nil {
			return nil, err
		}
		s.overlays.settle(protocol.EventRemoveOverlay, ref.OverlayID)

	case protocol.AckEvent(protocol.EventUpdateOverlayPosition):
		var p protocol.OverlayPosition
		if err := env.Decode(&p); err != nil {
			return nil, err
		}
		s.overlays.settle(protocol.EventUpdateOverlayPosition, p.OverlayID)

	case protocol.AckEvent(protocol.EventUpdateOverlaySize):
		var p protocol.OverlaySize
		if err := env.Decode(&p); err != nil {
			return nil, err
		}
		s.overlays.settle(protocol.EventUpdateOverlaySize, p.OverlayID)
	}
	return nil, nil
}

func (s *Store) confirmAnnotationLocked(a protocol.Annotation, ref int64, event string) []followUp {
	a.ClientRef = 0
	changed, orphan := s.annotations.confirm(a, ref, a.UserID == s.me.ID)
	if changed {
		s.notifyLocked(Change{Kind: ChangeAnnotations, Event: event})
	}
	if orphan == 0 {
		return nil
	}
	return []followUp{{
		event: protocol.EventRemoveAnnotation,
		body:  protocol.AnnotationRef{AnnotationID: orphan, RoomID: s.roomID},
	}}
}

func (s *Store) confirmOverlayLocked(o protocol.Overlay, ref int64, event string) []followUp {
	o.ClientRef = 0
	changed, orphan := s.overlays.confirm(o, ref, o.UserID == s.me.ID)
	if changed {
		s.notifyLocked(Change{Kind: ChangeOverlays, Event: event})
	}
	if orphan == 0 {
		return nil
	}
	return []followUp{{
		event: protocol.EventRemoveOverlay,
		body:  protocol.OverlayRef{OverlayID: orphan, RoomID: s.roomID},
	}}
}

// failLocked records a rejection and undoes the optimistic change it names.
func (s *Store) failLocked(env protocol.Envelope, request string) error {
	var body protocol.ErrorBody
	if err := env.Decode(&body); err != nil {
		return err
	}
	s.lastErr = &body

	switch request {
	case protocol.EventJoinRoom:
		s.joined = false
	case protocol.EventAddAnnotation:
		if s.annotations.dropProvisional(body.Ref) {
			s.notifyLocked(Change{Kind: ChangeAnnotations, Event: env.Event})
		}
	case protocol.EventRemoveAnnotation, protocol.EventUpdateAnnotationPosition:
		if s.annotations.rollback(request, body.TargetID, request == protocol.EventRemoveAnnotation) {
			s.notifyLocked(Change{Kind: ChangeAnnotations, Event: env.Event})
		}
	case protocol.EventAddOverlay:
		if s.overlays.dropProvisional(body.Ref) {
			s.notifyLocked(Change{Kind: ChangeOverlays, Event: env.Event})
		}
	case protocol.EventRemoveOverlay, protocol.EventUpdateOverlayPosition, protocol.EventUpdateOverlaySize:
		if s.overlays.rollback(request, body.TargetID, request == protocol.EventRemoveOverlay) {
			s.notifyLocked(Change{Kind: ChangeOverlays, Event: env.Event})
		}
	}

	zap.L().Debug("collabclient.rejected",
		zap.String("event", env.Event),
		zap.String("code", body.Code),
		zap.String("error", body.Error),
	)
	s.notifyLocked(Change{Kind: ChangeError, Event: env.Event})
	return nil
}

// ─────────────────────────── subscriptions ─────────────────────────────────

// Subscribe returns a channel of changes and a cancel func. Changes are
// dropped for a subscriber whose buffer is full; re-read the snapshot then.
func (s *Store) Subscribe() (<-chan Change, func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := s.nextSub
	s.nextSub++
	ch := make(chan Change, subscriberBuffer)
	s.subs[id] = ch

	return ch, func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		if c, ok := s.subs[id]; ok {
			delete(s.subs, id)
			close(c)
		}
	}
}

func (s *Store) notifyLocked(changes ...Change) {
	for _, ch := range s.subs {
		for _, c := range changes {
			select {
			case ch <- c:
			default:
			}
		}
	}
}

// ─────────────────────────── snapshots ─────────────────────────────────────

func (s *Store) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

// Degraded reports whether the store runs without a server.
func (s *Store) Degraded() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.degraded
}

func (s *Store) Joined() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.joined
}

func (s *Store) RoomID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.roomID
}

func (s *Store) Me() protocol.Member {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.me
}

func (s *Store) Members() []protocol.Member {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]protocol.Member{}, s.members...)
}

func (s *Store) Annotations() []protocol.Annotation {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.annotations.snapshot()
}

func (s *Store) Overlays() []protocol.Overlay {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.overlays.snapshot()
}

// Positions returns the latest 2D viewport of every other member.
func (s *Store) Positions() map[string]protocol.Position {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]protocol.Position, len(s.positions))
	for k, v := range s.positions {
		out[k] = v
	}
	return out
}

func (s *Store) Positions3D() map[string]protocol.Position3D {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]protocol.Position3D, len(s.positions3D))
	for k, v := range s.positions3D {
		out[k] = v
	}
	return out
}

// RoomFull returns the notice of the last rejected join, if any.
func (s *Store) RoomFull() *protocol.RoomFull {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.roomFull
}

// LastError returns the most recent rejection reported by the server.
func (s *Store) LastError() *protocol.ErrorBody {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastErr
}

// NearestAnnotations ranks the 3D annotations by distance from origin.
func (s *Store) NearestAnnotations(origin protocol.Vec3) []protocol.RankedAnnotation {
	return protocol.NearestAnnotations(s.Annotations(), origin)
}
