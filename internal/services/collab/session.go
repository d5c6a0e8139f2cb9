package collab

import (
	"context"
	"errors"
	"strings"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"roomcollabgo/internal/services/rooms"
	"roomcollabgo/internal/services/store"
	"roomcollabgo/pkg/protocol"
)

type State int

const (
	StateDisconnected State = iota
	StateConnected
	StateJoined
)

func (st State) String() string {
	switch st {
	case StateConnected:
		return "connected"
	case StateJoined:
		return "joined"
	default:
		return "disconnected"
	}
}

// Session is the state of one connection: Connected → Joined(room) →
// Connected … → Disconnected. Identity comes from the join, never from
// later payloads.
type Session struct {
	svc    *Service
	connID string

	mu     sync.Mutex
	state  State
	roomID string
	user   protocol.Member
}

func (ss *Session) ConnID() string { return ss.connID }

func (ss *Session) State() State {
	ss.mu.Lock()
	defer ss.mu.Unlock()
	return ss.state
}

// Room returns the joined room id and the member identity, if joined.
func (ss *Session) Room() (string, protocol.Member, bool) {
	ss.mu.Lock()
	defer ss.mu.Unlock()
	return ss.roomID, ss.user, ss.state == StateJoined
}

// Join enters a room. The joiner receives the stored annotations and
// overlays, then everybody (joiner included) receives user-joined.
// A full room yields *rooms.RoomFullError and changes nothing.
func (ss *Session) Join(ctx context.Context, req protocol.JoinRoomRequest) (*protocol.JoinAck, error) {
	roomID := strings.TrimSpace(req.RoomID)
	name := strings.TrimSpace(req.UserName)
	if roomID == "" {
		return nil, validationErr("room id is required", 0)
	}
	if name == "" {
		return nil, validationErr("user name is required", 0)
	}

	ss.mu.Lock()
	defer ss.mu.Unlock()
	switch ss.state {
	case StateDisconnected:
		return nil, &OpError{Kind: ErrNotJoined, Msg: "connection closed"}
	case StateJoined:
		if err := ss.leaveLocked(ctx); err != nil {
			return nil, err
		}
	}

	userID := strings.TrimSpace(req.UserID)
	if userID == "" {
		userID = uuid.NewString()
	}
	me := protocol.Member{ID: userID, Name: name, ConnectionID: ss.connID}
	svc := ss.svc

	unlock := svc.locks.Lock(roomID)
	defer unlock()

	members, err := svc.registry.Join(ctx, roomID, me)
	if err != nil {
		var full *rooms.RoomFullError
		if errors.As(err, &full) {
			zap.L().Info("collab.room_full",
				zap.String("room", roomID),
				zap.String("suggested", full.SuggestedRoomID),
			)
			return nil, full
		}
		return nil, persistenceErr(err, 0, 0)
	}

	annotations, overlays, err := ss.loadRoom(ctx, roomID)
	if err != nil {
		if _, lerr := svc.registry.Leave(ctx, ss.connID); lerr != nil {
			zap.L().Warn("collab.join_rollback", zap.String("room", roomID), zap.Error(lerr))
		}
		zap.L().Error("collab.join_load_failed", zap.String("room", roomID), zap.Error(err))
		return nil, persistenceErr(err, 0, 0)
	}

	svc.fanout.Subscribe(roomID, ss.connID)
	ss.state, ss.roomID, ss.user = StateJoined, roomID, me

	svc.send(ss.connID, protocol.EventExistingAnnotations, annotations)
	svc.send(ss.connID, protocol.EventExistingOverlays, overlays)
	svc.broadcast(ctx, roomID, protocol.EventUserJoined, protocol.MembershipChange{
		User:        me,
		ActiveUsers: members,
	}, "")
	svc.touch(ctx, roomID)

	zap.L().Info("collab.joined",
		zap.String("room", roomID),
		zap.String("user", me.Name),
		zap.Int("members", len(members)),
	)
	return &protocol.JoinAck{RoomID: roomID, User: me}, nil
}

func (ss *Session) loadRoom(ctx context.Context, roomID string) ([]protocol.Annotation, []protocol.Overlay, error) {
	if _, err := ss.svc.store.EnsureRoom(ctx, roomID); err != nil {
		return nil, nil, err
	}
	annotations, err := ss.svc.store.ListAnnotations(ctx, roomID)
	if err != nil {
		return nil, nil, err
	}
	overlays, err := ss.svc.store.ListOverlays(ctx, roomID)
	if err != nil {
		return nil, nil, err
	}
	return annotations, overlays, nil
}

// Leave exits the current room and keeps the connection open. Leaving
// when not joined is a no-op.
func (ss *Session) Leave(ctx context.Context) error {
	ss.mu.Lock()
	defer ss.mu.Unlock()
	if ss.state != StateJoined {
		return nil
	}
	return ss.leaveLocked(ctx)
}

func (ss *Session) leaveLocked(ctx context.Context) error {
	svc, roomID := ss.svc, ss.roomID
	unlock := svc.locks.Lock(roomID)
	defer unlock()

	dep, err := svc.registry.Leave(ctx, ss.connID)
	svc.fanout.Unsubscribe(roomID, ss.connID)
	ss.state, ss.roomID, ss.user = StateConnected, "", protocol.Member{}
	if err != nil {
		zap.L().Error("collab.leave_failed", zap.String("room", roomID), zap.Error(err))
		return persistenceErr(err, 0, 0)
	}
	if dep != nil {
		svc.announceDeparture(ctx, dep, ss.connID)
		zap.L().Info("collab.left",
			zap.String("room", roomID),
			zap.String("user", dep.Member.Name),
			zap.Bool("room_evicted", dep.Evicted),
		)
	}
	return nil
}

// Disconnect ends the session for good.
func (ss *Session) Disconnect(ctx context.Context) {
	ss.mu.Lock()
	defer ss.mu.Unlock()
	if ss.state == StateJoined {
		_ = ss.leaveLocked(ctx)
	}
	ss.state = StateDisconnected
	ss.svc.sessions.CompareAndDelete(ss.connID, ss)
}

// KeepAlive refreshes the membership lease while joined.
func (ss *Session) KeepAlive(ctx context.Context) error {
	if ss.State() != StateJoined {
		return nil
	}
	return ss.svc.KeepAlive(ctx, ss.connID)
}

// ───────────────────────────── live positions ──────────────────────────────

// UpdatePosition relays a 2D viewport position to the other members.
func (ss *Session) UpdatePosition(ctx context.Context, p protocol.Position) error {
	roomID, me, ok := ss.Room()
	if !ok {
		return &OpError{Kind: ErrNotJoined}
	}
	p.UserID, p.UserName = me.ID, me.Name
	ss.svc.broadcast(ctx, roomID, protocol.EventPositionUpdate, p, ss.connID)
	return nil
}

// UpdatePosition3D relays a 3D camera position to the other members.
func (ss *Session) UpdatePosition3D(ctx context.Context, p protocol.Position3D) error {
	roomID, me, ok := ss.Room()
	if !ok {
		return &OpError{Kind: ErrNotJoined}
	}
	p.UserID, p.UserName = me.ID, me.Name
	ss.svc.broadcast(ctx, roomID, protocol.EventPositionUpdate3D, p, ss.connID)
	return nil
}

// ─────────────────────────────── annotations ───────────────────────────────

func (ss *Session) AddAnnotation(ctx context.Context, req protocol.AddAnnotationRequest) (*protocol.AnnotationAck, error) {
	ss.mu.Lock()
	defer ss.mu.Unlock()
	roomID, me, err := ss.joinedLocked(req.RoomID, req.ClientRef, 0)
	if err != nil {
		return nil, err
	}
	text := strings.TrimSpace(req.Text)
	if text == "" {
		return nil, validationErr("annotation text is required", req.ClientRef)
	}

	svc := ss.svc
	unlock := svc.locks.Lock(roomID)
	defer unlock()

	rec, err := svc.store.InsertAnnotation(ctx, protocol.Annotation{
		RoomID:   roomID,
		UserID:   me.ID,
		UserName: me.Name,
		Text:     text,
		X:        req.X,
		Y:        req.Y,
		Z:        req.Z,
	})
	if err != nil {
		zap.L().Error("collab.persist_failed", zap.String("op", "add-annotation"), zap.Error(err))
		return nil, persistenceErr(err, req.ClientRef, 0)
	}
	rec.ClientRef = req.ClientRef

	svc.broadcast(ctx, roomID, protocol.EventAnnotationAdded, rec, "")
	svc.touch(ctx, roomID)
	return &protocol.AnnotationAck{ClientRef: req.ClientRef, Annotation: *rec}, nil
}

// RemoveAnnotation deletes an annotation owned by the caller. Removing an
// id that no longer exists succeeds without a broadcast.
func (ss *Session) RemoveAnnotation(ctx context.Context, req protocol.AnnotationRef) (*protocol.AnnotationRef, error) {
	ss.mu.Lock()
	defer ss.mu.Unlock()
	roomID, me, err := ss.joinedLocked(req.RoomID, 0, req.AnnotationID)
	if err != nil {
		return nil, err
	}

	svc := ss.svc
	unlock := svc.locks.Lock(roomID)
	defer unlock()

	ref := &protocol.AnnotationRef{AnnotationID: req.AnnotationID, RoomID: roomID}
	rec, err := svc.store.GetAnnotation(ctx, req.AnnotationID)
	if errors.Is(err, store.ErrNotFound) {
		return ref, nil
	}
	if err != nil {
		return nil, persistenceErr(err, 0, req.AnnotationID)
	}
	if err := authorize(rec.RoomID, rec.UserID, roomID, me, req.AnnotationID); err != nil {
		return nil, err
	}

	deleted, err := svc.store.DeleteAnnotation(ctx, req.AnnotationID)
	if err != nil {
		zap.L().Error("collab.persist_failed", zap.String("op", "remove-annotation"), zap.Error(err))
		return nil, persistenceErr(err, 0, req.AnnotationID)
	}
	if deleted {
		svc.broadcast(ctx, roomID, protocol.EventAnnotationRemoved, ref, "")
		svc.touch(ctx, roomID)
	}
	return ref, nil
}

func (ss *Session) UpdateAnnotationPosition(ctx context.Context, req protocol.AnnotationPosition) (*protocol.AnnotationPosition, error) {
	ss.mu.Lock()
	defer ss.mu.Unlock()
	roomID, me, err := ss.joinedLocked(req.RoomID, 0, req.AnnotationID)
	if err != nil {
		return nil, err
	}

	svc := ss.svc
	unlock := svc.locks.Lock(roomID)
	defer unlock()

	rec, err := svc.store.GetAnnotation(ctx, req.AnnotationID)
	if err != nil {
		return nil, lookupErr(err, req.AnnotationID)
	}
	if err := authorize(rec.RoomID, rec.UserID, roomID, me, req.AnnotationID); err != nil {
		return nil, err
	}

	updated, err := svc.store.UpdateAnnotationPosition(ctx, req.AnnotationID, req.X, req.Y)
	if err != nil {
		zap.L().Error("collab.persist_failed", zap.String("op", "update-annotation-position"), zap.Error(err))
		return nil, persistenceErr(err, 0, req.AnnotationID)
	}
	if !updated {
		return nil, &OpError{Kind: ErrNotFound, TargetID: req.AnnotationID}
	}

	out := &protocol.AnnotationPosition{AnnotationID: req.AnnotationID, RoomID: roomID, X: req.X, Y: req.Y}
	svc.broadcast(ctx, roomID, protocol.EventAnnotationPositionUpdated, out, "")
	svc.touch(ctx, roomID)
	return out, nil
}

// ──────────────────────────────── overlays ─────────────────────────────────

func (ss *Session) AddOverlay(ctx context.Context, req protocol.AddOverlayRequest) (*protocol.OverlayAck, error) {
	ss.mu.Lock()
	defer ss.mu.Unlock()
	roomID, me, err := ss.joinedLocked(req.RoomID, req.ClientRef, 0)
	if err != nil {
		return nil, err
	}
	path := strings.TrimSpace(req.ImagePath)
	if path == "" {
		return nil, validationErr("image path is required", req.ClientRef)
	}
	if req.Width <= 0 || req.Height <= 0 {
		return nil, validationErr("overlay size must be positive", req.ClientRef)
	}

	svc := ss.svc
	unlock := svc.locks.Lock(roomID)
	defer unlock()

	rec, err := svc.store.InsertOverlay(ctx, protocol.Overlay{
		RoomID:       roomID,
		UserID:       me.ID,
		UserName:     me.Name,
		ImagePath:    path,
		OriginalName: req.OriginalName,
		X:            req.X,
		Y:            req.Y,
		Width:        req.Width,
		Height:       req.Height,
	})
	if err != nil {
		zap.L().Error("collab.persist_failed", zap.String("op", "add-overlay"), zap.Error(err))
		return nil, persistenceErr(err, req.ClientRef, 0)
	}
	rec.ClientRef = req.ClientRef

	svc.broadcast(ctx, roomID, protocol.EventOverlayAdded, rec, "")
	svc.touch(ctx, roomID)
	return &protocol.OverlayAck{ClientRef: req.ClientRef, Overlay: *rec}, nil
}

// RemoveOverlay deletes the overlay and, best effort, its image file.
func (ss *Session) RemoveOverlay(ctx context.Context, req protocol.OverlayRef) (*protocol.OverlayRef, error) {
	ss.mu.Lock()
	defer ss.mu.Unlock()
	roomID, me, err := ss.joinedLocked(req.RoomID, 0, req.OverlayID)
	if err != nil {
		return nil, err
	}

	svc := ss.svc
	unlock := svc.locks.Lock(roomID)
	defer unlock()

	ref := &protocol.OverlayRef{OverlayID: req.OverlayID, RoomID: roomID}
	rec, err := svc.store.GetOverlay(ctx, req.OverlayID)
	if errors.Is(err, store.ErrNotFound) {
		return ref, nil
	}
	if err != nil {
		return nil, persistenceErr(err, 0, req.OverlayID)
	}
	if err := authorize(rec.RoomID, rec.UserID, roomID, me, req.OverlayID); err != nil {
		return nil, err
	}

	deleted, err := svc.store.DeleteOverlay(ctx, req.OverlayID)
	if err != nil {
		zap.L().Error("collab.persist_failed", zap.String("op", "remove-overlay"), zap.Error(err))
		return nil, persistenceErr(err, 0, req.OverlayID)
	}
	if deleted {
		ss.releaseImage(ctx, rec.ImagePath)
		svc.broadcast(ctx, roomID, protocol.EventOverlayRemoved, ref, "")
		svc.touch(ctx, roomID)
	}
	return ref, nil
}

// releaseImage removes the file behind a deleted overlay unless another
// overlay, possibly of another user or room, still shows it.
func (ss *Session) releaseImage(ctx context.Context, path string) {
	n, err := ss.svc.store.CountOverlaysByImage(ctx, path)
	if err != nil {
		zap.L().Warn("collab.image_refcount_failed", zap.String("path", path), zap.Error(err))
		return
	}
	if n > 0 {
		zap.L().Debug("collab.image_still_used", zap.String("path", path), zap.Int("overlays", n))
		return
	}
	ss.svc.removeImage(path)
}

func (ss *Session) UpdateOverlayPosition(ctx context.Context, req protocol.OverlayPosition) (*protocol.OverlayPosition, error) {
	ss.mu.Lock()
	defer ss.mu.Unlock()
	roomID, me, err := ss.joinedLocked(req.RoomID, 0, req.OverlayID)
	if err != nil {
		return nil, err
	}

	svc := ss.svc
	unlock := svc.locks.Lock(roomID)
	defer unlock()

	if err := ss.ownedOverlay(ctx, roomID, me, req.OverlayID); err != nil {
		return nil, err
	}
	updated, err := svc.store.UpdateOverlayPosition(ctx, req.OverlayID, req.X, req.Y)
	if err != nil {
		zap.L().Error("collab.persist_failed", zap.String("op", "update-overlay-position"), zap.Error(err))
		return nil, persistenceErr(err, 0, req.OverlayID)
	}
	if !updated {
		return nil, &OpError{Kind: ErrNotFound, TargetID: req.OverlayID}
	}

	out := &protocol.OverlayPosition{OverlayID: req.OverlayID, RoomID: roomID, X: req.X, Y: req.Y}
	svc.broadcast(ctx, roomID, protocol.EventOverlayPositionUpdated, out, "")
	svc.touch(ctx, roomID)
	return out, nil
}

func (ss *Session) UpdateOverlaySize(ctx context.Context, req protocol.OverlaySize) (*protocol.OverlaySize, error) {
	ss.mu.Lock()
	defer ss.mu.Unlock()
	roomID, me, err := ss.joinedLocked(req.RoomID, 0, req.OverlayID)
	if err != nil {
		return nil, err
	}
	if req.Width <= 0 || req.Height <= 0 {
		return nil, &OpError{Kind: ErrValidation, Msg: "overlay size must be positive", TargetID: req.OverlayID}
	}

	svc := ss.svc
	unlock := svc.locks.Lock(roomID)
	defer unlock()

	if err := ss.ownedOverlay(ctx, roomID, me, req.OverlayID); err != nil {
		return nil, err
	}
	updated, err := svc.store.UpdateOverlaySize(ctx, req.OverlayID, req.Width, req.Height)
	if err != nil {
		zap.L().Error("collab.persist_failed", zap.String("op", "update-overlay-size"), zap.Error(err))
		return nil, persistenceErr(err, 0, req.OverlayID)
	}
	if !updated {
		return nil, &OpError{Kind: ErrNotFound, TargetID: req.OverlayID}
	}

	out := &protocol.OverlaySize{OverlayID: req.OverlayID, RoomID: roomID, Width: req.Width, Height: req.Height}
	svc.broadcast(ctx, roomID, protocol.EventOverlaySizeUpdated, out, "")
	svc.touch(ctx, roomID)
	return out, nil
}

// ─────────────────────────────── helpers ─────────────────────────────────────

// joinedLocked returns the session's room and identity. A payload naming a
// different room is rejected.
func (ss *Session) joinedLocked(claimedRoom string, ref, target int64) (string, protocol.Member, error) {
	if ss.state != StateJoined {
		return "", protocol.Member{}, &OpError{Kind: ErrNotJoined, Ref: ref, TargetID: target}
	}
	if claimedRoom != "" && claimedRoom != ss.roomID {
		return "", protocol.Member{}, &OpError{
			Kind: ErrValidation, Msg: "room id does not match the joined room", Ref: ref, TargetID: target,
		}
	}
	return ss.roomID, ss.user, nil
}

func (ss *Session) ownedOverlay(ctx context.Context, roomID string, me protocol.Member, id int64) error {
	rec, err := ss.svc.store.GetOverlay(ctx, id)
	if err != nil {
		return lookupErr(err, id)
	}
	return authorize(rec.RoomID, rec.UserID, roomID, me, id)
}

// authorize allows changes only to records of the caller's room that the
// caller created. Records of other rooms are reported as missing.
func authorize(recRoom, recOwner, roomID string, me protocol.Member, target int64) error {
	if recRoom != roomID {
		return &OpError{Kind: ErrNotFound, TargetID: target}
	}
	if recOwner != me.ID {
		return &OpError{Kind: ErrPermissionDenied, Msg: "only the owner can change this record", TargetID: target}
	}
	return nil
}

func lookupErr(err error, target int64) error {
	if errors.Is(err, store.ErrNotFound) {
		return &OpError{Kind: ErrNotFound, TargetID: target}
	}
	return persistenceErr(err, 0, target)
}
