package collab

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"roomcollabgo/internal/services/rooms"
	"roomcollabgo/internal/services/store"
	"roomcollabgo/pkg/protocol"
)

// Fanout delivers encoded frames to connections.
type Fanout interface {
	// Subscribe adds the connection to the room's delivery set.
	Subscribe(roomID, connID string)
	Unsubscribe(roomID, connID string)
	// Send delivers to a single local connection.
	Send(connID string, msg []byte)
	// Broadcast delivers to every member of the room except exceptConnID
	// (empty means everyone). It never blocks on a slow member.
	Broadcast(ctx context.Context, roomID string, msg []byte, exceptConnID string) error
}

// ActivityRecorder moves a room's last-activity timestamp forward.
type ActivityRecorder interface {
	Touch(ctx context.Context, roomID string, at time.Time) error
}

// ImageRemover deletes the stored file behind an overlay.
type ImageRemover interface {
	Remove(imagePath string) error
}

// Service owns the room-scoped operations shared by every Session.
// Mutations of one room are applied one at a time, in the order their
// events go out.
type Service struct {
	store    store.IStore
	registry rooms.IRoomRegistry
	fanout   Fanout
	activity ActivityRecorder
	images   ImageRemover

	locks    *keyedMutex
	sessions sync.Map // connID -> *Session
	now      func() time.Time
}

func NewService(
	st store.IStore,
	reg rooms.IRoomRegistry,
	fan Fanout,
	activity ActivityRecorder,
	images ImageRemover,
) *Service {
	return &Service{
		store:    st,
		registry: reg,
		fanout:   fan,
		activity: activity,
		images:   images,
		locks:    newKeyedMutex(),
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// Connect starts a session for a freshly accepted connection.
func (s *Service) Connect(connID string) *Session {
	ss := &Session{svc: s, connID: connID, state: StateConnected}
	s.sessions.Store(connID, ss)
	return ss
}

// KeepAlive refreshes the membership lease of a connection.
func (s *Service) KeepAlive(ctx context.Context, connID string) error {
	return s.registry.KeepAlive(ctx, connID)
}

// Evict removes a member whose lease expired. Local sessions leave as if
// they had asked to; members of other instances are removed directly.
func (s *Service) Evict(ctx context.Context, connID string) error {
	if v, ok := s.sessions.Load(connID); ok {
		return v.(*Session).Leave(ctx)
	}

	dep, err := s.registry.Leave(ctx, connID)
	if err != nil || dep == nil {
		return err
	}
	unlock := s.locks.Lock(dep.RoomID)
	defer unlock()
	s.announceDeparture(ctx, dep, connID)
	zap.L().Info("collab.evicted",
		zap.String("room", dep.RoomID),
		zap.String("conn", connID),
	)
	return nil
}

// ─────────────────────────────── helpers ─────────────────────────────────────

func (s *Service) send(connID, event string, body any) {
	msg, err := protocol.Encode(event, body)
	if err != nil {
		zap.L().Error("collab.encode", zap.String("event", event), zap.Error(err))
		return
	}
	s.fanout.Send(connID, msg)
}

func (s *Service) broadcast(ctx context.Context, roomID, event string, body any, except string) {
	msg, err := protocol.Encode(event, body)
	if err != nil {
		zap.L().Error("collab.encode", zap.String("event", event), zap.Error(err))
		return
	}
	if err := s.fanout.Broadcast(ctx, roomID, msg, except); err != nil {
		zap.L().Warn("collab.broadcast_failed",
			zap.String("room", roomID),
			zap.String("event", event),
			zap.Error(err),
		)
	}
}

func (s *Service) touch(ctx context.Context, roomID string) {
	if s.activity == nil {
		return
	}
	if err := s.activity.Touch(ctx, roomID, s.now()); err != nil {
		zap.L().Warn("collab.touch_failed", zap.String("room", roomID), zap.Error(err))
	}
}

func (s *Service) removeImage(path string) {
	if s.images == nil || path == "" {
		return
	}
	if err := s.images.Remove(path); err != nil {
		zap.L().Warn("collab.image_remove_failed", zap.String("path", path), zap.Error(err))
	}
}

// announceDeparture tells the remaining members; the caller holds the room lock.
func (s *Service) announceDeparture(ctx context.Context, dep *rooms.Departure, connID string) {
	s.broadcast(ctx, dep.RoomID, protocol.EventUserLeft, protocol.MembershipChange{
		User:        dep.Member,
		ActiveUsers: dep.Remaining,
	}, connID)
}
