package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"roomcollabgo/pkg/protocol"
)

var (
	ErrNotFound   = errors.New("record not found")
	ErrRoomExists = errors.New("room already exists")
)

// IStore is the persistence gateway for rooms, annotations and overlays.
// Statements use $n placeholders, RETURNING and ON CONFLICT, which both
// Postgres and SQLite understand.
type IStore interface {
	EnsureRoom(ctx context.Context, id string) (*protocol.Room, error)
	CreateRoom(ctx context.Context, room protocol.Room) (*protocol.Room, error)
	GetRoom(ctx context.Context, id string) (*protocol.Room, error)
	ListRooms(ctx context.Context) ([]protocol.Room, error)
	TouchRooms(ctx context.Context, touched map[string]time.Time) error

	InsertAnnotation(ctx context.Context, a protocol.Annotation) (*protocol.Annotation, error)
	GetAnnotation(ctx context.Context, id int64) (*protocol.Annotation, error)
	ListAnnotations(ctx context.Context, roomID string) ([]protocol.Annotation, error)
	DeleteAnnotation(ctx context.Context, id int64) (bool, error)
	UpdateAnnotationPosition(ctx context.Context, id int64, x, y float64) (bool, error)

	InsertOverlay(ctx context.Context, o protocol.Overlay) (*protocol.Overlay, error)
	GetOverlay(ctx context.Context, id int64) (*protocol.Overlay, error)
	ListOverlays(ctx context.Context, roomID string) ([]protocol.Overlay, error)
	DeleteOverlay(ctx context.Context, id int64) (bool, error)
	UpdateOverlayPosition(ctx context.Context, id int64, x, y float64) (bool, error)
	UpdateOverlaySize(ctx context.Context, id int64, width, height float64) (bool, error)
	// CountOverlaysByImage counts the overlays, in any room, that show imagePath.
	CountOverlaysByImage(ctx context.Context, imagePath string) (int, error)
}

type sqlStore struct {
	db  *sql.DB
	now func() time.Time
}

var _ IStore = (*sqlStore)(nil)

func NewStore(db *sql.DB) IStore {
	return &sqlStore{
		db:  db,
		now: func() time.Time { return time.Now().UTC() },
	}
}

// ───────────────────────────── rooms ───────────────────────────────────────

const roomColumns = `id, name, description, created_at, last_activity`

// EnsureRoom creates the room on first use, named after its id.
func (s *sqlStore) EnsureRoom(ctx context.Context, id string) (*protocol.Room, error) {
	now := s.now()
	const q = `INSERT INTO rooms (id, name, description, created_at, last_activity)
	           VALUES ($1, $1, '', $2, $2)
	           ON CONFLICT (id) DO NOTHING`
	if _, err := s.db.ExecContext(ctx, q, id, now); err != nil {
		return nil, fmt.Errorf("ensure room %s: %w", id, err)
	}
	return s.GetRoom(ctx, id)
}

func (s *sqlStore) CreateRoom(ctx context.Context, room protocol.Room) (*protocol.Room, error) {
	now := s.now()
	const q = `INSERT INTO rooms (id, name, description, created_at, last_activity)
	           VALUES ($1, $2, $3, $4, $4)
	           ON CONFLICT (id) DO NOTHING`
	res, err := s.db.ExecContext(ctx, q, room.ID, room.Name, room.Description, now)
	if err != nil {
		return nil, fmt.Errorf("create room %s: %w", room.ID, err)
	}
	if n, err := res.RowsAffected(); err != nil {
		return nil, err
	} else if n == 0 {
		return nil, ErrRoomExists
	}
	room.CreatedAt, room.LastActivity = now, now
	return &room, nil
}

func (s *sqlStore) GetRoom(ctx context.Context, id string) (*protocol.Room, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+roomColumns+` FROM rooms WHERE id = $1`, id)
	r := &protocol.Room{}
	if err := row.Scan(&r.ID, &r.Name, &r.Description, &r.CreatedAt, &r.LastActivity); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return r, nil
}

// ListRooms returns every room, most recently active first.
func (s *sqlStore) ListRooms(ctx context.Context) ([]protocol.Room, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+roomColumns+` FROM rooms ORDER BY last_activity DESC, id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	list := make([]protocol.Room, 0)
	for rows.Next() {
		var r protocol.Room
		if err := rows.Scan(&r.ID, &r.Name, &r.Description, &r.CreatedAt, &r.LastActivity); err != nil {
			return nil, err
		}
		list = append(list, r)
	}
	return list, rows.Err()
}

// TouchRooms moves last_activity forward for every room in one transaction.
// Older timestamps never overwrite newer ones.
func (s *sqlStore) TouchRooms(ctx context.Context, touched map[string]time.Time) error {
	if len(touched) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	const q = `UPDATE rooms SET last_activity = $1
	            WHERE id = $2 AND last_activity < $1`
	for id, at := range touched {
		if _, err := tx.ExecContext(ctx, q, at.UTC(), id); err != nil {
			return fmt.Errorf("touch room %s: %w", id, err)
		}
	}
	return tx.Commit()
}

// ─────────────────────────── annotations ───────────────────────────────────

const annotationColumns = `id, room_id, user_id, user_name, text, x, y, z, created_at`

func (s *sqlStore) InsertAnnotation(ctx context.Context, a protocol.Annotation) (*protocol.Annotation, error) {
	a.Timestamp = s.now()
	const q = `INSERT INTO annotations (room_id, user_id, user_name, text, x, y, z, created_at)
	           VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	           RETURNING id`
	var z sql.NullFloat64
	if a.Z != nil {
		z = sql.NullFloat64{Float64: *a.Z, Valid: true}
	}
	err := s.db.QueryRowContext(ctx, q,
		a.RoomID, a.UserID, a.UserName, a.Text, a.X, a.Y, z, a.Timestamp,
	).Scan(&a.ID)
	if err != nil {
		return nil, fmt.Errorf("insert annotation: %w", err)
	}
	return &a, nil
}

func (s *sqlStore) GetAnnotation(ctx context.Context, id int64) (*protocol.Annotation, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+annotationColumns+` FROM annotations WHERE id = $1`, id)
	a, err := scanAnnotation(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return a, err
}

// ListAnnotations returns the room's annotations in creation order.
func (s *sqlStore) ListAnnotations(ctx context.Context, roomID string) ([]protocol.Annotation, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+annotationColumns+` FROM annotations WHERE room_id = $1 ORDER BY created_at, id`, roomID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	list := make([]protocol.Annotation, 0)
	for rows.Next() {
		a, err := scanAnnotation(rows)
		if err != nil {
			return nil, err
		}
		list = append(list, *a)
	}
	return list, rows.Err()
}

func (s *sqlStore) DeleteAnnotation(ctx context.Context, id int64) (bool, error) {
	return s.affected(s.db.ExecContext(ctx, `DELETE FROM annotations WHERE id = $1`, id))
}

func (s *sqlStore) UpdateAnnotationPosition(ctx context.Context, id int64, x, y float64) (bool, error) {
	return s.affected(s.db.ExecContext(ctx,
		`UPDATE annotations SET x = $1, y = $2 WHERE id = $3`, x, y, id))
}

// ──────────────────────────── overlays ─────────────────────────────────────

const overlayColumns = `id, room_id, user_id, user_name, image_path, original_name,
                        x, y, width, height, created_at`

func (s *sqlStore) InsertOverlay(ctx context.Context, o protocol.Overlay) (*protocol.Overlay, error) {
	o.Timestamp = s.now()
	const q = `INSERT INTO image_overlays (room_id, user_id, user_name, image_path, original_name,
	                                       x, y, width, height, created_at)
	           VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	           RETURNING id`
	err := s.db.QueryRowContext(ctx, q,
		o.RoomID, o.UserID, o.UserName, o.ImagePath, o.OriginalName,
		o.X, o.Y, o.Width, o.Height, o.Timestamp,
	).Scan(&o.ID)
	if err != nil {
		return nil, fmt.Errorf("insert overlay: %w", err)
	}
	return &o, nil
}

func (s *sqlStore) GetOverlay(ctx context.Context, id int64) (*protocol.Overlay, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+overlayColumns+` FROM image_overlays WHERE id = $1`, id)
	o, err := scanOverlay(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return o, err
}

func (s *sqlStore) ListOverlays(ctx context.Context, roomID string) ([]protocol.Overlay, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+overlayColumns+` FROM image_overlays WHERE room_id = $1 ORDER BY created_at, id`, roomID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	list := make([]protocol.Overlay, 0)
	for rows.Next() {
		o, err := scanOverlay(rows)
		if err != nil {
			return nil, err
		}
		list = append(list, *o)
	}
	return list, rows.Err()
}

func (s *sqlStore) DeleteOverlay(ctx context.Context, id int64) (bool, error) {
	return s.affected(s.db.ExecContext(ctx, `DELETE FROM image_overlays WHERE id = $1`, id))
}

func (s *sqlStore) UpdateOverlayPosition(ctx context.Context, id int64, x, y float64) (bool, error) {
	return s.affected(s.db.ExecContext(ctx,
		`UPDATE image_overlays SET x = $1, y = $2 WHERE id = $3`, x, y, id))
}

func (s *sqlStore) UpdateOverlaySize(ctx context.Context, id int64, width, height float64) (bool, error) {
	return s.affected(s.db.ExecContext(ctx,
		`UPDATE image_overlays SET width = $1, height = $2 WHERE id = $3`, width, height, id))
}

func (s *sqlStore) CountOverlaysByImage(ctx context.Context, imagePath string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM image_overlays WHERE image_path = $1`, imagePath).Scan(&n)
	return n, err
}

// helpers

type scanner interface {
	Scan(dest ...any) error
}

func scanAnnotation(sc scanner) (*protocol.Annotation, error) {
	var (
		a protocol.Annotation
		z sql.NullFloat64
	)
	if err := sc.Scan(&a.ID, &a.RoomID, &a.UserID, &a.UserName, &a.Text,
		&a.X, &a.Y, &z, &a.Timestamp); err != nil {
		return nil, err
	}
	if z.Valid {
		a.Z = protocol.Float(z.Float64)
	}
	return &a, nil
}

func scanOverlay(sc scanner) (*protocol.Overlay, error) {
	var o protocol.Overlay
	if err := sc.Scan(&o.ID, &o.RoomID, &o.UserID, &o.UserName, &o.ImagePath, &o.OriginalName,
		&o.X, &o.Y, &o.Width, &o.Height, &o.Timestamp); err != nil {
		return nil, err
	}
	return &o, nil
}

func (s *sqlStore) affected(res sql.Result, err error) (bool, error) {
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}
