package protocol

import "time"

// Room is a named collaboration session.
type Room struct {
	ID           string    `json:"id"`
	Name         string    `json:"name"`
	Description  string    `json:"description"`
	CreatedAt    time.Time `json:"created_at"`
	LastActivity time.Time `json:"last_activity"`
}

// Member is a connection currently joined to a room. Never persisted.
type Member struct {
	ID           string `json:"id"`
	Name         string `json:"name"`
	ConnectionID string `json:"connectionId"`
}

// Annotation is a labelled point placed by a user. A nil Z marks a 2D
// viewport annotation, a non-nil Z a 3D terrain annotation.
type Annotation struct {
	ID        int64     `json:"id"`
	RoomID    string    `json:"room_id"`
	UserID    string    `json:"user_id"`
	UserName  string    `json:"user_name"`
	Text      string    `json:"text"`
	X         float64   `json:"x"`
	Y         float64   `json:"y"`
	Z         *float64  `json:"z"`
	Timestamp time.Time `json:"timestamp"`

	// ClientRef echoes the provisional id of the originating client on
	// annotation-added; it is not stored.
	ClientRef int64 `json:"client_ref,omitempty"`
}

// Is3D reports whether the annotation carries a z coordinate.
func (a Annotation) Is3D() bool { return a.Z != nil }

// Overlay is a sized image rectangle placed by a user.
type Overlay struct {
	ID           int64     `json:"id"`
	RoomID       string    `json:"room_id"`
	UserID       string    `json:"user_id"`
	UserName     string    `json:"user_name"`
	ImagePath    string    `json:"image_path"`
	OriginalName string    `json:"original_name"`
	X            float64   `json:"x"`
	Y            float64   `json:"y"`
	Width        float64   `json:"width"`
	Height       float64   `json:"height"`
	Timestamp    time.Time `json:"timestamp"`

	ClientRef int64 `json:"client_ref,omitempty"`
}

// Float returns a pointer to v, handy for optional z coordinates.
func Float(v float64) *float64 { return &v }
