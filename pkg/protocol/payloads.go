package protocol

// ──────────────────────────── Requests ─────────────────────────────────────

// JoinRoomRequest is the body of "join-room".
type JoinRoomRequest struct {
	RoomID   string `json:"roomId"   validate:"required,max=64"`
	UserName string `json:"userName" validate:"required,max=64"`
	UserID   string `json:"userId"   validate:"max=64"`
}

// AddAnnotationRequest is the body of "add-annotation". RoomID, UserID and
// UserName are informative only; the server uses the connection's identity.
type AddAnnotationRequest struct {
	RoomID    string   `json:"roomId,omitempty"`
	UserID    string   `json:"userId,omitempty"`
	UserName  string   `json:"userName,omitempty"`
	Text      string   `json:"text"      validate:"required,max=1024"`
	X         float64  `json:"x"`
	Y         float64  `json:"y"`
	Z         *float64 `json:"z,omitempty"`
	ClientRef int64    `json:"clientRef,omitempty"`
}

// AddOverlayRequest is the body of "add-overlay".
type AddOverlayRequest struct {
	RoomID       string  `json:"roomId,omitempty"`
	UserID       string  `json:"userId,omitempty"`
	UserName     string  `json:"userName,omitempty"`
	ImagePath    string  `json:"imagePath"    validate:"required,max=512"`
	OriginalName string  `json:"originalName" validate:"max=255"`
	X            float64 `json:"x"`
	Y            float64 `json:"y"`
	Width        float64 `json:"width"  validate:"gt=0"`
	Height       float64 `json:"height" validate:"gt=0"`
	ClientRef    int64   `json:"clientRef,omitempty"`
}

// ──────────────── Requests that are echoed back as events ──────────────────

// AnnotationRef is the body of "remove-annotation" and "annotation-removed".
type AnnotationRef struct {
	AnnotationID int64  `json:"annotationId" validate:"gt=0"`
	RoomID       string `json:"roomId,omitempty"`
}

// OverlayRef is the body of "remove-overlay" and "overlay-removed".
type OverlayRef struct {
	OverlayID int64  `json:"overlayId" validate:"gt=0"`
	RoomID    string `json:"roomId,omitempty"`
}

// AnnotationPosition is the body of "update-annotation-position" and
// "annotation-position-updated".
type AnnotationPosition struct {
	AnnotationID int64   `json:"annotationId" validate:"gt=0"`
	RoomID       string  `json:"roomId,omitempty"`
	X            float64 `json:"x"`
	Y            float64 `json:"y"`
}

// OverlayPosition is the body of "update-overlay-position" and
// "overlay-position-updated".
type OverlayPosition struct {
	OverlayID int64   `json:"overlayId" validate:"gt=0"`
	RoomID    string  `json:"roomId,omitempty"`
	X         float64 `json:"x"`
	Y         float64 `json:"y"`
}

// OverlaySize is the body of "update-overlay-size" and "overlay-size-updated".
type OverlaySize struct {
	OverlayID int64   `json:"overlayId" validate:"gt=0"`
	RoomID    string  `json:"roomId,omitempty"`
	Width     float64 `json:"width"  validate:"gt=0"`
	Height    float64 `json:"height" validate:"gt=0"`
}

// Position is a 2D viewport position (pan + zoom). The server stamps
// UserID/UserName before relaying it.
type Position struct {
	UserID   string  `json:"userId,omitempty"`
	UserName string  `json:"userName,omitempty"`
	X        float64 `json:"x"`
	Y        float64 `json:"y"`
	Zoom     float64 `json:"zoom"`
}

// Position3D is a 3D camera position plus orientation.
type Position3D struct {
	UserID   string  `json:"userId,omitempty"`
	UserName string  `json:"userName,omitempty"`
	X        float64 `json:"x"`
	Y        float64 `json:"y"`
	Z        float64 `json:"z"`
	Pitch    float64 `json:"pitch"`
	Yaw      float64 `json:"yaw"`
}

// ──────────────────────────── Events ───────────────────────────────────────

// MembershipChange is the body of "user-joined" and "user-left".
type MembershipChange struct {
	User        Member   `json:"user"`
	ActiveUsers []Member `json:"activeUsers"`
}

// RoomFull is sent to a requester whose join exceeded the room capacity.
type RoomFull struct {
	FullRoomID      string `json:"fullRoomId"`
	SuggestedRoomID string `json:"suggestedRoomId"`
	CurrentCapacity int    `json:"currentCapacity"`
	MaxCapacity     int    `json:"maxCapacity"`
}

// ──────────────────────────── Acks / errors ────────────────────────────────

// JoinAck is the body of "join-room-ack".
type JoinAck struct {
	RoomID string `json:"roomId"`
	User   Member `json:"user"`
}

// AnnotationAck maps the requester's provisional id to the stored record.
type AnnotationAck struct {
	ClientRef  int64      `json:"clientRef"`
	Annotation Annotation `json:"annotation"`
}

// OverlayAck maps the requester's provisional id to the stored record.
type OverlayAck struct {
	ClientRef int64   `json:"clientRef"`
	Overlay   Overlay `json:"overlay"`
}

// ErrorBody is returned for failures. Ref carries the provisional id of a
// failed add, TargetID the record a failed remove/update referred to.
type ErrorBody struct {
	Code     string `json:"code,omitempty"`
	Error    string `json:"error"`
	Ref      int64  `json:"ref,omitempty"`
	TargetID int64  `json:"targetId,omitempty"`
}

// Error codes carried in ErrorBody.Code.
const (
	CodeValidation       = "validation_error"
	CodePermissionDenied = "permission_denied"
	CodeNotJoined        = "not_joined"
	CodeNotFound         = "not_found"
	CodePersistence      = "persistence_error"
	CodeUnknownEvent     = "unknown_event"
	CodeBadRequest       = "bad_request"
)

// Referencer is implemented by requests that name an optimistic change, so
// a rejection can tell the client which change to undo.
type Referencer interface {
	References() (clientRef, targetID int64)
}

func (r AddAnnotationRequest) References() (int64, int64) { return r.ClientRef, 0 }
func (r AddOverlayRequest) References() (int64, int64)    { return r.ClientRef, 0 }
func (r AnnotationRef) References() (int64, int64)        { return 0, r.AnnotationID }
func (r OverlayRef) References() (int64, int64)           { return 0, r.OverlayID }
func (r AnnotationPosition) References() (int64, int64)   { return 0, r.AnnotationID }
func (r OverlayPosition) References() (int64, int64)      { return 0, r.OverlayID }
func (r OverlaySize) References() (int64, int64)          { return 0, r.OverlayID }
