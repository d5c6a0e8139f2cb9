package protocol

import "encoding/json"

// Client → server requests.
const (
	EventJoinRoom                 = "join-room"
	EventLeaveRoom                = "leave-room"
	EventPositionUpdate           = "position-update"
	EventPositionUpdate3D         = "position-update-3d"
	EventAddAnnotation            = "add-annotation"
	EventRemoveAnnotation         = "remove-annotation"
	EventAddOverlay               = "add-overlay"
	EventRemoveOverlay            = "remove-overlay"
	EventUpdateAnnotationPosition = "update-annotation-position"
	EventUpdateOverlayPosition    = "update-overlay-position"
	EventUpdateOverlaySize        = "update-overlay-size"
)

// Server → client events.
const (
	EventExistingAnnotations       = "existing-annotations"
	EventExistingOverlays          = "existing-overlays"
	EventUserJoined                = "user-joined"
	EventUserLeft                  = "user-left"
	EventRoomFull                  = "room-full"
	EventAnnotationAdded           = "annotation-added"
	EventAnnotationRemoved         = "annotation-removed"
	EventOverlayAdded              = "overlay-added"
	EventOverlayRemoved            = "overlay-removed"
	EventAnnotationPositionUpdated = "annotation-position-updated"
	EventOverlayPositionUpdated    = "overlay-position-updated"
	EventOverlaySizeUpdated        = "overlay-size-updated"

	// EventError is sent for frames that could not be routed at all.
	EventError = "error"
)

const (
	ackSuffix   = "-ack"
	errorSuffix = "-error"
)

// AckEvent returns the acknowledgement event name for a request, e.g. "add-annotation-ack".
func AckEvent(request string) string { return request + ackSuffix }

// ErrorEvent returns the operation specific error event name, e.g. "add-annotation-error".
func ErrorEvent(request string) string { return request + errorSuffix }

// Envelope wraps every WS frame.
type Envelope struct {
	Event string          `json:"event"`          // e.g. "annotation-added"
	Body  json.RawMessage `json:"body,omitempty"` // arbitrary JSON value
}

// Encode marshals body and wraps it into a ready to send frame.
func Encode(event string, body any) ([]byte, error) {
	env := Envelope{Event: event}
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return nil, err
		}
		env.Body = raw
	}
	return json.Marshal(env)
}

// Decode unmarshals the body of env into v.
func (env Envelope) Decode(v any) error {
	if len(env.Body) == 0 {
		return nil
	}
	return json.Unmarshal(env.Body, v)
}
