package ws

import (
	"roomcollabgo/internal/services/collab"
)

// ConnContext is handed to every event handler.
type ConnContext struct {
	ConnID  string
	Session *collab.Session
}

// AckBody is the empty acknowledgement body.
type AckBody struct{}
