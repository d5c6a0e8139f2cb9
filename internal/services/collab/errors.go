package collab

import (
	"errors"
	"fmt"

	"roomcollabgo/pkg/protocol"
)

var (
	ErrValidation       = errors.New("validation failed")
	ErrPermissionDenied = errors.New("permission denied")
	ErrNotJoined        = errors.New("not joined to a room")
	ErrNotFound         = errors.New("record not found")
	ErrPersistence      = errors.New("storage failure")
)

// OpError is a failed session operation. Kind is one of the sentinel errors
// above; Ref and TargetID tell the requester which optimistic change to undo.
type OpError struct {
	Kind     error
	Msg      string
	Ref      int64
	TargetID int64
	Err      error
}

func (e *OpError) Error() string {
	msg := e.Kind.Error()
	if e.Msg != "" {
		msg = e.Msg
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", msg, e.Err)
	}
	return msg
}

func (e *OpError) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

// Code maps the kind onto the wire error code.
func (e *OpError) Code() string {
	switch e.Kind {
	case ErrValidation:
		return protocol.CodeValidation
	case ErrPermissionDenied:
		return protocol.CodePermissionDenied
	case ErrNotJoined:
		return protocol.CodeNotJoined
	case ErrNotFound:
		return protocol.CodeNotFound
	default:
		return protocol.CodePersistence
	}
}

// Body is what the requester receives. Storage details stay in the log.
func (e *OpError) Body() protocol.ErrorBody {
	msg := e.Msg
	if msg == "" {
		msg = e.Kind.Error()
	}
	return protocol.ErrorBody{
		Code:     e.Code(),
		Error:    msg,
		Ref:      e.Ref,
		TargetID: e.TargetID,
	}
}

func validationErr(msg string, ref int64) *OpError {
	return &OpError{Kind: ErrValidation, Msg: msg, Ref: ref}
}

func persistenceErr(err error, ref, target int64) *OpError {
	return &OpError{Kind: ErrPersistence, Ref: ref, TargetID: target, Err: err}
}
