package ws

import (
	"context"
	"encoding/json"
	"errors"
	"sync"

	"github.com/go-playground/validator/v10"

	"roomcollabgo/pkg/protocol"
)

var ErrUnknownEvent = errors.New("unknown_event")

// badRequestError is a body that could not be decoded.
type badRequestError struct{ err error }

func (e *badRequestError) Error() string { return "bad request: " + e.err.Error() }
func (e *badRequestError) Unwrap() error { return e.err }

// invalidRequestError is a body that failed its validate tags.
type invalidRequestError struct {
	err       error
	clientRef int64
	targetID  int64
}

func (e *invalidRequestError) Error() string { return e.err.Error() }
func (e *invalidRequestError) Unwrap() error { return e.err }

// internal (untyped) handler signature.
type rawHandler func(ctx context.Context, c *ConnContext, body json.RawMessage) (any, error)

type route struct {
	handle rawHandler
	silent bool // no ack on success
}

// Router keeps a map[event]handler, à-la gin.Engine.
type Router struct {
	mu       sync.RWMutex
	handlers map[string]route
	validate *validator.Validate
}

func NewRouter() *Router {
	return &Router{
		handlers: make(map[string]route),
		validate: validator.New(),
	}
}

// Register binds an event to a strongly-typed handler. The decoded body is
// validated before the handler runs.
func Register[Req any, Res any](
	r *Router,
	event string,
	h func(ctx context.Context, c *ConnContext, req Req) (Res, error),
) {
	r.add(event, false, func(ctx context.Context, c *ConnContext, body json.RawMessage) (any, error) {
		req, err := decode[Req](r.validate, body)
		if err != nil {
			return nil, err
		}
		return h(ctx, c, req)
	})
}

// RegisterSilent binds a fire-and-forget event: failures are still
// reported, successes are not acknowledged.
func RegisterSilent[Req any](
	r *Router,
	event string,
	h func(ctx context.Context, c *ConnContext, req Req) error,
) {
	r.add(event, true, func(ctx context.Context, c *ConnContext, body json.RawMessage) (any, error) {
		req, err := decode[Req](r.validate, body)
		if err != nil {
			return nil, err
		}
		return nil, h(ctx, c, req)
	})
}

func (r *Router) add(event string, silent bool, h rawHandler) {
	if event == "" {
		panic("ws router: empty event")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[event] = route{handle: h, silent: silent}
}

func decode[Req any](v *validator.Validate, body json.RawMessage) (Req, error) {
	var req Req
	if len(body) > 0 {
		if err := json.Unmarshal(body, &req); err != nil {
			return req, &badRequestError{err: err}
		}
	}
	if err := v.Struct(req); err != nil {
		var invalid *validator.InvalidValidationError
		if errors.As(err, &invalid) {
			// not a struct, nothing to validate
			return req, nil
		}
		ie := &invalidRequestError{err: err}
		if ref, ok := any(req).(protocol.Referencer); ok {
			ie.clientRef, ie.targetID = ref.References()
		}
		return req, ie
	}
	return req, nil
}

// dispatch is called by the server's reader loop.
func (r *Router) dispatch(ctx context.Context, c *ConnContext, env protocol.Envelope) (any, bool, error) {
	r.mu.RLock()
	rt, ok := r.handlers[env.Event]
	r.mu.RUnlock()
	if !ok {
		return nil, false, ErrUnknownEvent
	}
	res, err := rt.handle(ctx, c, env.Body)
	return res, rt.silent, err
}
