package chat

import (
	"context"
	"encoding/json"

	"chatnow/tools/errs"
)

type handlerFunc func(ctx context.Context, data json.RawMessage) error

// Dispatcher is a per-connection table of handlers keyed by event name.
// Reset drops every handler at once when the connection ends.
type Dispatcher struct {
	handlers map[string]handlerFunc
}

func NewDispatcher() *Dispatcher {
	return &Dispatcher{handlers: make(map[string]handlerFunc)}
}

func (d *Dispatcher) Register(event string, h handlerFunc) { d.handlers[event] = h }

func (d *Dispatcher) Dispatch(ctx context.Context, f *Frame) error {
	h, ok := d.handlers[f.Event]
	if !ok {
		return errs.ErrInvalidArgument.WrapMsg("unknown event", "event", f.Event)
	}
	return h(ctx, f.Data)
}

func (d *Dispatcher) Reset() { d.handlers = nil }

func (d *Dispatcher) Len() int { return len(d.handlers) }
