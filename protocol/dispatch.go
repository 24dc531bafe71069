package protocol

import (
	"context"
	"fmt"
	"sort"
)

// Handler produces the response for one or more trigger events.
type Handler interface {
	Triggers() []string
	Handle(ctx context.Context, request *Message) (*Message, error)
}

type handlerFunc struct {
	triggers []string
	fn       func(ctx context.Context, request *Message) (*Message, error)
}

func (h handlerFunc) Triggers() []string { return h.triggers }

func (h handlerFunc) Handle(ctx context.Context, request *Message) (*Message, error) {
	return h.fn(ctx, request)
}

// HandlerFunc adapts a function to a Handler registered for triggers.
func HandlerFunc(fn func(ctx context.Context, request *Message) (*Message, error), triggers ...string) Handler {
	return handlerFunc{triggers: triggers, fn: fn}
}

// Dispatcher routes requests to handlers by trigger event.
type Dispatcher struct {
	handlers map[string]Handler
}

// NewDispatcher indexes every trigger of every handler; the first handler to
// claim a trigger keeps it.
func NewDispatcher(handlers ...Handler) *Dispatcher {
	d := &Dispatcher{handlers: make(map[string]Handler)}
	for _, handler := range handlers {
		if handler == nil {
			continue
		}
		for _, trigger := range handler.Triggers() {
			if _, exists := d.handlers[trigger]; exists {
				continue
			}
			d.handlers[trigger] = handler
		}
	}
	return d
}

// Execute runs the handler registered for request.Trigger synchronously.
func (d *Dispatcher) Execute(ctx context.Context, request *Message) (*Message, error) {
	if request == nil {
		return nil, fmt.Errorf("%w: nil request", ErrUnsupportedTrigger)
	}
	handler, ok := d.handlers[request.Trigger]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedTrigger, request.Trigger)
	}
	return handler.Handle(ctx, request)
}

// Supports reports whether a handler is registered for trigger.
func (d *Dispatcher) Supports(trigger string) bool {
	_, ok := d.handlers[trigger]
	return ok
}

// Triggers returns the registered trigger events in sorted order.
func (d *Dispatcher) Triggers() []string {
	out := make([]string, 0, len(d.handlers))
	for trigger := range d.handlers {
		out = append(out, trigger)
	}
	sort.Strings(out)
	return out
}
