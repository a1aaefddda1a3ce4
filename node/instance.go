package node

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/c360/signalbus/errors"
	"github.com/c360/signalbus/message"
)

// Instance is a live node created from exactly one class. Attribute storage
// is private to the instance; other instances communicate with it
// exclusively through signals, never through shared references.
type Instance struct {
	id   string
	flat *flattened

	mu    sync.RWMutex
	attrs map[string]any

	sender Sender
}

// ID returns the globally unique instance id.
func (i *Instance) ID() string {
	return i.id
}

// ClassName returns the name of the class this instance was created from.
func (i *Instance) ClassName() string {
	return i.flat.class.Name
}

// Domain returns the execution-context tag of the instance's class.
func (i *Instance) Domain() Domain {
	return i.flat.domain
}

// GetAttribute returns the value for key and whether it is present.
func (i *Instance) GetAttribute(key string) (any, bool) {
	i.mu.RLock()
	defer i.mu.RUnlock()

	v, ok := i.attrs[key]
	return v, ok
}

// SetAttribute stores a value. Setting triggers no implicit side effects;
// observers subscribe via signals, not attribute watching.
func (i *Instance) SetAttribute(key string, value any) {
	i.mu.Lock()
	defer i.mu.Unlock()

	i.attrs[key] = value
}

// GetAllAttributes returns a copy of the attribute store.
func (i *Instance) GetAllAttributes() map[string]any {
	i.mu.RLock()
	defer i.mu.RUnlock()

	out := make(map[string]any, len(i.attrs))
	for k, v := range i.attrs {
		out[k] = v
	}
	return out
}

// ApplyAttributes overlays the given attributes onto the store, key by key.
// Used by the bus when a mode's attribute overlay is activated.
func (i *Instance) ApplyAttributes(attrs map[string]any) {
	i.mu.Lock()
	defer i.mu.Unlock()

	for k, v := range attrs {
		i.attrs[k] = v
	}
}

// ResolveHandler finds the implementation for a handler name on a channel.
// modeChain is the active mode followed by its base modes, outermost first;
// pass nil when no mode is active.
//
// Resolution order: mode-specific override for the active mode, then the
// override chain of its base modes, then the class's unscoped handler, then
// the flattened default. ErrHandlerNotFound is non-fatal; the caller decides
// whether absence is an error or an expected optional hook.
func (i *Instance) ResolveHandler(channel Channel, handler string, modeChain []string) (HandlerFunc, error) {
	for _, mode := range modeChain {
		if channels, ok := i.flat.overrides[mode]; ok {
			if fn, ok := channels[channel][handler]; ok {
				return fn, nil
			}
		}
	}
	if fn, ok := i.flat.handlers[channel][handler]; ok {
		return fn, nil
	}
	if fn, ok := i.flat.defaults[channel][handler]; ok {
		return fn, nil
	}
	return nil, errors.Wrap(
		fmt.Errorf("%w: %s/%s on class %s", errors.ErrHandlerNotFound, channel, handler, i.flat.class.Name),
		"Instance", "ResolveHandler", "handler lookup")
}

// HasHandler reports whether the handler resolves on the given channel for
// the given mode chain.
func (i *Instance) HasHandler(channel Channel, handler string, modeChain []string) bool {
	_, err := i.ResolveHandler(channel, handler, modeChain)
	return err == nil
}

// Emit routes a signal from this instance through the active wiring.
func (i *Instance) Emit(ctx context.Context, signal string, payload any) error {
	return i.sender.Send(ctx, i.id, signal, payload)
}

// EmitTo routes a signal directly to one target instance, bypassing wiring.
func (i *Instance) EmitTo(ctx context.Context, targetID, signal string, payload any) error {
	return i.sender.SendTo(ctx, i.id, targetID, signal, payload)
}

// Forward re-routes a message this instance is handling through its own
// wiring, keeping the message id and visited set so routing cycles are
// detected across hops. Use Emit instead to start a fresh propagation.
func (i *Instance) Forward(ctx context.Context, msg *message.Message) error {
	return i.sender.Forward(ctx, i.id, msg)
}

// ForwardTo hands a message this instance is handling directly to one target,
// bypassing wiring but keeping the message id and visited set. Use EmitTo
// instead to start a fresh propagation.
func (i *Instance) ForwardTo(ctx context.Context, targetID string, msg *message.Message) error {
	return i.sender.ForwardTo(ctx, i.id, targetID, msg)
}

// WaitFor locks this instance until the awaited signal arrives or the
// timeout elapses. See Sender.WaitFor for queuing semantics. Must be called
// from a node-owned goroutine, never from inside a dispatched handler.
func (i *Instance) WaitFor(ctx context.Context, signal string, timeout time.Duration) (*message.Message, bool) {
	return i.sender.WaitFor(ctx, i.id, signal, timeout)
}
