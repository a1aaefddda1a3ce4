// Package node defines node classes, their inheritance contracts, and live
// node instances.
//
// A Class is an immutable template: named handlers grouped into channels
// (System, Input, Error), declared Output signals, a required-handler
// contract inherited down the extension chain, and optional per-mode handler
// overrides. The Registry flattens the extension chain once at registration
// time, so handler resolution never walks parent pointers at dispatch time.
package node

import (
	"context"
	"strings"
	"time"

	"github.com/c360/signalbus/message"
)

// Domain is an abstract execution-context tag. It determines whether routing
// to a class is local or must cross the boundary transport. It is not a
// network distinction.
type Domain string

const (
	// DomainServer tags classes that live in the server-side context
	DomainServer Domain = "server"
	// DomainClient tags classes that live in the client-side context
	DomainClient Domain = "client"
	// DomainShared tags classes present in every context
	DomainShared Domain = "shared"
)

// Valid reports whether d is one of the known domain tags.
func (d Domain) Valid() bool {
	switch d {
	case DomainServer, DomainClient, DomainShared:
		return true
	}
	return false
}

// LocalTo reports whether instances of this domain run inside ctx.
// Shared classes are present in every context.
func (d Domain) LocalTo(ctx Domain) bool {
	return d == ctx || d == DomainShared
}

// Channel is a named group of handlers on a node.
type Channel string

const (
	// ChannelSystem carries lifecycle hooks (init, start, stop, mode changes)
	ChannelSystem Channel = "system"
	// ChannelInput carries wired signal deliveries from other classes
	ChannelInput Channel = "input"
	// ChannelOutput declares the signals a class emits
	ChannelOutput Channel = "output"
	// ChannelError carries error notifications delivered to the node itself
	ChannelError Channel = "error"
)

// HandlerFunc is a channel handler invoked by the bus. Handlers must run to
// completion quickly; they are never preempted. A returned error is isolated
// by the router and forwarded to the error collector, never propagated to
// the sender.
type HandlerFunc func(ctx context.Context, inst *Instance, msg *message.Message) error

// HandlerSet maps handler names to implementations.
type HandlerSet map[string]HandlerFunc

// ModeOverride is an alternate handler set selected when a given mode is
// active. Handlers not present in the override fall through to the base-mode
// override chain and then to the class's unscoped handlers.
type ModeOverride struct {
	System HandlerSet
	Input  HandlerSet
	Error  HandlerSet
}

// channel returns the override set for the given channel.
func (o ModeOverride) channel(ch Channel) HandlerSet {
	switch ch {
	case ChannelSystem:
		return o.System
	case ChannelInput:
		return o.Input
	case ChannelError:
		return o.Error
	}
	return nil
}

// Class is an immutable node type definition. Register it with a Registry
// before instantiating. A class extending another inherits the parent's
// handlers, defaults, declared outputs, and required-handler contract.
type Class struct {
	// Name uniquely identifies the class within a registry.
	Name string

	// Domain tags the execution context this class belongs to.
	Domain Domain

	// Extends names the parent class, which must already be registered.
	Extends string

	// System, Input and Error are the class's own (unscoped) handler sets.
	System HandlerSet
	Input  HandlerSet
	Error  HandlerSet

	// Outputs declares the signal names this class emits.
	Outputs []string

	// Required is the contract this class imposes on itself and every
	// descendant: per channel, the handler names that must have an
	// implementation or a default somewhere in the chain.
	Required map[Channel][]string

	// Defaults supplies fallback implementations for required handlers,
	// inherited by descendants.
	Defaults map[Channel]HandlerSet

	// ModeOverrides holds alternate handler sets keyed by mode name.
	ModeOverrides map[string]ModeOverride
}

// channel returns the class's own handler set for the given channel.
func (c *Class) channel(ch Channel) HandlerSet {
	switch ch {
	case ChannelSystem:
		return c.System
	case ChannelInput:
		return c.Input
	case ChannelError:
		return c.Error
	}
	return nil
}

// Sender is the bus surface a node instance uses to communicate. Instances
// never hold references to each other; all cross-instance communication goes
// through these methods.
type Sender interface {
	// Send routes a signal from the source instance through the active
	// wiring to every instance of every wired target class.
	Send(ctx context.Context, sourceID, signal string, payload any) error

	// SendTo routes a signal directly to one instance, bypassing wiring.
	SendTo(ctx context.Context, sourceID, targetID, signal string, payload any) error

	// Forward re-routes an in-flight message through the source's wiring
	// under the message's existing id, keeping cycle tracking intact
	// across hops.
	Forward(ctx context.Context, sourceID string, msg *message.Message) error

	// ForwardTo delivers an in-flight message directly to one instance
	// under the message's existing id, bypassing wiring while keeping
	// cycle tracking intact across hops.
	ForwardTo(ctx context.Context, sourceID, targetID string, msg *message.Message) error

	// WaitFor locks the instance until a message with the awaited signal
	// arrives or the timeout elapses. While locked, inbound messages are
	// queued and replayed in receipt order after the wait resolves. A
	// timeout is reported as (nil, false), not as an error.
	WaitFor(ctx context.Context, instanceID, signal string, timeout time.Duration) (*message.Message, bool)
}

// HandlerName derives the handler identifier for a signal name using the
// fixed naming rule: "fired" becomes "OnFired", "mode.changing" becomes
// "OnModeChanging". Separators are '.', '_' and '-'.
func HandlerName(signal string) string {
	var b strings.Builder
	b.Grow(len(signal) + 2)
	b.WriteString("On")

	upperNext := true
	for _, r := range signal {
		switch r {
		case '.', '_', '-':
			upperNext = true
		default:
			if upperNext {
				b.WriteString(strings.ToUpper(string(r)))
				upperNext = false
			} else {
				b.WriteRune(r)
			}
		}
	}
	return b.String()
}
