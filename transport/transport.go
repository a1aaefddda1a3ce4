// Package transport defines the abstract cross-boundary channel between two
// execution domains, plus two implementations: an in-process Loopback pair
// and a NATS-backed bridge.
//
// The router hands a message to the boundary exactly once per distinct
// target domain per send; fan-out on the remote side is the remote router's
// responsibility. The wire format is an implementation detail of each
// bridge; the only contract is reliable delivery with per-sender ordering.
package transport

import (
	"context"

	"github.com/c360/signalbus/node"
)

// Envelope carries one signal across the boundary.
type Envelope struct {
	// ID identifies the envelope for tracing. Not a message id; each
	// side mints its own monotonic message ids.
	ID string `json:"id"`

	// SourceClass is the class that emitted the signal on the far side.
	SourceClass string `json:"source_class"`

	// Signal and Payload are the routed signal as the sender emitted it.
	Signal  string `json:"signal"`
	Payload any    `json:"payload,omitempty"`

	// SourceDomain and TargetDomain tag the two execution contexts.
	SourceDomain node.Domain `json:"source_domain"`
	TargetDomain node.Domain `json:"target_domain"`
}

// Receiver is the inbound callback a bus registers with its boundary. It
// re-enters the router's dispatch exactly as a local send would, scoped to
// instances whose domain matches the receiving side.
type Receiver func(ctx context.Context, env Envelope)

// Boundary is the abstract cross-boundary channel.
type Boundary interface {
	// SendAcrossBoundary delivers one envelope to the target domain.
	// Delivery is reliable and order is preserved per sender.
	SendAcrossBoundary(ctx context.Context, env Envelope) error

	// OnReceive registers the inbound callback. Must be called before
	// any traffic flows.
	OnReceive(fn Receiver)

	// Close releases the channel's resources.
	Close(ctx context.Context) error
}
