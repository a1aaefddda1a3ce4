// Package bus implements the dispatch core of SignalBus: monotonic message
// identity, mode-scoped routing, cycle-safe multi-hop fan-out, failure
// isolation, lifecycle broadcasts, and the lock/queue/replay wait primitive.
//
// All mutable shared state (the instance table, the active-mode pointer, the
// message-id counter) lives on an explicit Bus value constructed with New.
// There are no package-level registries; multiple independent buses can
// coexist in one process.
package bus

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/c360/signalbus/collector"
	"github.com/c360/signalbus/errors"
	"github.com/c360/signalbus/message"
	"github.com/c360/signalbus/metric"
	"github.com/c360/signalbus/mode"
	"github.com/c360/signalbus/node"
	"github.com/c360/signalbus/transport"
)

// ErrorSink receives every isolated handler failure. The default
// implementation is collector.Collector.
type ErrorSink interface {
	HandleError(ev collector.Event)
}

// ModeChange is the payload of the "mode.changing" system broadcast sent
// before a mode switch commits, so nodes can persist or flush per-mode
// state. From is empty on the first activation.
type ModeChange struct {
	From string `json:"from"`
	To   string `json:"to"`
}

// ModeChangingSignal is broadcast on the System channel before every mode
// switch (including re-activation of the current mode).
const ModeChangingSignal = "mode.changing"

// Options configures a Bus.
type Options struct {
	// Domain is the execution context this bus serves. Classes tagged
	// with a different domain are routed across the boundary transport
	// instead of locally.
	Domain node.Domain

	// Registry supplies class definitions. Required.
	Registry *node.Registry

	// Modes holds the wiring configurations. Created empty when nil.
	Modes *mode.Manager

	// Logger defaults to slog.Default().
	Logger *slog.Logger

	// Metrics enables routing metrics when non-nil.
	Metrics *metric.MetricsRegistry

	// Sink receives isolated handler failures. When nil, failures are
	// logged and counted but not forwarded.
	Sink ErrorSink

	// Boundary is the cross-domain channel. Optional; without one,
	// cross-domain targets are dropped with a warning.
	Boundary transport.Boundary
}

// Bus is the signal router for one execution context.
type Bus struct {
	domain   node.Domain
	registry *node.Registry
	modes    *mode.Manager
	logger   *slog.Logger
	metrics  *metric.Metrics
	sink     ErrorSink

	msgID atomic.Int64

	// mu guards everything below. Handlers never run while mu is held.
	mu             sync.Mutex
	instances      map[string]*node.Instance
	classInstances map[string][]string // class -> instance ids, registration order
	active         *mode.Resolved      // nil until the first SwitchMode
	queue          []job
	draining       bool
	locks          map[string]*lockState
	boundary       transport.Boundary
	closed         bool
}

// New creates a bus for the given execution domain.
func New(opts Options) (*Bus, error) {
	if opts.Registry == nil {
		return nil, errors.WrapInvalid(errors.ErrInvalidConfig, "Bus", "New", "registry validation")
	}
	if !opts.Domain.Valid() || opts.Domain == node.DomainShared {
		return nil, errors.WrapInvalid(
			fmt.Errorf("bus domain must be server or client, got %q", opts.Domain),
			"Bus", "New", "domain validation")
	}
	if opts.Modes == nil {
		opts.Modes = mode.NewManager()
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	b := &Bus{
		domain:         opts.Domain,
		registry:       opts.Registry,
		modes:          opts.Modes,
		logger:         opts.Logger.With("component", "bus", "domain", string(opts.Domain)),
		sink:           opts.Sink,
		instances:      make(map[string]*node.Instance),
		classInstances: make(map[string][]string),
		locks:          make(map[string]*lockState),
	}
	if opts.Metrics != nil {
		b.metrics = opts.Metrics.CoreMetrics()
	}
	if opts.Boundary != nil {
		b.AttachBoundary(opts.Boundary)
	}
	return b, nil
}

// Domain returns the execution context this bus serves.
func (b *Bus) Domain() node.Domain {
	return b.domain
}

// Registry returns the class registry.
func (b *Bus) Registry() *node.Registry {
	return b.registry
}

// Modes returns the mode manager.
func (b *Bus) Modes() *mode.Manager {
	return b.modes
}

// ActiveMode returns the active mode name, or "" before the first switch.
func (b *Bus) ActiveMode() string {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.active == nil {
		return ""
	}
	return b.active.Name
}

// AttachBoundary wires the cross-domain transport and registers the inbound
// callback.
func (b *Bus) AttachBoundary(bd transport.Boundary) {
	b.mu.Lock()
	b.boundary = bd
	b.mu.Unlock()

	bd.OnReceive(func(ctx context.Context, env transport.Envelope) {
		b.receiveFromBoundary(ctx, env)
	})
}

// Instantiate creates and tracks a live instance of a registered class.
//
// Cross-domain classes are silently skipped (returns nil, nil): a wiring
// table names classes from both contexts, and each side instantiates only
// its own. Unknown class and duplicate id are errors raised to the caller.
func (b *Bus) Instantiate(className, id string, attrs map[string]any) (*node.Instance, error) {
	domain, err := b.registry.Domain(className)
	if err != nil {
		return nil, err
	}
	if !domain.LocalTo(b.domain) {
		b.logger.Debug("skipping cross-domain instantiation", "class", className, "id", id)
		return nil, nil
	}

	inst, err := b.registry.NewInstance(className, id, attrs, b)
	if err != nil {
		return nil, err
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil, errors.WrapInvalid(errors.ErrShuttingDown, "Bus", "Instantiate", "shutdown check")
	}
	if _, exists := b.instances[id]; exists {
		return nil, errors.WrapInvalid(
			fmt.Errorf("%w: %s", errors.ErrDuplicateInstance, id),
			"Bus", "Instantiate", "duplicate id check")
	}

	b.instances[id] = inst
	b.classInstances[className] = append(b.classInstances[className], id)
	if b.metrics != nil {
		b.metrics.ActiveInstances.Inc()
	}
	return inst, nil
}

// Remove drops an instance from the table and releases its lock state.
// Queued messages for a removed instance are discarded with a warning.
func (b *Bus) Remove(id string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	inst, ok := b.instances[id]
	if !ok {
		return
	}
	delete(b.instances, id)

	class := inst.ClassName()
	ids := b.classInstances[class]
	for i, existing := range ids {
		if existing == id {
			b.classInstances[class] = append(ids[:i], ids[i+1:]...)
			break
		}
	}

	if ls, ok := b.locks[id]; ok {
		if n := len(ls.queued); n > 0 {
			b.logger.Warn("discarding queued messages for removed instance", "instance_id", id, "count", n)
			if b.metrics != nil {
				b.metrics.QueuedMessages.Sub(float64(n))
			}
		}
		delete(b.locks, id)
		if b.metrics != nil {
			b.metrics.LockedInstances.Dec()
		}
	}

	if b.metrics != nil {
		b.metrics.ActiveInstances.Dec()
	}
}

// Instance returns a live instance by id, or nil.
func (b *Bus) Instance(id string) *node.Instance {
	b.mu.Lock()
	defer b.mu.Unlock()

	return b.instances[id]
}

// Instances returns all live instance ids of a class, in creation order.
func (b *Bus) Instances(className string) []string {
	b.mu.Lock()
	defer b.mu.Unlock()

	return append([]string(nil), b.classInstances[className]...)
}

// AllInstances returns every live instance id across classes, in creation
// order per class. Class iteration order is unspecified.
func (b *Bus) AllInstances() []string {
	b.mu.Lock()
	defer b.mu.Unlock()

	return b.allInstancesLocked()
}

func (b *Bus) allInstancesLocked() []string {
	ids := make([]string, 0, len(b.instances))
	for _, classIDs := range b.classInstances {
		ids = append(ids, classIDs...)
	}
	return ids
}

// SwitchMode activates a named mode:
//
//  1. broadcasts the "mode.changing" system signal to every live instance
//  2. applies the mode's attribute overlays to instances of affected classes
//  3. commits the mode as active
//
// Switching to an undefined mode is an error raised to the caller.
// Switching to the already-active mode is a no-op for routing but still
// performs steps 1 and 2, so reconfiguration is idempotent.
func (b *Bus) SwitchMode(ctx context.Context, name string) error {
	resolved, err := b.modes.Resolve(name)
	if err != nil {
		return errors.Wrap(err, "Bus", "SwitchMode", "mode resolution")
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return errors.WrapInvalid(errors.ErrShuttingDown, "Bus", "SwitchMode", "shutdown check")
	}
	b.mu.Unlock()

	from := b.ActiveMode()
	msg := message.New(b.NextMessageID(), ModeChangingSignal, ModeChange{From: from, To: name}, "")
	if b.metrics != nil {
		b.metrics.Broadcasts.Inc()
	}
	// Delivered synchronously, not through the dispatch queue: a handler
	// that triggers a switch mid-drain would otherwise observe the overlay
	// and the commit before the notification, leaving nodes no window to
	// persist or flush per-mode state.
	b.broadcastNow(ctx, msg)

	b.mu.Lock()
	for class, attrs := range resolved.Attributes {
		for _, id := range b.classInstances[class] {
			b.instances[id].ApplyAttributes(attrs)
		}
	}
	b.active = resolved
	b.mu.Unlock()

	b.logger.Info("mode switched", "from", from, "to", name)
	return nil
}

// Close stops accepting new sends. Queued work already accepted is still
// drained by whichever goroutine holds the drain.
func (b *Bus) Close(_ context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.closed = true
	return nil
}
