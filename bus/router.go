package bus

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/c360/signalbus/collector"
	"github.com/c360/signalbus/errors"
	"github.com/c360/signalbus/message"
	"github.com/c360/signalbus/node"
	"github.com/c360/signalbus/transport"
)

// jobKind discriminates queued dispatch work.
type jobKind int

const (
	// jobRoute fans a message out through the active wiring.
	jobRoute jobKind = iota
	// jobDirect delivers to one explicit target, bypassing wiring.
	jobDirect
	// jobBroadcast delivers to every live instance's System channel.
	jobBroadcast
	// jobInbound fans out a message that arrived from another domain.
	jobInbound
	// jobReplay re-delivers a message queued behind a lock. Cycle
	// tracking already happened when the message was queued.
	jobReplay
)

type job struct {
	kind        jobKind
	msg         *message.Message
	sourceClass string // jobInbound: emitting class on the far side
	routeFrom   string // jobRoute: instance whose wiring is fanned out
	targetID    string // jobDirect, jobReplay
}

// NextMessageID returns a strictly increasing message id, safe under
// re-entrant sends: a handler that sends while being invoked gets a
// different id than its own triggering message. No two calls within the
// same process ever return the same value.
func (b *Bus) NextMessageID() int64 {
	return b.msgID.Add(1)
}

// Send routes a signal from the source instance through the active wiring
// to every instance of every wired target class.
//
// Dispatch is synchronous and re-entrant: handlers invoked here may call
// Send again before returning; their signals are appended to an explicit
// FIFO work queue drained to completion before the outer Send returns.
// Signals sent by the same handler in sequence are delivered to the router
// in that sequence.
//
// Only configuration mistakes (unknown source, shut-down bus) are returned
// as errors; everything that happens during message flow is isolated and
// reported through the error collector.
func (b *Bus) Send(ctx context.Context, sourceID, signal string, payload any) error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return errors.WrapInvalid(errors.ErrShuttingDown, "Bus", "Send", "shutdown check")
	}
	if _, ok := b.instances[sourceID]; !ok {
		b.mu.Unlock()
		return errors.WrapInvalid(
			fmt.Errorf("%w: %s", errors.ErrInstanceNotFound, sourceID),
			"Bus", "Send", "source lookup")
	}
	b.mu.Unlock()

	msg := message.New(b.NextMessageID(), signal, payload, sourceID)
	msg.MarkVisited(sourceID)
	if b.metrics != nil {
		b.metrics.MessagesRouted.Inc()
	}
	b.submit(ctx, job{kind: jobRoute, msg: msg, routeFrom: sourceID})
	return nil
}

// Forward re-routes an in-flight message through the forwarding instance's
// wiring under the message's existing id, so cycle tracking spans the whole
// multi-hop propagation: an instance the message already visited (including
// its original sender) is dropped with a warning instead of re-entered.
func (b *Bus) Forward(ctx context.Context, sourceID string, msg *message.Message) error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return errors.WrapInvalid(errors.ErrShuttingDown, "Bus", "Forward", "shutdown check")
	}
	if _, ok := b.instances[sourceID]; !ok {
		b.mu.Unlock()
		return errors.WrapInvalid(
			fmt.Errorf("%w: %s", errors.ErrInstanceNotFound, sourceID),
			"Bus", "Forward", "source lookup")
	}
	b.mu.Unlock()

	if msg == nil {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "Bus", "Forward", "message validation")
	}

	b.submit(ctx, job{kind: jobRoute, msg: msg, routeFrom: sourceID})
	return nil
}

// ForwardTo delivers an in-flight message directly to one instance under the
// message's existing id and visited set, bypassing wiring. A target the
// message already visited (including its original sender) is dropped as a
// cycle, the same as a wired hop.
func (b *Bus) ForwardTo(ctx context.Context, sourceID, targetID string, msg *message.Message) error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return errors.WrapInvalid(errors.ErrShuttingDown, "Bus", "ForwardTo", "shutdown check")
	}
	if _, ok := b.instances[sourceID]; !ok {
		b.mu.Unlock()
		return errors.WrapInvalid(
			fmt.Errorf("%w: %s", errors.ErrInstanceNotFound, sourceID),
			"Bus", "ForwardTo", "source lookup")
	}
	if _, ok := b.instances[targetID]; !ok {
		b.mu.Unlock()
		return errors.WrapInvalid(
			fmt.Errorf("%w: %s", errors.ErrInstanceNotFound, targetID),
			"Bus", "ForwardTo", "target lookup")
	}
	b.mu.Unlock()

	if msg == nil {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "Bus", "ForwardTo", "message validation")
	}

	b.submit(ctx, job{kind: jobDirect, msg: msg, targetID: targetID})
	return nil
}

// SendTo routes a signal directly to one instance, bypassing wiring. The
// delivery participates in cycle tracking under a freshly minted message id.
func (b *Bus) SendTo(ctx context.Context, sourceID, targetID, signal string, payload any) error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return errors.WrapInvalid(errors.ErrShuttingDown, "Bus", "SendTo", "shutdown check")
	}
	if _, ok := b.instances[sourceID]; !ok {
		b.mu.Unlock()
		return errors.WrapInvalid(
			fmt.Errorf("%w: %s", errors.ErrInstanceNotFound, sourceID),
			"Bus", "SendTo", "source lookup")
	}
	if _, ok := b.instances[targetID]; !ok {
		b.mu.Unlock()
		return errors.WrapInvalid(
			fmt.Errorf("%w: %s", errors.ErrInstanceNotFound, targetID),
			"Bus", "SendTo", "target lookup")
	}
	b.mu.Unlock()

	msg := message.New(b.NextMessageID(), signal, payload, sourceID)
	msg.MarkVisited(sourceID)
	if b.metrics != nil {
		b.metrics.MessagesRouted.Inc()
	}
	b.submit(ctx, job{kind: jobDirect, msg: msg, targetID: targetID})
	return nil
}

// Broadcast delivers a signal to every live instance's System channel,
// unconditionally: wiring is ignored and cycle detection does not apply
// (lifecycle broadcasts are not user routing). Instances without a matching
// handler are skipped silently; System hooks are optional.
func (b *Bus) Broadcast(ctx context.Context, signal string, payload any) error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return errors.WrapInvalid(errors.ErrShuttingDown, "Bus", "Broadcast", "shutdown check")
	}
	b.mu.Unlock()

	msg := message.New(b.NextMessageID(), signal, payload, "")
	if b.metrics != nil {
		b.metrics.Broadcasts.Inc()
	}
	b.submit(ctx, job{kind: jobBroadcast, msg: msg})
	return nil
}

// SystemSignal delivers a lifecycle signal to one instance's System channel,
// synchronously and outside wiring, cycle tracking, and the lock queue. An
// absent handler is not an error; System hooks are optional. Used by the
// lifecycle orchestrator for per-instance init/start/stop.
func (b *Bus) SystemSignal(ctx context.Context, targetID, signal string, payload any) error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return errors.WrapInvalid(errors.ErrShuttingDown, "Bus", "SystemSignal", "shutdown check")
	}
	inst, ok := b.instances[targetID]
	if !ok {
		b.mu.Unlock()
		return errors.WrapInvalid(
			fmt.Errorf("%w: %s", errors.ErrInstanceNotFound, targetID),
			"Bus", "SystemSignal", "target lookup")
	}
	modeChain := b.modeChainLocked()
	b.mu.Unlock()

	msg := message.New(b.NextMessageID(), signal, payload, "")

	handlerName := b.registry.HandlerNameFor(inst.ClassName(), signal)
	fn, err := inst.ResolveHandler(node.ChannelSystem, handlerName, modeChain)
	if err != nil {
		return nil
	}
	b.invoke(ctx, inst, handlerName, fn, msg)
	return nil
}

// receiveFromBoundary re-enters dispatch for a message that crossed the
// boundary, scoped to instances local to this side.
func (b *Bus) receiveFromBoundary(ctx context.Context, env transport.Envelope) {
	if env.TargetDomain != "" && env.TargetDomain != b.domain {
		b.logger.Warn("dropping envelope for foreign domain",
			"target_domain", string(env.TargetDomain), "signal", env.Signal)
		return
	}

	msg := message.New(b.NextMessageID(), env.Signal, env.Payload, "")
	if b.metrics != nil {
		b.metrics.MessagesRouted.Inc()
	}
	b.submit(ctx, job{kind: jobInbound, msg: msg, sourceClass: env.SourceClass})
}

// submit appends jobs to the dispatch queue and drains it unless another
// goroutine already holds the drain. The drain holder processes everything,
// including work enqueued re-entrantly by handlers, so there is a single
// logical thread of dispatch per bus.
func (b *Bus) submit(ctx context.Context, jobs ...job) {
	b.mu.Lock()
	b.queue = append(b.queue, jobs...)
	if b.draining {
		b.mu.Unlock()
		return
	}
	b.draining = true
	b.mu.Unlock()

	b.drain(ctx)
}

func (b *Bus) drain(ctx context.Context) {
	for {
		b.mu.Lock()
		if len(b.queue) == 0 {
			b.draining = false
			b.mu.Unlock()
			return
		}
		j := b.queue[0]
		b.queue = b.queue[1:]
		b.mu.Unlock()

		b.process(ctx, j)
	}
}

func (b *Bus) process(ctx context.Context, j job) {
	switch j.kind {
	case jobRoute:
		b.mu.Lock()
		source, ok := b.instances[j.routeFrom]
		b.mu.Unlock()
		if !ok {
			b.logger.Warn("source instance removed before dispatch", "instance_id", j.routeFrom)
			return
		}
		b.fanOut(ctx, source.ClassName(), j.msg, true)

	case jobInbound:
		// Fan-out on behalf of a remote sender; never re-forwarded
		// across the boundary.
		b.fanOut(ctx, j.sourceClass, j.msg, false)

	case jobDirect:
		b.deliver(ctx, j.targetID, j.msg, false)

	case jobReplay:
		b.deliver(ctx, j.targetID, j.msg, true)

	case jobBroadcast:
		b.broadcastNow(ctx, j.msg)
	}
}

// fanOut resolves the active wiring for sourceClass and delivers the
// message to every instance of every target class. Cross-domain target
// classes are handed to the boundary exactly once per distinct target
// domain when forward is true.
func (b *Bus) fanOut(ctx context.Context, sourceClass string, msg *message.Message, forward bool) {
	b.mu.Lock()
	if b.active == nil {
		b.mu.Unlock()
		b.logger.Debug("dropping signal: no active mode", "signal", msg.Signal, "class", sourceClass)
		return
	}
	targets := b.active.Wiring[sourceClass]
	b.mu.Unlock()

	var remoteDomains []node.Domain
	for _, targetClass := range targets {
		domain, err := b.registry.Domain(targetClass)
		if err != nil {
			// Wiring is validated lazily; an unwired class is a
			// configuration warning, not a routing failure.
			b.logger.Warn("wiring names unregistered class",
				"source_class", sourceClass, "target_class", targetClass)
			continue
		}

		if !domain.LocalTo(b.domain) {
			if forward && !containsDomain(remoteDomains, domain) {
				remoteDomains = append(remoteDomains, domain)
			}
			continue
		}

		b.mu.Lock()
		ids := append([]string(nil), b.classInstances[targetClass]...)
		b.mu.Unlock()
		for _, id := range ids {
			b.deliver(ctx, id, msg, false)
		}
	}

	for _, domain := range remoteDomains {
		b.forwardAcrossBoundary(ctx, sourceClass, msg, domain)
	}
}

// deliver routes one message to one instance: cycle check, lock check,
// handler resolution, isolated invocation. replay bypasses the cycle check
// because the message was marked visited when it was queued.
func (b *Bus) deliver(ctx context.Context, targetID string, msg *message.Message, replay bool) {
	b.mu.Lock()
	inst, ok := b.instances[targetID]
	if !ok {
		b.mu.Unlock()
		b.logger.Warn("target instance gone", "instance_id", targetID, "signal", msg.Signal)
		return
	}

	if !replay && msg.Visited(targetID) {
		b.mu.Unlock()
		// Cycles are an expected consequence of feedback wiring: handle
		// recursion inside the node, not by routing in a circle.
		b.logger.Warn("routing cycle dropped",
			"instance_id", targetID, "signal", msg.Signal, "message_id", msg.ID)
		if b.metrics != nil {
			b.metrics.CyclesDropped.Inc()
		}
		return
	}

	if ls, locked := b.locks[targetID]; locked {
		msg.MarkVisited(targetID)
		if msg.Signal == ls.signal {
			b.resolveLockLocked(targetID, ls, msg)
			b.mu.Unlock()
			return
		}
		ls.queued = append(ls.queued, msg)
		if b.metrics != nil {
			b.metrics.QueuedMessages.Inc()
		}
		b.mu.Unlock()
		return
	}

	msg.MarkVisited(targetID)
	modeChain := b.modeChainLocked()
	b.mu.Unlock()

	handlerName := b.registry.HandlerNameFor(inst.ClassName(), msg.Signal)
	fn, err := inst.ResolveHandler(node.ChannelInput, handlerName, modeChain)
	if err != nil {
		b.logger.Warn("no input handler for wired signal",
			"instance_id", targetID, "class", inst.ClassName(),
			"signal", msg.Signal, "handler", handlerName)
		return
	}

	b.invoke(ctx, inst, handlerName, fn, msg)
}

// broadcastNow delivers a lifecycle signal to every live instance's System
// channel. Absent handlers are fine; System hooks are optional.
func (b *Bus) broadcastNow(ctx context.Context, msg *message.Message) {
	b.mu.Lock()
	ids := b.allInstancesLocked()
	modeChain := b.modeChainLocked()
	b.mu.Unlock()

	for _, id := range ids {
		b.mu.Lock()
		inst, ok := b.instances[id]
		b.mu.Unlock()
		if !ok {
			continue
		}

		handlerName := b.registry.HandlerNameFor(inst.ClassName(), msg.Signal)
		fn, err := inst.ResolveHandler(node.ChannelSystem, handlerName, modeChain)
		if err != nil {
			continue
		}
		b.invoke(ctx, inst, handlerName, fn, msg)
	}
}

// invoke executes a handler with failure isolation: a returned error or a
// panic never propagates to the sender; it becomes a structured event on
// the error collector, and routing continues with the remaining targets.
func (b *Bus) invoke(ctx context.Context, inst *node.Instance, handlerName string, fn node.HandlerFunc, msg *message.Message) {
	start := time.Now()

	err := func() (err error) {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("handler panicked: %v", r)
			}
		}()
		return fn(ctx, inst, msg)
	}()

	if b.metrics != nil {
		b.metrics.Deliveries.Inc()
		b.metrics.DispatchDuration.Observe(time.Since(start).Seconds())
	}

	if err == nil {
		return
	}

	if b.metrics != nil {
		b.metrics.HandlerFailures.Inc()
	}
	ev := collector.Event{
		InstanceID: inst.ID(),
		Class:      inst.ClassName(),
		Handler:    handlerName,
		Err:        err,
		Payload:    msg.Payload,
		Timestamp:  time.Now().UTC(),
	}
	if b.sink != nil {
		b.sink.HandleError(ev)
	} else {
		b.logger.Error("handler execution failed",
			"instance_id", inst.ID(), "class", inst.ClassName(),
			"handler", handlerName, "error", err)
	}
	b.notifyErrorChannel(ctx, inst, msg.Signal, ev)
}

// notifyErrorChannel gives the failing instance a copy of the failure on its
// own Error channel, when it defines a handler for the failed signal. The
// hook runs with the same panic recovery as any handler, but its own failure
// is only logged; error handling never recurses.
func (b *Bus) notifyErrorChannel(ctx context.Context, inst *node.Instance, signal string, ev collector.Event) {
	b.mu.Lock()
	modeChain := b.modeChainLocked()
	b.mu.Unlock()

	handlerName := b.registry.HandlerNameFor(inst.ClassName(), signal)
	fn, err := inst.ResolveHandler(node.ChannelError, handlerName, modeChain)
	if err != nil {
		return
	}

	errMsg := message.New(b.NextMessageID(), signal, ev, "")
	hookErr := func() (err error) {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("handler panicked: %v", r)
			}
		}()
		return fn(ctx, inst, errMsg)
	}()
	if hookErr != nil {
		b.logger.Error("error channel handler failed",
			"instance_id", inst.ID(), "class", inst.ClassName(),
			"handler", handlerName, "error", hookErr)
	}
}

// forwardAcrossBoundary hands the message to the boundary transport, once
// per distinct target domain per send.
func (b *Bus) forwardAcrossBoundary(ctx context.Context, sourceClass string, msg *message.Message, domain node.Domain) {
	b.mu.Lock()
	boundary := b.boundary
	b.mu.Unlock()

	if boundary == nil {
		b.logger.Warn("no boundary transport for cross-domain target",
			"source_class", sourceClass, "target_domain", string(domain), "signal", msg.Signal)
		return
	}

	env := transport.Envelope{
		ID:           uuid.NewString(),
		SourceClass:  sourceClass,
		Signal:       msg.Signal,
		Payload:      msg.Payload,
		SourceDomain: b.domain,
		TargetDomain: domain,
	}
	if err := boundary.SendAcrossBoundary(ctx, env); err != nil {
		b.logger.Error("boundary hand-off failed",
			"signal", msg.Signal, "target_domain", string(domain), "error", err)
		return
	}
	if b.metrics != nil {
		b.metrics.BoundarySends.Inc()
	}
}

// modeChainLocked returns the active mode chain for handler resolution.
// Callers must hold b.mu.
func (b *Bus) modeChainLocked() []string {
	if b.active == nil {
		return nil
	}
	return b.active.Chain
}

func containsDomain(list []node.Domain, d node.Domain) bool {
	for _, item := range list {
		if item == d {
			return true
		}
	}
	return false
}
