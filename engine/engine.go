// Package engine orchestrates node lifecycle over a bus: instance specs are
// registered up front, then brought up in two phases so every instance
// exists before any instance runs. Dynamic spawn and despawn are supported
// while the system is live.
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/c360/signalbus/bus"
	"github.com/c360/signalbus/errors"
	"github.com/c360/signalbus/metric"
	"github.com/c360/signalbus/node"
)

// Lifecycle signals delivered to each managed instance's System channel.
// Handlers are optional: an instance that declares no OnNodeInit simply has
// no init work.
const (
	InitSignal  = "node.init"
	StartSignal = "node.start"
	StopSignal  = "node.stop"
)

// Spec describes one instance the orchestrator should manage.
type Spec struct {
	// Class is the registered class name.
	Class string

	// ID is the instance id; empty means a uuid is generated.
	ID string

	// Attributes seed the instance's attribute store.
	Attributes map[string]any
}

// entry is one managed instance with its lifecycle position and the context
// governing goroutines its start handler launched.
type entry struct {
	spec   Spec
	inst   *node.Instance
	state  State
	cancel context.CancelFunc
}

// Orchestrator drives registered instances through
// Created -> Initialized -> Started -> Stopped on top of a bus.
type Orchestrator struct {
	bus     *bus.Bus
	logger  *slog.Logger
	metrics *engineMetrics

	mu      sync.Mutex
	state   State
	order   []string // instance ids, registration order
	entries map[string]*entry
}

// New creates an orchestrator for the given bus.
func New(b *bus.Bus, logger *slog.Logger, metricsRegistry *metric.MetricsRegistry) *Orchestrator {
	if logger == nil {
		logger = slog.Default()
	}

	metrics, err := newEngineMetrics(metricsRegistry)
	if err != nil {
		logger.Error("failed to initialize engine metrics", "error", err)
		metrics = nil // Continue without metrics
	}

	return &Orchestrator{
		bus:     b,
		logger:  logger.With("component", "engine"),
		metrics: metrics,
		state:   StateCreated,
		entries: make(map[string]*entry),
	}
}

// State returns the orchestrator's lifecycle position.
func (o *Orchestrator) State() State {
	o.mu.Lock()
	defer o.mu.Unlock()

	return o.state
}

// Managed returns the ids of all managed instances in registration order.
func (o *Orchestrator) Managed() []string {
	o.mu.Lock()
	defer o.mu.Unlock()

	return append([]string(nil), o.order...)
}

// Register records a spec for InitAll. Specs registered after InitAll are
// rejected; use Spawn for dynamic creation on a live system.
func (o *Orchestrator) Register(spec Spec) error {
	if spec.Class == "" {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "Orchestrator", "Register", "class validation")
	}

	o.mu.Lock()
	defer o.mu.Unlock()

	if o.state != StateCreated {
		return errors.WrapInvalid(
			fmt.Errorf("%w: cannot register in state %s", errors.ErrInvalidTransition, o.state),
			"Orchestrator", "Register", "state check")
	}

	if spec.ID == "" {
		spec.ID = uuid.NewString()
	}
	if _, exists := o.entries[spec.ID]; exists {
		return errors.WrapInvalid(
			fmt.Errorf("%w: %s", errors.ErrDuplicateInstance, spec.ID),
			"Orchestrator", "Register", "duplicate id check")
	}

	o.entries[spec.ID] = &entry{spec: spec, state: StateCreated}
	o.order = append(o.order, spec.ID)
	return nil
}

// InitAll brings up every registered spec in two phases: first every
// instance is created and wired into the bus, then every instance receives
// the init signal. No instance initializes before all instances exist, so
// init handlers may safely emit to any wired peer.
//
// Cross-domain specs are skipped silently; the other side's orchestrator
// owns them. Creation failure aborts the whole boot; this is the boot-time
// fatal path.
func (o *Orchestrator) InitAll(ctx context.Context) error {
	o.mu.Lock()
	if o.state != StateCreated {
		o.mu.Unlock()
		return errors.WrapInvalid(
			fmt.Errorf("%w: cannot init in state %s", errors.ErrInvalidTransition, o.state),
			"Orchestrator", "InitAll", "state check")
	}
	ids := append([]string(nil), o.order...)
	o.mu.Unlock()

	// Phase 1: wire all.
	var live []string
	for _, id := range ids {
		o.mu.Lock()
		spec := o.entries[id].spec
		o.mu.Unlock()

		inst, err := o.bus.Instantiate(spec.Class, spec.ID, spec.Attributes)
		if err != nil {
			return errors.WrapFatal(err, "Orchestrator", "InitAll", fmt.Sprintf("instantiate %s", spec.ID))
		}
		if inst == nil {
			o.logger.Debug("spec skipped for foreign domain", "class", spec.Class, "id", spec.ID)
			o.dropEntry(id)
			continue
		}

		o.mu.Lock()
		o.entries[id].inst = inst
		o.mu.Unlock()
		o.metrics.setManaged(1)
		live = append(live, id)
	}

	// Phase 2: init all.
	for _, id := range live {
		if err := o.signalEntry(ctx, id, InitSignal, StateInitialized); err != nil {
			return errors.WrapFatal(err, "Orchestrator", "InitAll", fmt.Sprintf("init %s", id))
		}
	}

	o.mu.Lock()
	o.state = StateInitialized
	o.mu.Unlock()

	o.logger.Info("all instances initialized", "count", len(live))
	return nil
}

// StartAll sends the start signal to every initialized instance in
// registration order. Each instance gets a cancellable context its start
// handler can capture for goroutines it launches; StopAll cancels it.
func (o *Orchestrator) StartAll(_ context.Context) error {
	o.mu.Lock()
	if o.state != StateInitialized {
		o.mu.Unlock()
		return errors.WrapInvalid(
			fmt.Errorf("%w: cannot start in state %s", errors.ErrInvalidTransition, o.state),
			"Orchestrator", "StartAll", "state check")
	}
	ids := append([]string(nil), o.order...)
	o.mu.Unlock()

	for _, id := range ids {
		if err := o.startEntry(id); err != nil {
			return err
		}
	}

	o.mu.Lock()
	o.state = StateStarted
	o.mu.Unlock()

	o.logger.Info("all instances started", "count", len(ids))
	return nil
}

// StopAll sends the stop signal to every instance in reverse registration
// order and cancels each instance's run context. Safe to call from
// Initialized or Started; idempotent once stopped.
func (o *Orchestrator) StopAll(ctx context.Context) error {
	o.mu.Lock()
	if o.state == StateStopped {
		o.mu.Unlock()
		return nil
	}
	if o.state == StateCreated {
		o.mu.Unlock()
		return errors.WrapInvalid(
			fmt.Errorf("%w: cannot stop in state %s", errors.ErrNotInitialized, o.state),
			"Orchestrator", "StopAll", "state check")
	}
	ids := append([]string(nil), o.order...)
	o.mu.Unlock()

	for i := len(ids) - 1; i >= 0; i-- {
		o.stopEntry(ctx, ids[i])
	}

	o.mu.Lock()
	o.state = StateStopped
	o.mu.Unlock()

	o.logger.Info("all instances stopped", "count", len(ids))
	return nil
}

// Spawn creates one instance on a live system: instantiate, init, and start
// when the orchestrator is running. An empty id gets a generated uuid. The
// assigned id is returned; a cross-domain class returns ("", nil) silently.
func (o *Orchestrator) Spawn(ctx context.Context, className, id string, attrs map[string]any) (string, error) {
	o.mu.Lock()
	state := o.state
	o.mu.Unlock()

	if state == StateCreated || state == StateStopped {
		return "", errors.WrapInvalid(
			fmt.Errorf("%w: cannot spawn in state %s", errors.ErrNotInitialized, state),
			"Orchestrator", "Spawn", "state check")
	}

	if id == "" {
		id = uuid.NewString()
	}

	inst, err := o.bus.Instantiate(className, id, attrs)
	if err != nil {
		o.metrics.recordSpawn(className, false)
		return "", errors.Wrap(err, "Orchestrator", "Spawn", "instantiate")
	}
	if inst == nil {
		return "", nil
	}

	o.mu.Lock()
	o.entries[id] = &entry{
		spec:  Spec{Class: className, ID: id, Attributes: attrs},
		inst:  inst,
		state: StateCreated,
	}
	o.order = append(o.order, id)
	o.mu.Unlock()
	o.metrics.setManaged(1)

	if err := o.signalEntry(ctx, id, InitSignal, StateInitialized); err != nil {
		o.metrics.recordSpawn(className, false)
		return "", errors.Wrap(err, "Orchestrator", "Spawn", "init")
	}
	if state == StateStarted {
		if err := o.startEntry(id); err != nil {
			o.metrics.recordSpawn(className, false)
			return "", errors.Wrap(err, "Orchestrator", "Spawn", "start")
		}
	}

	o.metrics.recordSpawn(className, true)
	o.logger.Info("instance spawned", "class", className, "id", id)
	return id, nil
}

// Despawn stops one instance and removes it from the bus and the
// orchestrator. Unknown ids are an error raised to the caller.
func (o *Orchestrator) Despawn(ctx context.Context, id string) error {
	o.mu.Lock()
	_, ok := o.entries[id]
	o.mu.Unlock()
	if !ok {
		return errors.WrapInvalid(
			fmt.Errorf("%w: %s", errors.ErrInstanceNotFound, id),
			"Orchestrator", "Despawn", "lookup")
	}

	o.stopEntry(ctx, id)
	o.bus.Remove(id)
	o.dropEntry(id)
	o.metrics.setManaged(-1)

	o.logger.Info("instance despawned", "id", id)
	return nil
}

// signalEntry delivers one lifecycle signal and advances the entry state.
func (o *Orchestrator) signalEntry(ctx context.Context, id, signal string, next State) error {
	o.mu.Lock()
	e, ok := o.entries[id]
	o.mu.Unlock()
	if !ok {
		return nil
	}

	start := time.Now()
	err := o.bus.SystemSignal(ctx, id, signal, nil)
	duration := time.Since(start).Seconds()

	class := e.spec.Class
	switch signal {
	case InitSignal:
		o.metrics.recordInit(class, err == nil, duration)
	case StopSignal:
		o.metrics.recordStop(class, err == nil, duration)
	}
	if err != nil {
		return err
	}

	o.mu.Lock()
	e.state = next
	o.mu.Unlock()
	return nil
}

// startEntry gives the entry a cancellable run context and delivers the
// start signal with it.
func (o *Orchestrator) startEntry(id string) error {
	o.mu.Lock()
	e, ok := o.entries[id]
	o.mu.Unlock()
	if !ok {
		return nil
	}

	runCtx, cancel := context.WithCancel(context.Background())

	start := time.Now()
	err := o.bus.SystemSignal(runCtx, id, StartSignal, nil)
	o.metrics.recordStart(e.spec.Class, err == nil, time.Since(start).Seconds())
	if err != nil {
		cancel()
		return errors.Wrap(err, "Orchestrator", "StartAll", fmt.Sprintf("start %s", id))
	}

	o.mu.Lock()
	e.cancel = cancel
	e.state = StateStarted
	o.mu.Unlock()
	return nil
}

// stopEntry delivers the stop signal and cancels the run context. Stop is
// best-effort during teardown; failures are logged, not raised.
func (o *Orchestrator) stopEntry(ctx context.Context, id string) {
	o.mu.Lock()
	e, ok := o.entries[id]
	if !ok {
		o.mu.Unlock()
		return
	}
	cancel := e.cancel
	e.cancel = nil
	o.mu.Unlock()

	if err := o.signalEntry(ctx, id, StopSignal, StateStopped); err != nil {
		o.logger.Warn("stop signal failed", "id", id, "error", err)
	}
	if cancel != nil {
		cancel()
	}
}

// dropEntry removes the entry and its position in registration order.
func (o *Orchestrator) dropEntry(id string) {
	o.mu.Lock()
	defer o.mu.Unlock()

	delete(o.entries, id)
	for i, existing := range o.order {
		if existing == id {
			o.order = append(o.order[:i], o.order[i+1:]...)
			break
		}
	}
}
