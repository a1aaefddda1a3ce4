package engine

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/signalbus/bus"
	"github.com/c360/signalbus/errors"
	"github.com/c360/signalbus/message"
	"github.com/c360/signalbus/mode"
	"github.com/c360/signalbus/node"
)

// lifecycleLog records lifecycle hook invocations in order.
type lifecycleLog struct {
	mu      sync.Mutex
	entries []string
}

func (l *lifecycleLog) add(instanceID, hook string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.entries = append(l.entries, instanceID+":"+hook)
}

func (l *lifecycleLog) snapshot() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.entries...)
}

func (l *lifecycleLog) hook(name string) node.HandlerFunc {
	return func(_ context.Context, inst *node.Instance, _ *message.Message) error {
		l.add(inst.ID(), name)
		return nil
	}
}

func lifecycleClass(name string, log *lifecycleLog) *node.Class {
	return &node.Class{
		Name:   name,
		Domain: node.DomainShared,
		System: node.HandlerSet{
			"OnNodeInit":  log.hook("init"),
			"OnNodeStart": log.hook("start"),
			"OnNodeStop":  log.hook("stop"),
		},
	}
}

func newTestSetup(t *testing.T, classes ...*node.Class) (*bus.Bus, *Orchestrator) {
	t.Helper()

	registry := node.NewRegistry()
	for _, c := range classes {
		require.NoError(t, registry.Register(c))
	}

	b, err := bus.New(bus.Options{
		Domain:   node.DomainServer,
		Registry: registry,
		Modes:    mode.NewManager(),
	})
	require.NoError(t, err)

	return b, New(b, nil, nil)
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "created", StateCreated.String())
	assert.Equal(t, "initialized", StateInitialized.String())
	assert.Equal(t, "started", StateStarted.String())
	assert.Equal(t, "stopped", StateStopped.String())
	assert.Equal(t, "unknown", State(42).String())
}

func TestTwoPhaseBringUp(t *testing.T) {
	log := &lifecycleLog{}
	_, orch := newTestSetup(t, lifecycleClass("worker", log))
	ctx := context.Background()

	require.NoError(t, orch.Register(Spec{Class: "worker", ID: "w1"}))
	require.NoError(t, orch.Register(Spec{Class: "worker", ID: "w2"}))

	require.NoError(t, orch.InitAll(ctx))
	assert.Equal(t, StateInitialized, orch.State())
	require.NoError(t, orch.StartAll(ctx))
	assert.Equal(t, StateStarted, orch.State())

	// Every instance initializes before any instance starts.
	assert.Equal(t, []string{"w1:init", "w2:init", "w1:start", "w2:start"}, log.snapshot())
}

func TestStopAllReversesOrder(t *testing.T) {
	log := &lifecycleLog{}
	_, orch := newTestSetup(t, lifecycleClass("worker", log))
	ctx := context.Background()

	require.NoError(t, orch.Register(Spec{Class: "worker", ID: "w1"}))
	require.NoError(t, orch.Register(Spec{Class: "worker", ID: "w2"}))
	require.NoError(t, orch.InitAll(ctx))
	require.NoError(t, orch.StartAll(ctx))

	require.NoError(t, orch.StopAll(ctx))
	assert.Equal(t, StateStopped, orch.State())

	entries := log.snapshot()
	require.Len(t, entries, 6)
	assert.Equal(t, "w2:stop", entries[4])
	assert.Equal(t, "w1:stop", entries[5])

	// Idempotent once stopped.
	require.NoError(t, orch.StopAll(ctx))
	assert.Len(t, log.snapshot(), 6)
}

func TestInvalidTransitions(t *testing.T) {
	log := &lifecycleLog{}
	_, orch := newTestSetup(t, lifecycleClass("worker", log))
	ctx := context.Background()

	// Start before init.
	err := orch.StartAll(ctx)
	require.Error(t, err)
	assert.ErrorIs(t, err, errors.ErrInvalidTransition)

	// Stop before init.
	err = orch.StopAll(ctx)
	require.Error(t, err)
	assert.ErrorIs(t, err, errors.ErrNotInitialized)

	require.NoError(t, orch.InitAll(ctx))

	// Double init.
	err = orch.InitAll(ctx)
	require.Error(t, err)
	assert.ErrorIs(t, err, errors.ErrInvalidTransition)

	// Register after init.
	err = orch.Register(Spec{Class: "worker"})
	require.Error(t, err)
	assert.ErrorIs(t, err, errors.ErrInvalidTransition)
}

func TestRegisterValidation(t *testing.T) {
	log := &lifecycleLog{}
	_, orch := newTestSetup(t, lifecycleClass("worker", log))

	require.Error(t, orch.Register(Spec{}))

	require.NoError(t, orch.Register(Spec{Class: "worker", ID: "w1"}))
	err := orch.Register(Spec{Class: "worker", ID: "w1"})
	require.Error(t, err)
	assert.ErrorIs(t, err, errors.ErrDuplicateInstance)

	// Empty id gets a generated uuid.
	require.NoError(t, orch.Register(Spec{Class: "worker"}))
	assert.Len(t, orch.Managed(), 2)
}

func TestCrossDomainSpecsSkipped(t *testing.T) {
	log := &lifecycleLog{}
	client := lifecycleClass("ui", log)
	client.Domain = node.DomainClient

	b, orch := newTestSetup(t, lifecycleClass("worker", log), client)
	ctx := context.Background()

	require.NoError(t, orch.Register(Spec{Class: "worker", ID: "w1"}))
	require.NoError(t, orch.Register(Spec{Class: "ui", ID: "ui1"}))

	require.NoError(t, orch.InitAll(ctx))

	// The client-domain spec exists on neither the bus nor the orchestrator.
	assert.Nil(t, b.Instance("ui1"))
	assert.Equal(t, []string{"w1"}, orch.Managed())
	assert.Equal(t, []string{"w1:init"}, log.snapshot())
}

func TestSpawnOnRunningSystem(t *testing.T) {
	log := &lifecycleLog{}
	b, orch := newTestSetup(t, lifecycleClass("worker", log))
	ctx := context.Background()

	require.NoError(t, orch.Register(Spec{Class: "worker", ID: "w1"}))
	require.NoError(t, orch.InitAll(ctx))
	require.NoError(t, orch.StartAll(ctx))

	id, err := orch.Spawn(ctx, "worker", "w2", map[string]any{"role": "extra"})
	require.NoError(t, err)
	assert.Equal(t, "w2", id)

	// Spawn on a running system inits and starts.
	entries := log.snapshot()
	assert.Equal(t, "w2:init", entries[len(entries)-2])
	assert.Equal(t, "w2:start", entries[len(entries)-1])

	inst := b.Instance("w2")
	require.NotNil(t, inst)
	v, _ := inst.GetAttribute("role")
	assert.Equal(t, "extra", v)

	// Empty id generates one.
	genID, err := orch.Spawn(ctx, "worker", "", nil)
	require.NoError(t, err)
	assert.NotEmpty(t, genID)
}

func TestSpawnBeforeInitRejected(t *testing.T) {
	log := &lifecycleLog{}
	_, orch := newTestSetup(t, lifecycleClass("worker", log))

	_, err := orch.Spawn(context.Background(), "worker", "w1", nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, errors.ErrNotInitialized)
}

func TestDespawn(t *testing.T) {
	log := &lifecycleLog{}
	b, orch := newTestSetup(t, lifecycleClass("worker", log))
	ctx := context.Background()

	require.NoError(t, orch.Register(Spec{Class: "worker", ID: "w1"}))
	require.NoError(t, orch.InitAll(ctx))
	require.NoError(t, orch.StartAll(ctx))

	require.NoError(t, orch.Despawn(ctx, "w1"))
	assert.Nil(t, b.Instance("w1"))
	assert.Empty(t, orch.Managed())

	entries := log.snapshot()
	assert.Equal(t, "w1:stop", entries[len(entries)-1])

	err := orch.Despawn(ctx, "w1")
	require.Error(t, err)
	assert.ErrorIs(t, err, errors.ErrInstanceNotFound)
}

func TestStopCancelsRunContext(t *testing.T) {
	var (
		mu     sync.Mutex
		runCtx context.Context
	)

	registry := node.NewRegistry()
	require.NoError(t, registry.Register(&node.Class{
		Name:   "bg",
		Domain: node.DomainShared,
		System: node.HandlerSet{
			"OnNodeStart": func(ctx context.Context, _ *node.Instance, _ *message.Message) error {
				mu.Lock()
				runCtx = ctx
				mu.Unlock()
				return nil
			},
		},
	}))

	b, err := bus.New(bus.Options{
		Domain:   node.DomainServer,
		Registry: registry,
		Modes:    mode.NewManager(),
	})
	require.NoError(t, err)
	orch := New(b, nil, nil)
	ctx := context.Background()

	require.NoError(t, orch.Register(Spec{Class: "bg", ID: "bg1"}))
	require.NoError(t, orch.InitAll(ctx))
	require.NoError(t, orch.StartAll(ctx))

	mu.Lock()
	captured := runCtx
	mu.Unlock()
	require.NotNil(t, captured)
	assert.NoError(t, captured.Err())

	require.NoError(t, orch.StopAll(ctx))
	assert.Error(t, captured.Err())
}
