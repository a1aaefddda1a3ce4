package bus

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/signalbus/collector"
	"github.com/c360/signalbus/errors"
	"github.com/c360/signalbus/message"
	"github.com/c360/signalbus/mode"
	"github.com/c360/signalbus/node"
	"github.com/c360/signalbus/transport"
)

// recorder collects handler invocations across goroutines.
type recorder struct {
	mu    sync.Mutex
	calls []call
}

type call struct {
	instanceID string
	signal     string
	msgID      int64
	payload    any
}

func (r *recorder) record(inst *node.Instance, msg *message.Message) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, call{
		instanceID: inst.ID(),
		signal:     msg.Signal,
		msgID:      msg.ID,
		payload:    msg.Payload,
	})
}

func (r *recorder) snapshot() []call {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]call(nil), r.calls...)
}

func (r *recorder) handler() node.HandlerFunc {
	return func(_ context.Context, inst *node.Instance, msg *message.Message) error {
		r.record(inst, msg)
		return nil
	}
}

// capturingSink collects error events synchronously.
type capturingSink struct {
	mu     sync.Mutex
	events []collector.Event
}

func (s *capturingSink) HandleError(ev collector.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, ev)
}

func (s *capturingSink) snapshot() []collector.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]collector.Event(nil), s.events...)
}

func newTestBus(t *testing.T, domain node.Domain, opts Options) *Bus {
	t.Helper()
	if opts.Registry == nil {
		opts.Registry = node.NewRegistry()
	}
	if opts.Modes == nil {
		opts.Modes = mode.NewManager()
	}
	opts.Domain = domain
	b, err := New(opts)
	require.NoError(t, err)
	return b
}

func TestNewRejectsSharedDomain(t *testing.T) {
	_, err := New(Options{Domain: node.DomainShared, Registry: node.NewRegistry()})
	require.Error(t, err)

	_, err = New(Options{Domain: node.Domain("edge"), Registry: node.NewRegistry()})
	require.Error(t, err)

	_, err = New(Options{Domain: node.DomainServer})
	require.Error(t, err)
}

func TestNextMessageIDStrictlyIncreasing(t *testing.T) {
	b := newTestBus(t, node.DomainServer, Options{})

	seen := make(map[int64]bool)
	prev := int64(0)
	for i := 0; i < 1000; i++ {
		id := b.NextMessageID()
		assert.Greater(t, id, prev)
		assert.False(t, seen[id])
		seen[id] = true
		prev = id
	}
}

func TestSendRequiresKnownSource(t *testing.T) {
	b := newTestBus(t, node.DomainServer, Options{})

	err := b.Send(context.Background(), "ghost", "fired", nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, errors.ErrInstanceNotFound)
}

func TestFanOutDeliversSameMessageID(t *testing.T) {
	rec := &recorder{}
	registry := node.NewRegistry()
	require.NoError(t, registry.Register(&node.Class{
		Name: "P", Domain: node.DomainShared, Outputs: []string{"spawned"},
	}))
	require.NoError(t, registry.Register(&node.Class{
		Name: "Q", Domain: node.DomainShared,
		Input: node.HandlerSet{"OnSpawned": rec.handler()},
	}))
	require.NoError(t, registry.Register(&node.Class{
		Name: "R", Domain: node.DomainShared,
		Input: node.HandlerSet{"OnSpawned": rec.handler()},
	}))

	modes := mode.NewManager()
	require.NoError(t, modes.Define("M", mode.Config{
		Nodes:  []string{"P", "Q", "R"},
		Wiring: map[string][]string{"P": {"Q", "R"}},
	}))

	b := newTestBus(t, node.DomainServer, Options{Registry: registry, Modes: modes})
	ctx := context.Background()

	for _, spec := range []struct{ class, id string }{{"P", "p1"}, {"Q", "q1"}, {"R", "r1"}} {
		_, err := b.Instantiate(spec.class, spec.id, nil)
		require.NoError(t, err)
	}
	require.NoError(t, b.SwitchMode(ctx, "M"))

	payload := map[string]any{"n": 1}
	require.NoError(t, b.Send(ctx, "p1", "spawned", payload))

	calls := rec.snapshot()
	require.Len(t, calls, 2)
	assert.Equal(t, "q1", calls[0].instanceID)
	assert.Equal(t, "r1", calls[1].instanceID)
	assert.Equal(t, calls[0].msgID, calls[1].msgID)
	assert.Equal(t, payload, calls[0].payload)
	assert.Equal(t, payload, calls[1].payload)
}

func TestReentrantSendPreservesPerSenderOrder(t *testing.T) {
	rec := &recorder{}
	registry := node.NewRegistry()
	require.NoError(t, registry.Register(&node.Class{
		Name: "chatty", Domain: node.DomainShared, Outputs: []string{"kick", "first", "second"},
		Input: node.HandlerSet{
			"OnKick": func(ctx context.Context, inst *node.Instance, _ *message.Message) error {
				// Two sends in sequence from the same handler must reach
				// the router in that sequence.
				if err := inst.Emit(ctx, "first", nil); err != nil {
					return err
				}
				return inst.Emit(ctx, "second", nil)
			},
		},
	}))
	require.NoError(t, registry.Register(&node.Class{
		Name: "listener", Domain: node.DomainShared,
		Input: node.HandlerSet{
			"OnFirst":  rec.handler(),
			"OnSecond": rec.handler(),
		},
	}))

	modes := mode.NewManager()
	require.NoError(t, modes.Define("M", mode.Config{
		Wiring: map[string][]string{
			"listener": {"chatty"},
			"chatty":   {"listener"},
		},
	}))

	b := newTestBus(t, node.DomainServer, Options{Registry: registry, Modes: modes})
	ctx := context.Background()

	_, err := b.Instantiate("chatty", "c1", nil)
	require.NoError(t, err)
	_, err = b.Instantiate("listener", "l1", nil)
	require.NoError(t, err)
	require.NoError(t, b.SwitchMode(ctx, "M"))

	require.NoError(t, b.Send(ctx, "l1", "kick", nil))

	calls := rec.snapshot()
	require.Len(t, calls, 2)
	assert.Equal(t, "first", calls[0].signal)
	assert.Equal(t, "second", calls[1].signal)
	assert.Greater(t, calls[1].msgID, calls[0].msgID)
}

func TestCycleSafety(t *testing.T) {
	rec := &recorder{}
	registry := node.NewRegistry()

	forwarding := func() node.HandlerFunc {
		return func(ctx context.Context, inst *node.Instance, msg *message.Message) error {
			rec.record(inst, msg)
			return inst.Forward(ctx, msg)
		}
	}
	require.NoError(t, registry.Register(&node.Class{
		Name: "A", Domain: node.DomainShared, Outputs: []string{"ping"},
		Input: node.HandlerSet{"OnPing": forwarding()},
	}))
	require.NoError(t, registry.Register(&node.Class{
		Name: "B", Domain: node.DomainShared,
		Input: node.HandlerSet{"OnPing": forwarding()},
	}))

	modes := mode.NewManager()
	require.NoError(t, modes.Define("loop", mode.Config{
		Wiring: map[string][]string{"A": {"B"}, "B": {"A"}},
	}))

	b := newTestBus(t, node.DomainServer, Options{Registry: registry, Modes: modes})
	ctx := context.Background()

	_, err := b.Instantiate("A", "a1", nil)
	require.NoError(t, err)
	_, err = b.Instantiate("B", "b1", nil)
	require.NoError(t, err)
	require.NoError(t, b.SwitchMode(ctx, "loop"))

	require.NoError(t, b.Send(ctx, "a1", "ping", nil))

	// B receives exactly once; the forward back to A is dropped because the
	// message id already visited a1 (it was the sender).
	calls := rec.snapshot()
	require.Len(t, calls, 1)
	assert.Equal(t, "b1", calls[0].instanceID)
}

func TestHandlerFailureIsIsolated(t *testing.T) {
	rec := &recorder{}
	sink := &capturingSink{}
	registry := node.NewRegistry()
	require.NoError(t, registry.Register(&node.Class{
		Name: "P", Domain: node.DomainShared, Outputs: []string{"spawned"},
	}))
	require.NoError(t, registry.Register(&node.Class{
		Name: "faulty", Domain: node.DomainShared,
		Input: node.HandlerSet{
			"OnSpawned": func(_ context.Context, _ *node.Instance, _ *message.Message) error {
				return fmt.Errorf("boom")
			},
		},
	}))
	require.NoError(t, registry.Register(&node.Class{
		Name: "healthy", Domain: node.DomainShared,
		Input: node.HandlerSet{"OnSpawned": rec.handler()},
	}))

	modes := mode.NewManager()
	require.NoError(t, modes.Define("M", mode.Config{
		Wiring: map[string][]string{"P": {"faulty", "healthy"}},
	}))

	b := newTestBus(t, node.DomainServer, Options{Registry: registry, Modes: modes, Sink: sink})
	ctx := context.Background()

	_, err := b.Instantiate("P", "p1", nil)
	require.NoError(t, err)
	_, err = b.Instantiate("faulty", "f1", nil)
	require.NoError(t, err)
	_, err = b.Instantiate("healthy", "h1", nil)
	require.NoError(t, err)
	require.NoError(t, b.SwitchMode(ctx, "M"))

	payload := map[string]any{"n": 7}
	require.NoError(t, b.Send(ctx, "p1", "spawned", payload))

	// The failure produced exactly one event and did not block h1.
	events := sink.snapshot()
	require.Len(t, events, 1)
	assert.Equal(t, "f1", events[0].InstanceID)
	assert.Equal(t, "faulty", events[0].Class)
	assert.Equal(t, "OnSpawned", events[0].Handler)
	assert.EqualError(t, events[0].Err, "boom")
	assert.Equal(t, payload, events[0].Payload)

	calls := rec.snapshot()
	require.Len(t, calls, 1)
	assert.Equal(t, "h1", calls[0].instanceID)
}

func TestHandlerPanicIsIsolated(t *testing.T) {
	sink := &capturingSink{}
	registry := node.NewRegistry()
	require.NoError(t, registry.Register(&node.Class{
		Name: "P", Domain: node.DomainShared, Outputs: []string{"spawned"},
	}))
	require.NoError(t, registry.Register(&node.Class{
		Name: "panicky", Domain: node.DomainShared,
		Input: node.HandlerSet{
			"OnSpawned": func(_ context.Context, _ *node.Instance, _ *message.Message) error {
				panic("unreachable state")
			},
		},
	}))

	modes := mode.NewManager()
	require.NoError(t, modes.Define("M", mode.Config{
		Wiring: map[string][]string{"P": {"panicky"}},
	}))

	b := newTestBus(t, node.DomainServer, Options{Registry: registry, Modes: modes, Sink: sink})
	ctx := context.Background()

	_, err := b.Instantiate("P", "p1", nil)
	require.NoError(t, err)
	_, err = b.Instantiate("panicky", "x1", nil)
	require.NoError(t, err)
	require.NoError(t, b.SwitchMode(ctx, "M"))

	require.NoError(t, b.Send(ctx, "p1", "spawned", nil))

	events := sink.snapshot()
	require.Len(t, events, 1)
	assert.Contains(t, events[0].Err.Error(), "handler panicked")
}

func TestHandlerFailureNotifiesErrorChannel(t *testing.T) {
	sink := &capturingSink{}
	registry := node.NewRegistry()

	var hooked []collector.Event
	require.NoError(t, registry.Register(&node.Class{
		Name: "P", Domain: node.DomainShared, Outputs: []string{"spawned"},
	}))
	require.NoError(t, registry.Register(&node.Class{
		Name: "faulty", Domain: node.DomainShared,
		Input: node.HandlerSet{
			"OnSpawned": func(_ context.Context, _ *node.Instance, _ *message.Message) error {
				return fmt.Errorf("boom")
			},
		},
		Error: node.HandlerSet{
			"OnSpawned": func(_ context.Context, _ *node.Instance, msg *message.Message) error {
				hooked = append(hooked, msg.Payload.(collector.Event))
				return nil
			},
		},
	}))

	modes := mode.NewManager()
	require.NoError(t, modes.Define("M", mode.Config{
		Wiring: map[string][]string{"P": {"faulty"}},
	}))

	b := newTestBus(t, node.DomainServer, Options{Registry: registry, Modes: modes, Sink: sink})
	ctx := context.Background()

	_, err := b.Instantiate("P", "p1", nil)
	require.NoError(t, err)
	_, err = b.Instantiate("faulty", "f1", nil)
	require.NoError(t, err)
	require.NoError(t, b.SwitchMode(ctx, "M"))

	require.NoError(t, b.Send(ctx, "p1", "spawned", 7))

	// The instance's own Error channel saw the failure, in addition to the
	// collector sink.
	require.Len(t, hooked, 1)
	assert.Equal(t, "f1", hooked[0].InstanceID)
	assert.Equal(t, "OnSpawned", hooked[0].Handler)
	assert.EqualError(t, hooked[0].Err, "boom")
	assert.Equal(t, 7, hooked[0].Payload)
	assert.Len(t, sink.snapshot(), 1)
}

func TestFailingErrorChannelHandlerDoesNotRecurse(t *testing.T) {
	sink := &capturingSink{}
	registry := node.NewRegistry()

	hookCalls := 0
	require.NoError(t, registry.Register(&node.Class{
		Name: "P", Domain: node.DomainShared, Outputs: []string{"spawned"},
	}))
	require.NoError(t, registry.Register(&node.Class{
		Name: "doubly", Domain: node.DomainShared,
		Input: node.HandlerSet{
			"OnSpawned": func(_ context.Context, _ *node.Instance, _ *message.Message) error {
				return fmt.Errorf("boom")
			},
		},
		Error: node.HandlerSet{
			"OnSpawned": func(_ context.Context, _ *node.Instance, _ *message.Message) error {
				hookCalls++
				panic("hook down")
			},
		},
	}))

	modes := mode.NewManager()
	require.NoError(t, modes.Define("M", mode.Config{
		Wiring: map[string][]string{"P": {"doubly"}},
	}))

	b := newTestBus(t, node.DomainServer, Options{Registry: registry, Modes: modes, Sink: sink})
	ctx := context.Background()

	_, err := b.Instantiate("P", "p1", nil)
	require.NoError(t, err)
	_, err = b.Instantiate("doubly", "d1", nil)
	require.NoError(t, err)
	require.NoError(t, b.SwitchMode(ctx, "M"))

	require.NoError(t, b.Send(ctx, "p1", "spawned", nil))

	// The hook ran once and its panic was contained; only the original
	// failure reached the sink.
	assert.Equal(t, 1, hookCalls)
	assert.Len(t, sink.snapshot(), 1)
}

func TestForwardToKeepsMessageIdentity(t *testing.T) {
	rec := &recorder{}
	registry := node.NewRegistry()
	require.NoError(t, registry.Register(&node.Class{
		Name: "A", Domain: node.DomainShared, Outputs: []string{"ping"},
		Input: node.HandlerSet{"OnPing": rec.handler()},
	}))
	require.NoError(t, registry.Register(&node.Class{
		Name: "B", Domain: node.DomainShared,
		Input: node.HandlerSet{
			"OnPing": func(ctx context.Context, inst *node.Instance, msg *message.Message) error {
				rec.record(inst, msg)
				// Explicit-target hand-offs under the in-flight id: one
				// to a fresh instance, one back to the original sender.
				if err := inst.ForwardTo(ctx, "c1", msg); err != nil {
					return err
				}
				return inst.ForwardTo(ctx, "a1", msg)
			},
		},
	}))
	require.NoError(t, registry.Register(&node.Class{
		Name: "C", Domain: node.DomainShared,
		Input: node.HandlerSet{"OnPing": rec.handler()},
	}))

	modes := mode.NewManager()
	require.NoError(t, modes.Define("M", mode.Config{
		Wiring: map[string][]string{"A": {"B"}},
	}))

	b := newTestBus(t, node.DomainServer, Options{Registry: registry, Modes: modes})
	ctx := context.Background()

	for _, spec := range []struct{ class, id string }{{"A", "a1"}, {"B", "b1"}, {"C", "c1"}} {
		_, err := b.Instantiate(spec.class, spec.id, nil)
		require.NoError(t, err)
	}
	require.NoError(t, b.SwitchMode(ctx, "M"))

	require.NoError(t, b.Send(ctx, "a1", "ping", nil))

	// b1 then c1 under the same message id; the hand-off back to a1 is
	// dropped because the id already visited the sender.
	calls := rec.snapshot()
	require.Len(t, calls, 2)
	assert.Equal(t, "b1", calls[0].instanceID)
	assert.Equal(t, "c1", calls[1].instanceID)
	assert.Equal(t, calls[0].msgID, calls[1].msgID)

	err := b.ForwardTo(ctx, "a1", "ghost", message.New(b.NextMessageID(), "ping", nil, "a1"))
	require.Error(t, err)
	assert.ErrorIs(t, err, errors.ErrInstanceNotFound)
}

func TestSendToBypassesWiring(t *testing.T) {
	rec := &recorder{}
	registry := node.NewRegistry()
	require.NoError(t, registry.Register(&node.Class{
		Name: "peer", Domain: node.DomainShared,
		Input: node.HandlerSet{"OnNudge": rec.handler()},
	}))

	// No mode active: direct sends do not need wiring.
	b := newTestBus(t, node.DomainServer, Options{Registry: registry})
	ctx := context.Background()

	_, err := b.Instantiate("peer", "p1", nil)
	require.NoError(t, err)
	_, err = b.Instantiate("peer", "p2", nil)
	require.NoError(t, err)

	require.NoError(t, b.SendTo(ctx, "p1", "p2", "nudge", "hey"))

	calls := rec.snapshot()
	require.Len(t, calls, 1)
	assert.Equal(t, "p2", calls[0].instanceID)
	assert.Equal(t, "hey", calls[0].payload)

	err = b.SendTo(ctx, "p1", "ghost", "nudge", nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, errors.ErrInstanceNotFound)
}

func TestBroadcastReachesEverySystemChannel(t *testing.T) {
	rec := &recorder{}
	registry := node.NewRegistry()
	require.NoError(t, registry.Register(&node.Class{
		Name: "listener", Domain: node.DomainShared,
		System: node.HandlerSet{"OnDrill": rec.handler()},
	}))
	require.NoError(t, registry.Register(&node.Class{
		// No system handler: broadcast skips it without error.
		Name: "deaf", Domain: node.DomainShared,
	}))

	b := newTestBus(t, node.DomainServer, Options{Registry: registry})
	ctx := context.Background()

	_, err := b.Instantiate("listener", "l1", nil)
	require.NoError(t, err)
	_, err = b.Instantiate("listener", "l2", nil)
	require.NoError(t, err)
	_, err = b.Instantiate("deaf", "d1", nil)
	require.NoError(t, err)

	require.NoError(t, b.Broadcast(ctx, "drill", nil))

	calls := rec.snapshot()
	assert.Len(t, calls, 2)
}

func TestSwitchModeAppliesAttributeOverlay(t *testing.T) {
	registry := node.NewRegistry()
	require.NoError(t, registry.Register(&node.Class{Name: "D", Domain: node.DomainShared}))

	modes := mode.NewManager()
	require.NoError(t, modes.Define("Fast", mode.Config{
		Attributes: map[string]map[string]any{"D": {"Speed": 9}},
	}))

	b := newTestBus(t, node.DomainServer, Options{Registry: registry, Modes: modes})
	ctx := context.Background()

	d1, err := b.Instantiate("D", "d1", map[string]any{"Speed": 1})
	require.NoError(t, err)
	d2, err := b.Instantiate("D", "d2", map[string]any{"Speed": 1})
	require.NoError(t, err)

	require.NoError(t, b.SwitchMode(ctx, "Fast"))
	assert.Equal(t, "Fast", b.ActiveMode())

	for _, inst := range []*node.Instance{d1, d2} {
		v, ok := inst.GetAttribute("Speed")
		require.True(t, ok)
		assert.Equal(t, 9, v)
	}
}

func TestSwitchModeBroadcastsModeChanging(t *testing.T) {
	var changes []ModeChange
	registry := node.NewRegistry()
	require.NoError(t, registry.Register(&node.Class{
		Name: "observer", Domain: node.DomainShared,
		System: node.HandlerSet{
			"OnModeChanging": func(_ context.Context, _ *node.Instance, msg *message.Message) error {
				changes = append(changes, msg.Payload.(ModeChange))
				return nil
			},
		},
	}))

	modes := mode.NewManager()
	require.NoError(t, modes.Define("calm", mode.Config{}))

	b := newTestBus(t, node.DomainServer, Options{Registry: registry, Modes: modes})
	ctx := context.Background()

	_, err := b.Instantiate("observer", "o1", nil)
	require.NoError(t, err)

	require.NoError(t, b.SwitchMode(ctx, "calm"))
	// Re-activating the current mode re-runs the broadcast.
	require.NoError(t, b.SwitchMode(ctx, "calm"))

	require.Len(t, changes, 2)
	assert.Equal(t, ModeChange{From: "", To: "calm"}, changes[0])
	assert.Equal(t, ModeChange{From: "calm", To: "calm"}, changes[1])
}

func TestHandlerInitiatedSwitchNotifiesBeforeCommit(t *testing.T) {
	registry := node.NewRegistry()
	var b *Bus

	type observed struct {
		active string
		speed  any
	}
	var seen []observed

	require.NoError(t, registry.Register(&node.Class{
		Name: "trigger", Domain: node.DomainShared, Outputs: []string{"go"},
	}))
	require.NoError(t, registry.Register(&node.Class{
		Name: "switcher", Domain: node.DomainShared,
		Input: node.HandlerSet{
			"OnGo": func(ctx context.Context, _ *node.Instance, _ *message.Message) error {
				return b.SwitchMode(ctx, "second")
			},
		},
	}))
	require.NoError(t, registry.Register(&node.Class{
		Name: "D", Domain: node.DomainShared,
		System: node.HandlerSet{
			"OnModeChanging": func(_ context.Context, inst *node.Instance, msg *message.Message) error {
				change := msg.Payload.(ModeChange)
				if change.To != "second" {
					return nil
				}
				speed, _ := inst.GetAttribute("speed")
				seen = append(seen, observed{active: b.ActiveMode(), speed: speed})
				return nil
			},
		},
	}))

	modes := mode.NewManager()
	require.NoError(t, modes.Define("first", mode.Config{
		Attributes: map[string]map[string]any{"D": {"speed": 1}},
	}))
	require.NoError(t, modes.Define("second", mode.Config{
		Attributes: map[string]map[string]any{"D": {"speed": 9}},
	}))

	b = newTestBus(t, node.DomainServer, Options{Registry: registry, Modes: modes})
	ctx := context.Background()

	_, err := b.Instantiate("trigger", "t1", nil)
	require.NoError(t, err)
	_, err = b.Instantiate("switcher", "s1", nil)
	require.NoError(t, err)
	d1, err := b.Instantiate("D", "d1", nil)
	require.NoError(t, err)
	require.NoError(t, b.SwitchMode(ctx, "first"))

	// The switch happens re-entrantly, from inside a dispatched handler.
	require.NoError(t, b.SendTo(ctx, "t1", "s1", "go", nil))

	// The notification ran while the old mode and the old overlay were
	// still in effect; the commit and the new overlay landed afterwards.
	require.Len(t, seen, 1)
	assert.Equal(t, "first", seen[0].active)
	assert.Equal(t, 1, seen[0].speed)

	assert.Equal(t, "second", b.ActiveMode())
	speed, ok := d1.GetAttribute("speed")
	require.True(t, ok)
	assert.Equal(t, 9, speed)
}

func TestSwitchModeUnknown(t *testing.T) {
	b := newTestBus(t, node.DomainServer, Options{})

	err := b.SwitchMode(context.Background(), "ghost")
	require.Error(t, err)
	assert.ErrorIs(t, err, errors.ErrUnknownMode)
}

func TestInstantiateCrossDomainSilentlySkipped(t *testing.T) {
	registry := node.NewRegistry()
	require.NoError(t, registry.Register(&node.Class{Name: "ui", Domain: node.DomainClient}))

	b := newTestBus(t, node.DomainServer, Options{Registry: registry})

	inst, err := b.Instantiate("ui", "ui-1", nil)
	require.NoError(t, err)
	assert.Nil(t, inst)
	assert.Empty(t, b.Instances("ui"))
}

func TestInstantiateDuplicateID(t *testing.T) {
	registry := node.NewRegistry()
	require.NoError(t, registry.Register(&node.Class{Name: "D", Domain: node.DomainShared}))

	b := newTestBus(t, node.DomainServer, Options{Registry: registry})

	_, err := b.Instantiate("D", "d1", nil)
	require.NoError(t, err)
	_, err = b.Instantiate("D", "d1", nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, errors.ErrDuplicateInstance)
}

func TestLockQueueReplay(t *testing.T) {
	rec := &recorder{}
	registry := node.NewRegistry()
	require.NoError(t, registry.Register(&node.Class{
		Name: "source", Domain: node.DomainShared, Outputs: []string{"data", "ack"},
	}))
	require.NoError(t, registry.Register(&node.Class{
		Name: "waiter", Domain: node.DomainShared,
		Input: node.HandlerSet{"OnData": rec.handler()},
	}))

	modes := mode.NewManager()
	require.NoError(t, modes.Define("M", mode.Config{
		Wiring: map[string][]string{"source": {"waiter"}},
	}))

	b := newTestBus(t, node.DomainServer, Options{Registry: registry, Modes: modes})
	ctx := context.Background()

	_, err := b.Instantiate("source", "s1", nil)
	require.NoError(t, err)
	_, err = b.Instantiate("waiter", "x1", nil)
	require.NoError(t, err)
	require.NoError(t, b.SwitchMode(ctx, "M"))

	type waitResult struct {
		msg *message.Message
		ok  bool
	}
	resultCh := make(chan waitResult, 1)
	go func() {
		msg, ok := b.WaitFor(ctx, "x1", "ack", 5*time.Second)
		resultCh <- waitResult{msg, ok}
	}()

	// Wait until the lock is registered before sending.
	require.Eventually(t, func() bool {
		b.mu.Lock()
		defer b.mu.Unlock()
		_, locked := b.locks["x1"]
		return locked
	}, time.Second, time.Millisecond)

	require.NoError(t, b.Send(ctx, "s1", "data", 1))
	require.NoError(t, b.Send(ctx, "s1", "data", 2))
	assert.Empty(t, rec.snapshot(), "messages must queue while locked")

	require.NoError(t, b.Send(ctx, "s1", "ack", "done"))

	select {
	case res := <-resultCh:
		require.True(t, res.ok)
		require.NotNil(t, res.msg)
		assert.Equal(t, "ack", res.msg.Signal)
		assert.Equal(t, "done", res.msg.Payload)
	case <-time.After(time.Second):
		t.Fatal("WaitFor did not resolve")
	}

	// Queued messages replayed in original arrival order.
	calls := rec.snapshot()
	require.Len(t, calls, 2)
	assert.Equal(t, 1, calls[0].payload)
	assert.Equal(t, 2, calls[1].payload)
}

func TestWaitForTimeoutReleasesQueue(t *testing.T) {
	rec := &recorder{}
	registry := node.NewRegistry()
	require.NoError(t, registry.Register(&node.Class{
		Name: "source", Domain: node.DomainShared, Outputs: []string{"data"},
	}))
	require.NoError(t, registry.Register(&node.Class{
		Name: "waiter", Domain: node.DomainShared,
		Input: node.HandlerSet{"OnData": rec.handler()},
	}))

	modes := mode.NewManager()
	require.NoError(t, modes.Define("M", mode.Config{
		Wiring: map[string][]string{"source": {"waiter"}},
	}))

	b := newTestBus(t, node.DomainServer, Options{Registry: registry, Modes: modes})
	ctx := context.Background()

	_, err := b.Instantiate("source", "s1", nil)
	require.NoError(t, err)
	_, err = b.Instantiate("waiter", "x1", nil)
	require.NoError(t, err)
	require.NoError(t, b.SwitchMode(ctx, "M"))

	resultCh := make(chan bool, 1)
	go func() {
		_, ok := b.WaitFor(ctx, "x1", "ack", 100*time.Millisecond)
		resultCh <- ok
	}()

	require.Eventually(t, func() bool {
		b.mu.Lock()
		defer b.mu.Unlock()
		_, locked := b.locks["x1"]
		return locked
	}, time.Second, time.Millisecond)

	require.NoError(t, b.Send(ctx, "s1", "data", 42))
	assert.Empty(t, rec.snapshot())

	// Timeout is a sentinel, not an error; the queued message is replayed.
	select {
	case ok := <-resultCh:
		assert.False(t, ok)
	case <-time.After(time.Second):
		t.Fatal("WaitFor did not time out")
	}

	require.Eventually(t, func() bool {
		return len(rec.snapshot()) == 1
	}, time.Second, time.Millisecond)
	assert.Equal(t, 42, rec.snapshot()[0].payload)
}

func TestWaitForSecondLockRejected(t *testing.T) {
	registry := node.NewRegistry()
	require.NoError(t, registry.Register(&node.Class{Name: "waiter", Domain: node.DomainShared}))

	b := newTestBus(t, node.DomainServer, Options{Registry: registry})
	ctx := context.Background()

	_, err := b.Instantiate("waiter", "x1", nil)
	require.NoError(t, err)

	done := make(chan struct{})
	go func() {
		b.WaitFor(ctx, "x1", "ack", 200*time.Millisecond)
		close(done)
	}()

	require.Eventually(t, func() bool {
		b.mu.Lock()
		defer b.mu.Unlock()
		_, locked := b.locks["x1"]
		return locked
	}, time.Second, time.Millisecond)

	msg, ok := b.WaitFor(ctx, "x1", "other", time.Millisecond)
	assert.Nil(t, msg)
	assert.False(t, ok)

	<-done
}

// captureBoundary records outbound envelopes without a real transport.
type captureBoundary struct {
	mu   sync.Mutex
	envs []transport.Envelope
}

func (c *captureBoundary) SendAcrossBoundary(_ context.Context, env transport.Envelope) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.envs = append(c.envs, env)
	return nil
}

func (c *captureBoundary) OnReceive(transport.Receiver) {}

func (c *captureBoundary) Close(context.Context) error { return nil }

func (c *captureBoundary) snapshot() []transport.Envelope {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]transport.Envelope(nil), c.envs...)
}

func TestCrossDomainHandoffOncePerDomain(t *testing.T) {
	registry := node.NewRegistry()
	require.NoError(t, registry.Register(&node.Class{
		Name: "P", Domain: node.DomainServer, Outputs: []string{"spawned"},
	}))
	require.NoError(t, registry.Register(&node.Class{Name: "C1", Domain: node.DomainClient}))
	require.NoError(t, registry.Register(&node.Class{Name: "C2", Domain: node.DomainClient}))

	modes := mode.NewManager()
	require.NoError(t, modes.Define("M", mode.Config{
		Wiring: map[string][]string{"P": {"C1", "C2"}},
	}))

	boundary := &captureBoundary{}
	b := newTestBus(t, node.DomainServer, Options{Registry: registry, Modes: modes, Boundary: boundary})
	ctx := context.Background()

	_, err := b.Instantiate("P", "p1", nil)
	require.NoError(t, err)
	require.NoError(t, b.SwitchMode(ctx, "M"))

	require.NoError(t, b.Send(ctx, "p1", "spawned", map[string]any{"n": 1}))

	// Two client-domain target classes, one hand-off.
	envs := boundary.snapshot()
	require.Len(t, envs, 1)
	assert.Equal(t, "P", envs[0].SourceClass)
	assert.Equal(t, "spawned", envs[0].Signal)
	assert.Equal(t, node.DomainServer, envs[0].SourceDomain)
	assert.Equal(t, node.DomainClient, envs[0].TargetDomain)
	assert.NotEmpty(t, envs[0].ID)
}

func TestLoopbackBridgesTwoDomains(t *testing.T) {
	rec := &recorder{}
	registry := node.NewRegistry()
	require.NoError(t, registry.Register(&node.Class{
		Name: "P", Domain: node.DomainServer, Outputs: []string{"hello"},
	}))
	require.NoError(t, registry.Register(&node.Class{
		Name: "C", Domain: node.DomainClient,
		Input: node.HandlerSet{"OnHello": rec.handler()},
	}))

	wiring := mode.Config{Wiring: map[string][]string{"P": {"C"}}}
	serverModes := mode.NewManager()
	require.NoError(t, serverModes.Define("M", wiring))
	clientModes := mode.NewManager()
	require.NoError(t, clientModes.Define("M", wiring))

	serverEnd, clientEnd := transport.Pair(nil, 16)
	server := newTestBus(t, node.DomainServer, Options{Registry: registry, Modes: serverModes, Boundary: serverEnd})
	client := newTestBus(t, node.DomainClient, Options{Registry: registry, Modes: clientModes, Boundary: clientEnd})
	ctx := context.Background()

	_, err := server.Instantiate("P", "p1", nil)
	require.NoError(t, err)
	// The server side skips the client class, and vice versa.
	skipped, err := server.Instantiate("C", "c1", nil)
	require.NoError(t, err)
	assert.Nil(t, skipped)
	_, err = client.Instantiate("C", "c1", nil)
	require.NoError(t, err)

	require.NoError(t, server.SwitchMode(ctx, "M"))
	require.NoError(t, client.SwitchMode(ctx, "M"))

	require.NoError(t, server.Send(ctx, "p1", "hello", "hi"))

	require.Eventually(t, func() bool {
		return len(rec.snapshot()) == 1
	}, time.Second, time.Millisecond)

	calls := rec.snapshot()
	assert.Equal(t, "c1", calls[0].instanceID)
	assert.Equal(t, "hi", calls[0].payload)
}

func TestRemoveDiscardsLockState(t *testing.T) {
	registry := node.NewRegistry()
	require.NoError(t, registry.Register(&node.Class{Name: "D", Domain: node.DomainShared}))

	b := newTestBus(t, node.DomainServer, Options{Registry: registry})

	_, err := b.Instantiate("D", "d1", nil)
	require.NoError(t, err)
	require.NotNil(t, b.Instance("d1"))

	b.Remove("d1")
	assert.Nil(t, b.Instance("d1"))
	assert.Empty(t, b.Instances("D"))

	// Removing twice is a no-op.
	b.Remove("d1")
}

func TestClosedBusRejectsTraffic(t *testing.T) {
	registry := node.NewRegistry()
	require.NoError(t, registry.Register(&node.Class{Name: "D", Domain: node.DomainShared}))

	b := newTestBus(t, node.DomainServer, Options{Registry: registry})
	ctx := context.Background()

	_, err := b.Instantiate("D", "d1", nil)
	require.NoError(t, err)
	require.NoError(t, b.Close(ctx))

	assert.ErrorIs(t, b.Send(ctx, "d1", "fired", nil), errors.ErrShuttingDown)
	assert.ErrorIs(t, b.Broadcast(ctx, "drill", nil), errors.ErrShuttingDown)
	_, err = b.Instantiate("D", "d2", nil)
	assert.ErrorIs(t, err, errors.ErrShuttingDown)
}
