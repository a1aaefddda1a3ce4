package main

import (
	"context"
	"log/slog"
	"time"

	"github.com/c360/signalbus/message"
	"github.com/c360/signalbus/node"
)

// registerBuiltinClasses installs the diagnostic node classes every runtime
// ships with: a heartbeat emitter and a recorder sink. Wire them in a mode
// ("heartbeat" -> "recorder") to verify a deployment end to end.
func registerBuiltinClasses(registry *node.Registry, logger *slog.Logger) error {
	heartbeat := &node.Class{
		Name:    "heartbeat",
		Domain:  node.DomainShared,
		Outputs: []string{"tick"},
		System: node.HandlerSet{
			"OnNodeStart": func(ctx context.Context, inst *node.Instance, _ *message.Message) error {
				interval := time.Second
				if v, ok := inst.GetAttribute("interval_ms"); ok {
					if ms, ok := v.(int); ok && ms > 0 {
						interval = time.Duration(ms) * time.Millisecond
					}
				}
				go runHeartbeat(ctx, inst, interval)
				return nil
			},
		},
	}

	recorder := &node.Class{
		Name:   "recorder",
		Domain: node.DomainShared,
		Input: node.HandlerSet{
			"OnTick": func(_ context.Context, inst *node.Instance, msg *message.Message) error {
				logger.Info("tick recorded",
					"recorder", inst.ID(), "source", msg.Source, "payload", msg.Payload)
				return nil
			},
		},
	}

	if err := registry.Register(heartbeat); err != nil {
		return err
	}
	return registry.Register(recorder)
}

// runHeartbeat emits ticks until the instance's run context is cancelled.
func runHeartbeat(ctx context.Context, inst *node.Instance, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	seq := 0
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			seq++
			_ = inst.Emit(ctx, "tick", map[string]any{"seq": seq, "at": time.Now().UTC()})
		}
	}
}
