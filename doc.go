// Package signalbus provides an in-process, signal-driven communication bus
// for wiring independent nodes together without direct references between
// them.
//
// # Architecture
//
// Nodes declare named handlers on four channels (System, Input, Output,
// Error). A central router delivers signals between node instances according
// to a declarative, swappable wiring table called a mode:
//
//	┌─────────────────────────────────────┐
//	│       Lifecycle Orchestrator        │  register, init, start,
//	│  (engine: spawn, despawn, stop)     │  stop, spawn, despawn
//	└─────────────────────────────────────┘
//	           ↓ drives
//	┌─────────────────────────────────────┐
//	│            Message Bus              │  monotonic message ids,
//	│  (bus: route, broadcast, lock)      │  cycle-safe fan-out,
//	└─────────────────────────────────────┘  failure isolation
//	           ↓ consults
//	┌──────────────────┬──────────────────┐
//	│  Class Registry  │   Mode Manager   │  inherited contracts,
//	│     (node)       │      (mode)      │  wiring inheritance
//	└──────────────────┴──────────────────┘
//
// # Packages
//
// Core:
//   - node: node class definitions, inheritance contracts, instances
//   - mode: named wiring configurations with base-mode inheritance
//   - bus: the dispatch core (routing, cycles, locks, broadcasts)
//   - engine: lifecycle orchestration across all instances
//   - collector: the single sink for handler failures and routing anomalies
//   - transport: cross-boundary channel between execution domains
//
// Infrastructure:
//   - errors: classified error handling (transient/invalid/fatal)
//   - metric: Prometheus metrics registry
//   - config: YAML configuration loading for buses and mode tables
//   - health: subsystem health tracking with an HTTP endpoint
//   - pkg/retry: exponential backoff
//   - pkg/worker: generic worker pool
//
// # Usage
//
//	registry := node.NewRegistry()
//	registry.MustRegister(producerClass)
//	registry.MustRegister(consumerClass)
//
//	b, _ := bus.New(bus.Options{
//		Domain:   node.DomainServer,
//		Registry: registry,
//		Logger:   logger,
//	})
//	b.Modes().Define("live", mode.Config{
//		Nodes:  []string{"producer", "consumer"},
//		Wiring: map[string][]string{"producer": {"consumer"}},
//	})
//
//	orch := engine.New(b, logger, nil)
//	orch.Register(engine.Spec{Class: "producer", ID: "p1"})
//	orch.Register(engine.Spec{Class: "consumer", ID: "c1"})
//	orch.InitAll(ctx)
//	b.SwitchMode(ctx, "live")
//	orch.StartAll(ctx)
//
// All state lives on an explicit Bus value; there are no package-level
// registries, so independent buses can coexist in one process (and in tests).
package signalbus
