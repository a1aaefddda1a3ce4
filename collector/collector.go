// Package collector implements the single sink that receives all handler
// failures and routing anomalies for centralized reporting.
//
// The collector never returns or raises errors itself: it structured-logs
// every event and forwards a copy to an optional external telemetry
// collaborator through a worker pool so the router is never blocked. It
// does not attempt recovery or retries; retry policy belongs to the node
// that failed, not to the bus.
package collector

import (
	"context"
	"log/slog"
	"time"

	"github.com/c360/signalbus/metric"
	"github.com/c360/signalbus/pkg/worker"
)

// Event is the structured record produced for every isolated handler
// failure or routing anomaly.
type Event struct {
	InstanceID string    `json:"instance_id"`
	Class      string    `json:"class"`
	Handler    string    `json:"handler"`
	Err        error     `json:"-"`
	Payload    any       `json:"payload,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
}

// Telemetry is the external collaborator that receives a copy of every
// event. Implementations must tolerate concurrent calls; they are invoked
// from pool workers, never from the router's dispatch path.
type Telemetry interface {
	RecordError(ctx context.Context, ev Event)
}

// Collector is the default error sink.
type Collector struct {
	logger    *slog.Logger
	telemetry Telemetry
	pool      *worker.Pool[Event]
}

// New creates a collector. telemetry may be nil; metricsRegistry is only
// used for the telemetry worker pool's own metrics and may be nil.
func New(logger *slog.Logger, metricsRegistry *metric.MetricsRegistry, telemetry Telemetry) *Collector {
	if logger == nil {
		logger = slog.Default()
	}

	c := &Collector{
		logger:    logger.With("component", "collector"),
		telemetry: telemetry,
	}
	if telemetry != nil {
		var opts []worker.Option[Event]
		if metricsRegistry != nil {
			opts = append(opts, worker.WithMetrics[Event](metricsRegistry, "collector_telemetry"))
		}
		c.pool = worker.NewPool(2, 512, c.forward, opts...)
	}
	return c
}

// Start starts the telemetry forwarding workers. No-op without telemetry.
func (c *Collector) Start(ctx context.Context) error {
	if c.pool == nil {
		return nil
	}
	return c.pool.Start(ctx)
}

// Stop drains the telemetry queue. No-op without telemetry.
func (c *Collector) Stop(timeout time.Duration) error {
	if c.pool == nil {
		return nil
	}
	return c.pool.Stop(timeout)
}

// HandleError records one event. It never panics and never blocks on the
// telemetry collaborator; when the forwarding queue is full the copy is
// dropped (the local log record is always written).
func (c *Collector) HandleError(ev Event) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("collector panicked handling event", "panic", r)
		}
	}()

	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}

	c.logger.Error("handler execution failed",
		"instance_id", ev.InstanceID,
		"class", ev.Class,
		"handler", ev.Handler,
		"error", ev.Err)

	if c.pool != nil {
		if err := c.pool.Submit(ev); err != nil {
			c.logger.Warn("telemetry forward dropped", "error", err)
		}
	}
}

// forward delivers one event to the telemetry collaborator, isolating any
// panic it raises.
func (c *Collector) forward(ctx context.Context, ev Event) (err error) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("telemetry collaborator panicked", "panic", r)
		}
	}()
	c.telemetry.RecordError(ctx, ev)
	return nil
}
