// Package metric provides Prometheus metrics registration for the bus and
// its collaborators. A MetricsRegistry owns one prometheus.Registry, exposes
// registrar methods for component-specific metrics, and pre-registers the
// core routing metrics every bus reports.
package metric

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the core routing metrics shared by every bus.
type Metrics struct {
	// MessagesRouted counts signals accepted by the router.
	MessagesRouted prometheus.Counter

	// Deliveries counts handler invocations performed by the router.
	Deliveries prometheus.Counter

	// CyclesDropped counts deliveries silently dropped by cycle detection.
	CyclesDropped prometheus.Counter

	// HandlerFailures counts isolated handler errors forwarded to the
	// error collector.
	HandlerFailures prometheus.Counter

	// Broadcasts counts lifecycle broadcasts to the System channel.
	Broadcasts prometheus.Counter

	// BoundarySends counts hand-offs to the cross-boundary transport.
	BoundarySends prometheus.Counter

	// ActiveInstances tracks the number of live node instances.
	ActiveInstances prometheus.Gauge

	// LockedInstances tracks instances currently in a wait state.
	LockedInstances prometheus.Gauge

	// QueuedMessages tracks messages queued behind locked instances.
	QueuedMessages prometheus.Gauge

	// DispatchDuration observes per-delivery handler execution time.
	DispatchDuration prometheus.Histogram
}

// NewMetrics creates the core routing metrics (unregistered).
func NewMetrics() *Metrics {
	return &Metrics{
		MessagesRouted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "signalbus",
			Subsystem: "router",
			Name:      "messages_routed_total",
			Help:      "Total signals accepted by the router",
		}),
		Deliveries: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "signalbus",
			Subsystem: "router",
			Name:      "deliveries_total",
			Help:      "Total handler invocations performed by the router",
		}),
		CyclesDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "signalbus",
			Subsystem: "router",
			Name:      "cycles_dropped_total",
			Help:      "Total deliveries dropped by routing-cycle detection",
		}),
		HandlerFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "signalbus",
			Subsystem: "router",
			Name:      "handler_failures_total",
			Help:      "Total isolated handler errors forwarded to the collector",
		}),
		Broadcasts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "signalbus",
			Subsystem: "router",
			Name:      "broadcasts_total",
			Help:      "Total lifecycle broadcasts",
		}),
		BoundarySends: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "signalbus",
			Subsystem: "router",
			Name:      "boundary_sends_total",
			Help:      "Total hand-offs to the cross-boundary transport",
		}),
		ActiveInstances: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "signalbus",
			Subsystem: "core",
			Name:      "active_instances",
			Help:      "Current number of live node instances",
		}),
		LockedInstances: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "signalbus",
			Subsystem: "core",
			Name:      "locked_instances",
			Help:      "Current number of instances in a wait state",
		}),
		QueuedMessages: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "signalbus",
			Subsystem: "core",
			Name:      "queued_messages",
			Help:      "Messages queued behind locked instances",
		}),
		DispatchDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "signalbus",
			Subsystem: "router",
			Name:      "dispatch_duration_seconds",
			Help:      "Per-delivery handler execution time",
			Buckets:   []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5},
		}),
	}
}
