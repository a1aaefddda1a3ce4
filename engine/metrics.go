package engine

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/c360/signalbus/metric"
)

// engineMetrics holds Prometheus metrics for lifecycle operations.
type engineMetrics struct {
	// Lifecycle operations by class and status (success/failure)
	inits  *prometheus.CounterVec
	starts *prometheus.CounterVec
	stops  *prometheus.CounterVec
	spawns *prometheus.CounterVec

	// Operation latency by class
	initDuration  *prometheus.HistogramVec
	startDuration *prometheus.HistogramVec
	stopDuration  *prometheus.HistogramVec

	// Current number of managed instances
	managedInstances prometheus.Gauge
}

// newEngineMetrics creates and registers lifecycle metrics with the provided
// registry.
func newEngineMetrics(registry *metric.MetricsRegistry) (*engineMetrics, error) {
	if registry == nil {
		return nil, nil // Metrics disabled
	}

	m := &engineMetrics{
		inits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "signalbus",
			Subsystem: "engine",
			Name:      "inits_total",
			Help:      "Total number of instance init operations",
		}, []string{"class", "status"}), // status: success, failure

		starts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "signalbus",
			Subsystem: "engine",
			Name:      "starts_total",
			Help:      "Total number of instance start operations",
		}, []string{"class", "status"}),

		stops: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "signalbus",
			Subsystem: "engine",
			Name:      "stops_total",
			Help:      "Total number of instance stop operations",
		}, []string{"class", "status"}),

		spawns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "signalbus",
			Subsystem: "engine",
			Name:      "spawns_total",
			Help:      "Total number of dynamic spawn operations",
		}, []string{"class", "status"}),

		initDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "signalbus",
			Subsystem: "engine",
			Name:      "init_duration_seconds",
			Help:      "Instance init duration in seconds",
			Buckets:   []float64{0.001, 0.01, 0.1, 0.5, 1.0, 5.0},
		}, []string{"class"}),

		startDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "signalbus",
			Subsystem: "engine",
			Name:      "start_duration_seconds",
			Help:      "Instance start duration in seconds",
			Buckets:   []float64{0.001, 0.01, 0.1, 0.5, 1.0, 5.0},
		}, []string{"class"}),

		stopDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "signalbus",
			Subsystem: "engine",
			Name:      "stop_duration_seconds",
			Help:      "Instance stop duration in seconds",
			Buckets:   []float64{0.001, 0.01, 0.1, 0.5, 1.0, 5.0},
		}, []string{"class"}),

		managedInstances: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "signalbus",
			Subsystem: "engine",
			Name:      "managed_instances",
			Help:      "Current number of instances managed by the orchestrator",
		}),
	}

	if err := registry.RegisterCounterVec("engine", "inits", m.inits); err != nil {
		return nil, err
	}
	if err := registry.RegisterCounterVec("engine", "starts", m.starts); err != nil {
		return nil, err
	}
	if err := registry.RegisterCounterVec("engine", "stops", m.stops); err != nil {
		return nil, err
	}
	if err := registry.RegisterCounterVec("engine", "spawns", m.spawns); err != nil {
		return nil, err
	}
	if err := registry.RegisterHistogramVec("engine", "init_duration", m.initDuration); err != nil {
		return nil, err
	}
	if err := registry.RegisterHistogramVec("engine", "start_duration", m.startDuration); err != nil {
		return nil, err
	}
	if err := registry.RegisterHistogramVec("engine", "stop_duration", m.stopDuration); err != nil {
		return nil, err
	}
	if err := registry.RegisterGauge("engine", "managed_instances", m.managedInstances); err != nil {
		return nil, err
	}

	return m, nil
}

func status(success bool) string {
	if success {
		return "success"
	}
	return "failure"
}

// recordInit records an instance init operation.
func (m *engineMetrics) recordInit(class string, success bool, duration float64) {
	if m == nil {
		return
	}

	m.inits.WithLabelValues(class, status(success)).Inc()
	m.initDuration.WithLabelValues(class).Observe(duration)
}

// recordStart records an instance start operation.
func (m *engineMetrics) recordStart(class string, success bool, duration float64) {
	if m == nil {
		return
	}

	m.starts.WithLabelValues(class, status(success)).Inc()
	m.startDuration.WithLabelValues(class).Observe(duration)
}

// recordStop records an instance stop operation.
func (m *engineMetrics) recordStop(class string, success bool, duration float64) {
	if m == nil {
		return
	}

	m.stops.WithLabelValues(class, status(success)).Inc()
	m.stopDuration.WithLabelValues(class).Observe(duration)
}

// recordSpawn records a dynamic spawn operation.
func (m *engineMetrics) recordSpawn(class string, success bool) {
	if m == nil {
		return
	}

	m.spawns.WithLabelValues(class, status(success)).Inc()
}

// setManaged updates the managed-instances gauge.
func (m *engineMetrics) setManaged(delta float64) {
	if m != nil {
		m.managedInstances.Add(delta)
	}
}
