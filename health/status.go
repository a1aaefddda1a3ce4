// Package health tracks the health of the runtime's subsystems and exposes
// an aggregated view over HTTP. The runner registers the bus, the lifecycle
// orchestrator, the error collector, and the boundary transport as monitored
// subsystems.
package health

import "time"

// Status describes the health of a single subsystem.
type Status struct {
	Subsystem   string    `json:"subsystem"`
	Healthy     bool      `json:"healthy"`
	Status      string    `json:"status"` // "healthy", "degraded", "unhealthy"
	Message     string    `json:"message"`
	Timestamp   time.Time `json:"timestamp"`
	SubStatuses []Status  `json:"sub_statuses,omitempty"`
}

// IsHealthy returns true if the status is healthy.
func (s Status) IsHealthy() bool { return s.Status == "healthy" }

// IsDegraded returns true if the status is degraded.
func (s Status) IsDegraded() bool { return s.Status == "degraded" }

// IsUnhealthy returns true if the status is unhealthy.
func (s Status) IsUnhealthy() bool { return s.Status == "unhealthy" }

// NewHealthy creates a healthy status.
func NewHealthy(subsystem, message string) Status {
	return Status{
		Subsystem: subsystem,
		Healthy:   true,
		Status:    "healthy",
		Message:   message,
		Timestamp: time.Now(),
	}
}

// NewDegraded creates a degraded status.
func NewDegraded(subsystem, message string) Status {
	return Status{
		Subsystem: subsystem,
		Status:    "degraded",
		Message:   message,
		Timestamp: time.Now(),
	}
}

// NewUnhealthy creates an unhealthy status.
func NewUnhealthy(subsystem, message string) Status {
	return Status{
		Subsystem: subsystem,
		Status:    "unhealthy",
		Message:   message,
		Timestamp: time.Now(),
	}
}

// Aggregate combines sub-statuses into one status. Any unhealthy subsystem
// makes the aggregate unhealthy; otherwise any degraded subsystem makes it
// degraded.
func Aggregate(subsystem string, subStatuses []Status) Status {
	if len(subStatuses) == 0 {
		return NewHealthy(subsystem, "no subsystems registered")
	}

	hasUnhealthy := false
	hasDegraded := false
	for _, sub := range subStatuses {
		switch {
		case sub.IsUnhealthy():
			hasUnhealthy = true
		case sub.IsDegraded():
			hasDegraded = true
		}
	}

	var status Status
	switch {
	case hasUnhealthy:
		status = NewUnhealthy(subsystem, "one or more subsystems are unhealthy")
	case hasDegraded:
		status = NewDegraded(subsystem, "one or more subsystems are degraded")
	default:
		status = NewHealthy(subsystem, "all subsystems healthy")
	}

	status.SubStatuses = make([]Status, len(subStatuses))
	copy(status.SubStatuses, subStatuses)
	return status
}
