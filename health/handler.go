package health

import (
	"encoding/json"
	"net/http"
)

// Handler serves the aggregated health status as JSON. Healthy and degraded
// systems return 200; an unhealthy system returns 503 so load balancers pull
// the node.
func Handler(monitor *Monitor, systemName string) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		status := monitor.AggregateHealth(systemName)

		code := http.StatusOK
		if status.IsUnhealthy() {
			code = http.StatusServiceUnavailable
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(code)
		_ = json.NewEncoder(w).Encode(status)
	})
}
