package observability

import (
	"encoding/json"
	"net/http"
	"sync/atomic"
	"time"

	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// HealthChecker manages liveness and readiness state for HTTP probes and the
// gRPC health service.
type HealthChecker struct {
	ready     atomic.Bool
	startTime time.Time
	grpc      *health.Server
}

// NewHealthChecker creates a health checker backed by a gRPC health server.
// The server reports NOT_SERVING until SetReady(true).
func NewHealthChecker() *HealthChecker {
	h := &HealthChecker{
		startTime: time.Now(),
		grpc:      health.NewServer(),
	}
	h.grpc.SetServingStatus("", healthpb.HealthCheckResponse_NOT_SERVING)
	return h
}

// GRPCServer returns the gRPC health service to register.
func (h *HealthChecker) GRPCServer() *health.Server {
	return h.grpc
}

// SetReady marks the service as ready to accept traffic.
func (h *HealthChecker) SetReady(ready bool) {
	h.ready.Store(ready)
	status := healthpb.HealthCheckResponse_NOT_SERVING
	if ready {
		status = healthpb.HealthCheckResponse_SERVING
	}
	h.grpc.SetServingStatus("", status)
}

// IsReady returns whether the service is ready.
func (h *HealthChecker) IsReady() bool {
	return h.ready.Load()
}

// LivenessHandler returns HTTP 200 while the process is running.
func (h *HealthChecker) LivenessHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status": "alive",
		"uptime": time.Since(h.startTime).String(),
	})
}

// ReadinessHandler returns HTTP 200 once replay has finished and
// dependencies are connected, 503 otherwise.
func (h *HealthChecker) ReadinessHandler(w http.ResponseWriter, r *http.Request) {
	if h.ready.Load() {
		writeJSON(w, http.StatusOK, map[string]interface{}{"status": "ready"})
		return
	}
	writeJSON(w, http.StatusServiceUnavailable, map[string]interface{}{"status": "not_ready"})
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}
