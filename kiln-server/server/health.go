package server

import (
	"context"
	"net/http"
	"time"

	"github.com/kilnrun/kiln/api"
	"github.com/kilnrun/kiln/support/supportedversion"
)

const probeTimeout = 3 * time.Second

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, api.HealthResponse{
		Status:    "healthy",
		Version:   supportedversion.String(),
		Timestamp: time.Now().UTC(),
	})
}

// healthSnapshot probes every backing service with a short deadline.
func (s *Server) healthSnapshot(ctx context.Context) map[string]string {
	out := make(map[string]string, 3)
	for name, ping := range map[string]Pinger{
		"redis":      s.redisPing,
		"minio":      s.minioPing,
		"kubernetes": s.k8sPing,
	} {
		out[name] = s.probe(ctx, ping)
	}
	return out
}

func (s *Server) probe(ctx context.Context, ping Pinger) string {
	if ping == nil {
		return "unknown"
	}
	ctx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()
	if err := ping(ctx); err != nil {
		return "unhealthy: " + err.Error()
	}
	return "healthy"
}

// handleHealthDetailed grades overall health: Redis or the cluster down is
// unhealthy (503); only the object store down is degraded (200 plus a
// header), since executions still work without the file plane.
func (s *Server) handleHealthDetailed(w http.ResponseWriter, r *http.Request) {
	services := s.healthSnapshot(r.Context())

	status := "healthy"
	code := http.StatusOK
	if services["minio"] != "healthy" {
		status = "degraded"
	}
	if services["redis"] != "healthy" || services["kubernetes"] != "healthy" {
		status = "unhealthy"
		code = http.StatusServiceUnavailable
	}
	if status == "degraded" {
		w.Header().Set("X-Health-Status", "degraded")
	}

	writeJSON(w, code, map[string]any{
		"status":    status,
		"version":   supportedversion.String(),
		"timestamp": time.Now().UTC(),
		"services":  services,
		"pool":      s.pools.Stats(),
	})
}

// handleProbe serves the per-service endpoints. The pinger is resolved
// lazily so tests can swap it after construction.
func (s *Server) handleProbe(name string, pinger func() Pinger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		result := s.probe(r.Context(), pinger())
		code := http.StatusOK
		if result != "healthy" {
			code = http.StatusServiceUnavailable
		}
		writeJSON(w, code, map[string]string{"service": name, "status": result})
	}
}
