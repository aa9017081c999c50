// Package http exposes the authorization engine over HTTP.
package http

import (
	"encoding/json"
	"net/http"
	"sync/atomic"
)

// HealthHandler handles health check endpoints.
type HealthHandler struct {
	// ready indicates if the server is ready to accept traffic.
	ready atomic.Bool
}

// NewHealthHandler creates a new HealthHandler.
func NewHealthHandler() *HealthHandler {
	h := &HealthHandler{}
	h.ready.Store(true)
	return h
}

// SetReady sets the readiness status.
func (h *HealthHandler) SetReady(ready bool) {
	h.ready.Store(ready)
}

// Healthz handles the /healthz endpoint.
// Returns 200 OK if the server is alive.
func (h *HealthHandler) Healthz(w http.ResponseWriter, r *http.Request) {
	writeStatus(w, http.StatusOK, "ok")
}

// Readyz handles the /readyz endpoint.
// Returns 200 OK if the server is ready to accept traffic, 503 otherwise.
func (h *HealthHandler) Readyz(w http.ResponseWriter, r *http.Request) {
	if h.ready.Load() {
		writeStatus(w, http.StatusOK, "ready")
		return
	}
	writeStatus(w, http.StatusServiceUnavailable, "not ready")
}

func writeStatus(w http.ResponseWriter, code int, status string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(map[string]string{"status": status})
}
