package handlers

import "net/http"

type Health struct {
	health HealthContract
}

func NewHealth(healthSvc HealthContract) *Health { return &Health{health: healthSvc} }

func (h *Health) Handler(w http.ResponseWriter, r *http.Request) {
	res := h.health.Check(r.Context())
	if !res.OK {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{"status": "down", "checks": res.Checks})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "checks": res.Checks})
}
