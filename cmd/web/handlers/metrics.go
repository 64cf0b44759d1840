package handlers

import (
	"net/http"

	"payflow/kit/observability"
)

type Metrics struct {
	handler http.Handler
}

func NewMetrics(m *observability.Metrics) *Metrics {
	return &Metrics{handler: m.Handler()}
}

// Handler serves the Prometheus exposition format.
func (h *Metrics) Handler(w http.ResponseWriter, r *http.Request) {
	h.handler.ServeHTTP(w, r)
}
