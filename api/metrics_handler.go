package api

import (
	"net/http"

	"github.com/signalfence/redisrate/metrics"
)

// MetricsProvider defines the interface for getting metrics
type MetricsProvider interface {
	Snapshot() *metrics.Snapshot
}

// MetricsHandler handles GET /metrics requests
type MetricsHandler struct {
	provider MetricsProvider
}

// NewMetricsHandler creates a new metrics handler
func NewMetricsHandler(provider MetricsProvider) *MetricsHandler {
	return &MetricsHandler{provider: provider}
}

// ServeHTTP handles the metrics endpoint
func (h *MetricsHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Access-Control-Allow-Origin", "*")
	sendJSON(w, http.StatusOK, h.provider.Snapshot())
}
