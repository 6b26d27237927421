package api

import (
	"encoding/json"
	"net/http"

	"github.com/yourusername/floodgate/metrics"
)

// MetricsHandler serves GET /api/v1/metrics.
type MetricsHandler struct {
	stats *metrics.Collector
}

// NewMetricsHandler creates a handler over the collector.
func NewMetricsHandler(stats *metrics.Collector) *MetricsHandler {
	return &MetricsHandler{stats: stats}
}

func (h *MetricsHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	snapshot := h.stats.Snapshot()

	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Access-Control-Allow-Origin", "*")
	json.NewEncoder(w).Encode(snapshot)
}
