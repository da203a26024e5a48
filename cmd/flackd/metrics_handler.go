package main

import (
	"encoding/json"
	"net/http"

	"flack/internal/metrics"
	"flack/internal/tracing"

	"github.com/sirupsen/logrus"
)

// handleMetrics dumps the metrics registry as indented JSON for local
// inspection and scraping.
func (s *Server) handleMetrics() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		allMetrics := metrics.GetAllMetrics()

		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("Cache-Control", "no-cache, no-store, must-revalidate")

		encoder := json.NewEncoder(w)
		encoder.SetIndent("", "  ")
		if err := encoder.Encode(allMetrics); err != nil {
			requestInfo := tracing.GetRequestInfo(r.Context())
			s.logger.WithFields(logrus.Fields{
				"request_id": requestInfo.RequestID,
				"trace_id":   requestInfo.TraceID,
				"error":      err,
			}).Error("Failed to encode metrics response")
			http.Error(w, "Internal server error", http.StatusInternalServerError)
		}
	}
}
