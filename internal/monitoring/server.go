package monitoring

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Server provides HTTP endpoints for monitoring join operations.
type Server struct {
	collector *MetricsCollector
	server    *http.Server
}

// NewMonitoringServer creates a new monitoring server on addr. /metrics
// serves gatherer in the prometheus text format.
func NewMonitoringServer(collector *MetricsCollector, gatherer prometheus.Gatherer, addr string) *Server {
	mux := http.NewServeMux()

	server := &Server{
		collector: collector,
		server: &http.Server{
			Addr:              addr,
			Handler:           mux,
			ReadHeaderTimeout: 10 * time.Second, //nolint:mnd // Standard timeout value
		},
	}

	// Register endpoints
	mux.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	mux.HandleFunc("/health", server.handleHealth)
	mux.HandleFunc("/joins", server.handleJoins)
	mux.HandleFunc("/phases", server.handlePhases)

	return server
}

// Handler returns the endpoint multiplexer.
func (ms *Server) Handler() http.Handler {
	return ms.server.Handler
}

// Start starts the monitoring server.
func (ms *Server) Start() error {
	return ms.server.ListenAndServe()
}

// Stop stops the monitoring server.
func (ms *Server) Stop(ctx context.Context) error {
	return ms.server.Shutdown(ctx)
}

// handleHealth serves the health check endpoint.
func (ms *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ms.writeJSON(w, r, map[string]any{
		"status":    "ok",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
		"enabled":   ms.collector.IsEnabled(),
	})
}

// handleJoins serves the recent joins and their summary.
func (ms *Server) handleJoins(w http.ResponseWriter, r *http.Request) {
	ms.writeJSON(w, r, map[string]any{
		"summary": ms.collector.GetSummary(),
		"joins":   ms.collector.GetMetrics(),
	})
}

// handlePhases serves the per-phase timing aggregates.
func (ms *Server) handlePhases(w http.ResponseWriter, r *http.Request) {
	ms.writeJSON(w, r, ms.collector.GetPhaseSummaries())
}

func (ms *Server) writeJSON(w http.ResponseWriter, r *http.Request, v any) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, "Failed to encode response", http.StatusInternalServerError)
		return
	}
}
