// Package health serves liveness and Prometheus endpoints.
package health

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/vietddude/txreplay/internal/infra/storage"
)

// SystemStatus represents the health state of the store backend.
type SystemStatus string

const (
	StatusHealthy  SystemStatus = "healthy"
	StatusCritical SystemStatus = "critical"
)

// Report is the detailed health response.
type Report struct {
	Status  SystemStatus `json:"status"`
	Backend string       `json:"backend"`
	Error   string       `json:"error,omitempty"`
}

// Server provides HTTP endpoints for health monitoring.
type Server struct {
	backend string
	pinger  storage.Pinger
	server  *http.Server
}

// NewServer creates a new health server. pinger may be nil.
func NewServer(backend string, pinger storage.Pinger, port int) *Server {
	s := &Server{backend: backend, pinger: pinger}
	s.server = &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s
}

// Handler returns the server's routes.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", s.handleHealth)
	mux.Handle("/metrics", promhttp.Handler())
	return mux
}

// Start starts the HTTP server.
func (s *Server) Start() error {
	return s.server.ListenAndServe()
}

// Stop stops the HTTP server.
func (s *Server) Stop(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}

// Check pings the backend.
func (s *Server) Check(ctx context.Context) Report {
	r := Report{Status: StatusHealthy, Backend: s.backend}
	if s.pinger == nil {
		return r
	}
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := s.pinger.Ping(ctx); err != nil {
		r.Status = StatusCritical
		r.Error = err.Error()
	}
	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	report := s.Check(r.Context())
	w.Header().Set("Content-Type", "application/json")

	if report.Status == StatusCritical {
		w.WriteHeader(http.StatusServiceUnavailable)
	} else {
		w.WriteHeader(http.StatusOK)
	}

	json.NewEncoder(w).Encode(report)
}
