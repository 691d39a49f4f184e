// Package httpserver exposes the worker's liveness, readiness and metrics
// endpoints.
package httpserver

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"mailworker/internal/observability"
)

type Server struct {
	Mux    *mux.Router
	logger *slog.Logger
}

func New(logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "http")
	r := mux.NewRouter()
	r.Use(Instrument(logger, observability.HTTPRequests))
	return &Server{Mux: r, logger: logger}
}

// RegisterOps mounts /healthz, /readyz and /metrics.
func (s *Server) RegisterOps(gatherer prometheus.Gatherer, readyTimeout time.Duration, checks ...Check) {
	s.Mux.HandleFunc("/healthz", Healthz()).Methods(http.MethodGet)
	s.Mux.HandleFunc("/readyz", Readyz(s.logger, readyTimeout, checks...)).Methods(http.MethodGet)
	s.Mux.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})).Methods(http.MethodGet)
}

func (s *Server) Handler() http.Handler { return s.Mux }
