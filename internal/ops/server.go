// Package ops hosts the optional operational HTTP listener: liveness,
// readiness and Prometheus metrics. The stdio MCP surface runs fine without
// it; deployments that want scraping and probes enable it in config.
package ops

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/emberfell/hearthgate/internal/health"
	"github.com/emberfell/hearthgate/pkg/config"
	"github.com/emberfell/hearthgate/pkg/graceful"
	"github.com/emberfell/hearthgate/pkg/logger"
)

// Server serves /healthz, /readyz and /metrics.
type Server struct {
	graceful *graceful.Server
	router   *chi.Mux
	checker  *health.Checker
	log      *slog.Logger
}

// New builds the ops server. The checker decides readiness; liveness is
// unconditional.
func New(cfg config.OpsConfig, checker *health.Checker, log *slog.Logger) *Server {
	if log == nil {
		log = slog.Default()
	}

	router := chi.NewRouter()
	router.Use(chimiddleware.RealIP)
	router.Use(logger.Middleware)

	s := &Server{
		router:  router,
		checker: checker,
		log:     log,
	}
	s.registerRoutes()

	httpServer := &http.Server{
		Addr:         cfg.Addr,
		Handler:      router,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}
	s.graceful = graceful.NewServer(log, httpServer, cfg.ShutdownTimeout)

	return s
}

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	return s.graceful.ListenAndServe(ctx)
}

// Handler exposes the router for tests.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) registerRoutes() {
	s.router.Get("/healthz", s.handleHealthz)
	s.router.Get("/readyz", s.handleReadyz)
	s.router.Method(http.MethodGet, "/metrics", promhttp.Handler())
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleReadyz(w http.ResponseWriter, r *http.Request) {
	results := map[string]string{}
	if s.checker != nil {
		results = s.checker.Check(r.Context())
	}

	status := http.StatusOK
	for _, result := range results {
		if result != "OK" {
			status = http.StatusServiceUnavailable
			break
		}
	}

	if status != http.StatusOK {
		s.log.Warn("readiness check failed",
			slog.String("correlation_id", logger.CorrelationIDFromContext(r.Context())),
			slog.Any("checks", results),
		)
	}

	writeJSON(w, status, results)
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
