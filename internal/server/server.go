// Package server exposes the control-plane REST API: task lifecycle
// mutations, event and artifact reads, and the aggregate dashboards. It is
// a thin JSON layer over orchestrator.Service and stats.Collector; no
// workflow decisions live here.
package server

import (
	"context"
	"net"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/parleyhq/parley/internal/config"
	"github.com/parleyhq/parley/internal/orchestrator"
	"github.com/parleyhq/parley/internal/stats"
)

// Info identifies the build and backend reported by /healthz.
type Info struct {
	Version string // Binary version, "dev" when unset
	Backend string // Storage backend name: sqlite or redis
}

// Server serves the REST control plane over one orchestrator service.
type Server struct {
	svc    *orchestrator.Service
	stats  *stats.Collector
	cfg    *config.ServerConfig
	info   Info
	logger *zap.Logger

	http     *http.Server
	listener net.Listener
}

// New assembles the server from an orchestrator service and a stats
// collector. cfg must be validated configuration; nil falls back to
// defaults.
func New(svc *orchestrator.Service, collector *stats.Collector, cfg *config.Config, info Info, logger *zap.Logger) *Server {
	if cfg == nil {
		cfg = config.Default()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if info.Version == "" {
		info.Version = "dev"
	}
	s := &Server{
		svc:    svc,
		stats:  collector,
		cfg:    cfg.Server,
		info:   info,
		logger: logger,
	}
	s.http = &http.Server{
		Handler:           s.routes(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s
}

// Router returns the handler tree, for tests and embedding.
func (s *Server) Router() http.Handler {
	return s.http.Handler
}

// Start binds the configured address and serves in the background. The bind
// error surfaces synchronously; serve errors other than a clean shutdown go
// to the log.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.cfg.Bind)
	if err != nil {
		return err
	}
	s.listener = ln
	s.logger.Info("REST API listening", zap.String("addr", ln.Addr().String()))

	go func() {
		if err := s.http.Serve(ln); err != nil && err != http.ErrServerClosed {
			s.logger.Error("REST API server error", zap.Error(err))
		}
	}()
	return nil
}

// Addr returns the bound address, empty before Start.
func (s *Server) Addr() string {
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Shutdown drains in-flight requests until ctx expires.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}

// healthResponse is the /healthz payload.
type healthResponse struct {
	Status  string `json:"status"`
	Version string `json:"version"`
	Backend string `json:"backend,omitempty"`
	Error   string `json:"error,omitempty"`
}

// handleHealth reports liveness plus storage connectivity.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	resp := healthResponse{Status: "ok", Version: s.info.Version, Backend: s.info.Backend}
	if err := s.svc.Ping(ctx); err != nil {
		resp.Status = "degraded"
		resp.Error = err.Error()
		writeJSON(w, http.StatusServiceUnavailable, resp)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}
