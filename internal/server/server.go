// Package server exposes the workbench HTTP and duplex surface.
package server

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"git.home.luguber.info/inful/specbench/internal/config"
	"git.home.luguber.info/inful/specbench/internal/engine"
	"git.home.luguber.info/inful/specbench/internal/fabric"
	derrors "git.home.luguber.info/inful/specbench/internal/foundation/errors"
	"git.home.luguber.info/inful/specbench/internal/gitinfo"
	"git.home.luguber.info/inful/specbench/internal/journal"
	"git.home.luguber.info/inful/specbench/internal/orchestrator"
	"git.home.luguber.info/inful/specbench/internal/ratelimit"
	"git.home.luguber.info/inful/specbench/internal/store"
	"git.home.luguber.info/inful/specbench/internal/ticket"
)

// Options bundles the dependencies the server exposes.
type Options struct {
	Store        store.Store
	Orchestrator *orchestrator.Orchestrator
	Journal      *journal.Journal
	Engine       *engine.Engine
	Tickets      *ticket.Authority
	Hub          *fabric.Hub
	GitInfo      *gitinfo.Resolver
	Limiter      *ratelimit.Limiter
	Registry     *prometheus.Registry
}

// Server is the single HTTP listener carrying the REST API, the duplex
// upgrade path, health, and metrics.
type Server struct {
	cfg          *config.Config
	opts         Options
	errorAdapter *derrors.HTTPErrorAdapter
	httpServer   *http.Server
	startedAt    time.Time
}

// New constructs the server wiring.
func New(cfg *config.Config, opts Options) *Server {
	return &Server{
		cfg:          cfg,
		opts:         opts,
		errorAdapter: derrors.NewHTTPErrorAdapter(slog.Default()),
	}
}

// Start binds the listener and serves in the background. Binding failures
// surface immediately.
func (s *Server) Start(ctx context.Context) error {
	mux := http.NewServeMux()
	s.registerRoutes(mux)

	mchain := chain(slog.Default(), s.errorAdapter)
	s.httpServer = &http.Server{
		Addr:              s.cfg.Server.Addr,
		Handler:           mchain(mux),
		ReadHeaderTimeout: 10 * time.Second,
	}

	// Pre-bind so startup fails fast on an occupied port instead of logging
	// from the serve goroutine later.
	lc := net.ListenConfig{}
	ln, err := lc.Listen(ctx, "tcp", s.cfg.Server.Addr)
	if err != nil {
		return fmt.Errorf("bind %s: %w", s.cfg.Server.Addr, err)
	}

	s.startedAt = time.Now()
	go func() {
		if err := s.httpServer.Serve(ln); err != nil && err != http.ErrServerClosed {
			slog.Error("HTTP server terminated", "error", err)
		}
	}()

	slog.Info("HTTP server started", slog.String("addr", s.cfg.Server.Addr), slog.String("ws_path", s.cfg.Server.WSPath))
	return nil
}

// Stop gracefully shuts the listener down.
func (s *Server) Stop(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	if err := s.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("http server shutdown: %w", err)
	}
	return nil
}

func (s *Server) registerRoutes(mux *http.ServeMux) {
	limited := func(h http.HandlerFunc) http.Handler {
		return rateLimitMiddleware(s.opts.Limiter, s.errorAdapter, h)
	}

	// Reads.
	mux.HandleFunc("GET /api/projects/{projectID}", s.handleGetProject)
	mux.HandleFunc("GET /api/projects/{projectID}/fragments", s.handleListFragments)
	mux.HandleFunc("GET /api/projects/{projectID}/fragments/{path...}", s.handleGetFragment)
	mux.HandleFunc("GET /api/projects/{projectID}/events", s.handleListEvents)
	mux.HandleFunc("GET /api/projects/{projectID}/events/head", s.handleGetHead)
	mux.HandleFunc("GET /api/projects/{projectID}/versions", s.handleListVersions)
	mux.HandleFunc("GET /api/projects/{projectID}/artifacts", s.handleListArtifacts)
	mux.HandleFunc("GET /api/projects/{projectID}/gaps", s.handleGaps)

	// Mutations, behind the rate limiter.
	mux.Handle("POST /api/projects/{projectID}/fragments", limited(s.handleUpsertFragment))
	mux.Handle("DELETE /api/projects/{projectID}/fragments/{path...}", limited(s.handleDeleteFragment))
	mux.Handle("PUT /api/projects/{projectID}/events/head", limited(s.handleSetHead))
	mux.Handle("POST /api/projects/{projectID}/events/revert", limited(s.handleRevert))
	mux.Handle("POST /api/format", limited(s.handleFormat))
	mux.Handle("POST /api/tickets", limited(s.handleIssueTicket))
	mux.HandleFunc("POST /api/tickets/verify", s.handleVerifyTicket)

	// Duplex fan-out.
	mux.Handle("GET "+s.cfg.Server.WSPath, s.opts.Hub)

	// Operational.
	mux.HandleFunc("GET /healthz", s.handleHealthz)
	if s.cfg.Metrics.Enabled && s.opts.Registry != nil {
		mux.Handle("GET /metrics", promhttp.HandlerFor(s.opts.Registry, promhttp.HandlerOpts{}))
	}
}
