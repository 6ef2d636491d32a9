// Package server exposes an Agent over HTTP.
package server

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	graphagent "github.com/algowizzzz/graphdb-agent-sec"
)

// Config configures the HTTP server.
type Config struct {
	Addr string
	// APIKey enables bearer authentication when set.
	APIKey string
	// CORSOrigins is a comma-separated list of allowed origins.
	CORSOrigins string
	// RequestTimeout bounds /query, /search and /reindex calls.
	RequestTimeout  time.Duration
	ShutdownTimeout time.Duration
}

// Server serves the agent's HTTP API.
type Server struct {
	cfg      Config
	agent    graphagent.Agent
	gatherer prometheus.Gatherer
}

// New creates a server. gatherer backs /metrics; nil serves the default
// registry.
func New(agent graphagent.Agent, cfg Config, gatherer prometheus.Gatherer) *Server {
	if cfg.Addr == "" {
		cfg.Addr = ":8080"
	}
	if cfg.RequestTimeout == 0 {
		cfg.RequestTimeout = 15 * time.Minute
	}
	if cfg.ShutdownTimeout == 0 {
		cfg.ShutdownTimeout = 30 * time.Second
	}
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	return &Server{cfg: cfg, agent: agent, gatherer: gatherer}
}

// Handler returns the routed handler with its middleware chain.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /query", s.handleQuery)
	mux.HandleFunc("POST /search", s.handleSearch)
	mux.HandleFunc("POST /reindex", s.handleReindex)
	mux.HandleFunc("GET /schema", s.handleSchema)
	mux.HandleFunc("GET /queries", s.handleQueries)
	mux.HandleFunc("GET /info", s.handleInfo)
	mux.HandleFunc("GET /healthz", s.handleHealth)
	mux.Handle("GET /metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))

	// recovery -> cors -> request id -> auth -> logging -> mux
	var h http.Handler = mux
	h = logMiddleware(h)
	h = authMiddleware(s.cfg.APIKey, h)
	h = requestIDMiddleware(h)
	h = corsMiddleware(s.cfg.CORSOrigins, h)
	h = recoveryMiddleware(h)
	return h
}

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:        s.cfg.Addr,
		Handler:     s.Handler(),
		ReadTimeout: 30 * time.Second,
		// answers can take minutes
		WriteTimeout: 0,
		IdleTimeout:  120 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		slog.Info("server starting", "addr", s.cfg.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		slog.Info("shutting down server...")
		sctx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
		defer cancel()
		return srv.Shutdown(sctx)
	})

	err := g.Wait()
	slog.Info("server stopped")
	return err
}
