package api

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/christophefontaine/dpdk/pkg/bus"
	"github.com/christophefontaine/dpdk/pkg/logging"
)

// Config configures the API server.
type Config struct {
	Addr     string
	Auth     *AuthConfig // nil = no authentication
	Bus      *bus.Bus
	EventBuf *logging.EventBuffer
}

// Server is the HTTP API server.
type Server struct {
	httpServer *http.Server
	handler    http.Handler
	bus        *bus.Bus
	eventBuf   *logging.EventBuffer
	startTime  time.Time
	routes     map[string]route // by mux pattern
}

// NewServer creates a new API server.
func NewServer(cfg Config) *Server {
	s := &Server{
		bus:       cfg.Bus,
		eventBuf:  cfg.EventBuf,
		startTime: time.Now(),
	}

	mux := http.NewServeMux()
	s.routes = make(map[string]route)
	open, view := route{need: public}, route{need: busView}

	s.handle(mux, "GET /health", open, http.HandlerFunc(s.healthHandler))

	// Prometheus metrics with isolated registry
	registry := prometheus.NewRegistry()
	registry.MustRegister(newCollector(s))
	s.handle(mux, "GET /metrics", open, promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))

	// REST API v1; the same views are served over gRPC.
	s.handle(mux, "GET /api/v1/status", view, http.HandlerFunc(s.statusHandler))
	s.handle(mux, "GET /api/v1/interfaces", view, http.HandlerFunc(s.interfacesHandler))
	s.handle(mux, "GET /api/v1/interfaces/{name}", view, http.HandlerFunc(s.interfaceHandler))
	s.handle(mux, "GET /api/v1/devices", view, http.HandlerFunc(s.devicesHandler))
	s.handle(mux, "GET /api/v1/netcfg", view, http.HandlerFunc(s.netcfgHandler))
	s.handle(mux, "GET /api/v1/events", view, http.HandlerFunc(s.eventsHandler))

	// SSE streaming
	s.handle(mux, "GET /api/v1/events/stream", route{need: busView, stream: true}, http.HandlerFunc(s.eventStreamHandler))
	s.handle(mux, "GET /api/v1/logs/stream", route{need: operator, stream: true}, http.HandlerFunc(s.logStreamHandler))

	var handler http.Handler = mux
	if cfg.Auth != nil {
		handler = s.authMiddleware(*cfg.Auth, mux)
	}
	s.handler = handler

	s.httpServer = &http.Server{
		Addr:    cfg.Addr,
		Handler: handler,
	}
	return s
}

// Handler returns the root handler, including authentication.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// Run starts the HTTP server and blocks until ctx is cancelled.
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		slog.Info("HTTP API server listening", "addr", s.httpServer.Addr)
		if err := s.httpServer.ListenAndServe(); err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.httpServer.Shutdown(shutdownCtx)
}
