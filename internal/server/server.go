package server

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/envrun/envrun/pkg/logger"
)

// Server hosts the serve mode HTTP surface: health, environment and report
// queries, Prometheus metrics and the websocket event stream.
type Server struct {
	addr       string
	httpServer *http.Server
}

func NewServer(addr string, h *Handlers, hub *Hub) *Server {
	router := NewRouter(h, hub)

	return &Server{
		addr: addr,
		httpServer: &http.Server{
			Handler: router,
			// WriteTimeout stays unset so websocket streams are not cut off.
			ReadHeaderTimeout: 10 * time.Second,
			IdleTimeout:       60 * time.Second,
		},
	}
}

// Start binds the listen address and serves in the background. Bind
// failures surface here; later serve errors only reach the log.
func (s *Server) Start() error {
	log := logger.WithComponent("server")

	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("address %s is not available: %w", s.addr, err)
	}
	s.addr = ln.Addr().String()

	go func() {
		log.Info().Str("addr", s.addr).Msg("Starting HTTP server")
		if err := s.httpServer.Serve(ln); err != nil && err != http.ErrServerClosed {
			log.Error().Err(err).Msg("HTTP server error")
		}
	}()

	return nil
}

// Addr returns the bound listen address, useful when the configured port
// was 0.
func (s *Server) Addr() string {
	return s.addr
}

// Stop drains in-flight requests until ctx expires.
func (s *Server) Stop(ctx context.Context) error {
	log := logger.WithComponent("server")
	log.Info().Msg("Shutting down HTTP server...")

	return s.httpServer.Shutdown(ctx)
}
