package server

import (
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/Tyrowin/tuichat/internal/protocol"
	"github.com/Tyrowin/tuichat/internal/transport"
)

// Routes configures and returns the router with all application routes:
// health checks, Prometheus metrics and the WebSocket endpoint.
func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Get("/", s.HealthHandler)
	r.Get("/healthz", s.HealthHandler)
	r.Handle("/metrics", promhttp.Handler())
	r.Handle(s.cfg.Path, s.acceptor())
	return r
}

func (s *Server) acceptor() *transport.Acceptor {
	return transport.NewAcceptor(transport.AcceptorConfig{
		ReadLimit:    protocol.MaxPacketBytes,
		WriteTimeout: s.cfg.WriteTimeout,
		Origins:      transport.NewOriginPolicy(s.cfg.AllowedOrigins, s.log),
	}, func(conn transport.Conn) {
		s.ServeConn(s.ctx, conn)
	}, s.log)
}

// HealthHandler provides a simple health check endpoint that returns server status.
// It responds with a plain text message and the number of chatting sessions.
func (s *Server) HealthHandler(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain")
	_, _ = fmt.Fprintf(w, "tuichat server is running (%s, %d sessions)\n", s.local, s.hub.Len())
}
