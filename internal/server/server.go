package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/Tyrowin/tuichat/internal/protocol"
)

// Server owns the hub, the host registry and the HTTP listener. Sessions
// accepted by its handler live until the connection ends or Shutdown is
// called.
type Server struct {
	cfg      Config
	log      zerolog.Logger
	hub      *Hub
	registry *Registry
	local    protocol.Fingerprint
	http     *http.Server

	ctx     context.Context
	cancel  context.CancelFunc
	hubOnce sync.Once
}

// New creates a server for cfg. Missing settings fall back to the
// defaults.
func New(cfg Config, logger zerolog.Logger) *Server {
	cfg = sanitizeConfig(cfg)
	ctx, cancel := context.WithCancel(context.Background())

	s := &Server{
		cfg: cfg,
		log: logger.With().Str("component", "server").Logger(),
		hub: NewHub(HubConfig{
			Buffer: cfg.SubscriberBuffer,
			Policy: cfg.OverflowPolicy,
		}, logger),
		registry: NewRegistry(),
		local:    protocol.Current,
		ctx:      ctx,
		cancel:   cancel,
	}
	s.http = CreateServer(cfg.Addr, s.Routes())
	return s
}

// StartHub launches the hub's run loop. Calling it more than once has no
// effect.
func (s *Server) StartHub() {
	s.hubOnce.Do(func() {
		go s.hub.Run()
	})
}

// Hub returns the server's hub.
func (s *Server) Hub() *Hub {
	return s.hub
}

// Registry returns the set of connected hosts.
func (s *Server) Registry() *Registry {
	return s.registry
}

// Handler returns the HTTP handler serving every route.
func (s *Server) Handler() http.Handler {
	return s.http.Handler
}

// CreateServer creates and configures the HTTP server with security settings
func CreateServer(addr string, handler http.Handler) *http.Server {
	return &http.Server{
		Addr:         addr,
		Handler:      handler,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
}

// ListenAndServe starts the hub and blocks serving HTTP until Shutdown.
// It returns nil after a graceful shutdown.
func (s *Server) ListenAndServe() error {
	s.StartHub()
	s.log.Info().
		Str("addr", s.cfg.Addr).
		Str("path", s.cfg.Path).
		Str("protocol", s.local.String()).
		Msg("server listening")

	if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("listen: %w", err)
	}
	return nil
}

// Shutdown ends every session, then stops the listener and the hub. It
// honours the deadline of ctx.
func (s *Server) Shutdown(ctx context.Context) error {
	s.log.Info().Msg("shutting down")
	s.cancel()
	// a hub that never ran still has to close its done channel
	s.StartHub()

	var errs []error
	if err := s.http.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("http shutdown: %w", err))
	}

	timeout := 5 * time.Second
	if deadline, ok := ctx.Deadline(); ok {
		timeout = time.Until(deadline)
	}
	if err := s.hub.Shutdown(timeout); err != nil {
		errs = append(errs, fmt.Errorf("hub shutdown: %w", err))
	}
	return errors.Join(errs...)
}
