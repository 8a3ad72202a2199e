package client

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/Tyrowin/tuichat/internal/protocol"
	"github.com/Tyrowin/tuichat/internal/transport"
)

var (
	// ErrProtocolViolation ends a session whose server sent a packet that
	// is undecodable or invalid for the current phase.
	ErrProtocolViolation = errors.New("protocol violation")
	// ErrEmptyMessage is returned by SendMessage for whitespace-only text.
	ErrEmptyMessage = errors.New("message is empty")
	// ErrSessionClosed is returned by Enqueue once Run has returned.
	ErrSessionClosed = errors.New("session closed")
)

// HandshakeError reports a handshake the server rejected.
type HandshakeError struct {
	Fail protocol.InitFail
}

func (e *HandshakeError) Error() string {
	return "server rejected handshake: " + e.Fail.Error()
}

func (e *HandshakeError) Unwrap() error {
	return e.Fail
}

// Session drives one client connection: handshake, then chat until the
// connection ends. Server packets are applied to the Store.
type Session struct {
	conn     transport.Conn
	store    *Store
	cfg      Config
	log      zerolog.Logger
	outbound chan outboundItem
	done     chan struct{}
}

// outboundItem is a queued packet, or a flush marker when flushed is set.
type outboundItem struct {
	packet  protocol.ClientPacket
	flushed chan struct{}
}

// NewSession creates a session over conn. Call Run to start it.
func NewSession(conn transport.Conn, store *Store, cfg Config, logger zerolog.Logger) *Session {
	cfg = sanitizeConfig(cfg)
	return &Session{
		conn:     conn,
		store:    store,
		cfg:      cfg,
		log:      logger.With().Str("remote", conn.RemoteAddr()).Logger(),
		outbound: make(chan outboundItem, cfg.QueueSize),
		done:     make(chan struct{}),
	}
}

// Store returns the store the session applies server packets to.
func (s *Session) Store() *Store {
	return s.store
}

// Run performs the handshake and then services the connection until it
// fails or ctx is done. It always closes the connection. Reconnecting is
// up to the caller.
func (s *Session) Run(ctx context.Context) error {
	defer close(s.done)
	defer func() {
		if err := s.conn.Close(); err != nil {
			s.log.Debug().Err(err).Msg("error closing connection")
		}
	}()

	// closing the connection is the only way to interrupt a blocked Recv
	stop := context.AfterFunc(ctx, func() { _ = s.conn.Close() })
	defer stop()

	server, err := s.handshake()
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("handshake: %w", err)
	}
	s.log.Info().Str("server", server.String()).Msg("connected")

	return s.chat(ctx)
}

// handshake sends ClientInfo and waits for exactly one reply.
func (s *Session) handshake() (protocol.Fingerprint, error) {
	if err := s.send(protocol.ClientInfo{Fingerprint: s.cfg.Fingerprint}); err != nil {
		return protocol.Fingerprint{}, err
	}

	data, err := s.conn.Recv()
	if err != nil {
		return protocol.Fingerprint{}, fmt.Errorf("receive: %w", err)
	}
	packet, err := protocol.DecodeServer(data)
	if err != nil {
		return protocol.Fingerprint{}, fmt.Errorf("%w: %v", ErrProtocolViolation, err)
	}

	switch p := packet.(type) {
	case protocol.InitSuccess:
		// the server's claim is checked locally as well
		if err := protocol.Compatible(s.cfg.Fingerprint, p.Fingerprint); err != nil {
			return protocol.Fingerprint{}, fmt.Errorf("server %s: %w", p.Fingerprint, err)
		}
		return p.Fingerprint, nil
	case protocol.InitFail:
		return protocol.Fingerprint{}, &HandshakeError{Fail: p}
	default:
		return protocol.Fingerprint{}, fmt.Errorf("%w: %T during handshake", ErrProtocolViolation, packet)
	}
}

func (s *Session) chat(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	stop := context.AfterFunc(gctx, func() { _ = s.conn.Close() })
	defer stop()

	inbound := make(chan protocol.ServerPacket)
	g.Go(func() error { return s.readPump(gctx, inbound) })
	g.Go(func() error { return s.loop(gctx, inbound) })

	err := g.Wait()
	if ctx.Err() != nil {
		return ctx.Err()
	}
	return err
}

func (s *Session) readPump(ctx context.Context, out chan<- protocol.ServerPacket) error {
	for {
		data, err := s.conn.Recv()
		if err != nil {
			return fmt.Errorf("receive: %w", err)
		}

		packet, err := protocol.DecodeServer(data)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrProtocolViolation, err)
		}

		select {
		case out <- packet:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (s *Session) loop(ctx context.Context, inbound <-chan protocol.ServerPacket) error {
	start := time.Now()
	ticker := time.NewTicker(s.cfg.HeartbeatInterval)
	defer ticker.Stop()

	if err := s.resolveSelf(start); err != nil {
		return err
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case now := <-ticker.C:
			if err := s.send(protocol.KeepAlive{}); err != nil {
				return err
			}
			if err := s.resolveSelf(now); err != nil {
				return err
			}

		case item := <-s.outbound:
			if item.flushed != nil {
				close(item.flushed)
				continue
			}
			if err := s.send(item.packet); err != nil {
				if !isEncodeError(err) {
					return err
				}
				s.log.Warn().Err(err).Msg("dropping unencodable packet")
			}

		case packet := <-inbound:
			if err := s.handle(packet); err != nil {
				return err
			}
		}
	}
}

func (s *Session) resolveSelf(now time.Time) error {
	if !s.store.ResolveSelf(now) {
		return nil
	}
	s.log.Debug().Msg("requesting self member")
	return s.send(protocol.RequestSelfMember{})
}

func (s *Session) handle(packet protocol.ServerPacket) error {
	if packet.Phase() != protocol.PhaseChat {
		return fmt.Errorf("%w: %T during chat", ErrProtocolViolation, packet)
	}

	switch p := packet.(type) {
	case protocol.InvalidState:
		return fmt.Errorf("%w: server reported invalid state", ErrProtocolViolation)
	case protocol.KeepAlive:
	case protocol.UnknownServerPacket:
		s.log.Debug().Uint32("tag", p.Tag).Msg("ignoring unknown packet")
	default:
		s.store.Apply(p)
	}
	return nil
}

// Enqueue queues p for sending. It blocks while the queue is full.
func (s *Session) Enqueue(ctx context.Context, p protocol.ClientPacket) error {
	return s.enqueue(ctx, outboundItem{packet: p})
}

// Flush waits until every packet queued before the call has been written
// to the connection.
func (s *Session) Flush(ctx context.Context) error {
	flushed := make(chan struct{})
	if err := s.enqueue(ctx, outboundItem{flushed: flushed}); err != nil {
		return err
	}

	select {
	case <-flushed:
		return nil
	case <-s.done:
		return ErrSessionClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Session) enqueue(ctx context.Context, item outboundItem) error {
	select {
	case <-s.done:
		return ErrSessionClosed
	default:
	}

	select {
	case s.outbound <- item:
		return nil
	case <-s.done:
		return ErrSessionClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// SendMessage queues a new chat message and returns its id. The server
// trims the body; a body that would trim to nothing is refused here.
func (s *Session) SendMessage(ctx context.Context, body string) (uuid.UUID, error) {
	if strings.TrimSpace(body) == "" {
		return uuid.Nil, ErrEmptyMessage
	}

	id := uuid.New()
	if err := s.Enqueue(ctx, protocol.SendMessage{MessageID: id, Body: body}); err != nil {
		return uuid.Nil, err
	}
	return id, nil
}

func (s *Session) send(p protocol.ClientPacket) error {
	data, err := protocol.EncodeClient(p)
	if err != nil {
		return &encodeError{packet: p, err: err}
	}
	if err := s.conn.Send(data); err != nil {
		return fmt.Errorf("send: %w", err)
	}
	return nil
}

type encodeError struct {
	packet protocol.ClientPacket
	err    error
}

func (e *encodeError) Error() string {
	return fmt.Sprintf("encode %T: %v", e.packet, e.err)
}

func (e *encodeError) Unwrap() error {
	return e.err
}

func isEncodeError(err error) bool {
	var target *encodeError
	return errors.As(err, &target)
}

// Dial connects to cfg.URL over WebSocket.
func Dial(ctx context.Context, cfg Config) (transport.Conn, error) {
	cfg = sanitizeConfig(cfg)
	return transport.Dial(ctx, cfg.URL, transport.DialOptions{
		Origin:       cfg.Origin,
		ReadLimit:    protocol.MaxPacketBytes,
		WriteTimeout: cfg.WriteTimeout,
	})
}
