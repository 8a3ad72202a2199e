package server

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

// Session termination causes.
var (
	ErrInvalidState      = errors.New("packet not valid in current state")
	ErrProtocolViolation = errors.New("protocol violation")
	ErrSubscriptionEnded = errors.New("hub subscription ended")
)

// session is the state of one accepted connection. It is owned by the
// goroutine running ServeConn.
type session struct {
	conn      transport.Conn
	hub       *Hub
	local     protocol.Fingerprint
	heartbeat time.Duration
	log       zerolog.Logger
	id        uuid.UUID
}

// ServeConn runs one connection through handshake and chat until the
// connection fails or the peer misbehaves. It always closes conn.
func (s *Server) ServeConn(ctx context.Context, conn transport.Conn) {
	addr := conn.RemoteAddr()
	log := s.log.With().Str("remote", addr).Logger()
	defer func() {
		if err := conn.Close(); err != nil {
			log.Debug().Err(err).Msg("error closing connection")
		}
	}()

	// closing the connection is the only way to interrupt a blocked Recv
	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()

	if s.cfg.RejectDuplicateAddr {
		if !s.registry.Add(addr) {
			handshakesTotal.WithLabelValues(handshakeAlreadyConnected).Inc()
			log.Warn().Msg("rejecting duplicate connection")
			if err := send(conn, protocol.InitFail{Code: protocol.FailAlreadyConnected}); err != nil {
				log.Debug().Err(err).Msg("failed to send rejection")
			}
			return
		}
		defer s.registry.Remove(addr)
	}

	log.Info().Msg("new connection")

	sess := &session{
		conn:      conn,
		hub:       s.hub,
		local:     s.local,
		heartbeat: s.cfg.HeartbeatInterval,
		log:       log,
	}
	err := sess.run(ctx)

	switch {
	case err == nil, errors.Is(err, transport.ErrClosed), errors.Is(err, context.Canceled):
		sess.log.Info().Msg("disconnected")
	default:
		sess.log.Warn().Err(err).Msg("disconnected")
	}
}

func (s *session) run(ctx context.Context) error {
	if err := s.handshake(); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("handshake: %w", err)
	}

	s.id = uuid.New()
	s.log = s.log.With().Str("session", s.id.String()).Logger()

	sub, err := s.hub.Subscribe(s.id, s.conn.RemoteAddr())
	if err != nil {
		return err
	}
	defer s.hub.Unsubscribe(sub)

	sessionsActive.Inc()
	started := time.Now()
	defer func() {
		sessionsActive.Dec()
		sessionDuration.Observe(time.Since(started).Seconds())
	}()

	return s.chat(ctx, sub)
}

// handshake reads exactly one packet and answers it with InitSuccess or
// InitFail. Any outcome other than success ends the session.
func (s *session) handshake() error {
	data, err := s.conn.Recv()
	if err != nil {
		handshakesTotal.WithLabelValues(handshakeTransport).Inc()
		return fmt.Errorf("receive: %w", err)
	}

	packet, err := protocol.DecodeClient(data)
	if err != nil {
		s.reject(handshakeInvalidPacket, protocol.InitFail{Code: protocol.FailInvalidPacket})
		return fmt.Errorf("%w: %v", ErrProtocolViolation, err)
	}

	info, ok := packet.(protocol.ClientInfo)
	if !ok {
		s.reject(handshakeInvalidState, protocol.InitFail{Code: protocol.FailInvalidState})
		return fmt.Errorf("%w: expected client info, got %T", ErrInvalidState, packet)
	}

	if err := protocol.Compatible(s.local, info.Fingerprint); err != nil {
		var inc *protocol.IncompatibleError
		errors.As(err, &inc)
		s.reject(handshakeIncompatible, protocol.InitFail{Code: protocol.FailIncompatible, Incompatible: inc})
		return err
	}

	if err := send(s.conn, protocol.InitSuccess{Fingerprint: s.local}); err != nil {
		handshakesTotal.WithLabelValues(handshakeTransport).Inc()
		return err
	}

	handshakesTotal.WithLabelValues(handshakeSuccess).Inc()
	s.log.Info().Str("client", info.Fingerprint.String()).Msg("handshake complete")
	return nil
}

func (s *session) reject(result string, fail protocol.InitFail) {
	handshakesTotal.WithLabelValues(result).Inc()
	s.log.Warn().Str("reason", fail.Error()).Msg("handshake rejected")
	if err := send(s.conn, fail); err != nil {
		s.log.Debug().Err(err).Msg("failed to send rejection")
	}
}

// chat runs the read pump next to the session loop. Whichever stops
// first cancels the other by closing the connection.
func (s *session) chat(ctx context.Context, sub *Subscription) error {
	g, gctx := errgroup.WithContext(ctx)
	stop := context.AfterFunc(gctx, func() { _ = s.conn.Close() })
	defer stop()

	packets := make(chan protocol.ClientPacket)
	g.Go(func() error { return s.readPump(gctx, packets) })
	g.Go(func() error { return s.loop(gctx, sub, packets) })
	return g.Wait()
}

func (s *session) readPump(ctx context.Context, out chan<- protocol.ClientPacket) error {
	for {
		data, err := s.conn.Recv()
		if err != nil {
			return fmt.Errorf("receive: %w", err)
		}

		packet, err := protocol.DecodeClient(data)
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

// loop services one source per iteration: the heartbeat, an inbound
// packet, or a hub event.
func (s *session) loop(ctx context.Context, sub *Subscription, packets <-chan protocol.ClientPacket) error {
	ticker := time.NewTicker(s.heartbeat)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case <-ticker.C:
			if err := send(s.conn, protocol.KeepAlive{}); err != nil {
				return err
			}

		case packet := <-packets:
			if err := s.dispatch(ctx, packet); err != nil {
				return err
			}

		case ev, ok := <-sub.Events():
			if !ok {
				return ErrSubscriptionEnded
			}
			if err := s.conn.Send(ev.Payload); err != nil {
				return fmt.Errorf("send: %w", err)
			}
		}
	}
}

func (s *session) dispatch(ctx context.Context, packet protocol.ClientPacket) error {
	if packet.Phase() != protocol.PhaseChat {
		if err := send(s.conn, protocol.InvalidState{}); err != nil {
			s.log.Debug().Err(err).Msg("failed to send invalid state")
		}
		return fmt.Errorf("%w: %T during chat", ErrInvalidState, packet)
	}

	switch p := packet.(type) {
	case protocol.SendMessage:
		return s.publishMessage(ctx, p)
	case protocol.RequestSelfMember:
		return send(s.conn, protocol.SelfMember{MemberID: s.id})
	case protocol.KeepAlive:
	default:
		s.log.Debug().Str("packet", fmt.Sprintf("%T", p)).Msg("ignoring unimplemented request")
	}
	return nil
}

// publishMessage broadcasts a trimmed message once. Whitespace-only
// messages are dropped.
func (s *session) publishMessage(ctx context.Context, p protocol.SendMessage) error {
	body := strings.TrimSpace(p.Body)
	if body == "" {
		messagesDropped.WithLabelValues("empty").Inc()
		s.log.Debug().Str("message", p.MessageID.String()).Msg("dropping empty message")
		return nil
	}

	msg := protocol.NewMessage{SenderID: s.id, MessageID: p.MessageID, Body: body}
	payload, err := protocol.EncodeServer(msg)
	if err != nil {
		messagesDropped.WithLabelValues("encode").Inc()
		s.log.Warn().Err(err).Str("message", p.MessageID.String()).Msg("dropping unencodable message")
		return nil
	}

	if err := s.hub.Publish(ctx, Event{Sender: s.id, Packet: msg, Payload: payload}); err != nil {
		return fmt.Errorf("publish: %w", err)
	}
	messagesPublished.Inc()
	return nil
}

func send(conn transport.Conn, p protocol.ServerPacket) error {
	data, err := protocol.EncodeServer(p)
	if err != nil {
		return fmt.Errorf("encode %T: %w", p, err)
	}
	if err := conn.Send(data); err != nil {
		return fmt.Errorf("send: %w", err)
	}
	return nil
}
