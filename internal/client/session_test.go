package client

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/Tyrowin/tuichat/internal/protocol"
	"github.com/Tyrowin/tuichat/internal/transport"
)

// fakeServer is the server end of a piped session.
type fakeServer struct {
	conn transport.Conn
}

func (f *fakeServer) send(t *testing.T, p protocol.ServerPacket) {
	t.Helper()
	data, err := protocol.EncodeServer(p)
	if err != nil {
		t.Fatalf("EncodeServer(%T) error = %v", p, err)
	}
	if err := f.conn.Send(data); err != nil {
		t.Fatalf("Send(%T) error = %v", p, err)
	}
}

func (f *fakeServer) recvRaw(t *testing.T) protocol.ClientPacket {
	t.Helper()
	type result struct {
		data []byte
		err  error
	}
	ch := make(chan result, 1)
	go func() {
		data, err := f.conn.Recv()
		ch <- result{data, err}
	}()

	select {
	case r := <-ch:
		if r.err != nil {
			t.Fatalf("Recv() error = %v", r.err)
		}
		p, err := protocol.DecodeClient(r.data)
		if err != nil {
			t.Fatalf("DecodeClient() error = %v", err)
		}
		return p
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for a client packet")
		return nil
	}
}

// recv returns the next packet that is not a heartbeat.
func (f *fakeServer) recv(t *testing.T) protocol.ClientPacket {
	t.Helper()
	for {
		p := f.recvRaw(t)
		if _, ok := p.(protocol.KeepAlive); !ok {
			return p
		}
	}
}

// accept answers the handshake with the current fingerprint and returns
// the fingerprint the client announced.
func (f *fakeServer) accept(t *testing.T) protocol.Fingerprint {
	t.Helper()
	info, ok := f.recv(t).(protocol.ClientInfo)
	if !ok {
		t.Fatal("expected ClientInfo")
	}
	f.send(t, protocol.InitSuccess{Fingerprint: protocol.Current})
	return info.Fingerprint
}

type runningSession struct {
	*Session
	errc   chan error
	cancel context.CancelFunc
}

func startSession(t *testing.T, cfg Config) (*runningSession, *fakeServer) {
	t.Helper()
	clientEnd, serverEnd := transport.Pipe("10.0.0.1:4000", "server:13331")
	sess := NewSession(clientEnd, NewStore(), cfg, zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	rs := &runningSession{Session: sess, errc: make(chan error, 1), cancel: cancel}
	go func() { rs.errc <- sess.Run(ctx) }()

	t.Cleanup(func() {
		cancel()
		_ = serverEnd.Close()
	})
	return rs, &fakeServer{conn: serverEnd}
}

func (rs *runningSession) wait(t *testing.T) error {
	t.Helper()
	select {
	case err := <-rs.errc:
		return err
	case <-time.After(3 * time.Second):
		t.Fatal("session did not end")
		return nil
	}
}

// TestSessionHandshakeAndSelf verifies that the client announces its
// fingerprint, then asks for and records its session id.
func TestSessionHandshakeAndSelf(t *testing.T) {
	sess, srv := startSession(t, Config{HeartbeatInterval: time.Hour})

	if got := srv.accept(t); got != protocol.Current {
		t.Errorf("announced fingerprint = %v, want %v", got, protocol.Current)
	}
	if _, ok := srv.recv(t).(protocol.RequestSelfMember); !ok {
		t.Fatal("expected RequestSelfMember right after the handshake")
	}

	id := uuid.New()
	srv.send(t, protocol.SelfMember{MemberID: id})

	select {
	case <-sess.Store().Updates():
	case <-time.After(time.Second):
		t.Fatal("store was not updated")
	}
	if got := sess.Store().Self(); got.State != SelfResolved || got.ID != id {
		t.Errorf("Self() = %+v, want resolved %s", got, id)
	}
}

// TestSessionSelfRetry verifies that a lost RequestSelfMember is retried
// and that the identity resolves within two seconds.
func TestSessionSelfRetry(t *testing.T) {
	sess, srv := startSession(t, Config{})
	srv.accept(t)
	start := time.Now()

	if _, ok := srv.recv(t).(protocol.RequestSelfMember); !ok {
		t.Fatal("expected first RequestSelfMember")
	}
	// the first request is lost
	if _, ok := srv.recv(t).(protocol.RequestSelfMember); !ok {
		t.Fatal("expected a retried RequestSelfMember")
	}
	if elapsed := time.Since(start); elapsed < 900*time.Millisecond {
		t.Errorf("retry after %v, want about %v", elapsed, SelfRetry)
	}

	id := uuid.New()
	srv.send(t, protocol.SelfMember{MemberID: id})

	deadline := start.Add(2 * time.Second)
	for sess.Store().Self().State != SelfResolved {
		if time.Now().After(deadline) {
			t.Fatalf("self identity not resolved within 2s: %v", sess.Store().Self())
		}
		time.Sleep(10 * time.Millisecond)
	}
}

// TestSessionHandshakeFailures verifies how each bad handshake reply is
// reported.
func TestSessionHandshakeFailures(t *testing.T) {
	tests := []struct {
		name  string
		reply protocol.ServerPacket
		check func(t *testing.T, err error)
	}{
		{
			name: "rejected as incompatible",
			reply: protocol.InitFail{
				Code: protocol.FailIncompatible,
				Incompatible: &protocol.IncompatibleError{
					Reason: protocol.ReasonVersionMismatch,
					Local:  protocol.Version{1, 0, 0},
					Remote: protocol.Current.Version,
				},
			},
			check: func(t *testing.T, err error) {
				var hs *HandshakeError
				if !errors.As(err, &hs) {
					t.Fatalf("error %v is not a HandshakeError", err)
				}
				if hs.Fail.Code != protocol.FailIncompatible {
					t.Errorf("Code = %d", hs.Fail.Code)
				}
				if !errors.Is(err, protocol.ErrVersionMismatch) {
					t.Errorf("error %v does not match ErrVersionMismatch", err)
				}
				if !errors.Is(err, protocol.ErrHandshakeRejected) {
					t.Errorf("error %v does not match ErrHandshakeRejected", err)
				}
			},
		},
		{
			name:  "rejected as duplicate",
			reply: protocol.InitFail{Code: protocol.FailAlreadyConnected},
			check: func(t *testing.T, err error) {
				var hs *HandshakeError
				if !errors.As(err, &hs) || hs.Fail.Code != protocol.FailAlreadyConnected {
					t.Errorf("error = %v, want already connected rejection", err)
				}
			},
		},
		{
			name: "success from an incompatible server",
			reply: protocol.InitSuccess{Fingerprint: protocol.Fingerprint{
				Magic:   0xdead,
				Version: protocol.Current.Version,
			}},
			check: func(t *testing.T, err error) {
				if !errors.Is(err, protocol.ErrInvalidMagic) {
					t.Errorf("error = %v, want ErrInvalidMagic", err)
				}
			},
		},
		{
			name:  "chat packet instead of a reply",
			reply: protocol.KeepAlive{},
			check: func(t *testing.T, err error) {
				if !errors.Is(err, ErrProtocolViolation) {
					t.Errorf("error = %v, want ErrProtocolViolation", err)
				}
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sess, srv := startSession(t, Config{HeartbeatInterval: time.Hour})
			if _, ok := srv.recv(t).(protocol.ClientInfo); !ok {
				t.Fatal("expected ClientInfo")
			}
			srv.send(t, tt.reply)
			tt.check(t, sess.wait(t))
		})
	}
}

// TestSessionAppliesServerPackets verifies that chat packets reach the
// store.
func TestSessionAppliesServerPackets(t *testing.T) {
	sess, srv := startSession(t, Config{HeartbeatInterval: time.Hour})
	srv.accept(t)

	sender, id := uuid.New(), uuid.New()
	srv.send(t, protocol.KeepAlive{})
	// chat envelope, unassigned tag
	if err := srv.conn.Send([]byte{1, 0, 0, 0, 42, 0, 0, 0}); err != nil {
		t.Fatalf("Send() error = %v", err)
	}
	srv.send(t, protocol.NewMessage{SenderID: sender, MessageID: id, Body: "hey"})

	deadline := time.Now().Add(time.Second)
	for {
		if msg, ok := sess.Store().Message(sender, id); ok {
			if msg.Body != "hey" {
				t.Errorf("Body = %q, want hey", msg.Body)
			}
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("message never reached the store")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

// TestSessionProtocolViolations verifies that packets invalid during chat
// end the session.
func TestSessionProtocolViolations(t *testing.T) {
	tests := []struct {
		name   string
		packet protocol.ServerPacket
		raw    []byte
	}{
		{name: "invalid state", packet: protocol.InvalidState{}},
		{name: "handshake reply during chat", packet: protocol.InitSuccess{Fingerprint: protocol.Current}},
		{name: "undecodable packet", raw: []byte{9, 9}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sess, srv := startSession(t, Config{HeartbeatInterval: time.Hour})
			srv.accept(t)

			if tt.raw != nil {
				if err := srv.conn.Send(tt.raw); err != nil {
					t.Fatalf("Send() error = %v", err)
				}
			} else {
				srv.send(t, tt.packet)
			}

			if err := sess.wait(t); !errors.Is(err, ErrProtocolViolation) {
				t.Errorf("Run() error = %v, want ErrProtocolViolation", err)
			}
		})
	}
}

// TestSessionSendMessage verifies that messages are queued and sent, and
// that blank messages are refused.
func TestSessionSendMessage(t *testing.T) {
	sess, srv := startSession(t, Config{HeartbeatInterval: time.Hour})
	srv.accept(t)
	srv.recv(t) // RequestSelfMember

	if _, err := sess.SendMessage(context.Background(), "  \n"); !errors.Is(err, ErrEmptyMessage) {
		t.Errorf("SendMessage(blank) error = %v, want ErrEmptyMessage", err)
	}

	id, err := sess.SendMessage(context.Background(), "hello")
	if err != nil {
		t.Fatalf("SendMessage() error = %v", err)
	}
	got, ok := srv.recv(t).(protocol.SendMessage)
	if !ok || got.MessageID != id || got.Body != "hello" {
		t.Errorf("server received %#v, want SendMessage %s", got, id)
	}
}

// TestSessionHeartbeat verifies that the client sends KeepAlive packets.
func TestSessionHeartbeat(t *testing.T) {
	_, srv := startSession(t, Config{HeartbeatInterval: 20 * time.Millisecond})
	srv.accept(t)

	keepAlives := 0
	for keepAlives < 3 {
		switch p := srv.recvRaw(t).(type) {
		case protocol.KeepAlive:
			keepAlives++
		case protocol.RequestSelfMember:
		default:
			t.Fatalf("unexpected packet %#v", p)
		}
	}
}

// TestSessionEndsOnCancel verifies that cancelling the context ends Run and
// that Enqueue fails afterwards.
func TestSessionEndsOnCancel(t *testing.T) {
	sess, srv := startSession(t, Config{HeartbeatInterval: time.Hour})
	srv.accept(t)

	sess.cancel()
	if err := sess.wait(t); !errors.Is(err, context.Canceled) {
		t.Errorf("Run() error = %v, want context.Canceled", err)
	}

	if err := sess.Enqueue(context.Background(), protocol.KeepAlive{}); !errors.Is(err, ErrSessionClosed) {
		t.Errorf("Enqueue() error = %v, want ErrSessionClosed", err)
	}
}

// TestSessionEndsWhenServerCloses verifies that a closed connection ends
// the session with a transport error.
func TestSessionEndsWhenServerCloses(t *testing.T) {
	sess, srv := startSession(t, Config{HeartbeatInterval: time.Hour})
	srv.accept(t)

	_ = srv.conn.Close()
	if err := sess.wait(t); !errors.Is(err, transport.ErrClosed) {
		t.Errorf("Run() error = %v, want transport.ErrClosed", err)
	}
}

// TestSessionCancelDuringHandshake verifies that cancelling the context
// ends Run while the server has not answered the handshake.
func TestSessionCancelDuringHandshake(t *testing.T) {
	sess, srv := startSession(t, Config{HeartbeatInterval: time.Hour})
	if _, ok := srv.recv(t).(protocol.ClientInfo); !ok {
		t.Fatal("expected ClientInfo")
	}

	sess.cancel()
	if err := sess.wait(t); !errors.Is(err, context.Canceled) {
		t.Errorf("Run() error = %v, want context.Canceled", err)
	}
}

// TestSessionFlush verifies that Flush returns only after queued messages
// were written, and fails once the session is over.
func TestSessionFlush(t *testing.T) {
	sess, srv := startSession(t, Config{HeartbeatInterval: time.Hour})
	srv.accept(t)

	var ids []uuid.UUID
	for _, body := range []string{"one", "two", "three"} {
		id, err := sess.SendMessage(context.Background(), body)
		if err != nil {
			t.Fatalf("SendMessage(%q) error = %v", body, err)
		}
		ids = append(ids, id)
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := sess.Flush(ctx); err != nil {
		t.Fatalf("Flush() error = %v", err)
	}

	// everything is already buffered on the server side of the pipe
	sess.cancel()
	if err := sess.wait(t); !errors.Is(err, context.Canceled) {
		t.Fatalf("Run() error = %v, want context.Canceled", err)
	}
	for _, id := range ids {
		var got protocol.SendMessage
		for {
			p, ok := srv.recv(t).(protocol.SendMessage)
			if ok {
				got = p
				break
			}
		}
		if got.MessageID != id {
			t.Errorf("received message %s, want %s", got.MessageID, id)
		}
	}

	if err := sess.Flush(context.Background()); !errors.Is(err, ErrSessionClosed) {
		t.Errorf("Flush() after Run error = %v, want ErrSessionClosed", err)
	}
}
