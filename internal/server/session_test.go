package server

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

// testPeer is the client side of a piped session.
type testPeer struct {
	conn transport.Conn
	done chan struct{}
}

func newTestServer(t *testing.T, cfg Config) *Server {
	t.Helper()
	if cfg.HeartbeatInterval == 0 {
		cfg.HeartbeatInterval = time.Hour
	}
	srv := New(cfg, zerolog.Nop())
	srv.StartHub()
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
	})
	return srv
}

func connect(t *testing.T, srv *Server, addr string) *testPeer {
	t.Helper()
	client, server := transport.Pipe(addr, "server:13331")
	p := &testPeer{conn: client, done: make(chan struct{})}
	go func() {
		defer close(p.done)
		srv.ServeConn(srv.ctx, server)
	}()
	t.Cleanup(func() { _ = client.Close() })
	return p
}

func (p *testPeer) send(t *testing.T, packet protocol.ClientPacket) {
	t.Helper()
	data, err := protocol.EncodeClient(packet)
	if err != nil {
		t.Fatalf("EncodeClient(%T) error = %v", packet, err)
	}
	if err := p.conn.Send(data); err != nil {
		t.Fatalf("Send(%T) error = %v", packet, err)
	}
}

func (p *testPeer) recvRaw(t *testing.T) protocol.ServerPacket {
	t.Helper()
	type result struct {
		data []byte
		err  error
	}
	ch := make(chan result, 1)
	go func() {
		data, err := p.conn.Recv()
		ch <- result{data, err}
	}()

	select {
	case r := <-ch:
		if r.err != nil {
			t.Fatalf("Recv() error = %v", r.err)
		}
		packet, err := protocol.DecodeServer(r.data)
		if err != nil {
			t.Fatalf("DecodeServer() error = %v", err)
		}
		return packet
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for a server packet")
		return nil
	}
}

// recv returns the next packet that is not a heartbeat.
func (p *testPeer) recv(t *testing.T) protocol.ServerPacket {
	t.Helper()
	for {
		packet := p.recvRaw(t)
		if _, ok := packet.(protocol.KeepAlive); !ok {
			return packet
		}
	}
}

func (p *testPeer) handshake(t *testing.T) {
	t.Helper()
	p.send(t, protocol.ClientInfo{Fingerprint: protocol.Current})
	got := p.recv(t)
	if want := (protocol.InitSuccess{Fingerprint: protocol.Current}); got != want {
		t.Fatalf("handshake reply = %#v, want %#v", got, want)
	}
}

// join completes the handshake and returns the session id. The reply
// also proves the session is subscribed to the hub.
func (p *testPeer) join(t *testing.T) uuid.UUID {
	t.Helper()
	p.handshake(t)
	p.send(t, protocol.RequestSelfMember{})
	self, ok := p.recv(t).(protocol.SelfMember)
	if !ok {
		t.Fatal("expected SelfMember")
	}
	return self.MemberID
}

func (p *testPeer) waitDone(t *testing.T) {
	t.Helper()
	select {
	case <-p.done:
	case <-time.After(2 * time.Second):
		t.Fatal("session did not terminate")
	}
}

// TestHandshakeOutcomes verifies every reply to the first packet of a
// session.
func TestHandshakeOutcomes(t *testing.T) {
	tests := []struct {
		name     string
		packet   protocol.ClientPacket
		raw      []byte
		wantCode protocol.FailCode
		wantErr  error
	}{
		{
			name: "version mismatch",
			packet: protocol.ClientInfo{Fingerprint: protocol.Fingerprint{
				Magic:   protocol.Current.Magic,
				Version: protocol.Version{1, 0, 0},
			}},
			wantCode: protocol.FailIncompatible,
			wantErr:  protocol.ErrVersionMismatch,
		},
		{
			name: "invalid magic",
			packet: protocol.ClientInfo{Fingerprint: protocol.Fingerprint{
				Magic:   0x1234,
				Version: protocol.Current.Version,
			}},
			wantCode: protocol.FailIncompatible,
			wantErr:  protocol.ErrInvalidMagic,
		},
		{
			name:     "chat packet first",
			packet:   protocol.RequestSelfMember{},
			wantCode: protocol.FailInvalidState,
		},
		{
			name:     "undecodable packet",
			raw:      []byte{0xff},
			wantCode: protocol.FailInvalidPacket,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := newTestServer(t, Config{})
			peer := connect(t, srv, "10.0.0.1:4000")

			if tt.raw != nil {
				if err := peer.conn.Send(tt.raw); err != nil {
					t.Fatalf("Send() error = %v", err)
				}
			} else {
				peer.send(t, tt.packet)
			}

			fail, ok := peer.recv(t).(protocol.InitFail)
			if !ok {
				t.Fatal("expected InitFail")
			}
			if fail.Code != tt.wantCode {
				t.Errorf("Code = %d, want %d", fail.Code, tt.wantCode)
			}
			if tt.wantErr != nil && !errors.Is(fail, tt.wantErr) {
				t.Errorf("InitFail %v does not match %v", fail, tt.wantErr)
			}
			peer.waitDone(t)
		})
	}
}

// TestHandshakeVersionMismatchCarriesVersions verifies that the rejection
// names the server's version first and the client's second.
func TestHandshakeVersionMismatchCarriesVersions(t *testing.T) {
	srv := newTestServer(t, Config{})
	peer := connect(t, srv, "10.0.0.1:4000")

	remote := protocol.Version{1, 0, 0}
	peer.send(t, protocol.ClientInfo{Fingerprint: protocol.Fingerprint{Magic: protocol.Current.Magic, Version: remote}})

	fail, ok := peer.recv(t).(protocol.InitFail)
	if !ok || fail.Incompatible == nil {
		t.Fatal("expected InitFail with incompatibility details")
	}
	if fail.Incompatible.Local != protocol.Current.Version || fail.Incompatible.Remote != remote {
		t.Errorf("versions = %v/%v, want %v/%v",
			fail.Incompatible.Local, fail.Incompatible.Remote, protocol.Current.Version, remote)
	}
}

// TestHandshakeAcceptsMinorDifference verifies that only the major
// version has to match.
func TestHandshakeAcceptsMinorDifference(t *testing.T) {
	srv := newTestServer(t, Config{})
	peer := connect(t, srv, "10.0.0.1:4000")

	peer.send(t, protocol.ClientInfo{Fingerprint: protocol.Fingerprint{
		Magic:   protocol.Current.Magic,
		Version: protocol.Version{0, 9, 3},
	}})
	if _, ok := peer.recv(t).(protocol.InitSuccess); !ok {
		t.Fatal("expected InitSuccess")
	}
}

// TestDuplicateHostRejected verifies that a second session from a connected
// host is refused and that the host is released when its session ends.
func TestDuplicateHostRejected(t *testing.T) {
	srv := newTestServer(t, Config{RejectDuplicateAddr: true})

	first := connect(t, srv, "10.0.0.1:4000")
	first.join(t)

	second := connect(t, srv, "10.0.0.1:4001")
	fail, ok := second.recv(t).(protocol.InitFail)
	if !ok || fail.Code != protocol.FailAlreadyConnected {
		t.Fatalf("second connection got %#v, want InitFail already connected", fail)
	}
	second.waitDone(t)

	other := connect(t, srv, "10.0.0.2:4000")
	other.join(t)

	_ = first.conn.Close()
	first.waitDone(t)
	if srv.Registry().Contains("10.0.0.1:4000") {
		t.Error("host still registered after its session ended")
	}
	if !srv.Registry().Contains("10.0.0.2:4000") {
		t.Error("unrelated host was removed")
	}
}

// TestDuplicateHostAllowedByDefault verifies that the registry check is
// off unless configured.
func TestDuplicateHostAllowedByDefault(t *testing.T) {
	srv := newTestServer(t, Config{})

	connect(t, srv, "10.0.0.1:4000").join(t)
	connect(t, srv, "10.0.0.1:4001").join(t)
}

// TestMessageBroadcast verifies that a message is trimmed, stamped with
// the sender's session id and delivered to every session including the
// sender.
func TestMessageBroadcast(t *testing.T) {
	srv := newTestServer(t, Config{})
	alice := connect(t, srv, "10.0.0.1:4000")
	bob := connect(t, srv, "10.0.0.2:4000")
	aliceID := alice.join(t)
	bob.join(t)

	msgID := uuid.New()
	alice.send(t, protocol.SendMessage{MessageID: msgID, Body: "  hello bob \n"})

	want := protocol.NewMessage{SenderID: aliceID, MessageID: msgID, Body: "hello bob"}
	for name, peer := range map[string]*testPeer{"alice": alice, "bob": bob} {
		if got := peer.recv(t); got != want {
			t.Errorf("%s received %#v, want %#v", name, got, want)
		}
	}
}

// TestBlankMessageNotBroadcast verifies that whitespace-only messages are
// dropped silently.
func TestBlankMessageNotBroadcast(t *testing.T) {
	srv := newTestServer(t, Config{})
	alice := connect(t, srv, "10.0.0.1:4000")
	bob := connect(t, srv, "10.0.0.2:4000")
	alice.join(t)
	bob.join(t)

	alice.send(t, protocol.SendMessage{MessageID: uuid.New(), Body: " \t\n "})
	alice.send(t, protocol.SendMessage{MessageID: uuid.New(), Body: "real"})

	msg, ok := bob.recv(t).(protocol.NewMessage)
	if !ok || msg.Body != "real" {
		t.Errorf("bob received %#v, want the non-blank message", msg)
	}
}

// TestSelfMemberIsStable verifies that repeated requests return the same
// session id.
func TestSelfMemberIsStable(t *testing.T) {
	srv := newTestServer(t, Config{})
	peer := connect(t, srv, "10.0.0.1:4000")
	id := peer.join(t)

	peer.send(t, protocol.RequestSelfMember{})
	if got := peer.recv(t); got != (protocol.SelfMember{MemberID: id}) {
		t.Errorf("second SelfMember = %#v, want id %s", got, id)
	}
	if id == uuid.Nil {
		t.Error("session id is nil")
	}
}

// TestHeartbeat verifies that the server sends KeepAlive packets on its
// own and ignores the client's.
func TestHeartbeat(t *testing.T) {
	srv := newTestServer(t, Config{HeartbeatInterval: 20 * time.Millisecond})
	peer := connect(t, srv, "10.0.0.1:4000")
	peer.handshake(t)

	peer.send(t, protocol.KeepAlive{})
	for i := 0; i < 3; i++ {
		if got := peer.recvRaw(t); got != (protocol.KeepAlive{}) {
			t.Fatalf("packet %d = %#v, want KeepAlive", i, got)
		}
	}
}

// TestInitPacketDuringChat verifies that a handshake packet after the
// handshake is answered with InvalidState and ends the session.
func TestInitPacketDuringChat(t *testing.T) {
	srv := newTestServer(t, Config{})
	peer := connect(t, srv, "10.0.0.1:4000")
	peer.join(t)

	peer.send(t, protocol.ClientInfo{Fingerprint: protocol.Current})
	if got := peer.recv(t); got != (protocol.InvalidState{}) {
		t.Fatalf("reply = %#v, want InvalidState", got)
	}
	peer.waitDone(t)
}

// TestUnknownAndUnimplementedRequestsIgnored verifies that requests the
// server does not act on keep the session alive.
func TestUnknownAndUnimplementedRequestsIgnored(t *testing.T) {
	srv := newTestServer(t, Config{})
	peer := connect(t, srv, "10.0.0.1:4000")
	id := peer.join(t)

	// chat envelope, unassigned tag
	if err := peer.conn.Send([]byte{1, 0, 0, 0, 99, 0, 0, 0}); err != nil {
		t.Fatalf("Send() error = %v", err)
	}
	peer.send(t, protocol.RequestMembers{})
	peer.send(t, protocol.EditMessage{MessageID: uuid.New(), Body: "edit"})
	peer.send(t, protocol.RemoveMessage{MessageID: uuid.New()})
	peer.send(t, protocol.RequestSelfMember{})

	if got := peer.recv(t); got != (protocol.SelfMember{MemberID: id}) {
		t.Errorf("reply = %#v, want SelfMember", got)
	}
}

// TestMalformedChatPacketEndsSession verifies that an undecodable packet
// after the handshake terminates the session.
func TestMalformedChatPacketEndsSession(t *testing.T) {
	srv := newTestServer(t, Config{})
	peer := connect(t, srv, "10.0.0.1:4000")
	peer.join(t)

	if err := peer.conn.Send([]byte{7, 0, 0, 0, 0, 0, 0, 0}); err != nil {
		t.Fatalf("Send() error = %v", err)
	}
	peer.waitDone(t)
}

// TestShutdownEndsSessions verifies that Shutdown terminates live
// sessions.
func TestShutdownEndsSessions(t *testing.T) {
	srv := New(Config{HeartbeatInterval: time.Hour}, zerolog.Nop())
	srv.StartHub()
	peer := connect(t, srv, "10.0.0.1:4000")
	peer.join(t)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown() error = %v", err)
	}
	peer.waitDone(t)
	if n := srv.Hub().Len(); n != 0 {
		t.Errorf("Len() = %d after shutdown", n)
	}
}

// TestShutdownEndsSessionsInHandshake verifies that Shutdown terminates a
// session whose peer never sends ClientInfo.
func TestShutdownEndsSessionsInHandshake(t *testing.T) {
	srv := New(Config{HeartbeatInterval: time.Hour}, zerolog.Nop())
	srv.StartHub()
	peer := connect(t, srv, "10.0.0.1:4000")

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown() error = %v", err)
	}
	peer.waitDone(t)
}
