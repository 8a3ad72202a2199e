package transport

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

// ErrUnexpectedFrame is returned by Recv when the peer sends a text frame.
// Packets always travel as binary frames.
var ErrUnexpectedFrame = errors.New("transport: unexpected websocket frame type")

// wsConn adapts a gorilla websocket connection to Conn. Every packet is
// one binary message.
type wsConn struct {
	conn         *websocket.Conn
	addr         string
	writeTimeout time.Duration
	closeOnce    sync.Once
	closeErr     error
}

func newWSConn(conn *websocket.Conn, addr string, readLimit int64, writeTimeout time.Duration) *wsConn {
	conn.SetReadLimit(readLimit)
	return &wsConn{
		conn:         conn,
		addr:         addr,
		writeTimeout: writeTimeout,
	}
}

func (c *wsConn) Send(data []byte) error {
	if c.writeTimeout > 0 {
		if err := c.conn.SetWriteDeadline(time.Now().Add(c.writeTimeout)); err != nil {
			return fmt.Errorf("set write deadline: %w", err)
		}
	}
	if err := c.conn.WriteMessage(websocket.BinaryMessage, data); err != nil {
		return c.wrap(err)
	}
	return nil
}

func (c *wsConn) Recv() ([]byte, error) {
	kind, data, err := c.conn.ReadMessage()
	if err != nil {
		return nil, c.wrap(err)
	}
	if kind != websocket.BinaryMessage {
		return nil, ErrUnexpectedFrame
	}
	return data, nil
}

func (c *wsConn) RemoteAddr() string {
	return c.addr
}

func (c *wsConn) Close() error {
	c.closeOnce.Do(func() {
		deadline := time.Now().Add(time.Second)
		_ = c.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
		if err := c.conn.Close(); err != nil && !isExpectedCloseError(err) {
			c.closeErr = err
		}
	})
	return c.closeErr
}

// wrap maps orderly shutdowns to ErrClosed so callers can tell a
// disconnect from a failure.
func (c *wsConn) wrap(err error) error {
	if websocket.IsCloseError(err,
		websocket.CloseNormalClosure,
		websocket.CloseGoingAway) || isExpectedCloseError(err) {
		return fmt.Errorf("%w: %v", ErrClosed, err)
	}
	if errors.Is(err, websocket.ErrReadLimit) {
		return fmt.Errorf("packet from %s exceeded read limit: %w", c.addr, err)
	}
	return err
}

// AcceptorConfig configures the WebSocket upgrade.
type AcceptorConfig struct {
	// ReadLimit caps a single inbound packet in bytes.
	ReadLimit int64
	// WriteTimeout bounds each Send.
	WriteTimeout time.Duration
	// Origins restricts browser origins; nil allows all.
	Origins *OriginPolicy
}

// Acceptor is an http.Handler that upgrades each request to a WebSocket
// and hands the resulting Conn to its handler. The handler runs on the
// request goroutine and owns the Conn until it returns.
type Acceptor struct {
	upgrader websocket.Upgrader
	cfg      AcceptorConfig
	handle   func(Conn)
	log      zerolog.Logger
}

// NewAcceptor creates an Acceptor that calls handle for every session.
func NewAcceptor(cfg AcceptorConfig, handle func(Conn), logger zerolog.Logger) *Acceptor {
	a := &Acceptor{
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
		},
		cfg:    cfg,
		handle: handle,
		log:    logger,
	}
	if cfg.Origins != nil {
		a.upgrader.CheckOrigin = cfg.Origins.Check
	} else {
		a.upgrader.CheckOrigin = func(*http.Request) bool { return true }
	}
	return a
}

// ServeHTTP validates that the request uses the GET method, upgrades the
// connection and runs the session handler until it returns.
func (a *Acceptor) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed. WebSocket endpoint only accepts GET requests.", http.StatusMethodNotAllowed)
		return
	}

	ws, err := a.upgrader.Upgrade(w, r, nil)
	if err != nil {
		a.log.Warn().Err(err).Str("remote", r.RemoteAddr).Msg("websocket upgrade failed")
		return
	}

	conn := newWSConn(ws, r.RemoteAddr, a.cfg.ReadLimit, a.cfg.WriteTimeout)
	defer func() {
		if err := conn.Close(); err != nil {
			a.log.Debug().Err(err).Str("remote", conn.addr).Msg("error closing connection")
		}
	}()

	a.handle(conn)
}

// DialOptions configures Dial.
type DialOptions struct {
	// Origin is sent as the Origin header when set.
	Origin string
	// ReadLimit caps a single inbound packet in bytes.
	ReadLimit int64
	// WriteTimeout bounds each Send.
	WriteTimeout time.Duration
	// HandshakeTimeout bounds the WebSocket upgrade.
	HandshakeTimeout time.Duration
}

// Dial opens a WebSocket session to url (ws:// or wss://).
func Dial(ctx context.Context, url string, opts DialOptions) (Conn, error) {
	dialer := websocket.Dialer{
		HandshakeTimeout: opts.HandshakeTimeout,
		ReadBufferSize:   1024,
		WriteBufferSize:  1024,
	}
	if dialer.HandshakeTimeout <= 0 {
		dialer.HandshakeTimeout = 5 * time.Second
	}

	headers := http.Header{}
	if opts.Origin != "" {
		headers.Set("Origin", opts.Origin)
	}

	ws, resp, err := dialer.DialContext(ctx, url, headers)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", url, err)
	}

	return newWSConn(ws, ws.RemoteAddr().String(), opts.ReadLimit, opts.WriteTimeout), nil
}
