// Package transport carries tuichat packets over an ordered, reliable,
// message-oriented connection. The session layers only see Conn; this
// package provides a WebSocket implementation and an in-memory pipe.
package transport

import (
	"errors"
	"net"
	"strings"
)

// ErrClosed is returned by Send and Recv once either end closed the
// connection.
var ErrClosed = errors.New("transport: connection closed")

// Conn is one ordered packet session. Send and Recv may be called from
// different goroutines, but Send must not be called concurrently with
// itself, nor Recv with itself.
type Conn interface {
	// Send delivers one packet, in order.
	Send(data []byte) error
	// Recv blocks until the next packet arrives or the session ends.
	Recv() ([]byte, error)
	// RemoteAddr is the peer's address in host:port form.
	RemoteAddr() string
	// Close ends the session. It is safe to call more than once.
	Close() error
}

// Host strips the port from a host:port address. Addresses without a
// port are returned unchanged.
func Host(addr string) string {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return strings.Trim(addr, "[]")
	}
	return host
}

// isExpectedCloseError checks if an error is expected during connection closure.
func isExpectedCloseError(err error) bool {
	if err == nil || errors.Is(err, ErrClosed) || errors.Is(err, net.ErrClosed) {
		return true
	}
	errStr := err.Error()
	return strings.Contains(errStr, "use of closed network connection") ||
		strings.Contains(errStr, "websocket: close sent") ||
		strings.Contains(errStr, "broken pipe")
}
