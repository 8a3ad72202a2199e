package transport

import "sync"

// pipeBuffer is how many packets may be in flight in each direction
// before Send blocks.
const pipeBuffer = 64

type pipeEnd struct {
	in     <-chan []byte
	out    chan<- []byte
	remote string

	closed     chan struct{}
	peerClosed <-chan struct{}
	once       sync.Once
}

// Pipe returns two connected in-memory Conns. The first is the client
// end; its RemoteAddr reports serverAddr, and the second end's RemoteAddr
// reports clientAddr. Packets are delivered in order; closing either end
// ends the session for both once queued packets are drained.
func Pipe(clientAddr, serverAddr string) (Conn, Conn) {
	toServer := make(chan []byte, pipeBuffer)
	toClient := make(chan []byte, pipeBuffer)
	clientClosed := make(chan struct{})
	serverClosed := make(chan struct{})

	client := &pipeEnd{
		in:         toClient,
		out:        toServer,
		remote:     serverAddr,
		closed:     clientClosed,
		peerClosed: serverClosed,
	}
	server := &pipeEnd{
		in:         toServer,
		out:        toClient,
		remote:     clientAddr,
		closed:     serverClosed,
		peerClosed: clientClosed,
	}
	return client, server
}

func (p *pipeEnd) Send(data []byte) error {
	select {
	case <-p.closed:
		return ErrClosed
	case <-p.peerClosed:
		return ErrClosed
	default:
	}

	packet := append([]byte(nil), data...)
	select {
	case p.out <- packet:
		return nil
	case <-p.closed:
		return ErrClosed
	case <-p.peerClosed:
		return ErrClosed
	}
}

func (p *pipeEnd) Recv() ([]byte, error) {
	select {
	case data := <-p.in:
		return data, nil
	case <-p.closed:
		return nil, ErrClosed
	case <-p.peerClosed:
		// deliver what the peer sent before closing
		select {
		case data := <-p.in:
			return data, nil
		default:
			return nil, ErrClosed
		}
	}
}

func (p *pipeEnd) RemoteAddr() string {
	return p.remote
}

func (p *pipeEnd) Close() error {
	p.once.Do(func() { close(p.closed) })
	return nil
}
