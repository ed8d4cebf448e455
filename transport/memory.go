package transport

import (
	"bytes"
	"io"
	"sync"

	"github.com/mtth/verdon/frame"
)

// Pipe returns a connected in-memory byte duplex pair. Unlike net.Pipe,
// writes land in an unbounded buffer and return without a matching read,
// which lets a single goroutine write a full request before the peer
// starts reading. Closing either end EOFs the peer's reads.
func Pipe() (Duplex, Duplex) {
	a2b := newPipeBuffer()
	b2a := newPipeBuffer()
	a := &pipeEnd{rd: b2a, wr: a2b}
	b := &pipeEnd{rd: a2b, wr: b2a}
	return a, b
}

type pipeBuffer struct {
	mtx    sync.Mutex
	cond   *sync.Cond
	buf    bytes.Buffer
	closed bool
}

func newPipeBuffer() *pipeBuffer {
	pb := &pipeBuffer{}
	pb.cond = sync.NewCond(&pb.mtx)
	return pb
}

func (pb *pipeBuffer) Write(p []byte) (int, error) {
	pb.mtx.Lock()
	defer pb.mtx.Unlock()
	if pb.closed {
		return 0, io.ErrClosedPipe
	}
	n, err := pb.buf.Write(p)
	pb.cond.Broadcast()
	return n, err
}

func (pb *pipeBuffer) Read(p []byte) (int, error) {
	pb.mtx.Lock()
	defer pb.mtx.Unlock()
	for pb.buf.Len() == 0 && !pb.closed {
		pb.cond.Wait()
	}
	if pb.buf.Len() == 0 {
		return 0, io.EOF
	}
	return pb.buf.Read(p)
}

func (pb *pipeBuffer) Close() error {
	pb.mtx.Lock()
	defer pb.mtx.Unlock()
	pb.closed = true
	pb.cond.Broadcast()
	return nil
}

type pipeEnd struct {
	rd *pipeBuffer
	wr *pipeBuffer
}

func (e *pipeEnd) Read(p []byte) (int, error)  { return e.rd.Read(p) }
func (e *pipeEnd) Write(p []byte) (int, error) { return e.wr.Write(p) }

func (e *pipeEnd) Close() error {
	e.wr.Close()
	e.rd.Close()
	return nil
}

// PacketPipe returns a connected in-memory packet duplex pair: an
// order-preserving bounded queue in each direction. This is the duplex
// behind the proxy's avro/json bridge and most tests.
func PacketPipe() (frame.Conn, frame.Conn) {
	const depth = 16
	a2b := make(chan *frame.Packet, depth)
	b2a := make(chan *frame.Packet, depth)
	a := &packetPipeEnd{rd: b2a, wr: a2b, closed: make(chan struct{})}
	b := &packetPipeEnd{rd: a2b, wr: b2a, closed: make(chan struct{})}
	a.peer = b
	b.peer = a
	return a, b
}

type packetPipeEnd struct {
	rd        <-chan *frame.Packet
	wr        chan<- *frame.Packet
	closed    chan struct{}
	closeOnce sync.Once
	peer      *packetPipeEnd
}

var _ frame.Conn = (*packetPipeEnd)(nil)

func (e *packetPipeEnd) ReadPacket() (*frame.Packet, error) {
	select {
	case p := <-e.rd:
		return p, nil
	default:
	}
	select {
	case p := <-e.rd:
		return p, nil
	case <-e.closed:
		// drain what the peer wrote before closing
		select {
		case p := <-e.rd:
			return p, nil
		default:
			return nil, io.EOF
		}
	case <-e.peer.closed:
		select {
		case p := <-e.rd:
			return p, nil
		default:
			return nil, io.EOF
		}
	}
}

func (e *packetPipeEnd) WritePacket(p *frame.Packet) error {
	select {
	case <-e.closed:
		return io.ErrClosedPipe
	case <-e.peer.closed:
		return io.ErrClosedPipe
	default:
	}
	select {
	case <-e.closed:
		return io.ErrClosedPipe
	case <-e.peer.closed:
		return io.ErrClosedPipe
	case e.wr <- p:
		return nil
	}
}

func (e *packetPipeEnd) Close() error {
	e.closeOnce.Do(func() { close(e.closed) })
	return nil
}
