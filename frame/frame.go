// Package frame implements Avro RPC framing: length-prefixed frame
// sequences terminated by an empty frame ("units"), and id-prefixed
// packets for stateful connections that multiplex many calls.
package frame

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"io"
	"sync"

	"github.com/pkg/errors"
)

// DefaultMaxFrameLen bounds the size of a single frame accepted from a
// peer. Writers may exceed it only by splitting payloads across frames.
const DefaultMaxFrameLen = 1 << 26

var ErrFrameTooLarge = errors.New("frame exceeds maximum length")

// WriteUnit writes payload as a frame sequence: one frame holding the
// payload (empty payloads produce no payload frame) followed by the
// terminating empty frame.
func WriteUnit(w io.Writer, payload []byte) error {
	var hdr [4]byte
	if len(payload) > 0 {
		binary.BigEndian.PutUint32(hdr[:], uint32(len(payload)))
		if _, err := w.Write(hdr[:]); err != nil {
			return err
		}
		if _, err := w.Write(payload); err != nil {
			return err
		}
	}
	binary.BigEndian.PutUint32(hdr[:], 0)
	_, err := w.Write(hdr[:])
	return err
}

// ReadUnit reads a full frame sequence, concatenating frame payloads
// until the terminating empty frame.
func ReadUnit(r io.Reader, maxFrameLen uint32) ([]byte, error) {
	var buf bytes.Buffer
	var hdr [4]byte
	for {
		if _, err := io.ReadFull(r, hdr[:]); err != nil {
			return nil, err
		}
		n := binary.BigEndian.Uint32(hdr[:])
		if n == 0 {
			return buf.Bytes(), nil
		}
		if n > maxFrameLen {
			return nil, ErrFrameTooLarge
		}
		if _, err := io.CopyN(&buf, r, int64(n)); err != nil {
			if err == io.EOF {
				err = io.ErrUnexpectedEOF
			}
			return nil, err
		}
		prom.BytesRead.Add(float64(n))
	}
}

// Packet is one multiplexed call unit on a stateful connection. The id
// correlates a response with its request; it is unique among the calls in
// flight on one channel. The scope label routes the packet to its logical
// channel when several channels share one physical connection; the
// default scope is the empty string.
type Packet struct {
	ID    uint32
	Scope string
	Body  []byte
}

// Conn is the normalized packet surface channels operate on. StreamConn
// provides it for byte duplexes; object-mode transports (WebSocket)
// provide their own implementation.
type Conn interface {
	ReadPacket() (*Packet, error)
	WritePacket(p *Packet) error
	Close() error
}

// StreamConn frames packets onto a byte duplex: a 4-byte big-endian call
// id, the scope label (one length byte, then the label bytes), then the call's frame
// sequence. Reads and writes each serialize on their own mutex, so one
// reader and one writer goroutine may run concurrently.
type StreamConn struct {
	readMtx, writeMtx sync.Mutex
	rwc               io.ReadWriteCloser
	br                *bufio.Reader
	bw                *bufio.Writer
	maxFrameLen       uint32
}

var _ Conn = (*StreamConn)(nil)

func NewStreamConn(rwc io.ReadWriteCloser, maxFrameLen uint32) *StreamConn {
	if maxFrameLen == 0 {
		maxFrameLen = DefaultMaxFrameLen
	}
	return &StreamConn{
		rwc:         rwc,
		br:          bufio.NewReader(rwc),
		bw:          bufio.NewWriter(rwc),
		maxFrameLen: maxFrameLen,
	}
}

func (c *StreamConn) ReadPacket() (*Packet, error) {
	c.readMtx.Lock()
	defer c.readMtx.Unlock()
	var idBuf [4]byte
	if _, err := io.ReadFull(c.br, idBuf[:]); err != nil {
		return nil, err
	}
	scope, err := readScopeLabel(c.br)
	if err != nil {
		return nil, err
	}
	body, err := ReadUnit(c.br, c.maxFrameLen)
	if err != nil {
		return nil, err
	}
	return &Packet{ID: binary.BigEndian.Uint32(idBuf[:]), Scope: scope, Body: body}, nil
}

func (c *StreamConn) WritePacket(p *Packet) error {
	c.writeMtx.Lock()
	defer c.writeMtx.Unlock()
	var idBuf [4]byte
	binary.BigEndian.PutUint32(idBuf[:], p.ID)
	if _, err := c.bw.Write(idBuf[:]); err != nil {
		return err
	}
	if err := writeScopeLabel(c.bw, p.Scope); err != nil {
		return err
	}
	if err := WriteUnit(c.bw, p.Body); err != nil {
		return err
	}
	prom.BytesWritten.Add(float64(len(p.Body)))
	return c.bw.Flush()
}

func (c *StreamConn) Close() error {
	return c.rwc.Close()
}

// Scope labels ride every packet so that one physical connection can host
// unrelated logical channels. They are short by contract.
const MaxScopeLen = 255

var ErrScopeTooLong = errors.New("scope label exceeds maximum length")

func writeScopeLabel(w io.Writer, scope string) error {
	if len(scope) > MaxScopeLen {
		return ErrScopeTooLong
	}
	if _, err := w.Write([]byte{byte(len(scope))}); err != nil {
		return err
	}
	_, err := io.WriteString(w, scope)
	return err
}

func readScopeLabel(r io.Reader) (string, error) {
	var lenBuf [1]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return "", err
	}
	if lenBuf[0] == 0 {
		return "", nil
	}
	buf := make([]byte, lenBuf[0])
	if _, err := io.ReadFull(r, buf); err != nil {
		if err == io.EOF {
			err = io.ErrUnexpectedEOF
		}
		return "", err
	}
	return string(buf), nil
}

// Marshal lays the packet out as a single buffer, the form used by
// message-framed (object mode) transports: id, scope label, raw body.
func (p *Packet) Marshal() ([]byte, error) {
	if len(p.Scope) > MaxScopeLen {
		return nil, ErrScopeTooLong
	}
	buf := make([]byte, 0, 5+len(p.Scope)+len(p.Body))
	var idBuf [4]byte
	binary.BigEndian.PutUint32(idBuf[:], p.ID)
	buf = append(buf, idBuf[:]...)
	buf = append(buf, byte(len(p.Scope)))
	buf = append(buf, p.Scope...)
	buf = append(buf, p.Body...)
	return buf, nil
}

func UnmarshalPacket(buf []byte) (*Packet, error) {
	if len(buf) < 5 {
		return nil, io.ErrUnexpectedEOF
	}
	id := binary.BigEndian.Uint32(buf[:4])
	scopeLen := int(buf[4])
	if len(buf) < 5+scopeLen {
		return nil, io.ErrUnexpectedEOF
	}
	return &Packet{
		ID:    id,
		Scope: string(buf[5 : 5+scopeLen]),
		Body:  buf[5+scopeLen:],
	}, nil
}
