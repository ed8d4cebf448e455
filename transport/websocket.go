package transport

import (
	"golang.org/x/net/websocket"

	"github.com/mtth/verdon/frame"
)

// WSConn adapts a WebSocket to the packet surface: each binary WebSocket
// message carries exactly one marshaled packet (object mode, no
// length-prefixed framing inside the message).
type WSConn struct {
	ws *websocket.Conn
}

var _ frame.Conn = (*WSConn)(nil)

func NewWSConn(ws *websocket.Conn) *WSConn {
	ws.PayloadType = websocket.BinaryFrame
	return &WSConn{ws: ws}
}

func (c *WSConn) ReadPacket() (*frame.Packet, error) {
	var buf []byte
	if err := websocket.Message.Receive(c.ws, &buf); err != nil {
		return nil, err
	}
	return frame.UnmarshalPacket(buf)
}

func (c *WSConn) WritePacket(p *frame.Packet) error {
	buf, err := p.Marshal()
	if err != nil {
		return err
	}
	return websocket.Message.Send(c.ws, buf)
}

func (c *WSConn) Close() error {
	return c.ws.Close()
}
