package transport

import (
	"context"
	"fmt"
	"net"
	"net/url"
	"strings"

	"golang.org/x/net/websocket"

	"github.com/pkg/errors"

	"github.com/mtth/verdon/frame"
)

// DefaultTCPPort is assumed when a tcp:// URL omits the port.
const DefaultTCPPort = 24617

// Endpoint is the result of dialing a URL: exactly one of Unary (for
// stateless schemes) or Conn (for stateful ones) is set.
type Endpoint struct {
	Unary Unary
	Conn  frame.Conn
}

// Dial connects to an RPC endpoint URL. Recognized schemes: http and
// https (stateless POST), tcp (stateful byte stream, DefaultTCPPort if
// unset), file (stateful unix socket at the URL path), ws and wss
// (WebSocket, object mode).
func Dial(ctx context.Context, rawurl string) (*Endpoint, error) {
	u, err := url.Parse(rawurl)
	if err != nil {
		return nil, errors.Wrapf(err, "cannot parse URL %q", rawurl)
	}
	switch strings.ToLower(u.Scheme) {
	case "http", "https":
		return &Endpoint{Unary: NewHTTPUnary(rawurl, nil)}, nil
	case "tcp":
		host := u.Host
		if _, _, err := net.SplitHostPort(host); err != nil {
			host = fmt.Sprintf("%s:%d", u.Hostname(), DefaultTCPPort)
		}
		var d net.Dialer
		conn, err := d.DialContext(ctx, "tcp", host)
		if err != nil {
			return nil, err
		}
		return &Endpoint{Conn: frame.NewStreamConn(conn, 0)}, nil
	case "file":
		path := u.Path
		if u.Host != "" {
			path = u.Host + u.Path
		}
		var d net.Dialer
		conn, err := d.DialContext(ctx, "unix", path)
		if err != nil {
			return nil, err
		}
		return &Endpoint{Conn: frame.NewStreamConn(conn, 0)}, nil
	case "ws", "wss":
		origin := "http://" + u.Host
		ws, err := websocket.Dial(rawurl, "", origin)
		if err != nil {
			return nil, err
		}
		return &Endpoint{Conn: NewWSConn(ws)}, nil
	default:
		return nil, errors.Errorf("unsupported URL scheme %q", u.Scheme)
	}
}
