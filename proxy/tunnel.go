package proxy

import (
	"bufio"
	"bytes"
	"context"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"

	"github.com/pkg/errors"
)

// TunnelOptions tune StartTunnel.
type TunnelOptions struct {
	// Scopes to request, sent in the "scopes" header.
	Scopes []string
	// Headers are extra request headers, typically credentials for the
	// proxy's receiver hook.
	Headers http.Header
}

// StartTunnel issues an HTTP CONNECT to a proxy and returns the raw
// socket once the tunnel is established. On a non-200 answer the
// response body is read fully to produce a diagnostic.
func StartTunnel(ctx context.Context, rawurl string, opts *TunnelOptions) (net.Conn, error) {
	if opts == nil {
		opts = &TunnelOptions{}
	}
	u, err := url.Parse(rawurl)
	if err != nil {
		return nil, errors.Wrapf(err, "cannot parse URL %q", rawurl)
	}
	host := u.Host
	if _, _, err := net.SplitHostPort(host); err != nil {
		port := "80"
		if u.Scheme == "https" {
			port = "443"
		}
		host = net.JoinHostPort(u.Hostname(), port)
	}

	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", host)
	if err != nil {
		return nil, err
	}

	req := &http.Request{
		Method: http.MethodConnect,
		URL:    &url.URL{Opaque: host},
		Host:   host,
		Header: make(http.Header),
	}
	for k, vs := range opts.Headers {
		req.Header[k] = vs
	}
	if len(opts.Scopes) > 0 {
		req.Header.Set("scopes", strings.Join(opts.Scopes, ","))
	}
	if err := req.Write(conn); err != nil {
		conn.Close()
		return nil, errors.Wrap(err, "cannot write CONNECT request")
	}

	br := bufio.NewReader(conn)
	res, err := http.ReadResponse(br, req)
	if err != nil {
		conn.Close()
		return nil, errors.Wrap(err, "cannot read CONNECT response")
	}
	if res.StatusCode != http.StatusOK {
		diagnostic, _ := io.ReadAll(res.Body)
		res.Body.Close()
		conn.Close()
		return nil, errors.Errorf("tunnel refused with %s: %s", res.Status, bytes.TrimSpace(diagnostic))
	}

	if br.Buffered() > 0 {
		// bytes the response reader buffered past the header belong to
		// the tunnel
		buffered := make([]byte, br.Buffered())
		io.ReadFull(br, buffered) //nolint:errcheck
		return &tunnelConn{Conn: conn, head: bytes.NewReader(buffered)}, nil
	}
	return conn, nil
}

type tunnelConn struct {
	net.Conn
	head *bytes.Reader
}

func (c *tunnelConn) Read(p []byte) (int, error) {
	if c.head.Len() > 0 {
		return c.head.Read(p)
	}
	return c.Conn.Read(p)
}
