package proxy

import (
	"net/http"

	"github.com/mtth/verdon/frame"
)

// ConnectHandler answers HTTP CONNECT: on success the raw socket becomes
// a stateful byte transport bound to every requested scope.
func (p *Proxy) ConnectHandler() http.Handler {
	return http.HandlerFunc(p.handleConnect)
}

func (p *Proxy) handleConnect(w http.ResponseWriter, r *http.Request) {
	after, err := p.receive(r)
	if err != nil {
		prom.Requests.WithLabelValues("connect", "denied").Inc()
		http.Error(w, "forbidden", http.StatusForbidden)
		return
	}

	scopes := upgradeScopes(r)
	for _, scope := range scopes {
		if p.binding(scope) == nil {
			prom.Requests.WithLabelValues("connect", "unknown_scope").Inc()
			http.Error(w, "no binding for scope "+scope, http.StatusNotFound)
			return
		}
	}

	hj, ok := w.(http.Hijacker)
	if !ok {
		http.Error(w, "cannot hijack connection", http.StatusInternalServerError)
		return
	}
	conn, bufrw, err := hj.Hijack()
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	if bufrw.Reader.Buffered() > 0 {
		// data before the tunnel is established is a protocol violation
		prom.Requests.WithLabelValues("connect", "bad_request").Inc()
		conn.Write([]byte("HTTP/1.1 400 Bad Request\r\n\r\n")) //nolint:errcheck
		conn.Close()
		return
	}
	if _, err := conn.Write([]byte("HTTP/1.1 200 Connection Established\r\n\r\n")); err != nil {
		conn.Close()
		return
	}

	prom.Requests.WithLabelValues("connect", "ok").Inc()
	p.serveShared(r.Context(), frame.NewStreamConn(conn, 0), scopes, after)
}
