package proxy

import (
	"net/http"

	"golang.org/x/net/websocket"

	"github.com/mtth/verdon/transport"
)

// WebSocketHandler upgrades the connection and binds it like a tunnel,
// in object mode: each binary WebSocket message is one packet.
func (p *Proxy) WebSocketHandler() http.Handler {
	return http.HandlerFunc(p.handleWebSocket)
}

func (p *Proxy) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	after, err := p.receive(r)
	if err != nil {
		prom.Requests.WithLabelValues("websocket", "denied").Inc()
		http.Error(w, "forbidden", http.StatusForbidden)
		return
	}

	scopes := upgradeScopes(r)
	for _, scope := range scopes {
		if p.binding(scope) == nil {
			prom.Requests.WithLabelValues("websocket", "unknown_scope").Inc()
			http.Error(w, "no binding for scope "+scope, http.StatusNotFound)
			return
		}
	}

	srv := websocket.Server{
		Handshake: func(cfg *websocket.Config, req *http.Request) error {
			return nil // origin checks belong to the receiver hook
		},
		Handler: func(ws *websocket.Conn) {
			prom.Requests.WithLabelValues("websocket", "ok").Inc()
			p.serveShared(r.Context(), transport.NewWSConn(ws), scopes, after)
		},
	}
	srv.ServeHTTP(w, r)
}
