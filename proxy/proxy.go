// Package proxy fronts bound RPC servers over HTTP: stateless POST
// exchanges (binary or JSON), CONNECT tunnels, and WebSocket upgrades.
// Scope labels route each connection to its binding; one upgraded socket
// can host several logical channels at once.
package proxy

import (
	"context"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/mtth/verdon/frame"
	"github.com/mtth/verdon/logger"
	"github.com/mtth/verdon/rpc"
	"github.com/mtth/verdon/service"
)

type contextKey int

const contextKeyLog contextKey = 0

type Logger = logger.Logger

func WithLogger(ctx context.Context, log Logger) context.Context {
	return context.WithValue(ctx, contextKeyLog, log)
}

func getLog(ctx context.Context) Logger {
	if log, ok := ctx.Value(contextKeyLog).(Logger); ok {
		return log
	}
	return logger.NewNullLogger()
}

// Receiver is the admission hook, consulted once per connection before
// any binding work. Returning an error denies the connection; the
// returned AfterBind hook, if any, runs for every channel subsequently
// created for it.
type Receiver func(req *http.Request) (AfterBind, error)

type AfterBind func(ch *rpc.Channel)

// ClientProvider receives a client for each bidirectional connection
// bound to its scope: the connecting peer hosts the service, the proxy
// hands out the client side.
type ClientProvider struct {
	Service *service.Service
	Notify  func(c *rpc.Client)
}

type binding struct {
	server   *rpc.Server
	provider *ClientProvider
}

// Options configure a proxy.
type Options struct {
	// Prefix precedes the scope segment of POST URLs. Defaults to "/".
	Prefix string
	// ExpectScopes lists the scopes that must be bound before OK holds.
	ExpectScopes []string
	// CallTimeout bounds each bridged avro/json call. Defaults to a
	// minute.
	CallTimeout time.Duration
}

const defaultCallTimeout = time.Minute

// Proxy routes incoming connections to bound servers by scope.
type Proxy struct {
	prefix      string
	expect      []string
	callTimeout time.Duration
	receiver    Receiver

	mtx      sync.Mutex
	bindings map[string]*binding
}

func New(opts *Options, receiver Receiver) *Proxy {
	if opts == nil {
		opts = &Options{}
	}
	prefix := opts.Prefix
	if prefix == "" {
		prefix = "/"
	}
	callTimeout := opts.CallTimeout
	if callTimeout == 0 {
		callTimeout = defaultCallTimeout
	}
	return &Proxy{
		prefix:      prefix,
		expect:      opts.ExpectScopes,
		callTimeout: callTimeout,
		receiver:    receiver,
		bindings:    make(map[string]*binding),
	}
}

// BindServer routes scope to server. Scopes are unique within one proxy.
func (p *Proxy) BindServer(server *rpc.Server, scope string) error {
	return p.bind(scope, &binding{server: server})
}

// BindClientProvider routes scope to provider. Only bidirectional wire
// modes (tunnel, WebSocket) can reach such a binding: it needs a live
// socket to construct the client-side channel.
func (p *Proxy) BindClientProvider(provider *ClientProvider, scope string) error {
	return p.bind(scope, &binding{provider: provider})
}

func (p *Proxy) bind(scope string, b *binding) error {
	if len(scope) > frame.MaxScopeLen {
		return frame.ErrScopeTooLong
	}
	p.mtx.Lock()
	defer p.mtx.Unlock()
	if _, dup := p.bindings[scope]; dup {
		return rpc.Errorf(rpc.KindUnknown, "scope %q already bound", scope)
	}
	p.bindings[scope] = b
	return nil
}

func (p *Proxy) binding(scope string) *binding {
	p.mtx.Lock()
	defer p.mtx.Unlock()
	return p.bindings[scope]
}

// OK reports readiness: every expected scope has been bound. A proxy
// with no expectations is always ready.
func (p *Proxy) OK() bool {
	p.mtx.Lock()
	defer p.mtx.Unlock()
	for _, scope := range p.expect {
		if _, ok := p.bindings[scope]; !ok {
			return false
		}
	}
	return true
}

// ServeHTTP dispatches on wire mode: CONNECT tunnels, WebSocket
// upgrades, and POST exchanges.
func (p *Proxy) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	switch {
	case r.Method == http.MethodConnect:
		p.handleConnect(w, r)
	case isUpgrade(r):
		p.handleWebSocket(w, r)
	case r.Method == http.MethodPost:
		p.handlePost(w, r)
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func isUpgrade(r *http.Request) bool {
	return strings.EqualFold(r.Header.Get("Upgrade"), "websocket")
}

// receive runs the admission hook. A nil receiver admits everything.
func (p *Proxy) receive(r *http.Request) (AfterBind, error) {
	if p.receiver == nil {
		return nil, nil
	}
	return p.receiver(r)
}

// postScope extracts the scope from a POST URL: the trailing path
// segment after the configured prefix.
func (p *Proxy) postScope(path string) string {
	scope := strings.Trim(strings.TrimPrefix(path, p.prefix), "/")
	if i := strings.LastIndexByte(scope, '/'); i >= 0 {
		scope = scope[i+1:]
	}
	return scope
}

// upgradeScopes reads the requested scopes of a CONNECT or WebSocket
// request: the comma-separated "scopes" header, or the URL path's first
// segment split on "+". No scope at all requests the default scope.
func upgradeScopes(r *http.Request) []string {
	if h := r.Header.Get("scopes"); h != "" {
		parts := strings.Split(h, ",")
		scopes := make([]string, 0, len(parts))
		for _, part := range parts {
			scopes = append(scopes, strings.TrimSpace(part))
		}
		return scopes
	}
	path := strings.Trim(r.URL.Path, "/")
	if path == "" {
		return []string{""}
	}
	if i := strings.IndexByte(path, '/'); i >= 0 {
		path = path[:i]
	}
	return strings.Split(path, "+")
}

// serveShared owns one bidirectional connection hosting one channel per
// scope, and demultiplexes inbound packets by scope label.
func (p *Proxy) serveShared(ctx context.Context, conn frame.Conn, scopes []string, after AfterBind) {
	defer conn.Close()

	channels := make(map[string]*rpc.Channel, len(scopes))
	var clients []*rpc.Client
	for _, scope := range scopes {
		b := p.binding(scope)
		if b == nil {
			// validated by the handlers; a race with Bind is still possible
			getLog(ctx).WithField("scope", scope).Error("scope lost its binding")
			return
		}
		var ch *rpc.Channel
		if b.server != nil {
			ch = b.server.NewChannel(ctx, conn, rpc.WithScope(scope))
		} else {
			client := rpc.NewClient(b.provider.Service)
			ch = client.NewChannel(ctx, conn, rpc.WithScope(scope))
			clients = append(clients, client)
			if b.provider.Notify != nil {
				b.provider.Notify(client)
			}
		}
		channels[scope] = ch
		if after != nil {
			after(ch)
		}
	}
	defer func() {
		for _, ch := range channels {
			ch.Destroy()
		}
		for _, c := range clients {
			c.DestroyChannels()
		}
	}()

	for {
		pkt, err := conn.ReadPacket()
		if err != nil {
			return
		}
		ch, ok := channels[pkt.Scope]
		if !ok {
			getLog(ctx).WithField("scope", pkt.Scope).Warn("packet for unbound scope")
			continue
		}
		ch.HandlePacket(ctx, pkt)
	}
}
