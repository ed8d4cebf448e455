package rpc

import (
	"context"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/mtth/verdon/frame"
	"github.com/mtth/verdon/service"
)

// Handler services one message. The returned value must fit the
// message's response type; errors may be *DeclaredError (a declared
// error-union branch) or any other error, surfaced as the implicit
// string branch.
type Handler func(cc *CallContext, request interface{}) (interface{}, error)

// Server dispatches incoming messages of one service to handlers.
type Server struct {
	svc *service.Service

	strictErrors bool

	mtx        sync.Mutex
	handlers   map[string]Handler
	middleware []Middleware
	onChannel  []func(ch *Channel)
	onError    []func(err error)
	channels   map[*Channel]struct{}
	dispatched int
}

// ServerOption configures a server at construction time.
type ServerOption func(s *Server)

// WithStrictErrors only lets declared error variants through verbatim;
// anything else is normalized to a system error.
func WithStrictErrors() ServerOption {
	return func(s *Server) { s.strictErrors = true }
}

func NewServer(svc *service.Service, opts ...ServerOption) *Server {
	s := &Server{
		svc:      svc,
		handlers: make(map[string]Handler),
		channels: make(map[*Channel]struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Server) Service() *service.Service { return s.svc }

// OnMessage installs the handler for one message. There is a single
// handler per message; installing twice replaces the first.
func (s *Server) OnMessage(name string, h Handler) error {
	if s.svc.Message(name) == nil {
		return Errorf(KindCodec, "unknown message %q", name)
	}
	s.mtx.Lock()
	defer s.mtx.Unlock()
	s.handlers[name] = h
	return nil
}

// Use appends middleware to the server's chain. The chain must not grow
// while calls are being dispatched.
func (s *Server) Use(mw ...Middleware) {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	if s.dispatched > 0 {
		panic("rpc: middleware added while calls are in flight")
	}
	s.middleware = append(s.middleware, mw...)
}

// UseFactory invokes the factory once with the owning server and appends
// the middleware it returns.
func (s *Server) UseFactory(f func(s *Server) Middleware) {
	s.Use(f(s))
}

// OnChannel registers a hook fired for every incoming channel,
// including those already attached.
func (s *Server) OnChannel(fn func(ch *Channel)) {
	s.mtx.Lock()
	existing := make([]*Channel, 0, len(s.channels))
	for ch := range s.channels {
		existing = append(existing, ch)
	}
	s.onChannel = append(s.onChannel, fn)
	s.mtx.Unlock()
	for _, ch := range existing {
		fn(ch)
	}
}

// OnError registers a hook for failures that cannot reach any client,
// such as one-way handler errors.
func (s *Server) OnError(fn func(err error)) {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	s.onError = append(s.onError, fn)
}

func (s *Server) reportError(ctx context.Context, err error) {
	s.mtx.Lock()
	hooks := make([]func(error), len(s.onError))
	copy(hooks, s.onError)
	s.mtx.Unlock()
	if len(hooks) == 0 {
		getLog(ctx).WithError(err).Error("unreported server error")
		return
	}
	for _, fn := range hooks {
		fn(err)
	}
}

// NewChannel attaches an incoming channel writing responses to pw; the
// caller feeds request packets via HandlePacket. Used when one physical
// connection hosts several channels.
func (s *Server) NewChannel(ctx context.Context, pw PacketWriter, opts ...ChannelOption) *Channel {
	ch := newChannel(serverRole, opts)
	ch.server = s
	ch.pw = pw
	s.mtx.Lock()
	s.channels[ch] = struct{}{}
	hooks := make([]func(*Channel), len(s.onChannel))
	copy(hooks, s.onChannel)
	s.mtx.Unlock()
	for _, fn := range hooks {
		fn(ch)
	}
	return ch
}

// ServeConn serves a dedicated stateful connection until EOF. The
// channel owns conn.
func (s *Server) ServeConn(ctx context.Context, conn frame.Conn, opts ...ChannelOption) error {
	ch := s.NewChannel(ctx, conn, opts...)
	ch.closer = conn
	defer s.removeChannel(ch)
	defer ch.Destroy()
	for {
		p, err := conn.ReadPacket()
		if err != nil {
			if err == io.EOF {
				return nil
			}
			select {
			case <-ch.doneCh:
				return nil
			default:
			}
			return WrapError(KindTransport, err, "transport failed")
		}
		ch.HandlePacket(ctx, p)
	}
}

func (s *Server) removeChannel(ch *Channel) {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	delete(s.channels, ch)
}

// DestroyChannels closes every channel owned by this server.
func (s *Server) DestroyChannels() {
	s.mtx.Lock()
	channels := make([]*Channel, 0, len(s.channels))
	for ch := range s.channels {
		channels = append(channels, ch)
	}
	s.channels = make(map[*Channel]struct{})
	s.mtx.Unlock()
	for _, ch := range channels {
		ch.Destroy()
	}
}

// ServeUnary handles one stateless call: the request unit (handshake
// included) is read from r and the response unit written to w.
func (s *Server) ServeUnary(ctx context.Context, r io.Reader, w io.Writer) error {
	body, err := frame.ReadUnit(r, frame.DefaultMaxFrameLen)
	if err != nil {
		return WrapError(KindTransport, err, "cannot deframe request")
	}
	ch := s.NewChannel(ctx, discardWriter{})
	defer s.removeChannel(ch)
	defer ch.Destroy()
	res := s.handleRequest(ctx, ch, body)
	if res == nil {
		return nil // one-way
	}
	return frame.WriteUnit(w, res)
}

type discardWriter struct{}

func (discardWriter) WritePacket(p *frame.Packet) error { return nil }

// dispatch handles one stateful request packet and writes the response
// with the request's id and scope.
func (s *Server) dispatch(ctx context.Context, ch *Channel, p *frame.Packet) {
	res := s.handleRequest(ctx, ch, p.Body)
	if res == nil {
		return // one-way
	}
	if err := ch.pw.WritePacket(&frame.Packet{ID: p.ID, Scope: p.Scope, Body: res}); err != nil {
		ch.closeWith(WrapError(KindTransport, err, "cannot write response"))
	}
}

// handleRequest processes one request body and returns the encoded
// response body, nil for one-way messages.
func (s *Server) handleRequest(ctx context.Context, ch *Channel, body []byte) []byte {
	var hres *frame.HandshakeResponse
	rest := body

	ch.mtx.Lock()
	negotiated := ch.negotiated
	ch.mtx.Unlock()

	if !negotiated {
		hreq, r, err := frame.DecodeHandshakeRequest(body)
		if err != nil {
			getLog(ctx).WithError(err).Error("bad handshake request")
			ch.closeWith(WrapError(KindHandshake, err, "bad handshake request"))
			return nil
		}
		rest = r
		hres = s.negotiate(ch, hreq)
		if hres.Match == frame.MatchNone {
			res, err := encodeResponseBody(hres, Headers{}, true, encodeStringError("unknown protocol"))
			if err != nil {
				getLog(ctx).WithError(err).Error("cannot encode handshake refusal")
				return nil
			}
			return res
		}
		ch.mtx.Lock()
		ch.negotiated = true
		ch.mtx.Unlock()
		ch.setOpen()
	}

	headers, rest, err := frame.ReadMeta(rest)
	if err != nil {
		return s.errorResponse(ctx, hres, nil, WrapError(KindCodec, err, "cannot decode request metadata"))
	}
	name, rest, err := frame.ReadString(rest)
	if err != nil {
		return s.errorResponse(ctx, hres, nil, WrapError(KindCodec, err, "cannot decode message name"))
	}

	if name == pingName {
		res, err := encodeResponseBody(hres, Headers{}, false, nil)
		if err != nil {
			getLog(ctx).WithError(err).Error("cannot encode ping response")
			return nil
		}
		return res
	}

	msg := s.svc.Message(name)
	if msg == nil {
		return s.errorResponse(ctx, hres, nil, Errorf(KindCodec, "unknown message %q", name))
	}
	s.mtx.Lock()
	handler := s.handlers[name]
	s.mtx.Unlock()
	if handler == nil {
		return s.errorResponse(ctx, hres, msg, Errorf(KindSystem, "no handler for message %q", name))
	}

	reqBody, _, err := msg.DecodeRequest(rest)
	if err != nil {
		return s.errorResponse(ctx, hres, msg, WrapError(KindCodec, err, "cannot decode request"))
	}

	cc := newCallContext(msg, ch)
	ch.mtx.Lock()
	hooks := make([]func(*CallContext), len(ch.incomingCallHooks))
	copy(hooks, ch.incomingCallHooks)
	ch.mtx.Unlock()
	for _, fn := range hooks {
		fn(cc)
	}

	wreq := &WrappedRequest{Body: reqBody, Headers: headers}
	wres := &WrappedResponse{Headers: Headers{}}

	s.mtx.Lock()
	mws := s.middleware
	s.dispatched++
	s.mtx.Unlock()
	defer func() {
		s.mtx.Lock()
		s.dispatched--
		s.mtx.Unlock()
	}()

	start := time.Now()
	chainErr := runChain(mws, cc, wreq, wres, func() error {
		res, err := s.safeInvoke(handler, cc, wreq.Body)
		if err != nil {
			wres.Err = err
		} else {
			wres.Body = res
		}
		return nil
	})
	outcome := "success"
	if chainErr != nil || wres.Err != nil {
		outcome = "error"
	}
	prom.Calls.WithLabelValues("server", outcome).Inc()
	prom.CallSeconds.Observe(time.Since(start).Seconds())

	if msg.OneWay() {
		if chainErr != nil {
			s.reportError(ctx, chainErr)
		} else if wres.Err != nil {
			s.reportError(ctx, wres.Err)
		}
		return nil
	}

	if chainErr != nil {
		return s.errorResponseHeaders(ctx, hres, msg, wres.Headers, chainErr)
	}
	if wres.Err != nil {
		return s.errorResponseHeaders(ctx, hres, msg, wres.Headers, wres.Err)
	}

	payload, err := msg.EncodeResponse(wres.Body)
	if err != nil {
		return s.errorResponseHeaders(ctx, hres, msg, wres.Headers,
			WrapError(KindCodec, err, "cannot encode response"))
	}
	res, err := encodeResponseBody(hres, wres.Headers, false, payload)
	if err != nil {
		getLog(ctx).WithError(err).Error("cannot encode response envelope")
		return nil
	}
	return res
}

// safeInvoke runs the handler, converting panics into system errors.
func (s *Server) safeInvoke(handler Handler, cc *CallContext, request interface{}) (res interface{}, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = Errorf(KindSystem, "handler panicked: %v", r)
		}
	}()
	return handler(cc, request)
}

func (s *Server) errorResponse(ctx context.Context, hres *frame.HandshakeResponse, msg *service.Message, cause error) []byte {
	return s.errorResponseHeaders(ctx, hres, msg, Headers{}, cause)
}

func (s *Server) errorResponseHeaders(ctx context.Context, hres *frame.HandshakeResponse, msg *service.Message, headers Headers, cause error) []byte {
	payload := s.errorUnion(msg, cause)
	res, err := encodeResponseBody(hres, headers, true, payload)
	if err != nil {
		getLog(ctx).WithError(err).Error("cannot encode error envelope")
		return nil
	}
	return res
}

// errorUnion encodes cause into the message's error union. Declared
// variants pass through; everything else becomes the string branch,
// prefixed under strictErrors to mark it as a system error.
func (s *Server) errorUnion(msg *service.Message, cause error) []byte {
	if msg != nil {
		if de, ok := cause.(*DeclaredError); ok {
			if buf, err := msg.EncodeError(de.Value); err == nil {
				return buf
			}
			return encodeStringError(fmt.Sprintf("system error: undeclared error variant %v", de.Value))
		}
	}
	str := cause.Error()
	if s.strictErrors {
		if _, ok := cause.(*DeclaredError); !ok {
			str = "system error: " + str
		}
	}
	return encodeStringError(str)
}

// negotiate computes the handshake outcome for one request.
func (s *Server) negotiate(ch *Channel, hreq *frame.HandshakeRequest) *frame.HandshakeResponse {
	serverHash := s.svc.Hash()
	if hreq.ClientHash == serverHash {
		return &frame.HandshakeResponse{Match: frame.MatchBoth}
	}
	if hreq.ClientProtocol != nil {
		remote := &RemoteProtocol{Hash: hreq.ClientHash}
		if svc, err := service.Parse([]byte(*hreq.ClientProtocol)); err == nil {
			remote.Service = svc
		}
		ch.mtx.Lock()
		ch.remote = remote
		ch.mtx.Unlock()
		proto := s.svc.Protocol()
		return &frame.HandshakeResponse{
			Match:          frame.MatchClient,
			ServerProtocol: &proto,
			ServerHash:     &serverHash,
		}
	}
	proto := s.svc.Protocol()
	return &frame.HandshakeResponse{
		Match:          frame.MatchNone,
		ServerProtocol: &proto,
		ServerHash:     &serverHash,
	}
}
