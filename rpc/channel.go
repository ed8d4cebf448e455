package rpc

import (
	"bytes"
	"context"
	"io"
	"sync"

	"github.com/mtth/verdon/frame"
	"github.com/mtth/verdon/service"
	"github.com/mtth/verdon/transport"
)

// State is a channel's lifecycle position.
type State int

const (
	// StatePending: created, handshake not yet complete.
	StatePending State = iota
	// StateOpen: negotiated; calls flow.
	StateOpen
	// StateClosed: destroyed or transport EOF. Terminal.
	StateClosed
	// StateErrored: fatal transport, codec or handshake failure. Terminal.
	StateErrored
)

func (s State) String() string {
	switch s {
	case StatePending:
		return "pending"
	case StateOpen:
		return "open"
	case StateClosed:
		return "closed"
	case StateErrored:
		return "errored"
	default:
		return "invalid"
	}
}

// PacketWriter is the write half a channel needs from its transport.
// Implementations must be safe for concurrent use.
type PacketWriter interface {
	WritePacket(p *frame.Packet) error
}

// RemoteProtocol describes the peer after a handshake. Service stays nil
// until the peer sends its full protocol document.
type RemoteProtocol struct {
	Hash    [16]byte
	Service *service.Service
}

type role int

const (
	clientRole role = iota
	serverRole
)

// pingName is the reserved message name of handshake-only requests.
const pingName = ""

// Channel is a negotiated session between a Client or Server and one
// transport at one scope. The channel owns its transport unless it was
// attached to a shared connection, in which case the demultiplexer owns
// it.
type Channel struct {
	role   role
	scope  string
	noPing bool
	client *Client
	server *Server

	pw     PacketWriter
	unary  transport.Unary
	closer io.Closer

	mtx        sync.Mutex
	hsMtx      sync.Mutex // serializes the piggybacked handshake
	state      State
	stateErr   error
	nextID     uint32
	pending    map[uint32]chan *frame.Packet
	negotiated bool
	remote     *RemoteProtocol

	outgoingCallHooks []func(cc *CallContext, opts *CallOptions)
	incomingCallHooks []func(cc *CallContext)

	openCh chan struct{}
	doneCh chan struct{}
}

// ChannelOption configures a channel at creation time.
type ChannelOption func(ch *Channel)

// WithScope binds the channel to a non-default scope.
func WithScope(scope string) ChannelOption {
	return func(ch *Channel) { ch.scope = scope }
}

// WithNoPing skips the opening handshake exchange; the handshake then
// piggybacks on the first call. Client-side only.
func WithNoPing() ChannelOption {
	return func(ch *Channel) { ch.noPing = true }
}

func newChannel(r role, opts []ChannelOption) *Channel {
	ch := &Channel{
		role:    r,
		pending: make(map[uint32]chan *frame.Packet),
		openCh:  make(chan struct{}),
		doneCh:  make(chan struct{}),
	}
	for _, opt := range opts {
		opt(ch)
	}
	return ch
}

func (ch *Channel) Scope() string { return ch.scope }

func (ch *Channel) State() State {
	ch.mtx.Lock()
	defer ch.mtx.Unlock()
	return ch.state
}

// Err returns the error that moved the channel into a terminal state,
// nil for clean closes.
func (ch *Channel) Err() error {
	ch.mtx.Lock()
	defer ch.mtx.Unlock()
	return ch.stateErr
}

// Remote returns the negotiated remote protocol descriptor, nil before
// the handshake completes.
func (ch *Channel) Remote() *RemoteProtocol {
	ch.mtx.Lock()
	defer ch.mtx.Unlock()
	return ch.remote
}

// OnOutgoingCall registers a hook run before each emission on this
// channel, with the call's context and emission options. Client side.
func (ch *Channel) OnOutgoingCall(fn func(cc *CallContext, opts *CallOptions)) {
	ch.mtx.Lock()
	defer ch.mtx.Unlock()
	ch.outgoingCallHooks = append(ch.outgoingCallHooks, fn)
}

// OnIncomingCall registers a hook run at the start of each dispatch on
// this channel. Server side.
func (ch *Channel) OnIncomingCall(fn func(cc *CallContext)) {
	ch.mtx.Lock()
	defer ch.mtx.Unlock()
	ch.incomingCallHooks = append(ch.incomingCallHooks, fn)
}

// Destroy closes the channel. In-flight calls fail with a transport
// error.
func (ch *Channel) Destroy() {
	ch.closeWith(nil)
}

func (ch *Channel) setOpen() {
	ch.mtx.Lock()
	defer ch.mtx.Unlock()
	if ch.state != StatePending {
		return
	}
	ch.state = StateOpen
	close(ch.openCh)
	prom.ChannelsOpen.Inc()
}

func (ch *Channel) closeWith(err error) {
	ch.mtx.Lock()
	if ch.state == StateClosed || ch.state == StateErrored {
		ch.mtx.Unlock()
		return
	}
	wasOpen := ch.state == StateOpen
	if err != nil {
		ch.state = StateErrored
		ch.stateErr = err
	} else {
		ch.state = StateClosed
		ch.stateErr = NewError(KindTransport, "channel closed")
	}
	for id, respCh := range ch.pending {
		close(respCh)
		delete(ch.pending, id)
	}
	close(ch.doneCh)
	ch.mtx.Unlock()

	if wasOpen {
		prom.ChannelsOpen.Dec()
	}
	if ch.closer != nil {
		ch.closer.Close()
	}
}

// register allocates a fresh call id. Ids are 4 bytes, unique among the
// calls in flight on this channel, and reused after completion.
func (ch *Channel) register() (uint32, chan *frame.Packet, error) {
	ch.mtx.Lock()
	defer ch.mtx.Unlock()
	if ch.state == StateClosed || ch.state == StateErrored {
		return 0, nil, ch.stateErr
	}
	for {
		ch.nextID++
		if _, busy := ch.pending[ch.nextID]; !busy {
			break
		}
	}
	respCh := make(chan *frame.Packet, 1)
	ch.pending[ch.nextID] = respCh
	return ch.nextID, respCh, nil
}

func (ch *Channel) unregister(id uint32) {
	ch.mtx.Lock()
	defer ch.mtx.Unlock()
	delete(ch.pending, id)
}

// HandlePacket feeds one inbound packet to the channel. External
// demultiplexers (shared sockets) call this; channels with their own
// read loop call it internally.
func (ch *Channel) HandlePacket(ctx context.Context, p *frame.Packet) {
	switch ch.role {
	case clientRole:
		ch.mtx.Lock()
		respCh, ok := ch.pending[p.ID]
		if ok {
			delete(ch.pending, p.ID)
		}
		ch.mtx.Unlock()
		if !ok {
			getLog(ctx).WithField("id", p.ID).Warn("response for unknown call id")
			return
		}
		respCh <- p
	case serverRole:
		go ch.server.dispatch(ctx, ch, p)
	}
}

// readLoop pumps packets from conn into the channel until EOF or error.
func (ch *Channel) readLoop(ctx context.Context, conn frame.Conn) {
	for {
		p, err := conn.ReadPacket()
		if err != nil {
			if err == io.EOF {
				ch.closeWith(nil)
			} else {
				select {
				case <-ch.doneCh:
					// destroy raced the read; keep the clean state
					ch.closeWith(nil)
				default:
					ch.closeWith(WrapError(KindTransport, err, "transport failed"))
				}
			}
			return
		}
		ch.HandlePacket(ctx, p)
	}
}

func (ch *Channel) handshakeRequest(includeProtocol bool) *frame.HandshakeRequest {
	svc := ch.client.svc
	hs := &frame.HandshakeRequest{
		ClientHash: svc.Hash(),
		ServerHash: svc.Hash(),
	}
	ch.mtx.Lock()
	if ch.remote != nil {
		hs.ServerHash = ch.remote.Hash
	}
	ch.mtx.Unlock()
	if includeProtocol {
		proto := svc.Protocol()
		hs.ClientProtocol = &proto
	}
	return hs
}

// applyHandshakeResponse records the negotiation outcome. It returns
// true when the channel may (re)use hash-only handshakes from now on,
// false when the peer requested the full protocol.
func (ch *Channel) applyHandshakeResponse(hres *frame.HandshakeResponse) (bool, error) {
	switch hres.Match {
	case frame.MatchBoth:
		ch.mtx.Lock()
		ch.negotiated = true
		if ch.remote == nil {
			ch.remote = &RemoteProtocol{Hash: ch.client.svc.Hash()}
		}
		ch.mtx.Unlock()
		return true, nil
	case frame.MatchClient:
		remote := &RemoteProtocol{}
		if hres.ServerHash != nil {
			remote.Hash = *hres.ServerHash
		}
		if hres.ServerProtocol != nil {
			svc, err := service.Parse([]byte(*hres.ServerProtocol))
			if err != nil {
				return false, WrapError(KindHandshake, err, "cannot parse server protocol")
			}
			remote.Service = svc
		}
		ch.mtx.Lock()
		ch.negotiated = true
		ch.remote = remote
		ch.mtx.Unlock()
		return true, nil
	case frame.MatchNone:
		remote := &RemoteProtocol{}
		if hres.ServerHash != nil {
			remote.Hash = *hres.ServerHash
		}
		if hres.ServerProtocol != nil {
			if svc, err := service.Parse([]byte(*hres.ServerProtocol)); err == nil {
				remote.Service = svc
			}
		}
		ch.mtx.Lock()
		ch.remote = remote
		ch.mtx.Unlock()
		return false, nil
	default:
		return false, Errorf(KindHandshake, "invalid handshake match %q", hres.Match)
	}
}

// ping performs the opening handshake exchange of stateful channels.
func (ch *Channel) ping(ctx context.Context) error {
	includeProtocol := false
	for attempt := 0; attempt < 2; attempt++ {
		body, err := encodeRequestBody(ch.handshakeRequest(includeProtocol), Headers{}, pingName, nil)
		if err != nil {
			return WrapError(KindCodec, err, "cannot encode handshake")
		}
		p, err := ch.exchange(ctx, body)
		if err != nil {
			return err
		}
		hres, _, err := frame.DecodeHandshakeResponse(p.Body)
		if err != nil {
			return WrapError(KindHandshake, err, "bad handshake response")
		}
		ok, err := ch.applyHandshakeResponse(hres)
		if err != nil {
			return err
		}
		if ok {
			return nil
		}
		includeProtocol = true
	}
	return NewError(KindHandshake, "unknown protocol")
}

// exchange writes one packet and waits for its response.
func (ch *Channel) exchange(ctx context.Context, body []byte) (*frame.Packet, error) {
	id, respCh, err := ch.register()
	if err != nil {
		return nil, err
	}
	defer ch.unregister(id)
	if err := ch.pw.WritePacket(&frame.Packet{ID: id, Scope: ch.scope, Body: body}); err != nil {
		err = WrapError(KindTransport, err, "cannot write request")
		ch.closeWith(err)
		return nil, err
	}
	select {
	case p, ok := <-respCh:
		if !ok {
			return nil, ch.Err()
		}
		return p, nil
	case <-ch.doneCh:
		// a buffered response may have won the race
		select {
		case p, ok := <-respCh:
			if ok {
				return p, nil
			}
		default:
		}
		return nil, ch.Err()
	case <-ctx.Done():
		if ctx.Err() == context.DeadlineExceeded {
			return nil, newTimeoutError()
		}
		return nil, WrapError(KindTransport, ctx.Err(), "call cancelled")
	}
}

// call is the client-side terminal middleware operation: encode, write,
// await, decode.
func (ch *Channel) call(ctx context.Context, cc *CallContext, wreq *WrappedRequest, wres *WrappedResponse) error {
	msg := cc.Message

	payload, err := ch.client.encodeRequest(msg, wreq.Body)
	if err != nil {
		return WrapError(KindCodec, err, "cannot encode request")
	}

	if ch.unary != nil {
		return ch.unaryCall(ctx, msg, wreq, wres, payload)
	}

	if !ch.noPing {
		// wait for the opening handshake
		select {
		case <-ch.openCh:
		case <-ch.doneCh:
			return ch.Err()
		case <-ctx.Done():
			if ctx.Err() == context.DeadlineExceeded {
				return newTimeoutError()
			}
			return WrapError(KindTransport, ctx.Err(), "call cancelled")
		}
	}

	// Only one call may carry the piggybacked handshake: a peer that has
	// already negotiated would misparse a second handshake-bearing
	// request. Later calls wait here until negotiation finishes.
	ch.mtx.Lock()
	negotiated := ch.negotiated
	ch.mtx.Unlock()
	if !negotiated {
		ch.hsMtx.Lock()
		defer ch.hsMtx.Unlock()
		ch.mtx.Lock()
		negotiated = ch.negotiated
		ch.mtx.Unlock()
	}

	if !negotiated && msg.OneWay() {
		// one-way requests get no response to complete a handshake with
		if err := ch.ping(ctx); err != nil {
			return err
		}
		negotiated = true
	}

	includeProtocol := false
	for attempt := 0; attempt < 2; attempt++ {
		var hs *frame.HandshakeRequest
		if !negotiated {
			hs = ch.handshakeRequest(includeProtocol)
		}
		body, err := encodeRequestBody(hs, wreq.Headers, msg.Name(), payload)
		if err != nil {
			return WrapError(KindCodec, err, "cannot encode request envelope")
		}

		if msg.OneWay() {
			id, _, err := ch.register()
			if err != nil {
				return err
			}
			ch.unregister(id)
			if err := ch.pw.WritePacket(&frame.Packet{ID: id, Scope: ch.scope, Body: body}); err != nil {
				err = WrapError(KindTransport, err, "cannot write request")
				ch.closeWith(err)
				return err
			}
			return nil
		}

		p, err := ch.exchange(ctx, body)
		if err != nil {
			return err
		}
		rest := p.Body
		if hs != nil {
			hres, r, err := frame.DecodeHandshakeResponse(rest)
			if err != nil {
				return WrapError(KindHandshake, err, "bad handshake response")
			}
			ok, err := ch.applyHandshakeResponse(hres)
			if err != nil {
				return err
			}
			if !ok {
				if includeProtocol {
					return NewError(KindHandshake, "unknown protocol")
				}
				includeProtocol = true
				continue
			}
			rest = r
		}
		return decodeResponseBody(msg, rest, wres)
	}
	return NewError(KindHandshake, "unknown protocol")
}

// unaryCall performs one stateless round trip. The handshake rides every
// request; after the first success only hashes are sent.
func (ch *Channel) unaryCall(ctx context.Context, msg *service.Message, wreq *WrappedRequest, wres *WrappedResponse, payload []byte) error {
	includeProtocol := false
	for attempt := 0; attempt < 2; attempt++ {
		hs := ch.handshakeRequest(includeProtocol)
		body, err := encodeRequestBody(hs, wreq.Headers, msg.Name(), payload)
		if err != nil {
			return WrapError(KindCodec, err, "cannot encode request envelope")
		}
		var unit bytes.Buffer
		if err := frame.WriteUnit(&unit, body); err != nil {
			return WrapError(KindTransport, err, "cannot frame request")
		}

		raw, err := ch.unary.RoundTrip(ctx, unit.Bytes())
		if err != nil {
			if ctx.Err() == context.DeadlineExceeded {
				return newTimeoutError()
			}
			return WrapError(KindTransport, err, "transport failed")
		}
		if msg.OneWay() {
			return nil
		}
		resBody, err := frame.ReadUnit(bytes.NewReader(raw), frame.DefaultMaxFrameLen)
		if err != nil {
			return WrapError(KindTransport, err, "cannot deframe response")
		}
		hres, rest, err := frame.DecodeHandshakeResponse(resBody)
		if err != nil {
			return WrapError(KindHandshake, err, "bad handshake response")
		}
		ok, err := ch.applyHandshakeResponse(hres)
		if err != nil {
			return err
		}
		if !ok {
			if includeProtocol {
				return NewError(KindHandshake, "unknown protocol")
			}
			includeProtocol = true
			continue
		}
		return decodeResponseBody(msg, rest, wres)
	}
	return NewError(KindHandshake, "unknown protocol")
}
