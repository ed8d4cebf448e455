package rpc

import (
	"context"
	"math"
	"sync"
	"time"

	"github.com/mtth/verdon/frame"
	"github.com/mtth/verdon/service"
	"github.com/mtth/verdon/transport"
)

// Client emits messages of one service over its channels.
type Client struct {
	svc *service.Service

	strictTypes bool
	buffering   bool
	timeout     time.Duration

	mtx        sync.Mutex
	channels   []*Channel
	middleware []Middleware
	onChannel  []func(ch *Channel)
	installed  chan struct{} // replaced on every channel install
	emitting   int
}

// ClientOption configures a client at construction time.
type ClientOption func(c *Client)

// WithStrictTypes turns off the client's retry that converts integral
// float64 values to int64 when a request fails to encode. Values the Avro
// layer accepts on its own, such as a float64 for an int field, still
// encode.
func WithStrictTypes() ClientOption {
	return func(c *Client) { c.strictTypes = true }
}

// WithBuffering queues emissions issued before a channel is available
// instead of failing them; they proceed once a channel is installed.
func WithBuffering() ClientOption {
	return func(c *Client) { c.buffering = true }
}

// WithDefaultTimeout bounds every call that does not carry its own
// timeout option.
func WithDefaultTimeout(d time.Duration) ClientOption {
	return func(c *Client) { c.timeout = d }
}

func NewClient(svc *service.Service, opts ...ClientOption) *Client {
	c := &Client{
		svc:       svc,
		installed: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Client) Service() *service.Service { return c.svc }

// Use appends middleware to the client's chain. The chain must not grow
// while calls are being dispatched.
func (c *Client) Use(mw ...Middleware) {
	c.mtx.Lock()
	defer c.mtx.Unlock()
	if c.emitting > 0 {
		panic("rpc: middleware added while calls are in flight")
	}
	c.middleware = append(c.middleware, mw...)
}

// UseFactory invokes the factory once with the owning client and appends
// the middleware it returns.
func (c *Client) UseFactory(f func(c *Client) Middleware) {
	c.Use(f(c))
}

// OnChannel registers a hook fired for every channel installed on this
// client, including those already installed.
func (c *Client) OnChannel(fn func(ch *Channel)) {
	c.mtx.Lock()
	existing := append([]*Channel(nil), c.channels...)
	c.onChannel = append(c.onChannel, fn)
	c.mtx.Unlock()
	for _, ch := range existing {
		fn(ch)
	}
}

func (c *Client) installChannel(ch *Channel) {
	c.mtx.Lock()
	c.channels = append(c.channels, ch)
	hooks := make([]func(*Channel), len(c.onChannel))
	copy(hooks, c.onChannel)
	close(c.installed)
	c.installed = make(chan struct{})
	c.mtx.Unlock()
	for _, fn := range hooks {
		fn(ch)
	}
}

// NewChannel attaches a channel to an externally driven packet writer;
// the caller must feed inbound packets via HandlePacket. Used when one
// physical connection hosts several channels.
func (c *Client) NewChannel(ctx context.Context, pw PacketWriter, opts ...ChannelOption) *Channel {
	ch := newChannel(clientRole, opts)
	ch.client = c
	ch.pw = pw
	ch.noPing = true // negotiation piggybacks on the first call
	ch.setOpen()
	c.installChannel(ch)
	return ch
}

// NewStreamChannel owns conn: it runs the read loop and, unless noPing
// is set, the opening handshake.
func (c *Client) NewStreamChannel(ctx context.Context, conn frame.Conn, opts ...ChannelOption) *Channel {
	ch := newChannel(clientRole, opts)
	ch.client = c
	ch.pw = conn
	ch.closer = conn
	go ch.readLoop(ctx, conn)
	if ch.noPing {
		ch.setOpen()
	} else {
		go func() {
			if err := ch.ping(ctx); err != nil {
				getLog(ctx).WithError(err).Error("handshake failed")
				ch.closeWith(err)
				return
			}
			ch.setOpen()
		}()
	}
	c.installChannel(ch)
	return ch
}

// NewUnaryChannel installs a stateless channel: every call runs one
// self-contained round trip, handshake included.
func (c *Client) NewUnaryChannel(ctx context.Context, u transport.Unary, opts ...ChannelOption) *Channel {
	ch := newChannel(clientRole, opts)
	ch.client = c
	ch.unary = u
	ch.setOpen()
	c.installChannel(ch)
	return ch
}

// DialChannel connects rawurl (see transport.Dial for schemes) and
// installs the resulting channel.
func (c *Client) DialChannel(ctx context.Context, rawurl string, opts ...ChannelOption) (*Channel, error) {
	ep, err := transport.Dial(ctx, rawurl)
	if err != nil {
		return nil, err
	}
	if ep.Unary != nil {
		return c.NewUnaryChannel(ctx, ep.Unary, opts...), nil
	}
	return c.NewStreamChannel(ctx, ep.Conn, opts...), nil
}

// DestroyChannels closes every channel owned by this client.
func (c *Client) DestroyChannels() {
	c.mtx.Lock()
	channels := append([]*Channel(nil), c.channels...)
	c.channels = nil
	c.mtx.Unlock()
	for _, ch := range channels {
		ch.Destroy()
	}
}

// CallOptions tune a single emission.
type CallOptions struct {
	// Timeout bounds the call; zero means the client default.
	Timeout time.Duration
	// Scope selects among channels when several scopes are installed.
	Scope string
	// Values seed observable per-call state; hooks registered via
	// OnOutgoingCall may copy them into the call's locals.
	Values map[string]interface{}
}

// Emit sends one message on one channel and returns its response. For
// two-way messages exactly one of (response, error) comes back; one-way
// messages return (nil, nil) once the request is flushed.
func (c *Client) Emit(ctx context.Context, name string, request interface{}, opts *CallOptions) (interface{}, error) {
	if opts == nil {
		opts = &CallOptions{}
	}
	msg := c.svc.Message(name)
	if msg == nil {
		return nil, Errorf(KindCodec, "unknown message %q", name)
	}

	timeout := opts.Timeout
	if timeout == 0 {
		timeout = c.timeout
	}
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	ch, err := c.channelForScope(ctx, opts.Scope)
	if err != nil {
		return nil, err
	}

	cc := newCallContext(msg, ch)
	ch.mtx.Lock()
	hooks := make([]func(*CallContext, *CallOptions), len(ch.outgoingCallHooks))
	copy(hooks, ch.outgoingCallHooks)
	ch.mtx.Unlock()
	for _, fn := range hooks {
		fn(cc, opts)
	}

	wreq := &WrappedRequest{Body: request, Headers: Headers{}}
	wres := &WrappedResponse{Headers: Headers{}}

	c.mtx.Lock()
	mws := c.middleware
	c.emitting++
	c.mtx.Unlock()
	defer func() {
		c.mtx.Lock()
		c.emitting--
		c.mtx.Unlock()
	}()

	start := time.Now()
	err = runChain(mws, cc, wreq, wres, func() error {
		return ch.call(ctx, cc, wreq, wres)
	})
	outcome := "success"
	if err != nil || wres.Err != nil {
		outcome = "error"
	}
	prom.Calls.WithLabelValues("client", outcome).Inc()
	prom.CallSeconds.Observe(time.Since(start).Seconds())

	if err != nil {
		return nil, err
	}
	if wres.Err != nil {
		return nil, wres.Err
	}
	return wres.Body, nil
}

// channelForScope picks an installed channel bound to scope. Without
// buffering, a missing channel fails immediately.
func (c *Client) channelForScope(ctx context.Context, scope string) (*Channel, error) {
	for {
		c.mtx.Lock()
		var found *Channel
		live := c.channels[:0]
		for _, ch := range c.channels {
			st := ch.State()
			if st == StateClosed || st == StateErrored {
				continue
			}
			live = append(live, ch)
			if found == nil && ch.scope == scope {
				found = ch
			}
		}
		c.channels = live
		installed := c.installed
		c.mtx.Unlock()
		if found != nil {
			return found, nil
		}
		if !c.buffering {
			return nil, Errorf(KindTransport, "no available channel for scope %q", scope)
		}
		select {
		case <-installed:
		case <-ctx.Done():
			if ctx.Err() == context.DeadlineExceeded {
				return nil, newTimeoutError()
			}
			return nil, WrapError(KindTransport, ctx.Err(), "call cancelled")
		}
	}
}

// encodeRequest encodes the request record, optionally retrying with
// lenient numeric conversions when strict types are off.
func (c *Client) encodeRequest(msg *service.Message, body interface{}) ([]byte, error) {
	buf, err := msg.EncodeRequest(body)
	if err != nil && !c.strictTypes {
		if coerced, changed := coerceNumbers(body); changed {
			if buf2, err2 := msg.EncodeRequest(coerced); err2 == nil {
				return buf2, nil
			}
		}
	}
	return buf, err
}

// coerceNumbers converts integral float64 values (the shape JSON decoding
// produces) into int64 so they can fill int and long fields.
func coerceNumbers(v interface{}) (interface{}, bool) {
	switch x := v.(type) {
	case float64:
		if x == math.Trunc(x) && !math.IsInf(x, 0) {
			return int64(x), true
		}
	case map[string]interface{}:
		changed := false
		out := make(map[string]interface{}, len(x))
		for k, val := range x {
			cv, c := coerceNumbers(val)
			out[k] = cv
			changed = changed || c
		}
		if changed {
			return out, true
		}
	case []interface{}:
		changed := false
		out := make([]interface{}, len(x))
		for i, val := range x {
			cv, c := coerceNumbers(val)
			out[i] = cv
			changed = changed || c
		}
		if changed {
			return out, true
		}
	}
	return v, false
}
