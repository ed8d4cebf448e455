package trace

import (
	"time"

	"github.com/mtth/verdon/rpc"
)

// Options tune the tracing middleware. The zero value uses DefaultKey
// and fails calls without an explicit outgoing trace.
type Options struct {
	// Key is the header (and locals) key traces travel under.
	Key string
	// CreateMissingOutgoing mints a fresh trace when an emission has
	// none instead of failing the call.
	CreateMissingOutgoing bool
	// IgnoreMissingIncoming accepts responses without a trace header,
	// recording empty downstream calls.
	IgnoreMissingIncoming bool
}

func (o *Options) key() string {
	if o == nil || o.Key == "" {
		return DefaultKey
	}
	return o.Key
}

// WithTrace attaches t to opts so the client middleware picks it up.
func WithTrace(opts *rpc.CallOptions, key string, t *Trace) *rpc.CallOptions {
	if opts == nil {
		opts = &rpc.CallOptions{}
	}
	if key == "" {
		key = DefaultKey
	}
	if opts.Values == nil {
		opts.Values = make(map[string]interface{})
	}
	opts.Values[key] = t
	return opts
}

// FromLocals returns the trace stored in a call context, nil if absent.
func FromLocals(cc *rpc.CallContext, key string) *Trace {
	if key == "" {
		key = DefaultKey
	}
	t, _ := cc.Locals[key].(*Trace)
	return t
}

// Install installs the tracing middleware on a client or server.
func Install(v interface{}, o *Options) error {
	switch x := v.(type) {
	case *rpc.Client:
		InstallClient(x, o)
	case *rpc.Server:
		InstallServer(x, o)
	default:
		return rpc.Errorf(rpc.KindTracing, "cannot install tracing on %T", v)
	}
	return nil
}

// InstallClient makes every emission append a Call to its trace, send
// the trace uuid in the request headers, and stitch the peer's subtree
// into the local tree when the response arrives.
func InstallClient(c *rpc.Client, o *Options) {
	key := o.key()
	c.OnChannel(func(ch *rpc.Channel) {
		ch.OnOutgoingCall(func(cc *rpc.CallContext, opts *rpc.CallOptions) {
			if t, ok := opts.Values[key].(*Trace); ok {
				cc.Locals[key] = t
			}
		})
	})
	c.Use(clientMiddleware(o, key))
}

func clientMiddleware(o *Options, key string) rpc.Middleware {
	return func(cc *rpc.CallContext, wreq *rpc.WrappedRequest, wres *rpc.WrappedResponse, next rpc.Next) error {
		t, _ := cc.Locals[key].(*Trace)
		if t == nil {
			if o == nil || !o.CreateMissingOutgoing {
				return rpc.NewError(rpc.KindTracing, "missing outgoing trace")
			}
			t = New()
			cc.Locals[key] = t
		}

		call := &Call{
			State:       StatePending,
			Name:        cc.Message.Name(),
			RequestTime: time.Now(),
		}
		if cc.Message.OneWay() {
			call.State = StateOneWay
		}
		t.Calls = append(t.Calls, call)

		wire, err := t.MarshalWire()
		if err != nil {
			return rpc.WrapError(rpc.KindTracing, err, "cannot encode outgoing trace")
		}
		wreq.Headers[key] = wire

		if cc.Message.OneWay() {
			return next(nil)
		}

		err = next(nil)

		now := time.Now()
		call.ResponseTime = &now
		if err != nil || wres.Err != nil {
			call.State = StateError
		} else {
			call.State = StateSuccess
		}

		buf, ok := wres.Headers[key]
		if !ok {
			if o != nil && o.IgnoreMissingIncoming {
				return err
			}
			if err != nil || wres.Err != nil {
				// a failed call keeps its own error
				return err
			}
			return rpc.NewError(rpc.KindTracing, "missing incoming trace")
		}
		incoming, derr := Unmarshal(buf)
		if derr != nil {
			return rpc.WrapError(rpc.KindTracing, derr, "cannot decode incoming trace")
		}
		call.Downstream = incoming.Calls
		return err
	}
}

// InstallServer makes every dispatch seed the call's locals with the
// inbound trace (minting one when absent) and return the accumulated
// subtree in the response headers.
func InstallServer(s *rpc.Server, o *Options) {
	key := o.key()
	s.Use(serverMiddleware(key))
}

func serverMiddleware(key string) rpc.Middleware {
	return func(cc *rpc.CallContext, wreq *rpc.WrappedRequest, wres *rpc.WrappedResponse, next rpc.Next) error {
		buf, hasHeader := wreq.Headers[key]
		if hasHeader {
			if _, busy := cc.Locals[key]; busy {
				return rpc.NewError(rpc.KindTracing, "duplicate trace")
			}
			t, err := Unmarshal(buf)
			if err != nil {
				return rpc.WrapError(rpc.KindTracing, err, "cannot decode incoming trace")
			}
			cc.Locals[key] = t
		} else if _, busy := cc.Locals[key]; !busy {
			cc.Locals[key] = New()
		}

		err := next(nil)

		t, _ := cc.Locals[key].(*Trace)
		if t != nil {
			if out, merr := t.Marshal(); merr == nil {
				wres.Headers[key] = out
			}
		}
		return err
	}
}
