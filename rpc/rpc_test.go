package rpc

import (
	"bytes"
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mtth/verdon/logger"
	"github.com/mtth/verdon/service"
	"github.com/mtth/verdon/transport"
)

const mathProtocol = `{
	"protocol": "Math",
	"namespace": "org.example",
	"types": [
		{"type": "error", "name": "RangeError", "fields": [
			{"name": "bound", "type": "int"}
		]}
	],
	"messages": {
		"neg": {
			"request": [{"name": "n", "type": "int"}],
			"response": "int",
			"errors": ["RangeError"]
		},
		"touch": {
			"request": [],
			"one-way": true
		}
	}
}`

// testCtx keeps channel internals quiet; background goroutines may
// outlive the test, so a *testing.T logger is unsafe here.
func testCtx(t *testing.T) context.Context {
	return WithLogger(context.Background(), logger.NewNullLogger())
}

type pair struct {
	client *Client
	server *Server
}

func startPair(t *testing.T, copts []ClientOption, sopts []ServerOption) (*pair, func()) {
	ctx := testCtx(t)
	svc := service.MustParse(mathProtocol)
	a, b := transport.PacketPipe()
	server := NewServer(svc, sopts...)
	go server.ServeConn(ctx, b) //nolint:errcheck
	client := NewClient(svc, copts...)
	client.NewStreamChannel(ctx, a)
	cleanup := func() {
		client.DestroyChannels()
		server.DestroyChannels()
	}
	return &pair{client: client, server: server}, cleanup
}

func negHandler(cc *CallContext, request interface{}) (interface{}, error) {
	n := request.(map[string]interface{})["n"].(int32)
	return -n, nil
}

func TestEmitRoundTrip(t *testing.T) {
	p, cleanup := startPair(t, nil, nil)
	defer cleanup()
	require.NoError(t, p.server.OnMessage("neg", negHandler))

	res, err := p.client.Emit(testCtx(t), "neg", map[string]interface{}{"n": 10}, nil)
	require.NoError(t, err)
	assert.EqualValues(t, -10, res)
}

func TestEmitUnknownMessage(t *testing.T) {
	p, cleanup := startPair(t, nil, nil)
	defer cleanup()

	_, err := p.client.Emit(testCtx(t), "plus", nil, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown message")
}

func TestEmitNoHandler(t *testing.T) {
	p, cleanup := startPair(t, nil, nil)
	defer cleanup()

	_, err := p.client.Emit(testCtx(t), "neg", map[string]interface{}{"n": 1}, nil)
	require.Error(t, err)
	assert.Equal(t, KindSystem, KindOf(err))
	assert.Contains(t, err.Error(), "no handler")
}

func TestEmitDeclaredError(t *testing.T) {
	p, cleanup := startPair(t, nil, nil)
	defer cleanup()
	require.NoError(t, p.server.OnMessage("neg", func(cc *CallContext, request interface{}) (interface{}, error) {
		return nil, &DeclaredError{Value: map[string]interface{}{
			"org.example.RangeError": map[string]interface{}{"bound": 100},
		}}
	}))

	_, err := p.client.Emit(testCtx(t), "neg", map[string]interface{}{"n": 1}, nil)
	require.Error(t, err)
	assert.Equal(t, KindApplication, KindOf(err))
	value := ApplicationValue(err).(map[string]interface{})
	_, ok := value["org.example.RangeError"]
	assert.True(t, ok)
}

func TestEmitStringError(t *testing.T) {
	p, cleanup := startPair(t, nil, nil)
	defer cleanup()
	require.NoError(t, p.server.OnMessage("neg", func(cc *CallContext, request interface{}) (interface{}, error) {
		return nil, errors.New("bar")
	}))

	_, err := p.client.Emit(testCtx(t), "neg", map[string]interface{}{"n": 1}, nil)
	require.Error(t, err)
	assert.Equal(t, KindSystem, KindOf(err))
	assert.Equal(t, "bar", err.Error())
}

func TestStrictErrorsNormalizesUndeclared(t *testing.T) {
	p, cleanup := startPair(t, nil, []ServerOption{WithStrictErrors()})
	defer cleanup()
	require.NoError(t, p.server.OnMessage("neg", func(cc *CallContext, request interface{}) (interface{}, error) {
		return nil, errors.New("bar")
	}))

	_, err := p.client.Emit(testCtx(t), "neg", map[string]interface{}{"n": 1}, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "system error: bar")
}

func TestHandlerPanicBecomesSystemError(t *testing.T) {
	p, cleanup := startPair(t, nil, nil)
	defer cleanup()
	require.NoError(t, p.server.OnMessage("neg", func(cc *CallContext, request interface{}) (interface{}, error) {
		panic("kaboom")
	}))

	_, err := p.client.Emit(testCtx(t), "neg", map[string]interface{}{"n": 1}, nil)
	require.Error(t, err)
	assert.Equal(t, KindSystem, KindOf(err))
	assert.Contains(t, err.Error(), "kaboom")
}

func TestOneWay(t *testing.T) {
	p, cleanup := startPair(t, nil, nil)
	defer cleanup()
	ran := make(chan struct{})
	require.NoError(t, p.server.OnMessage("touch", func(cc *CallContext, request interface{}) (interface{}, error) {
		close(ran)
		return nil, nil
	}))

	res, err := p.client.Emit(testCtx(t), "touch", map[string]interface{}{}, nil)
	require.NoError(t, err)
	assert.Nil(t, res)
	select {
	case <-ran:
	case <-time.After(5 * time.Second):
		t.Fatal("one-way handler never ran")
	}
}

func TestOneWayHandlerErrorReported(t *testing.T) {
	p, cleanup := startPair(t, nil, nil)
	defer cleanup()
	reported := make(chan error, 1)
	p.server.OnError(func(err error) { reported <- err })
	require.NoError(t, p.server.OnMessage("touch", func(cc *CallContext, request interface{}) (interface{}, error) {
		return nil, errors.New("lost")
	}))

	_, err := p.client.Emit(testCtx(t), "touch", map[string]interface{}{}, nil)
	require.NoError(t, err)
	select {
	case err := <-reported:
		assert.Contains(t, err.Error(), "lost")
	case <-time.After(5 * time.Second):
		t.Fatal("error never reported")
	}
}

func TestEmitTimeout(t *testing.T) {
	p, cleanup := startPair(t, nil, nil)
	defer cleanup()
	release := make(chan struct{})
	defer close(release)
	require.NoError(t, p.server.OnMessage("neg", func(cc *CallContext, request interface{}) (interface{}, error) {
		<-release
		return int32(0), nil
	}))

	_, err := p.client.Emit(testCtx(t), "neg", map[string]interface{}{"n": 1}, &CallOptions{Timeout: 50 * time.Millisecond})
	require.Error(t, err)
	assert.True(t, IsTimeout(err))
}

func TestDestroyFailsPendingCallOnce(t *testing.T) {
	p, cleanup := startPair(t, nil, nil)
	defer cleanup()
	entered := make(chan struct{})
	release := make(chan struct{})
	defer close(release)
	require.NoError(t, p.server.OnMessage("neg", func(cc *CallContext, request interface{}) (interface{}, error) {
		close(entered)
		<-release
		return int32(0), nil
	}))

	errCh := make(chan error, 1)
	go func() {
		_, err := p.client.Emit(testCtx(t), "neg", map[string]interface{}{"n": 1}, nil)
		errCh <- err
	}()
	<-entered
	p.client.DestroyChannels()

	select {
	case err := <-errCh:
		require.Error(t, err)
		assert.Equal(t, KindTransport, KindOf(err))
	case <-time.After(5 * time.Second):
		t.Fatal("pending call never failed")
	}
}

func TestNoAvailableChannel(t *testing.T) {
	svc := service.MustParse(mathProtocol)
	client := NewClient(svc)
	_, err := client.Emit(testCtx(t), "neg", map[string]interface{}{"n": 1}, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no available channel")
}

func TestBufferingWaitsForChannel(t *testing.T) {
	ctx := testCtx(t)
	svc := service.MustParse(mathProtocol)
	a, b := transport.PacketPipe()
	server := NewServer(svc)
	require.NoError(t, server.OnMessage("neg", negHandler))
	go server.ServeConn(ctx, b) //nolint:errcheck
	defer server.DestroyChannels()

	client := NewClient(svc, WithBuffering())
	defer client.DestroyChannels()

	resCh := make(chan interface{}, 1)
	errCh := make(chan error, 1)
	go func() {
		res, err := client.Emit(ctx, "neg", map[string]interface{}{"n": 3}, nil)
		resCh <- res
		errCh <- err
	}()

	time.Sleep(50 * time.Millisecond)
	client.NewStreamChannel(ctx, a)

	select {
	case res := <-resCh:
		require.NoError(t, <-errCh)
		assert.EqualValues(t, -3, res)
	case <-time.After(5 * time.Second):
		t.Fatal("buffered call never completed")
	}
}

func TestHeadersTravelBothWays(t *testing.T) {
	p, cleanup := startPair(t, nil, nil)
	defer cleanup()
	require.NoError(t, p.server.OnMessage("neg", negHandler))

	p.server.Use(func(cc *CallContext, wreq *WrappedRequest, wres *WrappedResponse, next Next) error {
		err := next(nil)
		wres.Headers["echo"] = wreq.Headers["tag"]
		return err
	})

	var gotEcho []byte
	p.client.Use(func(cc *CallContext, wreq *WrappedRequest, wres *WrappedResponse, next Next) error {
		wreq.Headers["tag"] = []byte("v1")
		err := next(nil)
		gotEcho = wres.Headers["echo"]
		return err
	})

	_, err := p.client.Emit(testCtx(t), "neg", map[string]interface{}{"n": 1}, nil)
	require.NoError(t, err)
	assert.Equal(t, []byte("v1"), gotEcho)
}

func TestHandshakeMismatchRenegotiates(t *testing.T) {
	// same messages, different document, so the hashes differ and the
	// first hash-only handshake comes back NONE
	ctx := testCtx(t)
	clientSvc := service.MustParse(`{
		"protocol": "Math",
		"namespace": "org.example",
		"doc": "client rendition",
		"messages": {"neg": {"request": [{"name": "n", "type": "int"}], "response": "int"}}
	}`)
	serverSvc := service.MustParse(`{
		"protocol": "Math",
		"namespace": "org.example",
		"messages": {"neg": {"request": [{"name": "n", "type": "int"}], "response": "int"}}
	}`)
	require.NotEqual(t, clientSvc.Hash(), serverSvc.Hash())

	a, b := transport.PacketPipe()
	server := NewServer(serverSvc)
	require.NoError(t, server.OnMessage("neg", negHandler))
	go server.ServeConn(ctx, b) //nolint:errcheck
	defer server.DestroyChannels()

	client := NewClient(clientSvc)
	ch := client.NewStreamChannel(ctx, a)
	defer client.DestroyChannels()

	res, err := client.Emit(ctx, "neg", map[string]interface{}{"n": 7}, nil)
	require.NoError(t, err)
	assert.EqualValues(t, -7, res)

	remote := ch.Remote()
	require.NotNil(t, remote)
	assert.Equal(t, serverSvc.Hash(), remote.Hash)
	require.NotNil(t, remote.Service)
	assert.Equal(t, "org.example.Math", remote.Service.Name())
}

func TestNoPingChannelPiggybacksHandshake(t *testing.T) {
	ctx := testCtx(t)
	svc := service.MustParse(mathProtocol)
	a, b := transport.PacketPipe()
	server := NewServer(svc)
	require.NoError(t, server.OnMessage("neg", negHandler))
	go server.ServeConn(ctx, b) //nolint:errcheck
	defer server.DestroyChannels()

	client := NewClient(svc)
	ch := client.NewStreamChannel(ctx, a, WithNoPing())
	defer client.DestroyChannels()
	assert.Equal(t, StateOpen, ch.State())

	res, err := client.Emit(ctx, "neg", map[string]interface{}{"n": 4}, nil)
	require.NoError(t, err)
	assert.EqualValues(t, -4, res)
}

func TestUnaryChannel(t *testing.T) {
	ctx := testCtx(t)
	svc := service.MustParse(mathProtocol)
	server := NewServer(svc)
	require.NoError(t, server.OnMessage("neg", negHandler))

	rt := transport.UnaryFunc(func(ctx context.Context, request []byte) ([]byte, error) {
		var out bytes.Buffer
		if err := server.ServeUnary(ctx, bytes.NewReader(request), &out); err != nil {
			return nil, err
		}
		return out.Bytes(), nil
	})

	client := NewClient(svc)
	client.NewUnaryChannel(ctx, rt)
	defer client.DestroyChannels()

	for i := 0; i < 3; i++ {
		res, err := client.Emit(ctx, "neg", map[string]interface{}{"n": i}, nil)
		require.NoError(t, err)
		assert.EqualValues(t, -i, res)
	}
}

func TestScopeIsolationOnSharedConn(t *testing.T) {
	// two logical channels on one connection; calls must land on the
	// server bound to their scope only
	ctx := testCtx(t)
	svc := service.MustParse(mathProtocol)
	clientEnd, serverEnd := transport.PacketPipe()

	var mathCalls, logCalls int32
	servers := map[string]*Server{}
	serverChans := map[string]*Channel{}
	for _, scope := range []string{"math", "log"} {
		scope := scope
		srv := NewServer(svc)
		counter := &mathCalls
		if scope == "log" {
			counter = &logCalls
		}
		require.NoError(t, srv.OnMessage("neg", func(cc *CallContext, request interface{}) (interface{}, error) {
			atomic.AddInt32(counter, 1)
			return negHandler(cc, request)
		}))
		servers[scope] = srv
		serverChans[scope] = srv.NewChannel(ctx, serverEnd, WithScope(scope))
	}
	go func() {
		for {
			p, err := serverEnd.ReadPacket()
			if err != nil {
				return
			}
			if ch, ok := serverChans[p.Scope]; ok {
				ch.HandlePacket(ctx, p)
			}
		}
	}()

	client := NewClient(svc)
	clientChans := map[string]*Channel{
		"math": client.NewChannel(ctx, clientEnd, WithScope("math")),
		"log":  client.NewChannel(ctx, clientEnd, WithScope("log")),
	}
	go func() {
		for {
			p, err := clientEnd.ReadPacket()
			if err != nil {
				return
			}
			if ch, ok := clientChans[p.Scope]; ok {
				ch.HandlePacket(ctx, p)
			}
		}
	}()
	defer clientEnd.Close()

	res, err := client.Emit(ctx, "neg", map[string]interface{}{"n": 5}, &CallOptions{Scope: "math"})
	require.NoError(t, err)
	assert.EqualValues(t, -5, res)
	res, err = client.Emit(ctx, "neg", map[string]interface{}{"n": 6}, &CallOptions{Scope: "log"})
	require.NoError(t, err)
	assert.EqualValues(t, -6, res)

	assert.EqualValues(t, 1, atomic.LoadInt32(&mathCalls))
	assert.EqualValues(t, 1, atomic.LoadInt32(&logCalls))
}

func TestOutgoingCallHookSeesOptions(t *testing.T) {
	p, cleanup := startPair(t, nil, nil)
	defer cleanup()
	require.NoError(t, p.server.OnMessage("neg", negHandler))

	var sawValue interface{}
	p.client.OnChannel(func(ch *Channel) {
		ch.OnOutgoingCall(func(cc *CallContext, opts *CallOptions) {
			sawValue = opts.Values["tenant"]
			cc.Locals["tenant"] = sawValue
		})
	})

	_, err := p.client.Emit(testCtx(t), "neg", map[string]interface{}{"n": 1},
		&CallOptions{Values: map[string]interface{}{"tenant": "acme"}})
	require.NoError(t, err)
	assert.Equal(t, "acme", sawValue)
}

func TestLenientNumberCoercion(t *testing.T) {
	p, cleanup := startPair(t, nil, nil)
	defer cleanup()
	require.NoError(t, p.server.OnMessage("neg", negHandler))

	// JSON decoding yields float64; the lenient default accepts it
	res, err := p.client.Emit(testCtx(t), "neg", map[string]interface{}{"n": float64(8)}, nil)
	require.NoError(t, err)
	assert.EqualValues(t, -8, res)
}

func TestStrictTypesRejectsCoercion(t *testing.T) {
	p, cleanup := startPair(t, []ClientOption{WithStrictTypes()}, nil)
	defer cleanup()
	require.NoError(t, p.server.OnMessage("neg", negHandler))

	_, err := p.client.Emit(testCtx(t), "neg", map[string]interface{}{"n": float64(8)}, nil)
	require.Error(t, err)
	assert.Equal(t, KindCodec, KindOf(err))
}
