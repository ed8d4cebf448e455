package proxy

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mtth/verdon/frame"
	"github.com/mtth/verdon/rpc"
	"github.com/mtth/verdon/service"
	"github.com/mtth/verdon/transport"
)

const mathProtocol = `{
	"protocol": "Math",
	"namespace": "org.example",
	"messages": {
		"neg": {
			"request": [{"name": "n", "type": "int"}],
			"response": "int"
		}
	}
}`

func negHandler(cc *rpc.CallContext, request interface{}) (interface{}, error) {
	n := request.(map[string]interface{})["n"].(int32)
	return -n, nil
}

func newMathServer(t *testing.T) *rpc.Server {
	svc := service.MustParse(mathProtocol)
	server := rpc.NewServer(svc)
	require.NoError(t, server.OnMessage("neg", negHandler))
	return server
}

func newTestProxy(t *testing.T, receiver Receiver) (*Proxy, *httptest.Server) {
	p := New(nil, receiver)
	require.NoError(t, p.BindServer(newMathServer(t), ""))
	require.NoError(t, p.BindServer(newMathServer(t), "math"))
	srv := httptest.NewServer(p)
	t.Cleanup(srv.Close)
	return p, srv
}

func postJSON(t *testing.T, url, body string) *http.Response {
	res, err := http.Post(url, ContentTypeJSON, strings.NewReader(body))
	require.NoError(t, err)
	t.Cleanup(func() { res.Body.Close() })
	return res
}

func TestPostJSONRoundTrip(t *testing.T) {
	_, srv := newTestProxy(t, nil)

	res := postJSON(t, srv.URL+"/", `{"message": "neg", "request": {"n": 2}}`)
	require.Equal(t, http.StatusOK, res.StatusCode)
	assert.Equal(t, ContentTypeJSON, res.Header.Get("Content-Type"))

	var reply struct {
		Headers  map[string]json.RawMessage `json:"headers"`
		Response json.RawMessage            `json:"response"`
		Error    json.RawMessage            `json:"error"`
	}
	require.NoError(t, json.NewDecoder(res.Body).Decode(&reply))
	assert.Equal(t, "-2", string(reply.Response))
	assert.Empty(t, reply.Error)
	assert.Empty(t, reply.Headers)
}

func TestPostJSONScoped(t *testing.T) {
	_, srv := newTestProxy(t, nil)

	res := postJSON(t, srv.URL+"/math", `{"message": "neg", "request": {"n": 3}}`)
	require.Equal(t, http.StatusOK, res.StatusCode)
	var reply map[string]json.RawMessage
	require.NoError(t, json.NewDecoder(res.Body).Decode(&reply))
	assert.Equal(t, "-3", string(reply["response"]))
}

func TestPostJSONUnknownMessage(t *testing.T) {
	_, srv := newTestProxy(t, nil)

	res := postJSON(t, srv.URL+"/", `{"message": "plus", "request": {}}`)
	require.Equal(t, http.StatusBadRequest, res.StatusCode)
	var body bytes.Buffer
	body.ReadFrom(res.Body) //nolint:errcheck
	assert.Contains(t, body.String(), "unknown message")
}

func TestPostJSONApplicationError(t *testing.T) {
	p := New(nil, nil)
	svc := service.MustParse(mathProtocol)
	server := rpc.NewServer(svc)
	require.NoError(t, server.OnMessage("neg", func(cc *rpc.CallContext, request interface{}) (interface{}, error) {
		return nil, errors.New("boom")
	}))
	require.NoError(t, p.BindServer(server, ""))
	srv := httptest.NewServer(p)
	defer srv.Close()

	res := postJSON(t, srv.URL+"/", `{"message": "neg", "request": {"n": 2}}`)
	require.Equal(t, http.StatusOK, res.StatusCode)
	var reply map[string]json.RawMessage
	require.NoError(t, json.NewDecoder(res.Body).Decode(&reply))
	assert.JSONEq(t, `{"string": "boom"}`, string(reply["error"]))
	assert.Empty(t, reply["response"])
}

func TestPostUnknownScope(t *testing.T) {
	_, srv := newTestProxy(t, nil)
	res := postJSON(t, srv.URL+"/nope", `{"message": "neg", "request": {"n": 1}}`)
	assert.Equal(t, http.StatusNotFound, res.StatusCode)
}

func TestPostUnknownContentType(t *testing.T) {
	_, srv := newTestProxy(t, nil)
	res, err := http.Post(srv.URL+"/", "text/plain", strings.NewReader("hi"))
	require.NoError(t, err)
	defer res.Body.Close()
	assert.Equal(t, http.StatusBadRequest, res.StatusCode)
}

func TestReceiverDenies(t *testing.T) {
	denied := errors.New("denied")
	_, srv := newTestProxy(t, func(req *http.Request) (AfterBind, error) {
		if req.Header.Get("secret") != "open sesame" {
			return nil, denied
		}
		return nil, nil
	})

	res := postJSON(t, srv.URL+"/", `{"message": "neg", "request": {"n": 1}}`)
	assert.Equal(t, http.StatusForbidden, res.StatusCode)

	req, err := http.NewRequest("POST", srv.URL+"/", strings.NewReader(`{"message": "neg", "request": {"n": 1}}`))
	require.NoError(t, err)
	req.Header.Set("Content-Type", ContentTypeJSON)
	req.Header.Set("secret", "open sesame")
	res2, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer res2.Body.Close()
	assert.Equal(t, http.StatusOK, res2.StatusCode)
}

func TestPostBinary(t *testing.T) {
	_, srv := newTestProxy(t, nil)

	svc := service.MustParse(mathProtocol)
	client := rpc.NewClient(svc)
	defer client.DestroyChannels()
	client.NewUnaryChannel(context.Background(), transport.NewHTTPUnary(srv.URL+"/math", nil))

	res, err := client.Emit(context.Background(), "neg", map[string]interface{}{"n": 9}, nil)
	require.NoError(t, err)
	assert.EqualValues(t, -9, res)
}

func TestConnectTunnel(t *testing.T) {
	_, srv := newTestProxy(t, nil)

	conn, err := StartTunnel(context.Background(), srv.URL, &TunnelOptions{Scopes: []string{"math"}})
	require.NoError(t, err)
	defer conn.Close()

	svc := service.MustParse(mathProtocol)
	client := rpc.NewClient(svc)
	defer client.DestroyChannels()
	client.NewStreamChannel(context.Background(), frame.NewStreamConn(conn, 0), rpc.WithScope("math"))

	res, err := client.Emit(context.Background(), "neg",
		map[string]interface{}{"n": 11}, &rpc.CallOptions{Scope: "math", Timeout: 5 * time.Second})
	require.NoError(t, err)
	assert.EqualValues(t, -11, res)
}

func TestConnectUnknownScope(t *testing.T) {
	_, srv := newTestProxy(t, nil)
	_, err := StartTunnel(context.Background(), srv.URL, &TunnelOptions{Scopes: []string{"nope"}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "404")
}

func TestWebSocket(t *testing.T) {
	_, srv := newTestProxy(t, nil)

	svc := service.MustParse(mathProtocol)
	client := rpc.NewClient(svc)
	defer client.DestroyChannels()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/math"
	_, err := client.DialChannel(context.Background(), wsURL, rpc.WithScope("math"))
	require.NoError(t, err)

	res, err := client.Emit(context.Background(), "neg",
		map[string]interface{}{"n": 13}, &rpc.CallOptions{Scope: "math", Timeout: 5 * time.Second})
	require.NoError(t, err)
	assert.EqualValues(t, -13, res)
}

func TestWebSocketMultiScope(t *testing.T) {
	_, srv := newTestProxy(t, nil)

	svc := service.MustParse(mathProtocol)
	client := rpc.NewClient(svc)
	defer client.DestroyChannels()

	// one socket, two logical channels
	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/+math"
	ep, err := transport.Dial(context.Background(), wsURL)
	require.NoError(t, err)
	chans := map[string]*rpc.Channel{
		"":     client.NewChannel(context.Background(), ep.Conn, rpc.WithScope("")),
		"math": client.NewChannel(context.Background(), ep.Conn, rpc.WithScope("math")),
	}
	go func() {
		for {
			p, err := ep.Conn.ReadPacket()
			if err != nil {
				return
			}
			if ch, ok := chans[p.Scope]; ok {
				ch.HandlePacket(context.Background(), p)
			}
		}
	}()
	defer ep.Conn.Close()

	for scope, n := range map[string]int{"": 1, "math": 2} {
		res, err := client.Emit(context.Background(), "neg",
			map[string]interface{}{"n": n}, &rpc.CallOptions{Scope: scope, Timeout: 5 * time.Second})
		require.NoError(t, err)
		assert.EqualValues(t, -n, res)
	}
}

func TestOKReadiness(t *testing.T) {
	p := New(&Options{ExpectScopes: []string{"math", "log"}}, nil)
	assert.False(t, p.OK())
	require.NoError(t, p.BindServer(newMathServer(t), "math"))
	assert.False(t, p.OK())
	require.NoError(t, p.BindServer(newMathServer(t), "log"))
	assert.True(t, p.OK())
}

func TestDuplicateScope(t *testing.T) {
	p := New(nil, nil)
	require.NoError(t, p.BindServer(newMathServer(t), "math"))
	assert.Error(t, p.BindServer(newMathServer(t), "math"))
}

func TestClientProviderOverWebSocket(t *testing.T) {
	// the connecting peer hosts the service; the proxy hands a client
	// to the provider
	svc := service.MustParse(mathProtocol)
	gotClient := make(chan *rpc.Client, 1)
	p := New(nil, nil)
	require.NoError(t, p.BindClientProvider(&ClientProvider{
		Service: svc,
		Notify:  func(c *rpc.Client) { gotClient <- c },
	}, "backend"))
	srv := httptest.NewServer(p)
	defer srv.Close()

	// peer side: a server driving the websocket itself
	peer := rpc.NewServer(svc)
	require.NoError(t, peer.OnMessage("neg", negHandler))
	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/backend"
	ep, err := transport.Dial(context.Background(), wsURL)
	require.NoError(t, err)
	go peer.ServeConn(context.Background(), ep.Conn, rpc.WithScope("backend")) //nolint:errcheck
	defer peer.DestroyChannels()

	select {
	case client := <-gotClient:
		res, err := client.Emit(context.Background(), "neg",
			map[string]interface{}{"n": 21}, &rpc.CallOptions{Scope: "backend", Timeout: 5 * time.Second})
		require.NoError(t, err)
		assert.EqualValues(t, -21, res)
	case <-time.After(5 * time.Second):
		t.Fatal("provider never notified")
	}
}

func TestPostJSONHeadersRoundTrip(t *testing.T) {
	p := New(nil, nil)
	svc := service.MustParse(mathProtocol)
	server := rpc.NewServer(svc)
	require.NoError(t, server.OnMessage("neg", negHandler))
	server.Use(func(cc *rpc.CallContext, wreq *rpc.WrappedRequest, wres *rpc.WrappedResponse, next rpc.Next) error {
		err := next(nil)
		wres.Headers["echo"] = wreq.Headers["tag"]
		return err
	})
	require.NoError(t, p.BindServer(server, ""))
	srv := httptest.NewServer(p)
	defer srv.Close()

	res := postJSON(t, srv.URL+"/", `{"message": "neg", "headers": {"tag": ""}, "request": {"n": 2}}`)
	require.Equal(t, http.StatusOK, res.StatusCode)
	var reply map[string]json.RawMessage
	require.NoError(t, json.NewDecoder(res.Body).Decode(&reply))
	var headers map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(reply["headers"], &headers))
	assert.JSONEq(t, `""`, string(headers["echo"]))
}
