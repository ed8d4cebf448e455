package daemon

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mtth/verdon/config"
	"github.com/mtth/verdon/frame"
	"github.com/mtth/verdon/proxy"
	"github.com/mtth/verdon/rpc"
	"github.com/mtth/verdon/service"
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

func TestGatewayForwards(t *testing.T) {
	ctx := context.Background()

	// backend service listening on TCP
	svc := service.MustParse(mathProtocol)
	backend := rpc.NewServer(svc)
	require.NoError(t, backend.OnMessage("neg", func(cc *rpc.CallContext, request interface{}) (interface{}, error) {
		n := request.(map[string]interface{})["n"].(int32)
		return -n, nil
	}))
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go backend.ServeConn(ctx, frame.NewStreamConn(conn, 0)) //nolint:errcheck
		}
	}()

	protoPath := filepath.Join(t.TempDir(), "math.avpr")
	require.NoError(t, os.WriteFile(protoPath, []byte(mathProtocol), 0o600))

	gw, err := newGateway(ctx, config.Scope{
		Scope:    "math",
		Protocol: protoPath,
		Upstream: "tcp://" + ln.Addr().String(),
	})
	require.NoError(t, err)
	defer gw.upstream.DestroyChannels()

	p := proxy.New(nil, nil)
	require.NoError(t, p.BindServer(gw.server, "math"))
	srv := httptest.NewServer(p)
	defer srv.Close()

	res, err := http.Post(srv.URL+"/math", proxy.ContentTypeJSON,
		strings.NewReader(`{"message": "neg", "request": {"n": 14}}`))
	require.NoError(t, err)
	defer res.Body.Close()
	require.Equal(t, http.StatusOK, res.StatusCode)

	var reply map[string]json.RawMessage
	require.NoError(t, json.NewDecoder(res.Body).Decode(&reply))
	assert.Equal(t, "-14", string(reply["response"]))
}
