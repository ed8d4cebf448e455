package transport

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mtth/verdon/frame"
)

func TestPipeWriteBeforeRead(t *testing.T) {
	a, b := Pipe()

	// a full write must not require a concurrent reader
	n, err := a.Write([]byte("hello"))
	require.NoError(t, err)
	assert.Equal(t, 5, n)

	buf := make([]byte, 5)
	_, err = io.ReadFull(b, buf)
	require.NoError(t, err)
	assert.Equal(t, "hello", string(buf))
}

func TestPipeCloseSignalsEOF(t *testing.T) {
	a, b := Pipe()
	_, err := a.Write([]byte("x"))
	require.NoError(t, err)
	require.NoError(t, a.Close())

	buf := make([]byte, 1)
	_, err = io.ReadFull(b, buf)
	require.NoError(t, err)
	_, err = b.Read(buf)
	assert.Equal(t, io.EOF, err)

	_, err = b.Write([]byte("y"))
	assert.Equal(t, io.ErrClosedPipe, err)
}

func TestPipeConcurrentReaders(t *testing.T) {
	a, b := Pipe()
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		buf := make([]byte, 4)
		_, err := io.ReadFull(b, buf)
		assert.NoError(t, err)
		assert.Equal(t, "ping", string(buf))
	}()
	_, err := a.Write([]byte("ping"))
	require.NoError(t, err)
	wg.Wait()
}

func TestPacketPipeOrder(t *testing.T) {
	a, b := PacketPipe()
	for i := 0; i < 5; i++ {
		require.NoError(t, a.WritePacket(&frame.Packet{ID: uint32(i)}))
	}
	for i := 0; i < 5; i++ {
		p, err := b.ReadPacket()
		require.NoError(t, err)
		assert.Equal(t, uint32(i), p.ID)
	}
}

func TestPacketPipeCloseDrains(t *testing.T) {
	a, b := PacketPipe()
	require.NoError(t, a.WritePacket(&frame.Packet{ID: 1}))
	require.NoError(t, a.Close())

	p, err := b.ReadPacket()
	require.NoError(t, err)
	assert.Equal(t, uint32(1), p.ID)

	_, err = b.ReadPacket()
	assert.Equal(t, io.EOF, err)

	assert.Equal(t, io.ErrClosedPipe, b.WritePacket(&frame.Packet{ID: 2}))
}

func TestHTTPUnaryRoundTrip(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, ContentTypeBinary, r.Header.Get("Content-Type"))
		body, err := io.ReadAll(r.Body)
		assert.NoError(t, err)
		assert.Equal(t, []byte("req"), body)
		w.Write([]byte("res"))
	}))
	defer srv.Close()

	u := NewHTTPUnary(srv.URL, nil)
	res, err := u.RoundTrip(context.Background(), []byte("req"))
	require.NoError(t, err)
	assert.Equal(t, []byte("res"), res)
}

func TestHTTPUnaryErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusForbidden)
	}))
	defer srv.Close()

	u := NewHTTPUnary(srv.URL, nil)
	_, err := u.RoundTrip(context.Background(), []byte("req"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "403")
	assert.Contains(t, err.Error(), "nope")
}

func TestDialRejectsUnknownScheme(t *testing.T) {
	_, err := Dial(context.Background(), "gopher://example.com")
	assert.Error(t, err)
}
