// Package transport normalizes the duplexes channels run on.
//
// Two shapes exist: Unary transports open a fresh sink per call
// (handshake rides every request), stream transports stay open and
// multiplex many calls as packets. Byte duplexes are framed by
// frame.StreamConn; message-framed duplexes (WebSocket) carry whole
// packets per message.
package transport

import (
	"context"
	"io"

	"github.com/mtth/verdon/logger"
)

// Unary is the stateless transport shape: each RoundTrip writes one full
// request unit and yields the bytes of its response unit. At most one
// call is in flight per invocation.
type Unary interface {
	RoundTrip(ctx context.Context, request []byte) ([]byte, error)
}

// UnaryFunc adapts a function to the Unary interface.
type UnaryFunc func(ctx context.Context, request []byte) ([]byte, error)

func (f UnaryFunc) RoundTrip(ctx context.Context, request []byte) ([]byte, error) {
	return f(ctx, request)
}

// Duplex is the minimal stateful byte transport: an ordered,
// closure-signaling byte stream in each direction.
type Duplex = io.ReadWriteCloser

type contextKey int

const contextKeyLog contextKey = 0

type Logger = logger.Logger

func WithLogger(ctx context.Context, log Logger) context.Context {
	return context.WithValue(ctx, contextKeyLog, log)
}

func GetLogger(ctx context.Context) Logger {
	if log, ok := ctx.Value(contextKeyLog).(Logger); ok {
		return log
	}
	return logger.NewNullLogger()
}
