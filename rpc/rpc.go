// Package rpc implements the Avro RPC engine: channels multiplexing
// framed calls over transports, clients and servers owning sets of
// channels, and the middleware pipeline interposed between the call
// surface and wire I/O.
package rpc

import (
	"context"

	"github.com/mtth/verdon/logger"
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

// Headers are the extensible binary metadata attached to each request
// and response envelope.
type Headers map[string][]byte

// WrappedRequest is the per-call request envelope handed to middleware.
// Body is the decoded request record; both fields may be mutated during
// the forward phase.
type WrappedRequest struct {
	Body    interface{}
	Headers Headers
}

// WrappedResponse is the per-call response envelope. Exactly one of Body
// or Err is populated for two-way messages; one-way messages never
// produce one.
type WrappedResponse struct {
	Body    interface{}
	Err     error
	Headers Headers
}

// CallContext is the per-call state visible to hooks, middleware, and
// handlers. Locals is private to one call; there is no cross-call state.
type CallContext struct {
	Locals  map[string]interface{}
	Message *service.Message
	Channel *Channel
}

func newCallContext(msg *service.Message, ch *Channel) *CallContext {
	return &CallContext{
		Locals:  make(map[string]interface{}),
		Message: msg,
		Channel: ch,
	}
}
