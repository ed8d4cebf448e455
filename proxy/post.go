package proxy

import (
	"bytes"
	"context"
	"encoding/json"
	"mime"
	"net/http"

	"github.com/mtth/verdon/frame"
	"github.com/mtth/verdon/rpc"
	"github.com/mtth/verdon/transport"
)

// ContentTypeJSON is the media type of JSON-bridged calls.
const ContentTypeJSON = "avro/json"

// PostRequestHandler serves stateless calls: avro/binary bodies stream
// straight through the frame codec, avro/json bodies bridge through an
// ephemeral in-memory channel pair.
func (p *Proxy) PostRequestHandler() http.Handler {
	return http.HandlerFunc(p.handlePost)
}

func (p *Proxy) handlePost(w http.ResponseWriter, r *http.Request) {
	after, err := p.receive(r)
	if err != nil {
		prom.Requests.WithLabelValues("post", "denied").Inc()
		http.Error(w, "forbidden", http.StatusForbidden)
		return
	}

	scope := p.postScope(r.URL.Path)
	b := p.binding(scope)
	if b == nil || b.server == nil {
		prom.Requests.WithLabelValues("post", "unknown_scope").Inc()
		http.Error(w, "no server bound to scope "+scope, http.StatusNotFound)
		return
	}

	contentType, _, err := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if err != nil {
		http.Error(w, "malformed content type", http.StatusBadRequest)
		return
	}
	switch contentType {
	case transport.ContentTypeBinary:
		p.postBinary(w, r, b, after)
	case ContentTypeJSON:
		p.postJSON(w, r, b, scope, after)
	default:
		prom.Requests.WithLabelValues("post", "bad_content_type").Inc()
		http.Error(w, "unsupported content type "+contentType, http.StatusBadRequest)
	}
}

func (p *Proxy) postBinary(w http.ResponseWriter, r *http.Request, b *binding, after AfterBind) {
	ctx := r.Context()
	var out bytes.Buffer
	if err := b.server.ServeUnary(ctx, r.Body, &out); err != nil {
		prom.Requests.WithLabelValues("post_binary", "bad_request").Inc()
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if after != nil {
		after(nil)
	}
	prom.Requests.WithLabelValues("post_binary", "ok").Inc()
	w.Header().Set("Content-Type", transport.ContentTypeBinary)
	w.Write(out.Bytes()) //nolint:errcheck
}

// jsonCall is the avro/json request body shape.
type jsonCall struct {
	Message string                     `json:"message"`
	Headers map[string]json.RawMessage `json:"headers"`
	Request json.RawMessage            `json:"request"`
}

// jsonReply is the avro/json response body shape; at most one of
// Response and Error is set (neither for a successful one-way message).
type jsonReply struct {
	Headers  map[string]json.RawMessage `json:"headers"`
	Response json.RawMessage            `json:"response,omitempty"`
	Error    json.RawMessage            `json:"error,omitempty"`
}

func (p *Proxy) postJSON(w http.ResponseWriter, r *http.Request, b *binding, scope string, after AfterBind) {
	var call jsonCall
	if err := json.NewDecoder(r.Body).Decode(&call); err != nil {
		http.Error(w, "malformed request body: "+err.Error(), http.StatusBadRequest)
		return
	}

	svc := b.server.Service()
	msg := svc.Message(call.Message)
	if msg == nil {
		prom.Requests.WithLabelValues("post_json", "bad_request").Inc()
		http.Error(w, "unknown message "+call.Message, http.StatusBadRequest)
		return
	}
	reqBody, err := msg.RequestFromJSON(call.Request)
	if err != nil {
		http.Error(w, "cannot decode request: "+err.Error(), http.StatusBadRequest)
		return
	}
	headers := make(rpc.Headers, len(call.Headers))
	for k, raw := range call.Headers {
		native, _, err := frame.BytesCodec.NativeFromTextual(raw)
		if err != nil {
			http.Error(w, "cannot decode header "+k+": "+err.Error(), http.StatusBadRequest)
			return
		}
		headers[k] = native.([]byte)
	}

	// ephemeral channel pair, cancelled as soon as the reply is written
	ctx, cancel := context.WithTimeout(r.Context(), p.callTimeout)
	defer cancel()
	serverEnd, clientEnd := transport.PacketPipe()
	go b.server.ServeConn(ctx, serverEnd, rpc.WithScope(scope)) //nolint:errcheck

	client := rpc.NewClient(svc)
	defer client.DestroyChannels()
	ch := client.NewStreamChannel(ctx, clientEnd, rpc.WithScope(scope), rpc.WithNoPing())
	if after != nil {
		after(ch)
	}

	// copy the JSON headers onto the binary request, and capture the
	// binary response headers for the JSON reply
	var resHeaders rpc.Headers
	client.Use(func(cc *rpc.CallContext, wreq *rpc.WrappedRequest, wres *rpc.WrappedResponse, next rpc.Next) error {
		for k, v := range headers {
			wreq.Headers[k] = v
		}
		err := next(nil)
		resHeaders = wres.Headers
		return err
	})

	res, err := client.Emit(ctx, call.Message, reqBody, &rpc.CallOptions{Scope: scope})

	reply := jsonReply{Headers: make(map[string]json.RawMessage, len(resHeaders))}
	for k, v := range resHeaders {
		text, terr := frame.BytesCodec.TextualFromNative(nil, v)
		if terr != nil {
			continue
		}
		reply.Headers[k] = text
	}

	if err != nil {
		if value := rpc.ApplicationValue(err); value != nil {
			text, terr := msg.ErrorToJSON(value)
			if terr != nil {
				http.Error(w, "cannot encode error: "+terr.Error(), http.StatusInternalServerError)
				return
			}
			reply.Error = text
		} else if rpc.KindOf(err) == rpc.KindCodec {
			prom.Requests.WithLabelValues("post_json", "bad_request").Inc()
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		} else {
			prom.Requests.WithLabelValues("post_json", "error").Inc()
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
	} else if !msg.OneWay() {
		text, terr := msg.ResponseToJSON(res)
		if terr != nil {
			http.Error(w, "cannot encode response: "+terr.Error(), http.StatusInternalServerError)
			return
		}
		reply.Response = text
	}

	prom.Requests.WithLabelValues("post_json", "ok").Inc()
	w.Header().Set("Content-Type", ContentTypeJSON)
	json.NewEncoder(w).Encode(&reply) //nolint:errcheck
}
