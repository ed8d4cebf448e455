package rpc

import (
	"github.com/linkedin/goavro/v2"

	"github.com/mtth/verdon/frame"
	"github.com/mtth/verdon/service"
)

// genericErrorCodec encodes string errors for calls that never resolved
// to a message (unknown message name, handshake refusals). Its binary
// form is branch-compatible with every message error union, whose first
// branch is always "string".
var genericErrorCodec = func() *goavro.Codec {
	c, err := goavro.NewCodec(`["string"]`)
	if err != nil {
		panic(err)
	}
	return c
}()

func encodeStringError(msg string) []byte {
	buf, err := genericErrorCodec.BinaryFromNative(nil, map[string]interface{}{"string": msg})
	if err != nil {
		panic(err) // static schema, cannot fail
	}
	return buf
}

// encodeRequestBody lays out one call request: optional handshake,
// metadata (headers), message name, then the encoded request record.
func encodeRequestBody(hs *frame.HandshakeRequest, headers Headers, name string, payload []byte) ([]byte, error) {
	var buf []byte
	var err error
	if hs != nil {
		if buf, err = hs.Append(nil); err != nil {
			return nil, err
		}
	}
	if buf, err = frame.AppendMeta(buf, headers); err != nil {
		return nil, err
	}
	if buf, err = frame.AppendString(buf, name); err != nil {
		return nil, err
	}
	return append(buf, payload...), nil
}

// encodeResponseBody lays out one call response: optional handshake
// response, metadata, error flag, then the response or error payload.
func encodeResponseBody(hres *frame.HandshakeResponse, headers Headers, isErr bool, payload []byte) ([]byte, error) {
	var buf []byte
	var err error
	if hres != nil {
		if buf, err = hres.Append(nil); err != nil {
			return nil, err
		}
	}
	if buf, err = frame.AppendMeta(buf, headers); err != nil {
		return nil, err
	}
	if buf, err = frame.AppendBool(buf, isErr); err != nil {
		return nil, err
	}
	return append(buf, payload...), nil
}

// decodeResponseBody fills wres from the post-handshake portion of a
// response body. Error payloads become classified errors: the implicit
// string branch surfaces as a system error, declared branches as
// application errors carrying their decoded value.
func decodeResponseBody(msg *service.Message, body []byte, wres *WrappedResponse) error {
	headers, rest, err := frame.ReadMeta(body)
	if err != nil {
		return WrapError(KindCodec, err, "cannot decode response metadata")
	}
	wres.Headers = headers
	isErr, rest, err := frame.ReadBool(rest)
	if err != nil {
		return WrapError(KindCodec, err, "cannot decode response flag")
	}
	if isErr {
		native, _, err := msg.DecodeError(rest)
		if err != nil {
			return WrapError(KindCodec, err, "cannot decode error")
		}
		wres.Err = errorFromUnion(native)
		return nil
	}
	native, _, err := msg.DecodeResponse(rest)
	if err != nil {
		return WrapError(KindCodec, err, "cannot decode response")
	}
	wres.Body = native
	return nil
}

func errorFromUnion(native interface{}) *Error {
	if branch, ok := native.(map[string]interface{}); ok {
		if s, ok := branch["string"].(string); ok {
			e := NewError(KindSystem, s)
			e.value = native
			return e
		}
	}
	return newApplicationError("remote error", native)
}
