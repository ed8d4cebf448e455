package frame

import (
	"github.com/linkedin/goavro/v2"
	"github.com/pkg/errors"
)

// Standard Avro RPC handshake records. The hashes are MD5 fingerprints of
// the protocol documents; a peer that does not recognize the other side's
// hash requests the full protocol by answering with a non-BOTH match.

type Match string

const (
	MatchBoth   Match = "BOTH"
	MatchClient Match = "CLIENT"
	MatchNone   Match = "NONE"
)

const handshakeRequestSchema = `{
	"type": "record",
	"name": "HandshakeRequest",
	"namespace": "org.apache.avro.ipc",
	"fields": [
		{"name": "clientHash", "type": {"type": "fixed", "name": "MD5", "size": 16}},
		{"name": "clientProtocol", "type": ["null", "string"]},
		{"name": "serverHash", "type": "MD5"},
		{"name": "meta", "type": ["null", {"type": "map", "values": "bytes"}]}
	]
}`

const handshakeResponseSchema = `{
	"type": "record",
	"name": "HandshakeResponse",
	"namespace": "org.apache.avro.ipc",
	"fields": [
		{"name": "match", "type": {"type": "enum", "name": "HandshakeMatch", "symbols": ["BOTH", "CLIENT", "NONE"]}},
		{"name": "serverProtocol", "type": ["null", "string"]},
		{"name": "serverHash", "type": ["null", {"type": "fixed", "name": "MD5", "size": 16}]},
		{"name": "meta", "type": ["null", {"type": "map", "values": "bytes"}]}
	]
}`

var (
	handshakeRequestCodec  = mustCodec(handshakeRequestSchema)
	handshakeResponseCodec = mustCodec(handshakeResponseSchema)
)

func mustCodec(schema string) *goavro.Codec {
	c, err := goavro.NewCodec(schema)
	if err != nil {
		panic(err)
	}
	return c
}

type HandshakeRequest struct {
	ClientHash     [16]byte
	ClientProtocol *string
	ServerHash     [16]byte
	Meta           map[string][]byte
}

type HandshakeResponse struct {
	Match          Match
	ServerProtocol *string
	ServerHash     *[16]byte
	Meta           map[string][]byte
}

func (h *HandshakeRequest) Append(buf []byte) ([]byte, error) {
	native := map[string]interface{}{
		"clientHash":     h.ClientHash[:],
		"clientProtocol": optionalString(h.ClientProtocol),
		"serverHash":     h.ServerHash[:],
		"meta":           optionalMeta(h.Meta),
	}
	return handshakeRequestCodec.BinaryFromNative(buf, native)
}

func DecodeHandshakeRequest(buf []byte) (*HandshakeRequest, []byte, error) {
	native, rest, err := handshakeRequestCodec.NativeFromBinary(buf)
	if err != nil {
		return nil, nil, errors.Wrap(err, "cannot decode handshake request")
	}
	rec := native.(map[string]interface{})
	var h HandshakeRequest
	copy(h.ClientHash[:], rec["clientHash"].([]byte))
	copy(h.ServerHash[:], rec["serverHash"].([]byte))
	h.ClientProtocol = unionString(rec["clientProtocol"])
	h.Meta = unionMeta(rec["meta"])
	return &h, rest, nil
}

func (h *HandshakeResponse) Append(buf []byte) ([]byte, error) {
	var hash interface{}
	if h.ServerHash != nil {
		hash = map[string]interface{}{"org.apache.avro.ipc.MD5": h.ServerHash[:]}
	}
	native := map[string]interface{}{
		"match":          string(h.Match),
		"serverProtocol": optionalString(h.ServerProtocol),
		"serverHash":     hash,
		"meta":           optionalMeta(h.Meta),
	}
	return handshakeResponseCodec.BinaryFromNative(buf, native)
}

func DecodeHandshakeResponse(buf []byte) (*HandshakeResponse, []byte, error) {
	native, rest, err := handshakeResponseCodec.NativeFromBinary(buf)
	if err != nil {
		return nil, nil, errors.Wrap(err, "cannot decode handshake response")
	}
	rec := native.(map[string]interface{})
	h := HandshakeResponse{
		Match: Match(rec["match"].(string)),
		Meta:  unionMeta(rec["meta"]),
	}
	h.ServerProtocol = unionString(rec["serverProtocol"])
	if branch, ok := rec["serverHash"].(map[string]interface{}); ok {
		if raw, ok := branch["org.apache.avro.ipc.MD5"].([]byte); ok {
			var hash [16]byte
			copy(hash[:], raw)
			h.ServerHash = &hash
		}
	}
	return &h, rest, nil
}

func optionalString(s *string) interface{} {
	if s == nil {
		return nil
	}
	return map[string]interface{}{"string": *s}
}

func unionString(v interface{}) *string {
	branch, ok := v.(map[string]interface{})
	if !ok {
		return nil
	}
	s, ok := branch["string"].(string)
	if !ok {
		return nil
	}
	return &s
}

func optionalMeta(m map[string][]byte) interface{} {
	if m == nil {
		return nil
	}
	values := make(map[string]interface{}, len(m))
	for k, v := range m {
		values[k] = v
	}
	return map[string]interface{}{"map": values}
}

func unionMeta(v interface{}) map[string][]byte {
	branch, ok := v.(map[string]interface{})
	if !ok {
		return nil
	}
	values, ok := branch["map"].(map[string]interface{})
	if !ok {
		return nil
	}
	m := make(map[string][]byte, len(values))
	for k, val := range values {
		if b, ok := val.([]byte); ok {
			m[k] = b
		}
	}
	return m
}
