package frame

import (
	"github.com/pkg/errors"
)

// Call envelope pieces, per the Avro RPC message format: a metadata map
// (the per-call headers), the message name and request body on the way
// out, an error flag and response or error body on the way back.

var (
	metaCodec   = mustCodec(`{"type": "map", "values": "bytes"}`)
	stringCodec = mustCodec(`"string"`)
	boolCodec   = mustCodec(`"boolean"`)
	// BytesCodec is exported for header value bridging (avro/json mode).
	BytesCodec = mustCodec(`"bytes"`)
)

func AppendMeta(buf []byte, meta map[string][]byte) ([]byte, error) {
	values := make(map[string]interface{}, len(meta))
	for k, v := range meta {
		if v == nil {
			v = []byte{}
		}
		values[k] = v
	}
	return metaCodec.BinaryFromNative(buf, values)
}

func ReadMeta(buf []byte) (map[string][]byte, []byte, error) {
	native, rest, err := metaCodec.NativeFromBinary(buf)
	if err != nil {
		return nil, nil, errors.Wrap(err, "cannot decode call metadata")
	}
	values := native.(map[string]interface{})
	meta := make(map[string][]byte, len(values))
	for k, v := range values {
		b, ok := v.([]byte)
		if !ok {
			return nil, nil, errors.Errorf("metadata value %q is not bytes", k)
		}
		meta[k] = b
	}
	return meta, rest, nil
}

func AppendString(buf []byte, s string) ([]byte, error) {
	return stringCodec.BinaryFromNative(buf, s)
}

func ReadString(buf []byte) (string, []byte, error) {
	native, rest, err := stringCodec.NativeFromBinary(buf)
	if err != nil {
		return "", nil, errors.Wrap(err, "cannot decode string")
	}
	return native.(string), rest, nil
}

func AppendBool(buf []byte, b bool) ([]byte, error) {
	return boolCodec.BinaryFromNative(buf, b)
}

func ReadBool(buf []byte) (bool, []byte, error) {
	native, rest, err := boolCodec.NativeFromBinary(buf)
	if err != nil {
		return false, nil, errors.Wrap(err, "cannot decode boolean")
	}
	return native.(bool), rest, nil
}
