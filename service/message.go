package service

import (
	"encoding/json"

	"github.com/linkedin/goavro/v2"
	"github.com/pkg/errors"
)

// Message is one callable entry point of a protocol. Its three codecs
// cover the request record (built from the message's parameter list), the
// response, and the error union (always ["string", ...declared errors]).
type Message struct {
	name   string
	doc    string
	oneWay bool

	request  *goavro.Codec
	response *goavro.Codec
	errors   *goavro.Codec
}

type messageDoc struct {
	Doc      string            `json:"doc"`
	Request  []json.RawMessage `json:"request"`
	Response json.RawMessage   `json:"response"`
	Errors   []json.RawMessage `json:"errors"`
	OneWay   bool              `json:"one-way"`
}

func parseMessage(name string, raw json.RawMessage, reg *typeRegistry, namespace string) (*Message, error) {
	var doc messageDoc
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, errors.Wrap(err, "cannot decode message")
	}

	m := &Message{name: name, doc: doc.Doc, oneWay: doc.OneWay}

	seen := make(map[string]bool)
	fields := make([]interface{}, len(doc.Request))
	for i, rawField := range doc.Request {
		var field interface{}
		if err := json.Unmarshal(rawField, &field); err != nil {
			return nil, errors.Wrapf(err, "cannot decode parameter #%d", i)
		}
		fm, ok := field.(map[string]interface{})
		if !ok {
			return nil, errors.Errorf("malformed parameter #%d", i)
		}
		of := make(map[string]interface{}, len(fm))
		for k, v := range fm {
			of[k] = v
		}
		expanded, err := reg.expandSchema(fm["type"], namespace, seen)
		if err != nil {
			return nil, errors.Wrapf(err, "cannot resolve parameter #%d", i)
		}
		of["type"] = expanded
		fields[i] = of
	}
	requestSchema := map[string]interface{}{
		"type":   "record",
		"name":   fullname(name+"Request", namespace),
		"fields": fields,
	}
	var err error
	if m.request, err = codecFor(requestSchema); err != nil {
		return nil, errors.Wrap(err, "cannot compile request")
	}

	var responseSchema interface{} = "null"
	if len(doc.Response) > 0 {
		var response interface{}
		if err := json.Unmarshal(doc.Response, &response); err != nil {
			return nil, errors.Wrap(err, "cannot decode response")
		}
		if responseSchema, err = reg.expandSchema(response, namespace, make(map[string]bool)); err != nil {
			return nil, errors.Wrap(err, "cannot resolve response")
		}
	}
	if m.oneWay && responseSchema != "null" {
		return nil, errors.New("one-way message declares a response")
	}
	if m.response, err = codecFor(responseSchema); err != nil {
		return nil, errors.Wrap(err, "cannot compile response")
	}

	if m.oneWay && len(doc.Errors) > 0 {
		return nil, errors.New("one-way message declares errors")
	}
	errorSchema := []interface{}{"string"}
	seen = make(map[string]bool)
	for i, rawErr := range doc.Errors {
		var variant interface{}
		if err := json.Unmarshal(rawErr, &variant); err != nil {
			return nil, errors.Wrapf(err, "cannot decode error #%d", i)
		}
		expanded, err := reg.expandSchema(variant, namespace, seen)
		if err != nil {
			return nil, errors.Wrapf(err, "cannot resolve error #%d", i)
		}
		errorSchema = append(errorSchema, expanded)
	}
	if m.errors, err = codecFor(errorSchema); err != nil {
		return nil, errors.Wrap(err, "cannot compile errors")
	}

	return m, nil
}

func (m *Message) Name() string { return m.name }
func (m *Message) Doc() string  { return m.doc }
func (m *Message) OneWay() bool { return m.oneWay }

func (m *Message) RequestCodec() *goavro.Codec  { return m.request }
func (m *Message) ResponseCodec() *goavro.Codec { return m.response }
func (m *Message) ErrorCodec() *goavro.Codec    { return m.errors }

// DeclaredErrors reports whether the message declares error variants
// beyond the implicit string branch.
func (m *Message) DeclaredErrors() bool {
	var union []interface{}
	if err := json.Unmarshal([]byte(m.errors.Schema()), &union); err != nil {
		return false
	}
	return len(union) > 1
}

func (m *Message) EncodeRequest(datum interface{}) ([]byte, error) {
	return m.request.BinaryFromNative(nil, datum)
}

func (m *Message) DecodeRequest(buf []byte) (interface{}, []byte, error) {
	return m.request.NativeFromBinary(buf)
}

func (m *Message) EncodeResponse(datum interface{}) ([]byte, error) {
	return m.response.BinaryFromNative(nil, datum)
}

func (m *Message) DecodeResponse(buf []byte) (interface{}, []byte, error) {
	return m.response.NativeFromBinary(buf)
}

func (m *Message) EncodeError(datum interface{}) ([]byte, error) {
	return m.errors.BinaryFromNative(nil, datum)
}

func (m *Message) DecodeError(buf []byte) (interface{}, []byte, error) {
	return m.errors.NativeFromBinary(buf)
}

// JSON (Avro textual encoding) entry points, used by the proxy's
// avro/json bridge.

func (m *Message) RequestFromJSON(text []byte) (interface{}, error) {
	native, _, err := m.request.NativeFromTextual(text)
	return native, err
}

func (m *Message) RequestToJSON(datum interface{}) ([]byte, error) {
	return m.request.TextualFromNative(nil, datum)
}

func (m *Message) ResponseToJSON(datum interface{}) ([]byte, error) {
	return m.response.TextualFromNative(nil, datum)
}

func (m *Message) ResponseFromJSON(text []byte) (interface{}, error) {
	native, _, err := m.response.NativeFromTextual(text)
	return native, err
}

func (m *Message) ErrorToJSON(datum interface{}) ([]byte, error) {
	return m.errors.TextualFromNative(nil, datum)
}

func (m *Message) ErrorFromJSON(text []byte) (interface{}, error) {
	native, _, err := m.errors.NativeFromTextual(text)
	return native, err
}
